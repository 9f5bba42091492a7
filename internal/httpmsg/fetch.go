package httpmsg

import (
	"context"
	"fmt"
	"io"
	"net/http"
)

// Doer 抽象网络层，*http.Client 即满足该接口。
type Doer interface {
	Do(*http.Request) (*http.Response, error)
}

// Fetch 发起网络请求并读完正文；仅传输层错误视为失败，非 2xx 照常返回。
// 返回的 Header 已剔除 hop-by-hop 字段与 Content-Length。
func Fetch(ctx context.Context, client Doer, req *Request) (*Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL.String(), http.NoBody)
	if err != nil {
		return nil, err
	}
	CopyHeaders(httpReq.Header, req.Header)
	httpReq.Header.Del("Accept-Encoding")

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	header := http.Header{}
	CopyHeaders(header, resp.Header)
	header.Del("Content-Length")
	return &Response{
		Status: resp.StatusCode,
		Header: header,
		Body:   body,
	}, nil
}
