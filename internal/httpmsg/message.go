// Package httpmsg 定义在拦截边界、策略执行器、缓存与离线合成器之间流转的请求/响应值类型。
// 响应正文在进入引擎时即被完整读取，便于同一份响应既返回调用方又写入缓存。
package httpmsg

import (
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
)

// Request 描述一次被拦截的请求：方法、绝对 URL 与请求头（主要关注 Accept）。
type Request struct {
	Method string
	URL    *url.URL
	Header http.Header
}

// NewRequest 解析绝对 URL 并构造 Request，header 为空时补一个空表。
func NewRequest(method, rawURL string, header http.Header) (*Request, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}
	if header == nil {
		header = http.Header{}
	}
	return &Request{
		Method: strings.ToUpper(method),
		URL:    parsed,
		Header: header,
	}, nil
}

// Path 返回不含 query/fragment 的规范化路径，供路由分类使用。
func (r *Request) Path() string {
	if r == nil || r.URL == nil || r.URL.Path == "" {
		return "/"
	}
	return r.URL.Path
}

// Accept 返回小写化的 Accept 头，缺失时为空串。
func (r *Request) Accept() string {
	if r == nil || r.Header == nil {
		return ""
	}
	return strings.ToLower(r.Header.Get("Accept"))
}

// Intercepted 判断请求是否落在拦截边界内：仅 GET 且为 http(s) 绝对地址。
func (r *Request) Intercepted() bool {
	if r == nil || r.URL == nil {
		return false
	}
	if r.Method != http.MethodGet {
		return false
	}
	scheme := strings.ToLower(r.URL.Scheme)
	return (scheme == "http" || scheme == "https") && r.URL.Host != ""
}

// Response 是引擎内部的完整响应。
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// OK 对应 fetch 语义中的 response.ok，即 2xx。
func (r *Response) OK() bool {
	return r != nil && r.Status >= 200 && r.Status < 300
}

// Clone 深拷贝响应，避免缓存条目与调用方共享可变的 Header/Body。
func (r *Response) Clone() *Response {
	if r == nil {
		return nil
	}
	out := &Response{
		Status: r.Status,
		Header: r.Header.Clone(),
		Body:   append([]byte(nil), r.Body...),
	}
	if out.Header == nil {
		out.Header = http.Header{}
	}
	return out
}

// hopByHopHeaders 定义 RFC 7230 中禁止代理转发的头部。
var hopByHopHeaders = map[string]struct{}{
	"Connection":          {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Te":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
	"Proxy-Connection":    {}, // 非标准字段，但部分代理仍使用
}

// CopyHeaders 将 src 中允许透传的头复制到 dst，自动忽略 hop-by-hop 字段。
func CopyHeaders(dst, src http.Header) {
	for key, values := range src {
		if IsHopByHopHeader(key) {
			continue
		}
		for _, value := range values {
			dst.Add(key, value)
		}
	}
}

// IsHopByHopHeader reports whether the header should be stripped by proxies.
func IsHopByHopHeader(key string) bool {
	_, ok := hopByHopHeaders[textproto.CanonicalMIMEHeaderKey(key)]
	return ok
}
