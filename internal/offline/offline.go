// Package offline 在缓存与网络均失败时合成确定性的降级响应。本包不访问网络或缓存，
// HTML 所需的离线页面由调用方查好后传入。
package offline

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/vgk/offline-gateway/internal/httpmsg"
)

// Category 是根据 Accept 与路径推断的内容类别。
type Category string

const (
	CategoryHTML    Category = "html"
	CategoryImage   Category = "image"
	CategoryAPIJSON Category = "api-json"
	CategoryOther   Category = "other"
)

// ErrDocumentMissing 表示 HTML 降级所需的离线页面不在缓存中。
var ErrDocumentMissing = errors.New("offline document missing from cache")

const (
	DefaultOfflineURL = "/offline/"
	DefaultAPIPrefix  = "/api/"
)

const placeholderSVG = `<svg xmlns="http://www.w3.org/2000/svg" width="200" height="200" viewBox="0 0 200 200">` +
	`<rect width="200" height="200" fill="#f3f4f6"/>` +
	`<text x="100" y="100" font-family="Arial" font-size="14" fill="#6b7280" text-anchor="middle" dominant-baseline="middle">` +
	`Image unavailable` +
	`</text></svg>`

const (
	apiOfflineMessage    = "No internet connection"
	unavailableMessage   = "Service unavailable offline"
	contentTypeJSON      = "application/json"
	contentTypePlainText = "text/plain; charset=utf-8"
)

// Synthesizer 持有离线页面地址与 API 前缀，两者都来自配置。
type Synthesizer struct {
	OfflineURL string
	APIPrefix  string
}

// New 构造 Synthesizer，空值回落到默认地址。
func New(offlineURL, apiPrefix string) *Synthesizer {
	if strings.TrimSpace(offlineURL) == "" {
		offlineURL = DefaultOfflineURL
	}
	if strings.TrimSpace(apiPrefix) == "" {
		apiPrefix = DefaultAPIPrefix
	}
	return &Synthesizer{OfflineURL: offlineURL, APIPrefix: apiPrefix}
}

// Categorize 依次判断 HTML、图片、API 路径，其余归为 other。
func (s *Synthesizer) Categorize(req *httpmsg.Request) Category {
	accept := req.Accept()
	switch {
	case strings.Contains(accept, "text/html"):
		return CategoryHTML
	case strings.Contains(accept, "image/"):
		return CategoryImage
	case strings.HasPrefix(req.Path(), s.apiPrefix()):
		return CategoryAPIJSON
	default:
		return CategoryOther
	}
}

// DocumentURL 将离线页面路径解析为与请求同源的绝对地址，即安装时写入缓存的 key。
func (s *Synthesizer) DocumentURL(req *httpmsg.Request) string {
	ref, err := url.Parse(s.offlineURL())
	if err != nil || req == nil || req.URL == nil {
		return s.offlineURL()
	}
	return req.URL.ResolveReference(ref).String()
}

// Synthesize 生成降级响应。doc 仅在 HTML 类别下使用，为 nil 时返回 ErrDocumentMissing。
func (s *Synthesizer) Synthesize(req *httpmsg.Request, doc *httpmsg.Response) (*httpmsg.Response, error) {
	switch s.Categorize(req) {
	case CategoryHTML:
		if doc == nil {
			return nil, ErrDocumentMissing
		}
		return doc.Clone(), nil
	case CategoryImage:
		return &httpmsg.Response{
			Status: http.StatusOK,
			Header: http.Header{
				"Content-Type":  {"image/svg+xml"},
				"Cache-Control": {"no-cache"},
			},
			Body: []byte(placeholderSVG),
		}, nil
	case CategoryAPIJSON:
		body, _ := json.Marshal(struct {
			Error   string `json:"error"`
			Offline bool   `json:"offline"`
		}{Error: apiOfflineMessage, Offline: true})
		return &httpmsg.Response{
			Status: http.StatusServiceUnavailable,
			Header: http.Header{"Content-Type": {contentTypeJSON}},
			Body:   body,
		}, nil
	default:
		return s.Unavailable(), nil
	}
}

// Unavailable 是兜底的纯文本 503。
func (s *Synthesizer) Unavailable() *httpmsg.Response {
	return &httpmsg.Response{
		Status: http.StatusServiceUnavailable,
		Header: http.Header{"Content-Type": {contentTypePlainText}},
		Body:   []byte(unavailableMessage),
	}
}

func (s *Synthesizer) apiPrefix() string {
	if s == nil || s.APIPrefix == "" {
		return DefaultAPIPrefix
	}
	return s.APIPrefix
}

func (s *Synthesizer) offlineURL() string {
	if s == nil || s.OfflineURL == "" {
		return DefaultOfflineURL
	}
	return s.OfflineURL
}
