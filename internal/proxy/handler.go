package proxy

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/vgk/offline-gateway/internal/cache"
	"github.com/vgk/offline-gateway/internal/httpmsg"
	"github.com/vgk/offline-gateway/internal/logging"
	"github.com/vgk/offline-gateway/internal/routing"
	"github.com/vgk/offline-gateway/internal/server"
	"github.com/vgk/offline-gateway/internal/strategy"
)

const (
	headerStrategy = "X-Offline-Gateway-Strategy"
	headerSource   = "X-Offline-Gateway-Source"
)

// Executor 执行缓存策略，*strategy.Executor 即满足该接口。
type Executor interface {
	Execute(ctx context.Context, req *httpmsg.Request, s routing.Strategy) strategy.Result
}

// GenerationSource 提供当前代际的路由表与缓存桶，*lifecycle.Controller 即满足该接口。
type GenerationSource interface {
	Routes() *routing.Table
	Bucket() cache.Bucket
}

// Handler 是拦截边界：把 Fiber 请求还原为指向源站的绝对请求，分类后交给策略执行器，
// 再把结果原样写回。执行器保证总有响应，因此这里不存在失败分支。
type Handler struct {
	origin      *url.URL
	executor    Executor
	generations GenerationSource
	logger      *logrus.Logger
}

// NewHandler constructs the interception handler.
func NewHandler(origin *url.URL, executor Executor, generations GenerationSource, logger *logrus.Logger) *Handler {
	return &Handler{
		origin:      origin,
		executor:    executor,
		generations: generations,
		logger:      logger,
	}
}

// Intercepts 判断请求是否进入缓存引擎：仅 GET 且能还原为 http(s) 绝对地址。
func (h *Handler) Intercepts(c fiber.Ctx) bool {
	return h.buildRequest(c).Intercepted()
}

// Handle 分类并执行策略，写回响应头、状态码与正文。
func (h *Handler) Handle(c fiber.Ctx) error {
	started := time.Now()
	requestID := server.RequestID(c)

	req := h.buildRequest(c)
	selected := h.generations.Routes().Classify(req.Path())

	ctx := c.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	result := h.executor.Execute(ctx, req, selected)

	writeResponse(c, result.Response)
	c.Set(headerStrategy, string(result.Strategy))
	c.Set(headerSource, string(result.Source))
	if requestID != "" {
		c.Set("X-Request-ID", requestID)
	}

	h.logResult(req, result, requestID, started)
	return nil
}

func (h *Handler) buildRequest(c fiber.Ctx) *httpmsg.Request {
	relative := &url.URL{Path: string(c.Request().URI().Path())}
	if query := c.Request().URI().QueryString(); len(query) > 0 {
		relative.RawQuery = string(query)
	}
	header := fiberHeadersAsHTTP(c)
	header.Del("Host")
	return &httpmsg.Request{
		Method: c.Method(),
		URL:    h.origin.ResolveReference(relative),
		Header: header,
	}
}

func (h *Handler) logResult(req *httpmsg.Request, result strategy.Result, requestID string, started time.Time) {
	version := ""
	if bucket := h.generations.Bucket(); bucket != nil {
		version = bucket.Version()
	}
	fields := logging.RequestFields(req.Method, req.Path(), string(result.Strategy), string(result.Source), version)
	fields["action"] = "proxy"
	fields["status"] = result.Response.Status
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	if requestID != "" {
		fields["request_id"] = requestID
	}
	h.logger.WithFields(fields).Info("proxy_complete")
}

func writeResponse(c fiber.Ctx, resp *httpmsg.Response) {
	for key, values := range resp.Header {
		if httpmsg.IsHopByHopHeader(key) || http.CanonicalHeaderKey(key) == "Content-Length" {
			continue
		}
		c.Response().Header.Del(key)
		for _, value := range values {
			c.Response().Header.Add(key, value)
		}
	}
	c.Status(resp.Status)
	c.Response().SetBodyRaw(resp.Body)
}

func fiberHeadersAsHTTP(c fiber.Ctx) http.Header {
	header := http.Header{}
	c.Request().Header.VisitAll(func(key, value []byte) {
		header.Add(string(key), string(value))
	})
	return header
}

func copyResponseHeaders(c fiber.Ctx, headers http.Header) {
	for key, values := range headers {
		if httpmsg.IsHopByHopHeader(key) {
			continue
		}
		for _, value := range values {
			c.Response().Header.Add(key, value)
		}
	}
}
