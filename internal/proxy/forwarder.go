package proxy

import (
	"fmt"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/vgk/offline-gateway/internal/server"
)

// Interceptor 是缓存引擎入口，能判断请求是否落在拦截边界内。
type Interceptor interface {
	server.ProxyHandler
	Intercepts(fiber.Ctx) bool
}

// Forwarder 在拦截处理器与透传处理器之间选择，并把处理器 panic 转为 503，
// 避免未处理的失败以连接中断的形式暴露给客户端。
type Forwarder struct {
	intercept   Interceptor
	passthrough server.ProxyHandler
	logger      *logrus.Logger
}

// NewForwarder 创建 Forwarder。
func NewForwarder(intercept Interceptor, passthrough server.ProxyHandler, logger *logrus.Logger) *Forwarder {
	return &Forwarder{
		intercept:   intercept,
		passthrough: passthrough,
		logger:      logger,
	}
}

// Handle 实现 server.ProxyHandler。
func (f *Forwarder) Handle(c fiber.Ctx) error {
	requestID := server.RequestID(c)
	handler, kind := f.lookup(c)
	if handler == nil {
		return f.respondMissingHandler(c, kind, requestID)
	}
	return f.invokeHandler(c, handler, kind, requestID)
}

func (f *Forwarder) lookup(c fiber.Ctx) (server.ProxyHandler, string) {
	if f.intercept != nil && f.intercept.Intercepts(c) {
		return f.intercept, "intercept"
	}
	if f.passthrough != nil {
		return f.passthrough, "passthrough"
	}
	return nil, "passthrough"
}

func (f *Forwarder) respondMissingHandler(c fiber.Ctx, kind, requestID string) error {
	f.logError(c, kind, "handler_missing", nil, requestID)
	setRequestIDHeader(c, requestID)
	return c.Status(fiber.StatusBadGateway).
		JSON(fiber.Map{"error": "handler_missing"})
}

func (f *Forwarder) invokeHandler(c fiber.Ctx, handler server.ProxyHandler, kind, requestID string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = f.respondHandlerPanic(c, kind, r, requestID)
		}
	}()
	return handler.Handle(c)
}

func (f *Forwarder) respondHandlerPanic(c fiber.Ctx, kind string, recovered interface{}, requestID string) error {
	f.logError(c, kind, "handler_panic", fmt.Errorf("panic: %v", recovered), requestID)
	c.Response().Reset()
	setRequestIDHeader(c, requestID)
	return c.Status(fiber.StatusServiceUnavailable).
		JSON(fiber.Map{"error": "handler_panic", "offline": true})
}

func setRequestIDHeader(c fiber.Ctx, requestID string) {
	if requestID != "" {
		c.Set("X-Request-ID", requestID)
	}
}

func (f *Forwarder) logError(c fiber.Ctx, kind, code string, err error, requestID string) {
	if f.logger == nil {
		return
	}
	fields := logrus.Fields{
		"action":  "proxy",
		"handler": kind,
		"method":  c.Method(),
		"path":    string(c.Request().URI().Path()),
		"error":   code,
	}
	if requestID != "" {
		fields["request_id"] = requestID
	}
	if err != nil {
		f.logger.WithFields(fields).Error(err.Error())
		return
	}
	f.logger.WithFields(fields).Error("handler unavailable")
}
