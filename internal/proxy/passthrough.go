package proxy

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/vgk/offline-gateway/internal/httpmsg"
	"github.com/vgk/offline-gateway/internal/server"
)

// Passthrough 把未被拦截的请求（非 GET）原样转发到源站，不读写缓存。
type Passthrough struct {
	origin *url.URL
	client httpmsg.Doer
	logger *logrus.Logger
}

// NewPassthrough constructs a pass-through handler sharing the origin client.
func NewPassthrough(origin *url.URL, client httpmsg.Doer, logger *logrus.Logger) *Passthrough {
	return &Passthrough{origin: origin, client: client, logger: logger}
}

// Handle 转发请求并以流式写回响应；源站不可达时返回 502。
func (p *Passthrough) Handle(c fiber.Ctx) error {
	started := time.Now()
	requestID := server.RequestID(c)

	req, err := p.buildOriginRequest(c)
	if err != nil {
		p.logResult(c, "", requestID, 0, started, err)
		return writeError(c, fiber.StatusBadGateway, "origin_request_invalid")
	}

	resp, err := p.client.Do(req)
	if err != nil {
		p.logResult(c, req.URL.String(), requestID, 0, started, err)
		return writeError(c, fiber.StatusBadGateway, "origin_unreachable")
	}
	defer resp.Body.Close()

	copyResponseHeaders(c, resp.Header)
	if requestID != "" {
		c.Set("X-Request-ID", requestID)
	}
	c.Status(resp.StatusCode)

	if c.Method() == http.MethodHead {
		p.logResult(c, req.URL.String(), requestID, resp.StatusCode, started, nil)
		return nil
	}

	_, err = io.Copy(c.Response().BodyWriter(), resp.Body)
	p.logResult(c, req.URL.String(), requestID, resp.StatusCode, started, err)
	if err != nil {
		return fiber.NewError(fiber.StatusBadGateway, fmt.Sprintf("proxy stream failed: %v", err))
	}
	return nil
}

func (p *Passthrough) buildOriginRequest(c fiber.Ctx) (*http.Request, error) {
	ctx := c.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	relative := &url.URL{Path: string(c.Request().URI().Path())}
	if query := c.Request().URI().QueryString(); len(query) > 0 {
		relative.RawQuery = string(query)
	}
	target := p.origin.ResolveReference(relative)

	var body io.Reader = http.NoBody
	if raw := c.Body(); len(raw) > 0 {
		body = bytes.NewReader(append([]byte(nil), raw...))
	}
	req, err := http.NewRequestWithContext(ctx, c.Method(), target.String(), body)
	if err != nil {
		return nil, err
	}

	httpmsg.CopyHeaders(req.Header, fiberHeadersAsHTTP(c))
	req.Header.Del("Host")
	req.Host = target.Host
	req.Header.Set("X-Forwarded-Host", c.Hostname())
	if ip := c.IP(); ip != "" {
		if prior := req.Header.Get("X-Forwarded-For"); prior != "" {
			req.Header.Set("X-Forwarded-For", prior+", "+ip)
		} else {
			req.Header.Set("X-Forwarded-For", ip)
		}
	}
	req.Header.Set("X-Forwarded-Proto", c.Protocol())
	return req, nil
}

func (p *Passthrough) logResult(c fiber.Ctx, target, requestID string, status int, started time.Time, err error) {
	fields := logrus.Fields{
		"action":     "passthrough",
		"method":     c.Method(),
		"path":       string(c.Request().URI().Path()),
		"origin":     target,
		"status":     status,
		"elapsed_ms": time.Since(started).Milliseconds(),
	}
	if requestID != "" {
		fields["request_id"] = requestID
	}
	if err != nil {
		p.logger.WithError(err).WithFields(fields).Warn("passthrough_failed")
		return
	}
	p.logger.WithFields(fields).Info("passthrough_complete")
}

func writeError(c fiber.Ctx, status int, code string) error {
	return c.Status(status).JSON(fiber.Map{"error": code})
}
