package routes

import (
	"errors"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/vgk/offline-gateway/internal/events"
	"github.com/vgk/offline-gateway/internal/lifecycle"
	"github.com/vgk/offline-gateway/internal/version"
)

// StatusSource 提供生命周期快照，*lifecycle.Controller 即满足该接口。
type StatusSource interface {
	Snapshot() lifecycle.Status
}

// RegisterDiagnostics 暴露 /-/status、/-/control 与 /-/push，供运维查询代际状态
// 并通过控制通道触发清扫、跳过等待或更新检查。
func RegisterDiagnostics(app *fiber.App, status StatusSource, dispatcher *events.Dispatcher, logger *logrus.Logger) {
	if app == nil || status == nil || dispatcher == nil {
		return
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	app.Get("/-/status", func(c fiber.Ctx) error {
		return c.JSON(statusPayload{
			Version:   version.Full(),
			Lifecycle: status.Snapshot(),
			Events:    dispatcher.Kinds(),
		})
	})

	app.Post("/-/control", func(c fiber.Ctx) error {
		return dispatch(c, dispatcher, logger, events.KindMessage, fiber.StatusOK)
	})

	app.Post("/-/push", func(c fiber.Ctx) error {
		return dispatch(c, dispatcher, logger, events.KindPush, fiber.StatusAccepted)
	})
}

type statusPayload struct {
	Version   string           `json:"version"`
	Lifecycle lifecycle.Status `json:"lifecycle"`
	Events    []string         `json:"events"`
}

func dispatch(c fiber.Ctx, dispatcher *events.Dispatcher, logger *logrus.Logger, kind events.Kind, okStatus int) error {
	payload := append([]byte(nil), c.Body()...)
	out, err := dispatcher.Dispatch(c.Context(), events.Event{Kind: kind, Payload: payload})
	switch {
	case err == nil:
		return c.Status(okStatus).JSON(out)
	case errors.Is(err, events.ErrNoHandler):
		return c.Status(fiber.StatusNotImplemented).JSON(fiber.Map{"error": "event_unhandled", "kind": string(kind)})
	default:
		logger.WithError(err).WithFields(logrus.Fields{
			"action": "dispatch",
			"kind":   string(kind),
		}).Error("event_failed")
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "event_failed", "detail": err.Error()})
	}
}
