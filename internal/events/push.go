package events

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	DefaultPushTitle = "Offline Gateway"
	DefaultPushBody  = "You have new updates"
)

// PushPayload 是推送负载。Data 为任意键值，与默认字段合并。
type PushPayload struct {
	Title string         `json:"title"`
	Body  string         `json:"body"`
	Data  map[string]any `json:"data,omitempty"`
}

// DecodePush 解码推送负载并填充默认值。负载缺失时返回默认值且 err 为 nil；
// 负载畸形时同样返回默认值，err 仅用于记录日志。
func DecodePush(raw []byte, receivedAt time.Time) (PushPayload, error) {
	payload := PushPayload{
		Title: DefaultPushTitle,
		Body:  DefaultPushBody,
		Data:  map[string]any{"receivedAt": receivedAt.UnixMilli()},
	}
	if len(strings.TrimSpace(string(raw))) == 0 {
		return payload, nil
	}

	var incoming struct {
		Title string         `json:"title"`
		Body  string         `json:"body"`
		Data  map[string]any `json:"data"`
	}
	if err := json.Unmarshal(raw, &incoming); err != nil {
		return payload, errors.Join(errors.New("malformed push payload"), err)
	}
	if incoming.Title != "" {
		payload.Title = incoming.Title
	}
	if incoming.Body != "" {
		payload.Body = incoming.Body
	}
	for key, value := range incoming.Data {
		payload.Data[key] = value
	}
	return payload, nil
}

// Notifier 负责展示推送，具体呈现不在本服务范围内。
type Notifier interface {
	Notify(ctx context.Context, payload PushPayload) error
}

// LogNotifier 只把推送写入日志。
type LogNotifier struct {
	Logger *logrus.Logger
}

// Notify implements Notifier.
func (n LogNotifier) Notify(_ context.Context, payload PushPayload) error {
	logger := n.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	logger.WithFields(logrus.Fields{
		"action": "push",
		"title":  payload.Title,
		"body":   payload.Body,
		"data":   payload.Data,
	}).Info("push_received")
	return nil
}

// PushHandler 构造 push 事件的处理函数，畸形负载以默认值继续。
func PushHandler(notifier Notifier, logger *logrus.Logger, now func() time.Time) Handler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if notifier == nil {
		notifier = LogNotifier{Logger: logger}
	}
	if now == nil {
		now = time.Now
	}
	return func(ctx context.Context, event Event) (any, error) {
		payload, err := DecodePush(event.Payload, now())
		if err != nil {
			logger.WithError(err).WithField("action", "push").Warn("push_payload_malformed")
		}
		if err := notifier.Notify(ctx, payload); err != nil {
			logger.WithError(err).WithField("action", "push").Warn("push_notify_failed")
		}
		return payload, nil
	}
}
