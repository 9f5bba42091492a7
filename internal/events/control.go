package events

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/vgk/offline-gateway/internal/lifecycle"
)

// MessageType 是控制消息的 type 字段。
type MessageType string

const (
	MessageCleanCache  MessageType = "CLEAN_CACHE"
	MessageSkipWaiting MessageType = "SKIP_WAITING"
	MessageCheckUpdate MessageType = "CHECK_UPDATE"
)

// ErrMalformedMessage 表示控制消息无法解析或缺少 type。
var ErrMalformedMessage = errors.New("malformed control message")

// ControlMessage 是控制通道上的判别式消息。
type ControlMessage struct {
	Type MessageType `json:"type"`
}

// ParseControlMessage 解码控制消息，type 不区分大小写。
func ParseControlMessage(raw []byte) (ControlMessage, error) {
	var msg ControlMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return ControlMessage{}, errors.Join(ErrMalformedMessage, err)
	}
	msg.Type = MessageType(strings.ToUpper(strings.TrimSpace(string(msg.Type))))
	if msg.Type == "" {
		return ControlMessage{}, ErrMalformedMessage
	}
	return msg, nil
}

// Maintainer 是控制消息作用的生命周期操作，*lifecycle.Controller 满足该接口。
type Maintainer interface {
	Sweep(ctx context.Context) (lifecycle.SweepReport, error)
	SkipWaiting(ctx context.Context) error
}

// UpdateChecker 检查是否存在新代际，返回新版本标签（无更新时为空串）。
type UpdateChecker func(ctx context.Context) (string, error)

// ControlReply 是控制消息的处理结果。
type ControlReply struct {
	Type    MessageType            `json:"type,omitempty"`
	Handled bool                   `json:"handled"`
	Detail  string                 `json:"detail,omitempty"`
	Sweep   *lifecycle.SweepReport `json:"sweep,omitempty"`
	Version string                 `json:"version,omitempty"`
}

// ControlHandler 构造 message 事件的处理函数。畸形或未知消息只记录日志，不返回错误。
func ControlHandler(maintainer Maintainer, checkUpdate UpdateChecker, logger *logrus.Logger) Handler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return func(ctx context.Context, event Event) (any, error) {
		msg, err := ParseControlMessage(event.Payload)
		if err != nil {
			logger.WithError(err).WithField("action", "control").Warn("control_message_malformed")
			return ControlReply{Detail: "malformed message ignored"}, nil
		}

		entry := logger.WithFields(logrus.Fields{
			"action": "control",
			"type":   string(msg.Type),
		})
		reply := ControlReply{Type: msg.Type, Handled: true}

		switch msg.Type {
		case MessageCleanCache:
			report, err := maintainer.Sweep(ctx)
			if err != nil {
				entry.WithError(err).Error("control_failed")
				return nil, err
			}
			reply.Sweep = &report
		case MessageSkipWaiting:
			if err := maintainer.SkipWaiting(ctx); err != nil {
				entry.WithError(err).Error("control_failed")
				return nil, err
			}
		case MessageCheckUpdate:
			if checkUpdate == nil {
				reply.Handled = false
				reply.Detail = "update check not configured"
				break
			}
			version, err := checkUpdate(ctx)
			if err != nil {
				entry.WithError(err).Error("control_failed")
				return nil, err
			}
			reply.Version = version
			if version == "" {
				reply.Detail = "up to date"
			}
		default:
			entry.Warn("control_message_unknown")
			return ControlReply{Type: msg.Type, Detail: "unknown message type ignored"}, nil
		}

		entry.Info("control_complete")
		return reply, nil
	}
}
