// Package events 以显式分派表代替隐式事件监听：每种事件类型对应一个处理函数，
// 启动时注册一次，之后只读。
package events

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Kind 是事件类型。
type Kind string

const (
	KindInstall  Kind = "install"
	KindActivate Kind = "activate"
	KindMessage  Kind = "message"
	KindPush     Kind = "push"
)

// Event 携带原始负载，由对应 Handler 自行解码。
type Event struct {
	Kind    Kind
	Payload []byte
}

// Handler 处理一个事件，返回值会被序列化给调用方。
type Handler func(ctx context.Context, event Event) (any, error)

var (
	// ErrNoHandler indicates no handler is registered for the event kind.
	ErrNoHandler = errors.New("no handler registered")
	// ErrDuplicateHandler indicates the kind already has a handler.
	ErrDuplicateHandler = errors.New("handler already registered")
)

// Dispatcher 是并发安全的事件分派表。
type Dispatcher struct {
	handlers sync.Map
}

// NewDispatcher 返回空分派表。
func NewDispatcher() *Dispatcher {
	return &Dispatcher{}
}

// Register stores the handler for the given kind.
func (d *Dispatcher) Register(kind Kind, handler Handler) error {
	key := normalizeKind(kind)
	if key == "" {
		return errors.New("event kind required")
	}
	if handler == nil {
		return errors.New("event handler required")
	}
	if _, loaded := d.handlers.LoadOrStore(key, handler); loaded {
		return fmt.Errorf("%w: %s", ErrDuplicateHandler, key)
	}
	return nil
}

// MustRegister panics on registration failure.
func (d *Dispatcher) MustRegister(kind Kind, handler Handler) {
	if err := d.Register(kind, handler); err != nil {
		panic(err)
	}
}

// Dispatch 调用 kind 对应的处理函数。
func (d *Dispatcher) Dispatch(ctx context.Context, event Event) (any, error) {
	key := normalizeKind(event.Kind)
	value, ok := d.handlers.Load(key)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoHandler, key)
	}
	event.Kind = key
	return value.(Handler)(ctx, event)
}

// Kinds 返回已注册的事件类型，按字典序排列。
func (d *Dispatcher) Kinds() []string {
	var kinds []string
	d.handlers.Range(func(key, _ any) bool {
		kinds = append(kinds, string(key.(Kind)))
		return true
	})
	sort.Strings(kinds)
	return kinds
}

func normalizeKind(kind Kind) Kind {
	return Kind(strings.ToLower(strings.TrimSpace(string(kind))))
}
