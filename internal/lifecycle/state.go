package lifecycle

import (
	"github.com/vgk/offline-gateway/internal/routing"
)

// State 是单个代际的生命周期阶段。
type State string

const (
	StateUninitialized State = "uninitialized"
	StateInstalling    State = "installing"
	StateInstalled     State = "installed"
	StateActivating    State = "activating"
	StateActive        State = "active"
	// StateRedundant 表示安装失败或已被新代际取代。
	StateRedundant State = "redundant"
)

// GenerationStatus 是代际的可序列化视图，供诊断接口输出。
type GenerationStatus struct {
	Version         string         `json:"version"`
	State           State          `json:"state"`
	Manifest        []string       `json:"manifest,omitempty"`
	Routes          []routing.Rule `json:"routes,omitempty"`
	DefaultStrategy string         `json:"defaultStrategy,omitempty"`
}

// Status 汇总控制器当前状态。
type Status struct {
	Active  *GenerationStatus `json:"active,omitempty"`
	Pending *GenerationStatus `json:"pending,omitempty"`
	MaxAge  string            `json:"maxAge"`
}

// Snapshot 返回控制器状态快照，不持有锁。
func (c *Controller) Snapshot() Status {
	status := Status{MaxAge: c.maxAge.String()}
	if g := c.active.Load(); g != nil {
		status.Active = g.status()
	}
	if g := c.pending.Load(); g != nil {
		status.Pending = g.status()
	}
	return status
}

func (g *generation) status() *GenerationStatus {
	out := &GenerationStatus{
		Version:  g.Version,
		State:    g.State(),
		Manifest: append([]string(nil), g.Manifest...),
	}
	if g.Routes != nil {
		out.Routes = g.Routes.Rules()
		out.DefaultStrategy = string(g.Routes.Default())
	}
	return out
}
