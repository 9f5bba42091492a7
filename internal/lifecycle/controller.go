// Package lifecycle 管理缓存代际：安装时预热清单、激活时清理旧版本、按需执行过期清扫。
//
// 任意时刻最多有一个 active 代际对外服务，另有至多一个已安装但尚未激活的 pending 代际。
// 安装失败不会影响正在服务的代际。
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/vgk/offline-gateway/internal/cache"
	"github.com/vgk/offline-gateway/internal/httpmsg"
	"github.com/vgk/offline-gateway/internal/routing"
)

// DefaultMaxAge 是清扫时条目的最大存活时间。
const DefaultMaxAge = 7 * 24 * time.Hour

var (
	// ErrInstallFailed 表示清单预热失败，该代际不会被激活。
	ErrInstallFailed = errors.New("install failed")
	// ErrNothingPending 表示没有等待激活的代际。
	ErrNothingPending = errors.New("no pending generation")
)

// Generation 描述一个版本标签对应的缓存代际及其配置。
type Generation struct {
	Version  string
	Manifest []string
	Routes   *routing.Table
}

// Options 汇总 Controller 依赖。
type Options struct {
	Store   cache.Store
	Network httpmsg.Doer
	// Origin 用于把清单中的相对路径解析为绝对 URL。
	Origin *url.URL
	MaxAge time.Duration
	Logger *logrus.Logger
	// Now 仅供测试注入时钟。
	Now func() time.Time
}

// Controller 串行化安装/激活，并以原子指针发布当前代际，读路径无锁。
type Controller struct {
	store   cache.Store
	network httpmsg.Doer
	origin  *url.URL
	maxAge  time.Duration
	logger  *logrus.Logger
	now     func() time.Time

	mu      sync.Mutex
	active  atomic.Pointer[generation]
	pending atomic.Pointer[generation]
}

type generation struct {
	Generation
	bucket cache.Bucket
	state  atomic.Value
}

func newGeneration(gen Generation, state State) *generation {
	g := &generation{Generation: gen}
	g.state.Store(state)
	return g
}

func (g *generation) State() State {
	return g.state.Load().(State)
}

func (g *generation) setState(state State) {
	g.state.Store(state)
}

// New 构造 Controller。
func New(opts Options) (*Controller, error) {
	if opts.Store == nil {
		return nil, errors.New("cache store is required")
	}
	if opts.Network == nil {
		return nil, errors.New("network client is required")
	}
	if opts.Origin == nil || opts.Origin.Host == "" {
		return nil, errors.New("origin url is required")
	}
	if opts.MaxAge <= 0 {
		opts.MaxAge = DefaultMaxAge
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Controller{
		store:   opts.Store,
		network: opts.Network,
		origin:  opts.Origin,
		maxAge:  opts.MaxAge,
		logger:  opts.Logger,
		now:     opts.Now,
	}, nil
}

// Start 完成一次启动流程：恢复持久化的 active 代际，若版本不同则安装新代际，
// skipWaiting 为 true 时立即激活。安装失败时旧代际继续服务并返回错误。
func (c *Controller) Start(ctx context.Context, gen Generation, skipWaiting bool) error {
	resumed, err := c.Resume(ctx, gen)
	if err != nil {
		return err
	}
	if resumed && c.activeVersion() == gen.Version {
		return nil
	}
	if err := c.Install(ctx, gen); err != nil {
		return err
	}
	if !skipWaiting {
		c.logger.WithFields(logrus.Fields{
			"action":  "activate",
			"version": gen.Version,
		}).Info("activation_waiting")
		return nil
	}
	return c.Activate(ctx)
}

// Resume 重新打开持久化的 active 代际。路由与清单取自 gen，
// 以便同版本重启后仍使用最新配置。没有持久化版本时返回 false。
func (c *Controller) Resume(ctx context.Context, gen Generation) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	version, err := c.store.ActiveVersion(ctx)
	if err != nil {
		return false, fmt.Errorf("read active version: %w", err)
	}
	if version == "" {
		return false, nil
	}
	bucket, err := c.store.Open(ctx, version)
	if err != nil {
		return false, fmt.Errorf("open active version %s: %w", version, err)
	}

	resumed := gen
	resumed.Version = version
	if version != gen.Version {
		resumed.Manifest = nil
	}
	g := newGeneration(resumed, StateActive)
	g.bucket = bucket
	c.active.Store(g)

	c.logger.WithFields(logrus.Fields{
		"action":  "resume",
		"version": version,
	}).Info("generation_resumed")
	return true, nil
}

// Install 打开新版本缓存桶并预热清单。所有清单条目先全部抓取成功才会写入；
// 任一失败则整次安装失败，新建的版本被删除（正在服务的版本除外）。
// 抓取不受 ctx 取消影响，保证已发出的预热能够完成。
func (c *Controller) Install(ctx context.Context, gen Generation) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if strings.TrimSpace(gen.Version) == "" {
		return fmt.Errorf("%w: version required", ErrInstallFailed)
	}
	if gen.Routes == nil {
		gen.Routes = routing.MustTable(routing.DefaultRules(), "")
	}

	g := newGeneration(gen, StateInstalling)
	if prior := c.pending.Swap(g); prior != nil && prior.Version != gen.Version {
		c.retire(ctx, prior)
	}

	logger := c.logger.WithFields(logrus.Fields{
		"action":   "install",
		"version":  gen.Version,
		"manifest": len(gen.Manifest),
	})
	logger.Info("install_start")

	bucket, err := c.store.Open(ctx, gen.Version)
	if err != nil {
		c.failInstall(ctx, g)
		logger.WithError(err).Error("install_failed")
		return fmt.Errorf("%w: open version %s: %v", ErrInstallFailed, gen.Version, err)
	}
	g.bucket = bucket

	entries, err := c.prime(context.WithoutCancel(ctx), gen.Manifest)
	if err != nil {
		c.failInstall(ctx, g)
		logger.WithError(err).Error("install_failed")
		return fmt.Errorf("%w: %v", ErrInstallFailed, err)
	}
	for _, entry := range entries {
		if err := bucket.Put(context.WithoutCancel(ctx), entry); err != nil {
			c.failInstall(ctx, g)
			logger.WithError(err).WithField("key", entry.Key.String()).Error("install_failed")
			return fmt.Errorf("%w: store %s: %v", ErrInstallFailed, entry.Key.URL, err)
		}
	}

	g.setState(StateInstalled)
	logger.Info("install_complete")
	return nil
}

// Activate 发布 pending 代际为 active 并删除其余所有版本。
func (c *Controller) Activate(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	g := c.pending.Load()
	if g == nil || g.State() != StateInstalled {
		return ErrNothingPending
	}
	g.setState(StateActivating)

	logger := c.logger.WithFields(logrus.Fields{
		"action":  "activate",
		"version": g.Version,
	})

	if err := c.store.MarkActive(ctx, g.Version); err != nil {
		g.setState(StateInstalled)
		logger.WithError(err).Error("activate_failed")
		return fmt.Errorf("mark active %s: %w", g.Version, err)
	}
	if old := c.active.Swap(g); old != nil && old != g {
		old.setState(StateRedundant)
	}
	c.pending.CompareAndSwap(g, nil)
	g.setState(StateActive)

	dropped, err := c.dropExcept(ctx, g.Version)
	logger = logger.WithField("dropped", dropped)
	if err != nil {
		logger.WithError(err).Warn("activate_cleanup_failed")
		return err
	}
	logger.Info("activate_complete")
	return nil
}

// SkipWaiting 立即激活已安装的 pending 代际；没有 pending 时什么也不做。
func (c *Controller) SkipWaiting(ctx context.Context) error {
	err := c.Activate(ctx)
	if errors.Is(err, ErrNothingPending) {
		c.logger.WithField("action", "skip_waiting").Debug("skip_waiting_noop")
		return nil
	}
	return err
}

// SweepReport 汇总一次清扫。Retained 包含缺少捕获时间的条目。
type SweepReport struct {
	Version  string `json:"version"`
	Scanned  int    `json:"scanned"`
	Removed  int    `json:"removed"`
	Retained int    `json:"retained"`
}

// Sweep 删除当前代际中捕获时间早于 MaxAge 的条目。
// 与并发写入不做互斥，后写者胜。
func (c *Controller) Sweep(ctx context.Context) (SweepReport, error) {
	g := c.active.Load()
	if g == nil || g.bucket == nil {
		return SweepReport{}, nil
	}
	report := SweepReport{Version: g.Version}

	keys, err := g.bucket.Keys(ctx)
	if err != nil {
		return report, fmt.Errorf("list keys: %w", err)
	}
	now := c.now()
	for _, key := range keys {
		entry, err := g.bucket.Get(ctx, key)
		if errors.Is(err, cache.ErrNotFound) {
			continue
		}
		if err != nil {
			c.logger.WithError(err).WithFields(logrus.Fields{
				"action": "sweep",
				"key":    key.String(),
			}).Warn("sweep_entry_failed")
			continue
		}
		report.Scanned++

		capturedAt, ok := entry.CapturedAt()
		if !ok || now.Sub(capturedAt) < c.maxAge {
			report.Retained++
			continue
		}
		if err := g.bucket.Remove(ctx, key); err != nil {
			c.logger.WithError(err).WithFields(logrus.Fields{
				"action": "sweep",
				"key":    key.String(),
			}).Warn("sweep_entry_failed")
			report.Retained++
			continue
		}
		report.Removed++
	}

	c.logger.WithFields(logrus.Fields{
		"action":   "sweep",
		"version":  report.Version,
		"scanned":  report.Scanned,
		"removed":  report.Removed,
		"retained": report.Retained,
	}).Info("sweep_complete")
	return report, nil
}

// Bucket 返回 active 代际的缓存桶，尚无代际时返回 nil。
func (c *Controller) Bucket() cache.Bucket {
	if g := c.active.Load(); g != nil {
		return g.bucket
	}
	return nil
}

// Routes 返回 active 代际的路由表；nil 表在分类时回落到默认策略。
func (c *Controller) Routes() *routing.Table {
	if g := c.active.Load(); g != nil {
		return g.Routes
	}
	return nil
}

// Active 返回当前服务中的代际。
func (c *Controller) Active() (Generation, bool) {
	if g := c.active.Load(); g != nil {
		return g.Generation, true
	}
	return Generation{}, false
}

// Pending 返回正在安装或等待激活的代际。
func (c *Controller) Pending() (Generation, State, bool) {
	if g := c.pending.Load(); g != nil {
		return g.Generation, g.State(), true
	}
	return Generation{}, StateUninitialized, false
}

func (c *Controller) activeVersion() string {
	if g := c.active.Load(); g != nil {
		return g.Version
	}
	return ""
}

func (c *Controller) prime(ctx context.Context, manifest []string) ([]cache.Entry, error) {
	entries := make([]cache.Entry, 0, len(manifest))
	for _, item := range manifest {
		target, err := c.resolve(item)
		if err != nil {
			return nil, err
		}
		req, err := httpmsg.NewRequest(http.MethodGet, target, nil)
		if err != nil {
			return nil, fmt.Errorf("manifest %s: %w", item, err)
		}
		resp, err := httpmsg.Fetch(ctx, c.network, req)
		if err != nil {
			return nil, fmt.Errorf("fetch %s: %w", target, err)
		}
		if !resp.OK() {
			return nil, fmt.Errorf("fetch %s: unexpected status %d", target, resp.Status)
		}
		entries = append(entries, cache.Entry{Key: cache.KeyFor(req), Response: *resp})
	}
	return entries, nil
}

func (c *Controller) resolve(item string) (string, error) {
	ref, err := url.Parse(strings.TrimSpace(item))
	if err != nil {
		return "", fmt.Errorf("manifest %s: %w", item, err)
	}
	resolved := c.origin.ResolveReference(ref)
	if resolved.Host != c.origin.Host || resolved.Scheme != c.origin.Scheme {
		return "", fmt.Errorf("manifest %s: not same-origin", item)
	}
	return resolved.String(), nil
}

func (c *Controller) failInstall(ctx context.Context, g *generation) {
	c.pending.CompareAndSwap(g, nil)
	c.retire(ctx, g)
}

// retire 将代际标记为 redundant，并删除其存储（正在服务的版本除外）。
func (c *Controller) retire(ctx context.Context, g *generation) {
	g.setState(StateRedundant)
	if g.Version == c.activeVersion() {
		return
	}
	if err := c.store.Drop(context.WithoutCancel(ctx), g.Version); err != nil {
		c.logger.WithError(err).WithFields(logrus.Fields{
			"action":  "retire",
			"version": g.Version,
		}).Warn("drop_version_failed")
	}
}

func (c *Controller) dropExcept(ctx context.Context, keep string) ([]string, error) {
	versions, err := c.store.Versions(ctx)
	if err != nil {
		return nil, fmt.Errorf("list versions: %w", err)
	}
	var (
		dropped []string
		errs    []error
	)
	for _, version := range versions {
		if version == keep {
			continue
		}
		if err := c.store.Drop(ctx, version); err != nil {
			errs = append(errs, fmt.Errorf("drop %s: %w", version, err))
			continue
		}
		dropped = append(dropped, version)
	}
	return dropped, errors.Join(errs...)
}
