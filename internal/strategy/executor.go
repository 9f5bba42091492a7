// Package strategy 实现五种缓存策略。每种策略都是独立函数，返回“响应”或“需要降级”两种结果，
// 由 Execute 统一组合：需要降级时交给离线合成器。策略路径上的任何错误都不会抛给调用方。
package strategy

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/vgk/offline-gateway/internal/cache"
	"github.com/vgk/offline-gateway/internal/httpmsg"
	"github.com/vgk/offline-gateway/internal/offline"
	"github.com/vgk/offline-gateway/internal/routing"
)

// Doer 是执行器使用的网络层。
type Doer = httpmsg.Doer

// BucketSource 提供当前服务中的缓存桶；返回 nil 时按缓存不可用处理。
type BucketSource interface {
	Bucket() cache.Bucket
}

// BucketFunc adapts a function to BucketSource.
type BucketFunc func() cache.Bucket

// Bucket makes BucketFunc satisfy BucketSource.
func (f BucketFunc) Bucket() cache.Bucket {
	return f()
}

// Source 标识最终响应的来源，写入响应头与日志。
type Source string

const (
	SourceCache   Source = "cache"
	SourceNetwork Source = "network"
	SourceOffline Source = "offline"
)

// Result 是 Execute 的输出，Response 永远非空。
type Result struct {
	Response *httpmsg.Response
	Source   Source
	Strategy routing.Strategy
}

// Options 汇总 Executor 依赖。
type Options struct {
	Network Doer
	Buckets BucketSource
	Offline *offline.Synthesizer
	Logger  *logrus.Logger
}

// Executor 在缓存桶与网络之间执行策略。后台再验证通过 WaitGroup 追踪，
// 调用方放弃等待后仍会执行完毕。
type Executor struct {
	network Doer
	buckets BucketSource
	offline *offline.Synthesizer
	logger  *logrus.Logger

	background sync.WaitGroup
}

// outcome 是单个策略的结果：resp 为 nil 表示需要降级。
type outcome struct {
	resp   *httpmsg.Response
	source Source
}

var fallback = outcome{}

// New 校验依赖并构造 Executor。
func New(opts Options) (*Executor, error) {
	if opts.Network == nil {
		return nil, errors.New("network client is required")
	}
	if opts.Buckets == nil {
		return nil, errors.New("bucket source is required")
	}
	if opts.Offline == nil {
		opts.Offline = offline.New("", "")
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	return &Executor{
		network: opts.Network,
		buckets: opts.Buckets,
		offline: opts.Offline,
		logger:  opts.Logger,
	}, nil
}

// Execute 按策略处理请求，必要时回落到离线合成器。
func (e *Executor) Execute(ctx context.Context, req *httpmsg.Request, s routing.Strategy) Result {
	bucket := e.buckets.Bucket()

	if req.Method != http.MethodGet {
		s = routing.NetworkOnly
	}

	var out outcome
	switch s {
	case routing.CacheFirst:
		out = e.cacheFirst(ctx, bucket, req)
	case routing.NetworkFirst:
		out = e.networkFirst(ctx, bucket, req)
	case routing.CacheOnly:
		out = e.cacheOnly(ctx, bucket, req)
	case routing.NetworkOnly:
		out = e.networkOnly(ctx, req)
	case routing.StaleWhileRevalidate:
		out = e.staleWhileRevalidate(ctx, bucket, req)
	default:
		e.logger.WithFields(logrus.Fields{
			"action":   "strategy",
			"strategy": string(s),
			"url":      req.URL.String(),
		}).Warn("strategy_unknown")
		s = routing.NetworkFirst
		out = e.networkFirst(ctx, bucket, req)
	}

	if out.resp == nil {
		return Result{Response: e.synthesize(ctx, bucket, req), Source: SourceOffline, Strategy: s}
	}
	return Result{Response: out.resp, Source: out.source, Strategy: s}
}

// Wait 阻塞直到所有后台再验证结束，用于优雅退出与测试。
func (e *Executor) Wait() {
	e.background.Wait()
}

func (e *Executor) cacheFirst(ctx context.Context, bucket cache.Bucket, req *httpmsg.Request) outcome {
	if cached := e.lookup(ctx, bucket, cache.KeyFor(req)); cached != nil {
		return outcome{resp: cached, source: SourceCache}
	}

	resp, err := e.fetch(ctx, req)
	if err != nil {
		e.logNetworkFailure(req, routing.CacheFirst, err)
		return fallback
	}
	e.store(ctx, bucket, req, resp)
	return outcome{resp: resp, source: SourceNetwork}
}

func (e *Executor) networkFirst(ctx context.Context, bucket cache.Bucket, req *httpmsg.Request) outcome {
	resp, err := e.fetch(ctx, req)
	if err == nil {
		e.store(ctx, bucket, req, resp)
		return outcome{resp: resp, source: SourceNetwork}
	}

	e.logNetworkFailure(req, routing.NetworkFirst, err)
	if cached := e.lookup(ctx, bucket, cache.KeyFor(req)); cached != nil {
		return outcome{resp: cached, source: SourceCache}
	}
	return fallback
}

func (e *Executor) cacheOnly(ctx context.Context, bucket cache.Bucket, req *httpmsg.Request) outcome {
	if cached := e.lookup(ctx, bucket, cache.KeyFor(req)); cached != nil {
		return outcome{resp: cached, source: SourceCache}
	}
	return fallback
}

// networkOnly 原样返回网络结果，且从不写缓存。
func (e *Executor) networkOnly(ctx context.Context, req *httpmsg.Request) outcome {
	resp, err := e.fetch(ctx, req)
	if err != nil {
		e.logNetworkFailure(req, routing.NetworkOnly, err)
		return fallback
	}
	return outcome{resp: resp, source: SourceNetwork}
}

type fetched struct {
	resp *httpmsg.Response
	err  error
}

func (e *Executor) staleWhileRevalidate(ctx context.Context, bucket cache.Bucket, req *httpmsg.Request) outcome {
	cached := e.lookup(ctx, bucket, cache.KeyFor(req))

	done := make(chan fetched, 1)
	bgCtx := context.WithoutCancel(ctx)
	e.background.Add(1)
	go func() {
		defer e.background.Done()
		resp, err := e.fetch(bgCtx, req)
		if err == nil {
			e.store(bgCtx, bucket, req, resp)
		} else {
			e.logger.WithError(err).WithFields(logrus.Fields{
				"action": "revalidate",
				"url":    req.URL.String(),
			}).Debug("revalidate_failed")
		}
		done <- fetched{resp: resp, err: err}
	}()

	if cached != nil {
		return outcome{resp: cached, source: SourceCache}
	}

	select {
	case f := <-done:
		if f.err != nil {
			return fallback
		}
		return outcome{resp: f.resp, source: SourceNetwork}
	case <-ctx.Done():
		return fallback
	}
}

func (e *Executor) synthesize(ctx context.Context, bucket cache.Bucket, req *httpmsg.Request) *httpmsg.Response {
	var doc *httpmsg.Response
	if e.offline.Categorize(req) == offline.CategoryHTML {
		doc = e.lookup(ctx, bucket, cache.NewKey(http.MethodGet, e.offline.DocumentURL(req)))
	}
	resp, err := e.offline.Synthesize(req, doc)
	if err != nil {
		e.logger.WithError(err).WithFields(logrus.Fields{
			"action":       "offline",
			"url":          req.URL.String(),
			"document_url": e.offline.DocumentURL(req),
		}).Error("offline_document_missing")
		return e.offline.Unavailable()
	}
	return resp
}

// lookup 把缓存故障视为未命中，仅记录日志。
func (e *Executor) lookup(ctx context.Context, bucket cache.Bucket, key cache.Key) *httpmsg.Response {
	if bucket == nil {
		return nil
	}
	entry, err := bucket.Get(ctx, key)
	switch {
	case err == nil:
		resp := entry.Response
		return &resp
	case errors.Is(err, cache.ErrNotFound):
		return nil
	default:
		e.logger.WithError(err).WithFields(logrus.Fields{
			"action":  "cache_get",
			"key":     key.String(),
			"version": bucket.Version(),
		}).Warn("cache_get_failed")
		return nil
	}
}

// store 只缓存 2xx，写入不受调用方取消影响。
func (e *Executor) store(ctx context.Context, bucket cache.Bucket, req *httpmsg.Request, resp *httpmsg.Response) {
	if bucket == nil || !resp.OK() {
		return
	}
	key := cache.KeyFor(req)
	err := bucket.Put(context.WithoutCancel(ctx), cache.Entry{Key: key, Response: *resp.Clone()})
	if err != nil {
		e.logger.WithError(err).WithFields(logrus.Fields{
			"action":  "cache_put",
			"key":     key.String(),
			"version": bucket.Version(),
		}).Warn("cache_put_failed")
	}
}

func (e *Executor) fetch(ctx context.Context, req *httpmsg.Request) (*httpmsg.Response, error) {
	return httpmsg.Fetch(ctx, e.network, req)
}

func (e *Executor) logNetworkFailure(req *httpmsg.Request, s routing.Strategy, err error) {
	e.logger.WithError(err).WithFields(logrus.Fields{
		"action":   "fetch",
		"strategy": string(s),
		"url":      req.URL.String(),
	}).Info("network_failed")
}
