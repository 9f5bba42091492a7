package cache

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/vgk/offline-gateway/internal/httpmsg"
)

// Store 管理按版本标签隔离的缓存桶。任意时刻只有一个版本被标记为 active，
// 旧版本在激活清理之前可能短暂共存。
type Store interface {
	// Open 打开（不存在则创建）指定版本的缓存桶。
	Open(ctx context.Context, version string) (Bucket, error)

	// Versions 返回当前存在的全部版本标签，按字典序排列。
	Versions(ctx context.Context) ([]string, error)

	// Drop 删除整个版本及其全部条目；版本不存在时不报错。
	Drop(ctx context.Context, version string) error

	// ActiveVersion 返回持久化的“当前服务中”版本，未设置时返回空串。
	ActiveVersion(ctx context.Context) (string, error)

	// MarkActive 持久化当前服务中的版本标签，供重启后恢复。
	MarkActive(ctx context.Context, version string) error

	Close() error
}

// Bucket 是单一版本下的 key → 响应映射。
type Bucket interface {
	Version() string

	// Get 返回缓存条目。若不存在则返回 ErrNotFound。
	Get(ctx context.Context, key Key) (*Entry, error)

	// Put 原子写入条目并覆盖同 key 的旧值。非 GET 请求返回 ErrNotCacheable。
	Put(ctx context.Context, entry Entry) error

	// Remove 删除条目，不存在时不报错。
	Remove(ctx context.Context, key Key) error

	// Keys 枚举桶内所有 key，结果是调用时刻的快照。
	Keys(ctx context.Context) ([]Key, error)
}

// Key 唯一定位一个缓存条目（方法 + 绝对 URL）。
type Key struct {
	Method string `json:"method"`
	URL    string `json:"url"`
}

// NewKey 规范化方法名后构造 Key。
func NewKey(method, rawURL string) Key {
	return Key{Method: strings.ToUpper(strings.TrimSpace(method)), URL: rawURL}
}

// KeyFor 由被拦截请求推导缓存 key。
func KeyFor(req *httpmsg.Request) Key {
	if req == nil || req.URL == nil {
		return Key{}
	}
	return NewKey(req.Method, req.URL.String())
}

func (k Key) String() string {
	return k.Method + " " + k.URL
}

func (k Key) validate() error {
	if k.URL == "" {
		return errors.New("cache key url required")
	}
	if k.Method != http.MethodGet {
		return fmt.Errorf("%w: %s", ErrNotCacheable, k.Method)
	}
	return nil
}

// Entry 表示一条缓存的响应及其来源请求 key。
type Entry struct {
	Key      Key
	Response httpmsg.Response
}

// CapturedAt 读取 Date 头作为捕获时间；缺失或无法解析时 ok=false。
func (e Entry) CapturedAt() (time.Time, bool) {
	raw := e.Response.Header.Get("Date")
	if raw == "" {
		return time.Time{}, false
	}
	parsed, err := http.ParseTime(raw)
	if err != nil {
		return time.Time{}, false
	}
	return parsed, true
}

var (
	// ErrNotFound 表示缓存不存在。
	ErrNotFound = errors.New("cache entry not found")
	// ErrNotCacheable 表示请求方法不允许进入缓存（仅 GET）。
	ErrNotCacheable = errors.New("request method not cacheable")
	// ErrVersionGone 表示目标版本已被删除，迟到的写入不会让旧版本复活。
	ErrVersionGone = errors.New("cache version dropped")
)

// Driver 名称，对应配置中的 StorageDriver。
const (
	DriverFS     = "fs"
	DriverSQLite = "sqlite"
	DriverMemory = "memory"
)

// Open 根据驱动名构建 Store，整站复用一份实例。
func Open(driver, basePath string) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", DriverFS:
		return NewFileStore(basePath)
	case DriverSQLite:
		return NewSQLiteStore(basePath)
	case DriverMemory:
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unsupported storage driver: %s", driver)
	}
}

func checkVersion(version string) error {
	if version == "" {
		return errors.New("cache version required")
	}
	if strings.ContainsAny(version, `/\`) || version == "." || version == ".." || strings.HasPrefix(version, ".") {
		return fmt.Errorf("invalid cache version: %q", version)
	}
	return nil
}

func cloneEntry(entry Entry) Entry {
	cloned := entry.Response.Clone()
	cloned.Header = storableHeader(entry.Response.Header)
	return Entry{Key: entry.Key, Response: *cloned}
}

// privateHeaders 属于单个客户端，不能随缓存条目回放给其他客户端。
var privateHeaders = []string{"Set-Cookie", "Set-Cookie2"}

// storableHeader 复制可持久化的响应头，去掉 hop-by-hop 字段与会话凭据。
func storableHeader(src http.Header) http.Header {
	header := http.Header{}
	httpmsg.CopyHeaders(header, src)
	for _, key := range privateHeaders {
		header.Del(key)
	}
	return header
}
