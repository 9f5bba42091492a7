package cache

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/vgk/offline-gateway/internal/httpmsg"
)

const (
	entrySuffix    = ".entry"
	activeFileName = ".active"
	// markerFileName 标记目录由本 Store 创建；没有标记的目录一律不视为版本。
	markerFileName = ".generation"
)

// NewFileStore 以 basePath 为根目录构建磁盘缓存。磁盘布局遵循：
//
//	<StoragePath>/<version>/.generation          # 版本目录标记，内容为版本标签
//	<StoragePath>/<version>/<sha1(key)>.entry   # JSON 信封：key + 状态码 + 头 + 正文
//	<StoragePath>/.active                       # 当前服务中的版本标签
//
// StoragePath 下的其他目录与文件不会被列出或删除。
func NewFileStore(basePath string) (Store, error) {
	if basePath == "" {
		return nil, errors.New("storage path required")
	}

	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("resolve storage path: %w", err)
	}

	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create storage path: %w", err)
	}

	return &fileStore{
		basePath: abs,
		locks:    make(map[string]*entryLock),
	}, nil
}

// fileStore 通过 entryLock 避免同一 key 并发写入，各版本共享同一把锁表。
// dropMu 让 Put 与 Drop 互斥：写入持读锁，删除版本持写锁。
type fileStore struct {
	basePath string

	dropMu sync.RWMutex

	mu    sync.Mutex
	locks map[string]*entryLock
}

type entryLock struct {
	mu   sync.Mutex
	refs int
}

// entryEnvelope 是单个条目在磁盘上的编码形式。
type entryEnvelope struct {
	Key    Key         `json:"key"`
	Status int         `json:"status"`
	Header http.Header `json:"header"`
	Body   []byte      `json:"body"`
}

func (s *fileStore) Open(ctx context.Context, version string) (Bucket, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := checkVersion(version); err != nil {
		return nil, err
	}
	s.dropMu.RLock()
	defer s.dropMu.RUnlock()

	dir := filepath.Join(s.basePath, version)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create version dir: %w", err)
	}
	marker := filepath.Join(dir, markerFileName)
	if _, err := os.Stat(marker); errors.Is(err, fs.ErrNotExist) {
		if err := writeFileAtomic(marker, []byte(version+"\n")); err != nil {
			return nil, fmt.Errorf("mark version dir: %w", err)
		}
	} else if err != nil {
		return nil, err
	}
	return &fileBucket{store: s, version: version, dir: dir}, nil
}

func (s *fileStore) Versions(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	items, err := os.ReadDir(s.basePath)
	if err != nil {
		return nil, err
	}
	var versions []string
	for _, item := range items {
		if !item.IsDir() || strings.HasPrefix(item.Name(), ".") {
			continue
		}
		if !s.isGeneration(item.Name()) {
			continue
		}
		versions = append(versions, item.Name())
	}
	sort.Strings(versions)
	return versions, nil
}

func (s *fileStore) Drop(ctx context.Context, version string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := checkVersion(version); err != nil {
		return err
	}
	s.dropMu.Lock()
	defer s.dropMu.Unlock()

	if !s.isGeneration(version) {
		// 不存在或并非本 Store 创建的目录，保持原样
		return nil
	}
	return os.RemoveAll(filepath.Join(s.basePath, version))
}

// isGeneration 判断目录是否带有版本标记。
func (s *fileStore) isGeneration(version string) bool {
	info, err := os.Stat(filepath.Join(s.basePath, version, markerFileName))
	return err == nil && info.Mode().IsRegular()
}

func (s *fileStore) ActiveVersion(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	data, err := os.ReadFile(filepath.Join(s.basePath, activeFileName))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", nil
		}
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

func (s *fileStore) MarkActive(ctx context.Context, version string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := checkVersion(version); err != nil {
		return err
	}
	return writeFileAtomic(filepath.Join(s.basePath, activeFileName), []byte(version+"\n"))
}

func (s *fileStore) Close() error {
	return nil
}

func (s *fileStore) lockEntry(key string) func() {
	s.mu.Lock()
	lock := s.locks[key]
	if lock == nil {
		lock = &entryLock{}
		s.locks[key] = lock
	}
	lock.refs++
	s.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		s.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(s.locks, key)
		}
		s.mu.Unlock()
	}
}

type fileBucket struct {
	store   *fileStore
	version string
	dir     string
}

func (b *fileBucket) Version() string {
	return b.version
}

func (b *fileBucket) Get(ctx context.Context, key Key) (*Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(b.entryPath(key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	var env entryEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode cache entry %s: %w", key, err)
	}
	if env.Key != key {
		// sha1 冲突或文件被篡改时视为未命中
		return nil, ErrNotFound
	}
	return env.entry(), nil
}

func (b *fileBucket) Put(ctx context.Context, entry Entry) error {
	if err := entry.Key.validate(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := json.Marshal(entryEnvelope{
		Key:    entry.Key,
		Status: entry.Response.Status,
		Header: storableHeader(entry.Response.Header),
		Body:   entry.Response.Body,
	})
	if err != nil {
		return err
	}

	b.store.dropMu.RLock()
	defer b.store.dropMu.RUnlock()

	lockKey := b.version + "::" + entry.Key.String()
	unlock := b.store.lockEntry(lockKey)
	defer unlock()

	if !b.store.isGeneration(b.version) {
		return ErrVersionGone
	}
	return writeFileAtomic(b.entryPath(entry.Key), data)
}

func (b *fileBucket) Remove(ctx context.Context, key Key) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	unlock := b.store.lockEntry(b.version + "::" + key.String())
	defer unlock()

	if err := os.Remove(b.entryPath(key)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func (b *fileBucket) Keys(ctx context.Context) ([]Key, error) {
	items, err := os.ReadDir(b.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	keys := make([]Key, 0, len(items))
	for _, item := range items {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if item.IsDir() || !strings.HasSuffix(item.Name(), entrySuffix) {
			continue
		}
		data, err := os.ReadFile(filepath.Join(b.dir, item.Name()))
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, err
		}
		var env struct {
			Key Key `json:"key"`
		}
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}
		keys = append(keys, env.Key)
	}
	return keys, nil
}

func (b *fileBucket) entryPath(key Key) string {
	sum := sha1.Sum([]byte(key.String()))
	return filepath.Join(b.dir, hex.EncodeToString(sum[:])+entrySuffix)
}

func (env entryEnvelope) entry() *Entry {
	header := env.Header
	if header == nil {
		header = http.Header{}
	}
	return &Entry{
		Key: env.Key,
		Response: httpmsg.Response{
			Status: env.Status,
			Header: header,
			Body:   env.Body,
		},
	}
}

// writeFileAtomic 通过临时文件 + rename 保证写入原子性，并在失败时清理临时文件。
func writeFileAtomic(target string, data []byte) error {
	tempFile, err := os.CreateTemp(filepath.Dir(target), ".cache-*")
	if err != nil {
		return err
	}
	tempName := tempFile.Name()

	_, err = tempFile.Write(data)
	closeErr := tempFile.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tempName)
		return err
	}

	if err := os.Rename(tempName, target); err != nil {
		os.Remove(tempName)
		return err
	}
	return nil
}
