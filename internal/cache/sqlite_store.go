package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"

	_ "github.com/glebarez/go-sqlite"

	"github.com/vgk/offline-gateway/internal/httpmsg"
)

const sqliteFileName = "cache.db"

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS generations (version TEXT PRIMARY KEY, active INTEGER NOT NULL DEFAULT 0)`,
	`CREATE TABLE IF NOT EXISTS entries (
		version TEXT NOT NULL,
		method TEXT NOT NULL,
		url TEXT NOT NULL,
		status INTEGER NOT NULL,
		header TEXT NOT NULL,
		body BLOB,
		PRIMARY KEY (version, method, url)
	)`,
	`PRAGMA journal_mode=WAL`,
}

// NewSQLiteStore 在 basePath/cache.db 上构建单文件缓存，所有版本共享同一个数据库。
func NewSQLiteStore(basePath string) (Store, error) {
	if basePath == "" {
		return nil, errors.New("storage path required")
	}
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("create storage path: %w", err)
	}

	db, err := sql.Open("sqlite", filepath.Join(basePath, sqliteFileName))
	if err != nil {
		return nil, fmt.Errorf("open sqlite cache: %w", err)
	}
	for _, stmt := range sqliteSchema {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("init sqlite cache: %w", err)
		}
	}
	return &sqliteStore{db: db}, nil
}

// sqliteStore 串行化写操作，读操作直接走连接池。
type sqliteStore struct {
	db         *sql.DB
	writeMutex sync.Mutex
}

func (s *sqliteStore) Open(ctx context.Context, version string) (Bucket, error) {
	if err := checkVersion(version); err != nil {
		return nil, err
	}
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	if _, err := s.db.ExecContext(ctx, "INSERT OR IGNORE INTO generations (version) VALUES (?)", version); err != nil {
		return nil, err
	}
	return &sqliteBucket{store: s, version: version}, nil
}

func (s *sqliteStore) Versions(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT version FROM generations ORDER BY version")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []string
	for rows.Next() {
		var version string
		if err := rows.Scan(&version); err != nil {
			return nil, err
		}
		versions = append(versions, version)
	}
	return versions, rows.Err()
}

func (s *sqliteStore) Drop(ctx context.Context, version string) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM entries WHERE version = ?", version); err != nil {
		tx.Rollback()
		return err
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM generations WHERE version = ?", version); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (s *sqliteStore) ActiveVersion(ctx context.Context) (string, error) {
	var version string
	err := s.db.QueryRowContext(ctx, "SELECT version FROM generations WHERE active = 1 LIMIT 1").Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return version, err
}

func (s *sqliteStore) MarkActive(ctx context.Context, version string) error {
	if err := checkVersion(version); err != nil {
		return err
	}
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, "UPDATE generations SET active = 0"); err != nil {
		tx.Rollback()
		return err
	}
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO generations (version, active) VALUES (?, 1) ON CONFLICT(version) DO UPDATE SET active = 1",
		version); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (s *sqliteStore) Close() error {
	return s.db.Close()
}

type sqliteBucket struct {
	store   *sqliteStore
	version string
}

func (b *sqliteBucket) Version() string {
	return b.version
}

func (b *sqliteBucket) Get(ctx context.Context, key Key) (*Entry, error) {
	var (
		status int
		header string
		body   []byte
	)
	err := b.store.db.QueryRowContext(ctx,
		"SELECT status, header, body FROM entries WHERE version = ? AND method = ? AND url = ?",
		b.version, key.Method, key.URL,
	).Scan(&status, &header, &body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	decoded := http.Header{}
	if err := json.Unmarshal([]byte(header), &decoded); err != nil {
		return nil, fmt.Errorf("decode cache header %s: %w", key, err)
	}
	return &Entry{
		Key: key,
		Response: httpmsg.Response{
			Status: status,
			Header: decoded,
			Body:   body,
		},
	}, nil
}

func (b *sqliteBucket) Put(ctx context.Context, entry Entry) error {
	if err := entry.Key.validate(); err != nil {
		return err
	}
	encoded, err := json.Marshal(storableHeader(entry.Response.Header))
	if err != nil {
		return err
	}

	b.store.writeMutex.Lock()
	defer b.store.writeMutex.Unlock()

	// 仅当版本仍存在时写入，避免已清理的旧版本被迟到的写入复活
	result, err := b.store.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO entries (version, method, url, status, header, body)
		 SELECT ?, ?, ?, ?, ?, ? WHERE EXISTS (SELECT 1 FROM generations WHERE version = ?)`,
		b.version, entry.Key.Method, entry.Key.URL, entry.Response.Status, string(encoded), entry.Response.Body, b.version,
	)
	if err != nil {
		return err
	}
	if affected, err := result.RowsAffected(); err == nil && affected == 0 {
		return ErrVersionGone
	}
	return nil
}

func (b *sqliteBucket) Remove(ctx context.Context, key Key) error {
	b.store.writeMutex.Lock()
	defer b.store.writeMutex.Unlock()
	_, err := b.store.db.ExecContext(ctx,
		"DELETE FROM entries WHERE version = ? AND method = ? AND url = ?",
		b.version, key.Method, key.URL,
	)
	return err
}

func (b *sqliteBucket) Keys(ctx context.Context) ([]Key, error) {
	rows, err := b.store.db.QueryContext(ctx, "SELECT method, url FROM entries WHERE version = ?", b.version)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []Key
	for rows.Next() {
		var key Key
		if err := rows.Scan(&key.Method, &key.URL); err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}
