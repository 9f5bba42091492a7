package lifecycle

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"reflect"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/vgk/offline-gateway/internal/cache"
	"github.com/vgk/offline-gateway/internal/httpmsg"
	"github.com/vgk/offline-gateway/internal/routing"
)

func TestInstallPrimesManifest(t *testing.T) {
	origin := newOrigin(t, nil)
	ctrl, store := newController(t, origin.URL, nil)
	ctx := context.Background()

	gen := Generation{Version: "v1", Manifest: []string{"/", "/static/app.js", "/offline/"}}
	if err := ctrl.Install(ctx, gen); err != nil {
		t.Fatalf("install: %v", err)
	}
	pending, state, ok := ctrl.Pending()
	if !ok || pending.Version != "v1" || state != StateInstalled {
		t.Fatalf("expected installed pending v1, got %+v %s %v", pending, state, ok)
	}
	if ctrl.Bucket() != nil {
		t.Fatalf("installed generation must not serve before activation")
	}

	bucket, err := store.Open(ctx, "v1")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	keys, err := bucket.Keys(ctx)
	if err != nil {
		t.Fatalf("keys: %v", err)
	}
	if len(keys) != 3 {
		t.Fatalf("expected 3 primed entries, got %d", len(keys))
	}
	entry, err := bucket.Get(ctx, cache.NewKey(http.MethodGet, origin.URL+"/offline/"))
	if err != nil {
		t.Fatalf("offline document not primed: %v", err)
	}
	if string(entry.Response.Body) != "asset:/offline/" {
		t.Fatalf("unexpected body: %s", entry.Response.Body)
	}
}

func TestInstallFailureKeepsPriorGenerationServing(t *testing.T) {
	origin := newOrigin(t, map[string]int{"/static/broken.js": http.StatusNotFound})
	ctrl, store := newController(t, origin.URL, nil)
	ctx := context.Background()

	if err := ctrl.Start(ctx, Generation{Version: "v1", Manifest: []string{"/"}}, true); err != nil {
		t.Fatalf("start v1: %v", err)
	}

	err := ctrl.Install(ctx, Generation{Version: "v2", Manifest: []string{"/", "/static/broken.js"}})
	if !errors.Is(err, ErrInstallFailed) {
		t.Fatalf("expected ErrInstallFailed, got %v", err)
	}
	if active, ok := ctrl.Active(); !ok || active.Version != "v1" {
		t.Fatalf("prior generation should keep serving, got %+v", active)
	}
	if _, _, ok := ctrl.Pending(); ok {
		t.Fatalf("failed install must not remain pending")
	}
	if err := ctrl.Activate(ctx); !errors.Is(err, ErrNothingPending) {
		t.Fatalf("activation after failed install should be refused, got %v", err)
	}
	versions, _ := store.Versions(ctx)
	if !reflect.DeepEqual(versions, []string{"v1"}) {
		t.Fatalf("failed generation store should be removed, got %v", versions)
	}
	persisted, _ := store.ActiveVersion(ctx)
	if persisted != "v1" {
		t.Fatalf("persisted active version changed to %q", persisted)
	}
}

func TestInstallTransportFailure(t *testing.T) {
	origin := newOrigin(t, nil)
	ctrl, _ := newController(t, origin.URL, nil)
	origin.Close()

	err := ctrl.Install(context.Background(), Generation{Version: "v1", Manifest: []string{"/"}})
	if !errors.Is(err, ErrInstallFailed) {
		t.Fatalf("expected ErrInstallFailed, got %v", err)
	}
}

func TestInstallRejectsCrossOriginManifest(t *testing.T) {
	origin := newOrigin(t, nil)
	ctrl, _ := newController(t, origin.URL, nil)

	err := ctrl.Install(context.Background(), Generation{Version: "v1", Manifest: []string{"https://cdn.example.com/app.js"}})
	if !errors.Is(err, ErrInstallFailed) {
		t.Fatalf("expected ErrInstallFailed, got %v", err)
	}
}

func TestInstallIgnoresCallerCancellation(t *testing.T) {
	origin := newOrigin(t, nil)
	ctrl, _ := newController(t, origin.URL, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := ctrl.Install(ctx, Generation{Version: "v1", Manifest: []string{"/", "/offline/"}}); err != nil {
		t.Fatalf("install should finish issued prefetches, got %v", err)
	}
}

func TestActivateLeavesExactlyOneVersion(t *testing.T) {
	origin := newOrigin(t, nil)
	ctrl, store := newController(t, origin.URL, nil)
	ctx := context.Background()

	for _, stale := range []string{"v0", "legacy-a", "legacy-b"} {
		if _, err := store.Open(ctx, stale); err != nil {
			t.Fatalf("open %s: %v", stale, err)
		}
	}
	if err := ctrl.Install(ctx, Generation{Version: "v1", Manifest: []string{"/"}}); err != nil {
		t.Fatalf("install: %v", err)
	}
	if err := ctrl.Activate(ctx); err != nil {
		t.Fatalf("activate: %v", err)
	}

	versions, err := store.Versions(ctx)
	if err != nil {
		t.Fatalf("versions: %v", err)
	}
	if !reflect.DeepEqual(versions, []string{"v1"}) {
		t.Fatalf("expected only v1 to remain, got %v", versions)
	}
	if ctrl.Bucket() == nil || ctrl.Bucket().Version() != "v1" {
		t.Fatalf("bucket should serve v1 immediately")
	}
	persisted, _ := store.ActiveVersion(ctx)
	if persisted != "v1" {
		t.Fatalf("expected persisted v1, got %q", persisted)
	}
}

func TestActivateKeepsUnrelatedDirectoriesUnderStoragePath(t *testing.T) {
	origin := newOrigin(t, nil)
	root := t.TempDir()
	precious := filepath.Join(root, "uploads", "precious.txt")
	if err := os.MkdirAll(filepath.Dir(precious), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(precious, []byte("keep"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	store, err := cache.NewFileStore(root)
	if err != nil {
		t.Fatalf("file store: %v", err)
	}
	ctrl, _ := newControllerWithStore(t, origin.URL, store, nil)
	ctx := context.Background()

	if err := ctrl.Start(ctx, Generation{Version: "v1", Manifest: []string{"/"}}, true); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := os.Stat(precious); err != nil {
		t.Fatalf("activation must not touch unrelated directories: %v", err)
	}
	versions, err := store.Versions(ctx)
	if err != nil {
		t.Fatalf("versions: %v", err)
	}
	if !reflect.DeepEqual(versions, []string{"v1"}) {
		t.Fatalf("expected only v1 listed, got %v", versions)
	}
}

func TestActivateSupersedesPriorGeneration(t *testing.T) {
	origin := newOrigin(t, nil)
	ctrl, store := newController(t, origin.URL, nil)
	ctx := context.Background()

	if err := ctrl.Start(ctx, Generation{Version: "v1", Manifest: []string{"/"}}, true); err != nil {
		t.Fatalf("start v1: %v", err)
	}
	oldBucket := ctrl.Bucket()
	if err := ctrl.Start(ctx, Generation{Version: "v2", Manifest: []string{"/"}}, true); err != nil {
		t.Fatalf("start v2: %v", err)
	}

	if active, _ := ctrl.Active(); active.Version != "v2" {
		t.Fatalf("expected v2 active, got %s", active.Version)
	}
	versions, _ := store.Versions(ctx)
	if !reflect.DeepEqual(versions, []string{"v2"}) {
		t.Fatalf("expected only v2, got %v", versions)
	}

	late := cache.Entry{
		Key:      cache.NewKey(http.MethodGet, origin.URL+"/late"),
		Response: httpmsg.Response{Status: http.StatusOK, Header: http.Header{}},
	}
	if err := oldBucket.Put(ctx, late); !errors.Is(err, cache.ErrVersionGone) {
		t.Fatalf("late write into superseded generation should fail, got %v", err)
	}
}

func TestStartWithoutSkipWaitingLeavesPending(t *testing.T) {
	origin := newOrigin(t, nil)
	ctrl, _ := newController(t, origin.URL, nil)
	ctx := context.Background()

	if err := ctrl.Start(ctx, Generation{Version: "v1", Manifest: []string{"/"}}, false); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, ok := ctrl.Active(); ok {
		t.Fatalf("generation should wait for activation")
	}
	if err := ctrl.SkipWaiting(ctx); err != nil {
		t.Fatalf("skip waiting: %v", err)
	}
	if active, ok := ctrl.Active(); !ok || active.Version != "v1" {
		t.Fatalf("skip waiting should activate v1, got %+v", active)
	}
	if err := ctrl.SkipWaiting(ctx); err != nil {
		t.Fatalf("skip waiting without pending should be a no-op, got %v", err)
	}
}

func TestStartResumesPersistedGeneration(t *testing.T) {
	origin := newOrigin(t, nil)
	store := cache.NewMemoryStore()
	ctx := context.Background()

	first, _ := newControllerWithStore(t, origin.URL, store, nil)
	if err := first.Start(ctx, Generation{Version: "v1", Manifest: []string{"/"}}, true); err != nil {
		t.Fatalf("first start: %v", err)
	}
	calls := origin.calls()

	routes := routing.MustTable([]routing.Rule{{Prefix: "/", Strategy: routing.CacheOnly}}, "")
	second, _ := newControllerWithStore(t, origin.URL, store, nil)
	if err := second.Start(ctx, Generation{Version: "v1", Manifest: []string{"/"}, Routes: routes}, true); err != nil {
		t.Fatalf("second start: %v", err)
	}
	if origin.calls() != calls {
		t.Fatalf("restart with the same version must not reinstall")
	}
	if second.Bucket() == nil || second.Bucket().Version() != "v1" {
		t.Fatalf("expected resumed v1 bucket")
	}
	if got := second.Routes().Classify("/x"); got != routing.CacheOnly {
		t.Fatalf("resumed generation should use current routes, got %s", got)
	}
}

func TestSweepRemovesExpiredEntries(t *testing.T) {
	origin := newOrigin(t, nil)
	now := time.Date(2024, 5, 20, 12, 0, 0, 0, time.UTC)
	ctrl, _ := newController(t, origin.URL, func() time.Time { return now })
	ctx := context.Background()

	if err := ctrl.Start(ctx, Generation{Version: "v1"}, true); err != nil {
		t.Fatalf("start: %v", err)
	}
	bucket := ctrl.Bucket()

	ages := map[string]time.Duration{
		"/old":      8 * 24 * time.Hour,
		"/boundary": DefaultMaxAge,
		"/young":    DefaultMaxAge - time.Second,
		"/fresh":    time.Hour,
	}
	for path, age := range ages {
		putEntry(t, bucket, origin.URL+path, now.Add(-age).Format(http.TimeFormat))
	}
	putEntry(t, bucket, origin.URL+"/undated", "")
	putEntry(t, bucket, origin.URL+"/garbled", "not a date")

	report, err := ctrl.Sweep(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if report.Scanned != 6 || report.Removed != 2 || report.Retained != 4 {
		t.Fatalf("unexpected report: %+v", report)
	}

	for path, want := range map[string]bool{
		"/old": false, "/boundary": false, "/young": true, "/fresh": true, "/undated": true, "/garbled": true,
	} {
		_, err := bucket.Get(ctx, cache.NewKey(http.MethodGet, origin.URL+path))
		present := err == nil
		if present != want {
			t.Fatalf("%s present=%v, want %v", path, present, want)
		}
	}
}

func TestSweepWithoutGeneration(t *testing.T) {
	origin := newOrigin(t, nil)
	ctrl, _ := newController(t, origin.URL, nil)
	report, err := ctrl.Sweep(context.Background())
	if err != nil || report.Scanned != 0 {
		t.Fatalf("sweep with nothing active should be empty, got %+v %v", report, err)
	}
}

func TestSnapshot(t *testing.T) {
	origin := newOrigin(t, nil)
	ctrl, _ := newController(t, origin.URL, nil)
	ctx := context.Background()

	if err := ctrl.Start(ctx, Generation{Version: "v1", Manifest: []string{"/"}}, true); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := ctrl.Install(ctx, Generation{Version: "v2", Manifest: []string{"/"}}); err != nil {
		t.Fatalf("install v2: %v", err)
	}

	status := ctrl.Snapshot()
	if status.Active == nil || status.Active.Version != "v1" || status.Active.State != StateActive {
		t.Fatalf("unexpected active status: %+v", status.Active)
	}
	if status.Pending == nil || status.Pending.Version != "v2" || status.Pending.State != StateInstalled {
		t.Fatalf("unexpected pending status: %+v", status.Pending)
	}
	if len(status.Active.Routes) != len(routing.DefaultRules()) {
		t.Fatalf("expected default routes in snapshot, got %v", status.Active.Routes)
	}
	if status.MaxAge != DefaultMaxAge.String() {
		t.Fatalf("unexpected max age: %s", status.MaxAge)
	}
}

type testOrigin struct {
	*httptest.Server
	count atomic.Int32
}

func (o *testOrigin) calls() int {
	return int(o.count.Load())
}

func newOrigin(t *testing.T, statuses map[string]int) *testOrigin {
	t.Helper()
	origin := &testOrigin{}
	origin.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin.count.Add(1)
		if status, ok := statuses[r.URL.Path]; ok {
			w.WriteHeader(status)
			return
		}
		w.Header().Set("Content-Type", "text/plain")
		_, _ = io.WriteString(w, "asset:"+r.URL.Path)
	}))
	t.Cleanup(origin.Close)
	return origin
}

func newController(t *testing.T, originURL string, now func() time.Time) (*Controller, cache.Store) {
	t.Helper()
	return newControllerWithStore(t, originURL, cache.NewMemoryStore(), now)
}

func newControllerWithStore(t *testing.T, originURL string, store cache.Store, now func() time.Time) (*Controller, cache.Store) {
	t.Helper()
	parsed, err := url.Parse(originURL)
	if err != nil {
		t.Fatalf("parse origin: %v", err)
	}
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	ctrl, err := New(Options{
		Store:   store,
		Network: &http.Client{Timeout: 5 * time.Second},
		Origin:  parsed,
		Logger:  logger,
		Now:     now,
	})
	if err != nil {
		t.Fatalf("new controller: %v", err)
	}
	return ctrl, store
}

func putEntry(t *testing.T, bucket cache.Bucket, rawURL, date string) {
	t.Helper()
	header := http.Header{}
	if date != "" {
		header.Set("Date", date)
	}
	err := bucket.Put(context.Background(), cache.Entry{
		Key:      cache.NewKey(http.MethodGet, rawURL),
		Response: httpmsg.Response{Status: http.StatusOK, Header: header, Body: []byte("x")},
	})
	if err != nil {
		t.Fatalf("put %s: %v", rawURL, err)
	}
}
