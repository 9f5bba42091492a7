package httpmsg

import (
	"net/http"
	"testing"
)

func TestCopyHeadersSkipsHopByHop(t *testing.T) {
	src := http.Header{}
	src.Add("Connection", "keep-alive")
	src.Add("Keep-Alive", "timeout=5")
	src.Add("X-Test-Header", "1")
	src.Add("x-test-header", "2")

	dst := http.Header{}
	CopyHeaders(dst, src)

	if _, exists := dst["Connection"]; exists {
		t.Fatalf("connection header should not be copied")
	}
	if _, exists := dst["Keep-Alive"]; exists {
		t.Fatalf("keep-alive header should not be copied")
	}
	if got := dst.Values("X-Test-Header"); len(got) != 2 {
		t.Fatalf("expected 2 values, got %v", got)
	}
}

func TestRequestIntercepted(t *testing.T) {
	testCases := []struct {
		name   string
		method string
		url    string
		want   bool
	}{
		{"https get", "GET", "https://shop.local/static/app.js", true},
		{"lowercase method", "get", "http://shop.local/", true},
		{"post", "POST", "https://shop.local/api/orders", false},
		{"non http scheme", "GET", "chrome-extension://abc/page", false},
		{"relative url", "GET", "/static/app.js", false},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			req, err := NewRequest(tc.method, tc.url, nil)
			if err != nil {
				t.Fatalf("new request: %v", err)
			}
			if got := req.Intercepted(); got != tc.want {
				t.Fatalf("Intercepted()=%v, want %v", got, tc.want)
			}
		})
	}
}

func TestResponseCloneIsDeep(t *testing.T) {
	orig := &Response{Status: 200, Header: http.Header{"X-A": {"1"}}, Body: []byte("abc")}
	cloned := orig.Clone()
	cloned.Header.Set("X-A", "2")
	cloned.Body[0] = 'z'

	if orig.Header.Get("X-A") != "1" || string(orig.Body) != "abc" {
		t.Fatalf("clone must not alias the original: %+v", orig)
	}
	if !cloned.OK() {
		t.Fatalf("200 should be ok")
	}
	if (&Response{Status: 304}).OK() {
		t.Fatalf("304 should not be ok")
	}
}
