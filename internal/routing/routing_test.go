package routing

import "testing"

func TestClassifyDefaultRules(t *testing.T) {
	table := MustTable(DefaultRules(), "")

	testCases := []struct {
		path string
		want Strategy
	}{
		{"/api/products", NetworkFirst},
		{"/static/js/app.js", CacheFirst},
		{"/media/uploads/cat.png", StaleWhileRevalidate},
		{"/products/42/", NetworkFirst},
		{"/dashboard/", NetworkFirst},
		{"/auth/login/", NetworkOnly},
		{"/", NetworkFirst},
		{"/categories/", NetworkFirst},
		{"/staticfile", NetworkFirst},
	}

	for _, tc := range testCases {
		t.Run(tc.path, func(t *testing.T) {
			if got := table.Classify(tc.path); got != tc.want {
				t.Fatalf("Classify(%q)=%s, want %s", tc.path, got, tc.want)
			}
		})
	}
}

func TestClassifyFirstMatchWins(t *testing.T) {
	table := MustTable([]Rule{
		{Prefix: "/products/", Strategy: CacheOnly},
		{Prefix: "/", Strategy: NetworkOnly},
		{Prefix: "/products/special/", Strategy: CacheFirst},
	}, StaleWhileRevalidate)

	if got := table.Classify("/products/special/1"); got != CacheOnly {
		t.Fatalf("earlier overlapping prefix must win, got %s", got)
	}
	if got := table.Classify("/other"); got != NetworkOnly {
		t.Fatalf("catch-all prefix should match, got %s", got)
	}
}

func TestClassifyFallsBackToDefault(t *testing.T) {
	table := MustTable([]Rule{{Prefix: "/static/", Strategy: CacheFirst}}, CacheOnly)
	if got := table.Classify("/index.html"); got != CacheOnly {
		t.Fatalf("expected configured default, got %s", got)
	}

	var nilTable *Table
	if got := nilTable.Classify("/x"); got != DefaultStrategy {
		t.Fatalf("nil table should use the built-in default, got %s", got)
	}
}

func TestNewTableValidation(t *testing.T) {
	if _, err := NewTable([]Rule{{Prefix: "", Strategy: CacheFirst}}, ""); err == nil {
		t.Fatalf("empty prefix should be rejected")
	}
	if _, err := NewTable([]Rule{{Prefix: "/x/", Strategy: "cache-maybe"}}, ""); err == nil {
		t.Fatalf("unknown strategy should be rejected")
	}
	if _, err := NewTable(nil, "sometimes"); err == nil {
		t.Fatalf("unknown default should be rejected")
	}
}

func TestTableRulesAreCopied(t *testing.T) {
	rules := DefaultRules()
	table := MustTable(rules, "")
	rules[0].Strategy = CacheOnly

	if got := table.Classify("/api/x"); got != NetworkFirst {
		t.Fatalf("table must not alias caller rules, got %s", got)
	}
	out := table.Rules()
	out[0].Strategy = CacheOnly
	if got := table.Classify("/api/x"); got != NetworkFirst {
		t.Fatalf("Rules() must return a copy, got %s", got)
	}
}

func TestParseStrategy(t *testing.T) {
	for _, s := range Strategies() {
		got, err := ParseStrategy("  " + string(s) + " ")
		if err != nil || got != s {
			t.Fatalf("ParseStrategy(%q)=%s,%v", s, got, err)
		}
	}
	if got, err := ParseStrategy("Cache-First"); err != nil || got != CacheFirst {
		t.Fatalf("parsing should be case-insensitive, got %s,%v", got, err)
	}
	if _, err := ParseStrategy("cache_first"); err == nil {
		t.Fatalf("unknown strategy should fail")
	}
}
