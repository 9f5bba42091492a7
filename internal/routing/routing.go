// Package routing 把请求路径映射为缓存策略：按声明顺序线性扫描前缀规则，首个命中者胜出，
// 全部未命中时回落到默认策略。规则表构建后不可变，可被任意并发请求共享。
package routing

import (
	"fmt"
	"strings"
)

// Strategy 描述缓存与网络之间的读写顺序。
type Strategy string

const (
	CacheFirst           Strategy = "cache-first"
	NetworkFirst         Strategy = "network-first"
	CacheOnly            Strategy = "cache-only"
	NetworkOnly          Strategy = "network-only"
	StaleWhileRevalidate Strategy = "stale-while-revalidate"
)

// DefaultStrategy 是规则全部未命中时使用的策略。
const DefaultStrategy = NetworkFirst

// Strategies 返回全部支持的策略，顺序固定，供校验与诊断输出使用。
func Strategies() []Strategy {
	return []Strategy{CacheFirst, NetworkFirst, CacheOnly, NetworkOnly, StaleWhileRevalidate}
}

// ParseStrategy 规范化大小写与空白后解析策略名。
func ParseStrategy(raw string) (Strategy, error) {
	normalized := Strategy(strings.ToLower(strings.TrimSpace(raw)))
	for _, s := range Strategies() {
		if s == normalized {
			return s, nil
		}
	}
	return "", fmt.Errorf("unsupported strategy: %q", raw)
}

// Valid reports whether s is one of the five known strategies.
func (s Strategy) Valid() bool {
	_, err := ParseStrategy(string(s))
	return err == nil
}

// Rule 是一条 (前缀, 策略) 规则。
type Rule struct {
	Prefix   string   `json:"prefix"`
	Strategy Strategy `json:"strategy"`
}

// Table 是不可变的有序规则表。
type Table struct {
	rules    []Rule
	fallback Strategy
}

// NewTable 按给定顺序构建规则表；fallback 为空时使用 DefaultStrategy。
func NewTable(rules []Rule, fallback Strategy) (*Table, error) {
	if fallback == "" {
		fallback = DefaultStrategy
	}
	if !fallback.Valid() {
		return nil, fmt.Errorf("invalid default strategy: %q", fallback)
	}
	copied := make([]Rule, len(rules))
	for i, rule := range rules {
		if rule.Prefix == "" {
			return nil, fmt.Errorf("rule #%d: prefix required", i)
		}
		if !rule.Strategy.Valid() {
			return nil, fmt.Errorf("rule #%d (%s): invalid strategy %q", i, rule.Prefix, rule.Strategy)
		}
		copied[i] = rule
	}
	return &Table{rules: copied, fallback: fallback}, nil
}

// MustTable 在构建失败时 panic，适合静态规则。
func MustTable(rules []Rule, fallback Strategy) *Table {
	table, err := NewTable(rules, fallback)
	if err != nil {
		panic(err)
	}
	return table
}

// DefaultRules 返回内置路由表，顺序即优先级。
func DefaultRules() []Rule {
	return []Rule{
		{Prefix: "/api/", Strategy: NetworkFirst},
		{Prefix: "/static/", Strategy: CacheFirst},
		{Prefix: "/media/", Strategy: StaleWhileRevalidate},
		{Prefix: "/products/", Strategy: NetworkFirst},
		{Prefix: "/dashboard/", Strategy: NetworkFirst},
		{Prefix: "/auth/", Strategy: NetworkOnly},
	}
}

// Classify 返回首个字面前缀命中 path 的规则策略，未命中返回默认策略。
func (t *Table) Classify(path string) Strategy {
	if t == nil {
		return DefaultStrategy
	}
	for _, rule := range t.rules {
		if strings.HasPrefix(path, rule.Prefix) {
			return rule.Strategy
		}
	}
	return t.fallback
}

// Rules 返回规则副本。
func (t *Table) Rules() []Rule {
	if t == nil {
		return nil
	}
	return append([]Rule(nil), t.rules...)
}

// Default 返回未命中时的策略。
func (t *Table) Default() Strategy {
	if t == nil {
		return DefaultStrategy
	}
	return t.fallback
}
