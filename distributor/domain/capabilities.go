package domain

import (
	"fmt"
	"reflect"
	"sort"
	"strings"
)

// Well known capability keys.
const (
	BrowserName    = "browserName"
	BrowserVersion = "browserVersion"
	PlatformName   = "platformName"

	// Legacy spellings still sent by older clients.
	LegacyVersion  = "version"
	LegacyPlatform = "platform"
)

// Capabilities describe either what a slot can run (its stereotype) or what a
// request asks for.
type Capabilities map[string]interface{}

// Matches reports whether every key in desired is present in c with an equal value.
// An empty desired set matches any stereotype.
func (c Capabilities) Matches(desired Capabilities) bool {
	for k, want := range desired {
		have, ok := c[k]
		if !ok || !valuesEqual(have, want) {
			return false
		}
	}
	return true
}

// Copy returns a shallow copy, nested values are shared.
func (c Capabilities) Copy() Capabilities {
	if c == nil {
		return nil
	}
	cp := make(Capabilities, len(c))
	for k, v := range c {
		cp[k] = v
	}
	return cp
}

func (c Capabilities) GetBrowserName() string {
	return c.stringValue(BrowserName)
}

func (c Capabilities) GetPlatformName() string {
	if p := c.stringValue(PlatformName); p != "" {
		return p
	}
	return c.stringValue(LegacyPlatform)
}

func (c Capabilities) GetBrowserVersion() string {
	if v := c.stringValue(BrowserVersion); v != "" {
		return v
	}
	return c.stringValue(LegacyVersion)
}

func (c Capabilities) stringValue(key string) string {
	v, ok := c[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// String renders keys in sorted order so log lines are stable.
func (c Capabilities) String() string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s: %v", k, c[k]))
	}
	return "{" + strings.Join(parts, ", ") + "}"
}

// valuesEqual compares capability values. Numbers decoded from JSON are
// float64 while configured stereotypes may hold ints, so numbers compare by value.
func valuesEqual(a, b interface{}) bool {
	if af, ok := toFloat(a); ok {
		if bf, ok := toFloat(b); ok {
			return af == bf
		}
		return false
	}
	return reflect.DeepEqual(a, b)
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}
