package ratelimit

import (
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
)

// ParseRetryDelay extracts the retry delay in seconds from an upstream error
// payload. It recursively locates error.details entries whose @type suffix
// is RetryInfo and reads their retryDelay field of the form "<float>s".
// It returns 0, false when the payload carries no usable delay.
func ParseRetryDelay(detail []byte) (float64, bool) {
	root := gjson.ParseBytes(detail)
	if !root.Exists() {
		return 0, false
	}
	return findRetryDelay(root)
}

func findRetryDelay(node gjson.Result) (float64, bool) {
	if details := node.Get("error.details"); details.IsArray() {
		var delay float64
		var found bool
		details.ForEach(func(_, d gjson.Result) bool {
			if !strings.HasSuffix(d.Get("@type").String(), "RetryInfo") {
				return true
			}
			if v, ok := parseDelayString(d.Get("retryDelay").String()); ok {
				delay, found = v, true
				return false
			}
			return true
		})
		if found {
			return delay, true
		}
	}

	// Some upstreams nest the whole error object one level deeper or wrap
	// the payload in a single-element array.
	var delay float64
	var found bool
	node.ForEach(func(_, child gjson.Result) bool {
		if child.IsObject() || child.IsArray() {
			if v, ok := findRetryDelay(child); ok {
				delay, found = v, true
				return false
			}
		}
		return true
	})
	return delay, found
}

func parseDelayString(s string) (float64, bool) {
	if s == "" || !strings.HasSuffix(s, "s") {
		return 0, false
	}
	v, err := strconv.ParseFloat(strings.TrimSuffix(s, "s"), 64)
	if err != nil || v < 0 {
		return 0, false
	}
	return v, true
}
