package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryExpiry(t *testing.T) {
	r := NewRegistry()
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	current := base
	r.now = func() time.Time { return current }

	r.Set("openrouter", "m1", "key1", time.Second)

	current = base.Add(500 * time.Millisecond)
	until := r.Get("openrouter", "m1", "key1")
	require.NotNil(t, until)
	assert.Equal(t, base.Add(time.Second), *until)

	current = base.Add(1100 * time.Millisecond)
	assert.Nil(t, r.Get("openrouter", "m1", "key1"))

	// The expired entry is gone even for Earliest.
	assert.Nil(t, r.Earliest())
}

func TestRegistryEarliest(t *testing.T) {
	r := NewRegistry()
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return base }

	r.Set("openrouter", "m1", "key1", 10*time.Second)
	r.Set("gemini", "m2", "key1", 5*time.Second)
	r.Set("gemini", "m2", "key2", 30*time.Second)

	earliest := r.Earliest()
	require.NotNil(t, earliest)
	assert.Equal(t, base.Add(5*time.Second), *earliest)
	assert.Equal(t, earliest, r.NextAvailable())
}

func TestParseRetryDelay(t *testing.T) {
	payload := []byte(`{"error":{"code":429,"message":"quota","details":[
		{"@type":"type.googleapis.com/google.rpc.QuotaFailure"},
		{"@type":"type.googleapis.com/google.rpc.RetryInfo","retryDelay":"37.5s"}
	]}}`)
	delay, ok := ParseRetryDelay(payload)
	require.True(t, ok)
	assert.InDelta(t, 37.5, delay, 1e-9)
}

func TestParseRetryDelayNested(t *testing.T) {
	payload := []byte(`[{"error":{"details":[{"@type":"x/RetryInfo","retryDelay":"2s"}]}}]`)
	delay, ok := ParseRetryDelay(payload)
	require.True(t, ok)
	assert.InDelta(t, 2.0, delay, 1e-9)
}

func TestParseRetryDelayMalformed(t *testing.T) {
	for _, payload := range []string{
		``,
		`not json`,
		`{"error":{"details":[]}}`,
		`{"error":{"details":[{"@type":"x/RetryInfo","retryDelay":"soon"}]}}`,
		`{"error":{"details":[{"@type":"x/RetryInfo","retryDelay":"5m"}]}}`,
	} {
		_, ok := ParseRetryDelay([]byte(payload))
		assert.False(t, ok, "payload %q", payload)
	}
}
