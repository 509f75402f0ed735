package loopdetect

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func smallConfig() Config {
	return Config{
		Enabled:        true,
		BufferSize:     1024,
		MinPattern:     2,
		MaxPattern:     8,
		MinRepetitions: 3,
	}
}

// noRepeatPrefix has period 23, longer than any tracked pattern length, so
// no window of length 2..8 ever repeats contiguously inside it.
func noRepeatPrefix(n int) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = byte('a' + i%23)
	}
	return out
}

func TestDetectorFiresAtEndOfThirdCopy(t *testing.T) {
	d := NewDetector(smallConfig())

	out := d.Feed([]byte("abcabcabc"))
	require.True(t, d.Fired())
	assert.Equal(t, "abcabcabc"+Marker, string(out))
}

func TestDetectorFiresAcrossChunkBoundary(t *testing.T) {
	d := NewDetector(smallConfig())

	first := d.Feed([]byte("abcab"))
	assert.Equal(t, "abcab", string(first))
	assert.False(t, d.Fired())

	second := d.Feed([]byte("cabcZZZ"))
	require.True(t, d.Fired())
	assert.Equal(t, "cabc"+Marker, string(second))
}

func TestDetectorLongerPatternExactBoundary(t *testing.T) {
	cfg := Config{Enabled: true, BufferSize: 4096, MinPattern: 2, MaxPattern: 40, MinRepetitions: 3}
	d := NewDetector(cfg)

	phrase := "The quick brown fox. "
	out := d.Feed([]byte(strings.Repeat(phrase, 3) + "and then"))
	require.True(t, d.Fired())
	assert.Equal(t, strings.Repeat(phrase, 3)+Marker, string(out))
}

func TestDetectorNoFireOnPlainText(t *testing.T) {
	d := NewDetector(smallConfig())

	in := noRepeatPrefix(500)
	out := d.Feed(in)
	assert.False(t, d.Fired())
	assert.Equal(t, in, out)
}

func TestDetectorNeverWidens(t *testing.T) {
	d := NewDetector(smallConfig())
	in := []byte("hello hello hello hello")
	out := d.Feed(in)
	require.True(t, d.Fired())
	trimmed := strings.TrimSuffix(string(out), Marker)
	assert.True(t, strings.HasPrefix(string(in), trimmed))
}

func TestDetectorNilAfterFire(t *testing.T) {
	d := NewDetector(smallConfig())
	_ = d.Feed([]byte("xyxyxy"))
	require.True(t, d.Fired())

	assert.Nil(t, d.Feed([]byte("more")))
	assert.Nil(t, d.Feed(nil))
}

func TestDetectorDisabledPassesThrough(t *testing.T) {
	cfg := smallConfig()
	cfg.Enabled = false
	d := NewDetector(cfg)

	in := []byte("abcabcabcabcabc")
	assert.Equal(t, in, d.Feed(in))
	assert.False(t, d.Fired())
}

func TestDetectorDeterministic(t *testing.T) {
	input := append(noRepeatPrefix(100), []byte("lalalalala")...)

	whole := NewDetector(smallConfig())
	wholeOut := string(whole.Feed(input))

	split := NewDetector(smallConfig())
	var splitOut strings.Builder
	for i := 0; i < len(input); i += 7 {
		j := i + 7
		if j > len(input) {
			j = len(input)
		}
		splitOut.Write(split.Feed(input[i:j]))
	}

	assert.Equal(t, whole.Fired(), split.Fired())
	assert.Equal(t, wholeOut, splitOut.String())
}

func TestDetectorChainSurvivesCompaction(t *testing.T) {
	cfg := smallConfig()
	cfg.BufferSize = 64
	d := NewDetector(cfg)

	// The buffer fills mid-repetition, forcing a compaction while the
	// chain is in progress.
	prefix := noRepeatPrefix(61)
	out := d.Feed(prefix)
	assert.False(t, d.Fired())
	assert.Equal(t, prefix, out)

	out = d.Feed([]byte("xyxyxy"))
	require.True(t, d.Fired())
	assert.Equal(t, "xyxyxy"+Marker, string(out))
}
