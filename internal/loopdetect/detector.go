// Package loopdetect contains the streaming loop detector and the coarser
// tool-call loop detector. The streaming detector is an online filter over
// response bytes: content passes through untouched until a contiguous
// repetition fires, at which point the stream is truncated with a marker and
// upstream consumption stops.
package loopdetect

import (
	"bytes"
)

// Marker is appended to a stream truncated by the detector.
const Marker = "<truncated: loop detected>"

const hashBase = 1099511628211

// Config bounds the pattern search. Defaults come from the config layer.
type Config struct {
	Enabled        bool
	BufferSize     int
	MinPattern     int
	MaxPattern     int
	MinRepetitions int
}

// lengthState is the per-pattern-length rolling state. hashes is kept
// aligned with the detector buffer so the hash of the window ending at any
// retained position is addressable; memory is therefore
// O(buffer × pattern lengths), the documented bound.
type lengthState struct {
	length int
	pow    uint64
	hash   uint64
	hashes []uint64

	// Repetition chains are tracked per phase (buffer index mod length):
	// overlapping matches of a periodic pattern advance at every offset,
	// and only same-phase boundaries spaced exactly length apart form a
	// contiguous chain. reps[p] counts the copies of phase p's candidate;
	// chainEnd[p] is the buffer index where its last copy ended.
	reps     []int
	chainEnd []int
}

// Detector is the streaming filter. Not safe for concurrent use; each
// response stream owns one instance.
type Detector struct {
	cfg    Config
	buf    []byte
	states []*lengthState
	fired  bool

	// discarded is the byte count dropped by compaction; buffer index i
	// corresponds to absolute stream position discarded+i.
	discarded int
}

// NewDetector builds a detector for one stream.
func NewDetector(cfg Config) *Detector {
	d := &Detector{cfg: cfg}
	if !cfg.Enabled {
		return d
	}
	for l := cfg.MinPattern; l <= cfg.MaxPattern; l++ {
		pow := uint64(1)
		for i := 0; i < l-1; i++ {
			pow *= hashBase
		}
		st := &lengthState{length: l, pow: pow, reps: make([]int, l), chainEnd: make([]int, l)}
		for p := range st.chainEnd {
			st.chainEnd[p] = -1
		}
		d.states = append(d.states, st)
	}
	return d
}

// Fired reports whether the detector has truncated the stream.
func (d *Detector) Fired() bool {
	return d.fired
}

// Feed consumes one chunk and returns the bytes to forward. After the
// detector fires, the returned slice ends with the truncation marker and
// every later call returns nil.
func (d *Detector) Feed(chunk []byte) []byte {
	if d.fired {
		return nil
	}
	if !d.cfg.Enabled || len(d.states) == 0 {
		return chunk
	}

	for i := 0; i < len(chunk); i++ {
		if d.append(chunk[i]) {
			d.fired = true
			out := make([]byte, 0, i+1+len(Marker))
			out = append(out, chunk[:i+1]...)
			out = append(out, Marker...)
			return out
		}
	}
	return chunk
}

// append pushes one byte through every length state and reports whether a
// repetition chain reached the threshold exactly at this byte. Chain state
// is kept in absolute stream positions so it survives buffer compaction.
func (d *Detector) append(b byte) bool {
	d.compact()
	d.buf = append(d.buf, b)
	end := len(d.buf) - 1
	absEnd := d.discarded + end

	fire := false
	for _, st := range d.states {
		l := st.length
		if end+1 < l {
			st.hash = st.hash*hashBase + uint64(b)
			st.hashes = append(st.hashes, 0)
			continue
		}
		if end+1 > l {
			st.hash -= uint64(d.buf[end-l]) * st.pow
		}
		st.hash = st.hash*hashBase + uint64(b)
		st.hashes = append(st.hashes, st.hash)

		// A boundary exists when the window ending here equals the window
		// immediately before it.
		prev := end - l
		if prev < l-1 {
			continue
		}
		if st.hashes[prev] != st.hash {
			continue
		}
		if !bytes.Equal(d.buf[end-l+1:end+1], d.buf[prev-l+1:prev+1]) {
			continue
		}

		phase := absEnd % l
		if st.chainEnd[phase] == absEnd-l {
			st.reps[phase]++
		} else {
			st.reps[phase] = 2
		}
		st.chainEnd[phase] = absEnd

		if st.reps[phase] >= d.cfg.MinRepetitions {
			fire = true
		}
	}
	return fire
}

// compact bounds the buffer. Enough tail is kept for every pattern length
// to retain its previous window; hashes rebase with the buffer while chain
// state, being absolute, is untouched.
func (d *Detector) compact() {
	if len(d.buf) < d.cfg.BufferSize {
		return
	}
	keep := 2 * d.cfg.MaxPattern
	if keep >= len(d.buf) {
		return
	}
	delta := len(d.buf) - keep
	d.discarded += delta
	d.buf = append(d.buf[:0], d.buf[delta:]...)
	for _, st := range d.states {
		st.hashes = append(st.hashes[:0], st.hashes[delta:]...)
	}
}
