package middleware

import (
	log "github.com/sirupsen/logrus"
)

// UsageRecord is one completed request's token accounting.
type UsageRecord struct {
	SessionID        string
	Backend          string
	Model            string
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Sink receives usage records after a response completes.
type Sink interface {
	Record(UsageRecord)
}

// LogSink writes usage records to the structured log.
type LogSink struct{}

func (LogSink) Record(rec UsageRecord) {
	log.WithFields(log.Fields{
		"session_id":        rec.SessionID,
		"backend":           rec.Backend,
		"model":             rec.Model,
		"prompt_tokens":     rec.PromptTokens,
		"completion_tokens": rec.CompletionTokens,
		"total_tokens":      rec.TotalTokens,
	}).Info("usage")
}

// AsyncSink decouples accounting from the response path. Record never
// blocks; when the buffer is full the record is dropped with a debug log.
type AsyncSink struct {
	inner Sink
	ch    chan UsageRecord
	done  chan struct{}
}

// NewAsyncSink starts the delivery worker.
func NewAsyncSink(inner Sink, buffer int) *AsyncSink {
	if buffer <= 0 {
		buffer = 256
	}
	s := &AsyncSink{
		inner: inner,
		ch:    make(chan UsageRecord, buffer),
		done:  make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *AsyncSink) run() {
	defer close(s.done)
	for rec := range s.ch {
		s.inner.Record(rec)
	}
}

func (s *AsyncSink) Record(rec UsageRecord) {
	select {
	case s.ch <- rec:
	default:
		log.Debugf("accounting buffer full, dropping record for session %s", rec.SessionID)
	}
}

// Close drains pending records and stops the worker.
func (s *AsyncSink) Close() {
	close(s.ch)
	<-s.done
}
