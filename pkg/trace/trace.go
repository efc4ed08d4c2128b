// Package trace records span trees and exports them in Jaeger's JSON shape.
package trace

import (
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultRingSize bounds the finished-span ring.
const DefaultRingSize = 10000

// Span is one recorded operation. Times are unix microseconds.
type Span struct {
	TraceID      string // 32 lowercase hex chars
	SpanID       string // 16 lowercase hex chars
	ParentSpanID string // empty at the tree root
	OpName       string
	StartUS      int64
	EndUS        int64
	Tags         map[string]string
	Logs         []LogEntry
	Sampled      bool

	tracer *Tracer
	mu     sync.Mutex
	done   bool
}

// LogEntry is one timestamped span annotation.
type LogEntry struct {
	TimestampUS int64
	Message     string
}

// Exporter receives finished sampled spans.
type Exporter func(*Span)

// Tracer makes sampling decisions and keeps the bounded span ring.
type Tracer struct {
	mu       sync.Mutex
	rate     float64
	ring     []*Span
	ringNext int
	ringSize int
	exporter Exporter
	rng      *rand.Rand
}

// Option configures a Tracer.
type Option func(*Tracer)

// WithRingSize overrides the 10 000-span ring.
func WithRingSize(n int) Option {
	return func(t *Tracer) { t.ringSize = n }
}

// WithExporter installs a callback invoked for every finished sampled span.
func WithExporter(e Exporter) Option {
	return func(t *Tracer) { t.exporter = e }
}

// New builds a tracer sampling at rate in [0,1].
func New(rate float64, opts ...Option) *Tracer {
	if rate < 0 {
		rate = 0
	}
	if rate > 1 {
		rate = 1
	}
	t := &Tracer{
		rate:     rate,
		ringSize: DefaultRingSize,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.ring = make([]*Span, 0, t.ringSize)
	return t
}

func newTraceID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

func newSpanID() string {
	return newTraceID()[:16]
}

// Start opens a root span. The sampling decision is made here, once.
func (t *Tracer) Start(opName string) *Span {
	t.mu.Lock()
	sampled := t.rng.Float64() < t.rate
	t.mu.Unlock()
	return &Span{
		TraceID: newTraceID(),
		SpanID:  newSpanID(),
		OpName:  opName,
		StartUS: time.Now().UnixMicro(),
		Tags:    map[string]string{},
		Sampled: sampled,
		tracer:  t,
	}
}

// StartChild opens a span under parent, inheriting trace id and sampling.
func (t *Tracer) StartChild(opName string, parent *Span) *Span {
	if parent == nil {
		return t.Start(opName)
	}
	return &Span{
		TraceID:      parent.TraceID,
		SpanID:       newSpanID(),
		ParentSpanID: parent.SpanID,
		OpName:       opName,
		StartUS:      time.Now().UnixMicro(),
		Tags:         map[string]string{},
		Sampled:      parent.Sampled,
		tracer:       t,
	}
}

// SetTag annotates the span.
func (s *Span) SetTag(key, value string) *Span {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Tags[key] = value
	return s
}

// Log appends a timestamped message.
func (s *Span) Log(message string) *Span {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Logs = append(s.Logs, LogEntry{TimestampUS: time.Now().UnixMicro(), Message: message})
	return s
}

// Finish closes the span. Sampled spans enter the ring and reach the
// exporter; finishing twice is a no-op.
func (s *Span) Finish() {
	s.mu.Lock()
	if s.done {
		s.mu.Unlock()
		return
	}
	s.done = true
	s.EndUS = time.Now().UnixMicro()
	s.mu.Unlock()

	if !s.Sampled || s.tracer == nil {
		return
	}
	s.tracer.record(s)
}

// DurationUS is the span's length in microseconds.
func (s *Span) DurationUS() int64 {
	return s.EndUS - s.StartUS
}

func (t *Tracer) record(s *Span) {
	t.mu.Lock()
	if len(t.ring) < t.ringSize {
		t.ring = append(t.ring, s)
	} else {
		t.ring[t.ringNext] = s
		t.ringNext = (t.ringNext + 1) % t.ringSize
	}
	exporter := t.exporter
	t.mu.Unlock()

	if exporter != nil {
		exporter(s)
	}
}

// Spans returns the recorded ring, oldest first.
func (t *Tracer) Spans() []*Span {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*Span, 0, len(t.ring))
	if len(t.ring) < t.ringSize {
		return append(out, t.ring...)
	}
	out = append(out, t.ring[t.ringNext:]...)
	return append(out, t.ring[:t.ringNext]...)
}
