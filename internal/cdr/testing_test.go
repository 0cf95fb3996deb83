package cdr

import (
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/calltrace/cadence/internal/clock"
	"github.com/calltrace/cadence/internal/config"
	"go.uber.org/zap"
)

// captureWriter collects everything the engine dispatches.
type captureWriter struct {
	mu   sync.Mutex
	recs []*Record
}

func (w *captureWriter) Detach(recs []*Record) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.recs = append(w.recs, recs...)
}

func (w *captureWriter) records() []*Record {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]*Record, len(w.recs))
	copy(out, w.recs)
	return out
}

func newTestEngine(t *testing.T, opts config.Options) (*Engine, *captureWriter, *clock.FakeClock) {
	t.Helper()

	node, err := snowflake.NewNode(1)
	if err != nil {
		t.Fatalf("snowflake node: %v", err)
	}
	fc := clock.NewFakeClock(time.Unix(1700000000, 0))
	writer := &captureWriter{}

	if opts.Size == 0 {
		opts.Size = config.DefaultBatchSize
	}
	if opts.Time == 0 {
		opts.Time = config.DefaultBatchTime
	}

	engine := New(Params{
		Log:    zap.NewNop(),
		Clock:  fc,
		Opts:   config.NewStaticOptions(opts),
		IDs:    node,
		Writer: writer,
	})
	return engine, writer, fc
}

func defaultOpts() config.Options {
	opts := config.DefaultOptions()
	return opts
}

// snapshot builders

type snapOpt func(*ChannelSnapshot)

func withFlags(flags SnapshotFlags) snapOpt {
	return func(s *ChannelSnapshot) { s.Flags |= flags }
}

func withState(state ChannelState) snapOpt {
	return func(s *ChannelSnapshot) { s.State = state }
}

func withCEP(context, exten string, priority int) snapOpt {
	return func(s *ChannelSnapshot) {
		s.Context = context
		s.Exten = exten
		s.Priority = priority
	}
}

func withApp(appl, data string) snapOpt {
	return func(s *ChannelSnapshot) {
		s.Application = appl
		s.Data = data
	}
}

func withHangupCause(cause int) snapOpt {
	return func(s *ChannelSnapshot) { s.HangupCause = cause }
}

func withCreated(t time.Time) snapOpt {
	return func(s *ChannelSnapshot) { s.CreationTime = t }
}

func withCaller(name, number string) snapOpt {
	return func(s *ChannelSnapshot) {
		s.CallerName = name
		s.CallerNumber = number
	}
}

func snap(name string, opts ...snapOpt) *ChannelSnapshot {
	s := &ChannelSnapshot{
		Name:         name,
		UniqueID:     name + "-uid",
		LinkedID:     name + "-uid",
		Context:      "default",
		Exten:        "1000",
		Priority:     1,
		CreationTime: time.Unix(1700000000, 0),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func derive(base *ChannelSnapshot, opts ...snapOpt) *ChannelSnapshot {
	s := *base
	for _, opt := range opts {
		opt(&s)
	}
	return &s
}
