// Package batch buffers finalized records and delivers them to the
// registered backends, either synchronously or on a size-or-time
// schedule.
package batch

import (
	"context"
	"sync"
	"time"

	"github.com/calltrace/cadence/internal/backend"
	"github.com/calltrace/cadence/internal/cdr"
	"github.com/calltrace/cadence/internal/clock"
	"github.com/calltrace/cadence/internal/config"
	obsmetrics "github.com/calltrace/cadence/internal/observability/metrics"
	"github.com/google/uuid"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params declares the dispatcher's dependencies.
type Params struct {
	fx.In

	Log      *zap.Logger
	Clock    clock.Clock
	Opts     *config.OptionsHolder
	Registry *backend.Registry
}

// Dispatcher implements cdr.RecordWriter. With batching off every record
// goes straight to the backends on the caller's goroutine; with batching
// on, records queue until the size threshold, the periodic timer, or an
// explicit submit drains them.
type Dispatcher struct {
	log      *zap.Logger
	clock    clock.Clock
	opts     *config.OptionsHolder
	registry *backend.Registry
	metrics  *obsmetrics.CDRMetrics

	mu        sync.Mutex
	queue     []*cdr.Record
	nextFlush time.Time

	kick chan string

	stopping bool
	stopMu   sync.Mutex
	workers  sync.WaitGroup
}

// New constructs the dispatcher.
func New(p Params) *Dispatcher {
	return &Dispatcher{
		log:      p.Log.Named("cdr.batch").With(zap.String("component", "batch")),
		clock:    p.Clock,
		opts:     p.Opts,
		registry: p.Registry,
		metrics:  obsmetrics.CDR(),
		kick:     make(chan string, 1),
	}
}

// Detach takes ownership of finalized records. Dropped outright when the
// engine is disabled; posted inline when batching is off.
func (d *Dispatcher) Detach(recs []*cdr.Record) {
	if len(recs) == 0 {
		return
	}
	opts := d.opts.Get()

	if !opts.Enabled {
		d.log.Debug("dropping records, engine disabled", zap.Int("records", len(recs)))
		for range recs {
			d.metrics.IncRecordsDropped()
		}
		return
	}

	if !opts.Batch {
		for _, rec := range recs {
			d.post(rec, opts)
		}
		return
	}

	d.mu.Lock()
	d.queue = append(d.queue, recs...)
	size := len(d.queue)
	d.mu.Unlock()

	if uint(size) >= opts.Size {
		d.wake(obsmetrics.FlushTriggerSize)
	}
}

// Submit forces a drain of everything queued, ahead of schedule.
func (d *Dispatcher) Submit() {
	d.wake(obsmetrics.FlushTriggerSubmit)
}

// wake signals the worker without blocking; a pending wake already
// covers us.
func (d *Dispatcher) wake(trigger string) {
	select {
	case d.kick <- trigger:
	default:
	}
}

// Run is the drain worker. It sleeps until the next scheduled flush and
// wakes early on a kick.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		period := time.Duration(d.opts.Get().Time) * time.Second
		d.mu.Lock()
		d.nextFlush = d.clock.Now().Add(period)
		d.mu.Unlock()

		timer := time.NewTimer(period)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case trigger := <-d.kick:
			timer.Stop()
			d.drain(trigger, false)
		case <-timer.C:
			d.drain(obsmetrics.FlushTriggerTime, false)
		}
	}
}

// drain swaps the queue out and processes it: inline when forced, when
// scheduleronly is set, or during shutdown; otherwise on a spawned
// worker.
func (d *Dispatcher) drain(trigger string, inline bool) {
	d.mu.Lock()
	pending := d.queue
	d.queue = nil
	d.mu.Unlock()

	if len(pending) == 0 {
		return
	}

	d.stopMu.Lock()
	stopping := d.stopping
	d.stopMu.Unlock()

	opts := d.opts.Get()
	if inline || stopping || opts.SchedulerOnly {
		d.process(pending, trigger, opts)
		return
	}

	d.workers.Add(1)
	go func() {
		defer d.workers.Done()
		d.process(pending, trigger, opts)
	}()
}

func (d *Dispatcher) process(pending []*cdr.Record, trigger string, opts config.Options) {
	batchID := uuid.NewString()
	d.metrics.IncBatchFlush(trigger, len(pending))
	d.log.Debug("processing batch",
		zap.String("batch", batchID),
		zap.String("trigger", trigger),
		zap.Int("records", len(pending)),
	)
	for _, rec := range pending {
		d.post(rec, opts)
	}
}

// postFilter decides whether a record reaches the backends at all:
// disabled records never do, and without the unanswered option a record
// that went nowhere and involved a single party is noise.
func postFilter(rec *cdr.Record, opts config.Options) bool {
	if rec.Flags.Has(cdr.FlagDisable) {
		return false
	}
	if !opts.Unanswered &&
		rec.Disposition < cdr.DispositionAnswered &&
		(rec.Channel == "" || rec.DestinationChannel == "") {
		return false
	}
	return true
}

// post delivers one record to every backend. A failing backend is
// isolated: it is logged and counted, and the rest still get the record.
func (d *Dispatcher) post(rec *cdr.Record, opts config.Options) {
	if !postFilter(rec, opts) {
		d.metrics.IncRecordsFiltered()
		return
	}

	for _, be := range d.registry.Backends() {
		started := time.Now()
		if err := be.Sink.Write(rec); err != nil {
			d.metrics.IncBackendError(be.Name)
			d.log.Warn("backend write failed",
				zap.String("backend", be.Name),
				zap.String("channel", rec.Channel),
				zap.Uint64("sequence", rec.Sequence),
				zap.Error(err),
			)
		}
		d.metrics.ObserveBackendWrite(time.Since(started))
	}
	d.metrics.IncRecordsPosted()
}

// Shutdown drains synchronously when safe shutdown is configured and
// waits for in-flight backend work.
func (d *Dispatcher) Shutdown() {
	d.stopMu.Lock()
	d.stopping = true
	d.stopMu.Unlock()

	if d.opts.Get().SafeShutdown {
		d.drain(obsmetrics.FlushTriggerShutdown, true)
	}
	d.workers.Wait()
}

// Stats is a point-in-time view for the status console.
type Stats struct {
	Queued    int
	NextFlush time.Time
}

// Stats reports the queue depth and next scheduled flush.
func (d *Dispatcher) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return Stats{
		Queued:    len(d.queue),
		NextFlush: d.nextFlush,
	}
}

var Module = fx.Module("cdr.batch",
	fx.Provide(New),
	fx.Provide(func(d *Dispatcher) cdr.RecordWriter { return d }),
	fx.Invoke(runDispatcher),
)

func runDispatcher(lc fx.Lifecycle, d *Dispatcher) {
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			ctx, cancel := context.WithCancel(context.Background())

			go func() {
				_ = d.Run(ctx)
			}()

			lc.Append(fx.Hook{
				OnStop: func(context.Context) error {
					cancel()
					d.Shutdown()
					return nil
				},
			})

			return nil
		},
	})
}
