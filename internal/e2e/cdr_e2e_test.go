package e2e

import (
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/calltrace/cadence/internal/backend"
	"github.com/calltrace/cadence/internal/backend/memsink"
	"github.com/calltrace/cadence/internal/batch"
	"github.com/calltrace/cadence/internal/cdr"
	"github.com/calltrace/cadence/internal/cdr/events"
	"github.com/calltrace/cadence/internal/clock"
	"github.com/calltrace/cadence/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// harness is the full pipeline: bus -> engine -> dispatcher -> registry
// -> capture sink, on a fake clock.
type harness struct {
	bus        *events.Bus
	engine     *cdr.Engine
	dispatcher *batch.Dispatcher
	sink       *memsink.Sink
	fc         *clock.FakeClock
}

func newHarness(t *testing.T, opts config.Options) *harness {
	t.Helper()

	log := zap.NewNop()
	holder := config.NewStaticOptions(opts)
	fc := clock.NewFakeClock(time.Unix(1700000000, 0))

	registry := backend.NewRegistry(log)
	sink := memsink.New()
	require.NoError(t, registry.Register("cdr-test", "capture backend", sink))

	dispatcher := batch.New(batch.Params{
		Log:      log,
		Clock:    fc,
		Opts:     holder,
		Registry: registry,
	})

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	engine := cdr.New(cdr.Params{
		Log:    log,
		Clock:  fc,
		Opts:   holder,
		IDs:    node,
		Writer: dispatcher,
	})

	return &harness{
		bus:        events.NewBus(log),
		engine:     engine,
		dispatcher: dispatcher,
		sink:       sink,
		fc:         fc,
	}
}

// run drains everything published so far into the engine.
func (h *harness) run() {
	h.bus.Drain(h.engine)
}

const (
	chanAlice = "SIP/alice-00000001"
	chanBob   = "SIP/bob-00000002"
)

func channelSnapshot(name string, created time.Time) *cdr.ChannelSnapshot {
	return &cdr.ChannelSnapshot{
		Name:         name,
		UniqueID:     name + "-uid",
		LinkedID:     name + "-uid",
		Context:      "default",
		Exten:        "1000",
		Priority:     1,
		CreationTime: created,
	}
}

// publishUnansweredCall walks a dial that ends with the given status
// through the bus. When withPeer is false the peer channel never gets a
// snapshot of its own, so the resulting record has no destination
// channel - the single-leg shape the unanswered option is about.
func (h *harness) publishUnansweredCall(status string, withPeer bool) {
	base := h.fc.Now()

	a := channelSnapshot(chanAlice, base)
	a.Application = "Dial"
	a.Data = "SIP/bob"
	h.bus.Publish(events.ChannelUpdate{New: a})

	b := channelSnapshot(chanBob, base.Add(time.Second))
	b.Flags = cdr.SnapshotOutgoing
	if withPeer {
		h.bus.Publish(events.ChannelUpdate{New: b})
	}
	h.bus.Publish(events.Dial{Caller: a, Peer: b})
	h.run()

	h.fc.Advance(2 * time.Second)
	h.bus.Publish(events.Dial{Caller: a, Peer: b, Status: status})
	h.bus.Publish(events.ChannelUpdate{Old: a})
	h.bus.Publish(events.ChannelUpdate{Old: b})
	h.run()
}

func TestE2E_UnansweredSingleLegIsFilteredByDefault(t *testing.T) {
	h := newHarness(t, config.DefaultOptions())

	h.publishUnansweredCall("NOANSWER", false)

	assert.Equal(t, 0, h.sink.Len())
}

func TestE2E_UnansweredSingleLegPostsWhenEnabled(t *testing.T) {
	opts := config.DefaultOptions()
	opts.Unanswered = true
	h := newHarness(t, opts)

	h.publishUnansweredCall("NOANSWER", false)

	recs := h.sink.Records()
	require.Len(t, recs, 1)
	assert.Equal(t, cdr.DispositionNoAnswer, recs[0].Disposition)
	assert.Equal(t, chanAlice, recs[0].Channel)
	assert.Equal(t, int64(0), recs[0].BillSeconds)
}

func TestE2E_UnansweredTwoPartyCallAlwaysPosts(t *testing.T) {
	// Once both legs are known, a failed dial is a real billing event
	// and posts regardless of the unanswered option.
	h := newHarness(t, config.DefaultOptions())

	h.publishUnansweredCall("NOANSWER", true)

	recs := h.sink.Records()
	require.Len(t, recs, 1)
	assert.Equal(t, cdr.DispositionNoAnswer, recs[0].Disposition)
	assert.Equal(t, chanBob, recs[0].DestinationChannel)
}

func TestE2E_AnsweredCallPostsThroughBatch(t *testing.T) {
	opts := config.DefaultOptions()
	opts.Batch = true
	opts.Size = 1
	h := newHarness(t, opts)

	base := h.fc.Now()
	a := channelSnapshot(chanAlice, base)
	a.Application = "Dial"
	a.Data = "SIP/bob"
	a.State = cdr.ChannelStateUp
	h.bus.Publish(events.ChannelUpdate{New: a})
	h.run()

	h.fc.Advance(10 * time.Second)
	h.bus.Publish(events.ChannelUpdate{Old: a})
	h.run()

	// Batch mode: nothing reaches the sink until a drain. The worker is
	// not running in this harness, so drain through the safe-shutdown
	// path; the queued record must survive intact.
	assert.Equal(t, 0, h.sink.Len())
	h.dispatcher.Shutdown()

	recs := h.sink.Records()
	require.Len(t, recs, 1)
	assert.Equal(t, cdr.DispositionAnswered, recs[0].Disposition)
	assert.Equal(t, int64(10), recs[0].Duration)
	assert.Equal(t, int64(10), recs[0].BillSeconds)
}

func TestE2E_EnableDisableSwitch(t *testing.T) {
	h := newHarness(t, config.DefaultOptions())

	h.engine.SetEnabled(false)
	assert.False(t, h.engine.Enabled())

	base := h.fc.Now()
	a := channelSnapshot(chanAlice, base)
	a.State = cdr.ChannelStateUp
	h.bus.Publish(events.ChannelUpdate{New: a})
	h.fc.Advance(time.Second)
	h.bus.Publish(events.ChannelUpdate{Old: a})
	h.run()

	// Records for the disabled engine are dropped at detach.
	assert.Equal(t, 0, h.sink.Len())

	h.engine.SetEnabled(true)
	assert.True(t, h.engine.Enabled())

	b := channelSnapshot(chanBob, h.fc.Now())
	b.State = cdr.ChannelStateUp
	h.bus.Publish(events.ChannelUpdate{New: b})
	h.fc.Advance(time.Second)
	h.bus.Publish(events.ChannelUpdate{Old: b})
	h.run()

	assert.Equal(t, 1, h.sink.Len())
}

func TestE2E_DispatchAllOnShutdown(t *testing.T) {
	h := newHarness(t, config.DefaultOptions())

	a := channelSnapshot(chanAlice, h.fc.Now())
	a.State = cdr.ChannelStateUp
	h.bus.Publish(events.ChannelUpdate{New: a})
	h.run()

	h.fc.Advance(5 * time.Second)
	// The channel never goes away; shutdown pushes its chain out anyway.
	h.engine.DispatchAll()

	recs := h.sink.Records()
	require.Len(t, recs, 1)
	assert.Equal(t, cdr.DispositionAnswered, recs[0].Disposition)
	assert.Equal(t, 0, h.engine.ActiveChannels())
}
