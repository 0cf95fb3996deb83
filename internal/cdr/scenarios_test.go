package cdr

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	chanAlice = "SIP/alice-00000001"
	chanBob   = "SIP/bob-00000002"
	chanCarol = "SIP/carol-00000003"
)

// dialSetup walks a call through create, dial begin and dial end with the
// given status, then removes both channels.
func dialSetup(e *Engine, fc interface{ Advance(time.Duration) }, status string) {
	base := e.clock.Now()
	a := snap(chanAlice, withApp("Dial", "SIP/bob"), withState(ChannelStateRing), withCreated(base))
	e.HandleChannelUpdate(nil, a)

	fc.Advance(time.Second)
	b := snap(chanBob, withFlags(SnapshotOutgoing), withCreated(e.clock.Now()))
	e.HandleChannelUpdate(nil, b)
	e.HandleDial(a, b, "")

	fc.Advance(time.Second)
	e.HandleDial(a, b, status)

	e.HandleChannelUpdate(a, nil)
	e.HandleChannelUpdate(b, nil)
}

func TestScenario_SimpleAnsweredCall(t *testing.T) {
	e, w, fc := newTestEngine(t, defaultOpts())
	base := fc.Now()

	a := snap(chanAlice, withApp("Dial", "SIP/bob"), withState(ChannelStateRing), withCreated(base))
	e.HandleChannelUpdate(nil, a)

	fc.Advance(time.Second) // t=1
	b := snap(chanBob, withFlags(SnapshotOutgoing), withState(ChannelStateRing), withCreated(fc.Now()))
	e.HandleChannelUpdate(nil, b)
	e.HandleDial(a, b, "")

	fc.Advance(time.Second) // t=2
	bUp := derive(b, withState(ChannelStateUp))
	e.HandleChannelUpdate(b, bUp)
	aUp := derive(a, withState(ChannelStateUp))
	e.HandleChannelUpdate(a, aUp)
	e.HandleDial(aUp, bUp, DialStatusAnswer)

	fc.Advance(time.Second) // t=3
	bridge := &BridgeSnapshot{UniqueID: "bridge-x", Technology: "simple_bridge"}
	e.HandleBridgeEnter(bridge, aUp)
	e.HandleBridgeEnter(bridge, bUp)

	fc.Advance(7 * time.Second) // t=10
	aDead := derive(aUp, withFlags(SnapshotZombie), withHangupCause(CauseNormalClearing))
	e.HandleChannelUpdate(aUp, aDead)
	e.HandleChannelUpdate(aDead, nil)
	e.HandleChannelUpdate(bUp, nil)

	recs := w.records()
	require.Len(t, recs, 1)
	rec := recs[0]

	assert.Equal(t, chanAlice, rec.Channel)
	assert.Equal(t, chanBob, rec.DestinationChannel)
	assert.Equal(t, DispositionAnswered, rec.Disposition)
	assert.Equal(t, base, rec.Start)
	assert.Equal(t, base.Add(2*time.Second), rec.Answer)
	assert.Equal(t, base.Add(10*time.Second), rec.End)
	assert.Equal(t, int64(10), rec.Duration)
	assert.Equal(t, int64(8), rec.BillSeconds)
	assert.Equal(t, "default", rec.DestinationContext)
	assert.Equal(t, "1000", rec.Destination)
	assert.Equal(t, "Dial", rec.LastApplication)
	assert.Equal(t, "SIP/bob", rec.LastData)
}

func TestScenario_UnansweredSingleLeg(t *testing.T) {
	// The peer has a snapshot of its own here, so the record carries a
	// destination channel. Whether it posts is the dispatcher's post
	// filter's decision; here the record's shape is the contract.
	e, w, fc := newTestEngine(t, defaultOpts())
	dialSetup(e, fc, DialStatusNoAnswer)

	recs := w.records()
	require.Len(t, recs, 1)
	assert.Equal(t, DispositionNoAnswer, recs[0].Disposition)
	assert.Equal(t, chanBob, recs[0].DestinationChannel)
	assert.Equal(t, int64(0), recs[0].BillSeconds)
	assert.True(t, recs[0].Answer.IsZero())
}

func TestScenario_Busy(t *testing.T) {
	e, w, fc := newTestEngine(t, defaultOpts())
	dialSetup(e, fc, DialStatusBusy)

	recs := w.records()
	require.Len(t, recs, 1)
	assert.Equal(t, DispositionBusy, recs[0].Disposition)
}

func TestScenario_CongestionDisabled(t *testing.T) {
	e, w, fc := newTestEngine(t, defaultOpts())
	dialSetup(e, fc, DialStatusCongestion)

	recs := w.records()
	require.Len(t, recs, 1)
	assert.Equal(t, DispositionFailed, recs[0].Disposition)
}

func TestScenario_CongestionEnabled(t *testing.T) {
	opts := defaultOpts()
	opts.Congestion = true
	e, w, fc := newTestEngine(t, opts)
	dialSetup(e, fc, DialStatusCongestion)

	recs := w.records()
	require.Len(t, recs, 1)
	assert.Equal(t, DispositionCongestion, recs[0].Disposition)
}

func TestScenario_ThreeWayBridge(t *testing.T) {
	e, w, fc := newTestEngine(t, defaultOpts())
	base := fc.Now()

	a := snap(chanAlice, withApp("Dial", "SIP/bob"), withState(ChannelStateRing), withCreated(base))
	e.HandleChannelUpdate(nil, a)

	fc.Advance(time.Second) // t=1
	b := snap(chanBob, withFlags(SnapshotOutgoing), withCreated(fc.Now()))
	e.HandleChannelUpdate(nil, b)
	e.HandleDial(a, b, "")

	fc.Advance(time.Second) // t=2
	bUp := derive(b, withState(ChannelStateUp))
	e.HandleChannelUpdate(b, bUp)
	aUp := derive(a, withState(ChannelStateUp))
	e.HandleChannelUpdate(a, aUp)
	e.HandleDial(aUp, bUp, DialStatusAnswer)

	fc.Advance(time.Second) // t=3
	bridge := &BridgeSnapshot{UniqueID: "bridge-x", Technology: "simple_bridge"}
	e.HandleBridgeEnter(bridge, aUp)
	e.HandleBridgeEnter(bridge, bUp)

	fc.Advance(time.Second) // t=4
	c := snap(chanCarol, withState(ChannelStateUp), withCreated(fc.Now()))
	e.HandleChannelUpdate(nil, c)

	fc.Advance(time.Second) // t=5
	e.HandleBridgeEnter(bridge, c)

	fc.Advance(time.Second) // t=6
	e.HandleChannelUpdate(c, nil)
	fc.Advance(time.Second) // t=7
	e.HandleChannelUpdate(aUp, nil)
	e.HandleChannelUpdate(bUp, nil)

	recs := w.records()
	require.Len(t, recs, 3)

	pairs := map[[2]string]*Record{}
	for _, rec := range recs {
		key := [2]string{rec.Channel, rec.DestinationChannel}
		if key[0] > key[1] {
			key[0], key[1] = key[1], key[0]
		}
		pairs[key] = rec
		assert.Equal(t, DispositionAnswered, rec.Disposition, "pair %v", key)
		assert.False(t, rec.Start.IsZero())
		assert.False(t, rec.End.IsZero())
	}

	require.Contains(t, pairs, [2]string{chanAlice, chanBob})
	require.Contains(t, pairs, [2]string{chanAlice, chanCarol})
	require.Contains(t, pairs, [2]string{chanBob, chanCarol})

	// Time windows overlap: every record starts before the earliest end.
	earliestEnd := recs[0].End
	latestStart := recs[0].Start
	for _, rec := range recs {
		if rec.End.Before(earliestEnd) {
			earliestEnd = rec.End
		}
		if rec.Start.After(latestStart) {
			latestStart = rec.Start
		}
	}
	assert.False(t, latestStart.After(earliestEnd))
}

func TestSequenceStrictlyIncreasing(t *testing.T) {
	e, w, fc := newTestEngine(t, defaultOpts())

	for i, name := range []string{chanAlice, chanBob, chanCarol} {
		s := snap(name, withApp("Wait", "1"), withCreated(fc.Now().Add(time.Duration(i)*time.Millisecond)))
		e.HandleChannelUpdate(nil, s)
		fc.Advance(time.Second)
		e.HandleChannelUpdate(s, nil)
	}

	recs := w.records()
	require.Len(t, recs, 3)
	for i := 1; i < len(recs); i++ {
		assert.Greater(t, recs[i].Sequence, recs[i-1].Sequence)
	}
}

func TestFinalizeIsIdempotent(t *testing.T) {
	e, _, fc := newTestEngine(t, defaultOpts())

	a := snap(chanAlice, withState(ChannelStateUp))
	e.HandleChannelUpdate(nil, a)

	c := e.lookupChain(chanAlice)
	require.NotNil(t, c)
	r := c.recs[0]

	fc.Advance(3 * time.Second)
	e.finalize(r)
	end := r.end
	disposition := r.disposition

	fc.Advance(10 * time.Second)
	e.finalize(r)
	assert.Equal(t, end, r.end)
	assert.Equal(t, disposition, r.disposition)
}

func TestBillSecRounding(t *testing.T) {
	opts := defaultOpts()
	opts.InitiatedSeconds = true
	e, _, fc := newTestEngine(t, opts)

	a := snap(chanAlice, withState(ChannelStateUp))
	e.HandleChannelUpdate(nil, a)
	c := e.lookupChain(chanAlice)
	r := c.recs[0]

	fc.Advance(2*time.Second + 600*time.Millisecond)
	e.finalize(r)
	assert.Equal(t, int64(3), e.recordBillSec(r))

	// Without the option the remainder is floored.
	e2, _, fc2 := newTestEngine(t, defaultOpts())
	e2.HandleChannelUpdate(nil, snap(chanBob, withState(ChannelStateUp)))
	r2 := e2.lookupChain(chanBob).recs[0]
	fc2.Advance(2*time.Second + 600*time.Millisecond)
	e2.finalize(r2)
	assert.Equal(t, int64(2), e2.recordBillSec(r2))
}

func TestEndBeforeHExten(t *testing.T) {
	opts := defaultOpts()
	opts.EndBeforeHExten = true
	e, _, fc := newTestEngine(t, opts)

	a := snap(chanAlice, withState(ChannelStateUp))
	e.HandleChannelUpdate(nil, a)
	c := e.lookupChain(chanAlice)
	r := c.recs[0]

	fc.Advance(5 * time.Second)
	aDead := derive(a, withFlags(SnapshotZombie), withHangupCause(CauseNormalClearing))
	e.HandleChannelUpdate(a, aDead)

	// The zombie update pushed the record into the finalized state, and
	// with endbeforehexten the end time settles immediately.
	assert.Equal(t, finalizedState, r.state)
	assert.Equal(t, e.clock.Now(), r.end)
}

func TestHangupCauseDispositions(t *testing.T) {
	cases := []struct {
		name  string
		cause int
		want  Disposition
	}{
		{"busy", CauseUserBusy, DispositionBusy},
		{"congestion maps to failed", CauseCongestion, DispositionFailed},
		{"no route", CauseNoRouteDestination, DispositionFailed},
		{"unregistered", CauseSubscriberAbsent, DispositionFailed},
		{"normal clearing", CauseNormalClearing, DispositionNoAnswer},
		{"no answer", CauseNoAnswer, DispositionNoAnswer},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			e, w, fc := newTestEngine(t, defaultOpts())
			a := snap(chanAlice, withHangupCause(tc.cause))
			e.HandleChannelUpdate(nil, a)
			fc.Advance(time.Second)
			e.HandleChannelUpdate(a, nil)

			recs := w.records()
			require.Len(t, recs, 1)
			assert.Equal(t, tc.want, recs[0].Disposition)
		})
	}
}

func TestDialStatusMapping(t *testing.T) {
	e, _, _ := newTestEngine(t, defaultOpts())
	assert.Equal(t, DispositionAnswered, e.dialStatusDisposition(DialStatusAnswer))
	assert.Equal(t, DispositionBusy, e.dialStatusDisposition(DialStatusBusy))
	assert.Equal(t, DispositionNoAnswer, e.dialStatusDisposition(DialStatusCancel))
	assert.Equal(t, DispositionNoAnswer, e.dialStatusDisposition(DialStatusNoAnswer))
	assert.Equal(t, DispositionFailed, e.dialStatusDisposition(DialStatusCongestion))
	assert.Equal(t, DispositionFailed, e.dialStatusDisposition(DialStatusFailed))
	assert.Equal(t, DispositionFailed, e.dialStatusDisposition("GIBBERISH"))

	opts := defaultOpts()
	opts.Congestion = true
	e2, _, _ := newTestEngine(t, opts)
	assert.Equal(t, DispositionCongestion, e2.dialStatusDisposition(DialStatusCongestion))
}
