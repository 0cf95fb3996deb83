package cdr

import (
	"strings"

	"go.uber.org/zap"
)

// stateTable is the dispatch table for one record state. A nil handler
// means the state ignores that event; handlers that return false tell the
// router the event went unhandled, which is its cue to fork a new chain
// element or settle the chain.
type stateTable struct {
	name string

	init               func(e *Engine, r *record)
	processPartyA      func(e *Engine, r *record, snapshot *ChannelSnapshot) bool
	processPartyB      func(e *Engine, r *record, snapshot *ChannelSnapshot)
	processDialBegin   func(e *Engine, r *record, caller, peer *ChannelSnapshot) bool
	processDialEnd     func(e *Engine, r *record, caller, peer *ChannelSnapshot, dialStatus string) bool
	processBridgeEnter func(e *Engine, r *record, bridge *BridgeSnapshot, channel *ChannelSnapshot) bool
	processBridgeLeave func(e *Engine, r *record, bridge *BridgeSnapshot, channel *ChannelSnapshot) bool
}

var (
	singleState         *stateTable
	dialState           *stateTable
	dialedPendingState  *stateTable
	bridgedState        *stateTable
	bridgedPendingState *stateTable
	finalizedState      *stateTable
)

// The state tables reference each other's handler functions, and those
// handlers in turn reference the state table variables (e.g. via
// e.transition). Building the tables in init() rather than in their var
// initializers avoids the package-level initialization-cycle the compiler
// would otherwise report, since none of this runs until all of the
// variables above already exist.
func init() {
	singleState = &stateTable{
		name:               "Single",
		init:               singleStateInit,
		processPartyA:      baseProcessPartyA,
		processDialBegin:   singleStateProcessDialBegin,
		processBridgeEnter: singleStateProcessBridgeEnter,
	}

	dialState = &stateTable{
		name:               "Dial",
		processPartyA:      baseProcessPartyA,
		processPartyB:      dialStateProcessPartyB,
		processDialBegin:   dialStateProcessDialBegin,
		processDialEnd:     dialStateProcessDialEnd,
		processBridgeEnter: dialStateProcessBridgeEnter,
	}

	dialedPendingState = &stateTable{
		name:               "DialedPending",
		processPartyA:      dialedPendingStateProcessPartyA,
		processDialBegin:   dialedPendingStateProcessDialBegin,
		processBridgeEnter: dialedPendingStateProcessBridgeEnter,
	}

	bridgedState = &stateTable{
		name:               "Bridged",
		processPartyA:      baseProcessPartyA,
		processPartyB:      bridgedStateProcessPartyB,
		processBridgeLeave: bridgedStateProcessBridgeLeave,
	}

	bridgedPendingState = &stateTable{
		name:               "BridgedPending",
		init:               bridgedPendingStateInit,
		processPartyA:      bridgedPendingStateProcessPartyA,
		processDialBegin:   bridgedPendingStateProcessDialBegin,
		processBridgeEnter: bridgedPendingStateProcessBridgeEnter,
	}

	finalizedState = &stateTable{
		name:          "Finalized",
		init:          finalizedStateInit,
		processPartyA: finalizedStateProcessPartyA,
	}
}

/* base behaviors */

// baseProcessPartyA swaps in the new Party A snapshot, refreshes the
// cached application and linked id, and runs the answer and hangup
// checks.
func baseProcessPartyA(e *Engine, r *record, snapshot *ChannelSnapshot) bool {
	if !matchesName(snapshot.Name, r.partyA.snapshot.Name) {
		e.log.Error("party A snapshot name mismatch",
			zap.String("record", r.id.String()),
			zap.String("have", r.partyA.snapshot.Name),
			zap.String("got", snapshot.Name),
		)
		return false
	}
	r.partyA.swapSnapshot(snapshot)

	// When an originated Party A's application exits, the stack restores
	// a dummy AppDial application. Don't let that clobber the real one.
	if snapshot.Application != "" &&
		(!strings.HasPrefix(strings.ToLower(snapshot.Application), "appdial") || r.appl == "") {
		r.appl = snapshot.Application
		r.data = snapshot.Data
	}

	r.linkedID = snapshot.LinkedID
	e.checkPartyAAnswer(r)
	e.checkPartyAHangup(r)

	return true
}

/* Single */

func singleStateInit(e *Engine, r *record) {
	r.start = e.clock.Now()
	e.checkPartyAAnswer(r)
}

// singleStateProcessDialBegin adopts the caller and peer of the dial. If
// our Party A is the peer we are the destination of an origination, and
// the dialed side owns no pairing.
func singleStateProcessDialBegin(e *Engine, r *record, caller, peer *ChannelSnapshot) bool {
	if caller != nil && matchesName(r.partyA.snapshot.Name, caller.Name) {
		r.partyA.swapSnapshot(caller)
		if peer != nil {
			r.partyB.swapSnapshot(peer)
		}
	} else if peer != nil && matchesName(r.partyA.snapshot.Name, peer.Name) {
		r.partyA.swapSnapshot(peer)
	}

	e.transition(r, dialState)
	return true
}

// tryAdoptPartyB attempts to take one of the candidate record's parties
// as our Party B. Returns true when a Party B was adopted.
func tryAdoptPartyB(e *Engine, r *record, cand *record) bool {
	// The candidate's Party A first.
	if pickPartyA(&r.partyA, &cand.partyA) == &r.partyA {
		r.partyB.copyFrom(&cand.partyA)
		if cand.partyB.snapshot == nil {
			// We just stole them. Settle their times without a state
			// transition; pairing can re-activate them later.
			e.finalize(cand)
		}
		return true
	}

	if cand.partyB.snapshot == nil {
		return false
	}
	if pickPartyA(&r.partyA, &cand.partyB) == &r.partyA {
		r.partyB.copyFrom(&cand.partyB)
		return true
	}
	return false
}

func singleStateProcessBridgeEnter(e *Engine, r *record, bridge *BridgeSnapshot, channel *ChannelSnapshot) bool {
	r.bridgeID = bridge.UniqueID

	got := false
	e.eachBridgeRecord(bridge.UniqueID, r.owner, func(cand *record) bool {
		if tryAdoptPartyB(e, r, cand) {
			got = true
			return false
		}
		return true
	})

	// The state changes whether or not a peer was found.
	e.transition(r, bridgedState)
	return got
}

/* Dial */

func dialStateProcessPartyB(e *Engine, r *record, snapshot *ChannelSnapshot) {
	if r.partyB.snapshot == nil || !matchesName(r.partyB.snapshot.Name, snapshot.Name) {
		return
	}
	r.partyB.swapSnapshot(snapshot)

	if r.partyB.snapshot.Flags.Has(SnapshotZombie) {
		e.transition(r, finalizedState)
	}
}

// dialStateProcessDialBegin refuses: a Party A already dialing that
// receives another dial begin gets a fresh chain element from the router.
func dialStateProcessDialBegin(e *Engine, r *record, caller, peer *ChannelSnapshot) bool {
	return false
}

func (e *Engine) dialStatusDisposition(dialStatus string) Disposition {
	switch dialStatus {
	case DialStatusAnswer:
		return DispositionAnswered
	case DialStatusBusy:
		return DispositionBusy
	case DialStatusCancel, DialStatusNoAnswer:
		return DispositionNoAnswer
	case DialStatusCongestion:
		if e.opts.Get().Congestion {
			return DispositionCongestion
		}
		return DispositionFailed
	default:
		return DispositionFailed
	}
}

func dialStateProcessDialEnd(e *Engine, r *record, caller, peer *ChannelSnapshot, dialStatus string) bool {
	partyA := caller
	if partyA == nil {
		partyA = peer
	}
	if partyA == nil || !matchesName(r.partyA.snapshot.Name, partyA.Name) {
		return false
	}
	r.partyA.swapSnapshot(partyA)

	if r.partyB.snapshot != nil {
		if peer == nil || !matchesName(r.partyB.snapshot.Name, peer.Name) {
			// Not the status for this record; the router tries the rest
			// of the chain.
			return false
		}
		r.partyB.swapSnapshot(peer)
	}

	r.disposition = e.dialStatusDisposition(dialStatus)
	if r.disposition == DispositionAnswered {
		// Wait and see what the caller does next.
		e.transition(r, dialedPendingState)
	} else {
		e.transition(r, finalizedState)
	}
	return true
}

// dialStateProcessBridgeEnter only adopts the occupant we were already
// dialing.
func dialStateProcessBridgeEnter(e *Engine, r *record, bridge *BridgeSnapshot, channel *ChannelSnapshot) bool {
	r.bridgeID = bridge.UniqueID

	got := false
	if r.partyB.snapshot != nil {
		want := r.partyB.snapshot.Name
		e.eachBridgeRecord(bridge.UniqueID, r.owner, func(cand *record) bool {
			if !matchesName(cand.partyA.snapshot.Name, want) {
				return true
			}
			r.partyB.copyFrom(&cand.partyA)
			// A candidate with its own Party B paired up with someone
			// else and stays active; otherwise we have stolen them.
			if cand.partyB.snapshot == nil {
				e.finalize(cand)
			}
			got = true
			return false
		})
	}

	e.transition(r, bridgedState)
	return got
}

/* DialedPending */

func cepChanged(a, b *ChannelSnapshot, includeApplication bool) bool {
	if a.Context != b.Context || a.Exten != b.Exten || a.Priority != b.Priority {
		return true
	}
	return includeApplication && a.Application != b.Application
}

func dialedPendingStateProcessPartyA(e *Engine, r *record, snapshot *ChannelSnapshot) bool {
	// A CEP change means the caller went back to executing dialplan.
	if cepChanged(snapshot, r.partyA.snapshot, true) {
		if r.partyB.snapshot != nil {
			e.transition(r, finalizedState)
			r.state.processPartyA(e, r, snapshot)
			// Unhandled: the router forks a fresh chain element.
			return false
		}
		e.transition(r, singleState)
		r.state.processPartyA(e, r, snapshot)
		return true
	}
	return baseProcessPartyA(e, r, snapshot)
}

func dialedPendingStateProcessDialBegin(e *Engine, r *record, caller, peer *ChannelSnapshot) bool {
	e.transition(r, finalizedState)
	nr := e.appendRecord(r.owner)
	return nr.state.processDialBegin(e, nr, caller, peer)
}

func dialedPendingStateProcessBridgeEnter(e *Engine, r *record, bridge *BridgeSnapshot, channel *ChannelSnapshot) bool {
	e.transition(r, dialState)
	return r.state.processBridgeEnter(e, r, bridge, channel)
}

/* Bridged */

func bridgedStateProcessPartyB(e *Engine, r *record, snapshot *ChannelSnapshot) {
	if r.partyB.snapshot == nil || !matchesName(r.partyB.snapshot.Name, snapshot.Name) {
		return
	}
	r.partyB.swapSnapshot(snapshot)

	if r.partyB.snapshot.Flags.Has(SnapshotZombie) {
		e.transition(r, finalizedState)
	}
}

func bridgedStateProcessBridgeLeave(e *Engine, r *record, bridge *BridgeSnapshot, channel *ChannelSnapshot) bool {
	if r.bridgeID != bridge.UniqueID {
		return false
	}
	if !matchesName(r.partyA.snapshot.Name, channel.Name) &&
		(r.partyB.snapshot == nil || !matchesName(r.partyB.snapshot.Name, channel.Name)) {
		return false
	}
	e.transition(r, finalizedState)
	return true
}

/* BridgedPending */

// bridgedPendingStateInit disables the record: if nothing else happens to
// the channel, the parked record is never posted.
func bridgedPendingStateInit(e *Engine, r *record) {
	r.flags |= FlagDisable
}

func bridgedPendingStateProcessPartyA(e *Engine, r *record, snapshot *ChannelSnapshot) bool {
	if snapshot.Flags.Has(SnapshotZombie) {
		return true
	}
	if !cepChanged(snapshot, r.partyA.snapshot, false) {
		return true
	}
	r.flags &^= FlagDisable
	e.transition(r, singleState)
	r.state.processPartyA(e, r, snapshot)
	return true
}

func bridgedPendingStateProcessDialBegin(e *Engine, r *record, caller, peer *ChannelSnapshot) bool {
	r.flags &^= FlagDisable
	e.transition(r, singleState)
	return r.state.processDialBegin(e, r, caller, peer)
}

func bridgedPendingStateProcessBridgeEnter(e *Engine, r *record, bridge *BridgeSnapshot, channel *ChannelSnapshot) bool {
	r.flags &^= FlagDisable
	e.transition(r, singleState)
	return r.state.processBridgeEnter(e, r, bridge, channel)
}

/* Finalized */

func finalizedStateInit(e *Engine, r *record) {
	// With endbeforehexten the times settle now, so the hangup extension
	// observes them; otherwise they settle at dispatch.
	if !e.opts.Get().EndBeforeHExten {
		return
	}
	e.finalize(r)
}

func finalizedStateProcessPartyA(e *Engine, r *record, snapshot *ChannelSnapshot) bool {
	if snapshot.Flags.Has(SnapshotZombie) {
		e.finalize(r)
	}
	// Unhandled, so continued dialplan execution gets a fresh element.
	return false
}
