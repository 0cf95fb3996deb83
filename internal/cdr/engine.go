package cdr

import (
	"strings"
	"sync"
	"sync/atomic"

	"github.com/bwmarrin/snowflake"
	"github.com/calltrace/cadence/internal/clock"
	"github.com/calltrace/cadence/internal/config"
	obsmetrics "github.com/calltrace/cadence/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// RecordWriter receives the externalized records of a dispatched chain.
// The batch dispatcher implements it.
type RecordWriter interface {
	Detach(recs []*Record)
}

// Params declares the engine's dependencies.
type Params struct {
	fx.In

	Log    *zap.Logger
	Clock  clock.Clock
	Opts   *config.OptionsHolder
	IDs    *snowflake.Node
	Writer RecordWriter
}

// Engine owns all active CDR chains and the two indices over them. It is
// the single consumer of the merged channel and bridge event stream;
// public API calls may arrive from any goroutine.
//
// Lock order: channel index, bridge index, chain, then whatever the
// writer takes. The event router is the only caller that ever holds two
// chain locks at once (bridge pairing); every other path locks one chain
// at a time, so the nested acquisition cannot deadlock.
type Engine struct {
	log     *zap.Logger
	clock   clock.Clock
	opts    *config.OptionsHolder
	ids     *snowflake.Node
	writer  RecordWriter
	metrics *obsmetrics.CDRMetrics

	sequence atomic.Uint64

	chmu     sync.RWMutex
	channels map[string]*chain

	brmu    sync.RWMutex
	bridges map[string]map[string]*chain
}

// New constructs the engine.
func New(p Params) *Engine {
	return &Engine{
		log:      p.Log.Named("cdr.engine").With(zap.String("component", "cdr")),
		clock:    p.Clock,
		opts:     p.Opts,
		ids:      p.IDs,
		writer:   p.Writer,
		metrics:  obsmetrics.CDR(),
		channels: make(map[string]*chain),
		bridges:  make(map[string]map[string]*chain),
	}
}

// trace emits verbose per-event logging when the debug option is on.
func (e *Engine) trace(msg string, fields ...zap.Field) {
	if e.opts.Get().Debug {
		e.log.Debug(msg, fields...)
	}
}

// Enabled reports the master switch.
func (e *Engine) Enabled() bool {
	return e.opts.Get().Enabled
}

// SetEnabled flips the master switch at runtime.
func (e *Engine) SetEnabled(enabled bool) {
	opts := e.opts.Get()
	opts.Enabled = enabled
	e.opts.Store(opts)
}

// Reload re-reads the engine options from the configuration source.
func (e *Engine) Reload() error {
	return e.opts.Reload()
}

func indexKey(name string) string {
	return strings.ToLower(name)
}

func (e *Engine) lookupChain(name string) *chain {
	e.chmu.RLock()
	defer e.chmu.RUnlock()
	return e.channels[indexKey(name)]
}

func (e *Engine) storeChain(c *chain) {
	e.chmu.Lock()
	e.channels[indexKey(c.name)] = c
	n := len(e.channels)
	e.chmu.Unlock()
	e.metrics.SetActiveChannels(n)
}

func (e *Engine) removeChain(c *chain) {
	e.chmu.Lock()
	delete(e.channels, indexKey(c.name))
	n := len(e.channels)
	e.chmu.Unlock()
	e.metrics.SetActiveChannels(n)
}

// chainsSnapshot returns the current set of chains. Callers lock each
// chain individually.
func (e *Engine) chainsSnapshot() []*chain {
	e.chmu.RLock()
	defer e.chmu.RUnlock()
	out := make([]*chain, 0, len(e.channels))
	for _, c := range e.channels {
		out = append(out, c)
	}
	return out
}

func (e *Engine) addBridgeChain(bridgeID string, c *chain) {
	e.brmu.Lock()
	defer e.brmu.Unlock()
	entry := e.bridges[bridgeID]
	if entry == nil {
		entry = make(map[string]*chain)
		e.bridges[bridgeID] = entry
	}
	entry[indexKey(c.name)] = c
}

func (e *Engine) removeBridgeChain(bridgeID string, c *chain) {
	e.brmu.Lock()
	defer e.brmu.Unlock()
	entry := e.bridges[bridgeID]
	if entry == nil {
		return
	}
	delete(entry, indexKey(c.name))
	if len(entry) == 0 {
		delete(e.bridges, bridgeID)
	}
}

func (e *Engine) bridgeChainsFor(bridgeID string) []*chain {
	e.brmu.RLock()
	defer e.brmu.RUnlock()
	entry := e.bridges[bridgeID]
	out := make([]*chain, 0, len(entry))
	for _, c := range entry {
		out = append(out, c)
	}
	return out
}

// allocRecord builds a newborn record for the given Party A snapshot and
// moves it into the Single state. The caller attaches it to a chain.
func (e *Engine) allocRecord(snap *ChannelSnapshot) *record {
	r := &record{
		id:          e.ids.Generate(),
		sequence:    e.sequence.Add(1) - 1,
		name:        snap.Name,
		linkedID:    snap.LinkedID,
		disposition: DispositionNull,
	}
	r.partyA.snapshot = snap
	e.metrics.IncRecordsCreated()
	e.trace("created record",
		zap.String("record", r.id.String()),
		zap.String("channel", snap.Name),
	)
	e.transition(r, singleState)
	return r
}

// newChain builds a chain seeded with a first record for the snapshot.
func (e *Engine) newChain(snap *ChannelSnapshot) *chain {
	c := &chain{name: snap.Name}
	r := e.allocRecord(snap)
	r.owner = c
	c.append(r)
	return c
}

// appendRecord creates a fresh record at the end of the chain, carrying
// over the Party A details of the previous newest record. Must be called
// with the chain lock held.
func (e *Engine) appendRecord(c *chain) *record {
	last := c.last()
	r := e.allocRecord(last.partyA.snapshot)
	r.linkedID = last.linkedID
	r.appl = last.appl
	r.data = last.data
	r.partyA.copyFrom(&last.partyA)
	r.owner = c
	c.append(r)
	return r
}

// transition moves a record into a new state and runs the state's enter
// function.
func (e *Engine) transition(r *record, to *stateTable) {
	from := "NONE"
	if r.state != nil {
		from = r.state.name
	}
	e.trace("transitioning record",
		zap.String("record", r.id.String()),
		zap.String("channel", r.name),
		zap.String("from", from),
		zap.String("to", to.name),
	)
	r.state = to
	if to.init != nil {
		to.init(e, r)
	}
}

// checkPartyAAnswer marks the record answered if Party A is up. Safe to
// call repeatedly; the first answer time sticks.
func (e *Engine) checkPartyAAnswer(r *record) {
	if r.partyA.snapshot.State == ChannelStateUp && r.answer.IsZero() {
		r.answer = e.clock.Now()
		e.trace("set answer time",
			zap.String("record", r.id.String()),
			zap.Time("answer", r.answer),
		)
	}
}

// checkPartyAHangup finalizes the record when Party A is a zombie.
func (e *Engine) checkPartyAHangup(r *record) {
	if r.partyA.snapshot.Flags.Has(SnapshotZombie) && r.state != finalizedState {
		e.transition(r, finalizedState)
	}
}

// dispatchChain finalizes nothing; it externalizes the chain's records
// and hands them to the writer. Must be called with the chain lock held.
func (e *Engine) dispatchChain(c *chain) {
	head := c.recs[0]
	partyB := "<none>"
	if head.partyB.snapshot != nil {
		partyB = head.partyB.snapshot.Name
	}
	e.trace("dispatching chain",
		zap.String("channel", c.name),
		zap.String("party_b", partyB),
		zap.Int("records", len(c.recs)),
	)
	recs := e.externalizeChain(c)
	if len(recs) == 0 {
		return
	}
	e.writer.Detach(recs)
}

// filterChannelSnapshot drops snapshots for synthetic conference announce
// and record channels.
func filterChannelSnapshot(snapshot *ChannelSnapshot) bool {
	if snapshot == nil {
		return false
	}
	return strings.HasPrefix(snapshot.Name, "CBAnn") || strings.HasPrefix(snapshot.Name, "CBRec")
}

// filterBridgeSnapshot drops events from holding bridges: the engine
// treats those simply as an application the channel sits in.
func filterBridgeSnapshot(bridge *BridgeSnapshot) bool {
	return bridge.Technology == "holding_bridge"
}

// newRecordNeeded decides whether an unhandled snapshot represents a
// dialplan step forward that deserves a fresh record.
func newRecordNeeded(old, new *ChannelSnapshot) bool {
	if new == nil {
		return false
	}
	if new.Flags.Has(SnapshotZombie) {
		return false
	}
	// Auto-fall through bumps the priority but carries no application.
	if new.Application == "" {
		return false
	}
	if old != nil && old.Context == new.Context && old.Exten == new.Exten &&
		old.Priority == new.Priority && old.Application == new.Application {
		return false
	}
	return true
}

// HandleChannelUpdate processes one channel snapshot transition. A nil
// old snapshot announces the channel; a nil new snapshot retires it and
// dispatches the chain.
func (e *Engine) HandleChannelUpdate(old, new *ChannelSnapshot) {
	if filterChannelSnapshot(old) || filterChannelSnapshot(new) {
		return
	}
	if old == nil && new == nil {
		return
	}
	name := ""
	if new != nil {
		name = new.Name
	} else {
		name = old.Name
	}

	var c *chain
	if new != nil && old == nil {
		c = e.newChain(new)
		e.storeChain(c)
	} else {
		c = e.lookupChain(name)
	}

	if c == nil {
		e.log.Warn("no CDR for channel", zap.String("channel", name))
	} else if new != nil {
		c.mu.Lock()
		allUnhandled := true
		for _, r := range c.recs {
			if r.state.processPartyA == nil {
				continue
			}
			e.trace("processing channel snapshot",
				zap.String("record", r.id.String()),
				zap.String("channel", new.Name),
			)
			if r.state.processPartyA(e, r, new) {
				allUnhandled = false
			}
		}
		if allUnhandled && newRecordNeeded(old, new) {
			nr := e.appendRecord(c)
			nr.state.processPartyA(e, nr, new)
		}
		c.mu.Unlock()
	} else {
		c.mu.Lock()
		e.trace("finalizing and dispatching chain", zap.String("channel", old.Name))
		for _, r := range c.recs {
			e.finalize(r)
		}
		e.dispatchChain(c)
		c.mu.Unlock()
		e.removeChain(c)
	}

	// Party B pass: every record anywhere that holds this channel as its
	// Party B sees the update.
	if new != nil {
		for _, oc := range e.chainsSnapshot() {
			oc.mu.Lock()
			for _, r := range oc.recs {
				if r.state.processPartyB == nil {
					continue
				}
				if r.partyB.snapshot != nil && matchesName(r.partyB.snapshot.Name, new.Name) {
					r.state.processPartyB(e, r, new)
				}
			}
			oc.mu.Unlock()
		}
	} else {
		for _, oc := range e.chainsSnapshot() {
			oc.mu.Lock()
			for _, r := range oc.recs {
				if r.partyB.snapshot != nil && matchesName(r.partyB.snapshot.Name, old.Name) {
					// Only the end time settles here; the record's own
					// Party A drives the state transition later.
					e.finalize(r)
				}
			}
			oc.mu.Unlock()
		}
	}
}

// HandleDial processes a dial begin (empty status) or dial end message.
func (e *Engine) HandleDial(caller, peer *ChannelSnapshot, status string) {
	if filterChannelSnapshot(caller) || filterChannelSnapshot(peer) {
		return
	}
	if caller == nil && peer == nil {
		return
	}

	var callerChain, peerChain *chain
	if caller != nil {
		callerChain = e.lookupChain(caller.Name)
	}
	if peer != nil {
		peerChain = e.lookupChain(peer.Name)
	}

	// Figure out who is running this show. With both chains present the
	// owner is whichever side wins pickPartyA; the loser's Party A is the
	// call's Party B. Only the owner chain is locked for the dispatch.
	var owner *chain
	var partyA, partyB *ChannelSnapshot
	switch {
	case callerChain != nil && peerChain != nil && callerChain != peerChain:
		callerParty := headParty(callerChain)
		peerParty := headParty(peerChain)
		winner := pickPartyA(&callerParty, &peerParty)
		if winner == &callerParty {
			owner = callerChain
			partyA = callerParty.snapshot
			partyB = peerParty.snapshot
		} else {
			owner = peerChain
			partyA = peerParty.snapshot
			partyB = callerParty.snapshot
		}
	case callerChain != nil:
		owner = callerChain
		party := headParty(callerChain)
		partyA = party.snapshot
	case peerChain != nil:
		owner = peerChain
		party := headParty(peerChain)
		partyB = party.snapshot
	default:
		return
	}

	owner.mu.Lock()
	defer owner.mu.Unlock()

	if status == "" {
		allUnhandled := true
		for _, r := range owner.recs {
			if r.state.processDialBegin == nil {
				continue
			}
			e.trace("processing dial begin",
				zap.String("record", r.id.String()),
				zap.String("caller", snapshotName(partyA)),
				zap.String("peer", snapshotName(partyB)),
			)
			if r.state.processDialBegin(e, r, partyA, partyB) {
				allUnhandled = false
			}
		}
		if allUnhandled {
			nr := e.appendRecord(owner)
			nr.state.processDialBegin(e, nr, partyA, partyB)
		}
		return
	}

	for _, r := range owner.recs {
		if r.state.processDialEnd == nil {
			continue
		}
		e.trace("processing dial end",
			zap.String("record", r.id.String()),
			zap.String("caller", snapshotName(partyA)),
			zap.String("peer", snapshotName(partyB)),
			zap.String("status", status),
		)
		r.state.processDialEnd(e, r, partyA, partyB, status)
	}
}

// headParty reads the head record's Party A under the chain lock.
func headParty(c *chain) partySnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	head := c.recs[0]
	return partySnapshot{snapshot: head.partyA.snapshot, flags: head.partyA.flags}
}

func snapshotName(snapshot *ChannelSnapshot) string {
	if snapshot == nil {
		return "(none)"
	}
	return snapshot.Name
}

// HandleBridgeEnter processes a channel joining a bridge: the channel's
// own records get a chance to claim the bridge, then pairings are built
// against every other occupant.
func (e *Engine) HandleBridgeEnter(bridge *BridgeSnapshot, channel *ChannelSnapshot) {
	if filterBridgeSnapshot(bridge) || filterChannelSnapshot(channel) {
		return
	}
	c := e.lookupChain(channel.Name)
	if c == nil {
		e.log.Warn("no CDR for channel", zap.String("channel", channel.Name))
		return
	}

	c.mu.Lock()
	var handled *record
	anyHandled := false
	for _, r := range c.recs {
		if r.state.processPartyA != nil {
			r.state.processPartyA(e, r, channel)
		}
		if r.state.processBridgeEnter == nil {
			continue
		}
		e.trace("processing bridge enter",
			zap.String("record", r.id.String()),
			zap.String("channel", channel.Name),
			zap.String("bridge", bridge.UniqueID),
		)
		if r.state.processBridgeEnter(e, r, bridge, channel) {
			anyHandled = true
			if handled == nil {
				handled = r
			}
		}
	}

	if !anyHandled {
		// The channel is Party A for no one in this bridge. Settle the
		// chain's times; a later occupant can still claim one of these
		// records as its Party B and re-activate it.
		for _, r := range c.recs {
			e.finalize(r)
		}
	}

	// Pair with the rest of the bridge. Seed from the record that claimed
	// the enter, or the newest record if none did.
	seed := handled
	if seed == nil {
		seed = c.last()
	}
	e.handleBridgePairings(seed, bridge.UniqueID)

	e.addBridgeChain(bridge.UniqueID, c)
	c.mu.Unlock()
}

// HandleBridgeLeave processes a channel leaving a bridge.
func (e *Engine) HandleBridgeLeave(bridge *BridgeSnapshot, channel *ChannelSnapshot) {
	if filterBridgeSnapshot(bridge) || filterChannelSnapshot(channel) {
		return
	}
	c := e.lookupChain(channel.Name)
	if c == nil {
		e.log.Warn("no CDR for channel", zap.String("channel", channel.Name))
		return
	}

	c.mu.Lock()
	left := false
	for _, r := range c.recs {
		if r.state.processBridgeLeave == nil {
			continue
		}
		e.trace("processing bridge leave",
			zap.String("record", r.id.String()),
			zap.String("channel", channel.Name),
			zap.String("bridge", bridge.UniqueID),
		)
		if r.state.processBridgeLeave(e, r, bridge, channel) {
			r.bridgeID = ""
			left = true
		}
	}
	if left {
		e.removeBridgeChain(bridge.UniqueID, c)
		// Park the chain in a pending record. If the channel does
		// something else the pending record picks it up; otherwise it is
		// never posted.
		pending := e.appendRecord(c)
		e.transition(pending, bridgedPendingState)
	}
	c.mu.Unlock()

	// Party B pass: records in this bridge that hold the leaving channel
	// as Party B settle now. Their own Party A transitions them later.
	for _, oc := range e.bridgeChainsFor(bridge.UniqueID) {
		if oc == c {
			continue
		}
		oc.mu.Lock()
		for _, r := range oc.recs {
			if r.state != bridgedState {
				continue
			}
			if r.partyB.snapshot == nil || !matchesName(r.partyB.snapshot.Name, channel.Name) {
				continue
			}
			if r.bridgeID != bridge.UniqueID {
				continue
			}
			e.finalize(r)
		}
		oc.mu.Unlock()
	}
}

// DispatchAll finalizes and dispatches every active chain. Only used
// during engine shutdown, so that every record that can be billed is.
func (e *Engine) DispatchAll() {
	for _, c := range e.chainsSnapshot() {
		c.mu.Lock()
		for _, r := range c.recs {
			e.finalize(r)
		}
		e.dispatchChain(c)
		c.mu.Unlock()
		e.removeChain(c)
	}
	e.brmu.Lock()
	e.bridges = make(map[string]map[string]*chain)
	e.brmu.Unlock()
}

// ActiveChannels reports the number of live chains.
func (e *Engine) ActiveChannels() int {
	e.chmu.RLock()
	defer e.chmu.RUnlock()
	return len(e.channels)
}
