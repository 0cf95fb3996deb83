package cdr

import (
	"time"

	"go.uber.org/zap"
)

// withChain runs fn with c locked, unless c is already held by the
// caller. The event router is the only code path that reaches other
// chains while holding its own, so the conditional keeps the lock
// non-recursive without a second discipline.
func withChain(c, held *chain, fn func()) {
	if c != held {
		c.mu.Lock()
		defer c.mu.Unlock()
	}
	fn()
}

// eachBridgeRecord visits every record currently bridged into bridgeID,
// across all chains in the bridge index. fn returns false to stop the
// walk. held is the visitor's own chain, which is not re-locked.
func (e *Engine) eachBridgeRecord(bridgeID string, held *chain, fn func(cand *record) bool) {
	for _, c := range e.bridgeChainsFor(bridgeID) {
		done := false
		withChain(c, held, func() {
			for _, cand := range c.recs {
				if cand.state != bridgedState || cand.bridgeID != bridgeID {
					continue
				}
				if !fn(cand) {
					done = true
					return
				}
			}
		})
		if done {
			return
		}
	}
}

// bridgeCandidate is one party present in a bridge, captured with the
// record and chain it was found on. The party details are copied so they
// can be examined without the source chain's lock.
type bridgeCandidate struct {
	ch       *chain
	rec      *record
	party    partySnapshot
	isPartyA bool
}

// collectBridgeCandidates enumerates the deduplicated set of parties in
// the bridge. Party A slots are collected before Party B slots so that a
// channel that is ever a Party A in the bridge is represented that way.
func (e *Engine) collectBridgeCandidates(bridgeID string, held *chain) []bridgeCandidate {
	var out []bridgeCandidate
	seen := make(map[string]struct{})

	add := func(c *chain, r *record, party *partySnapshot, isPartyA bool) {
		key := indexKey(party.snapshot.Name)
		if _, ok := seen[key]; ok {
			return
		}
		seen[key] = struct{}{}
		cand := bridgeCandidate{ch: c, rec: r, isPartyA: isPartyA}
		cand.party.copyFrom(party)
		out = append(out, cand)
	}

	chains := e.bridgeChainsFor(bridgeID)
	for _, pass := range []bool{true, false} {
		for _, c := range chains {
			withChain(c, held, func() {
				for _, r := range c.recs {
					if r.state != bridgedState || r.bridgeID != bridgeID {
						continue
					}
					party := &r.partyA
					if !pass {
						party = &r.partyB
					}
					if party.snapshot == nil {
						continue
					}
					add(c, r, party, pass)
				}
			})
		}
	}

	return out
}

// pairWithBridged creates a fresh Bridged record on c pairing its Party A
// with partyB. Must be called with c's lock held (or guarded by
// withChain).
func (e *Engine) pairWithBridged(c *chain, partyB *partySnapshot, bridgeID string) {
	nr := e.appendRecord(c)
	nr.partyB.copyFrom(partyB)
	e.checkPartyAAnswer(nr)
	nr.bridgeID = bridgeID
	e.transition(nr, bridgedState)
}

// handleBridgePairings builds the pairings between the record that just
// entered a bridge and every other occupant, such that each distinct pair
// of channels in the bridge is recorded exactly once. Called with the
// seed's chain lock held.
func (e *Engine) handleBridgePairings(seed *record, bridgeID string) {
	held := seed.owner
	for _, cand := range e.collectBridgeCandidates(bridgeID, held) {
		candName := cand.party.snapshot.Name

		// Skip ourselves and anyone we've already taken on.
		if matchesName(seed.partyA.snapshot.Name, candName) {
			continue
		}
		if seed.partyB.snapshot != nil && matchesName(seed.partyB.snapshot.Name, candName) {
			continue
		}

		if pickPartyA(&seed.partyA, &cand.party) == &seed.partyA {
			// We are Party A: the pairing lives on our chain.
			e.pairWithBridged(held, &cand.party, bridgeID)
			continue
		}

		if cand.isPartyA && matchesName(cand.rec.partyA.snapshot.Name, candName) {
			// The candidate is Party A on its own record. Ride that
			// record if its Party B slot is free (or already us), else
			// give its chain a new element.
			withChain(cand.ch, held, func() {
				if cand.rec.partyB.snapshot != nil &&
					!matchesName(cand.rec.partyB.snapshot.Name, seed.partyA.snapshot.Name) {
					e.pairWithBridged(cand.ch, &seed.partyA, bridgeID)
					return
				}
				cand.rec.partyB.copyFrom(&seed.partyA)
				// They may have been tentatively finalized while alone in
				// the bridge; the pairing re-activates them.
				cand.rec.end = time.Time{}
			})
			continue
		}

		// The candidate only ever appeared as somebody's Party B, so the
		// pairing belongs on that channel's own chain - which may not
		// exist yet.
		bc := e.lookupChain(candName)
		if bc == nil {
			bc = &chain{name: candName}
			r := e.allocRecord(cand.party.snapshot)
			r.owner = bc
			bc.append(r)
			r.partyA.copyFrom(&cand.party)
			r.partyB.copyFrom(&seed.partyA)
			e.checkPartyAAnswer(r)
			r.bridgeID = bridgeID
			e.transition(r, bridgedState)
			e.storeChain(bc)
			e.trace("fabricated chain for bridge party",
				zap.String("channel", candName),
				zap.String("bridge", bridgeID),
			)
		} else {
			withChain(bc, held, func() {
				e.pairWithBridged(bc, &seed.partyA, bridgeID)
			})
		}
		e.addBridgeChain(bridgeID, bc)
	}
}
