package cdr

// partySnapshot wraps a channel snapshot with the engine-owned state for
// that party: the free-form userfield, per-party flags, and the variable
// table.
type partySnapshot struct {
	snapshot  *ChannelSnapshot
	userfield string
	flags     Flags
	vars      varTable
}

// copyFrom copies another party's snapshot and details onto this one.
func (p *partySnapshot) copyFrom(src *partySnapshot) {
	p.snapshot = src.snapshot
	p.userfield = src.userfield
	p.flags = src.flags
	p.vars.copyFrom(&src.vars)
}

// pickPartyA decides which of two parties is Party A for a shared record.
//
// A dialed party never beats a party that was not dialed; an explicit
// Party A flag wins next; otherwise the earlier creation time wins,
// compared as seconds then microseconds. The microsecond comparison only
// awards right when left is strictly later; ties go to left. The
// asymmetry is preserved deliberately for behavioral parity with the
// original engine.
func pickPartyA(left, right *partySnapshot) *partySnapshot {
	leftDialed := isDialed(left.snapshot)
	rightDialed := isDialed(right.snapshot)
	if !leftDialed && rightDialed {
		return left
	}
	if leftDialed && !rightDialed {
		return right
	}

	if left.flags.Has(FlagPartyA) && !right.flags.Has(FlagPartyA) {
		return left
	}
	if right.flags.Has(FlagPartyA) && !left.flags.Has(FlagPartyA) {
		return right
	}

	leftSec, rightSec := left.snapshot.CreationTime.Unix(), right.snapshot.CreationTime.Unix()
	if leftSec < rightSec {
		return left
	}
	if leftSec > rightSec {
		return right
	}
	if microseconds(left.snapshot) > microseconds(right.snapshot) {
		return right
	}
	return left
}

func microseconds(snapshot *ChannelSnapshot) int {
	return snapshot.CreationTime.Nanosecond() / 1000
}

// updateCID persists caller identity fields that change across a snapshot
// swap into the party's variables, so the values survive the old
// snapshot's retirement.
func (p *partySnapshot) updateCID(next *ChannelSnapshot) {
	if p.snapshot == nil {
		p.vars.set("dnid", next.CallerDNID)
		p.vars.set("callingsubaddr", next.CallerSubaddr)
		p.vars.set("calledsubaddr", next.DialedSubaddr)
		return
	}
	if p.snapshot.CallerDNID != next.CallerDNID {
		p.vars.set("dnid", next.CallerDNID)
	}
	if p.snapshot.CallerSubaddr != next.CallerSubaddr {
		p.vars.set("callingsubaddr", next.CallerSubaddr)
	}
	if p.snapshot.DialedSubaddr != next.DialedSubaddr {
		p.vars.set("calledsubaddr", next.DialedSubaddr)
	}
}

// swapSnapshot replaces the party's channel snapshot.
func (p *partySnapshot) swapSnapshot(next *ChannelSnapshot) {
	p.updateCID(next)
	p.snapshot = next
}
