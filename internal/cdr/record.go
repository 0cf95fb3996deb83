package cdr

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/zap"
)

// Flags are per-record (and per-party) option bits settable through the
// public API.
type Flags uint32

const (
	// FlagKeepVars preserves variables across a fork or reset.
	FlagKeepVars Flags = 1 << iota
	// FlagDisable suppresses posting of the record.
	FlagDisable
	// FlagPartyA pins the party as Party A in pairing decisions.
	FlagPartyA
	// FlagFinalize finalizes all prior records in the chain on fork.
	FlagFinalize
	// FlagSetAnswer re-answers the forked record if the channel is up.
	FlagSetAnswer
	// FlagReset resets answer and start on the forked record.
	FlagReset
)

// Has reports whether all bits in flag are set.
func (f Flags) Has(flag Flags) bool {
	return f&flag == flag
}

// record is one node of a CDR chain: the engine's in-memory working state
// for a single billable leg.
type record struct {
	id       snowflake.ID
	sequence uint64

	partyA partySnapshot
	partyB partySnapshot

	owner *chain

	state       *stateTable
	disposition Disposition
	flags       Flags

	start  time.Time
	answer time.Time
	end    time.Time

	// Cached off Party A: the party A address may change out from under
	// the record, these must not.
	linkedID string
	name     string
	bridgeID string
	appl     string
	data     string
}

// chain is the ordered set of records sharing one Party A channel. The
// Party A channel name is immutable for the chain's lifetime, and all
// record access goes through the chain mutex.
type chain struct {
	mu   sync.Mutex
	name string
	recs []*record
}

func (c *chain) last() *record {
	return c.recs[len(c.recs)-1]
}

func (c *chain) append(r *record) {
	c.recs = append(c.recs, r)
}

// Record is the externalized, immutable form of a finalized CDR handed to
// backends. All fields are deep copies; no snapshot references survive
// into the batch queue.
type Record struct {
	AccountCode        string
	PeerAccount        string
	AMAFlags           int
	CallerID           string
	Source             string
	Destination        string
	DestinationContext string
	Channel            string
	DestinationChannel string
	LastApplication    string
	LastData           string

	Start  time.Time
	Answer time.Time
	End    time.Time

	Duration    int64
	BillSeconds int64

	Disposition Disposition
	UniqueID    string
	LinkedID    string
	UserField   string
	Sequence    uint64
	Flags       Flags

	Variables []Variable
}

// callerIDMerge renders the caller name and number into the classic clid
// column form.
func callerIDMerge(name, number string) string {
	switch {
	case name != "" && number != "":
		return fmt.Sprintf("\"%s\" <%s>", name, number)
	case name != "":
		return name
	default:
		return number
	}
}

// externalize converts one in-memory record into its public form.
// Records whose Party A was a dialed channel produce nothing: the dialing
// side owns that pairing.
func (e *Engine) externalize(r *record) *Record {
	partyA := r.partyA.snapshot
	if isDialed(partyA) {
		return nil
	}

	out := &Record{
		AccountCode:        partyA.AccountCode,
		AMAFlags:           partyA.AMAFlags,
		CallerID:           callerIDMerge(partyA.CallerName, partyA.CallerNumber),
		Source:             partyA.CallerNumber,
		Destination:        partyA.Exten,
		DestinationContext: partyA.Context,
		Channel:            partyA.Name,
		LastApplication:    r.appl,
		LastData:           r.data,
		Start:              r.start,
		Answer:             r.answer,
		End:                r.end,
		Duration:           e.recordDuration(r),
		BillSeconds:        e.recordBillSec(r),
		Disposition:        r.disposition,
		UniqueID:           partyA.UniqueID,
		LinkedID:           r.linkedID,
		UserField:          r.partyA.userfield,
		Sequence:           r.sequence,
		Flags:              r.flags,
	}

	if partyB := r.partyB.snapshot; partyB != nil {
		out.DestinationChannel = partyB.Name
		out.PeerAccount = partyB.AccountCode
		if r.partyB.userfield != "" {
			out.UserField = r.partyA.userfield + ";" + r.partyB.userfield
		}
	}

	var vars varTable
	vars.copyFrom(&r.partyA.vars)
	vars.copyFrom(&r.partyB.vars)
	out.Variables = vars.snapshot()

	return out
}

// externalizeChain converts every eligible record in the chain, in chain
// order. Must be called with the chain lock held.
func (e *Engine) externalizeChain(c *chain) []*Record {
	out := make([]*Record, 0, len(c.recs))
	for _, r := range c.recs {
		if pub := e.externalize(r); pub != nil {
			out = append(out, pub)
		}
	}
	return out
}

// recordDuration computes the whole-second duration, against the clock
// when the record has not yet ended.
func (e *Engine) recordDuration(r *record) int64 {
	end := r.end
	if end.IsZero() {
		end = e.clock.Now()
	}
	return int64(end.Sub(r.start).Milliseconds() / 1000)
}

// recordBillSec computes the billable seconds from answer to end. With
// initiatedseconds enabled, a remainder of half a second or more rounds
// up.
func (e *Engine) recordBillSec(r *record) int64 {
	if r.answer.IsZero() {
		return 0
	}
	end := r.end
	if end.IsZero() {
		end = e.clock.Now()
	}
	ms := end.Sub(r.answer).Milliseconds()
	if e.opts.Get().InitiatedSeconds && ms%1000 >= 500 {
		return ms/1000 + 1
	}
	return ms / 1000
}

// setDispositionFromCause maps a hangup cause onto a disposition.
func (e *Engine) setDispositionFromCause(r *record, cause int) {
	switch cause {
	case CauseUserBusy:
		r.disposition = DispositionBusy
	case CauseCongestion:
		if e.opts.Get().Congestion {
			r.disposition = DispositionCongestion
		} else {
			r.disposition = DispositionFailed
		}
	case CauseNoRouteDestination, CauseSubscriberAbsent:
		r.disposition = DispositionFailed
	case CauseNormalClearing, CauseNoAnswer:
		r.disposition = DispositionNoAnswer
	}
}

// finalize freezes the record's end time and settles its disposition.
// Safe to call repeatedly; only the first call has any effect. Callers
// that may re-activate the record afterwards clear the end time
// themselves.
func (e *Engine) finalize(r *record) {
	if !r.end.IsZero() {
		return
	}
	r.end = e.clock.Now()

	if r.disposition == DispositionNull {
		switch {
		case !r.answer.IsZero():
			r.disposition = DispositionAnswered
		case r.partyA.snapshot.HangupCause != 0:
			e.setDispositionFromCause(r, r.partyA.snapshot.HangupCause)
		case r.partyB.snapshot != nil && r.partyB.snapshot.HangupCause != 0:
			e.setDispositionFromCause(r, r.partyB.snapshot.HangupCause)
		default:
			r.disposition = DispositionFailed
		}
	}

	e.metrics.IncRecordsFinalized()
	e.log.Debug("finalized record",
		zap.String("record", r.id.String()),
		zap.String("channel", r.name),
		zap.Time("start", r.start),
		zap.Time("answer", r.answer),
		zap.Time("end", r.end),
		zap.String("disposition", r.disposition.String()),
	)
}

// matchesName compares channel names the way the indices do.
func matchesName(a, b string) bool {
	return strings.EqualFold(a, b)
}
