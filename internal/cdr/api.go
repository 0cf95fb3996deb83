package cdr

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrNoRecord is returned when the named channel has no active chain.
	ErrNoRecord = errors.New("no CDR for channel")
	// ErrReadOnly is returned on attempts to set a standard property.
	ErrReadOnly = errors.New("read-only CDR variable")
	// ErrFinalized is returned when an operation requires a live record
	// but the chain has already wound down.
	ErrFinalized = errors.New("CDR already finalized")
)

// readOnlyVars are the standard property names; they can be read through
// GetVar but never set.
var readOnlyVars = []string{
	"clid", "src", "dst", "dcontext", "channel", "dstchannel",
	"lastapp", "lastdata", "start", "answer", "end", "duration",
	"billsec", "disposition", "amaflags", "accountcode", "peeraccount",
	"uniqueid", "linkedid", "userfield", "sequence",
}

func isReadOnlyVar(name string) bool {
	for _, v := range readOnlyVars {
		if strings.EqualFold(v, name) {
			return true
		}
	}
	return false
}

func formatTimeRaw(t time.Time) string {
	if t.IsZero() {
		return "0.000000"
	}
	return fmt.Sprintf("%d.%06d", t.Unix(), t.Nanosecond()/1000)
}

// formatProperty renders one standard property of a record. The second
// return is false when name is not a standard property.
func (e *Engine) formatProperty(r *record, name string) (string, bool) {
	partyA := r.partyA.snapshot
	partyB := r.partyB.snapshot

	switch strings.ToLower(name) {
	case "clid":
		return callerIDMerge(partyA.CallerName, partyA.CallerNumber), true
	case "src":
		return partyA.CallerNumber, true
	case "dst":
		return partyA.Exten, true
	case "dcontext":
		return partyA.Context, true
	case "channel":
		return partyA.Name, true
	case "dstchannel":
		if partyB != nil {
			return partyB.Name, true
		}
		return "", true
	case "lastapp":
		return partyA.Application, true
	case "lastdata":
		return partyA.Data, true
	case "start":
		return formatTimeRaw(r.start), true
	case "answer":
		return formatTimeRaw(r.answer), true
	case "end":
		return formatTimeRaw(r.end), true
	case "duration":
		return strconv.FormatInt(e.recordDuration(r), 10), true
	case "billsec":
		return strconv.FormatInt(e.recordBillSec(r), 10), true
	case "disposition":
		return r.disposition.String(), true
	case "amaflags":
		return strconv.Itoa(partyA.AMAFlags), true
	case "accountcode":
		return partyA.AccountCode, true
	case "peeraccount":
		if partyB != nil {
			return partyB.AccountCode, true
		}
		return "", true
	case "uniqueid":
		return partyA.UniqueID, true
	case "linkedid":
		return r.linkedID, true
	case "userfield":
		return r.partyA.userfield, true
	case "sequence":
		return strconv.FormatUint(r.sequence, 10), true
	default:
		return "", false
	}
}

// GetVar reads a standard property or a Party A variable from the
// channel's newest record.
func (e *Engine) GetVar(channelName, name string) (string, error) {
	c := e.lookupChain(channelName)
	if c == nil {
		e.log.Warn("no CDR for channel", zap.String("channel", channelName))
		return "", ErrNoRecord
	}
	if name == "" {
		return "", nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	r := c.last()
	if value, ok := e.formatProperty(r, name); ok {
		return value, nil
	}
	value, _ := r.partyA.vars.get(name)
	return value, nil
}

// SetVar sets (or, with an empty value, deletes) a variable on every
// non-finalized record that references the channel, on whichever side
// the channel appears.
func (e *Engine) SetVar(channelName, name, value string) error {
	if isReadOnlyVar(name) {
		e.log.Error("attempt to set read-only variable", zap.String("name", name))
		return ErrReadOnly
	}

	found := false
	for _, c := range e.chainsSnapshot() {
		c.mu.Lock()
		for _, r := range c.recs {
			if r.state == finalizedState {
				continue
			}
			if matchesName(channelName, r.partyA.snapshot.Name) {
				r.partyA.vars.set(name, value)
				found = true
			} else if r.partyB.snapshot != nil && matchesName(channelName, r.partyB.snapshot.Name) {
				r.partyB.vars.set(name, value)
				found = true
			}
		}
		c.mu.Unlock()
	}
	if !found && e.lookupChain(channelName) == nil {
		e.log.Warn("no CDR for channel", zap.String("channel", channelName))
		return ErrNoRecord
	}
	return nil
}

// SetUserField writes the userfield of every non-finalized record on the
// channel's own chain, and the Party B userfield of any record elsewhere
// that holds the channel as Party B.
func (e *Engine) SetUserField(channelName, userfield string) error {
	c := e.lookupChain(channelName)
	if c == nil {
		e.log.Warn("no CDR for channel", zap.String("channel", channelName))
		return ErrNoRecord
	}

	c.mu.Lock()
	for _, r := range c.recs {
		if r.state == finalizedState {
			continue
		}
		r.partyA.userfield = userfield
	}
	c.mu.Unlock()

	for _, oc := range e.chainsSnapshot() {
		if oc == c {
			continue
		}
		oc.mu.Lock()
		for _, r := range oc.recs {
			if r.partyB.snapshot != nil && matchesName(r.partyB.snapshot.Name, channelName) {
				r.partyB.userfield = userfield
			}
		}
		oc.mu.Unlock()
	}
	return nil
}

// SetProperty sets an option flag on every non-finalized record of the
// channel's chain.
func (e *Engine) SetProperty(channelName string, flag Flags) error {
	return e.updateFlags(channelName, func(r *record) {
		r.flags |= flag
	})
}

// ClearProperty clears an option flag on every non-finalized record of
// the channel's chain.
func (e *Engine) ClearProperty(channelName string, flag Flags) error {
	return e.updateFlags(channelName, func(r *record) {
		r.flags &^= flag
	})
}

func (e *Engine) updateFlags(channelName string, fn func(r *record)) error {
	c := e.lookupChain(channelName)
	if c == nil {
		return ErrNoRecord
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, r := range c.recs {
		if r.state == finalizedState {
			continue
		}
		fn(r)
	}
	return nil
}

// Reset rewinds every record on the chain to a fresh start: variables are
// cleared unless FlagKeepVars is given, and the timestamps restart now.
func (e *Engine) Reset(channelName string, options Flags) error {
	c := e.lookupChain(channelName)
	if c == nil {
		return ErrNoRecord
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, r := range c.recs {
		if !options.Has(FlagKeepVars) {
			r.partyA.vars.clear()
			if r.partyB.snapshot != nil {
				r.partyB.vars.clear()
			}
		}
		r.start = e.clock.Now()
		r.answer = time.Time{}
		r.end = time.Time{}
		e.checkPartyAAnswer(r)
	}
	return nil
}

// Fork appends a new record to the chain, carrying over the current one.
// Refused once the chain's newest record is finalized; at that point the
// channel is already winding down.
func (e *Engine) Fork(channelName string, options Flags) error {
	c := e.lookupChain(channelName)
	if c == nil {
		return ErrNoRecord
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	last := c.last()
	if last.state == finalizedState {
		e.log.Error("refusing to fork finalized CDR", zap.String("channel", channelName))
		return ErrFinalized
	}

	e.log.Debug("forking CDR", zap.String("channel", channelName))
	head := c.recs[0]
	nr := e.appendRecord(c)
	nr.state = last.state
	nr.bridgeID = head.bridgeID
	nr.flags = head.flags

	if last.partyB.snapshot != nil {
		nr.partyB.snapshot = last.partyB.snapshot
		nr.partyB.userfield = last.partyB.userfield
		nr.partyB.flags = last.partyB.flags
		if options.Has(FlagKeepVars) {
			nr.partyB.vars.copyFrom(&last.partyB.vars)
		}
	}
	nr.start = last.start
	nr.answer = last.answer

	if options.Has(FlagSetAnswer) && nr.partyA.snapshot.State == ChannelStateUp {
		nr.answer = e.clock.Now()
	}
	if options.Has(FlagReset) {
		now := e.clock.Now()
		nr.answer = now
		nr.start = now
	}

	// The append carries variables over by default.
	if !options.Has(FlagKeepVars) {
		nr.partyA.vars.clear()
	}

	if options.Has(FlagFinalize) {
		for _, r := range c.recs[:len(c.recs)-1] {
			if r.state == finalizedState {
				continue
			}
			// Forced: settles the time even with end-before-h pending.
			e.finalize(r)
			e.transition(r, finalizedState)
		}
	}
	return nil
}

// SerializeVariables renders every variable and every non-empty standard
// property of every record on the chain, one `level N:` entry per value.
func (e *Engine) SerializeVariables(channelName string, delim, sep byte) (string, error) {
	c := e.lookupChain(channelName)
	if c == nil {
		e.log.Warn("no CDR for channel", zap.String("channel", channelName))
		return "", ErrNoRecord
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	var b strings.Builder
	for i, r := range c.recs {
		if i > 0 {
			b.WriteByte('\n')
		}
		level := i + 1
		for _, v := range r.partyA.vars.snapshot() {
			if v.Name == "" {
				continue
			}
			fmt.Fprintf(&b, "level %d: %s%c%s%c", level, v.Name, delim, v.Value, sep)
		}
		for _, name := range readOnlyVars {
			value, _ := e.formatProperty(r, name)
			if value == "" {
				continue
			}
			fmt.Fprintf(&b, "level %d: %s%c%s%c", level, name, delim, value, sep)
		}
	}
	return b.String(), nil
}
