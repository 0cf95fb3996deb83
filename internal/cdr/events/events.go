// Package events carries the inbound channel and bridge event stream
// into the CDR engine. Producers publish asynchronously; a single
// consumer drains the bus in publication order.
package events

import (
	"context"

	"github.com/calltrace/cadence/internal/cdr"
	"go.uber.org/zap"
)

// Message is one event from the upstream channel or bridge cores.
type Message interface {
	isMessage()
}

// ChannelUpdate announces a channel snapshot transition. A nil Old is
// the channel's first appearance; a nil New is its removal.
type ChannelUpdate struct {
	Old *cdr.ChannelSnapshot
	New *cdr.ChannelSnapshot
}

// Dial reports a dial begin (empty Status) or dial end. At most one of
// Caller and Peer may be absent.
type Dial struct {
	Caller *cdr.ChannelSnapshot
	Peer   *cdr.ChannelSnapshot
	Status string
}

// BridgeEnter reports a channel joining a bridge.
type BridgeEnter struct {
	Bridge  *cdr.BridgeSnapshot
	Channel *cdr.ChannelSnapshot
}

// BridgeLeave reports a channel leaving a bridge.
type BridgeLeave struct {
	Bridge  *cdr.BridgeSnapshot
	Channel *cdr.ChannelSnapshot
}

func (ChannelUpdate) isMessage() {}
func (Dial) isMessage()          {}
func (BridgeEnter) isMessage()   {}
func (BridgeLeave) isMessage()   {}

// Handler consumes the demultiplexed stream. *cdr.Engine implements it.
type Handler interface {
	HandleChannelUpdate(old, new *cdr.ChannelSnapshot)
	HandleDial(caller, peer *cdr.ChannelSnapshot, status string)
	HandleBridgeEnter(bridge *cdr.BridgeSnapshot, channel *cdr.ChannelSnapshot)
	HandleBridgeLeave(bridge *cdr.BridgeSnapshot, channel *cdr.ChannelSnapshot)
}

const defaultBufferSize = 256

// Bus is the buffered conduit between event producers and the single
// router goroutine.
type Bus struct {
	log *zap.Logger
	ch  chan Message
}

// NewBus builds a bus with the default buffer.
func NewBus(log *zap.Logger) *Bus {
	return &Bus{
		log: log.Named("cdr.events"),
		ch:  make(chan Message, defaultBufferSize),
	}
}

// Publish enqueues a message. It blocks when the consumer is behind;
// per-channel ordering is the upstream's contract and preserved here.
func (b *Bus) Publish(msg Message) {
	b.ch <- msg
}

// Run drains the bus into the handler until ctx is canceled. Only one
// Run may be active at a time.
func (b *Bus) Run(ctx context.Context, h Handler) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg := <-b.ch:
			b.dispatch(h, msg)
		}
	}
}

func (b *Bus) dispatch(h Handler, msg Message) {
	switch m := msg.(type) {
	case ChannelUpdate:
		h.HandleChannelUpdate(m.Old, m.New)
	case Dial:
		h.HandleDial(m.Caller, m.Peer, m.Status)
	case BridgeEnter:
		h.HandleBridgeEnter(m.Bridge, m.Channel)
	case BridgeLeave:
		h.HandleBridgeLeave(m.Bridge, m.Channel)
	default:
		b.log.Warn("dropping unknown event message")
	}
}

// Drain processes everything currently buffered without waiting for
// more. Used by tests and by shutdown to flush in-flight events.
func (b *Bus) Drain(h Handler) {
	for {
		select {
		case msg := <-b.ch:
			b.dispatch(h, msg)
		default:
			return
		}
	}
}
