// Package redissink publishes finalized records onto a Redis stream for
// downstream consumers.
package redissink

import (
	"context"
	"strconv"
	"time"

	"github.com/calltrace/cadence/internal/cdr"
	"github.com/redis/go-redis/v9"
)

const writeTimeout = 5 * time.Second

// Sink appends records to a Redis stream with XADD.
type Sink struct {
	client *redis.Client
	stream string
}

// New builds a sink targeting the given stream.
func New(client *redis.Client, stream string) *Sink {
	return &Sink{client: client, stream: stream}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

// Write appends one record to the stream.
func (s *Sink) Write(rec *cdr.Record) error {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	values := map[string]any{
		"accountcode": rec.AccountCode,
		"src":         rec.Source,
		"dst":         rec.Destination,
		"dcontext":    rec.DestinationContext,
		"clid":        rec.CallerID,
		"channel":     rec.Channel,
		"dstchannel":  rec.DestinationChannel,
		"lastapp":     rec.LastApplication,
		"lastdata":    rec.LastData,
		"start":       formatTime(rec.Start),
		"answer":      formatTime(rec.Answer),
		"end":         formatTime(rec.End),
		"duration":    strconv.FormatInt(rec.Duration, 10),
		"billsec":     strconv.FormatInt(rec.BillSeconds, 10),
		"disposition": rec.Disposition.String(),
		"amaflags":    strconv.Itoa(rec.AMAFlags),
		"uniqueid":    rec.UniqueID,
		"linkedid":    rec.LinkedID,
		"userfield":   rec.UserField,
		"sequence":    strconv.FormatUint(rec.Sequence, 10),
	}

	return s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: s.stream,
		Values: values,
	}).Err()
}
