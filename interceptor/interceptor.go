// Package interceptor provides event-bus handlers that copy finished
// case records out of a running runner: into an in-process channel for
// the multi-process drainer, into a redis stream for external observers,
// or into per-case progress messages.
package interceptor

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/testfleet/testfleet/events"
	"github.com/testfleet/testfleet/types"
)

// Sink receives copies of finished case records.
type Sink interface {
	Put(rec *types.CaseRecord) error
}

// copyRecord detaches a record from the live object owned by the runner.
func copyRecord(rec *types.CaseRecord) *types.CaseRecord {
	cp := *rec
	cp.CheckPoints = append([]types.CheckPoint(nil), rec.CheckPoints...)
	cp.RerunCauses = append([]string(nil), rec.RerunCauses...)
	return &cp
}

// Records returns a handler that forwards every finished case record to
// the sink.
func Records(sink Sink) events.Handler {
	return events.Callback(events.CaseStopped, func(ev events.Event) error {
		return sink.Put(copyRecord(ev.Case))
	})
}

// ChanSink delivers records to a channel. Put blocks when the channel is
// full, back-pressuring the runner rather than dropping records.
type ChanSink chan *types.CaseRecord

func (s ChanSink) Put(rec *types.CaseRecord) error {
	s <- rec
	return nil
}

// Stream publishes case records to a redis stream, one XADD per record
// with the JSON body under the "record" field.
type Stream struct {
	client  redis.UniversalClient
	key     string
	maxLen  int64
	timeout time.Duration
}

// NewStream returns a stream sink writing to the given stream key. The
// stream is capped at maxLen entries (approximate trimming), 0 means
// uncapped.
func NewStream(client redis.UniversalClient, key string, maxLen int64) *Stream {
	return &Stream{client: client, key: key, maxLen: maxLen, timeout: 5 * time.Second}
}

func (s *Stream) Put(rec *types.CaseRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding record %s: %w", rec.ID, err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	return s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: s.key,
		MaxLen: s.maxLen,
		Approx: true,
		Values: map[string]any{"id": rec.ID, "status": rec.Status.String(), "record": string(data)},
	}).Err()
}

// ProgressMessage reports one finished case against the expected total.
type ProgressMessage struct {
	RunnerID string       `json:"runner_id"`
	CaseID   string       `json:"case_id"`
	Status   types.Status `json:"status"`
	Done     int64        `json:"done"`
	Total    int          `json:"total"`
	Percent  float64      `json:"percent"`
}

// Progress returns a handler emitting a message per finished case. With
// total 0 the percent stays 0 and only counts are reported.
func Progress(total int, emit func(msg ProgressMessage)) events.Handler {
	var done atomic.Int64
	return events.Callback(events.CaseStopped, func(ev events.Event) error {
		n := done.Add(1)
		msg := ProgressMessage{
			RunnerID: ev.RunnerID,
			CaseID:   ev.Case.ID,
			Status:   ev.Case.Status,
			Done:     n,
			Total:    total,
		}
		if total > 0 {
			msg.Percent = float64(n) / float64(total) * 100
		}
		emit(msg)
		return nil
	})
}
