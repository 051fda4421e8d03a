// Package progress implements the transient progress bus on Redis
// pub/sub, with a bounded per-job replay ring used when a subscriber
// joins mid-job or reconnects with a last-seen sequence.
package progress

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rendiffdev/ffmpeg-api-sub000/internal/domain"
)

const (
	seqPrefix     = "prog:seq:"
	ringPrefix    = "prog:ring:"
	channelPrefix = "prog:ch:"

	// subscriberBacklog bounds each subscriber's buffer. A consumer that
	// stays full past this is dropped, never blocks the publisher.
	subscriberBacklog = 64

	ringTTL = 24 * time.Hour
)

// Bus is the redis-backed ProgressBus.
type Bus struct {
	rdb      *redis.Client
	ringSize int
}

// New creates a Bus keeping the last ringSize events per job.
func New(rdb *redis.Client, ringSize int) *Bus {
	if ringSize <= 0 {
		ringSize = 256
	}
	return &Bus{rdb: rdb, ringSize: ringSize}
}

// NextSeq allocates the next sequence number for a job.
func (b *Bus) NextSeq(ctx context.Context, jobID string) (int64, error) {
	n, err := b.rdb.Incr(ctx, seqPrefix+jobID).Result()
	if err != nil {
		return 0, fmt.Errorf("op=progress.NextSeq: %w", err)
	}
	return n, nil
}

// Publish appends the event to the replay ring and fans it out to live
// subscribers. Events must carry a sequence from NextSeq.
func (b *Bus) Publish(ctx context.Context, ev domain.ProgressEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("op=progress.Publish: %w", err)
	}
	pipe := b.rdb.TxPipeline()
	ring := ringPrefix + ev.JobID
	pipe.RPush(ctx, ring, payload)
	pipe.LTrim(ctx, ring, int64(-b.ringSize), -1)
	pipe.Expire(ctx, ring, ringTTL)
	pipe.Publish(ctx, channelPrefix+ev.JobID, payload)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("op=progress.Publish: %w", err)
	}
	return nil
}

// Subscribe replays ring events with Seq > afterSeq, then streams live
// events in order. The returned channel closes after the terminal event
// or when ctx is cancelled. A subscriber that cannot keep up with the
// backlog bound is dropped.
func (b *Bus) Subscribe(ctx context.Context, jobID string, afterSeq int64) (<-chan domain.ProgressEvent, error) {
	// Subscribe before reading the ring so no event falls between the
	// replay and the live stream; duplicates are filtered by sequence.
	sub := b.rdb.Subscribe(ctx, channelPrefix+jobID)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("op=progress.Subscribe: %w", err)
	}

	raw, err := b.rdb.LRange(ctx, ringPrefix+jobID, 0, -1).Result()
	if err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("op=progress.Subscribe: %w", err)
	}

	out := make(chan domain.ProgressEvent, subscriberBacklog)
	go func() {
		defer close(out)
		defer func() { _ = sub.Close() }()

		last := afterSeq
		send := func(ev domain.ProgressEvent) (ok, terminal bool) {
			if ev.Seq <= last {
				return true, false
			}
			select {
			case out <- ev:
				last = ev.Seq
				return true, ev.Terminal
			case <-ctx.Done():
				return false, false
			default:
				// Backlog full: drop the subscriber rather than block.
				slog.Warn("progress subscriber dropped",
					slog.String("job_id", jobID), slog.Int64("last_seq", last))
				return false, false
			}
		}

		for _, r := range raw {
			var ev domain.ProgressEvent
			if err := json.Unmarshal([]byte(r), &ev); err != nil {
				continue
			}
			ok, terminal := send(ev)
			if !ok {
				return
			}
			if terminal {
				return
			}
		}

		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, open := <-ch:
				if !open {
					return
				}
				var ev domain.ProgressEvent
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					continue
				}
				ok, terminal := send(ev)
				if !ok || terminal {
					return
				}
			}
		}
	}()
	return out, nil
}

// Drop removes a job's replay ring and sequence counter.
func (b *Bus) Drop(ctx context.Context, jobID string) error {
	if err := b.rdb.Del(ctx, ringPrefix+jobID, seqPrefix+jobID).Err(); err != nil {
		return fmt.Errorf("op=progress.Drop: %w", err)
	}
	return nil
}

var _ domain.ProgressBus = (*Bus)(nil)
