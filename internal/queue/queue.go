// Package queue carries accepted webhook deliveries to the ledger worker with
// at-least-once semantics. Handlers must be idempotent.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// MaxDeliveries bounds redelivery of a failing message before it is dead-lettered.
const MaxDeliveries = 5

// DefaultEnqueueWait is how long Memory.Enqueue waits for buffer space.
const DefaultEnqueueWait = 250 * time.Millisecond

// ErrFull is returned when a message cannot be buffered in time; the sender should retry.
var ErrFull = errors.New("queue full")

type Handler func(ctx context.Context, payload []byte) error

type Queue interface {
	Enqueue(ctx context.Context, payload []byte) error
	// Consume blocks, handing messages to h until ctx is cancelled.
	Consume(ctx context.Context, h Handler) error
}

type envelope struct {
	Body       json.RawMessage `json:"body"`
	Deliveries int             `json:"deliveries"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
}

// Memory is a buffered in-process queue. Messages do not survive a restart.
type Memory struct {
	ch   chan envelope
	wait time.Duration
	mu   sync.Mutex
	dead [][]byte
}

func NewMemory(size int) *Memory {
	return &Memory{ch: make(chan envelope, size), wait: DefaultEnqueueWait}
}

// WithEnqueueWait sets how long Enqueue blocks on a full buffer before ErrFull.
func (m *Memory) WithEnqueueWait(d time.Duration) *Memory {
	m.wait = d
	return m
}

func (m *Memory) Enqueue(ctx context.Context, payload []byte) error {
	env := envelope{Body: payload, EnqueuedAt: time.Now()}
	select {
	case m.ch <- env:
		return nil
	default:
	}

	timer := time.NewTimer(m.wait)
	defer timer.Stop()
	select {
	case m.ch <- env:
		return nil
	case <-timer.C:
		return fmt.Errorf("%w: %d messages buffered", ErrFull, len(m.ch))
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Memory) Consume(ctx context.Context, h Handler) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case env := <-m.ch:
			if err := h(ctx, env.Body); err != nil {
				env.Deliveries++
				if env.Deliveries >= MaxDeliveries {
					log.Error().Err(err).Int("deliveries", env.Deliveries).Msg("webhook message dead-lettered")
					m.mu.Lock()
					m.dead = append(m.dead, env.Body)
					m.mu.Unlock()
					continue
				}
				log.Warn().Err(err).Int("deliveries", env.Deliveries).Msg("webhook message requeued")
				go func(env envelope) {
					select {
					case m.ch <- env:
					case <-ctx.Done():
					}
				}(env)
			}
		}
	}
}

// Len reports messages waiting for a consumer.
func (m *Memory) Len() int { return len(m.ch) }

func (m *Memory) Dead() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]byte, len(m.dead))
	copy(out, m.dead)
	return out
}

// Redis is a durable list-based queue. A consumer atomically moves each message to a
// processing list and removes it only after the handler succeeds.
type Redis struct {
	rdb        redis.UniversalClient
	pending    string
	processing string
	dead       string
	poll       time.Duration
}

func NewRedis(rdb redis.UniversalClient, name string) *Redis {
	return &Redis{
		rdb:        rdb,
		pending:    name,
		processing: name + ":processing",
		dead:       name + ":dead",
		poll:       2 * time.Second,
	}
}

func (r *Redis) Enqueue(ctx context.Context, payload []byte) error {
	raw, err := json.Marshal(envelope{Body: payload, EnqueuedAt: time.Now()})
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	return r.rdb.LPush(ctx, r.pending, raw).Err()
}

// Recover moves messages left in the processing list by a crashed consumer back to
// pending. Run it before starting consumers.
func (r *Redis) Recover(ctx context.Context) (int, error) {
	n := 0
	for {
		err := r.rdb.LMove(ctx, r.processing, r.pending, "RIGHT", "RIGHT").Err()
		if errors.Is(err, redis.Nil) {
			return n, nil
		}
		if err != nil {
			return n, err
		}
		n++
	}
}

func (r *Redis) Consume(ctx context.Context, h Handler) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		raw, err := r.rdb.BLMove(ctx, r.pending, r.processing, "RIGHT", "LEFT", r.poll).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.Error().Err(err).Str("queue", r.pending).Msg("queue receive failed")
			time.Sleep(r.poll)
			continue
		}

		r.handle(ctx, raw, h)
	}
}

func (r *Redis) handle(ctx context.Context, raw string, h Handler) {
	var env envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		log.Error().Err(err).Msg("undecodable queue message dead-lettered")
		r.settle(raw, r.dead, "")
		return
	}

	err := h(ctx, env.Body)
	if err == nil {
		r.settle(raw, "", "")
		return
	}

	env.Deliveries++
	next, _ := json.Marshal(env)
	if env.Deliveries >= MaxDeliveries {
		log.Error().Err(err).Int("deliveries", env.Deliveries).Msg("webhook message dead-lettered")
		r.settle(raw, r.dead, string(next))
		return
	}
	log.Warn().Err(err).Int("deliveries", env.Deliveries).Msg("webhook message requeued")
	r.settle(raw, r.pending, string(next))
}

// settle removes raw from processing and optionally pushes replacement onto target.
func (r *Redis) settle(raw, target, replacement string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := r.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.LRem(ctx, r.processing, 1, raw)
		if target != "" {
			if replacement == "" {
				replacement = raw
			}
			p.LPush(ctx, target, replacement)
		}
		return nil
	})
	if err != nil {
		log.Error().Err(err).Str("queue", r.pending).Msg("failed to settle queue message")
	}
}
