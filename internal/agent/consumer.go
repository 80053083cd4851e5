package agent

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/ashureev/evalstream/internal/tags"
)

var (
	// ErrTransport wraps any failure to open or continue a backend stream.
	ErrTransport = errors.New("transport failure")
	// ErrIdleTimeout reports a stream that stopped sending without closing.
	ErrIdleTimeout = errors.New("exchange idle timeout")
	// ErrExchangeConsumed is returned when Updates is ranged over twice.
	ErrExchangeConsumed = errors.New("exchange already consumed")
)

// DefaultIdleTimeout bounds the gap between two fragments.
const DefaultIdleTimeout = 45 * time.Second

// State is the lifecycle position of an exchange.
type State int32

const (
	StateIdle State = iota
	StateSending
	StateStreaming
	StateFinalizing
	StateDone
	StateFailed
	// StateAbandoned marks an exchange whose consumer stopped early.
	StateAbandoned
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSending:
		return "sending"
	case StateStreaming:
		return "streaming"
	case StateFinalizing:
		return "finalizing"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	case StateAbandoned:
		return "abandoned"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Update is the view of the in-progress message after one fragment.
type Update struct {
	// Text is the clean display text of the whole reply so far.
	Text string
	// Score and Feedback are set whenever the buffer holds a valid tag.
	Score    *int
	Feedback *string
	// Final marks the last update of a completed exchange.
	Final bool
}

// Consumer opens exchanges against a Generator.
type Consumer struct {
	gen         Generator
	idleTimeout time.Duration
	logger      *slog.Logger
}

// NewConsumer creates a consumer. A non-positive idleTimeout disables the stall guard.
func NewConsumer(gen Generator, idleTimeout time.Duration, logger *slog.Logger) *Consumer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Consumer{gen: gen, idleTimeout: idleTimeout, logger: logger}
}

// Exchange prepares one request/response round trip. Nothing is sent until
// Updates is ranged over.
func (c *Consumer) Exchange(ctx context.Context, req Request) *Exchange {
	return &Exchange{ctx: ctx, req: req, consumer: c}
}

// Exchange is a single request/response round trip.
type Exchange struct {
	ctx      context.Context
	req      Request
	consumer *Consumer
	state    atomic.Int32
	used     atomic.Bool
}

// State returns the current lifecycle state.
func (e *Exchange) State() State {
	return State(e.state.Load())
}

func (e *Exchange) setState(s State) {
	e.state.Store(int32(s))
}

type streamItem struct {
	frag *Fragment
	err  error
}

// Updates returns the lazy, finite sequence of message updates. The sequence
// can be consumed once; breaking out of the loop abandons the exchange and
// cancels the upstream request.
func (e *Exchange) Updates() iter.Seq2[Update, error] {
	return func(yield func(Update, error) bool) {
		if !e.used.CompareAndSwap(false, true) {
			yield(Update{}, ErrExchangeConsumed)
			return
		}

		logger := e.consumer.logger
		e.setState(StateSending)

		ctx, cancel := context.WithCancel(e.ctx)
		defer cancel()

		items := make(chan streamItem)
		go func() {
			defer close(items)
			for frag, err := range e.consumer.gen.Stream(ctx, e.req) {
				select {
				case items <- streamItem{frag: frag, err: err}:
				case <-ctx.Done():
					return
				}
				if err != nil {
					return
				}
			}
		}()

		var idle <-chan time.Time
		var timer *time.Timer
		if e.consumer.idleTimeout > 0 {
			timer = time.NewTimer(e.consumer.idleTimeout)
			defer timer.Stop()
			idle = timer.C
		}

		var raw strings.Builder
		for {
			select {
			case item, ok := <-items:
				if !ok {
					if err := e.ctx.Err(); err != nil {
						e.setState(StateFailed)
						yield(Update{}, fmt.Errorf("%w: %w", ErrTransport, err))
						return
					}
					e.finalize(raw.String(), yield)
					return
				}
				if item.err != nil {
					e.setState(StateFailed)
					logger.Warn("exchange stream failed", "state", StateStreaming.String(), "error", item.err)
					yield(Update{}, fmt.Errorf("%w: %w", ErrTransport, item.err))
					return
				}
				if timer != nil {
					timer.Reset(e.consumer.idleTimeout)
				}
				e.setState(StateStreaming)
				if item.frag == nil || item.frag.Text == "" {
					continue
				}
				raw.WriteString(item.frag.Text)
				res := tags.Extract(raw.String())
				if !yield(Update{Text: res.Text, Score: res.Score, Feedback: res.Feedback}, nil) {
					e.setState(StateAbandoned)
					return
				}
			case <-idle:
				e.setState(StateFailed)
				logger.Warn("exchange stalled", "idle_timeout", e.consumer.idleTimeout.String())
				yield(Update{}, fmt.Errorf("%w after %s", ErrIdleTimeout, e.consumer.idleTimeout))
				return
			}
		}
	}
}

func (e *Exchange) finalize(buffer string, yield func(Update, error) bool) {
	e.setState(StateFinalizing)
	res := tags.Finalize(buffer)
	if res.Unterminated {
		e.consumer.logger.Warn("discarded unterminated control tag at stream end")
	}
	if res.Discarded > 0 {
		e.consumer.logger.Debug("discarded malformed control tags", "count", res.Discarded)
	}
	e.setState(StateDone)
	yield(Update{Text: res.Text, Score: res.Score, Feedback: res.Feedback, Final: true}, nil)
}
