// Package core wires the resilience components into the forward path.
//
// Submit runs an operation through the rate limiter, then either dispatches
// it directly (link up) or parks it in the priority queue (link down or
// reconnecting). Dispatch runs under the identity's circuit breaker:
// acquire a pooled session, open a channel, write the forward frame, read
// the response. A reconnected link triggers a flush of everything queued
// for that identity.
package core

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/gluk-w/tunnelcore/internal/breaker"
	"github.com/gluk-w/tunnelcore/internal/metrics"
	"github.com/gluk-w/tunnelcore/internal/pool"
	"github.com/gluk-w/tunnelcore/internal/protocol"
	"github.com/gluk-w/tunnelcore/internal/queue"
	"github.com/gluk-w/tunnelcore/internal/ratelimit"
	"github.com/gluk-w/tunnelcore/internal/reconnect"
	"github.com/gluk-w/tunnelcore/internal/terrors"
)

// compressionHeader is set to "off" on a protocol-error retry so the
// backend answers without negotiated compression.
const compressionHeader = "x-tunnel-compression"

// Forwarder is the forward path. All methods are safe for concurrent use.
type Forwarder struct {
	limiter *ratelimit.Limiter
	queue   *queue.Queue
	pool    *pool.Pool
	recon   *reconnect.Manager
	mets    *metrics.Metrics

	breakerCfg Config

	mu       sync.Mutex
	breakers map[string]*breaker.Breaker
}

// Config carries the per-identity circuit breaker settings.
type Config struct {
	Breaker breaker.Config
}

// New wires a Forwarder. mets may be nil in tests.
func New(limiter *ratelimit.Limiter, q *queue.Queue, p *pool.Pool, recon *reconnect.Manager, mets *metrics.Metrics, cfg Config) *Forwarder {
	f := &Forwarder{
		limiter:    limiter,
		queue:      q,
		pool:       p,
		recon:      recon,
		mets:       mets,
		breakerCfg: cfg,
		breakers:   make(map[string]*breaker.Breaker),
	}

	if mets != nil {
		limiter.OnReject(func(identity, dimension string) {
			mets.RateLimitRejected(identity)
		})
		recon.OnAttempt(mets.ReconnectAttempt)
		q.OnExpired(func(op queue.Operation) {
			mets.OperationExpired(op.Identity)
		})
	}

	// Drain the identity's queue whenever its link comes back.
	recon.OnEvent(func(e reconnect.ConnectionEvent) {
		if e.Type == reconnect.EventReconnected {
			go f.Flush(context.Background(), e.Identity)
		}
	})

	q.OnBackpressure(func(sig queue.BackpressureSignal) {
		if sig.ShouldThrottle {
			log.Printf("core: backpressure on %q, queue %.0f%% full", sig.Identity, sig.Fill*100)
		} else {
			log.Printf("core: backpressure cleared on %q", sig.Identity)
		}
	})

	return f
}

// circuitStateValue maps a breaker state to the gauge encoding
// (0=closed, 1=half-open, 2=open). The breaker's own iota order differs.
func circuitStateValue(s breaker.State) int {
	switch s {
	case breaker.StateOpen:
		return 2
	case breaker.StateHalfOpen:
		return 1
	default:
		return 0
	}
}

// breakerFor returns the identity's circuit breaker, creating it on first
// use.
func (f *Forwarder) breakerFor(identity string) *breaker.Breaker {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.breakers[identity]
	if !ok {
		b = breaker.New(identity, f.breakerCfg.Breaker)
		if f.mets != nil {
			b.OnStateChange(func(name string, from, to breaker.State) {
				f.mets.SetCircuitState(name, circuitStateValue(to))
			})
		}
		f.breakers[identity] = b
	}
	return b
}

// Submit admits one operation. Rate-limit rejections return synchronously;
// when the identity's link is down the operation is queued instead of
// dispatched, and QueueFull surfaces to the caller.
func (f *Forwarder) Submit(ctx context.Context, op queue.Operation) (protocol.Frame, error) {
	if err := f.limiter.Admit(op.Identity); err != nil {
		var rl *ratelimit.ErrRateLimited
		if errors.As(err, &rl) {
			return protocol.Frame{}, terrors.Wrap(terrors.CategoryServer, "rate_limited",
				fmt.Sprintf("identity %q rate limited, retry after %s", op.Identity, rl.RetryAfter), true, err)
		}
		return protocol.Frame{}, err
	}

	if f.recon.State(op.Identity) != reconnect.StateConnected {
		if err := f.enqueue(op); err != nil {
			return protocol.Frame{}, err
		}
		return protocol.Frame{}, nil
	}

	return f.Dispatch(ctx, op)
}

// enqueue parks an operation until the link recovers. QueueFull is mapped
// to the error taxonomy and always surfaced.
func (f *Forwarder) enqueue(op queue.Operation) error {
	err := f.queue.Enqueue(op)
	if err == nil {
		if f.mets != nil {
			f.mets.SetQueueDepth(op.Identity, f.queue.Depth(op.Identity))
		}
		return nil
	}
	var full *queue.ErrQueueFull
	if errors.As(err, &full) {
		return terrors.Wrap(terrors.CategoryServer, "queue_full",
			fmt.Sprintf("queue for identity %q at capacity %d", full.Identity, full.Capacity), false, err)
	}
	return err
}

// Dispatch forwards one operation through the identity's circuit breaker.
// A protocol-category failure is retried exactly once with compression
// disabled before being surfaced.
func (f *Forwarder) Dispatch(ctx context.Context, op queue.Operation) (protocol.Frame, error) {
	resp, err := f.dispatchOnce(ctx, op)
	if err == nil {
		return resp, nil
	}

	if terrors.CategoryOf(err) == terrors.CategoryProtocol {
		log.Printf("core: protocol error forwarding %s for %q, retrying without compression: %v", op.ID, op.Identity, err)
		if op.Headers == nil {
			op.Headers = make(map[string]string)
		}
		op.Headers[compressionHeader] = "off"
		op.RetryCount++
		return f.dispatchOnce(ctx, op)
	}

	return protocol.Frame{}, err
}

func (f *Forwarder) dispatchOnce(ctx context.Context, op queue.Operation) (protocol.Frame, error) {
	var resp protocol.Frame
	start := time.Now()

	err := f.breakerFor(op.Identity).Execute(ctx, func(ctx context.Context) error {
		session, err := f.pool.Acquire(ctx, op.Identity)
		if err != nil {
			return err
		}
		defer f.pool.Release(op.Identity, session)

		ch, err := f.pool.OpenChannel(session)
		if err != nil {
			return err
		}
		defer ch.Close()

		frame := protocol.Frame{
			ID:      op.ID,
			Type:    protocol.TypeForward,
			Payload: op.Payload,
			Headers: op.Headers,
		}
		if !op.Deadline.IsZero() {
			remaining := time.Until(op.Deadline)
			if remaining <= 0 {
				return terrors.New(terrors.CategoryServer, "operation_expired",
					fmt.Sprintf("operation %s expired before dispatch", op.ID), false)
			}
			frame.TimeoutMs = remaining.Milliseconds()
			ch.SetDeadline(op.Deadline)
		}

		if err := protocol.WriteFrame(ch, frame); err != nil {
			return terrors.Networkf("write_failed", err, "write forward frame %s", op.ID)
		}
		got, err := protocol.ReadFrame(bufio.NewReader(ch))
		if err != nil {
			return terrors.Networkf("read_failed", err, "read response for %s", op.ID)
		}
		if got.Type == protocol.TypeError {
			return frameError(got)
		}
		resp = got
		return nil
	})

	if err != nil {
		var open *breaker.ErrCircuitOpen
		if errors.As(err, &open) {
			return protocol.Frame{}, open.Taxonomy()
		}
		return protocol.Frame{}, err
	}

	if f.mets != nil {
		f.mets.ObserveDispatch(op.Identity, time.Since(start).Seconds())
	}
	return resp, nil
}

// frameError maps an error frame back onto the error taxonomy.
func frameError(f protocol.Frame) error {
	category := terrors.CategoryUnknown
	switch f.Category {
	case "network":
		category = terrors.CategoryNetwork
	case "authentication":
		category = terrors.CategoryAuthentication
	case "configuration":
		category = terrors.CategoryConfiguration
	case "server":
		category = terrors.CategoryServer
	case "protocol":
		category = terrors.CategoryProtocol
	}
	retryable := category == terrors.CategoryNetwork || category == terrors.CategoryServer
	return terrors.New(category, f.Code, f.Message, retryable)
}

// Flush drains the identity's queue through Dispatch. It stops early when a
// dispatch fails with a retryable error, re-queueing the operation for the
// next flush; terminal failures are logged and dropped.
func (f *Forwarder) Flush(ctx context.Context, identity string) {
	flushed := 0
	for {
		op, ok := f.queue.Dequeue(identity)
		if !ok {
			break
		}

		// Flushed operations pass through the limiter like fresh ones.
		if err := f.limiter.Admit(identity); err != nil {
			if reErr := f.queue.Enqueue(op); reErr != nil {
				log.Printf("core: re-queue %s for %q after rate limit: %v", op.ID, identity, reErr)
			}
			var rl *ratelimit.ErrRateLimited
			if errors.As(err, &rl) && rl.RetryAfter > 0 {
				time.AfterFunc(rl.RetryAfter, func() { f.Flush(context.Background(), identity) })
			}
			log.Printf("core: flush for %q rate limited after %d op(s)", identity, flushed)
			break
		}

		if _, err := f.Dispatch(ctx, op); err != nil {
			if terrors.IsRetryable(err) {
				op.RetryCount++
				if reErr := f.queue.Enqueue(op); reErr != nil {
					log.Printf("core: re-queue %s for %q after flush failure: %v", op.ID, identity, reErr)
				}
				log.Printf("core: flush for %q paused after %d op(s): %v", identity, flushed, err)
				break
			}
			log.Printf("core: dropping %s for %q, terminal error: %v", op.ID, identity, err)
			continue
		}
		flushed++
	}

	if f.mets != nil {
		f.mets.SetQueueDepth(identity, f.queue.Depth(identity))
	}
	if flushed > 0 {
		log.Printf("core: flushed %d queued op(s) for %q", flushed, identity)
	}
}

// BreakerStates reports each identity's circuit state for diagnostics.
func (f *Forwarder) BreakerStates() map[string]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]string, len(f.breakers))
	for identity, b := range f.breakers {
		out[identity] = b.State().String()
	}
	return out
}

// RemoveIdentity releases every per-identity resource: queue contents and
// durable mirrors, rate buckets, pooled sessions, breaker and link state.
func (f *Forwarder) RemoveIdentity(identity string) {
	f.queue.RemoveIdentity(identity)
	f.limiter.RemoveIdentity(identity)
	f.pool.CloseIdentity(identity)
	f.recon.Remove(identity)

	f.mu.Lock()
	delete(f.breakers, identity)
	f.mu.Unlock()

	if f.mets != nil {
		f.mets.RemoveIdentity(identity)
	}
}
