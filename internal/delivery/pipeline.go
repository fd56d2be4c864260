// Package delivery implements the event queue and batch delivery pipeline:
// in-memory accumulation, size/interval triggered flushes, and bounded retry
// with exponential backoff for retryable collector failures.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/headlessly/analytics-go/pkg/backoff"
	"github.com/headlessly/analytics-go/pkg/event"
)

// Config configures the pipeline.
type Config struct {
	// BatchSize triggers a flush once the queue reaches this length.
	BatchSize int
	// FlushInterval flushes any queued events on a fixed period. Zero
	// disables the interval timer.
	FlushInterval time.Duration
	// MaxRetries bounds retries per batch; the default of 3 means 4 total
	// attempts.
	MaxRetries int
	// SampleRate keeps an analytics event when a uniform roll is at or below
	// it. Diagnostic and identity events are never sampled out.
	SampleRate float64
	// Backoff computes the delay before each retry.
	Backoff backoff.Policy

	// ErrorSink receives the terminal error when a batch is discarded.
	ErrorSink func(error)
	// OptedOut, when set and returning true, drops events before enqueue.
	OptedOut func() bool
	// OnFirstFlush fires once, on the first confirmable flush. Runs on its
	// own goroutine and never delays the send.
	OnFirstFlush func()
}

// pendingRetry is a failed batch waiting for its next attempt. attempt is the
// 0-indexed number of retries already consumed.
type pendingRetry struct {
	events  []event.Event
	attempt int
	nextAt  time.Time
}

// Pipeline accumulates events and delivers them in batches. Delivery is
// best-effort: failures surface through Config.ErrorSink, never to producers.
type Pipeline struct {
	cfg       Config
	transport Transport
	beacon    BeaconTransport
	log       *zap.Logger

	roll func() float64
	now  func() time.Time

	mu         sync.Mutex
	queue      []event.Event
	retries    []pendingRetry
	retryTimer *time.Timer
	firstSent  bool
	closing    bool
	closed     bool

	flushTicker *time.Ticker
	done        chan struct{}
}

// New creates a pipeline and starts its interval flush timer. beacon may be
// nil when no unload-safe transport is available.
func New(cfg Config, transport Transport, beacon BeaconTransport, log *zap.Logger) *Pipeline {
	if log == nil {
		log = zap.NewNop()
	}

	p := &Pipeline{
		cfg:       cfg,
		transport: transport,
		beacon:    beacon,
		log:       log,
		roll:      rand.Float64,
		now:       time.Now,
		done:      make(chan struct{}),
	}

	if cfg.FlushInterval > 0 {
		p.flushTicker = time.NewTicker(cfg.FlushInterval)
		go p.flushLoop()
	}

	return p
}

func (p *Pipeline) flushLoop() {
	for {
		select {
		case <-p.done:
			return
		case <-p.flushTicker.C:
			p.Flush(context.Background(), false)
		}
	}
}

// Enqueue appends an event to the queue, dropping it first when the client is
// opted out or the sampling roll fails. Reaching the batch-size threshold
// triggers a flush that is not awaited.
func (p *Pipeline) Enqueue(ev event.Event) {
	if p.cfg.OptedOut != nil && p.cfg.OptedOut() {
		return
	}
	if ev.Sampleable() && p.cfg.SampleRate < 1 {
		if p.roll() > p.cfg.SampleRate {
			return
		}
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.queue = append(p.queue, ev)
	full := p.cfg.BatchSize > 0 && len(p.queue) >= p.cfg.BatchSize
	p.mu.Unlock()

	if full {
		go p.Flush(context.Background(), false)
	}
}

// QueueLen reports the number of events waiting for the next flush.
func (p *Pipeline) QueueLen() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// Flush atomically drains the queue into one batch and delivers it. With
// useBeacon and an available beacon transport the batch goes out
// fire-and-forget. Otherwise the confirmable transport is used: the first
// attempt happens on the calling goroutine and a retryable failure schedules
// the batch for retry. The returned error mirrors what was reported to the
// error sink for a terminal failure of the immediate attempt; a scheduled
// retry returns nil.
func (p *Pipeline) Flush(ctx context.Context, useBeacon bool) error {
	p.mu.Lock()
	if len(p.queue) == 0 {
		p.mu.Unlock()
		return nil
	}
	batch := p.queue
	p.queue = nil
	p.mu.Unlock()

	if useBeacon && p.beacon != nil {
		p.beacon.SendBeacon(batch)
		return nil
	}

	p.mu.Lock()
	first := !p.firstSent
	p.firstSent = true
	p.mu.Unlock()
	if first && p.cfg.OnFirstFlush != nil {
		go p.cfg.OnFirstFlush()
	}

	return p.send(ctx, batch, 0)
}

// send performs one delivery attempt. attempt counts retries already
// consumed: 0 for the initial send.
func (p *Pipeline) send(ctx context.Context, batch []event.Event, attempt int) error {
	err := p.transport.Send(ctx, batch)
	if err == nil {
		p.log.Debug("delivered batch",
			zap.Int("events", len(batch)),
			zap.Int("attempt", attempt+1))
		return nil
	}

	var status *StatusError
	if errors.As(err, &status) && !status.Retryable() {
		terminal := fmt.Errorf("collector rejected batch of %d events: %w", len(batch), err)
		p.report(terminal)
		return terminal
	}

	if attempt >= p.cfg.MaxRetries {
		terminal := fmt.Errorf("dropping batch of %d events after %d attempts: %w",
			len(batch), attempt+1, err)
		p.report(terminal)
		return terminal
	}

	delay := p.cfg.Backoff.Delay(attempt)
	p.log.Debug("batch delivery failed, scheduling retry",
		zap.Int("attempt", attempt+1),
		zap.Duration("delay", delay),
		zap.Error(err))

	p.mu.Lock()
	if !p.closed {
		p.retries = append(p.retries, pendingRetry{
			events:  batch,
			attempt: attempt,
			nextAt:  p.now().Add(delay),
		})
		sort.SliceStable(p.retries, func(i, j int) bool {
			return p.retries[i].nextAt.Before(p.retries[j].nextAt)
		})
		p.armRetryLocked()
	}
	p.mu.Unlock()
	return nil
}

// armRetryLocked points the single retry timer at the head of the pending
// list. Callers hold p.mu.
func (p *Pipeline) armRetryLocked() {
	if len(p.retries) == 0 || p.closed {
		return
	}
	if p.retryTimer != nil {
		p.retryTimer.Stop()
	}
	delay := p.retries[0].nextAt.Sub(p.now())
	if delay < 0 {
		delay = 0
	}
	p.retryTimer = time.AfterFunc(delay, p.retryFire)
}

// retryFire processes the head of the pending list and, if more remain,
// immediately reschedules for the new head.
func (p *Pipeline) retryFire() {
	p.mu.Lock()
	if p.closed || len(p.retries) == 0 {
		p.mu.Unlock()
		return
	}
	head := p.retries[0]
	p.retries = p.retries[1:]
	p.armRetryLocked()
	p.mu.Unlock()

	p.send(context.Background(), head.events, head.attempt+1)
}

func (p *Pipeline) report(err error) {
	p.log.Warn("event delivery failed", zap.Error(err))
	if p.cfg.ErrorSink == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("error sink panicked", zap.Any("panic", r))
		}
	}()
	p.cfg.ErrorSink(err)
}

// Close performs a final confirmable flush, then cancels the interval and
// retry timers. Pending retries are dropped; the queue is best-effort by
// contract.
func (p *Pipeline) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed || p.closing {
		p.mu.Unlock()
		return nil
	}
	p.closing = true
	if p.flushTicker != nil {
		p.flushTicker.Stop()
	}
	close(p.done)
	p.mu.Unlock()

	err := p.Flush(ctx, false)

	p.mu.Lock()
	p.closed = true
	if p.retryTimer != nil {
		p.retryTimer.Stop()
		p.retryTimer = nil
	}
	p.retries = nil
	p.mu.Unlock()
	return err
}
