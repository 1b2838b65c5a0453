// Package dispatch owns outbound delivery: it consumes the outbound queue,
// deduplicates sends, retries transient transport failures with backoff,
// requeues through the bus up to a cap, and dead-letters the rest.
package dispatch

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/marubot/maru/internal/bus"
	"github.com/marubot/maru/internal/channels"
	"github.com/marubot/maru/internal/observability"
	"github.com/marubot/maru/internal/seenset"
	"github.com/marubot/maru/pkg/models"
)

// nonRetryable is the fixed set of transport error codes that skip retry
// and go straight to the DLQ.
var nonRetryable = map[string]bool{
	channels.CodeInvalidAuth:      true,
	channels.CodeNotAuthed:        true,
	channels.CodeChannelNotFound:  true,
	channels.CodeChatIDRequired:   true,
	channels.CodeBotTokenMissing:  true,
	channels.CodePermissionDenied: true,
	channels.CodeInvalidArguments: true,
}

// Config tunes retry, dedupe, and pacing.
type Config struct {
	InlineMax      int
	Base           time.Duration
	Max            time.Duration
	Jitter         time.Duration
	RetryQueueMax  int
	StreamDedupe   time.Duration
	DefaultDedupe  time.Duration
	SendsPerSecond float64
	ConsumeTimeout time.Duration
}

func (c *Config) normalize() {
	if c.Base <= 0 {
		c.Base = 500 * time.Millisecond
	}
	if c.Max <= 0 {
		c.Max = 15 * time.Second
	}
	if c.StreamDedupe <= 0 {
		c.StreamDedupe = 5 * time.Second
	}
	if c.DefaultDedupe <= 0 {
		c.DefaultDedupe = time.Minute
	}
	if c.ConsumeTimeout <= 0 {
		c.ConsumeTimeout = 500 * time.Millisecond
	}
}

// Dispatcher is the outbound delivery worker.
type Dispatcher struct {
	bus      *bus.Bus
	registry *channels.Registry
	cfg      Config
	dlq      *DLQ
	seen     *seenset.Set
	logger   *observability.Logger
	metrics  *observability.Metrics

	mu       sync.Mutex
	limiters map[models.Provider]*rate.Limiter

	// test seams
	sleep func(ctx context.Context, d time.Duration) bool
	rng   *rand.Rand
	wg    sync.WaitGroup
}

// New creates a dispatcher. metrics may be nil.
func New(b *bus.Bus, registry *channels.Registry, dlq *DLQ, cfg Config, logger *observability.Logger, metrics *observability.Metrics) *Dispatcher {
	cfg.normalize()
	return &Dispatcher{
		bus:      b,
		registry: registry,
		cfg:      cfg,
		dlq:      dlq,
		seen:     seenset.New(cfg.DefaultDedupe, 5000),
		logger:   logger,
		metrics:  metrics,
		limiters: make(map[models.Provider]*rate.Limiter),
		sleep:    sleepCtx,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Run consumes the outbound queue until ctx is done, then waits for
// scheduled requeues to settle.
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		msg, ok := d.bus.ConsumeOutbound(ctx, d.cfg.ConsumeTimeout)
		if !ok {
			if ctx.Err() != nil {
				d.wg.Wait()
				return
			}
			continue
		}
		d.Dispatch(ctx, msg)
	}
}

// Dispatch delivers one message end to end: dedupe, inline retries,
// requeue scheduling, dead-lettering. It reports whether a send (or an
// accepted dedupe) happened.
func (d *Dispatcher) Dispatch(ctx context.Context, msg *models.OutboundMessage) bool {
	if msg.Content == "" && len(msg.Media) == 0 {
		return true // placeholder cleanup publish, nothing to deliver
	}

	// Requeued clones already passed the dedupe gate on first dispatch.
	if msg.Metadata.DispatchRetry == 0 {
		key := models.OutboundDedupeKey(msg)
		if d.seen.CheckAndMark(key, d.dedupeWindow(msg.Metadata.Kind)) {
			d.logger.Debug(ctx, "outbound dedupe hit", "key", key, "kind", string(msg.Metadata.Kind))
			if d.metrics != nil {
				d.metrics.RecordOutbound(string(msg.Provider), "deduped")
			}
			return true
		}
	}

	// A requeued clone already spent its inline budget; it gets exactly
	// one attempt per requeue cycle. Total attempts stay bounded by
	// inline_max + 1 + retry_queue_max.
	inlineMax := d.cfg.InlineMax
	if msg.Metadata.DispatchRetry > 0 {
		inlineMax = 0
	}

	attempts := 0
	var lastErr error
	for n := 0; n <= inlineMax; n++ {
		if n > 0 && !d.sleep(ctx, d.backoff(n)) {
			break
		}
		d.pace(ctx, msg.Provider)
		attempts++
		_, err := d.registry.Send(ctx, msg)
		if err == nil {
			if d.metrics != nil {
				d.metrics.RecordOutbound(string(msg.Provider), "sent")
			}
			return true
		}
		lastErr = err
		if !retryable(err) {
			break
		}
	}

	code := channels.ErrorCode(lastErr)
	retries := msg.Metadata.DispatchRetry
	if retryable(lastErr) && d.cfg.RetryQueueMax > 0 && retries < d.cfg.RetryQueueMax {
		clone := msg.Clone()
		clone.Metadata.DispatchRetry = retries + 1
		delay := d.backoff(retries + 1)
		d.logger.Warn(ctx, "outbound requeue scheduled",
			"provider", string(msg.Provider), "retry", clone.Metadata.DispatchRetry, "delay", delay.String(), "error", lastErr)
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			if d.sleep(ctx, delay) {
				d.bus.PublishOutbound(clone)
			}
		}()
		return false
	}

	d.logger.Error(ctx, "outbound dead-lettered",
		"provider", string(msg.Provider), "chat_id", msg.ChatID, "code", code, "error", lastErr)
	if d.metrics != nil {
		d.metrics.RecordOutbound(string(msg.Provider), "dlq")
	}
	if err := d.dlq.Append(msg, retries+attempts, errString(lastErr)); err != nil {
		d.logger.Error(ctx, "dlq append failed", "error", err)
	}
	return false
}

func (d *Dispatcher) dedupeWindow(kind models.Kind) time.Duration {
	if kind == models.KindAgentStream {
		return d.cfg.StreamDedupe
	}
	return d.cfg.DefaultDedupe
}

// backoff computes base*2^(n-1) capped at max, plus uniform jitter.
func (d *Dispatcher) backoff(n int) time.Duration {
	delay := d.cfg.Base
	for i := 1; i < n; i++ {
		delay *= 2
		if delay >= d.cfg.Max {
			delay = d.cfg.Max
			break
		}
	}
	if delay > d.cfg.Max {
		delay = d.cfg.Max
	}
	if d.cfg.Jitter > 0 {
		d.mu.Lock()
		delay += time.Duration(d.rng.Int63n(int64(d.cfg.Jitter) + 1))
		d.mu.Unlock()
	}
	return delay
}

func (d *Dispatcher) pace(ctx context.Context, provider models.Provider) {
	if d.cfg.SendsPerSecond <= 0 {
		return
	}
	d.mu.Lock()
	limiter, ok := d.limiters[provider]
	if !ok {
		limiter = rate.NewLimiter(rate.Limit(d.cfg.SendsPerSecond), 1)
		d.limiters[provider] = limiter
	}
	d.mu.Unlock()
	_ = limiter.Wait(ctx)
}

func retryable(err error) bool {
	if err == nil {
		return false
	}
	return !nonRetryable[channels.ErrorCode(err)]
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
