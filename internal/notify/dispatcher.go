package notify

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"jobmaster/internal/eventbus"
	"jobmaster/internal/jobs"
	logx "jobmaster/pkg/logx"

	rtsup "jobmaster/internal/runtime/supervisor"
)

type queued struct {
	m   Message
	key string
}

// Dispatcher implements jobs.Notifier and logx.AlertSink. It is safe for concurrent use.
type Dispatcher struct {
	mu sync.Mutex

	log     logx.Logger
	bus     eventbus.Bus
	cfg     Config
	limiter *rate.Limiter
	senders map[string]Sender

	accepting bool
	sendWG    sync.WaitGroup
	queue     chan queued
	sup       *rtsup.Supervisor
	stopDone  chan struct{}

	dmu   sync.Mutex
	dedup map[string]time.Time

	hmu     sync.Mutex
	history []HistoryItem

	sent, failed, dropped atomic.Uint64
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Dispatcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop()
	}
	d := &Dispatcher{
		log:     log,
		bus:     bus,
		senders: map[string]Sender{},
		dedup:   map[string]time.Time{},
	}
	d.applyLocked(cfg)
	return d
}

// Register installs the sender for a channel, replacing any previous one.
func (d *Dispatcher) Register(channel string, s Sender) {
	d.mu.Lock()
	if s == nil {
		delete(d.senders, channel)
	} else {
		d.senders[channel] = s
	}
	d.mu.Unlock()
}

func (d *Dispatcher) Apply(ctx context.Context, cfg Config) {
	d.mu.Lock()
	d.applyLocked(cfg)
	running := d.queue != nil
	d.mu.Unlock()

	switch {
	case running && !cfg.Enabled:
		d.Stop(ctx)
	case !running && cfg.Enabled:
		d.Start(ctx)
	}
}

func (d *Dispatcher) applyLocked(cfg Config) {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 512
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 3
	}
	cfg.RetryMax = max(cfg.RetryMax, 0)
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 10 * time.Second
	}
	cfg.DedupWindow = max(cfg.DedupWindow, 0)
	d.cfg = cfg
	d.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

// Start is idempotent. It does nothing when disabled.
func (d *Dispatcher) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	d.mu.Lock()
	if d.stopDone != nil {
		done := d.stopDone
		d.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
		d.mu.Lock()
	}
	if d.queue != nil || !d.cfg.Enabled {
		d.mu.Unlock()
		return
	}
	d.queue = make(chan queued, d.cfg.QueueSize)
	d.accepting = true
	d.sup = rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(d.log.With(logx.String("comp", "notify.sup"))),
		rtsup.WithCancelOnError(false),
	)
	sup, q, workers := d.sup, d.queue, d.cfg.Workers
	d.mu.Unlock()

	for i := range workers {
		sup.GoRestart(fmt.Sprintf("worker.%d", i), func(c context.Context) error {
			d.workerLoop(c, q)
			d.mu.Lock()
			stopping := d.stopDone != nil
			d.mu.Unlock()
			if stopping || c.Err() != nil {
				return context.Canceled
			}
			return errors.New("notify worker exited unexpectedly")
		}, rtsup.WithPublishFirstError(true))
	}
	d.log.Info("notify started", logx.Int("workers", workers))
}

// Stop closes intake and drains the queue until ctx is done.
func (d *Dispatcher) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	d.mu.Lock()
	q, sup := d.queue, d.sup
	if q == nil {
		d.mu.Unlock()
		return
	}
	if d.stopDone != nil {
		done := d.stopDone
		d.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	d.stopDone = done
	d.accepting = false
	d.mu.Unlock()

	go func() {
		defer close(done)
		d.sendWG.Wait()
		close(q)
		_ = sup.Wait(context.Background())
		d.mu.Lock()
		d.queue, d.sup, d.stopDone = nil, nil, nil
		d.mu.Unlock()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		sup.Cancel()
	}
}

// Notify implements jobs.Notifier: every enabled action of the job bound to trigger is queued.
func (d *Dispatcher) Notify(trigger string, j jobs.Job) {
	var text string
	for _, a := range j.Actions {
		if !a.Enabled || a.Trigger != trigger {
			continue
		}
		if text == "" {
			text = FormatJob(trigger, j, time.Now())
		}
		m := Message{Channel: a.Type, Target: a.Target, Text: text, Trigger: trigger, Job: j.ID}
		if err := d.Send(context.Background(), m); err != nil && !errors.Is(err, ErrDisabled) {
			d.log.Debug("job action not queued", logx.String("job", j.ID), logx.String("trigger", trigger), logx.Err(err))
		}
	}
}

// SendAlert implements logx.AlertSink.
func (d *Dispatcher) SendAlert(_ logx.Level, text string) {
	d.mu.Lock()
	ch, target := d.cfg.AlertChannel, d.cfg.AlertTarget
	d.mu.Unlock()
	if ch == "" {
		return
	}
	_ = d.Send(context.Background(), Message{Channel: ch, Target: target, Text: text, Trigger: "alert"})
}

// Send queues a message without blocking.
func (d *Dispatcher) Send(ctx context.Context, m Message) error {
	if ctx != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	d.mu.Lock()
	if !d.cfg.Enabled {
		d.mu.Unlock()
		return ErrDisabled
	}
	if !d.accepting || d.queue == nil {
		d.mu.Unlock()
		return ErrStopped
	}
	q, window := d.queue, d.cfg.DedupWindow
	d.sendWG.Add(1)
	d.mu.Unlock()
	defer d.sendWG.Done()

	key := dedupKey(m)
	if window > 0 && !d.dedupAllow(key, window) {
		return nil
	}
	select {
	case q <- queued{m: m, key: key}:
		return nil
	default:
		d.dropped.Add(1)
		d.publish(eventbus.NotifyDropped, m, ErrQueueFull)
		return ErrQueueFull
	}
}

func (d *Dispatcher) Snapshot() Snapshot {
	d.mu.Lock()
	s := Snapshot{Enabled: d.cfg.Enabled, Running: d.queue != nil}
	if d.queue != nil {
		s.Queued = len(d.queue)
	}
	d.mu.Unlock()
	s.Sent, s.Failed, s.Dropped = d.sent.Load(), d.failed.Load(), d.dropped.Load()
	return s
}

// History returns the most recent sent messages, oldest first.
func (d *Dispatcher) History() []HistoryItem {
	d.hmu.Lock()
	defer d.hmu.Unlock()
	return append([]HistoryItem(nil), d.history...)
}

func (d *Dispatcher) appendHistory(m Message) {
	d.hmu.Lock()
	d.history = append(d.history, HistoryItem{At: time.Now(), Channel: m.Channel, Text: m.Text})
	if len(d.history) > 300 {
		d.history = d.history[len(d.history)-300:]
	}
	d.hmu.Unlock()
}

func (d *Dispatcher) workerLoop(ctx context.Context, q <-chan queued) {
	for {
		select {
		case <-ctx.Done():
			return
		case it, ok := <-q:
			if !ok {
				return
			}
			d.sendWithRetry(ctx, it)
		}
	}
}

func (d *Dispatcher) sendWithRetry(ctx context.Context, it queued) {
	d.mu.Lock()
	cfg, lim, sender := d.cfg, d.limiter, d.senders[it.m.Channel]
	d.mu.Unlock()

	if sender == nil {
		d.failed.Add(1)
		d.publish(eventbus.NotifyFailed, it.m, fmt.Errorf("%w: %q", ErrUnknownChannel, it.m.Channel))
		return
	}

	attempts := 1 + cfg.RetryMax
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := lim.Wait(ctx); err != nil {
			return
		}
		cctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err := sender.Send(cctx, it.m.Target, it.m.Text)
		cancel()
		if err == nil {
			d.sent.Add(1)
			d.appendHistory(it.m)
			d.publish(eventbus.NotifySent, it.m, nil)
			return
		}
		lastErr = err
		// Debug only: a warn here would feed back into the alert sink.
		d.log.Debug("notify send failed", logx.String("channel", it.m.Channel), logx.Int("attempt", attempt), logx.Err(err))
		if attempt == attempts {
			break
		}
		t := time.NewTimer(retryDelay(cfg, attempt))
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return
		}
	}
	d.failed.Add(1)
	d.publish(eventbus.NotifyFailed, it.m, lastErr)
}

func (d *Dispatcher) publish(topic string, m Message, err error) {
	now := time.Now()
	dl := Delivery{Channel: m.Channel, Target: m.Target, Trigger: m.Trigger, Job: m.Job, At: now}
	if err != nil {
		dl.Error = err.Error()
	}
	d.bus.Publish(eventbus.Event{Type: topic, Time: now, Data: dl})
}

func dedupKey(m Message) string {
	h := fnv.New64a()
	_, _ = fmt.Fprintf(h, "%s|%s|%s", m.Channel, m.Target, m.Text)
	return fmt.Sprintf("%x", h.Sum64())
}

const dedupMaxEntries = 2000

func (d *Dispatcher) dedupAllow(key string, window time.Duration) bool {
	now := time.Now()
	d.dmu.Lock()
	defer d.dmu.Unlock()
	if until, ok := d.dedup[key]; ok && now.Before(until) {
		return false
	}
	d.dedup[key] = now.Add(window)
	if len(d.dedup) > dedupMaxEntries {
		for k, until := range d.dedup {
			if !now.Before(until) {
				delete(d.dedup, k)
			}
		}
	}
	return true
}

// retryDelay is exponential from RetryBase with 0.7..1.3 jitter, capped at RetryMaxDelay.
func retryDelay(cfg Config, attempt int) time.Duration {
	d := cfg.RetryBase
	for i := 1; i < attempt && d < cfg.RetryMaxDelay; i++ {
		d *= 2
	}
	d = time.Duration(float64(d) * (0.7 + rand.Float64()*0.6))
	return min(max(d, 0), cfg.RetryMaxDelay)
}
