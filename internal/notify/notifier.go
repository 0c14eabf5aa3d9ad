package notify

import (
	"cloudproc/internal/config"
	"cloudproc/internal/tracker"
	"cloudproc/pkg/backoff"
	"context"
	"errors"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"
	"time"
)

// ErrBufferFull is returned when the queue is full and the event is dropped.
var ErrBufferFull = errors.New("notifier buffer full, event dropped")

// ErrClosed is returned after Close.
var ErrClosed = errors.New("notifier is closed")

// Config configures a Notifier. Zero values use defaults.
type Config struct {
	Source      string        // CloudEvent source (default: "cloudproc")
	BufferSize  int           // pending events (default: 1000)
	Workers     int           // delivery goroutines (default: 4)
	MaxRetries  int           // retries after the first attempt (default: 3, negative for none)
	HTTPTimeout time.Duration // per request (default: 10s)
	SigningKey  string
	Backoff     backoff.Config

	// BreakerThreshold consecutive failures to one host open its breaker
	// (default: 5); deliveries are then skipped for BreakerCooldown
	// (default: 30s).
	BreakerThreshold int
	BreakerCooldown  time.Duration
}

// LoadConfigFromEnv reads notifier settings from the environment.
func LoadConfigFromEnv() Config {
	return Config{
		Source:      config.GetEnv("NOTIFY_SOURCE", "cloudproc"),
		BufferSize:  config.GetIntEnv("NOTIFY_BUFFER_SIZE", 1000),
		Workers:     config.GetIntEnv("NOTIFY_WORKERS", 4),
		MaxRetries:  config.GetIntEnv("NOTIFY_MAX_RETRIES", 3),
		HTTPTimeout: config.GetDurationEnv("NOTIFY_HTTP_TIMEOUT", 10*time.Second),
		SigningKey:  config.GetSecretFile(config.GetEnv("NOTIFY_SIGNING_KEY_FILE", "")),

		BreakerThreshold: config.GetIntEnv("NOTIFY_BREAKER_THRESHOLD", 5),
		BreakerCooldown:  config.GetDurationEnv("NOTIFY_BREAKER_COOLDOWN", 30*time.Second),
	}.withDefaults()
}

func (c Config) withDefaults() Config {
	if c.Source == "" {
		c.Source = "cloudproc"
	}
	if c.BufferSize <= 0 {
		c.BufferSize = 1000
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	switch {
	case c.MaxRetries == 0:
		c.MaxRetries = 3
	case c.MaxRetries < 0:
		c.MaxRetries = 0
	}
	if c.HTTPTimeout <= 0 {
		c.HTTPTimeout = 10 * time.Second
	}
	if c.BreakerThreshold <= 0 {
		c.BreakerThreshold = 5
	}
	if c.BreakerCooldown <= 0 {
		c.BreakerCooldown = 30 * time.Second
	}
	return c
}

// MetricsRecorder records notification outcomes.
type MetricsRecorder interface {
	RecordNotification(ctx context.Context, outcome string)
}

// Stats holds notifier counters.
type Stats struct {
	QueueDepth int
	Queued     int64
	Delivered  int64
	Failed     int64
	Dropped    int64
	Retries    int64
	Skipped    int64 // not attempted because the host's breaker was open
	OpenHosts  int
}

type delivery struct {
	url   string
	event *CloudEvent
}

// Notifier queues events in a bounded channel and delivers them from a
// fixed set of goroutines. Enqueueing never blocks; a full buffer drops.
type Notifier struct {
	cfg      Config
	queue    chan delivery
	sender   *Sender
	breakers *breakers
	metrics  MetricsRecorder
	logger   *slog.Logger

	queued, delivered, failed, dropped, retries, skipped atomic.Int64

	wg       sync.WaitGroup
	shutdown chan struct{}
	closed   atomic.Bool
}

// New starts a notifier.
func New(cfg Config, metrics MetricsRecorder) *Notifier {
	cfg = cfg.withDefaults()
	n := &Notifier{
		cfg:      cfg,
		queue:    make(chan delivery, cfg.BufferSize),
		sender:   NewSender(cfg.HTTPTimeout, cfg.SigningKey),
		breakers: newBreakers(cfg.BreakerThreshold, cfg.BreakerCooldown),
		metrics:  metrics,
		logger:   slog.With("component", "notifier"),
		shutdown: make(chan struct{}),
	}
	n.wg.Add(cfg.Workers)
	for i := 0; i < cfg.Workers; i++ {
		go n.worker()
	}
	n.logger.Info("Notifier started", "workers", cfg.Workers, "buffer", cfg.BufferSize)
	return n
}

// NotifyCallDone queues a call-completion event for callbackURL.
func (n *Notifier) NotifyCallDone(ctx context.Context, callbackURL string, status *tracker.CallStatus) error {
	if n.closed.Load() {
		return ErrClosed
	}
	select {
	case n.queue <- delivery{url: callbackURL, event: NewCallDoneEvent(n.cfg.Source, status)}:
		n.queued.Add(1)
		return nil
	default:
		n.dropped.Add(1)
		n.record(ctx, "dropped")
		n.logger.Warn("Event dropped, buffer full", "destination", host(callbackURL), "callId", status.CallID)
		return ErrBufferFull
	}
}

// Stats returns current counters.
func (n *Notifier) Stats() Stats {
	return Stats{
		QueueDepth: len(n.queue),
		Queued:     n.queued.Load(),
		Delivered:  n.delivered.Load(),
		Failed:     n.failed.Load(),
		Dropped:    n.dropped.Load(),
		Retries:    n.retries.Load(),
		Skipped:    n.skipped.Load(),
		OpenHosts:  n.breakers.open(),
	}
}

// Close stops accepting events and waits, bounded by ctx, for the queue to
// drain.
func (n *Notifier) Close(ctx context.Context) error {
	if n.closed.Swap(true) {
		return nil
	}
	n.logger.Info("Notifier shutting down", "queued", len(n.queue))
	close(n.shutdown)

	done := make(chan struct{})
	go func() {
		n.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		n.logger.Info("Notifier shutdown complete",
			"delivered", n.delivered.Load(),
			"failed", n.failed.Load(),
			"dropped", n.dropped.Load(),
		)
		return nil
	case <-ctx.Done():
		n.logger.Warn("Notifier shutdown timed out", "remaining", len(n.queue))
		return ctx.Err()
	}
}

func (n *Notifier) worker() {
	defer n.wg.Done()
	for {
		select {
		case d := <-n.queue:
			n.deliver(d)
		case <-n.shutdown:
			for {
				select {
				case d := <-n.queue:
					n.deliver(d)
				default:
					return
				}
			}
		}
	}
}

func (n *Notifier) deliver(d delivery) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	dest := host(d.url)
	breaker := n.breakers.get(dest)
	if !breaker.allow() {
		n.skipped.Add(1)
		n.record(ctx, "skipped")
		n.logger.Warn("Delivery skipped, circuit open", "destination", dest, "subject", d.event.Subject)
		return
	}

	var err error
	for attempt := 0; attempt <= n.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			n.retries.Add(1)
			if err = backoff.Sleep(ctx, backoff.Exponential(attempt, &n.cfg.Backoff)); err != nil {
				break
			}
		}
		if err = n.sender.Send(ctx, d.url, d.event); err == nil || permanent(err) {
			break
		}
	}
	// A 4xx is the receiver rejecting this event, not the host being down.
	if err == nil || permanent(err) {
		breaker.record(nil)
	} else {
		breaker.record(err)
	}

	if err != nil {
		n.failed.Add(1)
		n.record(ctx, "failed")
		n.logger.Warn("Delivery failed", "destination", dest, "subject", d.event.Subject, "error", err)
		return
	}
	n.delivered.Add(1)
	n.record(ctx, "delivered")
}

func (n *Notifier) record(ctx context.Context, outcome string) {
	if n.metrics != nil {
		n.metrics.RecordNotification(ctx, outcome)
	}
}

func host(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Host == "" {
		return rawURL
	}
	return parsed.Host
}
