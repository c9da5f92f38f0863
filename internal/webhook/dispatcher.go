// Package webhook delivers confirmed transitions to configured webhooks.
//
// # Design
//
// One worker goroutine per enabled webhook, each with its own bounded
// queue. A webhook that is slow, failing, or backing off never delays the
// probing loop or the other webhooks. Queue overflow drops the oldest
// transition and logs a warning: keeping the monitor live beats delivering
// every alert under severe pressure.
//
// # Retry
//
// Up to three attempts per delivery with 1 s and 3 s waits between them.
// Network errors and 5xx responses retry; 4xx is terminal since the request
// will not get better.
package webhook

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/ifpj/netwatch/internal/bus"
	"github.com/ifpj/netwatch/pkg/types"
)

// QueueSize is the per-webhook pending transition queue depth.
const QueueSize = 64

// maxAttempts bounds delivery retries per transition per webhook.
const maxAttempts = 3

// backoff holds the waits between attempts.
var backoff = []time.Duration{1 * time.Second, 3 * time.Second}

// Dispatcher fans transitions out to webhook workers.
type Dispatcher struct {
	client *http.Client
	logger *slog.Logger

	mu      sync.Mutex
	enabled bool
	workers map[string]*worker // webhook id -> worker
	ctx     context.Context

	wg sync.WaitGroup
}

// worker is the delivery loop for one webhook.
type worker struct {
	webhook types.Webhook
	queue   chan types.Transition
	done    chan struct{}
}

// NewDispatcher creates a dispatcher. A nil client gets a 10 s-timeout
// default.
func NewDispatcher(client *http.Client, logger *slog.Logger) *Dispatcher {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		client:  client,
		logger:  logger.With("component", "webhook"),
		workers: make(map[string]*worker),
	}
}

// Run consumes transitions from the bus until ctx is cancelled. Workers
// started by Configure after Run has begun use ctx as their delivery
// context; workers started earlier use context.Background.
func (d *Dispatcher) Run(ctx context.Context, b *bus.Bus) error {
	d.mu.Lock()
	d.ctx = ctx
	d.mu.Unlock()

	sub := b.Subscribe(bus.KindTransition)
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-sub.Events():
			switch ev.Kind {
			case bus.KindTransition:
				d.Dispatch(*ev.Transition)
			case bus.KindLag:
				d.logger.Warn("transition stream lagged, alerts may be missing")
			}
		}
	}
}

// Configure reconciles the worker set with a new alert configuration.
// Unchanged webhooks keep their worker and queued transitions; changed ones
// are restarted; removed or disabled ones are stopped.
func (d *Dispatcher) Configure(alert types.AlertConfig) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.enabled = alert.Enabled

	want := make(map[string]types.Webhook)
	if alert.Enabled {
		for _, wh := range alert.Webhooks {
			if wh.Enabled && wh.URL != "" {
				want[wh.ID] = wh
			}
		}
	}

	for id, w := range d.workers {
		wh, keep := want[id]
		if keep && wh == w.webhook {
			delete(want, id)
			continue
		}
		close(w.queue)
		delete(d.workers, id)
	}

	for id, wh := range want {
		d.workers[id] = d.startWorker(wh)
		d.logger.Info("webhook worker started", "webhook", wh.Name, "id", id)
	}
}

// Dispatch queues a transition to every active webhook worker.
func (d *Dispatcher) Dispatch(tr types.Transition) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.enabled {
		return
	}
	for _, w := range d.workers {
		select {
		case w.queue <- tr:
		default:
			// Full queue: shed the oldest pending transition.
			select {
			case dropped := <-w.queue:
				d.logger.Warn("webhook queue overflow, dropping oldest transition",
					"webhook", w.webhook.Name,
					"target", dropped.Target.Name)
			default:
			}
			select {
			case w.queue <- tr:
			default:
			}
		}
	}
}

// startWorker launches the delivery loop for one webhook. Caller holds d.mu.
func (d *Dispatcher) startWorker(wh types.Webhook) *worker {
	w := &worker{
		webhook: wh,
		queue:   make(chan types.Transition, QueueSize),
		done:    make(chan struct{}),
	}
	ctx := d.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer close(w.done)
		for tr := range w.queue {
			d.deliver(ctx, wh, tr)
		}
	}()
	return w
}

// Flush stops all workers and waits up to timeout for queued transitions to
// drain. Used at shutdown after the runners have stopped producing.
func (d *Dispatcher) Flush(timeout time.Duration) {
	d.mu.Lock()
	for id, w := range d.workers {
		close(w.queue)
		delete(d.workers, id)
	}
	d.enabled = false
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		d.logger.Warn("webhook flush timed out, dropping queued transitions")
	}
}

// deliver posts one transition to one webhook with bounded retry.
func (d *Dispatcher) deliver(ctx context.Context, wh types.Webhook, tr types.Transition) {
	body, contentType := Render(wh.Template, tr)

	var lastErr string
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		status, err := d.post(ctx, wh.URL, body, contentType)
		switch {
		case err == nil && status < 400:
			d.logger.Info("webhook delivered",
				"webhook", wh.Name,
				"target", tr.Target.Name,
				"state", tr.To,
				"attempt", attempt)
			return
		case err == nil && status < 500:
			// 4xx: the request is wrong, retrying will not help.
			d.logger.Error("webhook rejected",
				"webhook", wh.Name,
				"target", tr.Target.Name,
				"status", status)
			return
		case err != nil:
			lastErr = err.Error()
		default:
			lastErr = http.StatusText(status)
		}

		if attempt < maxAttempts {
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff[attempt-1]):
			}
		}
	}

	d.logger.Error("webhook delivery failed",
		"webhook", wh.Name,
		"target", tr.Target.Name,
		"attempts", maxAttempts,
		"error", lastErr)
}

// post sends one request and reports the status code.
func (d *Dispatcher) post(ctx context.Context, url, body, contentType string) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, err
	}
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	resp.Body.Close()
	return resp.StatusCode, nil
}
