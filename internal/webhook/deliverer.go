// Mech is a multi-tenant job queueing and dispatch service.
// Copyright (C) 2025 Mech Authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"
	"golang.org/x/sync/errgroup"

	"mech/internal/metrics"
	"mech/pkg/mech"
)

// Deactivation policy: a subscription that exhausts delivery retries this
// many times inside the rolling window is switched off.
const (
	failureThreshold = 10
	failureWindow    = 24 * time.Hour
)

// Publisher emits management events (subscription.deactivated).
type Publisher interface {
	Publish(ev mech.Event)
}

// DelivererOptions tune the delivery engine.
type DelivererOptions struct {
	// Workers is the delivery concurrency.
	Workers int
	// QueueSize bounds pending deliveries; overflow is dropped.
	QueueSize int
	// Timeout caps one delivery attempt.
	Timeout time.Duration
}

func (o *DelivererOptions) withDefaults() {
	if o.Workers <= 0 {
		o.Workers = 4
	}
	if o.QueueSize <= 0 {
		o.QueueSize = 256
	}
	if o.Timeout <= 0 {
		o.Timeout = 10 * time.Second
	}
}

type delivery struct {
	sub mech.Subscription
	ev  mech.Event
}

// Deliverer matches bus events against subscriptions and posts signed
// envelopes, with per-subscription circuit breaking and retry.
type Deliverer struct {
	store  Store
	pub    Publisher
	client *http.Client
	log    *slog.Logger
	opts   DelivererOptions

	queue chan delivery

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// NewDeliverer constructs a Deliverer.
func NewDeliverer(st Store, pub Publisher, client *http.Client, log *slog.Logger, opts DelivererOptions) *Deliverer {
	opts.withDefaults()
	if client == nil {
		client = &http.Client{Timeout: opts.Timeout}
	}
	return &Deliverer{
		store:    st,
		pub:      pub,
		client:   client,
		log:      log,
		opts:     opts,
		queue:    make(chan delivery, opts.QueueSize),
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

// HandleEvent is the bus handler: it fans the event out to every matching
// active subscription. Queue overflow drops the delivery; events are an
// operational signal, not a ledger.
func (d *Deliverer) HandleEvent(ctx context.Context, ev mech.Event) {
	subs, err := d.candidates(ctx, ev)
	if err != nil {
		d.log.Error("subscription lookup failed", "event", ev.Name, "error", err)
		return
	}
	for _, sub := range subs {
		if !sub.WantsEvent(ev.Name) || !sub.Matches(ev) {
			continue
		}
		select {
		case d.queue <- delivery{sub: sub, ev: ev}:
		default:
			metrics.WebhookDeliveries.WithLabelValues("dropped").Inc()
			d.log.Warn("webhook queue full, dropping delivery",
				"subscription", sub.ID, "event", ev.Name)
		}
	}
}

func (d *Deliverer) candidates(ctx context.Context, ev mech.Event) ([]mech.Subscription, error) {
	if ev.ApplicationID != "" {
		return d.store.ActiveSubscriptions(ctx, ev.ApplicationID)
	}
	return d.store.AllActiveSubscriptions(ctx)
}

// Run consumes the delivery queue until ctx is cancelled.
func (d *Deliverer) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < d.opts.Workers; i++ {
		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return nil
				case del := <-d.queue:
					d.deliver(ctx, del.sub, del.ev)
				}
			}
		})
	}
	return g.Wait()
}

// SendTest delivers a synthetic event to one subscription, bypassing
// filters, and reports the delivery error if any.
func (d *Deliverer) SendTest(ctx context.Context, subscriptionID string) error {
	sub, err := d.store.GetSubscription(ctx, subscriptionID)
	if err != nil {
		return err
	}
	ev := mech.Event{
		Name:          "test",
		Timestamp:     time.Now().UTC(),
		ApplicationID: sub.ApplicationID,
		Data:          json.RawMessage(`{"test":true}`),
	}
	return d.attempt(ctx, *sub, ev, uuid.NewString(), 1)
}

// deliver runs the retry loop for one (subscription, event) pair and
// accounts the outcome against the deactivation window.
func (d *Deliverer) deliver(ctx context.Context, sub mech.Subscription, ev mech.Event) {
	retry := sub.RetryConfig
	attempts := retry.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	// One id for the whole delivery; receivers dedup retries on it.
	deliveryID := uuid.NewString()

	start := time.Now()
	var lastErr error
	for n := 1; n <= attempts; n++ {
		if n > 1 {
			delay := time.Duration(float64(retry.InitialDelayMs)*powf(retry.BackoffMultiplier, n-2)) * time.Millisecond
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
		}

		_, err := d.breaker(sub.ID).Execute(func() (any, error) {
			return nil, d.attempt(ctx, sub, ev, deliveryID, n)
		})
		if err == nil {
			metrics.WebhookDeliveries.WithLabelValues("delivered").Inc()
			metrics.WebhookDuration.Observe(time.Since(start).Seconds())
			if terr := d.store.TouchSubscription(ctx, sub.ID, time.Now()); terr != nil {
				d.log.Warn("touch subscription failed", "subscription", sub.ID, "error", terr)
			}
			return
		}
		lastErr = err
		if err == gobreaker.ErrOpenState {
			metrics.WebhookDeliveries.WithLabelValues("breaker_open").Inc()
			break
		}
	}

	metrics.WebhookDeliveries.WithLabelValues("failed").Inc()
	d.log.Warn("webhook delivery failed",
		"subscription", sub.ID, "event", ev.Name, "error", lastErr)

	deactivated, err := d.store.RecordDeliveryFailure(ctx, sub.ID, time.Now(), failureThreshold, failureWindow)
	if err != nil {
		d.log.Error("record delivery failure failed", "subscription", sub.ID, "error", err)
		return
	}
	if deactivated {
		d.log.Warn("subscription auto-deactivated", "subscription", sub.ID)
		d.pub.Publish(mech.Event{
			Name:          mech.EventSubscriptionDeactivated,
			Timestamp:     time.Now().UTC(),
			ApplicationID: sub.ApplicationID,
			Data:          json.RawMessage(fmt.Sprintf(`{"subscriptionId":%q}`, sub.ID)),
		})
	}
}

// attempt posts one signed envelope. Success is any 2xx response.
func (d *Deliverer) attempt(ctx context.Context, sub mech.Subscription, ev mech.Event, deliveryID string, attempt int) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	ts := time.Now().Unix()

	ctx, cancel := context.WithTimeout(ctx, d.opts.Timeout)
	defer cancel()

	method := sub.Endpoint.Method
	if method == "" {
		method = http.MethodPost
	}
	req, err := http.NewRequestWithContext(ctx, method, sub.Endpoint.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderEvent, ev.Name)
	req.Header.Set(HeaderTimestamp, fmt.Sprintf("%d", ts))
	req.Header.Set(HeaderSignature, Sign(sub.Secret, ts, body))
	req.Header.Set(HeaderDelivery, deliveryID)
	req.Header.Set(HeaderAttempt, fmt.Sprintf("%d", attempt))

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
	}()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("endpoint returned %d", resp.StatusCode)
	}
	return nil
}

func (d *Deliverer) breaker(subscriptionID string) *gobreaker.CircuitBreaker {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cb, ok := d.breakers[subscriptionID]; ok {
		return cb
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    subscriptionID,
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
	d.breakers[subscriptionID] = cb
	return cb
}

func powf(base float64, exp int) float64 {
	if base <= 0 {
		base = 1
	}
	out := 1.0
	for i := 0; i < exp; i++ {
		out *= base
	}
	return out
}
