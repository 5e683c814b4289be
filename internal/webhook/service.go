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

// Package webhook registers subscriptions and delivers signed lifecycle
// event envelopes to their endpoints.
package webhook

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"

	"mech/pkg/mech"
)

var (
	// ErrBadEndpoint is returned for endpoints that are not http(s) URLs or
	// use a method other than POST/PUT.
	ErrBadEndpoint = errors.New("invalid subscription endpoint")
	// ErrBadEvents is returned when the selected events are empty or unknown.
	ErrBadEvents = errors.New("invalid event selection")
)

// Store is the persistence surface the subscription service needs.
type Store interface {
	InsertSubscription(ctx context.Context, sub *mech.Subscription) error
	GetSubscription(ctx context.Context, id string) (*mech.Subscription, error)
	ListSubscriptions(ctx context.Context, applicationID string) ([]mech.Subscription, error)
	ActiveSubscriptions(ctx context.Context, applicationID string) ([]mech.Subscription, error)
	AllActiveSubscriptions(ctx context.Context) ([]mech.Subscription, error)
	DeleteSubscription(ctx context.Context, id string) error
	SetSubscriptionActive(ctx context.Context, id string, active bool) error
	TouchSubscription(ctx context.Context, id string, at time.Time) error
	RecordDeliveryFailure(ctx context.Context, id string, now time.Time, threshold int64, window time.Duration) (bool, error)
}

// Service manages webhook subscriptions.
type Service struct {
	store Store
}

// NewService constructs a Service.
func NewService(st Store) *Service {
	return &Service{store: st}
}

// Create validates and registers a subscription, generating its id and
// signing secret.
func (s *Service) Create(ctx context.Context, sub *mech.Subscription) (*mech.Subscription, error) {
	if err := validateEndpoint(sub.Endpoint); err != nil {
		return nil, err
	}
	if err := validateEvents(sub.Events); err != nil {
		return nil, err
	}
	if sub.Endpoint.Method == "" {
		sub.Endpoint.Method = http.MethodPost
	}
	if sub.RetryConfig.MaxAttempts <= 0 {
		sub.RetryConfig = mech.DefaultRetryConfig()
	}

	secret, err := newSecret()
	if err != nil {
		return nil, err
	}
	sub.ID = uuid.NewString()
	sub.Secret = secret
	sub.Active = true
	sub.FailureCount = 0
	sub.CreatedAt = time.Now().UTC()

	if err := s.store.InsertSubscription(ctx, sub); err != nil {
		return nil, err
	}
	return sub, nil
}

// Get returns a subscription by id.
func (s *Service) Get(ctx context.Context, id string) (*mech.Subscription, error) {
	return s.store.GetSubscription(ctx, id)
}

// List returns an application's subscriptions.
func (s *Service) List(ctx context.Context, applicationID string) ([]mech.Subscription, error) {
	return s.store.ListSubscriptions(ctx, applicationID)
}

// Delete removes a subscription.
func (s *Service) Delete(ctx context.Context, id string) error {
	return s.store.DeleteSubscription(ctx, id)
}

// SetActive toggles delivery. Reactivation clears the failure window.
func (s *Service) SetActive(ctx context.Context, id string, active bool) error {
	return s.store.SetSubscriptionActive(ctx, id, active)
}

func validateEndpoint(ep mech.SubscriptionEndpoint) error {
	u, err := url.Parse(ep.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: url %q", ErrBadEndpoint, ep.URL)
	}
	switch ep.Method {
	case "", http.MethodPost, http.MethodPut:
	default:
		return fmt.Errorf("%w: method %q", ErrBadEndpoint, ep.Method)
	}
	return nil
}

func validateEvents(events []string) error {
	if len(events) == 0 {
		return fmt.Errorf("%w: empty", ErrBadEvents)
	}
	for _, e := range events {
		if e == "*" {
			continue
		}
		known := false
		for _, k := range mech.LifecycleEvents {
			if e == k {
				known = true
				break
			}
		}
		if !known {
			return fmt.Errorf("%w: unknown event %q", ErrBadEvents, e)
		}
	}
	return nil
}

func newSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate secret: %w", err)
	}
	return "whsec_" + hex.EncodeToString(buf), nil
}
