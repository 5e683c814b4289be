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

package mech

import "time"

// SubscriptionEndpoint is the HTTP destination for webhook deliveries.
type SubscriptionEndpoint struct {
	URL    string `json:"url"`
	Method string `json:"method"` // POST or PUT
}

// SubscriptionFilters narrow which events a subscription receives.
// Evaluation is AND across keys and OR within list values; ["*"] means all.
type SubscriptionFilters struct {
	Queues   []string          `json:"queues,omitempty"`
	Statuses []string          `json:"statuses,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Subscription registers an HTTP endpoint for lifecycle event delivery.
// Secret is the auto-generated HMAC key used to sign every envelope.
type Subscription struct {
	ID              string               `json:"id"`
	ApplicationID   string               `json:"applicationId"`
	Endpoint        SubscriptionEndpoint `json:"endpoint"`
	Events          []string             `json:"events"`
	Filters         SubscriptionFilters  `json:"filters"`
	Secret          string               `json:"secret,omitempty"`
	RetryConfig     RetryConfig          `json:"retryConfig"`
	Active          bool                 `json:"active"`
	FailureCount    int64                `json:"failureCount"`
	LastTriggeredAt *time.Time           `json:"lastTriggeredAt,omitempty"`
	CreatedAt       time.Time            `json:"createdAt"`
}

// WantsEvent reports whether the subscription selects the named event.
func (s *Subscription) WantsEvent(name string) bool {
	for _, e := range s.Events {
		if e == "*" || e == name {
			return true
		}
	}
	return false
}

// Matches evaluates the subscription filters against an event.
func (s *Subscription) Matches(ev Event) bool {
	if !matchList(s.Filters.Queues, ev.QueueName) {
		return false
	}
	if !matchList(s.Filters.Statuses, string(ev.JobStatus)) {
		return false
	}
	for k, want := range s.Filters.Metadata {
		if ev.Metadata[k] != want {
			return false
		}
	}
	return true
}

// matchList returns true when the filter list is empty, contains "*", or
// contains value.
func matchList(list []string, value string) bool {
	if len(list) == 0 {
		return true
	}
	for _, v := range list {
		if v == "*" || v == value {
			return true
		}
	}
	return false
}
