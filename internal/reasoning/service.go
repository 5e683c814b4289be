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

// Package reasoning stores append-only reasoning chains and provides
// lexical search and per-session analysis over them.
package reasoning

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"mech/internal/store"
	"mech/pkg/mech"
)

// ErrBadStep is returned for steps failing validation.
var ErrBadStep = errors.New("invalid reasoning step")

// Store is the persistence surface the reasoning service needs.
type Store interface {
	AppendReasoningStep(ctx context.Context, step *mech.ReasoningStep) error
	GetChain(ctx context.Context, sessionID string) ([]mech.ReasoningStep, error)
	SearchSteps(ctx context.Context, tokens []string, f store.StepSearchFilter) ([]mech.ReasoningStep, error)
	GetSession(ctx context.Context, sessionID string) (*mech.Session, error)
}

// Service manages reasoning chains.
type Service struct {
	store Store
}

// NewService constructs a Service.
func NewService(st Store) *Service {
	return &Service{store: st}
}

// StoreStep validates and appends a step to its session's chain. The step
// number is assigned by the append, never by the caller.
func (s *Service) StoreStep(ctx context.Context, step *mech.ReasoningStep) (*mech.ReasoningStep, error) {
	if step.SessionID == "" {
		return nil, fmt.Errorf("%w: sessionId is required", ErrBadStep)
	}
	if !step.Type.Valid() {
		return nil, fmt.Errorf("%w: unknown type %q", ErrBadStep, step.Type)
	}
	if step.Content.Raw == "" {
		return nil, fmt.Errorf("%w: empty content", ErrBadStep)
	}
	if c := step.Content.Confidence; c < 0 || c > 1 {
		return nil, fmt.Errorf("%w: confidence %f outside [0,1]", ErrBadStep, c)
	}

	step.ID = uuid.NewString()
	if step.Metadata.Timestamp.IsZero() {
		step.Metadata.Timestamp = time.Now().UTC()
	}
	if err := s.store.AppendReasoningStep(ctx, step); err != nil {
		return nil, err
	}
	return step, nil
}

// GetChain returns a session's steps in chain order.
func (s *Service) GetChain(ctx context.Context, sessionID string) ([]mech.ReasoningStep, error) {
	if _, err := s.store.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}
	return s.store.GetChain(ctx, sessionID)
}

// SearchRequest is one lexical search over stored steps.
type SearchRequest struct {
	Query     string        `json:"query"`
	SessionID string        `json:"sessionId,omitempty"`
	StepType  mech.StepType `json:"stepType,omitempty"`
	Since     *time.Time    `json:"since,omitempty"`
	Limit     int           `json:"limit,omitempty"`
}

// SearchHit is one scored step.
type SearchHit struct {
	mech.ReasoningStep
	Score float64 `json:"score"`
}

// Search tokenizes the query, fetches steps containing every token, and
// ranks them by term frequency then recency.
func (s *Service) Search(ctx context.Context, req SearchRequest) ([]SearchHit, error) {
	tokens := Tokenize(req.Query)
	if len(tokens) == 0 {
		return nil, fmt.Errorf("%w: empty query", ErrBadStep)
	}
	if req.StepType != "" && !req.StepType.Valid() {
		return nil, fmt.Errorf("%w: unknown type %q", ErrBadStep, req.StepType)
	}

	steps, err := s.store.SearchSteps(ctx, tokens, store.StepSearchFilter{
		SessionID: req.SessionID,
		StepType:  req.StepType,
		Since:     req.Since,
		Limit:     req.Limit,
	})
	if err != nil {
		return nil, err
	}

	hits := make([]SearchHit, len(steps))
	for i, st := range steps {
		hits[i] = SearchHit{ReasoningStep: st, Score: scoreStep(&st, tokens)}
	}
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].Metadata.Timestamp.After(hits[j].Metadata.Timestamp)
	})
	return hits, nil
}

// scoreStep counts token occurrences, weighting keyword and summary matches
// above raw-text matches.
func scoreStep(step *mech.ReasoningStep, tokens []string) float64 {
	raw := strings.ToLower(step.Content.Raw)
	summary := strings.ToLower(step.Content.Summary)

	var score float64
	for _, tok := range tokens {
		score += float64(strings.Count(raw, tok))
		score += 2 * float64(strings.Count(summary, tok))
		for _, kw := range step.Content.Keywords {
			if strings.Contains(strings.ToLower(kw), tok) {
				score += 3
			}
		}
	}
	return score
}

// Tokenize lowercases the query and splits it into unique terms.
func Tokenize(query string) []string {
	fields := strings.FieldsFunc(strings.ToLower(query), func(r rune) bool {
		return !('a' <= r && r <= 'z') && !('0' <= r && r <= '9') && r != '_' && r != '-'
	})
	seen := make(map[string]bool, len(fields))
	var out []string
	for _, f := range fields {
		if len(f) < 2 || seen[f] {
			continue
		}
		seen[f] = true
		out = append(out, f)
	}
	return out
}
