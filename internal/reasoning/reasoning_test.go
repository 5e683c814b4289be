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

package reasoning

import (
	"context"
	"errors"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"mech/internal/store"
	"mech/pkg/mech"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "mech.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func seedSession(t *testing.T, st *store.Store, sessionID string) {
	t.Helper()
	now := time.Now().UTC()
	err := st.InsertSession(context.Background(), &mech.Session{
		SessionID:  sessionID,
		ProjectID:  "p1",
		Status:     mech.SessionStatusActive,
		Statistics: mech.SessionStatistics{StartTime: now, LastActivity: now},
		CreatedAt:  now,
		UpdatedAt:  now,
	})
	if err != nil {
		t.Fatalf("seed session: %v", err)
	}
}

func TestTokenize(t *testing.T) {
	got := Tokenize("Fix the RETRY logic, retry-loop & a b1!")
	want := []string{"fix", "the", "retry", "logic", "retry-loop", "b1"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Tokenize = %v, want %v", got, want)
	}
	if got := Tokenize("  !! "); got != nil {
		t.Errorf("Tokenize punctuation = %v", got)
	}
}

func TestStoreStepAssignsNumbers(t *testing.T) {
	st := newTestStore(t)
	svc := NewService(st)
	ctx := context.Background()
	seedSession(t, st, "s1")

	for i := 1; i <= 3; i++ {
		step, err := svc.StoreStep(ctx, &mech.ReasoningStep{
			SessionID: "s1",
			Type:      mech.StepTypeAnalysis,
			Content:   mech.StepContent{Raw: "looking at the dispatcher"},
		})
		if err != nil {
			t.Fatalf("store step %d: %v", i, err)
		}
		if step.StepNumber != int64(i) {
			t.Errorf("step %d number = %d", i, step.StepNumber)
		}
		if step.ID == "" {
			t.Error("id not assigned")
		}
	}

	chain, err := svc.GetChain(ctx, "s1")
	if err != nil {
		t.Fatal(err)
	}
	if len(chain) != 3 {
		t.Fatalf("chain length = %d", len(chain))
	}
	for i, step := range chain {
		if step.StepNumber != int64(i+1) {
			t.Errorf("chain[%d].StepNumber = %d", i, step.StepNumber)
		}
	}
}

func TestStoreStepValidation(t *testing.T) {
	st := newTestStore(t)
	svc := NewService(st)
	ctx := context.Background()
	seedSession(t, st, "s1")

	cases := []struct {
		name string
		step mech.ReasoningStep
	}{
		{"missing session", mech.ReasoningStep{Type: mech.StepTypeAnalysis, Content: mech.StepContent{Raw: "x"}}},
		{"bad type", mech.ReasoningStep{SessionID: "s1", Type: "daydream", Content: mech.StepContent{Raw: "x"}}},
		{"empty content", mech.ReasoningStep{SessionID: "s1", Type: mech.StepTypeAnalysis}},
		{"bad confidence", mech.ReasoningStep{SessionID: "s1", Type: mech.StepTypeAnalysis, Content: mech.StepContent{Raw: "x", Confidence: 1.5}}},
	}
	for _, tc := range cases {
		if _, err := svc.StoreStep(ctx, &tc.step); !errors.Is(err, ErrBadStep) {
			t.Errorf("%s: err = %v, want ErrBadStep", tc.name, err)
		}
	}

	_, err := svc.StoreStep(ctx, &mech.ReasoningStep{
		SessionID: "ghost", Type: mech.StepTypeAnalysis, Content: mech.StepContent{Raw: "x"},
	})
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("unknown session err = %v", err)
	}
}

func TestSearchRanksByRelevance(t *testing.T) {
	st := newTestStore(t)
	svc := NewService(st)
	ctx := context.Background()
	seedSession(t, st, "s1")

	steps := []mech.ReasoningStep{
		{SessionID: "s1", Type: mech.StepTypeAnalysis,
			Content: mech.StepContent{Raw: "the broker connection dropped"}},
		{SessionID: "s1", Type: mech.StepTypePlanning,
			Content: mech.StepContent{Raw: "reconnect the broker", Keywords: []string{"broker"}}},
		{SessionID: "s1", Type: mech.StepTypeExecution,
			Content: mech.StepContent{Raw: "wrote the retry loop"}},
	}
	for i := range steps {
		if _, err := svc.StoreStep(ctx, &steps[i]); err != nil {
			t.Fatal(err)
		}
	}

	hits, err := svc.Search(ctx, SearchRequest{Query: "broker"})
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) != 2 {
		t.Fatalf("hits = %d, want 2", len(hits))
	}
	// The keyword match outscores the raw-text match.
	if hits[0].Type != mech.StepTypePlanning {
		t.Errorf("best hit type = %s", hits[0].Type)
	}

	hits, err = svc.Search(ctx, SearchRequest{Query: "broker", StepType: mech.StepTypeAnalysis})
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) != 1 || hits[0].Type != mech.StepTypeAnalysis {
		t.Errorf("type filter: %+v", hits)
	}

	if _, err := svc.Search(ctx, SearchRequest{Query: "  "}); !errors.Is(err, ErrBadStep) {
		t.Errorf("empty query err = %v", err)
	}
}

func TestAnalyze(t *testing.T) {
	st := newTestStore(t)
	svc := NewService(st)
	ctx := context.Background()
	seedSession(t, st, "s1")

	steps := []mech.ReasoningStep{
		{SessionID: "s1", Type: mech.StepTypeAnalysis,
			Content: mech.StepContent{Raw: "read the failing test", Keywords: []string{"test", "dispatcher"}},
			Context: mech.StepContext{ToolsUsed: []string{"grep"}, FilesReferenced: []string{"a.go"}},
			Quality: mech.StepQuality{Clarity: 0.8, Completeness: 0.6, Usefulness: 0.9}},
		{SessionID: "s1", Type: mech.StepTypeAnalysis,
			Content: mech.StepContent{Raw: "narrowed it down", Keywords: []string{"test"}},
			Context: mech.StepContext{ToolsUsed: []string{"grep"}, FilesReferenced: []string{"a.go"}}},
		{SessionID: "s1", Type: mech.StepTypeExecution,
			Content: mech.StepContent{Raw: "patched the race"},
			Context: mech.StepContext{ToolsUsed: []string{"edit"}, FilesModified: []string{"a.go", "b.go"}},
			Quality: mech.StepQuality{Clarity: 0.4, Completeness: 0.8, Usefulness: 0.7}},
		{SessionID: "s1", Type: mech.StepTypeValidation,
			Content: mech.StepContent{Raw: "tests pass"}},
	}
	for i := range steps {
		if _, err := svc.StoreStep(ctx, &steps[i]); err != nil {
			t.Fatal(err)
		}
	}

	a, err := svc.Analyze(ctx, "s1")
	if err != nil {
		t.Fatal(err)
	}
	if a.StepCount != 4 {
		t.Errorf("step count = %d", a.StepCount)
	}
	if a.TypeDistribution[mech.StepTypeAnalysis] != 2 || a.TypeDistribution[mech.StepTypeValidation] != 1 {
		t.Errorf("type distribution = %v", a.TypeDistribution)
	}
	if a.ToolUsage["grep"] != 2 || a.ToolUsage["edit"] != 1 {
		t.Errorf("tool usage = %v", a.ToolUsage)
	}
	if a.FileTouches["a.go"] != 3 || a.FileTouches["b.go"] != 1 {
		t.Errorf("file touches = %v", a.FileTouches)
	}
	// Two scored steps: clarity (0.8+0.4)/2, usefulness (0.9+0.7)/2.
	if diff := a.Quality.Clarity - 0.6; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("clarity = %f", a.Quality.Clarity)
	}
	if diff := a.Quality.Usefulness - 0.8; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("usefulness = %f", a.Quality.Usefulness)
	}
	if len(a.TopKeywords) == 0 || a.TopKeywords[0].Keyword != "test" || a.TopKeywords[0].Count != 2 {
		t.Errorf("top keywords = %v", a.TopKeywords)
	}
	wantPhases := []mech.StepType{mech.StepTypeAnalysis, mech.StepTypeExecution, mech.StepTypeValidation}
	if !reflect.DeepEqual(a.Phases, wantPhases) {
		t.Errorf("phases = %v, want %v", a.Phases, wantPhases)
	}

	if _, err := svc.Analyze(ctx, "ghost"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("missing session err = %v", err)
	}
}
