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
	"sort"
	"strings"

	"mech/pkg/mech"
)

const topKeywordCount = 10

// QualityAverages are mean reviewer scores across a chain, zero when no
// step carried a score.
type QualityAverages struct {
	Clarity      float64 `json:"clarity"`
	Completeness float64 `json:"completeness"`
	Usefulness   float64 `json:"usefulness"`
}

// KeywordCount is one keyword with its occurrence count.
type KeywordCount struct {
	Keyword string `json:"keyword"`
	Count   int    `json:"count"`
}

// Analysis summarises one session's reasoning chain.
type Analysis struct {
	SessionID        string                `json:"sessionId"`
	StepCount        int                   `json:"stepCount"`
	TypeDistribution map[mech.StepType]int `json:"typeDistribution"`
	ToolUsage        map[string]int        `json:"toolUsage"`
	FileTouches      map[string]int        `json:"fileTouches"`
	Quality          QualityAverages       `json:"quality"`
	TopKeywords      []KeywordCount        `json:"topKeywords"`
	Phases           []mech.StepType       `json:"phases"`
}

// Analyze computes the chain summary for one session: type distribution,
// tool usage, file-touch histogram, average quality, top keywords, and the
// ordered sequence of reasoning phases (consecutive runs collapsed).
func (s *Service) Analyze(ctx context.Context, sessionID string) (*Analysis, error) {
	if _, err := s.store.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}
	chain, err := s.store.GetChain(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	a := &Analysis{
		SessionID:        sessionID,
		StepCount:        len(chain),
		TypeDistribution: make(map[mech.StepType]int),
		ToolUsage:        make(map[string]int),
		FileTouches:      make(map[string]int),
	}

	keywords := make(map[string]int)
	var clarity, completeness, usefulness float64
	scored := 0
	for _, step := range chain {
		a.TypeDistribution[step.Type]++
		for _, tool := range step.Context.ToolsUsed {
			a.ToolUsage[tool]++
		}
		for _, f := range step.Context.FilesReferenced {
			a.FileTouches[f]++
		}
		for _, f := range step.Context.FilesModified {
			a.FileTouches[f]++
		}
		for _, kw := range step.Content.Keywords {
			keywords[strings.ToLower(kw)]++
		}
		if q := step.Quality; q.Clarity > 0 || q.Completeness > 0 || q.Usefulness > 0 {
			clarity += q.Clarity
			completeness += q.Completeness
			usefulness += q.Usefulness
			scored++
		}
		if n := len(a.Phases); n == 0 || a.Phases[n-1] != step.Type {
			a.Phases = append(a.Phases, step.Type)
		}
	}

	if scored > 0 {
		a.Quality = QualityAverages{
			Clarity:      clarity / float64(scored),
			Completeness: completeness / float64(scored),
			Usefulness:   usefulness / float64(scored),
		}
	}
	a.TopKeywords = topKeywords(keywords, topKeywordCount)
	return a, nil
}

func topKeywords(counts map[string]int, limit int) []KeywordCount {
	out := make([]KeywordCount, 0, len(counts))
	for kw, n := range counts {
		out = append(out, KeywordCount{Keyword: kw, Count: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Keyword < out[j].Keyword
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}
