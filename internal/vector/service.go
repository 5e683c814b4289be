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

package vector

import (
	"context"
	"errors"
	"fmt"
	"math"
	"regexp"
	"sort"
	"time"

	"mech/pkg/mech"
)

const (
	defaultLimit          = 10
	defaultScoreThreshold = 0.7
)

// ErrBadQuery is returned for empty queries or invalid filters.
var ErrBadQuery = errors.New("invalid search query")

// Store is the persistence surface the vector service needs.
type Store interface {
	EnsureVectorIndex(ctx context.Context, dims int) error
	UpsertEmbedding(ctx context.Context, e *mech.CodeEmbedding) error
	CandidateEmbeddings(ctx context.Context, projectID, repositoryName, language string) ([]mech.CodeEmbedding, error)
	DeleteRepositoryEmbeddings(ctx context.Context, projectID, repositoryName string) (int64, error)
	CountEmbeddings(ctx context.Context, projectID, repositoryName string) (int64, error)
}

// SearchFilters narrow a code search beyond the mandatory project scope.
type SearchFilters struct {
	RepositoryName string `json:"repositoryName,omitempty"`
	Language       string `json:"language,omitempty"`
	// FilePathPattern is a regular expression matched against file paths.
	FilePathPattern string `json:"filePathPattern,omitempty"`
}

// SearchRequest is one code-search call.
type SearchRequest struct {
	Query          string        `json:"query"`
	ProjectID      string        `json:"projectId"`
	Filters        SearchFilters `json:"filters"`
	Limit          int           `json:"limit,omitempty"`
	ScoreThreshold float64       `json:"scoreThreshold,omitempty"`
}

// SearchHit is one scored chunk.
type SearchHit struct {
	mech.CodeEmbedding
	Score float64 `json:"score"`
}

// Service embeds queries and ranks stored chunks by cosine similarity.
type Service struct {
	store    Store
	provider Provider
}

// NewService constructs a Service.
func NewService(st Store, p Provider) *Service {
	return &Service{store: st, provider: p}
}

// EnsureIndex creates the vector index for the provider's dimension.
// Re-running with the same dimension is a no-op.
func (s *Service) EnsureIndex(ctx context.Context) error {
	return s.store.EnsureVectorIndex(ctx, s.provider.Dimensions())
}

// Search embeds the query and returns chunks scoring at or above the
// threshold, best first. Cosine is evaluated exactly over every filtered
// chunk, so there is no approximate first stage with a wider candidate
// cap; the limit applies directly to the ranked result.
func (s *Service) Search(ctx context.Context, req SearchRequest) ([]SearchHit, error) {
	if req.Query == "" {
		return nil, fmt.Errorf("%w: empty query", ErrBadQuery)
	}
	if req.ProjectID == "" {
		return nil, fmt.Errorf("%w: projectId is required", ErrBadQuery)
	}
	limit := req.Limit
	if limit <= 0 {
		limit = defaultLimit
	}
	threshold := req.ScoreThreshold
	if threshold <= 0 {
		threshold = defaultScoreThreshold
	}

	var pathRe *regexp.Regexp
	if req.Filters.FilePathPattern != "" {
		re, err := regexp.Compile(req.Filters.FilePathPattern)
		if err != nil {
			return nil, fmt.Errorf("%w: file path pattern: %v", ErrBadQuery, err)
		}
		pathRe = re
	}

	vecs, err := s.provider.Embed(ctx, []string{req.Query})
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	query := vecs[0]

	candidates, err := s.store.CandidateEmbeddings(ctx, req.ProjectID, req.Filters.RepositoryName, req.Filters.Language)
	if err != nil {
		return nil, err
	}

	hits := make([]SearchHit, 0, len(candidates))
	for _, c := range candidates {
		if pathRe != nil && !pathRe.MatchString(c.FilePath) {
			continue
		}
		score := Cosine(query, c.Embedding)
		if score < threshold {
			continue
		}
		hits = append(hits, SearchHit{CodeEmbedding: c, Score: score})
	}

	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

// DeleteRepository removes every indexed chunk for a repository.
func (s *Service) DeleteRepository(ctx context.Context, projectID, repositoryName string) (int64, error) {
	return s.store.DeleteRepositoryEmbeddings(ctx, projectID, repositoryName)
}

// IndexedChunks returns the number of chunks stored for a repository.
func (s *Service) IndexedChunks(ctx context.Context, projectID, repositoryName string) (int64, error) {
	return s.store.CountEmbeddings(ctx, projectID, repositoryName)
}

// Cosine returns the cosine similarity of two vectors, 0 for mismatched
// dimensions or zero vectors.
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

var now = time.Now
