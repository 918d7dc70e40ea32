// Package coherence re-ranks ambiguous place mentions by how close their
// candidates lie to the other places resolved in the same article.
package coherence

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"horse.fit/geostory/internal/db"
	"horse.fit/geostory/internal/faults"
	"horse.fit/geostory/internal/geo"
	"horse.fit/geostory/internal/globaltime"
	"horse.fit/geostory/internal/metrics"
)

const (
	defaultWeight      = 0.15
	defaultMinMentions = 2

	// MethodMarker is appended to the disambiguation method of relations the
	// coherence pass changed.
	MethodMarker = "+coherence"
)

// Candidate is one place a mention may refer to. Score is replaced by the
// adjusted score after a pass; OriginalScore keeps the value it started from.
type Candidate struct {
	PlaceID        int64
	Name           string
	Method         string
	Score          float64
	OriginalScore  float64
	CoherenceScore float64
	AdjustedScore  float64
}

// Mention is a surface form in an article with its candidate places, best first.
type Mention struct {
	Text       string
	Candidates []Candidate
	Confidence float64
}

// Store reads place coordinates and stored mentions and writes back the
// resolved place per mention. *db.Pool satisfies it.
type Store interface {
	GetPlaceCoordinates(ctx context.Context, placeID int64) (*db.Coordinates, error)
	ListPlaceMentions(ctx context.Context, articleID int64) ([]db.PlaceMentionRow, error)
	UpdateResolvedPlaces(ctx context.Context, articleID int64, updates []db.ResolvedPlaceUpdate, now time.Time) (int64, error)
}

type Options struct {
	Weight      float64
	MinMentions int
	Metrics     *metrics.Manager
}

type Service struct {
	store  Store
	logger zerolog.Logger
	opts   Options

	mu     sync.Mutex
	coords map[int64]*geo.Point
}

type Outcome string

const (
	OutcomeAdjusted  Outcome = "adjusted"
	OutcomeUnchanged Outcome = "unchanged"
	OutcomeSkipped   Outcome = "skipped"
	OutcomeError     Outcome = "error"
)

type ArticleOutcome struct {
	ArticleID int64   `json:"article_id"`
	Outcome   Outcome `json:"outcome"`
	Mentions  int     `json:"mentions"`
	Updated   int64   `json:"updated"`
	Error     string  `json:"error,omitempty"`
}

type BatchResult struct {
	Processed int                  `json:"processed"`
	Adjusted  int                  `json:"adjusted"`
	Skipped   int                  `json:"skipped"`
	Errored   int                  `json:"errored"`
	Outcomes  []ArticleOutcome     `json:"outcomes"`
	Failures  []faults.ItemFailure `json:"failures,omitempty"`
}

func NewService(store Store, logger zerolog.Logger, opts Options) *Service {
	weight := opts.Weight
	if weight <= 0 {
		weight = defaultWeight
	}
	minMentions := opts.MinMentions
	if minMentions <= 0 {
		minMentions = defaultMinMentions
	}

	return &Service{
		store:  store,
		logger: logger,
		opts: Options{
			Weight:      weight,
			MinMentions: minMentions,
			Metrics:     opts.Metrics,
		},
		coords: make(map[int64]*geo.Point),
	}
}

// ApplyCoherence adjusts candidate scores by geographic agreement with the
// other mentions' anchors. Fewer than MinMentions resolvable mentions returns
// the input unchanged. Each call adds to the current scores, so applying the
// pass twice compounds the boost.
func (s *Service) ApplyCoherence(ctx context.Context, mentions []Mention) ([]Mention, error) {
	if countResolvable(mentions) < s.opts.MinMentions {
		return mentions, nil
	}

	out := cloneMentions(mentions)

	anchors := make([]*geo.Point, len(out))
	for i, m := range out {
		if len(m.Candidates) == 0 {
			continue
		}
		point, err := s.coordinates(ctx, anchorOf(m).PlaceID)
		if err != nil {
			return nil, err
		}
		anchors[i] = point
	}

	for i := range out {
		for j := range out[i].Candidates {
			c := &out[i].Candidates[j]
			point, err := s.coordinates(ctx, c.PlaceID)
			if err != nil {
				return nil, err
			}

			c.OriginalScore = c.Score
			c.CoherenceScore = candidateCoherence(point, anchors, i)
			c.AdjustedScore = c.Score + c.CoherenceScore*s.opts.Weight
			c.Score = c.AdjustedScore
			s.opts.Metrics.CoherenceDelta(c.AdjustedScore - c.OriginalScore)
		}

		sort.SliceStable(out[i].Candidates, func(a, b int) bool {
			return out[i].Candidates[a].AdjustedScore > out[i].Candidates[b].AdjustedScore
		})
		out[i].Confidence = MentionConfidence(out[i].Candidates)
	}

	return out, nil
}

// anchorOf returns the highest scoring candidate, first on ties.
func anchorOf(m Mention) Candidate {
	best := m.Candidates[0]
	for _, c := range m.Candidates[1:] {
		if c.Score > best.Score {
			best = c
		}
	}
	return best
}

// candidateCoherence averages coherence between point and every other
// mention's anchor that has coordinates. Without such anchors it is 0.
func candidateCoherence(point *geo.Point, anchors []*geo.Point, self int) float64 {
	if point == nil {
		return 0
	}
	var (
		sum float64
		n   int
	)
	for j, anchor := range anchors {
		if j == self || anchor == nil {
			continue
		}
		sum += geo.DistanceToCoherence(geo.Distance(*point, *anchor))
		n++
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

// MentionConfidence is top/(top+second) over adjusted scores, 1 for a single
// candidate and 0 for none.
func MentionConfidence(candidates []Candidate) float64 {
	switch len(candidates) {
	case 0:
		return 0
	case 1:
		return 1
	}
	top, second := candidates[0].AdjustedScore, candidates[1].AdjustedScore
	if top+second <= 0 {
		return 0
	}
	return top / (top + second)
}

func countResolvable(mentions []Mention) int {
	n := 0
	for _, m := range mentions {
		if len(m.Candidates) > 0 {
			n++
		}
	}
	return n
}

func cloneMentions(mentions []Mention) []Mention {
	out := make([]Mention, len(mentions))
	for i, m := range mentions {
		out[i] = Mention{
			Text:       m.Text,
			Confidence: m.Confidence,
			Candidates: append([]Candidate(nil), m.Candidates...),
		}
	}
	return out
}

// coordinates memoizes lookups, including places without coordinates.
func (s *Service) coordinates(ctx context.Context, placeID int64) (*geo.Point, error) {
	s.mu.Lock()
	point, ok := s.coords[placeID]
	s.mu.Unlock()
	if ok {
		return point, nil
	}

	c, err := s.store.GetPlaceCoordinates(ctx, placeID)
	if err != nil && !errors.Is(err, faults.ErrNotFound) {
		return nil, faults.Unavailable("gazetteer", err)
	}
	if c != nil {
		point = &geo.Point{Latitude: c.Latitude, Longitude: c.Longitude}
	}

	s.mu.Lock()
	s.coords[placeID] = point
	s.mu.Unlock()
	return point, nil
}

// ProcessArticle loads the stored mentions of an article, runs the pass and
// writes the resolved place of every changed mention back. It only updates
// existing relations.
func (s *Service) ProcessArticle(ctx context.Context, articleID int64) (ArticleOutcome, error) {
	outcome := ArticleOutcome{ArticleID: articleID}
	if articleID <= 0 {
		return outcome, faults.Invalid("article id must be positive, got %d", articleID)
	}

	rows, err := s.store.ListPlaceMentions(ctx, articleID)
	if err != nil {
		return outcome, faults.Wrap("mentions", articleID, faults.Unavailable("persistence", err))
	}
	mentions := mentionsFromRows(rows)
	outcome.Mentions = len(mentions)

	if countResolvable(mentions) < s.opts.MinMentions {
		outcome.Outcome = OutcomeSkipped
		s.opts.Metrics.CoherenceArticle(string(OutcomeSkipped))
		return outcome, nil
	}

	adjusted, err := s.ApplyCoherence(ctx, mentions)
	if err != nil {
		return outcome, faults.Wrap("coherence", articleID, err)
	}

	updates := resolvedUpdates(mentions, adjusted)
	if len(updates) == 0 {
		outcome.Outcome = OutcomeUnchanged
		s.opts.Metrics.CoherenceArticle(string(OutcomeUnchanged))
		return outcome, nil
	}

	updated, err := s.store.UpdateResolvedPlaces(ctx, articleID, updates, globaltime.UTC())
	if err != nil {
		return outcome, faults.Wrap("persist", articleID, faults.Unavailable("persistence", err))
	}
	outcome.Outcome = OutcomeAdjusted
	outcome.Updated = updated
	s.opts.Metrics.CoherenceArticle(string(OutcomeAdjusted))

	s.logger.Debug().
		Int64("article_id", articleID).
		Int("mentions", len(mentions)).
		Int64("updated", updated).
		Msg("coherence applied")
	return outcome, nil
}

// ProcessBatch runs ProcessArticle per id. One article failing does not stop
// the rest; cancellation stops before the next article.
func (s *Service) ProcessBatch(ctx context.Context, articleIDs []int64) (BatchResult, error) {
	start := time.Now()
	defer s.opts.Metrics.ObserveBatch("coherence", start)

	result := BatchResult{Outcomes: make([]ArticleOutcome, 0, len(articleIDs))}
	for _, articleID := range articleIDs {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		result.Processed++
		outcome, err := s.ProcessArticle(ctx, articleID)
		if err != nil {
			outcome.Outcome = OutcomeError
			outcome.Error = err.Error()
			result.Errored++
			result.Failures = append(result.Failures, faults.Failure(articleID, "coherence", err))
			s.opts.Metrics.CoherenceArticle(string(OutcomeError))
			s.logger.Warn().Err(err).Int64("article_id", articleID).Msg("coherence failed")
		}
		switch outcome.Outcome {
		case OutcomeAdjusted:
			result.Adjusted++
		case OutcomeSkipped:
			result.Skipped++
		}
		result.Outcomes = append(result.Outcomes, outcome)
	}

	s.logger.Info().
		Int("processed", result.Processed).
		Int("adjusted", result.Adjusted).
		Int("skipped", result.Skipped).
		Int("errored", result.Errored).
		Msg("coherence batch finished")
	return result, nil
}

// mentionsFromRows groups stored candidates by mention text in first-seen order.
func mentionsFromRows(rows []db.PlaceMentionRow) []Mention {
	var (
		mentions []Mention
		index    = make(map[string]int)
	)
	for _, row := range rows {
		key := strings.TrimSpace(row.MentionText)
		i, ok := index[key]
		if !ok {
			i = len(mentions)
			index[key] = i
			mentions = append(mentions, Mention{Text: key})
		}
		mentions[i].Candidates = append(mentions[i].Candidates, Candidate{
			PlaceID: row.PlaceID,
			Name:    row.CanonicalName,
			Method:  row.DisambiguationMethod,
			Score:   row.Confidence,
		})
	}
	for i := range mentions {
		sort.SliceStable(mentions[i].Candidates, func(a, b int) bool {
			return mentions[i].Candidates[a].Score > mentions[i].Candidates[b].Score
		})
	}
	return mentions
}

// resolvedUpdates picks the top candidate of every mention the pass changed,
// either by boosting its score or by reordering the mention.
func resolvedUpdates(before, after []Mention) []db.ResolvedPlaceUpdate {
	var updates []db.ResolvedPlaceUpdate
	for i, m := range after {
		if len(m.Candidates) == 0 {
			continue
		}
		top := m.Candidates[0]
		reordered := len(before[i].Candidates) > 0 && before[i].Candidates[0].PlaceID != top.PlaceID
		if top.CoherenceScore <= 0 && !reordered {
			continue
		}
		updates = append(updates, db.ResolvedPlaceUpdate{
			PlaceID:              top.PlaceID,
			Confidence:           min(1, top.AdjustedScore),
			DisambiguationMethod: withMarker(top.Method),
		})
	}
	return updates
}

func withMarker(method string) string {
	method = strings.TrimSpace(method)
	if strings.Contains(method, MethodMarker) {
		return method
	}
	return method + MethodMarker
}
