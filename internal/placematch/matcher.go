// Package placematch scans article text for gazetteer place names, scores each
// hit and stores accepted candidates as article-place relations.
package placematch

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"horse.fit/geostory/internal/db"
	"horse.fit/geostory/internal/faults"
	"horse.fit/geostory/internal/globaltime"
	"horse.fit/geostory/internal/metrics"
)

const (
	defaultCacheTTL        = 5 * time.Minute
	defaultRejectThreshold = 0.2
)

// Store is the gazetteer, content and persistence surface the matcher reads
// and writes. *db.Pool satisfies it.
type Store interface {
	ListGazetteerPlaces(ctx context.Context) ([]db.GazetteerPlace, error)
	GetArticleText(ctx context.Context, articleID int64) (db.ArticleText, error)
	UpsertPlaceRelations(ctx context.Context, articleID int64, relations []db.PlaceRelationParams, now time.Time) error
}

type Options struct {
	CacheTTL        time.Duration
	RejectThreshold float64
	Metrics         *metrics.Manager
}

type Matcher struct {
	store  Store
	logger zerolog.Logger
	opts   Options
	cache  *placeCache
}

// ArticleOutcome reports what matching did for one article of a batch.
type ArticleOutcome struct {
	ArticleID  int64 `json:"article_id"`
	Candidates int   `json:"candidates"`
	Rejected   int   `json:"rejected"`
}

type BatchResult struct {
	Processed  int                  `json:"processed"`
	Matched    int                  `json:"matched"`
	Candidates int                  `json:"candidates"`
	Errored    int                  `json:"errored"`
	Outcomes   []ArticleOutcome     `json:"outcomes"`
	Failures   []faults.ItemFailure `json:"failures,omitempty"`
}

func NewMatcher(store Store, logger zerolog.Logger, opts Options) *Matcher {
	ttl := opts.CacheTTL
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	threshold := opts.RejectThreshold
	if threshold <= 0 || threshold > 1 {
		threshold = defaultRejectThreshold
	}

	return &Matcher{
		store:  store,
		logger: logger,
		opts: Options{
			CacheTTL:        ttl,
			RejectThreshold: threshold,
			Metrics:         opts.Metrics,
		},
		cache: newPlaceCache(ttl),
	}
}

// MatchArticle finds, scores and persists place candidates for one article.
// Level 0 does nothing. All relations of the article are written in one
// transaction; on a persistence error none are.
func (m *Matcher) MatchArticle(ctx context.Context, articleID int64, level RuleLevel) ([]Candidate, error) {
	candidates, _, err := m.matchArticle(ctx, articleID, level)
	return candidates, err
}

func (m *Matcher) matchArticle(ctx context.Context, articleID int64, level RuleLevel) ([]Candidate, int, error) {
	if articleID <= 0 {
		return nil, 0, faults.Invalid("article id must be positive, got %d", articleID)
	}
	if !level.Valid() {
		return nil, 0, faults.Invalid("rule level %d out of range [0,%d]", level, MaxRuleLevel)
	}
	if level == RuleNone {
		m.opts.Metrics.MatchArticle("disabled")
		return nil, 0, nil
	}

	places, err := m.places(ctx)
	if err != nil {
		return nil, 0, faults.Wrap("gazetteer", articleID, err)
	}

	article, err := m.store.GetArticleText(ctx, articleID)
	if err != nil {
		return nil, 0, faults.Wrap("content", articleID, faults.Unavailable("content", err))
	}

	scored := scoreArticle(articleID, places, prepareText(article.Title, article.Body), level, m.opts.RejectThreshold)
	for i := 0; i < scored.rejected; i++ {
		m.opts.Metrics.MatchRejected()
	}
	if len(scored.accepted) == 0 {
		m.opts.Metrics.MatchArticle("no_match")
		return nil, scored.rejected, nil
	}

	params, err := relationParams(scored.accepted)
	if err != nil {
		return nil, scored.rejected, faults.Wrap("evidence", articleID, err)
	}
	if err := m.store.UpsertPlaceRelations(ctx, articleID, params, globaltime.UTC()); err != nil {
		return nil, scored.rejected, faults.Wrap("persist", articleID, faults.Unavailable("persistence", err))
	}

	for _, c := range scored.accepted {
		m.opts.Metrics.MatchCandidate(c.RelationType.String())
	}
	m.opts.Metrics.MatchArticle("matched")
	m.logger.Debug().
		Int64("article_id", articleID).
		Str("rule", level.String()).
		Int("candidates", len(scored.accepted)).
		Int("rejected", scored.rejected).
		Msg("place candidates stored")

	return scored.accepted, scored.rejected, nil
}

// MatchBatch matches articles in order. A failing article is recorded and the
// batch continues; cancellation stops before the next article.
func (m *Matcher) MatchBatch(ctx context.Context, articleIDs []int64, level RuleLevel) (BatchResult, error) {
	start := time.Now()
	defer m.opts.Metrics.ObserveBatch("match", start)

	result := BatchResult{
		Outcomes: make([]ArticleOutcome, 0, len(articleIDs)),
	}
	if !level.Valid() {
		return result, faults.Invalid("rule level %d out of range [0,%d]", level, MaxRuleLevel)
	}

	for _, articleID := range articleIDs {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		result.Processed++
		candidates, rejected, err := m.matchArticle(ctx, articleID, level)
		if err != nil {
			result.Errored++
			result.Failures = append(result.Failures, faults.Failure(articleID, "match", err))
			m.opts.Metrics.MatchArticle("error")
			m.logger.Warn().Err(err).Int64("article_id", articleID).Msg("place match failed")
			continue
		}

		if len(candidates) > 0 {
			result.Matched++
		}
		result.Candidates += len(candidates)
		result.Outcomes = append(result.Outcomes, ArticleOutcome{
			ArticleID:  articleID,
			Candidates: len(candidates),
			Rejected:   rejected,
		})
	}

	m.logger.Info().
		Int("processed", result.Processed).
		Int("matched", result.Matched).
		Int("candidates", result.Candidates).
		Int("errored", result.Errored).
		Msg("place match batch finished")
	return result, nil
}

// RefreshPlaces drops the cached gazetteer so the next match reloads it.
func (m *Matcher) RefreshPlaces() {
	m.cache.invalidate()
}

func (m *Matcher) places(ctx context.Context) ([]compiledPlace, error) {
	read := m.cache.get(ctx, m.store.ListGazetteerPlaces)
	switch {
	case read.refreshed:
		m.opts.Metrics.PlaceCacheRefresh("ok")
		m.logger.Debug().Int("places", len(read.places)).Msg("place cache refreshed")
	case read.stale:
		m.opts.Metrics.PlaceCacheRefresh("stale")
		m.logger.Warn().Err(read.err).Int("places", len(read.places)).Msg("gazetteer unavailable; using cached places")
	case read.err != nil:
		m.opts.Metrics.PlaceCacheRefresh("error")
		return nil, faults.Unavailable("gazetteer", read.err)
	}
	return read.places, nil
}
