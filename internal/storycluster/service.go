// Package storycluster groups articles about the same event into story
// clusters using content fingerprints, entity overlap and publication time.
package storycluster

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"horse.fit/geostory/internal/db"
	"horse.fit/geostory/internal/faults"
	"horse.fit/geostory/internal/geo"
	"horse.fit/geostory/internal/globaltime"
	"horse.fit/geostory/internal/metrics"
)

// Store is the cluster persistence and article feature surface. *db.Pool
// satisfies it.
type Store interface {
	ListClusters(ctx context.Context, opts db.ClusterListOptions) ([]db.ClusterRow, error)
	GetArticleFeatures(ctx context.Context, articleIDs []int64) (map[int64]db.ArticleFeatures, error)
	ListUnclusteredArticles(ctx context.Context, opts db.UnclusteredArticleOptions) ([]db.ArticleFeatures, error)
	CreateCluster(ctx context.Context, params db.CreateClusterParams) (db.ClusterRow, error)
	AddClusterMember(ctx context.Context, params db.AddClusterMemberParams) (bool, error)
	DeactivateClustersBefore(ctx context.Context, cutoff time.Time) ([]int64, error)
}

// Options tunes matching. Start from DefaultOptions: zero is a meaningful
// value for MaxHammingDistance, MinSharedEntities and JoinThreshold.
type Options struct {
	MaxTimeDiff        time.Duration
	MaxHammingDistance int
	MinSharedEntities  int
	// CandidateLimit bounds how many recently updated clusters one lookup reads.
	CandidateLimit int
	// MemberSample bounds how many members per cluster are compared.
	MemberSample   int
	JoinThreshold  float64
	MinClusterSize int
	RetentionDays  int
	Metrics        *metrics.Manager
}

func DefaultOptions() Options {
	return Options{
		MaxTimeDiff:        48 * time.Hour,
		MaxHammingDistance: 3,
		MinSharedEntities:  1,
		CandidateLimit:     100,
		MemberSample:       10,
		JoinThreshold:      0.5,
		MinClusterSize:     2,
		RetentionDays:      7,
	}
}

func (o Options) normalized() Options {
	def := DefaultOptions()
	if o.MaxTimeDiff <= 0 {
		o.MaxTimeDiff = def.MaxTimeDiff
	}
	if o.MaxHammingDistance < 0 || o.MaxHammingDistance > geo.FingerprintBits {
		o.MaxHammingDistance = def.MaxHammingDistance
	}
	if o.MinSharedEntities < 0 {
		o.MinSharedEntities = def.MinSharedEntities
	}
	if o.CandidateLimit <= 0 {
		o.CandidateLimit = def.CandidateLimit
	}
	if o.MemberSample <= 0 {
		o.MemberSample = def.MemberSample
	}
	if o.JoinThreshold < 0 {
		o.JoinThreshold = def.JoinThreshold
	}
	if o.MinClusterSize < 2 {
		o.MinClusterSize = def.MinClusterSize
	}
	if o.RetentionDays <= 0 {
		o.RetentionDays = def.RetentionDays
	}
	return o
}

// Article is what clustering needs to know about one article.
type Article struct {
	ID          int64
	Title       string
	PublishedAt time.Time
	Fingerprint *uint64
	Entities    []string
}

func ArticleFromFeatures(f db.ArticleFeatures) Article {
	entities := make([]string, 0, len(f.Entities))
	for _, e := range f.Entities {
		entities = append(entities, e.Text)
	}
	return Article{
		ID:          f.ArticleID,
		Title:       f.Title,
		PublishedAt: f.PublishedAt,
		Fingerprint: f.Fingerprint,
		Entities:    entities,
	}
}

type Action string

const (
	ActionJoined Action = "joined"
	ActionNone   Action = "none"
)

// Match is the best qualifying cluster for an article.
type Match struct {
	ClusterID      int64   `json:"cluster_id"`
	Headline       string  `json:"headline"`
	Score          float64 `json:"score"`
	MinDistance    int     `json:"min_distance"`
	SharedEntities int     `json:"shared_entities"`
}

type Decision struct {
	ArticleID int64   `json:"article_id"`
	Action    Action  `json:"action"`
	ClusterID int64   `json:"cluster_id,omitempty"`
	Score     float64 `json:"score,omitempty"`
}

type Service struct {
	store  Store
	logger zerolog.Logger
	opts   Options
	index  *index
}

func NewService(store Store, logger zerolog.Logger, opts Options) *Service {
	return &Service{
		store:  store,
		logger: logger,
		opts:   opts.normalized(),
		index:  newIndex(),
	}
}

// Initialize loads every active cluster into the in-memory index.
func (s *Service) Initialize(ctx context.Context) error {
	rows, err := s.store.ListClusters(ctx, db.ClusterListOptions{})
	if err != nil {
		return faults.Wrap("initialize", 0, faults.Unavailable("persistence", err))
	}
	s.index.reset(rows)
	s.opts.Metrics.SetActiveClusters(s.index.activeCount())
	s.logger.Debug().Int("clusters", len(rows)).Msg("cluster index loaded")
	return nil
}

// IndexedClusters returns a copy of the in-memory index ordered by id.
func (s *Service) IndexedClusters() []IndexedCluster {
	return s.index.snapshot()
}

// LoadArticle reads an article's fingerprint, entities and publication time.
func (s *Service) LoadArticle(ctx context.Context, articleID int64) (Article, error) {
	if articleID <= 0 {
		return Article{}, faults.Invalid("article id must be positive, got %d", articleID)
	}
	features, err := s.store.GetArticleFeatures(ctx, []int64{articleID})
	if err != nil {
		return Article{}, faults.Wrap("features", articleID, faults.Unavailable("content", err))
	}
	f, ok := features[articleID]
	if !ok {
		return Article{}, faults.Wrap("features", articleID, faults.ErrNotFound)
	}
	return ArticleFromFeatures(f), nil
}

func validateArticle(a Article) error {
	if a.ID <= 0 {
		return faults.Invalid("article id must be positive, got %d", a.ID)
	}
	if a.Fingerprint == nil {
		return faults.Invalid("article %d has no fingerprint", a.ID)
	}
	return nil
}

// FindMatchingCluster scores the article against the most recently updated
// active clusters read from the store and returns the best qualifying one,
// or nil when none qualifies.
func (s *Service) FindMatchingCluster(ctx context.Context, article Article) (*Match, error) {
	if err := validateArticle(article); err != nil {
		return nil, err
	}

	rows, err := s.store.ListClusters(ctx, db.ClusterListOptions{
		Limit:       s.opts.CandidateLimit,
		MemberLimit: s.opts.MemberSample,
	})
	if err != nil {
		return nil, faults.Wrap("candidates", article.ID, faults.Unavailable("persistence", err))
	}

	memberIDs := make([]int64, 0, len(rows)*s.opts.MemberSample)
	for _, row := range rows {
		memberIDs = append(memberIDs, sample(row.MemberIDs, s.opts.MemberSample)...)
	}
	features, err := s.store.GetArticleFeatures(ctx, memberIDs)
	if err != nil {
		return nil, faults.Wrap("features", article.ID, faults.Unavailable("content", err))
	}

	articleEntities := normalizeEntities(article.Entities)
	var best *Match
	for _, row := range rows {
		if !row.Active || containsID(row.MemberIDs, article.ID) {
			continue
		}
		if !withinWindow(article.PublishedAt, row.LastUpdatedAt, s.opts.MaxTimeDiff) &&
			!withinWindow(article.PublishedAt, row.FirstSeenAt, s.opts.MaxTimeDiff) {
			continue
		}

		minDistance := geo.FingerprintBits + 1
		union := make(map[string]struct{})
		for _, memberID := range sample(row.MemberIDs, s.opts.MemberSample) {
			f, ok := features[memberID]
			if !ok {
				continue
			}
			if f.Fingerprint != nil {
				minDistance = min(minDistance, geo.Hamming(*article.Fingerprint, *f.Fingerprint))
			}
			for _, e := range f.Entities {
				key := strings.ToLower(strings.TrimSpace(e.Text))
				if key != "" {
					union[key] = struct{}{}
				}
			}
		}
		if minDistance > s.opts.MaxHammingDistance {
			continue
		}
		shared := sharedCount(articleEntities, union)
		if shared < s.opts.MinSharedEntities {
			continue
		}

		score := Score(minDistance, shared)
		if best == nil || score > best.Score {
			best = &Match{
				ClusterID:      row.ClusterID,
				Headline:       row.Headline,
				Score:          score,
				MinDistance:    minDistance,
				SharedEntities: shared,
			}
		}
	}
	return best, nil
}

// ProcessArticle attaches the article to its best matching cluster when the
// score clears the join threshold. It never creates a cluster.
func (s *Service) ProcessArticle(ctx context.Context, article Article) (Decision, error) {
	decision := Decision{ArticleID: article.ID, Action: ActionNone}

	match, err := s.FindMatchingCluster(ctx, article)
	if err != nil {
		return decision, err
	}
	if match == nil || !shouldJoin(match.Score, s.opts.JoinThreshold) {
		if match != nil {
			decision.Score = match.Score
		}
		s.opts.Metrics.ClusterDecision(string(ActionNone))
		return decision, nil
	}

	now := globaltime.UTC()
	seenAt := article.PublishedAt
	if seenAt.IsZero() {
		seenAt = now
	}
	score := match.Score
	added, err := s.store.AddClusterMember(ctx, db.AddClusterMemberParams{
		ClusterID:  match.ClusterID,
		ArticleID:  article.ID,
		MatchScore: &score,
		SeenAt:     seenAt,
		JoinedAt:   now,
	})
	if err != nil {
		return decision, faults.Wrap("join", article.ID, faults.Unavailable("persistence", err))
	}
	s.index.addMember(match.ClusterID, article.ID, seenAt)

	decision.Action = ActionJoined
	decision.ClusterID = match.ClusterID
	decision.Score = match.Score
	s.opts.Metrics.ClusterDecision(string(ActionJoined))
	s.logger.Debug().
		Int64("article_id", article.ID).
		Int64("cluster_id", match.ClusterID).
		Float64("score", match.Score).
		Bool("added", added).
		Msg("article joined cluster")
	return decision, nil
}

// Group is a set of related articles that can seed a new cluster. Members[0]
// is the seed.
type Group struct {
	Members []Article
}

func (g Group) Headline() string {
	for _, m := range g.Members {
		if title := strings.TrimSpace(m.Title); title != "" {
			return title
		}
	}
	return ""
}

type PairingResult struct {
	Groups    []Group              `json:"groups"`
	Ungrouped []int64              `json:"ungrouped"`
	Failures  []faults.ItemFailure `json:"failures,omitempty"`
}

// FindPotentialClusters greedily groups a batch: each ungrouped article
// collects every other ungrouped article related to it, and only groups of at
// least MinClusterSize are kept. Articles without a fingerprint are reported
// as failures and skipped.
func (s *Service) FindPotentialClusters(ctx context.Context, articles []Article) (PairingResult, error) {
	var result PairingResult

	eligible := make([]Article, 0, len(articles))
	seen := make(map[int64]struct{}, len(articles))
	for _, a := range articles {
		if err := validateArticle(a); err != nil {
			result.Failures = append(result.Failures, faults.Failure(a.ID, "pairing", err))
			continue
		}
		if _, dup := seen[a.ID]; dup {
			continue
		}
		seen[a.ID] = struct{}{}
		eligible = append(eligible, a)
	}

	entities := make([]map[string]struct{}, len(eligible))
	for i, a := range eligible {
		entities[i] = normalizeEntities(a.Entities)
	}

	grouped := make([]bool, len(eligible))
	for i := range eligible {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		if grouped[i] {
			continue
		}

		members := []int{i}
		for j := range eligible {
			if j == i || grouped[j] {
				continue
			}
			if s.related(eligible[i], eligible[j], entities[i], entities[j]) {
				members = append(members, j)
			}
		}
		if len(members) < s.opts.MinClusterSize {
			continue
		}

		group := Group{Members: make([]Article, 0, len(members))}
		for _, idx := range members {
			grouped[idx] = true
			group.Members = append(group.Members, eligible[idx])
		}
		result.Groups = append(result.Groups, group)
	}

	for i, a := range eligible {
		if !grouped[i] {
			result.Ungrouped = append(result.Ungrouped, a.ID)
		}
	}
	return result, nil
}

func (s *Service) related(a, b Article, aEntities, bEntities map[string]struct{}) bool {
	if geo.Hamming(*a.Fingerprint, *b.Fingerprint) > s.opts.MaxHammingDistance {
		return false
	}
	if !withinWindow(a.PublishedAt, b.PublishedAt, s.opts.MaxTimeDiff) {
		return false
	}
	return sharedCount(aEntities, bEntities) >= s.opts.MinSharedEntities
}

// NewCluster describes a cluster to create.
type NewCluster struct {
	Headline       string
	Summary        *string
	PrimaryTopicID *int64
	Members        []Article
}

// CreateCluster persists a cluster with all members in one write and adds it
// to the index.
func (s *Service) CreateCluster(ctx context.Context, nc NewCluster) (db.ClusterRow, error) {
	headline := strings.TrimSpace(nc.Headline)
	if headline == "" {
		return db.ClusterRow{}, faults.Invalid("cluster headline is required")
	}

	now := globaltime.UTC()
	var (
		members     []db.ClusterMemberParams
		seen        = make(map[int64]struct{}, len(nc.Members))
		first, last time.Time
	)
	for _, m := range nc.Members {
		if m.ID <= 0 {
			return db.ClusterRow{}, faults.Invalid("cluster member id must be positive, got %d", m.ID)
		}
		if _, dup := seen[m.ID]; dup {
			continue
		}
		seen[m.ID] = struct{}{}
		members = append(members, db.ClusterMemberParams{ArticleID: m.ID})

		published := m.PublishedAt
		if published.IsZero() {
			published = now
		}
		if first.IsZero() || published.Before(first) {
			first = published
		}
		if published.After(last) {
			last = published
		}
	}
	if len(members) < s.opts.MinClusterSize {
		return db.ClusterRow{}, faults.Invalid("cluster needs at least %d distinct members, got %d", s.opts.MinClusterSize, len(members))
	}

	row, err := s.store.CreateCluster(ctx, db.CreateClusterParams{
		Headline:       headline,
		Summary:        nc.Summary,
		PrimaryTopicID: nc.PrimaryTopicID,
		FirstSeenAt:    first,
		LastUpdatedAt:  last,
		JoinedAt:       now,
		Members:        members,
	})
	if err != nil {
		return db.ClusterRow{}, faults.Wrap("create", members[0].ArticleID, faults.Unavailable("persistence", err))
	}

	s.index.put(row)
	s.opts.Metrics.ClustersCreated(1)
	s.opts.Metrics.SetActiveClusters(s.index.activeCount())
	s.logger.Info().
		Int64("cluster_id", row.ClusterID).
		Str("cluster_uuid", row.ClusterUUID).
		Int("members", len(members)).
		Str("headline", headline).
		Msg("story cluster created")
	return row, nil
}

type PendingOptions struct {
	Since time.Time
	Limit int
}

type PendingResult struct {
	Processed   int                  `json:"processed"`
	Joined      int                  `json:"joined"`
	Created     int                  `json:"created"`
	Unclustered int                  `json:"unclustered"`
	Failures    []faults.ItemFailure `json:"failures,omitempty"`
}

// ClusterPending runs one clustering pass over unclustered articles: each is
// first offered to existing clusters, then the rest are paired into new ones.
func (s *Service) ClusterPending(ctx context.Context, opts PendingOptions) (PendingResult, error) {
	start := time.Now()
	defer s.opts.Metrics.ObserveBatch("cluster", start)

	since := opts.Since
	if since.IsZero() {
		since = globaltime.UTC().AddDate(0, 0, -s.opts.RetentionDays)
	}

	var result PendingResult
	rows, err := s.store.ListUnclusteredArticles(ctx, db.UnclusteredArticleOptions{Since: since, Limit: opts.Limit})
	if err != nil {
		return result, faults.Wrap("pending", 0, faults.Unavailable("persistence", err))
	}

	remaining := make([]Article, 0, len(rows))
	for _, row := range rows {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		article := ArticleFromFeatures(row)
		result.Processed++
		if article.Fingerprint == nil {
			result.Failures = append(result.Failures, faults.Failure(article.ID, "fingerprint", faults.Invalid("article %d has no fingerprint", article.ID)))
			continue
		}

		decision, err := s.ProcessArticle(ctx, article)
		if err != nil {
			result.Failures = append(result.Failures, faults.Failure(article.ID, "join", err))
			s.logger.Warn().Err(err).Int64("article_id", article.ID).Msg("cluster join failed")
			continue
		}
		if decision.Action == ActionJoined {
			result.Joined++
			continue
		}
		remaining = append(remaining, article)
	}

	pairing, err := s.FindPotentialClusters(ctx, remaining)
	if err != nil {
		return result, err
	}
	result.Failures = append(result.Failures, pairing.Failures...)
	result.Unclustered = len(pairing.Ungrouped)

	for _, group := range pairing.Groups {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		if _, err := s.CreateCluster(ctx, NewCluster{Headline: group.Headline(), Members: group.Members}); err != nil {
			result.Failures = append(result.Failures, faults.Failure(group.Members[0].ID, "create", err))
			s.logger.Warn().Err(err).Int64("seed_article_id", group.Members[0].ID).Msg("cluster create failed")
			continue
		}
		result.Created++
	}

	s.logger.Info().
		Int("processed", result.Processed).
		Int("joined", result.Joined).
		Int("created", result.Created).
		Int("unclustered", result.Unclustered).
		Int("failures", len(result.Failures)).
		Msg("cluster pass finished")
	return result, nil
}

// DeactivateOldClusters marks clusters not updated for daysOld days inactive.
// A non-positive daysOld uses the configured retention.
func (s *Service) DeactivateOldClusters(ctx context.Context, daysOld int) (int64, error) {
	if daysOld <= 0 {
		daysOld = s.opts.RetentionDays
	}
	cutoff := globaltime.UTC().AddDate(0, 0, -daysOld)

	ids, err := s.store.DeactivateClustersBefore(ctx, cutoff)
	if err != nil {
		return 0, faults.Wrap("deactivate", 0, faults.Unavailable("persistence", err))
	}
	s.index.deactivate(ids, cutoff)

	n := int64(len(ids))
	s.opts.Metrics.ClustersDeactivated(n)
	s.opts.Metrics.SetActiveClusters(s.index.activeCount())
	s.logger.Info().
		Int64("deactivated", n).
		Time("cutoff", cutoff).
		Msg("old clusters deactivated")
	return n, nil
}

func sample(ids []int64, n int) []int64 {
	if len(ids) <= n {
		return ids
	}
	return ids[:n]
}

func containsID(ids []int64, id int64) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
