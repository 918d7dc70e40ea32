package storycluster

import (
	"context"
	"errors"
	"math"
	"sort"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"horse.fit/geostory/internal/db"
	"horse.fit/geostory/internal/faults"
	"horse.fit/geostory/internal/globaltime"
)

var base = time.Date(2026, 5, 4, 8, 0, 0, 0, time.UTC)

type stubClusterStore struct {
	clusters []db.ClusterRow
	features map[int64]db.ArticleFeatures
	pending  []db.ArticleFeatures
	nextID   int64
	adds     []db.AddClusterMemberParams
	creates  []db.CreateClusterParams
	listErr  error
}

func newStubClusterStore() *stubClusterStore {
	return &stubClusterStore{features: make(map[int64]db.ArticleFeatures), nextID: 1000}
}

func (s *stubClusterStore) ListClusters(_ context.Context, opts db.ClusterListOptions) ([]db.ClusterRow, error) {
	if s.listErr != nil {
		return nil, s.listErr
	}
	var out []db.ClusterRow
	for _, c := range s.clusters {
		if !c.Active && !opts.IncludeInactive {
			continue
		}
		c.MemberIDs = append([]int64(nil), c.MemberIDs...)
		if opts.MemberLimit > 0 && len(c.MemberIDs) > opts.MemberLimit {
			c.MemberIDs = c.MemberIDs[:opts.MemberLimit]
		}
		out = append(out, c)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].LastUpdatedAt.After(out[j].LastUpdatedAt) })
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

func (s *stubClusterStore) GetArticleFeatures(_ context.Context, ids []int64) (map[int64]db.ArticleFeatures, error) {
	out := make(map[int64]db.ArticleFeatures, len(ids))
	for _, id := range ids {
		if f, ok := s.features[id]; ok {
			out[id] = f
		}
	}
	return out, nil
}

func (s *stubClusterStore) ListUnclusteredArticles(_ context.Context, _ db.UnclusteredArticleOptions) ([]db.ArticleFeatures, error) {
	return s.pending, nil
}

func (s *stubClusterStore) CreateCluster(_ context.Context, params db.CreateClusterParams) (db.ClusterRow, error) {
	s.creates = append(s.creates, params)
	s.nextID++
	row := db.ClusterRow{
		ClusterID:     s.nextID,
		ClusterUUID:   "00000000-0000-0000-0000-000000000000",
		Headline:      params.Headline,
		MemberCount:   len(params.Members),
		Active:        true,
		FirstSeenAt:   params.FirstSeenAt,
		LastUpdatedAt: params.LastUpdatedAt,
	}
	for _, m := range params.Members {
		row.MemberIDs = append(row.MemberIDs, m.ArticleID)
	}
	s.clusters = append(s.clusters, row)
	return row, nil
}

func (s *stubClusterStore) AddClusterMember(_ context.Context, params db.AddClusterMemberParams) (bool, error) {
	s.adds = append(s.adds, params)
	for i := range s.clusters {
		c := &s.clusters[i]
		if c.ClusterID != params.ClusterID {
			continue
		}
		if containsID(c.MemberIDs, params.ArticleID) {
			return false, nil
		}
		c.MemberIDs = append(c.MemberIDs, params.ArticleID)
		c.MemberCount++
		if params.SeenAt.After(c.LastUpdatedAt) {
			c.LastUpdatedAt = params.SeenAt
		}
		return true, nil
	}
	return false, faults.ErrNotFound
}

func (s *stubClusterStore) DeactivateClustersBefore(_ context.Context, cutoff time.Time) ([]int64, error) {
	var ids []int64
	for i := range s.clusters {
		c := &s.clusters[i]
		if c.Active && c.LastUpdatedAt.Before(cutoff) {
			c.Active = false
			ids = append(ids, c.ClusterID)
		}
	}
	return ids, nil
}

func fp(v uint64) *uint64 { return &v }

func (s *stubClusterStore) addArticle(id int64, fingerprint uint64, published time.Time, entities ...string) Article {
	f := db.ArticleFeatures{ArticleID: id, Title: "article", PublishedAt: published, Fingerprint: fp(fingerprint)}
	for _, e := range entities {
		f.Entities = append(f.Entities, db.Entity{Text: e, Type: "ORG"})
	}
	s.features[id] = f
	return ArticleFromFeatures(f)
}

// seedCluster stores a two-member cluster around the given fingerprint.
func seedCluster(s *stubClusterStore, clusterID int64, fingerprint uint64, updated time.Time, entity string) {
	first := clusterID*10 + 1
	second := clusterID*10 + 2
	s.addArticle(first, fingerprint, updated, entity)
	s.addArticle(second, ^fingerprint, updated, "unrelated")
	s.clusters = append(s.clusters, db.ClusterRow{
		ClusterID:     clusterID,
		Headline:      "cluster",
		MemberCount:   2,
		Active:        true,
		FirstSeenAt:   updated,
		LastUpdatedAt: updated,
		MemberIDs:     []int64{first, second},
	})
}

func TestScoreMatchesWorkedExample(t *testing.T) {
	t.Parallel()

	got := Score(2, 1)
	want := (1-2.0/64)*0.6 + (1.0/3)*0.4
	if math.Abs(got-want) > 1e-12 {
		t.Fatalf("Score(2,1) = %v, want %v", got, want)
	}
	if math.Abs(got-0.714) > 0.001 {
		t.Fatalf("Score(2,1) = %v, want about 0.714", got)
	}
	if Score(0, 3) != 1 {
		t.Fatalf("identical fingerprints with three shared entities should score 1")
	}
}

func TestShouldJoinIsStrict(t *testing.T) {
	t.Parallel()

	if shouldJoin(0.5, 0.5) {
		t.Fatalf("score equal to threshold must not join")
	}
	if !shouldJoin(0.55, 0.5) {
		t.Fatalf("score 0.55 should join at threshold 0.5")
	}
}

func TestProcessArticleJoinsQualifyingCluster(t *testing.T) {
	t.Parallel()

	store := newStubClusterStore()
	seedCluster(store, 1, 0xF0F0F0F0F0F0F0F0, base, "Acme Corp")
	svc := NewService(store, zerolog.Nop(), DefaultOptions())
	if err := svc.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}

	article := store.addArticle(50, 0xF0F0F0F0F0F0F0F0^0b11, base.Add(10*time.Hour), "  ACME corp ", "Other")
	decision, err := svc.ProcessArticle(context.Background(), article)
	if err != nil {
		t.Fatalf("ProcessArticle() error = %v", err)
	}
	if decision.Action != ActionJoined || decision.ClusterID != 1 {
		t.Fatalf("expected join into cluster 1, got %+v", decision)
	}
	if math.Abs(decision.Score-Score(2, 1)) > 1e-12 {
		t.Fatalf("unexpected score %v", decision.Score)
	}
	if len(store.adds) != 1 || !store.adds[0].SeenAt.Equal(article.PublishedAt) {
		t.Fatalf("expected one membership write, got %+v", store.adds)
	}

	indexed := svc.IndexedClusters()
	if len(indexed) != 1 {
		t.Fatalf("expected one indexed cluster, got %d", len(indexed))
	}
	if _, ok := indexed[0].Members[50]; !ok {
		t.Fatalf("expected index to record the new member")
	}
	if !indexed[0].LastUpdated.Equal(article.PublishedAt) {
		t.Fatalf("expected index last-updated bumped, got %v", indexed[0].LastUpdated)
	}
}

func TestProcessArticleDoesNotJoinAtExactThreshold(t *testing.T) {
	t.Parallel()

	store := newStubClusterStore()
	seedCluster(store, 1, 0xAAAA, base, "Acme Corp")

	opts := DefaultOptions()
	opts.JoinThreshold = Score(2, 1)
	svc := NewService(store, zerolog.Nop(), opts)

	article := store.addArticle(50, 0xAAAA^0b11, base.Add(time.Hour), "acme corp")
	decision, err := svc.ProcessArticle(context.Background(), article)
	if err != nil {
		t.Fatalf("ProcessArticle() error = %v", err)
	}
	if decision.Action != ActionNone {
		t.Fatalf("expected no join at exact threshold, got %+v", decision)
	}
	if len(store.adds) != 0 {
		t.Fatalf("expected no membership writes")
	}
}

func TestFindMatchingClusterRequiresEveryCriterion(t *testing.T) {
	t.Parallel()

	store := newStubClusterStore()
	seedCluster(store, 1, 0xFFFF, base, "Acme Corp")
	svc := NewService(store, zerolog.Nop(), DefaultOptions())

	tests := []struct {
		name    string
		article Article
	}{
		{name: "too far in time", article: store.addArticle(60, 0xFFFF, base.Add(49*time.Hour), "acme corp")},
		{name: "fingerprint too distant", article: store.addArticle(61, 0xFFFF^0b1111, base, "acme corp")},
		{name: "no shared entity", article: store.addArticle(62, 0xFFFF, base, "globex")},
	}
	for _, tc := range tests {
		match, err := svc.FindMatchingCluster(context.Background(), tc.article)
		if err != nil {
			t.Fatalf("%s: error = %v", tc.name, err)
		}
		if match != nil {
			t.Fatalf("%s: expected no match, got %+v", tc.name, match)
		}
	}
}

func TestFindMatchingClusterPicksHighestScore(t *testing.T) {
	t.Parallel()

	store := newStubClusterStore()
	seedCluster(store, 1, 0xE8, base, "acme")
	seedCluster(store, 2, 0xFF, base.Add(-time.Hour), "acme")
	store.features[22] = db.ArticleFeatures{
		ArticleID:   22,
		PublishedAt: base,
		Fingerprint: fp(0xFF),
		Entities:    []db.Entity{{Text: "globex"}, {Text: "initech"}},
	}
	svc := NewService(store, zerolog.Nop(), DefaultOptions())

	article := Article{ID: 70, PublishedAt: base, Fingerprint: fp(0xFE), Entities: []string{"acme", "globex", "initech"}}
	match, err := svc.FindMatchingCluster(context.Background(), article)
	if err != nil {
		t.Fatalf("FindMatchingCluster() error = %v", err)
	}
	if match == nil || match.ClusterID != 2 {
		t.Fatalf("expected cluster 2, got %+v", match)
	}
	if match.MinDistance != 1 || match.SharedEntities != 3 {
		t.Fatalf("unexpected match details: %+v", match)
	}
}

func TestFindMatchingClusterRejectsArticleWithoutFingerprint(t *testing.T) {
	t.Parallel()

	svc := NewService(newStubClusterStore(), zerolog.Nop(), DefaultOptions())
	_, err := svc.FindMatchingCluster(context.Background(), Article{ID: 1})
	if !errors.Is(err, faults.ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}

func TestProcessArticleWithoutClustersTakesNoAction(t *testing.T) {
	t.Parallel()

	store := newStubClusterStore()
	svc := NewService(store, zerolog.Nop(), DefaultOptions())

	article := store.addArticle(1, 0x1234, base, "acme")
	decision, err := svc.ProcessArticle(context.Background(), article)
	if err != nil {
		t.Fatalf("ProcessArticle() error = %v", err)
	}
	if decision.Action != ActionNone {
		t.Fatalf("expected action none, got %s", decision.Action)
	}
	if len(store.creates) != 0 || len(store.adds) != 0 {
		t.Fatalf("expected no cluster writes for a lone article")
	}
}

func TestProcessArticleStoreFailureIsUnavailable(t *testing.T) {
	t.Parallel()

	store := newStubClusterStore()
	store.listErr = errors.New("connection reset")
	svc := NewService(store, zerolog.Nop(), DefaultOptions())

	_, err := svc.ProcessArticle(context.Background(), Article{ID: 1, Fingerprint: fp(1)})
	if !errors.Is(err, faults.ErrUnavailable) {
		t.Fatalf("expected unavailable error, got %v", err)
	}
}

func TestFindPotentialClustersGroupsRelatedArticles(t *testing.T) {
	t.Parallel()

	svc := NewService(newStubClusterStore(), zerolog.Nop(), DefaultOptions())

	articles := []Article{
		{ID: 1, Title: "Plant closes", PublishedAt: base, Fingerprint: fp(0xAB00), Entities: []string{"Acme"}},
		{ID: 2, Title: "Acme shuts plant", PublishedAt: base.Add(5 * time.Hour), Fingerprint: fp(0xAB01), Entities: []string{"acme "}},
		{ID: 3, Title: "Weather", PublishedAt: base, Fingerprint: fp(0x00FF), Entities: []string{"Acme"}},
		{ID: 4, Title: "No fingerprint", PublishedAt: base, Entities: []string{"Acme"}},
		{ID: 5, Title: "Late follow-up", PublishedAt: base.Add(72 * time.Hour), Fingerprint: fp(0xAB00), Entities: []string{"Acme"}},
	}

	result, err := svc.FindPotentialClusters(context.Background(), articles)
	if err != nil {
		t.Fatalf("FindPotentialClusters() error = %v", err)
	}
	if len(result.Groups) != 1 {
		t.Fatalf("expected 1 group, got %+v", result.Groups)
	}
	for _, g := range result.Groups {
		if len(g.Members) < 2 {
			t.Fatalf("group below minimum size: %+v", g)
		}
	}
	group := result.Groups[0]
	if group.Members[0].ID != 1 || group.Members[1].ID != 2 || group.Headline() != "Plant closes" {
		t.Fatalf("unexpected group: %+v", group)
	}
	if len(result.Ungrouped) != 2 || result.Ungrouped[0] != 3 || result.Ungrouped[1] != 5 {
		t.Fatalf("unexpected ungrouped ids: %v", result.Ungrouped)
	}
	if len(result.Failures) != 1 || result.Failures[0].ID != 4 {
		t.Fatalf("expected failure for article 4, got %+v", result.Failures)
	}
}

func TestFindPotentialClustersNeverReturnsSingletons(t *testing.T) {
	t.Parallel()

	svc := NewService(newStubClusterStore(), zerolog.Nop(), DefaultOptions())
	result, err := svc.FindPotentialClusters(context.Background(), []Article{
		{ID: 1, PublishedAt: base, Fingerprint: fp(1), Entities: []string{"acme"}},
	})
	if err != nil {
		t.Fatalf("FindPotentialClusters() error = %v", err)
	}
	if len(result.Groups) != 0 {
		t.Fatalf("expected no groups, got %+v", result.Groups)
	}
}

func TestCreateClusterValidatesInput(t *testing.T) {
	t.Parallel()

	store := newStubClusterStore()
	svc := NewService(store, zerolog.Nop(), DefaultOptions())

	tests := []struct {
		name string
		nc   NewCluster
	}{
		{name: "blank headline", nc: NewCluster{Headline: "  ", Members: []Article{{ID: 1}, {ID: 2}}}},
		{name: "single member", nc: NewCluster{Headline: "Story", Members: []Article{{ID: 1}}}},
		{name: "duplicate members", nc: NewCluster{Headline: "Story", Members: []Article{{ID: 1}, {ID: 1}}}},
		{name: "bad member id", nc: NewCluster{Headline: "Story", Members: []Article{{ID: 0}, {ID: 2}}}},
	}
	for _, tc := range tests {
		if _, err := svc.CreateCluster(context.Background(), tc.nc); !errors.Is(err, faults.ErrInvalidInput) {
			t.Fatalf("%s: expected invalid input, got %v", tc.name, err)
		}
	}
	if len(store.creates) != 0 {
		t.Fatalf("expected no writes for invalid clusters")
	}
}

func TestCreateClusterSpansMemberTimes(t *testing.T) {
	t.Parallel()

	store := newStubClusterStore()
	svc := NewService(store, zerolog.Nop(), DefaultOptions())

	row, err := svc.CreateCluster(context.Background(), NewCluster{
		Headline: "Flood",
		Members: []Article{
			{ID: 1, PublishedAt: base.Add(3 * time.Hour)},
			{ID: 2, PublishedAt: base},
		},
	})
	if err != nil {
		t.Fatalf("CreateCluster() error = %v", err)
	}
	params := store.creates[0]
	if !params.FirstSeenAt.Equal(base) || !params.LastUpdatedAt.Equal(base.Add(3*time.Hour)) {
		t.Fatalf("unexpected time span: %v - %v", params.FirstSeenAt, params.LastUpdatedAt)
	}
	indexed := svc.IndexedClusters()
	if len(indexed) != 1 || indexed[0].ID != row.ClusterID || len(indexed[0].Members) != 2 {
		t.Fatalf("expected created cluster in index, got %+v", indexed)
	}
}

func TestClusterPendingJoinsThenPairs(t *testing.T) {
	t.Parallel()

	store := newStubClusterStore()
	seedCluster(store, 1, 0xF000, base, "acme")
	joiner := db.ArticleFeatures{ArticleID: 100, Title: "Acme update", PublishedAt: base.Add(time.Hour), Fingerprint: fp(0xF001), Entities: []db.Entity{{Text: "Acme"}}}
	pairA := db.ArticleFeatures{ArticleID: 101, Title: "Bridge opens", PublishedAt: base, Fingerprint: fp(0x000F), Entities: []db.Entity{{Text: "Harbor Bridge"}}}
	pairB := db.ArticleFeatures{ArticleID: 102, Title: "Harbor bridge opening", PublishedAt: base.Add(2 * time.Hour), Fingerprint: fp(0x000E), Entities: []db.Entity{{Text: "harbor bridge"}}}
	missing := db.ArticleFeatures{ArticleID: 103, Title: "Unfingerprinted", PublishedAt: base}
	store.pending = []db.ArticleFeatures{joiner, pairA, pairB, missing}

	svc := NewService(store, zerolog.Nop(), DefaultOptions())
	result, err := svc.ClusterPending(context.Background(), PendingOptions{Since: base.Add(-time.Hour)})
	if err != nil {
		t.Fatalf("ClusterPending() error = %v", err)
	}
	if result.Processed != 4 || result.Joined != 1 || result.Created != 1 || result.Unclustered != 0 {
		t.Fatalf("unexpected result: %+v", result)
	}
	if len(result.Failures) != 1 || result.Failures[0].ID != 103 {
		t.Fatalf("expected failure for article 103, got %+v", result.Failures)
	}
	if len(store.creates) != 1 || store.creates[0].Headline != "Bridge opens" {
		t.Fatalf("unexpected created clusters: %+v", store.creates)
	}
}

func TestDeactivateOldClusters(t *testing.T) {
	now := base.AddDate(0, 0, 30)
	globaltime.SetMockTime(now)
	t.Cleanup(globaltime.ResetTime)

	store := newStubClusterStore()
	seedCluster(store, 1, 0x1, now.AddDate(0, 0, -8), "acme")
	seedCluster(store, 2, 0x2, now.AddDate(0, 0, -2), "acme")
	svc := NewService(store, zerolog.Nop(), DefaultOptions())
	if err := svc.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}

	n, err := svc.DeactivateOldClusters(context.Background(), 7)
	if err != nil {
		t.Fatalf("DeactivateOldClusters() error = %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 deactivated cluster, got %d", n)
	}
	if len(store.clusters) != 2 {
		t.Fatalf("expected clusters to be kept, got %d", len(store.clusters))
	}
	for _, c := range store.clusters {
		wantActive := c.ClusterID == 2
		if c.Active != wantActive {
			t.Fatalf("cluster %d active = %v, want %v", c.ClusterID, c.Active, wantActive)
		}
	}
	for _, c := range svc.IndexedClusters() {
		wantActive := c.ID == 2
		if c.Active != wantActive {
			t.Fatalf("indexed cluster %d active = %v, want %v", c.ID, c.Active, wantActive)
		}
	}
}
