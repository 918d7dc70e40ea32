package coherence

import (
	"context"
	"errors"
	"math"
	"reflect"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"horse.fit/geostory/internal/db"
	"horse.fit/geostory/internal/faults"
)

const (
	parisFR int64 = 1
	lyonFR  int64 = 2
	parisTX int64 = 3
	nowhere int64 = 4
)

type stubCoherenceStore struct {
	coords      map[int64]*db.Coordinates
	coordCalls  map[int64]int
	mentions    map[int64][]db.PlaceMentionRow
	mentionErrs map[int64]error
	updates     map[int64][]db.ResolvedPlaceUpdate
}

func newStubCoherenceStore() *stubCoherenceStore {
	return &stubCoherenceStore{
		coords: map[int64]*db.Coordinates{
			parisFR: {Latitude: 48.8566, Longitude: 2.3522},
			lyonFR:  {Latitude: 45.7640, Longitude: 4.8357},
			parisTX: {Latitude: 33.6609, Longitude: -95.5555},
			nowhere: nil,
		},
		coordCalls:  make(map[int64]int),
		mentions:    make(map[int64][]db.PlaceMentionRow),
		mentionErrs: make(map[int64]error),
		updates:     make(map[int64][]db.ResolvedPlaceUpdate),
	}
}

func (s *stubCoherenceStore) GetPlaceCoordinates(_ context.Context, placeID int64) (*db.Coordinates, error) {
	s.coordCalls[placeID]++
	c, ok := s.coords[placeID]
	if !ok {
		return nil, faults.ErrNotFound
	}
	return c, nil
}

func (s *stubCoherenceStore) ListPlaceMentions(_ context.Context, articleID int64) ([]db.PlaceMentionRow, error) {
	if err := s.mentionErrs[articleID]; err != nil {
		return nil, err
	}
	return s.mentions[articleID], nil
}

func (s *stubCoherenceStore) UpdateResolvedPlaces(_ context.Context, articleID int64, updates []db.ResolvedPlaceUpdate, _ time.Time) (int64, error) {
	s.updates[articleID] = append(s.updates[articleID], updates...)
	return int64(len(updates)), nil
}

func approx(t *testing.T, label string, got, want float64) {
	t.Helper()
	if math.Abs(got-want) > 1e-9 {
		t.Fatalf("%s = %v, want %v", label, got, want)
	}
}

func twoCityMentions() []Mention {
	return []Mention{
		{Text: "paris", Candidates: []Candidate{{PlaceID: parisFR, Name: "Paris", Score: 0.70}}},
		{Text: "lyon", Candidates: []Candidate{{PlaceID: lyonFR, Name: "Lyon", Score: 0.60}}},
	}
}

func TestApplyCoherenceBoostsNearbyPlaces(t *testing.T) {
	t.Parallel()

	svc := NewService(newStubCoherenceStore(), zerolog.Nop(), Options{})

	out, err := svc.ApplyCoherence(context.Background(), twoCityMentions())
	if err != nil {
		t.Fatalf("ApplyCoherence() error = %v", err)
	}

	paris := out[0].Candidates[0]
	lyon := out[1].Candidates[0]
	approx(t, "paris coherence", paris.CoherenceScore, 0.5)
	approx(t, "paris adjusted", paris.AdjustedScore, 0.775)
	approx(t, "lyon adjusted", lyon.AdjustedScore, 0.675)
	approx(t, "paris original", paris.OriginalScore, 0.70)
	if out[0].Confidence != 1 {
		t.Fatalf("single candidate confidence = %v, want 1", out[0].Confidence)
	}
}

func TestApplyCoherenceBelowMinMentionsIsNoop(t *testing.T) {
	t.Parallel()

	store := newStubCoherenceStore()
	svc := NewService(store, zerolog.Nop(), Options{MinMentions: 2})

	in := []Mention{
		{Text: "paris", Candidates: []Candidate{
			{PlaceID: parisFR, Score: 0.7},
			{PlaceID: parisTX, Score: 0.6},
		}},
		{Text: "atlantis"},
	}
	snapshot := cloneMentions(in)

	out, err := svc.ApplyCoherence(context.Background(), in)
	if err != nil {
		t.Fatalf("ApplyCoherence() error = %v", err)
	}
	if !reflect.DeepEqual(out, snapshot) {
		t.Fatalf("expected unchanged output, got %+v", out)
	}
	if len(store.coordCalls) != 0 {
		t.Fatalf("expected no coordinate lookups, got %v", store.coordCalls)
	}
}

func TestApplyCoherenceIsNotIdempotent(t *testing.T) {
	t.Parallel()

	svc := NewService(newStubCoherenceStore(), zerolog.Nop(), Options{})

	once, err := svc.ApplyCoherence(context.Background(), twoCityMentions())
	if err != nil {
		t.Fatalf("first pass error = %v", err)
	}
	twice, err := svc.ApplyCoherence(context.Background(), once)
	if err != nil {
		t.Fatalf("second pass error = %v", err)
	}

	approx(t, "paris after two passes", twice[0].Candidates[0].Score, 0.85)
	approx(t, "lyon after two passes", twice[1].Candidates[0].Score, 0.75)
	approx(t, "paris original on second pass", twice[0].Candidates[0].OriginalScore, 0.775)
}

func TestApplyCoherenceReordersAmbiguousMention(t *testing.T) {
	t.Parallel()

	svc := NewService(newStubCoherenceStore(), zerolog.Nop(), Options{})

	in := []Mention{
		{Text: "paris", Candidates: []Candidate{
			{PlaceID: parisTX, Name: "Paris, Texas", Score: 0.62},
			{PlaceID: parisFR, Name: "Paris", Score: 0.60},
		}},
		{Text: "lyon", Candidates: []Candidate{{PlaceID: lyonFR, Name: "Lyon", Score: 0.70}}},
	}

	out, err := svc.ApplyCoherence(context.Background(), in)
	if err != nil {
		t.Fatalf("ApplyCoherence() error = %v", err)
	}
	if out[0].Candidates[0].PlaceID != parisFR {
		t.Fatalf("expected Paris, France to win, got %+v", out[0].Candidates)
	}
	approx(t, "paris mention confidence", out[0].Confidence, 0.675/(0.675+0.62))
	approx(t, "lyon coherence against texan anchor", out[1].Candidates[0].CoherenceScore, 0)

	if in[0].Candidates[0].PlaceID != parisTX || in[0].Candidates[0].Score != 0.62 {
		t.Fatalf("expected input mentions to be left untouched")
	}
}

func TestApplyCoherenceCachesMissingCoordinates(t *testing.T) {
	t.Parallel()

	store := newStubCoherenceStore()
	svc := NewService(store, zerolog.Nop(), Options{})

	in := []Mention{
		{Text: "somewhere", Candidates: []Candidate{{PlaceID: nowhere, Score: 0.5}}},
		{Text: "ghost", Candidates: []Candidate{{PlaceID: 99, Score: 0.5}}},
		{Text: "lyon", Candidates: []Candidate{{PlaceID: lyonFR, Score: 0.6}}},
	}
	for i := 0; i < 2; i++ {
		out, err := svc.ApplyCoherence(context.Background(), in)
		if err != nil {
			t.Fatalf("pass %d error = %v", i, err)
		}
		if out[0].Candidates[0].CoherenceScore != 0 {
			t.Fatalf("expected zero coherence without coordinates")
		}
	}
	if store.coordCalls[nowhere] != 1 || store.coordCalls[99] != 1 {
		t.Fatalf("expected one lookup per missing place, got %v", store.coordCalls)
	}
}

func TestApplyCoherencePropagatesStoreFailure(t *testing.T) {
	t.Parallel()

	svc := NewService(failingCoordinates{newStubCoherenceStore()}, zerolog.Nop(), Options{})

	_, err := svc.ApplyCoherence(context.Background(), twoCityMentions())
	if !errors.Is(err, faults.ErrUnavailable) {
		t.Fatalf("expected unavailable error, got %v", err)
	}
}

type failingCoordinates struct{ *stubCoherenceStore }

func (failingCoordinates) GetPlaceCoordinates(context.Context, int64) (*db.Coordinates, error) {
	return nil, errors.New("gazetteer timeout")
}

func TestMentionConfidence(t *testing.T) {
	t.Parallel()

	if got := MentionConfidence(nil); got != 0 {
		t.Fatalf("no candidates = %v, want 0", got)
	}
	if got := MentionConfidence([]Candidate{{AdjustedScore: 0.3}}); got != 1 {
		t.Fatalf("one candidate = %v, want 1", got)
	}
	approx(t, "two candidates", MentionConfidence([]Candidate{{AdjustedScore: 0.6}, {AdjustedScore: 0.2}}), 0.75)
	if got := MentionConfidence([]Candidate{{}, {}}); got != 0 {
		t.Fatalf("zero scores = %v, want 0", got)
	}
}

func TestProcessArticleWritesBackChangedMentions(t *testing.T) {
	t.Parallel()

	store := newStubCoherenceStore()
	store.mentions[5] = []db.PlaceMentionRow{
		{ArticleID: 5, PlaceID: lyonFR, CanonicalName: "Lyon", MentionText: "lyon", Confidence: 0.70, DisambiguationMethod: "rule_context_aware"},
		{ArticleID: 5, PlaceID: parisTX, CanonicalName: "Paris", MentionText: "paris", Confidence: 0.62, DisambiguationMethod: "rule_context_aware"},
		{ArticleID: 5, PlaceID: parisFR, CanonicalName: "Paris", MentionText: "paris", Confidence: 0.60, DisambiguationMethod: "rule_context_aware+coherence"},
	}
	svc := NewService(store, zerolog.Nop(), Options{})

	outcome, err := svc.ProcessArticle(context.Background(), 5)
	if err != nil {
		t.Fatalf("ProcessArticle() error = %v", err)
	}
	if outcome.Outcome != OutcomeAdjusted || outcome.Mentions != 2 {
		t.Fatalf("unexpected outcome: %+v", outcome)
	}

	updates := store.updates[5]
	if len(updates) != 1 {
		t.Fatalf("expected one update, got %+v", updates)
	}
	if updates[0].PlaceID != parisFR {
		t.Fatalf("expected Paris, France written back, got %d", updates[0].PlaceID)
	}
	approx(t, "written confidence", updates[0].Confidence, 0.675)
	if updates[0].DisambiguationMethod != "rule_context_aware+coherence" {
		t.Fatalf("expected marker once, got %q", updates[0].DisambiguationMethod)
	}
}

func TestProcessArticleSkipsSingleMention(t *testing.T) {
	t.Parallel()

	store := newStubCoherenceStore()
	store.mentions[1] = []db.PlaceMentionRow{
		{ArticleID: 1, PlaceID: parisFR, MentionText: "paris", Confidence: 0.7},
		{ArticleID: 1, PlaceID: parisTX, MentionText: "paris", Confidence: 0.6},
	}
	svc := NewService(store, zerolog.Nop(), Options{})

	outcome, err := svc.ProcessArticle(context.Background(), 1)
	if err != nil {
		t.Fatalf("ProcessArticle() error = %v", err)
	}
	if outcome.Outcome != OutcomeSkipped {
		t.Fatalf("expected skipped, got %s", outcome.Outcome)
	}
	if len(store.updates) != 0 {
		t.Fatalf("expected no writes")
	}
}

func TestProcessBatchContinuesPastFailures(t *testing.T) {
	t.Parallel()

	store := newStubCoherenceStore()
	store.mentions[1] = []db.PlaceMentionRow{
		{ArticleID: 1, PlaceID: parisFR, MentionText: "paris", Confidence: 0.7, DisambiguationMethod: "rule_basic"},
		{ArticleID: 1, PlaceID: lyonFR, MentionText: "lyon", Confidence: 0.6, DisambiguationMethod: "rule_basic"},
	}
	store.mentionErrs[2] = errors.New("connection refused")
	store.mentions[3] = []db.PlaceMentionRow{
		{ArticleID: 3, PlaceID: parisFR, MentionText: "paris", Confidence: 0.7},
	}
	svc := NewService(store, zerolog.Nop(), Options{})

	result, err := svc.ProcessBatch(context.Background(), []int64{1, 2, 3})
	if err != nil {
		t.Fatalf("ProcessBatch() error = %v", err)
	}
	if result.Processed != 3 || result.Adjusted != 1 || result.Skipped != 1 || result.Errored != 1 {
		t.Fatalf("unexpected batch result: %+v", result)
	}
	if result.Outcomes[1].Outcome != OutcomeError || result.Failures[0].ID != 2 {
		t.Fatalf("expected article 2 recorded as failed, got %+v", result)
	}
}

func TestProcessBatchStopsWhenCancelled(t *testing.T) {
	t.Parallel()

	svc := NewService(newStubCoherenceStore(), zerolog.Nop(), Options{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result, err := svc.ProcessBatch(ctx, []int64{1, 2})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if result.Processed != 0 {
		t.Fatalf("expected nothing processed, got %d", result.Processed)
	}
}
