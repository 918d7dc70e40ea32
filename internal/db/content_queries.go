package db

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// ArticleText is the matchable text of one article.
type ArticleText struct {
	ArticleID int64
	Title     string
	Body      string
}

// Entity is one extracted named entity attached to an article.
type Entity struct {
	Text string
	Type string
}

// ArticleFeatures carries what clustering compares between two articles.
type ArticleFeatures struct {
	ArticleID   int64
	Title       string
	PublishedAt time.Time
	Fingerprint *uint64
	Entities    []Entity
}

type UnclusteredArticleOptions struct {
	Since time.Time
	Limit int
}

type ArticleIDOptions struct {
	Since time.Time
	Limit int
}

// FingerprintRow is an article whose text needs a content fingerprint.
type FingerprintRow struct {
	ArticleID int64
	Title     string
	Body      string
}

// Fingerprints are unsigned 64-bit values stored bit-for-bit in a bigint.
func fingerprintToDB(v uint64) int64 {
	return int64(v)
}

func fingerprintFromDB(v *int64) *uint64 {
	if v == nil {
		return nil
	}
	out := uint64(*v)
	return &out
}

func (p *Pool) GetArticleText(ctx context.Context, articleID int64) (ArticleText, error) {
	const q = `
SELECT article_id, title, body
FROM geo.articles
WHERE article_id = $1
`

	var out ArticleText
	if err := p.QueryRow(ctx, q, articleID).Scan(&out.ArticleID, &out.Title, &out.Body); err != nil {
		return ArticleText{}, notFound(err, "article", articleID)
	}
	return out, nil
}

func (p *Pool) GetArticleEntities(ctx context.Context, articleID int64) ([]Entity, error) {
	const q = `
SELECT entity_text, entity_type
FROM geo.article_entities
WHERE article_id = $1
ORDER BY article_entity_id ASC
`

	rows, err := p.Query(ctx, q, articleID)
	if err != nil {
		return nil, fmt.Errorf("query article entities: %w", err)
	}
	defer rows.Close()

	entities := make([]Entity, 0, 8)
	for rows.Next() {
		var e Entity
		if err := rows.Scan(&e.Text, &e.Type); err != nil {
			return nil, fmt.Errorf("scan article entity: %w", err)
		}
		entities = append(entities, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate article entities: %w", err)
	}
	return entities, nil
}

// GetArticleFingerprint returns nil when the article has no fingerprint yet.
func (p *Pool) GetArticleFingerprint(ctx context.Context, articleID int64) (*uint64, error) {
	const q = `
SELECT fingerprint
FROM geo.articles
WHERE article_id = $1
`

	var fp *int64
	if err := p.QueryRow(ctx, q, articleID).Scan(&fp); err != nil {
		return nil, notFound(err, "article", articleID)
	}
	return fingerprintFromDB(fp), nil
}

// GetArticleFeatures loads fingerprints and entities for many articles in two
// round trips. Unknown ids are absent from the result.
func (p *Pool) GetArticleFeatures(ctx context.Context, articleIDs []int64) (map[int64]ArticleFeatures, error) {
	out := make(map[int64]ArticleFeatures, len(articleIDs))
	if len(articleIDs) == 0 {
		return out, nil
	}

	const articleQ = `
SELECT article_id, title, COALESCE(published_at, created_at), fingerprint
FROM geo.articles
WHERE article_id = ANY($1::bigint[])
`
	rows, err := p.Query(ctx, articleQ, articleIDs)
	if err != nil {
		return nil, fmt.Errorf("query article features: %w", err)
	}
	for rows.Next() {
		var (
			f  ArticleFeatures
			fp *int64
		)
		if err := rows.Scan(&f.ArticleID, &f.Title, &f.PublishedAt, &fp); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan article features: %w", err)
		}
		f.PublishedAt = f.PublishedAt.UTC()
		f.Fingerprint = fingerprintFromDB(fp)
		out[f.ArticleID] = f
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("iterate article features: %w", err)
	}
	rows.Close()

	if err := p.attachEntities(ctx, out); err != nil {
		return nil, err
	}
	return out, nil
}

// ListUnclusteredArticles returns articles published at or after Since that
// belong to no cluster, oldest first. Articles without a fingerprint are
// included so callers can report them.
func (p *Pool) ListUnclusteredArticles(ctx context.Context, opts UnclusteredArticleOptions) ([]ArticleFeatures, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 500
	}

	const q = `
SELECT a.article_id, a.title, COALESCE(a.published_at, a.created_at), a.fingerprint
FROM geo.articles a
WHERE COALESCE(a.published_at, a.created_at) >= $1
  AND NOT EXISTS (
	SELECT 1
	FROM geo.story_cluster_members m
	WHERE m.article_id = a.article_id
  )
ORDER BY COALESCE(a.published_at, a.created_at) ASC, a.article_id ASC
LIMIT $2
`

	rows, err := p.Query(ctx, q, opts.Since.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("query unclustered articles: %w", err)
	}

	ordered := make([]int64, 0, limit)
	byID := make(map[int64]ArticleFeatures, limit)
	for rows.Next() {
		var (
			f  ArticleFeatures
			fp *int64
		)
		if err := rows.Scan(&f.ArticleID, &f.Title, &f.PublishedAt, &fp); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan unclustered article: %w", err)
		}
		f.PublishedAt = f.PublishedAt.UTC()
		f.Fingerprint = fingerprintFromDB(fp)
		ordered = append(ordered, f.ArticleID)
		byID[f.ArticleID] = f
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("iterate unclustered articles: %w", err)
	}
	rows.Close()

	if err := p.attachEntities(ctx, byID); err != nil {
		return nil, err
	}

	out := make([]ArticleFeatures, 0, len(ordered))
	for _, id := range ordered {
		out = append(out, byID[id])
	}
	return out, nil
}

func (p *Pool) attachEntities(ctx context.Context, byID map[int64]ArticleFeatures) error {
	if len(byID) == 0 {
		return nil
	}
	ids := make([]int64, 0, len(byID))
	for id := range byID {
		ids = append(ids, id)
	}

	const q = `
SELECT article_id, entity_text, entity_type
FROM geo.article_entities
WHERE article_id = ANY($1::bigint[])
ORDER BY article_id ASC, article_entity_id ASC
`
	rows, err := p.Query(ctx, q, ids)
	if err != nil {
		return fmt.Errorf("query article entities: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			articleID int64
			e         Entity
		)
		if err := rows.Scan(&articleID, &e.Text, &e.Type); err != nil {
			return fmt.Errorf("scan article entity: %w", err)
		}
		f := byID[articleID]
		f.Entities = append(f.Entities, e)
		byID[articleID] = f
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate article entities: %w", err)
	}
	return nil
}

// ListArticlesWithoutPlaceRelations returns ids of articles the place matcher
// has not produced any relation for yet.
func (p *Pool) ListArticlesWithoutPlaceRelations(ctx context.Context, opts ArticleIDOptions) ([]int64, error) {
	const q = `
SELECT a.article_id
FROM geo.articles a
WHERE COALESCE(a.published_at, a.created_at) >= $1
  AND NOT EXISTS (
	SELECT 1
	FROM geo.article_place_relations r
	WHERE r.article_id = a.article_id
  )
ORDER BY a.article_id ASC
LIMIT $2
`
	return p.listArticleIDs(ctx, q, "articles without place relations", opts)
}

// ListArticlesWithPlaceRelations returns ids of articles that carry at least
// one place relation.
func (p *Pool) ListArticlesWithPlaceRelations(ctx context.Context, opts ArticleIDOptions) ([]int64, error) {
	const q = `
SELECT a.article_id
FROM geo.articles a
WHERE COALESCE(a.published_at, a.created_at) >= $1
  AND EXISTS (
	SELECT 1
	FROM geo.article_place_relations r
	WHERE r.article_id = a.article_id
  )
ORDER BY a.article_id ASC
LIMIT $2
`
	return p.listArticleIDs(ctx, q, "articles with place relations", opts)
}

func (p *Pool) listArticleIDs(ctx context.Context, q, label string, opts ArticleIDOptions) ([]int64, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 500
	}

	rows, err := p.Query(ctx, q, opts.Since.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", label, err)
	}
	defer rows.Close()

	ids := make([]int64, 0, limit)
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan %s: %w", label, err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s: %w", label, err)
	}
	return ids, nil
}

// ListArticlesMissingFingerprint returns articles whose fingerprint is NULL.
func (p *Pool) ListArticlesMissingFingerprint(ctx context.Context, limit int) ([]FingerprintRow, error) {
	if limit <= 0 {
		limit = 500
	}

	const q = `
SELECT article_id, title, body
FROM geo.articles
WHERE fingerprint IS NULL
ORDER BY article_id ASC
LIMIT $1
`
	rows, err := p.Query(ctx, q, limit)
	if err != nil {
		return nil, fmt.Errorf("query articles missing fingerprint: %w", err)
	}
	defer rows.Close()

	out := make([]FingerprintRow, 0, limit)
	for rows.Next() {
		var row FingerprintRow
		if err := rows.Scan(&row.ArticleID, &row.Title, &row.Body); err != nil {
			return nil, fmt.Errorf("scan article missing fingerprint: %w", err)
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate articles missing fingerprint: %w", err)
	}
	return out, nil
}

func (p *Pool) SetArticleFingerprint(ctx context.Context, articleID int64, fingerprint uint64, now time.Time) error {
	const q = `
UPDATE geo.articles
SET
	fingerprint = $2,
	updated_at = $3
WHERE article_id = $1
`
	tag, err := p.Exec(ctx, q, articleID, fingerprintToDB(fingerprint), now.UTC())
	if err != nil {
		return fmt.Errorf("update article fingerprint: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return notFound(ErrNoRows, "article", articleID)
	}
	return nil
}

// CountRows is used by the health command to report table sizes.
func (p *Pool) CountRows(ctx context.Context, table string) (int64, error) {
	switch strings.TrimSpace(table) {
	case "geo.places", "geo.articles", "geo.article_place_relations", "geo.story_clusters":
	default:
		return 0, fmt.Errorf("table %q is not countable", table)
	}

	var n int64
	if err := p.QueryRow(ctx, "SELECT count(*) FROM "+table).Scan(&n); err != nil {
		return 0, fmt.Errorf("count %s: %w", table, err)
	}
	return n, nil
}
