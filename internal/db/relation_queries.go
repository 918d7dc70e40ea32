package db

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

type PlaceRelationParams struct {
	PlaceID              int64
	RelationType         string
	Confidence           float64
	RuleLevel            int
	MentionText          string
	DisambiguationMethod string
	Evidence             json.RawMessage
}

// PlaceMentionRow is one stored candidate place for a mention in an article.
type PlaceMentionRow struct {
	ArticleID            int64
	PlaceID              int64
	CanonicalName        string
	MentionText          string
	RelationType         string
	Confidence           float64
	RuleLevel            int
	DisambiguationMethod string
	UpdatedAt            time.Time
}

type ResolvedPlaceUpdate struct {
	PlaceID              int64
	Confidence           float64
	DisambiguationMethod string
}

// UpsertPlaceRelations writes every relation of one article in a single
// transaction, replacing earlier values for the same (article, place) pair.
func (p *Pool) UpsertPlaceRelations(ctx context.Context, articleID int64, relations []PlaceRelationParams, now time.Time) error {
	if articleID <= 0 {
		return fmt.Errorf("article id is required")
	}
	if len(relations) == 0 {
		return nil
	}

	const q = `
INSERT INTO geo.article_place_relations (
	article_id,
	place_id,
	relation_type,
	confidence,
	rule_level,
	mention_text,
	disambiguation_method,
	evidence,
	created_at,
	updated_at
)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8::jsonb, $9, $9)
ON CONFLICT (article_id, place_id) DO UPDATE
SET
	relation_type = EXCLUDED.relation_type,
	confidence = EXCLUDED.confidence,
	rule_level = EXCLUDED.rule_level,
	mention_text = EXCLUDED.mention_text,
	disambiguation_method = EXCLUDED.disambiguation_method,
	evidence = EXCLUDED.evidence,
	updated_at = EXCLUDED.updated_at
`

	return p.withTx(ctx, func(tx Querier) error {
		for _, rel := range relations {
			evidence := rel.Evidence
			if len(evidence) == 0 {
				evidence = json.RawMessage(`{}`)
			}
			if _, err := tx.Exec(
				ctx,
				q,
				articleID,
				rel.PlaceID,
				rel.RelationType,
				rel.Confidence,
				rel.RuleLevel,
				rel.MentionText,
				rel.DisambiguationMethod,
				string(evidence),
				now.UTC(),
			); err != nil {
				return fmt.Errorf("upsert place relation article=%d place=%d: %w", articleID, rel.PlaceID, err)
			}
		}
		return nil
	})
}

// ListPlaceMentions returns the stored candidates of an article grouped by
// mention text, highest confidence first within each mention.
func (p *Pool) ListPlaceMentions(ctx context.Context, articleID int64) ([]PlaceMentionRow, error) {
	const q = `
SELECT
	r.article_id,
	r.place_id,
	p.canonical_name,
	r.mention_text,
	r.relation_type,
	r.confidence,
	r.rule_level,
	r.disambiguation_method,
	r.updated_at
FROM geo.article_place_relations r
JOIN geo.places p
	ON p.place_id = r.place_id
WHERE r.article_id = $1
ORDER BY r.mention_text ASC, r.confidence DESC, r.place_id ASC
`

	rows, err := p.Query(ctx, q, articleID)
	if err != nil {
		return nil, fmt.Errorf("query place mentions: %w", err)
	}
	defer rows.Close()

	out := make([]PlaceMentionRow, 0, 16)
	for rows.Next() {
		var row PlaceMentionRow
		if err := rows.Scan(
			&row.ArticleID,
			&row.PlaceID,
			&row.CanonicalName,
			&row.MentionText,
			&row.RelationType,
			&row.Confidence,
			&row.RuleLevel,
			&row.DisambiguationMethod,
			&row.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan place mention: %w", err)
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate place mentions: %w", err)
	}
	return out, nil
}

// UpdateResolvedPlaces rewrites confidence and method on existing relations.
// It never inserts; pairs without a row are counted as not updated.
func (p *Pool) UpdateResolvedPlaces(ctx context.Context, articleID int64, updates []ResolvedPlaceUpdate, now time.Time) (int64, error) {
	if len(updates) == 0 {
		return 0, nil
	}

	const q = `
UPDATE geo.article_place_relations
SET
	confidence = LEAST(1.0, GREATEST(0.0, $3)),
	disambiguation_method = $4,
	updated_at = $5
WHERE article_id = $1
  AND place_id = $2
`

	var updated int64
	err := p.withTx(ctx, func(tx Querier) error {
		for _, u := range updates {
			tag, err := tx.Exec(ctx, q, articleID, u.PlaceID, u.Confidence, u.DisambiguationMethod, now.UTC())
			if err != nil {
				return fmt.Errorf("update resolved place article=%d place=%d: %w", articleID, u.PlaceID, err)
			}
			updated += tag.RowsAffected()
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return updated, nil
}
