package db

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ClusterRow is a story cluster with its member article ids in join order.
type ClusterRow struct {
	ClusterID      int64
	ClusterUUID    string
	Headline       string
	Summary        *string
	MemberCount    int
	PrimaryTopicID *int64
	Active         bool
	FirstSeenAt    time.Time
	LastUpdatedAt  time.Time
	MemberIDs      []int64
}

type ClusterListOptions struct {
	// Limit caps the clusters returned, most recently updated first. 0 means all.
	Limit int
	// MemberLimit caps the member ids loaded per cluster. 0 means all.
	MemberLimit     int
	IncludeInactive bool
}

type ClusterMemberParams struct {
	ArticleID  int64
	MatchScore *float64
}

type CreateClusterParams struct {
	Headline       string
	Summary        *string
	PrimaryTopicID *int64
	FirstSeenAt    time.Time
	LastUpdatedAt  time.Time
	JoinedAt       time.Time
	Members        []ClusterMemberParams
}

type AddClusterMemberParams struct {
	ClusterID  int64
	ArticleID  int64
	MatchScore *float64
	// SeenAt moves last_updated_at forward when it is later than the stored value.
	SeenAt   time.Time
	JoinedAt time.Time
}

func (p *Pool) ListClusters(ctx context.Context, opts ClusterListOptions) ([]ClusterRow, error) {
	var (
		q    strings.Builder
		args []any
	)
	q.WriteString(`
SELECT
	cluster_id,
	cluster_uuid::text,
	headline,
	summary,
	member_count,
	primary_topic_id,
	active,
	first_seen_at,
	last_updated_at
FROM geo.story_clusters
`)
	if !opts.IncludeInactive {
		q.WriteString("WHERE active\n")
	}
	q.WriteString("ORDER BY last_updated_at DESC, cluster_id DESC\n")
	if opts.Limit > 0 {
		args = append(args, opts.Limit)
		q.WriteString(fmt.Sprintf("LIMIT $%d\n", len(args)))
	}

	rows, err := p.Query(ctx, q.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("query story clusters: %w", err)
	}

	clusters := make([]ClusterRow, 0, max(opts.Limit, 16))
	index := make(map[int64]int)
	for rows.Next() {
		var c ClusterRow
		if err := rows.Scan(
			&c.ClusterID,
			&c.ClusterUUID,
			&c.Headline,
			&c.Summary,
			&c.MemberCount,
			&c.PrimaryTopicID,
			&c.Active,
			&c.FirstSeenAt,
			&c.LastUpdatedAt,
		); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan story cluster: %w", err)
		}
		c.FirstSeenAt = c.FirstSeenAt.UTC()
		c.LastUpdatedAt = c.LastUpdatedAt.UTC()
		index[c.ClusterID] = len(clusters)
		clusters = append(clusters, c)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("iterate story clusters: %w", err)
	}
	rows.Close()

	if len(clusters) == 0 {
		return clusters, nil
	}
	if err := p.attachClusterMembers(ctx, clusters, index, opts.MemberLimit); err != nil {
		return nil, err
	}
	return clusters, nil
}

func (p *Pool) attachClusterMembers(ctx context.Context, clusters []ClusterRow, index map[int64]int, memberLimit int) error {
	ids := make([]int64, 0, len(clusters))
	for _, c := range clusters {
		ids = append(ids, c.ClusterID)
	}

	const q = `
SELECT cluster_id, article_id
FROM (
	SELECT
		cluster_id,
		article_id,
		joined_at,
		row_number() OVER (PARTITION BY cluster_id ORDER BY joined_at ASC, article_id ASC) AS rn
	FROM geo.story_cluster_members
	WHERE cluster_id = ANY($1::bigint[])
) m
WHERE $2::int <= 0 OR m.rn <= $2::int
ORDER BY cluster_id ASC, rn ASC
`
	rows, err := p.Query(ctx, q, ids, memberLimit)
	if err != nil {
		return fmt.Errorf("query story cluster members: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var clusterID, articleID int64
		if err := rows.Scan(&clusterID, &articleID); err != nil {
			return fmt.Errorf("scan story cluster member: %w", err)
		}
		i, ok := index[clusterID]
		if !ok {
			continue
		}
		clusters[i].MemberIDs = append(clusters[i].MemberIDs, articleID)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate story cluster members: %w", err)
	}
	return nil
}

// CreateCluster inserts the cluster row and all members in one transaction.
func (p *Pool) CreateCluster(ctx context.Context, params CreateClusterParams) (ClusterRow, error) {
	headline := strings.TrimSpace(params.Headline)
	if headline == "" {
		return ClusterRow{}, fmt.Errorf("cluster headline is required")
	}
	if len(params.Members) == 0 {
		return ClusterRow{}, fmt.Errorf("cluster members are required")
	}

	clusterUUID := uuid.NewString()
	row := ClusterRow{
		ClusterUUID:    clusterUUID,
		Headline:       headline,
		Summary:        params.Summary,
		MemberCount:    len(params.Members),
		PrimaryTopicID: params.PrimaryTopicID,
		Active:         true,
		FirstSeenAt:    params.FirstSeenAt.UTC(),
		LastUpdatedAt:  params.LastUpdatedAt.UTC(),
		MemberIDs:      make([]int64, 0, len(params.Members)),
	}

	const insertCluster = `
INSERT INTO geo.story_clusters (
	cluster_uuid,
	headline,
	summary,
	member_count,
	primary_topic_id,
	active,
	first_seen_at,
	last_updated_at
)
VALUES ($1::uuid, $2, $3, $4, $5, TRUE, $6, $7)
RETURNING cluster_id
`
	const insertMember = `
INSERT INTO geo.story_cluster_members (
	cluster_id,
	article_id,
	match_score,
	joined_at
)
VALUES ($1, $2, $3, $4)
`

	err := p.withTx(ctx, func(tx Querier) error {
		if err := tx.QueryRow(
			ctx,
			insertCluster,
			clusterUUID,
			headline,
			params.Summary,
			row.MemberCount,
			params.PrimaryTopicID,
			row.FirstSeenAt,
			row.LastUpdatedAt,
		).Scan(&row.ClusterID); err != nil {
			return fmt.Errorf("insert story cluster: %w", err)
		}

		for _, m := range params.Members {
			if _, err := tx.Exec(ctx, insertMember, row.ClusterID, m.ArticleID, m.MatchScore, params.JoinedAt.UTC()); err != nil {
				return fmt.Errorf("insert story cluster member article=%d: %w", m.ArticleID, err)
			}
			row.MemberIDs = append(row.MemberIDs, m.ArticleID)
		}
		return nil
	})
	if err != nil {
		return ClusterRow{}, err
	}
	return row, nil
}

// AddClusterMember appends an article to an active cluster. It reports false
// when the article was already a member.
func (p *Pool) AddClusterMember(ctx context.Context, params AddClusterMemberParams) (bool, error) {
	const lockCluster = `
SELECT active
FROM geo.story_clusters
WHERE cluster_id = $1
FOR UPDATE
`
	const insertMember = `
INSERT INTO geo.story_cluster_members (
	cluster_id,
	article_id,
	match_score,
	joined_at
)
VALUES ($1, $2, $3, $4)
ON CONFLICT (cluster_id, article_id) DO NOTHING
`
	const bumpCluster = `
UPDATE geo.story_clusters
SET
	member_count = member_count + 1,
	last_updated_at = GREATEST(last_updated_at, $2)
WHERE cluster_id = $1
`

	added := false
	err := p.withTx(ctx, func(tx Querier) error {
		var active bool
		if err := tx.QueryRow(ctx, lockCluster, params.ClusterID).Scan(&active); err != nil {
			return notFound(err, "story cluster", params.ClusterID)
		}
		if !active {
			return fmt.Errorf("story cluster %d is inactive", params.ClusterID)
		}

		tag, err := tx.Exec(ctx, insertMember, params.ClusterID, params.ArticleID, params.MatchScore, params.JoinedAt.UTC())
		if err != nil {
			return fmt.Errorf("insert story cluster member: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return nil
		}

		if _, err := tx.Exec(ctx, bumpCluster, params.ClusterID, params.SeenAt.UTC()); err != nil {
			return fmt.Errorf("update story cluster: %w", err)
		}
		added = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return added, nil
}

// DeactivateClustersBefore flips active clusters last updated before cutoff
// and returns their ids. Rows are kept.
func (p *Pool) DeactivateClustersBefore(ctx context.Context, cutoff time.Time) ([]int64, error) {
	const q = `
UPDATE geo.story_clusters
SET active = FALSE
WHERE active
  AND last_updated_at < $1
RETURNING cluster_id
`

	var ids []int64
	err := p.withTx(ctx, func(tx Querier) error {
		rows, err := tx.Query(ctx, q, cutoff.UTC())
		if err != nil {
			return fmt.Errorf("deactivate story clusters: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			var id int64
			if err := rows.Scan(&id); err != nil {
				return fmt.Errorf("scan deactivated cluster: %w", err)
			}
			ids = append(ids, id)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}
