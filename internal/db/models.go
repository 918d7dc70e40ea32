package db

import (
	"encoding/json"
	"time"
)

// Place maps geo.places.
type Place struct {
	PlaceID       int64     `gorm:"column:place_id;primaryKey;autoIncrement"`
	PlaceUUID     string    `gorm:"column:place_uuid;type:uuid;not null;default:gen_random_uuid();unique"`
	CanonicalName string    `gorm:"column:canonical_name;type:text;not null"`
	CountryCode   *string   `gorm:"column:country_code;type:text"`
	Latitude      *float64  `gorm:"column:latitude;type:double precision"`
	Longitude     *float64  `gorm:"column:longitude;type:double precision"`
	Population    *int64    `gorm:"column:population;type:bigint"`
	CreatedAt     time.Time `gorm:"column:created_at;type:timestamptz;not null;default:now()"`
	UpdatedAt     time.Time `gorm:"column:updated_at;type:timestamptz;not null;default:now()"`
}

func (Place) TableName() string { return "geo.places" }

// PlaceName maps geo.place_names. Every surface form a place is known by,
// including its canonical name, is one row.
type PlaceName struct {
	PlaceNameID int64     `gorm:"column:place_name_id;primaryKey;autoIncrement"`
	PlaceID     int64     `gorm:"column:place_id;type:bigint;not null;index:idx_place_names_place"`
	Name        string    `gorm:"column:name;type:text;not null"`
	Language    *string   `gorm:"column:language;type:text"`
	IsCanonical bool      `gorm:"column:is_canonical;type:boolean;not null;default:false"`
	CreatedAt   time.Time `gorm:"column:created_at;type:timestamptz;not null;default:now()"`
}

func (PlaceName) TableName() string { return "geo.place_names" }

// Article maps geo.articles.
type Article struct {
	ArticleID   int64      `gorm:"column:article_id;primaryKey;autoIncrement"`
	ArticleUUID string     `gorm:"column:article_uuid;type:uuid;not null;default:gen_random_uuid();unique"`
	Title       string     `gorm:"column:title;type:text;not null"`
	Body        string     `gorm:"column:body;type:text;not null;default:''"`
	PublishedAt *time.Time `gorm:"column:published_at;type:timestamptz"`
	Fingerprint *int64     `gorm:"column:fingerprint;type:bigint"`
	CreatedAt   time.Time  `gorm:"column:created_at;type:timestamptz;not null;default:now()"`
	UpdatedAt   time.Time  `gorm:"column:updated_at;type:timestamptz;not null;default:now()"`
}

func (Article) TableName() string { return "geo.articles" }

// ArticleEntity maps geo.article_entities.
type ArticleEntity struct {
	ArticleEntityID int64     `gorm:"column:article_entity_id;primaryKey;autoIncrement"`
	ArticleID       int64     `gorm:"column:article_id;type:bigint;not null;index:idx_article_entities_article"`
	EntityText      string    `gorm:"column:entity_text;type:text;not null"`
	EntityType      string    `gorm:"column:entity_type;type:text;not null;default:''"`
	CreatedAt       time.Time `gorm:"column:created_at;type:timestamptz;not null;default:now()"`
}

func (ArticleEntity) TableName() string { return "geo.article_entities" }

// ArticlePlaceRelation maps geo.article_place_relations. One row per
// (article, place) pair.
type ArticlePlaceRelation struct {
	RelationID           int64           `gorm:"column:relation_id;primaryKey;autoIncrement"`
	RelationUUID         string          `gorm:"column:relation_uuid;type:uuid;not null;default:gen_random_uuid();unique"`
	ArticleID            int64           `gorm:"column:article_id;type:bigint;not null;uniqueIndex:uq_article_place_relations_article_place"`
	PlaceID              int64           `gorm:"column:place_id;type:bigint;not null;uniqueIndex:uq_article_place_relations_article_place"`
	RelationType         string          `gorm:"column:relation_type;type:text;not null"`
	Confidence           float64         `gorm:"column:confidence;type:double precision;not null"`
	RuleLevel            int16           `gorm:"column:rule_level;type:smallint;not null"`
	MentionText          string          `gorm:"column:mention_text;type:text;not null"`
	DisambiguationMethod string          `gorm:"column:disambiguation_method;type:text;not null"`
	Evidence             json.RawMessage `gorm:"column:evidence;type:jsonb;not null;default:'{}'::jsonb"`
	CreatedAt            time.Time       `gorm:"column:created_at;type:timestamptz;not null;default:now()"`
	UpdatedAt            time.Time       `gorm:"column:updated_at;type:timestamptz;not null;default:now()"`
}

func (ArticlePlaceRelation) TableName() string { return "geo.article_place_relations" }

// StoryCluster maps geo.story_clusters.
type StoryCluster struct {
	ClusterID      int64     `gorm:"column:cluster_id;primaryKey;autoIncrement"`
	ClusterUUID    string    `gorm:"column:cluster_uuid;type:uuid;not null;unique"`
	Headline       string    `gorm:"column:headline;type:text;not null"`
	Summary        *string   `gorm:"column:summary;type:text"`
	MemberCount    int       `gorm:"column:member_count;type:integer;not null;default:0"`
	PrimaryTopicID *int64    `gorm:"column:primary_topic_id;type:bigint"`
	Active         bool      `gorm:"column:active;type:boolean;not null;default:true"`
	FirstSeenAt    time.Time `gorm:"column:first_seen_at;type:timestamptz;not null"`
	LastUpdatedAt  time.Time `gorm:"column:last_updated_at;type:timestamptz;not null"`
	CreatedAt      time.Time `gorm:"column:created_at;type:timestamptz;not null;default:now()"`
}

func (StoryCluster) TableName() string { return "geo.story_clusters" }

// StoryClusterMember maps geo.story_cluster_members.
type StoryClusterMember struct {
	ClusterID  int64     `gorm:"column:cluster_id;type:bigint;primaryKey"`
	ArticleID  int64     `gorm:"column:article_id;type:bigint;primaryKey"`
	MatchScore *float64  `gorm:"column:match_score;type:double precision"`
	JoinedAt   time.Time `gorm:"column:joined_at;type:timestamptz;not null;default:now()"`
}

func (StoryClusterMember) TableName() string { return "geo.story_cluster_members" }

func autoMigrateModels() []any {
	return []any{
		&Place{},
		&PlaceName{},
		&Article{},
		&ArticleEntity{},
		&ArticlePlaceRelation{},
		&StoryCluster{},
		&StoryClusterMember{},
	}
}
