package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	Environment string `envconfig:"ENVIRONMENT" default:"local"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`

	DatabaseURL string `envconfig:"DATABASE_URL" required:"true"`
	DBMinConns  int32  `envconfig:"GEOSTORY_DB_MIN_CONNS" default:"1"`
	DBMaxConns  int32  `envconfig:"GEOSTORY_DB_MAX_CONNS" default:"8"`

	PlaceCacheTTL        time.Duration `envconfig:"PLACE_CACHE_TTL" default:"5m"`
	MatchRejectThreshold float64       `envconfig:"MATCH_REJECT_THRESHOLD" default:"0.2"`

	CoherenceWeight      float64 `envconfig:"COHERENCE_WEIGHT" default:"0.15"`
	CoherenceMinMentions int     `envconfig:"COHERENCE_MIN_MENTIONS" default:"2"`

	ClusterMaxTimeDiffHours    int     `envconfig:"CLUSTER_MAX_TIME_DIFF_HOURS" default:"48"`
	ClusterMaxHammingDistance  int     `envconfig:"CLUSTER_MAX_HAMMING_DISTANCE" default:"3"`
	ClusterMinSharedEntities   int     `envconfig:"CLUSTER_MIN_SHARED_ENTITIES" default:"1"`
	ClusterCandidateLimit      int     `envconfig:"CLUSTER_CANDIDATE_LIMIT" default:"100"`
	ClusterMemberSample        int     `envconfig:"CLUSTER_MEMBER_SAMPLE" default:"10"`
	ClusterJoinThreshold       float64 `envconfig:"CLUSTER_JOIN_THRESHOLD" default:"0.5"`
	ClusterRetentionDays       int     `envconfig:"CLUSTER_RETENTION_DAYS" default:"7"`
	DefaultRuleLevel           int     `envconfig:"MATCH_DEFAULT_RULE_LEVEL" default:"2"`
	ProcessLockFile            string  `envconfig:"GEOSTORY_LOCK_FILE" default:"/tmp/geostory-process.lock"`
	MetricsTextfile            string  `envconfig:"GEOSTORY_METRICS_TEXTFILE" default:""`
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.DatabaseURL) == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if c.DBMinConns < 0 {
		return fmt.Errorf("GEOSTORY_DB_MIN_CONNS must be >= 0")
	}
	if c.DBMaxConns < 1 {
		return fmt.Errorf("GEOSTORY_DB_MAX_CONNS must be >= 1")
	}
	if c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("GEOSTORY_DB_MIN_CONNS (%d) cannot exceed GEOSTORY_DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
	}
	if c.PlaceCacheTTL < 0 {
		return fmt.Errorf("PLACE_CACHE_TTL must be >= 0")
	}
	if c.MatchRejectThreshold <= 0 || c.MatchRejectThreshold > 1 {
		return fmt.Errorf("MATCH_REJECT_THRESHOLD must be within (0,1]")
	}
	if c.CoherenceWeight < 0 {
		return fmt.Errorf("COHERENCE_WEIGHT must be >= 0")
	}
	if c.CoherenceMinMentions < 1 {
		return fmt.Errorf("COHERENCE_MIN_MENTIONS must be >= 1")
	}
	if c.ClusterMaxTimeDiffHours < 1 {
		return fmt.Errorf("CLUSTER_MAX_TIME_DIFF_HOURS must be >= 1")
	}
	if c.ClusterMaxHammingDistance < 0 || c.ClusterMaxHammingDistance > 64 {
		return fmt.Errorf("CLUSTER_MAX_HAMMING_DISTANCE must be within [0,64]")
	}
	if c.ClusterMinSharedEntities < 0 {
		return fmt.Errorf("CLUSTER_MIN_SHARED_ENTITIES must be >= 0")
	}
	if c.ClusterCandidateLimit < 1 {
		return fmt.Errorf("CLUSTER_CANDIDATE_LIMIT must be >= 1")
	}
	if c.ClusterMemberSample < 1 {
		return fmt.Errorf("CLUSTER_MEMBER_SAMPLE must be >= 1")
	}
	if c.ClusterJoinThreshold < 0 || c.ClusterJoinThreshold > 1 {
		return fmt.Errorf("CLUSTER_JOIN_THRESHOLD must be within [0,1]")
	}
	if c.ClusterRetentionDays < 1 {
		return fmt.Errorf("CLUSTER_RETENTION_DAYS must be >= 1")
	}
	if c.DefaultRuleLevel < 0 || c.DefaultRuleLevel > 4 {
		return fmt.Errorf("MATCH_DEFAULT_RULE_LEVEL must be within [0,4]")
	}
	return nil
}
