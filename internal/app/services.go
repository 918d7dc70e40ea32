package app

import (
	"time"

	"github.com/rs/zerolog"

	"horse.fit/geostory/internal/coherence"
	"horse.fit/geostory/internal/config"
	"horse.fit/geostory/internal/db"
	"horse.fit/geostory/internal/logging"
	"horse.fit/geostory/internal/metrics"
	"horse.fit/geostory/internal/placematch"
	"horse.fit/geostory/internal/storycluster"
)

func matcherOptions(cfg *config.Config, m *metrics.Manager) placematch.Options {
	return placematch.Options{
		CacheTTL:        cfg.PlaceCacheTTL,
		RejectThreshold: cfg.MatchRejectThreshold,
		Metrics:         m,
	}
}

func coherenceOptions(cfg *config.Config, m *metrics.Manager) coherence.Options {
	return coherence.Options{
		Weight:      cfg.CoherenceWeight,
		MinMentions: cfg.CoherenceMinMentions,
		Metrics:     m,
	}
}

func clusterOptions(cfg *config.Config, m *metrics.Manager) storycluster.Options {
	return storycluster.Options{
		MaxTimeDiff:        time.Duration(cfg.ClusterMaxTimeDiffHours) * time.Hour,
		MaxHammingDistance: cfg.ClusterMaxHammingDistance,
		MinSharedEntities:  cfg.ClusterMinSharedEntities,
		CandidateLimit:     cfg.ClusterCandidateLimit,
		MemberSample:       cfg.ClusterMemberSample,
		JoinThreshold:      cfg.ClusterJoinThreshold,
		MinClusterSize:     storycluster.DefaultOptions().MinClusterSize,
		RetentionDays:      cfg.ClusterRetentionDays,
		Metrics:            m,
	}
}

func newMatcher(pool *db.Pool, logger zerolog.Logger, cfg *config.Config, m *metrics.Manager) *placematch.Matcher {
	return placematch.NewMatcher(pool, logging.Component(logger, "placematch"), matcherOptions(cfg, m))
}

func newCoherence(pool *db.Pool, logger zerolog.Logger, cfg *config.Config, m *metrics.Manager) *coherence.Service {
	return coherence.NewService(pool, logging.Component(logger, "coherence"), coherenceOptions(cfg, m))
}

func newClusterer(pool *db.Pool, logger zerolog.Logger, cfg *config.Config, m *metrics.Manager) *storycluster.Service {
	return storycluster.NewService(pool, logging.Component(logger, "storycluster"), clusterOptions(cfg, m))
}

// ruleLevelFlag resolves the --level flag. An empty value selects
// MATCH_DEFAULT_RULE_LEVEL.
func ruleLevelFlag(raw string, cfg *config.Config) (placematch.RuleLevel, error) {
	if raw == "" {
		return placematch.RuleLevel(cfg.DefaultRuleLevel), nil
	}
	return placematch.ParseRuleLevel(raw)
}
