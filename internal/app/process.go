package app

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/gofrs/flock"

	"horse.fit/geostory/internal/cli"
	"horse.fit/geostory/internal/db"
	"horse.fit/geostory/internal/storycluster"
)

func runProcess(args []string) int {
	fs := flag.NewFlagSet("process", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	envLoader := cli.AddEnvFlag(fs, ".env", "Path to the .env file")
	timeout := fs.Duration("timeout", 10*time.Minute, "Command timeout")
	level := fs.String("level", "", "Rule level 0-4 or name (default MATCH_DEFAULT_RULE_LEVEL)")
	sinceDaysFlag := fs.Int("since-days", 0, "Only articles published in the last N days (default CLUSTER_RETENTION_DAYS)")
	fingerprintLimit := fs.Int("fingerprint-limit", 1000, "Maximum articles to fingerprint per run")
	matchLimit := fs.Int("match-limit", 1000, "Maximum articles to match per run")
	clusterLimit := fs.Int("cluster-limit", 1000, "Maximum unclustered articles per run")
	skipFingerprint := fs.Bool("skip-fingerprint", false, "Do not backfill missing fingerprints")
	lockFile := fs.String("lock-file", "", "Lock file path (default GEOSTORY_LOCK_FILE)")
	metricsTextfile := fs.String("metrics-textfile", "", "Write Prometheus metrics to this textfile")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	if *fingerprintLimit <= 0 || *matchLimit <= 0 || *clusterLimit <= 0 {
		fmt.Fprintln(os.Stderr, "--fingerprint-limit, --match-limit and --cluster-limit must be > 0")
		return 2
	}
	if *sinceDaysFlag < 0 {
		fmt.Fprintln(os.Stderr, "--since-days must be >= 0")
		return 2
	}

	env, err := connectPool("process", *timeout, envLoader)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer env.Close()

	lockPath := strings.TrimSpace(*lockFile)
	if lockPath == "" {
		lockPath = env.cfg.ProcessLockFile
	}
	lock := flock.New(lockPath)
	locked, err := lock.TryLock()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to acquire lock %s: %v\n", lockPath, err)
		return 1
	}
	if !locked {
		env.logger.Warn().Str("lock_file", lockPath).Msg("another process run holds the lock")
		fmt.Fprintf(os.Stderr, "another geostory process is already running (lock %s)\n", lockPath)
		return 1
	}
	defer func() {
		if err := lock.Unlock(); err != nil {
			env.logger.Warn().Err(err).Str("lock_file", lockPath).Msg("lock release failed")
		}
	}()
	defer env.writeMetrics(*metricsTextfile)

	ruleLevel, err := ruleLevelFlag(*level, env.cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid --level: %v\n", err)
		return 2
	}

	days := *sinceDaysFlag
	if days == 0 {
		days = env.cfg.ClusterRetentionDays
	}
	since := sinceDays(days)

	if !*skipFingerprint {
		fpResult, err := backfillFingerprints(env.ctx, env.pool, env.logger, *fingerprintLimit)
		if err != nil {
			env.logger.Error().Err(err).Msg("fingerprint stage failed")
			fmt.Fprintf(os.Stderr, "Process failed during fingerprint: %v\n", err)
			return 1
		}
		fmt.Printf("fingerprint processed=%d updated=%d empty=%d\n", fpResult.Processed, fpResult.Updated, fpResult.Empty)
		printFailures(fpResult.Failures)
	}

	pendingIDs, err := env.pool.ListArticlesWithoutPlaceRelations(env.ctx, db.ArticleIDOptions{Since: since, Limit: *matchLimit})
	if err != nil {
		env.logger.Error().Err(err).Msg("match stage failed")
		fmt.Fprintf(os.Stderr, "Process failed listing pending articles: %v\n", err)
		return 1
	}

	matcher := newMatcher(env.pool, env.logger, env.cfg, env.metrics)
	matchResult, err := matcher.MatchBatch(env.ctx, pendingIDs, ruleLevel)
	if err != nil {
		env.logger.Error().Err(err).Msg("match stage failed")
		fmt.Fprintf(os.Stderr, "Process failed during match: %v\n", err)
		return 1
	}
	fmt.Printf(
		"match processed=%d matched=%d candidates=%d errored=%d\n",
		matchResult.Processed,
		matchResult.Matched,
		matchResult.Candidates,
		matchResult.Errored,
	)
	printFailures(matchResult.Failures)

	// Coherence reads the relations the match stage just persisted.
	matchedIDs := make([]int64, 0, matchResult.Matched)
	for _, outcome := range matchResult.Outcomes {
		if outcome.Candidates > 0 {
			matchedIDs = append(matchedIDs, outcome.ArticleID)
		}
	}
	coherenceSvc := newCoherence(env.pool, env.logger, env.cfg, env.metrics)
	coherenceResult, err := coherenceSvc.ProcessBatch(env.ctx, matchedIDs)
	if err != nil {
		env.logger.Error().Err(err).Msg("coherence stage failed")
		fmt.Fprintf(os.Stderr, "Process failed during coherence: %v\n", err)
		return 1
	}
	fmt.Printf(
		"coherence processed=%d adjusted=%d skipped=%d errored=%d\n",
		coherenceResult.Processed,
		coherenceResult.Adjusted,
		coherenceResult.Skipped,
		coherenceResult.Errored,
	)
	printFailures(coherenceResult.Failures)

	clusterer := newClusterer(env.pool, env.logger, env.cfg, env.metrics)
	if err := clusterer.Initialize(env.ctx); err != nil {
		env.logger.Error().Err(err).Msg("cluster stage failed")
		fmt.Fprintf(os.Stderr, "Process failed loading clusters: %v\n", err)
		return 1
	}
	clusterResult, err := clusterer.ClusterPending(env.ctx, storycluster.PendingOptions{Since: since, Limit: *clusterLimit})
	if err != nil {
		env.logger.Error().Err(err).Msg("cluster stage failed")
		fmt.Fprintf(os.Stderr, "Process failed during clustering: %v\n", err)
		return 1
	}
	fmt.Printf(
		"cluster processed=%d joined=%d created=%d unclustered=%d\n",
		clusterResult.Processed,
		clusterResult.Joined,
		clusterResult.Created,
		clusterResult.Unclustered,
	)
	printFailures(clusterResult.Failures)

	deactivated, err := clusterer.DeactivateOldClusters(env.ctx, env.cfg.ClusterRetentionDays)
	if err != nil {
		env.logger.Error().Err(err).Msg("deactivate stage failed")
		fmt.Fprintf(os.Stderr, "Process failed during deactivate: %v\n", err)
		return 1
	}
	fmt.Printf("deactivate deactivated=%d\n", deactivated)

	env.logger.Info().
		Int("matched", matchResult.Matched).
		Int("adjusted", coherenceResult.Adjusted).
		Int("joined", clusterResult.Joined).
		Int("created", clusterResult.Created).
		Int64("deactivated", deactivated).
		Msg("process run finished")
	return 0
}
