package app

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"horse.fit/geostory/internal/cli"
	"horse.fit/geostory/internal/db"
	"horse.fit/geostory/internal/faults"
	"horse.fit/geostory/internal/geo"
	"horse.fit/geostory/internal/globaltime"
)

type fingerprintStore interface {
	ListArticlesMissingFingerprint(ctx context.Context, limit int) ([]db.FingerprintRow, error)
	SetArticleFingerprint(ctx context.Context, articleID int64, fingerprint uint64, now time.Time) error
}

type fingerprintResult struct {
	Processed int                  `json:"processed"`
	Updated   int                  `json:"updated"`
	Empty     int                  `json:"empty"`
	Failures  []faults.ItemFailure `json:"failures,omitempty"`
}

// backfillFingerprints computes a simhash for articles the upstream extractor
// left without one. Articles with no tokens are counted as empty and left NULL.
func backfillFingerprints(ctx context.Context, store fingerprintStore, logger zerolog.Logger, limit int) (fingerprintResult, error) {
	var result fingerprintResult

	rows, err := store.ListArticlesMissingFingerprint(ctx, limit)
	if err != nil {
		return result, fmt.Errorf("list articles missing fingerprint: %w", err)
	}

	now := globaltime.UTC()
	for _, row := range rows {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		result.Processed++

		fp, ok := geo.Simhash64(strings.TrimSpace(row.Title + "\n" + row.Body))
		if !ok {
			result.Empty++
			continue
		}
		if err := store.SetArticleFingerprint(ctx, row.ArticleID, fp, now); err != nil {
			result.Failures = append(result.Failures, faults.Failure(row.ArticleID, "fingerprint", err))
			logger.Warn().Err(err).Int64("article_id", row.ArticleID).Msg("fingerprint update failed")
			continue
		}
		result.Updated++
	}

	logger.Info().
		Int("processed", result.Processed).
		Int("updated", result.Updated).
		Int("empty", result.Empty).
		Int("failures", len(result.Failures)).
		Msg("fingerprint backfill finished")
	return result, nil
}

func runFingerprint(args []string) int {
	fs := flag.NewFlagSet("fingerprint", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	envLoader := cli.AddEnvFlag(fs, ".env", "Path to the .env file")
	timeout := fs.Duration("timeout", 2*time.Minute, "Command timeout")
	limit := fs.Int("limit", 500, "Maximum articles to fingerprint")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	if *limit <= 0 {
		fmt.Fprintln(os.Stderr, "--limit must be > 0")
		return 2
	}

	env, err := connectPool("fingerprint", *timeout, envLoader)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer env.Close()

	result, err := backfillFingerprints(env.ctx, env.pool, env.logger, *limit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Fingerprint backfill failed: %v\n", err)
		return 1
	}
	fmt.Printf("processed=%d updated=%d empty=%d failures=%d\n", result.Processed, result.Updated, result.Empty, len(result.Failures))
	printFailures(result.Failures)
	return 0
}
