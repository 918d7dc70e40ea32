package app

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"horse.fit/geostory/internal/cli"
	"horse.fit/geostory/internal/coherence"
	"horse.fit/geostory/internal/db"
)

func runCoherence(args []string) int {
	fs := flag.NewFlagSet("coherence", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	envLoader := cli.AddEnvFlag(fs, ".env", "Path to the .env file")
	timeout := fs.Duration("timeout", 2*time.Minute, "Command timeout")
	articles := fs.String("article", "", "Comma separated article ids to re-rank")
	pending := fs.Bool("pending", false, "Re-rank every recent article with place relations")
	sinceDaysFlag := fs.Int("since-days", 7, "With --pending, only articles published in the last N days (0 = all)")
	limit := fs.Int("limit", 500, "With --pending, maximum articles to process")
	format := fs.String("format", outputFormatTable, "Output format: table or json")
	metricsTextfile := fs.String("metrics-textfile", "", "Write Prometheus metrics to this textfile")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	if fs.NArg() != 0 {
		fmt.Fprintln(os.Stderr, "coherence does not accept positional arguments")
		return 2
	}

	ids, err := parseArticleIDs(*articles)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid --article: %v\n", err)
		return 2
	}
	if len(ids) == 0 && !*pending {
		fmt.Fprintln(os.Stderr, "either --article or --pending is required")
		return 2
	}
	if len(ids) > 0 && *pending {
		fmt.Fprintln(os.Stderr, "--article and --pending are mutually exclusive")
		return 2
	}
	if *limit <= 0 {
		fmt.Fprintln(os.Stderr, "--limit must be > 0")
		return 2
	}

	outputFormat, err := parseOutputFormat(*format, outputFormatTable)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid format: %v\n", err)
		return 2
	}

	env, err := connectPool("coherence", *timeout, envLoader)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer env.Close()
	defer env.writeMetrics(*metricsTextfile)

	if *pending {
		ids, err = env.pool.ListArticlesWithPlaceRelations(env.ctx, db.ArticleIDOptions{
			Since: sinceDays(*sinceDaysFlag),
			Limit: *limit,
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to list articles: %v\n", err)
			return 1
		}
	}

	svc := newCoherence(env.pool, env.logger, env.cfg, env.metrics)
	result, err := svc.ProcessBatch(env.ctx, ids)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Coherence failed: %v\n", err)
		return 1
	}

	if outputFormat == outputFormatJSON {
		if err := printJSON(result); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to encode JSON: %v\n", err)
			return 1
		}
		return 0
	}

	if err := writeCoherenceTable(result.Outcomes); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to render table: %v\n", err)
		return 1
	}
	fmt.Printf(
		"processed=%d adjusted=%d skipped=%d errored=%d\n",
		result.Processed,
		result.Adjusted,
		result.Skipped,
		result.Errored,
	)
	printFailures(result.Failures)
	return 0
}

func writeCoherenceTable(outcomes []coherence.ArticleOutcome) error {
	rows := make([][]string, 0, len(outcomes))
	for _, o := range outcomes {
		rows = append(rows, []string{
			strconv.FormatInt(o.ArticleID, 10),
			string(o.Outcome),
			strconv.Itoa(o.Mentions),
			strconv.FormatInt(o.Updated, 10),
		})
	}

	return writeTable(
		[]string{"article_id", "outcome", "mentions", "updated"},
		rows,
		[]columnAlignment{alignRight, alignLeft, alignRight, alignRight},
	)
}
