package app

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"horse.fit/geostory/internal/cli"
	"horse.fit/geostory/internal/db"
	"horse.fit/geostory/internal/placematch"
)

func runMatch(args []string) int {
	fs := flag.NewFlagSet("match", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	envLoader := cli.AddEnvFlag(fs, ".env", "Path to the .env file")
	timeout := fs.Duration("timeout", 2*time.Minute, "Command timeout")
	articles := fs.String("article", "", "Comma separated article ids to match")
	pending := fs.Bool("pending", false, "Match every article without place relations")
	sinceDaysFlag := fs.Int("since-days", 7, "With --pending, only articles published in the last N days (0 = all)")
	limit := fs.Int("limit", 500, "With --pending, maximum articles to match")
	level := fs.String("level", "", "Rule level 0-4 or name (default MATCH_DEFAULT_RULE_LEVEL)")
	format := fs.String("format", outputFormatTable, "Output format: table or json")
	metricsTextfile := fs.String("metrics-textfile", "", "Write Prometheus metrics to this textfile")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	if fs.NArg() != 0 {
		fmt.Fprintln(os.Stderr, "match does not accept positional arguments")
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

	env, err := connectPool("match", *timeout, envLoader)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer env.Close()
	defer env.writeMetrics(*metricsTextfile)

	ruleLevel, err := ruleLevelFlag(*level, env.cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid --level: %v\n", err)
		return 2
	}

	matcher := newMatcher(env.pool, env.logger, env.cfg, env.metrics)

	if len(ids) == 1 {
		candidates, err := matcher.MatchArticle(env.ctx, ids[0], ruleLevel)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Match failed: %v\n", err)
			return 1
		}
		if outputFormat == outputFormatJSON {
			if err := printJSON(candidates); err != nil {
				fmt.Fprintf(os.Stderr, "Failed to encode JSON: %v\n", err)
				return 1
			}
			return 0
		}
		if err := writeCandidateTable(candidates); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render table: %v\n", err)
			return 1
		}
		return 0
	}

	if *pending {
		ids, err = env.pool.ListArticlesWithoutPlaceRelations(env.ctx, db.ArticleIDOptions{
			Since: sinceDays(*sinceDaysFlag),
			Limit: *limit,
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to list pending articles: %v\n", err)
			return 1
		}
	}

	result, err := matcher.MatchBatch(env.ctx, ids, ruleLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Match failed: %v\n", err)
		return 1
	}
	if outputFormat == outputFormatJSON {
		if err := printJSON(result); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to encode JSON: %v\n", err)
			return 1
		}
		return 0
	}

	fmt.Printf(
		"processed=%d matched=%d candidates=%d errored=%d level=%s\n",
		result.Processed,
		result.Matched,
		result.Candidates,
		result.Errored,
		ruleLevel,
	)
	printFailures(result.Failures)
	return 0
}

func writeCandidateTable(candidates []placematch.Candidate) error {
	rows := make([][]string, 0, len(candidates))
	for _, c := range candidates {
		rows = append(rows, []string{
			strconv.FormatInt(c.PlaceID, 10),
			truncateForTable(c.PlaceName, 40),
			truncateForTable(c.MentionText, 40),
			string(c.RelationType),
			formatScore(c.Confidence),
			c.Method,
		})
	}

	return writeTable(
		[]string{"place_id", "place", "mention", "relation", "confidence", "method"},
		rows,
		[]columnAlignment{alignRight, alignLeft, alignLeft, alignLeft, alignRight, alignLeft},
	)
}
