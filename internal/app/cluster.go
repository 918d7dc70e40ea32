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
	"horse.fit/geostory/internal/storycluster"
)

func runCluster(args []string) int {
	fs := flag.NewFlagSet("cluster", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	envLoader := cli.AddEnvFlag(fs, ".env", "Path to the .env file")
	timeout := fs.Duration("timeout", time.Minute, "Command timeout")
	articleID := fs.Int64("article", 0, "Article id to cluster")
	dryRun := fs.Bool("dry-run", false, "Report the best matching cluster without joining it")
	format := fs.String("format", outputFormatTable, "Output format: table or json")
	metricsTextfile := fs.String("metrics-textfile", "", "Write Prometheus metrics to this textfile")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	if *articleID <= 0 {
		fmt.Fprintln(os.Stderr, "--article must be > 0")
		return 2
	}

	outputFormat, err := parseOutputFormat(*format, outputFormatTable)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid format: %v\n", err)
		return 2
	}

	env, err := connectPool("cluster", *timeout, envLoader)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer env.Close()
	defer env.writeMetrics(*metricsTextfile)

	svc := newClusterer(env.pool, env.logger, env.cfg, env.metrics)
	article, err := svc.LoadArticle(env.ctx, *articleID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load article: %v\n", err)
		return 1
	}

	if *dryRun {
		match, err := svc.FindMatchingCluster(env.ctx, article)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Cluster lookup failed: %v\n", err)
			return 1
		}
		if outputFormat == outputFormatJSON {
			if err := printJSON(match); err != nil {
				fmt.Fprintf(os.Stderr, "Failed to encode JSON: %v\n", err)
				return 1
			}
			return 0
		}
		if match == nil {
			fmt.Printf("article_id=%d match=none\n", article.ID)
			return 0
		}
		fmt.Printf(
			"article_id=%d cluster_id=%d score=%s min_distance=%d shared_entities=%d headline=%q\n",
			article.ID,
			match.ClusterID,
			formatScore(match.Score),
			match.MinDistance,
			match.SharedEntities,
			match.Headline,
		)
		return 0
	}

	decision, err := svc.ProcessArticle(env.ctx, article)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Cluster failed: %v\n", err)
		return 1
	}
	if outputFormat == outputFormatJSON {
		if err := printJSON(decision); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to encode JSON: %v\n", err)
			return 1
		}
		return 0
	}
	fmt.Printf(
		"article_id=%d action=%s cluster_id=%d score=%s\n",
		decision.ArticleID,
		decision.Action,
		decision.ClusterID,
		formatScore(decision.Score),
	)
	return 0
}

func runPair(args []string) int {
	fs := flag.NewFlagSet("pair", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	envLoader := cli.AddEnvFlag(fs, ".env", "Path to the .env file")
	timeout := fs.Duration("timeout", 5*time.Minute, "Command timeout")
	sinceDaysFlag := fs.Int("since-days", 0, "Only articles published in the last N days (default CLUSTER_RETENTION_DAYS)")
	limit := fs.Int("limit", 1000, "Maximum unclustered articles to process")
	format := fs.String("format", outputFormatTable, "Output format: table or json")
	metricsTextfile := fs.String("metrics-textfile", "", "Write Prometheus metrics to this textfile")

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
	if *sinceDaysFlag < 0 {
		fmt.Fprintln(os.Stderr, "--since-days must be >= 0")
		return 2
	}

	outputFormat, err := parseOutputFormat(*format, outputFormatTable)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid format: %v\n", err)
		return 2
	}

	env, err := connectPool("pair", *timeout, envLoader)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer env.Close()
	defer env.writeMetrics(*metricsTextfile)

	svc := newClusterer(env.pool, env.logger, env.cfg, env.metrics)
	if err := svc.Initialize(env.ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load clusters: %v\n", err)
		return 1
	}
	result, err := svc.ClusterPending(env.ctx, storycluster.PendingOptions{
		Since: sinceDays(*sinceDaysFlag),
		Limit: *limit,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Pairing failed: %v\n", err)
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
		"processed=%d joined=%d created=%d unclustered=%d failures=%d\n",
		result.Processed,
		result.Joined,
		result.Created,
		result.Unclustered,
		len(result.Failures),
	)
	printFailures(result.Failures)
	return 0
}

func runDeactivate(args []string) int {
	fs := flag.NewFlagSet("deactivate", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	envLoader := cli.AddEnvFlag(fs, ".env", "Path to the .env file")
	timeout := fs.Duration("timeout", 30*time.Second, "Command timeout")
	days := fs.Int("days", 0, "Deactivate clusters not updated for N days (default CLUSTER_RETENTION_DAYS)")
	metricsTextfile := fs.String("metrics-textfile", "", "Write Prometheus metrics to this textfile")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	if *days < 0 {
		fmt.Fprintln(os.Stderr, "--days must be >= 0")
		return 2
	}

	env, err := connectPool("deactivate", *timeout, envLoader)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer env.Close()
	defer env.writeMetrics(*metricsTextfile)

	svc := newClusterer(env.pool, env.logger, env.cfg, env.metrics)
	if err := svc.Initialize(env.ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load clusters: %v\n", err)
		return 1
	}
	n, err := svc.DeactivateOldClusters(env.ctx, *days)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Deactivate failed: %v\n", err)
		return 1
	}
	fmt.Printf("deactivated=%d\n", n)
	return 0
}

func runClusters(args []string) int {
	fs := flag.NewFlagSet("clusters", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	envLoader := cli.AddEnvFlag(fs, ".env", "Path to the .env file")
	timeout := fs.Duration("timeout", 30*time.Second, "Command timeout")
	limit := fs.Int("limit", 50, "Maximum clusters to return")
	all := fs.Bool("all", false, "Include inactive clusters")
	format := fs.String("format", outputFormatTable, "Output format: table or json")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	if fs.NArg() != 0 {
		fmt.Fprintln(os.Stderr, "clusters does not accept positional arguments")
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

	env, err := connectPool("clusters", *timeout, envLoader)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer env.Close()

	clusters, err := env.pool.ListClusters(env.ctx, db.ClusterListOptions{
		Limit:           *limit,
		IncludeInactive: *all,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to query clusters: %v\n", err)
		return 1
	}

	if outputFormat == outputFormatJSON {
		if err := printJSON(clusters); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to encode JSON: %v\n", err)
			return 1
		}
		return 0
	}

	if err := writeClusterTable(clusters); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to render table: %v\n", err)
		return 1
	}
	return 0
}

func writeClusterTable(clusters []db.ClusterRow) error {
	rows := make([][]string, 0, len(clusters))
	for _, c := range clusters {
		rows = append(rows, []string{
			strconv.FormatInt(c.ClusterID, 10),
			truncateForTable(c.Headline, 80),
			strconv.Itoa(c.MemberCount),
			strconv.FormatBool(c.Active),
			formatUTCTimestamp(c.FirstSeenAt),
			formatUTCTimestamp(c.LastUpdatedAt),
		})
	}

	return writeTable(
		[]string{"cluster_id", "headline", "members", "active", "first_seen", "last_updated"},
		rows,
		[]columnAlignment{alignRight, alignLeft, alignRight, alignLeft, alignLeft, alignLeft},
	)
}
