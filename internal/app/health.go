package app

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"horse.fit/geostory/internal/cli"
)

var healthTables = []string{
	"geo.places",
	"geo.articles",
	"geo.article_place_relations",
	"geo.story_clusters",
}

func runHealth(args []string) int {
	fs := flag.NewFlagSet("health", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	envLoader := cli.AddEnvFlag(fs, ".env", "Path to the .env file")
	timeout := fs.Duration("timeout", 5*time.Second, "Database ping timeout")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}

	env, err := connectPool("health", *timeout, envLoader)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Health check failed: %v\n", err)
		return 1
	}
	defer env.Close()

	if err := env.pool.Ping(env.ctx); err != nil {
		env.logger.Error().Err(err).Msg("health check failed")
		fmt.Fprintf(os.Stderr, "Health check failed: %v\n", err)
		return 1
	}

	for _, table := range healthTables {
		n, err := env.pool.CountRows(env.ctx, table)
		if err != nil {
			env.logger.Error().Err(err).Str("table", table).Msg("health check failed")
			fmt.Fprintf(os.Stderr, "Health check failed: %v\n", err)
			return 1
		}
		fmt.Printf("%s=%d\n", table, n)
	}

	env.logger.Info().
		Dur("timeout", *timeout).
		Msg("database health check passed")
	fmt.Println("ok: database ping successful")
	return 0
}
