package app

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/rs/zerolog"

	"horse.fit/geostory/internal/cli"
	"horse.fit/geostory/internal/config"
	"horse.fit/geostory/internal/db"
	"horse.fit/geostory/internal/faults"
	"horse.fit/geostory/internal/globaltime"
	"horse.fit/geostory/internal/logging"
	"horse.fit/geostory/internal/metrics"
)

const (
	outputFormatTable = "table"
	outputFormatJSON  = "json"
)

func parseOutputFormat(raw, defaultFormat string) (string, error) {
	format := strings.TrimSpace(strings.ToLower(raw))
	if format == "" {
		format = strings.TrimSpace(strings.ToLower(defaultFormat))
	}
	switch format {
	case outputFormatTable, outputFormatJSON:
		return format, nil
	default:
		return "", fmt.Errorf("--format must be table or json")
	}
}

// parseArticleIDs accepts a comma separated list of positive article ids.
func parseArticleIDs(raw string) ([]int64, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, nil
	}

	parts := strings.Split(trimmed, ",")
	ids := make([]int64, 0, len(parts))
	seen := make(map[int64]struct{}, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil || id <= 0 {
			return nil, fmt.Errorf("invalid article id %q", part)
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	return ids, nil
}

func sinceDays(days int) time.Time {
	if days <= 0 {
		return time.Time{}
	}
	return globaltime.UTC().AddDate(0, 0, -days)
}

func truncateForTable(value string, maxLen int) string {
	trimmed := strings.TrimSpace(value)
	if maxLen <= 0 {
		return trimmed
	}
	if utf8.RuneCountInString(trimmed) <= maxLen {
		return trimmed
	}

	runes := []rune(trimmed)
	if maxLen <= 3 {
		return string(runes[:maxLen])
	}
	return string(runes[:maxLen-3]) + "..."
}

func formatUTCTimestamp(value time.Time) string {
	if value.IsZero() {
		return ""
	}
	return value.UTC().Format(time.RFC3339)
}

func formatScore(value float64) string {
	return strconv.FormatFloat(value, 'f', 3, 64)
}

// printFailures lists per-article failures of a batch on stderr.
func printFailures(failures []faults.ItemFailure) {
	for _, f := range failures {
		fmt.Fprintf(os.Stderr, "failed article_id=%d stage=%s: %s\n", f.ID, f.Stage, f.Message)
	}
}

func printJSON(value any) error {
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(value)
}

type columnAlignment int

const (
	alignLeft columnAlignment = iota
	alignRight
)

func renderTable(headers []string, rows [][]string, aligns []columnAlignment) string {
	columns := len(headers)
	if columns == 0 {
		return ""
	}

	tw := table.NewWriter()
	tw.SetStyle(table.StyleRounded)

	header := make(table.Row, columns)
	for i := 0; i < columns; i++ {
		header[i] = headers[i]
	}
	tw.AppendHeader(header)

	for _, row := range rows {
		r := make(table.Row, columns)
		for i := 0; i < columns; i++ {
			if i < len(row) {
				r[i] = row[i]
			} else {
				r[i] = ""
			}
		}
		tw.AppendRow(r)
	}

	configs := make([]table.ColumnConfig, 0, columns)
	for i := 0; i < columns; i++ {
		align := text.AlignLeft
		if i < len(aligns) && aligns[i] == alignRight {
			align = text.AlignRight
		}
		configs = append(configs, table.ColumnConfig{
			Number:      i + 1,
			Align:       align,
			AlignHeader: text.AlignLeft,
		})
	}
	tw.SetColumnConfigs(configs)

	return tw.Render()
}

func writeTable(headers []string, rows [][]string, aligns []columnAlignment) error {
	_, err := fmt.Fprintln(os.Stdout, renderTable(headers, rows, aligns))
	return err
}

// commandEnv is the loaded configuration, logger and database pool shared by
// every command that touches the database.
type commandEnv struct {
	cfg     *config.Config
	logger  zerolog.Logger
	pool    *db.Pool
	metrics *metrics.Manager
	ctx     context.Context
	cancel  context.CancelFunc
}

func (e *commandEnv) Close() {
	e.cancel()
	_ = e.pool.Close()
}

// writeMetrics flushes the registry to the textfile flag value, falling back to
// GEOSTORY_METRICS_TEXTFILE. Failures are logged, not fatal.
func (e *commandEnv) writeMetrics(flagValue string) {
	path := strings.TrimSpace(flagValue)
	if path == "" {
		path = strings.TrimSpace(e.cfg.MetricsTextfile)
	}
	if err := e.metrics.WriteTextfile(path); err != nil {
		e.logger.Warn().Err(err).Str("path", path).Msg("metrics textfile write failed")
	}
}

func connectPool(command string, timeout time.Duration, envLoader *cli.EnvLoader) (*commandEnv, error) {
	if envLoader != nil {
		if _, err := envLoader.Load(); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
		}
	}

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := logging.New(cfg.Environment, cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	logger = logger.With().Str("command", command).Logger()

	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	pool, err := db.NewPool(ctx, cfg, logger)
	if err != nil {
		cancel()
		logger.Error().Err(err).Msg("database connection failed")
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	return &commandEnv{
		cfg:     cfg,
		logger:  logger,
		pool:    pool,
		metrics: metrics.New(),
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}
