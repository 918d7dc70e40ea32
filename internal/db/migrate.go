package db

import (
	"context"
	_ "embed"
	"fmt"
	"strings"
	"time"
)

//go:embed sql/pre_automigrate.sql
var preAutoMigrateSQL string

//go:embed sql/post_automigrate.sql
var postAutoMigrateSQL string

type migrationStep struct {
	name string
	run  func(ctx context.Context) error
}

// autoMigrate creates the geo schema, migrates the models and then applies
// the constraints and indexes gorm tags cannot express. Every step is
// idempotent so it runs on each connect.
func (p *Pool) autoMigrate(ctx context.Context) error {
	if p == nil || p.db == nil {
		return errPoolClosed
	}

	steps := []migrationStep{
		{name: "pre-auto-migrate", run: p.migrationSQL(preAutoMigrateSQL)},
		{name: "auto-migrate models", run: func(ctx context.Context) error {
			return p.db.WithContext(ctx).AutoMigrate(autoMigrateModels()...)
		}},
		{name: "post-auto-migrate", run: p.migrationSQL(postAutoMigrateSQL)},
	}

	for _, step := range steps {
		start := time.Now()
		if err := step.run(ctx); err != nil {
			return fmt.Errorf("%s: %w", step.name, err)
		}
		p.logger.Debug().
			Str("step", step.name).
			Dur("elapsed", time.Since(start)).
			Msg("schema migration step applied")
	}
	return nil
}

func (p *Pool) migrationSQL(sqlText string) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		trimmed := strings.TrimSpace(sqlText)
		if trimmed == "" {
			return nil
		}
		return p.db.WithContext(ctx).Exec(trimmed).Error
	}
}
