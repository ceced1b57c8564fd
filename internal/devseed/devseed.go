// Package devseed loads development fixtures: the directory reference data a
// batch record can point at.
package devseed

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
)

type seedSet struct {
	table string
	names []string
}

// Run inserts development directory fixtures. Existing rows are left alone,
// so it is safe to run repeatedly.
func Run(ctx context.Context, db *sql.DB, logger *slog.Logger) error {
	sets := []seedSet{
		{
			table: "departments",
			names: []string{"Engineering", "Finance", "People Operations", "Sales", "Support"},
		},
		{
			table: "offices",
			names: []string{"Amsterdam", "Austin", "London", "Remote", "Singapore"},
		},
		{
			table: "titles",
			names: []string{"Account Executive", "Engineering Manager", "Recruiter", "Software Engineer", "Support Specialist"},
		},
	}

	for _, set := range sets {
		inserted, err := seedNames(ctx, db, set)
		if err != nil {
			return fmt.Errorf("seed %s: %w", set.table, err)
		}
		if logger != nil {
			logger.InfoContext(ctx, "seeded directory table",
				"table", set.table,
				"inserted", inserted,
				"total", len(set.names),
			)
		}
	}

	return nil
}

func seedNames(ctx context.Context, db *sql.DB, set seedSet) (int64, error) {
	var inserted int64
	for _, name := range set.names {
		// Table names come from the fixed seedSet list above, never from input.
		res, err := db.ExecContext(ctx,
			`INSERT INTO `+set.table+` (name) VALUES ($1) ON CONFLICT (name) DO NOTHING`,
			name,
		)
		if err != nil {
			return inserted, fmt.Errorf("insert %q: %w", name, err)
		}
		count, err := res.RowsAffected()
		if err != nil {
			return inserted, fmt.Errorf("rows affected for %q: %w", name, err)
		}
		inserted += count
	}
	return inserted, nil
}
