package storage

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"path"
	"slices"
	"strconv"
	"strings"
)

//go:embed migrations/*.sql
var embeddedMigrations embed.FS

// Migration is one numbered schema change, loaded from NNN_name.sql.
type Migration struct {
	Version int
	Name    string
	SQL     string
}

// Migrator applies schema migrations in version order and records each one
// in schema_migrations so reruns only apply what is new.
type Migrator struct {
	client *ClickHouseClient
	source fs.FS
	logger *slog.Logger
}

// NewMigrator returns a migrator over the embedded migrations.
func NewMigrator(client *ClickHouseClient, logger *slog.Logger) *Migrator {
	if logger == nil {
		logger = slog.Default()
	}
	sub, _ := fs.Sub(embeddedMigrations, "migrations")
	return &Migrator{client: client, source: sub, logger: logger}
}

const createMigrationsTable = `CREATE TABLE IF NOT EXISTS schema_migrations (
	version UInt32,
	name String,
	applied_at DateTime DEFAULT now()
) ENGINE = MergeTree() ORDER BY version`

// Run applies every pending migration and returns how many were applied.
// It stops at the first failing statement; earlier migrations stay
// recorded.
func (m *Migrator) Run(ctx context.Context) (int, error) {
	if err := m.client.Exec(ctx, createMigrationsTable); err != nil {
		return 0, fmt.Errorf("failed to create migrations table: %w", err)
	}

	all, err := loadMigrations(m.source)
	if err != nil {
		return 0, fmt.Errorf("failed to load migrations: %w", err)
	}
	done, err := m.appliedVersions(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to get applied migrations: %w", err)
	}

	applied := 0
	for _, mig := range all {
		if done[mig.Version] {
			continue
		}
		if err := m.apply(ctx, mig); err != nil {
			return applied, err
		}
		applied++
	}

	m.logger.Info("migrations complete", "applied", applied, "total", len(all))
	return applied, nil
}

func (m *Migrator) apply(ctx context.Context, mig Migration) error {
	m.logger.Info("applying migration", "version", mig.Version, "name", mig.Name)

	for _, stmt := range splitStatements(mig.SQL) {
		if stmt = stripComments(stmt); stmt == "" {
			continue
		}
		if err := m.client.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply migration %d (%s): %w", mig.Version, mig.Name, err)
		}
	}

	err := m.client.Exec(ctx, "INSERT INTO schema_migrations (version, name) VALUES (?, ?)",
		uint32(mig.Version), mig.Name)
	if err != nil {
		return fmt.Errorf("failed to record migration %d: %w", mig.Version, err)
	}
	return nil
}

func (m *Migrator) appliedVersions(ctx context.Context) (map[int]bool, error) {
	rows, err := m.client.Query(ctx, "SELECT version FROM schema_migrations")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	done := make(map[int]bool)
	for rows.Next() {
		var v uint32
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		done[int(v)] = true
	}
	return done, rows.Err()
}

// loadMigrations reads every NNN_name.sql file at the root of fsys, sorted
// by version. Files without a numeric prefix are ignored.
func loadMigrations(fsys fs.FS) ([]Migration, error) {
	files, err := fs.Glob(fsys, "*.sql")
	if err != nil {
		return nil, err
	}

	var out []Migration
	for _, file := range files {
		prefix, name, ok := strings.Cut(strings.TrimSuffix(path.Base(file), ".sql"), "_")
		if !ok {
			continue
		}
		version, err := strconv.Atoi(prefix)
		if err != nil {
			continue
		}
		body, err := fs.ReadFile(fsys, file)
		if err != nil {
			return nil, err
		}
		out = append(out, Migration{Version: version, Name: name, SQL: string(body)})
	}

	slices.SortFunc(out, func(a, b Migration) int { return a.Version - b.Version })
	return out, nil
}

// stripComments drops full-line "--" comments from a statement.
func stripComments(stmt string) string {
	lines := strings.Split(stmt, "\n")
	lines = slices.DeleteFunc(lines, func(l string) bool {
		return strings.HasPrefix(strings.TrimSpace(l), "--")
	})
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

// splitStatements splits sql on semicolons that are outside single or
// double quoted strings and "--" line comments. A doubled quote inside a
// string is an escape.
func splitStatements(sql string) []string {
	var (
		stmts []string
		start int
		quote byte
	)
	flush := func(end int) {
		if s := strings.TrimSpace(sql[start:end]); s != "" {
			stmts = append(stmts, s)
		}
		start = end + 1
	}

	for i := 0; i < len(sql); i++ {
		c := sql[i]
		switch {
		case quote == 0 && c == '-' && strings.HasPrefix(sql[i:], "--"):
			if nl := strings.IndexByte(sql[i:], '\n'); nl >= 0 {
				i += nl
			} else {
				i = len(sql)
			}
		case quote == 0 && (c == '\'' || c == '"'):
			quote = c
		case quote == 0 && c == ';':
			flush(i)
		case quote != 0 && c == quote:
			if i+1 < len(sql) && sql[i+1] == quote {
				i++
				continue
			}
			quote = 0
		}
	}
	flush(len(sql))
	return stmts
}
