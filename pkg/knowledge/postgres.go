package knowledge

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib" // register pgx driver for database/sql
)

//go:embed migrations
var migrationsFS embed.FS

// PostgresConfig holds connection settings for the pgvector-backed store.
type PostgresConfig struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// PostgresStore implements Store on PostgreSQL with the pgvector extension.
// Cosine distance ranking runs server-side via the <=> operator; metadata
// filters use a jsonb containment query.
type PostgresStore struct {
	db         *sql.DB
	dimensions int
}

// NewPostgresStore opens a connection pool, runs migrations and returns a
// ready store. Dimensions fix the embedding size for the store's lifetime.
func NewPostgresStore(ctx context.Context, cfg PostgresConfig, dimensions int) (*PostgresStore, error) {
	if dimensions <= 0 {
		return nil, fmt.Errorf("knowledge: dimensions must be positive")
	}
	db, err := sql.Open("pgx", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if err := runMigrations(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &PostgresStore{db: db, dimensions: dimensions}, nil
}

// runMigrations applies the embedded migration files.
func runMigrations(db *sql.DB) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("load embedded migrations: %w", err)
	}
	drv, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("create migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "postgres", drv)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}

// Close releases the connection pool.
func (s *PostgresStore) Close() error { return s.db.Close() }

// vectorLiteral renders an embedding as a pgvector text literal.
func vectorLiteral(embedding []float32) string {
	var b strings.Builder
	b.WriteByte('[')
	for i, v := range embedding {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatFloat(float64(v), 'f', -1, 32))
	}
	b.WriteByte(']')
	return b.String()
}

// parseVector parses a pgvector text literal back into a slice.
func parseVector(lit string) ([]float32, error) {
	lit = strings.Trim(strings.TrimSpace(lit), "[]")
	if lit == "" {
		return nil, nil
	}
	parts := strings.Split(lit, ",")
	out := make([]float32, len(parts))
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 32)
		if err != nil {
			return nil, fmt.Errorf("parse vector component %d: %w", i, err)
		}
		out[i] = float32(f)
	}
	return out, nil
}

// Store implements Store as an upsert by id.
func (s *PostgresStore) Store(ctx context.Context, id, document string, embedding []float32, metadata map[string]any) error {
	if id == "" {
		return fmt.Errorf("knowledge: empty document id")
	}
	if len(embedding) != s.dimensions {
		return fmt.Errorf("knowledge: embedding has %d dimensions, store is fixed at %d", len(embedding), s.dimensions)
	}
	metaJSON, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO knowledge_documents (id, document, metadata, embedding)
		VALUES ($1, $2, $3, $4::vector)
		ON CONFLICT (id) DO UPDATE
		SET document = EXCLUDED.document,
		    metadata = EXCLUDED.metadata,
		    embedding = EXCLUDED.embedding,
		    updated_at = now()`,
		id, document, metaJSON, vectorLiteral(embedding),
	)
	if err != nil {
		return fmt.Errorf("store document %s: %w", id, err)
	}
	return nil
}

// Query implements Store with server-side cosine ranking.
func (s *PostgresStore) Query(ctx context.Context, embedding []float32, k int, scalarFilter map[string]any, textFilter string) ([]Hit, error) {
	if k <= 0 {
		k = 10
	}
	var (
		where []string
		args  []any
	)
	args = append(args, vectorLiteral(embedding))
	if len(scalarFilter) > 0 {
		filterJSON, err := json.Marshal(scalarFilter)
		if err != nil {
			return nil, fmt.Errorf("marshal scalar filter: %w", err)
		}
		args = append(args, filterJSON)
		where = append(where, fmt.Sprintf("metadata @> $%d::jsonb", len(args)))
	}
	if textFilter != "" {
		args = append(args, "%"+textFilter+"%")
		where = append(where, fmt.Sprintf("document LIKE $%d", len(args)))
	}
	query := `
		SELECT id, document, metadata, 1 - (embedding <=> $1::vector) AS similarity
		FROM knowledge_documents`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	args = append(args, k)
	query += fmt.Sprintf(" ORDER BY embedding <=> $1::vector LIMIT $%d", len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query documents: %w", err)
	}
	defer rows.Close()

	var hits []Hit
	for rows.Next() {
		var (
			hit      Hit
			metaJSON []byte
		)
		if err := rows.Scan(&hit.ID, &hit.Document, &metaJSON, &hit.Similarity); err != nil {
			return nil, fmt.Errorf("scan hit: %w", err)
		}
		if err := json.Unmarshal(metaJSON, &hit.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal metadata for %s: %w", hit.ID, err)
		}
		if hit.Similarity < 0 {
			hit.Similarity = 0
		}
		if hit.Similarity > 1 {
			hit.Similarity = 1
		}
		hits = append(hits, hit)
	}
	return hits, rows.Err()
}

// Get implements Store.
func (s *PostgresStore) Get(ctx context.Context, id string) (string, map[string]any, []float32, error) {
	var (
		document  string
		metaJSON  []byte
		embedding string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT document, metadata, embedding::text FROM knowledge_documents WHERE id = $1`, id,
	).Scan(&document, &metaJSON, &embedding)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil, nil, ErrNotFound
	}
	if err != nil {
		return "", nil, nil, fmt.Errorf("get document %s: %w", id, err)
	}
	var metadata map[string]any
	if err := json.Unmarshal(metaJSON, &metadata); err != nil {
		return "", nil, nil, fmt.Errorf("unmarshal metadata for %s: %w", id, err)
	}
	vec, err := parseVector(embedding)
	if err != nil {
		return "", nil, nil, err
	}
	return document, metadata, vec, nil
}

// Count implements Store.
func (s *PostgresStore) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM knowledge_documents`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count documents: %w", err)
	}
	return n, nil
}

// Delete implements Store.
func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM knowledge_documents WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete document %s: %w", id, err)
	}
	return nil
}

// Aggregate implements Store from a full metadata scan.
func (s *PostgresStore) Aggregate(ctx context.Context) (*Aggregate, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT metadata FROM knowledge_documents`)
	if err != nil {
		return nil, fmt.Errorf("scan metadata: %w", err)
	}
	defer rows.Close()

	agg := &Aggregate{
		ByTestType: make(map[string]int),
		ByBrowser:  make(map[string]int),
	}
	var durTotal float64
	var durCount int
	for rows.Next() {
		var metaJSON []byte
		if err := rows.Scan(&metaJSON); err != nil {
			return nil, fmt.Errorf("scan metadata row: %w", err)
		}
		var meta map[string]any
		if err := json.Unmarshal(metaJSON, &meta); err != nil {
			continue
		}
		agg.TotalDocuments++
		aggregateDoc(agg, meta, &durTotal, &durCount)
	}
	if durCount > 0 {
		agg.AvgDurationMs = durTotal / float64(durCount)
	}
	return agg, rows.Err()
}

var _ Store = (*PostgresStore)(nil)
