package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Postgres stores documents in a single JSONB table, giving the document
// semantics the core expects on top of a boring relational deployment.
type Postgres struct {
	pool *pgxpool.Pool
}

const schema = `
CREATE TABLE IF NOT EXISTS documents (
    collection TEXT  NOT NULL,
    data       JSONB NOT NULL
);
CREATE INDEX IF NOT EXISTS documents_collection_id_idx
    ON documents (collection, ((data->>'id')::bigint));
`

// ConnectPostgres opens a pgx pool against dbURL and ensures the schema.
func ConnectPostgres(ctx context.Context, dbURL string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dbURL)
	if err != nil {
		return nil, fmt.Errorf("parse database config: %w", err)
	}
	cfg.MaxConns = 10
	cfg.MinConns = 2
	cfg.MaxConnLifetime = time.Hour
	cfg.MaxConnIdleTime = 30 * time.Minute

	connectCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(connectCtx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}
	if err := pool.Ping(connectCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

func (p *Postgres) Insert(ctx context.Context, collection string, doc any) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode document: %w", err)
	}
	_, err = p.pool.Exec(ctx, `INSERT INTO documents (collection, data) VALUES ($1, $2)`, collection, raw)
	if err != nil {
		return fmt.Errorf("insert into %s: %w", collection, err)
	}
	return nil
}

func (p *Postgres) FindOne(ctx context.Context, collection string, filter Filter, out any) error {
	where, args := buildWhere(collection, filter)
	row := p.pool.QueryRow(ctx, `SELECT data FROM documents WHERE `+where+` LIMIT 1`, args...)

	var raw []byte
	if err := row.Scan(&raw); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("find in %s: %w", collection, err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode document: %w", err)
	}
	return nil
}

func (p *Postgres) FindAll(ctx context.Context, collection string, filter Filter, out any) error {
	where, args := buildWhere(collection, filter)
	rows, err := p.pool.Query(ctx, `SELECT data FROM documents WHERE `+where, args...)
	if err != nil {
		return fmt.Errorf("find in %s: %w", collection, err)
	}
	defer rows.Close()

	docs := make([]json.RawMessage, 0)
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return fmt.Errorf("scan document: %w", err)
		}
		docs = append(docs, json.RawMessage(raw))
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate %s: %w", collection, err)
	}

	combined, err := json.Marshal(docs)
	if err != nil {
		return fmt.Errorf("encode results: %w", err)
	}
	if err := json.Unmarshal(combined, out); err != nil {
		return fmt.Errorf("decode results: %w", err)
	}
	return nil
}

func (p *Postgres) Replace(ctx context.Context, collection string, filter Filter, doc any) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode document: %w", err)
	}

	where, args := buildWhere(collection, filter)
	args = append(args, raw)
	tag, err := p.pool.Exec(ctx, fmt.Sprintf(
		`UPDATE documents SET data = $%d WHERE ctid IN (SELECT ctid FROM documents WHERE %s LIMIT 1)`,
		len(args), where), args...)
	if err != nil {
		return fmt.Errorf("replace in %s: %w", collection, err)
	}
	if tag.RowsAffected() == 0 {
		return p.Insert(ctx, collection, doc)
	}
	return nil
}

func (p *Postgres) UpdateFields(ctx context.Context, collection string, filter Filter, fields map[string]any) error {
	where, args := buildWhere(collection, filter)

	expr := "data"
	for path, value := range fields {
		raw, err := json.Marshal(value)
		if err != nil {
			return fmt.Errorf("encode field %s: %w", path, err)
		}
		args = append(args, raw)
		expr = fmt.Sprintf("jsonb_set(%s, '{%s}', $%d::jsonb, true)",
			expr, strings.ReplaceAll(path, ".", ","), len(args))
	}

	_, err := p.pool.Exec(ctx, `UPDATE documents SET data = `+expr+` WHERE `+where, args...)
	if err != nil {
		return fmt.Errorf("update fields in %s: %w", collection, err)
	}
	return nil
}

func (p *Postgres) MaxID(ctx context.Context, collection string) (int64, error) {
	row := p.pool.QueryRow(ctx,
		`SELECT COALESCE(MAX((data->>'id')::bigint), -1) FROM documents WHERE collection = $1`, collection)
	var maxID int64
	if err := row.Scan(&maxID); err != nil {
		return -1, fmt.Errorf("max id in %s: %w", collection, err)
	}
	return maxID, nil
}

func (p *Postgres) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

func (p *Postgres) Close() {
	p.pool.Close()
}

// buildWhere renders a filter as SQL conditions over the JSONB column.
// Values are compared through their text projection, which matches the
// normalized comparison the memory store performs.
func buildWhere(collection string, filter Filter) (string, []any) {
	clauses := []string{"collection = $1"}
	args := []any{collection}

	for path, want := range filter {
		selector := fmt.Sprintf("data #>> '{%s}'", strings.ReplaceAll(path, ".", ","))
		if neg, isNot := want.(Not); isNot {
			args = append(args, jsonText(neg.Value))
			clauses = append(clauses, fmt.Sprintf("%s IS DISTINCT FROM $%d", selector, len(args)))
			continue
		}
		args = append(args, jsonText(want))
		clauses = append(clauses, fmt.Sprintf("%s = $%d", selector, len(args)))
	}
	return strings.Join(clauses, " AND "), args
}

// jsonText projects a Go value the way `#>>` projects a JSONB leaf: strings
// bare, everything else in JSON form.
func jsonText(value any) string {
	if s, ok := value.(string); ok {
		return s
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Sprintf("%v", value)
	}
	return strings.Trim(string(raw), `"`)
}
