package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PgFTS implements Searcher using PostgreSQL full-text search as a fallback.
type PgFTS struct {
	db *sql.DB
}

func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true. If Postgres is down, the whole app is down.
func (p *PgFTS) Healthy() bool {
	return true
}

// Search runs plainto_tsquery over the boards the caller owns or has a share
// on, ranked by ts_rank with ts_headline snippets.
func (p *PgFTS) Search(q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	const base = `
		FROM boards b
		LEFT JOIN board_shares s ON s.board_id = b.id AND s.user_id = $2
		WHERE b.fts @@ plainto_tsquery('english', $1)
		  AND (b.owner_id = $2 OR s.user_id IS NOT NULL)`
	args := []any{q.Text, q.UserID}

	ctx := context.Background()

	var total int
	if err := p.db.QueryRowContext(ctx, "SELECT count(*)"+base, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	dataSQL := fmt.Sprintf(`
		SELECT b.id, b.title,
			ts_headline('english', coalesce(b.description, ''), plainto_tsquery('english', $1), 'MaxFragments=1,MaxWords=30') AS snippet,
			b.owner_id
		%s
		ORDER BY ts_rank(b.fts, plainto_tsquery('english', $1)) DESC
		LIMIT %d OFFSET %d`, base, limit, offset)

	rows, err := p.db.QueryContext(ctx, dataSQL, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		if err := rows.Scan(&r.ID, &r.Title, &r.Snippet, &r.OwnerID); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		results = append(results, r)
	}
	return results, total, rows.Err()
}

// LoadAllRecords returns all boards, with their share lists, for reindexing.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]BoardRecord, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT b.id, b.title, b.description, b.owner_id,
			coalesce(array_agg(s.user_id) FILTER (WHERE s.user_id IS NOT NULL), '{}')
		FROM boards b
		LEFT JOIN board_shares s ON s.board_id = b.id
		GROUP BY b.id
	`)
	if err != nil {
		return nil, fmt.Errorf("load boards: %w", err)
	}
	defer rows.Close()

	boards := make([]BoardRecord, 0)
	for rows.Next() {
		var b BoardRecord
		var shared []byte
		if err := rows.Scan(&b.ID, &b.Title, &b.Description, &b.OwnerID, &shared); err != nil {
			return nil, fmt.Errorf("scan board: %w", err)
		}
		b.SharedWith = parseTextArray(string(shared))
		boards = append(boards, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate boards: %w", err)
	}
	return boards, nil
}

// parseTextArray decodes a simple Postgres text[] literal. Share rows hold
// generated ids with no quoting or escapes, so the braces-and-commas form is
// all we ever see.
func parseTextArray(lit string) []string {
	trimmed := strings.Trim(lit, "{}")
	if trimmed == "" {
		return nil
	}
	parts := strings.Split(trimmed, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		out = append(out, strings.Trim(p, `"`))
	}
	return out
}
