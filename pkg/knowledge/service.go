// Package knowledge retrieves Verilog reference snippets and known error patterns
// from a SQLite FTS5 index.
package knowledge

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"hdlforge/pkg/logx"
	"hdlforge/pkg/persistence"
)

// Snippet classes.
const (
	ClassComponent    = "component"
	ClassErrorPattern = "error_pattern"
)

// Snippet is one retrievable piece of knowledge.
type Snippet struct {
	Class string   `yaml:"class" json:"class"`
	Title string   `yaml:"title" json:"title"`
	Body  string   `yaml:"body" json:"body"`
	Tags  []string `yaml:"tags" json:"tags,omitempty"`
	Score float64  `yaml:"-" json:"score,omitempty"`
}

// Query selects snippets of one class matching free text.
type Query struct {
	Class string
	Text  string
	Limit int
}

// Retriever is what the actors need from the knowledge service.
type Retriever interface {
	Search(ctx context.Context, q Query) ([]Snippet, error)
}

// Service is the SQLite-backed Retriever.
type Service struct {
	db       *sql.DB
	embedder Embedder
	logger   *logx.Logger
	topK     int
}

// Option configures a Service.
type Option func(*Service)

// WithEmbedder enables embedding rerank of FTS candidates.
func WithEmbedder(e Embedder) Option {
	return func(s *Service) { s.embedder = e }
}

// WithTopK sets the default result count for queries without a limit.
func WithTopK(k int) Option {
	return func(s *Service) {
		if k > 0 {
			s.topK = k
		}
	}
}

const schema = `
CREATE TABLE IF NOT EXISTS snippets (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	class TEXT NOT NULL,
	title TEXT NOT NULL,
	body TEXT NOT NULL,
	tags TEXT NOT NULL DEFAULT '',
	UNIQUE(class, title)
);
CREATE VIRTUAL TABLE IF NOT EXISTS snippets_fts USING fts5(title, body, tags);
`

// Open opens the knowledge database at path, creating the index if needed.
func Open(path string, opts ...Option) (*Service, error) {
	db, err := sql.Open("sqlite", persistence.DSN(path))
	if err != nil {
		return nil, fmt.Errorf("failed to open knowledge database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create knowledge schema: %w", err)
	}

	s := &Service{
		db:     db,
		logger: logx.NewLogger("knowledge"),
		topK:   3,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Service) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close knowledge database: %w", err)
	}
	return nil
}

// Add indexes snippets. A snippet whose (class, title) is already indexed is skipped.
// It returns the number of new snippets.
func (s *Service) Add(ctx context.Context, snippets []Snippet) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	added := 0
	for i := range snippets {
		sn := &snippets[i]
		tags := strings.Join(sn.Tags, " ")
		res, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO snippets (class, title, body, tags) VALUES (?, ?, ?, ?)`,
			sn.Class, sn.Title, sn.Body, tags)
		if err != nil {
			return 0, fmt.Errorf("failed to insert snippet %q: %w", sn.Title, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			continue
		}
		id, err := res.LastInsertId()
		if err != nil {
			return 0, fmt.Errorf("failed to read snippet id: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO snippets_fts (rowid, title, body, tags) VALUES (?, ?, ?, ?)`,
			id, sn.Title, sn.Body, tags); err != nil {
			return 0, fmt.Errorf("failed to index snippet %q: %w", sn.Title, err)
		}
		added++
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit snippets: %w", err)
	}
	return added, nil
}

// Seed loads the seed directory into the index.
func (s *Service) Seed(ctx context.Context, dir string) (int, error) {
	snippets, err := LoadSeedDir(dir)
	if err != nil {
		return 0, err
	}
	added, err := s.Add(ctx, snippets)
	if err != nil {
		return 0, err
	}
	if added > 0 {
		s.logger.Info("📚 Indexed %d knowledge snippets from %s", added, dir)
	}
	return added, nil
}

// Count returns the number of indexed snippets.
func (s *Service) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM snippets`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count snippets: %w", err)
	}
	return n, nil
}

// Search returns the best snippets of q.Class for q.Text, best first.
// Text with no usable terms yields no snippets.
func (s *Service) Search(ctx context.Context, q Query) ([]Snippet, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = s.topK
	}
	terms := ExtractKeyTerms(q.Text, 20)
	if len(terms) == 0 {
		return nil, nil
	}

	candidates := limit
	if s.embedder != nil {
		candidates = limit * 4
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT s.class, s.title, s.body, s.tags, bm25(snippets_fts)
		FROM snippets_fts
		JOIN snippets s ON s.id = snippets_fts.rowid
		WHERE snippets_fts MATCH ? AND s.class = ?
		ORDER BY bm25(snippets_fts)
		LIMIT ?
	`, ftsQuery(terms), q.Class, candidates)
	if err != nil {
		return nil, fmt.Errorf("FTS query failed: %w", err)
	}
	defer rows.Close() //nolint:errcheck // Close in defer is safe

	var out []Snippet
	for rows.Next() {
		var (
			sn   Snippet
			tags string
			rank float64
		)
		if err := rows.Scan(&sn.Class, &sn.Title, &sn.Body, &tags, &rank); err != nil {
			return nil, fmt.Errorf("failed to scan snippet: %w", err)
		}
		sn.Tags = strings.Fields(tags)
		// bm25 is lower-is-better
		sn.Score = -rank
		out = append(out, sn)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("snippet rows: %w", err)
	}

	if s.embedder != nil && len(out) > 1 {
		reranked, err := rerank(ctx, s.embedder, q.Text, out)
		if err != nil {
			s.logger.Warn("⚠️ Embedding rerank failed, keeping FTS order: %v", err)
		} else {
			out = reranked
		}
	}

	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Format renders snippets as a markdown list for prompts.
func Format(snippets []Snippet) string {
	var b strings.Builder
	for i := range snippets {
		if i > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "### %s\n%s\n", snippets[i].Title, strings.TrimSpace(snippets[i].Body))
	}
	return b.String()
}
