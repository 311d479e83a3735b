package store

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"askdoc/internal/models"
	sqlm "askdoc/internal/storage/sqlite"
)

// maxCachedEmbeddings bounds the persistent cache; the oldest rows are
// pruned once the table grows past it.
const maxCachedEmbeddings = 10000

// SQLiteStore persists history and the embedding cache in a single-file
// database. modernc.org/sqlite is pure Go, so no cgo toolchain is needed.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLite(path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, errors.New("sqlite path required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// modernc's driver dislikes concurrent writers on one file.
	db.SetMaxOpenConns(1)
	if err := (sqlm.Manager{}).UpToLatest(context.Background(), db); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLiteStore{db: db}, nil
}

// WithTx runs fn inside a transaction, committing on nil error and
// rolling back otherwise. The callback must not hold the tx beyond
// return.
func (s *SQLiteStore) WithTx(fn func(*sql.Tx) error) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLiteStore) SaveAsk(a *models.Ask) error {
	created := a.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	_, err := s.db.Exec(
		`INSERT INTO asks(id, question, answer, doc_title, doc_author, doc_year, score, provider, model, duration_ms, created_at)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?)`,
		a.ID, a.Question, a.Answer, a.DocTitle, a.DocAuthor, a.DocYear,
		a.Score, a.Provider, a.Model, a.DurationMS,
		created.UTC().Format(time.RFC3339Nano),
	)
	return err
}

func (s *SQLiteStore) ListAsks(limit int) ([]*models.Ask, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(
		`SELECT id, question, answer, doc_title, doc_author, doc_year, score, provider, model, duration_ms, created_at
		 FROM asks ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.Ask
	for rows.Next() {
		var a models.Ask
		var created string
		if err := rows.Scan(&a.ID, &a.Question, &a.Answer, &a.DocTitle, &a.DocAuthor, &a.DocYear,
			&a.Score, &a.Provider, &a.Model, &a.DurationMS, &created); err != nil {
			return nil, err
		}
		if ts, perr := time.Parse(time.RFC3339Nano, created); perr == nil {
			a.CreatedAt = ts
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) GetEmbedding(model, text string) ([]float32, bool) {
	var blob []byte
	err := s.db.QueryRow(
		`SELECT vector FROM embedding_cache WHERE model = ? AND text_sha = ?`,
		model, textKey(text)).Scan(&blob)
	if err != nil {
		return nil, false
	}
	vec, err := decodeVector(blob)
	if err != nil {
		return nil, false
	}
	return vec, true
}

func (s *SQLiteStore) PutEmbedding(model, text string, vec []float32) error {
	return s.WithTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(
			`INSERT OR REPLACE INTO embedding_cache(model, text_sha, dim, vector, created_at)
			 VALUES(?,?,?,?,?)`,
			model, textKey(text), len(vec), encodeVector(vec),
			time.Now().UTC().Format(time.RFC3339Nano),
		)
		if err != nil {
			return err
		}
		var count int
		if err := tx.QueryRow(`SELECT COUNT(1) FROM embedding_cache`).Scan(&count); err != nil {
			return err
		}
		if count <= maxCachedEmbeddings {
			return nil
		}
		_, err = tx.Exec(
			`DELETE FROM embedding_cache WHERE (model, text_sha) IN (
			   SELECT model, text_sha FROM embedding_cache ORDER BY created_at ASC LIMIT ?)`,
			count-maxCachedEmbeddings)
		return err
	})
}

func (s *SQLiteStore) Stats() map[string]int {
	stats := make(map[string]int)
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(1) FROM asks`).Scan(&n); err == nil {
		stats["asks"] = n
	}
	if err := s.db.QueryRow(`SELECT COUNT(1) FROM embedding_cache`).Scan(&n); err == nil {
		stats["embedding_cache"] = n
	}
	return stats
}

func (s *SQLiteStore) Close() error { return s.db.Close() }
