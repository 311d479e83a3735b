package store

import (
	"database/sql"

	"askdoc/internal/models"
)

// Store persists ask history and cached embeddings. Implementations are
// safe for concurrent use.
type Store interface {
	SaveAsk(a *models.Ask) error
	// ListAsks returns the most recent asks, newest first.
	ListAsks(limit int) ([]*models.Ask, error)

	// GetEmbedding returns the cached vector for (model, text), if any.
	GetEmbedding(model, text string) ([]float32, bool)
	PutEmbedding(model, text string, vec []float32) error

	// Stats reports row counts for the metrics endpoint.
	Stats() map[string]int
	Close() error
}

// TxRunner is implemented by stores backed by database/sql.
type TxRunner interface {
	WithTx(fn func(*sql.Tx) error) error
}
