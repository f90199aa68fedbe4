package flowguard

import (
	"encoding/json"
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

const sampleSchema = `
CREATE TABLE IF NOT EXISTS anomaly_samples (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	features TEXT NOT NULL,
	created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);
`

// SampleStore persists the anomaly scorer's training buffer in a local
// SQLite file so a restart resumes from the buffered samples instead of
// starting the cold phase over.
type SampleStore struct {
	db  *sqlx.DB
	cap int
}

func NewSampleStore(path string) (*SampleStore, error) {
	db, err := sqlx.Connect("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open sample store %s: %w", path, err)
	}
	if _, err := db.Exec(sampleSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize sample store: %w", err)
	}
	return &SampleStore{db: db, cap: maxTrainingSamples}, nil
}

// Append stores one feature vector and trims the table to the buffer cap,
// oldest rows first.
func (s *SampleStore) Append(features []float64) error {
	raw, err := json.Marshal(features)
	if err != nil {
		return fmt.Errorf("encode sample: %w", err)
	}
	if _, err := s.db.Exec(`INSERT INTO anomaly_samples (features) VALUES (?)`, string(raw)); err != nil {
		return fmt.Errorf("insert sample: %w", err)
	}
	_, err = s.db.Exec(`
		DELETE FROM anomaly_samples
		WHERE id <= (SELECT MAX(id) FROM anomaly_samples) - ?`, s.cap)
	if err != nil {
		return fmt.Errorf("trim samples: %w", err)
	}
	return nil
}

// Load returns up to limit persisted feature vectors in insertion order.
func (s *SampleStore) Load(limit int) ([][]float64, error) {
	rows, err := s.db.Query(`
		SELECT features FROM (
			SELECT id, features FROM anomaly_samples ORDER BY id DESC LIMIT ?
		) ORDER BY id ASC`, limit)
	if err != nil {
		return nil, fmt.Errorf("load samples: %w", err)
	}
	defer rows.Close()

	var samples [][]float64
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("load samples: %w", err)
		}
		var features []float64
		if err := json.Unmarshal([]byte(raw), &features); err != nil {
			// A corrupt row is skipped rather than poisoning the reload.
			continue
		}
		if len(features) == len(featureNames) {
			samples = append(samples, features)
		}
	}
	return samples, rows.Err()
}

func (s *SampleStore) Close() error {
	return s.db.Close()
}
