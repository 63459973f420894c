// Package resultstore persists completed analysis results in SQLite. The
// raw review and its structured result are upserted together, so replaying
// a delivery (at-least-once queue semantics) cannot duplicate rows.
package resultstore

import (
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/javedharis/reviewq/internal/review"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrNotFound is returned when no structured result exists for a review.
var ErrNotFound = errors.New("resultstore: not found")

// Store wraps a SQLite database holding raw reviews and structured results.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the results database in dataDir and runs pending
// migrations. Pass ":memory:" as dataDir for an in-memory database (tests).
func Open(dataDir string) (*Store, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "results.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// Limit to single connection to avoid "database is locked" errors.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		var version int
		if _, err := fmt.Sscanf(entry.Name(), "%d_", &version); err != nil {
			return fmt.Errorf("parsing migration version from %q: %w", entry.Name(), err)
		}

		var exists int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}
		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}
	return nil
}

// SaveResult upserts the raw review and its structured result in one
// transaction. Safe to call again for the same review after a redelivery.
func (s *Store) SaveResult(rv review.Review, result review.StructuredResult) error {
	topics, err := json.Marshal(orEmpty(result.Topics))
	if err != nil {
		return err
	}
	problems, err := json.Marshal(orEmpty(result.Problems))
	if err != nil {
		return err
	}
	suggestions, err := json.Marshal(orEmpty(result.Suggestions))
	if err != nil {
		return err
	}
	insights, err := json.Marshal(orEmpty(result.Insights))
	if err != nil {
		return err
	}

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`
		INSERT INTO raw_reviews (review_id, review_date, rating, review_text)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(review_id) DO UPDATE SET
			review_date = excluded.review_date,
			rating      = excluded.rating,
			review_text = excluded.review_text`,
		rv.ID, rv.Date.UTC().Format(time.RFC3339), rv.Rating, rv.Text,
	); err != nil {
		return fmt.Errorf("upserting raw review %s: %w", rv.ID, err)
	}

	if _, err := tx.Exec(`
		INSERT INTO structured_reviews (review_id, sentiment_label, sentiment_score, topics, problems, suggestions, insights)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(review_id) DO UPDATE SET
			sentiment_label = excluded.sentiment_label,
			sentiment_score = excluded.sentiment_score,
			topics          = excluded.topics,
			problems        = excluded.problems,
			suggestions     = excluded.suggestions,
			insights        = excluded.insights,
			processed_at    = CURRENT_TIMESTAMP`,
		rv.ID, result.SentimentLabel, result.SentimentScore,
		string(topics), string(problems), string(suggestions), string(insights),
	); err != nil {
		return fmt.Errorf("upserting structured review %s: %w", rv.ID, err)
	}

	return tx.Commit()
}

// GetResult returns the structured result for a review.
func (s *Store) GetResult(reviewID string) (review.StructuredResult, error) {
	var out review.StructuredResult
	var topics, problems, suggestions, insights string
	err := s.db.QueryRow(`
		SELECT sentiment_label, sentiment_score, topics, problems, suggestions, insights
		FROM structured_reviews WHERE review_id = ?`, reviewID,
	).Scan(&out.SentimentLabel, &out.SentimentScore, &topics, &problems, &suggestions, &insights)
	if err == sql.ErrNoRows {
		return out, ErrNotFound
	}
	if err != nil {
		return out, err
	}
	for _, pair := range []struct {
		raw  string
		into *[]string
	}{
		{topics, &out.Topics},
		{problems, &out.Problems},
		{suggestions, &out.Suggestions},
		{insights, &out.Insights},
	} {
		if err := json.Unmarshal([]byte(pair.raw), pair.into); err != nil {
			return out, fmt.Errorf("decoding list column for %s: %w", reviewID, err)
		}
	}
	return out, nil
}

// CompletedCount returns how many reviews have structured results.
func (s *Store) CompletedCount() (int, error) {
	var n int
	err := s.db.QueryRow("SELECT COUNT(*) FROM structured_reviews").Scan(&n)
	return n, err
}

// Clear removes all raw reviews and results in one transaction.
func (s *Store) Clear() error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.Exec("DELETE FROM structured_reviews"); err != nil {
		return err
	}
	if _, err := tx.Exec("DELETE FROM raw_reviews"); err != nil {
		return err
	}
	return tx.Commit()
}

func orEmpty(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
