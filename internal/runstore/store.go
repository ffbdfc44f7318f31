// Package runstore persists run reports in a SQLite database.
package runstore

import (
	"context"
	"database/sql"
	"math"

	"github.com/pkg/errors"
	_ "modernc.org/sqlite"

	"lrforge/internal/lrfinder"
	"lrforge/internal/metrics"
	"lrforge/internal/trainer"
)

const schema = `
CREATE TABLE IF NOT EXISTS runs(
	id TEXT PRIMARY KEY,
	started_at TEXT NOT NULL,
	host_cpu TEXT,
	found_lr REAL NOT NULL,
	interrupted INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS probes(
	run_id TEXT NOT NULL REFERENCES runs(id),
	step INTEGER NOT NULL,
	lr REAL NOT NULL,
	loss REAL
);
CREATE TABLE IF NOT EXISTS epochs(
	run_id TEXT NOT NULL REFERENCES runs(id),
	epoch INTEGER NOT NULL,
	train_loss REAL,
	test_loss REAL,
	test_accuracy REAL,
	learning_rate REAL
);`

// Store writes reports to SQLite.
type Store struct {
	db *sql.DB
}

// Open creates or opens the database at path and ensures the schema exists.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", path)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "set journal mode")
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "create schema")
	}
	return &Store{db: db}, nil
}

// Close releases the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// SaveReport stores a run with its probes and epochs in one transaction.
func (s *Store) SaveReport(ctx context.Context, r *trainer.Report) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin")
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		"INSERT INTO runs(id, started_at, host_cpu, found_lr, interrupted) VALUES(?,?,?,?,?)",
		r.RunID, r.StartedAt.Format("2006-01-02T15:04:05.000Z07:00"), r.Host, r.FoundLR, r.Interrupted,
	); err != nil {
		return errors.Wrapf(err, "insert run %s", r.RunID)
	}
	if r.Finder != nil {
		for i, p := range r.Finder.Probes {
			if _, err := tx.ExecContext(ctx,
				"INSERT INTO probes(run_id, step, lr, loss) VALUES(?,?,?,?)",
				r.RunID, i, p.LearningRate, nullable(p.Loss),
			); err != nil {
				return errors.Wrapf(err, "insert probe %d", i)
			}
		}
	}
	for _, e := range r.Epochs {
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO epochs(run_id, epoch, train_loss, test_loss, test_accuracy, learning_rate) VALUES(?,?,?,?,?,?)",
			r.RunID, e.Epoch, nullable(e.TrainLoss), nullable(e.TestLoss), nullable(e.TestAccuracy), e.LearningRate,
		); err != nil {
			return errors.Wrapf(err, "insert epoch %d", e.Epoch)
		}
	}
	return errors.Wrap(tx.Commit(), "commit")
}

// Summary is the top-level record of a stored run.
type Summary struct {
	ID          string
	StartedAt   string
	Host        string
	FoundLR     float64
	Interrupted bool
}

// Summary loads the run record for runID.
func (s *Store) Summary(ctx context.Context, runID string) (Summary, error) {
	var sum Summary
	var host sql.NullString
	err := s.db.QueryRowContext(ctx,
		"SELECT id, started_at, host_cpu, found_lr, interrupted FROM runs WHERE id = ?", runID,
	).Scan(&sum.ID, &sum.StartedAt, &host, &sum.FoundLR, &sum.Interrupted)
	if err != nil {
		return Summary{}, errors.Wrapf(err, "load run %s", runID)
	}
	sum.Host = host.String
	return sum, nil
}

// Epochs returns the epoch log stored for runID, in epoch order.
func (s *Store) Epochs(ctx context.Context, runID string) ([]metrics.EpochRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT epoch, train_loss, test_loss, test_accuracy, learning_rate FROM epochs WHERE run_id = ? ORDER BY epoch ASC",
		runID)
	if err != nil {
		return nil, errors.Wrapf(err, "query epochs for %s", runID)
	}
	defer rows.Close()

	var out []metrics.EpochRecord
	for rows.Next() {
		var rec metrics.EpochRecord
		var train, test, acc, lr sql.NullFloat64
		if err := rows.Scan(&rec.Epoch, &train, &test, &acc, &lr); err != nil {
			return nil, errors.Wrap(err, "scan epoch")
		}
		rec.TrainLoss, rec.TestLoss = floatOrNaN(train), floatOrNaN(test)
		rec.TestAccuracy, rec.LearningRate = floatOrNaN(acc), floatOrNaN(lr)
		out = append(out, rec)
	}
	return out, errors.Wrap(rows.Err(), "iterate epochs")
}

// Probes returns the range-test probes stored for runID, in step order.
func (s *Store) Probes(ctx context.Context, runID string) ([]lrfinder.Probe, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT lr, loss FROM probes WHERE run_id = ? ORDER BY step ASC", runID)
	if err != nil {
		return nil, errors.Wrapf(err, "query probes for %s", runID)
	}
	defer rows.Close()

	var out []lrfinder.Probe
	for rows.Next() {
		var lr float64
		var l sql.NullFloat64
		if err := rows.Scan(&lr, &l); err != nil {
			return nil, errors.Wrap(err, "scan probe")
		}
		out = append(out, lrfinder.Probe{LearningRate: lr, Loss: floatOrNaN(l)})
	}
	return out, errors.Wrap(rows.Err(), "iterate probes")
}

// nullable maps NaN to NULL; SQLite has no REAL NaN.
func nullable(v float64) sql.NullFloat64 {
	return sql.NullFloat64{Float64: v, Valid: !math.IsNaN(v)}
}

func floatOrNaN(v sql.NullFloat64) float64 {
	if !v.Valid {
		return math.NaN()
	}
	return v.Float64
}
