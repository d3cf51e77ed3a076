package visionbatch

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tailscale/squibble"
	_ "modernc.org/sqlite"

	"github.com/chriskillpack/visionbatch/describer"
	"github.com/chriskillpack/visionbatch/internal/batch"
)

//go:embed db/latest_schema.sql
var dbSchema string

var schema = &squibble.Schema{
	Current: dbSchema,
}

// DB keeps a history of batch runs and their results.
type DB struct {
	mu sync.Mutex
	db *sql.DB

	filepath string
}

type Run struct {
	Id         string
	Folder     string
	Prompt     string
	Output     string
	Backend    string
	Model      string
	StartedAt  time.Time
	FinishedAt sql.NullTime
}

type ResultRow struct {
	Id        int
	RunId     string
	Position  int
	ImageName string
	Response  string
	ErrorKind describer.ErrorKind
}

var _ batch.Recorder = &DB{}

func (db *DB) Close() {
	db.mu.Lock()
	defer db.mu.Unlock()

	db.db.Close()
}

func NewDB(ctx context.Context, fname string) (*DB, error) {
	// Open the DB but flip on the cleaner timestamps from Go
	sqldb, err := sql.Open("sqlite", fname+"?_time_format=sqlite")
	if err != nil {
		return nil, err
	}
	// A single connection, otherwise every connection to :memory: sees its
	// own empty database.
	sqldb.SetMaxOpenConns(1)

	if err := sqldb.PingContext(ctx); err != nil {
		return nil, err
	}
	if err := schema.Apply(ctx, sqldb); err != nil {
		return nil, err
	}

	return &DB{db: sqldb, filepath: fname}, nil
}

// execer is satisfied by both *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// CreateRun inserts a new run. If run.Id is empty a new one is generated and
// stored back into run.
func (db *DB) CreateRun(ctx context.Context, run *Run) error {
	return createRun(ctx, db.db, run)
}

func createRun(ctx context.Context, ex execer, run *Run) error {
	if run.Id == "" {
		run.Id = uuid.NewString()
	}

	_, err := ex.ExecContext(ctx, `
		INSERT INTO runs
		(id, folder, prompt, output, backend, model, started_at)
		VALUES (?,?,?,?,?,?,?)`,
		run.Id, run.Folder, run.Prompt, run.Output, run.Backend, run.Model, run.StartedAt)
	return err
}

// FinishRun sets the finished_at timestamp for a run.
func (db *DB) FinishRun(ctx context.Context, id string, at time.Time) error {
	return finishRun(ctx, db.db, id, at)
}

func finishRun(ctx context.Context, ex execer, id string, at time.Time) error {
	res, err := ex.ExecContext(ctx, "UPDATE runs SET finished_at=$1 WHERE id=$2", at, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("run %s not found", id)
	}
	return nil
}

// InsertResults stores entries for a run using multi-row inserts of up to
// batchSize rows. Position records the order the images were processed in.
// Returns the number of rows inserted.
func (db *DB) InsertResults(ctx context.Context, runID string, entries []batch.Entry, batchSize int) (int, error) {
	txn, err := db.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer txn.Rollback()

	affected, err := insertResults(ctx, txn, runID, entries, batchSize)
	if err != nil {
		return 0, err
	}
	return affected, txn.Commit()
}

func insertResults(ctx context.Context, ex execer, runID string, entries []batch.Entry, batchSize int) (int, error) {
	if batchSize <= 0 {
		return 0, fmt.Errorf("invalid batch size %d", batchSize)
	}

	const cols = 5

	start := 0
	affected := 0
	for start < len(entries) {
		end := min(start+batchSize, len(entries))

		qsb := strings.Builder{}
		qsb.WriteString("INSERT OR REPLACE INTO results (run_id, position, image_name, response, error_kind) VALUES")
		values := make([]any, 0, (end-start)*cols)
		for idx, e := range entries[start:end] {
			qsb.WriteString(" (")
			for c := range cols {
				if c > 0 {
					qsb.WriteByte(',')
				}
				qsb.WriteByte('$')
				qsb.WriteString(strconv.Itoa(idx*cols + c + 1))
			}
			qsb.WriteString("),")

			values = append(values, runID, start+idx, e.Name, e.Result.String(), string(e.Result.Kind))
		}
		queryString := qsb.String()

		// Remove trailing comma
		queryString = queryString[0 : len(queryString)-1]

		res, err := ex.ExecContext(ctx, queryString, values...)
		if err != nil {
			return 0, err
		}

		ra, err := res.RowsAffected()
		if err != nil {
			return 0, err
		}
		affected += int(ra)
		start = end
	}

	return affected, nil
}

// RecordRun stores a finished batch run and all of its results in a single
// transaction. Nothing is stored if any step fails.
func (db *DB) RecordRun(ctx context.Context, br batch.RunRecord) error {
	run := &Run{
		Folder:    br.Folder,
		Prompt:    br.Prompt,
		Output:    br.Output,
		Backend:   br.Backend,
		Model:     br.Model,
		StartedAt: br.StartedAt,
	}

	txn, err := db.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer txn.Rollback()

	if err := createRun(ctx, txn, run); err != nil {
		return fmt.Errorf("creating run: %w", err)
	}

	const batchSize = 100
	if _, err := insertResults(ctx, txn, run.Id, br.Results.Entries(), batchSize); err != nil {
		return fmt.Errorf("inserting results: %w", err)
	}

	if err := finishRun(ctx, txn, run.Id, br.FinishedAt); err != nil {
		return fmt.Errorf("finishing run: %w", err)
	}
	return txn.Commit()
}

// Runs returns all runs, most recent first.
func (db *DB) Runs(ctx context.Context) ([]*Run, error) {
	rows, err := db.db.QueryContext(ctx, `
		SELECT id, folder, prompt, output, backend, model, started_at, finished_at
		FROM runs
		ORDER BY started_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		r := &Run{}
		err := rows.Scan(&r.Id, &r.Folder, &r.Prompt, &r.Output, &r.Backend, &r.Model, &r.StartedAt, &r.FinishedAt)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	if err = rows.Err(); err != nil {
		return nil, err
	}

	return runs, nil
}

// RunResults returns the results of a run in processing order.
func (db *DB) RunResults(ctx context.Context, runID string) ([]*ResultRow, error) {
	rows, err := db.db.QueryContext(ctx, `
		SELECT id, run_id, position, image_name, response, error_kind
		FROM results
		WHERE run_id=?
		ORDER BY position`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []*ResultRow
	for rows.Next() {
		r := &ResultRow{}

		var resp, kind sql.NullString
		if err := rows.Scan(&r.Id, &r.RunId, &r.Position, &r.ImageName, &resp, &kind); err != nil {
			return nil, fmt.Errorf("error scanning results: %w", err)
		}
		r.Response = resp.String
		r.ErrorKind = describer.ErrorKind(kind.String)

		results = append(results, r)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating results: %w", err)
	}

	return results, nil
}
