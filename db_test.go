package visionbatch

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/chriskillpack/visionbatch/describer"
	"github.com/chriskillpack/visionbatch/internal/batch"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := NewDB(t.Context(), ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(db.Close)
	return db
}

func TestInsertResults(t *testing.T) {
	db := newTestDB(t)

	run := &Run{Folder: "images/", Prompt: "p", Output: "out.json", Backend: "openai", Model: "gpt-4o-mini", StartedAt: time.Now()}
	if err := db.CreateRun(t.Context(), run); err != nil {
		t.Fatal(err)
	}
	if run.Id == "" {
		t.Fatal("Expected generated run id")
	}

	t.Run("empty slice", func(t *testing.T) {
		affected, err := db.InsertResults(t.Context(), run.Id, []batch.Entry{}, 100)
		if err != nil {
			t.Errorf("Unexpected error %s", err)
		}
		if expected, actual := 0, affected; expected != actual {
			t.Errorf("Expected %d rows affected, got %d", expected, actual)
		}
	})

	t.Run("single batch", func(t *testing.T) {
		entries := []batch.Entry{
			{Name: "a.png", Result: describer.Result{Text: "one"}},
			{Name: "b.png", Result: describer.Result{Text: "two"}},
			{Name: "c.png", Result: describer.Result{Kind: describer.KindAPICall, Err: errors.New("bad gateway")}},
		}
		affected, err := db.InsertResults(t.Context(), run.Id, entries, 100)
		if err != nil {
			t.Errorf("Unexpected error %s", err)
		}
		if expected, actual := 3, affected; expected != actual {
			t.Errorf("Expected %d rows affected, got %d", expected, actual)
		}

		rows, err := db.RunResults(t.Context(), run.Id)
		if err != nil {
			t.Fatal(err)
		}
		if expected, actual := 3, len(rows); expected != actual {
			t.Fatalf("Expected %d rows, got %d", expected, actual)
		}
		if expected, actual := "An error occurred: bad gateway", rows[2].Response; expected != actual {
			t.Errorf("Expected response %q, got %q", expected, actual)
		}
		if expected, actual := describer.KindAPICall, rows[2].ErrorKind; expected != actual {
			t.Errorf("Expected kind %q, got %q", expected, actual)
		}
		if expected, actual := describer.KindNone, rows[0].ErrorKind; expected != actual {
			t.Errorf("Expected kind %q, got %q", expected, actual)
		}
	})

	t.Run("multiple batches", func(t *testing.T) {
		_, err := db.db.ExecContext(t.Context(), "DELETE FROM results")
		if err != nil {
			t.Errorf("Unexpected error %s", err)
		}

		entries := make([]batch.Entry, 25)
		for i := range entries {
			entries[i] = batch.Entry{
				Name:   fmt.Sprintf("%d.jpg", i+1),
				Result: describer.Result{Text: fmt.Sprintf("image %d", i+1)},
			}
		}

		affected, err := db.InsertResults(t.Context(), run.Id, entries, 10)
		if err != nil {
			t.Errorf("Unexpected error %s", err)
		}
		if expected, actual := 25, affected; expected != actual {
			t.Errorf("Expected %d modified rows, got %d", expected, actual)
		}

		rows, err := db.RunResults(t.Context(), run.Id)
		if err != nil {
			t.Fatal(err)
		}
		for i, r := range rows {
			if expected, actual := i, r.Position; expected != actual {
				t.Errorf("Expected position %d, got %d", expected, actual)
			}
		}
		if expected, actual := "25.jpg", rows[24].ImageName; expected != actual {
			t.Errorf("Expected last image %q, got %q", expected, actual)
		}
	})
}

func TestRecordRun(t *testing.T) {
	db := newTestDB(t)

	results := batch.NewResultMapping()
	results.Set("b.jpg", describer.Result{Text: "Uma jaqueta de couro"})
	results.Set("a.png", describer.Result{Kind: describer.KindFilesystem, Err: errors.New("permission denied")})

	started := time.Now().Add(-time.Minute)
	err := db.RecordRun(t.Context(), batch.RunRecord{
		Folder:     "images/",
		Prompt:     "Descreva",
		Output:     "resultado.json",
		Backend:    "openai",
		Model:      "gpt-4o-mini",
		StartedAt:  started,
		FinishedAt: time.Now(),
		Results:    results,
	})
	if err != nil {
		t.Fatalf("Unexpected error %s", err)
	}

	runs, err := db.Runs(t.Context())
	if err != nil {
		t.Fatal(err)
	}
	if expected, actual := 1, len(runs); expected != actual {
		t.Fatalf("Expected %d run, got %d", expected, actual)
	}
	if !runs[0].FinishedAt.Valid {
		t.Error("Expected run to be finished")
	}
	if expected, actual := "Descreva", runs[0].Prompt; expected != actual {
		t.Errorf("Expected prompt %q, got %q", expected, actual)
	}

	rows, err := db.RunResults(t.Context(), runs[0].Id)
	if err != nil {
		t.Fatal(err)
	}
	if expected, actual := 2, len(rows); expected != actual {
		t.Fatalf("Expected %d rows, got %d", expected, actual)
	}
	if expected, actual := "b.jpg", rows[0].ImageName; expected != actual {
		t.Errorf("Expected first image %q, got %q", expected, actual)
	}
	if expected, actual := describer.KindFilesystem, rows[1].ErrorKind; expected != actual {
		t.Errorf("Expected kind %q, got %q", expected, actual)
	}
}

func TestRecordRunRollsBack(t *testing.T) {
	db := newTestDB(t)

	// Make the results insert fail after the run row has been written.
	if _, err := db.db.ExecContext(t.Context(), "DROP TABLE results"); err != nil {
		t.Fatal(err)
	}

	results := batch.NewResultMapping()
	results.Set("a.png", describer.Result{Text: "Uma camisa"})
	err := db.RecordRun(t.Context(), batch.RunRecord{
		Folder:     "images/",
		Prompt:     "Descreva",
		Output:     "resultado.json",
		Backend:    "openai",
		Model:      "gpt-4o-mini",
		StartedAt:  time.Now(),
		FinishedAt: time.Now(),
		Results:    results,
	})
	if err == nil {
		t.Fatal("Expected error when results cannot be inserted")
	}

	runs, err := db.Runs(t.Context())
	if err != nil {
		t.Fatal(err)
	}
	if expected, actual := 0, len(runs); expected != actual {
		t.Errorf("Expected %d runs after failed record, got %d", expected, actual)
	}
}

func TestFinishRunUnknown(t *testing.T) {
	db := newTestDB(t)
	if err := db.FinishRun(t.Context(), "nope", time.Now()); err == nil {
		t.Error("Expected error for unknown run")
	}
}
