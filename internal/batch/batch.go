// Package batch sends every image in a folder to a vision model and writes
// the replies to a JSON file.
package batch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/chriskillpack/visionbatch/describer"
	"github.com/chriskillpack/visionbatch/internal/imagefs"
)

var (
	// ErrConfiguration marks invalid options. It is returned before any
	// image is read or request sent.
	ErrConfiguration = errors.New("configuration error")

	// ErrFilesystem marks unreadable folders and unwritable output.
	ErrFilesystem = imagefs.ErrFilesystem
)

type Options struct {
	Folder    string
	Prompt    string
	Output    string // must end in .json
	BatchSize int    // images past this count are skipped
	Workers   int    // concurrent requests, 1 when zero

	Describer describer.Describer
	Logger    logrus.FieldLogger // discards when nil

	// OnBatch is called with the number of images about to be processed.
	OnBatch func(n int)

	// Progress is called after each image, one call at a time.
	Progress func(name string, r describer.Result)

	// Stop is closed to stop issuing new requests. Requests already in
	// flight finish and the collected results are written.
	Stop <-chan struct{}

	// Recorder, if set, is given the run once the output is written.
	Recorder Recorder
}

// RunRecord describes a completed batch for a Recorder.
type RunRecord struct {
	Folder     string
	Prompt     string
	Output     string
	Backend    string
	Model      string
	StartedAt  time.Time
	FinishedAt time.Time
	Results    *ResultMapping
}

// Recorder keeps a history of runs.
type Recorder interface {
	RecordRun(ctx context.Context, run RunRecord) error
}

type Summary struct {
	Results *ResultMapping
	Found   int // images in the folder
	Skipped int // images past the batch size or left when stopped
	Failed  int
	Elapsed time.Duration
	Output  string
}

func (o *Options) validate() error {
	if !HasJSONSuffix(o.Output) {
		return fmt.Errorf("%w: output file %q must be a .json file", ErrConfiguration, o.Output)
	}
	if o.BatchSize <= 0 {
		return fmt.Errorf("%w: batch size must be positive, got %d", ErrConfiguration, o.BatchSize)
	}
	if o.Workers < 0 {
		return fmt.Errorf("%w: workers must not be negative, got %d", ErrConfiguration, o.Workers)
	}
	if o.Describer == nil {
		return fmt.Errorf("%w: no describer", ErrConfiguration)
	}
	return nil
}

func discardLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func stopped(ctx context.Context, stop <-chan struct{}) bool {
	select {
	case <-ctx.Done():
		return true
	case <-stop:
		return true
	default:
		return false
	}
}

// Run lists the images in opts.Folder, describes up to opts.BatchSize of them
// with opts.Prompt and writes the results to opts.Output as a single JSON
// object keyed by image name. Failed requests are stored as error markers and
// do not stop the batch. Errors are returned for invalid options, an
// unreadable folder or an unwritable output file.
func Run(ctx context.Context, opts Options) (*Summary, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}

	if opts.Prompt == "" {
		opts.Prompt = describer.DefaultPrompt
	}
	log := opts.Logger
	if log == nil {
		log = discardLogger()
	}
	workers := max(opts.Workers, 1)

	log.WithField("folder", opts.Folder).Info("Processing images")

	images, err := imagefs.ListImages(opts.Folder)
	if err != nil {
		return nil, err
	}
	found := len(images)
	images = images[:min(len(images), opts.BatchSize)]

	log.WithFields(logrus.Fields{
		"found":   found,
		"batch":   len(images),
		"backend": opts.Describer.Name(),
		"model":   opts.Describer.Model(),
		"workers": workers,
	}).Info("Found images")

	if opts.OnBatch != nil {
		opts.OnBatch(len(images))
	}

	start := time.Now()

	// Each request fills its own slot so results keep listing order however
	// the workers interleave.
	results := make([]*describer.Result, len(images))

	var progressMu sync.Mutex
	g := new(errgroup.Group)
	g.SetLimit(workers)
	for i, name := range images {
		if stopped(ctx, opts.Stop) {
			break
		}

		g.Go(func() error {
			// Checked again once a worker is free, the stop may have come
			// while waiting for one.
			if stopped(ctx, opts.Stop) {
				return nil
			}

			r := describer.DescribeFile(ctx, opts.Describer, filepath.Join(opts.Folder, name), opts.Prompt)
			results[i] = &r

			entry := log.WithField("image", name)
			if r.Failed() {
				entry.WithField("kind", r.Kind).WithError(r.Err).Warn("Image failed")
			} else {
				entry.Debug("Image processed")
				entry.WithField("response", r.Text).Debug("Response")
			}

			if opts.Progress != nil {
				progressMu.Lock()
				opts.Progress(name, r)
				progressMu.Unlock()
			}
			return nil
		})
	}
	g.Wait() // workers never return errors

	mapping := NewResultMapping()
	for i, r := range results {
		if r != nil {
			mapping.Set(images[i], *r)
		}
	}
	if remaining := len(images) - mapping.Len(); remaining > 0 {
		log.WithField("remaining", remaining).Warn("Stopped early, remaining images skipped")
	}

	elapsed := time.Since(start)
	log.WithField("elapsed", fmt.Sprintf("%.2fs", elapsed.Seconds())).Info("Total inference time")

	if err := writeOutput(opts.Output, mapping); err != nil {
		return nil, err
	}
	if !OutputExists(opts.Output) {
		return nil, fmt.Errorf("%w: %s missing after write", ErrFilesystem, opts.Output)
	}

	summary := &Summary{
		Results: mapping,
		Found:   found,
		Skipped: found - mapping.Len(),
		Failed:  mapping.Failed(),
		Elapsed: elapsed,
		Output:  opts.Output,
	}
	log.WithFields(logrus.Fields{
		"output":    opts.Output,
		"processed": mapping.Len(),
		"failed":    summary.Failed,
		"skipped":   summary.Skipped,
	}).Info("Results saved")

	if opts.Recorder != nil {
		err := opts.Recorder.RecordRun(ctx, RunRecord{
			Folder:     opts.Folder,
			Prompt:     opts.Prompt,
			Output:     opts.Output,
			Backend:    opts.Describer.Name(),
			Model:      opts.Describer.Model(),
			StartedAt:  start,
			FinishedAt: time.Now(),
			Results:    mapping,
		})
		if err != nil {
			log.WithError(err).Warn("Failed to record run history")
		}
	}

	return summary, nil
}
