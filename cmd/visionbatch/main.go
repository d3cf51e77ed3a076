package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/pflag"

	"github.com/chriskillpack/visionbatch"
	"github.com/chriskillpack/visionbatch/describer"
	"github.com/chriskillpack/visionbatch/internal/batch"
	"github.com/chriskillpack/visionbatch/internal/config"
	"github.com/chriskillpack/visionbatch/internal/logger"
)

func newProgressBar(n int) *progressbar.ProgressBar {
	return progressbar.NewOptions(
		n,
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionSetDescription("Describing images"),
		progressbar.OptionThrottle(100*time.Millisecond),
		progressbar.OptionShowCount(),
		progressbar.OptionOnCompletion(func() { fmt.Fprintln(os.Stderr) }),
	)
}

func run(ctx context.Context, cfg *config.Config, log *logger.Logger, stop <-chan struct{}) error {
	c, err := visionbatch.Init(visionbatch.InitOptions{
		Backend:       cfg.Backend.Name,
		Model:         cfg.Backend.Model,
		APIKey:        cfg.Backend.APIKey,
		BaseURL:       cfg.Backend.BaseURL,
		LlamaServer:   cfg.Backend.LlamaServer,
		LlamaSeed:     cfg.Backend.LlamaSeed,
		MaxTokens:     cfg.Backend.MaxTokens,
		MaxRetries:    cfg.Backend.MaxRetries,
		RatePerMinute: cfg.Backend.RatePerMinute,
		HttpClient: &http.Client{
			Timeout: time.Duration(cfg.Backend.TimeoutSecs) * time.Second,
		},
	})
	if err != nil {
		return err
	}
	log.WithField("backend", c.Name()).Info("Initialized client")

	if cfg.Ask != "" {
		fmt.Println(describer.Ask(ctx, c.Describer, cfg.Ask))
		return nil
	}

	// Check the server is up before working through the batch.
	if !c.IsHealthy() {
		return fmt.Errorf("server is not responding")
	}

	opts := batch.Options{
		Folder:    cfg.Folder,
		Prompt:    cfg.Prompt,
		Output:    cfg.Output,
		BatchSize: cfg.BatchSize,
		Workers:   cfg.Workers,
		Describer: c.Describer,
		Logger:    log,
		Stop:      stop,
	}

	if cfg.DBPath != "" {
		db, err := visionbatch.NewDB(ctx, cfg.DBPath)
		if err != nil {
			return fmt.Errorf("opening history db: %w", err)
		}
		defer db.Close()
		opts.Recorder = db
	}

	var bar *progressbar.ProgressBar
	opts.OnBatch = func(n int) { bar = newProgressBar(n) }
	opts.Progress = func(string, describer.Result) { bar.Add(1) }

	summary, err := batch.Run(ctx, opts)
	if bar != nil {
		bar.Finish()
	}
	if err != nil {
		return err
	}

	if summary.Failed > 0 {
		log.Warnf("%d of %d images failed, see the error markers in %s", summary.Failed, summary.Results.Len(), summary.Output)
	}
	return nil
}

func sighandler(ch chan os.Signal, stop chan struct{}, cancel context.CancelFunc) {
	lameduck := false
	for {
		<-ch
		if lameduck {
			// Already in lame duck, hard stop
			fmt.Fprintln(os.Stderr, "Exiting")
			cancel()
			return
		}
		fmt.Fprintln(os.Stderr, "SIGINT received, finishing in-flight images...")
		lameduck = true
		close(stop)
	}
}

func main() {
	fs := config.Flags()
	if err := fs.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			os.Exit(0)
		}
		os.Exit(2)
	}

	cfg, err := config.Load(fs)
	if err == nil {
		err = cfg.Validate()
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		fs.Usage()
		os.Exit(1)
	}

	log := logger.New(logger.Config{Level: cfg.Log.Level, File: cfg.Log.File})
	defer log.Close()

	sigch := make(chan os.Signal, 2)
	signal.Notify(sigch, os.Interrupt)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stop := make(chan struct{})
	go sighandler(sigch, stop, cancel)

	if err := run(ctx, cfg, log, stop); err != nil {
		log.WithError(err).Error("Batch failed")
		log.Close()
		os.Exit(1)
	}
}
