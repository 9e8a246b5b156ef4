package serve

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/charmbracelet/log"
	"github.com/igolaizola/synthara/pkg/api"
	"github.com/igolaizola/synthara/pkg/event"
	"github.com/igolaizola/synthara/pkg/filestore"
	"github.com/igolaizola/synthara/pkg/mode"
	"github.com/igolaizola/synthara/pkg/songflow"
	"github.com/igolaizola/synthara/pkg/storage"
	"github.com/igolaizola/synthara/pkg/synth"
	"github.com/igolaizola/synthara/pkg/workflow"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"
)

type Config struct {
	Debug  bool
	DBType string
	DBConn string
	FSType string
	FSConn string

	Addr        string
	Credentials map[string]string

	DescribeEndpoint        string
	LyricsEndpoint          string
	DescribedLyricsEndpoint string
	ModalKey                string
	ModalSecret             string
	Rate                    float64

	UserConcurrency int
	Retries         int
	ResumeSpec      string

	KafkaBrokers []string
	KafkaTopic   string
	KafkaGroup   string
}

// Run starts the API server and the workflow engine.
func Run(ctx context.Context, cfg *Config) error {
	logger := log.NewWithOptions(os.Stderr, log.Options{
		ReportTimestamp: true,
		Prefix:          "serve",
	})
	if cfg.Debug {
		logger.SetLevel(log.DebugLevel)
	}
	logger.Info("server started")
	defer logger.Info("server ended")

	store, err := storage.New(cfg.DBType, cfg.DBConn, cfg.Debug)
	if err != nil {
		return fmt.Errorf("serve: couldn't create orm store: %w", err)
	}
	if err := store.Start(ctx); err != nil {
		return fmt.Errorf("serve: couldn't start orm store: %w", err)
	}
	defer func() { _ = store.Close() }()
	if err := store.Migrate(ctx); err != nil {
		return fmt.Errorf("serve: couldn't migrate orm store: %w", err)
	}

	var files api.Files
	if cfg.FSType != "" {
		fs, err := filestore.New(cfg.FSType, cfg.FSConn, cfg.Debug)
		if err != nil {
			return fmt.Errorf("serve: couldn't create file storage: %w", err)
		}
		files = fs
	}

	client := synth.New(&synth.Config{
		Key:    cfg.ModalKey,
		Secret: cfg.ModalSecret,
		Rate:   cfg.Rate,
		Logger: logger.WithPrefix("synth"),
		Debug:  cfg.Debug,
	})

	engine := workflow.New(store, &workflow.Config{
		Concurrency: cfg.UserConcurrency,
		Logger:      logger.WithPrefix("workflow"),
	})
	defer engine.Stop()
	workflow.Register(engine, songflow.Definition(store, client, &songflow.Config{
		Endpoints: mode.Endpoints{
			Describe:             cfg.DescribeEndpoint,
			LyricsStyle:          cfg.LyricsEndpoint,
			StyleDescribedLyrics: cfg.DescribedLyricsEndpoint,
		},
		Retries: cfg.Retries,
	}))

	trigger := func(ctx context.Context, e *event.Event) error {
		run, err := workflow.Trigger(ctx, engine, songflow.Name, e.Data)
		if err != nil {
			return fmt.Errorf("serve: couldn't trigger %s: %w", songflow.Name, err)
		}
		logger.Debug("run triggered", "song", e.Data.SongID, "run_id", run.ID, "state", run.State)
		return nil
	}

	// Events go through kafka when configured, otherwise they trigger the
	// engine directly.
	var sender event.Sender = event.SenderFunc(trigger)
	var consumer *event.Consumer
	if len(cfg.KafkaBrokers) > 0 {
		publisher := event.NewPublisher(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer func() { _ = publisher.Close() }()
		sender = publisher
		consumer = event.NewConsumer(cfg.KafkaBrokers, cfg.KafkaTopic, cfg.KafkaGroup, logger.WithPrefix("kafka"))
		defer func() { _ = consumer.Close() }()
	}

	// Resume runs left unfinished by a previous process
	n, err := engine.Resume(ctx)
	if err != nil {
		return fmt.Errorf("serve: couldn't resume runs: %w", err)
	}
	if n > 0 {
		logger.Info("resumed unfinished runs", "count", n)
	}

	// Periodic sweep for runs whose dispatch was lost
	if cfg.ResumeSpec != "" {
		c := cron.New()
		if _, err := c.AddFunc(cfg.ResumeSpec, func() {
			n, err := engine.Resume(ctx)
			if err != nil {
				logger.Error("couldn't resume runs", "err", err)
				return
			}
			if n > 0 {
				logger.Info("resumed runs", "count", n)
			}
		}); err != nil {
			return fmt.Errorf("serve: invalid resume spec %q: %w", cfg.ResumeSpec, err)
		}
		c.Start()
		defer c.Stop()
	}

	if len(cfg.Credentials) == 0 {
		logger.Warn("no credentials set, event ingress endpoint disabled")
	}
	handler := api.New(&api.Config{
		Songs:       store,
		Sessions:    store,
		Files:       files,
		Sender:      sender,
		Credentials: cfg.Credentials,
		Logger:      logger.WithPrefix("api"),
		Debug:       cfg.Debug,
	})
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("listening", "addr", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: couldn't listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	if consumer != nil {
		g.Go(func() error {
			logger.Info("consuming events", "topic", cfg.KafkaTopic, "group", cfg.KafkaGroup)
			return consumer.Consume(gctx, trigger)
		})
	}
	return g.Wait()
}
