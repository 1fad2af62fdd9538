package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"taskmill/api"
	"taskmill/config"
	"taskmill/manifest"
	"taskmill/metrics"
	"taskmill/model"
	"taskmill/queue"
	"taskmill/retry"
	"taskmill/worker"
)

func main() {
	cfg := config.Load()
	logger := cfg.NewLogger()
	slog.SetDefault(logger)

	rootCmd := &cobra.Command{
		Use:           "taskmill",
		Short:         "Distribute content-integrity work over a leased task queue",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and a worker pool",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg, logger, true)
		},
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "work",
		Short: "Run a worker pool only",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg, logger, false)
		},
	})

	var kind string
	var props map[string]string
	putCmd := &cobra.Command{
		Use:   "put",
		Short: "Put a single task on the queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			k, err := model.ParseKind(kind)
			if err != nil {
				return err
			}
			m, err := newMill(cmd.Context(), cfg, logger, nil)
			if err != nil {
				return err
			}
			defer m.close()
			return m.queue.Put(cmd.Context(), model.NewTask(k, props))
		},
	}
	putCmd.Flags().StringVarP(&kind, "kind", "k", string(model.KindNoop), "task kind")
	putCmd.Flags().StringToStringVarP(&props, "prop", "p", nil, "task property as key=value (repeatable)")
	rootCmd.AddCommand(putCmd)

	rootCmd.AddCommand(&cobra.Command{
		Use:   "size",
		Short: "Print the approximate number of queued tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := newMill(cmd.Context(), cfg, logger, nil)
			if err != nil {
				return err
			}
			defer m.close()
			n, err := m.queue.Size(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Println(n)
			return nil
		},
	})

	var before string
	purgeCmd := &cobra.Command{
		Use:   "purge",
		Short: "Remove manifest items flagged deleted before a cutoff",
		RunE: func(cmd *cobra.Command, args []string) error {
			if cfg.DatabaseURL == "" {
				return errors.New("purge needs DATABASE_URL")
			}
			cutoff, err := parseCutoff(before, time.Now())
			if err != nil {
				return err
			}
			pool, err := pgxpool.New(cmd.Context(), cfg.DatabaseURL)
			if err != nil {
				return fmt.Errorf("connect database: %w", err)
			}
			defer pool.Close()

			n, err := manifest.NewStore(pool, logger).PurgeDeletedItemsBefore(cmd.Context(), cutoff)
			if err != nil {
				return err
			}
			fmt.Println(n)
			return nil
		},
	}
	purgeCmd.Flags().StringVar(&before, "before", "", "cutoff as RFC 3339 time or as an age such as 720h")
	_ = purgeCmd.MarkFlagRequired("before")
	rootCmd.AddCommand(purgeCmd)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		logger.Error("command failed", "error", err)
		os.Exit(1)
	}
}

// parseCutoff reads an absolute RFC 3339 time, or an age counted back
// from now.
func parseCutoff(s string, now time.Time) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	age, err := time.ParseDuration(s)
	if err != nil || age <= 0 {
		return time.Time{}, fmt.Errorf("invalid cutoff %q: want RFC 3339 time or positive duration", s)
	}
	return now.Add(-age), nil
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger, withAPI bool) error {
	reg := prometheus.NewRegistry()
	m, err := newMill(ctx, cfg, logger, metrics.New(reg))
	if err != nil {
		return err
	}
	defer m.close()

	processors := map[model.Kind]worker.Processor{
		model.KindNoop: worker.NoopProcessor{Log: logger},
	}
	var store *manifest.Store
	if m.db != nil {
		store = manifest.NewStore(m.db, logger)
		if err := store.Migrate(ctx); err != nil {
			return fmt.Errorf("migrate manifest: %w", err)
		}
		processors[model.KindAudit] = worker.AuditProcessor{Manifest: store}
	}

	opts := []worker.Option{
		worker.WithLogger(logger),
		worker.WithMetrics(m.metrics),
		worker.WithRetrier(m.retrier),
		worker.WithPollInterval(cfg.PollInterval),
		worker.WithMaxAttempts(cfg.MaxAttempts),
	}
	if m.deadLetter != nil {
		opts = append(opts, worker.WithDeadLetter(m.deadLetter))
	}
	pool := worker.New(m.queue, processors, opts...)

	var wg sync.WaitGroup
	pool.Start(ctx, cfg.WorkerCount, &wg)
	logger.Info("workers started", "count", cfg.WorkerCount, "queue", cfg.QueueName, "backend", cfg.QueueBackend)

	var server *http.Server
	if withAPI {
		var reader api.ManifestReader
		if store != nil {
			reader = store
		}
		server = api.NewServer(cfg.ServerAddr, m.queue, reader, reg, logger)
		go func() {
			logger.Info("starting server", "addr", cfg.ServerAddr)
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("HTTP server error", "error", err)
			}
		}()
	}

	<-ctx.Done()
	logger.Info("shutdown signal received")

	if server != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("HTTP server shutdown error", "error", err)
		}
	}

	wg.Wait()
	logger.Info("all workers stopped")
	return nil
}

// mill holds the connections shared by every command.
type mill struct {
	queue      *queue.TaskQueue
	deadLetter *queue.TaskQueue
	db         *pgxpool.Pool
	retrier    *retry.Retrier
	metrics    *metrics.Metrics
	closers    []func()
}

func newMill(ctx context.Context, cfg config.Config, logger *slog.Logger, met *metrics.Metrics) (*mill, error) {
	m := &mill{
		metrics: met,
		retrier: retry.New(
			retry.WithMaxRetries(cfg.RetryMax),
			retry.WithWait(cfg.RetryWait),
			retry.WithLogger(logger),
		),
	}

	backend, err := m.openBackend(ctx, cfg)
	if err != nil {
		return nil, err
	}

	m.queue, err = m.openQueue(ctx, backend, cfg, cfg.QueueName, logger)
	if err != nil {
		m.close()
		return nil, err
	}
	if cfg.DeadLetterQueue != "" {
		m.deadLetter, err = m.openQueue(ctx, backend, cfg, cfg.DeadLetterQueue, logger)
		if err != nil {
			m.close()
			return nil, err
		}
	}

	if cfg.DatabaseURL != "" {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			m.close()
			return nil, fmt.Errorf("connect database: %w", err)
		}
		m.db = pool
		m.closers = append(m.closers, pool.Close)
	}
	return m, nil
}

func (m *mill) openBackend(ctx context.Context, cfg config.Config) (queue.Backend, error) {
	switch cfg.QueueBackend {
	case "memory":
		return queue.NewMemoryBackend(nil), nil
	case "redis":
		client, err := queue.NewRedisClient(ctx, cfg.RedisAddr)
		if err != nil {
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		m.closers = append(m.closers, func() { _ = client.Close() })
		return queue.NewRedisBackend(client), nil
	case "sqs":
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, fmt.Errorf("load aws config: %w", err)
		}
		return queue.NewSQSBackend(sqs.NewFromConfig(awsCfg)), nil
	default:
		return nil, fmt.Errorf("unknown queue backend %q; use memory|redis|sqs", cfg.QueueBackend)
	}
}

// openQueue provisions self-hosted queues and resolves the queue, retrying
// while the backend is unreachable.
func (m *mill) openQueue(ctx context.Context, backend queue.Backend, cfg config.Config, name string, logger *slog.Logger) (*queue.TaskQueue, error) {
	return retry.Execute(m.retrier, func() (*queue.TaskQueue, error) {
		switch b := backend.(type) {
		case *queue.MemoryBackend:
			b.CreateQueue(name, cfg.VisibilityTimeout)
		case *queue.RedisBackend:
			if _, err := b.CreateQueue(ctx, name, cfg.VisibilityTimeout); err != nil {
				return nil, err
			}
		}
		return queue.New(ctx, backend, name, queue.WithLogger(logger), queue.WithMetrics(m.metrics))
	})
}

func (m *mill) close() {
	for i := len(m.closers) - 1; i >= 0; i-- {
		m.closers[i]()
	}
}
