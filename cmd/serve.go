package cmd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/andresmejia3/oculus/internal/decoder"
	"github.com/andresmejia3/oculus/internal/engine"
	"github.com/andresmejia3/oculus/internal/events"
	"github.com/andresmejia3/oculus/internal/metrics"
	"github.com/andresmejia3/oculus/internal/pipeline"
	"github.com/andresmejia3/oculus/internal/rpc"
	"github.com/andresmejia3/oculus/internal/storage"
	"github.com/andresmejia3/oculus/internal/tracing"
	"github.com/andresmejia3/oculus/internal/utils"
	"github.com/andresmejia3/oculus/internal/worker"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
)

const shutdownTimeout = 30 * time.Second

// ServeOptions holds the serve flags. Zero values fall back to the configuration.
type ServeOptions struct {
	ListenAddr   string
	MetricsPort  int
	Acceptors    int
	MaxSessions  int64
	WriteTimeout time.Duration
	WorkDir      string
	SourceRoot   string
	Record       bool
	Model        ModelOptions
}

var serveOpts ServeOptions

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the streaming detection server",
	Long: `Loads the detection model once, then serves the oculus.v1.Detection gRPC service.
Every request streams one message per decoded frame followed by a terminal status.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context(), serveOpts)
	},
}

func init() {
	serveCmd.Flags().StringVarP(&serveOpts.ListenAddr, "listen", "l", "", "gRPC listen address (default: $OCULUS_LISTEN_ADDR or :50051)")
	serveCmd.Flags().IntVar(&serveOpts.MetricsPort, "metrics-port", 0, "Port for /metrics, /healthz and /sessions (default: $METRICS_PORT or 9090)")
	serveCmd.Flags().IntVar(&serveOpts.Acceptors, "acceptors", 0, "Sessions kept armed for incoming requests (default: $OCULUS_ACCEPTORS or 1)")
	serveCmd.Flags().Int64Var(&serveOpts.MaxSessions, "max-sessions", 0, "Sessions allowed to process at the same time (default: $OCULUS_MAX_SESSIONS or 4)")
	serveCmd.Flags().DurationVar(&serveOpts.WriteTimeout, "write-timeout", 0, "Maximum wait for one frame message to be sent (default: $OCULUS_WRITE_TIMEOUT or 30s)")
	serveCmd.Flags().StringVar(&serveOpts.WorkDir, "work-dir", "", "Scratch directory for fetched and decrypted sources (default: $OCULUS_WORK_DIR)")
	serveCmd.Flags().StringVar(&serveOpts.SourceRoot, "source-root", "", "Only serve local sources below this directory (default: $OCULUS_SOURCE_ROOT)")
	serveCmd.Flags().BoolVar(&serveOpts.Record, "record", false, "Record session history in PostgreSQL")
	addModelFlags(serveCmd, &serveOpts.Model)
	rootCmd.AddCommand(serveCmd)
}

// applyServeDefaults fills unset flags from the configuration.
func applyServeDefaults(opts *ServeOptions) {
	if opts.ListenAddr == "" {
		opts.ListenAddr = cfg.ListenAddr
	}
	if opts.MetricsPort == 0 {
		opts.MetricsPort = cfg.MetricsPort
	}
	if opts.Acceptors == 0 {
		opts.Acceptors = cfg.Acceptors
	}
	if opts.MaxSessions == 0 {
		opts.MaxSessions = cfg.MaxSessions
	}
	if opts.WriteTimeout == 0 {
		opts.WriteTimeout = cfg.WriteTimeout
	}
	opts.WorkDir = pick(opts.WorkDir, cfg.WorkDir)
	opts.SourceRoot = pick(opts.SourceRoot, cfg.SourceRoot)
	if cfg.DatabaseURL != "" {
		opts.Record = true
	}
}

func validateServeFlags(opts *ServeOptions) error {
	if opts.Acceptors < 1 {
		return fmt.Errorf("invalid --acceptors: must be >= 1, got %d", opts.Acceptors)
	}
	if opts.MaxSessions < 1 {
		return fmt.Errorf("invalid --max-sessions: must be >= 1, got %d", opts.MaxSessions)
	}
	if opts.WriteTimeout <= 0 {
		return fmt.Errorf("invalid --write-timeout: must be positive, got %s", opts.WriteTimeout)
	}
	if opts.Model.Engines < 0 {
		return fmt.Errorf("invalid --engines: must be >= 1, got %d", opts.Model.Engines)
	}
	if opts.SourceRoot != "" {
		info, err := os.Stat(opts.SourceRoot)
		if err != nil {
			return fmt.Errorf("unable to access --source-root: %w", err)
		}
		if !info.IsDir() {
			return fmt.Errorf("--source-root %s is not a directory", opts.SourceRoot)
		}
	}
	return nil
}

func runServe(ctx context.Context, opts ServeOptions) error {
	applyServeDefaults(&opts)
	if err := validateServeFlags(&opts); err != nil {
		utils.ShowError("Invalid serve flags", err, nil)
		return err
	}
	if err := os.MkdirAll(opts.WorkDir, 0755); err != nil {
		return fmt.Errorf("create work dir: %w", err)
	}

	// Tracing (non-fatal if Jaeger unavailable)
	if cfg.JaegerEndpoint != "" {
		tp, err := tracing.InitTracer(ctx, cfg.JaegerEndpoint, "oculus")
		if err != nil {
			log.Warn("tracing init failed, continuing without tracing", zap.Error(err))
		} else {
			defer tp.Shutdown(context.Background())
		}
	}

	// The model is loaded once; a failure here is fatal for the whole process
	mc := modelConfig(opts.Model, cfg)
	model := worker.NewModel(log.Named("model"))
	if err := model.Initialize(ctx, mc); err != nil {
		utils.ShowError("Failed to initialize the detection model", err, nil)
		return err
	}
	defer model.Close()

	engineOpts := []engine.Option{
		engine.WithLogger(log.Named("engine")),
		engine.WithDetector(model.Name(), model),
	}

	preparer := &pipeline.SourcePreparer{Root: opts.SourceRoot}
	if cfg.MinIOEndpoint != "" {
		st, err := storage.NewStorage(storage.StorageConfig{
			Endpoint:  cfg.MinIOEndpoint,
			AccessKey: cfg.MinIOAccessKey,
			SecretKey: cfg.MinIOSecretKey,
			UseSSL:    cfg.MinIOUseSSL,
		})
		if err != nil {
			return err
		}
		preparer.Fetcher = st
	}
	engineOpts = append(engineOpts, engine.WithPreparer(preparer))

	if opts.Record {
		db, err := openStore(ctx)
		if err != nil {
			utils.ShowError("Failed to open the session history store", err, nil)
			return err
		}
		engineOpts = append(engineOpts, engine.WithRecorder(db))
	}

	if cfg.RabbitMQURL != "" {
		conn, err := amqp.Dial(cfg.RabbitMQURL)
		if err != nil {
			log.Warn("rabbitmq unavailable, session statuses will not be published", zap.Error(err))
		} else {
			defer conn.Close()
			pub, err := events.NewStatusPublisher(conn, cfg.RabbitMQExchange)
			if err != nil {
				return err
			}
			defer pub.Close()
			engineOpts = append(engineOpts, engine.WithPublisher(pub))
		}
	}

	eng := engine.New(engine.Config{
		Acceptors:    opts.Acceptors,
		MaxSessions:  opts.MaxSessions,
		WriteTimeout: opts.WriteTimeout,
		WorkDir:      opts.WorkDir,
		DefaultModel: model.Name(),
	}, decoder.New(cfg.FFmpegBin, log.Named("decoder")), engineOpts...)
	eng.Start()

	metricsSrv := metrics.StartMetricsServer(ctx, opts.MetricsPort, eng, log)

	lis, err := net.Listen("tcp", opts.ListenAddr)
	if err != nil {
		eng.Shutdown(context.Background())
		return fmt.Errorf("listen on %s: %w", opts.ListenAddr, err)
	}
	grpcSrv := rpc.NewGRPCServer(eng, log.Named("rpc"))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("grpc server listening", zap.String("addr", lis.Addr().String()), zap.String("model", model.Name()))
		if err := grpcSrv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return fmt.Errorf("grpc server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		// Cancel live sessions first so their streams end with a status, then stop the listener
		if err := eng.Shutdown(shutdownCtx); err != nil {
			log.Warn("engine shutdown incomplete", zap.Error(err))
		}
		grpcSrv.GracefulStop()
		return metricsSrv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
