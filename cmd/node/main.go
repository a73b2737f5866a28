package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"

	"github.com/jmerrifield20/icn-node/internal/checkpoint"
	"github.com/jmerrifield20/icn-node/internal/feed"
	nodehealth "github.com/jmerrifield20/icn-node/internal/health"
	"github.com/jmerrifield20/icn-node/internal/node/handler"
	"github.com/jmerrifield20/icn-node/internal/node/service"
	"github.com/jmerrifield20/icn-node/internal/signature"
	"github.com/jmerrifield20/icn-node/internal/trust"
	"github.com/jmerrifield20/icn-node/internal/trustledger"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync() //nolint:errcheck

	if err := run(logger); err != nil {
		logger.Fatal("node exited with error", zap.Error(err))
	}
}

func run(logger *zap.Logger) error {
	// ── Configuration ────────────────────────────────────────────────────────
	viper.SetConfigName("node")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("configs")
	viper.AddConfigPath(".")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	viper.SetDefault("node.id", "icn-node-1")
	viper.SetDefault("node.port", 8000)
	viper.SetDefault("node.grpc_port", 9000)
	viper.SetDefault("node.key_file", "keys/node.key")
	viper.SetDefault("node.key_passphrase", "")
	viper.SetDefault("node.admin_secret", "")
	viper.SetDefault("node.cors_origins", []string{"http://localhost:3000"})
	viper.SetDefault("node.rate_limit_rps", 20)
	viper.SetDefault("node.signer_rate_limit_rps", 10)
	viper.SetDefault("database.url", "")
	viper.SetDefault("database.max_conns", 10)
	viper.SetDefault("ledger.max_retries", 5)
	viper.SetDefault("ledger.lock_wait", "5s")
	viper.SetDefault("trust.half_life_days", 180)
	viper.SetDefault("trust.weights.direct", 0.4)
	viper.SetDefault("trust.weights.attest", 0.3)
	viper.SetDefault("trust.weights.disputes", 0.3)
	viper.SetDefault("checkpoint.schedule_enabled", true)
	viper.SetDefault("health.interval", "5m")
	viper.SetDefault("artifacts.s3.bucket", "")
	viper.SetDefault("artifacts.s3.region", "us-east-1")
	viper.SetDefault("artifacts.s3.endpoint", "")
	viper.SetDefault("artifacts.s3.prefix", "checkpoints")
	viper.SetDefault("artifacts.s3.access_key", "")
	viper.SetDefault("artifacts.s3.secret_key", "")
	viper.SetDefault("feed.kafka.brokers", []string{})
	viper.SetDefault("feed.kafka.topic", "icn.ledger")

	if err := viper.ReadInConfig(); err != nil {
		var cfgNotFound viper.ConfigFileNotFoundError
		if !errors.As(err, &cfgNotFound) {
			return fmt.Errorf("read config: %w", err)
		}
		logger.Warn("no config file found, using defaults and env vars")
	}

	nodeID := viper.GetString("node.id")
	lockWait := viper.GetDuration("ledger.lock_wait")

	// ── Store ────────────────────────────────────────────────────────────────
	var store trustledger.Backend
	if dsn := viper.GetString("database.url"); dsn != "" {
		poolCfg, err := pgxpool.ParseConfig(dsn)
		if err != nil {
			return fmt.Errorf("parse database url: %w", err)
		}
		poolCfg.MaxConns = viper.GetInt32("database.max_conns")
		pool, err := pgxpool.NewWithConfig(context.Background(), poolCfg)
		if err != nil {
			return fmt.Errorf("connect to postgres: %w", err)
		}
		store = trustledger.NewPostgresStore(pool, logger, lockWait)
		if err := store.Ping(context.Background()); err != nil {
			store.Close()
			return fmt.Errorf("ping postgres: %w", err)
		}
		logger.Info("connected to postgres")
	} else {
		store = trustledger.NewMemoryStore(lockWait)
		logger.Warn("database.url not set; using in-memory store (state is lost on exit)")
	}
	defer store.Close()

	// ── Federation bootstrap ─────────────────────────────────────────────────
	orgSvc := service.NewOrgService(store, logger)
	var orgCfgs []service.OrgConfig
	if err := viper.UnmarshalKey("federation.orgs", &orgCfgs); err != nil {
		return fmt.Errorf("parse federation.orgs: %w", err)
	}
	if err := orgSvc.Bootstrap(context.Background(), orgCfgs); err != nil {
		return fmt.Errorf("bootstrap federation: %w", err)
	}

	// ── Node key ─────────────────────────────────────────────────────────────
	keystore := signature.NewKeystore(viper.GetString("node.key_file"), viper.GetString("node.key_passphrase"))
	nodeKey, err := keystore.LoadOrCreate()
	if err != nil {
		return fmt.Errorf("node key setup failed: %w", err)
	}
	logger.Info("node key ready",
		zap.String("node_id", nodeID),
		zap.String("public_key", nodeKey.PublicKeyBase64()),
	)

	// ── Ledger ───────────────────────────────────────────────────────────────
	chainCfg := trustledger.DefaultConfig()
	chainCfg.MaxRetries = viper.GetUint("ledger.max_retries")
	chain := trustledger.NewChain(store, chainCfg, logger)
	chain.OnCommit(handler.LedgerAppendHook())

	startCtx := context.Background()
	report, err := chain.Verify(startCtx)
	switch {
	case err != nil:
		return fmt.Errorf("startup continuity check: %w", err)
	case !report.OK:
		logger.Warn("audit chain integrity check FAILED", zap.String("summary", report.Summary()))
	default:
		logger.Info("audit chain verified",
			zap.Int("entries", report.Length),
			zap.String("head", report.Head),
		)
	}
	handler.RecordChainScan(report)

	// ── Checkpoints & publishing ─────────────────────────────────────────────
	checkpoints := checkpoint.NewService(store, nodeID, nodeKey, logger)
	var publishers checkpoint.Publishers

	if bucket := viper.GetString("artifacts.s3.bucket"); bucket != "" {
		s3pub, err := checkpoint.NewS3Publisher(context.Background(), checkpoint.S3Config{
			Region:    viper.GetString("artifacts.s3.region"),
			Endpoint:  viper.GetString("artifacts.s3.endpoint"),
			Bucket:    bucket,
			Prefix:    viper.GetString("artifacts.s3.prefix"),
			AccessKey: viper.GetString("artifacts.s3.access_key"),
			SecretKey: viper.GetString("artifacts.s3.secret_key"),
		})
		if err != nil {
			return fmt.Errorf("configure artifact bucket: %w", err)
		}
		publishers = append(publishers, s3pub)
		logger.Info("checkpoint artifacts published to S3", zap.String("bucket", bucket))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var ledgerFeed *feed.Feed
	if brokers := viper.GetStringSlice("feed.kafka.brokers"); len(brokers) > 0 {
		topic := viper.GetString("feed.kafka.topic")
		ledgerFeed = feed.New(feed.NewKafkaWriter(brokers, topic), nodeID, nodeKey, 256, logger)
		ledgerFeed.SetMetricsRecorder(handler.RecordFeedDelivery)
		chain.OnCommit(ledgerFeed.EntryHook())
		publishers = append(publishers, ledgerFeed)
		go ledgerFeed.Run(ctx)
		logger.Info("ledger feed enabled", zap.Strings("brokers", brokers), zap.String("topic", topic))
	}
	if len(publishers) > 0 {
		checkpoints.SetPublisher(publishers)
	}

	// ── Services ─────────────────────────────────────────────────────────────
	var trustCfg trust.Config
	if err := viper.UnmarshalKey("trust", &trustCfg); err != nil {
		return fmt.Errorf("parse trust config: %w", err)
	}
	scorer := trust.NewLedgerScorer(store, trustCfg)

	invoiceSvc := service.NewInvoiceService(chain, store, store, logger)
	attestationSvc := service.NewAttestationService(chain, store, logger)
	auditSvc := service.NewAuditService(chain, store)

	// ── HTTP Router ──────────────────────────────────────────────────────────
	if os.Getenv("GIN_MODE") == "" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())

	corsOrigins := viper.GetStringSlice("node.cors_origins")
	router.Use(cors.New(cors.Config{
		AllowOrigins: corsOrigins,
		AllowMethods: []string{"GET", "POST", "PATCH", "OPTIONS"},
		AllowHeaders: []string{
			"Origin", "Content-Type", "Authorization", "Accept",
			handler.HeaderKeyID, handler.HeaderSignature, handler.HeaderIdempotencyKey,
		},
		ExposeHeaders:    []string{"Content-Length", "Retry-After"},
		AllowCredentials: !containsWildcard(corsOrigins),
		MaxAge:           12 * time.Hour,
	}))

	router.Use(func(c *gin.Context) {
		c.Header("X-Frame-Options", "DENY")
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")
		c.Next()
	})

	if rps := viper.GetInt("node.rate_limit_rps"); rps > 0 {
		router.Use(handler.RateLimiter(rps, rps*2))
	}
	router.Use(handler.PrometheusMiddleware())
	router.Use(requestLogger(logger))
	router.GET("/metrics", handler.MetricsHandler())

	adminSecret := viper.GetString("node.admin_secret")
	// Checkpoint generation is authorized by the admin secret, not an org key.
	api := router.Group("", handler.RequireSignature(store, logger, "/checkpoints/generate"))
	if rps := viper.GetInt("node.signer_rate_limit_rps"); rps > 0 {
		api.Use(handler.SignerRateLimiter(rps, rps*2))
	}
	handler.NewNodeHandler(nodeID, nodeKey.PublicKeyBase64()).Register(api)
	handler.NewOrgHandler(orgSvc, logger).Register(api)
	handler.NewInvoiceHandler(invoiceSvc, logger).Register(api)
	handler.NewAttestationHandler(attestationSvc, logger).Register(api)
	handler.NewTrustHandler(scorer, logger).Register(api)
	handler.NewCheckpointHandler(checkpoints, adminSecret, logger).Register(api)
	handler.NewAuditHandler(auditSvc, logger).Register(api)

	// ── gRPC health ──────────────────────────────────────────────────────────
	grpcPort := viper.GetInt("node.grpc_port")
	grpcLis, err := net.Listen("tcp", fmt.Sprintf(":%d", grpcPort))
	if err != nil {
		return fmt.Errorf("gRPC listen on :%d: %w", grpcPort, err)
	}
	grpcServer := grpc.NewServer(grpc.ChainUnaryInterceptor(loggingInterceptor(logger)))
	healthSvc := health.NewServer()
	grpc_health_v1.RegisterHealthServer(grpcServer, healthSvc)
	reflection.Register(grpcServer)

	// ── Integrity monitor & checkpoint scheduler ─────────────────────────────
	monitor := nodehealth.New(chain, checkpoints, healthSvc, nodehealth.Config{
		CheckInterval:       viper.GetDuration("health.interval"),
		ScheduleCheckpoints: viper.GetBool("checkpoint.schedule_enabled"),
	}, logger)
	monitor.SetMetricsRecord(handler.RecordChainScan)
	monitor.SetCheckpointRecord(handler.RecordScheduledCheckpoint)
	go monitor.Start(ctx)

	// ── Servers ──────────────────────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		logger.Info("node gRPC health listening", zap.Int("port", grpcPort))
		if err := grpcServer.Serve(grpcLis); err != nil {
			logger.Error("gRPC serve error", zap.Error(err))
		}
	}()

	httpPort := viper.GetInt("node.port")
	httpSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", httpPort),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("node HTTP listening", zap.Int("port", httpPort), zap.String("node_id", nodeID))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("HTTP listen error", zap.Error(err))
		}
	}()

	// ── Graceful shutdown ────────────────────────────────────────────────────
	<-quit
	logger.Info("shutting down node...")
	healthSvc.Shutdown()

	shutCtx, shutCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutCancel()

	if err := httpSrv.Shutdown(shutCtx); err != nil {
		logger.Error("HTTP shutdown error", zap.Error(err))
	}
	grpcServer.GracefulStop()

	// Stop background work only after in-flight writes have drained.
	cancel()
	if ledgerFeed != nil {
		if err := ledgerFeed.Close(); err != nil {
			logger.Warn("feed close error", zap.Error(err))
		}
	}

	logger.Info("node stopped")
	return nil
}

// containsWildcard returns true if origins includes "*".
func containsWildcard(origins []string) bool {
	for _, o := range origins {
		if strings.TrimSpace(o) == "*" {
			return true
		}
	}
	return false
}

// requestLogger returns a Gin middleware that logs each request with zap.
func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Info("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		)
	}
}

// loggingInterceptor returns a gRPC unary server interceptor that logs each call.
func loggingInterceptor(logger *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		logger.Debug("grpc",
			zap.String("method", info.FullMethod),
			zap.String("code", status.Code(err).String()),
			zap.Duration("latency", time.Since(start)),
		)
		return resp, err
	}
}
