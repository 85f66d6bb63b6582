package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"

	"chat-gateway/handler"
	appconfig "chat-gateway/internal/config"
	"chat-gateway/internal/integrations/openai"
	"chat-gateway/internal/integrations/paramstore"
	"chat-gateway/internal/logging"
	"chat-gateway/internal/repository"
	"chat-gateway/internal/usecase"
)

const shutdownTimeout = 15 * time.Second

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ---- Configuration (read only here) ----
	cfg, err := appconfig.Load()
	if err != nil {
		slog.Error("invalid configuration", "err", err)
		os.Exit(1)
	}
	logger, err := logging.New(os.Stdout, cfg.LogLevel)
	if err != nil {
		slog.Error("invalid log level", "err", err)
		os.Exit(1)
	}
	slog.SetDefault(logger)

	awsCfg := lazyAWSConfig(ctx)

	// ---- State store ----
	store, closeStore, err := openStore(ctx, cfg, awsCfg)
	if err != nil {
		logger.Error("failed to open state store", "backend", cfg.StoreBackend, "err", err)
		os.Exit(1)
	}
	defer closeStore()
	if err := store.Ping(ctx); err != nil {
		logger.Error("state store unreachable", "backend", cfg.StoreBackend, "err", err)
		os.Exit(1)
	}

	// ---- Clients ----
	apiKey, err := resolveAPIKey(ctx, cfg, func() (tokenSource, error) {
		awsConf, err := awsCfg()
		if err != nil {
			return nil, err
		}
		return paramstore.New(awsssm.NewFromConfig(awsConf))
	})
	if err != nil {
		logger.Error("failed to resolve OpenAI API key", "err", err)
		os.Exit(1)
	}
	openaiClient, err := openai.NewClient(apiKey,
		openai.WithBaseURL(cfg.OpenAIBaseURL),
		openai.WithHTTPClient(&http.Client{Timeout: cfg.UpstreamTimeout()}),
	)
	if err != nil {
		logger.Error("failed to create OpenAI client", "err", err)
		os.Exit(1)
	}

	// ---- Services ----
	models, err := usecase.NewModelRegistry(store, cfg.ModelTTL())
	if err != nil {
		logger.Error("failed to create model registry", "err", err)
		os.Exit(1)
	}
	conversations, err := usecase.NewConversationManager(store, cfg.ConversationTTL())
	if err != nil {
		logger.Error("failed to create conversation manager", "err", err)
		os.Exit(1)
	}
	completion, err := usecase.NewCompletionService(openaiClient, models, conversations)
	if err != nil {
		logger.Error("failed to create completion service", "err", err)
		os.Exit(1)
	}

	// ---- Handler ----
	h, err := handler.NewHandler(models, conversations, completion, handler.WithLogger(logger))
	if err != nil {
		logger.Error("failed to create handler", "err", err)
		os.Exit(1)
	}

	if os.Getenv("AWS_LAMBDA_FUNCTION_NAME") != "" {
		lambda.Start(h.Handle)
		return
	}
	if err := serve(ctx, logger, cfg.HTTPAddr, h); err != nil {
		logger.Error("server failed", "err", err)
		os.Exit(1)
	}
}

// serve runs the HTTP server until ctx is cancelled, then drains in-flight
// requests.
func serve(ctx context.Context, logger *slog.Logger, addr string, h http.Handler) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting HTTP server", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	return nil
}

type awsConfigFunc func() (aws.Config, error)

// lazyAWSConfig loads the AWS SDK config on first use, so the redis and
// sqlite backends run without AWS credentials.
func lazyAWSConfig(ctx context.Context) awsConfigFunc {
	var (
		cfg    aws.Config
		err    error
		loaded bool
	)
	return func() (aws.Config, error) {
		if !loaded {
			cfg, err = config.LoadDefaultConfig(ctx)
			loaded = true
		}
		return cfg, err
	}
}

func openStore(ctx context.Context, cfg appconfig.Config, awsCfg awsConfigFunc) (repository.Store, func(), error) {
	switch cfg.StoreBackend {
	case appconfig.BackendRedis:
		c, err := repository.NewRedisFromOptions(repository.RedisOptions{
			Host:     cfg.RedisHost,
			Port:     cfg.RedisPort,
			DB:       cfg.RedisDB,
			Password: cfg.RedisPassword,
		})
		if err != nil {
			return nil, nil, err
		}
		return c, func() { _ = c.Close() }, nil
	case appconfig.BackendDynamoDB:
		awsConf, err := awsCfg()
		if err != nil {
			return nil, nil, fmt.Errorf("load AWS config: %w", err)
		}
		c, err := repository.NewDynamo(awsdynamodb.NewFromConfig(awsConf), cfg.StateTable)
		if err != nil {
			return nil, nil, err
		}
		return c, func() {}, nil
	case appconfig.BackendSQLite:
		db, err := repository.OpenSQLite(cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		c, err := repository.NewSQLite(ctx, db)
		if err != nil {
			_ = db.Close()
			return nil, nil, err
		}
		return c, func() { _ = db.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}
}

type tokenSource interface {
	Token(ctx context.Context, name string) (string, error)
}

// resolveAPIKey prefers OPENAI_API_KEY and otherwise reads the key from the
// parameter store under PARAM_PREFIX.
func resolveAPIKey(ctx context.Context, cfg appconfig.Config, params func() (tokenSource, error)) (string, error) {
	if key := strings.TrimSpace(cfg.OpenAIAPIKey); key != "" {
		return key, nil
	}
	if strings.TrimSpace(cfg.ParamPrefix) == "" {
		return "", errors.New("OPENAI_API_KEY or PARAM_PREFIX must be set")
	}
	src, err := params()
	if err != nil {
		return "", fmt.Errorf("create parameter store client: %w", err)
	}
	return src.Token(ctx, cfg.APIKeyParameter())
}
