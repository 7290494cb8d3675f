package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/MarkoPoloResearchLab/tripsync/internal/events"
	"github.com/MarkoPoloResearchLab/tripsync/internal/events/rabbitmq"
	"github.com/MarkoPoloResearchLab/tripsync/internal/grpcserver"
	"github.com/MarkoPoloResearchLab/tripsync/internal/httpapi"
	"github.com/MarkoPoloResearchLab/tripsync/internal/mockbackend"
	"github.com/MarkoPoloResearchLab/tripsync/internal/syncd"
	"github.com/MarkoPoloResearchLab/tripsync/pkg/session"
)

const (
	flagDatabaseURL          = "database-url"
	flagRedisTTL             = "redis-ttl"
	flagHTTPListenAddr       = "http-listen-addr"
	flagGRPCListenAddr       = "grpc-listen-addr"
	flagAllowedOrigins       = "allowed-origins"
	flagJWTSigningKey        = "jwt-signing-key"
	flagJWTIssuer            = "jwt-issuer"
	flagJWTCookieName        = "jwt-cookie-name"
	flagAMQPURL              = "amqp-url"
	flagAMQPExchange         = "amqp-exchange"
	flagDemoCard             = "demo-card"
	flagDemoBalance          = "demo-balance"
	flagActiveInterval       = "active-trip-interval"
	flagIdleInterval         = "idle-trip-interval"
	flagNotificationInterval = "notification-interval"
	flagPollInBackground     = "poll-in-background"
	flagCutoff               = "cutoff"
	flagTimezone             = "timezone"
	flagPenalty              = "penalty"
	envPrefix                = "TRIPSYNC"

	defaultDatabaseURL    = "sqlite:///tmp/tripsync.db"
	defaultHTTPListenAddr = ":8080"
	defaultGRPCListenAddr = ":7070"
	defaultAMQPExchange   = "tripsync.events"
	defaultDemoCard       = "card-demo"
	defaultDemoBalance    = 100
)

type runtimeConfig struct {
	DatabaseURL    string
	RedisTTL       time.Duration
	GRPCListenAddr string
	AMQPURL        string
	AMQPExchange   string
	DemoCard       string
	DemoBalance    int64
	HTTP           httpapi.Config
	Engine         syncd.Config
}

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "tripsyncd: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := &runtimeConfig{}
	cmd := &cobra.Command{
		Use:           "tripsyncd",
		Short:         "Trip status sync and deadline closure daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			if err := loadDotEnv(); err != nil {
				return err
			}
			return loadConfig(cmd, cfg)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runDaemon(ctx, cfg)
		},
	}

	defaults := syncd.DefaultConfig()
	cmd.Flags().String(flagDatabaseURL, defaultDatabaseURL, "session store: sqlite://, postgres://, pgx://, redis:// or memory")
	cmd.Flags().Duration(flagRedisTTL, 0, "expiry of redis session entries (0 keeps them)")
	cmd.Flags().String(flagHTTPListenAddr, defaultHTTPListenAddr, "HTTP listen address")
	cmd.Flags().String(flagGRPCListenAddr, defaultGRPCListenAddr, "gRPC health listen address")
	cmd.Flags().String(flagAllowedOrigins, "", "comma-separated list of allowed CORS origins")
	cmd.Flags().String(flagJWTSigningKey, "", "TAuth JWT signing key (required)")
	cmd.Flags().String(flagJWTIssuer, "tauth", "expected JWT issuer")
	cmd.Flags().String(flagJWTCookieName, "app_session", "JWT cookie name")
	cmd.Flags().String(flagAMQPURL, "", "RabbitMQ URL for trip events (optional)")
	cmd.Flags().String(flagAMQPExchange, defaultAMQPExchange, "RabbitMQ topic exchange")
	cmd.Flags().String(flagDemoCard, defaultDemoCard, "card seeded into the in-memory backend")
	cmd.Flags().Int64(flagDemoBalance, defaultDemoBalance, "initial balance of the demo card")
	cmd.Flags().Duration(flagActiveInterval, defaults.ActiveTripInterval, "trip poll interval while a trip is active")
	cmd.Flags().Duration(flagIdleInterval, defaults.IdleTripInterval, "trip poll interval while idle")
	cmd.Flags().Duration(flagNotificationInterval, defaults.NotificationInterval, "notification poll interval")
	cmd.Flags().Bool(flagPollInBackground, false, "keep polling while the host app is in the background")
	cmd.Flags().String(flagCutoff, defaults.CutoffSpec, "cron spec of the daily trip cutoff")
	cmd.Flags().String(flagTimezone, "local", "time zone of the cutoff")
	cmd.Flags().Int64(flagPenalty, defaults.PenaltyUnits, "fare charged by a forced closure")

	return cmd
}

func loadDotEnv() error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load .env: %w", err)
	}
	return nil
}

func loadConfig(cmd *cobra.Command, cfg *runtimeConfig) error {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	flagNames := []string{
		flagDatabaseURL, flagRedisTTL, flagHTTPListenAddr, flagGRPCListenAddr, flagAllowedOrigins,
		flagJWTSigningKey, flagJWTIssuer, flagJWTCookieName, flagAMQPURL, flagAMQPExchange,
		flagDemoCard, flagDemoBalance, flagActiveInterval, flagIdleInterval, flagNotificationInterval,
		flagPollInBackground, flagCutoff, flagTimezone, flagPenalty,
	}
	for _, flagName := range flagNames {
		if err := v.BindPFlag(flagName, cmd.Flags().Lookup(flagName)); err != nil {
			return err
		}
	}

	cfg.DatabaseURL = strings.TrimSpace(v.GetString(flagDatabaseURL))
	if cfg.DatabaseURL == "" {
		cfg.DatabaseURL = defaultDatabaseURL
	}
	cfg.RedisTTL = v.GetDuration(flagRedisTTL)
	cfg.GRPCListenAddr = strings.TrimSpace(v.GetString(flagGRPCListenAddr))
	cfg.AMQPURL = strings.TrimSpace(v.GetString(flagAMQPURL))
	cfg.AMQPExchange = strings.TrimSpace(v.GetString(flagAMQPExchange))
	cfg.DemoCard = strings.TrimSpace(v.GetString(flagDemoCard))
	cfg.DemoBalance = v.GetInt64(flagDemoBalance)

	cfg.HTTP = httpapi.Config{
		ListenAddr:        strings.TrimSpace(v.GetString(flagHTTPListenAddr)),
		AllowedOrigins:    httpapi.ParseAllowedOrigins(v.GetString(flagAllowedOrigins)),
		SessionSigningKey: v.GetString(flagJWTSigningKey),
		SessionIssuer:     strings.TrimSpace(v.GetString(flagJWTIssuer)),
		SessionCookieName: strings.TrimSpace(v.GetString(flagJWTCookieName)),
	}

	cfg.Engine = syncd.DefaultConfig()
	cfg.Engine.ActiveTripInterval = v.GetDuration(flagActiveInterval)
	cfg.Engine.IdleTripInterval = v.GetDuration(flagIdleInterval)
	cfg.Engine.NotificationInterval = v.GetDuration(flagNotificationInterval)
	cfg.Engine.PollInBackground = v.GetBool(flagPollInBackground)
	cfg.Engine.CutoffSpec = strings.TrimSpace(v.GetString(flagCutoff))
	cfg.Engine.Timezone = strings.TrimSpace(v.GetString(flagTimezone))
	cfg.Engine.PenaltyUnits = v.GetInt64(flagPenalty)

	if cfg.GRPCListenAddr == "" {
		return fmt.Errorf("%s is required", flagGRPCListenAddr)
	}
	if cfg.AMQPURL != "" && cfg.AMQPExchange == "" {
		return fmt.Errorf("%s is required with %s", flagAMQPExchange, flagAMQPURL)
	}
	if _, err := session.NewCardID(cfg.DemoCard); err != nil {
		return fmt.Errorf("%s: %w", flagDemoCard, err)
	}
	if err := cfg.Engine.Validate(); err != nil {
		return err
	}
	return cfg.HTTP.Validate()
}

func runDaemon(ctx context.Context, cfg *runtimeConfig) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	values, cleanup, err := openStore(ctx, cfg.DatabaseURL, cfg.RedisTTL)
	if err != nil {
		return fmt.Errorf("session store: %w", err)
	}
	defer func() { _ = cleanup() }()

	var publisher events.Publisher
	if cfg.AMQPURL != "" {
		amqpPublisher, err := rabbitmq.Dial(cfg.AMQPURL, cfg.AMQPExchange, logger.Named("amqp"))
		if err != nil {
			return fmt.Errorf("event publisher: %w", err)
		}
		defer amqpPublisher.Close()
		publisher = amqpPublisher
	}

	backend := mockbackend.New()
	backend.AddCard(cfg.DemoCard, session.AmountFromUnits(cfg.DemoBalance))

	health := grpcserver.NewHealthReporter(logger.Named("health"))
	health.Track(syncd.TripPollerName, syncd.NotificationPollerName)

	engine, err := syncd.New(cfg.Engine, syncd.Dependencies{
		Trips:         backend,
		Taps:          backend,
		Recharges:     backend,
		Balances:      backend,
		Notifications: backend,
		Values:        values,
		Publisher:     publisher,
		Logger:        logger,
		RunState:      health.RunStateListener(),
	})
	if err != nil {
		return fmt.Errorf("engine init: %w", err)
	}
	defer engine.Close()

	lis, err := net.Listen("tcp", cfg.GRPCListenAddr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	serveCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	errCh := make(chan error, 2)
	go func() {
		logger.Info("gRPC health server starting", zap.String("listen_addr", cfg.GRPCListenAddr))
		errCh <- health.Serve(serveCtx, lis)
	}()
	go func() {
		errCh <- httpapi.Run(serveCtx, cfg.HTTP, engine, logger.Named("http"))
	}()
	logger.Info("tripsyncd ready", zap.String("demo_card", cfg.DemoCard), zap.String("store", storeScheme(cfg.DatabaseURL)))

	var (
		serveErr error
		received int
	)
	select {
	case <-ctx.Done():
		logger.Info("shutdown requested")
	case serveErr = <-errCh:
		received++
	}
	cancel()
	for ; received < cap(errCh); received++ {
		if err := <-errCh; err != nil && serveErr == nil {
			serveErr = err
		}
	}
	return serveErr
}
