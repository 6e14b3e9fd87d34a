package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/goliatone/go-router"
	"github.com/lavet13/tour-sub000"
	"github.com/lavet13/tour-sub000/activitymap"
	"github.com/lavet13/tour-sub000/notify"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

type Config struct {
	Addr             string               `mapstructure:"addr"`
	MetricsAddr      string               `mapstructure:"metrics_addr"`
	Debug            bool                 `mapstructure:"debug"`
	HashedAccountIDs bool                 `mapstructure:"hashed_account_ids"`
	Database         auth.DatabaseOptions `mapstructure:"database"`
	Auth             auth.Options         `mapstructure:"auth"`
	Notify           NotifyConfig         `mapstructure:"notify"`
}

type NotifyConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	BaseURL  string        `mapstructure:"base_url"`
	Timeout  time.Duration `mapstructure:"timeout"`
	Attempts int           `mapstructure:"attempts"`
}

func main() {
	configPath := flag.String("config", "", "path to a config file")
	flag.Parse()

	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}

	if err := run(cfg, logger); err != nil {
		logger.Fatal("authd", zap.Error(err))
	}
}

func loadConfig(path string) (*Config, error) {
	v := viper.New()

	defaults := auth.DefaultOptions()
	v.SetDefault("addr", ":8080")
	v.SetDefault("metrics_addr", ":9090")
	v.SetDefault("debug", false)
	v.SetDefault("hashed_account_ids", false)
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "file:tour.db?cache=shared")
	v.SetDefault("database.debug", false)
	v.SetDefault("database.ping_timeout", auth.DefaultPingTimeout)
	v.SetDefault("auth.signing_key", "")
	v.SetDefault("auth.bot_token", "")
	v.SetDefault("auth.issuer", defaults.Issuer)
	v.SetDefault("auth.audience", defaults.Audience)
	v.SetDefault("auth.access_token_ttl", defaults.AccessTokenTTL)
	v.SetDefault("auth.refresh_token_ttl", defaults.RefreshTokenTTL)
	v.SetDefault("auth.freshness_window", defaults.FreshnessWindow)
	v.SetDefault("auth.compensation_attempts", defaults.CompensationAttempts)
	v.SetDefault("auth.cookie.access_name", defaults.Cookie.AccessName)
	v.SetDefault("auth.cookie.refresh_name", defaults.Cookie.RefreshName)
	v.SetDefault("auth.cookie.path", defaults.Cookie.Path)
	v.SetDefault("auth.cookie.same_site", defaults.Cookie.SameSite)
	v.SetDefault("auth.cookie.secure", defaults.Cookie.Secure)
	v.SetDefault("auth.cookie.http_only", defaults.Cookie.HTTPOnly)
	v.SetDefault("notify.enabled", false)
	v.SetDefault("notify.base_url", notify.DefaultBotAPIURL)
	v.SetDefault("notify.timeout", notify.DefaultTimeout)
	v.SetDefault("notify.attempts", notify.DefaultAttempts)

	v.SetEnvPrefix("AUTHD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, err
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Auth.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func run(cfg *Config, zl *zap.Logger) error {
	ctx := context.Background()
	logger := auth.NewZapLogger(zl)

	client, err := auth.OpenPersistence(ctx, cfg.Database, auth.NewZapLogger(zl.Named("persistence")))
	if err != nil {
		return err
	}
	db := client.DB()
	defer db.Close()

	if err := auth.Migrate(ctx, client); err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	repo := auth.NewRepositoryManager(db)
	repo.MustValidate()

	sinks := auth.ActivitySinks{activitymap.ZapSink(zl.Named("activity"))}

	var notifier *notify.Notifier
	if cfg.Notify.Enabled {
		notifier = notify.New(
			notify.NewStoreRecipients(db),
			notify.NewTelegramTransport(cfg.Auth.BotToken, notify.WithBaseURL(cfg.Notify.BaseURL)),
			notify.WithLogger(logger),
			notify.WithTimeout(cfg.Notify.Timeout),
			notify.WithAttempts(cfg.Notify.Attempts),
			notify.WithRegisterer(reg),
		)
		defer notifier.Close()
		sinks = append(sinks, notify.NewActivityForwarder(notifier))
	}

	tokens := auth.NewTokenIssuer(cfg.Auth, auth.WithTokenLogger(logger))
	service := auth.NewSessionService(repo, cfg.Auth,
		auth.WithTokenService(tokens),
		auth.WithReconciler(auth.NewIdentityReconciler(repo, auth.WithReconcilerLogger(logger))),
		auth.WithSessionLogger(logger),
		auth.WithActivitySink(sinks),
		auth.WithMetrics(auth.NewMetrics(reg)),
		auth.WithHashedAccountIDs(cfg.HashedAccountIDs),
	)

	srv := router.NewFiberAdapter(func(a *fiber.App) *fiber.App {
		return router.DefaultFiberOptions(fiber.New(fiber.Config{
			UnescapePath:  true,
			StrictRouting: false,
			AppName:       "authd",
		}))
	})

	controller := auth.RegisterAuthRoutes(srv.Router(),
		auth.WithSessionService(service),
		auth.WithCookieOptions(cfg.Auth.Cookie),
		auth.WithControllerLogger(logger),
		auth.WithControllerDebug(cfg.Debug),
	)

	srv.Router().Post("/admin/accounts/:id/revoke", func(ctx router.Context) error {
		return revokeSessions(ctx, service)
	}, controller.RequireRoles(auth.RoleAdmin)).SetName("admin.accounts.revoke")

	metricsSrv := &http.Server{
		Addr:              cfg.MetricsAddr,
		Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zl.Error("metrics server", zap.Error(err))
		}
	}()

	go func() {
		if err := srv.Serve(cfg.Addr); err != nil {
			zl.Error("http server", zap.Error(err))
		}
	}()
	zl.Info("authd listening", zap.String("addr", cfg.Addr), zap.String("metrics", cfg.MetricsAddr))

	sig := WaitExitSignal()
	zl.Info("shutting down", zap.String("signal", sig.String()))

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zl.Error("http shutdown", zap.Error(err))
	}
	return metricsSrv.Shutdown(shutdownCtx)
}

func WaitExitSignal() os.Signal {
	ch := make(chan os.Signal, 3)
	signal.Notify(ch,
		syscall.SIGINT,
		syscall.SIGQUIT,
		syscall.SIGTERM,
	)
	return <-ch
}
