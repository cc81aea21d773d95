// marketbot is the Facebook Messenger marketplace bot for the Tân Dậu
// community: webhook intake, conversation routing, flows, anti-spam, and the
// admin takeover surface.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/tandaumarket/marketbot/internal/alerts"
	"github.com/tandaumarket/marketbot/internal/antispam"
	"github.com/tandaumarket/marketbot/internal/api"
	"github.com/tandaumarket/marketbot/internal/flow"
	"github.com/tandaumarket/marketbot/internal/lockfile"
	"github.com/tandaumarket/marketbot/internal/messenger"
	"github.com/tandaumarket/marketbot/internal/models"
	"github.com/tandaumarket/marketbot/internal/pipeline"
	"github.com/tandaumarket/marketbot/internal/router"
	"github.com/tandaumarket/marketbot/internal/scheduler"
	"github.com/tandaumarket/marketbot/internal/state"
	"github.com/tandaumarket/marketbot/internal/store"
	"github.com/tandaumarket/marketbot/internal/takeover"
	"github.com/tandaumarket/marketbot/internal/util"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for marketbot state data
	DefaultStateDir = "/var/lib/marketbot"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "marketbot.db"
	// spamPolicyAdminOnly selects the simplified admin-only gate
	spamPolicyAdminOnly = "admin_only"
	// spamPolicyRateLimit selects the full rate/streak gate
	spamPolicyRateLimit = "rate_limit"
)

// Config holds environment configuration
type Config struct {
	DatabaseURL string
	StateDir    string
	APIAddr     string
	PageToken   string
	VerifyToken string
	AdminToken  string
	SpamPolicy  string
}

func main() {
	initializeLogger()

	config := loadEnvironmentConfig()

	stateDir := flag.String("state-dir", config.StateDir, "state directory for lock and SQLite files")
	dbDSN := flag.String("db-dsn", config.DatabaseURL, "database DSN (postgres:// URL, key=value pairs, or SQLite path)")
	apiAddr := flag.String("api-addr", config.APIAddr, "API listen address")
	spamPolicy := flag.String("spam-policy", config.SpamPolicy, "anti-spam policy: admin_only or rate_limit")
	flag.Parse()

	// One instance per state directory.
	lock, err := lockfile.AcquireLock(*stateDir)
	if err != nil {
		slog.Error("Failed to acquire state directory lock", "error", err)
		os.Exit(1)
	}
	defer lock.Release()

	st, err := openStore(*stateDir, *dbDSN)
	if err != nil {
		slog.Error("Failed to open store", "error", err)
		os.Exit(1)
	}

	msgClient, err := messenger.NewClient(messenger.WithPageToken(config.PageToken))
	if err != nil {
		slog.Error("Failed to create Messenger client", "error", err)
		os.Exit(1)
	}

	gate := takeover.NewGate(st)
	resolver := state.NewResolver(st)
	spam := buildSpamPolicy(*spamPolicy, st, gate)
	reporter := buildReporter()

	pipe := buildPipeline(st, msgClient, resolver, gate, spam, reporter)

	sched := scheduler.NewScheduler()
	defer sched.Stop()
	scheduleMaintenance(sched, st, spam)

	srv, err := api.NewServer(pipe, st, gate,
		api.WithAddr(*apiAddr),
		api.WithVerifyToken(config.VerifyToken),
		api.WithAdminToken(config.AdminToken))
	if err != nil {
		slog.Error("Failed to create API server", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("Starting marketbot", "addr", *apiAddr, "spam_policy", *spamPolicy)
	if err := srv.Run(ctx); err != nil {
		slog.Error("marketbot failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("marketbot exited successfully")
}

// initializeLogger sets up structured logging; LOG_LEVEL=debug enables debug.
func initializeLogger() {
	level := slog.LevelInfo
	if strings.EqualFold(os.Getenv("LOG_LEVEL"), "debug") {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	config := Config{
		DatabaseURL: os.Getenv("DATABASE_URL"),
		StateDir:    os.Getenv("MARKETBOT_STATE_DIR"),
		APIAddr:     os.Getenv("API_ADDR"),
		PageToken:   os.Getenv("MESSENGER_PAGE_TOKEN"),
		VerifyToken: os.Getenv("VERIFY_TOKEN"),
		AdminToken:  os.Getenv("ADMIN_API_TOKEN"),
		SpamPolicy:  os.Getenv("SPAM_POLICY"),
	}

	if config.StateDir == "" {
		config.StateDir = DefaultStateDir
		slog.Debug("No MARKETBOT_STATE_DIR set, using default", "default_state_dir", config.StateDir)
	}
	if config.APIAddr == "" {
		config.APIAddr = api.DefaultAddr
	}
	if config.SpamPolicy == "" {
		config.SpamPolicy = spamPolicyAdminOnly
	}

	slog.Debug("environment variables loaded",
		"DATABASE_URL_SET", config.DatabaseURL != "",
		"MARKETBOT_STATE_DIR", config.StateDir,
		"API_ADDR", config.APIAddr,
		"MESSENGER_PAGE_TOKEN_SET", config.PageToken != "",
		"VERIFY_TOKEN_SET", config.VerifyToken != "",
		"ADMIN_API_TOKEN_SET", config.AdminToken != "",
		"SPAM_POLICY", config.SpamPolicy)

	return config
}

// openStore selects the backend by DSN shape: postgres:// URLs and key=value
// DSNs get Postgres, anything else is treated as a SQLite path; no DSN
// defaults to SQLite in the state directory.
func openStore(stateDir, dsn string) (store.Store, error) {
	if dsn == "" {
		dsn = filepath.Join(stateDir, DefaultDBFileName)
		slog.Debug("No database DSN provided, defaulting to SQLite", "sqlite_path", dsn)
	}
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") || strings.Contains(dsn, "=") {
		slog.Info("Using PostgreSQL store")
		return store.NewPostgresStore(store.WithDSN(dsn))
	}
	slog.Info("Using SQLite store", "path", dsn)
	return store.NewSQLiteStore(store.WithDSN(dsn))
}

// buildSpamPolicy selects the anti-spam strategy; limits of the rate-limit
// policy are tunable via environment.
func buildSpamPolicy(name string, st store.Store, gate *takeover.Gate) antispam.Policy {
	switch name {
	case spamPolicyRateLimit:
		cfg := antispam.RateLimitConfig{
			PerMinuteLimit:     util.ParseIntEnv("SPAM_PER_MINUTE_LIMIT", antispam.DefaultPerMinuteLimit),
			PerHourLimit:       util.ParseIntEnv("SPAM_PER_HOUR_LIMIT", antispam.DefaultPerHourLimit),
			IdenticalStreak:    util.ParseIntEnv("SPAM_IDENTICAL_STREAK", antispam.DefaultIdenticalStreak),
			NonButtonThreshold: util.ParseIntEnv("SPAM_NON_BUTTON_THRESHOLD", antispam.DefaultNonButtonThreshold),
			BlockCooldown:      util.ParseDurationEnv("SPAM_BLOCK_COOLDOWN", antispam.DefaultBlockCooldown),
		}
		return antispam.NewRateLimitPolicy(st, cfg)
	case spamPolicyAdminOnly:
	default:
		slog.Error("Unknown spam policy, falling back to admin_only", "policy", name)
	}
	return antispam.NewAdminOnlyPolicy(gate)
}

// buildReporter wires Twilio SMS alerting when configured, no-op otherwise.
func buildReporter() alerts.Reporter {
	if os.Getenv("TWILIO_ACCOUNT_SID") == "" {
		slog.Info("Twilio not configured, admin alerting disabled")
		return alerts.NopReporter{}
	}
	reporter, err := alerts.NewTwilioReporter()
	if err != nil {
		slog.Error("Failed to create Twilio reporter, admin alerting disabled", "error", err)
		return alerts.NopReporter{}
	}
	return reporter
}

// buildPipeline assembles the flow registry, router, and processing pipeline.
// Registration order of flows is semantically significant: it is the trigger
// match order.
func buildPipeline(st store.Store, msgClient messenger.Service, resolver *state.Resolver,
	gate *takeover.Gate, spam antispam.Policy, reporter alerts.Reporter) *pipeline.Pipeline {

	var rt *router.Router
	pipe := pipeline.New(st, msgClient,
		func(ctx context.Context, ev models.Event) { rt.Dispatch(ctx, ev) },
		pipeline.WithMaxConcurrent(int64(util.ParseIntEnv("MAX_CONCURRENT_MESSAGES", pipeline.DefaultMaxConcurrent))),
	)

	deps := flow.Deps{Store: st, Msg: pipe.Sender()}
	flows := flow.NewRegistry()
	flows.Register(flow.NewRegistrationFlow(deps))
	flows.Register(flow.NewListingFlow(deps))
	flows.Register(flow.NewSearchFlow(deps))
	flows.Register(flow.NewCommunityFlow(deps))

	rt = router.New(router.Deps{
		Store:    st,
		Msg:      pipe.Sender(),
		Resolver: resolver,
		Takeover: gate,
		Spam:     spam,
		Flows:    flows,
		Reporter: reporter,
	})
	return pipe
}

// scheduleMaintenance registers the periodic jobs: anti-spam sweeps when the
// rate-limit policy is active, and the daily membership expiry pass.
func scheduleMaintenance(sched *scheduler.Scheduler, st store.Store, spam antispam.Policy) {
	if sweeper, ok := spam.(scheduler.Sweeper); ok {
		if err := sched.AddSweepJob(scheduler.DefaultSweepSchedule, sweeper); err != nil {
			slog.Error("Failed to schedule anti-spam sweep", "error", err)
		}
	}
	if err := sched.AddMembershipExpiryJob(scheduler.DefaultExpirySchedule, st); err != nil {
		slog.Error("Failed to schedule membership expiry", "error", err)
	}
}
