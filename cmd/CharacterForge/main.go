package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/BTreeMap/CharacterForge/internal/api"
	"github.com/BTreeMap/CharacterForge/internal/flow"
	"github.com/BTreeMap/CharacterForge/internal/genai"
	"github.com/BTreeMap/CharacterForge/internal/lockfile"
	"github.com/BTreeMap/CharacterForge/internal/metrics"
	"github.com/BTreeMap/CharacterForge/internal/recovery"
	"github.com/BTreeMap/CharacterForge/internal/store"
	"github.com/BTreeMap/CharacterForge/internal/util"
	"github.com/BTreeMap/CharacterForge/internal/workflow"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for CharacterForge state data
	DefaultStateDir = "/var/lib/charforge"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "charforge.db"
	// DefaultJobPollInterval is how often the job runner looks for due generation jobs
	DefaultJobPollInterval = 2 * time.Second
	// DefaultSessionRetention is how long finished sessions stay in memory
	DefaultSessionRetention = 24 * time.Hour
)

func main() {
	// Load environment configuration
	config := loadEnvironmentConfig()

	// Initialize structured logger
	initializeLogger(config.LogLevel)

	// Parse command line flags
	flags, err := parseCommandLineFlags(flag.CommandLine, os.Args[1:], config)
	if err != nil {
		slog.Error("Failed to parse flags", "error", err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("Bootstrapping CharacterForge with configured modules")
	if err := run(ctx, flags); err != nil {
		slog.Error("CharacterForge failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("CharacterForge exited successfully")
}

// Config holds environment configuration
type Config struct {
	StateDir           string
	DatabaseURL        string
	RedisAddr          string
	OpenAIKey          string
	OpenAIModel        string
	APIAddr            string
	WorkflowConfig     string
	LogLevel           string
	SweepInterval      time.Duration
	SystemStateMaxWait time.Duration
	SessionRetention   time.Duration
	LazyTimeouts       bool
	GenAIDebug         bool
}

// Flags holds command line flag values
type Flags struct {
	stateDir           *string
	dbDSN              *string
	redisAddr          *string
	openaiKey          *string
	openaiModel        *string
	apiAddr            *string
	workflowConfig     *string
	sweepInterval      *time.Duration
	systemStateMaxWait *time.Duration
	sessionRetention   *time.Duration
	lazyTimeouts       *bool
	genaiDebug         *bool
}

// initializeLogger sets up structured logging at the configured level
func initializeLogger(level string) {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: parseLogLevel(level)}))
	slog.SetDefault(logger)
}

// parseLogLevel maps LOG_LEVEL values to slog levels. Unknown values select info.
func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	config := Config{
		StateDir:       util.GetEnv("CHARFORGE_STATE_DIR", DefaultStateDir),
		DatabaseURL:    os.Getenv("DATABASE_URL"),
		RedisAddr:      os.Getenv("REDIS_ADDR"),
		OpenAIKey:      os.Getenv("OPENAI_API_KEY"),
		OpenAIModel:    os.Getenv("OPENAI_MODEL"),
		APIAddr:        util.GetEnv("API_ADDR", api.DefaultServerAddress),
		WorkflowConfig: os.Getenv("WORKFLOW_CONFIG"),
		LogLevel:       util.GetEnv("LOG_LEVEL", "info"),
		// Zero durations mean "not set here"; the workflow file or built-in defaults apply.
		SweepInterval:      util.ParseDurationEnv("TIMEOUT_SWEEP_INTERVAL", 0),
		SystemStateMaxWait: util.ParseDurationEnv("SYSTEM_STATE_MAX_WAIT", 0),
		SessionRetention:   util.ParseDurationEnv("SESSION_RETENTION", 0),
		LazyTimeouts:       util.ParseBoolEnv("LAZY_TIMEOUTS", true),
		GenAIDebug:         util.ParseBoolEnv("GENAI_DEBUG", false),
	}

	slog.Debug("environment variables loaded",
		"CHARFORGE_STATE_DIR", config.StateDir,
		"DATABASE_URL_SET", config.DatabaseURL != "",
		"REDIS_ADDR", config.RedisAddr,
		"OPENAI_API_KEY_SET", config.OpenAIKey != "",
		"API_ADDR", config.APIAddr,
		"WORKFLOW_CONFIG", config.WorkflowConfig,
		"LAZY_TIMEOUTS", config.LazyTimeouts)

	return config
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(fs *flag.FlagSet, args []string, config Config) (Flags, error) {
	flags := Flags{
		stateDir:           fs.String("state-dir", config.StateDir, "state directory for CharacterForge data (overrides $CHARFORGE_STATE_DIR)"),
		dbDSN:              fs.String("db-dsn", config.DatabaseURL, "PostgreSQL URL or SQLite path (overrides $DATABASE_URL)"),
		redisAddr:          fs.String("redis-addr", config.RedisAddr, "Redis address for session storage (overrides $REDIS_ADDR)"),
		openaiKey:          fs.String("openai-api-key", config.OpenAIKey, "OpenAI API key (overrides $OPENAI_API_KEY)"),
		openaiModel:        fs.String("openai-model", config.OpenAIModel, "OpenAI chat model (overrides $OPENAI_MODEL)"),
		apiAddr:            fs.String("api-addr", config.APIAddr, "API server address (overrides $API_ADDR)"),
		workflowConfig:     fs.String("workflow-config", config.WorkflowConfig, "YAML workflow overrides file (overrides $WORKFLOW_CONFIG)"),
		sweepInterval:      fs.Duration("sweep-interval", config.SweepInterval, "timeout sweep interval (overrides $TIMEOUT_SWEEP_INTERVAL)"),
		systemStateMaxWait: fs.Duration("system-state-max-wait", config.SystemStateMaxWait, "watchdog for untimed system states, 0 disables (overrides $SYSTEM_STATE_MAX_WAIT)"),
		sessionRetention:   fs.Duration("session-retention", config.SessionRetention, "how long finished sessions stay in memory (overrides $SESSION_RETENTION)"),
		lazyTimeouts:       fs.Bool("lazy-timeouts", config.LazyTimeouts, "apply overdue timeouts on read (overrides $LAZY_TIMEOUTS)"),
		genaiDebug:         fs.Bool("genai-debug", config.GenAIDebug, "write generation requests to the state directory (overrides $GENAI_DEBUG)"),
	}

	if err := fs.Parse(args); err != nil {
		return Flags{}, err
	}

	slog.Debug("flags parsed",
		"stateDir", *flags.stateDir,
		"dbDSN_set", *flags.dbDSN != "",
		"redisAddr", *flags.redisAddr,
		"openaiKeySet", *flags.openaiKey != "",
		"apiAddr", *flags.apiAddr,
		"workflowConfig", *flags.workflowConfig)

	return flags, nil
}

// runtimeSettings are the durations left after merging flags, the workflow file and defaults.
type runtimeSettings struct {
	sweepInterval      time.Duration
	systemStateMaxWait time.Duration
	retention          time.Duration
}

// loadDefinition builds the workflow definition, applying the optional YAML overrides file.
func loadDefinition(flags Flags) (*workflow.Definition, runtimeSettings, error) {
	settings := runtimeSettings{
		sweepInterval:      *flags.sweepInterval,
		systemStateMaxWait: *flags.systemStateMaxWait,
		retention:          *flags.sessionRetention,
	}

	var opts []workflow.Option
	if path := *flags.workflowConfig; path != "" {
		fileCfg, err := workflow.LoadConfigFile(path)
		if err != nil {
			return nil, settings, err
		}
		if opts, err = fileCfg.Options(); err != nil {
			return nil, settings, err
		}
		if settings.sweepInterval == 0 {
			settings.sweepInterval = fileCfg.SweepInterval
		}
		if settings.systemStateMaxWait == 0 {
			settings.systemStateMaxWait = fileCfg.SystemStateMaxWait
		}
		if settings.retention == 0 {
			settings.retention = fileCfg.Retention
		}
		slog.Debug("Workflow overrides loaded", "path", path)
	}

	if settings.sweepInterval == 0 {
		settings.sweepInterval = flow.DefaultSweepInterval
	}
	if settings.retention == 0 {
		settings.retention = DefaultSessionRetention
	}

	def, err := workflow.NewDefinition(opts...)
	if err != nil {
		return nil, settings, err
	}
	for _, w := range def.Warnings() {
		slog.Warn("Workflow definition warning", "warning", w)
	}
	return def, settings, nil
}

// openStores selects the session store and the job repository. PostgreSQL and SQLite
// hold both; Redis holds sessions and jobs stay in memory.
func openStores(flags Flags, retention time.Duration) (store.Store, store.JobRepo, error) {
	dsn := *flags.dbDSN
	if dsn != "" && store.DetectDSNType(dsn) == "postgres" {
		slog.Debug("Detected PostgreSQL DSN, configuring PostgreSQL store", "dsn_type", "postgresql")
		pg, err := store.NewPostgresStore(store.WithPostgresDSN(dsn))
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open postgres store: %w", err)
		}
		return pg, pg, nil
	}

	if dsn == "" && *flags.redisAddr != "" {
		slog.Debug("Configuring Redis store", "addr", *flags.redisAddr)
		client := redis.NewClient(&redis.Options{Addr: *flags.redisAddr})
		if err := client.Ping(context.Background()).Err(); err != nil {
			client.Close()
			return nil, nil, fmt.Errorf("failed to reach redis at %s: %w", *flags.redisAddr, err)
		}
		slog.Warn("Generation jobs are kept in memory with the Redis store and do not survive restarts")
		return store.NewRedisStore(client, store.WithTerminalTTL(retention)), store.NewInMemoryStore(), nil
	}

	if dsn == "" {
		dsn = filepath.Join(*flags.stateDir, DefaultDBFileName)
	}
	slog.Debug("Configuring SQLite store", "dsn_type", "sqlite", "db_path", dsn)
	lite, err := store.NewSQLiteStore(store.WithSQLiteDSN(dsn))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open sqlite store: %w", err)
	}
	return lite, lite, nil
}

// buildEngineOptions constructs engine configuration options
func buildEngineOptions(flags Flags, settings runtimeSettings, m *metrics.Metrics) []flow.Option {
	return []flow.Option{
		flow.WithMetrics(m),
		flow.WithLazyTimeouts(*flags.lazyTimeouts),
		flow.WithSystemStateMaxWait(settings.systemStateMaxWait),
	}
}

// buildGenAIOptions constructs GenAI configuration options
func buildGenAIOptions(flags Flags) []genai.Option {
	var genaiOpts []genai.Option
	if *flags.openaiKey != "" {
		genaiOpts = append(genaiOpts, genai.WithAPIKey(*flags.openaiKey))
	}
	if *flags.openaiModel != "" {
		genaiOpts = append(genaiOpts, genai.WithModel(*flags.openaiModel))
	}
	if *flags.genaiDebug {
		genaiOpts = append(genaiOpts, genai.WithDebugMode(true, *flags.stateDir))
	}
	return genaiOpts
}

// buildAPIOptions constructs API server configuration options
func buildAPIOptions(flags Flags, m *metrics.Metrics) []api.Option {
	apiOpts := []api.Option{api.WithMetrics(m)}
	if *flags.apiAddr != "" {
		apiOpts = append(apiOpts, api.WithAddr(*flags.apiAddr))
	}
	return apiOpts
}

type backgroundRunner interface {
	Run(ctx context.Context)
}

// startBackground runs r in its own goroutine. The returned stop cancels r and blocks
// until Run has returned.
func startBackground(ctx context.Context, r backgroundRunner) (stop func()) {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		r.Run(ctx)
	}()
	return func() {
		cancel()
		<-done
	}
}

// run wires every module and blocks until ctx is cancelled or the API server fails.
func run(ctx context.Context, flags Flags) error {
	def, settings, err := loadDefinition(flags)
	if err != nil {
		return fmt.Errorf("invalid workflow configuration: %w", err)
	}

	if err := os.MkdirAll(*flags.stateDir, 0755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}
	lock, err := lockfile.Acquire(*flags.stateDir)
	if err != nil {
		return err
	}
	defer lock.Release()

	sessions, jobs, err := openStores(flags, settings.retention)
	if err != nil {
		return err
	}
	defer sessions.Close()

	m := metrics.New()
	engine := flow.NewEngine(def, flow.NewRegistry(def, sessions), buildEngineOptions(flags, settings, m)...)
	defer engine.Close()

	runner := store.NewJobRunner(jobs, DefaultJobPollInterval)
	rm := recovery.NewRecoveryManager()
	rm.RegisterRecoverable(recovery.NewJobRecovery(runner))

	var callbacks []recovery.SessionCallback
	if client, err := genai.NewClient(buildGenAIOptions(flags)...); err != nil {
		slog.Warn("Generation collaborator disabled", "error", err)
	} else {
		collab := genai.NewCollaborator(client, engine, runner, m)
		collab.Register()
		callbacks = append(callbacks, collab.Resume)
		slog.Info("Generation collaborator enabled")
	}
	rm.RegisterRecoverable(recovery.NewSessionRecovery(engine, callbacks...))

	if err := rm.RecoverAll(ctx); err != nil {
		// Partial recovery still leaves a usable service.
		slog.Error("Recovery finished with errors", "error", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	// The runner writes through jobs, so it must stop before the stores close.
	defer startBackground(runCtx, runner)()

	monitor := flow.NewTimeoutMonitor(engine, settings.sweepInterval, flow.WithRetention(settings.retention))
	monitor.Start(runCtx)
	defer monitor.Stop()

	server := api.NewServer(engine, buildAPIOptions(flags, m)...)
	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("api server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	slog.Info("Shutdown signal received")
	if err := server.Shutdown(context.Background()); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return nil
}
