// Package daemon provides the ETL service daemon for threatstash.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/threatstash/threatstash/internal/cli"
	"github.com/threatstash/threatstash/internal/config"
	"github.com/threatstash/threatstash/internal/constants"
	"github.com/threatstash/threatstash/internal/database"
	"github.com/threatstash/threatstash/internal/extractor"
	"github.com/threatstash/threatstash/internal/malshare"
	"github.com/threatstash/threatstash/internal/metrics"
	"github.com/threatstash/threatstash/internal/pipeline"
	"github.com/threatstash/threatstash/internal/runner"
	"github.com/threatstash/threatstash/internal/service"
	"github.com/threatstash/threatstash/internal/transformer"
)

// App represents the application.
type App struct {
	cmd    *cobra.Command
	viper  *viper.Viper
	config appConfig

	daemon *service.Service

	ready chan struct{}
}

// appConfig holds the configuration for the application.
type appConfig struct {
	Verbosity int
	JSONLogs  bool

	BaseURL        string
	APIKey         string
	RequestTimeout time.Duration
	MaxRetries     int
	RateLimitDelay time.Duration

	SampleLimit int
	RunInterval time.Duration

	MetricsConfig metrics.Config
	DBconfig      database.Config

	RuntimeConfigPath string
	MigrationsDir     string

	ConfigPath string
}

// New creates a new App instance with default values.
func New() (*App, error) {
	a := App{ready: make(chan struct{})}

	a.cmd = &cobra.Command{
		Use:           constants.CmdName,
		Short:         "threatstash malware sample metadata ETL service",
		Long: "threatstash ETL service extracts malware sample metadata from the MalShare API, " +
			"normalizes it into canonical records and loads them into a PostgreSQL database.",
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// Command parsing has been successful. Returns to not print usage anymore.
			a.cmd.SilenceUsage = true
			cli.SetSlog(a.config.Verbosity, a.config.JSONLogs) // Set verbosity before loading config
			if err := cli.InitViperConfig(constants.CmdName, a.cmd, a.viper); err != nil {
				return err
			}
			if err := a.viper.Unmarshal(&a.config); err != nil {
				return fmt.Errorf("unable to strictly decode configuration into struct: %w", err)
			}

			cli.SetSlog(a.config.Verbosity, a.config.JSONLogs) // Update logging after loading config if necessary
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			a.cmd.SilenceUsage = true

			return a.run()
		},
	}
	a.viper = viper.New()
	a.cmd.CompletionOptions.HiddenDefaultCmd = true

	installRootCmd(&a)
	installMigrateCmd(&a)
	cli.InstallConfigFlag(a.cmd)

	if err := a.viper.BindPFlags(a.cmd.PersistentFlags()); err != nil {
		return nil, err
	}

	a.installVersion()

	return &a, nil
}

func installRootCmd(app *App) {
	cmd := app.cmd

	cmd.PersistentFlags().CountVarP(&app.config.Verbosity, "verbose", "v", "issue INFO (-v), DEBUG (-vv)")
	cmd.PersistentFlags().BoolVar(&app.config.JSONLogs, "json-logs", false, "enable JSON formatted logs")

	// Remote API flags
	cmd.Flags().StringVar(&app.config.BaseURL, "base-url", constants.DefaultBaseURL, "base URL of the MalShare API")
	cmd.Flags().StringVar(&app.config.APIKey, "api-key", "", "MalShare API key (required)")
	cmd.Flags().DurationVar(&app.config.RequestTimeout, "request-timeout", constants.DefaultRequestTimeout, "timeout for a single API request")
	cmd.Flags().IntVar(&app.config.MaxRetries, "max-retries", constants.DefaultMaxRetries, "number of attempts per API request")
	cmd.Flags().DurationVar(&app.config.RateLimitDelay, "rate-limit-delay", constants.DefaultRateLimitDelay, "delay between API requests and base retry backoff")

	// Pipeline flags
	cmd.Flags().IntVar(&app.config.SampleLimit, "sample-limit", constants.DefaultSampleLimit, "maximum number of samples per run")
	cmd.Flags().DurationVar(&app.config.RunInterval, "run-interval", 0, "interval between runs, 0 runs the pipeline once and exits")
	cmd.Flags().StringVar(&app.config.RuntimeConfigPath, "runtime-config", "", "path to a runtime configuration file, reloaded between runs")

	// Metrics server flags
	cmd.Flags().DurationVar(&app.config.MetricsConfig.ReadTimeout, "read-timeout", 5*time.Second, "read timeout for the metrics HTTP server")
	cmd.Flags().DurationVar(&app.config.MetricsConfig.WriteTimeout, "write-timeout", 10*time.Second, "write timeout for the metrics HTTP server")
	cmd.Flags().StringVar(&app.config.MetricsConfig.Host, "metrics-host", "", "host for the metrics endpoint")
	cmd.Flags().IntVar(&app.config.MetricsConfig.Port, "metrics-port", 2113, "port for the metrics endpoint")

	addDBFlags(cmd, &app.config.DBconfig)
}

func addDBFlags(cmd *cobra.Command, config *database.Config) {
	cmd.Flags().StringVar(&config.Host, "db-host", "", "database host")
	cmd.Flags().IntVarP(&config.Port, "db-port", "p", 5432, "database port")
	cmd.Flags().StringVarP(&config.User, "db-user", "u", "", "database user")
	cmd.Flags().StringVarP(&config.Password, "db-password", "P", "", "database password")
	cmd.Flags().StringVarP(&config.DBName, "db-name", "n", "", "database name")
	cmd.Flags().StringVarP(&config.SSLMode, "db-sslmode", "s", "", "database SSL mode")
}

// Run executes the command and associated process, returning an error if any.
func (a App) Run() error {
	return a.cmd.Execute()
}

// UsageError returns if the error is a command parsing or runtime one.
func (a App) UsageError() bool {
	return !a.cmd.SilenceUsage
}

// Hup prints all goroutine stack traces and return false to signal you shouldn't quit.
func (a App) Hup() (shouldQuit bool) {
	buf := make([]byte, 1<<16)
	runtime.Stack(buf, true)
	fmt.Printf("%s", buf)
	return false
}

// Quit gracefully shuts down the daemon.
func (a *App) Quit() {
	a.WaitReady()
	if a.daemon != nil {
		a.daemon.Quit(false)
	}
}

// WaitReady waits for the daemon to be ready.
func (a *App) WaitReady() {
	<-a.ready
}

// RootCmd returns the root command.
func (a App) RootCmd() cobra.Command {
	return *a.cmd
}

func (a *App) run() (err error) {
	// The credential check must fail before any network or store access.
	client, err := malshare.New(malshare.Config{
		BaseURL:    a.config.BaseURL,
		APIKey:     a.config.APIKey,
		Timeout:    a.config.RequestTimeout,
		MaxRetries: a.config.MaxRetries,
		RetryDelay: a.config.RateLimitDelay,
	})
	if err != nil {
		return fmt.Errorf("failed to create API client: %w", err)
	}

	db, err := database.Connect(context.Background(), a.config.DBconfig)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %v", err)
	}
	defer func() {
		if cerr := db.Close(); cerr != nil {
			slog.Error("Failed to close database connection", "err", cerr)
			err = errors.Join(err, cerr)
		}
	}()

	registry := prometheus.NewRegistry()
	pipe, err := pipeline.New(extractor.New(client), transformer.New(), db, pipeline.Config{
		SampleLimit: a.config.SampleLimit,
		Delay:       a.config.RateLimitDelay,
	}, registry)
	if err != nil {
		return fmt.Errorf("failed to create pipeline: %v", err)
	}

	runnerCfg := runner.Config{
		Interval:    a.config.RunInterval,
		SampleLimit: a.config.SampleLimit,
	}
	var r *runner.Runner
	if a.config.RuntimeConfigPath != "" {
		cm := config.New(a.config.RuntimeConfigPath)
		if err := cm.Load(); err != nil {
			return fmt.Errorf("failed to load runtime configuration: %v", err)
		}
		r, err = runner.New(pipe, cm, db, runnerCfg, registry)
	} else {
		r, err = runner.New(pipe, nil, db, runnerCfg, registry)
	}
	if err != nil {
		return fmt.Errorf("failed to create pipeline runner: %v", err)
	}

	metricsServer := metrics.New(a.config.MetricsConfig, registry)

	a.daemon = service.New(context.Background(), r, metricsServer)
	close(a.ready)

	return a.daemon.Run()
}
