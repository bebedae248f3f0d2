package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/zjrosen/tern/internal/bus"
	"github.com/zjrosen/tern/internal/config"
	"github.com/zjrosen/tern/internal/display"
	"github.com/zjrosen/tern/internal/log"
	"github.com/zjrosen/tern/internal/script"
	"github.com/zjrosen/tern/internal/stream"
	"github.com/zjrosen/tern/internal/tracing"
	"github.com/zjrosen/tern/internal/watcher"
)

func init() {
	// Force lipgloss/termenv to query terminal background color BEFORE
	// any Bubble Tea program starts. This prevents the terminal's OSC 11
	// response from racing with Bubble Tea's input loop and appearing as
	// garbage text in input fields.
	//
	// See: https://github.com/charmbracelet/bubbletea/issues/1036
	_ = lipgloss.HasDarkBackground()
}

var (
	version = "dev"
	cfgFile string
	cfg     config.Config
)

var rootCmd = &cobra.Command{
	Use:     "tern",
	Short:   "A coordinated terminal transcript for streamed model output",
	Long: `Tern runs an in-process event bus and stream coordinator that turn
raw token-by-token output, side messages, and status changes into one
ordered, duplicate-free terminal transcript. Without arguments it
replays the built-in demo scenario; pass --script to replay your own.`,
	Version: version,
	RunE:    runApp,
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "",
		"config file (default: ~/.config/tern/config.yaml)")
	rootCmd.Flags().StringP("script", "s", "",
		"scenario file to replay (default: built-in demo)")
	rootCmd.Flags().Bool("debug", false,
		"write a debug log to .tern/debug.log")

	// Bind flags to viper
	_ = viper.BindPFlag("script", rootCmd.Flags().Lookup("script"))
	_ = viper.BindPFlag("debug", rootCmd.Flags().Lookup("debug"))
}

func initConfig() {
	defaults := config.Defaults()
	viper.SetDefault("bus.dedup_window", defaults.Bus.DedupWindow)
	viper.SetDefault("bus.coalesce_interval", defaults.Bus.CoalesceInterval)
	viper.SetDefault("bus.buffer_size", defaults.Bus.BufferSize)
	viper.SetDefault("stream.duplicate_prefix_len", defaults.Stream.DuplicatePrefixLen)
	viper.SetDefault("stream.duplicate_similarity", defaults.Stream.DuplicateSimilarity)
	viper.SetDefault("tracing.enabled", defaults.Tracing.Enabled)
	viper.SetDefault("tracing.exporter", defaults.Tracing.Exporter)
	viper.SetDefault("tracing.otlp_endpoint", defaults.Tracing.OTLPEndpoint)
	viper.SetDefault("tracing.sample_rate", defaults.Tracing.SampleRate)
	viper.SetDefault("tracing.service_name", defaults.Tracing.ServiceName)

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		// Config lookup order:
		// 1. .tern/config.yaml (current directory)
		// 2. ~/.config/tern/config.yaml (user config)
		if _, err := os.Stat(".tern/config.yaml"); err == nil {
			viper.SetConfigFile(".tern/config.yaml")
		} else {
			home, _ := os.UserHomeDir()
			viper.AddConfigPath(filepath.Join(home, ".config", "tern"))
			viper.SetConfigName("config")
			viper.SetConfigType("yaml")
		}
	}

	if err := viper.ReadInConfig(); err != nil {
		// No config file found anywhere - create default at .tern/config.yaml
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			defaultPath := ".tern/config.yaml"
			if writeErr := config.WriteDefaultConfig(defaultPath); writeErr == nil {
				viper.SetConfigFile(defaultPath)
				_ = viper.ReadInConfig()
			}
			// If write fails, just continue with defaults (no config file)
		}
	}

	_ = viper.Unmarshal(&cfg)
}

func runApp(cmd *cobra.Command, args []string) error {
	if err := config.Validate(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if cfg.Debug {
		logPath := cfg.LogFile
		if logPath == "" {
			logPath = ".tern/debug.log"
		}
		if err := os.MkdirAll(filepath.Dir(logPath), 0o750); err == nil {
			if cleanup, err := log.Init(logPath); err == nil {
				defer cleanup()
			}
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	provider, err := tracing.NewProvider(cfg.Tracing)
	if err != nil {
		return fmt.Errorf("initializing tracing: %w", err)
	}
	defer func() { _ = provider.Shutdown(context.Background()) }()

	b := bus.New(bus.Config{
		DedupWindow:      cfg.Bus.DedupWindow,
		CoalesceInterval: cfg.Bus.CoalesceInterval,
		BufferSize:       cfg.Bus.BufferSize,
	})
	defer b.Close()

	coord := stream.Attach(b, stream.Policy{
		PrefixLen:           cfg.Stream.DuplicatePrefixLen,
		SimilarityThreshold: cfg.Stream.DuplicateSimilarity,
	})

	if provider.Enabled() {
		obs := tracing.Observe(b, provider)
		defer obs.Close()
	}

	if w := startConfigWatcher(ctx, b, coord); w != nil {
		defer func() { _ = w.Stop() }()
	}

	scenario, err := loadScenario()
	if err != nil {
		return err
	}

	model := display.New(ctx, b.Watch(ctx))
	p := tea.NewProgram(model, tea.WithAltScreen())

	go func() {
		playErr := script.NewPlayer(b).Play(ctx, scenario)
		if ctx.Err() == nil {
			p.Send(display.PlaybackDone(playErr))
		}
	}()

	if _, err := p.Run(); err != nil {
		return fmt.Errorf("running program: %w", err)
	}
	return nil
}

// loadScenario picks the configured scenario file, falling back to the
// built-in demo.
func loadScenario() (*script.Scenario, error) {
	if cfg.Script == "" {
		return script.Demo(), nil
	}
	s, err := script.Load(cfg.Script)
	if err != nil {
		return nil, fmt.Errorf("loading scenario: %w", err)
	}
	return s, nil
}

// startConfigWatcher live-reloads the bus and policy tunables when the
// config file changes. Returns nil when no config file is in use.
func startConfigWatcher(ctx context.Context, b *bus.Bus, coord *stream.Coordinator) *watcher.Watcher {
	path := viper.ConfigFileUsed()
	if path == "" {
		return nil
	}

	w, err := watcher.New(watcher.DefaultConfig(path))
	if err != nil {
		log.ErrorErr(log.CatWatch, "config watcher unavailable", err)
		return nil
	}
	onChange, err := w.Start()
	if err != nil {
		log.ErrorErr(log.CatWatch, "config watcher failed to start", err, "path", path)
		_ = w.Stop()
		return nil
	}

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-onChange:
				if !ok {
					return
				}
				if err := viper.ReadInConfig(); err != nil {
					log.ErrorErr(log.CatConfig, "reload failed", err, "path", path)
					continue
				}
				var next config.Config
				if err := viper.Unmarshal(&next); err != nil {
					log.ErrorErr(log.CatConfig, "reload unmarshal failed", err)
					continue
				}
				if err := config.Validate(next); err != nil {
					log.ErrorErr(log.CatConfig, "reload rejected", err)
					continue
				}
				b.SetTunables(next.Bus.DedupWindow, next.Bus.CoalesceInterval)
				coord.SetPolicy(stream.Policy{
					PrefixLen:           next.Stream.DuplicatePrefixLen,
					SimilarityThreshold: next.Stream.DuplicateSimilarity,
				})
				log.Info(log.CatConfig, "config reloaded", "path", path)
			}
		}
	}()
	return w
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

// SetVersion sets the version string (called from main with ldflags)
func SetVersion(v string) {
	version = v
	rootCmd.Version = v
}
