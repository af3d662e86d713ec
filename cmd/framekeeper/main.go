package main

import (
	"fmt"
	"os"
	"time"

	"framekeeper/internal/config"
	"framekeeper/internal/logging"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	// Global flags
	verbose     bool
	configPath  string
	debuggerURL string
	targetID    string
	timeout     time.Duration
	traceOut    bool

	cfg      *config.Config
	logger   *zap.Logger
	logLevel zap.AtomicLevel

	shutdownTracing = func() {}
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "framekeeper",
	Short: "framekeeper - live frame trees for Chromium pages",
	Long: `framekeeper attaches to a Chromium page over the DevTools protocol and keeps
an accurate, live model of its frames: out-of-process iframes, cross-process
navigations, prerender activation and the JavaScript contexts of every frame.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return err
		}
		if debuggerURL != "" {
			cfg.Browser.DebuggerURL = debuggerURL
		}
		if err := cfg.Validate(); err != nil {
			return err
		}

		logCfg := cfg.Logging
		if verbose {
			logCfg.Level = "debug"
		}
		logger, logLevel, err = logging.New(logCfg)
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}

		if traceOut {
			shutdownTracing, err = setupTracing(cmd.Context(), os.Stderr)
			if err != nil {
				return fmt.Errorf("failed to initialize tracing: %w", err)
			}
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		shutdownTracing()
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "framekeeper.yaml", "Config file")
	rootCmd.PersistentFlags().StringVar(&debuggerURL, "debugger-url", "", "Attach to a running browser instead of launching one")
	rootCmd.PersistentFlags().StringVar(&targetID, "target", "", "Page target to attach to (default: first page)")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 0, "Operation timeout (default: browser.timeout)")
	rootCmd.PersistentFlags().BoolVar(&traceOut, "trace", false, "Write OpenTelemetry spans to stderr")

	evalCmd.Flags().BoolVar(&evalUtility, "utility", false, "Evaluate in the isolated utility world")
	evalCmd.Flags().StringVar(&evalFrame, "frame", "", "Frame id (default: main frame)")
	treeCmd.Flags().BoolVar(&treeJSON, "json", false, "Print the tree as JSON")
	serveCmd.Flags().StringVar(&serveListen, "listen", "", "Listen address (default: inspect.listen)")

	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(treeCmd)
	rootCmd.AddCommand(evalCmd)
	rootCmd.AddCommand(serveCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
