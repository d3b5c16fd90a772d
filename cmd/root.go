package cmd

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
)

type rootOptions struct {
	configPath string
	logLevel   string
	logger     *slog.Logger
}

func NewRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "labasset",
		Short: "Lab asset cataloguing with vision LLMs, eLabFTW, and QR labels",
		Long: `labasset photographs a lab asset, asks a vision LLM to describe it against an
eLabFTW item template, commits the reviewed result as an eLabFTW item, and prints a
QR code label that links back to the item.

Run it interactively with "catalog" or drive it from a browser with "serve".`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// Load .env file if present (ignore errors)
			_ = godotenv.Load()

			if opts.configPath == "" {
				opts.configPath = os.Getenv("LABASSET_CONFIG")
			}
			if opts.configPath == "" {
				opts.configPath = "config.json"
			}

			logger, err := newLogger(cmd.ErrOrStderr(), opts.logLevel)
			if err != nil {
				return err
			}
			opts.logger = logger
			slog.SetDefault(logger)
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "Path to the JSON configuration file (env LABASSET_CONFIG)")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "info", "Log level: debug, info, warn, error")

	cmd.AddCommand(newServeCmd(opts))
	cmd.AddCommand(newCatalogCmd(opts))
	cmd.AddCommand(newTemplatesCmd(opts))
	cmd.AddCommand(newItemsCmd(opts))
	cmd.AddCommand(newHistoryCmd(opts))
	cmd.AddCommand(newLabelCmd(opts))
	cmd.AddCommand(newConfigCmd(opts))
	cmd.AddCommand(newInfoCmd(opts))

	return cmd
}

// newLogger uses a text handler on a terminal and JSON otherwise.
func newLogger(w io.Writer, level string) (*slog.Logger, error) {
	var lvl slog.Level
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		lvl = slog.LevelDebug
	case "", "info":
		lvl = slog.LevelInfo
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		return nil, fmt.Errorf("unknown log level %q", level)
	}

	handlerOpts := &slog.HandlerOptions{Level: lvl}
	if isTerminal(w) {
		return slog.New(slog.NewTextHandler(w, handlerOpts)), nil
	}
	return slog.New(slog.NewJSONHandler(w, handlerOpts)), nil
}

func isTerminal(v any) bool {
	file, ok := v.(*os.File)
	if !ok {
		return false
	}
	fd := file.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}
