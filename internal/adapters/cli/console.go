package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/MidknightMantra/MidKnight/internal/adapters/tui"
)

var consoleCmd = &cobra.Command{
	Use:   "console",
	Short: "Chat with the bot in the terminal",
	Long: `Run the bot against an interactive terminal instead of the bridge.

Typed lines are delivered as messages from --as. With --group the chat is a
group in which both the sender and the bot are admins. Logs are written to
console.log in the data directory.`,
	RunE: runConsole,
}

var (
	consoleAs    string
	consoleGroup bool
)

func init() {
	consoleCmd.Flags().StringVar(&consoleAs, "as", "", "phone number the messages come from (defaults to the first owner)")
	consoleCmd.Flags().BoolVar(&consoleGroup, "group", false, "simulate a group chat")
}

func runConsole(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(cfg.Storage.DataDir, 0o755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}
	logFile, err := os.OpenFile(filepath.Join(cfg.Storage.DataDir, "console.log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open console log: %w", err)
	}
	defer logFile.Close()
	logger := newLogger(cfg, logFile)

	as := consoleAs
	if as == "" && len(cfg.Bot.Owners) > 0 {
		as = cfg.Bot.Owners[0]
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	console := tui.NewConsole(tui.ConsoleOptions{
		As:       as,
		Group:    consoleGroup,
		Settings: cfg.BotSettings(),
	}, logger)

	app, err := newApp(ctx, cfg, logger, console)
	if err != nil {
		return err
	}
	console.AttachAdmin(app.Admin)

	runErr := console.Run(ctx, app.Dispatcher)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := app.Close(shutdownCtx); err != nil {
		logger.Error("Shutdown incomplete", "error", err)
	}
	return runErr
}
