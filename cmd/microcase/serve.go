package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/jxucoder/microcase"
	channelSlack "github.com/jxucoder/microcase/channel/slack"
	channelTelegram "github.com/jxucoder/microcase/channel/telegram"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the microcase server",
	Long: `Start the HTTP API that generates microcases from pull requests,
streams them over SSE and checks solutions. The Telegram and Slack bots
are started alongside when their tokens are configured.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().String("addr", ":8000", "Address to listen on")
	serveCmd.Flags().Bool("dev", false, "Use only the first review comment of each pull request")
	bindFlag("server.addr", serveCmd, "addr")
	bindFlag("dev_mode", serveCmd, "dev")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	app, err := microcase.NewBuilder().
		WithConfig(cfg).
		WithLogger(logger).
		Build()
	if err != nil {
		return fmt.Errorf("building app: %w", err)
	}

	if cfg.TelegramEnabled() {
		bot, err := channelTelegram.NewBot(cfg.TelegramBotToken, app.Engine(), logger)
		if err != nil {
			logger.Warn("failed to initialize Telegram bot", zap.Error(err))
		} else {
			app.AddChannel(bot)
			logger.Info("telegram bot enabled (long polling)")
		}
	}

	if cfg.SlackEnabled() {
		app.AddChannel(channelSlack.NewBot(cfg.SlackBotToken, cfg.SlackAppToken, app.Engine(), logger))
		logger.Info("slack bot enabled (socket mode)")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return app.Start(ctx)
}
