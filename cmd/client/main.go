package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/omochice/toy-stream-chat/internal/client"
	"github.com/omochice/toy-stream-chat/internal/config"
	"github.com/omochice/toy-stream-chat/internal/console"
	"github.com/omochice/toy-stream-chat/internal/logging"
	"github.com/omochice/toy-stream-chat/internal/metrics"
	"github.com/omochice/toy-stream-chat/internal/session"
)

var (
	configPath  string
	metricsAddr string
)

var rootCmd = &cobra.Command{
	Use:           "client",
	Short:         "Chat with a streaming assistant over WebSocket",
	Long:          "Connects to the chat backend, sends each input line as a prompt and streams the reply. Type 'quit' or 'exit' to leave.",
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          run,
}

func init() {
	flags := rootCmd.Flags()
	flags.StringVarP(&configPath, "config", "c", "", "config file (default: ./lyra.yaml)")
	flags.String("endpoint", config.DefaultEndpoint, "WebSocket endpoint of the chat stream")
	flags.Duration("reconnect-delay", config.DefaultReconnectDelay, "pause before reconnecting after a drop")
	flags.Duration("reply-timeout", 0, "abandon a reply after this long without frames (0 disables)")
	flags.String("log-level", "warn", "log level (debug, info, warn, error)")
	flags.StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	v, err := config.Read(configPath)
	if err != nil {
		return err
	}
	// Keep the console readable unless asked otherwise.
	v.SetDefault("log.level", "warn")
	for key, flag := range map[string]string{
		"client.endpoint":        "endpoint",
		"client.reconnect_delay": "reconnect-delay",
		"client.reply_timeout":   "reply-timeout",
		"log.level":              "log-level",
	} {
		if err := v.BindPFlag(key, cmd.Flags().Lookup(flag)); err != nil {
			return err
		}
	}
	cfg, err := config.Decode(v)
	if err != nil {
		return err
	}

	logger, err := logging.New(cfg.Log, os.Stderr)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts := []client.Option{client.WithLogger(logger)}
	if metricsAddr != "" {
		reg := prometheus.NewRegistry()
		opts = append(opts, client.WithMetrics(metrics.NewClient(reg)))
		go serveMetrics(ctx, metricsAddr, reg, logger)
	}

	c := client.New(client.Config{
		Endpoint:        cfg.Client.Endpoint,
		DialTimeout:     cfg.Client.DialTimeout,
		ReconnectDelay:  cfg.Client.ReconnectDelay,
		ReplyTimeout:    cfg.Client.ReplyTimeout,
		Greeting:        cfg.Client.Greeting,
		EndReplyOnError: cfg.Client.EndReplyOnError,
	}, console.New(os.Stdout), opts...)

	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	fmt.Println("Type your messages (or 'quit' to exit):")
	go func() {
		readPrompts(ctx, os.Stdin, c, logger)
		stop()
	}()

	return <-done
}

// readPrompts sends each non-empty line of r until EOF, quit or exit.
func readPrompts(ctx context.Context, r io.Reader, c *client.Client, logger zerolog.Logger) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		if text == "quit" || text == "exit" {
			return
		}

		err := c.SendPrompt(ctx, text)
		switch {
		case err == nil:
		case errors.Is(err, session.ErrNotConnected):
			fmt.Fprintln(os.Stderr, "Not connected, message dropped.")
		case errors.Is(err, client.ErrClosed), errors.Is(err, context.Canceled):
			return
		default:
			logger.Error().Err(err).Msg("Failed to send prompt")
		}
	}
	if err := scanner.Err(); err != nil {
		logger.Error().Err(err).Msg("Error reading input")
	}
}

func serveMetrics(ctx context.Context, addr string, reg *prometheus.Registry, logger zerolog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		srv.Close()
	}()
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error().Err(err).Str("addr", addr).Msg("Metrics server failed")
	}
}
