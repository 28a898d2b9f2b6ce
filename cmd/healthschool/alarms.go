package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	healthschool "github.com/Health-School/health-school-sub001"
)

var metricsAddr string

func init() {
	alarmsWatchCmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address (e.g. :9090)")
	alarmsCmd.AddCommand(alarmsWatchCmd)
	alarmsCmd.AddCommand(alarmsReadCmd)
	alarmsCmd.AddCommand(alarmsDeleteCmd)
	rootCmd.AddCommand(alarmsCmd)
}

var alarmsCmd = &cobra.Command{
	Use:   "alarms",
	Short: "Notification stream commands",
}

var alarmsWatchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stream notifications until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		logger := newLogger(logLevel)
		client, err := getClient(cfg, logger)
		if err != nil {
			return err
		}

		var metrics *healthschool.Metrics
		if metricsAddr != "" {
			reg := prometheus.NewRegistry()
			metrics = healthschool.NewMetrics(reg)
			srv := startMetricsServer(metricsAddr, reg, logger)
			defer srv.Close()
		}

		rc, err := realtimeConfig(cfg, logger, metrics)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		out := cmd.OutOrStdout()
		stream := client.Realtime.Alarms(rc)
		stream.OnAlarm(func(n healthschool.NotificationItem) {
			tl := stream.Timeline()
			fmt.Fprintf(out, "[%s] %s: %s (%d unread)\n", n.ID, n.Title, n.Message, tl.UnreadCount())
			if n.URL != "" {
				fmt.Fprintf(out, "        %s\n", n.URL)
			}
		})
		stream.OnStateChange(func(ch healthschool.StateChange) {
			switch {
			case ch.To == healthschool.StateExhaustedRetries:
				fmt.Fprintln(out, "Cannot connect to the notification server, giving up.")
			case ch.To == healthschool.StateUnauthorized:
				fmt.Fprintln(out, "Session rejected, run 'healthschool init' with a fresh token.")
			}
		})

		if err := stream.Start(ctx, ""); err != nil {
			return err
		}
		defer stream.Stop()

		select {
		case <-ctx.Done():
		case <-stream.Done():
		}
		if state := stream.State(); state.Failed() {
			return stream.Err()
		}
		return nil
	},
}

var alarmsReadCmd = &cobra.Command{
	Use:   "read <alarm-id>",
	Short: "Mark a notification as read",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withAlarms(cmd, func(ctx context.Context, a *healthschool.AlarmsClient) error {
			if err := a.Read(ctx, args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Marked %s as read\n", args[0])
			return nil
		})
	},
}

var alarmsDeleteCmd = &cobra.Command{
	Use:   "delete <alarm-id>",
	Short: "Delete a notification",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withAlarms(cmd, func(ctx context.Context, a *healthschool.AlarmsClient) error {
			if err := a.Delete(ctx, args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s\n", args[0])
			return nil
		})
	},
}

func withAlarms(cmd *cobra.Command, fn func(context.Context, *healthschool.AlarmsClient) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	client, err := getClient(cfg, newLogger(logLevel))
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
	defer cancel()
	return fn(ctx, client.Alarms)
}

func startMetricsServer(addr string, reg *prometheus.Registry, logger zerolog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Str("addr", addr).Msg("metrics server stopped")
		}
	}()
	logger.Info().Str("addr", addr).Msg("serving metrics")
	return srv
}
