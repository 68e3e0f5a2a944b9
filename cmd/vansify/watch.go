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
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/vaanskii/vansify"
)

var watchMetricsAddr string

func init() {
	watchCmd.Flags().StringVar(&watchMetricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (overrides metrics.addr)")
	rootCmd.AddCommand(watchCmd)
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stay connected and print live updates",
	Long:  "Open the presence, notification and chat channels and print every change until interrupted.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		s, err := openSession(ctx)
		if err != nil {
			return err
		}
		defer s.logger.Sync()

		realtime, err := s.cfg.Realtime.toRealtime()
		if err != nil {
			return err
		}
		cache, err := openCache(s.cfg)
		if err != nil {
			return err
		}

		reg := prometheus.NewRegistry()
		metrics := vansify.NewMetrics(reg)

		engine := vansify.NewEngine(s.cfg.Default.BaseURL, s.auth,
			vansify.WithBackend(s.client),
			vansify.WithEngineCache(cache),
			vansify.WithEngineLogger(s.logger),
			vansify.WithEngineMetrics(metrics),
			vansify.WithEngineRealtime(realtime),
			vansify.WithEngineShowEmptyChats(s.cfg.Default.ShowEmptyChats),
		)
		defer engine.Close()

		printEvents(engine.Bus)

		addr := valueOrDefault(watchMetricsAddr, s.cfg.Metrics.Addr)
		if addr != "" {
			srv := serveMetrics(addr, reg, s.logger)
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = srv.Shutdown(shutdownCtx)
			}()
		}

		if err := engine.Start(ctx); err != nil {
			return err
		}
		fmt.Printf("Watching as %s (%d chats, %d notifications). Ctrl-C to stop.\n",
			s.auth.Username(), engine.Chats.Len(), engine.Notifications.Len())

		<-ctx.Done()
		fmt.Println("\nDisconnecting...")
		engine.Logout()
		return nil
	},
}

func serveMetrics(addr string, reg *prometheus.Registry, logger *zap.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server", zap.Error(err))
		}
	}()
	logger.Info("serving metrics", zap.String("addr", addr))
	return srv
}

// printEvents subscribes a printer for the events a person watching cares
// about.
func printEvents(bus *vansify.EventBus) {
	vansify.On(bus, vansify.TopicChannelState, func(c vansify.StateChange) {
		fmt.Printf("[%s] %s -> %s\n", c.Channel, c.From, c.To)
	})
	vansify.On(bus, vansify.TopicChatUpdated, func(c vansify.ChatSummary) {
		fmt.Printf("[chat] %s: %s (%d unread)\n", c.Counterpart, c.LastMessage, c.UnreadCount)
	})
	vansify.On(bus, vansify.TopicChatDeleted, func(d vansify.ChatDeleted) {
		fmt.Printf("[chat] %s deleted\n", d.ChatID)
	})
	vansify.On(bus, vansify.TopicNotificationUpdated, func(n vansify.NotificationRecord) {
		fmt.Printf("[notification] %s\n", n.Message)
	})
	vansify.On(bus, vansify.TopicPresenceUpdated, func(users []vansify.ActiveUser) {
		fmt.Printf("[presence] %d online\n", len(users))
	})
	vansify.On(bus, vansify.TopicMutationError, func(err *vansify.MutationError) {
		fmt.Fprintf(os.Stderr, "[error] %v\n", err)
	})
	for _, ch := range vansify.Channels() {
		kind := ch.Kind
		vansify.On(bus, ch.Topics.Failed, func(vansify.ChannelEvent) {
			fmt.Fprintf(os.Stderr, "[%s] gave up reconnecting, restart watch to retry\n", kind)
		})
	}
}
