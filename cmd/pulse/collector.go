package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"claude-pulse/internal/clock"
	"claude-pulse/internal/collector"
	"claude-pulse/internal/realtime"

	"github.com/spf13/cobra"
)

var addrFlag string

var collectorCmd = &cobra.Command{
	Use:   "collector",
	Short: "Receive daemon pushes and stream session changes to subscribers",
	RunE: func(cmd *cobra.Command, args []string) error {
		cc := cfg.Collector
		if cmd.Flags().Changed("addr") {
			cc.Addr = addrFlag
		}

		hub := realtime.NewHub(cc.MaxSubscribers, logger.With().Str("component", "hub").Logger())
		coll := collector.New(collector.Options{
			MaxSessions:      cc.MaxSessions,
			HeartbeatTimeout: cc.HeartbeatTimeout,
			LivenessInterval: cc.LivenessInterval,
			SweepInterval:    cc.SweepInterval,
			IdleAfter:        cc.IdleAfter,
			EvictAfter:       cc.EvictAfter,
			Clock:            clock.Real(),
		}, hub, logger.With().Str("component", "collector").Logger())
		srv := realtime.New(coll, hub, realtime.Options{
			MaxBodyBytes:      cc.MaxBodyBytes,
			KeepaliveInterval: cc.KeepaliveInterval,
		}, logger.With().Str("component", "http").Logger())

		httpServer := &http.Server{
			Addr:              cc.Addr,
			Handler:           srv.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}

		ctx, stop := shutdownContext(cmd.Context())
		defer stop()

		go coll.Run(ctx)
		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
			defer cancel()
			httpServer.Shutdown(shutdownCtx)
		}()

		logger.Info().Str("addr", cc.Addr).Msg("collector listening")
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		logger.Info().Msg("collector stopped")
		return nil
	},
}

func init() {
	collectorCmd.Flags().StringVar(&addrFlag, "addr", "", "listen address (default :8421)")
	rootCmd.AddCommand(collectorCmd)
}
