package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/halcyon-quant/trendbt/internal/api"
	"github.com/halcyon-quant/trendbt/internal/data"
	"github.com/halcyon-quant/trendbt/internal/metrics"
	"github.com/halcyon-quant/trendbt/internal/store"
	"github.com/halcyon-quant/trendbt/pkg/types"
)

func newServeCommand() *cobra.Command {
	var (
		host     string
		port     int
		dataDir  string
		storeDSN string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP/WebSocket API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := setupLogger(logLevel)
			defer logger.Sync()

			serverConfig := &types.ServerConfig{
				Host:         host,
				Port:         port,
				ReadTimeout:  30 * time.Second,
				WriteTimeout: 30 * time.Second,
			}

			var loader *data.Loader
			if dataDir != "" {
				loader = data.NewLoader(logger, dataDir)
			}

			if storeDSN == "" {
				storeDSN = os.Getenv("TRENDBT_STORE_DSN")
			}
			var st *store.Store
			if storeDSN != "" {
				var err error
				if st, err = store.Open(logger, storeDSN); err != nil {
					return err
				}
				defer st.Close()
			}

			server := api.NewServer(logger, serverConfig, loader, st, metrics.New())

			go func() {
				if err := server.Start(); err != nil {
					logger.Error("server error", zap.Error(err))
				}
			}()
			logger.Info("server started",
				zap.String("host", host),
				zap.Int("port", port),
				zap.Bool("persistence", st != nil),
			)

			sigChan := make(chan os.Signal, 1)
			signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
			<-sigChan
			logger.Info("shutdown signal received")

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			return server.Stop(shutdownCtx)
		},
	}

	cmd.Flags().StringVar(&host, "host", "localhost", "Server host")
	cmd.Flags().IntVar(&port, "port", 8080, "Server port")
	cmd.Flags().StringVarP(&dataDir, "data", "d", "", "Directory of per-symbol CSV files")
	cmd.Flags().StringVar(&storeDSN, "store-dsn", "", "Postgres DSN for run persistence (or TRENDBT_STORE_DSN)")
	return cmd
}
