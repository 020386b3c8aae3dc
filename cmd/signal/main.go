package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Hquestion/Paradone/internal/logger"
	sig "github.com/Hquestion/Paradone/internal/signal"
)

func main() {
	var (
		addr     string
		viewSize int
		level    string
	)

	root := &cobra.Command{
		Use:   "signal",
		Short: "Rendezvous service for the overlay",
		RunE: func(cmd *cobra.Command, args []string) error {
			log := logger.New(level)

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			go func() {
				sigCh := make(chan os.Signal, 1)
				signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
				<-sigCh
				cancel()
			}()

			server := sig.NewServer(viewSize, log)
			err := server.ListenAndServe(ctx, addr)
			if err == context.Canceled {
				return nil
			}
			return err
		},
	}
	root.Flags().StringVarP(&addr, "addr", "a", ":8090", "listen address")
	root.Flags().IntVar(&viewSize, "view-size", 10, "bootstrap view size")
	root.Flags().StringVar(&level, "log-level", "info", "log level")

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}
