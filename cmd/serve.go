package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/fabfab/lexray/api"
	"github.com/fabfab/lexray/metrics"
)

const shutdownTimeout = 15 * time.Second

var (
	serveAddr     string
	serveAllowAll bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		recorder := metrics.NewRecorder()
		answers, err := a.answers(recorder)
		if err != nil {
			return err
		}

		addr := a.cfg.HTTPAddr
		if serveAddr != "" {
			addr = serveAddr
		}
		handler := api.New(api.Config{AllowAll: serveAllowAll}, answers, a.documents(), a.store, recorder, a.logger.With().Str("component", "api").Logger())
		srv := &http.Server{
			Addr:              addr,
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
		}

		errCh := make(chan error, 1)
		go func() {
			a.logger.Info().Str("addr", addr).Str("store", a.cfg.Store).Str("llm", a.cfg.LLM.Provider+"/"+a.cfg.LLM.Model).Msg("http server listening")
			errCh <- srv.ListenAndServe()
		}()

		select {
		case err := <-errCh:
			if !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server: %w", err)
			}
			return nil
		case <-ctx.Done():
		}

		a.logger.Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		return nil
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "listen address (defaults to http_addr)")
	serveCmd.Flags().BoolVar(&serveAllowAll, "cors-allow-all", false, "accept requests from any origin")
	rootCmd.AddCommand(serveCmd)
}
