package cmd

import (
	"bufio"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/fabfab/lexray/config"
	"github.com/fabfab/lexray/database"
)

var clearConfirmed bool

var deleteCmd = &cobra.Command{
	Use:   "delete <document-id>",
	Short: "Remove a document's chunks",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		removed, err := a.documents().Delete(ctx, args[0])
		if err != nil {
			return err
		}
		if removed == 0 {
			return fmt.Errorf("document %q not found", args[0])
		}
		fmt.Fprintf(cmd.OutOrStdout(), "deleted %d chunks of %s\n", removed, args[0])
		return nil
	},
}

var clearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Remove every stored chunk from Postgres",
	RunE: func(cmd *cobra.Command, _ []string) error {
		if !clearConfirmed {
			fmt.Fprint(cmd.OutOrStdout(), "This will permanently delete all ingested chunks. Continue? [y/N]: ")
			scanner := bufio.NewScanner(cmd.InOrStdin())
			if !scanner.Scan() {
				if err := scanner.Err(); err != nil {
					return fmt.Errorf("read confirmation: %w", err)
				}
				fmt.Fprintln(cmd.OutOrStdout(), "clear aborted")
				return nil
			}
			answer := strings.ToLower(strings.TrimSpace(scanner.Text()))
			if answer != "y" && answer != "yes" {
				fmt.Fprintln(cmd.OutOrStdout(), "clear aborted")
				return nil
			}
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if cfg.Store != config.StorePostgres {
			return fmt.Errorf("clear only applies to the postgres store")
		}

		pool, err := database.NewPostgresPool(ctx, cfg.PostgresDSN)
		if err != nil {
			return fmt.Errorf("postgres connection: %w", err)
		}
		defer pool.Close()

		if err := database.TruncateChunks(ctx, pool); err != nil {
			return err
		}
		logger := newLogger(cfg.Log, nil)
		logger.Info().Msg("cleared all stored chunks")
		return nil
	},
}

func init() {
	clearCmd.Flags().BoolVar(&clearConfirmed, "confirm", false, "skip confirmation prompt")
	rootCmd.AddCommand(deleteCmd, clearCmd)
}
