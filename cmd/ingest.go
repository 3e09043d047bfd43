package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var ingestDocumentID string

var ingestCmd = &cobra.Command{
	Use:   "ingest <file>...",
	Short: "Parse, chunk and embed documents",
	Long: `Ingest reads PDF or text files, splits them into table and text chunks,
embeds them and stores them. Re-ingesting a document replaces its chunks.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if ingestDocumentID != "" && len(args) > 1 {
			return fmt.Errorf("--id can only be used with a single file")
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		svc := a.documents()
		for _, path := range args {
			result, err := svc.IngestFile(ctx, path, ingestDocumentID)
			if err != nil {
				return fmt.Errorf("ingest %s: %w", path, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %d chunks (%d table, %d text) from %d pages\n",
				result.DocumentID, result.Chunks, result.TableChunks, result.TextChunks, result.Pages)
		}
		return nil
	},
}

func init() {
	ingestCmd.Flags().StringVar(&ingestDocumentID, "id", "", "document id (defaults to the file name without extension)")
	rootCmd.AddCommand(ingestCmd)
}
