package cmd

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/fabfab/lexray/chat"
)

var (
	askDocumentID string
	askIntent     string
	askFile       string
	askStream     bool
)

var askCmd = &cobra.Command{
	Use:   "ask [question]",
	Short: "Ask a question about an ingested document",
	Long: `Ask answers a question about one document. With --file the document is
ingested first, which is how the in-memory store is used from the CLI.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		question := ""
		if len(args) == 1 {
			question = args[0]
		}
		if strings.TrimSpace(question) == "" {
			fmt.Fprint(cmd.OutOrStdout(), "Enter your question: ")
			scanner := bufio.NewScanner(cmd.InOrStdin())
			if scanner.Scan() {
				question = scanner.Text()
			}
			if err := scanner.Err(); err != nil {
				return fmt.Errorf("read question: %w", err)
			}
		}

		intent, err := chat.ParseIntent(askIntent)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		documentID := askDocumentID
		if askFile != "" {
			result, err := a.documents().IngestFile(ctx, askFile, documentID)
			if err != nil {
				return fmt.Errorf("ingest %s: %w", askFile, err)
			}
			documentID = result.DocumentID
		}

		svc, err := a.answers(nil)
		if err != nil {
			return err
		}
		req := chat.Request{DocumentID: documentID, Question: question, Intent: intent}
		out := cmd.OutOrStdout()

		if !askStream {
			result, err := svc.Answer(ctx, req)
			if err != nil {
				return err
			}
			printAnswer(out, result, true)
			return nil
		}

		stream, err := svc.AnswerStream(ctx, req)
		if err != nil {
			return err
		}
		defer stream.Close()
		for token := range stream.Tokens() {
			fmt.Fprint(out, token)
		}
		result, err := stream.Result()
		if err != nil {
			fmt.Fprintln(out)
			return err
		}
		printAnswer(out, result, false)
		return nil
	},
}

// printAnswer writes the answer and its sources. Streamed text answers have
// already been printed token by token.
func printAnswer(out io.Writer, result chat.AnswerResult, withText bool) {
	switch {
	case result.Kind == chat.KindTable:
		fmt.Fprintln(out, result.FallbackText)
	case withText:
		fmt.Fprintln(out, result.Text)
	default:
		fmt.Fprintln(out)
	}

	if len(result.Sources) == 0 {
		return
	}
	fmt.Fprintf(out, "\nSources (%s):\n", result.Strategy)
	for _, src := range result.Sources {
		fmt.Fprintf(out, "  - %s#%d (%.1f%%)\n", src.DocumentID, src.ChunkIndex, src.Similarity*100)
	}
}

func init() {
	askCmd.Flags().StringVarP(&askDocumentID, "document", "d", "", "document id to ask about")
	askCmd.Flags().StringVar(&askIntent, "intent", "", "force an intent: table, generic or specific")
	askCmd.Flags().StringVar(&askFile, "file", "", "ingest this file before asking")
	askCmd.Flags().BoolVar(&askStream, "stream", false, "print the answer as it is generated")
	rootCmd.AddCommand(askCmd)
}
