package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"
	"unicode/utf8"

	"github.com/spf13/cobra"

	"provcert/internal/certificate"
	"provcert/internal/contenthash"
	"provcert/internal/editlog"
)

var (
	ingestUser    string
	ingestTitle   string
	ingestContent string
)

var ingestCmd = &cobra.Command{
	Use:   "ingest <document-id> <events.jsonl|->",
	Short: "Store a document's edit events",
	Long: `Read edit events as JSON lines and append them to a document's log.

Each line is an object with clientId, eventType, timestamp, textBefore,
textAfter and editorStateAfter. Events already stored under the same
clientId are skipped.

--content sets the document body from an editor JSON file and --title its
title; either one creates or updates the document record. A document that
does not exist yet needs --content.`,
	Args: cobra.ExactArgs(2),
	RunE: runIngest,
}

func init() {
	ingestCmd.Flags().StringVarP(&ingestUser, "user", "u", "", "owning user ID")
	ingestCmd.Flags().StringVar(&ingestTitle, "title", "", "document title")
	ingestCmd.Flags().StringVar(&ingestContent, "content", "", "editor JSON file with the current document body")
	ingestCmd.MarkFlagRequired("user")
	rootCmd.AddCommand(ingestCmd)
}

func openInput(path string) (io.ReadCloser, error) {
	if path == "-" {
		return io.NopCloser(os.Stdin), nil
	}
	return os.Open(path)
}

func runIngest(cmd *cobra.Command, args []string) error {
	docID, src := args[0], args[1]

	in, err := openInput(src)
	if err != nil {
		return err
	}
	defer in.Close()
	events, err := editlog.DecodeJSONLines(in, docID)
	if err != nil {
		return fmt.Errorf("%s: %w", src, err)
	}

	a, err := loadApp()
	if err != nil {
		return err
	}
	defer a.Close()
	ctx := cmd.Context()

	doc, err := a.store.Document(ctx, docID)
	switch {
	case errors.Is(err, certificate.ErrDocumentNotFound):
		if ingestContent == "" {
			return fmt.Errorf("document %s does not exist; pass --content to create it", docID)
		}
		doc = &certificate.Document{ID: docID, UserID: ingestUser}
	case err != nil:
		return err
	case doc.UserID != ingestUser:
		return fmt.Errorf("document %s: %w", docID, certificate.ErrDocumentNotFound)
	}

	if ingestContent != "" || ingestTitle != "" {
		if err := updateDocument(cmd, a, doc); err != nil {
			return err
		}
	}

	stored, err := a.ingestEvents(ctx, docID, events)
	if err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Ingested %d of %d events into %s\n", stored, len(events), docID)
	return nil
}

func updateDocument(cmd *cobra.Command, a *app, doc *certificate.Document) error {
	if ingestTitle != "" {
		doc.Title = ingestTitle
	}
	if ingestContent != "" {
		data, err := os.ReadFile(ingestContent)
		if err != nil {
			return err
		}
		if !json.Valid(data) {
			return fmt.Errorf("%s: not valid JSON", ingestContent)
		}
		doc.Content = data
		doc.PlainText = contenthash.PlainText(data)
		doc.CharacterCount = int64(utf8.RuneCountInString(doc.PlainText))
	}
	doc.UpdatedAt = time.Now().UTC()
	return a.store.UpsertDocument(cmd.Context(), doc)
}
