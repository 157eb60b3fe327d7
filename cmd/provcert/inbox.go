package main

import (
	"context"
	"fmt"
	"os"

	"provcert/internal/config"
	"provcert/internal/editlog"
	"provcert/internal/inbox"
	"provcert/internal/tracing"
)

// ingestEvents stores events for docID and records the ingest.
func (a *app) ingestEvents(ctx context.Context, docID string, events []editlog.Event) (int, error) {
	stored, err := a.store.InsertEvents(ctx, docID, events)
	if err != nil {
		return 0, err
	}
	a.metrics.EventsIngested.Add(uint64(stored))
	if err := a.audit.LogEventsIngested(ctx, docID, len(events), stored); err != nil {
		a.log.Warn("audit log write failed", "error", err)
	}
	return stored, nil
}

// ingestFile is the inbox handler. Only existing documents accept files;
// the document's owner is taken from the store.
func (a *app) ingestFile(ctx context.Context, f inbox.File) error {
	doc, err := a.store.Document(ctx, f.DocumentID)
	if err != nil {
		return err
	}

	in, err := os.Open(f.Path)
	if err != nil {
		return err
	}
	defer in.Close()
	events, err := editlog.DecodeJSONLines(in, doc.ID)
	if err != nil {
		return err
	}

	stored, err := a.ingestEvents(ctx, doc.ID, events)
	if err != nil {
		return err
	}
	a.log.Debug("inbox events stored",
		"document_id", doc.ID,
		"received", len(events),
		"stored", stored,
		"bytes", f.Size,
	)
	return nil
}

// startInbox starts the event-file inbox when one is configured.
func startInbox(ctx context.Context, a *app) (*inbox.Inbox, error) {
	if a.cfg.Ingest.InboxDir == "" {
		return nil, nil
	}
	in, err := inbox.New(inbox.Config{
		Dir:    a.cfg.Ingest.InboxDir,
		Settle: a.cfg.Ingest.Settle(),
		Logger: a.log,
	}, a.ingestFile)
	if err != nil {
		return nil, err
	}
	if err := in.Start(ctx); err != nil {
		return nil, err
	}
	return in, nil
}

// newTracer returns nil when tracing is disabled.
func newTracer(cfg *config.Config, a *app) (*tracing.Tracer, error) {
	tc := cfg.Tracing
	if !tc.Enabled {
		return nil, nil
	}

	var exp tracing.Exporter
	switch tc.Output {
	case "file":
		fe, err := tracing.OpenFileExporter(tc.FilePath, cfg.Logging.MaxSizeMB, cfg.Logging.MaxBackups)
		if err != nil {
			return nil, err
		}
		exp = fe
	case "log":
		exp = tracing.NewLogExporter(a.log)
	default:
		return nil, fmt.Errorf("unknown trace output %q", tc.Output)
	}

	return tracing.NewTracer(tracing.Config{
		Service:     "provcert",
		Exporter:    exp,
		SampleRatio: tc.SampleRatio,
		Logger:      a.log,
	}), nil
}
