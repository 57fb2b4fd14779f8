package corpus

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Uploader publishes a saved corpus file
type Uploader interface {
	Upload(ctx context.Context, file string) (string, error)
}

// Summary reports what a fetch run did
type Summary struct {
	Found    int
	Saved    int
	Uploaded int
	Files    []string
}

// Fetcher runs a search, downloads each hit and writes the corpus files.
type Fetcher struct {
	client    *Client
	outputDir string
	uploader  Uploader
	logger    *slog.Logger
	now       func() time.Time
}

// NewFetcher creates a fetcher. A nil uploader keeps files local.
func NewFetcher(client *Client, outputDir string, uploader Uploader, logger *slog.Logger) *Fetcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Fetcher{
		client:    client,
		outputDir: outputDir,
		uploader:  uploader,
		logger:    logger.With("component", "corpus"),
		now:       time.Now,
	}
}

// ErrNothingSaved is returned when a run finds or saves no documents.
var ErrNothingSaved = errors.New("no documents saved")

// Run searches every term, then downloads and saves the unique results.
// A document whose PDF cannot be read is saved with its abstract only.
func (f *Fetcher) Run(ctx context.Context, terms []string) (Summary, error) {
	docs, err := f.client.SearchAll(ctx, terms)
	if err != nil {
		return Summary{}, err
	}

	summary := Summary{Found: len(docs)}
	f.logger.Info("unique documents found", "count", len(docs), "terms", len(terms))
	if len(docs) == 0 {
		return summary, ErrNothingSaved
	}

	for i, doc := range docs {
		log := f.logger.With("document_number", doc.DocumentNumber, "index", i+1, "total", len(docs))

		content, err := f.client.DownloadText(ctx, doc.PDFURL)
		if err != nil {
			if ctx.Err() != nil {
				return summary, ctx.Err()
			}
			log.Warn("PDF extraction failed, saving abstract only", "error", err)
			content = ""
		} else {
			log.Info("extracted PDF text", "chars", len(content))
		}

		file, err := Save(f.outputDir, doc, f.client.WebBase(), content, f.now())
		if err != nil {
			log.Error("failed to save document", "error", err)
			continue
		}
		summary.Saved++
		summary.Files = append(summary.Files, file)

		if f.uploader != nil {
			key, err := f.uploader.Upload(ctx, file)
			if err != nil {
				log.Error("failed to upload document", "error", err)
				continue
			}
			summary.Uploaded++
			log.Info("uploaded document", "key", key)
		}
	}

	f.logger.Info("corpus fetch completed", "found", summary.Found, "saved", summary.Saved, "uploaded", summary.Uploaded)
	if summary.Saved == 0 {
		return summary, ErrNothingSaved
	}
	return summary, nil
}
