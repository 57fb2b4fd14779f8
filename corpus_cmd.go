package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/fedrag/privacy-rag/config"
	"github.com/fedrag/privacy-rag/corpus"
)

var corpusFlags struct {
	term          string
	comprehensive bool
	maxDocs       int
	output        string
	upload        bool
}

var corpusCmd = &cobra.Command{
	Use:   "corpus",
	Short: "Build the knowledge-base corpus",
}

var corpusFetchCmd = &cobra.Command{
	Use:   "fetch",
	Short: "Download AI-related Federal Register documents with full PDF text",
	Long: `Search the Federal Register for AI-related rules, proposed rules and
notices, extract the text of each PDF and write one file per document.

Examples:
  # One search term
  privacy-rag corpus fetch --term "machine learning"

  # Every AI term, then upload to the knowledge-base bucket
  privacy-rag corpus fetch --comprehensive --upload`,
	RunE: runCorpusFetch,
}

func init() {
	rootCmd.AddCommand(corpusCmd)
	corpusCmd.AddCommand(corpusFetchCmd)

	corpusFetchCmd.Flags().StringVar(&corpusFlags.term, "term", "artificial intelligence", "search term")
	corpusFetchCmd.Flags().BoolVar(&corpusFlags.comprehensive, "comprehensive", false, "search every AI term")
	corpusFetchCmd.Flags().IntVar(&corpusFlags.maxDocs, "max-docs", corpus.DefaultMaxDocs, "maximum documents per search term")
	corpusFetchCmd.Flags().StringVar(&corpusFlags.output, "output", "", "output directory (defaults to CORPUS_DIR)")
	corpusFetchCmd.Flags().BoolVar(&corpusFlags.upload, "upload", false, "upload saved files to CORPUS_S3_BUCKET")
}

func runCorpusFetch(cmd *cobra.Command, args []string) error {
	// Only corpus settings are needed here, so the service's required keys
	// are not validated.
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to load %s: %w", envFile, err)
	}
	cfg := config.DefaultConfig()
	config.LoadFromEnv(cfg)

	logger := newLogger(os.Stderr, cfg.Logging)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	output := corpusFlags.output
	if output == "" {
		output = filepath.Join(cfg.Corpus.OutputDir, "federal-register", "ai-documents")
	}

	var uploader corpus.Uploader
	if corpusFlags.upload {
		if cfg.Corpus.S3Bucket == "" {
			return errors.New("--upload requires CORPUS_S3_BUCKET")
		}
		u, err := corpus.NewS3UploaderFromConfig(ctx, cfg.Knowledge.Region, cfg.Corpus.S3Bucket, cfg.Corpus.S3Prefix)
		if err != nil {
			return err
		}
		uploader = u
	}

	client := corpus.NewClient(corpus.ClientOptions{
		MaxDocs:          corpusFlags.maxDocs,
		SearchInterval:   time.Second,
		DownloadInterval: 2 * time.Second,
		Logger:           logger,
	})

	terms := []string{corpusFlags.term}
	if corpusFlags.comprehensive {
		terms = corpus.SearchTerms
	}

	summary, err := corpus.NewFetcher(client, output, uploader, logger).Run(ctx, terms)
	fmt.Printf("Saved %d/%d documents to %s\n", summary.Saved, summary.Found, output)
	if uploader != nil {
		fmt.Printf("Uploaded %d documents to s3://%s/%s\n", summary.Uploaded, cfg.Corpus.S3Bucket, cfg.Corpus.S3Prefix)
	}
	return err
}
