package corpus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/fedrag/privacy-rag/resilience"
)

const (
	DefaultAPIBase  = "https://www.federalregister.gov/api/v1"
	DefaultWebBase  = "https://www.federalregister.gov"
	DefaultMaxDocs  = 10
	maxPerPage      = 100
	userAgent       = "FedRag-Research/1.0 (Educational Purpose)"
	searchTimeout   = 30 * time.Second
	downloadTimeout = 60 * time.Second
	maxPDFBytes     = 64 << 20
)

// DocumentTypes are the Federal Register types searched
var DocumentTypes = []string{"RULE", "PRORULE", "NOTICE"}

// SearchTerms is the comprehensive term list
var SearchTerms = []string{
	"artificial intelligence",
	"machine learning",
	"AI safety",
	"AI governance",
	"algorithmic accountability",
	"automated decision making",
	"neural networks",
	"deep learning",
}

// aiKeywords must appear in a result's title or abstract for it to be kept.
var aiKeywords = []string{
	"artificial intelligence", "machine learning", "neural network",
	"deep learning", "ai safety", "ai governance", "algorithmic",
	"automated decision", "ai system", "ai model", "ai technology",
}

var searchFields = []string{
	"title", "abstract", "html_url", "pdf_url",
	"publication_date", "agencies", "document_number",
	"type", "significant",
}

// ClientOptions configures a Client. Zero values take defaults.
type ClientOptions struct {
	APIBase          string
	WebBase          string
	MaxDocs          int
	HTTPClient       *http.Client
	SearchInterval   time.Duration // pause between searches
	DownloadInterval time.Duration // pause between downloads
	// DownloadExecutor retries PDF downloads. Defaults to three attempts
	// two seconds apart.
	DownloadExecutor *resilience.Executor
	Extract          func([]byte) (string, error)
	Logger           *slog.Logger
}

// Client talks to the Federal Register API
type Client struct {
	apiBase         string
	webBase         string
	maxDocs         int
	http            *http.Client
	searchLimiter   *rate.Limiter
	downloadLimiter *rate.Limiter
	executor        *resilience.Executor
	extract         func([]byte) (string, error)
	logger          *slog.Logger
}

func NewClient(opts ClientOptions) *Client {
	if opts.APIBase == "" {
		opts.APIBase = DefaultAPIBase
	}
	if opts.WebBase == "" {
		opts.WebBase = DefaultWebBase
	}
	if opts.MaxDocs <= 0 {
		opts.MaxDocs = DefaultMaxDocs
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{}
	}
	if opts.DownloadExecutor == nil {
		opts.DownloadExecutor = NewDownloadExecutor()
	}
	if opts.Extract == nil {
		opts.Extract = ExtractPDFText
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Client{
		apiBase:         strings.TrimRight(opts.APIBase, "/"),
		webBase:         opts.WebBase,
		maxDocs:         opts.MaxDocs,
		http:            opts.HTTPClient,
		searchLimiter:   pacer(opts.SearchInterval),
		downloadLimiter: pacer(opts.DownloadInterval),
		executor:        opts.DownloadExecutor,
		extract:         opts.Extract,
		logger:          opts.Logger.With("component", "corpus"),
	}
}

// NewDownloadExecutor retries every failure except an empty PDF, with a
// fixed two second pause.
func NewDownloadExecutor() *resilience.Executor {
	return resilience.NewExecutor(resilience.Options{
		MaxRetries: 2,
		BaseDelay:  2 * time.Second,
		MaxDelay:   2 * time.Second,
		ShouldRetry: func(err error) bool {
			return !errors.Is(err, ErrNoText) && !errors.Is(err, context.Canceled)
		},
		Jitter: func(d time.Duration) time.Duration { return d },
	})
}

// pacer allows one event per interval. A non-positive interval disables
// pacing.
func pacer(interval time.Duration) *rate.Limiter {
	if interval <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Every(interval), 1)
}

func (c *Client) WebBase() string { return c.webBase }

type searchResponse struct {
	Count   int        `json:"count"`
	Results []Document `json:"results"`
}

// Search returns up to MaxDocs AI-related documents with a PDF for term,
// newest first.
func (c *Client) Search(ctx context.Context, term string) ([]Document, error) {
	if err := c.searchLimiter.Wait(ctx); err != nil {
		return nil, err
	}

	params := url.Values{}
	params.Set("conditions[term]", term)
	for _, t := range DocumentTypes {
		params.Add("conditions[type][]", t)
	}
	params.Set("per_page", strconv.Itoa(min(c.maxDocs, maxPerPage)))
	params.Set("order", "newest")
	for _, f := range searchFields {
		params.Add("fields[]", f)
	}

	ctx, cancel := context.WithTimeout(ctx, searchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.apiBase+"/documents.json?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build search request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("search request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("search returned status %d", resp.StatusCode)
	}

	var body searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("failed to decode search response: %w", err)
	}

	var kept []Document
	for _, doc := range body.Results {
		if doc.PDFURL == "" {
			continue
		}
		if !IsAIRelated(doc) {
			c.logger.Debug("skipping document without AI focus", "document_number", doc.DocumentNumber)
			continue
		}
		kept = append(kept, doc)
	}
	c.logger.Info("search completed", "term", term, "results", len(body.Results), "ai_related", len(kept))

	if len(kept) > c.maxDocs {
		kept = kept[:c.maxDocs]
	}
	return kept, nil
}

// IsAIRelated reports whether the title or abstract names an AI topic
func IsAIRelated(doc Document) bool {
	content := strings.ToLower(doc.Title + " " + doc.Abstract)
	for _, k := range aiKeywords {
		if strings.Contains(content, k) {
			return true
		}
	}
	return false
}

// SearchAll runs every term and deduplicates by document number, keeping
// the first occurrence. A failing term is logged and skipped; the error is
// returned only when every term failed.
func (c *Client) SearchAll(ctx context.Context, terms []string) ([]Document, error) {
	seen := make(map[string]bool)
	var (
		unique  []Document
		lastErr error
		failed  int
	)
	for _, term := range terms {
		docs, err := c.Search(ctx, term)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			c.logger.Warn("search failed", "term", term, "error", err)
			lastErr = err
			failed++
			continue
		}
		for _, doc := range docs {
			if doc.DocumentNumber == "" || seen[doc.DocumentNumber] {
				continue
			}
			seen[doc.DocumentNumber] = true
			unique = append(unique, doc)
		}
	}
	if failed > 0 && failed == len(terms) {
		return nil, fmt.Errorf("all %d searches failed: %w", failed, lastErr)
	}
	return unique, nil
}

// DownloadText fetches a PDF and extracts its text, retrying failed
// attempts through the download executor.
func (c *Client) DownloadText(ctx context.Context, pdfURL string) (string, error) {
	if pdfURL == "" {
		return "", errors.New("document has no PDF URL")
	}
	if err := c.downloadLimiter.Wait(ctx); err != nil {
		return "", err
	}

	attempt := 0
	res, err := resilience.Execute(ctx, c.executor, func(ctx context.Context) (string, error) {
		attempt++
		c.logger.Debug("downloading PDF", "url", pdfURL, "attempt", attempt)
		data, err := c.fetch(ctx, pdfURL)
		if err != nil {
			return "", err
		}
		return c.extract(data)
	})
	if err != nil {
		return "", err
	}
	return res.Value, nil
}

func (c *Client) fetch(ctx context.Context, rawURL string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, downloadTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build download request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download returned status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxPDFBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read PDF body: %w", err)
	}
	return data, nil
}
