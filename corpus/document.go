// Package corpus builds the knowledge-base corpus from Federal Register
// documents about artificial intelligence.
package corpus

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode"
)

const (
	maxSafeTitleRunes = 50
	separatorWidth    = 80
	noContentNote     = "Note: Full content available via PDF URL above.\n"
	untitled          = "Untitled Document"
)

// Agency is one issuing agency of a document
type Agency struct {
	Name string `json:"name"`
}

// Document is a Federal Register search result
type Document struct {
	Title           string   `json:"title"`
	Abstract        string   `json:"abstract"`
	HTMLURL         string   `json:"html_url"`
	PDFURL          string   `json:"pdf_url"`
	PublicationDate string   `json:"publication_date"`
	Agencies        []Agency `json:"agencies"`
	DocumentNumber  string   `json:"document_number"`
	Type            string   `json:"type"`
	Significant     *bool    `json:"significant"`
}

// SafeFilename returns "{date}-{safe-title}.txt". The title keeps letters,
// digits, underscores and hyphens, collapses whitespace and hyphen runs into
// one hyphen and is cut to 50 runes.
func SafeFilename(date, title string) string {
	if date == "" {
		date = "unknown"
	}
	if title == "" {
		title = untitled
	}
	return fmt.Sprintf("%s-%s.txt", date, safeTitle(title))
}

func safeTitle(title string) string {
	var b strings.Builder
	inRun := false
	for _, r := range title {
		switch {
		case r == '-' || unicode.IsSpace(r):
			if !inRun {
				b.WriteRune('-')
			}
			inRun = true
		case r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r) || unicode.IsMark(r):
			b.WriteRune(r)
			inRun = false
		}
	}
	runes := []rune(b.String())
	if len(runes) > maxSafeTitleRunes {
		runes = runes[:maxSafeTitleRunes]
	}
	return string(runes)
}

// Render formats a document as the plain-text file the knowledge base ingests.
func Render(doc Document, webBase, content string, downloaded time.Time) string {
	title := doc.Title
	if title == "" {
		title = untitled
	}
	date := doc.PublicationDate
	if date == "" {
		date = "unknown"
	}
	docType := doc.Type
	if docType == "" {
		docType = "Unknown"
	}

	names := make([]string, 0, len(doc.Agencies))
	for _, a := range doc.Agencies {
		name := a.Name
		if name == "" {
			name = "Unknown"
		}
		names = append(names, name)
	}

	separator := strings.Repeat("=", separatorWidth)

	var b strings.Builder
	fmt.Fprintf(&b, "Title: %s\n", title)
	fmt.Fprintf(&b, "Date: %s\n", date)
	fmt.Fprintf(&b, "Document Number: %s\n", doc.DocumentNumber)
	fmt.Fprintf(&b, "Type: %s\n", docType)
	fmt.Fprintf(&b, "Agencies: %s\n", strings.Join(names, ", "))
	fmt.Fprintf(&b, "HTML URL: %s\n", absoluteURL(webBase, doc.HTMLURL))
	fmt.Fprintf(&b, "PDF URL: %s\n", doc.PDFURL)
	fmt.Fprintf(&b, "Downloaded: %s\n", downloaded.Format(time.DateTime))
	b.WriteString(separator + "\n\n")

	if doc.Abstract != "" {
		fmt.Fprintf(&b, "ABSTRACT:\n%s\n\n", doc.Abstract)
		b.WriteString(separator + "\n\n")
	}

	if content != "" {
		b.WriteString("FULL DOCUMENT CONTENT:\n\n")
		b.WriteString(content)
	} else {
		b.WriteString(noContentNote)
	}
	return b.String()
}

// The API normally returns absolute html_url values; relative ones are
// resolved against the site root.
func absoluteURL(webBase, u string) string {
	if strings.HasPrefix(u, "/") {
		return strings.TrimRight(webBase, "/") + u
	}
	return u
}

// Save writes the rendered document into dir and returns the file path.
func Save(dir string, doc Document, webBase, content string, downloaded time.Time) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create corpus directory: %w", err)
	}
	path := filepath.Join(dir, SafeFilename(doc.PublicationDate, doc.Title))
	if err := os.WriteFile(path, []byte(Render(doc, webBase, content, downloaded)), 0o644); err != nil {
		return "", fmt.Errorf("failed to save document %s: %w", doc.DocumentNumber, err)
	}
	return path, nil
}
