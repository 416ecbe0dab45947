// Package extract defines the text extraction boundary. Container-format
// parsing (PDF, office formats) is an external concern; the core only
// requires ordered text units with page or slide references.
package extract

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"
)

// ErrUnsupportedFormat reports a format tag no registered extractor handles.
var ErrUnsupportedFormat = errors.New("extract: unsupported format")

// ErrCorruptDocument reports bytes that cannot be decoded for the claimed format.
var ErrCorruptDocument = errors.New("extract: corrupt document")

// Unit is one ordered extraction unit: text plus its page or slide reference.
type Unit struct {
	Text    string
	PageRef string
}

// Extractor converts raw file bytes into ordered text units.
type Extractor interface {
	Extract(data []byte, format string) ([]Unit, error)
	Supports(format string) bool
}

// TextExtractor handles plain-text style formats. Form feeds delimit pages;
// a document without form feeds is a single page.
type TextExtractor struct{}

// NewTextExtractor returns the built-in plain-text extractor.
func NewTextExtractor() *TextExtractor { return &TextExtractor{} }

// Supports reports whether the format tag is a plain-text variant.
func (e *TextExtractor) Supports(format string) bool {
	switch strings.ToLower(format) {
	case "txt", "text", "md", "markdown", "log":
		return true
	}
	return false
}

// Extract splits the document on form feeds into page-tagged units.
func (e *TextExtractor) Extract(data []byte, format string) ([]Unit, error) {
	if !e.Supports(format) {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, format)
	}
	if !utf8.Valid(data) {
		return nil, fmt.Errorf("%w: invalid utf-8 in %s payload", ErrCorruptDocument, format)
	}
	pages := strings.Split(string(data), "\f")
	units := make([]Unit, 0, len(pages))
	for i, page := range pages {
		if strings.TrimSpace(page) == "" {
			continue
		}
		units = append(units, Unit{Text: page, PageRef: strconv.Itoa(i + 1)})
	}
	return units, nil
}

// FormatForFilename maps a filename extension to a format tag.
func FormatForFilename(name string) string {
	idx := strings.LastIndexByte(name, '.')
	if idx < 0 || idx == len(name)-1 {
		return ""
	}
	return strings.ToLower(name[idx+1:])
}
