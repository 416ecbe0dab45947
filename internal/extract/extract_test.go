package extract

import (
	"errors"
	"testing"
)

func TestTextExtractorPages(t *testing.T) {
	e := NewTextExtractor()
	data := []byte("page one text\fpage two text\f\fpage four text")
	units, err := e.Extract(data, "txt")
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if len(units) != 3 {
		t.Fatalf("expected 3 non-empty pages, got %d", len(units))
	}
	if units[0].PageRef != "1" || units[2].PageRef != "4" {
		t.Fatalf("page refs wrong: %+v", units)
	}
}

func TestTextExtractorSinglePage(t *testing.T) {
	e := NewTextExtractor()
	units, err := e.Extract([]byte("no form feeds here"), "md")
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if len(units) != 1 || units[0].PageRef != "1" {
		t.Fatalf("expected single page, got %+v", units)
	}
}

func TestTextExtractorUnsupported(t *testing.T) {
	e := NewTextExtractor()
	if _, err := e.Extract([]byte("x"), "pdf"); !errors.Is(err, ErrUnsupportedFormat) {
		t.Fatalf("expected ErrUnsupportedFormat, got %v", err)
	}
}

func TestTextExtractorCorrupt(t *testing.T) {
	e := NewTextExtractor()
	if _, err := e.Extract([]byte{0xff, 0xfe, 0xfd}, "txt"); !errors.Is(err, ErrCorruptDocument) {
		t.Fatalf("expected ErrCorruptDocument, got %v", err)
	}
}

func TestFormatForFilename(t *testing.T) {
	cases := map[string]string{
		"notes.TXT":   "txt",
		"a.b.md":      "md",
		"noextension": "",
		"trailing.":   "",
	}
	for name, want := range cases {
		if got := FormatForFilename(name); got != want {
			t.Fatalf("FormatForFilename(%q) = %q, want %q", name, got, want)
		}
	}
}
