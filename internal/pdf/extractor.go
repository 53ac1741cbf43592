// Package pdfutil pulls plain text out of PDF payloads for previews.
//
// The decoder panics on some malformed content streams, so every call into
// it is fenced with recover and reported as an ordinary error. A document
// with some unreadable pages still yields the text of the others.
package pdfutil

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	pdf "github.com/ledongthuc/pdf"
)

// ErrNoText is returned when a document has pages but none of them decoded.
var ErrNoText = errors.New("pdf has no readable pages")

// Text is what Extract recovered from one document.
type Text struct {
	Body      string
	Pages     int   // pages in the document
	Read      int   // pages that contributed to Body
	Skipped   []int // 1-based numbers of pages that failed to decode
	Truncated bool  // Body was clipped to the requested limit
}

// Extract decodes data page by page until limit bytes of text are collected.
// A non-positive limit reads the whole document.
func Extract(data []byte, limit int) (out *Text, err error) {
	defer func() {
		if r := recover(); r != nil {
			out, err = nil, fmt.Errorf("decode pdf: %v", r)
		}
	}()

	doc, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("open pdf: %w", err)
	}

	out = &Text{Pages: doc.NumPage()}
	var (
		body     strings.Builder
		firstErr error
	)
	for n := 1; n <= out.Pages; n++ {
		if limit > 0 && body.Len() >= limit {
			out.Truncated = true
			break
		}
		page := doc.Page(n)
		if page.V.IsNull() {
			continue
		}
		text, err := pageText(page)
		if err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("page %d: %w", n, err)
			}
			out.Skipped = append(out.Skipped, n)
			continue
		}
		if text = normalize(text); text == "" {
			out.Read++
			continue
		}
		if body.Len() > 0 {
			body.WriteString("\n\n")
		}
		body.WriteString(text)
		out.Read++
	}

	if out.Read == 0 && firstErr != nil {
		return nil, fmt.Errorf("%w: %w", ErrNoText, firstErr)
	}
	out.Body = body.String()
	if limit > 0 && len(out.Body) > limit {
		out.Body = clip(out.Body, limit)
		out.Truncated = true
	}
	return out, nil
}

func pageText(p pdf.Page) (text string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%v", r)
		}
	}()
	return p.GetPlainText(nil)
}

// normalize trims each line and collapses runs of blank lines into one.
func normalize(s string) string {
	lines := strings.Split(strings.ReplaceAll(s, "\r\n", "\n"), "\n")
	out := lines[:0]
	blank := false
	for _, line := range lines {
		line = strings.TrimRight(line, " \t\r\f\v")
		if strings.TrimSpace(line) == "" {
			if !blank && len(out) > 0 {
				out = append(out, "")
			}
			blank = true
			continue
		}
		blank = false
		out = append(out, line)
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}

// clip cuts s to at most limit bytes without splitting a rune.
func clip(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
