// Package document is the boundary to document-to-text extraction. The
// grading core only ever sees cleaned plain text; producing that text from
// richer formats (PDF, scans) is a collaborator's job behind the Extractor
// interface.
package document

import (
	"errors"
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"
)

// ErrUnreadable reports a document no text could be extracted from.
var ErrUnreadable = errors.New("document unreadable")

// Extractor converts an uploaded document into plain text.
type Extractor interface {
	ExtractText(filename string, data []byte) (string, error)
}

// TextExtractor handles plain-text uploads: it validates encoding, strips
// NUL and control characters, and rejects empty documents.
type TextExtractor struct{}

// ExtractText returns the cleaned text content of data.
func (TextExtractor) ExtractText(filename string, data []byte) (string, error) {
	if len(data) == 0 {
		return "", fmt.Errorf("%w: %s is empty", ErrUnreadable, filename)
	}
	if !utf8.Valid(data) {
		return "", fmt.Errorf("%w: %s is not valid UTF-8 text", ErrUnreadable, filename)
	}

	text := Clean(string(data))
	if text == "" {
		return "", fmt.Errorf("%w: %s contains no text", ErrUnreadable, filename)
	}
	return text, nil
}

// Clean removes NUL bytes and non-printing control characters, keeping
// whitespace, and trims the result.
func Clean(text string) string {
	cleaned := strings.Map(func(r rune) rune {
		if r == 0 || (unicode.IsControl(r) && !unicode.IsSpace(r)) {
			return -1
		}
		return r
	}, text)
	return strings.TrimSpace(cleaned)
}
