// Package scan runs the advisory content heuristic applied to finalized
// uploads. Pattern and extension hits are reported as warnings; only the size
// cap makes a file unsafe.
package scan

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/dharsanguruparan/RoomDrop/internal/logger"
	"github.com/dharsanguruparan/RoomDrop/internal/model"
)

var suspicious = []struct {
	name string
	re   *regexp.Regexp
}{
	{"script tag", regexp.MustCompile(`(?i)<script`)},
	{"javascript uri", regexp.MustCompile(`(?i)javascript:`)},
	{"vbscript uri", regexp.MustCompile(`(?i)vbscript:`)},
	{"eval call", regexp.MustCompile(`(?i)eval\(`)},
	{"inline event handler", regexp.MustCompile(`(?i)\bon\w+\s*=`)},
}

var deniedExtensions = map[string]struct{}{
	".exe": {}, ".bat": {}, ".cmd": {}, ".com": {}, ".pif": {}, ".scr": {},
	".vbs": {}, ".js": {}, ".jar": {}, ".sh": {}, ".ps1": {}, ".msi": {}, ".dll": {},
}

// Checker holds the limits of the heuristic.
type Checker struct {
	maxSize     int64
	prefixBytes int
	logger      *slog.Logger
}

// New constructs a Checker. maxSize is the hard cap in bytes; prefixBytes
// bounds how much content is scanned for patterns.
func New(maxSize int64, prefixBytes int, log *slog.Logger) *Checker {
	return &Checker{
		maxSize:     maxSize,
		prefixBytes: prefixBytes,
		logger:      logger.Component(log, "scan"),
	}
}

// Check evaluates filename and content.
func (c *Checker) Check(filename string, data []byte) model.Verdict {
	if int64(len(data)) > c.maxSize {
		return model.Verdict{
			Safe:   false,
			Reason: fmt.Sprintf("file size %d exceeds limit %d", len(data), c.maxSize),
		}
	}

	var warnings []string
	prefix := data
	if len(prefix) > c.prefixBytes {
		prefix = prefix[:c.prefixBytes]
	}
	text := strings.ToValidUTF8(string(prefix), "�")
	for _, p := range suspicious {
		if p.re.MatchString(text) {
			warnings = append(warnings, "suspicious pattern: "+p.name)
		}
	}
	ext := strings.ToLower(filepath.Ext(filename))
	if _, denied := deniedExtensions[ext]; denied {
		warnings = append(warnings, "denied extension: "+ext)
	}

	for _, w := range warnings {
		c.logger.Warn("advisory content match", slog.String("filename", filename), slog.String("match", w))
	}
	return model.Verdict{Safe: true, Warnings: warnings}
}
