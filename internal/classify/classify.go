// Package classify guesses a MIME type from a file's leading bytes, falling
// back to its extension.
package classify

import (
	"bytes"
	"path/filepath"
	"strings"
)

// Generic is returned when neither the content nor the name is recognized.
const Generic = "application/octet-stream"

type signature struct {
	magic []byte
	mime  string
}

// Evaluated in order; first match wins.
var signatures = []signature{
	{magic: []byte{0x25, 0x50, 0x44}, mime: "application/pdf"},
	{magic: []byte{0x89, 0x50, 0x4E, 0x47}, mime: "image/png"},
	{magic: []byte{0xFF, 0xD8}, mime: "image/jpeg"},
	{magic: []byte{0x50, 0x4B}, mime: "application/zip"},
	{magic: []byte{0x47, 0x49, 0x46}, mime: "image/gif"},
}

var extensions = map[string]string{
	".txt":  "text/plain",
	".md":   "text/markdown",
	".csv":  "text/csv",
	".html": "text/html",
	".htm":  "text/html",
	".css":  "text/css",
	".js":   "application/javascript",
	".json": "application/json",
	".xml":  "application/xml",
	".pdf":  "application/pdf",
	".png":  "image/png",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".gif":  "image/gif",
	".svg":  "image/svg+xml",
	".webp": "image/webp",
	".zip":  "application/zip",
	".doc":  "application/msword",
	".docx": "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	".xls":  "application/vnd.ms-excel",
	".xlsx": "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
	".ppt":  "application/vnd.ms-powerpoint",
	".pptx": "application/vnd.openxmlformats-officedocument.presentationml.presentation",
	".mp3":  "audio/mpeg",
	".wav":  "audio/wav",
	".mp4":  "video/mp4",
	".webm": "video/webm",
}

// Detect classifies content. A byte signature always beats the extension.
func Detect(filename string, prefix []byte) string {
	for _, sig := range signatures {
		if bytes.HasPrefix(prefix, sig.magic) {
			return sig.mime
		}
	}
	if mime, ok := ByExtension(filename); ok {
		return mime
	}
	return Generic
}

// ByExtension looks the filename's extension up in the fixed table.
func ByExtension(filename string) (string, bool) {
	ext := strings.ToLower(filepath.Ext(filename))
	mime, ok := extensions[ext]
	return mime, ok
}
