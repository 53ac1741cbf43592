// Package model contains the message and record shapes shared across packages.
package model

import (
	"time"
)

// DefaultRoom is used when a client does not name a room.
const DefaultRoom = "global"

// ChunkType tags an outbound chunk with its position inside a file.
type ChunkType string

const (
	ChunkStart  ChunkType = "FILE_START"
	ChunkMiddle ChunkType = "FILE_CHUNK"
	ChunkEnd    ChunkType = "FILE_END"
)

// UploadChunk is one client->server fragment of a chunked upload.
type UploadChunk struct {
	FileID       string `json:"file_id"`
	Filename     string `json:"filename"`
	MimeTypeHint string `json:"mime_type_hint,omitempty"`
	UserID       string `json:"user_id"`
	Username     string `json:"username"`
	RoomID       string `json:"room_id"`
	// FileSize is the total size declared by the uploader.
	FileSize    int64  `json:"file_size"`
	ChunkData   []byte `json:"chunk_data"`
	ChunkIndex  uint32 `json:"chunk_index"`
	TotalChunks uint32 `json:"total_chunks"`
}

// UploadResult is the single reply to a chunked upload.
type UploadResult struct {
	Success   bool   `json:"success"`
	FileID    string `json:"file_id"`
	Filename  string `json:"filename"`
	FileSize  int64  `json:"file_size"`
	Message   string `json:"message"`
	Timestamp int64  `json:"timestamp"`
	Checksum  string `json:"checksum,omitempty"`
}

// ReplayRequest asks for one stored file or every file of a room.
// FileID takes precedence when both are set.
type ReplayRequest struct {
	RoomID string `json:"room_id,omitempty"`
	FileID string `json:"file_id,omitempty"`
}

// FileChunk is the server->client chunk shape used by broadcast, replay and
// live sessions. The opening message of a live session only carries RoomID,
// UserID and Username.
type FileChunk struct {
	Type        ChunkType `json:"type,omitempty"`
	FileID      string    `json:"file_id,omitempty"`
	Filename    string    `json:"filename,omitempty"`
	MimeType    string    `json:"mime_type,omitempty"`
	ChunkData   []byte    `json:"chunk_data,omitempty"`
	ChunkIndex  uint32    `json:"chunk_index"`
	TotalChunks uint32    `json:"total_chunks"`
	FileSize    int64     `json:"file_size"`
	UserID      string    `json:"user_id,omitempty"`
	Username    string    `json:"username,omitempty"`
	RoomID      string    `json:"room_id,omitempty"`
	Timestamp   int64     `json:"timestamp,omitempty"`
}

// Verdict is the outcome of the safety heuristic. Warnings are advisory only;
// Safe is false only when a hard rule was broken.
type Verdict struct {
	Safe     bool     `json:"safe"`
	Reason   string   `json:"reason,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

// FileRecord is a finalized, stored file. Records are immutable once stored.
type FileRecord struct {
	FileID   string `json:"file_id"`
	Filename string `json:"filename"`
	MimeType string `json:"mime_type"`
	UserID   string `json:"user_id"`
	Username string `json:"username"`
	RoomID   string `json:"room_id"`
	// Data is never serialized; metadata views must not leak payloads.
	Data      []byte    `json:"-"`
	Size      int64     `json:"file_size"`
	Checksum  string    `json:"checksum"`
	Verdict   Verdict   `json:"verdict"`
	CreatedAt time.Time `json:"created_at"`
}

// NowMillis returns the wire timestamp format (unix milliseconds).
func NowMillis() int64 {
	return time.Now().UnixMilli()
}
