package upload

import (
	"bytes"
	"sort"
	"time"

	"github.com/dharsanguruparan/RoomDrop/internal/model"
)

type part struct {
	index uint32
	data  []byte
}

// Session accumulates the chunks of one in-progress upload. It is owned by
// the stream that created it.
type Session struct {
	FileID       string
	Filename     string
	MimeTypeHint string
	UserID       string
	Username     string
	RoomID       string
	DeclaredSize int64
	Expected     uint32

	parts    []part
	seen     map[uint32]struct{}
	bytes    int64
	lastSeen time.Time
}

func newSession(first *model.UploadChunk, fileID string, now time.Time) *Session {
	roomID := first.RoomID
	if roomID == "" {
		roomID = model.DefaultRoom
	}
	return &Session{
		FileID:       fileID,
		Filename:     first.Filename,
		MimeTypeHint: first.MimeTypeHint,
		UserID:       first.UserID,
		Username:     first.Username,
		RoomID:       roomID,
		DeclaredSize: first.FileSize,
		Expected:     first.TotalChunks,
		seen:         make(map[uint32]struct{}, first.TotalChunks),
		lastSeen:     now,
	}
}

// Received returns how many distinct chunks have arrived.
func (s *Session) Received() int { return len(s.parts) }

// Bytes returns the running payload total.
func (s *Session) Bytes() int64 { return s.bytes }

func (s *Session) add(index uint32, data []byte, now time.Time) {
	s.parts = append(s.parts, part{index: index, data: data})
	s.seen[index] = struct{}{}
	s.bytes += int64(len(data))
	s.lastSeen = now
}

func (s *Session) has(index uint32) bool {
	_, ok := s.seen[index]
	return ok
}

func (s *Session) complete() bool { return uint32(len(s.parts)) == s.Expected }

// assemble concatenates the payloads in index order, whatever order they
// arrived in.
func (s *Session) assemble() []byte {
	sorted := make([]part, len(s.parts))
	copy(sorted, s.parts)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].index < sorted[j].index })

	var buf bytes.Buffer
	buf.Grow(int(s.bytes))
	for _, p := range sorted {
		buf.Write(p.data)
	}
	return buf.Bytes()
}
