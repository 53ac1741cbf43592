package client

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/dharsanguruparan/RoomDrop/internal/model"
)

// File is a fully received file.
type File struct {
	FileID   string
	Filename string
	MimeType string
	Sender   string
	Data     []byte
}

type partial struct {
	head   *model.FileChunk
	chunks map[uint32][]byte
}

// Assembler groups incoming chunks by file id. It is not safe for concurrent
// use.
type Assembler struct {
	pending map[string]*partial
}

// NewAssembler constructs an empty Assembler.
func NewAssembler() *Assembler {
	return &Assembler{pending: make(map[string]*partial)}
}

// Add records chunk and returns the file once every index up to TotalChunks
// has arrived. Chunks without a file id are ignored.
func (a *Assembler) Add(chunk *model.FileChunk) *File {
	if chunk == nil || chunk.FileID == "" {
		return nil
	}
	p, ok := a.pending[chunk.FileID]
	if !ok {
		p = &partial{head: chunk, chunks: make(map[uint32][]byte)}
		a.pending[chunk.FileID] = p
	}
	p.chunks[chunk.ChunkIndex] = chunk.ChunkData

	total := max(p.head.TotalChunks, 1)
	if uint32(len(p.chunks)) < total {
		return nil
	}
	delete(a.pending, chunk.FileID)

	indexes := make([]uint32, 0, len(p.chunks))
	for idx := range p.chunks {
		indexes = append(indexes, idx)
	}
	sort.Slice(indexes, func(i, j int) bool { return indexes[i] < indexes[j] })
	var size int
	for _, idx := range indexes {
		size += len(p.chunks[idx])
	}
	data := make([]byte, 0, size)
	for _, idx := range indexes {
		data = append(data, p.chunks[idx]...)
	}

	sender := p.head.Username
	if sender == "" {
		sender = p.head.UserID
	}
	return &File{
		FileID:   p.head.FileID,
		Filename: p.head.Filename,
		MimeType: p.head.MimeType,
		Sender:   sender,
		Data:     data,
	}
}

// Pending reports how many files are partially received.
func (a *Assembler) Pending() int { return len(a.pending) }

// Save writes f into dir under its base filename prefixed with the file id,
// and returns the written path.
func Save(dir string, f *File) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	// Both parts come from the remote side; neither may name a directory.
	path := filepath.Join(dir, fmt.Sprintf("%s_%s", safeName(f.FileID, "unknown"), safeName(f.Filename, "file")))
	if err := os.WriteFile(path, f.Data, 0o644); err != nil {
		return "", err
	}
	return path, nil
}

// safeName reduces a remote name to its last path element, or fallback when
// nothing usable is left.
func safeName(name, fallback string) string {
	name = filepath.Base(filepath.FromSlash(strings.ReplaceAll(name, `\`, "/")))
	switch strings.TrimSpace(name) {
	case "", ".", "..", string(filepath.Separator):
		return fallback
	}
	return name
}
