// Package client implements the command-line side of the file distribution
// service: chunked uploads, replay collection and live room sessions.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/dharsanguruparan/RoomDrop/internal/broadcast"
	"github.com/dharsanguruparan/RoomDrop/internal/logger"
	"github.com/dharsanguruparan/RoomDrop/internal/model"
	"github.com/dharsanguruparan/RoomDrop/internal/transport"
)

// ErrNoResult is returned when the server closed an upload without replying.
var ErrNoResult = errors.New("server closed the upload without a result")

// Identity names the sender of uploads and live chunks.
type Identity struct {
	RoomID   string
	UserID   string
	Username string
}

// Client drives the three service calls.
type Client struct {
	rpc       *transport.Client
	id        Identity
	chunkSize int
	logger    *slog.Logger
}

// New wraps rpc. chunkSize <= 0 uses the broadcast default.
func New(rpc *transport.Client, id Identity, chunkSize int, log *slog.Logger) *Client {
	if chunkSize <= 0 {
		chunkSize = broadcast.DefaultChunkSize
	}
	return &Client{rpc: rpc, id: id, chunkSize: chunkSize, logger: logger.Component(log, "client")}
}

// Upload sends data as filename in sequential chunks and waits for the
// result. An empty fileID gets a fresh uuid.
func (c *Client) Upload(ctx context.Context, fileID, filename string, data []byte) (*model.UploadResult, error) {
	if fileID == "" {
		fileID = uuid.NewString()
	}
	stream, err := c.rpc.UploadFile(ctx)
	if err != nil {
		return nil, fmt.Errorf("open upload: %w", err)
	}
	chunks := split(data, c.chunkSize)
	for i, part := range chunks {
		err := stream.Send(&model.UploadChunk{
			FileID:      fileID,
			Filename:    filepath.Base(filename),
			UserID:      c.id.UserID,
			Username:    c.id.Username,
			RoomID:      c.id.RoomID,
			FileSize:    int64(len(data)),
			ChunkData:   part,
			ChunkIndex:  uint32(i),
			TotalChunks: uint32(len(chunks)),
		})
		if errors.Is(err, io.EOF) {
			// The server already answered; the reply is read below.
			break
		}
		if err != nil {
			return nil, fmt.Errorf("send chunk %d: %w", i, err)
		}
	}
	res, err := stream.CloseAndRecv()
	if noResult(err) {
		return nil, ErrNoResult
	}
	if err != nil {
		return nil, fmt.Errorf("upload result: %w", err)
	}
	return res, nil
}

// UploadPath reads path and uploads it.
func (c *Client) UploadPath(ctx context.Context, fileID, path string) (*model.UploadResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return c.Upload(ctx, fileID, filepath.Base(path), data)
}

// Replay collects every file the server replays for req and hands each one to
// onFile as it completes.
func (c *Client) Replay(ctx context.Context, req *model.ReplayRequest, onFile func(*File) error) (int, error) {
	stream, err := c.rpc.ReplayFiles(ctx, req)
	if err != nil {
		return 0, fmt.Errorf("open replay: %w", err)
	}
	asm := NewAssembler()
	files := 0
	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return files, nil
		}
		if err != nil {
			return files, fmt.Errorf("replay: %w", err)
		}
		if f := asm.Add(chunk); f != nil {
			files++
			if err := onFile(f); err != nil {
				return files, err
			}
		}
	}
}

// Listen joins the client's room and hands every completed incoming file to
// onFile until ctx ends or the server closes the session. When send is
// non-nil its contents are pushed to the room as live chunks after joining.
func (c *Client) Listen(ctx context.Context, send *File, onFile func(*File) error) error {
	stream, err := c.rpc.DistributeFiles(ctx)
	if err != nil {
		return fmt.Errorf("open session: %w", err)
	}
	if err := stream.Send(&model.FileChunk{
		RoomID:   c.id.RoomID,
		UserID:   c.id.UserID,
		Username: c.id.Username,
	}); err != nil {
		return fmt.Errorf("join room: %w", err)
	}
	if send != nil {
		if err := c.sendLive(stream, send); err != nil {
			return err
		}
	}

	asm := NewAssembler()
	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) || ctx.Err() != nil {
			return nil
		}
		if err != nil {
			return fmt.Errorf("session: %w", err)
		}
		if f := asm.Add(chunk); f != nil {
			if err := onFile(f); err != nil {
				return err
			}
		}
	}
}

func (c *Client) sendLive(stream transport.ChunkClient, f *File) error {
	rec := &model.FileRecord{
		FileID:   f.FileID,
		Filename: f.Filename,
		MimeType: f.MimeType,
		UserID:   c.id.UserID,
		Username: c.id.Username,
		RoomID:   c.id.RoomID,
		Data:     f.Data,
		Size:     int64(len(f.Data)),
	}
	if rec.FileID == "" {
		rec.FileID = uuid.NewString()
	}
	for _, chunk := range broadcast.Split(rec, c.chunkSize) {
		if err := stream.Send(chunk); err != nil {
			return fmt.Errorf("send live chunk %d: %w", chunk.ChunkIndex, err)
		}
	}
	c.logger.Info("live file sent", slog.String("file_id", rec.FileID), slog.Int64("bytes", rec.Size))
	return nil
}

// noResult reports whether the server ended an upload with an OK status but
// no reply. Depending on the grpc-go version that surfaces as io.EOF or as an
// Internal cardinality violation.
func noResult(err error) bool {
	if errors.Is(err, io.EOF) {
		return true
	}
	st, ok := status.FromError(err)
	return ok && st.Code() == codes.Internal && strings.Contains(st.Message(), "cardinality")
}

func split(data []byte, size int) [][]byte {
	if len(data) == 0 {
		return [][]byte{{}}
	}
	var out [][]byte
	for start := 0; start < len(data); start += size {
		out = append(out, data[start:min(start+size, len(data))])
	}
	return out
}
