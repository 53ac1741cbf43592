package transport

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/dharsanguruparan/RoomDrop/internal/broadcast"
	"github.com/dharsanguruparan/RoomDrop/internal/logger"
	"github.com/dharsanguruparan/RoomDrop/internal/model"
	"github.com/dharsanguruparan/RoomDrop/internal/replay"
	"github.com/dharsanguruparan/RoomDrop/internal/room"
	"github.com/dharsanguruparan/RoomDrop/internal/scan"
	"github.com/dharsanguruparan/RoomDrop/internal/storage"
	"github.com/dharsanguruparan/RoomDrop/internal/upload"
)

const (
	testChunk = 1024
	testMax   = 64 * 1024
)

type env struct {
	client   *Client
	registry *room.Registry
	store    *storage.MemoryStore
	lis      *bufconn.Listener
}

type envConfig struct {
	chunk, max int64
	live       LiveOptions
	log        *slog.Logger
}

func defaultEnvConfig() envConfig {
	return envConfig{
		chunk: testChunk,
		max:   testMax,
		live:  LiveOptions{MaxChunkSize: testChunk, Outbox: 128, WriteTimeout: 2 * time.Second},
	}
}

func newEnv(t *testing.T) *env {
	return newEnvWith(t, defaultEnvConfig())
}

func newEnvWith(t *testing.T, cfg envConfig) *env {
	t.Helper()
	log := cfg.log
	if log == nil {
		log = logger.Discard()
	}
	store := storage.NewMemoryStore()
	registry := room.NewRegistry()
	dispatcher := broadcast.NewDispatcher(registry, int(cfg.chunk), 4, log)
	finalizer := upload.NewFinalizer(store, dispatcher, scan.New(cfg.max, 10000, log), nil, 1024, log)
	tracker := upload.NewTracker(upload.Limits{MaxFileSize: cfg.max, MaxChunkSize: cfg.chunk}, finalizer, log)
	svc := NewService(tracker, registry, dispatcher, replay.New(store, int(cfg.chunk), log), cfg.live, log)

	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	Register(srv, svc)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	e := &env{registry: registry, store: store, lis: lis}
	e.client = e.dial(t)
	return e
}

// dial opens a separate connection so flow control on one client cannot
// hold up another.
func (e *env) dial(t *testing.T, opts ...grpc.DialOption) *Client {
	t.Helper()
	opts = append([]grpc.DialOption{
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return e.lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	}, opts...)
	conn, err := grpc.NewClient("passthrough:///bufnet", opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return NewClient(conn)
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func join(t *testing.T, e *env, roomID, userID string) ChunkClient {
	t.Helper()
	return joinWith(t, e, e.client, roomID, userID)
}

func joinWith(t *testing.T, e *env, c *Client, roomID, userID string) ChunkClient {
	t.Helper()
	stream, err := c.DistributeFiles(testContext(t))
	require.NoError(t, err)
	require.NoError(t, stream.Send(&model.FileChunk{RoomID: roomID, UserID: userID, Username: userID}))
	require.Eventually(t, func() bool {
		_, ok := e.registry.Lookup(roomID, userID)
		return ok
	}, 2*time.Second, 10*time.Millisecond)
	return stream
}

func uploadChunks(data []byte, fileID, roomID, userID string) []*model.UploadChunk {
	return uploadChunksOf(data, testChunk, fileID, roomID, userID)
}

func uploadChunksOf(data []byte, size int, fileID, roomID, userID string) []*model.UploadChunk {
	total := (len(data) + size - 1) / size
	out := make([]*model.UploadChunk, 0, total)
	for i := 0; i < total; i++ {
		end := min((i+1)*size, len(data))
		out = append(out, &model.UploadChunk{
			FileID: fileID, Filename: fileID + ".bin", UserID: userID, Username: userID, RoomID: roomID,
			FileSize: int64(len(data)), ChunkData: data[i*size : end],
			ChunkIndex: uint32(i), TotalChunks: uint32(total),
		})
	}
	return out
}

func TestUploadBroadcastsToRoom(t *testing.T) {
	e := newEnv(t)
	peer := join(t, e, "r1", "u2")

	data := make([]byte, 3*testChunk)
	for i := range data {
		data[i] = byte(i % 251)
	}
	chunks := uploadChunks(data, "f1", "r1", "u1")

	up, err := e.client.UploadFile(testContext(t))
	require.NoError(t, err)
	for _, i := range []int{1, 0, 2} {
		require.NoError(t, up.Send(chunks[i]))
	}
	res, err := up.CloseAndRecv()
	require.NoError(t, err)

	sum := sha256.Sum256(data)
	assert.True(t, res.Success)
	assert.Equal(t, int64(len(data)), res.FileSize)
	assert.Equal(t, hex.EncodeToString(sum[:]), res.Checksum)

	var got []byte
	for _, want := range []model.ChunkType{model.ChunkStart, model.ChunkMiddle, model.ChunkEnd} {
		c, err := peer.Recv()
		require.NoError(t, err)
		assert.Equal(t, want, c.Type)
		assert.Equal(t, "f1", c.FileID)
		got = append(got, c.ChunkData...)
	}
	assert.Equal(t, data, got)
}

// The server closes an incomplete upload without sending any result.
func TestIncompleteUploadGetsNoResult(t *testing.T) {
	e := newEnv(t)
	chunks := uploadChunks(make([]byte, 5*testChunk), "partial", "r1", "u1")

	up, err := e.client.UploadFile(testContext(t))
	require.NoError(t, err)
	require.NoError(t, up.Send(chunks[0]))
	require.NoError(t, up.Send(chunks[1]))

	res, err := up.CloseAndRecv()
	assert.Error(t, err)
	assert.Nil(t, res)
	assert.Zero(t, e.store.Len())
}

func TestOversizedChunkGetsFailureResult(t *testing.T) {
	e := newEnv(t)
	up, err := e.client.UploadFile(testContext(t))
	require.NoError(t, err)
	require.NoError(t, up.Send(&model.UploadChunk{
		FileID: "big", FileSize: testChunk + 1, TotalChunks: 1, ChunkData: make([]byte, testChunk+1),
	}))

	res, err := up.CloseAndRecv()
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, "big", res.FileID)
	assert.Zero(t, res.FileSize)
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestRejectedUploadChunkIsLogged(t *testing.T) {
	var out syncBuffer
	cfg := defaultEnvConfig()
	cfg.log = logger.New(&out, "debug", "text")
	e := newEnvWith(t, cfg)

	up, err := e.client.UploadFile(testContext(t))
	require.NoError(t, err)
	require.NoError(t, up.Send(&model.UploadChunk{
		FileID: "too-big", FileSize: testChunk + 1, TotalChunks: 1, ChunkData: make([]byte, testChunk+1),
	}))
	res, err := up.CloseAndRecv()
	require.NoError(t, err)
	require.False(t, res.Success)

	logged := out.String()
	assert.Contains(t, logged, "upload chunk rejected")
	assert.Contains(t, logged, "file_id=too-big")
	assert.Contains(t, logged, "chunk exceeds maximum size")
}

func TestReplayAfterUpload(t *testing.T) {
	e := newEnv(t)
	data := []byte("replay me please")
	up, err := e.client.UploadFile(testContext(t))
	require.NoError(t, err)
	for _, c := range uploadChunks(data, "r-file", "room-x", "u1") {
		require.NoError(t, up.Send(c))
	}
	res, err := up.CloseAndRecv()
	require.NoError(t, err)
	require.True(t, res.Success)

	stream, err := e.client.ReplayFiles(testContext(t), &model.ReplayRequest{RoomID: "room-x"})
	require.NoError(t, err)
	c, err := stream.Recv()
	require.NoError(t, err)
	assert.Equal(t, "r-file", c.FileID)
	assert.Equal(t, data, c.ChunkData)
	assert.Equal(t, model.ChunkEnd, c.Type)

	_, err = stream.Recv()
	assert.True(t, errors.Is(err, io.EOF))
}

func TestReplayUnknownFileEndsImmediately(t *testing.T) {
	e := newEnv(t)
	stream, err := e.client.ReplayFiles(testContext(t), &model.ReplayRequest{FileID: "nope"})
	require.NoError(t, err)
	_, err = stream.Recv()
	assert.True(t, errors.Is(err, io.EOF))
}

func TestLiveChunksPassThrough(t *testing.T) {
	e := newEnv(t)
	sender := join(t, e, "live", "u1")
	receiver := join(t, e, "live", "u2")

	require.NoError(t, sender.Send(&model.FileChunk{
		Type: model.ChunkEnd, FileID: "stream-file", ChunkData: []byte("hi"), TotalChunks: 1,
	}))

	c, err := receiver.Recv()
	require.NoError(t, err)
	assert.Equal(t, "stream-file", c.FileID)
	assert.Equal(t, "u1", c.UserID)
	assert.Equal(t, "live", c.RoomID)
	assert.Zero(t, e.store.Len())
}

func TestLiveSessionNeedsUser(t *testing.T) {
	e := newEnv(t)
	stream, err := e.client.DistributeFiles(testContext(t))
	require.NoError(t, err)
	require.NoError(t, stream.Send(&model.FileChunk{RoomID: "r1"}))

	_, err = stream.Recv()
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestLiveSessionLeavesRegistryOnClose(t *testing.T) {
	e := newEnv(t)
	stream := join(t, e, "r1", "gone")
	require.NoError(t, stream.CloseSend())

	require.Eventually(t, func() bool {
		_, ok := e.registry.Lookup("r1", "gone")
		return !ok
	}, 2*time.Second, 10*time.Millisecond)
}

// A subscriber that stops reading must not hold up the uploader's result or
// the other members of the room; it is dropped once its write stalls.
func TestUploadNotBlockedBySubscriberThatNeverReads(t *testing.T) {
	const chunk = 256 << 10
	e := newEnvWith(t, envConfig{
		chunk: chunk,
		max:   8 << 20,
		live:  LiveOptions{MaxChunkSize: chunk, Outbox: 64, WriteTimeout: 300 * time.Millisecond},
	})

	// Fixed windows keep the idle client from buffering the whole file.
	idle := e.dial(t,
		grpc.WithInitialWindowSize(64<<10),
		grpc.WithInitialConnWindowSize(64<<10),
	)
	joinWith(t, e, idle, "r1", "idle")
	reader := joinWith(t, e, e.dial(t), "r1", "reader")

	data := make([]byte, 4<<20)
	for i := range data {
		data[i] = byte(i % 253)
	}

	received := make(chan []byte, 1)
	go func() {
		var got []byte
		for {
			c, err := reader.Recv()
			if err != nil {
				received <- got
				return
			}
			got = append(got, c.ChunkData...)
			if c.Type == model.ChunkEnd {
				received <- got
				return
			}
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	up, err := e.client.UploadFile(ctx)
	require.NoError(t, err)
	for _, c := range uploadChunksOf(data, chunk, "big", "r1", "u1") {
		require.NoError(t, up.Send(c))
	}
	res, err := up.CloseAndRecv()
	require.NoError(t, err)
	assert.True(t, res.Success)

	select {
	case got := <-received:
		assert.Equal(t, data, got)
	case <-time.After(5 * time.Second):
		t.Fatal("reading subscriber did not receive the file")
	}

	require.Eventually(t, func() bool {
		_, ok := e.registry.Lookup("r1", "idle")
		return !ok
	}, 5*time.Second, 20*time.Millisecond)
	_, ok := e.registry.Lookup("r1", "reader")
	assert.True(t, ok)
}

func TestReplacedLiveSessionEnds(t *testing.T) {
	e := newEnv(t)
	old := join(t, e, "r1", "u1")
	first, _ := e.registry.Lookup("r1", "u1")

	fresh := joinWith(t, e, e.dial(t), "r1", "u1")
	require.Eventually(t, func() bool {
		h, ok := e.registry.Lookup("r1", "u1")
		return ok && h != first
	}, 2*time.Second, 10*time.Millisecond)

	_, err := old.Recv()
	assert.Equal(t, codes.Aborted, status.Code(err))

	// The newer session keeps receiving.
	peer := join(t, e, "r1", "u2")
	require.NoError(t, peer.Send(&model.FileChunk{Type: model.ChunkEnd, FileID: "after", ChunkData: []byte("x"), TotalChunks: 1}))
	c, err := fresh.Recv()
	require.NoError(t, err)
	assert.Equal(t, "after", c.FileID)
	assert.Equal(t, 2, e.registry.RoomSize("r1"))
}
