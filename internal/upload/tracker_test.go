package upload

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dharsanguruparan/RoomDrop/internal/broadcast"
	"github.com/dharsanguruparan/RoomDrop/internal/logger"
	"github.com/dharsanguruparan/RoomDrop/internal/model"
	"github.com/dharsanguruparan/RoomDrop/internal/room"
	"github.com/dharsanguruparan/RoomDrop/internal/scan"
	"github.com/dharsanguruparan/RoomDrop/internal/storage"
)

const (
	mib     = 1 << 20
	maxFile = 25 * mib
)

type harness struct {
	tracker  *Tracker
	store    *storage.MemoryStore
	registry *room.Registry
}

func newHarness(t *testing.T, limits Limits) *harness {
	t.Helper()
	store := storage.NewMemoryStore()
	registry := room.NewRegistry()
	log := logger.Discard()
	dispatcher := broadcast.NewDispatcher(registry, mib, 4, log)
	finalizer := NewFinalizer(store, dispatcher, scan.New(limits.MaxFileSize, 10000, log), nil, 1024, log)
	return &harness{tracker: NewTracker(limits, finalizer, log), store: store, registry: registry}
}

func defaultLimits() Limits {
	return Limits{MaxFileSize: maxFile, MaxChunkSize: mib}
}

type collector struct {
	mu  sync.Mutex
	got []*model.FileChunk
}

func (c *collector) Send(chunk *model.FileChunk) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.got = append(c.got, chunk)
	return nil
}

func (c *collector) snapshot() []*model.FileChunk {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*model.FileChunk(nil), c.got...)
}

// subscribe registers c in roomID and drains its outbox until the test ends.
func (h *harness) subscribe(t *testing.T, roomID, userID string, c *collector) {
	t.Helper()
	handle := room.NewHandle(roomID, userID, userID, c, 0)
	h.registry.Register(handle)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = handle.Run(ctx, time.Second) }()
}

func randomBytes(t *testing.T, n int) []byte {
	t.Helper()
	b := make([]byte, n)
	_, err := rand.Read(b)
	require.NoError(t, err)
	return b
}

// chunksOf splits data into pieces of size and returns them as upload chunks.
func chunksOf(fileID, roomID, userID string, data []byte, size int) []*model.UploadChunk {
	total := (len(data) + size - 1) / size
	if total == 0 {
		total = 1
	}
	out := make([]*model.UploadChunk, 0, total)
	for i := 0; i < total; i++ {
		end := min((i+1)*size, len(data))
		out = append(out, &model.UploadChunk{
			FileID:      fileID,
			Filename:    fileID + ".bin",
			UserID:      userID,
			Username:    userID,
			RoomID:      roomID,
			FileSize:    int64(len(data)),
			ChunkData:   data[i*size : end],
			ChunkIndex:  uint32(i),
			TotalChunks: uint32(total),
		})
	}
	return out
}

func sendOrder(t *testing.T, tr *Tracker, key string, chunks []*model.UploadChunk, order []int) (*model.UploadResult, error) {
	t.Helper()
	for n, i := range order {
		res, err := tr.Accept(context.Background(), key, chunks[i])
		if n < len(order)-1 {
			require.Nil(t, res, "result before last chunk")
			require.NoError(t, err)
			continue
		}
		return res, err
	}
	return nil, nil
}

func TestThreeMiBOutOfOrderScenario(t *testing.T) {
	h := newHarness(t, defaultLimits())
	u1 := &collector{}
	u2 := &collector{}
	u3 := &collector{}
	h.subscribe(t, "r1", "u1", u1)
	h.subscribe(t, "r1", "u2", u2)
	h.subscribe(t, "r1", "u3", u3)

	data := randomBytes(t, 3*mib)
	chunks := chunksOf("f-3mib", "r1", "u1", data, mib)
	res, err := sendOrder(t, h.tracker, "stream-1", chunks, []int{1, 0, 2})
	require.NoError(t, err)
	require.NotNil(t, res)

	sum := sha256.Sum256(data)
	assert.True(t, res.Success)
	assert.Equal(t, int64(3145728), res.FileSize)
	assert.Equal(t, hex.EncodeToString(sum[:]), res.Checksum)
	assert.Equal(t, "f-3mib", res.FileID)

	for _, sub := range []*collector{u2, u3} {
		require.Eventually(t, func() bool { return len(sub.snapshot()) == 3 }, 2*time.Second, 10*time.Millisecond)
		wantTypes := []model.ChunkType{model.ChunkStart, model.ChunkMiddle, model.ChunkEnd}
		var rebuilt []byte
		for i, c := range sub.snapshot() {
			assert.Equal(t, wantTypes[i], c.Type)
			assert.Equal(t, "f-3mib", c.FileID)
			assert.Equal(t, uint32(i), c.ChunkIndex)
			rebuilt = append(rebuilt, c.ChunkData...)
		}
		assert.True(t, bytes.Equal(data, rebuilt))
	}
	assert.Empty(t, u1.snapshot())

	stored, err := h.store.Get("f-3mib")
	require.NoError(t, err)
	assert.Equal(t, res.Checksum, stored.Checksum)
	assert.Zero(t, h.tracker.Len())
}

func TestReassemblyIsOrderIndependent(t *testing.T) {
	data := randomBytes(t, 4000)
	sum := sha256.Sum256(data)
	orders := [][]int{
		{0, 1, 2, 3},
		{3, 2, 1, 0},
		{2, 0, 3, 1},
		{1, 3, 0, 2},
	}
	for _, order := range orders {
		h := newHarness(t, defaultLimits())
		chunks := chunksOf("f", "r", "u", data, 1000)
		res, err := sendOrder(t, h.tracker, "k", chunks, order)
		require.NoError(t, err)
		require.True(t, res.Success, "order %v", order)
		assert.Equal(t, hex.EncodeToString(sum[:]), res.Checksum, "order %v", order)

		stored, err := h.store.Get("f")
		require.NoError(t, err)
		assert.True(t, bytes.Equal(data, stored.Data), "order %v", order)
	}
}

func TestFileSizeBoundary(t *testing.T) {
	h := newHarness(t, defaultLimits())
	exact := make([]byte, maxFile)
	res, err := sendOrder(t, h.tracker, "exact", chunksOf("exact", "r", "u", exact, mib), seq(25))
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, int64(maxFile), res.FileSize)

	res, err = h.tracker.Accept(context.Background(), "over", &model.UploadChunk{
		FileID: "over", FileSize: maxFile + 1, TotalChunks: 26, ChunkData: []byte("x"),
	})
	assert.ErrorIs(t, err, ErrFileTooLarge)
	require.NotNil(t, res)
	assert.False(t, res.Success)
	assert.Zero(t, h.tracker.Len())

	_, err = h.store.Get("over")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestUnderDeclaredSizeStillCapped(t *testing.T) {
	h := newHarness(t, Limits{MaxFileSize: 10, MaxChunkSize: 8})
	chunks := chunksOf("liar", "r", "u", make([]byte, 16), 8)
	for _, c := range chunks {
		c.FileSize = 4
	}
	res, err := h.tracker.Accept(context.Background(), "k", chunks[0])
	require.NoError(t, err)
	require.Nil(t, res)

	res, err = h.tracker.Accept(context.Background(), "k", chunks[1])
	assert.ErrorIs(t, err, ErrFileTooLarge)
	assert.False(t, res.Success)
}

func TestChunkSizeBoundary(t *testing.T) {
	h := newHarness(t, defaultLimits())
	res, err := h.tracker.Accept(context.Background(), "a", &model.UploadChunk{
		FileID: "a", FileSize: mib, TotalChunks: 1, ChunkData: make([]byte, mib),
	})
	require.NoError(t, err)
	assert.True(t, res.Success)

	res, err = h.tracker.Accept(context.Background(), "b", &model.UploadChunk{
		FileID: "b", FileSize: mib + 1, TotalChunks: 1, ChunkData: make([]byte, mib+1),
	})
	assert.ErrorIs(t, err, ErrChunkTooLarge)
	assert.False(t, res.Success)
	assert.Zero(t, h.tracker.Len())
}

func TestOversizedChunkMidSessionRejectsWholeSession(t *testing.T) {
	h := newHarness(t, defaultLimits())
	base := &model.UploadChunk{FileID: "f", FileSize: 3 * mib, TotalChunks: 3}

	first := *base
	first.ChunkData = make([]byte, 10)
	res, err := h.tracker.Accept(context.Background(), "k", &first)
	require.NoError(t, err)
	require.Nil(t, res)

	second := *base
	second.ChunkIndex = 1
	second.ChunkData = make([]byte, mib+1)
	res, err = h.tracker.Accept(context.Background(), "k", &second)
	assert.ErrorIs(t, err, ErrChunkTooLarge)
	assert.False(t, res.Success)
	assert.Zero(t, h.tracker.Len())
}

func TestInvalidChunks(t *testing.T) {
	h := newHarness(t, defaultLimits())

	_, err := h.tracker.Accept(context.Background(), "zero", &model.UploadChunk{FileID: "z"})
	assert.ErrorIs(t, err, ErrInvalidChunk)

	_, err = h.tracker.Accept(context.Background(), "range", &model.UploadChunk{FileID: "r", TotalChunks: 2, ChunkIndex: 2})
	assert.ErrorIs(t, err, ErrInvalidChunk)

	res, err := h.tracker.Accept(context.Background(), "dup", &model.UploadChunk{FileID: "d", TotalChunks: 3, ChunkIndex: 1})
	require.NoError(t, err)
	require.Nil(t, res)
	_, err = h.tracker.Accept(context.Background(), "dup", &model.UploadChunk{FileID: "d", TotalChunks: 3, ChunkIndex: 1})
	assert.ErrorIs(t, err, ErrInvalidChunk)
	assert.Zero(t, h.tracker.Len())
}

// A transfer that stops early is discarded without any reply.
func TestIncompleteTransferYieldsNoResult(t *testing.T) {
	h := newHarness(t, defaultLimits())
	chunks := chunksOf("partial", "r", "u", make([]byte, 50), 10)
	require.Len(t, chunks, 5)

	for _, c := range chunks[:2] {
		res, err := h.tracker.Accept(context.Background(), "k", c)
		require.NoError(t, err)
		assert.Nil(t, res)
	}
	assert.Equal(t, 1, h.tracker.Len())

	h.tracker.Abandon("k")
	assert.Zero(t, h.tracker.Len())
	assert.Zero(t, h.store.Len())

	// Abandoning an unknown stream is harmless.
	h.tracker.Abandon("k")
}

func TestDefaultsForRoomAndFileID(t *testing.T) {
	h := newHarness(t, defaultLimits())
	res, err := h.tracker.Accept(context.Background(), "k", &model.UploadChunk{
		Filename: "hello.txt", UserID: "u", FileSize: 5, TotalChunks: 1, ChunkData: []byte("hello"),
	})
	require.NoError(t, err)
	require.True(t, res.Success)
	assert.NotEmpty(t, res.FileID)

	stored, err := h.store.Get(res.FileID)
	require.NoError(t, err)
	assert.Equal(t, model.DefaultRoom, stored.RoomID)
	assert.Equal(t, "text/plain", stored.MimeType)
}

func TestSizeMismatchOnlyWarns(t *testing.T) {
	h := newHarness(t, defaultLimits())
	res, err := h.tracker.Accept(context.Background(), "k", &model.UploadChunk{
		FileID: "m", Filename: "m.bin", FileSize: 50000, TotalChunks: 1, ChunkData: []byte("tiny"),
	})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, int64(4), res.FileSize)
}

func TestIdleSweepExpiresSession(t *testing.T) {
	h := newHarness(t, Limits{MaxFileSize: maxFile, MaxChunkSize: mib, IdleTimeout: time.Minute})
	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	h.tracker.now = func() time.Time { return clock }

	chunks := chunksOf("slow", "r", "u", make([]byte, 20), 10)
	res, err := h.tracker.Accept(context.Background(), "k", chunks[0])
	require.NoError(t, err)
	require.Nil(t, res)

	clock = clock.Add(30 * time.Second)
	assert.Zero(t, h.tracker.Sweep())

	clock = clock.Add(time.Minute)
	assert.Equal(t, 1, h.tracker.Sweep())
	assert.Zero(t, h.tracker.Len())

	res, err = h.tracker.Accept(context.Background(), "k", chunks[1])
	assert.ErrorIs(t, err, ErrSessionExpired)
	require.NotNil(t, res)
	assert.False(t, res.Success)
}

func TestSweepDisabledByDefault(t *testing.T) {
	h := newHarness(t, defaultLimits())
	h.tracker.now = func() time.Time { return time.Now().Add(-24 * time.Hour) }
	_, err := h.tracker.Accept(context.Background(), "k", &model.UploadChunk{FileID: "f", TotalChunks: 2})
	require.NoError(t, err)

	h.tracker.now = time.Now
	assert.Zero(t, h.tracker.Sweep())
	assert.Equal(t, 1, h.tracker.Len())
}

func seq(n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = i
	}
	return out
}
