package upload

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dharsanguruparan/RoomDrop/internal/broadcast"
	"github.com/dharsanguruparan/RoomDrop/internal/logger"
	"github.com/dharsanguruparan/RoomDrop/internal/model"
	"github.com/dharsanguruparan/RoomDrop/internal/scan"
	"github.com/dharsanguruparan/RoomDrop/internal/storage"
)

type broadcasterFunc func(ctx context.Context, rec *model.FileRecord) broadcast.Delivery

func (f broadcasterFunc) PushFile(ctx context.Context, rec *model.FileRecord) broadcast.Delivery {
	return f(ctx, rec)
}

type archiverFunc func(rec *model.FileRecord)

func (f archiverFunc) Submit(rec *model.FileRecord) { f(rec) }

func completeSession(fileID string, parts ...string) *Session {
	var size int64
	for _, p := range parts {
		size += int64(len(p))
	}
	s := newSession(&model.UploadChunk{
		Filename:    fileID + ".txt",
		UserID:      "u1",
		RoomID:      "r1",
		FileSize:    size,
		TotalChunks: uint32(len(parts)),
	}, fileID, time.Now())
	for i, p := range parts {
		s.add(uint32(i), []byte(p), time.Now())
	}
	return s
}

func noBroadcast(context.Context, *model.FileRecord) broadcast.Delivery { return broadcast.Delivery{} }

func TestFinalizeStoresAndArchives(t *testing.T) {
	store := storage.NewMemoryStore()
	var pushed, archived *model.FileRecord
	f := NewFinalizer(store,
		broadcasterFunc(func(_ context.Context, rec *model.FileRecord) broadcast.Delivery {
			pushed = rec
			return broadcast.Delivery{Recipients: 2, Failed: 1}
		}),
		scan.New(1024, 10000, logger.Discard()),
		archiverFunc(func(rec *model.FileRecord) { archived = rec }),
		1024, logger.Discard())

	res := f.Finalize(context.Background(), completeSession("f1", "hello ", "world"))
	require.True(t, res.Success)
	assert.Equal(t, int64(11), res.FileSize)
	assert.Equal(t, "b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9", res.Checksum)
	assert.Contains(t, res.Message, "1 subscriber")

	require.NotNil(t, pushed)
	assert.Same(t, pushed, archived)
	assert.Equal(t, "text/plain", pushed.MimeType)
	assert.True(t, pushed.Verdict.Safe)
	assert.Equal(t, 1, store.Len())
}

func TestFinalizeUnsafeCreatesNoRecord(t *testing.T) {
	store := storage.NewMemoryStore()
	called := false
	f := NewFinalizer(store,
		broadcasterFunc(func(context.Context, *model.FileRecord) broadcast.Delivery {
			called = true
			return broadcast.Delivery{}
		}),
		scan.New(4, 10000, logger.Discard()), nil, 1024, logger.Discard())

	res := f.Finalize(context.Background(), completeSession("big", "12345"))
	assert.False(t, res.Success)
	assert.Zero(t, res.FileSize)
	assert.Equal(t, "big", res.FileID)
	assert.False(t, called)
	assert.Zero(t, store.Len())
}

func TestFinalizeAdvisoryWarningsDoNotBlock(t *testing.T) {
	store := storage.NewMemoryStore()
	f := NewFinalizer(store, broadcasterFunc(noBroadcast), scan.New(1024, 10000, logger.Discard()), nil, 1024, logger.Discard())

	s := completeSession("evil", "<script>eval(1)</script>")
	s.Filename = "evil.js"
	res := f.Finalize(context.Background(), s)
	require.True(t, res.Success)

	stored, err := store.Get("evil")
	require.NoError(t, err)
	assert.True(t, stored.Verdict.Safe)
	assert.NotEmpty(t, stored.Verdict.Warnings)
}

func TestFinalizeRecoversFromPanic(t *testing.T) {
	f := NewFinalizer(storage.NewMemoryStore(),
		broadcasterFunc(func(context.Context, *model.FileRecord) broadcast.Delivery { panic("boom") }),
		scan.New(1024, 10000, logger.Discard()), nil, 1024, logger.Discard())

	res := f.Finalize(context.Background(), completeSession("p", "data"))
	require.NotNil(t, res)
	assert.False(t, res.Success)
	assert.Equal(t, "p", res.FileID)
	assert.Equal(t, "p.txt", res.Filename)
	assert.Equal(t, internalErrorMessage, res.Message)
}

func TestFinalizeDuplicateIDOverwrites(t *testing.T) {
	store := storage.NewMemoryStore()
	f := NewFinalizer(store, broadcasterFunc(noBroadcast), scan.New(1024, 10000, logger.Discard()), nil, 1024, logger.Discard())

	require.True(t, f.Finalize(context.Background(), completeSession("same", "first")).Success)
	require.True(t, f.Finalize(context.Background(), completeSession("same", "second")).Success)

	stored, err := store.Get("same")
	require.NoError(t, err)
	assert.Equal(t, "second", string(stored.Data))
	assert.Equal(t, 1, store.Len())
}
