package server

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/test/bufconn"

	"github.com/dharsanguruparan/RoomDrop/internal/config"
	"github.com/dharsanguruparan/RoomDrop/internal/logger"
	"github.com/dharsanguruparan/RoomDrop/internal/model"
	"github.com/dharsanguruparan/RoomDrop/internal/transport"
)

type recordingArchiver struct {
	got chan *model.FileRecord
}

func (a *recordingArchiver) Archive(_ context.Context, rec *model.FileRecord) error {
	a.got <- rec
	return nil
}

func TestServeLifecycle(t *testing.T) {
	cfg := config.Defaults()
	cfg.OpsAddress = "127.0.0.1:0"
	cfg.ShutdownTimeout = 2 * time.Second

	archiver := &recordingArchiver{got: make(chan *model.FileRecord, 1)}
	srv := New(cfg, &Archive{Archiver: archiver}, logger.Discard())

	lis := bufconn.Listen(1 << 20)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.ServeListener(ctx, lis) }()

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	defer conn.Close()

	callCtx, callCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer callCancel()

	require.Eventually(t, func() bool {
		resp, err := healthpb.NewHealthClient(conn).Check(callCtx, &healthpb.HealthCheckRequest{Service: transport.ServiceName})
		return err == nil && resp.GetStatus() == healthpb.HealthCheckResponse_SERVING
	}, 2*time.Second, 20*time.Millisecond)

	up, err := transport.NewClient(conn).UploadFile(callCtx)
	require.NoError(t, err)
	require.NoError(t, up.Send(&model.UploadChunk{
		FileID: "f1", Filename: "hi.txt", UserID: "u1", RoomID: "r1",
		FileSize: 2, ChunkData: []byte("hi"), TotalChunks: 1,
	}))
	res, err := up.CloseAndRecv()
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 1, srv.Store.Len())

	select {
	case rec := <-archiver.got:
		assert.Equal(t, "f1", rec.FileID)
	case <-time.After(2 * time.Second):
		t.Fatal("record was not archived")
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
