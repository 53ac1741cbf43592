package transport

import (
	"context"

	"google.golang.org/grpc"

	"github.com/dharsanguruparan/RoomDrop/internal/model"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "roomdrop.v1.FileDistribution"

const (
	uploadFileMethod      = "/" + ServiceName + "/UploadFile"
	replayFilesMethod     = "/" + ServiceName + "/ReplayFiles"
	distributeFilesMethod = "/" + ServiceName + "/DistributeFiles"
)

// FileDistributionServer is the server API of the file distribution service.
type FileDistributionServer interface {
	UploadFile(UploadStream) error
	ReplayFiles(*model.ReplayRequest, ReplayStream) error
	DistributeFiles(DistributeStream) error
}

// UploadStream is the server side of a client-streaming upload.
type UploadStream interface {
	Recv() (*model.UploadChunk, error)
	SendAndClose(*model.UploadResult) error
	grpc.ServerStream
}

// ReplayStream is the server side of a replay.
type ReplayStream interface {
	Send(*model.FileChunk) error
	grpc.ServerStream
}

// DistributeStream is the server side of a live distribution session.
type DistributeStream interface {
	Send(*model.FileChunk) error
	Recv() (*model.FileChunk, error)
	grpc.ServerStream
}

// ServiceDesc describes the service for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*FileDistributionServer)(nil),
	Methods:     []grpc.MethodDesc{},
	Streams: []grpc.StreamDesc{
		{StreamName: "UploadFile", Handler: uploadFileHandler, ClientStreams: true},
		{StreamName: "ReplayFiles", Handler: replayFilesHandler, ServerStreams: true},
		{StreamName: "DistributeFiles", Handler: distributeFilesHandler, ServerStreams: true, ClientStreams: true},
	},
}

// Register attaches srv to s.
func Register(s grpc.ServiceRegistrar, srv FileDistributionServer) {
	s.RegisterService(&ServiceDesc, srv)
}

func uploadFileHandler(srv any, stream grpc.ServerStream) error {
	return srv.(FileDistributionServer).UploadFile(&uploadServerStream{stream})
}

func replayFilesHandler(srv any, stream grpc.ServerStream) error {
	req := new(model.ReplayRequest)
	if err := stream.RecvMsg(req); err != nil {
		return err
	}
	return srv.(FileDistributionServer).ReplayFiles(req, &chunkServerStream{stream})
}

func distributeFilesHandler(srv any, stream grpc.ServerStream) error {
	return srv.(FileDistributionServer).DistributeFiles(&chunkServerStream{stream})
}

type uploadServerStream struct{ grpc.ServerStream }

func (x *uploadServerStream) Recv() (*model.UploadChunk, error) {
	m := new(model.UploadChunk)
	if err := x.ServerStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

func (x *uploadServerStream) SendAndClose(m *model.UploadResult) error {
	return x.ServerStream.SendMsg(m)
}

type chunkServerStream struct{ grpc.ServerStream }

func (x *chunkServerStream) Send(m *model.FileChunk) error { return x.ServerStream.SendMsg(m) }

func (x *chunkServerStream) Recv() (*model.FileChunk, error) {
	m := new(model.FileChunk)
	if err := x.ServerStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

// Client is the client API of the file distribution service. Every call uses
// the JSON codec.
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient wraps an established connection.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

// UploadClient is the client side of an upload.
type UploadClient interface {
	Send(*model.UploadChunk) error
	CloseAndRecv() (*model.UploadResult, error)
	grpc.ClientStream
}

// ChunkClient reads chunks from a replay, and for live sessions also sends.
type ChunkClient interface {
	Send(*model.FileChunk) error
	Recv() (*model.FileChunk, error)
	grpc.ClientStream
}

func (c *Client) withCodec(opts []grpc.CallOption) []grpc.CallOption {
	return append([]grpc.CallOption{CallOption()}, opts...)
}

// UploadFile opens an upload stream.
func (c *Client) UploadFile(ctx context.Context, opts ...grpc.CallOption) (UploadClient, error) {
	stream, err := c.cc.NewStream(ctx, &ServiceDesc.Streams[0], uploadFileMethod, c.withCodec(opts)...)
	if err != nil {
		return nil, err
	}
	return &uploadClientStream{stream}, nil
}

// ReplayFiles requests a replay and returns the chunk stream.
func (c *Client) ReplayFiles(ctx context.Context, req *model.ReplayRequest, opts ...grpc.CallOption) (ChunkClient, error) {
	stream, err := c.cc.NewStream(ctx, &ServiceDesc.Streams[1], replayFilesMethod, c.withCodec(opts)...)
	if err != nil {
		return nil, err
	}
	x := &chunkClientStream{stream}
	if err := x.ClientStream.SendMsg(req); err != nil {
		return nil, err
	}
	if err := x.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	return x, nil
}

// DistributeFiles opens a live session. The first Send must carry room_id,
// user_id and username.
func (c *Client) DistributeFiles(ctx context.Context, opts ...grpc.CallOption) (ChunkClient, error) {
	stream, err := c.cc.NewStream(ctx, &ServiceDesc.Streams[2], distributeFilesMethod, c.withCodec(opts)...)
	if err != nil {
		return nil, err
	}
	return &chunkClientStream{stream}, nil
}

type uploadClientStream struct{ grpc.ClientStream }

func (x *uploadClientStream) Send(m *model.UploadChunk) error { return x.ClientStream.SendMsg(m) }

func (x *uploadClientStream) CloseAndRecv() (*model.UploadResult, error) {
	if err := x.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	m := new(model.UploadResult)
	if err := x.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

type chunkClientStream struct{ grpc.ClientStream }

func (x *chunkClientStream) Send(m *model.FileChunk) error { return x.ClientStream.SendMsg(m) }

func (x *chunkClientStream) Recv() (*model.FileChunk, error) {
	m := new(model.FileChunk)
	if err := x.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}
