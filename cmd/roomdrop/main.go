// Command roomdrop is the RoomDrop client: it uploads files, replays stored
// ones and joins rooms as a live subscriber.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/dharsanguruparan/RoomDrop/internal/broadcast"
	"github.com/dharsanguruparan/RoomDrop/internal/classify"
	"github.com/dharsanguruparan/RoomDrop/internal/client"
	"github.com/dharsanguruparan/RoomDrop/internal/logger"
	"github.com/dharsanguruparan/RoomDrop/internal/model"
	"github.com/dharsanguruparan/RoomDrop/internal/transport"
)

type globalOptions struct {
	addr      string
	room      string
	user      string
	username  string
	chunkSize int
	logLevel  string
}

var opts globalOptions

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rootCmd := newRootCommand()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "roomdrop: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "roomdrop",
		Short: "RoomDrop file distribution client",
		Long: `roomdrop talks to a RoomDrop server: upload files to a room, replay files the
server has stored, or stay connected to a room and save every file shared in it.`,
		SilenceUsage: true,
	}
	flags := cmd.PersistentFlags()
	flags.StringVar(&opts.addr, "addr", "localhost:50051", "Server gRPC address")
	flags.StringVar(&opts.room, "room", model.DefaultRoom, "Room to upload to or join")
	flags.StringVar(&opts.user, "user", "", "User id")
	flags.StringVar(&opts.username, "username", "", "Display name (defaults to the user id)")
	flags.IntVar(&opts.chunkSize, "chunk-size", broadcast.DefaultChunkSize, "Chunk size in bytes")
	flags.StringVar(&opts.logLevel, "log-level", "warn", "Log level")
	cmd.AddCommand(
		newUploadCmd(),
		newReplayCmd(),
		newListenCmd(),
		newHealthCmd(),
	)
	return cmd
}

func dial() (*grpc.ClientConn, error) {
	maxMsg := opts.chunkSize*2 + 64<<10
	return grpc.NewClient(opts.addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.MaxCallRecvMsgSize(maxMsg), grpc.MaxCallSendMsgSize(maxMsg)),
	)
}

func newClient(conn *grpc.ClientConn) *client.Client {
	username := opts.username
	if username == "" {
		username = opts.user
	}
	id := client.Identity{RoomID: opts.room, UserID: opts.user, Username: username}
	return client.New(transport.NewClient(conn), id, opts.chunkSize, logger.New(os.Stderr, opts.logLevel, "text"))
}

func newUploadCmd() *cobra.Command {
	var fileID string
	cmd := &cobra.Command{
		Use:   "upload FILE",
		Short: "Upload a file to a room",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.user == "" {
				return errors.New("--user is required")
			}
			conn, err := dial()
			if err != nil {
				return err
			}
			defer conn.Close()

			res, err := newClient(conn).UploadPath(cmd.Context(), fileID, args[0])
			if err != nil {
				return err
			}
			if !res.Success {
				return fmt.Errorf("upload rejected: %s", res.Message)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s %d bytes sha256=%s\n%s\n",
				res.FileID, res.Filename, res.FileSize, res.Checksum, res.Message)
			return nil
		},
	}
	cmd.Flags().StringVar(&fileID, "file-id", "", "File id (generated when empty)")
	return cmd
}

func newReplayCmd() *cobra.Command {
	var (
		fileID string
		outDir string
	)
	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Download stored files by id or by room",
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, err := dial()
			if err != nil {
				return err
			}
			defer conn.Close()

			req := &model.ReplayRequest{FileID: fileID}
			if fileID == "" {
				req.RoomID = opts.room
			}
			n, err := newClient(conn).Replay(cmd.Context(), req, saver(cmd, outDir))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "replayed %d file(s)\n", n)
			return nil
		},
	}
	cmd.Flags().StringVar(&fileID, "file-id", "", "Replay a single file (takes precedence over --room)")
	cmd.Flags().StringVarP(&outDir, "out", "o", ".", "Directory to write files into")
	return cmd
}

func newListenCmd() *cobra.Command {
	var (
		outDir   string
		sendPath string
	)
	cmd := &cobra.Command{
		Use:   "listen",
		Short: "Join a room and save every file shared in it",
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.user == "" {
				return errors.New("--user is required")
			}
			var send *client.File
			if sendPath != "" {
				data, err := os.ReadFile(sendPath)
				if err != nil {
					return err
				}
				name := filepath.Base(sendPath)
				send = &client.File{Filename: name, MimeType: classify.Detect(name, data), Data: data}
			}
			conn, err := dial()
			if err != nil {
				return err
			}
			defer conn.Close()

			fmt.Fprintf(cmd.OutOrStdout(), "listening in room %q as %s\n", opts.room, opts.user)
			return newClient(conn).Listen(cmd.Context(), send, saver(cmd, outDir))
		},
	}
	cmd.Flags().StringVarP(&outDir, "out", "o", ".", "Directory to write received files into")
	cmd.Flags().StringVar(&sendPath, "send", "", "File to push to the room as live chunks after joining")
	return cmd
}

func newHealthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Query the server's gRPC health status",
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, err := dial()
			if err != nil {
				return err
			}
			defer conn.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
			defer cancel()
			resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: transport.ServiceName})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), resp.GetStatus().String())
			return nil
		},
	}
}

func saver(cmd *cobra.Command, dir string) func(*client.File) error {
	return func(f *client.File) error {
		path, err := client.Save(dir, f)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "saved %s (%d bytes from %s)\n", path, len(f.Data), f.Sender)
		return nil
	}
}
