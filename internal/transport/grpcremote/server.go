package grpcremote

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"

	"github.com/spf13/cobra"
	"go.jetify.com/typeid"

	"github.com/finrocmirror/go-blackboard/internal/wire"
	"github.com/finrocmirror/go-blackboard/pkg/blackboard"
)

// ServiceName is the gRPC service name this package registers by hand,
// since there is no .proto file in this tree to generate a stub from.
const ServiceName = "blackboard.v1.Blackboard"

const (
	DefaultShutdownTimeout  = 30 * time.Second
	DefaultKeepaliveTime    = 30 * time.Second
	DefaultKeepaliveTimeout = 20 * time.Second
	DefaultKeepaliveMinTime = 15 * time.Second
)

// sessionPrefix implements typeid.Prefix for remote write-lock session ids.
type sessionPrefix struct{}

func (sessionPrefix) Prefix() string { return "bbsess" }

// SessionID correlates a remote WriteLock grant with its later Commit RPC
// across log lines; it plays no role in the blackboard's own state machine,
// which keys on the plain uint64 lock id instead.
type SessionID struct {
	typeid.TypeID[sessionPrefix]
}

func newSessionID() (SessionID, error) {
	return typeid.New[SessionID]()
}

// TLSConfig is the server's certificate material. Left zero-valued, the
// server listens with insecure transport credentials (suitable for loopback
// development or when a proxy terminates TLS in front of it).
type TLSConfig struct {
	CACertFile string
	CertFile   string
	KeyFile    string
}

// Config configures a Server.
type Config struct {
	Addr            string
	TLS             TLSConfig
	ShutdownTimeout time.Duration

	KeepaliveTime    time.Duration
	KeepaliveTimeout time.Duration
	KeepaliveMinTime time.Duration
}

// Flags registers this config's fields as cobra flags.
func (c *Config) Flags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&c.Addr, "listen-addr", ":8000", "listen address")
	cmd.Flags().StringVar(&c.TLS.CACertFile, "tls-ca-cert", "", "tls ca cert file to validate client certificates; TLS is disabled if empty")
	cmd.Flags().StringVar(&c.TLS.CertFile, "tls-cert", "", "tls server certificate file")
	cmd.Flags().StringVar(&c.TLS.KeyFile, "tls-key", "", "tls server key file")
	cmd.Flags().DurationVar(&c.ShutdownTimeout, "shutdown-timeout", DefaultShutdownTimeout, "time to wait for connections to close before forcing shutdown")
}

// Server exposes a *blackboard.Server[T] over gRPC: remote ReadLock,
// WriteLock, Commit, AsynchronousChange, DirectCommit, and KeepAlive calls.
type Server[T any] struct {
	cfg Config
	bb  *blackboard.Server[T]

	gs     *grpc.Server
	health *health.Server

	mu      sync.Mutex
	pending map[uint64]*blackboard.WriteHandle[T]
}

// NewServer wraps bb for remote access under cfg.
func NewServer[T any](bb *blackboard.Server[T], cfg Config) (*Server[T], error) {
	if cfg.KeepaliveTime <= 0 {
		cfg.KeepaliveTime = DefaultKeepaliveTime
	}
	if cfg.KeepaliveTimeout <= 0 {
		cfg.KeepaliveTimeout = DefaultKeepaliveTimeout
	}
	if cfg.KeepaliveMinTime <= 0 {
		cfg.KeepaliveMinTime = DefaultKeepaliveMinTime
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = DefaultShutdownTimeout
	}

	s := &Server[T]{
		cfg:     cfg,
		bb:      bb,
		pending: make(map[uint64]*blackboard.WriteHandle[T]),
	}

	creds, err := s.transportCreds()
	if err != nil {
		return nil, err
	}

	s.gs = grpc.NewServer(
		grpc.Creds(creds),
		grpc.ForceServerCodec(wireCodec{}),
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    cfg.KeepaliveTime,
			Timeout: cfg.KeepaliveTimeout,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             cfg.KeepaliveMinTime,
			PermitWithoutStream: true,
		}),
	)

	s.health = health.NewServer()
	healthpb.RegisterHealthServer(s.gs, s.health)
	reflection.Register(s.gs)

	s.gs.RegisterService(s.serviceDesc(), s)
	s.health.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)

	return s, nil
}

func (s *Server[T]) transportCreds() (credentials.TransportCredentials, error) {
	if s.cfg.TLS.CertFile == "" {
		return insecure.NewCredentials(), nil
	}

	crt, err := tls.LoadX509KeyPair(s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("grpcremote: loading server keypair: %w", err)
	}

	tlsCfg := &tls.Config{
		Certificates: []tls.Certificate{crt},
		MinVersion:   tls.VersionTLS13,
	}

	if s.cfg.TLS.CACertFile != "" {
		caCert, err := os.ReadFile(s.cfg.TLS.CACertFile)
		if err != nil {
			return nil, fmt.Errorf("grpcremote: loading ca cert: %w", err)
		}
		pool := x509.NewCertPool()
		pool.AppendCertsFromPEM(caCert)
		tlsCfg.ClientAuth = tls.RequireAndVerifyClientCert
		tlsCfg.ClientCAs = pool
	}

	return credentials.NewTLS(tlsCfg), nil
}

// Serve blocks, accepting connections on cfg.Addr.
func (s *Server[T]) Serve() error {
	lis, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	slog.Info("grpcremote: listening", "addr", lis.Addr())
	return s.gs.Serve(lis)
}

// Stop forcibly terminates the server.
func (s *Server[T]) Stop() { s.gs.Stop() }

// GracefulStop waits for in-flight RPCs to finish.
func (s *Server[T]) GracefulStop() { s.gs.GracefulStop() }

func (s *Server[T]) serviceDesc() *grpc.ServiceDesc {
	return &grpc.ServiceDesc{
		ServiceName: ServiceName,
		HandlerType: (*any)(nil),
		Methods: []grpc.MethodDesc{
			{MethodName: "ReadLock", Handler: s.handleReadLock},
			{MethodName: "WriteLock", Handler: s.handleWriteLock},
			{MethodName: "Commit", Handler: s.handleCommit},
			{MethodName: "AsynchronousChange", Handler: s.handleAsynchronousChange},
			{MethodName: "DirectCommit", Handler: s.handleDirectCommit},
			{MethodName: "KeepAlive", Handler: s.handleKeepAlive},
		},
		Metadata: "blackboard.proto",
	}
}

func fullMethod(name string) string { return "/" + ServiceName + "/" + name }

func mapErr(err error) error {
	switch err {
	case blackboard.ErrNoLock:
		return status.Error(codes.DeadlineExceeded, err.Error())
	case blackboard.ErrTornDown:
		return status.Error(codes.Unavailable, err.Error())
	case blackboard.ErrNotWriteLocked:
		return status.Error(codes.FailedPrecondition, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

func (s *Server[T]) handleReadLock(_ any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(LockParamsRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return s.readLock(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: s, FullMethod: fullMethod("ReadLock")}
	return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
		return s.readLock(ctx, req.(*LockParamsRequest))
	})
}

func (s *Server[T]) readLock(ctx context.Context, in *LockParamsRequest) (any, error) {
	h, err := s.bb.ReadLock(in.Timeout).Wait(ctx)
	if err != nil {
		return nil, mapErr(err)
	}
	defer h.Release()

	return &LockedBufferMessage[T]{LockedBuffer: wireLockedBufferFrom(0, true, h.Elements())}, nil
}

func (s *Server[T]) handleWriteLock(_ any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(LockParamsRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return s.writeLock(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: s, FullMethod: fullMethod("WriteLock")}
	return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
		return s.writeLock(ctx, req.(*LockParamsRequest))
	})
}

func (s *Server[T]) writeLock(ctx context.Context, in *LockParamsRequest) (any, error) {
	// Remote callers always take the on-copy path; only a local, in-process
	// caller can ever be granted an exclusive write lock.
	h, err := s.bb.WriteLock(in.Timeout, true).Wait(ctx)
	if err != nil {
		return nil, mapErr(err)
	}

	id := h.LockID()
	s.mu.Lock()
	s.pending[id] = h
	s.mu.Unlock()

	sess, err := newSessionID()
	if err == nil {
		slog.Info("grpcremote: write lock granted", "session", sess.String(), "lockID", id)
	}

	return &LockedBufferMessage[T]{LockedBuffer: wireLockedBufferFrom(id, true, h.Elements())}, nil
}

func (s *Server[T]) handleCommit(_ any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(CommitMessage[T])
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return s.commit(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: s, FullMethod: fullMethod("Commit")}
	return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
		return s.commit(ctx, req.(*CommitMessage[T]))
	})
}

func (s *Server[T]) commit(_ context.Context, in *CommitMessage[T]) (any, error) {
	s.mu.Lock()
	h, ok := s.pending[in.LockID]
	delete(s.pending, in.LockID)
	s.mu.Unlock()

	if !ok {
		return nil, status.Error(codes.FailedPrecondition, "grpcremote: no pending write lock with that id (already resolved)")
	}

	var err error
	switch in.Kind {
	case commitBuffer:
		err = h.CommitBuffer(in.Elements)
	case commitAborted:
		err = h.Abort(nil)
	default:
		err = h.CommitNoChanges()
	}
	if err != nil {
		return nil, mapErr(err)
	}
	return &Empty{}, nil
}

func (s *Server[T]) handleAsynchronousChange(_ any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(ChangeSetMessage[T])
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return s.asynchronousChange(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: s, FullMethod: fullMethod("AsynchronousChange")}
	return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
		return s.asynchronousChange(ctx, req.(*ChangeSetMessage[T]))
	})
}

func (s *Server[T]) asynchronousChange(_ context.Context, in *ChangeSetMessage[T]) (any, error) {
	if err := s.bb.AsynchronousChange(in.Set); err != nil {
		return nil, mapErr(err)
	}
	return &Empty{}, nil
}

func (s *Server[T]) handleDirectCommit(_ any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(DirectCommitMessage[T])
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return s.directCommit(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: s, FullMethod: fullMethod("DirectCommit")}
	return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
		return s.directCommit(ctx, req.(*DirectCommitMessage[T]))
	})
}

func (s *Server[T]) directCommit(_ context.Context, in *DirectCommitMessage[T]) (any, error) {
	var elements []T
	if in.Present {
		elements = in.Elements
	}
	if err := s.bb.DirectCommit(elements); err != nil {
		return nil, mapErr(err)
	}
	return &Empty{}, nil
}

func (s *Server[T]) handleKeepAlive(_ any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(KeepAliveRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return s.keepAlive(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: s, FullMethod: fullMethod("KeepAlive")}
	return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
		return s.keepAlive(ctx, req.(*KeepAliveRequest))
	})
}

func (s *Server[T]) keepAlive(_ context.Context, in *KeepAliveRequest) (any, error) {
	if err := s.bb.KeepAlive(in.LockID); err != nil {
		return nil, mapErr(err)
	}
	return &Empty{}, nil
}

func wireLockedBufferFrom[T any](lockID uint64, present bool, src []T) wire.LockedBuffer[T] {
	return wire.LockedBuffer[T]{
		LockID:   lockID,
		Present:  present,
		Elements: append([]T(nil), src...),
	}
}
