// Package transport binds the handshake and wire codec to real TCP
// connections, exposing a Connect/Serve surface and the Session type
// through which application messages flow once a connection is secured.
package transport

import (
	"context"
	"crypto/ed25519"
	"errors"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/coinstash/securerpc/internal/dispatch"
	"github.com/coinstash/securerpc/internal/handshake"
	"github.com/coinstash/securerpc/internal/logging"
	"github.com/coinstash/securerpc/internal/metrics"
	"github.com/coinstash/securerpc/internal/protocol"
	"github.com/coinstash/securerpc/internal/rpcerrors"
)

// DefaultHandshakeTimeout bounds how long either side waits for the
// handshake to complete before abandoning the connection.
const DefaultHandshakeTimeout = 10 * time.Second

// Options configures Connect and Serve. The zero value is usable: it
// selects DefaultHandshakeTimeout, protocol.DefaultMaxFrameSize, a no-op
// logger and no metrics.
type Options struct {
	HandshakeTimeout time.Duration
	MaxFrameSize     uint32
	Logger           *slog.Logger
	Metrics          *metrics.Metrics
}

func (o Options) withDefaults() Options {
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if o.MaxFrameSize == 0 {
		o.MaxFrameSize = protocol.DefaultMaxFrameSize
	}
	if o.Logger == nil {
		o.Logger = logging.NopLogger()
	}
	return o
}

// Session is an established, secured connection. Send/Receive carry
// application Messages; the handshake has already completed by the time
// a Session is returned from Connect or handed to a Dispatcher.
type Session struct {
	conn   net.Conn
	codec  *protocol.Codec
	reader *protocol.FrameReader
	writer *protocol.FrameWriter
	opts   Options
}

// Send encodes and writes msg as a Normal frame.
func (s *Session) Send(msg protocol.Message) error {
	frame, err := s.codec.EncodeFrame(protocol.WrapMessage(msg))
	if err != nil {
		s.recordAEADFailureIfAny("seal", err)
		return err
	}
	if err := s.writer.Write(frame); err != nil {
		return err
	}
	if s.opts.Metrics != nil {
		s.opts.Metrics.RecordFrame("sent", frame.Kind.String())
	}
	s.opts.Logger.Debug("frame sent", logging.KeyFrameKind, frame.Kind.String(), logging.KeyFrameBytes, len(frame.Body))
	return nil
}

// Receive reads and decodes the next frame's Message. It returns io.EOF
// when the peer has closed the connection cleanly.
func (s *Session) Receive() (protocol.Message, error) {
	frame, err := s.reader.Read()
	if err != nil {
		return nil, err
	}
	if s.opts.Metrics != nil {
		s.opts.Metrics.RecordFrame("recv", frame.Kind.String())
	}
	s.opts.Logger.Debug("frame received", logging.KeyFrameKind, frame.Kind.String(), logging.KeyFrameBytes, len(frame.Body))
	wrapper, err := s.codec.DecodeFrame(frame)
	if err != nil {
		s.recordAEADFailureIfAny("open", err)
		return nil, err
	}
	return wrapper.Payload, nil
}

// recordAEADFailureIfAny increments the AEAD failure counter when err
// originates from a seal/open failure rather than from framing or
// serialization, so the reason label stays meaningful.
func (s *Session) recordAEADFailureIfAny(reason string, err error) {
	if s.opts.Metrics == nil {
		return
	}
	var cryptoErr *rpcerrors.CryptoError
	if errors.As(err, &cryptoErr) {
		s.opts.Metrics.RecordAEADFailure(reason)
	}
}

// Close closes the underlying connection.
func (s *Session) Close() error {
	return s.conn.Close()
}

// RemoteAddr returns the address of the connection's peer.
func (s *Session) RemoteAddr() net.Addr {
	return s.conn.RemoteAddr()
}

// Connect dials addr, runs the client handshake authenticated against
// peerSigningPublicKey, and returns a Session ready for application
// traffic.
func Connect(ctx context.Context, addr string, peerSigningPublicKey ed25519.PublicKey, opts Options) (*Session, error) {
	opts = opts.withDefaults()

	dialer := net.Dialer{}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, rpcerrors.NewTransportError("dial", err)
	}

	session, err := runClientHandshake(conn, peerSigningPublicKey, opts)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return session, nil
}

func runClientHandshake(conn net.Conn, peerSigningPublicKey ed25519.PublicKey, opts Options) (*Session, error) {
	if err := conn.SetDeadline(time.Now().Add(opts.HandshakeTimeout)); err != nil {
		return nil, rpcerrors.NewTransportError("set_deadline", err)
	}

	start := time.Now()
	result, err := handshake.RunClient(conn, conn, peerSigningPublicKey)
	if err != nil {
		recordHandshakeResult(opts, "client", err, time.Since(start))
		return nil, err
	}
	recordHandshakeResult(opts, "client", nil, time.Since(start))

	if err := conn.SetDeadline(time.Time{}); err != nil {
		return nil, rpcerrors.NewTransportError("clear_deadline", err)
	}

	codec := protocol.NewCodec()
	codec.InstallSession(result.Session)

	if opts.Metrics != nil {
		opts.Metrics.SessionStarted()
	}

	return &Session{
		conn:   conn,
		codec:  codec,
		reader: protocol.NewFrameReaderSize(conn, opts.MaxFrameSize),
		writer: protocol.NewFrameWriterSize(conn, opts.MaxFrameSize),
		opts:   opts,
	}, nil
}

// Serve listens on addr and, for every accepted connection, performs the
// server handshake and hands the resulting Session's messages to
// dispatcher until the connection closes or ctx is cancelled. Serve
// returns nil when ctx is cancelled and the listener was closed in
// response; any other error is fatal to the listener.
func Serve(ctx context.Context, addr string, signingKey ed25519.PrivateKey, dispatcher dispatch.Dispatcher, opts Options) error {
	opts = opts.withDefaults()

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return rpcerrors.NewTransportError("listen", err)
	}

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			ln.Close()
		case <-done:
		}
	}()
	defer close(done)

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return rpcerrors.NewTransportError("accept", err)
			}
		}
		go serveConn(ctx, conn, signingKey, dispatcher, opts)
	}
}

func serveConn(ctx context.Context, conn net.Conn, signingKey ed25519.PrivateKey, dispatcher dispatch.Dispatcher, opts Options) {
	defer conn.Close()

	// connCtx ends when this connection is done; cancelling the parent ctx
	// closes the connection, which unblocks a pending Receive.
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-connCtx.Done()
		conn.Close()
	}()

	session, err := runServerHandshake(conn, signingKey, opts)
	if err != nil {
		opts.Logger.Warn("handshake failed",
			logging.KeyRole, "server",
			logging.KeyRemoteAddr, conn.RemoteAddr().String(),
			logging.KeyError, err.Error(),
		)
		return
	}
	defer func() {
		if opts.Metrics != nil {
			opts.Metrics.SessionEnded()
		}
	}()

	opts.Logger.Info("session established",
		logging.KeyRole, "server",
		logging.KeyRemoteAddr, conn.RemoteAddr().String(),
		logging.KeyStreamPhase, handshake.ServerSessionReady.String(),
	)

	for {
		msg, err := session.Receive()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return
			}
			opts.Logger.Warn("connection terminated",
				logging.KeyRole, "server",
				logging.KeyRemoteAddr, conn.RemoteAddr().String(),
				logging.KeyError, err.Error(),
			)
			return
		}

		reply, err := dispatcher.Dispatch(connCtx, msg)
		if err != nil {
			opts.Logger.Warn("dispatch failed",
				logging.KeyRole, "server",
				logging.KeyRemoteAddr, conn.RemoteAddr().String(),
				logging.KeyError, err.Error(),
			)
			return
		}

		if err := session.Send(reply); err != nil {
			opts.Logger.Warn("connection terminated",
				logging.KeyRole, "server",
				logging.KeyRemoteAddr, conn.RemoteAddr().String(),
				logging.KeyError, err.Error(),
			)
			return
		}
	}
}

func runServerHandshake(conn net.Conn, signingKey ed25519.PrivateKey, opts Options) (*Session, error) {
	if err := conn.SetDeadline(time.Now().Add(opts.HandshakeTimeout)); err != nil {
		return nil, rpcerrors.NewTransportError("set_deadline", err)
	}

	start := time.Now()
	result, err := handshake.RunServer(conn, conn, signingKey)
	if err != nil {
		recordHandshakeResult(opts, "server", err, time.Since(start))
		return nil, err
	}
	recordHandshakeResult(opts, "server", nil, time.Since(start))

	if err := conn.SetDeadline(time.Time{}); err != nil {
		return nil, rpcerrors.NewTransportError("clear_deadline", err)
	}

	codec := protocol.NewCodec()
	codec.InstallSession(result.Session)

	if opts.Metrics != nil {
		opts.Metrics.SessionStarted()
	}

	return &Session{
		conn:   conn,
		codec:  codec,
		reader: protocol.NewFrameReaderSize(conn, opts.MaxFrameSize),
		writer: protocol.NewFrameWriterSize(conn, opts.MaxFrameSize),
		opts:   opts,
	}, nil
}

func recordHandshakeResult(opts Options, role string, err error, elapsed time.Duration) {
	if opts.Metrics == nil {
		return
	}
	result := "success"
	if err != nil {
		result = handshakeErrorReason(err)
	}
	opts.Metrics.RecordHandshake(role, result, elapsed.Seconds())
}

func handshakeErrorReason(err error) string {
	var framingErr *rpcerrors.FramingError
	var serializationErr *rpcerrors.SerializationError
	var protocolErr *rpcerrors.ProtocolError
	var cryptoErr *rpcerrors.CryptoError
	var transportErr *rpcerrors.TransportError
	switch {
	case errors.As(err, &framingErr):
		return "framing_error"
	case errors.As(err, &serializationErr):
		return "serialization_error"
	case errors.As(err, &protocolErr):
		return "protocol_error"
	case errors.As(err, &cryptoErr):
		return "crypto_error"
	case errors.As(err, &transportErr):
		return "transport_error"
	default:
		return "unknown"
	}
}
