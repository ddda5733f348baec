package pgwire

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net"
	"sync"
	"sync/atomic"

	"github.com/go-logr/logr"
	"github.com/jackc/pgx/v5/pgproto3"
	"golang.org/x/sync/errgroup"

	"github.com/spanproxy/spanproxy/pkg/executor"
	"github.com/spanproxy/spanproxy/pkg/metrics"
	"github.com/spanproxy/spanproxy/pkg/rewrite"
)

// Postgres settings.
const ServerVersion = "14.0.0"

// errCancelRequest signals a connection that opened only to deliver a
// CancelRequest; it is closed without a response.
var errCancelRequest = errors.New("cancel request connection")

// Options configure the server and every session it accepts.
type Options struct {
	// Address to listen on for PostgreSQL wire connections.
	Address string

	// Executor runs translated SQL downstream. Shared across sessions;
	// must be safe for concurrent use.
	Executor executor.Executor

	// Rules is the user-configured rewrite list, applied to every
	// incoming SQL text.
	Rules rewrite.Rules

	// PsqlMode prepends the built-in psql meta-command translations to
	// the rewrite rules.
	PsqlMode bool

	// AuthRequired demands a cleartext password exchange during startup.
	// The password itself is not validated.
	AuthRequired bool

	// DefaultFormat is the text rendering used when a client asks for
	// format code 0: PostgreSQL canonical text or the downstream
	// engine's native text.
	DefaultFormat DataFormat

	// ForceBinary overrides an empty Bind result-format vector to
	// binary. Ignored in simple query mode.
	ForceBinary bool

	Logger logr.Logger
}

// Server accepts client connections and runs one session per connection.
type Server struct {
	// Network listener.
	listener net.Listener

	// Live client sessions.
	connections sync.Map

	// Global goroutine group.
	group errgroup.Group

	// Global server context.
	ctx    context.Context
	cancel func()

	opts  Options
	rules rewrite.Rules
	log   logr.Logger

	connSeq atomic.Uint32
}

func NewServer(opts Options) *Server {
	if opts.Logger.GetSink() == nil {
		opts.Logger = logr.Discard()
	}
	rules := opts.Rules
	if opts.PsqlMode {
		rules = rules.Prepend(rewrite.PsqlRules())
	}

	server := &Server{
		opts:  opts,
		rules: rules,
		log:   opts.Logger,
	}
	server.ctx, server.cancel = context.WithCancel(context.Background())
	return server
}

// Start begins listening and serving in the background.
func (server *Server) Start() (err error) {
	if server.opts.Executor == nil {
		return errors.New("pgwire: no executor configured")
	}

	server.listener, err = net.Listen("tcp", server.opts.Address)
	if err != nil {
		return err
	}
	server.log.Info("listening", "address", server.listener.Addr().String())

	server.group.Go(func() error {
		if err := server.serve(); server.ctx.Err() == nil {
			return err
		}
		return nil
	})
	return nil
}

// Addr reports the bound listen address.
func (server *Server) Addr() net.Addr {
	return server.listener.Addr()
}

// Stop closes the listener and waits for sessions to finish naturally.
// Sessions are not force-killed; clients are expected to Terminate or
// close their end.
func (server *Server) Stop() (err error) {
	if server.listener != nil {
		if e := server.listener.Close(); e != nil && !errors.Is(e, net.ErrClosed) {
			err = e
		}
	}
	server.cancel()

	if e := server.group.Wait(); err == nil {
		err = e
	}
	return err
}

func (server *Server) serve() error {
	for {
		c, err := server.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				server.log.Info("listener closed")
				return nil
			}
			return err
		}

		conn := newClientConn(c, server.connSeq.Add(1), rand.Uint32(), server)
		server.connections.Store(conn, nil)
		metrics.SessionsActive.Inc()
		conn.log.Info("connection accepted")

		server.group.Go(func() error {
			defer func() {
				conn.releaseAll()
				conn.Close()
				server.connections.Delete(conn)
				metrics.SessionsActive.Dec()
			}()

			if err := server.serveConn(server.ctx, conn); err != nil {
				if server.ctx.Err() == nil {
					conn.log.Info("connection error, closing", "err", err.Error())
				}
				return nil
			}
			conn.log.Info("connection closed")
			return nil
		})
	}
}

func (server *Server) serveConn(ctx context.Context, conn *ClientConn) error {
	if err := server.handleConnStartup(conn); err != nil {
		if errors.Is(err, errCancelRequest) {
			return nil
		}
		return fmt.Errorf("startup: %w", err)
	}
	return conn.serve(ctx)
}

func (server *Server) handleConnStartup(conn *ClientConn) error {
	for {
		msg, err := conn.backend.ReceiveStartupMessage()
		if err != nil {
			return fmt.Errorf("receive startup message: %w", err)
		}

		switch msg := msg.(type) {
		case *pgproto3.StartupMessage:
			return conn.completeStartup(msg)

		case *pgproto3.SSLRequest:
			// TLS is not offered; a polite refusal keeps clients going
			// in cleartext.
			if _, err := conn.Write([]byte{'N'}); err != nil {
				return err
			}

		case *pgproto3.GSSEncRequest:
			if _, err := conn.Write([]byte{'N'}); err != nil {
				return err
			}

		case *pgproto3.CancelRequest:
			// Cancellation arrives on its own connection; it is accepted
			// and ignored.
			conn.log.V(1).Info("cancel request",
				"target", msg.ProcessID)
			return errCancelRequest

		default:
			return fmt.Errorf("unexpected startup message: %#v", msg)
		}
	}
}
