package pgwire

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/go-logr/logr"
	"github.com/jackc/pgx/v5/pgproto3"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/spanproxy/spanproxy/pkg/executor"
	"github.com/spanproxy/spanproxy/pkg/metrics"
	"github.com/spanproxy/spanproxy/pkg/rewrite"
	"github.com/spanproxy/spanproxy/pkg/util/command"
	"github.com/spanproxy/spanproxy/pkg/util/pgerror"
)

// maxMessageBody caps a single frame's declared body length. Larger
// frames are treated as fatal protocol errors before any allocation.
const maxMessageBody = 256 << 20

// ClientConn represents one client session. Message processing is
// strictly sequential: one message is read and handled to completion,
// including any blocking downstream call, before the next is read.
type ClientConn struct {
	net.Conn
	backend *pgproto3.Backend
	log     logr.Logger

	id        uint32
	secretKey uint32

	exec    executor.Executor
	rules   rewrite.Rules
	typeMap *pgtype.Map

	authRequired  bool
	defaultFormat DataFormat
	forceBinary   bool

	// Map of prepared statements for this client session.
	prepStmts map[string]*PreparedStatement

	// Map of bound portals for this client session.
	portals map[string]*Portal

	// txStatus is the ReadyForQuery status byte: 'I' idle, 'T' in a
	// transaction.
	txStatus byte

	// batchErr is the first error of the current extended batch. While
	// set, every message except Sync and Terminate is dropped.
	batchErr error
}

func newClientConn(c net.Conn, id, secretKey uint32, server *Server) *ClientConn {
	backend := pgproto3.NewBackend(c, c)
	backend.SetMaxBodyLen(maxMessageBody)
	return &ClientConn{
		Conn:          c,
		backend:       backend,
		log:           server.log.WithValues("conn", id, "remote", c.RemoteAddr().String()),
		id:            id,
		secretKey:     secretKey,
		exec:          server.opts.Executor,
		rules:         server.rules,
		typeMap:       pgtype.NewMap(),
		authRequired:  server.opts.AuthRequired,
		defaultFormat: server.opts.DefaultFormat,
		forceBinary:   server.opts.ForceBinary,
		prepStmts:     map[string]*PreparedStatement{},
		portals:       map[string]*Portal{},
		txStatus:      'I',
	}
}

// writeMessages queues messages on the output buffer. Encoding errors
// surface at the next flush.
func (conn *ClientConn) writeMessages(msgs ...pgproto3.BackendMessage) {
	for _, msg := range msgs {
		conn.backend.Send(msg)
	}
}

func (conn *ClientConn) flush() error {
	return conn.backend.Flush()
}

func errorResponse(err error) *pgproto3.ErrorResponse {
	return &pgproto3.ErrorResponse{
		Severity:            "ERROR",
		SeverityUnlocalized: "ERROR",
		Code:                pgerror.GetPGCode(err),
		Message:             err.Error(),
	}
}

// sendError queues an ErrorResponse and records it.
func (conn *ClientConn) sendError(err error) {
	metrics.ErrorsTotal.WithLabelValues(pgerror.KindLabel(pgerror.GetKind(err))).Inc()
	conn.log.V(1).Info("error response", "code", pgerror.GetPGCode(err), "err", err.Error())
	conn.writeMessages(errorResponse(err))
}

// serve drives the session after startup: receive one message, dispatch,
// repeat until Terminate or stream failure.
func (conn *ClientConn) serve(ctx context.Context) error {
	for {
		msg, err := conn.backend.Receive()
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("receive message: %w", err)
		}

		switch msg := msg.(type) {
		case *pgproto3.Terminate:
			return nil

		case *pgproto3.Sync:
			if err := conn.handleSync(); err != nil {
				return err
			}

		case *pgproto3.Flush:
			if err := conn.flush(); err != nil {
				return err
			}

		case *pgproto3.Query:
			if conn.batchErr != nil {
				continue
			}
			if err := conn.handleQuery(ctx, msg); err != nil {
				return err
			}

		case *pgproto3.Parse:
			if err := conn.extended(func() error { return conn.handleParse(msg) }); err != nil {
				return err
			}

		case *pgproto3.Bind:
			if err := conn.extended(func() error { return conn.handleBind(msg) }); err != nil {
				return err
			}

		case *pgproto3.Describe:
			if err := conn.extended(func() error { return conn.handleDescribe(ctx, msg) }); err != nil {
				return err
			}

		case *pgproto3.Execute:
			if err := conn.extended(func() error { return conn.handleExecute(ctx, msg) }); err != nil {
				return err
			}

		case *pgproto3.Close:
			if err := conn.extended(func() error { return conn.handleClose(msg) }); err != nil {
				return err
			}

		case *pgproto3.FunctionCall:
			if err := conn.rejectInReady(pgerror.Unsupported("the function call sub-protocol is not supported")); err != nil {
				return err
			}

		default:
			if err := conn.rejectInReady(pgerror.Unsupported(fmt.Sprintf("unsupported message type %T", msg))); err != nil {
				return err
			}
		}
	}
}

// extended runs one extended-protocol handler. While the batch is failed
// the message is dropped silently; a handler error fails the batch and is
// reported exactly once. Only stream failures propagate.
func (conn *ClientConn) extended(handler func() error) error {
	if conn.batchErr != nil {
		return nil
	}
	if err := handler(); err != nil {
		conn.batchErr = err
		conn.sendError(err)
		return conn.flush()
	}
	return nil
}

// rejectInReady reports an error outside any batch, keeping the session
// usable. Inside a failed batch the offending message is dropped instead.
func (conn *ClientConn) rejectInReady(err error) error {
	if conn.batchErr != nil {
		return nil
	}
	conn.sendError(err)
	conn.writeMessages(&pgproto3.ReadyForQuery{TxStatus: conn.txStatus})
	return conn.flush()
}

// handleSync ends the current extended batch: report failed-transaction
// status if the batch errored, clear the error, and drop the unnamed
// portal (the implicit transaction is over).
func (conn *ClientConn) handleSync() error {
	status := conn.txStatus
	if conn.batchErr != nil {
		status = 'E'
		conn.batchErr = nil
	}
	conn.closePortal("")
	conn.writeMessages(&pgproto3.ReadyForQuery{TxStatus: status})
	return conn.flush()
}

// completeStartup authenticates (optionally) and emits the startup
// response sequence ending in ReadyForQuery.
func (conn *ClientConn) completeStartup(msg *pgproto3.StartupMessage) error {
	conn.log.V(1).Info("startup",
		"user", msg.Parameters["user"], "database", msg.Parameters["database"])

	if conn.authRequired {
		conn.writeMessages(&pgproto3.AuthenticationCleartextPassword{})
		if err := conn.flush(); err != nil {
			return err
		}
		if err := conn.backend.SetAuthType(pgproto3.AuthTypeCleartextPassword); err != nil {
			return err
		}
		pwd, err := conn.backend.Receive()
		if err != nil {
			return fmt.Errorf("receive password: %w", err)
		}
		if _, ok := pwd.(*pgproto3.PasswordMessage); !ok {
			return fmt.Errorf("expected password message, got %T", pwd)
		}
		// The password content is not validated; the exchange exists for
		// client compatibility.
	}

	conn.writeMessages(
		&pgproto3.AuthenticationOk{},
		&pgproto3.ParameterStatus{Name: "server_version", Value: ServerVersion},
		&pgproto3.ParameterStatus{Name: "client_encoding", Value: "UTF8"},
		&pgproto3.ParameterStatus{Name: "DateStyle", Value: "ISO"},
		&pgproto3.BackendKeyData{ProcessID: conn.id, SecretKey: conn.secretKey},
		&pgproto3.ReadyForQuery{TxStatus: 'I'},
	)
	return conn.flush()
}

// applyTxStatus tracks explicit transaction boundaries for the
// ReadyForQuery status byte.
func (conn *ClientConn) applyTxStatus(cmd command.SQLCommandType) {
	switch cmd {
	case command.BEGIN:
		conn.txStatus = 'T'
	case command.COMMIT, command.ROLLBACK:
		conn.txStatus = 'I'
	}
}
