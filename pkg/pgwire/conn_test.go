package pgwire_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgproto3"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/spanproxy/spanproxy/pkg/executor"
	"github.com/spanproxy/spanproxy/pkg/pgwire"
	"github.com/spanproxy/spanproxy/pkg/rewrite"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

type execCall struct {
	SQL  string
	Args []any
}

// fakeExecutor records every statement it receives and answers through a
// per-test handler.
type fakeExecutor struct {
	mu      sync.Mutex
	calls   []execCall
	handler func(sql string, args []any) (*executor.Result, error)
}

func (f *fakeExecutor) Execute(ctx context.Context, sql string, args []any) (*executor.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, execCall{SQL: sql, Args: args})
	f.mu.Unlock()
	if f.handler == nil {
		return &executor.Result{}, nil
	}
	return f.handler(sql, args)
}

func (f *fakeExecutor) Close() error { return nil }

func (f *fakeExecutor) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeExecutor) lastSQL() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[len(f.calls)-1].SQL
}

type sliceCursor struct {
	cols []executor.Column
	rows []*executor.Row
	idx  int
}

func (c *sliceCursor) Columns() []executor.Column { return c.cols }

func (c *sliceCursor) Next() (*executor.Row, error) {
	if c.idx >= len(c.rows) {
		return nil, nil
	}
	row := c.rows[c.idx]
	c.idx++
	return row, nil
}

func (c *sliceCursor) Close() error { return nil }

func staticResult(cols []executor.Column, rows ...[]any) *executor.Result {
	cursor := &sliceCursor{cols: cols}
	for _, values := range rows {
		row := &executor.Row{Values: values, Native: make([]string, len(values))}
		for i, v := range values {
			if v != nil {
				row.Native[i] = fmt.Sprint(v)
			}
		}
		cursor.rows = append(cursor.rows, row)
	}
	return &executor.Result{Rows: cursor}
}

// testClient wraps a frontend connection to a server started on a free
// port.
type testClient struct {
	server   *pgwire.Server
	conn     net.Conn
	frontend *pgproto3.Frontend
}

func dialServer(opts pgwire.Options) *testClient {
	if opts.Address == "" {
		opts.Address = "127.0.0.1:0"
	}
	server := pgwire.NewServer(opts)
	Expect(server.Start()).To(Succeed())

	conn, err := net.Dial("tcp", server.Addr().String())
	Expect(err).NotTo(HaveOccurred())
	Expect(conn.SetDeadline(time.Now().Add(10 * time.Second))).To(Succeed())

	return &testClient{
		server:   server,
		conn:     conn,
		frontend: pgproto3.NewFrontend(conn, conn),
	}
}

func (c *testClient) close() {
	c.conn.Close()
	Expect(c.server.Stop()).To(Succeed())
}

func (c *testClient) send(msgs ...pgproto3.FrontendMessage) {
	for _, msg := range msgs {
		c.frontend.Send(msg)
	}
	Expect(c.frontend.Flush()).To(Succeed())
}

// startup completes the handshake and returns the response sequence up to
// and including the first ReadyForQuery.
func (c *testClient) startup() []string {
	c.send(&pgproto3.StartupMessage{
		ProtocolVersion: pgproto3.ProtocolVersionNumber,
		Parameters:      map[string]string{"user": "foo", "database": "bar"},
	})
	return c.receiveUntilReady()
}

// receiveUntilReady collects message summaries until ReadyForQuery.
func (c *testClient) receiveUntilReady() []string {
	var out []string
	for {
		msg, err := c.frontend.Receive()
		Expect(err).NotTo(HaveOccurred())
		out = append(out, describeMsg(msg))
		if _, ok := msg.(*pgproto3.ReadyForQuery); ok {
			return out
		}
	}
}

func describeMsg(msg pgproto3.BackendMessage) string {
	switch m := msg.(type) {
	case *pgproto3.AuthenticationOk:
		return "AuthenticationOk"
	case *pgproto3.AuthenticationCleartextPassword:
		return "AuthenticationCleartextPassword"
	case *pgproto3.ParameterStatus:
		return "ParameterStatus:" + m.Name
	case *pgproto3.BackendKeyData:
		return "BackendKeyData"
	case *pgproto3.ReadyForQuery:
		return fmt.Sprintf("ReadyForQuery:%c", m.TxStatus)
	case *pgproto3.RowDescription:
		names := make([]string, len(m.Fields))
		for i, f := range m.Fields {
			names[i] = string(f.Name)
		}
		return "RowDescription:" + strings.Join(names, ",")
	case *pgproto3.DataRow:
		values := make([]string, len(m.Values))
		for i, v := range m.Values {
			if v == nil {
				values[i] = "NULL"
			} else {
				values[i] = string(v)
			}
		}
		return "DataRow:" + strings.Join(values, ",")
	case *pgproto3.CommandComplete:
		return "CommandComplete:" + string(m.CommandTag)
	case *pgproto3.EmptyQueryResponse:
		return "EmptyQueryResponse"
	case *pgproto3.ErrorResponse:
		return "ErrorResponse:" + m.Code
	case *pgproto3.ParseComplete:
		return "ParseComplete"
	case *pgproto3.BindComplete:
		return "BindComplete"
	case *pgproto3.CloseComplete:
		return "CloseComplete"
	case *pgproto3.ParameterDescription:
		return fmt.Sprintf("ParameterDescription:%v", m.ParameterOIDs)
	case *pgproto3.NoData:
		return "NoData"
	case *pgproto3.PortalSuspended:
		return "PortalSuspended"
	default:
		return fmt.Sprintf("%T", msg)
	}
}

var _ = Describe("Session lifecycle", func() {
	var exec *fakeExecutor
	var client *testClient

	BeforeEach(func() {
		exec = &fakeExecutor{}
	})

	AfterEach(func() {
		if client != nil {
			client.close()
			client = nil
		}
	})

	It("Completes startup with parameter statuses, key data and ReadyForQuery", func() {
		client = dialServer(pgwire.Options{Executor: exec})
		Expect(client.startup()).To(Equal([]string{
			"AuthenticationOk",
			"ParameterStatus:server_version",
			"ParameterStatus:client_encoding",
			"ParameterStatus:DateStyle",
			"BackendKeyData",
			"ReadyForQuery:I",
		}))
	})

	It("Refuses an SSLRequest with a single 'N' and continues in cleartext", func() {
		client = dialServer(pgwire.Options{Executor: exec})
		client.send(&pgproto3.SSLRequest{})

		reply := make([]byte, 1)
		_, err := io.ReadFull(client.conn, reply)
		Expect(err).NotTo(HaveOccurred())
		Expect(reply[0]).To(Equal(byte('N')))

		Expect(client.startup()).To(ContainElement("ReadyForQuery:I"))
	})

	It("Closes a CancelRequest connection silently", func() {
		client = dialServer(pgwire.Options{Executor: exec})
		client.send(&pgproto3.CancelRequest{ProcessID: 1, SecretKey: 2})

		_, err := client.frontend.Receive()
		Expect(err).To(HaveOccurred())
	})

	It("Demands a password exchange when authentication is enabled", func() {
		client = dialServer(pgwire.Options{Executor: exec, AuthRequired: true})
		client.send(&pgproto3.StartupMessage{
			ProtocolVersion: pgproto3.ProtocolVersionNumber,
			Parameters:      map[string]string{"user": "foo"},
		})

		msg, err := client.frontend.Receive()
		Expect(err).NotTo(HaveOccurred())
		Expect(describeMsg(msg)).To(Equal("AuthenticationCleartextPassword"))

		// Any password is accepted; the flag exists for client
		// compatibility only.
		client.send(&pgproto3.PasswordMessage{Password: "anything"})
		Expect(client.receiveUntilReady()).To(ContainElement("AuthenticationOk"))
	})
})

var _ = Describe("Simple query protocol", func() {
	var exec *fakeExecutor
	var client *testClient

	BeforeEach(func() {
		exec = &fakeExecutor{}
	})

	AfterEach(func() {
		if client != nil {
			client.close()
			client = nil
		}
	})

	It("Short-circuits SET without calling the executor", func() {
		client = dialServer(pgwire.Options{Executor: exec})
		client.startup()

		client.send(&pgproto3.Query{String: "SET TIME ZONE 'UTC'"})
		Expect(client.receiveUntilReady()).To(Equal([]string{
			"CommandComplete:SET",
			"ReadyForQuery:I",
		}))
		Expect(exec.callCount()).To(BeZero())
	})

	It("Streams a result set with row description, rows and tag", func() {
		exec.handler = func(sql string, args []any) (*executor.Result, error) {
			return staticResult(
				[]executor.Column{{Name: "?column?", OID: pgtype.Int4OID}},
				[]any{int64(1)},
			), nil
		}
		client = dialServer(pgwire.Options{Executor: exec})
		client.startup()

		client.send(&pgproto3.Query{String: "SELECT 1"})
		Expect(client.receiveUntilReady()).To(Equal([]string{
			"RowDescription:?column?",
			"DataRow:1",
			"CommandComplete:SELECT 1",
			"ReadyForQuery:I",
		}))
	})

	It("Answers an empty query string with EmptyQueryResponse", func() {
		client = dialServer(pgwire.Options{Executor: exec})
		client.startup()

		client.send(&pgproto3.Query{String: ""})
		Expect(client.receiveUntilReady()).To(Equal([]string{
			"EmptyQueryResponse",
			"ReadyForQuery:I",
		}))
		Expect(exec.callCount()).To(BeZero())
	})

	It("Reports update counts in the command tag", func() {
		exec.handler = func(sql string, args []any) (*executor.Result, error) {
			return &executor.Result{RowsAffected: 3, HasRowsAffected: true}, nil
		}
		client = dialServer(pgwire.Options{Executor: exec})
		client.startup()

		client.send(&pgproto3.Query{String: "UPDATE albums SET title = 'x'"})
		Expect(client.receiveUntilReady()).To(Equal([]string{
			"CommandComplete:UPDATE 3",
			"ReadyForQuery:I",
		}))

		client.send(&pgproto3.Query{String: "INSERT INTO albums VALUES (1)"})
		Expect(client.receiveUntilReady()).To(Equal([]string{
			"CommandComplete:INSERT 0 3",
			"ReadyForQuery:I",
		}))
	})

	It("Recovers from executor errors and stays ready", func() {
		exec.handler = func(sql string, args []any) (*executor.Result, error) {
			return nil, errors.New("table not found: nope")
		}
		client = dialServer(pgwire.Options{Executor: exec})
		client.startup()

		client.send(&pgproto3.Query{String: "SELECT * FROM nope"})
		Expect(client.receiveUntilReady()).To(Equal([]string{
			"ErrorResponse:XX000",
			"ReadyForQuery:I",
		}))

		// The session is still usable.
		exec.handler = nil
		client.send(&pgproto3.Query{String: "DELETE FROM t"})
		Expect(client.receiveUntilReady()).To(ContainElement("ReadyForQuery:I"))
	})

	It("Delivers unmatched SQL to the executor byte-for-byte", func() {
		rules, err := rewrite.Compile([]rewrite.RulePair{
			{InputPattern: `^SELECT VERSION\(\)$`, OutputPattern: `SELECT 'x'`},
		})
		Expect(err).NotTo(HaveOccurred())

		client = dialServer(pgwire.Options{Executor: exec, Rules: rules})
		client.startup()

		sql := "SELECT a, b FROM albums WHERE c = 'VERSION()'"
		client.send(&pgproto3.Query{String: sql})
		client.receiveUntilReady()
		Expect(exec.lastSQL()).To(Equal(sql))

		client.send(&pgproto3.Query{String: "SELECT VERSION()"})
		client.receiveUntilReady()
		Expect(exec.lastSQL()).To(Equal("SELECT 'x'"))
	})

	It("Tracks explicit transactions in the ReadyForQuery status", func() {
		client = dialServer(pgwire.Options{Executor: exec})
		client.startup()

		client.send(&pgproto3.Query{String: "BEGIN"})
		Expect(client.receiveUntilReady()).To(Equal([]string{
			"CommandComplete:BEGIN",
			"ReadyForQuery:T",
		}))

		client.send(&pgproto3.Query{String: "COMMIT"})
		Expect(client.receiveUntilReady()).To(Equal([]string{
			"CommandComplete:COMMIT",
			"ReadyForQuery:I",
		}))
	})

	It("Renders results in the downstream native text format when configured", func() {
		exec.handler = func(sql string, args []any) (*executor.Result, error) {
			cols := []executor.Column{{Name: "flag", OID: pgtype.BoolOID}}
			res := staticResult(cols, []any{true})
			return res, nil
		}
		client = dialServer(pgwire.Options{Executor: exec, DefaultFormat: pgwire.FormatNativeText})
		client.startup()

		client.send(&pgproto3.Query{String: "SELECT flag FROM t"})
		Expect(client.receiveUntilReady()).To(ContainElement("DataRow:true"))
	})
})

var _ = Describe("Extended query protocol", func() {
	var exec *fakeExecutor
	var client *testClient

	BeforeEach(func() {
		exec = &fakeExecutor{}
	})

	AfterEach(func() {
		if client != nil {
			client.close()
			client = nil
		}
	})

	echoParam := func(sql string, args []any) (*executor.Result, error) {
		return staticResult(
			[]executor.Column{{Name: "?column?", OID: pgtype.TextOID}},
			[]any{args[0]},
		), nil
	}

	It("Runs the parse-bind-describe-execute-sync happy path", func() {
		exec.handler = echoParam
		client = dialServer(pgwire.Options{Executor: exec})
		client.startup()

		client.send(
			&pgproto3.Parse{Name: "s1", Query: "SELECT $1"},
			&pgproto3.Bind{
				DestinationPortal:    "p1",
				PreparedStatement:    "s1",
				ParameterFormatCodes: []int16{0},
				Parameters:           [][]byte{[]byte("42")},
				ResultFormatCodes:    []int16{0},
			},
			&pgproto3.Describe{ObjectType: 'P', Name: "p1"},
			&pgproto3.Execute{Portal: "p1"},
			&pgproto3.Sync{},
		)
		Expect(client.receiveUntilReady()).To(Equal([]string{
			"ParseComplete",
			"BindComplete",
			"RowDescription:?column?",
			"DataRow:42",
			"CommandComplete:SELECT 1",
			"ReadyForQuery:I",
		}))
	})

	It("Reports one error per failed batch and skips to Sync", func() {
		exec.handler = func(sql string, args []any) (*executor.Result, error) {
			return nil, errors.New("syntax error at or near \"bogus\"")
		}
		client = dialServer(pgwire.Options{Executor: exec})
		client.startup()

		client.send(
			&pgproto3.Parse{Name: "s2", Query: "SELECT bogus("},
			&pgproto3.Bind{DestinationPortal: "p2", PreparedStatement: "s2"},
			&pgproto3.Execute{Portal: "p2"},
			&pgproto3.Execute{Portal: "p2"},
			&pgproto3.Describe{ObjectType: 'P', Name: "p2"},
			&pgproto3.Sync{},
		)
		Expect(client.receiveUntilReady()).To(Equal([]string{
			"ParseComplete",
			"BindComplete",
			"ErrorResponse:XX000",
			"ReadyForQuery:E",
		}))

		// The next batch is healthy again.
		exec.handler = echoParam
		client.send(
			&pgproto3.Parse{Name: "", Query: "SELECT $1"},
			&pgproto3.Bind{Parameters: [][]byte{[]byte("ok")}},
			&pgproto3.Execute{},
			&pgproto3.Sync{},
		)
		Expect(client.receiveUntilReady()).To(Equal([]string{
			"ParseComplete",
			"BindComplete",
			"DataRow:ok",
			"CommandComplete:SELECT 1",
			"ReadyForQuery:I",
		}))
	})

	It("Suspends a portal at the row limit and resumes without loss", func() {
		exec.handler = func(sql string, args []any) (*executor.Result, error) {
			cols := []executor.Column{{Name: "x", OID: pgtype.Int8OID}}
			return staticResult(cols, []any{int64(1)}, []any{int64(2)}, []any{int64(3)}), nil
		}
		client = dialServer(pgwire.Options{Executor: exec})
		client.startup()

		client.send(
			&pgproto3.Parse{Name: "s6", Query: "SELECT x FROM t"},
			&pgproto3.Bind{DestinationPortal: "p", PreparedStatement: "s6"},
			&pgproto3.Execute{Portal: "p", MaxRows: 2},
			&pgproto3.Execute{Portal: "p"},
			&pgproto3.Sync{},
		)
		Expect(client.receiveUntilReady()).To(Equal([]string{
			"ParseComplete",
			"BindComplete",
			"DataRow:1",
			"DataRow:2",
			"PortalSuspended",
			"DataRow:3",
			"CommandComplete:SELECT 3",
			"ReadyForQuery:I",
		}))
		// One execution serves both Execute messages.
		Expect(exec.callCount()).To(Equal(1))
	})

	It("Rejects a Bind whose value count differs from the parameter count", func() {
		client = dialServer(pgwire.Options{Executor: exec})
		client.startup()

		client.send(
			&pgproto3.Parse{Name: "s3", Query: "SELECT $1, $2"},
			&pgproto3.Bind{DestinationPortal: "p3", PreparedStatement: "s3", Parameters: [][]byte{[]byte("1")}},
			&pgproto3.Sync{},
		)
		Expect(client.receiveUntilReady()).To(Equal([]string{
			"ParseComplete",
			"ErrorResponse:08P01",
			"ReadyForQuery:E",
		}))
	})

	It("Treats Close of a missing name as a success, repeatedly", func() {
		client = dialServer(pgwire.Options{Executor: exec})
		client.startup()

		client.send(
			&pgproto3.Close{ObjectType: 'S', Name: "ghost"},
			&pgproto3.Close{ObjectType: 'S', Name: "ghost"},
			&pgproto3.Close{ObjectType: 'P', Name: "ghost"},
			&pgproto3.Sync{},
		)
		Expect(client.receiveUntilReady()).To(Equal([]string{
			"CloseComplete",
			"CloseComplete",
			"CloseComplete",
			"ReadyForQuery:I",
		}))
	})

	It("Describes a DML statement with parameter oids and NoData", func() {
		client = dialServer(pgwire.Options{Executor: exec})
		client.startup()

		client.send(
			&pgproto3.Parse{Name: "s4", Query: "DELETE FROM t WHERE id = $1", ParameterOIDs: []uint32{pgtype.Int8OID}},
			&pgproto3.Describe{ObjectType: 'S', Name: "s4"},
			&pgproto3.Sync{},
		)
		Expect(client.receiveUntilReady()).To(Equal([]string{
			"ParseComplete",
			fmt.Sprintf("ParameterDescription:%v", []uint32{pgtype.Int8OID}),
			"NoData",
			"ReadyForQuery:I",
		}))
	})

	It("Refuses to describe an unbound statement with a result set", func() {
		client = dialServer(pgwire.Options{Executor: exec})
		client.startup()

		client.send(
			&pgproto3.Parse{Name: "s5", Query: "SELECT $1"},
			&pgproto3.Describe{ObjectType: 'S', Name: "s5"},
			&pgproto3.Sync{},
		)
		Expect(client.receiveUntilReady()).To(Equal([]string{
			"ParseComplete",
			"ErrorResponse:0A000",
			"ReadyForQuery:E",
		}))
	})

	It("Answers an Execute of an empty statement with EmptyQueryResponse", func() {
		client = dialServer(pgwire.Options{Executor: exec})
		client.startup()

		client.send(
			&pgproto3.Parse{Name: "", Query: ""},
			&pgproto3.Bind{},
			&pgproto3.Execute{},
			&pgproto3.Sync{},
		)
		Expect(client.receiveUntilReady()).To(Equal([]string{
			"ParseComplete",
			"BindComplete",
			"EmptyQueryResponse",
			"ReadyForQuery:I",
		}))
		Expect(exec.callCount()).To(BeZero())
	})

	It("Overrides an empty result-format vector to binary when forced", func() {
		exec.handler = func(sql string, args []any) (*executor.Result, error) {
			cols := []executor.Column{{Name: "n", OID: pgtype.Int8OID}}
			return staticResult(cols, []any{int64(7)}), nil
		}
		client = dialServer(pgwire.Options{Executor: exec, ForceBinary: true})
		client.startup()

		client.send(
			&pgproto3.Parse{Name: "", Query: "SELECT n FROM t"},
			&pgproto3.Bind{},
			&pgproto3.Execute{},
			&pgproto3.Sync{},
		)

		var rows [][]byte
		for {
			msg, err := client.frontend.Receive()
			Expect(err).NotTo(HaveOccurred())
			if dataRow, ok := msg.(*pgproto3.DataRow); ok {
				for _, v := range dataRow.Values {
					rows = append(rows, append([]byte(nil), v...))
				}
			}
			if _, ok := msg.(*pgproto3.ReadyForQuery); ok {
				break
			}
		}
		Expect(rows).To(HaveLen(1))
		Expect(rows[0]).To(Equal([]byte{0, 0, 0, 0, 0, 0, 0, 7}))
	})

	It("Rejects the function call sub-protocol but stays ready", func() {
		client = dialServer(pgwire.Options{Executor: exec})
		client.startup()

		client.send(&pgproto3.FunctionCall{})
		Expect(client.receiveUntilReady()).To(Equal([]string{
			"ErrorResponse:0A000",
			"ReadyForQuery:I",
		}))
	})
})
