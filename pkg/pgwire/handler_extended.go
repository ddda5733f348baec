package pgwire

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgproto3"

	"github.com/spanproxy/spanproxy/pkg/executor"
	"github.com/spanproxy/spanproxy/pkg/metrics"
	"github.com/spanproxy/spanproxy/pkg/util/command"
	"github.com/spanproxy/spanproxy/pkg/util/pgerror"
)

// Handle the Extended Query protocol Parse message. The SQL text is
// rewritten before the command token and placeholder count are taken.
func (conn *ClientConn) handleParse(msg *pgproto3.Parse) error {
	rewritten := conn.rules.Apply(msg.Query)
	if rewritten != msg.Query {
		conn.log.V(1).Info("query rewrite", "sql", rewritten)
	}

	// The message buffer is reused by the next Receive; declared oids
	// are copied by newPreparedStatement.
	stmt := newPreparedStatement(msg.Name, msg.Query, rewritten, msg.ParameterOIDs)
	if len(msg.ParameterOIDs) > stmt.ParamCount {
		return pgerror.Protocol(fmt.Sprintf(
			"prepared statement %q declares %d parameter types but has %d placeholders",
			msg.Name, len(msg.ParameterOIDs), stmt.ParamCount))
	}

	if err := conn.addPreparedStatement(stmt); err != nil {
		return err
	}
	conn.writeMessages(&pgproto3.ParseComplete{})
	return nil
}

// Handle the Extended Query protocol Bind message.
func (conn *ClientConn) handleBind(msg *pgproto3.Bind) error {
	stmt, ok := conn.prepStmts[msg.PreparedStatement]
	if !ok {
		return pgerror.New(pgerrcode.InvalidSQLStatementName,
			fmt.Sprintf("prepared statement %q does not exist", msg.PreparedStatement))
	}

	if len(msg.Parameters) != stmt.ParamCount {
		return pgerror.Protocol(fmt.Sprintf(
			"bind message supplies %d parameters, but prepared statement %q requires %d",
			len(msg.Parameters), msg.PreparedStatement, stmt.ParamCount))
	}

	switch len(msg.ParameterFormatCodes) {
	case 0, 1, len(msg.Parameters):
	default:
		return pgerror.Protocol(fmt.Sprintf(
			"bind message has %d parameter formats but %d parameters",
			len(msg.ParameterFormatCodes), len(msg.Parameters)))
	}

	// Deep-copy everything taken from the message: pgproto3 reuses its
	// read buffer across Receive calls.
	portal := &Portal{
		Name:     msg.DestinationPortal,
		Stmt:     stmt,
		Params:   cloneByteSlices(msg.Parameters),
		pformats: cloneInt16s(msg.ParameterFormatCodes),
		rformats: cloneInt16s(msg.ResultFormatCodes),
	}
	if err := conn.addPortal(portal); err != nil {
		return err
	}
	conn.writeMessages(&pgproto3.BindComplete{})
	return nil
}

// Handle the Extended Query protocol Describe message.
func (conn *ClientConn) handleDescribe(ctx context.Context, msg *pgproto3.Describe) error {
	switch msg.ObjectType {
	case PrepareStatementType:
		stmt, ok := conn.prepStmts[msg.Name]
		if !ok {
			return pgerror.New(pgerrcode.InvalidSQLStatementName,
				fmt.Sprintf("prepared statement %q does not exist", msg.Name))
		}

		if command.ReturnsRows(stmt.Cmd) {
			// Row metadata only exists once parameter values are bound
			// and the statement has been sent downstream.
			return pgerror.Unsupported(fmt.Sprintf(
				"cannot describe the result set of prepared statement %q before it is bound; describe its portal instead", msg.Name))
		}
		conn.writeMessages(
			&pgproto3.ParameterDescription{ParameterOIDs: stmt.ParamOIDs},
			&pgproto3.NoData{},
		)
		return nil

	case PreparePortalType:
		portal, ok := conn.portals[msg.Name]
		if !ok {
			return pgerror.New(pgerrcode.InvalidCursorName,
				fmt.Sprintf("portal %q does not exist", msg.Name))
		}

		if !command.ReturnsRows(portal.Stmt.Cmd) {
			conn.writeMessages(&pgproto3.NoData{})
			return nil
		}
		if err := conn.startPortal(ctx, portal); err != nil {
			return err
		}
		if portal.result.Rows == nil {
			conn.writeMessages(&pgproto3.NoData{})
			return nil
		}

		cols := portal.result.Rows.Columns()
		formats, err := resolveFormats(portal.rformats, len(cols), conn.defaultFormat, conn.forceBinary)
		if err != nil {
			return err
		}
		conn.writeMessages(rowDescription(cols, formats))
		return nil

	default:
		return pgerror.Protocol(fmt.Sprintf("invalid DESCRIBE message subtype %#x", msg.ObjectType))
	}
}

// startPortal sends the portal's statement downstream once, caching the
// outcome so a Describe-then-Execute pair shares one execution.
func (conn *ClientConn) startPortal(ctx context.Context, portal *Portal) error {
	if portal.result != nil {
		return nil
	}

	args, err := executor.DecodeParams(conn.typeMap, portal.boundParams())
	if err != nil {
		return err
	}

	metrics.QueriesTotal.WithLabelValues("extended").Inc()
	timer := metrics.QueryTimer("extended")
	defer timer()

	res, err := conn.exec.Execute(ctx, portal.Stmt.Rewritten, args)
	if err != nil {
		return err
	}
	portal.result = res
	return nil
}

// Handle the Extended Query protocol Execute message: run or resume the
// portal. A row limit that fires with the cursor still open suspends the
// portal; the next Execute resumes after the last emitted row.
func (conn *ClientConn) handleExecute(ctx context.Context, msg *pgproto3.Execute) error {
	portal, ok := conn.portals[msg.Portal]
	if !ok {
		return pgerror.New(pgerrcode.InvalidCursorName,
			fmt.Sprintf("portal %q does not exist", msg.Portal))
	}

	if strings.TrimSpace(portal.Stmt.Rewritten) == "" {
		conn.writeMessages(&pgproto3.EmptyQueryResponse{})
		return nil
	}

	if err := conn.startPortal(ctx, portal); err != nil {
		return err
	}
	res := portal.result

	if res.Rows == nil {
		var affected int64
		if res.HasRowsAffected {
			affected = res.RowsAffected
		}
		conn.writeMessages(&pgproto3.CommandComplete{
			CommandTag: []byte(command.Tag(portal.Stmt.Cmd, affected)),
		})
		conn.applyTxStatus(portal.Stmt.Cmd)
		return nil
	}

	cols := res.Rows.Columns()
	formats, err := resolveFormats(portal.rformats, len(cols), conn.defaultFormat, conn.forceBinary)
	if err != nil {
		return err
	}

	limit := int64(msg.MaxRows)
	var sent int64
	for limit == 0 || sent < limit {
		row, err := res.Rows.Next()
		if err != nil {
			return err
		}
		if row == nil {
			res.Rows.Close()
			conn.writeMessages(&pgproto3.CommandComplete{
				CommandTag: []byte(command.Tag(portal.Stmt.Cmd, portal.rowsEmitted)),
			})
			return nil
		}

		dataRow, err := encodeDataRow(conn.typeMap, cols, formats, row)
		if err != nil {
			return err
		}
		conn.writeMessages(dataRow)
		sent++
		portal.rowsEmitted++
		if sent%rowFlushInterval == 0 {
			if err := conn.flush(); err != nil {
				return err
			}
		}
	}

	conn.writeMessages(&pgproto3.PortalSuspended{})
	return nil
}

// Handle the Extended Query protocol Close message. Closing a name that
// does not exist is not an error.
func (conn *ClientConn) handleClose(msg *pgproto3.Close) error {
	switch msg.ObjectType {
	case PrepareStatementType:
		conn.deletePreparedStmt(msg.Name)
	case PreparePortalType:
		conn.closePortal(msg.Name)
	default:
		return pgerror.Protocol(fmt.Sprintf("invalid CLOSE message subtype %#x", msg.ObjectType))
	}
	conn.writeMessages(&pgproto3.CloseComplete{})
	return nil
}

func cloneByteSlices(src [][]byte) [][]byte {
	if src == nil {
		return nil
	}
	out := make([][]byte, len(src))
	for i, b := range src {
		if b != nil {
			out[i] = append([]byte(nil), b...)
		}
	}
	return out
}

func cloneInt16s(src []int16) []int16 {
	if src == nil {
		return nil
	}
	return append([]int16(nil), src...)
}
