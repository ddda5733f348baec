package pgwire

import (
	"context"
	"strings"

	"github.com/jackc/pgx/v5/pgproto3"

	"github.com/spanproxy/spanproxy/pkg/metrics"
	"github.com/spanproxy/spanproxy/pkg/util/command"
)

// rowFlushInterval bounds how many DataRows are buffered before the
// output is forced out mid-stream.
const rowFlushInterval = 256

// Handle the Simple Query protocol. The whole round completes here: any
// error is reported and followed by ReadyForQuery, so only stream
// failures propagate to the caller.
func (conn *ClientConn) handleQuery(ctx context.Context, msg *pgproto3.Query) error {
	metrics.QueriesTotal.WithLabelValues("simple").Inc()
	timer := metrics.QueryTimer("simple")
	defer timer()

	sql := msg.String

	if strings.TrimSpace(sql) == "" {
		conn.writeMessages(
			&pgproto3.EmptyQueryResponse{},
			&pgproto3.ReadyForQuery{TxStatus: conn.txStatus},
		)
		return conn.flush()
	}

	// The downstream service has no session variables; SET is accepted
	// and dropped. The match is deliberately case-sensitive.
	if sql == "SET" || strings.HasPrefix(sql, "SET ") {
		conn.writeMessages(
			&pgproto3.CommandComplete{CommandTag: []byte(command.SET)},
			&pgproto3.ReadyForQuery{TxStatus: conn.txStatus},
		)
		return conn.flush()
	}

	rewritten := conn.rules.Apply(sql)
	if rewritten != sql {
		conn.log.V(1).Info("query rewrite", "sql", rewritten)
	}
	cmd := command.Extract(rewritten)

	res, err := conn.exec.Execute(ctx, rewritten, nil)
	if err != nil {
		conn.sendError(err)
		conn.writeMessages(&pgproto3.ReadyForQuery{TxStatus: conn.txStatus})
		return conn.flush()
	}

	switch {
	case res.Rows != nil:
		defer res.Rows.Close()

		cols := res.Rows.Columns()
		// Simple mode has no Bind: results are always in the session's
		// text format.
		formats, _ := resolveFormats(nil, len(cols), conn.defaultFormat, false)
		conn.writeMessages(rowDescription(cols, formats))

		var count int64
		for {
			row, err := res.Rows.Next()
			if err != nil {
				conn.sendError(err)
				conn.writeMessages(&pgproto3.ReadyForQuery{TxStatus: conn.txStatus})
				return conn.flush()
			}
			if row == nil {
				break
			}
			dataRow, err := encodeDataRow(conn.typeMap, cols, formats, row)
			if err != nil {
				conn.sendError(err)
				conn.writeMessages(&pgproto3.ReadyForQuery{TxStatus: conn.txStatus})
				return conn.flush()
			}
			conn.writeMessages(dataRow)
			count++
			if count%rowFlushInterval == 0 {
				if err := conn.flush(); err != nil {
					return err
				}
			}
		}
		conn.writeMessages(&pgproto3.CommandComplete{CommandTag: []byte(command.Tag(cmd, count))})

	case res.HasRowsAffected:
		conn.writeMessages(&pgproto3.CommandComplete{CommandTag: []byte(command.Tag(cmd, res.RowsAffected))})

	default:
		conn.writeMessages(&pgproto3.CommandComplete{CommandTag: []byte(command.Tag(cmd, 0))})
	}

	conn.applyTxStatus(cmd)
	conn.writeMessages(&pgproto3.ReadyForQuery{TxStatus: conn.txStatus})
	return conn.flush()
}
