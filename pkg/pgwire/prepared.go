package pgwire

import (
	"fmt"
	"regexp"
	"strconv"

	"github.com/jackc/pgerrcode"

	"github.com/spanproxy/spanproxy/pkg/executor"
	"github.com/spanproxy/spanproxy/pkg/util/command"
	"github.com/spanproxy/spanproxy/pkg/util/pgerror"
)

const (
	// PrepareStatementType represents a prepared statement object type.
	PrepareStatementType byte = 'S'
	// PreparePortalType represents a portal object type.
	PreparePortalType byte = 'P'
)

// PreparedStatement is a parsed SQL template. The empty name designates
// the unnamed statement slot.
type PreparedStatement struct {
	Name      string
	SQL       string // as received from the client
	Rewritten string // after the rewrite rules ran
	Cmd       command.SQLCommandType

	// ParamCount is the highest $n placeholder index in the rewritten text.
	// It may exceed the number of oids the client declared; ParamOIDs is
	// padded with 0 ("unspecified") up to ParamCount.
	ParamCount int
	ParamOIDs  []uint32
}

// Portal binds a prepared statement to parameter values and result
// formats. Execution is lazy: the result appears on first Describe or
// Execute and a partially drained cursor stays on the portal until it is
// closed or resumed.
type Portal struct {
	Name     string
	Stmt     *PreparedStatement
	Params   [][]byte
	pformats []int16
	rformats []int16

	result      *executor.Result
	rowsEmitted int64
}

var placeholderRegexp = regexp.MustCompile(`\$(\d+)`)

// countPlaceholders returns the highest $n index in the SQL text.
func countPlaceholders(sql string) int {
	max := 0
	for _, m := range placeholderRegexp.FindAllStringSubmatch(sql, -1) {
		if n, err := strconv.Atoi(m[1]); err == nil && n > max {
			max = n
		}
	}
	return max
}

func newPreparedStatement(name, sql, rewritten string, declaredOIDs []uint32) *PreparedStatement {
	count := countPlaceholders(rewritten)
	oids := make([]uint32, count)
	copy(oids, declaredOIDs)
	return &PreparedStatement{
		Name:       name,
		SQL:        sql,
		Rewritten:  rewritten,
		Cmd:        command.Extract(rewritten),
		ParamCount: count,
		ParamOIDs:  oids,
	}
}

// paramFormat resolves the format code for parameter i under the 0/1/N
// broadcast rule.
func (p *Portal) paramFormat(i int) int16 {
	switch len(p.pformats) {
	case 0:
		return 0
	case 1:
		return p.pformats[0]
	default:
		return p.pformats[i]
	}
}

// boundParams packages the portal's raw values with their formats and the
// statement's declared type oids for decoding.
func (p *Portal) boundParams() []executor.Param {
	params := make([]executor.Param, len(p.Params))
	for i := range p.Params {
		var oid uint32
		if i < len(p.Stmt.ParamOIDs) {
			oid = p.Stmt.ParamOIDs[i]
		}
		params[i] = executor.Param{Value: p.Params[i], Format: p.paramFormat(i), OID: oid}
	}
	return params
}

// close releases a held cursor. Idempotent.
func (p *Portal) close() {
	if p.result != nil && p.result.Rows != nil {
		p.result.Rows.Close()
	}
}

// addPreparedStatement stores a statement in the session cache. The
// unnamed slot is overwritten freely; a named slot must be closed before
// it can be reused.
func (conn *ClientConn) addPreparedStatement(stmt *PreparedStatement) error {
	if stmt.Name != "" {
		if _, ok := conn.prepStmts[stmt.Name]; ok {
			return pgerror.New(pgerrcode.DuplicatePreparedStatement,
				fmt.Sprintf("prepared statement %q already exists", stmt.Name))
		}
	}
	conn.prepStmts[stmt.Name] = stmt
	return nil
}

// addPortal stores a portal in the session cache. The unnamed portal is
// overwritten freely; a named portal must not already exist.
func (conn *ClientConn) addPortal(portal *Portal) error {
	if portal.Name != "" {
		if _, ok := conn.portals[portal.Name]; ok {
			return pgerror.New(pgerrcode.DuplicateCursor,
				fmt.Sprintf("portal %q already exists", portal.Name))
		}
	} else {
		conn.closePortal("")
	}
	conn.portals[portal.Name] = portal
	return nil
}

func (conn *ClientConn) deletePreparedStmt(name string) {
	delete(conn.prepStmts, name)
}

// closePortal releases the named portal and any cursor it holds. Closing
// a name that does not exist is not an error.
func (conn *ClientConn) closePortal(name string) {
	if portal, ok := conn.portals[name]; ok {
		portal.close()
		delete(conn.portals, name)
	}
}

// releaseAll drops every cached statement and portal, closing held
// cursors. Called on session end.
func (conn *ClientConn) releaseAll() {
	for name := range conn.portals {
		conn.closePortal(name)
	}
	conn.prepStmts = map[string]*PreparedStatement{}
}
