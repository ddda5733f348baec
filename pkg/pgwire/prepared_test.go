package pgwire

import (
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/spanproxy/spanproxy/pkg/executor"
	"github.com/spanproxy/spanproxy/pkg/util/command"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

type closeTrackingCursor struct {
	closed bool
}

func (c *closeTrackingCursor) Columns() []executor.Column   { return nil }
func (c *closeTrackingCursor) Next() (*executor.Row, error) { return nil, nil }
func (c *closeTrackingCursor) Close() error                 { c.closed = true; return nil }

func newTestConn() *ClientConn {
	return &ClientConn{
		prepStmts: map[string]*PreparedStatement{},
		portals:   map[string]*Portal{},
		txStatus:  'I',
	}
}

var _ = Describe("Placeholder counting", func() {

	It("Counts the highest placeholder index", func() {
		Expect(countPlaceholders("SELECT $1, $2")).To(Equal(2))
		Expect(countPlaceholders("SELECT * FROM t WHERE a = $2")).To(Equal(2))
		Expect(countPlaceholders("UPDATE t SET a = $1 WHERE a = $1")).To(Equal(1))
	})

	It("Counts zero for plain statements", func() {
		Expect(countPlaceholders("SELECT 1")).To(Equal(0))
		Expect(countPlaceholders("SELECT '$notaparam'")).To(Equal(0))
	})
})

var _ = Describe("Prepared statements", func() {

	It("Pads declared oids up to the placeholder count", func() {
		stmt := newPreparedStatement("s", "SELECT $1, $2, $3", "SELECT $1, $2, $3", []uint32{pgtype.Int8OID})
		Expect(stmt.ParamCount).To(Equal(3))
		Expect(stmt.ParamOIDs).To(Equal([]uint32{pgtype.Int8OID, 0, 0}))
		Expect(stmt.Cmd).To(Equal(command.SELECT))
	})

	It("Overwrites the unnamed statement freely", func() {
		conn := newTestConn()
		Expect(conn.addPreparedStatement(newPreparedStatement("", "SELECT 1", "SELECT 1", nil))).To(Succeed())
		Expect(conn.addPreparedStatement(newPreparedStatement("", "SELECT 2", "SELECT 2", nil))).To(Succeed())
		Expect(conn.prepStmts[""].SQL).To(Equal("SELECT 2"))
	})

	It("Refuses to overwrite a named statement without a Close", func() {
		conn := newTestConn()
		Expect(conn.addPreparedStatement(newPreparedStatement("s1", "SELECT 1", "SELECT 1", nil))).To(Succeed())
		err := conn.addPreparedStatement(newPreparedStatement("s1", "SELECT 2", "SELECT 2", nil))
		Expect(err).To(HaveOccurred())

		conn.deletePreparedStmt("s1")
		Expect(conn.addPreparedStatement(newPreparedStatement("s1", "SELECT 2", "SELECT 2", nil))).To(Succeed())
	})
})

var _ = Describe("Portals", func() {

	It("Overwrites the unnamed portal, closing its cursor", func() {
		conn := newTestConn()
		stmt := newPreparedStatement("", "SELECT 1", "SELECT 1", nil)

		cursor := &closeTrackingCursor{}
		first := &Portal{Stmt: stmt, result: &executor.Result{Rows: cursor}}
		Expect(conn.addPortal(first)).To(Succeed())

		Expect(conn.addPortal(&Portal{Stmt: stmt})).To(Succeed())
		Expect(cursor.closed).To(BeTrue())
	})

	It("Refuses a duplicate named portal", func() {
		conn := newTestConn()
		stmt := newPreparedStatement("", "SELECT 1", "SELECT 1", nil)
		Expect(conn.addPortal(&Portal{Name: "p1", Stmt: stmt})).To(Succeed())
		Expect(conn.addPortal(&Portal{Name: "p1", Stmt: stmt})).To(HaveOccurred())
	})

	It("Ignores closing a portal that does not exist", func() {
		conn := newTestConn()
		conn.closePortal("ghost")
		conn.closePortal("ghost")
	})

	It("Broadcasts a single parameter format code", func() {
		stmt := newPreparedStatement("", "SELECT $1, $2", "SELECT $1, $2", []uint32{pgtype.Int8OID})
		portal := &Portal{
			Stmt:     stmt,
			Params:   [][]byte{[]byte("1"), []byte("2")},
			pformats: []int16{1},
		}
		params := portal.boundParams()
		Expect(params).To(HaveLen(2))
		Expect(params[0].Format).To(Equal(int16(1)))
		Expect(params[1].Format).To(Equal(int16(1)))
		Expect(params[0].OID).To(Equal(uint32(pgtype.Int8OID)))
		Expect(params[1].OID).To(Equal(uint32(0)))
	})

	It("Releases every cursor at session end", func() {
		conn := newTestConn()
		stmt := newPreparedStatement("", "SELECT 1", "SELECT 1", nil)
		cursor := &closeTrackingCursor{}
		Expect(conn.addPortal(&Portal{Name: "p1", Stmt: stmt, result: &executor.Result{Rows: cursor}})).To(Succeed())

		conn.releaseAll()
		Expect(cursor.closed).To(BeTrue())
		Expect(conn.portals).To(BeEmpty())
	})
})
