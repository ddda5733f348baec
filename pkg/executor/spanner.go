package executor

import (
	"context"
	"encoding/base64"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"cloud.google.com/go/spanner"
	sppb "cloud.google.com/go/spanner/apiv1/spannerpb"
	"github.com/jackc/pgx/v5/pgtype"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/spanproxy/spanproxy/pkg/util/command"
	"github.com/spanproxy/spanproxy/pkg/util/pgerror"
)

// SpannerOptions identify the target Cloud Spanner database.
type SpannerOptions struct {
	Project         string
	Instance        string
	Database        string
	CredentialsFile string
}

// DatabasePath forms the fully qualified Spanner database name.
func (o SpannerOptions) DatabasePath() string {
	return fmt.Sprintf("projects/%s/instances/%s/databases/%s", o.Project, o.Instance, o.Database)
}

// SpannerExecutor runs statements against a Cloud Spanner database that
// uses the PostgreSQL dialect. Row-returning statements run in a
// single-use read-only transaction; BEGIN, COMMIT and ROLLBACK return
// without a downstream call; everything else runs as DML in a read-write
// transaction. The client is safe for concurrent sessions.
type SpannerExecutor struct {
	client *spanner.Client
}

var _ Executor = (*SpannerExecutor)(nil)

// NewSpanner opens a Spanner client for the configured database.
func NewSpanner(ctx context.Context, opts SpannerOptions) (*SpannerExecutor, error) {
	var copts []option.ClientOption
	if opts.CredentialsFile != "" {
		copts = append(copts, option.WithCredentialsFile(opts.CredentialsFile))
	}
	client, err := spanner.NewClient(ctx, opts.DatabasePath(), copts...)
	if err != nil {
		return nil, fmt.Errorf("spanner client for %s: %w", opts.DatabasePath(), err)
	}
	return &SpannerExecutor{client: client}, nil
}

func (e *SpannerExecutor) Execute(ctx context.Context, sql string, args []any) (*Result, error) {
	stmt := spanner.Statement{SQL: sql, Params: namedParams(args)}

	switch command.Extract(sql) {
	case command.BEGIN, command.COMMIT, command.ROLLBACK:
		// Every statement runs in its own Spanner transaction; explicit
		// transaction control is accepted and ignored.
		return &Result{}, nil
	}

	if command.ReturnsRows(command.Extract(sql)) {
		rows, err := newSpannerRows(e.client.Single().Query(ctx, stmt))
		if err != nil {
			return nil, execError(err)
		}
		return &Result{Rows: rows}, nil
	}

	var affected int64
	_, err := e.client.ReadWriteTransaction(ctx, func(ctx context.Context, txn *spanner.ReadWriteTransaction) error {
		n, err := txn.Update(ctx, stmt)
		affected = n
		return err
	})
	if err != nil {
		return nil, execError(err)
	}
	return &Result{RowsAffected: affected, HasRowsAffected: true}, nil
}

func (e *SpannerExecutor) Close() error {
	e.client.Close()
	return nil
}

// namedParams maps positional arguments to Spanner's p1..pn parameter
// names, which is how PostgreSQL-dialect databases bind $1..$n.
func namedParams(args []any) map[string]any {
	if len(args) == 0 {
		return nil
	}
	params := make(map[string]any, len(args))
	for i, arg := range args {
		params["p"+strconv.Itoa(i+1)] = arg
	}
	return params
}

// execError reports the downstream message verbatim when the error carries
// a gRPC status, under the generic internal-error SQLSTATE.
func execError(err error) error {
	if s, ok := status.FromError(err); ok {
		return pgerror.Execution(fmt.Errorf("%s", s.Message()))
	}
	return pgerror.Execution(err)
}

type spannerRows struct {
	iter    *spanner.RowIterator
	cols    []Column
	pending *Row
	done    bool
	closed  bool
}

// newSpannerRows pulls the first row eagerly so that column metadata is
// available for RowDescription before any DataRow is sent.
func newSpannerRows(iter *spanner.RowIterator) (*spannerRows, error) {
	rows := &spannerRows{iter: iter}

	row, err := iter.Next()
	switch {
	case err == iterator.Done:
		rows.done = true
	case err != nil:
		iter.Stop()
		return nil, err
	default:
		if rows.pending, err = decodeSpannerRow(row); err != nil {
			iter.Stop()
			return nil, err
		}
	}

	// Metadata is populated by the first Next call, including on empty
	// result sets.
	if md := iter.Metadata; md != nil && md.GetRowType() != nil {
		for _, field := range md.GetRowType().GetFields() {
			rows.cols = append(rows.cols, Column{
				Name: field.GetName(),
				OID:  spannerTypeToOID(field.GetType()),
			})
		}
	}
	return rows, nil
}

func (r *spannerRows) Columns() []Column { return r.cols }

func (r *spannerRows) Next() (*Row, error) {
	if r.pending != nil {
		row := r.pending
		r.pending = nil
		return row, nil
	}
	if r.done || r.closed {
		return nil, nil
	}

	row, err := r.iter.Next()
	if err == iterator.Done {
		r.done = true
		return nil, nil
	}
	if err != nil {
		return nil, execError(err)
	}
	return decodeSpannerRow(row)
}

func (r *spannerRows) Close() error {
	if !r.closed {
		r.closed = true
		r.iter.Stop()
	}
	return nil
}

func decodeSpannerRow(row *spanner.Row) (*Row, error) {
	n := row.Size()
	out := &Row{Values: make([]any, n), Native: make([]string, n)}
	for i := 0; i < n; i++ {
		var gcv spanner.GenericColumnValue
		if err := row.Column(i, &gcv); err != nil {
			return nil, execError(err)
		}
		value, native, err := decodeColumnValue(gcv)
		if err != nil {
			return nil, err
		}
		out.Values[i] = value
		out.Native[i] = native
	}
	return out, nil
}

func decodeColumnValue(gcv spanner.GenericColumnValue) (any, string, error) {
	if _, isNull := gcv.Value.GetKind().(*structpb.Value_NullValue); isNull {
		return nil, "", nil
	}

	switch gcv.Type.GetCode() {
	case sppb.TypeCode_BOOL:
		b := gcv.Value.GetBoolValue()
		return b, strconv.FormatBool(b), nil

	case sppb.TypeCode_INT64:
		s := gcv.Value.GetStringValue()
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return nil, "", execError(fmt.Errorf("malformed INT64 value %q", s))
		}
		return n, s, nil

	case sppb.TypeCode_FLOAT32, sppb.TypeCode_FLOAT64:
		// Non-finite floats arrive as the strings NaN/Infinity/-Infinity.
		if s, ok := gcv.Value.GetKind().(*structpb.Value_StringValue); ok {
			f, err := parseNonFinite(s.StringValue)
			return f, s.StringValue, err
		}
		f := gcv.Value.GetNumberValue()
		return f, strconv.FormatFloat(f, 'g', -1, 64), nil

	case sppb.TypeCode_STRING:
		s := gcv.Value.GetStringValue()
		return s, s, nil

	case sppb.TypeCode_BYTES:
		s := gcv.Value.GetStringValue()
		b, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return nil, "", execError(fmt.Errorf("malformed BYTES value: %v", err))
		}
		return b, s, nil

	case sppb.TypeCode_TIMESTAMP:
		s := gcv.Value.GetStringValue()
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return nil, "", execError(fmt.Errorf("malformed TIMESTAMP value %q", s))
		}
		return t, s, nil

	case sppb.TypeCode_DATE:
		s := gcv.Value.GetStringValue()
		t, err := time.Parse("2006-01-02", s)
		if err != nil {
			return nil, "", execError(fmt.Errorf("malformed DATE value %q", s))
		}
		return t, s, nil

	case sppb.TypeCode_NUMERIC, sppb.TypeCode_JSON:
		s := gcv.Value.GetStringValue()
		return s, s, nil

	case sppb.TypeCode_ARRAY:
		return decodeArrayValue(gcv)

	default:
		return nil, "", pgerror.Unsupported(
			fmt.Sprintf("result values of Spanner type %s are not supported", gcv.Type.GetCode()))
	}
}

func parseNonFinite(s string) (float64, error) {
	switch s {
	case "NaN":
		return math.NaN(), nil
	case "Infinity":
		return math.Inf(1), nil
	case "-Infinity":
		return math.Inf(-1), nil
	}
	return strconv.ParseFloat(s, 64)
}

// decodeArrayValue decodes ARRAY columns into pointer slices so that NULL
// elements survive re-encoding.
func decodeArrayValue(gcv spanner.GenericColumnValue) (any, string, error) {
	elems := gcv.Value.GetListValue().GetValues()
	elemType := gcv.Type.GetArrayElementType()

	natives := make([]string, len(elems))
	decode := func(i int) (any, bool, error) {
		if _, isNull := elems[i].GetKind().(*structpb.Value_NullValue); isNull {
			natives[i] = "NULL"
			return nil, true, nil
		}
		v, native, err := decodeColumnValue(spanner.GenericColumnValue{Type: elemType, Value: elems[i]})
		natives[i] = native
		return v, false, err
	}

	var value any
	switch elemType.GetCode() {
	case sppb.TypeCode_STRING:
		out := make([]*string, len(elems))
		for i := range elems {
			v, isNull, err := decode(i)
			if err != nil {
				return nil, "", err
			}
			if !isNull {
				s := v.(string)
				out[i] = &s
			}
		}
		value = out

	case sppb.TypeCode_INT64:
		out := make([]*int64, len(elems))
		for i := range elems {
			v, isNull, err := decode(i)
			if err != nil {
				return nil, "", err
			}
			if !isNull {
				n := v.(int64)
				out[i] = &n
			}
		}
		value = out

	case sppb.TypeCode_FLOAT32, sppb.TypeCode_FLOAT64:
		out := make([]*float64, len(elems))
		for i := range elems {
			v, isNull, err := decode(i)
			if err != nil {
				return nil, "", err
			}
			if !isNull {
				f := v.(float64)
				out[i] = &f
			}
		}
		value = out

	case sppb.TypeCode_BOOL:
		out := make([]*bool, len(elems))
		for i := range elems {
			v, isNull, err := decode(i)
			if err != nil {
				return nil, "", err
			}
			if !isNull {
				b := v.(bool)
				out[i] = &b
			}
		}
		value = out

	default:
		return nil, "", pgerror.Unsupported(
			fmt.Sprintf("result arrays of Spanner type %s are not supported", elemType.GetCode()))
	}

	return value, "[" + strings.Join(natives, ", ") + "]", nil
}

func spannerTypeToOID(t *sppb.Type) uint32 {
	switch t.GetCode() {
	case sppb.TypeCode_BOOL:
		return pgtype.BoolOID
	case sppb.TypeCode_INT64:
		return pgtype.Int8OID
	case sppb.TypeCode_FLOAT32:
		return pgtype.Float4OID
	case sppb.TypeCode_FLOAT64:
		return pgtype.Float8OID
	case sppb.TypeCode_BYTES:
		return pgtype.ByteaOID
	case sppb.TypeCode_TIMESTAMP:
		return pgtype.TimestamptzOID
	case sppb.TypeCode_DATE:
		return pgtype.DateOID
	case sppb.TypeCode_NUMERIC:
		return pgtype.NumericOID
	case sppb.TypeCode_JSON:
		return pgtype.JSONBOID
	case sppb.TypeCode_ARRAY:
		switch t.GetArrayElementType().GetCode() {
		case sppb.TypeCode_INT64:
			return pgtype.Int8ArrayOID
		case sppb.TypeCode_FLOAT32:
			return pgtype.Float4ArrayOID
		case sppb.TypeCode_FLOAT64:
			return pgtype.Float8ArrayOID
		case sppb.TypeCode_BOOL:
			return pgtype.BoolArrayOID
		default:
			return pgtype.TextArrayOID
		}
	default:
		return pgtype.TextOID
	}
}
