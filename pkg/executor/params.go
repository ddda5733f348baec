package executor

import (
	"fmt"
	"strconv"
	"time"

	"cloud.google.com/go/civil"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/spanproxy/spanproxy/pkg/util/pgerror"
)

// Param is one bound parameter as received on the wire: the raw value
// bytes, the format code it was sent in (0 text, 1 binary) and the
// declared type oid (0 when the client left the type unspecified).
type Param struct {
	Value  []byte
	Format int16
	OID    uint32
}

const (
	textFormat   = int16(pgtype.TextFormatCode)
	binaryFormat = int16(pgtype.BinaryFormatCode)
)

// DecodeParams converts wire parameters to Go-native values suitable for
// the downstream database. A nil value blob decodes to nil (NULL).
func DecodeParams(m *pgtype.Map, params []Param) ([]any, error) {
	args := make([]any, len(params))
	for i, p := range params {
		if p.Value == nil {
			args[i] = nil
			continue
		}

		var (
			v   any
			err error
		)
		switch p.Format {
		case textFormat:
			v, err = decodeTextParam(m, p.OID, string(p.Value))
		case binaryFormat:
			v, err = decodeBinaryParam(m, p.OID, p.Value)
		default:
			err = pgerror.Protocol(fmt.Sprintf("unknown parameter format code %d", p.Format))
		}
		if err != nil {
			return nil, err
		}
		args[i] = v
	}
	return args, nil
}

var timestampLayouts = []string{
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999-07",
	"2006-01-02 15:04:05.999999999",
	time.RFC3339Nano,
}

func decodeTextParam(m *pgtype.Map, oid uint32, src string) (any, error) {
	switch oid {
	case pgtype.Int2OID, pgtype.Int4OID, pgtype.Int8OID:
		n, err := strconv.ParseInt(src, 10, 64)
		if err != nil {
			return nil, pgerror.Protocol(fmt.Sprintf("invalid integer parameter %q", src))
		}
		return n, nil

	case pgtype.Float4OID, pgtype.Float8OID:
		f, err := strconv.ParseFloat(src, 64)
		if err != nil {
			return nil, pgerror.Protocol(fmt.Sprintf("invalid float parameter %q", src))
		}
		return f, nil

	case pgtype.BoolOID:
		switch src {
		case "t", "true", "TRUE", "1":
			return true, nil
		case "f", "false", "FALSE", "0":
			return false, nil
		}
		return nil, pgerror.Protocol(fmt.Sprintf("invalid boolean parameter %q", src))

	case pgtype.ByteaOID:
		var b []byte
		if err := m.Scan(pgtype.ByteaOID, textFormat, []byte(src), &b); err != nil {
			return nil, pgerror.Protocol(fmt.Sprintf("invalid bytea parameter: %v", err))
		}
		return b, nil

	case pgtype.TimestampOID, pgtype.TimestamptzOID:
		for _, layout := range timestampLayouts {
			if t, err := time.Parse(layout, src); err == nil {
				return t, nil
			}
		}
		return nil, pgerror.Protocol(fmt.Sprintf("invalid timestamp parameter %q", src))

	case pgtype.DateOID:
		d, err := civil.ParseDate(src)
		if err != nil {
			return nil, pgerror.Protocol(fmt.Sprintf("invalid date parameter %q", src))
		}
		return d, nil

	default:
		// Unspecified and textual types pass through as strings; the
		// downstream engine coerces them.
		return src, nil
	}
}

func decodeBinaryParam(m *pgtype.Map, oid uint32, src []byte) (any, error) {
	switch oid {
	case pgtype.Int2OID, pgtype.Int4OID, pgtype.Int8OID:
		var n int64
		if err := m.Scan(oid, binaryFormat, src, &n); err != nil {
			return nil, pgerror.Protocol(fmt.Sprintf("decode binary integer: %v", err))
		}
		return n, nil

	case pgtype.Float4OID, pgtype.Float8OID:
		var f float64
		if err := m.Scan(oid, binaryFormat, src, &f); err != nil {
			return nil, pgerror.Protocol(fmt.Sprintf("decode binary float: %v", err))
		}
		return f, nil

	case pgtype.BoolOID:
		var b bool
		if err := m.Scan(oid, binaryFormat, src, &b); err != nil {
			return nil, pgerror.Protocol(fmt.Sprintf("decode binary boolean: %v", err))
		}
		return b, nil

	case pgtype.TextOID, pgtype.VarcharOID:
		return string(src), nil

	case pgtype.ByteaOID:
		out := make([]byte, len(src))
		copy(out, src)
		return out, nil

	case pgtype.TimestampOID, pgtype.TimestamptzOID:
		var t time.Time
		if err := m.Scan(oid, binaryFormat, src, &t); err != nil {
			return nil, pgerror.Protocol(fmt.Sprintf("decode binary timestamp: %v", err))
		}
		return t, nil

	case pgtype.DateOID:
		var t time.Time
		if err := m.Scan(oid, binaryFormat, src, &t); err != nil {
			return nil, pgerror.Protocol(fmt.Sprintf("decode binary date: %v", err))
		}
		return civil.DateOf(t), nil

	case pgtype.NumericOID:
		var n pgtype.Numeric
		if err := m.Scan(oid, binaryFormat, src, &n); err != nil {
			return nil, pgerror.Protocol(fmt.Sprintf("decode binary numeric: %v", err))
		}
		v, err := n.Value()
		if err != nil {
			return nil, pgerror.Protocol(fmt.Sprintf("decode binary numeric: %v", err))
		}
		return fmt.Sprint(v), nil

	default:
		return nil, pgerror.Unsupported(fmt.Sprintf("binary parameters of type oid %d are not supported", oid))
	}
}
