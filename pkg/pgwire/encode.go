package pgwire

import (
	"fmt"

	"github.com/jackc/pgx/v5/pgproto3"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/spanproxy/spanproxy/pkg/executor"
	"github.com/spanproxy/spanproxy/pkg/util/pgerror"
)

// DataFormat selects how a column value is rendered on the wire.
type DataFormat int

const (
	// FormatPgText is the PostgreSQL canonical text form.
	FormatPgText DataFormat = iota
	// FormatPgBinary is the PostgreSQL binary form.
	FormatPgBinary
	// FormatNativeText passes the downstream engine's own text rendering
	// through byte-for-byte.
	FormatNativeText
)

// resolveFormats expands a Bind result-format vector to one format per
// column. An empty vector selects the session default for every column
// (or binary when the force-binary option is on), a single code
// broadcasts to every column, and a full-length vector applies per
// column. Any other length is a protocol violation.
func resolveFormats(codes []int16, ncols int, def DataFormat, forceBinary bool) ([]DataFormat, error) {
	formats := make([]DataFormat, ncols)

	fill := func(code int16, from, to int) error {
		f, err := formatForCode(code, def)
		if err != nil {
			return err
		}
		for i := from; i < to; i++ {
			formats[i] = f
		}
		return nil
	}

	switch {
	case len(codes) == 0:
		d := def
		if forceBinary {
			d = FormatPgBinary
		}
		for i := range formats {
			formats[i] = d
		}

	case len(codes) == 1:
		if err := fill(codes[0], 0, ncols); err != nil {
			return nil, err
		}

	case len(codes) == ncols:
		for i, code := range codes {
			if err := fill(code, i, i+1); err != nil {
				return nil, err
			}
		}

	default:
		return nil, pgerror.Protocol(fmt.Sprintf(
			"bind message has %d result formats but query has %d columns", len(codes), ncols))
	}
	return formats, nil
}

func formatForCode(code int16, def DataFormat) (DataFormat, error) {
	switch code {
	case 0:
		return def, nil
	case 1:
		return FormatPgBinary, nil
	default:
		return 0, pgerror.Protocol(fmt.Sprintf("unknown result format code %d", code))
	}
}

// rowDescription forms the RowDescription for a result set under the
// resolved per-column formats.
func rowDescription(cols []executor.Column, formats []DataFormat) *pgproto3.RowDescription {
	desc := &pgproto3.RowDescription{Fields: make([]pgproto3.FieldDescription, 0, len(cols))}
	for i, col := range cols {
		var code int16
		if formats[i] == FormatPgBinary {
			code = 1
		}
		desc.Fields = append(desc.Fields, pgproto3.FieldDescription{
			Name:         []byte(col.Name),
			DataTypeOID:  col.OID,
			DataTypeSize: -1,
			TypeModifier: -1,
			Format:       code,
		})
	}
	return desc
}

// encodeDataRow serialises one row. The format choice is per column per
// row; NULL is a nil value entry, framed as length -1.
func encodeDataRow(m *pgtype.Map, cols []executor.Column, formats []DataFormat, row *executor.Row) (*pgproto3.DataRow, error) {
	values := make([][]byte, len(cols))
	for i, col := range cols {
		v := row.Values[i]
		if v == nil {
			continue
		}

		switch formats[i] {
		case FormatNativeText:
			values[i] = []byte(row.Native[i])

		case FormatPgText:
			// Textual natives (strings, numerics, JSON) are already in
			// canonical form.
			if s, ok := v.(string); ok {
				values[i] = []byte(s)
				continue
			}
			buf, err := m.Encode(col.OID, pgtype.TextFormatCode, v, nil)
			if err != nil {
				return nil, pgerror.Unsupported(fmt.Sprintf(
					"cannot encode column %q as text: %v", col.Name, err))
			}
			values[i] = buf

		case FormatPgBinary:
			buf, err := encodeBinary(m, col, v)
			if err != nil {
				return nil, err
			}
			values[i] = buf
		}
	}
	return &pgproto3.DataRow{Values: values}, nil
}

func encodeBinary(m *pgtype.Map, col executor.Column, v any) ([]byte, error) {
	switch col.OID {
	case pgtype.JSONBOID:
		// jsonb wire form is a version byte followed by the text.
		if s, ok := v.(string); ok {
			return append([]byte{1}, s...), nil
		}

	case pgtype.NumericOID:
		if s, ok := v.(string); ok {
			var n pgtype.Numeric
			if err := n.Scan(s); err != nil {
				return nil, pgerror.Unsupported(fmt.Sprintf(
					"cannot encode column %q as binary numeric: %v", col.Name, err))
			}
			v = n
		}
	}

	buf, err := m.Encode(col.OID, pgtype.BinaryFormatCode, v, nil)
	if err != nil {
		return nil, pgerror.Unsupported(fmt.Sprintf(
			"cannot encode column %q in binary format: %v", col.Name, err))
	}
	return buf, nil
}
