package sqlite

import (
	"database/sql"
	"fmt"
	"strings"

	"github.com/evolu-sh/evolu-core/internal/changes"
	"github.com/evolu-sh/evolu-core/internal/evoluerr"
)

// quoteIdent validates table/column names against a conservative
// charset and double-quotes them for interpolation into DDL, since
// identifiers cannot be bound as query parameters.
func quoteIdent(name string) (string, error) {
	if name == "" {
		return "", evoluerr.New(evoluerr.KindStorage, "empty identifier")
	}
	for i, r := range name {
		ok := (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || r == '_' || (i > 0 && r >= '0' && r <= '9')
		if !ok {
			return "", evoluerr.New(evoluerr.KindStorage, fmt.Sprintf("invalid identifier %q", name))
		}
	}
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`, nil
}

// historyArgs splits a Value into the four nullable columns
// evolu_history stores it across.
func historyArgs(v changes.Value) (kind int, vi, vf, vt, vb interface{}) {
	switch v.Kind {
	case changes.ValueNull:
		return int(v.Kind), nil, nil, nil, nil
	case changes.ValueInt64:
		return int(v.Kind), v.Int, nil, nil, nil
	case changes.ValueFloat64:
		return int(v.Kind), nil, v.Float, nil, nil
	case changes.ValueText:
		return int(v.Kind), nil, nil, v.Text, nil
	case changes.ValueBlob:
		return int(v.Kind), nil, nil, nil, v.Blob
	default:
		return int(v.Kind), nil, nil, nil, nil
	}
}

// scanValue reassembles a Value from the four nullable columns.
func scanValue(kind int, vi sql.NullInt64, vf sql.NullFloat64, vt sql.NullString, vb []byte) changes.Value {
	switch changes.ValueKind(kind) {
	case changes.ValueInt64:
		return changes.IntValue(vi.Int64)
	case changes.ValueFloat64:
		return changes.FloatValue(vf.Float64)
	case changes.ValueText:
		return changes.TextValue(vt.String)
	case changes.ValueBlob:
		return changes.BlobValue(vb)
	default:
		return changes.NullValue()
	}
}

// sqlValue converts a Value into the interface{} database/sql expects
// when writing it into a dynamically-typed user-table column.
func sqlValue(v changes.Value) interface{} {
	switch v.Kind {
	case changes.ValueInt64:
		return v.Int
	case changes.ValueFloat64:
		return v.Float
	case changes.ValueText:
		return v.Text
	case changes.ValueBlob:
		return v.Blob
	default:
		return nil
	}
}
