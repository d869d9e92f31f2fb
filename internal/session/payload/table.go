package payload

import (
	"encoding/json"
	"fmt"
	"slices"
	"strings"

	apperrors "github.com/s2quake/tabledeck/internal/platform/errors"
	"github.com/s2quake/tabledeck/internal/session/action"
)

// TableKind is the source-type tag for tabular payloads.
const TableKind = "table"

const tableSnapshotVersion = 1

// TableData is the tabular payload: named tables of keyed rows plus schema
// properties.
type TableData struct {
	Properties map[string]string     `json:"properties,omitempty"`
	Tables     map[string][]TableRow `json:"tables,omitempty"`
}

// TableRow is one row within a table.
type TableRow struct {
	Keys   []string          `json:"keys"`
	Fields map[string]string `json:"fields,omitempty"`
}

// tableSnapshot is the versioned durable form of TableData.
type tableSnapshot struct {
	Version int       `json:"version"`
	Data    TableData `json:"data"`
}

// TableStrategy implements Strategy for tabular payloads.
type TableStrategy struct{}

// Kind returns the source-type tag.
func (TableStrategy) Kind() string {
	return TableKind
}

// Apply applies a payload action to the table data.
func (TableStrategy) Apply(current any, act action.Action) (any, error) {
	data, err := assertTableData(current)
	if err != nil {
		return nil, err
	}

	switch act.Kind {
	case action.KindNewRow:
		return data.withNewRows(act.Rows)
	case action.KindSetRow:
		return data.withSetRows(act.Rows)
	case action.KindRemoveRow:
		return data.withRemovedRows(act.Rows)
	case action.KindSetProperty:
		return data.withProperty(act.PropertyName, act.PropertyValue)
	default:
		return nil, fmt.Errorf("table payload cannot apply action kind %q", act.Kind)
	}
}

// Encode serializes the table data as a versioned snapshot.
func (TableStrategy) Encode(current any) ([]byte, error) {
	data, err := assertTableData(current)
	if err != nil {
		return nil, err
	}
	encoded, err := json.Marshal(tableSnapshot{Version: tableSnapshotVersion, Data: data})
	if err != nil {
		return nil, fmt.Errorf("encode table payload: %w", err)
	}
	return encoded, nil
}

// Decode reverses Encode. Empty input decodes to an empty TableData.
func (TableStrategy) Decode(raw []byte) (any, error) {
	if len(raw) == 0 {
		return TableData{}, nil
	}
	var snapshot tableSnapshot
	if err := json.Unmarshal(raw, &snapshot); err != nil {
		return nil, fmt.Errorf("decode table payload: %w", err)
	}
	if snapshot.Version != tableSnapshotVersion {
		return nil, fmt.Errorf("decode table payload: unsupported snapshot version %d", snapshot.Version)
	}
	return snapshot.Data, nil
}

func assertTableData(current any) (TableData, error) {
	data, ok := current.(TableData)
	if !ok {
		return TableData{}, fmt.Errorf("table payload expects TableData, got %T", current)
	}
	return data, nil
}

// keyLabel renders a key tuple for error metadata. It is display-only; row
// identity is decided by element-wise comparison, never by this string.
func keyLabel(keys []string) string {
	return strings.Join(keys, ",")
}

// clone copies the payload deeply enough that mutations to the copy never
// touch the original.
func (d TableData) clone() TableData {
	cloned := TableData{}
	if d.Properties != nil {
		cloned.Properties = make(map[string]string, len(d.Properties))
		for k, v := range d.Properties {
			cloned.Properties[k] = v
		}
	}
	if d.Tables != nil {
		cloned.Tables = make(map[string][]TableRow, len(d.Tables))
		for name, rows := range d.Tables {
			copied := make([]TableRow, len(rows))
			for i, row := range rows {
				copied[i] = row.clone()
			}
			cloned.Tables[name] = copied
		}
	}
	return cloned
}

func (r TableRow) clone() TableRow {
	cloned := TableRow{Keys: append([]string(nil), r.Keys...)}
	if r.Fields != nil {
		cloned.Fields = make(map[string]string, len(r.Fields))
		for k, v := range r.Fields {
			cloned.Fields[k] = v
		}
	}
	return cloned
}

func (d TableData) findRow(table string, keys []string) int {
	for i, row := range d.Tables[table] {
		if slices.Equal(row.Keys, keys) {
			return i
		}
	}
	return -1
}

func (d TableData) withNewRows(rows []action.Row) (TableData, error) {
	next := d.clone()
	if next.Tables == nil {
		next.Tables = make(map[string][]TableRow)
	}
	for _, row := range rows {
		if next.findRow(row.TableName, row.Keys) >= 0 {
			return TableData{}, apperrors.WithMetadata(apperrors.CodeRowExists, "row already exists",
				map[string]string{"Table": row.TableName, "Key": keyLabel(row.Keys)})
		}
		next.Tables[row.TableName] = append(next.Tables[row.TableName], TableRow{
			Keys:   append([]string(nil), row.Keys...),
			Fields: copyFields(row.Fields),
		})
	}
	return next, nil
}

func (d TableData) withSetRows(rows []action.Row) (TableData, error) {
	next := d.clone()
	for _, row := range rows {
		index := next.findRow(row.TableName, row.Keys)
		if index < 0 {
			return TableData{}, apperrors.WithMetadata(apperrors.CodeRowNotFound, "row not found",
				map[string]string{"Table": row.TableName, "Key": keyLabel(row.Keys)})
		}
		target := &next.Tables[row.TableName][index]
		if target.Fields == nil {
			target.Fields = make(map[string]string, len(row.Fields))
		}
		for field, value := range row.Fields {
			target.Fields[field] = value
		}
	}
	return next, nil
}

func (d TableData) withRemovedRows(rows []action.Row) (TableData, error) {
	next := d.clone()
	for _, row := range rows {
		index := next.findRow(row.TableName, row.Keys)
		if index < 0 {
			return TableData{}, apperrors.WithMetadata(apperrors.CodeRowNotFound, "row not found",
				map[string]string{"Table": row.TableName, "Key": keyLabel(row.Keys)})
		}
		existing := next.Tables[row.TableName]
		next.Tables[row.TableName] = append(existing[:index], existing[index+1:]...)
		if len(next.Tables[row.TableName]) == 0 {
			delete(next.Tables, row.TableName)
		}
	}
	return next, nil
}

func (d TableData) withProperty(name, value string) (TableData, error) {
	next := d.clone()
	if next.Properties == nil {
		next.Properties = make(map[string]string)
	}
	next.Properties[name] = value
	return next, nil
}

func copyFields(fields map[string]string) map[string]string {
	if fields == nil {
		return nil
	}
	copied := make(map[string]string, len(fields))
	for k, v := range fields {
		copied[k] = v
	}
	return copied
}
