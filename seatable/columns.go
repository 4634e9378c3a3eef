package seatable

import (
	"fmt"
	"strconv"
	"strings"
)

// Column describes one table column. Rows read with convert_keys=false
// are keyed by Column.Key.
type Column struct {
	Key  string `json:"key"`
	Name string `json:"name"`
	Type string `json:"type"`
}

// Row is one table row as returned by the rows endpoint.
type Row map[string]any

// ID returns the row id.
func (r Row) ID() string {
	id, _ := r["_id"].(string)
	return id
}

// Link is one entry of a link column.
type Link struct {
	RowID        string
	DisplayValue string
}

// ColumnMap resolves column names to the keys rows are indexed by.
type ColumnMap map[string]string

// MapColumns builds a ColumnMap for names. Every name must exist in cols.
func MapColumns(cols []Column, names ...string) (ColumnMap, error) {
	byName := make(map[string]string, len(cols))
	for _, c := range cols {
		byName[c.Name] = c.Key
	}

	m := make(ColumnMap, len(names))
	var missing []string
	for _, name := range names {
		key, ok := byName[name]
		if !ok {
			missing = append(missing, name)
			continue
		}
		m[name] = key
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("columns not found: %s", strings.Join(missing, ", "))
	}
	return m, nil
}

func (m ColumnMap) value(r Row, name string) any {
	key, ok := m[name]
	if !ok {
		return nil
	}
	return r[key]
}

// String returns the value of a text-like column. Numbers are formatted
// without a fractional part when they have none.
func (m ColumnMap) String(r Row, name string) string {
	return scalarString(m.value(r, name))
}

// Links returns the entries of a link column. Plain strings are accepted as
// display values without a row id.
func (m ColumnMap) Links(r Row, name string) []Link {
	var links []Link
	switch v := m.value(r, name).(type) {
	case []any:
		for _, item := range v {
			switch item := item.(type) {
			case map[string]any:
				rowID, _ := item["row_id"].(string)
				links = append(links, Link{RowID: rowID, DisplayValue: scalarString(item["display_value"])})
			default:
				if s := scalarString(item); s != "" {
					links = append(links, Link{DisplayValue: s})
				}
			}
		}
	case string:
		if s := strings.TrimSpace(v); s != "" {
			links = append(links, Link{DisplayValue: s})
		}
	}
	return links
}

// List returns a multi-value column as strings. A single string is split on
// commas and whitespace.
func (m ColumnMap) List(r Row, name string) []string {
	var out []string
	switch v := m.value(r, name).(type) {
	case []any:
		for _, item := range v {
			if mv, ok := item.(map[string]any); ok {
				item = mv["display_value"]
			}
			if s := scalarString(item); s != "" {
				out = append(out, s)
			}
		}
	case nil:
	default:
		out = strings.FieldsFunc(scalarString(v), func(r rune) bool {
			return r == ',' || r == ';' || r == ' ' || r == '\t' || r == '\n'
		})
	}
	return out
}

func scalarString(v any) string {
	switch v := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(v)
	default:
		return strings.TrimSpace(fmt.Sprint(v))
	}
}
