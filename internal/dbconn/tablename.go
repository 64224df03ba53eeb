package dbconn

import (
	"fmt"
	"strings"
)

// TableName is a possibly schema-qualified MySQL table name. Comparison is
// case-insensitive to match MySQL's default collation for object names on
// the platforms we care about.
type TableName struct {
	Schema string // empty means the connection's default schema
	Name   string
}

// ParseTableName parses "table", "schema.table", and the backtick-quoted
// forms of either. A dot inside backticks is part of the name.
func ParseTableName(s string) (TableName, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return TableName{}, fmt.Errorf("empty table name")
	}

	parts, err := splitQualified(s)
	if err != nil {
		return TableName{}, err
	}
	switch len(parts) {
	case 1:
		return TableName{Name: parts[0]}, nil
	case 2:
		if parts[0] == "" || parts[1] == "" {
			return TableName{}, fmt.Errorf("malformed table name %q", s)
		}
		return TableName{Schema: parts[0], Name: parts[1]}, nil
	default:
		return TableName{}, fmt.Errorf("table name %q has too many qualifiers", s)
	}
}

// splitQualified splits on dots outside backtick quotes and strips quotes.
func splitQualified(s string) ([]string, error) {
	var parts []string
	var cur strings.Builder
	inQuote := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '`':
			// `` inside a quoted identifier is an escaped backtick.
			if inQuote && i+1 < len(s) && s[i+1] == '`' {
				cur.WriteByte('`')
				i++
				continue
			}
			inQuote = !inQuote
		case c == '.' && !inQuote:
			parts = append(parts, cur.String())
			cur.Reset()
		default:
			cur.WriteByte(c)
		}
	}
	if inQuote {
		return nil, fmt.Errorf("unterminated backtick in table name %q", s)
	}
	parts = append(parts, cur.String())
	return parts, nil
}

// Qualified returns the backtick-quoted form suitable for interpolation
// into SQL text.
func (t TableName) Qualified() string {
	quote := func(s string) string {
		return "`" + strings.ReplaceAll(s, "`", "``") + "`"
	}
	if t.Schema == "" {
		return quote(t.Name)
	}
	return quote(t.Schema) + "." + quote(t.Name)
}

// String returns the unquoted dotted form.
func (t TableName) String() string {
	if t.Schema == "" {
		return t.Name
	}
	return t.Schema + "." + t.Name
}

// Equal compares case-insensitively.
func (t TableName) Equal(o TableName) bool {
	return strings.EqualFold(t.Schema, o.Schema) && strings.EqualFold(t.Name, o.Name)
}
