package rules

import (
	"fmt"
	"strings"

	"github.com/ohler55/ojg/jp"
)

// dataColumn holds free-form attributes for both users and events.
const dataColumn = "data"

// reservedFields are top-level columns per group; every other path resolves
// into the data blob.
var reservedFields = map[Group][]string{
	GroupUser:  {"external_id", "email", "phone", "timezone", "locale", "created_at"},
	GroupEvent: {"name", "created_at"},
}

// eventNamePath is the path that marks a wrapper as event scoped.
const eventNamePath = "$.name"

// normalizePath turns "score.total" and "$.score.total" into the same form.
func normalizePath(path string) string {
	path = strings.TrimSpace(path)
	switch {
	case path == "" || path == "$":
		return "$"
	case strings.HasPrefix(path, "$"):
		return path
	case strings.HasPrefix(path, "["):
		return "$" + path
	default:
		return "$." + path
	}
}

// pathSegments returns the child names of a dotted path. Wildcards, indexes
// and filters are rejected because the query dialect cannot express them.
func pathSegments(path string) ([]string, error) {
	expr, err := jp.ParseString(normalizePath(path))
	if err != nil {
		return nil, err
	}
	var segments []string
	for _, frag := range expr {
		switch f := frag.(type) {
		case jp.Root, jp.At, jp.Bracket:
		case jp.Child:
			segments = append(segments, string(f))
		default:
			return nil, fmt.Errorf("path fragment %q", jp.Expr{frag}.String())
		}
	}
	return segments, nil
}

// isReserved reports whether the first path segment names a reserved column.
func isReserved(group Group, first string) bool {
	for _, f := range reservedFields[entityGroup(group)] {
		if f == first {
			return true
		}
	}
	return false
}

// entityGroup maps the parent group onto the user record it is scoped to.
func entityGroup(g Group) Group {
	if g == GroupEvent {
		return GroupEvent
	}
	return GroupUser
}

// ==========================================
// IN-MEMORY RESOLUTION
// ==========================================

// resolve returns every candidate value the rule path selects from the input.
// A path may fan out (e.g. "$.items[*].sku"); missing paths and JSON nulls
// yield no candidates.
func resolve(in Input, r Rule) ([]any, error) {
	record := in.User
	if entityGroup(r.Group) == GroupEvent {
		record = in.Event
	}
	if record == nil {
		return nil, nil
	}

	path := normalizePath(r.Path)
	expr, err := jp.ParseString(path)
	if err != nil {
		return nil, evalError(r, ErrUnsupportedPath, err.Error())
	}

	var target any = record[dataColumn]
	if first := firstChild(expr); first != "" && isReserved(r.Group, first) {
		target = map[string]any(record)
	}
	if target == nil {
		return nil, nil
	}

	var out []any
	for _, v := range expr.Get(target) {
		if v != nil {
			out = append(out, v)
		}
	}
	return out, nil
}

func firstChild(expr jp.Expr) string {
	for _, frag := range expr {
		switch f := frag.(type) {
		case jp.Root, jp.At, jp.Bracket:
			continue
		case jp.Child:
			return string(f)
		}
		return ""
	}
	return ""
}

// ==========================================
// QUERY RESOLUTION
// ==========================================

// columnRef is the store-side reference a rule path resolves to.
type columnRef struct {
	expr     string
	reserved bool
	name     string
}

// column resolves the rule path to a quoted column (reserved) or a subcolumn
// of the JSON data column.
func column(r Rule) (columnRef, error) {
	segments, err := pathSegments(r.Path)
	if err != nil {
		return columnRef{}, evalError(r, ErrUnsupportedPath, err.Error())
	}
	if len(segments) == 0 {
		return columnRef{}, evalError(r, ErrUnsupportedPath, "path selects the whole record")
	}
	if isReserved(r.Group, segments[0]) {
		if len(segments) > 1 {
			return columnRef{}, evalError(r, ErrUnsupportedPath, "reserved field has no sub-fields")
		}
		return columnRef{expr: quoteIdent(segments[0]), reserved: true, name: segments[0]}, nil
	}
	parts := make([]string, 0, len(segments)+1)
	parts = append(parts, quoteIdent(dataColumn))
	for _, s := range segments {
		parts = append(parts, quoteIdent(s))
	}
	return columnRef{expr: strings.Join(parts, "."), name: segments[len(segments)-1]}, nil
}

func quoteIdent(name string) string {
	return "`" + strings.ReplaceAll(name, "`", "``") + "`"
}

// quoteString renders a ClickHouse string literal.
func quoteString(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `'`, `\'`)
	return "'" + s + "'"
}
