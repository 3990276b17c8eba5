// Package format renders tool results as chat-ready markdown.
package format

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/bytedance/sonic"

	"mpai-server-go/internal/domain/tools"
)

// Predicate reports whether a formatter understands the result of tool.
type Predicate func(tool string, result tools.Result) bool

// Renderer turns a result into markdown.
type Renderer func(tool string, result tools.Result) string

// Formatter pairs a shape predicate with its renderer.
type Formatter struct {
	Name   string
	Match  Predicate
	Render Renderer
}

// Registry evaluates formatters in registration order; the first match wins
// and the fallback renders everything else.
type Registry struct {
	mu         sync.RWMutex
	formatters []Formatter
	fallback   Renderer
}

func NewRegistry(fallback Renderer) *Registry {
	if fallback == nil {
		fallback = Generic
	}
	return &Registry{fallback: fallback}
}

func (r *Registry) Register(f ...Formatter) {
	r.mu.Lock()
	r.formatters = append(r.formatters, f...)
	r.mu.Unlock()
}

// Names lists the registered formatters in evaluation order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.formatters))
	for _, f := range r.formatters {
		names = append(names, f.Name)
	}
	return names
}

func (r *Registry) Format(tool string, result tools.Result) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, f := range r.formatters {
		if f.Match(tool, result) {
			return f.Render(tool, result)
		}
	}
	return r.fallback(tool, result)
}

// Default returns the registry with the built-in site formatters.
func Default() *Registry {
	r := NewRegistry(Generic)
	r.Register(
		Entity("plugins", "Plugins", []Column{
			{Header: "Name", Keys: []string{"name", "plugin"}},
			{Header: "Version", Keys: []string{"version"}},
			{Header: "Status", Keys: []string{"status"}},
		}),
		Entity("posts", "Posts", []Column{
			{Header: "ID", Keys: []string{"id"}},
			{Header: "Title", Keys: []string{"title"}},
			{Header: "Status", Keys: []string{"status"}},
			{Header: "Date", Keys: []string{"date"}},
		}),
		Entity("pages", "Pages", []Column{
			{Header: "ID", Keys: []string{"id"}},
			{Header: "Title", Keys: []string{"title"}},
			{Header: "Status", Keys: []string{"status"}},
			{Header: "Date", Keys: []string{"date"}},
		}),
		Entity("comments", "Comments", []Column{
			{Header: "ID", Keys: []string{"id"}},
			{Header: "Author", Keys: []string{"author_name", "author"}},
			{Header: "Post", Keys: []string{"post"}},
			{Header: "Status", Keys: []string{"status"}},
			{Header: "Excerpt", Keys: []string{"content", "excerpt"}},
		}),
		Entity("users", "Users", []Column{
			{Header: "ID", Keys: []string{"id"}},
			{Header: "Name", Keys: []string{"name"}},
			{Header: "Username", Keys: []string{"slug", "username"}},
			{Header: "Roles", Keys: []string{"roles"}},
		}),
		Entity("memberships", "Memberships", []Column{
			{Header: "ID", Keys: []string{"id"}},
			{Header: "Title", Keys: []string{"title", "name"}},
			{Header: "Price", Keys: []string{"price"}},
			{Header: "Period", Keys: []string{"period_type", "period"}},
			{Header: "Status", Keys: []string{"status"}},
		}),
		Entity("membership_levels", "Membership levels", []Column{
			{Header: "ID", Keys: []string{"id"}},
			{Header: "Name", Keys: []string{"name", "title"}},
			{Header: "Price", Keys: []string{"price"}},
			{Header: "Members", Keys: []string{"members", "member_count"}},
		}),
	)
	return r
}

// Column picks the first present key of a record.
type Column struct {
	Header string
	Keys   []string
}

// Entity builds a formatter for results carrying data.<entity> whose tool
// name mentions the entity.
func Entity(entity, title string, columns []Column) Formatter {
	return Formatter{
		Name: entity,
		Match: func(tool string, result tools.Result) bool {
			if !strings.HasSuffix(tool, entity) {
				return false
			}
			_, ok := Records(Data(result)[entity])
			return ok
		},
		Render: func(_ string, result tools.Result) string {
			data := Data(result)
			rows, _ := Records(data[entity])
			return renderTable(title, entity, data, rows, columns)
		},
	}
}

func renderTable(title, entity string, data map[string]any, rows []map[string]any, columns []Column) string {
	var b strings.Builder
	label := strings.ReplaceAll(entity, "_", " ")

	total, hasTotal := number(data["total"])
	if !hasTotal {
		total = float64(len(rows))
	}
	fmt.Fprintf(&b, "%s: %s total", title, formatNumber(total))

	if active, inactive, ok := statusCounts(rows); ok {
		fmt.Fprintf(&b, " (%d active, %d inactive)", active, inactive)
	}
	b.WriteString("\n")

	if len(rows) == 0 {
		fmt.Fprintf(&b, "No %s found.", label)
		return b.String()
	}

	if page, ok := number(data["page"]); ok {
		perPage, ok := number(data["per_page"])
		if !ok || perPage <= 0 {
			perPage = float64(len(rows))
		}
		start := (page-1)*perPage + 1
		end := start + float64(len(rows)) - 1
		fmt.Fprintf(&b, "Showing %s-%s of %s", formatNumber(start), formatNumber(end), formatNumber(total))
		if pages, ok := number(data["total_pages"]); ok {
			fmt.Fprintf(&b, " (page %s of %s)", formatNumber(page), formatNumber(pages))
		}
		b.WriteString("\n")
	}

	b.WriteString("\n|")
	for _, c := range columns {
		b.WriteString(" " + c.Header + " |")
	}
	b.WriteString("\n|")
	for range columns {
		b.WriteString(" --- |")
	}
	for _, row := range rows {
		b.WriteString("\n|")
		for _, c := range columns {
			b.WriteString(" " + escapeCell(cell(row, c.Keys)) + " |")
		}
	}
	return b.String()
}

func statusCounts(rows []map[string]any) (active, inactive int, ok bool) {
	for _, row := range rows {
		switch strings.ToLower(fmt.Sprint(row["status"])) {
		case "active":
			active++
			ok = true
		case "inactive":
			inactive++
			ok = true
		}
	}
	return active, inactive, ok
}

// Generic renders an unrecognised result: its message when it only carries
// one, otherwise indented JSON.
func Generic(_ string, result tools.Result) string {
	if len(result) == 0 {
		return "No result."
	}
	if msg, ok := result["message"].(string); ok && msg != "" {
		if _, hasData := result["data"]; !hasData {
			return msg
		}
	}
	raw, err := sonic.ConfigStd.MarshalIndent(result, "", "  ")
	if err != nil {
		return fmt.Sprint(map[string]any(result))
	}
	return "```json\n" + string(raw) + "\n```"
}

// Data returns result["data"] as a map, or the result itself when the
// collection is at the top level.
func Data(result tools.Result) map[string]any {
	if data, ok := result["data"].(map[string]any); ok {
		return data
	}
	if data, ok := result["data"].(tools.Result); ok {
		return data
	}
	return result
}

// Records normalises a decoded JSON list into rows.
func Records(v any) ([]map[string]any, bool) {
	switch list := v.(type) {
	case []map[string]any:
		return list, true
	case []any:
		rows := make([]map[string]any, 0, len(list))
		for _, item := range list {
			if m, ok := item.(map[string]any); ok {
				rows = append(rows, m)
			}
		}
		return rows, true
	default:
		return nil, false
	}
}

func cell(row map[string]any, keys []string) string {
	for _, k := range keys {
		if v, ok := row[k]; ok && v != nil {
			return stringify(v)
		}
	}
	return ""
}

func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case map[string]any:
		if rendered, ok := t["rendered"]; ok {
			return stringify(rendered)
		}
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		return strings.Join(keys, ", ")
	case []any:
		parts := make([]string, 0, len(t))
		for _, item := range t {
			parts = append(parts, stringify(item))
		}
		return strings.Join(parts, ", ")
	case []string:
		return strings.Join(t, ", ")
	case bool:
		return strconv.FormatBool(t)
	}
	if n, ok := number(v); ok {
		return formatNumber(n)
	}
	return fmt.Sprint(v)
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func formatNumber(n float64) string {
	return strconv.FormatFloat(n, 'f', -1, 64)
}

func escapeCell(s string) string {
	s = strings.ReplaceAll(s, "\n", " ")
	s = strings.ReplaceAll(s, "|", "\\|")
	if r := []rune(s); len(r) > 80 {
		s = string(r[:77]) + "..."
	}
	return s
}
