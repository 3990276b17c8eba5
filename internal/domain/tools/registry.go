package tools

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"

	"mpai-server-go/internal/domain/llm"
	"mpai-server-go/internal/platform/logging"
)

// ErrUnknownTool is returned when no registered tool serves a call.
var ErrUnknownTool = errors.New("no tool serves this name")

// Route sources, in precedence order.
const (
	RoutePrefixed = "prefixed"
	RouteDomain   = "domain"
	RouteScan     = "scan"
)

// Route is the resolved target of a tool name.
type Route struct {
	Tool      Tool
	Operation string
	Source    string
}

// Registry holds the tool implementations and the routing table derived
// from them. The table is rebuilt lazily after each Register.
type Registry struct {
	namespace  string
	exclusions []string
	logger     logging.TagLogger

	mu       sync.RWMutex
	tools    []Tool
	built    bool
	prefixed map[string]Route
	domain   map[string]Route
	schemas  []llm.Tool
}

type RegistryOption func(*Registry)

// WithNamespace sets the prefix used for vocabulary tools that report none.
func WithNamespace(ns string) RegistryOption {
	return func(r *Registry) { r.namespace = ns }
}

// WithConflictExclusions drops vocabulary operations whose name contains any
// of the given substrings from the advertised schemas.
func WithConflictExclusions(substrings ...string) RegistryOption {
	return func(r *Registry) {
		for _, s := range substrings {
			if s = strings.ToLower(strings.TrimSpace(s)); s != "" {
				r.exclusions = append(r.exclusions, s)
			}
		}
	}
}

func WithRegistryLogger(l logging.TagLogger) RegistryOption {
	return func(r *Registry) {
		if l != nil {
			r.logger = l
		}
	}
}

func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{logger: logging.Discard}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds implementations. Only VocabularyTool and DescribedTool are
// callable; anything else is rejected.
func (r *Registry) Register(tools ...Tool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range tools {
		switch t.(type) {
		case VocabularyTool, DescribedTool:
		default:
			return fmt.Errorf("tool %s exposes no operations", t.Name())
		}
		r.tools = append(r.tools, t)
	}
	r.built = false
	return nil
}

// Tools returns the implementations in registration order.
func (r *Registry) Tools() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.tools)
}

// Build derives the routing table and the advertised schemas.
func (r *Registry) Build() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buildLocked()
}

func (r *Registry) buildLocked() {
	r.prefixed = map[string]Route{}
	r.domain = map[string]Route{}
	r.schemas = nil
	seen := map[string]bool{}

	add := func(schema llm.Tool) bool {
		if seen[schema.Name] {
			r.logger.WarnTag(logging.TagTools, "duplicate tool name %s ignored", schema.Name)
			return false
		}
		seen[schema.Name] = true
		r.schemas = append(r.schemas, schema)
		return true
	}

	for _, t := range r.tools {
		switch impl := t.(type) {
		case VocabularyTool:
			ns := r.namespaceOf(impl)
			for _, op := range impl.Operations() {
				if r.excluded(op.Name) {
					r.logger.DebugTag(logging.TagTools, "operation %s_%s excluded from schemas", ns, op.Name)
					continue
				}
				name := ns + "_" + op.Name
				if add(vocabularySchema(name, impl, op)) {
					r.prefixed[name] = Route{Tool: impl, Operation: op.Name, Source: RoutePrefixed}
				}
			}
		case DescribedTool:
			for _, op := range impl.DescribeOperations() {
				if add(describedSchema(impl, op)) {
					r.domain[op.Name] = Route{Tool: impl, Operation: op.Name, Source: RouteDomain}
				}
			}
		}
	}
	r.built = true
	r.logger.InfoTag(logging.TagTools, "tool routing built: %d schemas from %d tools", len(r.schemas), len(r.tools))
}

func (r *Registry) ensureBuilt() {
	r.mu.RLock()
	built := r.built
	r.mu.RUnlock()
	if !built {
		r.Build()
	}
}

func (r *Registry) namespaceOf(t VocabularyTool) string {
	if ns := t.Namespace(); ns != "" {
		return ns
	}
	if r.namespace != "" {
		return r.namespace
	}
	return t.Name()
}

func (r *Registry) excluded(operation string) bool {
	op := strings.ToLower(operation)
	for _, s := range r.exclusions {
		if strings.Contains(op, s) {
			return true
		}
	}
	return false
}

// Schemas returns the tool definitions advertised to the model.
func (r *Registry) Schemas() []llm.Tool {
	r.ensureBuilt()
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.schemas)
}

// Resolve finds the implementation behind name: exact prefixed match, then
// a domain operation, then a scan of every tool for the bare operation.
func (r *Registry) Resolve(name string) (Route, bool) {
	r.ensureBuilt()
	r.mu.RLock()
	defer r.mu.RUnlock()

	if route, ok := r.prefixed[name]; ok {
		return route, true
	}
	if route, ok := r.domain[name]; ok {
		return route, true
	}
	for _, t := range r.tools {
		switch impl := t.(type) {
		case VocabularyTool:
			op := strings.TrimPrefix(name, r.namespaceOf(impl)+"_")
			if hasOperation(impl.Operations(), op) {
				return Route{Tool: impl, Operation: op, Source: RouteScan}, true
			}
		case DescribedTool:
			if hasOperation(impl.DescribeOperations(), name) {
				return Route{Tool: impl, Operation: name, Source: RouteScan}, true
			}
		}
	}
	return Route{}, false
}

// Execute runs one tool call. Failures, including panics inside the tool,
// come back as *llm.ToolExecutionError.
func (r *Registry) Execute(ctx context.Context, call llm.ToolCall) (result Result, err error) {
	route, ok := r.Resolve(call.Name)
	if !ok {
		return nil, &llm.ToolExecutionError{Tool: call.Name, Err: ErrUnknownTool}
	}

	defer func() {
		if p := recover(); p != nil {
			r.logger.ErrorTag(logging.TagTools, "tool %s panicked: %v", call.Name, p)
			result, err = nil, &llm.ToolExecutionError{Tool: call.Name, Err: fmt.Errorf("panic: %v", p)}
		}
	}()

	args := maps.Clone(call.Arguments)
	if args == nil {
		args = map[string]any{}
	}
	r.logger.DebugTag(logging.TagTools, "dispatching %s to %s.%s via %s", call.Name, route.Tool.Name(), route.Operation, route.Source)

	switch impl := route.Tool.(type) {
	case VocabularyTool:
		args[OperationArg] = route.Operation
		result, err = impl.Execute(ctx, args)
	case DescribedTool:
		result, err = impl.Call(ctx, route.Operation, args)
	}
	if err != nil {
		var toolErr *llm.ToolExecutionError
		if errors.As(err, &toolErr) {
			return nil, err
		}
		return nil, &llm.ToolExecutionError{Tool: call.Name, Err: err}
	}
	return result, nil
}

func hasOperation(ops []Operation, name string) bool {
	return slices.ContainsFunc(ops, func(op Operation) bool { return op.Name == name })
}

func vocabularySchema(name string, t VocabularyTool, op Operation) llm.Tool {
	desc := op.Description
	if desc == "" {
		desc = t.Description()
	}
	schema := paramSchema(op.Params)
	schema.Properties[OperationArg] = llm.Property{
		Type:        "string",
		Description: "Operation to perform",
		Enum:        []string{op.Name},
	}
	schema.Required = append([]string{OperationArg}, schema.Required...)
	return llm.Tool{Name: name, Description: desc, Parameters: schema}
}

func describedSchema(t DescribedTool, op Operation) llm.Tool {
	desc := op.Description
	if desc == "" {
		desc = t.Description()
	}
	return llm.Tool{Name: op.Name, Description: desc, Parameters: paramSchema(op.Params)}
}

func paramSchema(params []Param) llm.Schema {
	schema := llm.Schema{Type: "object", Properties: make(map[string]llm.Property, len(params)+1)}
	for _, p := range params {
		typ := p.Type
		if typ == "" {
			typ = "string"
		}
		prop := llm.Property{Type: typ, Description: p.Description, Enum: slices.Clone(p.Enum)}
		if p.HasDefault {
			prop.Default = p.Default
		}
		schema.Properties[p.Name] = prop
		if p.Required() {
			schema.Required = append(schema.Required, p.Name)
		}
	}
	return schema
}
