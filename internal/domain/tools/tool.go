package tools

import (
	"context"
)

// OperationArg is the argument that selects the operation of a vocabulary tool.
const OperationArg = "operation"

// Param describes one argument of an operation.
type Param struct {
	Name        string
	Type        string
	Description string
	Enum        []string
	Default     any
	HasDefault  bool
}

// Required reports whether the model must supply the parameter.
func (p Param) Required() bool { return !p.HasDefault }

// Operation is one callable entry point of a tool.
type Operation struct {
	Name        string
	Description string
	Params      []Param
}

// Result is the payload a tool returns. Collections are nested under
// "data"."<entity>" so the formatters can recognise them.
type Result map[string]any

// Tool is the common surface of every implementation.
type Tool interface {
	Name() string
	Description() string
}

// VocabularyTool exposes a fixed set of operations behind a single Execute
// entry point; args[OperationArg] selects the operation.
type VocabularyTool interface {
	Tool
	Namespace() string
	Operations() []Operation
	Execute(ctx context.Context, args map[string]any) (Result, error)
}

// DescribedTool publishes its operations and is called per operation.
type DescribedTool interface {
	Tool
	DescribeOperations() []Operation
	Call(ctx context.Context, operation string, args map[string]any) (Result, error)
}
