// Package command implements the Command Layer (C9): a single
// Registry of named operations shared verbatim by the CLI, HTTP, and
// MCP adapters, modeled directly on the teacher's
// internal/mcp.ToolRegistry (Register/Get/List/Execute), generalized
// from MCP-only tool calls to the full command surface.
package command

import (
	"context"
	"fmt"

	"github.com/taskdriver/taskdriver/internal/apperrors"
)

// Handler executes one command given its decoded params.
type Handler func(ctx context.Context, params map[string]interface{}) (interface{}, error)

// ParameterDef describes one command parameter, reused verbatim by the
// MCP adapter's tools/list response and by the CLI's flag generation.
type ParameterDef struct {
	Type        string
	Description string
	Required    bool
}

// Command is one named entry in the registry.
type Command struct {
	Name        string
	Description string
	Parameters  map[string]ParameterDef
	Handler     Handler
}

// Registry holds every registered Command.
type Registry struct {
	commands map[string]Command
}

func NewRegistry() *Registry {
	return &Registry{commands: make(map[string]Command)}
}

func (r *Registry) Register(cmd Command) {
	r.commands[cmd.Name] = cmd
}

func (r *Registry) Get(name string) (Command, bool) {
	cmd, ok := r.commands[name]
	return cmd, ok
}

// List returns every registered command's schema, in the shape the MCP
// adapter's tools/list and the CLI's help text both consume.
func (r *Registry) List() []map[string]interface{} {
	var out []map[string]interface{}
	for _, cmd := range r.commands {
		params := make(map[string]interface{}, len(cmd.Parameters))
		var required []string
		for name, def := range cmd.Parameters {
			params[name] = map[string]interface{}{
				"type":        def.Type,
				"description": def.Description,
			}
			if def.Required {
				required = append(required, name)
			}
		}
		out = append(out, map[string]interface{}{
			"name":        cmd.Name,
			"description": cmd.Description,
			"inputSchema": map[string]interface{}{
				"type":       "object",
				"properties": params,
				"required":   required,
			},
		})
	}
	return out
}

// Result is the uniform envelope every adapter serializes, matching
// spec.md §6's CommandResult contract.
type Result struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string       `json:"error,omitempty"`
}

// Execute runs a command by name. A returned error becomes a failed
// Result carrying only the error's message; mapping error types to
// statuses is left to HTTPStatus.
func (r *Registry) Execute(ctx context.Context, name string, params map[string]interface{}) Result {
	cmd, ok := r.commands[name]
	if !ok {
		return Result{Success: false, Error: fmt.Sprintf("unknown command: %s", name)}
	}
	data, err := cmd.Handler(ctx, params)
	if err != nil {
		return Result{Success: false, Error: err.Error()}
	}
	return Result{Success: true, Data: data}
}

// ExitCode maps a Result to the process exit code spec.md §6 defines:
// 0 on success, 1 otherwise.
func (r Result) ExitCode() int {
	if r.Success {
		return 0
	}
	return 1
}

// HTTPStatus maps an error from a command Handler to the HTTP status
// spec.md §6/§7 assigns it.
func HTTPStatus(err error) int {
	if err == nil {
		return 200
	}
	switch err.(type) {
	case *apperrors.ValidationError:
		return 400
	case *apperrors.NotFoundError:
		return 404
	case *apperrors.ConflictError:
		return 409
	case *apperrors.StateError:
		return 409
	case *apperrors.LockError:
		return 423
	case *apperrors.AuthorizationError:
		return 403
	case *apperrors.StorageError:
		return 500
	default:
		return 500
	}
}
