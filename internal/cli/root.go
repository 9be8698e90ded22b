// Package cli is the cobra-based CLI adapter (§6): one subcommand per
// command-table row, dispatching through a shared command.Registry and
// rendering CommandResult as a table or as JSON, grounded on
// hortator-ai-Hortator's cmd/hortator/cmd root+list convention (a
// persistent --output flag, tabwriter for table mode, JSON fallback).
package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/taskdriver/taskdriver/internal/command"
)

var outputFormat string

// NewRootCommand builds the taskdriverctl root command, registering one
// subcommand per entry in registry.
func NewRootCommand(registry *command.Registry) *cobra.Command {
	root := &cobra.Command{
		Use:   "taskdriverctl",
		Short: "CLI for taskdriver - lease-based task dispatch for worker pools",
		Long: `taskdriverctl drives the task dispatch command surface directly:
projects, task types, and tasks, plus lease assignment and reclamation.

Examples:
  taskdriverctl create-project --name demo
  taskdriverctl get-next-task --project-id-or-name demo --worker-name worker-1
  taskdriverctl complete-task --worker-name worker-1 --project-id-or-name demo --task-id <id> --result '{"success":true}'`,
	}
	root.PersistentFlags().StringVarP(&outputFormat, "output", "o", "table", "Output format: table, json")

	for _, name := range []string{
		"create_project", "list_projects", "get_project", "update_project", "get_project_stats",
		"create_task_type", "list_task_types", "get_task_type", "update_task_type",
		"create_task", "create_tasks_bulk", "list_tasks", "get_task",
		"get_next_task", "peek_next_task", "list_active_agents",
		"complete_task", "fail_task", "extend_lease", "extend_task_lease",
		"get_lease_stats", "cleanup_expired_leases", "health_check",
	} {
		cmd, ok := registry.Get(name)
		if !ok {
			continue
		}
		root.AddCommand(buildSubcommand(registry, cmd))
	}
	return root
}

func buildSubcommand(registry *command.Registry, cmd command.Command) *cobra.Command {
	use := dashName(cmd.Name)
	flagValues := make(map[string]*string, len(cmd.Parameters))

	sub := &cobra.Command{
		Use:   use,
		Short: cmd.Description,
		RunE: func(c *cobra.Command, args []string) error {
			params := make(map[string]interface{}, len(flagValues))
			for name, val := range flagValues {
				if *val == "" {
					continue
				}
				resolved, err := resolveArg(*val)
				if err != nil {
					return err
				}
				params[name] = resolved
			}
			return render(registry.Execute(context.Background(), cmd.Name, params))
		},
	}
	for name, def := range cmd.Parameters {
		flagName := dashName(name)
		v := new(string)
		sub.Flags().StringVar(v, flagName, "", describeFlag(def))
		flagValues[name] = v
	}
	return sub
}

// dashName converts a camelCase or snake_case command/parameter name
// into a cobra-conventional kebab-case flag/subcommand name.
func dashName(name string) string {
	var out []rune
	for i, r := range name {
		if r == '_' {
			out = append(out, '-')
			continue
		}
		if r >= 'A' && r <= 'Z' {
			if i > 0 {
				out = append(out, '-')
			}
			out = append(out, r-'A'+'a')
			continue
		}
		out = append(out, r)
	}
	return string(out)
}

func describeFlag(def command.ParameterDef) string {
	if def.Required {
		return def.Description + " (required)"
	}
	return def.Description
}

// resolveArg implements the @file / @- stdin convention shared by
// create_tasks_bulk's tasksJson and any other JSON-bearing argument.
func resolveArg(raw string) (interface{}, error) {
	var body []byte
	switch {
	case raw == "@-":
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return nil, fmt.Errorf("reading stdin: %w", err)
		}
		body = data
	case len(raw) > 0 && raw[0] == '@':
		data, err := os.ReadFile(raw[1:])
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", raw[1:], err)
		}
		body = data
	default:
		body = []byte(raw)
	}

	trimmed := bytes.TrimSpace(body)
	if len(trimmed) > 0 && (trimmed[0] == '{' || trimmed[0] == '[') {
		var decoded interface{}
		if err := json.Unmarshal(trimmed, &decoded); err == nil {
			return decoded, nil
		}
	}
	return string(body), nil
}

func render(result command.Result) error {
	if outputFormat == "json" {
		data, err := json.MarshalIndent(result, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(data))
		if !result.Success {
			os.Exit(result.ExitCode())
		}
		return nil
	}

	if !result.Success {
		fmt.Fprintf(os.Stderr, "error: %s\n", result.Error)
		os.Exit(result.ExitCode())
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	renderTable(w, result.Data)
	return w.Flush()
}

func renderTable(w *tabwriter.Writer, data interface{}) {
	switch v := data.(type) {
	case nil:
		fmt.Fprintln(w, "ok")
	case []interface{}:
		for i, item := range v {
			fmt.Fprintf(w, "[%d]\t%v\n", i, item)
		}
	case map[string]interface{}:
		for key, val := range v {
			fmt.Fprintf(w, "%s\t%v\n", key, val)
		}
	default:
		data2, err := json.Marshal(v)
		if err != nil {
			fmt.Fprintf(w, "%v\n", v)
			return
		}
		fmt.Fprintln(w, string(data2))
	}
}
