package command

import (
	"context"
	"fmt"

	"github.com/taskdriver/taskdriver/internal/agentview"
	"github.com/taskdriver/taskdriver/internal/apperrors"
	"github.com/taskdriver/taskdriver/internal/lease"
	"github.com/taskdriver/taskdriver/internal/projects"
	"github.com/taskdriver/taskdriver/internal/storage"
	"github.com/taskdriver/taskdriver/internal/tasks"
	"github.com/taskdriver/taskdriver/internal/tasktypes"
	"github.com/taskdriver/taskdriver/internal/types"
)

// Services bundles every service the command surface dispatches into.
type Services struct {
	Store     storage.Provider
	Projects  *projects.Service
	TaskTypes *tasktypes.Service
	Tasks     *tasks.Service
	Lease     *lease.Engine
	AgentView *agentview.View
}

func requireString(params map[string]interface{}, key string) (string, error) {
	v, ok := params[key]
	if !ok {
		return "", apperrors.NewValidationError(key, "%s is required", key)
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return "", apperrors.NewValidationError(key, "%s is required", key)
	}
	return s, nil
}

func optString(params map[string]interface{}, key string) string {
	if v, ok := params[key].(string); ok {
		return v
	}
	return ""
}

func optStringPtr(params map[string]interface{}, key string) *string {
	if v, ok := params[key].(string); ok {
		return &v
	}
	return nil
}

func optIntPtr(params map[string]interface{}, key string) *int {
	switch v := params[key].(type) {
	case int:
		return &v
	case float64:
		n := int(v)
		return &n
	default:
		return nil
	}
}

func optInt(params map[string]interface{}, key string, def int) int {
	if p := optIntPtr(params, key); p != nil {
		return *p
	}
	return def
}

func optBool(params map[string]interface{}, key string, def bool) bool {
	if v, ok := params[key].(bool); ok {
		return v
	}
	return def
}

func optStringMap(params map[string]interface{}, key string) map[string]string {
	raw, ok := params[key].(map[string]interface{})
	if !ok {
		return nil
	}
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		if s, ok := v.(string); ok {
			out[k] = s
		}
	}
	return out
}

func optStringSlice(params map[string]interface{}, key string) []string {
	raw, ok := params[key].([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// RegisterAll registers every command from the command surface table
// against svc, in internal/command/registry.go's Registry shape.
func RegisterAll(r *Registry, svc Services) {
	r.Register(Command{
		Name:        "create_project",
		Description: "create a new project",
		Parameters: map[string]ParameterDef{
			"name":           {Type: "string", Required: true},
			"description":    {Type: "string"},
			"instructions":   {Type: "string"},
			"maxRetries":     {Type: "integer"},
			"leaseDuration":  {Type: "integer"},
			"reaperInterval": {Type: "integer"},
		},
		Handler: func(ctx context.Context, p map[string]interface{}) (interface{}, error) {
			name, err := requireString(p, "name")
			if err != nil {
				return nil, err
			}
			return svc.Projects.Create(ctx, projects.CreateInput{
				Name:           name,
				Description:    optString(p, "description"),
				Instructions:   optString(p, "instructions"),
				MaxRetries:     optIntPtr(p, "maxRetries"),
				LeaseDuration:  optIntPtr(p, "leaseDuration"),
				ReaperInterval: optIntPtr(p, "reaperInterval"),
			})
		},
	})

	r.Register(Command{
		Name:        "list_projects",
		Description: "list projects",
		Parameters: map[string]ParameterDef{
			"includeClosed": {Type: "boolean"},
			"limit":         {Type: "integer"},
			"offset":        {Type: "integer"},
		},
		Handler: func(ctx context.Context, p map[string]interface{}) (interface{}, error) {
			return svc.Projects.List(ctx, optBool(p, "includeClosed", false), optInt(p, "limit", 100), optInt(p, "offset", 0))
		},
	})

	r.Register(Command{
		Name:        "get_project",
		Description: "get a project by id or name",
		Parameters:  map[string]ParameterDef{"projectIdOrName": {Type: "string", Required: true}},
		Handler: func(ctx context.Context, p map[string]interface{}) (interface{}, error) {
			idOrName, err := requireString(p, "projectIdOrName")
			if err != nil {
				return nil, err
			}
			return svc.Projects.Get(ctx, idOrName)
		},
	})

	r.Register(Command{
		Name:        "update_project",
		Description: "update a project",
		Parameters: map[string]ParameterDef{
			"projectIdOrName": {Type: "string", Required: true},
			"name":            {Type: "string"},
			"description":     {Type: "string"},
			"instructions":    {Type: "string"},
			"status":          {Type: "string"},
			"maxRetries":      {Type: "integer"},
			"leaseDuration":   {Type: "integer"},
			"reaperInterval":  {Type: "integer"},
		},
		Handler: func(ctx context.Context, p map[string]interface{}) (interface{}, error) {
			idOrName, err := requireString(p, "projectIdOrName")
			if err != nil {
				return nil, err
			}
			var status *types.ProjectStatus
			if s := optStringPtr(p, "status"); s != nil {
				st := types.ProjectStatus(*s)
				status = &st
			}
			return svc.Projects.Update(ctx, idOrName, projects.UpdateInput{
				Name:           optStringPtr(p, "name"),
				Description:    optStringPtr(p, "description"),
				Instructions:   optStringPtr(p, "instructions"),
				Status:         status,
				MaxRetries:     optIntPtr(p, "maxRetries"),
				LeaseDuration:  optIntPtr(p, "leaseDuration"),
				ReaperInterval: optIntPtr(p, "reaperInterval"),
			})
		},
	})

	r.Register(Command{
		Name:        "get_project_stats",
		Description: "get a project's derived statistics",
		Parameters:  map[string]ParameterDef{"projectIdOrName": {Type: "string", Required: true}},
		Handler: func(ctx context.Context, p map[string]interface{}) (interface{}, error) {
			idOrName, err := requireString(p, "projectIdOrName")
			if err != nil {
				return nil, err
			}
			return svc.Projects.Stats(ctx, idOrName)
		},
	})

	r.Register(Command{
		Name:        "create_task_type",
		Description: "create a task type within a project",
		Parameters: map[string]ParameterDef{
			"projectIdOrName":   {Type: "string", Required: true},
			"name":              {Type: "string", Required: true},
			"template":          {Type: "string"},
			"variables":         {Type: "array"},
			"duplicateHandling": {Type: "string"},
			"maxRetries":        {Type: "integer"},
			"leaseDuration":     {Type: "integer"},
		},
		Handler: func(ctx context.Context, p map[string]interface{}) (interface{}, error) {
			projectIdOrName, err := requireString(p, "projectIdOrName")
			if err != nil {
				return nil, err
			}
			name, err := requireString(p, "name")
			if err != nil {
				return nil, err
			}
			return svc.TaskTypes.Create(ctx, tasktypes.CreateInput{
				ProjectIDOrName:   projectIdOrName,
				Name:              name,
				Template:          optString(p, "template"),
				Variables:         optStringSlice(p, "variables"),
				DuplicateHandling: types.DuplicateHandling(optString(p, "duplicateHandling")),
				MaxRetries:        optIntPtr(p, "maxRetries"),
				LeaseDuration:     optIntPtr(p, "leaseDuration"),
			})
		},
	})

	r.Register(Command{
		Name:        "list_task_types",
		Description: "list task types within a project",
		Parameters:  map[string]ParameterDef{"projectIdOrName": {Type: "string", Required: true}},
		Handler: func(ctx context.Context, p map[string]interface{}) (interface{}, error) {
			project, err := svc.Projects.Resolve(ctx, optString(p, "projectIdOrName"))
			if err != nil {
				return nil, err
			}
			return svc.TaskTypes.List(ctx, project.ID)
		},
	})

	r.Register(Command{
		Name:        "get_task_type",
		Description: "get a task type by id",
		Parameters:  map[string]ParameterDef{"typeId": {Type: "string", Required: true}},
		Handler: func(ctx context.Context, p map[string]interface{}) (interface{}, error) {
			typeID, err := requireString(p, "typeId")
			if err != nil {
				return nil, err
			}
			return svc.TaskTypes.Get(ctx, typeID)
		},
	})

	r.Register(Command{
		Name:        "update_task_type",
		Description: "update a task type",
		Parameters: map[string]ParameterDef{
			"typeId":            {Type: "string", Required: true},
			"name":              {Type: "string"},
			"template":          {Type: "string"},
			"variables":         {Type: "array"},
			"duplicateHandling": {Type: "string"},
			"maxRetries":        {Type: "integer"},
			"leaseDuration":     {Type: "integer"},
		},
		Handler: func(ctx context.Context, p map[string]interface{}) (interface{}, error) {
			typeID, err := requireString(p, "typeId")
			if err != nil {
				return nil, err
			}
			existing, err := svc.TaskTypes.Get(ctx, typeID)
			if err != nil {
				return nil, err
			}
			var variables *[]string
			if v := optStringSlice(p, "variables"); v != nil {
				variables = &v
			}
			var duplicateHandling *types.DuplicateHandling
			if s := optStringPtr(p, "duplicateHandling"); s != nil {
				dh := types.DuplicateHandling(*s)
				duplicateHandling = &dh
			}
			return svc.TaskTypes.Update(ctx, existing.ProjectID, typeID, tasktypes.UpdateInput{
				Name:              optStringPtr(p, "name"),
				Template:          optStringPtr(p, "template"),
				Variables:         variables,
				DuplicateHandling: duplicateHandling,
				MaxRetries:        optIntPtr(p, "maxRetries"),
				LeaseDuration:     optIntPtr(p, "leaseDuration"),
			})
		},
	})

	r.Register(Command{
		Name:        "create_task",
		Description: "create a single task within a project",
		Parameters: map[string]ParameterDef{
			"projectIdOrName": {Type: "string", Required: true},
			"type":            {Type: "string"},
			"id":              {Type: "string"},
			"description":     {Type: "string"},
			"instructions":    {Type: "string"},
			"variables":       {Type: "object"},
		},
		Handler: func(ctx context.Context, p map[string]interface{}) (interface{}, error) {
			project, err := svc.Projects.RequireActive(ctx, optString(p, "projectIdOrName"))
			if err != nil {
				return nil, err
			}
			typeID := optString(p, "type")
			if typeID == "" {
				available, err := svc.TaskTypes.List(ctx, project.ID)
				if err != nil {
					return nil, err
				}
				if len(available) == 0 {
					return nil, apperrors.NewValidationError("type", "project has no task types; create one first")
				}
				typeID = available[0].ID
			}
			return svc.Tasks.Create(ctx, tasks.CreateInput{
				ID:           optString(p, "id"),
				ProjectID:    project.ID,
				TypeID:       typeID,
				Description:  optString(p, "description"),
				Instructions: optString(p, "instructions"),
				Variables:    optStringMap(p, "variables"),
			})
		},
	})

	r.Register(Command{
		Name:        "create_tasks_bulk",
		Description: "create many tasks from a JSON array in one call",
		Parameters: map[string]ParameterDef{
			"projectIdOrName": {Type: "string", Required: true},
			"tasks":           {Type: "array", Required: true},
		},
		Handler: func(ctx context.Context, p map[string]interface{}) (interface{}, error) {
			project, err := svc.Projects.RequireActive(ctx, optString(p, "projectIdOrName"))
			if err != nil {
				return nil, err
			}
			raw, ok := p["tasks"].([]interface{})
			if !ok || len(raw) == 0 {
				return nil, apperrors.NewValidationError("tasks", "tasks must be a non-empty array")
			}
			inputs := make([]tasks.CreateInput, 0, len(raw))
			for _, item := range raw {
				entry, ok := item.(map[string]interface{})
				if !ok {
					return nil, apperrors.NewValidationError("tasks", "each task entry must be an object")
				}
				typeID := optString(entry, "type")
				if typeID == "" {
					available, err := svc.TaskTypes.List(ctx, project.ID)
					if err != nil {
						return nil, err
					}
					if len(available) == 0 {
						return nil, apperrors.NewValidationError("type", "project has no task types; create one first")
					}
					typeID = available[0].ID
				}
				inputs = append(inputs, tasks.CreateInput{
					ID:           optString(entry, "id"),
					ProjectID:    project.ID,
					TypeID:       typeID,
					Description:  optString(entry, "description"),
					Instructions: optString(entry, "instructions"),
					Variables:    optStringMap(entry, "variables"),
				})
			}
			return svc.Tasks.CreateBulk(ctx, inputs)
		},
	})

	r.Register(Command{
		Name:        "list_tasks",
		Description: "list tasks within a project",
		Parameters: map[string]ParameterDef{
			"projectIdOrName": {Type: "string", Required: true},
			"status":          {Type: "string"},
			"typeId":          {Type: "string"},
			"assignedTo":      {Type: "string"},
			"limit":           {Type: "integer"},
			"offset":          {Type: "integer"},
		},
		Handler: func(ctx context.Context, p map[string]interface{}) (interface{}, error) {
			project, err := svc.Projects.Resolve(ctx, optString(p, "projectIdOrName"))
			if err != nil {
				return nil, err
			}
			return svc.Tasks.List(ctx, project.ID, types.TaskFilter{
				Status:     types.TaskStatus(optString(p, "status")),
				TypeID:     optString(p, "typeId"),
				AssignedTo: optString(p, "assignedTo"),
				Limit:      optInt(p, "limit", 50),
				Offset:     optInt(p, "offset", 0),
			})
		},
	})

	r.Register(Command{
		Name:        "get_task",
		Description: "get a task by id",
		Parameters:  map[string]ParameterDef{"taskId": {Type: "string", Required: true}},
		Handler: func(ctx context.Context, p map[string]interface{}) (interface{}, error) {
			taskID, err := requireString(p, "taskId")
			if err != nil {
				return nil, err
			}
			return svc.Tasks.Get(ctx, taskID)
		},
	})

	r.Register(Command{
		Name:        "get_next_task",
		Description: "assign (or reclaim) the next task for a worker",
		Parameters: map[string]ParameterDef{
			"projectIdOrName": {Type: "string", Required: true},
			"workerName":      {Type: "string"},
		},
		Handler: func(ctx context.Context, p map[string]interface{}) (interface{}, error) {
			project, err := svc.Projects.RequireActive(ctx, optString(p, "projectIdOrName"))
			if err != nil {
				return nil, err
			}
			workerName := optString(p, "workerName")
			if workerName == "" {
				workerName = lease.NewWorkerName("")
			}
			return svc.Lease.GetNextTask(ctx, project.ID, workerName)
		},
	})

	r.Register(Command{
		Name:        "peek_next_task",
		Description: "report the task get_next_task would assign next, without assigning it",
		Parameters:  map[string]ParameterDef{"projectIdOrName": {Type: "string", Required: true}},
		Handler: func(ctx context.Context, p map[string]interface{}) (interface{}, error) {
			project, err := svc.Projects.Resolve(ctx, optString(p, "projectIdOrName"))
			if err != nil {
				return nil, err
			}
			return svc.Lease.PeekNextTask(ctx, project.ID)
		},
	})

	r.Register(Command{
		Name:        "list_active_agents",
		Description: "list workers currently holding a lease in a project",
		Parameters:  map[string]ParameterDef{"projectIdOrName": {Type: "string", Required: true}},
		Handler: func(ctx context.Context, p map[string]interface{}) (interface{}, error) {
			project, err := svc.Projects.Resolve(ctx, optString(p, "projectIdOrName"))
			if err != nil {
				return nil, err
			}
			return svc.AgentView.List(ctx, project.ID)
		},
	})

	r.Register(Command{
		Name:        "complete_task",
		Description: "mark a task completed",
		Parameters: map[string]ParameterDef{
			"workerName":      {Type: "string", Required: true},
			"projectIdOrName": {Type: "string", Required: true},
			"taskId":          {Type: "string", Required: true},
			"result":          {Type: "object", Required: true},
			"outputs":         {Type: "object"},
		},
		Handler: func(ctx context.Context, p map[string]interface{}) (interface{}, error) {
			workerName, err := requireString(p, "workerName")
			if err != nil {
				return nil, err
			}
			taskID, err := requireString(p, "taskId")
			if err != nil {
				return nil, err
			}
			resultObj, _ := p["result"].(map[string]interface{})
			outputs, _ := p["outputs"].(map[string]interface{})
			result := &types.TaskResult{
				Success:  optBool(resultObj, "success", true),
				Output:   optString(resultObj, "output"),
				Metadata: outputs,
			}
			return svc.Lease.CompleteTask(ctx, taskID, workerName, result)
		},
	})

	r.Register(Command{
		Name:        "fail_task",
		Description: "mark a task attempt failed",
		Parameters: map[string]ParameterDef{
			"workerName":      {Type: "string", Required: true},
			"projectIdOrName": {Type: "string", Required: true},
			"taskId":          {Type: "string", Required: true},
			"error":           {Type: "string", Required: true},
			"canRetry":        {Type: "boolean"},
		},
		Handler: func(ctx context.Context, p map[string]interface{}) (interface{}, error) {
			workerName, err := requireString(p, "workerName")
			if err != nil {
				return nil, err
			}
			taskID, err := requireString(p, "taskId")
			if err != nil {
				return nil, err
			}
			errMsg, err := requireString(p, "error")
			if err != nil {
				return nil, err
			}
			result := &types.TaskResult{Success: false, Error: errMsg}
			return svc.Lease.FailTask(ctx, taskID, workerName, result, optBool(p, "canRetry", true))
		},
	})

	extendLease := Command{
		Name:        "extend_lease",
		Description: "extend a task's lease",
		Parameters: map[string]ParameterDef{
			"taskId":     {Type: "string", Required: true},
			"minutes":    {Type: "integer", Required: true},
			"workerName": {Type: "string"},
		},
		Handler: func(ctx context.Context, p map[string]interface{}) (interface{}, error) {
			taskID, err := requireString(p, "taskId")
			if err != nil {
				return nil, err
			}
			task, err := svc.Tasks.Get(ctx, taskID)
			if err != nil {
				return nil, err
			}
			workerName := optString(p, "workerName")
			if workerName == "" {
				workerName = task.AssignedTo
			}
			minutes := optInt(p, "minutes", 0)
			return svc.Lease.ExtendTaskLease(ctx, taskID, workerName, minutes)
		},
	}
	r.Register(extendLease)
	extendTaskLease := extendLease
	extendTaskLease.Name = "extend_task_lease"
	r.Register(extendTaskLease)

	r.Register(Command{
		Name:        "get_lease_stats",
		Description: "get a project's lease-related statistics",
		Parameters:  map[string]ParameterDef{"projectIdOrName": {Type: "string", Required: true}},
		Handler: func(ctx context.Context, p map[string]interface{}) (interface{}, error) {
			idOrName, err := requireString(p, "projectIdOrName")
			if err != nil {
				return nil, err
			}
			return svc.Projects.Stats(ctx, idOrName)
		},
	})

	r.Register(Command{
		Name:        "cleanup_expired_leases",
		Description: "reclaim every expired lease in a project",
		Parameters:  map[string]ParameterDef{"projectIdOrName": {Type: "string", Required: true}},
		Handler: func(ctx context.Context, p map[string]interface{}) (interface{}, error) {
			project, err := svc.Projects.Resolve(ctx, optString(p, "projectIdOrName"))
			if err != nil {
				return nil, err
			}
			return svc.Lease.CleanupExpiredLeases(ctx, project.ID)
		},
	})

	r.Register(Command{
		Name:        "health_check",
		Description: "report storage backend health",
		Parameters:  map[string]ParameterDef{},
		Handler: func(ctx context.Context, p map[string]interface{}) (interface{}, error) {
			status := svc.Store.HealthCheck(ctx)
			if !status.Healthy {
				return nil, fmt.Errorf("unhealthy: %s", status.Message)
			}
			return status, nil
		},
	})
}
