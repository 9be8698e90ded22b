// Package agentview implements the Agent View (C7): a read-only
// projection over currently running tasks, grouped by the worker
// holding each lease.
package agentview

import (
	"context"
	"fmt"

	"github.com/taskdriver/taskdriver/internal/storage"
	"github.com/taskdriver/taskdriver/internal/types"
)

// View is the Agent View. It never mutates state; ListActiveAgents is
// recomputed from the current set of running tasks on every call.
type View struct {
	store storage.Provider
}

func New(store storage.Provider) *View {
	return &View{store: store}
}

// Entry is one row of the projection, carrying the display color a CLI
// formatter can use to keep a worker visually distinct across a listing.
type Entry struct {
	types.AgentRecord
	Color WorkerColor
}

func (v *View) List(ctx context.Context, projectID string) ([]Entry, error) {
	records, err := v.store.ListActiveAgents(ctx, projectID)
	if err != nil {
		return nil, err
	}
	out := make([]Entry, 0, len(records))
	for _, rec := range records {
		out = append(out, Entry{AgentRecord: rec, Color: ColorFor(rec.Name)})
	}
	return out, nil
}

// Format renders entries the way a CLI table formatter would, one line
// per worker, color-tagged by name.
func Format(entries []Entry) []string {
	lines := make([]string, 0, len(entries))
	for _, e := range entries {
		lines = append(lines, fmt.Sprintf("%s%s %s%s  task=%s  expires=%s",
			e.Color.FgColor, e.Color.Emoji, e.Name, e.Color.Reset, e.CurrentTaskID, e.LeaseExpiresAt.Format("15:04:05")))
	}
	return lines
}
