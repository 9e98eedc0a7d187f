package flows

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/randalmurphal/flowstack/pkg/flows/checkpoint"
	"github.com/randalmurphal/flowstack/pkg/flows/config"
)

// Debug event types.
const (
	DebugTask       = "task"
	DebugTaskResult = "task_result"
	DebugCheckpoint = "checkpoint"
)

// debugNamespace derives the ids of debug task events.
var debugNamespace = uuid.MustParse("6ba7b831-9dad-11d1-80b4-00c04fd430c8")

// DebugEvent is the Data of a debug mode StreamChunk.
type DebugEvent struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Step      int       `json:"step"`
	Payload   any       `json:"payload"`
}

// DebugTaskPayload describes a task about to run.
type DebugTaskPayload struct {
	ID       string   `json:"id"`
	Name     string   `json:"name"`
	Input    any      `json:"input"`
	Triggers []string `json:"triggers"`
}

// DebugTaskResultPayload describes what a task wrote.
type DebugTaskResultPayload struct {
	ID     string             `json:"id"`
	Name   string             `json:"name"`
	Result []checkpoint.Write `json:"result"`
}

// DebugCheckpointPayload describes a checkpoint taken after a step.
type DebugCheckpointPayload struct {
	Config   config.Config       `json:"-"`
	Values   any                 `json:"values"`
	Metadata checkpoint.Metadata `json:"metadata"`
}

func debugTaskID(name string, step int, meta TaskMetadata) string {
	data, err := json.Marshal([]any{name, step, meta})
	if err != nil {
		return uuid.NewSHA1(debugNamespace, []byte(name)).String()
	}
	return uuid.NewSHA1(debugNamespace, data).String()
}

func debugTasks(step int, tasks []*Task) []*DebugEvent {
	now := time.Now().UTC()
	var out []*DebugEvent
	for _, t := range tasks {
		if t.Hidden() {
			continue
		}
		out = append(out, &DebugEvent{
			Type:      DebugTask,
			Timestamp: now,
			Step:      step,
			Payload: DebugTaskPayload{
				ID:       debugTaskID(t.Name, step, t.Metadata),
				Name:     t.Name,
				Input:    t.Input,
				Triggers: t.Triggers,
			},
		})
	}
	return out
}

func debugTaskResults(step int, tasks []*Task) []*DebugEvent {
	now := time.Now().UTC()
	var out []*DebugEvent
	for _, t := range tasks {
		if t.Hidden() {
			continue
		}
		out = append(out, &DebugEvent{
			Type:      DebugTaskResult,
			Timestamp: now,
			Step:      step,
			Payload: DebugTaskResultPayload{
				ID:     debugTaskID(t.Name, step, t.Metadata),
				Name:   t.Name,
				Result: t.Writes(),
			},
		})
	}
	return out
}

func debugCheckpoint(step int, cfg config.Config, values any, meta checkpoint.Metadata) *DebugEvent {
	return &DebugEvent{
		Type:      DebugCheckpoint,
		Timestamp: time.Now().UTC(),
		Step:      step,
		Payload:   DebugCheckpointPayload{Config: cfg, Values: values, Metadata: meta},
	}
}

// printStepTasks logs the tasks about to run.
func printStepTasks(logger *slog.Logger, step int, tasks []*Task) {
	names := make([]string, 0, len(tasks))
	for _, t := range tasks {
		names = append(names, t.Name)
	}
	logger.Info("step tasks", "step", step, "count", len(tasks), "tasks", names)
}

// printStepWrites logs the writes of a step, keeping only whitelisted
// channels.
func printStepWrites(logger *slog.Logger, step int, writes []checkpoint.Write, whitelist []string) {
	grouped := map[string][]any{}
	for _, w := range writes {
		for _, name := range whitelist {
			if w.Channel == name {
				grouped[w.Channel] = append(grouped[w.Channel], w.Value)
			}
		}
	}
	logger.Info("step writes", "step", step, "channels", len(grouped), "writes", grouped)
}

func printStepCheckpoint(logger *slog.Logger, step int, values any) {
	logger.Info("step checkpoint", "step", step, "values", values)
}
