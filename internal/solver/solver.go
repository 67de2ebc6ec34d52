package solver

import (
	"context"
	"fmt"

	"github.com/seantiz/cloudflyer/internal/model"
)

// Solver executes one task type. Implementations must observe ctx at every
// suspension point and return promptly once it is done.
type Solver interface {
	// Execute runs the challenge described by req. A handled failure
	// (unreachable URL, challenge not resolved) is reported through an
	// Outcome with Success=false; a returned error means the solver itself
	// broke, and the task is failed with the error text.
	Execute(ctx context.Context, req Request) (Outcome, error)

	// Capabilities reports what this solver handles.
	Capabilities() Capabilities
}

// Request is the input handed to a solver for one task.
type Request struct {
	TaskID string
	Type   model.TaskType
	Task   model.Request

	// Progress is an optional callback for human-readable progress lines,
	// streamed to subscribers of the task's event feed.
	Progress func(line string) `json:"-"`
}

func (r Request) progress(format string, args ...any) {
	if r.Progress != nil {
		r.Progress(fmt.Sprintf(format, args...))
	}
}

// Outcome is what a solver reports back on normal return.
type Outcome struct {
	Success  bool
	Code     int
	Response map[string]any
	Error    string
}

// Succeeded builds a successful outcome.
func Succeeded(response map[string]any) Outcome {
	return Outcome{Success: true, Code: model.CodeOK, Response: response}
}

// Failed builds a handled-failure outcome.
func Failed(code int, format string, args ...any) Outcome {
	return Outcome{Success: false, Code: code, Error: fmt.Sprintf(format, args...)}
}

// Capabilities describes a solver.
type Capabilities struct {
	Name     string         `json:"name"`
	TaskType model.TaskType `json:"task_type"`
	Driver   string         `json:"driver"`
}
