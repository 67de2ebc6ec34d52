package model

import (
	"strings"
	"time"
)

// TaskType selects which solver executes a task.
type TaskType string

// Task type constants.
const (
	TypeCloudflareChallenge TaskType = "CloudflareChallenge"
	TypeTurnstile           TaskType = "Turnstile"
	TypeRecaptchaInvisible  TaskType = "RecaptchaInvisible"
)

// TaskTypes lists every supported task type in a stable order.
var TaskTypes = []TaskType{TypeCloudflareChallenge, TypeTurnstile, TypeRecaptchaInvisible}

// Status is the lifecycle state of a task.
type Status string

// Task status constants.
const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusTimedOut  Status = "timed-out"
)

// Statuses lists every status in lifecycle order.
var Statuses = []Status{StatusPending, StatusRunning, StatusCompleted, StatusFailed, StatusTimedOut}

// Result codes recorded by the engine itself. Solvers report their own codes
// for everything else.
const (
	CodeOK          = 200
	CodeBadRequest  = 400
	CodeTimeout     = 408
	CodeSolverError = 500
	CodeUnavailable = 503
)

// validTransitions maps each status to the set of statuses it may transition to.
// A pending task only ever moves to running; unassigned tasks stay pending.
var validTransitions = map[Status]map[Status]bool{
	StatusPending: {
		StatusRunning: true,
	},
	StatusRunning: {
		StatusCompleted: true,
		StatusFailed:    true,
		StatusTimedOut:  true,
	},
}

// ValidTransition reports whether transitioning from one status to another is allowed.
func ValidTransition(from, to Status) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// Terminal reports whether s has no outgoing transitions.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusTimedOut
}

// SourcesOf returns the statuses that may transition into to.
func SourcesOf(to Status) []Status {
	var from []Status
	for _, s := range Statuses {
		if validTransitions[s][to] {
			from = append(from, s)
		}
	}
	return from
}

// Proxy routes a task's traffic through an upstream proxy.
type Proxy struct {
	Scheme string `json:"scheme" validate:"required,oneof=http https socks5 socks5h"`
	Host   string `json:"host" validate:"required"`
	Port   int    `json:"port" validate:"required,min=1,max=65535"`
}

// Linksocks routes a task's traffic through a linksocks websocket tunnel.
type Linksocks struct {
	URL   string `json:"url" validate:"required"`
	Token string `json:"token" validate:"required"`
}

// Request is the caller-supplied, type-specific input of a task. It doubles
// as the "data" echo in results.
type Request struct {
	Type      TaskType   `json:"type" validate:"required,oneof=CloudflareChallenge Turnstile RecaptchaInvisible"`
	URL       string     `json:"url" validate:"required"`
	SiteKey   string     `json:"siteKey,omitempty"`
	Action    string     `json:"action,omitempty"`
	UserAgent string     `json:"userAgent,omitempty"`
	Proxy     *Proxy     `json:"proxy,omitempty"`
	Linksocks *Linksocks `json:"linksocks,omitempty"`
	Content   bool       `json:"content"`
}

// Normalized returns a copy of r with the URL scheme defaulted to http.
func (r Request) Normalized() Request {
	out := r.Clone()
	out.URL = strings.TrimSpace(out.URL)
	if out.URL != "" && !strings.HasPrefix(out.URL, "http://") && !strings.HasPrefix(out.URL, "https://") {
		out.URL = "http://" + out.URL
	}
	return out
}

// Clone returns a deep copy of r.
func (r Request) Clone() Request {
	out := r
	if r.Proxy != nil {
		p := *r.Proxy
		out.Proxy = &p
	}
	if r.Linksocks != nil {
		l := *r.Linksocks
		out.Linksocks = &l
	}
	return out
}

// Result is the outcome of a finished task.
type Result struct {
	Success  bool           `json:"success"`
	Code     int            `json:"code"`
	Response map[string]any `json:"response"`
	Data     Request        `json:"data"`
	Error    string         `json:"error,omitempty"`
}

// Clone returns a deep copy of r. Response values are copied one level deep;
// solvers only produce JSON-compatible maps, which are never mutated after
// being recorded.
func (r *Result) Clone() *Result {
	if r == nil {
		return nil
	}
	out := *r
	out.Data = r.Data.Clone()
	if r.Response != nil {
		out.Response = make(map[string]any, len(r.Response))
		for k, v := range r.Response {
			out.Response[k] = v
		}
	}
	return &out
}

// Task is one challenge-solving work item.
type Task struct {
	ID         string     `json:"id"`
	Type       TaskType   `json:"type"`
	Request    Request    `json:"request"`
	Status     Status     `json:"status"`
	Result     *Result    `json:"result,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// NewTask builds a pending task for an already validated request.
func NewTask(req Request, now time.Time) *Task {
	return &Task{
		ID:        NewID(),
		Type:      req.Type,
		Request:   req.Clone(),
		Status:    StatusPending,
		CreatedAt: now.UTC(),
	}
}

// Clone returns a deep copy of t.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	out := *t
	out.Request = t.Request.Clone()
	out.Result = t.Result.Clone()
	if t.StartedAt != nil {
		s := *t.StartedAt
		out.StartedAt = &s
	}
	if t.FinishedAt != nil {
		f := *t.FinishedAt
		out.FinishedAt = &f
	}
	return &out
}

// Duration reports how long the task ran, or zero if it has not finished.
func (t *Task) Duration() time.Duration {
	if t.StartedAt == nil || t.FinishedAt == nil {
		return 0
	}
	return t.FinishedAt.Sub(*t.StartedAt)
}

// Transition describes a single status change applied atomically by a store.
type Transition struct {
	To     Status
	At     time.Time
	Result *Result
}

// Apply validates tr against t and mutates t in place. It reports false,
// leaving t untouched, when the transition is not allowed.
func (tr Transition) Apply(t *Task) bool {
	if !ValidTransition(t.Status, tr.To) {
		return false
	}
	if tr.To.Terminal() != (tr.Result != nil) {
		return false
	}
	at := tr.At.UTC()
	t.Status = tr.To
	switch {
	case tr.To == StatusRunning:
		t.StartedAt = &at
	case tr.To.Terminal():
		t.FinishedAt = &at
		t.Result = tr.Result.Clone()
	}
	return true
}
