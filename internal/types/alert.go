package types

import (
	"errors"
	"sort"
	"time"
)

// SourceKind names one of the three ways an alert obtains its observation.
type SourceKind string

const (
	SourceQuery   SourceKind = "query"
	SourceCommand SourceKind = "command"
	SourceEvent   SourceKind = "event"
)

// ErrTimeout marks an evaluation that outlived its alert's interval.
var ErrTimeout = errors.New("evaluation exceeded alert interval")

// Row is one result row of a query source, keyed by column name.
type Row map[string]any

// Observation is the outcome of one evaluation of an alert source.
// Exactly one of Rows, Stdout/ExitCode or Payload is meaningful, chosen by Kind.
// A non-nil Err turns the observation into a source error.
type Observation struct {
	Kind     SourceKind
	At       time.Time
	Duration time.Duration

	Rows []Row

	Stdout   string
	ExitCode int

	Payload map[string]any

	Err error
}

// Failed reports whether the source could not be evaluated.
func (o Observation) Failed() bool {
	return o.Err != nil
}

// EventObservation wraps an externally delivered payload.
func EventObservation(payload map[string]any, at time.Time) Observation {
	if payload == nil {
		payload = map[string]any{}
	}
	return Observation{Kind: SourceEvent, At: at, Payload: payload}
}

// FailedObservation builds a source-error observation.
func FailedObservation(kind SourceKind, at time.Time, err error) Observation {
	return Observation{Kind: kind, At: at, Err: err}
}

// Data returns the comparable content of the observation: a list of rows for
// query sources and a flat map for command and event sources.
func (o Observation) Data() any {
	switch o.Kind {
	case SourceQuery:
		rows := make([]map[string]any, 0, len(o.Rows))
		for _, r := range o.Rows {
			rows = append(rows, map[string]any(r))
		}
		return rows
	case SourceCommand:
		return map[string]any{"stdout": o.Stdout, "exit_code": o.ExitCode}
	default:
		return o.Payload
	}
}

// Context returns the observation's contribution to a template context.
// Query rows are exposed as "rows" with the first row's columns flattened
// alongside, so single-row checks can reference columns directly.
func (o Observation) Context() map[string]any {
	ctx := map[string]any{}
	switch o.Kind {
	case SourceQuery:
		rows := make([]map[string]any, 0, len(o.Rows))
		for _, r := range o.Rows {
			rows = append(rows, map[string]any(r))
		}
		if len(o.Rows) > 0 {
			for k, v := range o.Rows[0] {
				ctx[k] = v
			}
		}
		ctx["rows"] = rows
		ctx["row_count"] = len(o.Rows)
		ctx["columns"] = Columns(o.Rows)
	case SourceCommand:
		ctx["stdout"] = o.Stdout
		ctx["exit_code"] = o.ExitCode
	case SourceEvent:
		for k, v := range o.Payload {
			ctx[k] = v
		}
		ctx["payload"] = o.Payload
	}
	if o.Err != nil {
		ctx["error"] = o.Err.Error()
	}
	return ctx
}

// Columns returns the sorted union of column names across rows.
func Columns(rows []Row) []string {
	seen := map[string]struct{}{}
	for _, r := range rows {
		for k := range r {
			seen[k] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
