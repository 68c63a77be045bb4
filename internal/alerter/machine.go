package alerter

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/checkd/checkd/internal/definition"
	"github.com/checkd/checkd/internal/types"
)

// Reason explains why a decision notifies.
type Reason string

const (
	ReasonNone      Reason = ""
	ReasonTriggered Reason = "triggered"
	ReasonChanged   Reason = "changed"
	ReasonResend    Reason = "resend"
	ReasonCleared   Reason = "cleared"
	ReasonError     Reason = "error"
)

// Decision is the outcome of one state-machine transition. Nothing is
// persisted until Apply is called on the stored entry. Reset marks a
// synthetic error identity whose cause has gone away.
type Decision struct {
	Notify    bool
	Reason    Reason
	Triggered bool
	Cleared   bool
	Paused    bool
	Reset     bool
	At        time.Time

	fields     map[string]bool
	signature  string
	signed     bool
	unpause    bool
	errMessage string
}

// Apply folds the decision into s. delivered reports whether at least one
// notification went out, which is the only thing that advances LastSentAt.
// A pause set after the decision was taken is left alone.
func (d Decision) Apply(s *State, delivered bool) {
	if d.Reset {
		paused := s.PausedUntil
		*s = State{PausedUntil: paused, LastEvaluatedAt: d.At}
		return
	}
	s.LastEvaluatedAt = d.At
	if d.Paused {
		return
	}
	if d.unpause && !s.PausedUntil.After(d.At) {
		s.PausedUntil = time.Time{}
	}
	s.Triggered = d.Triggered
	s.TriggeredFields = d.fields
	if d.signed {
		s.Signature = d.signature
	}
	s.LastError = d.errMessage
	if d.Notify && delivered {
		s.LastSentAt = d.At
	}
}

// Transition decides what one successful observation means for an alert
// with the given prior state. The observation time is the decision's "now".
// Failed observations are handled by ErrorDecision instead.
func Transition(a *definition.Alert, prior State, obs types.Observation) Decision {
	now := obs.At
	d := Decision{At: now}
	if obs.Failed() {
		d.Triggered = prior.Triggered
		d.fields = prior.TriggeredFields
		d.errMessage = obs.Err.Error()
		return d
	}
	if !prior.PausedUntil.IsZero() {
		if now.Before(prior.PausedUntil) {
			d.Paused = true
			return d
		}
		d.unpause = true
	}

	d.Triggered, d.fields = isTriggered(a, prior, obs)

	changed := true
	if a.WhenChanged.Enabled {
		d.signature = Signature(obs, a.WhenChanged)
		d.signed = true
		changed = d.signature != prior.Signature
	}

	switch {
	case d.Triggered && a.WhenChanged.Enabled:
		if changed {
			d.Notify, d.Reason = true, ReasonChanged
			if !prior.Triggered {
				d.Reason = ReasonTriggered
			}
		}
	case d.Triggered && !prior.Triggered:
		d.Notify, d.Reason = true, ReasonTriggered
	case d.Triggered && resendDue(a.AlwaysSend, prior.LastSentAt, now):
		d.Notify, d.Reason = true, ReasonResend
	case !d.Triggered && prior.Triggered:
		d.Notify, d.Reason, d.Cleared = true, ReasonCleared, true
	}
	return d
}

// ErrorDecision applies first-trigger and resend rules to a synthetic error
// identity. failing=false resets the identity without notifying. Pauses are
// not honored for errors.
func ErrorDecision(policy definition.AlwaysSend, prior State, failing bool, message string, at time.Time) Decision {
	d := Decision{At: at}
	if !failing {
		d.Reset = true
		return d
	}
	d.Triggered = true
	d.errMessage = message
	switch {
	case !prior.Triggered:
		d.Notify, d.Reason = true, ReasonError
	case resendDue(policy, prior.LastSentAt, at):
		d.Notify, d.Reason = true, ReasonResend
	}
	return d
}

func resendDue(policy definition.AlwaysSend, lastSent, now time.Time) bool {
	switch policy.Mode {
	case definition.AlwaysSendAlways:
		return true
	case definition.AlwaysSendAfter:
		return lastSent.IsZero() || now.Sub(lastSent) >= policy.After
	}
	return false
}

func isTriggered(a *definition.Alert, prior State, obs types.Observation) (bool, map[string]bool) {
	switch obs.Kind {
	case types.SourceQuery:
		q, _ := a.Source.(*definition.QuerySource)
		if q == nil || len(q.Thresholds) == 0 {
			return len(obs.Rows) > 0, nil
		}
		fields := make(map[string]bool, len(q.Thresholds))
		triggered := false
		for _, th := range q.Thresholds {
			was := prior.TriggeredFields[th.Field]
			fields[th.Field] = evaluateThreshold(th, was, obs.Rows)
			triggered = triggered || fields[th.Field]
		}
		return triggered, fields
	case types.SourceCommand:
		return obs.ExitCode != 0, nil
	default:
		return true, nil
	}
}

// evaluateThreshold applies hysteresis to one field. The highest value
// across rows is compared; a field with no value keeps its prior state, and
// a field without clear_at never clears once triggered.
func evaluateThreshold(th definition.Threshold, was bool, rows []types.Row) bool {
	v, ok := maxValue(rows, th.Field)
	switch {
	case !ok:
		return was
	case v >= th.AlertAt:
		return true
	case was && th.ClearAt != nil && v < *th.ClearAt:
		return false
	default:
		return was
	}
}

func maxValue(rows []types.Row, field string) (float64, bool) {
	best, found := math.Inf(-1), false
	for _, r := range rows {
		f, ok := toFloat(r[field])
		if !ok {
			continue
		}
		if f > best {
			best = f
		}
		found = true
	}
	return best, found
}

func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int8:
		return float64(x), true
	case int16:
		return float64(x), true
	case int32:
		return float64(x), true
	case int64:
		return float64(x), true
	case uint:
		return float64(x), true
	case uint8:
		return float64(x), true
	case uint16:
		return float64(x), true
	case uint32:
		return float64(x), true
	case uint64:
		return float64(x), true
	case bool:
		if x {
			return 1, true
		}
		return 0, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		return f, err == nil
	case []byte:
		return toFloat(string(x))
	case fmt.Stringer:
		return toFloat(x.String())
	}
	return 0, false
}
