package definition

import (
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/checkd/checkd/internal/render"
	"github.com/checkd/checkd/internal/types"
	"gopkg.in/yaml.v3"
)

// Alert is a validated, immutable alert definition. ID is the absolute path of
// the file it was read from; two files with identical content are distinct alerts.
type Alert struct {
	ID          string
	Enabled     bool
	Interval    time.Duration
	AlwaysSend  AlwaysSend
	WhenChanged WhenChanged
	Source      Source
	Send        []Send
}

// Name is the alert file's base name.
func (a *Alert) Name() string {
	return filepath.Base(a.ID)
}

// Source is one of *QuerySource, *CommandSource or *EventSource.
type Source interface {
	Kind() types.SourceKind
	isSource()
}

// QuerySource runs SQL against the configured database.
type QuerySource struct {
	SQL        string
	Thresholds []Threshold
}

// CommandSource runs a script through a named interpreter.
type CommandSource struct {
	Shell  string
	Script string
}

// EventSource is fed by the control API; Type tags which events it accepts.
type EventSource struct {
	Type string
}

func (*QuerySource) Kind() types.SourceKind   { return types.SourceQuery }
func (*CommandSource) Kind() types.SourceKind { return types.SourceCommand }
func (*EventSource) Kind() types.SourceKind   { return types.SourceEvent }

func (*QuerySource) isSource()   {}
func (*CommandSource) isSource() {}
func (*EventSource) isSource()   {}

// Threshold triggers when Field reaches AlertAt and, if ClearAt is set,
// clears once the field drops below ClearAt.
type Threshold struct {
	Field   string   `yaml:"field"`
	AlertAt float64  `yaml:"alert_at"`
	ClearAt *float64 `yaml:"clear_at,omitempty"`
}

// Send routes a rendered notification to one target.
type Send struct {
	TargetID string
	Subject  *render.Template // nil selects the default subject
	Body     *render.Template
}

// AlwaysSendMode selects the repeat policy while a condition stays active.
type AlwaysSendMode int

const (
	AlwaysSendOff AlwaysSendMode = iota
	AlwaysSendAlways
	AlwaysSendAfter
)

// AlwaysSend is the parsed always-send policy.
type AlwaysSend struct {
	Mode  AlwaysSendMode
	After time.Duration
}

func (a AlwaysSend) String() string {
	switch a.Mode {
	case AlwaysSendAlways:
		return "always"
	case AlwaysSendAfter:
		return "after " + a.After.String()
	default:
		return "off"
	}
}

// UnmarshalYAML accepts false/true, a duration string, or a mapping {after: duration}.
func (a *AlwaysSend) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		p, err := ParseAlwaysSend(node.Value)
		if err != nil {
			return fmt.Errorf("line %d: %w", node.Line, err)
		}
		*a = p
		return nil
	case yaml.MappingNode:
		var raw struct {
			After string `yaml:"after"`
		}
		if err := node.Decode(&raw); err != nil {
			return err
		}
		d, err := time.ParseDuration(raw.After)
		if err != nil || d <= 0 {
			return fmt.Errorf("line %d: always-send.after must be a positive duration", node.Line)
		}
		*a = AlwaysSend{Mode: AlwaysSendAfter, After: d}
		return nil
	}
	return fmt.Errorf("line %d: always-send must be a boolean, a duration or {after: duration}", node.Line)
}

// ParseAlwaysSend parses the scalar forms of always-send.
func ParseAlwaysSend(s string) (AlwaysSend, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "false", "no", "off":
		return AlwaysSend{}, nil
	case "true", "yes", "on", "always":
		return AlwaysSend{Mode: AlwaysSendAlways}, nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(s))
	if err != nil || d <= 0 {
		return AlwaysSend{}, fmt.Errorf("always-send %q is not a boolean or positive duration", s)
	}
	return AlwaysSend{Mode: AlwaysSendAfter, After: d}, nil
}

// WhenChanged limits notifications to observations whose filtered content differs
// from the previous one. Except and Only are mutually exclusive.
type WhenChanged struct {
	Enabled bool
	Except  []string
	Only    []string
}

// UnmarshalYAML accepts a boolean or a mapping with except/only lists.
func (w *WhenChanged) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		var b bool
		if err := node.Decode(&b); err != nil {
			return fmt.Errorf("line %d: when-changed must be a boolean or a mapping", node.Line)
		}
		*w = WhenChanged{Enabled: b}
		return nil
	case yaml.MappingNode:
		var raw struct {
			Except stringList `yaml:"except"`
			Only   stringList `yaml:"only"`
		}
		if err := node.Decode(&raw); err != nil {
			return err
		}
		if len(raw.Except) > 0 && len(raw.Only) > 0 {
			return fmt.Errorf("line %d: when-changed.except and when-changed.only are mutually exclusive", node.Line)
		}
		*w = WhenChanged{Enabled: true, Except: raw.Except, Only: raw.Only}
		return nil
	}
	return fmt.Errorf("line %d: when-changed must be a boolean or a mapping", node.Line)
}

// stringList accepts a single string or a sequence of strings.
type stringList []string

func (s *stringList) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		*s = []string{node.Value}
		return nil
	}
	var list []string
	if err := node.Decode(&list); err != nil {
		return err
	}
	*s = list
	return nil
}

// Target is a named group of recipient addresses.
type Target struct {
	ID        string
	Addresses []string
	File      string
}

// Registry is the merged, read-only set of targets.
type Registry struct {
	targets map[string]Target
}

// NewRegistry builds a registry from already-deduplicated targets.
func NewRegistry(targets ...Target) *Registry {
	r := &Registry{targets: make(map[string]Target, len(targets))}
	for _, t := range targets {
		r.targets[t.ID] = t
	}
	return r
}

// Lookup resolves a target ID.
func (r *Registry) Lookup(id string) (Target, bool) {
	if r == nil {
		return Target{}, false
	}
	t, ok := r.targets[id]
	return t, ok
}

// IDs returns the sorted target IDs.
func (r *Registry) IDs() []string {
	if r == nil {
		return nil
	}
	ids := make([]string, 0, len(r.targets))
	for id := range r.targets {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Len returns the number of targets.
func (r *Registry) Len() int {
	if r == nil {
		return 0
	}
	return len(r.targets)
}

var (
	// ErrNoDefinition is returned for a file that holds no loadable alert definition.
	ErrNoDefinition = errors.New("no alert definition")
	// ErrUnresolvedTarget is returned when a send entry names an unknown target.
	ErrUnresolvedTarget = errors.New("unresolved target")
	// ErrDuplicateTarget is returned when a target ID is declared twice.
	ErrDuplicateTarget = errors.New("duplicate target id")
)

// FileError describes why one definition or target file could not be loaded.
type FileError struct {
	Path     string
	Problems []string
	Err      error
}

func (e *FileError) Error() string {
	if len(e.Problems) == 0 {
		return fmt.Sprintf("%s: %v", e.Path, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Path, strings.Join(e.Problems, "; "))
}

func (e *FileError) Unwrap() error {
	return e.Err
}

// LoadErrors aggregates per-file failures from one load pass.
type LoadErrors []*FileError

func (l LoadErrors) Error() string {
	parts := make([]string, 0, len(l))
	for _, e := range l {
		parts = append(parts, e.Error())
	}
	return strings.Join(parts, "\n")
}

// Paths returns the failing file paths.
func (l LoadErrors) Paths() []string {
	out := make([]string, 0, len(l))
	for _, e := range l {
		out = append(out, e.Path)
	}
	return out
}
