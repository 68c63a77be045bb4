package definition

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/checkd/checkd/internal/render"
	"github.com/checkd/checkd/internal/types"
	"gopkg.in/yaml.v3"
)

// Snapshot is one published, immutable view of every alert and target.
// Replacing the active snapshot is the only way definitions change.
type Snapshot struct {
	Alerts   map[string]*Alert
	Targets  *Registry
	Errors   LoadErrors
	LoadedAt time.Time

	// every alert file matched by the globs, including ones that failed to load
	files map[string]struct{}
}

// Alert looks up a loaded definition by identity.
func (s *Snapshot) Alert(id string) (*Alert, bool) {
	if s == nil {
		return nil, false
	}
	a, ok := s.Alerts[id]
	return a, ok
}

// Exists reports whether id names a matched alert file, loaded or not.
func (s *Snapshot) Exists(id string) bool {
	if s == nil {
		return false
	}
	_, ok := s.files[id]
	return ok
}

// Failed reports whether path failed to load in this snapshot. It covers
// target files as well as alert files.
func (s *Snapshot) Failed(path string) bool {
	if s == nil {
		return false
	}
	for _, fe := range s.Errors {
		if fe.Path == path {
			return true
		}
	}
	return false
}

// IDs returns the sorted identities of loaded alerts.
func (s *Snapshot) IDs() []string {
	if s == nil {
		return nil
	}
	ids := make([]string, 0, len(s.Alerts))
	for id := range s.Alerts {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Scheduled returns the enabled, polled alerts in identity order.
func (s *Snapshot) Scheduled() []*Alert {
	var out []*Alert
	for _, id := range s.IDs() {
		a := s.Alerts[id]
		if a.Enabled && a.Source.Kind() != types.SourceEvent {
			out = append(out, a)
		}
	}
	return out
}

// EventAlerts returns the enabled event alerts accepting eventType.
func (s *Snapshot) EventAlerts(eventType string) []*Alert {
	var out []*Alert
	for _, id := range s.IDs() {
		a := s.Alerts[id]
		if ev, ok := a.Source.(*EventSource); ok && a.Enabled && ev.Type == eventType {
			out = append(out, a)
		}
	}
	return out
}

// Loader reads alert and target files matched by the configured globs.
type Loader struct {
	alertGlobs      []string
	targetGlobs     []string
	defaultInterval time.Duration
	now             func() time.Time
}

// NewLoader creates a loader. Globs should be absolute.
func NewLoader(alertGlobs, targetGlobs []string, defaultInterval time.Duration) *Loader {
	if defaultInterval <= 0 {
		defaultInterval = time.Minute
	}
	return &Loader{
		alertGlobs:      alertGlobs,
		targetGlobs:     targetGlobs,
		defaultInterval: defaultInterval,
		now:             time.Now,
	}
}

// Load produces a brand-new snapshot. Broken files are reported in
// Snapshot.Errors and left out of Alerts; the returned error is reserved for
// failures that make the whole pass meaningless, such as a malformed glob.
func (l *Loader) Load() (*Snapshot, error) {
	registry, errs, err := l.LoadTargets()
	if err != nil {
		return nil, err
	}
	paths, err := expand(l.alertGlobs)
	if err != nil {
		return nil, err
	}
	snap := &Snapshot{
		Alerts:   make(map[string]*Alert, len(paths)),
		Targets:  registry,
		Errors:   errs,
		LoadedAt: l.now(),
		files:    make(map[string]struct{}, len(paths)),
	}
	for _, p := range paths {
		snap.files[p] = struct{}{}
		a, err := l.LoadFile(p, registry)
		if err != nil {
			var fe *FileError
			if !errors.As(err, &fe) {
				fe = &FileError{Path: p, Err: err}
			}
			snap.Errors = append(snap.Errors, fe)
			continue
		}
		snap.Alerts[a.ID] = a
	}
	return snap, nil
}

// LoadTargets merges every target file. A file that redeclares an ID already
// seen in an earlier file (in path order) is rejected as a whole.
func (l *Loader) LoadTargets() (*Registry, LoadErrors, error) {
	paths, err := expand(l.targetGlobs)
	if err != nil {
		return nil, nil, err
	}
	var (
		merged []Target
		owner  = map[string]string{}
		errs   LoadErrors
	)
	for _, p := range paths {
		targets, err := readTargets(p)
		if err != nil {
			errs = append(errs, &FileError{Path: p, Err: err, Problems: []string{err.Error()}})
			continue
		}
		var problems []string
		for _, t := range targets {
			if prev, ok := owner[t.ID]; ok {
				problems = append(problems, fmt.Sprintf("target %q already declared in %s", t.ID, prev))
			}
		}
		if len(problems) > 0 {
			errs = append(errs, &FileError{Path: p, Err: ErrDuplicateTarget, Problems: problems})
			continue
		}
		for _, t := range targets {
			owner[t.ID] = p
			merged = append(merged, t)
		}
	}
	return NewRegistry(merged...), errs, nil
}

type rawTargets struct {
	Targets []struct {
		ID        string     `yaml:"id"`
		Addresses stringList `yaml:"addresses"`
	} `yaml:"targets"`
}

func readTargets(path string) ([]Target, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var raw rawTargets
	if err := strictDecode(data, &raw); err != nil {
		return nil, err
	}
	seen := map[string]bool{}
	out := make([]Target, 0, len(raw.Targets))
	for i, t := range raw.Targets {
		id := strings.TrimSpace(t.ID)
		switch {
		case id == "":
			return nil, fmt.Errorf("targets[%d]: id is required", i)
		case seen[id]:
			return nil, fmt.Errorf("%w: %q declared twice", ErrDuplicateTarget, id)
		case len(t.Addresses) == 0:
			return nil, fmt.Errorf("target %q: addresses must not be empty", id)
		}
		seen[id] = true
		out = append(out, Target{ID: id, Addresses: dedupe(t.Addresses), File: path})
	}
	return out, nil
}

type rawAlert struct {
	Enabled     *bool       `yaml:"enabled"`
	Interval    duration    `yaml:"interval"`
	AlwaysSend  AlwaysSend  `yaml:"always-send"`
	WhenChanged WhenChanged `yaml:"when-changed"`
	SQL         string      `yaml:"sql"`
	Numerical   []Threshold `yaml:"numerical"`
	Shell       string      `yaml:"shell"`
	Run         string      `yaml:"run"`
	Event       string      `yaml:"event"`
	Send        []struct {
		ID       string  `yaml:"id"`
		Subject  *string `yaml:"subject"`
		Template string  `yaml:"template"`
	} `yaml:"send"`
}

// LoadFile parses and validates a single alert file against registry. Every
// problem found is reported, not just the first.
func (l *Loader) LoadFile(path string, registry *Registry) (*Alert, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, &FileError{Path: path, Err: err, Problems: []string{err.Error()}}
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, &FileError{Path: abs, Err: err, Problems: []string{err.Error()}}
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, &FileError{Path: abs, Err: ErrNoDefinition, Problems: []string{"file is empty"}}
	}
	var raw rawAlert
	if err := strictDecode(data, &raw); err != nil {
		return nil, &FileError{Path: abs, Err: ErrNoDefinition, Problems: yamlProblems(err)}
	}

	a := &Alert{
		ID:          abs,
		Enabled:     raw.Enabled == nil || *raw.Enabled,
		Interval:    time.Duration(raw.Interval),
		AlwaysSend:  raw.AlwaysSend,
		WhenChanged: raw.WhenChanged,
	}
	if a.Interval == 0 {
		a.Interval = l.defaultInterval
	}

	var (
		problems   []string
		unresolved bool
	)
	problem := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if a.Interval < time.Second {
		problem("interval must be at least 1s")
	}

	kinds := 0
	if raw.SQL != "" {
		kinds++
		a.Source = &QuerySource{SQL: raw.SQL, Thresholds: raw.Numerical}
	}
	if raw.Run != "" || raw.Shell != "" {
		kinds++
		shell := raw.Shell
		if shell == "" {
			shell = "sh"
		}
		if raw.Run == "" {
			problem("shell %q given without run", raw.Shell)
		}
		a.Source = &CommandSource{Shell: shell, Script: raw.Run}
	}
	if raw.Event != "" {
		kinds++
		a.Source = &EventSource{Type: raw.Event}
	}
	switch {
	case kinds == 0:
		problem("one of sql, shell/run or event is required")
	case kinds > 1:
		problem("sql, shell/run and event are mutually exclusive")
	}
	if len(raw.Numerical) > 0 && raw.SQL == "" {
		problem("numerical thresholds require an sql source")
	}
	for i, t := range raw.Numerical {
		if t.Field == "" {
			problem("numerical[%d]: field is required", i)
		}
		if t.ClearAt != nil && *t.ClearAt > t.AlertAt {
			problem("numerical[%d]: clear_at %v is above alert_at %v", i, *t.ClearAt, t.AlertAt)
		}
	}

	if len(raw.Send) == 0 {
		problem("send must list at least one target")
	}
	for i, s := range raw.Send {
		send := Send{TargetID: s.ID}
		if s.ID == "" {
			problem("send[%d]: id is required", i)
		} else if _, ok := registry.Lookup(s.ID); !ok {
			unresolved = true
			problem("send[%d]: target %q is not defined", i, s.ID)
		}
		if s.Subject != nil {
			t, err := render.Parse(fmt.Sprintf("send[%d].subject", i), *s.Subject)
			if err != nil {
				problem("%v", err)
			}
			send.Subject = t
		}
		if s.Template == "" {
			problem("send[%d]: template is required", i)
		} else {
			t, err := render.Parse(fmt.Sprintf("send[%d].template", i), s.Template)
			if err != nil {
				problem("%v", err)
			}
			send.Body = t
		}
		a.Send = append(a.Send, send)
	}

	if len(problems) > 0 {
		err := ErrNoDefinition
		if unresolved {
			err = ErrUnresolvedTarget
		}
		return nil, &FileError{Path: abs, Err: err, Problems: problems}
	}
	return a, nil
}

// WatchDirs returns the directories that must be watched to notice changes
// to any file the configured globs can match.
func (l *Loader) WatchDirs() []string {
	seen := map[string]bool{}
	var out []string
	for _, g := range append(append([]string{}, l.alertGlobs...), l.targetGlobs...) {
		dir := g
		for hasMeta(dir) {
			dir = filepath.Dir(dir)
		}
		if dir == g {
			dir = filepath.Dir(g)
		}
		if !seen[dir] {
			seen[dir] = true
			out = append(out, dir)
		}
	}
	sort.Strings(out)
	return out
}

// Matches reports whether path could be matched by one of the globs.
func (l *Loader) Matches(path string) bool {
	for _, g := range append(append([]string{}, l.alertGlobs...), l.targetGlobs...) {
		if ok, _ := filepath.Match(g, path); ok {
			return true
		}
	}
	return false
}

func expand(globs []string) ([]string, error) {
	seen := map[string]bool{}
	var out []string
	for _, g := range globs {
		matches, err := filepath.Glob(g)
		if err != nil {
			return nil, fmt.Errorf("glob %q: %w", g, err)
		}
		for _, m := range matches {
			abs, err := filepath.Abs(m)
			if err != nil || seen[abs] {
				continue
			}
			if fi, err := os.Stat(abs); err != nil || !fi.Mode().IsRegular() {
				continue
			}
			seen[abs] = true
			out = append(out, abs)
		}
	}
	sort.Strings(out)
	return out, nil
}

func hasMeta(path string) bool {
	return strings.ContainsAny(path, `*?[\`)
}

func strictDecode(data []byte, out any) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func yamlProblems(err error) []string {
	var te *yaml.TypeError
	if errors.As(err, &te) {
		return append([]string(nil), te.Errors...)
	}
	return []string{err.Error()}
}

func dedupe(in []string) []string {
	seen := map[string]bool{}
	out := make([]string, 0, len(in))
	for _, s := range in {
		s = strings.TrimSpace(s)
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}

// duration accepts Go duration strings or a bare number of seconds.
type duration time.Duration

func (d *duration) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: interval must be a duration", node.Line)
	}
	if secs, err := strconv.ParseFloat(node.Value, 64); err == nil {
		*d = duration(time.Duration(secs * float64(time.Second)))
		return nil
	}
	v, err := time.ParseDuration(node.Value)
	if err != nil {
		return fmt.Errorf("line %d: interval %q: %v", node.Line, node.Value, err)
	}
	*d = duration(v)
	return nil
}
