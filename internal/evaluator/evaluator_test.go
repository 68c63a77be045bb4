package evaluator

import (
	"context"
	"errors"
	"runtime"
	"testing"
	"time"

	"github.com/checkd/checkd/internal/config"
	"github.com/checkd/checkd/internal/definition"
	"github.com/checkd/checkd/internal/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDB struct {
	rows  []types.Row
	err   error
	query string
	args  []any
	block bool
}

func (f *fakeDB) Query(ctx context.Context, q string, args ...any) ([]types.Row, error) {
	f.query, f.args = q, args
	if f.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return f.rows, f.err
}

func testConfig() *config.Config {
	cfg := &config.Config{Alerts: []string{"/tmp/*.yaml"}}
	config.ApplyDefaults(cfg)
	cfg.Shell.Env = map[string]string{"CHECKD_TEST": "yes"}
	return cfg
}

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestEvaluator(db QueryRunner) *Evaluator {
	e := NewEvaluator(testConfig(), db, zerolog.Nop())
	e.SetClock(func() time.Time { return fixedNow })
	return e
}

func queryAlert(sql string) *definition.Alert {
	return &definition.Alert{
		ID:       "/etc/checkd/alerts/q.yaml",
		Enabled:  true,
		Interval: time.Minute,
		Source:   &definition.QuerySource{SQL: sql},
	}
}

func TestEvaluateQueryReturnsRows(t *testing.T) {
	db := &fakeDB{rows: []types.Row{{"host": "db1", "lag": int64(12)}}}
	obs := newTestEvaluator(db).Evaluate(context.Background(), queryAlert("select host, lag from replicas"), time.Time{})

	require.NoError(t, obs.Err)
	assert.Equal(t, types.SourceQuery, obs.Kind)
	assert.Equal(t, fixedNow, obs.At)
	assert.Equal(t, db.rows, obs.Rows)
	assert.Empty(t, db.args, "statement without window parameters gets no args")
}

func TestEvaluateQueryWindowArgs(t *testing.T) {
	since := fixedNow.Add(-5 * time.Minute)
	tests := []struct {
		name string
		sql  string
		want []any
	}{
		{"none", "select 1", nil},
		{"since only", "select * from log where at > $1", []any{since}},
		{"both", "select * from log where at > $1 and at <= $2", []any{since, fixedNow}},
		{"until only", "select * from log where at <= $2", []any{since, fixedNow}},
		{"not a param", "select '$10'", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, windowArgs(tt.sql, since, fixedNow))
		})
	}
}

func TestEvaluateQueryFirstTickLooksBackOneInterval(t *testing.T) {
	db := &fakeDB{}
	newTestEvaluator(db).Evaluate(context.Background(), queryAlert("select $1::timestamptz"), time.Time{})
	require.Len(t, db.args, 1)
	assert.Equal(t, fixedNow.Add(-time.Minute), db.args[0])
}

func TestEvaluateQueryErrorIsSourceError(t *testing.T) {
	db := &fakeDB{err: errors.New("relation does not exist")}
	obs := newTestEvaluator(db).Evaluate(context.Background(), queryAlert("select * from nope"), time.Time{})
	require.Error(t, obs.Err)
	assert.True(t, obs.Failed())
	assert.Contains(t, obs.Err.Error(), "relation does not exist")
}

func TestEvaluateQueryWithoutDatabase(t *testing.T) {
	obs := newTestEvaluator(nil).Evaluate(context.Background(), queryAlert("select 1"), time.Time{})
	assert.ErrorIs(t, obs.Err, ErrNoDatabase)
}

func TestEvaluateTimeoutBoundedByInterval(t *testing.T) {
	a := queryAlert("select pg_sleep(600)")
	a.Interval = 20 * time.Millisecond
	obs := newTestEvaluator(&fakeDB{block: true}).Evaluate(context.Background(), a, time.Time{})
	assert.ErrorIs(t, obs.Err, types.ErrTimeout)
}

func commandAlert(script string) *definition.Alert {
	return &definition.Alert{
		ID:       "/etc/checkd/alerts/cmd.yaml",
		Enabled:  true,
		Interval: 10 * time.Second,
		Source:   &definition.CommandSource{Shell: "sh", Script: script},
	}
}

func TestEvaluateCommand(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires sh")
	}
	e := newTestEvaluator(nil)

	t.Run("success", func(t *testing.T) {
		obs := e.Evaluate(context.Background(), commandAlert(`echo "$CHECKD_ALERT_NAME $CHECKD_TEST"`), time.Time{})
		require.NoError(t, obs.Err)
		assert.Equal(t, "cmd.yaml yes", obs.Stdout)
		assert.Equal(t, 0, obs.ExitCode)
	})

	t.Run("non-zero exit is data", func(t *testing.T) {
		obs := e.Evaluate(context.Background(), commandAlert("echo broken; exit 3"), time.Time{})
		require.NoError(t, obs.Err)
		assert.Equal(t, "broken", obs.Stdout)
		assert.Equal(t, 3, obs.ExitCode)
	})

	t.Run("timeout", func(t *testing.T) {
		a := commandAlert("sleep 5")
		a.Interval = 50 * time.Millisecond
		obs := e.Evaluate(context.Background(), a, time.Time{})
		assert.ErrorIs(t, obs.Err, types.ErrTimeout)
	})
}

func TestEvaluateUnknownShell(t *testing.T) {
	a := commandAlert("x")
	a.Source = &definition.CommandSource{Shell: "tcl", Script: "x"}
	obs := newTestEvaluator(nil).Evaluate(context.Background(), a, time.Time{})
	require.Error(t, obs.Err)
	assert.Contains(t, obs.Err.Error(), "unknown shell")
}

func TestEvaluateEventSourceIsNotPolled(t *testing.T) {
	a := commandAlert("")
	a.Source = &definition.EventSource{Type: "deploy"}
	obs := newTestEvaluator(nil).Evaluate(context.Background(), a, time.Time{})
	assert.Equal(t, types.SourceEvent, obs.Kind)
	assert.Error(t, obs.Err)
}
