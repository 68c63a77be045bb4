package render

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecute(t *testing.T) {
	tmpl, err := Parse("body", `{{ .alert_name }} has {{ .row_count }} rows{{ if .missing }}!{{ end }}`)
	require.NoError(t, err)

	out, err := tmpl.Execute(map[string]any{"alert_name": "disk.yaml", "row_count": 3})
	require.NoError(t, err)
	assert.Equal(t, "disk.yaml has 3 rows", out)
}

func TestExecuteMissingKeyRendersEmpty(t *testing.T) {
	tmpl, err := Parse("body", `[{{ .nope }}]`)
	require.NoError(t, err)

	out, err := tmpl.Execute(map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, "[]", out)
}

func TestSprigFunctions(t *testing.T) {
	tmpl, err := Parse("subject", `{{ .name | default "unnamed" | upper }}`)
	require.NoError(t, err)

	out, err := tmpl.Execute(map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, "UNNAMED", out)
}

func TestParseError(t *testing.T) {
	_, err := Parse("broken", `{{ .x `)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken")
}

func TestMarkdown(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want []string
	}{
		{"bold", "**down**", []string{"<strong>down</strong>"}},
		{"raw html passes through", "<b class=\"x\">raw</b>", []string{`<b class="x">raw</b>`}},
		{"table", "| a | b |\n|---|---|\n| 1 | 2 |\n", []string{"<table>", "<td>1</td>"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := Markdown(tt.in)
			require.NoError(t, err)
			for _, w := range tt.want {
				assert.Contains(t, out, w)
			}
		})
	}
}

func TestSubject(t *testing.T) {
	assert.Equal(t, "disk full", Subject("  disk full \nsecond line"))
	assert.Equal(t, "x", Subject("x"))
}
