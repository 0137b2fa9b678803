package plan_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quayside-labs/stevedore/pkg/contracts"
	"github.com/quayside-labs/stevedore/pkg/plan"
)

func newPlanner(t *testing.T, templates map[string]plan.Template) *plan.Planner {
	t.Helper()
	p, err := plan.NewPlanner(templates, "generalist", nil)
	require.NoError(t, err)
	return p
}

func TestPlanner_TemplatedType(t *testing.T) {
	p := newPlanner(t, map[string]plan.Template{
		"code_change": {Groups: [][]string{{"writer"}, {"reviewer", "tester"}}},
	})

	got, err := p.Plan(&contracts.Task{ID: "t1", Type: "code_change", Description: "add retry"})
	require.NoError(t, err)
	require.Len(t, got.Groups, 2)
	assert.Equal(t, "t1", got.TaskID)
	assert.Equal(t, 3, got.Invocations())

	assert.Equal(t, "writer", got.Groups[0][0].Delegate)
	assert.Equal(t, "add retry", got.Groups[0][0].Prompt)
	assert.ElementsMatch(t,
		[]string{"reviewer", "tester"},
		[]string{got.Groups[1][0].Delegate, got.Groups[1][1].Delegate})
}

func TestPlanner_UnknownTypeFallsBack(t *testing.T) {
	p := newPlanner(t, nil)
	got, err := p.Plan(&contracts.Task{ID: "t9", Type: "mystery", Description: "do it"})
	require.NoError(t, err)
	require.Len(t, got.Groups, 1)
	require.Len(t, got.Groups[0], 1)
	assert.Equal(t, "generalist", got.Groups[0][0].Delegate)
}

func TestPlanner_Deterministic(t *testing.T) {
	p := newPlanner(t, map[string]plan.Template{
		"review": {Groups: [][]string{{"a", "b"}, {"c"}}},
	})
	task := &contracts.Task{ID: "t2", Type: "review", Description: "check"}

	first, err := p.Plan(task)
	require.NoError(t, err)
	second, err := p.Plan(task)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestPlanner_Rejects(t *testing.T) {
	_, err := plan.NewPlanner(nil, "", nil)
	assert.Error(t, err, "default delegate required")

	p := newPlanner(t, map[string]plan.Template{"bad": {Groups: [][]string{{}}}})
	_, err = p.Plan(&contracts.Task{ID: "t3", Type: "bad"})
	assert.Error(t, err)

	_, err = p.Plan(nil)
	assert.Error(t, err)
}

const sampleConfig = `
default_delegate: generalist

delegates:
  generalist:
    command: "bin/generalist"
    resource: model-small
    timeout_s: 120
  writer:
    command: "bin/writer --mode full"
    resource: model-large
    timeout_s: 300
  reviewer:
    command: "bin/reviewer"
    resource: model-small

plans:
  code_change:
    groups:
      - [writer]
      - [reviewer]

rates:
  model-large:
    input_micros: 3
    output_micros: 15
  model-small:
    input_micros: 1
    output_micros: 2

default_rate:
  input_micros: 1
  output_micros: 1
`

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plans.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleConfig), 0o644))

	f, err := plan.LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "generalist", f.DefaultDelegate)
	assert.Len(t, f.Delegates, 3)
	assert.Equal(t, "bin/writer --mode full", f.Delegates["writer"].Command)
	assert.Equal(t, 300, f.Delegates["writer"].TimeoutSeconds)
	assert.Equal(t, [][]string{{"writer"}, {"reviewer"}}, f.Plans["code_change"].Groups)
	assert.Equal(t, int64(15), f.Rates["model-large"].OutputMicros)
	assert.Equal(t, int64(1), f.DefaultRate.InputMicros)
}

func TestParse_Invalid(t *testing.T) {
	cases := map[string]string{
		"no default": `
delegates:
  w: {command: "bin/w"}
`,
		"undeclared default": `
default_delegate: ghost
delegates:
  w: {command: "bin/w"}
`,
		"delegate without command": `
default_delegate: w
delegates:
  w: {resource: model-small}
`,
		"plan references unknown delegate": `
default_delegate: w
delegates:
  w: {command: "bin/w"}
plans:
  review:
    groups:
      - [ghost]
`,
		"empty group": `
default_delegate: w
delegates:
  w: {command: "bin/w"}
plans:
  review:
    groups:
      - []
`,
		"not yaml": `{{{`,
	}
	for name, cfg := range cases {
		_, err := plan.Parse([]byte(cfg))
		assert.Error(t, err, name)
	}
}
