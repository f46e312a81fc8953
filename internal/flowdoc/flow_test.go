package flowdoc_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tombee/conductor-flow/internal/flowdoc"
)

func TestParseFlowYAML_Basic(t *testing.T) {
	src := `
name: fetch-and-store
description: pulls a report and writes it to disk
inputs:
  customer_id:
    required: true
  format:
    default: csv
steps:
  - id: fetch
    connection: user:crm
    run:
      action: sql_query
      query: "select * from orders where customer = {{.inputs.customer_id}}"
  - id: write
    depends_on: [fetch]
    if: "len(steps.fetch.outputs.rows) > 0"
    run:
      action: write_files
      target_path: "./out/{{.inputs.format}}/orders.csv"
    outputs: [written_path]
`
	doc, err := flowdoc.ParseFlowYAML([]byte(src))
	require.NoError(t, err)
	require.Equal(t, "fetch-and-store", doc.Name)
	require.Len(t, doc.Steps, 2)

	fetch := doc.Steps[0]
	require.Equal(t, "fetch", fetch.ID)
	require.Equal(t, "user:crm", fetch.Connection)
	require.NotNil(t, fetch.Run)
	require.Equal(t, "sql_query", fetch.Run.Action)
	require.Equal(t, "select * from orders where customer = {{.inputs.customer_id}}", fetch.Run.Params["query"])

	write := doc.Steps[1]
	require.Equal(t, []string{"fetch"}, write.DependsOn)
	require.NotEmpty(t, write.If)
	require.Equal(t, []string{"written_path"}, write.Outputs.Names)
}

func TestParseFlowYAML_OutputsMapping(t *testing.T) {
	src := `
name: proj
steps:
  - id: s1
    run:
      action: read_content
    outputs:
      row_count: "length(result.rows)"
`
	doc, err := flowdoc.ParseFlowYAML([]byte(src))
	require.NoError(t, err)
	require.Equal(t, "length(result.rows)", doc.Steps[0].Outputs.Exprs["row_count"])
}

func TestParseFlowYAML_DuplicateIDFails(t *testing.T) {
	src := `
name: proj
steps:
  - id: s1
    run: {action: read_content}
  - id: s1
    run: {action: read_content}
`
	_, err := flowdoc.ParseFlowYAML([]byte(src))
	require.Error(t, err)
}

func TestParseFlowYAML_UnknownDependsOnFails(t *testing.T) {
	src := `
name: proj
steps:
  - id: s1
    depends_on: [ghost]
    run: {action: read_content}
`
	_, err := flowdoc.ParseFlowYAML([]byte(src))
	require.Error(t, err)
}

func TestParseFlowYAML_MissingStepIDFails(t *testing.T) {
	src := `
name: proj
steps:
  - run: {action: read_content}
`
	_, err := flowdoc.ParseFlowYAML([]byte(src))
	require.Error(t, err)
}
