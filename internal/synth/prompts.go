package synth

import (
	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/schema"
)

const fragmentRules = `The code is a sequence of statements separated by semicolons.
Each statement is one of:
- name = SELECT ... (binds a relation that later statements can read by name)
- a bare SELECT ... (evaluated and discarded)
Only read-only SELECT or WITH queries in DuckDB SQL are allowed, plus SUMMARIZE and DESCRIBE (for example query_result = SUMMARIZE df).
The dataset is the relation df. Do not rebind df.
Filter values must match the values listed in the profile exactly, including case.
Return ONLY code. No markdown, no explanation.`

const querySystemPrompt = `You translate questions about a tabular dataset into analysis code.
` + fragmentRules + `
Bind the final result to query_result.
If the question does not ask for a specific query, use exactly:
query_result = SELECT * FROM df LIMIT 5`

const chartSystemPrompt = `You translate visualization requests about a tabular dataset into analysis code.
` + fragmentRules + `
Bind the data to plot to chart_data.
Then bind the figure description to fig as a JSON object literal, for example:
fig = {"type": "bar", "x": "region", "y": "total", "color": "", "title": "Total by region"}
type is one of bar, line, scatter, pie, histogram, area. x, y and color name columns of chart_data.
For pie charts x holds the labels and y the values. For histograms only x is required.`

const answerSystemPrompt = `You answer questions about a dataset in plain language.
Use the query result as the source of truth and the dataset summary for context.
Quote numbers from the result exactly. Be concise.`

const datasetContext = `Dataset profile:
{{.profile}}
{{- if .dictionary}}

Data dictionary:
{{.dictionary}}
{{- end}}

Question: {{.question}}`

const answerContext = `Question: {{.question}}

Result:
{{.result}}

Dataset summary:
{{.summary}}`

func newQueryTemplate() prompt.ChatTemplate {
	return prompt.FromMessages(schema.GoTemplate,
		schema.SystemMessage(querySystemPrompt),
		schema.UserMessage(datasetContext),
	)
}

func newChartTemplate() prompt.ChatTemplate {
	return prompt.FromMessages(schema.GoTemplate,
		schema.SystemMessage(chartSystemPrompt),
		schema.UserMessage(datasetContext),
	)
}

func newAnswerTemplate() prompt.ChatTemplate {
	return prompt.FromMessages(schema.GoTemplate,
		schema.SystemMessage(answerSystemPrompt),
		schema.UserMessage(answerContext),
	)
}
