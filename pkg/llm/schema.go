package llm

import (
	"encoding/json"

	"github.com/invopop/jsonschema"
)

// decideResponseShape mirrors DecideResult's wire shape for schema
// generation only — the actual decode path goes through action.Model's
// own (Un)MarshalJSON, not this struct.
type decideResponseShape struct {
	CurrentState struct {
		ID                     string `json:"id"`
		EvaluationPreviousGoal string `json:"evaluation_previous_goal"`
		Memory                 string `json:"memory"`
		NextGoal               string `json:"next_goal"`
	} `json:"current_state"`
	Action []map[string]any `json:"action"`
}

// DecideResponseSchema returns the JSON Schema document a structured-output
// provider should be constrained to when generating a decide-step
// response, so the LLM call itself enforces the {current_state, action[]}
// shape (§6) instead of relying purely on post-hoc parsing.
func DecideResponseSchema() (json.RawMessage, error) {
	reflector := jsonschema.Reflector{ExpandedStruct: true}
	schema := reflector.Reflect(&decideResponseShape{})
	return json.Marshal(schema)
}

// IOSchemaDocument builds a JSON Schema for a task's input_schema or
// output_schema description map (§3's `string → string` key→description
// shape), for hosts that want to validate pipeline I/O against a formal
// schema rather than the plain subset-of-keys check C6 performs.
func IOSchemaDocument(descriptions map[string]string) json.RawMessage {
	props := jsonschema.NewProperties()
	required := make([]string, 0, len(descriptions))
	for key, desc := range descriptions {
		props.Set(key, &jsonschema.Schema{Type: "string", Description: desc})
		required = append(required, key)
	}
	schema := &jsonschema.Schema{
		Type:       "object",
		Properties: props,
		Required:   required,
	}
	data, _ := json.Marshal(schema)
	return data
}
