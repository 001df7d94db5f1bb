package httpapi

import (
	"bytes"
	_ "embed"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

//go:embed schemas/action_request.json
var actionRequestSchemaJSON []byte

const actionRequestSchemaURL = "action_request.json"

func compileActionRequestSchema() (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(actionRequestSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("decode action request schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(actionRequestSchemaURL, doc); err != nil {
		return nil, fmt.Errorf("add action request schema: %w", err)
	}
	return compiler.Compile(actionRequestSchemaURL)
}

// validateJSON reports whether body is well-formed JSON and, if so, whether it
// satisfies schema. The second error carries the schema violation.
func validateJSON(schema *jsonschema.Schema, body []byte) (decodeErr, validationErr error) {
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		return err, nil
	}
	if err := schema.Validate(inst); err != nil {
		return nil, err
	}
	return nil, nil
}
