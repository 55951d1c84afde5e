package transform

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/ehr/ehrsync/internal/engine/fieldpath"
)

func compileSchema(rs *RuleSet) (*jsonschema.Schema, error) {
	doc, err := toSchemaValue(rs.Schema)
	if err != nil {
		return nil, err
	}
	url := fmt.Sprintf("mem://rulesets/%s/%s.json",
		strings.ToLower(rs.Provider), strings.ToLower(rs.EntityType))

	c := jsonschema.NewCompiler()
	if err := c.AddResource(url, doc); err != nil {
		return nil, err
	}
	return c.Compile(url)
}

func validateSchema(sch *jsonschema.Schema, rec fieldpath.Record) error {
	inst, err := toSchemaValue(rec)
	if err != nil {
		return err
	}
	return sch.Validate(inst)
}

// toSchemaValue re-decodes v with the validator's JSON decoder so numbers
// reach it as json.Number.
func toSchemaValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(bytes.NewReader(b))
}
