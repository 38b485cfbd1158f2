package devices

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schema/controlpoint-map-v1.json
var controlPointMapSchemaJSON string

type Validator struct {
	schema *jsonschema.Schema
}

func NewValidator() (*Validator, error) {
	compiler := jsonschema.NewCompiler()

	if err := compiler.AddResource("controlpoint-map-v1.json",
		strings.NewReader(controlPointMapSchemaJSON)); err != nil {
		return nil, fmt.Errorf("failed to add schema resource: %w", err)
	}

	schema, err := compiler.Compile("controlpoint-map-v1.json")
	if err != nil {
		return nil, fmt.Errorf("failed to compile schema: %w", err)
	}

	return &Validator{schema: schema}, nil
}

// ValidateMap checks a raw map document against the schema.
func (v *Validator) ValidateMap(data []byte) error {
	var doc interface{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}

	if err := v.schema.Validate(doc); err != nil {
		return fmt.Errorf("schema validation failed: %w", err)
	}

	return nil
}

// CheckReferences verifies what the schema cannot: unique names and
// point bindings that resolve to a declared register.
func CheckReferences(def *MapDefinition) error {
	registers := make(map[string]map[string]bool, len(def.Devices))
	for _, d := range def.Devices {
		if _, dup := registers[d.Name]; dup {
			return fmt.Errorf("duplicate device %q", d.Name)
		}
		regs := make(map[string]bool, len(d.Registers))
		for _, r := range d.Registers {
			if regs[r.Name] {
				return fmt.Errorf("device %q: duplicate register %q", d.Name, r.Name)
			}
			regs[r.Name] = true
		}
		registers[d.Name] = regs
	}

	seen := make(map[string]bool, len(def.Points))
	for _, p := range def.Points {
		if seen[p.ID] {
			return fmt.Errorf("duplicate control point %q", p.ID)
		}
		seen[p.ID] = true

		regs, ok := registers[p.Device]
		if !ok {
			return fmt.Errorf("control point %q: unknown device %q", p.ID, p.Device)
		}
		if !regs[p.Register] {
			return fmt.Errorf("control point %q: device %q has no register %q", p.ID, p.Device, p.Register)
		}
	}
	return nil
}
