package topology

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/KevinKickass/OpenBeamlineCore/internal/controlpoint"
	"gopkg.in/yaml.v3"
)

// FileYAML is the layout of a topology file.
type FileYAML struct {
	Version     string        `yaml:"version"`
	Description string        `yaml:"description,omitempty"`
	Elements    []ElementYAML `yaml:"elements"`
}

// ElementYAML describes one element. Points maps a role of the element
// variant to a control point id.
type ElementYAML struct {
	Name         string            `yaml:"name"`
	Kind         Kind              `yaml:"kind"`
	Position     float64           `yaml:"position"`
	Description  string            `yaml:"description,omitempty"`
	Transmission *float64          `yaml:"transmission,omitempty"`
	Source       string            `yaml:"source,omitempty"`
	Points       map[string]string `yaml:"points,omitempty"`
}

// Dependencies resolve what a topology file refers to by name.
type Dependencies struct {
	Points controlpoint.Binder
	Energy EnergySource
	// Attenuators maps the source name of an attenuator element to the
	// device reporting its transmission.
	Attenuators map[string]TransmissionSource
}

// pointRoles lists the required and optional point roles per kind.
var pointRoles = map[Kind]struct{ required, optional []string }{
	KindPassive:      {},
	KindShutter:      {required: []string{"status"}, optional: []string{"open", "close"}},
	KindGateValve:    {required: []string{"status"}, optional: []string{"open", "close"}},
	KindSource:       {required: []string{"position", "ring_current"}},
	KindScreen:       {required: []string{"status"}, optional: []string{"insert", "retract", "signal"}},
	KindIonChamber:   {required: []string{"v1", "v2", "h1", "h2"}},
	KindScintillator: {required: []string{"period", "counts"}},
	KindDiamondDiode: {required: []string{"i0", "i1", "i2", "i3"}},
	KindAttenuator:   {},
}

// LoadYAML reads a topology file.
func LoadYAML(path string, deps Dependencies) ([]Element, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	return ParseYAML(data, deps)
}

// ParseYAML decodes a topology document into elements.
func ParseYAML(data []byte, deps Dependencies) ([]Element, error) {
	var file FileYAML
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if len(file.Elements) == 0 {
		return nil, fmt.Errorf("topology has no elements")
	}

	elements := make([]Element, 0, len(file.Elements))
	for i, e := range file.Elements {
		el, err := convertElement(e, deps)
		if err != nil {
			return nil, fmt.Errorf("element %d (%s): %w", i, e.Name, err)
		}
		elements = append(elements, el)
	}
	return elements, nil
}

func convertElement(e ElementYAML, deps Dependencies) (Element, error) {
	if e.Name == "" {
		return nil, fmt.Errorf("name is required")
	}
	roles, ok := pointRoles[e.Kind]
	if !ok {
		return nil, fmt.Errorf("unknown kind %q", e.Kind)
	}
	if err := checkRoles(e.Points, roles.required, roles.optional); err != nil {
		return nil, err
	}

	p := func(role string) controlpoint.ControlPoint {
		return deps.Points.Point(e.Points[role])
	}

	switch e.Kind {
	case KindPassive:
		t := 1.0
		if e.Transmission != nil {
			t = *e.Transmission
		}
		if t < 0 || t > 1 {
			return nil, fmt.Errorf("transmission %g outside [0,1]", t)
		}
		return NewPassive(e.Name, e.Position, t), nil
	case KindShutter:
		return NewShutter(e.Name, e.Position, p("status"), p("open"), p("close")), nil
	case KindGateValve:
		return NewGateValve(e.Name, e.Position, p("status"), p("open"), p("close")), nil
	case KindSource:
		return NewSource(e.Name, e.Position, p("position"), p("ring_current")), nil
	case KindScreen:
		return NewScreen(e.Name, e.Position, p("status"), p("insert"), p("retract"), p("signal")), nil
	case KindIonChamber:
		if deps.Energy == nil {
			return nil, fmt.Errorf("ion chamber needs an energy source")
		}
		return NewIonChamber(e.Name, e.Position, p("v1"), p("v2"), p("h1"), p("h2"), deps.Energy), nil
	case KindScintillator:
		return NewScintillator(e.Name, e.Position, p("period"), p("counts")), nil
	case KindDiamondDiode:
		return NewDiamondDiode(e.Name, e.Position, [4]controlpoint.ControlPoint{p("i0"), p("i1"), p("i2"), p("i3")}), nil
	case KindAttenuator:
		src, ok := deps.Attenuators[e.Source]
		if !ok || src == nil {
			return nil, fmt.Errorf("unknown attenuator source %q", e.Source)
		}
		return NewAttenuator(e.Name, e.Position, src), nil
	}
	return nil, fmt.Errorf("unknown kind %q", e.Kind)
}

func checkRoles(points map[string]string, required, optional []string) error {
	var missing []string
	for _, role := range required {
		if points[role] == "" {
			missing = append(missing, role)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing points: %s", strings.Join(missing, ", "))
	}

	allowed := make(map[string]bool, len(required)+len(optional))
	for _, role := range append(append([]string(nil), required...), optional...) {
		allowed[role] = true
	}
	var unknown []string
	for role := range points {
		if !allowed[role] {
			unknown = append(unknown, role)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return fmt.Errorf("unknown points: %s", strings.Join(unknown, ", "))
	}
	return nil
}

// PointIDs returns every control point id a topology document refers to.
func PointIDs(data []byte) ([]string, error) {
	var file FileYAML
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	seen := make(map[string]bool)
	var ids []string
	for _, e := range file.Elements {
		for _, id := range e.Points {
			if id != "" && !seen[id] {
				seen[id] = true
				ids = append(ids, id)
			}
		}
	}
	sort.Strings(ids)
	return ids, nil
}
