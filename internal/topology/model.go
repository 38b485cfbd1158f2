package topology

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Path describes how an element sits relative to the live beam.
type Path string

const (
	PathInUnblocked  Path = "in-unblocked"
	PathInBlocked    Path = "in-blocked"
	PathBlocked      Path = "blocked"
	PathOutUnblocked Path = "out-unblocked"
	PathOutBlocked   Path = "out-blocked"
	PathUndefined    Path = "undefined"
)

// symbol is the compact rendering used in the text table.
func (p Path) symbol() string {
	switch p {
	case PathInUnblocked:
		return "(|)"
	case PathInBlocked:
		return "(-)"
	case PathBlocked:
		return "[X]"
	case PathOutUnblocked:
		return " | "
	case PathOutBlocked:
		return "---"
	default:
		return "?|?"
	}
}

// ElementRow is one line of a report. Optional values are nil when not
// applicable.
type ElementRow struct {
	Name         string       `json:"name"`
	Kind         Kind         `json:"kind"`
	Position     float64      `json:"position"`
	State        ElementState `json:"state"`
	Path         Path         `json:"path"`
	Reading      *float64     `json:"reading,omitempty"`
	Flux         *float64     `json:"flux,omitempty"`
	ExpectedFlux *float64     `json:"expected_flux,omitempty"`
	Err          string       `json:"error,omitempty"`
}

// TopologyReport lists every element in beam order.
type TopologyReport struct {
	Rows        []ElementRow `json:"rows"`
	GeneratedAt time.Time    `json:"generated_at"`
	// BlockedAt names the first blocking element, empty when the beam
	// reaches the end of the line.
	BlockedAt string `json:"blocked_at,omitempty"`
}

// Errors returns the number of rows that recorded a read error.
func (r TopologyReport) Errors() int {
	n := 0
	for _, row := range r.Rows {
		if row.Err != "" {
			n++
		}
	}
	return n
}

// String renders the report as a fixed-width table.
func (r TopologyReport) String() string {
	var b strings.Builder
	line := "+--------+------------------+-----+-------------+-------------+-------------+\n"
	b.WriteString(line)
	b.WriteString("| pos    | name             |path | reading     | flux (ph/s) | expected    |\n")
	b.WriteString(strings.ReplaceAll(line, "+", "|"))
	for _, row := range r.Rows {
		fmt.Fprintf(&b, "|%5.1f m | %-16.16s | %s | %11s | %11s | %11s |\n",
			row.Position, row.Name, row.Path.symbol(),
			formatOptional(row.Reading), formatOptional(row.Flux), formatOptional(row.ExpectedFlux))
	}
	b.WriteString(line)
	return b.String()
}

func formatOptional(v *float64) string {
	if v == nil {
		return ""
	}
	return fmt.Sprintf("%11.3g", *v)
}

// Model is the ordered set of beamline elements.
type Model struct {
	elements []Element
	byName   map[string]Element
	logger   *zap.Logger
}

// NewModel sorts elements by position. Names must be unique.
func NewModel(elements []Element, logger *zap.Logger) (*Model, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	sorted := append([]Element(nil), elements...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Position() < sorted[j].Position()
	})

	byName := make(map[string]Element, len(sorted))
	for _, el := range sorted {
		if el.Name() == "" {
			return nil, fmt.Errorf("element at %.1f m has no name", el.Position())
		}
		if _, dup := byName[el.Name()]; dup {
			return nil, fmt.Errorf("duplicate element name: %s", el.Name())
		}
		byName[el.Name()] = el
	}

	return &Model{elements: sorted, byName: byName, logger: logger}, nil
}

// Elements returns the elements in beam order.
func (m *Model) Elements() []Element {
	return append([]Element(nil), m.elements...)
}

func (m *Model) Element(name string) (Element, bool) {
	el, ok := m.byName[name]
	return el, ok
}

// Report walks the beam from the source. The first blocking element and
// everything after it are marked blocked. The expected flux is carried
// from the last flux monitor and scaled by each live element's
// transmission. Read errors are recorded on their row; the walk always
// completes.
func (m *Model) Report(ctx context.Context) TopologyReport {
	report := TopologyReport{Rows: make([]ElementRow, 0, len(m.elements)), GeneratedAt: time.Now()}

	live := true
	var expected *float64

	for _, el := range m.elements {
		row := ElementRow{Name: el.Name(), Kind: el.Kind(), Position: el.Position()}
		var errs []string

		state, err := el.State(ctx)
		if err != nil {
			errs = append(errs, "state: "+err.Error())
			state = StateUndefined
		}
		row.State = state
		if state == StateBlock && live {
			live = false
			report.BlockedAt = el.Name()
		}
		row.Path = pathFor(state, live)

		if expected != nil && live {
			shown := *expected
			row.ExpectedFlux = &shown
			t, err := el.Transmission(ctx)
			if err != nil {
				errs = append(errs, "transmission: "+err.Error())
			} else {
				next := *expected * t
				expected = &next
			}
		}

		if mon := el.Monitor(); mon != nil {
			if v, err := mon.Reading(ctx); err != nil {
				errs = append(errs, "reading: "+err.Error())
			} else {
				row.Reading = &v
			}
			if el.HasFlux() && (state == StateIn || state == StateBlock) {
				if f, err := mon.Flux(ctx); err != nil {
					errs = append(errs, "flux: "+err.Error())
				} else {
					row.Flux = &f
					expected = &f
				}
			}
		}

		if len(errs) > 0 {
			row.Err = strings.Join(errs, "; ")
			m.logger.Warn("Element read failed",
				zap.String("element", el.Name()),
				zap.String("error", row.Err))
		}
		report.Rows = append(report.Rows, row)
	}

	return report
}

func pathFor(state ElementState, live bool) Path {
	switch state {
	case StateIn:
		if live {
			return PathInUnblocked
		}
		return PathInBlocked
	case StateOut:
		if live {
			return PathOutUnblocked
		}
		return PathOutBlocked
	case StateBlock:
		return PathBlocked
	default:
		return PathUndefined
	}
}
