// Package faultcat provides the static fault catalog: the mapping from PLC
// fault-bit indexes to named fault conditions. The catalog is loaded once at
// startup and is immutable afterwards; every component that needs to interpret
// a fault bit-vector (downtime reason classification, andon auto-creation)
// consults the same catalog instance.
package faultcat

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// BitCount is the fixed width of the fault bit-vector read from the PLC.
const BitCount = 64

// Origin locates a fault relative to the equipment that reported it.
type Origin string

const (
	// OriginInternal marks faults raised by the equipment itself.
	OriginInternal Origin = "internal"
	// OriginUpstream marks faults propagated from upstream equipment.
	OriginUpstream Origin = "upstream"
	// OriginDownstream marks faults propagated from downstream equipment.
	OriginDownstream Origin = "downstream"
)

// Severity ranks how urgently a fault needs attention.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
)

// Category buckets faults for andon threshold evaluation. Internal faults map
// to their severity; upstream/downstream/material/quality faults form their
// own buckets regardless of severity.
type Category string

const (
	CategoryCritical   Category = "critical"
	CategoryHigh       Category = "high"
	CategoryMedium     Category = "medium"
	CategoryLow        Category = "low"
	CategoryUpstream   Category = "upstream"
	CategoryDownstream Category = "downstream"
	CategoryMaterial   Category = "material"
	CategoryQuality    Category = "quality"
)

type (
	// Fault describes one bit in the fault vector.
	Fault struct {
		Bit         int      `yaml:"bit"`
		Name        string   `yaml:"name"`
		Description string   `yaml:"description"`
		Origin      Origin   `yaml:"origin"`
		Severity    Severity `yaml:"severity"`
	}

	// Catalog is the immutable bit → fault mapping. The zero value is not
	// usable; construct with Load, Parse, or Default.
	Catalog struct {
		byBit map[int]Fault
	}

	// Analysis is the result of interpreting one fault bit-vector against the
	// catalog. Faults are grouped into the buckets the andon engine consumes;
	// each bucket preserves ascending bit order.
	Analysis struct {
		Active     []Fault
		ByCategory map[Category][]Fault
	}

	catalogFile struct {
		Faults []Fault `yaml:"faults"`
	}
)

// ErrEmptyCatalog is returned when a catalog source contains no faults.
var ErrEmptyCatalog = errors.New("fault catalog is empty")

// Load reads and parses a YAML fault catalog from path.
func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read fault catalog %s: %w", path, err)
	}
	return Parse(data)
}

// Parse builds a catalog from YAML bytes. Bit indexes must be unique and in
// [0, BitCount).
func Parse(data []byte) (*Catalog, error) {
	var f catalogFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse fault catalog: %w", err)
	}
	if len(f.Faults) == 0 {
		return nil, ErrEmptyCatalog
	}
	byBit := make(map[int]Fault, len(f.Faults))
	for _, ft := range f.Faults {
		if ft.Bit < 0 || ft.Bit >= BitCount {
			return nil, fmt.Errorf("fault %q: bit %d out of range [0,%d)", ft.Name, ft.Bit, BitCount)
		}
		if _, dup := byBit[ft.Bit]; dup {
			return nil, fmt.Errorf("duplicate fault bit %d", ft.Bit)
		}
		if ft.Name == "" {
			return nil, fmt.Errorf("fault bit %d: name is required", ft.Bit)
		}
		if ft.Origin == "" {
			ft.Origin = OriginInternal
		}
		if ft.Severity == "" {
			ft.Severity = SeverityMedium
		}
		byBit[ft.Bit] = ft
	}
	return &Catalog{byBit: byBit}, nil
}

// Lookup returns the fault registered at bit, if any.
func (c *Catalog) Lookup(bit int) (Fault, bool) {
	f, ok := c.byBit[bit]
	return f, ok
}

// Len returns the number of registered faults.
func (c *Catalog) Len() int { return len(c.byBit) }

// Analyze interprets the given bit-vector. Bits without a catalog entry are
// reported as anonymous medium-severity internal faults so unknown conditions
// still surface.
func (c *Catalog) Analyze(bits uint64) Analysis {
	a := Analysis{ByCategory: make(map[Category][]Fault)}
	for bit := 0; bit < BitCount; bit++ {
		if bits&(1<<uint(bit)) == 0 {
			continue
		}
		f, ok := c.byBit[bit]
		if !ok {
			f = Fault{
				Bit:      bit,
				Name:     fmt.Sprintf("Unknown Fault %d", bit),
				Origin:   OriginInternal,
				Severity: SeverityMedium,
			}
		}
		a.Active = append(a.Active, f)
		cat := f.category()
		a.ByCategory[cat] = append(a.ByCategory[cat], f)
	}
	return a
}

// HasAny reports whether at least one active fault falls into cat.
func (a Analysis) HasAny(cat Category) bool { return len(a.ByCategory[cat]) > 0 }

// Names returns the names of up to max faults in cat, in bit order.
func (a Analysis) Names(cat Category, max int) []string {
	faults := a.ByCategory[cat]
	if max > 0 && len(faults) > max {
		faults = faults[:max]
	}
	names := make([]string, len(faults))
	for i, f := range faults {
		names[i] = f.Name
	}
	return names
}

// Categories returns the categories with at least one active fault, sorted
// for deterministic iteration.
func (a Analysis) Categories() []Category {
	cats := make([]Category, 0, len(a.ByCategory))
	for c := range a.ByCategory {
		cats = append(cats, c)
	}
	sort.Slice(cats, func(i, j int) bool { return cats[i] < cats[j] })
	return cats
}

func (f Fault) category() Category {
	switch f.Origin {
	case OriginUpstream:
		return CategoryUpstream
	case OriginDownstream:
		return CategoryDownstream
	}
	lower := strings.ToLower(f.Name)
	switch {
	case strings.Contains(lower, "material"), strings.Contains(lower, "jam"), strings.Contains(lower, "feed"):
		return CategoryMaterial
	case strings.Contains(lower, "quality"), strings.Contains(lower, "reject"), strings.Contains(lower, "vision"):
		return CategoryQuality
	}
	switch f.Severity {
	case SeverityCritical:
		return CategoryCritical
	case SeverityHigh:
		return CategoryHigh
	case SeverityLow:
		return CategoryLow
	default:
		return CategoryMedium
	}
}

// ReasonCode derives the downtime reason code for a fault from keywords in
// its name. Faults whose name matches no keyword fall back to EQUIPMENT_FAULT.
func (f Fault) ReasonCode() string {
	lower := strings.ToLower(f.Name)
	switch {
	case strings.Contains(lower, "bearing"):
		return "BEARING_FAILURE"
	case strings.Contains(lower, "belt"):
		return "BELT_FAILURE"
	case strings.Contains(lower, "gear"):
		return "GEAR_FAILURE"
	case strings.Contains(lower, "motor"):
		return "MOTOR_FAILURE"
	case strings.Contains(lower, "sensor"):
		return "SENSOR_FAULT"
	case strings.Contains(lower, "plc"), strings.Contains(lower, "communication"):
		return "PLC_FAULT"
	case strings.Contains(lower, "power"):
		return "POWER_FAILURE"
	case strings.Contains(lower, "wiring"), strings.Contains(lower, "electrical"):
		return "WIRING_FAULT"
	default:
		return "EQUIPMENT_FAULT"
	}
}
