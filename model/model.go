// Package model provides the schema-aware layer FHIRPath navigation needs
// to walk a raw FHIR document: which fields are choice types, what a path's
// declared type is, and which type extends which.
package model

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Model is a released FHIR schema flattened into path-indexed lookup
// tables. It is produced once per FHIR release and shared across every
// evaluation running against documents of that release.
type Model struct {
	// FHIRVersion is the release this schema was built from, e.g. "4.0.1".
	FHIRVersion string `json:"fhirVersion"`

	// ChoiceTypePaths maps a choice element's base path (e.g.
	// "Observation.value") to the ordered list of type suffixes it may be
	// resolved to ("Quantity", "String", "CodeableConcept", ...).
	ChoiceTypePaths map[string][]string `json:"choiceTypePaths"`

	// Path2Type maps a fully-qualified element path to its declared FHIR
	// type name, e.g. "Patient.birthDate" -> "date".
	Path2Type map[string]string `json:"path2Type"`

	// Path2TypeWithoutElements is Path2Type restricted to paths whose type
	// has no further navigable elements (i.e. primitives and open types).
	Path2TypeWithoutElements map[string]string `json:"path2TypeWithoutElements"`

	// PathsDefinedElsewhere canonicalizes a recursive path to the path
	// where its element definitions actually live, e.g.
	// "Questionnaire.item.item" -> "Questionnaire.item".
	PathsDefinedElsewhere map[string]string `json:"pathsDefinedElsewhere"`

	// Type2Parent maps a type name to its base type, e.g.
	// "CodeableConcept" -> "Element", terminating at "Base".
	Type2Parent map[string]string `json:"type2Parent"`
}

// Empty returns a nil-safe Model with no schema information. Navigation
// still works - it just never resolves choice types and every path's type
// is unknown - which is enough to evaluate FHIRPath expressions against
// arbitrary JSON that isn't a FHIR resource.
func Empty() *Model {
	return &Model{}
}

// Load parses a model manifest (as produced by extracting a FHIR release's
// StructureDefinitions into the path tables above) for the given release.
func Load(fhirVersion string, data []byte) (*Model, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var m Model
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("model: parse manifest for %s: %w", fhirVersion, err)
	}
	if m.FHIRVersion == "" {
		m.FHIRVersion = fhirVersion
	}
	return &m, nil
}

func (m *Model) choicesFor(path string) ([]string, bool) {
	if m == nil || m.ChoiceTypePaths == nil {
		return nil, false
	}
	c, ok := m.ChoiceTypePaths[path]
	return c, ok
}

func (m *Model) typeOf(path string) (string, bool) {
	if m == nil || m.Path2Type == nil {
		return "", false
	}
	t, ok := m.Path2Type[path]
	return t, ok
}

func (m *Model) canonicalPath(path string) string {
	if m == nil || m.PathsDefinedElsewhere == nil {
		return path
	}
	if canon, ok := m.PathsDefinedElsewhere[path]; ok {
		return canon
	}
	return path
}

func (m *Model) parentOf(typ string) (string, bool) {
	if m == nil || m.Type2Parent == nil {
		return "", false
	}
	p, ok := m.Type2Parent[typ]
	return p, ok
}

// TypeChain walks Type2Parent from typ up to (and including) the root,
// stopping the first time a type has no recorded parent.
func (m *Model) TypeChain(typ string) []string {
	chain := []string{typ}
	seen := map[string]bool{typ: true}
	cur := typ
	for {
		parent, ok := m.parentOf(cur)
		if !ok || parent == "" || seen[parent] {
			return chain
		}
		chain = append(chain, parent)
		seen[parent] = true
		cur = parent
	}
}
