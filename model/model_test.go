package model

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestLoad(t *testing.T) {
	data := []byte(`{
		"choiceTypePaths": {"Observation.value": ["Quantity", "String"]},
		"path2Type": {"Patient.birthDate": "date"},
		"type2Parent": {"Patient": "DomainResource", "DomainResource": "Resource", "Resource": "Base"}
	}`)
	m, err := Load("4.0.1", data)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if m.FHIRVersion != "4.0.1" {
		t.Errorf("FHIRVersion = %q, want 4.0.1", m.FHIRVersion)
	}
	if typ, ok := m.typeOf("Patient.birthDate"); !ok || typ != "date" {
		t.Errorf("typeOf(Patient.birthDate) = %q, %v", typ, ok)
	}
}

func TestLoadKeepsExplicitVersion(t *testing.T) {
	data := []byte(`{"fhirVersion": "5.0.0"}`)
	m, err := Load("4.0.1", data)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if m.FHIRVersion != "5.0.0" {
		t.Errorf("FHIRVersion = %q, want 5.0.0 (manifest's own value should win)", m.FHIRVersion)
	}
}

func TestLoadRejectsMalformedManifest(t *testing.T) {
	if _, err := Load("4.0.1", []byte(`not json`)); err == nil {
		t.Fatal("expected an error for malformed manifest")
	}
}

func TestEmptyModelIsNilSafe(t *testing.T) {
	var m *Model
	if _, ok := m.choicesFor("Observation.value"); ok {
		t.Error("choicesFor on nil Model should report not-found")
	}
	if _, ok := m.typeOf("Patient.birthDate"); ok {
		t.Error("typeOf on nil Model should report not-found")
	}
	if got := m.canonicalPath("Questionnaire.item.item"); got != "Questionnaire.item.item" {
		t.Errorf("canonicalPath on nil Model should be identity, got %q", got)
	}
	if _, ok := m.parentOf("Patient"); ok {
		t.Error("parentOf on nil Model should report not-found")
	}

	e := Empty()
	if e.ChoiceTypePaths != nil || e.Path2Type != nil {
		t.Error("Empty() should carry no schema information")
	}
}

func TestTypeChainWalksToRoot(t *testing.T) {
	m := &Model{
		Type2Parent: map[string]string{
			"Patient":        "DomainResource",
			"DomainResource": "Resource",
			"Resource":       "Base",
		},
	}
	got := m.TypeChain("Patient")
	want := []string{"Patient", "DomainResource", "Resource", "Base"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("TypeChain mismatch (-want +got):\n%s", diff)
	}
}

func TestTypeChainStopsAtUnknownParent(t *testing.T) {
	m := &Model{Type2Parent: map[string]string{}}
	got := m.TypeChain("string")
	want := []string{"string"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("TypeChain mismatch (-want +got):\n%s", diff)
	}
}

func TestTypeChainBreaksCycles(t *testing.T) {
	m := &Model{
		Type2Parent: map[string]string{
			"A": "B",
			"B": "A",
		},
	}
	got := m.TypeChain("A")
	want := []string{"A", "B"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("TypeChain did not break the cycle (-want +got):\n%s", diff)
	}
}

func TestCanonicalPathRedirectsRecursivePaths(t *testing.T) {
	m := &Model{
		PathsDefinedElsewhere: map[string]string{
			"Questionnaire.item.item": "Questionnaire.item",
		},
	}
	if got := m.canonicalPath("Questionnaire.item.item"); got != "Questionnaire.item" {
		t.Errorf("canonicalPath = %q, want Questionnaire.item", got)
	}
	if got := m.canonicalPath("Questionnaire.item"); got != "Questionnaire.item" {
		t.Errorf("canonicalPath of an already-canonical path should be identity, got %q", got)
	}
}
