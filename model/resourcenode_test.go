package model

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/clinicalpath/fhirpath"
)

func decode(t *testing.T, raw string) map[string]any {
	t.Helper()
	dec := json.NewDecoder(strings.NewReader(raw))
	dec.UseNumber()
	var v map[string]any
	if err := dec.Decode(&v); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return v
}

func TestResourceNodeChildrenSimpleField(t *testing.T) {
	data := decode(t, `{"resourceType": "Patient", "active": true, "birthDate": "1990-01-02"}`)
	n := New(data, "", Empty())

	if got := n.Children("active"); len(got) != 1 {
		t.Fatalf("Children(active) = %v, want 1 item", got)
	} else if b, ok, _ := got[0].ToBoolean(false); !ok || !bool(b) {
		t.Errorf("active = %v, %v, want true", b, ok)
	}

	if got := n.Children("resourceType"); len(got) != 0 {
		t.Errorf("Children(resourceType) should never surface resourceType itself, got %v", got)
	}
}

func TestResourceNodeChildrenRepeatingField(t *testing.T) {
	data := decode(t, `{"resourceType": "Patient", "name": [{"family": "Smith"}, {"family": "Jones"}]}`)
	n := New(data, "", Empty())

	names := n.Children("name")
	if len(names) != 2 {
		t.Fatalf("Children(name) = %d items, want 2", len(names))
	}
	rn0 := names[0].(ResourceNode)
	if rn0.Index == nil || *rn0.Index != 0 {
		t.Errorf("first name element should carry Index 0")
	}

	var got []string
	for _, item := range names {
		family := item.Children("family")
		if len(family) != 1 {
			t.Fatalf("family = %v, want 1 item", family)
		}
		s, _, _ := family[0].ToString(false)
		got = append(got, string(s))
	}
	if got[0] != "Smith" || got[1] != "Jones" {
		t.Errorf("family names = %v, want [Smith Jones]", got)
	}
}

func TestResourceNodeChoiceType(t *testing.T) {
	m := &Model{
		ChoiceTypePaths: map[string][]string{
			"Observation.value": {"Quantity", "String", "Boolean"},
		},
	}
	data := decode(t, `{"resourceType": "Observation", "valueQuantity": {"value": 98.6, "unit": "F"}}`)
	n := New(data, "", m)

	got := n.Children("value")
	if len(got) != 1 {
		t.Fatalf("Children(value) via choice type = %v, want 1 item", got)
	}
	q, ok, err := got[0].ToQuantity(false)
	if err != nil || !ok {
		t.Fatalf("ToQuantity: %v, %v, %v", q, ok, err)
	}
	if string(q.Unit) != "F" {
		t.Errorf("quantity unit = %q, want F", q.Unit)
	}
}

func TestResourceNodeExtensionOnlyPrimitive(t *testing.T) {
	// birthDate is a null primitive carrying only an extension, the
	// classic FHIR "_birthDate" idiom.
	data := decode(t, `{
		"resourceType": "Patient",
		"_birthDate": {"extension": [{"url": "http://example.org/data-absent-reason", "valueCode": "unknown"}]}
	}`)
	n := New(data, "", Empty())

	got := n.Children("birthDate")
	if len(got) != 1 {
		t.Fatalf("Children(birthDate) = %v, want 1 item from sibling data alone", got)
	}
	ext := got[0].Children("extension")
	if len(ext) != 1 {
		t.Fatalf("extension = %v, want 1 item", ext)
	}
}

func TestResourceNodeAllChildNames(t *testing.T) {
	data := decode(t, `{"resourceType": "Patient", "active": true, "gender": "male"}`)
	n := New(data, "", Empty())

	got := n.Children()
	names := map[string]bool{}
	if len(got) != 2 {
		t.Fatalf("Children() = %d items, want 2 (active, gender)", len(got))
	}
	for _, item := range got {
		rn := item.(ResourceNode)
		names[rn.Path[strings.LastIndex(rn.Path, ".")+1:]] = true
	}
	if !names["active"] || !names["gender"] {
		t.Errorf("Children() names = %v, want active and gender", names)
	}
}

func TestResourceNodeToIntegerRejectsOutOfRange(t *testing.T) {
	data := decode(t, `{"resourceType": "Patient", "n": 9999999999}`)
	n := New(data, "", Empty())
	nNode := n.Children("n")[0]
	if _, ok, err := nNode.ToInteger(false); ok || err != nil {
		t.Errorf("ToInteger on an out-of-32-bit-range value should just report not-ok, got ok=%v err=%v", ok, err)
	}
	if l, ok, err := nNode.ToLong(false); err != nil || !ok || int64(l) != 9999999999 {
		t.Errorf("ToLong = %v, %v, %v, want 9999999999, true, nil", l, ok, err)
	}
}

func TestResourceNodeEqualDeep(t *testing.T) {
	a := New(decode(t, `{"resourceType": "Patient", "name": [{"family": "Smith"}]}`), "", Empty())
	b := New(decode(t, `{"resourceType": "Patient", "name": [{"family": "Smith"}]}`), "", Empty())
	c := New(decode(t, `{"resourceType": "Patient", "name": [{"family": "Jones"}]}`), "", Empty())

	if eq, ok := a.Equal(b); !ok || !eq {
		t.Errorf("a.Equal(b) = %v, %v, want true, true", eq, ok)
	}
	if eq, ok := a.Equal(c); !ok || eq {
		t.Errorf("a.Equal(c) = %v, %v, want false, true", eq, ok)
	}
}

func TestResourceNodeTypeInfoWalksModelChain(t *testing.T) {
	m := &Model{
		Type2Parent: map[string]string{
			"Patient":        "DomainResource",
			"DomainResource": "Resource",
		},
	}
	n := New(decode(t, `{"resourceType": "Patient"}`), "", m)
	info := n.TypeInfo()
	simple, ok := info.(fhirpath.SimpleTypeInfo)
	if !ok {
		t.Fatalf("TypeInfo() = %T, want fhirpath.SimpleTypeInfo", info)
	}
	if simple.Name != "Patient" {
		t.Errorf("TypeInfo().Name = %q, want Patient", simple.Name)
	}
	base := simple.BaseType
	if base.Name != "DomainResource" {
		t.Errorf("TypeInfo().BaseType = %v, want DomainResource", simple.BaseType)
	}
}

func TestResourceNodeResourceTypeAndId(t *testing.T) {
	n := New(decode(t, `{"resourceType": "Patient", "id": "abc123", "name": [{"family": "Smith"}]}`), "", Empty())
	nameNode := n.Children("name")[0]

	if got := nameNode.(ResourceNode).ResourceType(); got != "Patient" {
		t.Errorf("ResourceType() from a nested node = %q, want Patient", got)
	}
	if id, ok := nameNode.(ResourceNode).ResourceId(); !ok || id != "abc123" {
		t.Errorf("ResourceId() from a nested node = %q, %v, want abc123, true", id, ok)
	}
}
