package model

import (
	"encoding/json"
	"sort"
	"strings"

	"github.com/cockroachdb/apd/v3"

	"github.com/clinicalpath/fhirpath"
)

// ResourceNode wraps a fragment of a decoded FHIR JSON document, lazily
// projecting it into fhirpath.Element as navigation walks deeper. It
// borrows from the caller's document rather than copying it - evaluations
// that must not observe cross-call mutation should decode a fresh copy.
type ResourceNode struct {
	// Data is the primary value at this path: a map[string]any for an
	// object, a scalar (string, bool, json.Number) for a primitive leaf,
	// or nil when only SiblingData carries information (a null primitive
	// with extensions).
	Data any
	// SiblingData is the "_"-prefixed FHIR extension companion of a
	// primitive value (e.g. Patient._birthDate holding an `extension`
	// array alongside Patient.birthDate's bare string).
	SiblingData any
	// Path is the dotted FHIR type path of this node, e.g.
	// "Patient.name.given" or the concrete choice suffix
	// "Observation.valueQuantity".
	Path string
	// Parent is a back-reference to the enclosing node, nil at the root.
	Parent *ResourceNode
	// FHIRType is the model-resolved type name for Path, when known.
	FHIRType string
	// Index is non-nil when this node is one element of a repeating
	// (array) field, giving its zero-based position among its siblings.
	Index *int

	model *Model
}

// New wraps a decoded resource document (a map[string]any, typically
// produced with a json.Decoder in UseNumber mode so numeric literals are
// not rounded through float64) as the root of a navigable ResourceNode
// tree.
func New(data any, resourceType string, m *Model) ResourceNode {
	if m == nil {
		m = Empty()
	}
	typ := resourceType
	if typ == "" {
		if obj, ok := data.(map[string]any); ok {
			if rt, ok := obj["resourceType"].(string); ok {
				typ = rt
			}
		}
	}
	return ResourceNode{Data: data, Path: typ, FHIRType: typ, model: m}
}

func (n ResourceNode) object() (map[string]any, bool) {
	obj, ok := n.Data.(map[string]any)
	return obj, ok
}

func (n ResourceNode) siblingObject() (map[string]any, bool) {
	obj, ok := n.SiblingData.(map[string]any)
	return obj, ok
}

// ResourceType reports the resourceType of the resource this node belongs
// to, walking up to the root when called on a nested element.
func (n ResourceNode) ResourceType() string {
	cur := n
	for cur.Parent != nil {
		cur = *cur.Parent
	}
	if obj, ok := cur.object(); ok {
		if rt, ok := obj["resourceType"].(string); ok {
			return rt
		}
	}
	return cur.FHIRType
}

// ResourceId returns the resource's `id` element, if present.
func (n ResourceNode) ResourceId() (string, bool) {
	cur := n
	for cur.Parent != nil {
		cur = *cur.Parent
	}
	obj, ok := cur.object()
	if !ok {
		return "", false
	}
	id, ok := obj["id"].(string)
	return id, ok
}

// Children implements the navigation algorithm of the `.` operator:
// enumerate named properties of the node's data (and sibling data, for
// extension-only fields), skipping resourceType and unmatched underscore
// keys, resolving choice types and recursive-path aliases through the
// model.
func (n ResourceNode) Children(names ...string) fhirpath.Collection {
	obj, isObj := n.object()
	sib, _ := n.siblingObject()
	if !isObj {
		if sib == nil {
			return nil
		}
		obj, sib = sib, nil
	}

	var requested []string
	if len(names) > 0 {
		requested = names
	} else {
		requested = n.allChildNames(obj, sib)
	}

	var out fhirpath.Collection
	for _, name := range requested {
		out = append(out, n.namedChildren(obj, sib, name)...)
	}
	return out
}

// allChildNames lists every navigable field name at this node: plain keys
// (minus resourceType), plus underscore-prefixed keys that have no plain
// counterpart (a null primitive carrying only extensions), plus the base
// name of any choice element whose concrete key is present.
func (n ResourceNode) allChildNames(obj, sib map[string]any) []string {
	seen := map[string]bool{}
	var names []string
	add := func(name string) {
		if !seen[name] {
			seen[name] = true
			names = append(names, name)
		}
	}
	for key := range obj {
		if key == "resourceType" {
			continue
		}
		if strings.HasPrefix(key, "_") {
			continue
		}
		add(n.baseNameFor(key))
	}
	for key := range sib {
		if strings.HasPrefix(key, "_") {
			key = strings.TrimPrefix(key, "_")
		}
		if _, hasPlain := obj[key]; hasPlain {
			continue
		}
		add(key)
	}
	for key := range obj {
		if !strings.HasPrefix(key, "_") {
			continue
		}
		stripped := strings.TrimPrefix(key, "_")
		if _, hasPlain := obj[stripped]; hasPlain {
			continue
		}
		add(stripped)
	}
	sort.Strings(names)
	return names
}

// baseNameFor maps a concrete choice-type JSON key ("valueQuantity") back
// to its declared base name ("value") when the model says the field at
// this node's path is a choice type; otherwise it is returned unchanged.
func (n ResourceNode) baseNameFor(key string) string {
	for base, suffixes := range n.model.choicesFromDataKeys(n.Path) {
		for _, suffix := range suffixes {
			if base+suffix == key {
				return base
			}
		}
	}
	return key
}

// choicesFromDataKeys indexes ChoiceTypePaths by the element's own path
// segment (its last dotted component) rather than the fully-qualified
// path, since navigation only ever has the local base name to test.
func (m *Model) choicesFromDataKeys(parentPath string) map[string][]string {
	result := map[string][]string{}
	if m == nil || m.ChoiceTypePaths == nil {
		return result
	}
	prefix := parentPath + "."
	for path, suffixes := range m.ChoiceTypePaths {
		if !strings.HasPrefix(path, prefix) {
			continue
		}
		base := strings.TrimPrefix(path, prefix)
		if strings.Contains(base, ".") {
			continue
		}
		result[base] = suffixes
	}
	return result
}

// namedChildren resolves one requested name (which may be a plain field, a
// choice base name, or an extension-only field) into zero or more
// ResourceNodes.
func (n ResourceNode) namedChildren(obj, sib map[string]any, name string) fhirpath.Collection {
	if name == "resourceType" {
		return nil
	}
	if value, ok := obj[name]; ok {
		return n.expand(name, value, sib[name], n.childPath(name, name))
	}
	if choices, ok := n.model.choicesFromDataKeys(n.Path)[name]; ok {
		for _, suffix := range choices {
			key := name + suffix
			if value, ok := obj[key]; ok {
				return n.expand(name, value, sib[key], n.childPath(name, key))
			}
		}
	}
	underscoreKey := "_" + name
	if value, ok := sib[underscoreKey]; ok {
		return n.expand(name, nil, value, n.childPath(name, name))
	}
	if value, ok := obj[underscoreKey]; ok {
		return n.expand(name, nil, value, n.childPath(name, name))
	}
	return nil
}

func (n ResourceNode) childPath(baseName, concreteKey string) string {
	path := n.Path + "." + concreteKey
	return n.model.canonicalPath(path)
}

func (n ResourceNode) expand(baseName string, value, sibling any, path string) fhirpath.Collection {
	typ, _ := n.model.typeOf(path)
	if typ == "" {
		typ, _ = n.model.typeOf(n.Path + "." + baseName)
	}

	arr, isArray := value.([]any)
	sibArr, sibIsArray := sibling.([]any)
	if !isArray && sibIsArray {
		arr = make([]any, len(sibArr))
		isArray = true
	}
	if isArray {
		var out fhirpath.Collection
		for i := range arr {
			var elemSib any
			if i < len(sibArr) {
				elemSib = sibArr[i]
			}
			idx := i
			out = append(out, ResourceNode{
				Data: arr[i], SiblingData: elemSib, Path: path,
				Parent: n.selfRef(), FHIRType: typ, Index: &idx, model: n.model,
			})
		}
		return out
	}

	var sibVal any
	if !sibIsArray {
		sibVal = sibling
	}
	return fhirpath.Collection{ResourceNode{
		Data: value, SiblingData: sibVal, Path: path,
		Parent: n.selfRef(), FHIRType: typ, model: n.model,
	}}
}

func (n ResourceNode) selfRef() *ResourceNode {
	self := n
	return &self
}

// -- fhirpath.Element --

func (n ResourceNode) primitiveValue() any {
	if n.Data != nil {
		return n.Data
	}
	return nil
}

func (n ResourceNode) ToBoolean(explicit bool) (fhirpath.Boolean, bool, error) {
	if b, ok := n.primitiveValue().(bool); ok {
		return fhirpath.Boolean(b), true, nil
	}
	return false, false, nil
}
func (n ResourceNode) ToString(explicit bool) (fhirpath.String, bool, error) {
	if s, ok := n.primitiveValue().(string); ok {
		return fhirpath.String(s), true, nil
	}
	if num, ok := n.primitiveValue().(json.Number); ok {
		return fhirpath.String(num.String()), true, nil
	}
	return "", false, nil
}
func (n ResourceNode) ToInteger(explicit bool) (fhirpath.Integer, bool, error) {
	num, ok := n.primitiveValue().(json.Number)
	if !ok {
		return 0, false, nil
	}
	i, err := num.Int64()
	if err != nil || i < -(1<<31) || i > (1<<31-1) {
		return 0, false, nil
	}
	return fhirpath.Integer(i), true, nil
}
func (n ResourceNode) ToLong(explicit bool) (fhirpath.Long, bool, error) {
	num, ok := n.primitiveValue().(json.Number)
	if !ok {
		return 0, false, nil
	}
	i, err := num.Int64()
	if err != nil {
		return 0, false, nil
	}
	return fhirpath.Long(i), true, nil
}
func (n ResourceNode) ToDecimal(explicit bool) (fhirpath.Decimal, bool, error) {
	num, ok := n.primitiveValue().(json.Number)
	if !ok {
		return fhirpath.Decimal{}, false, nil
	}
	d, _, err := apd.NewFromString(num.String())
	if err != nil {
		return fhirpath.Decimal{}, false, nil
	}
	return fhirpath.Decimal{Value: d}, true, nil
}
func (n ResourceNode) ToDate(explicit bool) (fhirpath.Date, bool, error) {
	s, ok := n.primitiveValue().(string)
	if !ok {
		return fhirpath.Date{}, false, nil
	}
	d, err := fhirpath.ParseDate(s)
	if err != nil {
		return fhirpath.Date{}, false, nil
	}
	return d, true, nil
}
func (n ResourceNode) ToTime(explicit bool) (fhirpath.Time, bool, error) {
	s, ok := n.primitiveValue().(string)
	if !ok {
		return fhirpath.Time{}, false, nil
	}
	t, err := fhirpath.ParseTime(s)
	if err != nil {
		return fhirpath.Time{}, false, nil
	}
	return t, true, nil
}
func (n ResourceNode) ToDateTime(explicit bool) (fhirpath.DateTime, bool, error) {
	s, ok := n.primitiveValue().(string)
	if !ok {
		return fhirpath.DateTime{}, false, nil
	}
	dt, err := fhirpath.ParseDateTime(s)
	if err != nil {
		return fhirpath.DateTime{}, false, nil
	}
	return dt, true, nil
}
func (n ResourceNode) ToQuantity(explicit bool) (fhirpath.Quantity, bool, error) {
	obj, ok := n.object()
	if !ok {
		return fhirpath.Quantity{}, false, nil
	}
	valueNum, ok := obj["value"].(json.Number)
	if !ok {
		return fhirpath.Quantity{}, false, nil
	}
	value, _, err := apd.NewFromString(valueNum.String())
	if err != nil {
		return fhirpath.Quantity{}, false, nil
	}
	unit := "1"
	if code, ok := obj["code"].(string); ok {
		unit = code
	} else if u, ok := obj["unit"].(string); ok {
		unit = u
	}
	return fhirpath.Quantity{Value: fhirpath.Decimal{Value: value}, Unit: fhirpath.String(unit)}, true, nil
}

func (n ResourceNode) Equal(other fhirpath.Element) (bool, bool) {
	o, ok := other.(ResourceNode)
	if !ok {
		return n.deepEqualLeaf(other)
	}
	return deepEqualJSON(n.Data, o.Data), true
}

func (n ResourceNode) deepEqualLeaf(other fhirpath.Element) (bool, bool) {
	switch n.Data.(type) {
	case string:
		v, _, _ := n.ToString(false)
		return v.Equal(other)
	case json.Number:
		v, _, _ := n.ToDecimal(false)
		return v.Equal(other)
	case bool:
		v, _, _ := n.ToBoolean(false)
		return v.Equal(other)
	default:
		return false, true
	}
}

func (n ResourceNode) Equivalent(other fhirpath.Element) bool {
	if o, ok := other.(ResourceNode); ok {
		return deepEqualJSON(n.Data, o.Data)
	}
	eq, ok := n.deepEqualLeaf(other)
	return ok && eq
}

func deepEqualJSON(a, b any) bool {
	switch av := a.(type) {
	case map[string]any:
		bv, ok := b.(map[string]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for k, v := range av {
			if !deepEqualJSON(v, bv[k]) {
				return false
			}
		}
		return true
	case []any:
		bv, ok := b.([]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !deepEqualJSON(av[i], bv[i]) {
				return false
			}
		}
		return true
	case json.Number:
		bv, ok := b.(json.Number)
		return ok && av.String() == bv.String()
	default:
		return a == b
	}
}

func (n ResourceNode) TypeInfo() fhirpath.TypeInfo {
	base := fhirpath.TypeSpecifier{Namespace: "FHIR", Name: "Element"}
	if n.model != nil {
		chain := n.model.TypeChain(n.FHIRType)
		if len(chain) > 1 {
			base = fhirpath.TypeSpecifier{Namespace: "FHIR", Name: chain[1]}
		}
	}
	return fhirpath.SimpleTypeInfo{Namespace: "FHIR", Name: n.FHIRType, BaseType: base}
}

func (n ResourceNode) MarshalJSON() ([]byte, error) { return json.Marshal(n.Data) }

func (n ResourceNode) String() string {
	b, err := json.Marshal(n.Data)
	if err != nil {
		return ""
	}
	return string(b)
}
