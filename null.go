package fhirpath

import "encoding/json"

// Null is FHIRPath's distinguished null value. A one-item Collection
// holding it means "there is a value here, but it can't be represented",
// which callers need to tell apart from the ordinary empty collection
// ("nothing here at all"). The only place this module produces one today
// is toQuantity(unit), which returns Null instead of converting when doing
// so would have to cross the calendar/UCUM boundary.
type Null struct {
	defaultConversionError[Null]
}

func (Null) Children(name ...string) Collection { return nil }

func (n Null) Equal(other Element) (bool, bool) {
	_, ok := other.(Null)
	return ok, ok
}
func (n Null) Equivalent(other Element) bool {
	eq, ok := n.Equal(other)
	return ok && eq
}
func (Null) TypeInfo() TypeInfo {
	return SimpleTypeInfo{Namespace: "System", Name: "Null", BaseType: TypeSpecifier{Namespace: "System", Name: "Any"}}
}
func (Null) MarshalJSON() ([]byte, error) { return json.Marshal(nil) }
func (Null) String() string               { return "null" }
