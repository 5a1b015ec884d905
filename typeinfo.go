package fhirpath

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"strings"
	"sync"
)

// TypeInfo describes the runtime type of an Element, following FHIRPath's
// reflection model (System.* for primitives, plus model-namespaced types
// contributed by the FHIR schema).
type TypeInfo interface {
	Element
	QualifiedName() (TypeSpecifier, bool)
	BaseTypeName() (TypeSpecifier, bool)
}

// SimpleTypeInfo describes a primitive or leaf FHIR type.
type SimpleTypeInfo struct {
	Namespace string
	Name      string
	BaseType  TypeSpecifier
}

func (i SimpleTypeInfo) QualifiedName() (TypeSpecifier, bool) {
	return TypeSpecifier{Namespace: i.Namespace, Name: i.Name}, true
}
func (i SimpleTypeInfo) BaseTypeName() (TypeSpecifier, bool) { return i.BaseType, true }
func (i SimpleTypeInfo) Children(name ...string) Collection  { return nil }
func (i SimpleTypeInfo) ToBoolean(bool) (Boolean, bool, error)   { return false, false, conversionError[SimpleTypeInfo, Boolean]() }
func (i SimpleTypeInfo) ToString(bool) (String, bool, error)     { return "", false, conversionError[SimpleTypeInfo, String]() }
func (i SimpleTypeInfo) ToInteger(bool) (Integer, bool, error)   { return 0, false, conversionError[SimpleTypeInfo, Integer]() }
func (i SimpleTypeInfo) ToLong(bool) (Long, bool, error)         { return 0, false, conversionError[SimpleTypeInfo, Long]() }
func (i SimpleTypeInfo) ToDecimal(bool) (Decimal, bool, error)   { return Decimal{}, false, conversionError[SimpleTypeInfo, Decimal]() }
func (i SimpleTypeInfo) ToDate(bool) (Date, bool, error)         { return Date{}, false, conversionError[SimpleTypeInfo, Date]() }
func (i SimpleTypeInfo) ToTime(bool) (Time, bool, error)         { return Time{}, false, conversionError[SimpleTypeInfo, Time]() }
func (i SimpleTypeInfo) ToDateTime(bool) (DateTime, bool, error) { return DateTime{}, false, conversionError[SimpleTypeInfo, DateTime]() }
func (i SimpleTypeInfo) ToQuantity(bool) (Quantity, bool, error) { return Quantity{}, false, conversionError[SimpleTypeInfo, Quantity]() }
func (i SimpleTypeInfo) Equal(other Element) (bool, bool) {
	o, ok := other.(SimpleTypeInfo)
	return ok && o == i, true
}
func (i SimpleTypeInfo) Equivalent(other Element) bool {
	eq, ok := i.Equal(other)
	return ok && eq
}
func (i SimpleTypeInfo) TypeInfo() TypeInfo {
	return SimpleTypeInfo{Namespace: "System", Name: "SimpleTypeInfo", BaseType: TypeSpecifier{Namespace: "System", Name: "Any"}}
}
func (i SimpleTypeInfo) MarshalJSON() ([]byte, error) { return json.Marshal(i.String()) }
func (i SimpleTypeInfo) String() string {
	if i.Namespace != "" {
		return i.Namespace + "." + i.Name
	}
	return i.Name
}

// TypeSpecifier names a FHIRPath type, e.g. FHIR.Patient or System.Integer.
type TypeSpecifier struct {
	Namespace string
	Name      string
	List      bool
}

// ParseTypeSpecifier parses `Namespace.Name` or bare `Name` (and the
// `List<...>` wrapper used by reflection type names) into a TypeSpecifier.
func ParseTypeSpecifier(s string) TypeSpecifier {
	list := false
	if strings.HasPrefix(s, "List<") && strings.HasSuffix(s, ">") {
		s = strings.TrimSuffix(strings.TrimPrefix(s, "List<"), ">")
		list = true
	}
	parts := strings.SplitN(s, ".", 2)
	if len(parts) == 1 {
		return TypeSpecifier{Name: strings.Trim(parts[0], "`"), List: list}
	}
	return TypeSpecifier{Namespace: strings.Trim(parts[0], "`"), Name: strings.Trim(parts[1], "`"), List: list}
}

func (t TypeSpecifier) Children(name ...string) Collection { return nil }
func (t TypeSpecifier) ToBoolean(bool) (Boolean, bool, error)   { return false, false, conversionError[TypeSpecifier, Boolean]() }
func (t TypeSpecifier) ToString(bool) (String, bool, error)     { return String(t.String()), true, nil }
func (t TypeSpecifier) ToInteger(bool) (Integer, bool, error)   { return 0, false, conversionError[TypeSpecifier, Integer]() }
func (t TypeSpecifier) ToLong(bool) (Long, bool, error)         { return 0, false, conversionError[TypeSpecifier, Long]() }
func (t TypeSpecifier) ToDecimal(bool) (Decimal, bool, error)   { return Decimal{}, false, conversionError[TypeSpecifier, Decimal]() }
func (t TypeSpecifier) ToDate(bool) (Date, bool, error)         { return Date{}, false, conversionError[TypeSpecifier, Date]() }
func (t TypeSpecifier) ToTime(bool) (Time, bool, error)         { return Time{}, false, conversionError[TypeSpecifier, Time]() }
func (t TypeSpecifier) ToDateTime(bool) (DateTime, bool, error) { return DateTime{}, false, conversionError[TypeSpecifier, DateTime]() }
func (t TypeSpecifier) ToQuantity(bool) (Quantity, bool, error) { return Quantity{}, false, conversionError[TypeSpecifier, Quantity]() }
func (t TypeSpecifier) Equal(other Element) (bool, bool) {
	o, ok := other.(TypeSpecifier)
	return ok && o == t, true
}
func (t TypeSpecifier) Equivalent(other Element) bool {
	eq, _ := t.Equal(other)
	return eq
}
func (t TypeSpecifier) TypeInfo() TypeInfo {
	return SimpleTypeInfo{Namespace: "System", Name: "TypeSpecifier", BaseType: TypeSpecifier{Namespace: "System", Name: "Any"}}
}
func (t TypeSpecifier) MarshalJSON() ([]byte, error) { return json.Marshal(t.String()) }
func (t TypeSpecifier) String() string {
	s := t.Name
	if t.Namespace != "" {
		s = t.Namespace + "." + t.Name
	}
	if t.List {
		return fmt.Sprintf("List<%s>", s)
	}
	return s
}

type namespaceKey struct{}

// WithNamespace sets the default namespace used to resolve an unqualified
// type name in `is`/`as`/`ofType` (e.g. "FHIR" while walking a resource).
func WithNamespace(ctx context.Context, namespace string) context.Context {
	return context.WithValue(ctx, namespaceKey{}, namespace)
}

func contextNamespace(ctx context.Context) string {
	if ns, ok := ctx.Value(namespaceKey{}).(string); ok {
		return ns
	}
	return "System"
}

type knownTypesKey struct{}

// WithTypes registers additional TypeInfo values (typically the model's
// type2Parent chain, projected into SimpleTypeInfo) for type resolution.
func WithTypes(ctx context.Context, types []TypeInfo) context.Context {
	typeMap := maps.Clone(knownTypes(ctx))
	for _, t := range types {
		if qual, ok := t.QualifiedName(); ok {
			typeMap[qual] = t
		}
	}
	return context.WithValue(ctx, knownTypesKey{}, typeMap)
}

func knownTypes(ctx context.Context) map[TypeSpecifier]TypeInfo {
	if types, ok := ctx.Value(knownTypesKey{}).(map[TypeSpecifier]TypeInfo); ok {
		return types
	}
	return systemTypesMap()
}

var systemTypesMap = sync.OnceValue(func() map[TypeSpecifier]TypeInfo {
	systemTypes := []TypeInfo{
		Boolean(false).TypeInfo(),
		String("").TypeInfo(),
		Integer(0).TypeInfo(),
		Long(0).TypeInfo(),
		Decimal{}.TypeInfo(),
		Date{}.TypeInfo(),
		Time{}.TypeInfo(),
		DateTime{}.TypeInfo(),
		Quantity{}.TypeInfo(),
		Null{}.TypeInfo(),
	}
	m := map[TypeSpecifier]TypeInfo{}
	for _, t := range systemTypes {
		if q, ok := t.QualifiedName(); ok {
			m[q] = t
		}
	}
	m[TypeSpecifier{Namespace: "System", Name: "Any"}] = SimpleTypeInfo{Namespace: "System", Name: "Any"}
	return m
})

func resolveType(ctx context.Context, spec TypeSpecifier) (TypeInfo, bool) {
	if spec.Namespace == "" {
		if info, ok := resolveType(ctx, TypeSpecifier{Namespace: contextNamespace(ctx), Name: spec.Name}); ok {
			return info, true
		}
		return resolveType(ctx, TypeSpecifier{Namespace: "System", Name: spec.Name})
	}
	t, ok := knownTypes(ctx)[spec]
	return t, ok
}

func subTypeOf(ctx context.Context, target, isOf TypeInfo) bool {
	isOfQual, ok := isOf.QualifiedName()
	if !ok {
		return false
	}
	if typQual, ok := target.QualifiedName(); ok && typQual == isOfQual {
		return true
	}
	baseQual, ok := target.BaseTypeName()
	if !ok {
		return false
	}
	if baseQual == isOfQual {
		return true
	}
	baseType, ok := resolveType(ctx, baseQual)
	if !ok {
		return false
	}
	return subTypeOf(ctx, baseType, isOf)
}

func isType(ctx context.Context, target Element, isOf TypeSpecifier) (Element, error) {
	typ, ok := resolveType(ctx, isOf)
	if !ok {
		return Boolean(false), nil
	}
	return Boolean(subTypeOf(ctx, target.TypeInfo(), typ)), nil
}

func asType(ctx context.Context, target Element, asOf TypeSpecifier) (Collection, error) {
	typ, ok := resolveType(ctx, asOf)
	if !ok {
		return nil, domainErr("can not resolve type `%s`", asOf)
	}
	if subTypeOf(ctx, target.TypeInfo(), typ) {
		return Collection{target}, nil
	}
	return nil, nil
}
