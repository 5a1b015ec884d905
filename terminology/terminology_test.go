package terminology

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/clinicalpath/fhirpath"
)

type codedElement struct {
	system, code string
}

func (e codedElement) Children(names ...string) fhirpath.Collection {
	values := map[string]string{"system": e.system, "code": e.code}
	var out fhirpath.Collection
	for _, name := range names {
		if v, ok := values[name]; ok {
			out = append(out, fhirpath.String(v))
		}
	}
	return out
}
func (e codedElement) ToBoolean(bool) (fhirpath.Boolean, bool, error) { return false, false, nil }
func (e codedElement) ToString(bool) (fhirpath.String, bool, error)  { return "", false, nil }
func (e codedElement) ToInteger(bool) (fhirpath.Integer, bool, error) { return 0, false, nil }
func (e codedElement) ToLong(bool) (fhirpath.Long, bool, error)      { return 0, false, nil }
func (e codedElement) ToDecimal(bool) (fhirpath.Decimal, bool, error) {
	return fhirpath.Decimal{}, false, nil
}
func (e codedElement) ToDate(bool) (fhirpath.Date, bool, error) { return fhirpath.Date{}, false, nil }
func (e codedElement) ToTime(bool) (fhirpath.Time, bool, error) { return fhirpath.Time{}, false, nil }
func (e codedElement) ToDateTime(bool) (fhirpath.DateTime, bool, error) {
	return fhirpath.DateTime{}, false, nil
}
func (e codedElement) ToQuantity(bool) (fhirpath.Quantity, bool, error) {
	return fhirpath.Quantity{}, false, nil
}
func (e codedElement) Equal(other fhirpath.Element) (bool, bool)  { return false, false }
func (e codedElement) Equivalent(other fhirpath.Element) bool     { return false }
func (e codedElement) TypeInfo() fhirpath.TypeInfo {
	return fhirpath.SimpleTypeInfo{Namespace: "FHIR", Name: "Coding"}
}
func (e codedElement) MarshalJSON() ([]byte, error) { return []byte("{}"), nil }
func (e codedElement) String() string               { return e.system + "|" + e.code }

func TestClientWeightFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/weight" {
			t.Errorf("path = %s, want /weight", r.URL.Path)
		}
		json.NewEncoder(w).Encode(lookupResponse{Value: 2.5, Found: true})
	}))
	defer srv.Close()

	c := NewClient(nil, nil)
	mp := c.Weight(context.Background(), Lookup{TerminologyURL: srv.URL, System: "http://loinc.org", Code: "1234-5"})
	got, err := fhirpath.Await(context.Background(), mp)
	if err != nil {
		t.Fatalf("Await: %v", err)
	}
	d, ok, err := fhirpath.Singleton[fhirpath.Decimal](got)
	if err != nil || !ok {
		t.Fatalf("expected a single decimal result, got %v ok=%v err=%v", got, ok, err)
	}
	if eq, _ := d.Equal(fhirpath.String("2.5")); !eq {
		t.Errorf("weight = %v, want 2.5", d)
	}
}

func TestClientOrdinalNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewClient(nil, nil)
	mp := c.Ordinal(context.Background(), Lookup{TerminologyURL: srv.URL, System: "http://loinc.org", Code: "nope"})
	got, err := fhirpath.Await(context.Background(), mp)
	if err != nil {
		t.Fatalf("Await: %v", err)
	}
	if got != nil {
		t.Errorf("expected empty result for a 404, got %v", got)
	}
}

func TestClientCachesRepeatLookups(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		json.NewEncoder(w).Encode(lookupResponse{Value: 1, Found: true})
	}))
	defer srv.Close()

	c := NewClient(nil, nil)
	l := Lookup{TerminologyURL: srv.URL, System: "http://loinc.org", Code: "1234-5"}
	if _, err := fhirpath.Await(context.Background(), c.Weight(context.Background(), l)); err != nil {
		t.Fatalf("Await: %v", err)
	}
	if _, err := fhirpath.Await(context.Background(), c.Weight(context.Background(), l)); err != nil {
		t.Fatalf("Await: %v", err)
	}
	if calls != 1 {
		t.Errorf("server was called %d times, want 1 (second lookup should hit the cache)", calls)
	}
}

func TestFunctionsIntegrateWithEvaluate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(lookupResponse{Value: 3, Found: true})
	}))
	defer srv.Close()

	c := NewClient(nil, nil)
	ctx := fhirpath.WithFunctions(context.Background(), c.Functions())
	ctx = fhirpath.WithTerminologyURL(ctx, srv.URL)
	ctx = fhirpath.WithAsync(ctx, fhirpath.AsyncEnabled)

	e, err := fhirpath.Parse("weight()")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	got, err := fhirpath.Evaluate(ctx, codedElement{system: "http://loinc.org", code: "1234-5"}, e)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	d, ok, err := fhirpath.Singleton[fhirpath.Decimal](got)
	if err != nil || !ok {
		t.Fatalf("expected a single decimal, got %v ok=%v err=%v", got, ok, err)
	}
	if eq, _ := d.Equal(fhirpath.String("3")); !eq {
		t.Errorf("weight() = %v, want 3", d)
	}
}

func TestFunctionsRejectSynchronousEvaluation(t *testing.T) {
	c := NewClient(nil, nil)
	ctx := fhirpath.WithFunctions(context.Background(), c.Functions())

	e, err := fhirpath.Parse("weight()")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	_, err = fhirpath.Evaluate(ctx, codedElement{system: "http://loinc.org", code: "1234-5"}, e)
	if err == nil {
		t.Fatal("expected an error evaluating weight() without async enabled")
	}
	var fpErr *fhirpath.Error
	if !errors.As(err, &fpErr) || fpErr.Kind != fhirpath.KindAsyncDisallowed {
		t.Errorf("expected KindAsyncDisallowed, got %v", err)
	}
}
