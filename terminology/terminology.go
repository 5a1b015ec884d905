// Package terminology implements the SDC extension functions that need a
// terminology service round trip - weight() and ordinal() - plus the HTTP
// client, circuit breaker and cache backing them. Every other FHIRPath
// function is pure and synchronous; these two are the only ones that can
// go through fhirpath.MaybePending.
package terminology

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"

	"github.com/clinicalpath/fhirpath"
)

// Lookup is the coordinate a weight()/ordinal() call resolves: the coded
// value under evaluation plus the model, questionnaire, terminology and
// value set it should be looked up against.
type Lookup struct {
	ModelVersion     string
	QuestionnaireURL string
	TerminologyURL   string
	ValueSetURL      string
	System           string
	Code             string
}

func (l Lookup) cacheKey() string {
	return fmt.Sprintf("%s|%s|%s|%s|%s|%s", l.ModelVersion, l.QuestionnaireURL, l.TerminologyURL, l.ValueSetURL, l.System, l.Code)
}

// cacheEntry is one memoized terminology answer, ignored once ttl has
// passed and replaced by the next successful lookup of the same key.
type cacheEntry struct {
	value   fhirpath.Decimal
	found   bool
	expires time.Time
}

// Client is a terminology-service-backed resolver for weight() and
// ordinal(), with a circuit breaker guarding the upstream service and a
// short-TTL cache absorbing repeated lookups of the same code within one
// batch evaluation.
type Client struct {
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker
	logger     *slog.Logger
	ttl        time.Duration

	mu    sync.Mutex
	cache map[string]cacheEntry
}

// NewClient builds a Client with a circuit breaker tuned for a terminology
// service: five consecutive failures trips it open for 30 seconds, mirroring
// the pattern used for external service calls elsewhere in this stack.
func NewClient(httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}
	settings := gobreaker.Settings{
		Name:        "terminology",
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("terminology circuit breaker state change", "from", from, "to", to)
		},
	}
	return &Client{
		httpClient: httpClient,
		breaker:    gobreaker.NewCircuitBreaker(settings),
		logger:     logger,
		ttl:        time.Hour,
		cache:      map[string]cacheEntry{},
	}
}

func (c *Client) cached(key string) (fhirpath.Decimal, bool, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.cache[key]
	if !ok || time.Now().After(entry.expires) {
		return fhirpath.Decimal{}, false, false
	}
	return entry.value, entry.found, true
}

func (c *Client) store(key string, value fhirpath.Decimal, found bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache[key] = cacheEntry{value: value, found: found, expires: time.Now().Add(c.ttl)}
}

type lookupResponse struct {
	Value float64 `json:"value"`
	Found bool    `json:"found"`
}

// fetch performs the actual HTTP round trip through the circuit breaker,
// tagging the request with a correlation ID for the terminology service's
// own request logs.
func (c *Client) fetch(ctx context.Context, endpoint string, l Lookup) (fhirpath.Decimal, bool, error) {
	if cached, found, ok := c.cached(l.cacheKey()); ok {
		return cached, found, nil
	}
	correlationID := uuid.NewString()
	result, err := c.breaker.Execute(func() (any, error) {
		url := fmt.Sprintf("%s/%s?system=%s&code=%s", l.TerminologyURL, endpoint, l.System, l.Code)
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("X-Correlation-Id", correlationID)
		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		if resp.StatusCode == http.StatusNotFound {
			return lookupResponse{Found: false}, nil
		}
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("terminology service returned %s", resp.Status)
		}
		var out lookupResponse
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return nil, err
		}
		out.Found = true
		return out, nil
	})
	if err != nil {
		c.logger.Error("terminology lookup failed", "correlation_id", correlationID, "error", err)
		return fhirpath.Decimal{}, false, err
	}
	resp := result.(lookupResponse)
	if !resp.Found {
		c.store(l.cacheKey(), fhirpath.Decimal{}, false)
		return fhirpath.Decimal{}, false, nil
	}
	d, _, err := fhirpath.String(fmt.Sprintf("%v", resp.Value)).ToDecimal(true)
	if err != nil {
		return fhirpath.Decimal{}, false, err
	}
	c.store(l.cacheKey(), d, true)
	return d, true, nil
}

// Weight resolves the SDC score weight of a coded answer against a
// questionnaire's associated terminology extensions.
func (c *Client) Weight(ctx context.Context, l Lookup) fhirpath.MaybePending[fhirpath.Collection] {
	return fhirpath.Pending(func(ctx context.Context) (fhirpath.Collection, error) {
		d, found, err := c.fetch(ctx, "weight", l)
		if err != nil {
			return nil, err
		}
		if !found {
			return nil, nil
		}
		return fhirpath.Collection{d}, nil
	})
}

// Ordinal resolves the ordinal value of a coded answer.
func (c *Client) Ordinal(ctx context.Context, l Lookup) fhirpath.MaybePending[fhirpath.Collection] {
	return fhirpath.Pending(func(ctx context.Context) (fhirpath.Collection, error) {
		d, found, err := c.fetch(ctx, "ordinal", l)
		if err != nil {
			return nil, err
		}
		if !found {
			return nil, nil
		}
		return fhirpath.Collection{d}, nil
	})
}

// Functions builds the fhirpath.Functions entries for weight()/ordinal(),
// bound to this Client, ready to install with fhirpath.WithFunctions.
func (c *Client) Functions() fhirpath.Functions {
	return fhirpath.Functions{
		"weight":  c.codedLookupFunction(c.Weight),
		"ordinal": c.codedLookupFunction(c.Ordinal),
	}
}

// codedLookupFunction wraps a Weight/Ordinal-shaped lookup as a
// fhirpath.Function. It never awaits its own MaybePending: the pending
// value is handed straight back so contagion macros (where, select, all,
// exists, iif, ...) can propagate it, and a bare Evaluate call collapses it
// at the top level instead of blocking here. Async mode gates the call
// entirely - weight()/ordinal() only ever run when the caller opted in.
func (c *Client) codedLookupFunction(lookup func(context.Context, Lookup) fhirpath.MaybePending[fhirpath.Collection]) fhirpath.FunctionEntry {
	return fhirpath.FunctionEntry{
		MinArity: 0,
		MaxArity: 0,
		Fn: func(ctx context.Context, root fhirpath.Element, target fhirpath.Collection, params []fhirpath.Expression, evaluate fhirpath.EvaluateFunc) (fhirpath.MaybePending[fhirpath.Collection], error) {
			if !fhirpath.AsyncAllowed(ctx) {
				return fhirpath.MaybePending[fhirpath.Collection]{}, fhirpath.NewAsyncDisallowedError("terminology lookup requires async evaluation")
			}
			item, ok, err := fhirpath.Singleton[fhirpath.Element](target)
			if err != nil || !ok {
				return fhirpath.MaybePending[fhirpath.Collection]{}, err
			}
			systemColl := item.Children("system")
			codeColl := item.Children("code")
			system, _, err := fhirpath.Singleton[fhirpath.String](systemColl)
			if err != nil {
				return fhirpath.MaybePending[fhirpath.Collection]{}, err
			}
			code, _, err := fhirpath.Singleton[fhirpath.String](codeColl)
			if err != nil {
				return fhirpath.MaybePending[fhirpath.Collection]{}, err
			}
			terminologyURL, _ := fhirpath.ContextTerminologyURL(ctx)
			return lookup(ctx, Lookup{TerminologyURL: terminologyURL, System: string(system), Code: string(code)}), nil
		},
	}
}
