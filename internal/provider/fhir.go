package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/ehr/ehrsync/internal/engine/fieldpath"
	"github.com/ehr/ehrsync/internal/engine/syncerr"
)

// KindFHIR is the adapter kind of FHIR R4 REST servers.
const KindFHIR = "fhir"

const fhirContentType = "application/fhir+json"

// resourceTypes maps engine entity types to FHIR resource types.
var resourceTypes = map[string]string{
	"patient":     "Patient",
	"observation": "Observation",
	"medication":  "MedicationRequest",
	"allergy":     "AllergyIntolerance",
	"condition":   "Condition",
	"encounter":   "Encounter",
	"document":    "DocumentReference",
}

// ResourceType returns the FHIR resource type of an entity type.
func ResourceType(entityType string) (string, bool) {
	rt, ok := resourceTypes[strings.ToLower(entityType)]
	return rt, ok
}

// FHIRAdapter talks to a FHIR REST server. When TokenURL is set it
// authenticates with the OAuth2 client-credentials grant and re-authenticates
// once when the server rejects the cached token.
type FHIRAdapter struct {
	base   string
	client *http.Client
	creds  *clientcredentials.Config

	mu    sync.Mutex
	token *oauth2.Token
}

// NewFHIRAdapter builds an adapter for cfg.
func NewFHIRAdapter(cfg Config) (*FHIRAdapter, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("fhir adapter: base URL is required")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("fhir adapter: invalid base URL: %w", err)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	a := &FHIRAdapter{
		base:   strings.TrimRight(cfg.BaseURL, "/"),
		client: &http.Client{Timeout: timeout},
	}
	if cfg.TokenURL != "" {
		a.creds = &clientcredentials.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			TokenURL:     cfg.TokenURL,
			Scopes:       cfg.Scopes,
		}
	}
	return a, nil
}

// Authenticate fetches a fresh access token. Servers without a token URL
// need no authentication and get an empty token.
func (a *FHIRAdapter) Authenticate(ctx context.Context) (*Token, error) {
	if a.creds == nil {
		return &Token{}, nil
	}
	tok, err := a.creds.Token(context.WithValue(ctx, oauth2.HTTPClient, a.client))
	if err != nil {
		return nil, syncerr.Wrap(err, syncerr.AuthenticationFailed, "client credentials grant failed")
	}
	a.mu.Lock()
	a.token = tok
	a.mu.Unlock()
	return &Token{AccessToken: tok.AccessToken, TokenType: tok.Type(), ExpiresAt: tok.Expiry}, nil
}

func (a *FHIRAdapter) bearer(ctx context.Context) (string, error) {
	if a.creds == nil {
		return "", nil
	}
	a.mu.Lock()
	tok := a.token
	a.mu.Unlock()
	if tok.Valid() {
		return tok.AccessToken, nil
	}
	t, err := a.Authenticate(ctx)
	if err != nil {
		return "", err
	}
	return t.AccessToken, nil
}

// do sends one request and decodes a JSON response into out. A 401 triggers
// one forced re-authentication and retry.
func (a *FHIRAdapter) do(ctx context.Context, method, target string, body []byte, out any) error {
	for attempt := 0; ; attempt++ {
		token, err := a.bearer(ctx)
		if err != nil {
			return err
		}
		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, target, reader)
		if err != nil {
			return syncerr.Wrap(err, syncerr.Internal, "build provider request")
		}
		req.Header.Set("Accept", fhirContentType)
		if body != nil {
			req.Header.Set("Content-Type", fhirContentType)
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}

		resp, err := a.client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return syncerr.Wrap(err, syncerr.NetworkTimeout, method+" "+target)
		}
		data, readErr := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
		resp.Body.Close()
		if readErr != nil {
			return syncerr.Wrap(readErr, syncerr.NetworkTimeout, "read provider response")
		}

		if resp.StatusCode == http.StatusUnauthorized && attempt == 0 && a.creds != nil {
			a.mu.Lock()
			a.token = nil
			a.mu.Unlock()
			continue
		}
		if err := classifyStatus(resp, data); err != nil {
			return err
		}
		if out == nil || len(data) == 0 {
			return nil
		}
		if err := json.Unmarshal(data, out); err != nil {
			return syncerr.Wrap(err, syncerr.ProviderError, "decode provider response")
		}
		return nil
	}
}

func classifyStatus(resp *http.Response, body []byte) error {
	code := resp.StatusCode
	if code >= 200 && code < 300 {
		return nil
	}
	msg := fmt.Sprintf("provider returned %d: %s", code, truncate(string(body), 200))
	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return syncerr.New(syncerr.AuthenticationFailed, "%s", msg)
	case code == http.StatusTooManyRequests:
		return syncerr.New(syncerr.RateLimited, "%s", msg).WithRetryAfter(parseRetryAfter(resp.Header.Get("Retry-After")))
	case code == http.StatusNotFound || code == http.StatusGone:
		return syncerr.New(syncerr.NotFound, "%s", msg)
	case code >= 500:
		return syncerr.New(syncerr.NetworkTimeout, "%s", msg).WithRetryAfter(parseRetryAfter(resp.Header.Get("Retry-After")))
	}
	return syncerr.New(syncerr.ProviderError, "%s", msg)
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

type bundle struct {
	Link []struct {
		Relation string `json:"relation"`
		URL      string `json:"url"`
	} `json:"link"`
	Entry []struct {
		Resource fieldpath.Record `json:"resource"`
		Response *struct {
			Status string `json:"status"`
		} `json:"response,omitempty"`
		Request *struct {
			Method string `json:"method"`
			URL    string `json:"url"`
		} `json:"request,omitempty"`
	} `json:"entry"`
}

// FetchEntities reads one page. A PageToken is the server's "next" link.
func (a *FHIRAdapter) FetchEntities(ctx context.Context, req FetchRequest) (*Page, error) {
	rt, ok := ResourceType(req.EntityType)
	if !ok {
		return nil, syncerr.New(syncerr.InvalidScope, "no FHIR resource type for entity %q", req.EntityType)
	}

	if req.ResourceID != "" {
		var res fieldpath.Record
		err := a.do(ctx, http.MethodGet, a.base+"/"+rt+"/"+url.PathEscape(req.ResourceID), nil, &res)
		if syncerr.Is(err, syncerr.NotFound) {
			return &Page{Entities: []Entity{{ID: req.ResourceID, Deleted: true}}}, nil
		}
		if err != nil {
			return nil, err
		}
		return &Page{Entities: []Entity{entityFrom(res)}}, nil
	}

	target := req.PageToken
	if target == "" {
		q := url.Values{}
		if req.PageSize > 0 {
			q.Set("_count", strconv.Itoa(req.PageSize))
		}
		if req.Since != nil {
			q.Set("_lastUpdated", "gt"+req.Since.UTC().Format(time.RFC3339))
		}
		if req.PatientID != "" {
			if rt == "Patient" {
				q.Set("_id", req.PatientID)
			} else {
				q.Set("patient", req.PatientID)
			}
		}
		target = a.base + "/" + rt
		if len(q) > 0 {
			target += "?" + q.Encode()
		}
	}

	var b bundle
	if err := a.do(ctx, http.MethodGet, target, nil, &b); err != nil {
		return nil, err
	}
	page := &Page{Entities: make([]Entity, 0, len(b.Entry))}
	for _, e := range b.Entry {
		if e.Request != nil && e.Request.Method == http.MethodDelete {
			id := e.Request.URL[strings.LastIndex(e.Request.URL, "/")+1:]
			page.Entities = append(page.Entities, Entity{ID: id, Deleted: true})
			continue
		}
		if e.Resource == nil {
			continue
		}
		page.Entities = append(page.Entities, entityFrom(e.Resource))
	}
	for _, l := range b.Link {
		if l.Relation == "next" {
			page.NextPageToken = l.URL
		}
	}
	return page, nil
}

func entityFrom(res fieldpath.Record) Entity {
	ent := Entity{Data: res}
	if id, ok := res["id"].(string); ok {
		ent.ID = id
	}
	if v, ok := fieldpath.Get(res, "meta.versionId"); ok {
		ent.Revision = fmt.Sprint(v)
	}
	if v, ok := fieldpath.Get(res, "meta.lastUpdated"); ok {
		if s, ok := v.(string); ok {
			if t, err := time.Parse(time.RFC3339, s); err == nil {
				ent.ModifiedAt = t
			}
		}
	}
	if ent.Revision == "" && !ent.ModifiedAt.IsZero() {
		ent.Revision = ent.ModifiedAt.UTC().Format(time.RFC3339Nano)
	}
	return ent
}

// PushEntity creates or updates a resource.
func (a *FHIRAdapter) PushEntity(ctx context.Context, entityType, providerID string, rec fieldpath.Record) (string, error) {
	rt, ok := ResourceType(entityType)
	if !ok {
		return "", syncerr.New(syncerr.InvalidScope, "no FHIR resource type for entity %q", entityType)
	}
	body := fieldpath.Clone(rec)
	if body == nil {
		body = fieldpath.Record{}
	}
	body["resourceType"] = rt

	method, target := http.MethodPost, a.base+"/"+rt
	if providerID != "" {
		body["id"] = providerID
		method, target = http.MethodPut, target+"/"+url.PathEscape(providerID)
	}
	data, err := json.Marshal(body)
	if err != nil {
		return "", syncerr.Wrap(err, syncerr.TransformationError, "encode resource")
	}
	var created fieldpath.Record
	if err := a.do(ctx, method, target, data, &created); err != nil {
		return "", err
	}
	if id, ok := created["id"].(string); ok && id != "" {
		return id, nil
	}
	if providerID == "" {
		return "", syncerr.New(syncerr.ProviderError, "provider did not return an id for the created %s", rt)
	}
	return providerID, nil
}

// TestConnection reads the server's capability statement.
func (a *FHIRAdapter) TestConnection(ctx context.Context) error {
	var capability struct {
		ResourceType string `json:"resourceType"`
	}
	if err := a.do(ctx, http.MethodGet, a.base+"/metadata", nil, &capability); err != nil {
		return err
	}
	if capability.ResourceType != "CapabilityStatement" {
		return syncerr.New(syncerr.ProviderError, "unexpected metadata resource %q", capability.ResourceType)
	}
	return nil
}
