// Package connector implements the Connector Dispatcher (C5): it looks up
// a registered integration, routes an action verb to an HTTP-shaped call,
// and extracts typed output via dot paths, adapted from the teacher's
// graph/tool.Tool contract (Name/Call) and graph/tool/http.go's request
// building.
package connector

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/mbathe/eyeflow/graph/emit"
	"github.com/mbathe/eyeflow/graph/tool"
)

// Kind identifies the shape of call an integration speaks.
type Kind string

const (
	KindMessagePlatform Kind = "message-platform"
	KindEmailTransport  Kind = "email-transport"
	KindGenericREST     Kind = "generic-rest"
	KindGraphQL         Kind = "graphql"
	KindSpecializedSaaS Kind = "specialized-saas"
)

// ErrIntegrationNotFound is returned when connector_id has no registration.
var ErrIntegrationNotFound = errors.New("connector: integration not found")

// Credentials is an opaque, already-decrypted credential bundle handed to
// the call builder. The Vault interface below is the decryption boundary;
// this package never sees ciphertext.
type Credentials map[string]string

// Vault decrypts a principal's stored credentials for an integration. A
// concrete implementation lives outside this package (secrets backend);
// tests use a static map.
type Vault interface {
	Decrypt(ctx context.Context, connectorID, principalID string) (Credentials, error)
}

// Integration is a registered external system.
type Integration struct {
	ConnectorID string
	Kind        Kind
	BaseURL     string
	Timeout     time.Duration
	// AuthHeader, when set, names the header credentials populate (e.g.
	// "Authorization"); the credential value used is Credentials["token"].
	AuthHeader string
}

// Registry looks up integrations by id. Callers provide their own backing
// store (static map, database-fed cache, …).
type Registry interface {
	Get(connectorID string) (Integration, bool)
}

// StaticRegistry is an in-memory Registry, sufficient for tests and small
// deployments.
type StaticRegistry struct {
	integrations map[string]Integration
}

// NewStaticRegistry builds a StaticRegistry from a slice of integrations.
func NewStaticRegistry(integrations ...Integration) *StaticRegistry {
	m := make(map[string]Integration, len(integrations))
	for _, in := range integrations {
		m[in.ConnectorID] = in
	}
	return &StaticRegistry{integrations: m}
}

func (r *StaticRegistry) Get(connectorID string) (Integration, bool) {
	in, ok := r.integrations[connectorID]
	return in, ok
}

// CallRequest is the input to Dispatcher.Call.
type CallRequest struct {
	ConnectorID   string
	PrincipalID   string
	Action        string // "<resource>.<verb>"
	Slots         map[string]interface{}
	ExtractOutput map[string]string // alias -> dot_path
}

// CallResult is the output of Dispatcher.Call (spec §4.5).
type CallResult struct {
	Success    bool                   `json:"success"`
	Raw        map[string]interface{} `json:"raw_response"`
	Extracted  map[string]interface{} `json:"extracted"`
	DurationMS int64                  `json:"duration_ms"`
}

// Dispatcher implements C5.
type Dispatcher struct {
	registry Registry
	vault    Vault
	http     tool.Tool
	emitter  emit.Emitter
}

// New builds a Dispatcher. httpTool defaults to tool.NewHTTPTool() when nil,
// which lets tests inject a tool.MockTool.
func New(registry Registry, vault Vault, httpTool tool.Tool, emitter emit.Emitter) *Dispatcher {
	if httpTool == nil {
		httpTool = tool.NewHTTPTool()
	}
	if emitter == nil {
		emitter = emit.NewNullEmitter()
	}
	return &Dispatcher{registry: registry, vault: vault, http: httpTool, emitter: emitter}
}

// verbMethod maps the action's verb suffix to an HTTP method per spec §4.5.
func verbMethod(verb string) (string, error) {
	switch verb {
	case "create", "send", "trigger", "post":
		return http.MethodPost, nil
	case "fetch", "get", "list", "read":
		return http.MethodGet, nil
	case "update", "patch":
		return http.MethodPatch, nil
	case "replace":
		return http.MethodPut, nil
	case "delete", "remove":
		return http.MethodDelete, nil
	default:
		return "", fmt.Errorf("connector: unrecognized action verb %q", verb)
	}
}

func splitAction(action string) (resource, verb string, err error) {
	idx := strings.LastIndex(action, ".")
	if idx < 0 {
		return "", "", fmt.Errorf("connector: action %q must be <resource>.<verb>", action)
	}
	return action[:idx], action[idx+1:], nil
}

// Call dispatches req against the registered integration and extracts the
// requested output fields (spec §4.5).
func (d *Dispatcher) Call(ctx context.Context, req CallRequest) (CallResult, error) {
	start := time.Now()

	integration, ok := d.registry.Get(req.ConnectorID)
	if !ok {
		return CallResult{}, ErrIntegrationNotFound
	}

	resource, verb, err := splitAction(req.Action)
	if err != nil {
		return CallResult{}, err
	}
	method, err := verbMethod(verb)
	if err != nil {
		return CallResult{}, err
	}

	var creds Credentials
	if d.vault != nil {
		creds, err = d.vault.Decrypt(ctx, req.ConnectorID, req.PrincipalID)
		if err != nil {
			return CallResult{}, fmt.Errorf("connector: decrypt credentials: %w", err)
		}
	}

	callCtx := ctx
	if integration.Timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, integration.Timeout)
		defer cancel()
	}

	input := d.buildInput(integration, creds, method, resource, req.Slots)

	raw, callErr := d.http.Call(callCtx, input)
	duration := time.Since(start).Milliseconds()
	if callErr != nil {
		d.emitter.Emit(emit.Event{RunID: req.ConnectorID, Msg: "connector_call_failed", Meta: map[string]interface{}{"action": req.Action, "error": callErr.Error()}})
		return CallResult{Success: false, DurationMS: duration}, callErr
	}

	extracted := extractFields(raw, req.ExtractOutput)
	return CallResult{
		Success:    true,
		Raw:        raw,
		Extracted:  extracted,
		DurationMS: duration,
	}, nil
}

func (d *Dispatcher) buildInput(in Integration, creds Credentials, method, resource string, slots map[string]interface{}) map[string]interface{} {
	url := in.BaseURL
	if resource != "" {
		url = strings.TrimRight(url, "/") + "/" + resource
	}

	headers := map[string]interface{}{}
	if in.AuthHeader != "" {
		if token, ok := creds["token"]; ok {
			headers[in.AuthHeader] = token
		}
	}

	input := map[string]interface{}{
		"method":  method,
		"url":     url,
		"headers": headers,
	}
	if method == http.MethodPost || method == http.MethodPut || method == http.MethodPatch {
		input["body"] = encodeSlotsAsJSON(slots)
	}
	return input
}
