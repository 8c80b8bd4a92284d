package validator_test

import (
	"encoding/json"
	"testing"

	"github.com/toolmesh/orchestrator/internal/validator"
	"github.com/toolmesh/orchestrator/pkg/models"
)

// decode parses a JSON literal into the generic tree the validator consumes.
func decode(t *testing.T, s string) interface{} {
	t.Helper()
	var v interface{}
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		t.Fatalf("test fixture does not parse: %v", err)
	}
	return v
}

// ─── Request Envelopes ──────────────────────────────────────

func TestValidateRequest(t *testing.T) {
	v := validator.New()

	tests := []struct {
		name     string
		body     string
		wantKind validator.Kind // "" = valid
	}{
		{"valid tools/list", `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`, ""},
		{"valid with object params", `{"jsonrpc":"2.0","id":"a","method":"tools/call","params":{"name":"echo"}}`, ""},
		{"valid with array params", `{"jsonrpc":"2.0","id":2,"method":"ping","params":[]}`, ""},
		{"not an object", `[1,2,3]`, validator.KindInvalidEnvelope},
		{"wrong jsonrpc", `{"jsonrpc":"1.0","id":1,"method":"ping"}`, validator.KindInvalidEnvelope},
		{"missing jsonrpc", `{"id":1,"method":"ping"}`, validator.KindInvalidEnvelope},
		{"missing method", `{"jsonrpc":"2.0","id":1}`, validator.KindInvalidEnvelope},
		{"empty method", `{"jsonrpc":"2.0","id":1,"method":""}`, validator.KindInvalidEnvelope},
		{"numeric method", `{"jsonrpc":"2.0","id":1,"method":42}`, validator.KindInvalidEnvelope},
		{"unknown method strict", `{"jsonrpc":"2.0","id":1,"method":"resources/list"}`, validator.KindInvalidMethod},
		{"missing id", `{"jsonrpc":"2.0","method":"ping"}`, validator.KindInvalidID},
		{"null id", `{"jsonrpc":"2.0","id":null,"method":"ping"}`, validator.KindInvalidID},
		{"scalar params", `{"jsonrpc":"2.0","id":1,"method":"ping","params":7}`, validator.KindInvalidParams},
		{"string params", `{"jsonrpc":"2.0","id":1,"method":"ping","params":"x"}`, validator.KindInvalidParams},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.ValidateRequest(decode(t, tt.body))
			if tt.wantKind == "" {
				if err != nil {
					t.Fatalf("ValidateRequest() error = %v, want nil", err)
				}
				return
			}
			verr, ok := err.(*validator.Error)
			if !ok {
				t.Fatalf("ValidateRequest() error = %v, want *validator.Error", err)
			}
			if verr.Kind != tt.wantKind {
				t.Errorf("ValidateRequest() kind = %q, want %q", verr.Kind, tt.wantKind)
			}
		})
	}
}

func TestValidateRequest_LenientAcceptsUnknownMethods(t *testing.T) {
	v := validator.NewLenient()
	req := decode(t, `{"jsonrpc":"2.0","id":1,"method":"resources/list"}`)
	if err := v.ValidateRequest(req); err != nil {
		t.Errorf("lenient ValidateRequest() error = %v, want nil", err)
	}
}

// ─── Response Envelopes ─────────────────────────────────────

func TestValidateResponse(t *testing.T) {
	v := validator.New()

	tests := []struct {
		name    string
		body    string
		wantErr bool
	}{
		{"result only", `{"jsonrpc":"2.0","id":1,"result":{}}`, false},
		{"null result counts as present", `{"jsonrpc":"2.0","id":1,"result":null}`, false},
		{"error only", `{"jsonrpc":"2.0","id":1,"error":{"code":-32601,"message":"nope"}}`, false},
		{"neither", `{"jsonrpc":"2.0","id":1}`, true},
		{"both", `{"jsonrpc":"2.0","id":1,"result":{},"error":{"code":1,"message":"m"}}`, true},
		{"wrong version", `{"jsonrpc":"1.0","id":1,"result":{}}`, true},
		{"error not object", `{"jsonrpc":"2.0","id":1,"error":"boom"}`, true},
		{"error code not integer", `{"jsonrpc":"2.0","id":1,"error":{"code":1.5,"message":"m"}}`, true},
		{"error message empty", `{"jsonrpc":"2.0","id":1,"error":{"code":-32000,"message":""}}`, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.ValidateResponse(decode(t, tt.body))
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateResponse() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

// ─── Method Params ──────────────────────────────────────────

func TestValidateInitialize(t *testing.T) {
	v := validator.New()

	if err := v.ValidateInitialize(nil); err != nil {
		t.Errorf("ValidateInitialize(nil) error = %v, want nil", err)
	}

	ok := decode(t, `{"protocolVersion":"2024-11-05","capabilities":{},"clientInfo":{"name":"c","version":"1"}}`)
	if err := v.ValidateInitialize(ok); err != nil {
		t.Errorf("ValidateInitialize(full) error = %v, want nil", err)
	}

	partial := decode(t, `{"capabilities":{}}`)
	if err := v.ValidateInitialize(partial); err != nil {
		t.Errorf("ValidateInitialize(partial) error = %v, want nil", err)
	}

	bad := decode(t, `{"protocolVersion":42}`)
	if err := v.ValidateInitialize(bad); err == nil {
		t.Error("ValidateInitialize(numeric protocolVersion) should fail")
	}

	badCaps := decode(t, `{"capabilities":"yes"}`)
	if err := v.ValidateInitialize(badCaps); err == nil {
		t.Error("ValidateInitialize(string capabilities) should fail")
	}
}

func TestValidateToolCall(t *testing.T) {
	v := validator.New()

	tests := []struct {
		name    string
		body    string
		wantErr bool
	}{
		{"valid", `{"name":"echo","arguments":{"text":"hi"}}`, false},
		{"no arguments", `{"name":"echo"}`, false},
		{"null arguments", `{"name":"echo","arguments":null}`, false},
		{"empty name", `{"name":""}`, true},
		{"missing name", `{"arguments":{}}`, true},
		{"bad name", `{"name":"bad name!"}`, true},
		{"dotted name", `{"name":"a.b"}`, true},
		{"scalar arguments", `{"name":"echo","arguments":3}`, true},
		{"params not object", `[]`, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.ValidateToolCall(decode(t, tt.body))
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateToolCall(%s) error = %v, wantErr %v", tt.body, err, tt.wantErr)
			}
		})
	}
}

func TestValidateToolDefinition(t *testing.T) {
	v := validator.New()

	good := models.ToolDefinition{Name: "file_read", Description: "reads"}
	if err := v.ValidateToolDefinition(good); err != nil {
		t.Errorf("ValidateToolDefinition(good) error = %v", err)
	}

	bad := models.ToolDefinition{Name: "no spaces allowed"}
	if err := v.ValidateToolDefinition(bad); err == nil {
		t.Error("ValidateToolDefinition(bad name) should fail")
	}
}

// ─── Error Code Mapping ─────────────────────────────────────

func TestCodeFor(t *testing.T) {
	v := validator.New()

	envErr := v.ValidateRequest(decode(t, `{"jsonrpc":"2.0","id":1}`))
	if got := validator.CodeFor(envErr); got != models.CodeInvalidRequest {
		t.Errorf("CodeFor(invalid envelope) = %d, want %d", got, models.CodeInvalidRequest)
	}

	methodErr := v.ValidateRequest(decode(t, `{"jsonrpc":"2.0","id":1,"method":"nope/nope"}`))
	if got := validator.CodeFor(methodErr); got != models.CodeMethodNotFound {
		t.Errorf("CodeFor(unknown method) = %d, want %d", got, models.CodeMethodNotFound)
	}

	nameErr := v.ValidateToolCall(decode(t, `{"name":"bad name!"}`))
	if got := validator.CodeFor(nameErr); got != models.CodeInvalidParams {
		t.Errorf("CodeFor(bad tool name) = %d, want %d", got, models.CodeInvalidParams)
	}
}

// ─── Sanitization ───────────────────────────────────────────

func TestSanitizeInput(t *testing.T) {
	dirty := decode(t, `{"a":1,"__proto__":{"polluted":true},"nested":{"constructor":"x","keep":"y"},"list":[{"__proto__":1},2]}`)

	clean, ok := validator.SanitizeInput(dirty).(map[string]interface{})
	if !ok {
		t.Fatal("SanitizeInput() did not return a map")
	}
	if _, present := clean["__proto__"]; present {
		t.Error("__proto__ survived sanitization")
	}
	nested, _ := clean["nested"].(map[string]interface{})
	if _, present := nested["constructor"]; present {
		t.Error("nested constructor survived sanitization")
	}
	if nested["keep"] != "y" {
		t.Errorf("nested benign key = %v, want %q", nested["keep"], "y")
	}
	list, _ := clean["list"].([]interface{})
	if len(list) != 2 {
		t.Fatalf("list length = %d, want 2", len(list))
	}
	item, _ := list[0].(map[string]interface{})
	if _, present := item["__proto__"]; present {
		t.Error("__proto__ inside array survived sanitization")
	}

	// Original must be untouched (deep clone, not in-place mutation).
	orig, _ := dirty.(map[string]interface{})
	if _, present := orig["__proto__"]; !present {
		t.Error("SanitizeInput() mutated its input")
	}
}

func TestSanitizeArguments_Nil(t *testing.T) {
	if got := validator.SanitizeArguments(nil); got != nil {
		t.Errorf("SanitizeArguments(nil) = %v, want nil", got)
	}
}
