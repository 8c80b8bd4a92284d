// Package validator enforces JSON-RPC 2.0 structural correctness on inbound
// requests, agent responses, and agent-declared tool definitions. It works on
// generically decoded JSON (interface{} trees) so that key presence can be
// distinguished from explicit null, which typed structs cannot do.
//
// The validator only classifies; mapping a failure kind to a JSON-RPC error
// code is the dispatcher's job (see CodeFor).
package validator

import (
	"errors"
	"regexp"

	"github.com/toolmesh/orchestrator/pkg/models"
)

// Kind classifies a validation failure.
type Kind string

const (
	KindInvalidEnvelope Kind = "invalid-envelope"
	KindInvalidMethod   Kind = "invalid-method"
	KindInvalidID       Kind = "invalid-id"
	KindInvalidParams   Kind = "invalid-params"
	KindInvalidToolName Kind = "invalid-tool-name"
	KindInvalidToolDef  Kind = "invalid-tool-def"
)

// Error is a structural validation failure.
type Error struct {
	Kind    Kind
	Message string
}

func (e *Error) Error() string { return e.Message }

func fail(kind Kind, msg string) error {
	return &Error{Kind: kind, Message: msg}
}

// CodeFor maps a validation failure to its JSON-RPC error code.
// Envelope and id problems are invalid-request; method problems are
// method-not-found; everything parameter-shaped is invalid-params.
func CodeFor(err error) int {
	var verr *Error
	if !errors.As(err, &verr) {
		return models.CodeInternalError
	}
	switch verr.Kind {
	case KindInvalidMethod:
		return models.CodeMethodNotFound
	case KindInvalidParams, KindInvalidToolName, KindInvalidToolDef:
		return models.CodeInvalidParams
	default:
		return models.CodeInvalidRequest
	}
}

var toolNameRE = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// ValidToolName reports whether name is a legal MCP tool name.
func ValidToolName(name string) bool { return toolNameRE.MatchString(name) }

var recognizedMethods = map[string]bool{
	models.MethodInitialize: true,
	models.MethodListTools:  true,
	models.MethodCallTool:   true,
	models.MethodPing:       true,
}

// Validator checks JSON-RPC envelopes. In strict mode (the default) the
// method must additionally belong to the recognized MCP set; the dispatcher
// reports out-of-set methods as method-not-found.
type Validator struct {
	strict bool
}

// New returns a strict-mode validator.
func New() *Validator { return &Validator{strict: true} }

// NewLenient returns a validator that accepts any non-empty method name.
func NewLenient() *Validator { return &Validator{strict: false} }

// ValidateRequest checks a decoded JSON-RPC request envelope: an object with
// jsonrpc "2.0", a non-empty string method, an id that is present and
// non-null, and params absent or an object/array.
func (v *Validator) ValidateRequest(envelope interface{}) error {
	obj, ok := envelope.(map[string]interface{})
	if !ok {
		return fail(KindInvalidEnvelope, "request must be a JSON object")
	}
	if ver, _ := obj["jsonrpc"].(string); ver != models.JSONRPCVersion {
		return fail(KindInvalidEnvelope, `jsonrpc must be "2.0"`)
	}
	method, ok := obj["method"].(string)
	if !ok || method == "" {
		return fail(KindInvalidEnvelope, "method must be a non-empty string")
	}
	if v.strict && !recognizedMethods[method] {
		return fail(KindInvalidMethod, "unrecognized method: "+method)
	}
	id, present := obj["id"]
	if !present || id == nil {
		return fail(KindInvalidID, "id must be present and non-null")
	}
	if params, present := obj["params"]; present {
		switch params.(type) {
		case map[string]interface{}, []interface{}:
		default:
			return fail(KindInvalidParams, "params must be an object or array")
		}
	}
	return nil
}

// ValidateResponse checks a decoded JSON-RPC response envelope: exactly one
// of result/error present, and a well-formed error subobject when present.
func (v *Validator) ValidateResponse(envelope interface{}) error {
	obj, ok := envelope.(map[string]interface{})
	if !ok {
		return fail(KindInvalidEnvelope, "response must be a JSON object")
	}
	if ver, _ := obj["jsonrpc"].(string); ver != models.JSONRPCVersion {
		return fail(KindInvalidEnvelope, `jsonrpc must be "2.0"`)
	}
	_, hasResult := obj["result"]
	errVal, hasError := obj["error"]
	if hasResult == hasError {
		return fail(KindInvalidEnvelope, "exactly one of result/error must be present")
	}
	if hasError {
		errObj, ok := errVal.(map[string]interface{})
		if !ok {
			return fail(KindInvalidEnvelope, "error must be an object")
		}
		code, ok := errObj["code"].(float64)
		if !ok || code != float64(int(code)) {
			return fail(KindInvalidEnvelope, "error.code must be an integer")
		}
		if msg, _ := errObj["message"].(string); msg == "" {
			return fail(KindInvalidEnvelope, "error.message must be a non-empty string")
		}
	}
	return nil
}

// ValidateInitialize checks initialize params. Every field is optional but
// must have the stated type when present.
func (v *Validator) ValidateInitialize(params interface{}) error {
	if params == nil {
		return nil
	}
	obj, ok := params.(map[string]interface{})
	if !ok {
		return fail(KindInvalidParams, "initialize params must be an object")
	}
	if pv, present := obj["protocolVersion"]; present {
		if _, ok := pv.(string); !ok {
			return fail(KindInvalidParams, "protocolVersion must be a string")
		}
	}
	if caps, present := obj["capabilities"]; present {
		if _, ok := caps.(map[string]interface{}); !ok {
			return fail(KindInvalidParams, "capabilities must be an object")
		}
	}
	if ci, present := obj["clientInfo"]; present {
		if _, ok := ci.(map[string]interface{}); !ok {
			return fail(KindInvalidParams, "clientInfo must be an object")
		}
	}
	return nil
}

// ValidateToolCall checks tools/call params: a required well-formed tool
// name plus optional object arguments.
func (v *Validator) ValidateToolCall(params interface{}) error {
	obj, ok := params.(map[string]interface{})
	if !ok {
		return fail(KindInvalidParams, "tools/call params must be an object")
	}
	name, _ := obj["name"].(string)
	if !ValidToolName(name) {
		return fail(KindInvalidToolName, "tool name must match ^[a-zA-Z0-9_-]+$")
	}
	if args, present := obj["arguments"]; present && args != nil {
		if _, ok := args.(map[string]interface{}); !ok {
			return fail(KindInvalidParams, "arguments must be an object")
		}
	}
	return nil
}

// ValidateToolDefinition checks a tool declared in an agent's tools/list
// reply before it is admitted to the tool index.
func (v *Validator) ValidateToolDefinition(t models.ToolDefinition) error {
	if !ValidToolName(t.Name) {
		return fail(KindInvalidToolDef, "tool definition name must match ^[a-zA-Z0-9_-]+$")
	}
	return nil
}

// SanitizeInput deep-copies a decoded JSON value, dropping keys that would
// be prototype-pollution vectors for downstream JavaScript consumers.
func SanitizeInput(x interface{}) interface{} {
	switch val := x.(type) {
	case map[string]interface{}:
		clean := make(map[string]interface{}, len(val))
		for k, v := range val {
			if k == "__proto__" || k == "constructor" {
				continue
			}
			clean[k] = SanitizeInput(v)
		}
		return clean
	case []interface{}:
		clean := make([]interface{}, len(val))
		for i, v := range val {
			clean[i] = SanitizeInput(v)
		}
		return clean
	default:
		return x
	}
}

// SanitizeArguments is SanitizeInput specialized for tool-call argument maps.
func SanitizeArguments(args map[string]interface{}) map[string]interface{} {
	if args == nil {
		return nil
	}
	clean, _ := SanitizeInput(args).(map[string]interface{})
	return clean
}
