package job

import (
	"encoding/json"
	"fmt"
)

// Kind identifies the category of work a job carries and selects its
// processor. The set of kinds is closed: submissions with any other value
// are rejected before they reach Redis.
type Kind string

const (
	// USB hot-plug kinds, produced by the stream bridge.
	KindUSBDeviceAttached Kind = "usb.device.attached"
	KindUSBDeviceDetached Kind = "usb.device.detached"
	KindUSBDeviceScan     Kind = "usb.device.scan"

	// Plugin lifecycle kinds.
	KindPluginLoad     Kind = "plugin.load"
	KindPluginUnload   Kind = "plugin.unload"
	KindPluginExecute  Kind = "plugin.execute"
	KindPluginValidate Kind = "plugin.validate"
	KindPluginReload   Kind = "plugin.reload"

	// LLM batch work kinds.
	KindLLMBatch       Kind = "llm.batch"
	KindLLMEmbeddings  Kind = "llm.embeddings"
	KindLLMCompletion  Kind = "llm.completion"

	// System maintenance kinds.
	KindSystemMaintenance Kind = "system.maintenance"
	KindSystemCleanup     Kind = "system.cleanup"
	KindSystemHealth      Kind = "system.health"
	KindSystemBackup      Kind = "system.backup"

	// Memory subsystem kinds.
	KindMemoryVectorize Kind = "memory.vectorize"
	KindMemoryIndex     Kind = "memory.index"
	KindMemorySearch    Kind = "memory.search"
	KindMemoryCleanup   Kind = "memory.cleanup"
)

// allKinds is the closed enumeration. Order is not significant.
var allKinds = map[Kind]struct{}{
	KindUSBDeviceAttached: {},
	KindUSBDeviceDetached: {},
	KindUSBDeviceScan:     {},
	KindPluginLoad:        {},
	KindPluginUnload:      {},
	KindPluginExecute:     {},
	KindPluginValidate:    {},
	KindPluginReload:      {},
	KindLLMBatch:          {},
	KindLLMEmbeddings:     {},
	KindLLMCompletion:     {},
	KindSystemMaintenance: {},
	KindSystemCleanup:     {},
	KindSystemHealth:      {},
	KindSystemBackup:      {},
	KindMemoryVectorize:   {},
	KindMemoryIndex:       {},
	KindMemorySearch:      {},
	KindMemoryCleanup:     {},
}

// Valid reports whether k is part of the closed kind enumeration.
func (k Kind) Valid() bool {
	_, ok := allKinds[k]
	return ok
}

// Kinds returns every valid kind. The slice is a fresh copy.
func Kinds() []Kind {
	out := make([]Kind, 0, len(allKinds))
	for k := range allKinds {
		out = append(out, k)
	}
	return out
}

// USBDevicePayload is the payload shape for usb.device.* kinds.
type USBDevicePayload struct {
	Signature string `json:"signature"`
	VendorID  uint16 `json:"vendor_id"`
	ProductID uint16 `json:"product_id"`
	Bus       int    `json:"bus,omitempty"`
	Address   int    `json:"address,omitempty"`
	Product   string `json:"product,omitempty"`
}

// PluginPayload is the payload shape for plugin.* kinds.
type PluginPayload struct {
	PluginID string          `json:"plugin_id"`
	Action   string          `json:"action,omitempty"`
	Args     json.RawMessage `json:"args,omitempty"`
}

// LLMPayload is the payload shape for llm.* kinds.
type LLMPayload struct {
	Model  string          `json:"model"`
	Input  json.RawMessage `json:"input"`
	Params json.RawMessage `json:"params,omitempty"`
}

// SystemPayload is the payload shape for system.* kinds.
type SystemPayload struct {
	Target string          `json:"target,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
}

// MemoryPayload is the payload shape for memory.* kinds.
type MemoryPayload struct {
	Namespace string          `json:"namespace"`
	Query     json.RawMessage `json:"query,omitempty"`
	Items     json.RawMessage `json:"items,omitempty"`
}

// ValidatePayload checks that raw decodes into the payload shape bound to
// the kind and that the shape's required fields are present. It returns a
// ValidationError so callers can reject the submission synchronously.
func ValidatePayload(kind Kind, raw json.RawMessage) error {
	if !kind.Valid() {
		return &ValidationError{Field: "kind", Reason: fmt.Sprintf("unknown job kind %q", kind)}
	}
	if len(raw) == 0 {
		return &ValidationError{Field: "payload", Reason: "payload cannot be empty"}
	}

	dec := func(v interface{}) error {
		if err := strictUnmarshal(raw, v); err != nil {
			return &ValidationError{Field: "payload", Reason: fmt.Sprintf("malformed payload for %s: %v", kind, err)}
		}
		return nil
	}

	switch kind {
	case KindUSBDeviceAttached, KindUSBDeviceDetached, KindUSBDeviceScan:
		var p USBDevicePayload
		if err := dec(&p); err != nil {
			return err
		}
		if kind != KindUSBDeviceScan && p.Signature == "" {
			return &ValidationError{Field: "payload.signature", Reason: "device signature is required"}
		}
	case KindPluginLoad, KindPluginUnload, KindPluginExecute, KindPluginValidate, KindPluginReload:
		var p PluginPayload
		if err := dec(&p); err != nil {
			return err
		}
		if p.PluginID == "" {
			return &ValidationError{Field: "payload.plugin_id", Reason: "plugin ID is required"}
		}
	case KindLLMBatch, KindLLMEmbeddings, KindLLMCompletion:
		var p LLMPayload
		if err := dec(&p); err != nil {
			return err
		}
		if p.Model == "" {
			return &ValidationError{Field: "payload.model", Reason: "model is required"}
		}
		if len(p.Input) == 0 {
			return &ValidationError{Field: "payload.input", Reason: "input is required"}
		}
	case KindSystemMaintenance, KindSystemCleanup, KindSystemHealth, KindSystemBackup:
		var p SystemPayload
		if err := dec(&p); err != nil {
			return err
		}
	case KindMemoryVectorize, KindMemoryIndex, KindMemorySearch, KindMemoryCleanup:
		var p MemoryPayload
		if err := dec(&p); err != nil {
			return err
		}
		if p.Namespace == "" {
			return &ValidationError{Field: "payload.namespace", Reason: "namespace is required"}
		}
	}

	return nil
}

// strictUnmarshal decodes JSON into v, rejecting non-object payloads early
// so malformed submissions fail with a useful message.
func strictUnmarshal(raw json.RawMessage, v interface{}) error {
	return json.Unmarshal(raw, v)
}
