// Package bridge consumes raw USB hot-plug events from a Redis stream and
// turns them into queue jobs. Dedup state (the connected-device hash) lives
// in Redis so that restarts and sibling consumers agree on it.
package bridge

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"
)

// Action is the hot-plug event direction.
type Action string

const (
	ActionAttach Action = "attach"
	ActionDetach Action = "detach"
)

// HotplugEvent is one parsed stream message.
type HotplugEvent struct {
	Action    Action
	VendorID  uint16
	ProductID uint16
	Bus       int
	Address   int
	Product   string
	Timestamp time.Time
	// Signature identifies the physical device across the event stream
	Signature string
}

// DeviceSignature derives the 16-hex identity of a physical device from its
// bus position. The same device re-enumerated at the same address maps to
// the same signature.
func DeviceSignature(vendorID, productID uint16, bus, address int) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%04x:%04x:%d:%d", vendorID, productID, bus, address)))
	return hex.EncodeToString(sum[:8])
}

// parseEvent decodes a raw stream message. Malformed messages are reported
// as errors so the caller can acknowledge and drop them.
func parseEvent(values map[string]interface{}) (*HotplugEvent, error) {
	action := Action(stringField(values, "action"))
	if action != ActionAttach && action != ActionDetach {
		return nil, fmt.Errorf("unknown action %q", stringField(values, "action"))
	}

	vendorID, err := uint16Field(values, "vendor_id")
	if err != nil {
		return nil, err
	}
	productID, err := uint16Field(values, "product_id")
	if err != nil {
		return nil, err
	}
	bus, err := intField(values, "bus")
	if err != nil {
		return nil, err
	}
	address, err := intField(values, "address")
	if err != nil {
		return nil, err
	}

	ev := &HotplugEvent{
		Action:    action,
		VendorID:  vendorID,
		ProductID: productID,
		Bus:       bus,
		Address:   address,
		Product:   stringField(values, "product"),
		Signature: DeviceSignature(vendorID, productID, bus, address),
	}

	if raw := stringField(values, "timestamp"); raw != "" {
		ms, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("malformed timestamp %q", raw)
		}
		ev.Timestamp = time.UnixMilli(ms)
	}
	return ev, nil
}

func stringField(values map[string]interface{}, key string) string {
	s, _ := values[key].(string)
	return s
}

func uint16Field(values map[string]interface{}, key string) (uint16, error) {
	raw := stringField(values, key)
	if raw == "" {
		return 0, fmt.Errorf("missing field %q", key)
	}
	n, err := strconv.ParseUint(raw, 10, 16)
	if err != nil {
		return 0, fmt.Errorf("malformed field %q: %v", key, err)
	}
	return uint16(n), nil
}

func intField(values map[string]interface{}, key string) (int, error) {
	raw := stringField(values, key)
	if raw == "" {
		return 0, fmt.Errorf("missing field %q", key)
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("malformed field %q: %v", key, err)
	}
	return n, nil
}
