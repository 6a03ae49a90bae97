package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	awerrors "github.com/autoweave/autoweave/internal/errors"
	"github.com/autoweave/autoweave/internal/job"
)

// Built-in processors for kinds the system itself produces. Embedders
// register their own processors for plugin, LLM, and memory kinds.

// HandleSystemHealth answers scheduled health probes. The queue backend is
// already reachable when this runs, so the probe reports the worker side.
func HandleSystemHealth(ctx context.Context, j *job.Job, rep Reporter) ([]byte, error) {
	var p job.SystemPayload
	if err := json.Unmarshal(j.Payload, &p); err != nil {
		return nil, awerrors.Permanent(fmt.Errorf("malformed system payload: %w", err))
	}

	target := p.Target
	if target == "" {
		target = "worker"
	}
	return json.Marshal(map[string]interface{}{
		"target":     target,
		"status":     "ok",
		"checked_at": time.Now().UTC().Format(time.RFC3339),
	})
}

// HandleUSBDeviceAttached acknowledges a device arrival from the hot-plug
// bridge. It records the sighting on the job so downstream consumers of the
// job record see what was attached.
func HandleUSBDeviceAttached(ctx context.Context, j *job.Job, rep Reporter) ([]byte, error) {
	p, err := usbPayload(j)
	if err != nil {
		return nil, err
	}
	rep.Log(ctx, "info", fmt.Sprintf("device %s attached (vendor %04x product %04x)", p.Signature, p.VendorID, p.ProductID))
	return json.Marshal(map[string]string{"signature": p.Signature, "event": "attached"})
}

// HandleUSBDeviceDetached acknowledges a device removal.
func HandleUSBDeviceDetached(ctx context.Context, j *job.Job, rep Reporter) ([]byte, error) {
	p, err := usbPayload(j)
	if err != nil {
		return nil, err
	}
	rep.Log(ctx, "info", fmt.Sprintf("device %s detached", p.Signature))
	return json.Marshal(map[string]string{"signature": p.Signature, "event": "detached"})
}

func usbPayload(j *job.Job) (*job.USBDevicePayload, error) {
	var p job.USBDevicePayload
	if err := json.Unmarshal(j.Payload, &p); err != nil {
		return nil, awerrors.Permanent(fmt.Errorf("malformed usb payload: %w", err))
	}
	if p.Signature == "" {
		return nil, awerrors.Permanent(fmt.Errorf("usb payload missing device signature"))
	}
	return &p, nil
}
