package job

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/autoweave/autoweave/internal/serialization"
)

func validPluginPayload() json.RawMessage {
	return json.RawMessage(`{"plugin_id":"plg-1","action":"run"}`)
}

func TestNew_Defaults(t *testing.T) {
	j, err := New(KindPluginExecute, validPluginPayload(), Metadata{}, Options{})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	if j.ID == "" {
		t.Error("expected job ID to be assigned")
	}
	if j.Status != StatusWaiting {
		t.Errorf("expected status waiting, got %s", j.Status)
	}
	if j.Options.Priority != DefaultPriority {
		t.Errorf("expected default priority %d, got %d", DefaultPriority, j.Options.Priority)
	}
	if j.Options.MaxAttempts != DefaultMaxAttempts {
		t.Errorf("expected default max attempts %d, got %d", DefaultMaxAttempts, j.Options.MaxAttempts)
	}
	if j.Options.Timeout != DefaultTimeout {
		t.Errorf("expected default timeout %v, got %v", DefaultTimeout, j.Options.Timeout)
	}
	if j.Metadata.Source != SourceManual {
		t.Errorf("expected default source manual, got %s", j.Metadata.Source)
	}
	if j.Metadata.Version != RecordVersion {
		t.Errorf("expected version %s, got %s", RecordVersion, j.Metadata.Version)
	}
	if j.Metadata.SubmittedAt.IsZero() {
		t.Error("expected submission timestamp")
	}
}

func TestNew_PriorityClamping(t *testing.T) {
	cases := []struct {
		name string
		in   int
		want int
	}{
		{"below range", -1, 0},
		{"above range", 101, 100},
		{"lower bound", 0, 0},
		{"upper bound", 100, 100},
		{"in range", 42, 42},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			j, err := New(KindPluginExecute, validPluginPayload(), Metadata{}, Options{Priority: tc.in})
			if err != nil {
				t.Fatalf("expected no error, got %v", err)
			}
			if j.Options.Priority != tc.want {
				t.Errorf("priority %d: expected %d, got %d", tc.in, tc.want, j.Options.Priority)
			}
		})
	}
}

func TestNew_DecodesProtobufPayload(t *testing.T) {
	codec := serialization.NewProtobufCodec()
	encoded, err := codec.EncodeStructPayload([]byte(`{"signature":"abc123","vendor_id":7531,"product_id":2,"bus":1,"address":4}`))
	if err != nil {
		t.Fatal(err)
	}
	if !codec.IsProtobuf(encoded) {
		t.Fatal("encoded payload should carry the protobuf prefix")
	}

	j, err := New(KindUSBDeviceAttached, encoded, Metadata{Source: SourceUSBDaemon}, Options{})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	// The stored payload is the decoded JSON form.
	var p USBDevicePayload
	if err := json.Unmarshal(j.Payload, &p); err != nil {
		t.Fatalf("stored payload is not JSON: %v", err)
	}
	if p.Signature != "abc123" || p.VendorID != 7531 || p.ProductID != 2 || p.Bus != 1 || p.Address != 4 {
		t.Errorf("payload = %+v", p)
	}
}

func TestNew_ValidatesProtobufPayload(t *testing.T) {
	codec := serialization.NewProtobufCodec()
	encoded, err := codec.EncodeStructPayload([]byte(`{"vendor_id":7531}`))
	if err != nil {
		t.Fatal(err)
	}

	// Missing signature must be caught after decoding.
	var verr *ValidationError
	if _, err := New(KindUSBDeviceAttached, encoded, Metadata{}, Options{}); !errors.As(err, &verr) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestNew_DelayedStatus(t *testing.T) {
	j, err := New(KindPluginExecute, validPluginPayload(), Metadata{}, Options{Delay: time.Minute})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if j.Status != StatusDelayed {
		t.Errorf("expected status delayed, got %s", j.Status)
	}

	// Delay of 0 is indistinguishable from no delay.
	j, err = New(KindPluginExecute, validPluginPayload(), Metadata{}, Options{Delay: 0})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if j.Status != StatusWaiting {
		t.Errorf("expected status waiting for zero delay, got %s", j.Status)
	}
}

func TestNew_RejectsUnknownKind(t *testing.T) {
	_, err := New(Kind("not.a.kind"), validPluginPayload(), Metadata{}, Options{})
	if err == nil {
		t.Fatal("expected error for unknown kind")
	}
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %T", err)
	}
}

func TestNew_RejectsBadOptions(t *testing.T) {
	cases := []struct {
		name string
		opts Options
	}{
		{"negative delay", Options{Delay: -time.Second}},
		{"negative max attempts", Options{MaxAttempts: -1}},
		{"negative timeout", Options{Timeout: -time.Second}},
		{"unknown backoff", Options{Backoff: Backoff{Type: "quadratic"}}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := New(KindPluginExecute, validPluginPayload(), Metadata{}, tc.opts); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestNew_RejectsUnknownSource(t *testing.T) {
	_, err := New(KindPluginExecute, validPluginPayload(), Metadata{Source: "carrier-pigeon"}, Options{})
	if err == nil {
		t.Fatal("expected error for unknown source")
	}
}

func TestValidatePayload(t *testing.T) {
	cases := []struct {
		name    string
		kind    Kind
		payload string
		wantErr bool
	}{
		{"valid usb", KindUSBDeviceAttached, `{"signature":"a1b2c3d4e5f60718","vendor_id":1133,"product_id":49970}`, false},
		{"usb missing signature", KindUSBDeviceAttached, `{"vendor_id":1133}`, true},
		{"usb scan without signature", KindUSBDeviceScan, `{"bus":1}`, false},
		{"valid plugin", KindPluginLoad, `{"plugin_id":"p1"}`, false},
		{"plugin missing id", KindPluginLoad, `{"action":"load"}`, true},
		{"valid llm", KindLLMCompletion, `{"model":"m","input":["hi"]}`, false},
		{"llm missing model", KindLLMCompletion, `{"input":["hi"]}`, true},
		{"llm missing input", KindLLMEmbeddings, `{"model":"m"}`, true},
		{"valid system", KindSystemCleanup, `{}`, false},
		{"valid memory", KindMemorySearch, `{"namespace":"docs","query":"x"}`, false},
		{"memory missing namespace", KindMemoryIndex, `{}`, true},
		{"malformed json", KindPluginLoad, `{"plugin_id":`, true},
		{"empty payload", KindPluginLoad, ``, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidatePayload(tc.kind, json.RawMessage(tc.payload))
			if tc.wantErr && err == nil {
				t.Error("expected validation error")
			}
			if !tc.wantErr && err != nil {
				t.Errorf("expected no error, got %v", err)
			}
		})
	}
}

func TestBackoff_Delay(t *testing.T) {
	fixed := Backoff{Type: BackoffFixed, BaseDelay: 5 * time.Second}
	for attempts := 1; attempts <= 5; attempts++ {
		if d := fixed.Delay(attempts); d != 5*time.Second {
			t.Errorf("fixed attempt %d: expected 5s, got %v", attempts, d)
		}
	}

	exp := Backoff{Type: BackoffExponential, BaseDelay: 100 * time.Millisecond}
	want := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 400 * time.Millisecond, 800 * time.Millisecond}
	for i, w := range want {
		if d := exp.Delay(i + 1); d != w {
			t.Errorf("exponential attempt %d: expected %v, got %v", i+1, w, d)
		}
	}
}

func TestBackoff_ExponentialCap(t *testing.T) {
	exp := Backoff{Type: BackoffExponential, BaseDelay: time.Second}
	if d := exp.Delay(20); d != MaxBackoffDelay {
		t.Errorf("expected cap %v, got %v", MaxBackoffDelay, d)
	}
}

func TestMarshalRoundTrip(t *testing.T) {
	j, err := New(KindLLMBatch, json.RawMessage(`{"model":"m","input":[1,2]}`), Metadata{Source: SourceScheduled, CorrelationID: "entry-1"}, Options{Priority: 80})
	if err != nil {
		t.Fatalf("failed to build job: %v", err)
	}

	data, err := j.Marshal()
	if err != nil {
		t.Fatalf("failed to marshal: %v", err)
	}

	got, err := Unmarshal(data)
	if err != nil {
		t.Fatalf("failed to unmarshal: %v", err)
	}
	if got.ID != j.ID || got.Kind != j.Kind || got.Options.Priority != 80 {
		t.Errorf("round trip mismatch: %+v", got)
	}
	if got.Metadata.CorrelationID != "entry-1" {
		t.Errorf("expected correlation ID to survive, got %q", got.Metadata.CorrelationID)
	}
}

func TestUnmarshal_AcceptsLegacyJSONRecord(t *testing.T) {
	j, err := New(KindSystemHealth, json.RawMessage(`{}`), Metadata{}, Options{})
	if err != nil {
		t.Fatalf("failed to build job: %v", err)
	}

	// Records written before the format prefix are bare JSON.
	data, err := json.Marshal(j)
	if err != nil {
		t.Fatal(err)
	}
	got, err := Unmarshal(data)
	if err != nil {
		t.Fatalf("failed to unmarshal legacy record: %v", err)
	}
	if got.ID != j.ID {
		t.Errorf("expected ID %s, got %s", j.ID, got.ID)
	}
}

func TestUnmarshal_RejectsMajorVersionMismatch(t *testing.T) {
	j, err := New(KindSystemHealth, json.RawMessage(`{}`), Metadata{}, Options{})
	if err != nil {
		t.Fatalf("failed to build job: %v", err)
	}
	j.Metadata.Version = "2.0.0"
	data, _ := j.Marshal()

	if _, err := Unmarshal(data); !errors.Is(err, ErrVersionMismatch) {
		t.Errorf("expected ErrVersionMismatch, got %v", err)
	}
}

func TestStatus_Terminal(t *testing.T) {
	terminal := []Status{StatusCompleted, StatusFailed, StatusCancelled, StatusDeadLettered}
	for _, s := range terminal {
		if !s.Terminal() {
			t.Errorf("expected %s to be terminal", s)
		}
	}
	for _, s := range []Status{StatusWaiting, StatusDelayed, StatusActive} {
		if s.Terminal() {
			t.Errorf("expected %s to be non-terminal", s)
		}
	}
}

func TestAppendLog_Cap(t *testing.T) {
	j, _ := New(KindSystemHealth, json.RawMessage(`{}`), Metadata{}, Options{})
	for i := 0; i < MaxLogEntries+10; i++ {
		j.AppendLog("info", "line")
	}
	if len(j.Logs) != MaxLogEntries {
		t.Errorf("expected log cap %d, got %d", MaxLogEntries, len(j.Logs))
	}
}

func TestRecordFailure(t *testing.T) {
	j, _ := New(KindSystemHealth, json.RawMessage(`{}`), Metadata{}, Options{})
	j.Attempts = 2
	j.RecordFailure(strings.Repeat("x", 300), "timeout", "trace-1")

	if j.LastError == nil {
		t.Fatal("expected last error to be recorded")
	}
	if j.LastError.Attempt != 2 {
		t.Errorf("expected attempt 2, got %d", j.LastError.Attempt)
	}
	if len(j.AttemptHistory) != 1 {
		t.Fatalf("expected one history entry, got %d", len(j.AttemptHistory))
	}
	if len(j.AttemptHistory[0]) > 220 {
		t.Error("expected history entry to be truncated")
	}
	if j.FailedAt == nil {
		t.Error("expected FailedAt to be stamped")
	}
}
