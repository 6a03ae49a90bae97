package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"github.com/autoweave/autoweave/internal/config"
	awerrors "github.com/autoweave/autoweave/internal/errors"
	"github.com/autoweave/autoweave/internal/events"
	"github.com/autoweave/autoweave/internal/job"
	"github.com/autoweave/autoweave/internal/logger"
	"github.com/autoweave/autoweave/internal/serialization"
)

// overflowDrainInterval is how often deferred events are retried against the
// rate limiter.
const overflowDrainInterval = 100 * time.Millisecond

// JobQueue is the slice of the queue surface the bridge needs.
type JobQueue interface {
	Enqueue(ctx context.Context, j *job.Job) error
}

// Bridge reads hot-plug events from a Redis stream through a durable
// consumer group and enqueues usb.device.* jobs. Duplicate attaches are
// filtered against the connected-device hash; bursts are debounced per
// device; enqueues are rate-limited with surplus events deferred, never
// dropped. A message is acknowledged only after its job is durably enqueued
// or the message is definitively filtered.
type Bridge struct {
	cfg    config.BridgeConfig
	client *redis.Client
	queue  JobQueue
	bus    *events.Bus
	log    logger.Logger

	limiter      *rate.Limiter
	codec        *serialization.Codec
	connectedKey string
	allowed      map[string]struct{}

	mu       sync.Mutex
	lastSeen map[string]time.Time
	overflow []deferredMessage
	started  bool
	stop     chan struct{}
	wg       sync.WaitGroup
}

// deferredMessage is an event held back by the rate limiter. Its stream
// message stays unacknowledged until it is delivered.
type deferredMessage struct {
	event *HotplugEvent
	msgID string
}

// New creates a bridge over the configured stream and target queue.
func New(cfg config.BridgeConfig, q JobQueue, client *redis.Client, namespace string, bus *events.Bus, log logger.Logger) *Bridge {
	if log == nil {
		log = &logger.NoOp{}
	}
	if namespace == "" {
		namespace = "aw"
	}

	var allowed map[string]struct{}
	if len(cfg.AllowedVendors) > 0 {
		allowed = make(map[string]struct{}, len(cfg.AllowedVendors))
		for _, v := range cfg.AllowedVendors {
			allowed[strings.ToLower(strings.TrimSpace(v))] = struct{}{}
		}
	}

	return &Bridge{
		cfg:          cfg,
		client:       client,
		queue:        q,
		bus:          bus,
		log:          log.WithComponent(logger.ComponentBridge),
		limiter:      rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.RateBurst),
		codec:        serialization.NewProtobufCodec(),
		connectedKey: namespace + ":usb:connected",
		allowed:      allowed,
		lastSeen:     make(map[string]time.Time),
	}
}

// Start creates the consumer group if needed and launches the read, reclaim,
// and overflow-drain loops.
func (b *Bridge) Start(ctx context.Context) error {
	b.mu.Lock()
	if b.started {
		b.mu.Unlock()
		return fmt.Errorf("bridge already started")
	}
	b.started = true
	b.stop = make(chan struct{})
	b.mu.Unlock()

	err := b.client.XGroupCreateMkStream(ctx, b.cfg.StreamKey, b.cfg.ConsumerGroup, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("failed to create consumer group: %w", err)
	}

	loops := map[string]func(context.Context){
		"read":    b.readLoop,
		"reclaim": b.reclaimLoop,
		"drain":   b.drainLoop,
	}
	for name, loop := range loops {
		name, loop := name, loop
		b.wg.Add(1)
		awerrors.Go(func() {
			defer b.wg.Done()
			loop(ctx)
		}, func(perr *awerrors.PanicError) {
			b.log.Error("bridge loop crashed", "loop", name, "panic", awerrors.FormatPanicForLog(perr))
		})
	}

	b.log.Info("bridge started",
		"stream", b.cfg.StreamKey, "group", b.cfg.ConsumerGroup,
		"consumer", b.cfg.Consumer, "queue", b.cfg.TargetQueue)
	return nil
}

// Stop halts ingress. Deferred events that were never delivered stay
// unacknowledged and are redelivered to the next consumer.
func (b *Bridge) Stop() {
	b.mu.Lock()
	if !b.started {
		b.mu.Unlock()
		return
	}
	b.started = false
	close(b.stop)
	b.mu.Unlock()

	b.wg.Wait()
	b.log.Info("bridge stopped")
}

// ConnectedSignatures returns the signatures currently in the connected-set.
func (b *Bridge) ConnectedSignatures(ctx context.Context) ([]string, error) {
	return b.client.HKeys(ctx, b.connectedKey).Result()
}

func (b *Bridge) readLoop(ctx context.Context) {
	for {
		select {
		case <-b.stop:
			return
		case <-ctx.Done():
			return
		default:
		}

		streams, err := b.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    b.cfg.ConsumerGroup,
			Consumer: b.cfg.Consumer,
			Streams:  []string{b.cfg.StreamKey, ">"},
			Count:    int64(b.cfg.BatchSize),
			Block:    b.cfg.BlockTimeout,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) || ctx.Err() != nil {
				continue
			}
			select {
			case <-b.stop:
				return
			default:
			}
			b.log.Warn("stream read failed", "error", err.Error())
			b.sleep(time.Second)
			continue
		}

		for _, stream := range streams {
			for _, msg := range stream.Messages {
				b.handleMessage(ctx, msg)
			}
		}
	}
}

// handleMessage runs one stream message through parse, filter, debounce, and
// the rate limiter.
func (b *Bridge) handleMessage(ctx context.Context, msg redis.XMessage) {
	ev, err := parseEvent(msg.Values)
	if err != nil {
		b.log.Warn("dropping malformed hotplug event", "msg_id", msg.ID, "error", err.Error())
		b.ack(ctx, msg.ID)
		return
	}

	if !b.vendorAllowed(ev) {
		b.log.Debug("vendor not in allow-list", "signature", ev.Signature, "vendor_id", fmt.Sprintf("%04x", ev.VendorID))
		b.ack(ctx, msg.ID)
		return
	}

	if b.debounced(ev) {
		b.log.Debug("debounced hotplug burst", "signature", ev.Signature, "action", string(ev.Action))
		b.ack(ctx, msg.ID)
		return
	}

	if b.limiter.Allow() {
		b.deliver(ctx, ev, msg.ID)
		return
	}

	b.mu.Lock()
	b.overflow = append(b.overflow, deferredMessage{event: ev, msgID: msg.ID})
	depth := len(b.overflow)
	b.mu.Unlock()
	b.log.Debug("enqueue rate exceeded, deferring event", "signature", ev.Signature, "overflow_depth", depth)
}

// deliver applies the event to the connected-set and enqueues the matching
// job. The connected-set mutation is rolled back if the enqueue fails so the
// redelivered message is not misread as a duplicate.
func (b *Bridge) deliver(ctx context.Context, ev *HotplugEvent, msgID string) {
	info, err := json.Marshal(job.USBDevicePayload{
		Signature: ev.Signature,
		VendorID:  ev.VendorID,
		ProductID: ev.ProductID,
		Bus:       ev.Bus,
		Address:   ev.Address,
		Product:   ev.Product,
	})
	if err != nil {
		b.log.Error("failed to serialize device info", "signature", ev.Signature, "error", err.Error())
		return
	}

	switch ev.Action {
	case ActionAttach:
		added, err := b.client.HSetNX(ctx, b.connectedKey, ev.Signature, info).Result()
		if err != nil {
			b.log.Warn("connected-set update failed", "signature", ev.Signature, "error", err.Error())
			return
		}
		if !added {
			// Device already connected; duplicate attach.
			b.ack(ctx, msgID)
			return
		}
		if err := b.enqueueJob(ctx, job.KindUSBDeviceAttached, ev, info); err != nil {
			b.client.HDel(ctx, b.connectedKey, ev.Signature)
			b.log.Warn("failed to enqueue attach job", "signature", ev.Signature, "error", err.Error())
			return
		}
	case ActionDetach:
		removed, err := b.client.HDel(ctx, b.connectedKey, ev.Signature).Result()
		if err != nil {
			b.log.Warn("connected-set update failed", "signature", ev.Signature, "error", err.Error())
			return
		}
		if removed == 0 {
			// Detach for a device we never saw attach.
			b.ack(ctx, msgID)
			return
		}
		if err := b.enqueueJob(ctx, job.KindUSBDeviceDetached, ev, info); err != nil {
			b.client.HSet(ctx, b.connectedKey, ev.Signature, info)
			b.log.Warn("failed to enqueue detach job", "signature", ev.Signature, "error", err.Error())
			return
		}
	}

	b.ack(ctx, msgID)
}

// enqueueJob ships the device info as a protobuf-encoded payload; the
// submission path decodes it back to JSON for validation and storage.
func (b *Bridge) enqueueJob(ctx context.Context, kind job.Kind, ev *HotplugEvent, info []byte) error {
	payload, err := b.codec.EncodeStructPayload(info)
	if err != nil {
		return fmt.Errorf("failed to encode device payload: %w", err)
	}
	j, err := job.New(kind, payload, job.Metadata{
		Source:        job.SourceUSBDaemon,
		CorrelationID: ev.Signature,
	}, job.Options{})
	if err != nil {
		return err
	}
	j.Queue = b.cfg.TargetQueue

	if err := b.queue.Enqueue(ctx, j); err != nil {
		return err
	}

	if b.bus != nil {
		b.bus.Publish(events.Event{Type: events.JobAdded, Queue: j.Queue, JobID: j.ID})
	}
	b.log.InfoContext(logger.WithJobID(ctx, j.ID), "hotplug event enqueued",
		"kind", string(kind), "signature", ev.Signature)
	return nil
}

// debounced reports whether an identical event for the same device landed
// within the debounce window. Attach and detach are debounced independently
// so a quick attach/detach pair is never half-suppressed.
func (b *Bridge) debounced(ev *HotplugEvent) bool {
	if b.cfg.DebounceWindow <= 0 {
		return false
	}
	key := ev.Signature + "/" + string(ev.Action)
	now := time.Now()

	b.mu.Lock()
	defer b.mu.Unlock()
	if last, ok := b.lastSeen[key]; ok && now.Sub(last) < b.cfg.DebounceWindow {
		return true
	}
	b.lastSeen[key] = now
	return false
}

func (b *Bridge) vendorAllowed(ev *HotplugEvent) bool {
	if b.allowed == nil {
		return true
	}
	_, ok := b.allowed[fmt.Sprintf("%04x", ev.VendorID)]
	return ok
}

func (b *Bridge) ack(ctx context.Context, msgID string) {
	if err := b.client.XAck(ctx, b.cfg.StreamKey, b.cfg.ConsumerGroup, msgID).Err(); err != nil {
		b.log.Warn("ack failed", "msg_id", msgID, "error", err.Error())
	}
}

// drainLoop delivers deferred events as limiter tokens free up.
func (b *Bridge) drainLoop(ctx context.Context) {
	ticker := time.NewTicker(overflowDrainInterval)
	defer ticker.Stop()

	for {
		select {
		case <-b.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.drainOverflow(ctx)
		}
	}
}

func (b *Bridge) drainOverflow(ctx context.Context) {
	for {
		b.mu.Lock()
		if len(b.overflow) == 0 {
			b.mu.Unlock()
			return
		}
		if !b.limiter.Allow() {
			b.mu.Unlock()
			return
		}
		next := b.overflow[0]
		b.overflow = b.overflow[1:]
		b.mu.Unlock()

		b.deliver(ctx, next.event, next.msgID)
	}
}

// reclaimLoop takes over pending messages whose consumer died before
// acknowledging, preserving at-least-once delivery.
func (b *Bridge) reclaimLoop(ctx context.Context) {
	ticker := time.NewTicker(b.cfg.ClaimMinIdle)
	defer ticker.Stop()

	for {
		select {
		case <-b.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.reclaimPending(ctx)
		}
	}
}

func (b *Bridge) reclaimPending(ctx context.Context) {
	pending, err := b.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: b.cfg.StreamKey,
		Group:  b.cfg.ConsumerGroup,
		Idle:   b.cfg.ClaimMinIdle,
		Start:  "-",
		End:    "+",
		Count:  int64(b.cfg.BatchSize),
	}).Result()
	if err != nil {
		if ctx.Err() == nil && !errors.Is(err, redis.Nil) {
			b.log.Warn("pending scan failed", "error", err.Error())
		}
		return
	}

	for _, p := range pending {
		claimed, err := b.client.XClaim(ctx, &redis.XClaimArgs{
			Stream:   b.cfg.StreamKey,
			Group:    b.cfg.ConsumerGroup,
			Consumer: b.cfg.Consumer,
			MinIdle:  b.cfg.ClaimMinIdle,
			Messages: []string{p.ID},
		}).Result()
		if err != nil || len(claimed) == 0 {
			continue
		}
		b.log.Info("reclaimed pending hotplug event", "msg_id", p.ID, "from_consumer", p.Consumer)
		for _, msg := range claimed {
			b.handleMessage(ctx, msg)
		}
	}
}

func (b *Bridge) sleep(d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-b.stop:
	case <-timer.C:
	}
}
