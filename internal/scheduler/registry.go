package scheduler

import (
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/autoweave/autoweave/internal/job"
)

// entryIDPattern validates entry IDs (alphanumeric, underscores, hyphens)
var entryIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// Registry is the in-process cache of schedule entries. The durable copy
// lives in Redis; the scheduler rebuilds this cache from it on startup.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*Entry
	parser  cron.Parser
}

// NewRegistry creates an empty entry registry.
func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[string]*Entry),
		parser:  cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
	}
}

// Register validates and adds an entry. Invalid cron expressions, unknown
// job kinds, and malformed payloads are rejected here, never at fire time.
func (r *Registry) Register(entry *Entry) error {
	if err := r.validate(entry); err != nil {
		return fmt.Errorf("invalid schedule entry: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[entry.ID]; exists {
		return fmt.Errorf("schedule entry %q already exists", entry.ID)
	}

	if entry.Timezone == "" {
		entry.Timezone = "UTC"
	}

	r.entries[entry.ID] = entry
	return nil
}

// MustRegister registers an entry, panicking on error. For initialization-time
// registration of built-in schedules.
func (r *Registry) MustRegister(entry *Entry) {
	if err := r.Register(entry); err != nil {
		panic(fmt.Sprintf("failed to register schedule entry: %v", err))
	}
}

// Unregister removes an entry from the cache. Removing an unknown ID is a
// no-op.
func (r *Registry) Unregister(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, id)
}

// Get retrieves an entry by ID.
func (r *Registry) Get(id string) (*Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, exists := r.entries[id]
	return e, exists
}

// List returns all registered entries.
func (r *Registry) List() []*Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entries := make([]*Entry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	return entries
}

// Count returns the number of registered entries.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// NextRun calculates the entry's next firing time after the given instant,
// in the entry's timezone.
func (r *Registry) NextRun(entry *Entry, after time.Time) (time.Time, error) {
	cronSchedule, err := r.parser.Parse(entry.Cron)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse cron expression: %w", err)
	}

	loc := time.UTC
	if entry.Timezone != "" && entry.Timezone != "UTC" {
		loc, err = time.LoadLocation(entry.Timezone)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid timezone %s: %w", entry.Timezone, err)
		}
	}

	return cronSchedule.Next(after.In(loc)), nil
}

func (r *Registry) validate(entry *Entry) error {
	if entry.ID == "" {
		return fmt.Errorf("entry ID cannot be empty")
	}
	if !entryIDPattern.MatchString(entry.ID) {
		return fmt.Errorf("entry ID must contain only alphanumeric characters, underscores, and hyphens")
	}

	if entry.Cron == "" {
		return fmt.Errorf("cron expression cannot be empty")
	}
	if _, err := r.parser.Parse(entry.Cron); err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", entry.Cron, err)
	}

	if entry.Queue == "" {
		return fmt.Errorf("target queue cannot be empty")
	}

	if !entry.Kind.Valid() {
		return fmt.Errorf("unknown job kind %q", entry.Kind)
	}
	if err := job.ValidatePayload(entry.Kind, entry.Payload); err != nil {
		return fmt.Errorf("template payload invalid for kind %s: %w", entry.Kind, err)
	}

	if entry.Timezone != "" && entry.Timezone != "UTC" {
		if _, err := time.LoadLocation(entry.Timezone); err != nil {
			return fmt.Errorf("invalid timezone %q: %w", entry.Timezone, err)
		}
	}

	return nil
}
