package queue

import "strings"

// keys holds the pre-computed Redis keys for a single named queue.
// Computing them once avoids string allocations on the hot claim path.
type keys struct {
	waiting   string // ZSET: jobID scored by priority class + submission order
	delayed   string // ZSET: jobID scored by due time (unix ms)
	active    string // HASH: jobID -> last heartbeat (unix ms)
	completed string // ZSET: jobID scored by finish time (unix ms)
	failed    string // ZSET: jobID scored by failure time (unix ms)
	cancelled string // ZSET: jobID scored by cancel time (unix ms)
	dead      string // ZSET: jobID scored by dead-letter time (unix ms)
	scores    string // HASH: jobID -> precomputed waiting score for delayed jobs
	seq       string // STRING: submission sequence counter
	pause     string // STRING: present while the queue is paused
	jobPrefix string // STRING per job: serialized job record
	cancelReq string // STRING per job: cooperative cancel marker for active jobs
}

func newKeys(namespace, queue string) keys {
	base := namespace + ":q:" + queue + ":"
	return keys{
		waiting:   base + "waiting",
		delayed:   base + "delayed",
		active:    base + "active",
		completed: base + "completed",
		failed:    base + "failed",
		cancelled: base + "cancelled",
		dead:      base + "dead",
		scores:    base + "scores",
		seq:       base + "seq",
		pause:     base + "pause",
		jobPrefix: base + "job:",
		cancelReq: base + "cancel:",
	}
}

func (k keys) job(jobID string) string {
	var b strings.Builder
	b.Grow(len(k.jobPrefix) + len(jobID))
	b.WriteString(k.jobPrefix)
	b.WriteString(jobID)
	return b.String()
}

func (k keys) cancel(jobID string) string {
	var b strings.Builder
	b.Grow(len(k.cancelReq) + len(jobID))
	b.WriteString(k.cancelReq)
	b.WriteString(jobID)
	return b.String()
}
