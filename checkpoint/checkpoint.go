package checkpoint

import (
	"context"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
)

// TasksChannel is the reserved channel name for task sends. Writes recorded
// under it are folded into a checkpoint's pending_sends sequence on read
// instead of the ordinary channel-value space.
const TasksChannel = "__pregel_tasks"

// ChannelVersions maps a channel name to the version it carries at a
// checkpoint. Versions are opaque strings whose lexicographic order matches
// their numeric order; see NextVersion.
type ChannelVersions map[string]string

// Metadata is the free-form envelope attached to a checkpoint at write time.
// It is searchable by exact structural equality; see MatchesFilter.
type Metadata map[string]any

// Address identifies a checkpoint: a thread, a namespace within the thread,
// and a checkpoint id. The empty namespace is the default namespace, not a
// wildcard.
type Address struct {
	ThreadID     string `json:"thread_id"`
	CheckpointNS string `json:"checkpoint_ns"`
	CheckpointID string `json:"checkpoint_id,omitempty"`
}

// Checkpoint is an immutable snapshot of channel state at one step of a run.
// A new step produces a new checkpoint rather than mutating an old one.
type Checkpoint struct {
	V               int                        `json:"v"`
	ID              string                     `json:"id"`
	TS              time.Time                  `json:"ts"`
	ChannelValues   map[string]any             `json:"channel_values"`
	ChannelVersions ChannelVersions            `json:"channel_versions"`
	VersionsSeen    map[string]ChannelVersions `json:"versions_seen"`
	PendingSends    []any                      `json:"pending_sends"`
}

// EmptyCheckpoint returns a fresh checkpoint with a new time-ordered id and
// no channel state.
func EmptyCheckpoint() *Checkpoint {
	return &Checkpoint{
		V:               1,
		ID:              NewCheckpointID(),
		TS:              time.Now().UTC(),
		ChannelValues:   map[string]any{},
		ChannelVersions: ChannelVersions{},
		VersionsSeen:    map[string]ChannelVersions{},
		PendingSends:    []any{},
	}
}

// NewCheckpoint derives the next checkpoint from parent, carrying its channel
// values and versions forward under a fresh identifier.
func NewCheckpoint(parent *Checkpoint) *Checkpoint {
	c := EmptyCheckpoint()
	if parent == nil {
		return c
	}
	if parent.ChannelValues != nil {
		c.ChannelValues = maps.Clone(parent.ChannelValues)
	}
	if parent.ChannelVersions != nil {
		c.ChannelVersions = maps.Clone(parent.ChannelVersions)
	}
	for node, seen := range parent.VersionsSeen {
		c.VersionsSeen[node] = maps.Clone(seen)
	}
	return c
}

// NewCheckpointID returns a new checkpoint identifier. Ids are UUIDv7, so
// lexicographic order equals creation order and newest-first listing reduces
// to ordering by id.
func NewCheckpointID() string {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return id.String()
}

// ChannelWrite is a single (channel, value) pair produced by a task.
type ChannelWrite struct {
	Channel string
	Value   any
}

// PendingWrite is a channel write recorded against a checkpoint before it has
// been folded into a committed snapshot.
type PendingWrite struct {
	TaskID  string
	Channel string
	Value   any
}

// CheckpointTuple is the fully reassembled read view of one checkpoint: the
// snapshot itself, its metadata, its parent linkage and every pending write
// recorded against it.
type CheckpointTuple struct {
	Address       Address
	Checkpoint    *Checkpoint
	Metadata      Metadata
	ParentAddress *Address
	PendingWrites []PendingWrite
}

// ListScope restricts List to a thread and, optionally, to one namespace or
// one checkpoint. A nil CheckpointNS matches every namespace of the thread.
type ListScope struct {
	ThreadID     string
	CheckpointNS *string
	CheckpointID string
}

// ListOptions carries the optional predicates of a List call.
type ListOptions struct {
	// Filter keeps only checkpoints whose metadata contains every
	// key with a structurally equal value. An empty filter matches all.
	Filter Metadata

	// Before keeps only checkpoints older than the addressed one.
	Before *Address

	// Limit caps the number of tuples produced; zero means unlimited.
	Limit int
}

// Saver is the persistence contract for checkpoints and their pending writes.
type Saver interface {
	// Put persists the checkpoint, its metadata and the merged channel
	// versions as one atomic unit and returns the resolved address. The
	// CheckpointID of addr, when set, names the parent checkpoint this one
	// was derived from; the checkpoint's own id is generated when empty.
	// Re-writing an existing (thread, namespace, id) triple overwrites.
	Put(ctx context.Context, addr Address, ckpt *Checkpoint, metadata Metadata, newVersions ChannelVersions) (Address, error)

	// PutWrites appends the writes produced by taskID against the addressed
	// checkpoint. Replaying the same (task, channel) pair replaces the
	// stored value instead of duplicating it, so retries are safe.
	PutWrites(ctx context.Context, addr Address, taskID string, writes []ChannelWrite) error

	// GetTuple resolves the checkpoint at addr: the exact id when set,
	// otherwise the newest checkpoint of the (thread, namespace) pair.
	// Returns (nil, nil) when no checkpoint matches.
	GetTuple(ctx context.Context, addr Address) (*CheckpointTuple, error)

	// List streams checkpoints newest-first. A nil scope spans all threads.
	List(ctx context.Context, scope *ListScope, opts ListOptions) (Iterator, error)
}

// MatchesScope reports whether addr falls inside scope. A nil scope matches
// every address.
func MatchesScope(scope *ListScope, addr Address) bool {
	if scope == nil {
		return true
	}
	if addr.ThreadID != scope.ThreadID {
		return false
	}
	if scope.CheckpointNS != nil && addr.CheckpointNS != *scope.CheckpointNS {
		return false
	}
	if scope.CheckpointID != "" && addr.CheckpointID != scope.CheckpointID {
		return false
	}
	return true
}

// SortPendingWrites orders writes by channel name, then task id. The order is
// deterministic across backends and independent of append order; the sentinel
// channel sorts before ordinary channel names.
func SortPendingWrites(writes []PendingWrite) {
	slices.SortFunc(writes, func(a, b PendingWrite) int {
		if c := strings.Compare(a.Channel, b.Channel); c != 0 {
			return c
		}
		return strings.Compare(a.TaskID, b.TaskID)
	})
}

// MergePendingSends appends the values of sentinel-channel writes to the
// checkpoint's pending_sends sequence. The writes must already be in read
// order (see SortPendingWrites) so sends surface ordered by task id.
func MergePendingSends(c *Checkpoint, writes []PendingWrite) {
	for _, w := range writes {
		if w.Channel == TasksChannel {
			c.PendingSends = append(c.PendingSends, w.Value)
		}
	}
}
