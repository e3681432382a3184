// Package memory provides an in-process checkpoint.Saver. It keeps every
// record in serialized form, so values round-trip exactly like they do
// through the database-backed savers. Useful for tests and single-process
// runs that do not need durability.
package memory

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/smallnest/langgraph-checkpoint/checkpoint"
)

// Saver is an in-memory implementation of checkpoint.Saver.
type Saver struct {
	mu    sync.RWMutex
	serde checkpoint.Serializer
	rows  map[tripleKey]*row
}

var _ checkpoint.Saver = (*Saver)(nil)

type tripleKey struct {
	threadID string
	ns       string
	id       string
}

// row holds one checkpoint in its persisted form. A row may exist with a nil
// envelope when pending writes arrive before the checkpoint itself.
type row struct {
	parentID      string
	envelope      []byte
	channelValues []byte
	metadata      []byte
	pendingSends  []byte
	versions      map[string]string
	writes        map[writeKey]storedWrite
}

type writeKey struct {
	taskID  string
	channel string
}

type storedWrite struct {
	typ  string
	blob []byte
}

// NewSaver creates an empty in-memory saver.
func NewSaver() *Saver {
	return &Saver{
		serde: checkpoint.DefaultSerializer(),
		rows:  map[tripleKey]*row{},
	}
}

// Put stores the checkpoint under (thread, namespace, id), overwriting any
// previous checkpoint with the same triple, and merges newVersions into the
// row's channel version table.
func (s *Saver) Put(ctx context.Context, addr checkpoint.Address, ckpt *checkpoint.Checkpoint, metadata checkpoint.Metadata, newVersions checkpoint.ChannelVersions) (checkpoint.Address, error) {
	id := ckpt.ID
	if id == "" {
		id = checkpoint.NewCheckpointID()
	}
	env := *ckpt
	env.ID = id

	envelope, err := checkpoint.MarshalCheckpoint(&env)
	if err != nil {
		return checkpoint.Address{}, err
	}
	values, err := checkpoint.MarshalChannelValues(ckpt.ChannelValues)
	if err != nil {
		return checkpoint.Address{}, err
	}
	md, err := checkpoint.MarshalMetadata(metadata)
	if err != nil {
		return checkpoint.Address{}, err
	}
	sends, err := checkpoint.MarshalPendingSends(ckpt.PendingSends)
	if err != nil {
		return checkpoint.Address{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.ensureRow(tripleKey{addr.ThreadID, addr.CheckpointNS, id})
	r.parentID = addr.CheckpointID
	r.envelope = envelope
	r.channelValues = values
	r.metadata = md
	r.pendingSends = sends
	for channel, version := range newVersions {
		r.versions[channel] = version
	}

	return checkpoint.Address{
		ThreadID:     addr.ThreadID,
		CheckpointNS: addr.CheckpointNS,
		CheckpointID: id,
	}, nil
}

// PutWrites appends the task's writes to the addressed checkpoint's ledger.
// A repeated (task, channel) pair replaces the stored value.
func (s *Saver) PutWrites(ctx context.Context, addr checkpoint.Address, taskID string, writes []checkpoint.ChannelWrite) error {
	dumped := make(map[writeKey]storedWrite, len(writes))
	for _, w := range writes {
		typ, blob, err := s.serde.DumpsTyped(w.Value)
		if err != nil {
			return fmt.Errorf("failed to serialize write for channel %q: %w", w.Channel, err)
		}
		dumped[writeKey{taskID, w.Channel}] = storedWrite{typ: typ, blob: blob}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.ensureRow(tripleKey{addr.ThreadID, addr.CheckpointNS, addr.CheckpointID})
	for k, w := range dumped {
		r.writes[k] = w
	}
	return nil
}

// GetTuple resolves the checkpoint at addr, or the newest one of the
// (thread, namespace) pair when no id is given. Returns (nil, nil) when
// nothing matches.
func (s *Saver) GetTuple(ctx context.Context, addr checkpoint.Address) (*checkpoint.CheckpointTuple, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	key, r, ok := s.resolve(addr)
	if !ok {
		return nil, nil
	}
	return s.assemble(key, r)
}

// List returns checkpoints newest-first, optionally scoped and filtered.
func (s *Saver) List(ctx context.Context, scope *checkpoint.ListScope, opts checkpoint.ListOptions) (checkpoint.Iterator, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var keys []tripleKey
	for k, r := range s.rows {
		if r.envelope == nil {
			continue
		}
		addr := checkpoint.Address{ThreadID: k.threadID, CheckpointNS: k.ns, CheckpointID: k.id}
		if !checkpoint.MatchesScope(scope, addr) {
			continue
		}
		if opts.Before != nil && k.id >= opts.Before.CheckpointID {
			continue
		}
		keys = append(keys, k)
	}
	slices.SortFunc(keys, func(a, b tripleKey) int {
		return strings.Compare(b.id, a.id)
	})

	var tuples []*checkpoint.CheckpointTuple
	for _, k := range keys {
		if opts.Limit > 0 && len(tuples) >= opts.Limit {
			break
		}
		r := s.rows[k]
		md, err := checkpoint.UnmarshalMetadata(r.metadata)
		if err != nil {
			return nil, err
		}
		if !checkpoint.MatchesFilter(md, opts.Filter) {
			continue
		}
		tuple, err := s.assemble(k, r)
		if err != nil {
			return nil, err
		}
		tuples = append(tuples, tuple)
	}
	return checkpoint.NewSliceIterator(tuples), nil
}

// ensureRow returns the row for key, creating a placeholder when writes
// arrive before the checkpoint. Caller must hold the write lock.
func (s *Saver) ensureRow(key tripleKey) *row {
	r := s.rows[key]
	if r == nil {
		r = &row{
			versions: map[string]string{},
			writes:   map[writeKey]storedWrite{},
		}
		s.rows[key] = r
	}
	return r
}

func (s *Saver) resolve(addr checkpoint.Address) (tripleKey, *row, bool) {
	if addr.CheckpointID != "" {
		key := tripleKey{addr.ThreadID, addr.CheckpointNS, addr.CheckpointID}
		r, ok := s.rows[key]
		if !ok || r.envelope == nil {
			return tripleKey{}, nil, false
		}
		return key, r, true
	}

	var best tripleKey
	var bestRow *row
	for k, r := range s.rows {
		if r.envelope == nil || k.threadID != addr.ThreadID || k.ns != addr.CheckpointNS {
			continue
		}
		if bestRow == nil || k.id > best.id {
			best, bestRow = k, r
		}
	}
	return best, bestRow, bestRow != nil
}

func (s *Saver) assemble(key tripleKey, r *row) (*checkpoint.CheckpointTuple, error) {
	ckpt, err := checkpoint.UnmarshalCheckpoint(r.envelope)
	if err != nil {
		return nil, err
	}
	if ckpt.ChannelValues, err = checkpoint.UnmarshalChannelValues(r.channelValues); err != nil {
		return nil, err
	}
	if ckpt.PendingSends, err = checkpoint.UnmarshalPendingSends(r.pendingSends); err != nil {
		return nil, err
	}
	md, err := checkpoint.UnmarshalMetadata(r.metadata)
	if err != nil {
		return nil, err
	}

	writes := make([]checkpoint.PendingWrite, 0, len(r.writes))
	for wk, sw := range r.writes {
		v, err := s.serde.LoadsTyped(sw.typ, sw.blob)
		if err != nil {
			return nil, fmt.Errorf("failed to decode write for task %q channel %q: %w", wk.taskID, wk.channel, err)
		}
		writes = append(writes, checkpoint.PendingWrite{TaskID: wk.taskID, Channel: wk.channel, Value: v})
	}
	checkpoint.SortPendingWrites(writes)
	checkpoint.MergePendingSends(ckpt, writes)

	tuple := &checkpoint.CheckpointTuple{
		Address:       checkpoint.Address{ThreadID: key.threadID, CheckpointNS: key.ns, CheckpointID: key.id},
		Checkpoint:    ckpt,
		Metadata:      md,
		PendingWrites: writes,
	}
	if r.parentID != "" {
		tuple.ParentAddress = &checkpoint.Address{
			ThreadID:     key.threadID,
			CheckpointNS: key.ns,
			CheckpointID: r.parentID,
		}
	}
	return tuple, nil
}
