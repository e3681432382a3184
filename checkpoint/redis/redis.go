// Package redis provides a checkpoint.Saver backed by Redis. Each checkpoint
// is one JSON document; a set indexes the stored triples so listing does not
// depend on key patterns. Scope, metadata filtering and ordering run
// in-process, matching the semantics of the SQL backends.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/smallnest/langgraph-checkpoint/checkpoint"
)

// Saver implements checkpoint.Saver on Redis.
type Saver struct {
	client redis.UniversalClient
	serde  checkpoint.Serializer
	prefix string
	ttl    time.Duration
	owned  bool
}

var _ checkpoint.Saver = (*Saver)(nil)

// Options configures the Redis connection and key layout.
type Options struct {
	Addr     string
	Password string
	DB       int
	Prefix   string        // Key prefix, default "langgraph:"
	TTL      time.Duration // Expiration for checkpoints, default 0 (no expiration)

	Serializer checkpoint.Serializer
}

// NewSaver creates a saver with its own Redis client.
func NewSaver(opts Options) *Saver {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	s := NewSaverWithClient(client, &opts)
	s.owned = true
	return s
}

// NewSaverWithClient creates a saver on an existing client. The caller keeps
// ownership of the client; Close on the saver is a no-op.
func NewSaverWithClient(client redis.UniversalClient, opts *Options) *Saver {
	s := &Saver{
		client: client,
		serde:  checkpoint.DefaultSerializer(),
		prefix: "langgraph:",
	}
	if opts != nil {
		if opts.Prefix != "" {
			s.prefix = opts.Prefix
		}
		s.ttl = opts.TTL
		if opts.Serializer != nil {
			s.serde = opts.Serializer
		}
	}
	return s
}

// Close closes the client when the saver created it.
func (s *Saver) Close() error {
	if s.owned {
		return s.client.Close()
	}
	return nil
}

// Setup verifies connectivity. Redis needs no schema.
func (s *Saver) Setup(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to reach redis: %w", err)
	}
	return nil
}

// triple is an index-set member. JSON keeps the fields unambiguous even when
// ids or namespaces contain separators.
type triple struct {
	ThreadID     string `json:"thread_id"`
	CheckpointNS string `json:"checkpoint_ns"`
	CheckpointID string `json:"checkpoint_id"`
}

// document is the stored form of one checkpoint.
type document struct {
	ParentID      string          `json:"parent_id,omitempty"`
	Checkpoint    json.RawMessage `json:"checkpoint"`
	ChannelValues json.RawMessage `json:"channel_values"`
	Metadata      json.RawMessage `json:"metadata"`
	PendingSends  json.RawMessage `json:"pending_sends"`
}

// storedWrite is one field value in a checkpoint's writes hash.
type storedWrite struct {
	Type  string `json:"type"`
	Value []byte `json:"value,omitempty"`
}

func (s *Saver) checkpointKey(threadID, ns, id string) string {
	return fmt.Sprintf("%scheckpoint:%s:%s:%s", s.prefix, threadID, ns, id)
}

func (s *Saver) writesKey(threadID, ns, id string) string {
	return fmt.Sprintf("%swrites:%s:%s:%s", s.prefix, threadID, ns, id)
}

func (s *Saver) versionsKey(threadID, ns, id string) string {
	return fmt.Sprintf("%sversions:%s:%s:%s", s.prefix, threadID, ns, id)
}

func (s *Saver) indexKey() string {
	return s.prefix + "checkpoints"
}

// Put stores the checkpoint document, registers its triple in the index set
// and merges newVersions into the checkpoint's versions hash, all in one
// pipeline.
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

	doc, err := json.Marshal(document{
		ParentID:      addr.CheckpointID,
		Checkpoint:    envelope,
		ChannelValues: values,
		Metadata:      md,
		PendingSends:  sends,
	})
	if err != nil {
		return checkpoint.Address{}, fmt.Errorf("failed to marshal checkpoint document: %w", err)
	}
	member, err := json.Marshal(triple{ThreadID: addr.ThreadID, CheckpointNS: addr.CheckpointNS, CheckpointID: id})
	if err != nil {
		return checkpoint.Address{}, fmt.Errorf("failed to marshal index member: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.checkpointKey(addr.ThreadID, addr.CheckpointNS, id), doc, s.ttl)
	pipe.SAdd(ctx, s.indexKey(), member)
	if len(newVersions) > 0 {
		// HSET merges, matching the upsert semantics of the SQL backends.
		versionsKey := s.versionsKey(addr.ThreadID, addr.CheckpointNS, id)
		pipe.HSet(ctx, versionsKey, map[string]string(newVersions))
		if s.ttl > 0 {
			pipe.Expire(ctx, versionsKey, s.ttl)
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return checkpoint.Address{}, fmt.Errorf("failed to save checkpoint to redis: %w", err)
	}

	return checkpoint.Address{
		ThreadID:     addr.ThreadID,
		CheckpointNS: addr.CheckpointNS,
		CheckpointID: id,
	}, nil
}

// PutWrites appends taskID's writes to the checkpoint's writes hash. The
// hash field is the (task, channel) pair, so replaying replaces in place.
func (s *Saver) PutWrites(ctx context.Context, addr checkpoint.Address, taskID string, writes []checkpoint.ChannelWrite) error {
	fields := make(map[string]any, len(writes))
	for _, w := range writes {
		typ, blob, err := s.serde.DumpsTyped(w.Value)
		if err != nil {
			return fmt.Errorf("failed to serialize write for channel %q: %w", w.Channel, err)
		}
		field, err := json.Marshal([2]string{taskID, w.Channel})
		if err != nil {
			return fmt.Errorf("failed to marshal write field: %w", err)
		}
		value, err := json.Marshal(storedWrite{Type: typ, Value: blob})
		if err != nil {
			return fmt.Errorf("failed to marshal write value: %w", err)
		}
		fields[string(field)] = value
	}
	if len(fields) == 0 {
		return nil
	}

	key := s.writesKey(addr.ThreadID, addr.CheckpointNS, addr.CheckpointID)
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, fields)
	if s.ttl > 0 {
		pipe.Expire(ctx, key, s.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to save writes to redis: %w", err)
	}
	return nil
}

// GetTuple resolves the checkpoint at addr, or the newest checkpoint of the
// (thread, namespace) pair when addr carries no id. Returns (nil, nil) when
// nothing matches.
func (s *Saver) GetTuple(ctx context.Context, addr checkpoint.Address) (*checkpoint.CheckpointTuple, error) {
	id := addr.CheckpointID
	if id == "" {
		triples, err := s.loadIndex(ctx)
		if err != nil {
			return nil, err
		}
		for _, tr := range triples {
			if tr.ThreadID != addr.ThreadID || tr.CheckpointNS != addr.CheckpointNS {
				continue
			}
			if tr.CheckpointID > id {
				id = tr.CheckpointID
			}
		}
		if id == "" {
			return nil, nil
		}
	}

	doc, err := s.loadDocument(ctx, addr.ThreadID, addr.CheckpointNS, id)
	if err != nil {
		return nil, err
	}
	if doc == nil {
		return nil, nil
	}
	return s.assembleTuple(ctx, checkpoint.Address{
		ThreadID:     addr.ThreadID,
		CheckpointNS: addr.CheckpointNS,
		CheckpointID: id,
	}, doc)
}

// List streams matching checkpoints newest-first. The index is read up
// front; documents and writes load lazily as the iterator advances.
func (s *Saver) List(ctx context.Context, scope *checkpoint.ListScope, opts checkpoint.ListOptions) (checkpoint.Iterator, error) {
	triples, err := s.loadIndex(ctx)
	if err != nil {
		return nil, err
	}

	matched := triples[:0]
	for _, tr := range triples {
		addr := checkpoint.Address(tr)
		if !checkpoint.MatchesScope(scope, addr) {
			continue
		}
		if opts.Before != nil && tr.CheckpointID >= opts.Before.CheckpointID {
			continue
		}
		matched = append(matched, tr)
	}
	slices.SortFunc(matched, func(a, b triple) int {
		return strings.Compare(b.CheckpointID, a.CheckpointID)
	})

	return &listIterator{ctx: ctx, saver: s, triples: matched, opts: opts}, nil
}

func (s *Saver) loadIndex(ctx context.Context) ([]triple, error) {
	members, err := s.client.SMembers(ctx, s.indexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint index: %w", err)
	}
	triples := make([]triple, 0, len(members))
	for _, m := range members {
		var tr triple
		if err := json.Unmarshal([]byte(m), &tr); err != nil {
			return nil, fmt.Errorf("failed to decode index member: %w", err)
		}
		triples = append(triples, tr)
	}
	return triples, nil
}

// loadDocument returns nil when the key does not exist, which also covers
// documents that expired out from under the index.
func (s *Saver) loadDocument(ctx context.Context, threadID, ns, id string) (*document, error) {
	data, err := s.client.Get(ctx, s.checkpointKey(threadID, ns, id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoint from redis: %w", err)
	}
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to decode checkpoint document: %w", err)
	}
	return &doc, nil
}

func (s *Saver) assembleTuple(ctx context.Context, addr checkpoint.Address, doc *document) (*checkpoint.CheckpointTuple, error) {
	ckpt, err := checkpoint.UnmarshalCheckpoint(doc.Checkpoint)
	if err != nil {
		return nil, err
	}
	if ckpt.ChannelValues, err = checkpoint.UnmarshalChannelValues(doc.ChannelValues); err != nil {
		return nil, err
	}
	if ckpt.PendingSends, err = checkpoint.UnmarshalPendingSends(doc.PendingSends); err != nil {
		return nil, err
	}
	md, err := checkpoint.UnmarshalMetadata(doc.Metadata)
	if err != nil {
		return nil, err
	}
	writes, err := s.loadWrites(ctx, addr)
	if err != nil {
		return nil, err
	}
	checkpoint.MergePendingSends(ckpt, writes)

	tuple := &checkpoint.CheckpointTuple{
		Address:       addr,
		Checkpoint:    ckpt,
		Metadata:      md,
		PendingWrites: writes,
	}
	if doc.ParentID != "" {
		tuple.ParentAddress = &checkpoint.Address{
			ThreadID:     addr.ThreadID,
			CheckpointNS: addr.CheckpointNS,
			CheckpointID: doc.ParentID,
		}
	}
	return tuple, nil
}

// loadWrites returns the pending writes of one checkpoint in read order.
func (s *Saver) loadWrites(ctx context.Context, addr checkpoint.Address) ([]checkpoint.PendingWrite, error) {
	fields, err := s.client.HGetAll(ctx, s.writesKey(addr.ThreadID, addr.CheckpointNS, addr.CheckpointID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load writes from redis: %w", err)
	}

	writes := make([]checkpoint.PendingWrite, 0, len(fields))
	for field, value := range fields {
		var pair [2]string
		if err := json.Unmarshal([]byte(field), &pair); err != nil {
			return nil, fmt.Errorf("failed to decode write field: %w", err)
		}
		var sw storedWrite
		if err := json.Unmarshal([]byte(value), &sw); err != nil {
			return nil, fmt.Errorf("failed to decode write value: %w", err)
		}
		v, err := s.serde.LoadsTyped(sw.Type, sw.Value)
		if err != nil {
			return nil, fmt.Errorf("failed to decode write for task %q channel %q: %w", pair[0], pair[1], err)
		}
		writes = append(writes, checkpoint.PendingWrite{TaskID: pair[0], Channel: pair[1], Value: v})
	}
	checkpoint.SortPendingWrites(writes)
	return writes, nil
}

// listIterator assembles tuples lazily from the filtered, sorted index.
type listIterator struct {
	ctx     context.Context
	saver   *Saver
	triples []triple
	opts    checkpoint.ListOptions
	yielded int
	cur     *checkpoint.CheckpointTuple
	err     error
}

func (it *listIterator) Next() bool {
	if it.err != nil {
		return false
	}
	for len(it.triples) > 0 {
		if it.opts.Limit > 0 && it.yielded >= it.opts.Limit {
			break
		}
		tr := it.triples[0]
		it.triples = it.triples[1:]

		doc, err := it.saver.loadDocument(it.ctx, tr.ThreadID, tr.CheckpointNS, tr.CheckpointID)
		if err != nil {
			it.err = err
			return false
		}
		if doc == nil {
			continue
		}
		if len(it.opts.Filter) > 0 {
			md, err := checkpoint.UnmarshalMetadata(doc.Metadata)
			if err != nil {
				it.err = err
				return false
			}
			if !checkpoint.MatchesFilter(md, it.opts.Filter) {
				continue
			}
		}
		tuple, err := it.saver.assembleTuple(it.ctx, checkpoint.Address(tr), doc)
		if err != nil {
			it.err = err
			return false
		}
		it.cur = tuple
		it.yielded++
		return true
	}
	it.cur = nil
	return false
}

func (it *listIterator) Tuple() *checkpoint.CheckpointTuple { return it.cur }

func (it *listIterator) Err() error { return it.err }

func (it *listIterator) Close() error {
	it.triples = nil
	it.cur = nil
	return nil
}
