// Package sqlite provides a checkpoint.Saver backed by SQLite through
// database/sql and the mattn/go-sqlite3 driver. It needs no server, so it
// suits local runs and tests.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"strings"

	_ "github.com/mattn/go-sqlite3"

	"github.com/smallnest/langgraph-checkpoint/checkpoint"
	"github.com/smallnest/langgraph-checkpoint/log"
)

// migrations is the ordered schema history. Setup applies the tail that the
// checkpoint_migrations table has not recorded yet.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS checkpoint_migrations (
	v INTEGER PRIMARY KEY
)`,
	`CREATE TABLE IF NOT EXISTS checkpoints (
	thread_id TEXT NOT NULL,
	checkpoint_ns TEXT NOT NULL DEFAULT '',
	checkpoint_id TEXT NOT NULL,
	parent_checkpoint_id TEXT,
	checkpoint TEXT NOT NULL,
	channel_values TEXT NOT NULL DEFAULT '{}',
	metadata TEXT NOT NULL DEFAULT '{}',
	pending_sends TEXT NOT NULL DEFAULT '[]',
	PRIMARY KEY (thread_id, checkpoint_ns, checkpoint_id)
)`,
	`CREATE TABLE IF NOT EXISTS checkpoint_channel_versions (
	thread_id TEXT NOT NULL,
	checkpoint_ns TEXT NOT NULL DEFAULT '',
	checkpoint_id TEXT NOT NULL,
	channel TEXT NOT NULL,
	version TEXT NOT NULL,
	PRIMARY KEY (thread_id, checkpoint_ns, checkpoint_id, channel)
)`,
	`CREATE TABLE IF NOT EXISTS checkpoint_writes (
	thread_id TEXT NOT NULL,
	checkpoint_ns TEXT NOT NULL DEFAULT '',
	checkpoint_id TEXT NOT NULL,
	task_id TEXT NOT NULL,
	channel TEXT NOT NULL,
	type TEXT NOT NULL,
	value BLOB,
	PRIMARY KEY (thread_id, checkpoint_ns, checkpoint_id, task_id, channel)
)`,
}

const selectCheckpointSQL = `SELECT thread_id, checkpoint_ns, checkpoint_id, parent_checkpoint_id, checkpoint, channel_values, metadata, pending_sends FROM checkpoints`

const upsertCheckpointSQL = `INSERT INTO checkpoints (thread_id, checkpoint_ns, checkpoint_id, parent_checkpoint_id, checkpoint, channel_values, metadata, pending_sends)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(thread_id, checkpoint_ns, checkpoint_id) DO UPDATE SET
	parent_checkpoint_id = excluded.parent_checkpoint_id,
	checkpoint = excluded.checkpoint,
	channel_values = excluded.channel_values,
	metadata = excluded.metadata,
	pending_sends = excluded.pending_sends`

const upsertVersionSQL = `INSERT INTO checkpoint_channel_versions (thread_id, checkpoint_ns, checkpoint_id, channel, version)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT(thread_id, checkpoint_ns, checkpoint_id, channel) DO UPDATE SET
	version = excluded.version`

const upsertWriteSQL = `INSERT INTO checkpoint_writes (thread_id, checkpoint_ns, checkpoint_id, task_id, channel, type, value)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(thread_id, checkpoint_ns, checkpoint_id, task_id, channel) DO UPDATE SET
	type = excluded.type,
	value = excluded.value`

const selectWritesSQL = `SELECT task_id, channel, type, value FROM checkpoint_writes WHERE thread_id = ? AND checkpoint_ns = ? AND checkpoint_id = ? ORDER BY channel, task_id`

// Saver implements checkpoint.Saver on SQLite.
type Saver struct {
	db     *sql.DB
	serde  checkpoint.Serializer
	logger log.Logger
	owned  bool
}

var _ checkpoint.Saver = (*Saver)(nil)

// Options configures a Saver. Zero values select the defaults: the JSON
// serializer and the package-level logger.
type Options struct {
	Serializer checkpoint.Serializer
	Logger     log.Logger
}

// NewSaver opens the database file at path and returns a saver on it. Use
// ":memory:" for a throwaway in-memory database.
func NewSaver(path string, opts *Options) (*Saver, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("unable to open database: %w", err)
	}
	// SQLite handles one writer at a time; a single pooled connection keeps
	// transactions from tripping over each other.
	db.SetMaxOpenConns(1)
	s := NewSaverWithDB(db, opts)
	s.owned = true
	return s, nil
}

// NewSaverWithDB creates a saver on an existing handle. The caller keeps
// ownership of the handle; Close on the saver is a no-op.
func NewSaverWithDB(db *sql.DB, opts *Options) *Saver {
	s := &Saver{
		db:     db,
		serde:  checkpoint.DefaultSerializer(),
		logger: log.GetDefaultLogger(),
	}
	if opts != nil && opts.Serializer != nil {
		s.serde = opts.Serializer
	}
	if opts != nil && opts.Logger != nil {
		s.logger = opts.Logger
	}
	return s
}

// Close closes the database when the saver opened it.
func (s *Saver) Close() error {
	if s.owned {
		return s.db.Close()
	}
	return nil
}

// Setup creates or upgrades the schema, recording applied migrations in the
// checkpoint_migrations table.
func (s *Saver) Setup(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, migrations[0]); err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}
	version := -1
	if err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(v), -1) FROM checkpoint_migrations`).Scan(&version); err != nil {
		return fmt.Errorf("failed to read schema version: %w", err)
	}
	for v := version + 1; v < len(migrations); v++ {
		if _, err := s.db.ExecContext(ctx, migrations[v]); err != nil {
			return fmt.Errorf("failed to apply migration %d: %w", v, err)
		}
		if _, err := s.db.ExecContext(ctx, `INSERT INTO checkpoint_migrations (v) VALUES (?)`, v); err != nil {
			return fmt.Errorf("failed to record migration %d: %w", v, err)
		}
	}
	return nil
}

// Put stores the checkpoint row and merges newVersions into the channel
// version table in one transaction.
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

	saved := checkpoint.Address{
		ThreadID:     addr.ThreadID,
		CheckpointNS: addr.CheckpointNS,
		CheckpointID: id,
	}
	err = s.withSetupRetry(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		if _, err := tx.ExecContext(ctx, upsertCheckpointSQL,
			saved.ThreadID, saved.CheckpointNS, saved.CheckpointID,
			nullable(addr.CheckpointID), envelope, values, md, sends); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to store checkpoint: %w", err)
		}
		channels := make([]string, 0, len(newVersions))
		for channel := range newVersions {
			channels = append(channels, channel)
		}
		slices.Sort(channels)
		for _, channel := range channels {
			if _, err := tx.ExecContext(ctx, upsertVersionSQL,
				saved.ThreadID, saved.CheckpointNS, saved.CheckpointID,
				channel, newVersions[channel]); err != nil {
				tx.Rollback()
				return fmt.Errorf("failed to store version for channel %q: %w", channel, err)
			}
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit checkpoint: %w", err)
		}
		return nil
	})
	if err != nil {
		return checkpoint.Address{}, err
	}
	return saved, nil
}

// PutWrites appends taskID's writes to the addressed checkpoint's ledger.
// Values are serialized before the transaction opens, so a bad value cannot
// leave partial rows behind.
func (s *Saver) PutWrites(ctx context.Context, addr checkpoint.Address, taskID string, writes []checkpoint.ChannelWrite) error {
	type dumped struct {
		channel string
		typ     string
		blob    []byte
	}
	rows := make([]dumped, 0, len(writes))
	for _, w := range writes {
		typ, blob, err := s.serde.DumpsTyped(w.Value)
		if err != nil {
			return fmt.Errorf("failed to serialize write for channel %q: %w", w.Channel, err)
		}
		rows = append(rows, dumped{channel: w.Channel, typ: typ, blob: blob})
	}

	return s.withSetupRetry(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		for _, r := range rows {
			if _, err := tx.ExecContext(ctx, upsertWriteSQL,
				addr.ThreadID, addr.CheckpointNS, addr.CheckpointID,
				taskID, r.channel, r.typ, r.blob); err != nil {
				tx.Rollback()
				return fmt.Errorf("failed to store write for channel %q: %w", r.channel, err)
			}
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit writes: %w", err)
		}
		return nil
	})
}

// GetTuple resolves the checkpoint at addr, or the newest checkpoint of the
// (thread, namespace) pair when addr carries no id. Returns (nil, nil) when
// nothing matches.
func (s *Saver) GetTuple(ctx context.Context, addr checkpoint.Address) (*checkpoint.CheckpointTuple, error) {
	var tuple *checkpoint.CheckpointTuple
	err := s.withSetupRetry(ctx, func() error {
		t, err := s.getTuple(ctx, addr)
		tuple = t
		return err
	})
	if err != nil {
		return nil, err
	}
	return tuple, nil
}

func (s *Saver) getTuple(ctx context.Context, addr checkpoint.Address) (*checkpoint.CheckpointTuple, error) {
	query := selectCheckpointSQL + ` WHERE thread_id = ? AND checkpoint_ns = ?`
	args := []any{addr.ThreadID, addr.CheckpointNS}
	if addr.CheckpointID != "" {
		query += ` AND checkpoint_id = ?`
		args = append(args, addr.CheckpointID)
	} else {
		query += ` ORDER BY checkpoint_id DESC LIMIT 1`
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query checkpoint: %w", err)
	}
	data, err := scanRows(rows)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, nil
	}
	return s.assembleTuple(ctx, data[0])
}

// listBatchSize caps how many checkpoint rows one List query fetches. The
// iterator pages through further batches with a checkpoint_id keyset cursor,
// so an abandoned or limit-satisfied iteration never drains the whole scope.
const listBatchSize = 64

// List streams matching checkpoints newest-first. Rows arrive in keyset
// batches; deserialization and the per-checkpoint writes query happen lazily
// as the iterator advances. Metadata filtering happens in-process, so with a
// filter the limit applies to matches, not to fetched rows.
func (s *Saver) List(ctx context.Context, scope *checkpoint.ListScope, opts checkpoint.ListOptions) (checkpoint.Iterator, error) {
	it := &listIterator{ctx: ctx, saver: s, scope: scope, opts: opts}
	// First fetch runs eagerly so a missing schema is recovered here rather
	// than surfacing from Next.
	if err := s.withSetupRetry(ctx, it.fetch); err != nil {
		return nil, err
	}
	return it, nil
}

func buildListQuery(scope *checkpoint.ListScope, opts checkpoint.ListOptions, cursor string, batch int) (string, []any) {
	var conds []string
	var args []any
	if scope != nil {
		conds = append(conds, "thread_id = ?")
		args = append(args, scope.ThreadID)
		if scope.CheckpointNS != nil {
			conds = append(conds, "checkpoint_ns = ?")
			args = append(args, *scope.CheckpointNS)
		}
		if scope.CheckpointID != "" {
			conds = append(conds, "checkpoint_id = ?")
			args = append(args, scope.CheckpointID)
		}
	}
	if opts.Before != nil {
		conds = append(conds, "checkpoint_id < ?")
		args = append(args, opts.Before.CheckpointID)
	}
	if cursor != "" {
		conds = append(conds, "checkpoint_id < ?")
		args = append(args, cursor)
	}

	query := selectCheckpointSQL
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY checkpoint_id DESC LIMIT ?"
	args = append(args, batch)
	return query, args
}

// rowData is one checkpoints row in raw persisted form.
type rowData struct {
	threadID      string
	ns            string
	id            string
	parentID      sql.NullString
	envelope      []byte
	channelValues []byte
	metadata      []byte
	pendingSends  []byte
}

func scanRows(rows *sql.Rows) ([]rowData, error) {
	defer rows.Close()
	var out []rowData
	for rows.Next() {
		var r rowData
		if err := rows.Scan(&r.threadID, &r.ns, &r.id, &r.parentID,
			&r.envelope, &r.channelValues, &r.metadata, &r.pendingSends); err != nil {
			return nil, fmt.Errorf("failed to scan checkpoint row: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read checkpoint rows: %w", err)
	}
	return out, nil
}

func (s *Saver) assembleTuple(ctx context.Context, r rowData) (*checkpoint.CheckpointTuple, error) {
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
	writes, err := s.loadWrites(ctx, r.threadID, r.ns, r.id)
	if err != nil {
		return nil, err
	}
	checkpoint.MergePendingSends(ckpt, writes)

	tuple := &checkpoint.CheckpointTuple{
		Address:       checkpoint.Address{ThreadID: r.threadID, CheckpointNS: r.ns, CheckpointID: r.id},
		Checkpoint:    ckpt,
		Metadata:      md,
		PendingWrites: writes,
	}
	if r.parentID.Valid && r.parentID.String != "" {
		tuple.ParentAddress = &checkpoint.Address{
			ThreadID:     r.threadID,
			CheckpointNS: r.ns,
			CheckpointID: r.parentID.String,
		}
	}
	return tuple, nil
}

// loadWrites returns the pending writes of one checkpoint in read order.
// The ORDER BY only pre-sorts; the contract is byte order by channel then
// task id, which a collation-aware database cannot promise, so the final
// sort happens in-process.
func (s *Saver) loadWrites(ctx context.Context, threadID, ns, id string) ([]checkpoint.PendingWrite, error) {
	rows, err := s.db.QueryContext(ctx, selectWritesSQL, threadID, ns, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query writes: %w", err)
	}
	defer rows.Close()

	var writes []checkpoint.PendingWrite
	for rows.Next() {
		var taskID, channel, typ string
		var blob []byte
		if err := rows.Scan(&taskID, &channel, &typ, &blob); err != nil {
			return nil, fmt.Errorf("failed to scan write row: %w", err)
		}
		v, err := s.serde.LoadsTyped(typ, blob)
		if err != nil {
			return nil, fmt.Errorf("failed to decode write for task %q channel %q: %w", taskID, channel, err)
		}
		writes = append(writes, checkpoint.PendingWrite{TaskID: taskID, Channel: channel, Value: v})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read write rows: %w", err)
	}
	checkpoint.SortPendingWrites(writes)
	return writes, nil
}

// withSetupRetry runs op, and when it fails because a table is missing, runs
// Setup once and retries op once.
func (s *Saver) withSetupRetry(ctx context.Context, op func() error) error {
	err := op()
	if err == nil || !isMissingTable(err) {
		return err
	}
	s.logger.Warn("schema missing, running setup: %v", err)
	if serr := s.Setup(ctx); serr != nil {
		return fmt.Errorf("failed to set up schema: %w", serr)
	}
	return op()
}

// isMissingTable reports whether err is SQLite's missing-table error. The
// driver exposes it only through the message text.
func isMissingTable(err error) bool {
	if err == nil {
		return false
	}
	for e := err; e != nil; e = errors.Unwrap(e) {
		if strings.Contains(e.Error(), "no such table") {
			return true
		}
	}
	return false
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// listIterator pages checkpoint rows in keyset batches and assembles tuples
// lazily. Each batch is drained from the connection before any tuple work, so
// the single pooled connection never holds two cursors at once.
type listIterator struct {
	ctx     context.Context
	saver   *Saver
	scope   *checkpoint.ListScope
	opts    checkpoint.ListOptions
	rows    []rowData
	cursor  string
	done    bool
	yielded int
	cur     *checkpoint.CheckpointTuple
	err     error
}

// fetch loads the next batch after the cursor. A short batch means the scope
// is exhausted.
func (it *listIterator) fetch() error {
	batch := listBatchSize
	if it.opts.Limit > 0 && len(it.opts.Filter) == 0 {
		if remaining := it.opts.Limit - it.yielded; remaining < batch {
			batch = remaining
		}
	}
	query, args := buildListQuery(it.scope, it.opts, it.cursor, batch)
	rows, err := it.saver.db.QueryContext(it.ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to query checkpoints: %w", err)
	}
	it.rows, err = scanRows(rows)
	if err != nil {
		return err
	}
	it.done = len(it.rows) < batch
	return nil
}

func (it *listIterator) Next() bool {
	if it.err != nil {
		return false
	}
	for {
		for len(it.rows) > 0 {
			if it.opts.Limit > 0 && it.yielded >= it.opts.Limit {
				it.cur = nil
				return false
			}
			r := it.rows[0]
			it.rows = it.rows[1:]
			it.cursor = r.id
			if len(it.opts.Filter) > 0 {
				md, err := checkpoint.UnmarshalMetadata(r.metadata)
				if err != nil {
					it.err = err
					return false
				}
				if !checkpoint.MatchesFilter(md, it.opts.Filter) {
					continue
				}
			}
			tuple, err := it.saver.assembleTuple(it.ctx, r)
			if err != nil {
				it.err = err
				return false
			}
			it.cur = tuple
			it.yielded++
			return true
		}
		if it.done || (it.opts.Limit > 0 && it.yielded >= it.opts.Limit) {
			it.cur = nil
			return false
		}
		if err := it.fetch(); err != nil {
			it.err = err
			return false
		}
	}
}

func (it *listIterator) Tuple() *checkpoint.CheckpointTuple { return it.cur }

func (it *listIterator) Err() error { return it.err }

func (it *listIterator) Close() error {
	it.rows = nil
	it.cur = nil
	it.done = true
	return nil
}
