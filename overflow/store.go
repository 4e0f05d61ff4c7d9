// Package overflow implements the append-only spill log backing
// overflow-to-disk eviction. Each region (or bucket) owns one store; values
// evicted with the overflow action are appended here and fetched back on the
// next read.
package overflow

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"

	"github.com/datagrid-io/datagrid/internal/metrics"
)

// Store errors.
var (
	// ErrNotFound indicates the reference points at a record that was
	// compacted away (or never existed).
	ErrNotFound = errors.New("overflow: record not found")

	// ErrTimeout indicates the caller's deadline elapsed before the
	// operation completed. The entry is left in its pre-operation state.
	ErrTimeout = errors.New("overflow: operation timed out")

	// ErrClosed indicates the store has been closed.
	ErrClosed = errors.New("overflow: store is closed")
)

// Record layout: 8-byte xxhash64 checksum over key+value, 4-byte key length,
// 4-byte value length, key bytes, value bytes.
const headerSize = 16

// Ref locates a spilled record. Refs stay valid across restarts as long as
// the log is not compacted; compaction bumps the segment so stale refs fail
// with ErrNotFound instead of returning unrelated bytes.
type Ref struct {
	Segment uint32
	Offset  int64
	Length  uint32
}

// Options configures a Store.
type Options struct {
	// SyncWrites makes Spill return only after the record is flushed and
	// fsynced. When false, appends land in a buffer flushed by a background
	// loop every FlushInterval, trading a crash window for latency.
	SyncWrites bool

	// FlushInterval is the background flush period in async mode.
	// Defaults to 10ms.
	FlushInterval time.Duration

	// Region names the owning region in logs and metrics.
	Region string

	Logger *zap.Logger
}

// Store is an append-only log of spilled entries.
type Store struct {
	mu   sync.Mutex
	f    *os.File
	w    *bufio.Writer
	size int64 // append offset, includes buffered bytes

	path    string
	opts    Options
	segment atomic.Uint32
	closed  bool

	stopCh chan struct{}
	doneCh chan struct{}
}

// Open creates or opens the spill log at path.
func Open(path string, opts Options) (*Store, error) {
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = 10 * time.Millisecond
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, &Error{Path: path, Op: "open", Err: err}
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, &Error{Path: path, Op: "open", Err: err}
	}
	end, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		f.Close()
		return nil, &Error{Path: path, Op: "open", Err: err}
	}

	s := &Store{
		f:      f,
		w:      bufio.NewWriter(f),
		size:   end,
		path:   path,
		opts:   opts,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}

	if !opts.SyncWrites {
		go s.flushLoop()
	} else {
		close(s.doneCh)
	}
	return s, nil
}

// Spill appends a record and returns its reference. The reference is handed
// out only after the append is complete, so a live placeholder can never
// point at a partial record.
func (s *Store) Spill(ctx context.Context, key string, value []byte) (Ref, error) {
	if ctx.Done() == nil {
		return s.append(key, value)
	}
	if err := ctx.Err(); err != nil {
		return Ref{}, ErrTimeout
	}

	type result struct {
		ref Ref
		err error
	}
	ch := make(chan result, 1)
	go func() {
		ref, err := s.append(key, value)
		ch <- result{ref, err}
	}()

	select {
	case <-ctx.Done():
		// The append may still complete in the background; the caller
		// discards the ref so the record is garbage until compaction.
		return Ref{}, ErrTimeout
	case r := <-ch:
		return r.ref, r.err
	}
}

func (s *Store) append(key string, value []byte) (Ref, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return Ref{}, ErrClosed
	}

	total := headerSize + len(key) + len(value)
	hdr := make([]byte, headerSize)
	sum := xxhash.New()
	sum.WriteString(key)
	sum.Write(value)
	binary.BigEndian.PutUint64(hdr[0:8], sum.Sum64())
	binary.BigEndian.PutUint32(hdr[8:12], uint32(len(key)))
	binary.BigEndian.PutUint32(hdr[12:16], uint32(len(value)))

	offset := s.size
	if _, err := s.w.Write(hdr); err != nil {
		return Ref{}, s.appendFailed(err)
	}
	if _, err := s.w.WriteString(key); err != nil {
		return Ref{}, s.appendFailed(err)
	}
	if _, err := s.w.Write(value); err != nil {
		return Ref{}, s.appendFailed(err)
	}
	s.size += int64(total)

	if s.opts.SyncWrites {
		start := time.Now()
		if err := s.flushLocked(true); err != nil {
			return Ref{}, s.appendFailed(err)
		}
		metrics.OverflowFlushDurationSeconds.Observe(time.Since(start).Seconds())
	}

	metrics.OverflowSpillsTotal.WithLabelValues(s.opts.Region, "ok").Inc()
	metrics.OverflowBytesWritten.WithLabelValues(s.opts.Region).Add(float64(total))

	return Ref{Segment: s.segment.Load(), Offset: offset, Length: uint32(total)}, nil
}

func (s *Store) appendFailed(err error) error {
	metrics.OverflowSpillsTotal.WithLabelValues(s.opts.Region, "error").Inc()
	s.opts.Logger.Error("overflow append failed", zap.String("path", s.path), zap.Error(err))
	return &Error{Path: s.path, Op: "spill", Err: err}
}

// Fetch reads back a spilled value. References from before the last
// compaction fail with ErrNotFound, as do references whose stored checksum
// no longer matches.
func (s *Store) Fetch(ctx context.Context, ref Ref) ([]byte, error) {
	if ctx.Done() == nil {
		return s.read(ref)
	}
	if err := ctx.Err(); err != nil {
		return nil, ErrTimeout
	}

	type result struct {
		value []byte
		err   error
	}
	ch := make(chan result, 1)
	go func() {
		v, err := s.read(ref)
		ch <- result{v, err}
	}()

	select {
	case <-ctx.Done():
		return nil, ErrTimeout
	case r := <-ch:
		return r.value, r.err
	}
}

func (s *Store) read(ref Ref) ([]byte, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	if ref.Segment != s.segment.Load() {
		s.mu.Unlock()
		metrics.OverflowFetchesTotal.WithLabelValues(s.opts.Region, "stale").Inc()
		return nil, ErrNotFound
	}
	if ref.Length < headerSize || ref.Offset < 0 || ref.Offset+int64(ref.Length) > s.size {
		s.mu.Unlock()
		metrics.OverflowFetchesTotal.WithLabelValues(s.opts.Region, "stale").Inc()
		return nil, ErrNotFound
	}
	// The record may still sit in the write buffer.
	if err := s.flushLocked(false); err != nil {
		s.mu.Unlock()
		return nil, &Error{Path: s.path, Op: "fetch", Err: err}
	}
	// Compact swaps s.f under the lock, so capture the handle here.
	f := s.f
	s.mu.Unlock()

	// The file is append-only and the record is fully flushed, so the read
	// itself needs no lock. A concurrent compaction closes the captured
	// handle; that read surfaces as a stale reference.
	buf := make([]byte, ref.Length)
	if _, err := f.ReadAt(buf, ref.Offset); err != nil {
		if errors.Is(err, os.ErrClosed) {
			metrics.OverflowFetchesTotal.WithLabelValues(s.opts.Region, "stale").Inc()
			return nil, ErrNotFound
		}
		metrics.OverflowFetchesTotal.WithLabelValues(s.opts.Region, "error").Inc()
		return nil, &Error{Path: s.path, Op: "fetch", Err: err}
	}

	keyLen := binary.BigEndian.Uint32(buf[8:12])
	valLen := binary.BigEndian.Uint32(buf[12:16])
	if headerSize+keyLen+valLen != ref.Length {
		metrics.OverflowFetchesTotal.WithLabelValues(s.opts.Region, "stale").Inc()
		return nil, ErrNotFound
	}
	payload := buf[headerSize:]
	if xxhash.Sum64(payload) != binary.BigEndian.Uint64(buf[0:8]) {
		metrics.OverflowFetchesTotal.WithLabelValues(s.opts.Region, "stale").Inc()
		return nil, ErrNotFound
	}

	metrics.OverflowFetchesTotal.WithLabelValues(s.opts.Region, "ok").Inc()
	value := make([]byte, valLen)
	copy(value, payload[keyLen:])
	return value, nil
}

// Compact rewrites the log keeping only records the keep callback approves,
// then bumps the segment so every pre-compaction reference fails with
// ErrNotFound. For each surviving record moved calls back with its old and
// new reference so the owner can rewrite placeholders.
func (s *Store) Compact(keep func(key string, ref Ref) bool, moved func(key string, old, new Ref)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	if err := s.flushLocked(false); err != nil {
		return &Error{Path: s.path, Op: "compact", Err: err}
	}

	tmpPath := s.path + ".compact"
	tmp, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0o644)
	if err != nil {
		return &Error{Path: tmpPath, Op: "compact", Err: err}
	}
	tw := bufio.NewWriter(tmp)

	oldSegment := s.segment.Load()
	newSegment := oldSegment + 1
	var newSize int64

	type move struct {
		key      string
		old, new Ref
	}
	var moves []move

	var offset int64
	hdr := make([]byte, headerSize)
	for offset < s.size {
		if _, err := s.f.ReadAt(hdr, offset); err != nil {
			tmp.Close()
			os.Remove(tmpPath)
			return &Error{Path: s.path, Op: "compact", Err: err}
		}
		keyLen := binary.BigEndian.Uint32(hdr[8:12])
		valLen := binary.BigEndian.Uint32(hdr[12:16])
		total := int64(headerSize) + int64(keyLen) + int64(valLen)
		if offset+total > s.size {
			// Torn tail from a crash mid-append; drop it.
			break
		}
		rec := make([]byte, total)
		if _, err := s.f.ReadAt(rec, offset); err != nil {
			tmp.Close()
			os.Remove(tmpPath)
			return &Error{Path: s.path, Op: "compact", Err: err}
		}
		key := string(rec[headerSize : headerSize+int64(keyLen)])
		oldRef := Ref{Segment: oldSegment, Offset: offset, Length: uint32(total)}

		if keep != nil && keep(key, oldRef) {
			if _, err := tw.Write(rec); err != nil {
				tmp.Close()
				os.Remove(tmpPath)
				return &Error{Path: tmpPath, Op: "compact", Err: err}
			}
			newRef := Ref{Segment: newSegment, Offset: newSize, Length: uint32(total)}
			moves = append(moves, move{key: key, old: oldRef, new: newRef})
			newSize += total
		}
		offset += total
	}

	if err := tw.Flush(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return &Error{Path: tmpPath, Op: "compact", Err: err}
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return &Error{Path: tmpPath, Op: "compact", Err: err}
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return &Error{Path: s.path, Op: "compact", Err: err}
	}

	s.f.Close()
	s.f = tmp
	s.w = bufio.NewWriter(tmp)
	s.size = newSize
	s.segment.Store(newSegment)

	s.opts.Logger.Info("compacted overflow log",
		zap.String("path", s.path),
		zap.Int("live_records", len(moves)),
		zap.Int64("size", newSize),
	)

	if moved != nil {
		for _, m := range moves {
			moved(m.key, m.old, m.new)
		}
	}
	return nil
}

// Flush forces buffered appends to disk.
func (s *Store) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if err := s.flushLocked(true); err != nil {
		return &Error{Path: s.path, Op: "flush", Err: err}
	}
	return nil
}

// flushLocked drains the write buffer, optionally fsyncing. Callers hold mu.
func (s *Store) flushLocked(sync bool) error {
	if err := s.w.Flush(); err != nil {
		return err
	}
	if sync {
		return s.f.Sync()
	}
	return nil
}

// Size returns the current log size in bytes, including buffered appends.
func (s *Store) Size() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.size
}

// Segment returns the current compaction segment.
func (s *Store) Segment() uint32 {
	return s.segment.Load()
}

// Close flushes and closes the log. Further operations fail with ErrClosed.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	err := s.flushLocked(true)
	cerr := s.f.Close()
	s.mu.Unlock()

	if !s.opts.SyncWrites {
		close(s.stopCh)
		<-s.doneCh
	}

	if err != nil {
		return &Error{Path: s.path, Op: "close", Err: err}
	}
	if cerr != nil {
		return &Error{Path: s.path, Op: "close", Err: cerr}
	}
	return nil
}

// flushLoop periodically drains the write buffer in async mode.
func (s *Store) flushLoop() {
	defer close(s.doneCh)

	ticker := time.NewTicker(s.opts.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			start := time.Now()
			s.mu.Lock()
			if s.closed {
				s.mu.Unlock()
				return
			}
			err := s.flushLocked(true)
			s.mu.Unlock()
			if err != nil {
				s.opts.Logger.Error("overflow flush failed", zap.String("path", s.path), zap.Error(err))
				continue
			}
			metrics.OverflowFlushDurationSeconds.Observe(time.Since(start).Seconds())
		}
	}
}

// Error wraps a store failure with its path and operation.
type Error struct {
	Path string
	Op   string
	Err  error
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("overflow %s %s: %v", e.Op, e.Path, e.Err)
}

// Unwrap returns the wrapped error.
func (e *Error) Unwrap() error {
	return e.Err
}
