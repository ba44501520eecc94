// Copyright 2024-2025 CardinalHQ, Inc
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package journal

import (
	"bufio"
	"context"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/hashicorp/go-multierror"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/cardinalhq/chqcache/internal/telemetry"
	"github.com/cardinalhq/chqcache/pkg/fsys"
)

const (
	FileName   = "journal"
	TempName   = "journal.tmp"
	BackupName = "journal.bkp"

	DefaultCompactionThreshold = 2000
)

// IsJournalFile reports whether name is one of the files the journal
// keeps in its directory.
func IsJournalFile(name string) bool {
	return name == FileName || name == TempName || name == BackupName
}

// Writer appends records to a journal and keeps the folded state of
// everything written so far.
type Writer struct {
	mu sync.Mutex

	fs        fsys.FileSystem
	dir       string
	header    Header
	threshold int
	file      fsys.File
	state     *State
	buf       []byte

	logger        *zap.Logger
	meterProvider metric.MeterProvider
	metrics       *telemetry.JournalMetrics
}

type Option func(w *Writer)

func WithLogger(logger *zap.Logger) Option {
	return func(w *Writer) {
		w.logger = logger
	}
}

func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(w *Writer) {
		w.meterProvider = mp
	}
}

// WithCompactionThreshold sets how many redundant records are tolerated
// before a rebuild.  The default is DefaultCompactionThreshold.
func WithCompactionThreshold(n int) Option {
	return func(w *Writer) {
		w.threshold = n
	}
}

// Open replays the journal in dir, or starts a new one if there is none,
// and returns a writer positioned to append.  The returned State is the
// replayed content and is not updated by later writes.
//
// An interrupted rebuild is finished first: a lone backup is moved back
// into place and a leftover temporary journal is discarded.
func Open(fs fsys.FileSystem, dir string, h Header, opts ...Option) (*Writer, *State, error) {
	w := &Writer{
		fs:        fs,
		dir:       dir,
		header:    h,
		threshold: DefaultCompactionThreshold,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(w)
	}
	metrics, err := telemetry.NewJournalMetrics(w.meterProvider, dir)
	if err != nil {
		return nil, nil, err
	}
	w.metrics = metrics

	if err := fs.MkdirAll(dir); err != nil {
		return nil, nil, err
	}
	if err := w.recoverFiles(); err != nil {
		return nil, nil, err
	}

	path := w.path(FileName)
	exists, err := fs.Exists(path)
	if err != nil {
		return nil, nil, err
	}
	if !exists {
		if err := w.create(path); err != nil {
			return nil, nil, err
		}
		w.state = newState(h.Strategy.AccessOrdered())
		return w, w.state.clone(), nil
	}

	st, err := w.replay(path)
	if err != nil {
		return nil, nil, err
	}
	f, err := fs.OpenAppend(path)
	if err != nil {
		return nil, nil, err
	}
	w.file = f
	w.state = st
	w.logger.Debug("journal replayed",
		zap.String("dir", dir),
		zap.Int("clean", st.clean.Len()),
		zap.Int("dirty", st.dirty.Cardinality()),
		zap.Int("redundant", st.Redundant()))
	return w, st.clone(), nil
}

func (w *Writer) path(name string) string {
	return filepath.Join(w.dir, name)
}

func (w *Writer) recoverFiles() error {
	journal, backup := w.path(FileName), w.path(BackupName)
	hasJournal, err := w.fs.Exists(journal)
	if err != nil {
		return err
	}
	if !hasJournal {
		hasBackup, err := w.fs.Exists(backup)
		if err != nil {
			return err
		}
		if hasBackup {
			w.logger.Info("restoring journal from backup", zap.String("dir", w.dir))
			if err := w.fs.Rename(backup, journal, true); err != nil {
				return err
			}
		}
	}
	return w.fs.Delete(w.path(TempName))
}

func (w *Writer) replay(path string) (st *State, err error) {
	r, err := w.fs.OpenRead(path)
	if err != nil {
		return nil, err
	}
	defer func() {
		if cerr := r.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()
	return Replay(r, w.header)
}

func (w *Writer) create(path string) error {
	f, err := w.fs.Create(path)
	if err != nil {
		return err
	}
	if err := WriteHeader(f, w.header); err != nil {
		return multierror.Append(err, f.Close())
	}
	if err := f.Sync(); err != nil {
		return multierror.Append(err, f.Close())
	}
	w.file = f
	return nil
}

func (w *Writer) Dirty(key string) error  { return w.append(OpDirty, key) }
func (w *Writer) Clean(key string) error  { return w.append(OpClean, key) }
func (w *Writer) Cancel(key string) error { return w.append(OpCancel, key) }
func (w *Writer) Remove(key string) error { return w.append(OpRemove, key) }

// Read records an access.  It only matters to access-ordered strategies
// and writes nothing for the others.
func (w *Writer) Read(key string) error {
	if !w.header.Strategy.AccessOrdered() {
		return nil
	}
	return w.append(OpRead, key)
}

func (w *Writer) append(op Op, key string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return ErrClosed
	}

	rec := Record{Op: op, Key: key}
	b, err := appendRecord(w.buf[:0], rec)
	if err != nil {
		return err
	}
	w.buf = b
	if _, err := w.file.Write(b); err != nil {
		return fmt.Errorf("journal: append %s: %w", op, err)
	}
	w.state.apply(rec)
	w.metrics.Record(context.Background(), op.String())
	return nil
}

func (w *Writer) needsCompactionLocked() bool {
	r := w.state.Redundant()
	return r >= w.threshold && r >= w.state.clean.Len()
}

// NeedsCompaction reports whether redundant records have reached the
// threshold and outnumber the clean keys.
func (w *Writer) NeedsCompaction() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.needsCompactionLocked()
}

// CompactIfNeeded rebuilds the journal when NeedsCompaction is true.
func (w *Writer) CompactIfNeeded() (bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return false, ErrClosed
	}
	if !w.needsCompactionLocked() {
		return false, nil
	}
	return true, w.rebuildLocked()
}

// Rebuild rewrites the journal to hold exactly the current clean and
// dirty keys.
func (w *Writer) Rebuild() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return ErrClosed
	}
	return w.rebuildLocked()
}

// rebuildLocked swaps in a fresh journal so that at every point at
// least one complete journal is on disk: the old one, its backup, or
// the new one.
func (w *Writer) rebuildLocked() error {
	journal, tmp, backup := w.path(FileName), w.path(TempName), w.path(BackupName)

	if err := w.writeCompacted(tmp); err != nil {
		return multierror.Append(err, w.fs.Delete(tmp)).ErrorOrNil()
	}

	if err := w.file.Close(); err != nil {
		w.logger.Warn("closing journal before rebuild", zap.Error(err))
	}
	w.file = nil

	if err := w.swap(journal, tmp, backup); err != nil {
		// Get back to appending to whichever journal survived.
		var result *multierror.Error
		result = multierror.Append(result, err)
		if rerr := w.recoverFiles(); rerr != nil {
			result = multierror.Append(result, rerr)
		} else if f, oerr := w.fs.OpenAppend(journal); oerr != nil {
			result = multierror.Append(result, oerr)
		} else {
			w.file = f
		}
		return result.ErrorOrNil()
	}

	f, err := w.fs.OpenAppend(journal)
	if err != nil {
		return err
	}
	w.file = f
	w.state.records = w.state.clean.Len() + w.state.dirty.Cardinality()
	w.metrics.Compacted(context.Background())
	w.logger.Debug("journal rebuilt",
		zap.String("dir", w.dir),
		zap.Int("clean", w.state.clean.Len()),
		zap.Int("dirty", w.state.dirty.Cardinality()))
	return nil
}

func (w *Writer) writeCompacted(tmp string) error {
	f, err := w.fs.Create(tmp)
	if err != nil {
		return err
	}
	bw := bufio.NewWriter(f)
	err = WriteHeader(bw, w.header)
	for k := range w.state.clean.Keys() {
		if err != nil {
			break
		}
		err = EncodeRecord(bw, Record{Op: OpClean, Key: k})
	}
	for _, k := range w.state.DirtyKeys() {
		if err != nil {
			break
		}
		err = EncodeRecord(bw, Record{Op: OpDirty, Key: k})
	}
	if err == nil {
		err = bw.Flush()
	}
	if err == nil {
		err = f.Sync()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	return err
}

func (w *Writer) swap(journal, tmp, backup string) error {
	exists, err := w.fs.Exists(journal)
	if err != nil {
		return err
	}
	if exists {
		if err := w.fs.Delete(backup); err != nil {
			return err
		}
		if err := w.fs.Rename(journal, backup, false); err != nil {
			return err
		}
	}
	if err := w.fs.Rename(tmp, journal, true); err != nil {
		return err
	}
	return w.fs.Delete(backup)
}

// Snapshot copies the current state.
func (w *Writer) Snapshot() Snapshot {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state.Snapshot()
}

func (w *Writer) Header() Header {
	return w.header
}

// Close flushes the journal to stable storage.  Closing twice is not an
// error.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	var result *multierror.Error
	if err := w.file.Sync(); err != nil {
		result = multierror.Append(result, err)
	}
	if err := w.file.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	w.file = nil
	return result.ErrorOrNil()
}
