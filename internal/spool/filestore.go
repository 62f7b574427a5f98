/*
Kurier Mail Server - extensible SMTP server with a durable relay spool.
Copyright © 2024-2026 The Kurier Mail Server contributors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

package spool

import (
	"container/heap"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// FileStore keeps each spooled message as a trio of files in one
// directory: <ref>.eml (raw copy), <ref>.json (metadata) and, while a
// worker processes it, <ref>.lock. References look like
// msg_<epoch>_<uuid>.
//
// Due messages are found through an in-memory min-heap on Next, rebuilt
// from the metadata files at startup. The heap can hold stale entries
// after a reschedule; ListDue re-reads the metadata before trusting an
// entry.
type FileStore struct {
	dir string

	// StaleLockAge is how old a lock file must be before PurgeOrphaned
	// reclaims it.
	StaleLockAge time.Duration

	mu  sync.Mutex
	due dueHeap
}

// Both roles are served by the same directory.
var (
	_ Store       = (*FileStore)(nil)
	_ LockManager = (*FileStore)(nil)
)

type dueItem struct {
	ref  string
	next time.Time
}

type dueHeap []dueItem

func (h dueHeap) Len() int           { return len(h) }
func (h dueHeap) Less(i, j int) bool { return h[i].next.Before(h[j].next) }
func (h dueHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *dueHeap) Push(x any) { *h = append(*h, x.(dueItem)) }
func (h *dueHeap) Pop() any {
	old := *h
	item := old[len(old)-1]
	*h = old[:len(old)-1]
	return item
}

// OpenFileStore opens (creating if needed) the spool directory and
// rebuilds the due index from the metadata files found there.
func OpenFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("spool: %w", err)
	}
	s := &FileStore{
		dir:          dir,
		StaleLockAge: 15 * time.Minute,
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("spool: %w", err)
	}
	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasSuffix(name, ".json") {
			continue
		}
		ref := strings.TrimSuffix(name, ".json")
		meta, err := s.Read(ref)
		if err != nil {
			// A torn enqueue left garbage; skip it rather than refuse
			// to start.
			continue
		}
		s.due = append(s.due, dueItem{ref: ref, next: meta.Next})
	}
	heap.Init(&s.due)
	return s, nil
}

func (s *FileStore) path(ref, ext string) string {
	return filepath.Join(s.dir, ref+ext)
}

func (s *FileStore) Enqueue(raw io.Reader, env Envelope) (*Metadata, error) {
	now := time.Now()
	ref := fmt.Sprintf("msg_%d_%s", now.Unix(), uuid.New().String())

	meta := &Metadata{
		ID:            ref,
		Attempt:       0,
		QueuedAt:      now,
		Next:          now,
		Sender:        env.Sender,
		Recipients:    append([]string(nil), env.Recipients...),
		MessageID:     env.MessageID,
		Authenticated: env.Authenticated,
		PeerAddress:   env.PeerAddress,
		DSNRet:        env.DSNRet,
		DSNEnvID:      env.DSNEnvID,
		RcptDSN:       env.RcptDSN,
	}

	// Raw copy first, metadata second: a crash in between leaves an .eml
	// without .json, which startup recovery ignores.
	rawFile, err := os.OpenFile(s.path(ref, ".eml"), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return nil, fmt.Errorf("spool: %w", err)
	}
	if _, err := io.Copy(rawFile, raw); err == nil {
		err = rawFile.Sync()
	}
	if closeErr := rawFile.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(s.path(ref, ".eml"))
		return nil, fmt.Errorf("spool: %w", err)
	}

	if err := s.writeMeta(meta); err != nil {
		os.Remove(s.path(ref, ".eml"))
		return nil, err
	}

	s.mu.Lock()
	heap.Push(&s.due, dueItem{ref: ref, next: meta.Next})
	s.mu.Unlock()

	return meta, nil
}

func (s *FileStore) writeMeta(meta *Metadata) error {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("spool: %w", err)
	}
	tmp := s.path(meta.ID, ".json.tmp")
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("spool: %w", err)
	}
	if err := os.Rename(tmp, s.path(meta.ID, ".json")); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("spool: %w", err)
	}
	return nil
}

func (s *FileStore) ListDue(now time.Time, limit int) ([]*Metadata, error) {
	var res []*Metadata
	var popped []dueItem
	seen := map[string]struct{}{}

	s.mu.Lock()
	defer s.mu.Unlock()

	for len(res) < limit && s.due.Len() > 0 {
		top := s.due[0]
		if top.next.After(now) {
			break
		}
		heap.Pop(&s.due)

		// Write pushes a fresh entry on every reschedule, so a message
		// can be represented more than once. Only one entry per ref may
		// produce a result.
		if _, dup := seen[top.ref]; dup {
			continue
		}

		meta, err := s.Read(top.ref)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			for _, item := range popped {
				heap.Push(&s.due, item)
			}
			return res, err
		}

		// An entry whose time no longer matches the metadata predates a
		// reschedule; the entry pushed by that reschedule is the live
		// one, so this one is simply discarded.
		if !top.next.Equal(meta.Next) {
			continue
		}

		seen[top.ref] = struct{}{}
		res = append(res, meta)
		popped = append(popped, top)
	}

	// Due entries go back on the heap so the next sweep sees whatever
	// this one leaves unprocessed.
	for _, item := range popped {
		heap.Push(&s.due, item)
	}
	return res, nil
}

func (s *FileStore) Read(ref string) (*Metadata, error) {
	data, err := os.ReadFile(s.path(ref, ".json"))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("spool: %w", err)
	}
	meta := &Metadata{}
	if err := json.Unmarshal(data, meta); err != nil {
		return nil, fmt.Errorf("spool: %s: %w", ref, err)
	}
	return meta, nil
}

func (s *FileStore) Write(meta *Metadata) error {
	if err := s.writeMeta(meta); err != nil {
		return err
	}
	s.mu.Lock()
	heap.Push(&s.due, dueItem{ref: meta.ID, next: meta.Next})
	s.mu.Unlock()
	return nil
}

func (s *FileStore) Remove(ref string) error {
	for _, ext := range []string{".json", ".eml", ".lock"} {
		if err := os.Remove(s.path(ref, ext)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("spool: %w", err)
		}
	}
	return nil
}

// PrepareForDelivery returns the .eml path directly; there is no
// temporary copy to clean up for the file store.
func (s *FileStore) PrepareForDelivery(ref string) (string, error) {
	path := s.path(ref, ".eml")
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("spool: %w", err)
	}
	return path, nil
}

func (s *FileStore) CleanupPrepared(string) error { return nil }

func (s *FileStore) CountPending() (int64, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, fmt.Errorf("spool: %w", err)
	}
	var n int64
	for _, entry := range entries {
		if strings.HasSuffix(entry.Name(), ".json") {
			n++
		}
	}
	return n, nil
}

func (s *FileStore) Close() error { return nil }

// TryLock creates <ref>.lock with O_EXCL; the file content is the
// creation time in Unix milliseconds, used by PurgeOrphaned.
func (s *FileStore) TryLock(ref string) (bool, error) {
	f, err := os.OpenFile(s.path(ref, ".lock"), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if errors.Is(err, fs.ErrExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("spool: lock: %w", err)
	}
	_, err = io.WriteString(f, strconv.FormatInt(time.Now().UnixMilli(), 10))
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(s.path(ref, ".lock"))
		return false, fmt.Errorf("spool: lock: %w", err)
	}
	return true, nil
}

func (s *FileStore) Unlock(ref string) error {
	if err := os.Remove(s.path(ref, ".lock")); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("spool: unlock: %w", err)
	}
	return nil
}

// Refresh rewrites the lock timestamp so a long-running delivery is not
// reclaimed as orphaned.
func (s *FileStore) Refresh(ref string) error {
	content := strconv.FormatInt(time.Now().UnixMilli(), 10)
	if err := os.WriteFile(s.path(ref, ".lock"), []byte(content), 0o600); err != nil {
		return fmt.Errorf("spool: refresh lock: %w", err)
	}
	return nil
}

// PurgeOrphaned removes lock files older than StaleLockAge, left behind
// by a crashed worker.
func (s *FileStore) PurgeOrphaned() (int, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, fmt.Errorf("spool: %w", err)
	}

	purged := 0
	cutoff := time.Now().Add(-s.StaleLockAge).UnixMilli()
	for _, entry := range entries {
		if !strings.HasSuffix(entry.Name(), ".lock") {
			continue
		}
		path := filepath.Join(s.dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		stamp, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
		if err != nil || stamp < cutoff {
			if os.Remove(path) == nil {
				purged++
			}
		}
	}
	return purged, nil
}
