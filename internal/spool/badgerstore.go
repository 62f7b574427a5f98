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
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
)

// BadgerStore keeps spool state in a badger database, suitable for
// sharing between restarts without filesystem scans. Key layout under
// the configured prefix:
//
//	<p>:queue:<next-nanos-hex16>:<ref> -> ref   (due index, key-ordered)
//	<p>:meta:<ref>                     -> metadata JSON
//	<p>:raw:<ref>                      -> raw message bytes
//	<p>:lock:<ref>                     -> holder token, with TTL
//
// The queue key embeds the scheduled time as fixed-width hex, so badger's
// lexicographic iteration order is chronological order.
type BadgerStore struct {
	db     *badger.DB
	prefix string

	// LockTTL bounds how long a crashed holder keeps a message locked;
	// badger expires the lock entry by itself.
	LockTTL time.Duration

	mu     sync.Mutex
	tokens map[string]string
}

var (
	_ Store       = (*BadgerStore)(nil)
	_ LockManager = (*BadgerStore)(nil)
)

func OpenBadgerStore(db *badger.DB, prefix string, lockTTL time.Duration) *BadgerStore {
	return &BadgerStore{
		db:      db,
		prefix:  prefix,
		LockTTL: lockTTL,
		tokens:  map[string]string{},
	}
}

func (s *BadgerStore) queueKey(next time.Time, ref string) []byte {
	return []byte(fmt.Sprintf("%s:queue:%016x:%s", s.prefix, next.UnixNano(), ref))
}

func (s *BadgerStore) queuePrefix() []byte {
	return []byte(s.prefix + ":queue:")
}

func (s *BadgerStore) metaKey(ref string) []byte {
	return []byte(s.prefix + ":meta:" + ref)
}

func (s *BadgerStore) rawKey(ref string) []byte {
	return []byte(s.prefix + ":raw:" + ref)
}

func (s *BadgerStore) lockKey(ref string) []byte {
	return []byte(s.prefix + ":lock:" + ref)
}

func (s *BadgerStore) Enqueue(raw io.Reader, env Envelope) (*Metadata, error) {
	rawBytes, err := io.ReadAll(raw)
	if err != nil {
		return nil, fmt.Errorf("spool: %w", err)
	}

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
	metaBytes, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("spool: %w", err)
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(s.rawKey(ref), rawBytes); err != nil {
			return err
		}
		if err := txn.Set(s.metaKey(ref), metaBytes); err != nil {
			return err
		}
		return txn.Set(s.queueKey(meta.Next, ref), []byte(ref))
	})
	if err != nil {
		return nil, fmt.Errorf("spool: %w", err)
	}
	return meta, nil
}

func (s *BadgerStore) ListDue(now time.Time, limit int) ([]*Metadata, error) {
	var res []*Metadata
	// ';' sorts right after ':', so keys with a timestamp equal to now
	// still compare below the cutoff and are included.
	cutoff := fmt.Sprintf("%s:queue:%016x;", s.prefix, now.UnixNano())

	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: s.queuePrefix()})
		defer it.Close()

		for it.Rewind(); it.Valid() && len(res) < limit; it.Next() {
			key := string(it.Item().Key())
			if key > cutoff {
				break
			}
			ref, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			meta, err := s.readTxn(txn, string(ref))
			if errors.Is(err, ErrNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			if meta.Next.After(now) {
				continue
			}
			res = append(res, meta)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("spool: %w", err)
	}
	return res, nil
}

func (s *BadgerStore) readTxn(txn *badger.Txn, ref string) (*Metadata, error) {
	item, err := txn.Get(s.metaKey(ref))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	meta := &Metadata{}
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, meta)
	})
	if err != nil {
		return nil, err
	}
	return meta, nil
}

func (s *BadgerStore) Read(ref string) (*Metadata, error) {
	var meta *Metadata
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		meta, err = s.readTxn(txn, ref)
		return err
	})
	if errors.Is(err, ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("spool: %w", err)
	}
	return meta, nil
}

func (s *BadgerStore) Write(meta *Metadata) error {
	metaBytes, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("spool: %w", err)
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		// Drop the old due-index entry if the schedule moved.
		old, err := s.readTxn(txn, meta.ID)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
		if old != nil && !old.Next.Equal(meta.Next) {
			if err := txn.Delete(s.queueKey(old.Next, meta.ID)); err != nil {
				return err
			}
		}
		if err := txn.Set(s.metaKey(meta.ID), metaBytes); err != nil {
			return err
		}
		return txn.Set(s.queueKey(meta.Next, meta.ID), []byte(meta.ID))
	})
	if err != nil {
		return fmt.Errorf("spool: %w", err)
	}
	return nil
}

func (s *BadgerStore) Remove(ref string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		old, err := s.readTxn(txn, ref)
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := txn.Delete(s.queueKey(old.Next, ref)); err != nil {
			return err
		}
		if err := txn.Delete(s.metaKey(ref)); err != nil {
			return err
		}
		return txn.Delete(s.rawKey(ref))
	})
	if err != nil {
		return fmt.Errorf("spool: %w", err)
	}
	return nil
}

// PrepareForDelivery copies the raw message into a temporary file the
// transport can stream from; CleanupPrepared removes it.
func (s *BadgerStore) PrepareForDelivery(ref string) (string, error) {
	var rawBytes []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(s.rawKey(ref))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		rawBytes, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, ErrNotFound) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("spool: %w", err)
	}

	f, err := os.CreateTemp("", "kurier-spool-*.eml")
	if err != nil {
		return "", fmt.Errorf("spool: %w", err)
	}
	if _, err := f.Write(rawBytes); err == nil {
		err = f.Close()
	} else {
		f.Close()
	}
	if err != nil {
		os.Remove(f.Name())
		return "", fmt.Errorf("spool: %w", err)
	}
	return f.Name(), nil
}

func (s *BadgerStore) CleanupPrepared(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("spool: %w", err)
	}
	return nil
}

func (s *BadgerStore) CountPending() (int64, error) {
	var n int64
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: []byte(s.prefix + ":meta:")})
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			n++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("spool: %w", err)
	}
	return n, nil
}

func (s *BadgerStore) Close() error { return nil }

// TryLock sets the lock entry with a holder token and TTL, failing if the
// entry exists. Atomicity comes from badger's conflict detection on
// read-modify-write transactions.
func (s *BadgerStore) TryLock(ref string) (bool, error) {
	token := uuid.New().String()
	acquired := false

	err := s.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get(s.lockKey(ref))
		if err == nil {
			return nil // held by someone
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		entry := badger.NewEntry(s.lockKey(ref), []byte(token)).WithTTL(s.LockTTL)
		if err := txn.SetEntry(entry); err != nil {
			return err
		}
		acquired = true
		return nil
	})
	if err != nil {
		if errors.Is(err, badger.ErrConflict) {
			return false, nil
		}
		return false, fmt.Errorf("spool: lock: %w", err)
	}

	if acquired {
		s.mu.Lock()
		s.tokens[ref] = token
		s.mu.Unlock()
	}
	return acquired, nil
}

// Unlock releases the lock only when this process holds it; a lock taken
// over by another holder after a TTL expiry is left alone.
func (s *BadgerStore) Unlock(ref string) error {
	s.mu.Lock()
	token, held := s.tokens[ref]
	delete(s.tokens, ref)
	s.mu.Unlock()
	if !held {
		return nil
	}

	err := s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(s.lockKey(ref))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		current, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		if string(current) != token {
			return nil
		}
		return txn.Delete(s.lockKey(ref))
	})
	if err != nil {
		return fmt.Errorf("spool: unlock: %w", err)
	}
	return nil
}

// Refresh re-arms the TTL for a lock this process holds.
func (s *BadgerStore) Refresh(ref string) error {
	s.mu.Lock()
	token, held := s.tokens[ref]
	s.mu.Unlock()
	if !held {
		return errors.New("spool: refresh of a lock not held")
	}

	err := s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(s.lockKey(ref))
		if err != nil {
			return err
		}
		current, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		if string(current) != token {
			return errors.New("lock taken over by another holder")
		}
		entry := badger.NewEntry(s.lockKey(ref), []byte(token)).WithTTL(s.LockTTL)
		return txn.SetEntry(entry)
	})
	if err != nil {
		return fmt.Errorf("spool: refresh lock: %w", err)
	}
	return nil
}

// PurgeOrphaned is a no-op for the badger backend: orphaned locks expire
// through their TTL.
func (s *BadgerStore) PurgeOrphaned() (int, error) { return 0, nil }
