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

package auth

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	badger "github.com/dgraph-io/badger/v4"
)

// BadgerLimiter is a Limiter backed by a badger database, so lockouts
// survive restarts. Failure entries and lock markers carry TTLs matching
// the window and lockout durations; expiry is handled by the store.
type BadgerLimiter struct {
	MaxFailures int
	Window      time.Duration
	Lockout     time.Duration

	db  *badger.DB
	now func() time.Time
}

func NewBadgerLimiter(db *badger.DB, maxFailures int, window, lockout time.Duration) *BadgerLimiter {
	return &BadgerLimiter{
		MaxFailures: maxFailures,
		Window:      window,
		Lockout:     lockout,
		db:          db,
		now:         time.Now,
	}
}

func failPrefix(identity string) []byte {
	return []byte("authlim\x00fail\x00" + identity + "\x00")
}

func lockKey(identity string) []byte {
	return []byte("authlim\x00lock\x00" + identity)
}

func (l *BadgerLimiter) Locked(identity string) (bool, error) {
	locked := false
	err := l.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(lockKey(identity))
		if err == nil {
			locked = true
			return nil
		}
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		return err
	})
	if err != nil {
		return false, fmt.Errorf("auth: limiter: %w", err)
	}
	return locked, nil
}

func (l *BadgerLimiter) RecordFailure(identity string) (bool, error) {
	locked := false
	err := l.db.Update(func(txn *badger.Txn) error {
		key := append(failPrefix(identity), strconv.FormatInt(l.now().UnixNano(), 10)...)
		entry := badger.NewEntry(key, nil).WithTTL(l.Window)
		if err := txn.SetEntry(entry); err != nil {
			return err
		}

		count := 0
		it := txn.NewIterator(badger.IteratorOptions{Prefix: failPrefix(identity)})
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			count++
		}

		if count >= l.MaxFailures {
			locked = true
			return txn.SetEntry(badger.NewEntry(lockKey(identity), nil).WithTTL(l.Lockout))
		}
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("auth: limiter: %w", err)
	}
	return locked, nil
}

func (l *BadgerLimiter) Reset(identity string) error {
	err := l.db.Update(func(txn *badger.Txn) error {
		// The lock marker is left alone; only the failure history is
		// cleared.
		var keys [][]byte
		it := txn.NewIterator(badger.IteratorOptions{Prefix: failPrefix(identity)})
		for it.Rewind(); it.Valid(); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		it.Close()

		for _, key := range keys {
			if err := txn.Delete(key); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("auth: limiter: %w", err)
	}
	return nil
}
