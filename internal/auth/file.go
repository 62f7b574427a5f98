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
	"bufio"
	"fmt"
	"os"
	"strings"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

// FileAuth verifies credentials against a flat user database, one
// "name:bcrypt-hash" entry per line. Empty lines and #-comments are
// skipped.
type FileAuth struct {
	mu    sync.RWMutex
	users map[string]string
}

// NewFileAuth loads the user database at path.
func NewFileAuth(path string) (*FileAuth, error) {
	a := &FileAuth{}
	if err := a.Reload(path); err != nil {
		return nil, err
	}
	return a, nil
}

// Reload re-reads the database, replacing the in-memory table atomically.
func (a *FileAuth) Reload(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("auth: open user db: %w", err)
	}
	defer f.Close()

	users := map[string]string{}
	scanner := bufio.NewScanner(f)
	lineno := 0
	for scanner.Scan() {
		lineno++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		name, hash, ok := strings.Cut(line, ":")
		if !ok || name == "" || hash == "" {
			return fmt.Errorf("auth: %s:%d: malformed entry", path, lineno)
		}
		users[name] = hash
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("auth: read user db: %w", err)
	}

	a.mu.Lock()
	a.users = users
	a.mu.Unlock()
	return nil
}

func (a *FileAuth) AuthPlain(username, password string) error {
	a.mu.RLock()
	hash, ok := a.users[username]
	a.mu.RUnlock()
	if !ok {
		// Burn comparable time for unknown users so the response time
		// does not reveal whether the account exists.
		_ = bcrypt.CompareHashAndPassword(dummyHash, []byte(password))
		return ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
		return ErrInvalidCredentials
	}
	return nil
}

// dummyHash is a bcrypt hash of an unguessable value, used to equalize
// timing for unknown accounts.
var dummyHash = []byte("$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy")
