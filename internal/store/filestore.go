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

package store

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// FileStore keeps each message as a single file under Dir. The returned
// reference is the file name, not a path, so the directory can be moved
// between restarts.
type FileStore struct {
	Dir string
}

func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("store: %w", err)
	}
	return &FileStore{Dir: dir}, nil
}

func (s *FileStore) Store(messageID, receivedHeader string, raw []byte) (string, error) {
	name := sanitizeRef(messageID) + ".eml"
	tmp := filepath.Join(s.Dir, name+".tmp")

	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return "", fmt.Errorf("store: %w", err)
	}
	if _, err := io.WriteString(f, receivedHeader); err == nil {
		_, err = f.Write(raw)
	}
	if err == nil {
		err = f.Sync()
	}
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("store: %w", err)
	}

	if err := os.Rename(tmp, filepath.Join(s.Dir, name)); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("store: %w", err)
	}
	return name, nil
}

func (s *FileStore) Open(rawRef string) (io.ReadCloser, error) {
	f, err := os.Open(filepath.Join(s.Dir, sanitizeRef(rawRef)))
	if err != nil {
		return nil, fmt.Errorf("store: %w", err)
	}
	return f, nil
}

func (s *FileStore) Delete(rawRef string) error {
	err := os.Remove(filepath.Join(s.Dir, sanitizeRef(rawRef)))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("store: %w", err)
	}
	return nil
}

// sanitizeRef strips path separators so a crafted message ID cannot
// escape the store directory.
func sanitizeRef(ref string) string {
	ref = strings.ReplaceAll(ref, "/", "_")
	ref = strings.ReplaceAll(ref, "\\", "_")
	return strings.TrimPrefix(ref, ".")
}
