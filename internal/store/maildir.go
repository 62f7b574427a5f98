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
	"fmt"
	"io"
	"strings"

	"github.com/emersion/go-maildir"
)

// Maildir delivers messages into per-user maildir trees under Root
// (<root>/<localpart>/{tmp,new,cur}). Unknown users get a maildir created
// on first delivery.
type Maildir struct {
	Root string
}

// Deliver writes the message for the given local part. The maildir
// tmp-then-rename protocol makes partially written messages invisible to
// readers.
func (m *Maildir) Deliver(localPart string, r io.Reader) error {
	dir := maildir.Dir(m.Root + "/" + sanitizeLocalPart(localPart))
	if err := dir.Init(); err != nil {
		return fmt.Errorf("maildir: %w", err)
	}

	del, err := maildir.NewDelivery(string(dir))
	if err != nil {
		return fmt.Errorf("maildir: %w", err)
	}
	if _, err := io.Copy(del, r); err != nil {
		del.Abort()
		return fmt.Errorf("maildir: %w", err)
	}
	if err := del.Close(); err != nil {
		return fmt.Errorf("maildir: %w", err)
	}
	return nil
}

func sanitizeLocalPart(localPart string) string {
	localPart = strings.ReplaceAll(localPart, "/", "_")
	localPart = strings.ReplaceAll(localPart, "\\", "_")
	return strings.TrimPrefix(localPart, ".")
}
