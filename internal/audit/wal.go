// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package audit

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/samber/oops"
)

// maxWALLine bounds a single JSON line when reading the WAL back.
const maxWALLine = 1 << 20

// appendWAL writes one entry as a JSON line. The file is opened with O_SYNC so
// the write is on disk when this returns. Caller must hold walMu.
func (l *Logger) appendWAL(entry Entry) error {
	if l.walFile == nil {
		if err := os.MkdirAll(filepath.Dir(l.walPath), 0o700); err != nil {
			return oops.With("path", l.walPath).Wrap(err)
		}
		file, err := os.OpenFile(l.walPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY|os.O_SYNC, 0o600)
		if err != nil {
			return oops.With("path", l.walPath).Wrap(err)
		}
		l.walFile = file
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return oops.With("entry_id", entry.ID).Wrap(err)
	}
	data = append(data, '\n')

	if _, err := l.walFile.Write(data); err != nil {
		return oops.With("path", l.walPath).Wrap(err)
	}
	return nil
}

// rewriteWAL replaces the WAL contents with entries, atomically via rename.
// An empty slice truncates the file. Caller must hold walMu.
func (l *Logger) rewriteWAL(entries []Entry) error {
	if l.walFile != nil {
		if err := l.walFile.Close(); err != nil {
			slog.Warn("failed to close WAL before rewrite", "path", l.walPath, "error", err)
		}
		l.walFile = nil
	}

	if len(entries) == 0 {
		if err := os.Truncate(l.walPath, 0); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return oops.With("path", l.walPath).Wrap(err)
		}
		return nil
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, e := range entries {
		if err := enc.Encode(e); err != nil {
			return oops.With("entry_id", e.ID).Wrap(err)
		}
	}

	tmp := l.walPath + ".tmp"
	file, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return oops.With("path", tmp).Wrap(err)
	}
	if _, err := file.Write(buf.Bytes()); err != nil {
		_ = file.Close() //nolint:errcheck // write error takes precedence
		return oops.With("path", tmp).Wrap(err)
	}
	if err := file.Sync(); err != nil {
		_ = file.Close() //nolint:errcheck // sync error takes precedence
		return oops.With("path", tmp).Wrap(err)
	}
	if err := file.Close(); err != nil {
		return oops.With("path", tmp).Wrap(err)
	}
	if err := os.Rename(tmp, l.walPath); err != nil {
		return oops.With("path", l.walPath).Wrap(err)
	}
	return nil
}

// readWAL parses every well-formed line in the WAL at path. A missing file
// yields no entries. Malformed lines, such as a torn final write, are skipped.
func readWAL(path string) ([]Entry, error) {
	file, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, oops.With("path", path).Wrap(err)
	}
	defer file.Close() //nolint:errcheck // read-only

	var entries []Entry
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), maxWALLine)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var entry Entry
		if err := json.Unmarshal(line, &entry); err != nil {
			slog.Error("failed to unmarshal WAL entry", "path", path, "error", err)
			failuresCounter.WithLabelValues("wal_unmarshal_failed").Inc()
			continue
		}
		entries = append(entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, oops.With("path", path).Wrap(err)
	}
	return entries, nil
}
