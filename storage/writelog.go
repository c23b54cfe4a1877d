// Copyright 2025 Blink Labs Software
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

package storage

import (
	"slices"
)

type writeLogEntry struct {
	value   []byte
	deleted bool
}

// WriteLog buffers uncommitted writes and deletions. It is not safe for
// concurrent use
type WriteLog struct {
	entries map[string]writeLogEntry
}

func NewWriteLog() *WriteLog {
	return &WriteLog{
		entries: make(map[string]writeLogEntry),
	}
}

func (w *WriteLog) Write(key string, value []byte) {
	w.entries[key] = writeLogEntry{value: slices.Clone(value)}
}

func (w *WriteLog) Delete(key string) {
	w.entries[key] = writeLogEntry{deleted: true}
}

// Read returns the buffered value for key. found is false when the log has
// no entry for the key, deleted is true when the entry is a deletion
func (w *WriteLog) Read(key string) (value []byte, deleted bool, found bool) {
	entry, ok := w.entries[key]
	if !ok {
		return nil, false, false
	}
	return entry.value, entry.deleted, true
}

// Keys returns every touched key in sorted order
func (w *WriteLog) Keys() []string {
	keys := make([]string, 0, len(w.entries))
	for k := range w.entries {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// Merge applies every entry of other on top of w
func (w *WriteLog) Merge(other *WriteLog) {
	for k, v := range other.entries {
		w.entries[k] = v
	}
}

func (w *WriteLog) Clear() {
	clear(w.entries)
}

func (w *WriteLog) Len() int {
	return len(w.entries)
}

// ForEach calls fn for every entry in key order. value is nil for deletions
func (w *WriteLog) ForEach(fn func(key string, value []byte, deleted bool)) {
	for _, k := range w.Keys() {
		e := w.entries[k]
		fn(k, e.value, e.deleted)
	}
}
