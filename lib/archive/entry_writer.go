/*
Copyright 2019 Gravitational, Inc.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package archive

import (
	"fmt"
	"io"
	"time"

	"github.com/gravitational/trace"
)

// EntryWriter writes a sequence of parts as archive entries named after a
// common prefix: the first part is stored as "prefix", the following ones
// as "prefix.0", "prefix.1" and so on.
type EntryWriter struct {
	entryNum  int
	entryPrfx string
	sink      entrySink
}

// NewEntryWriter creates an entry writer producing an archive of format f
// into w
func NewEntryWriter(w io.Writer, f Format, entryPrfx string) (*EntryWriter, error) {
	sink, err := newEntrySink(w, f)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &EntryWriter{entryPrfx: entryPrfx, sink: sink}, nil
}

// WriteEntry stores size bytes read from r as the next entry
func (w *EntryWriter) WriteEntry(r io.Reader, size int64) error {
	e := w.nextEntry(size)
	dst, err := w.sink.create(e)
	if err != nil {
		return trace.Wrap(err)
	}
	n, err := io.Copy(dst, r)
	if err != nil {
		return trace.Wrap(err)
	}
	if n != size {
		return trace.BadParameter("entry %v expects %v bytes, got %v", e.Name, size, n)
	}
	return nil
}

// Entries returns the number of entries written so far
func (w *EntryWriter) Entries() int {
	return w.entryNum
}

func (w *EntryWriter) nextEntry(size int64) Entry {
	name := w.entryPrfx
	if w.entryNum > 0 {
		name = fmt.Sprintf("%v.%v", w.entryPrfx, w.entryNum-1)
	}
	w.entryNum++
	return Entry{
		Name:    name,
		ModTime: time.Now(),
		Mode:    defaultMode,
		Size:    size,
	}
}

// Close completes the archive. An archive without entries is still valid.
func (w *EntryWriter) Close() error {
	return w.sink.close()
}
