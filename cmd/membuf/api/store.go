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

package api

import (
	"io"
	"sort"
	"sync"
	"time"

	"github.com/gravitational/membuf/lib/membuf"
	"github.com/gravitational/trace"
)

type (
	// BufferInfo describes a named buffer held by the server
	BufferInfo struct {
		Name     string    `json:"name"`
		Size     int64     `json:"size"`
		Capacity int64     `json:"capacity"`
		Chunks   int       `json:"chunks"`
		Created  time.Time `json:"created"`
	}

	// storedBuffer is a buffer which is never written once stored. Readers
	// access it through ReadAt only, so they share it without locking and
	// the cursor of buf is left alone. Its content is dropped when it is
	// released and the last reader is done.
	storedBuffer struct {
		buf  *membuf.Buffer
		info BufferInfo

		mu       sync.Mutex
		readers  int
		released bool
	}

	// store holds named buffers
	store struct {
		mu         sync.Mutex
		buffers    map[string]*storedBuffer
		maxBuffers int
	}
)

func newStore(maxBuffers int) *store {
	return &store{buffers: make(map[string]*storedBuffer), maxBuffers: maxBuffers}
}

// put stores buf under name, releasing the buffer it replaces. buf must
// not be modified afterwards.
func (s *store) put(name string, buf *membuf.Buffer) (BufferInfo, error) {
	sb := &storedBuffer{
		buf: buf,
		info: BufferInfo{
			Name:     name,
			Size:     buf.Size(),
			Capacity: buf.Capacity(),
			Chunks:   buf.Chunks(),
			Created:  time.Now(),
		},
	}

	s.mu.Lock()
	old, ok := s.buffers[name]
	if !ok && len(s.buffers) >= s.maxBuffers {
		s.mu.Unlock()
		return BufferInfo{}, trace.LimitExceeded("can not hold more than %v buffers", s.maxBuffers)
	}
	s.buffers[name] = sb
	s.mu.Unlock()

	if ok {
		old.release()
	}
	return sb.info, nil
}

// acquire returns the buffer held under name, the caller must call done()
// on it once it stops reading
func (s *store) acquire(name string) (*storedBuffer, error) {
	s.mu.Lock()
	sb, ok := s.buffers[name]
	s.mu.Unlock()
	if !ok || !sb.acquire() {
		return nil, trace.NotFound("buffer %q is not found", name)
	}
	return sb, nil
}

func (s *store) remove(name string) error {
	s.mu.Lock()
	sb, ok := s.buffers[name]
	delete(s.buffers, name)
	s.mu.Unlock()

	if !ok {
		return trace.NotFound("buffer %q is not found", name)
	}
	sb.release()
	return nil
}

func (s *store) list() []BufferInfo {
	s.mu.Lock()
	res := make([]BufferInfo, 0, len(s.buffers))
	for _, sb := range s.buffers {
		res = append(res, sb.info)
	}
	s.mu.Unlock()

	sort.Slice(res, func(i, j int) bool { return res[i].Name < res[j].Name })
	return res
}

// clear releases all the buffers
func (s *store) clear() {
	s.mu.Lock()
	buffers := s.buffers
	s.buffers = make(map[string]*storedBuffer)
	s.mu.Unlock()

	for _, sb := range buffers {
		sb.release()
	}
}

func (sb *storedBuffer) acquire() bool {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	if sb.released {
		return false
	}
	sb.readers++
	return true
}

// view returns an independent reader over the whole content
func (sb *storedBuffer) view() *io.SectionReader {
	return io.NewSectionReader(sb.buf, 0, sb.info.Size)
}

func (sb *storedBuffer) done() {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	sb.readers--
	if sb.released && sb.readers == 0 {
		sb.buf.Truncate()
	}
}

// release drops the content at once, or when in-flight readers are done
// with it. Readers are not let in afterwards.
func (sb *storedBuffer) release() {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	if sb.released {
		return
	}
	sb.released = true
	if sb.readers == 0 {
		sb.buf.Truncate()
	}
}
