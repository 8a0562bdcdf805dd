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

package membuf

import (
	"github.com/gravitational/trace"
)

// checkInvariants verifies the chunk and cursor bookkeeping of b.
//
// A detached cursor (see Buffer) is the only state allowed to put the
// in-chunk offset past the capacity of the last chunk, or to move the
// position off 0 while no chunk is allocated.
func (b *Buffer) checkInvariants() error {
	if len(b.chunks) != len(b.starts) {
		return trace.Errorf("%v chunks but %v start offsets", len(b.chunks), len(b.starts))
	}
	detached := b.position > b.Capacity()

	if len(b.chunks) == 0 {
		if b.size != 0 {
			return trace.Errorf("no chunks, but size=%v", b.size)
		}
		if b.chunkIndex != -1 {
			return trace.Errorf("no chunks, but chunkIndex=%v", b.chunkIndex)
		}
		if !detached && (b.position != 0 || b.positionInChunk != 0) {
			return trace.Errorf("no chunks, but position=%v, positionInChunk=%v", b.position, b.positionInChunk)
		}
		if b.positionInChunk != b.position {
			return trace.Errorf("no chunks, positionInChunk=%v != position=%v", b.positionInChunk, b.position)
		}
		return nil
	}

	if b.positionInChunk < 0 || b.position < 0 || b.chunkIndex < 0 || b.size < 0 {
		return trace.Errorf("negative bookkeeping: positionInChunk=%v, position=%v, chunkIndex=%v, size=%v",
			b.positionInChunk, b.position, b.chunkIndex, b.size)
	}
	last := len(b.chunks) - 1
	if b.chunkIndex > last {
		return trace.Errorf("chunkIndex=%v is past the last chunk %v", b.chunkIndex, last)
	}

	var sizeBeforeLast, sizeBeforeCurrent int64
	for i, chunk := range b.chunks {
		if len(chunk) == 0 {
			return trace.Errorf("chunk #%v is empty", i)
		}
		if b.starts[i] != sizeBeforeLast {
			return trace.Errorf("chunk #%v starts at %v, expected %v", i, b.starts[i], sizeBeforeLast)
		}
		if i == b.chunkIndex {
			switch {
			case i < last && b.positionInChunk >= int64(len(chunk)):
				return trace.Errorf("positionInChunk=%v completes non-final chunk #%v of %v bytes",
					b.positionInChunk, i, len(chunk))
			case i == last && !detached && b.positionInChunk > int64(len(chunk)):
				return trace.Errorf("positionInChunk=%v is past the last chunk of %v bytes",
					b.positionInChunk, len(chunk))
			}
		}
		if i < b.chunkIndex {
			sizeBeforeCurrent += int64(len(chunk))
		}
		if i < last {
			sizeBeforeLast += int64(len(chunk))
		}
	}

	if sizeBeforeCurrent+b.positionInChunk != b.position {
		return trace.Errorf("chunk offsets %v + positionInChunk=%v != position=%v",
			sizeBeforeCurrent, b.positionInChunk, b.position)
	}
	if b.size < sizeBeforeLast || b.size > sizeBeforeLast+int64(len(b.chunks[last])) {
		return trace.Errorf("size=%v is outside of the last chunk [%v, %v]",
			b.size, sizeBeforeLast, sizeBeforeLast+int64(len(b.chunks[last])))
	}
	for i, v := range b.chunks[last][b.size-sizeBeforeLast:] {
		if v != 0 {
			return trace.Errorf("slack byte at %v is not zero", b.size+int64(i))
		}
	}
	return nil
}
