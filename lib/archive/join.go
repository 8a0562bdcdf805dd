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
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/gravitational/membuf/lib/membuf"
	"github.com/gravitational/trace"
)

// part is an entry written by EntryWriter together with its content
type part struct {
	index int
	name  string
	data  *membuf.Buffer
}

// partOrder sorts parts in the order EntryWriter wrote them:
//
// <prefix>, <prefix>.0, <prefix>.1, ...
type partOrder []part

func (r partOrder) Len() int {
	return len(r)
}

func (r partOrder) Swap(i, j int) {
	r[i], r[j] = r[j], r[i]
}

func (r partOrder) Less(i, j int) bool {
	return r[i].index < r[j].index
}

// partIndex returns the position of the entry name in a sequence written
// by EntryWriter with prefix
func partIndex(name, prefix string) (int, bool) {
	if name == prefix {
		return 0, true
	}
	if !strings.HasPrefix(name, prefix+".") {
		return 0, false
	}
	n, err := strconv.Atoi(name[len(prefix)+1:])
	if err != nil || n < 0 {
		return 0, false
	}
	return n + 1, true
}

// Join concatenates the entries named after prefix, as CompressStream
// writes them, into a new buffer positioned at its beginning. Entries may
// be stored in any order, but the sequence must be complete.
func (p *Pipeline) Join(src Stream, prefix string) (*membuf.Buffer, error) {
	var parts []part
	err := Extract(src, p.format, func(e Entry, r io.Reader) error {
		idx, ok := partIndex(e.Name, prefix)
		if !ok {
			return nil
		}
		data, err := membuf.NewWithConfig(p.cfg)
		if err != nil {
			return trace.Wrap(err)
		}
		if _, err = data.WriteFrom(r); err != nil {
			return trace.Wrap(err, "failed to read %v", e.Name)
		}
		data.Rewind()
		parts = append(parts, part{index: idx, name: e.Name, data: data})
		return nil
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if len(parts) == 0 {
		return nil, trace.NotFound("no entries named after %q", prefix)
	}

	sort.Sort(partOrder(parts))
	for i, pt := range parts {
		if pt.index != i {
			return nil, trace.BadParameter("entry %v is out of sequence, expected part #%v", pt.name, i)
		}
	}

	out, err := membuf.NewWithConfig(p.cfg)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	for _, pt := range parts {
		_, err = pt.data.WriteTo(out)
		_ = pt.data.Close()
		if err != nil {
			return nil, trace.Wrap(err)
		}
	}
	out.Rewind()
	p.logger.Debugf("Joined %v entries of %q into %v.", len(parts), prefix, humanize.IBytes(uint64(out.Size())))
	return out, nil
}
