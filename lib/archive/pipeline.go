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

	"github.com/dustin/go-humanize"
	"github.com/gravitational/membuf/lib/membuf"
	log "github.com/gravitational/logrus"
	"github.com/gravitational/trace"
)

type (
	// Pipeline encodes and decodes archives entirely in memory, using
	// membuf buffers in place of temporary files
	Pipeline struct {
		cfg      membuf.Config
		format   Format
		partSize int64
		logger   *log.Entry
	}

	// File is a regular file decoded from an archive
	File struct {
		Entry
		Data *membuf.Buffer
	}
)

// DefaultPartSize is the maximum size of one entry written by CompressStream
const DefaultPartSize = 10 * 1024 * 1024

// NewPipeline creates a pipeline producing and consuming archives of
// format f. Every buffer it allocates follows cfg. A non-positive partSize
// selects DefaultPartSize.
func NewPipeline(cfg membuf.Config, f Format, partSize int64) (*Pipeline, error) {
	if err := cfg.Check(); err != nil {
		return nil, trace.Wrap(err)
	}
	if _, ok := formatNames[f]; !ok {
		return nil, trace.BadParameter("unknown archive format %v", f)
	}
	if partSize <= 0 {
		partSize = DefaultPartSize
	}
	if partSize > cfg.MaxSize {
		partSize = cfg.MaxSize
	}
	return &Pipeline{
		cfg:      cfg,
		format:   f,
		partSize: partSize,
		logger:   log.WithField(trace.Component, "membuf.archive"),
	}, nil
}

// Format returns the archive format of the pipeline
func (p *Pipeline) Format() Format {
	return p.format
}

// Compress packs items into a new buffer positioned at its beginning
func (p *Pipeline) Compress(items []Item) (*membuf.Buffer, error) {
	out, err := membuf.NewWithConfig(p.cfg)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if err = Pack(out, p.format, items); err != nil {
		return nil, trace.Wrap(err)
	}
	out.Rewind()
	p.logger.Debugf("Packed %v entries into %v of %v.", len(items), humanize.IBytes(uint64(out.Size())), p.format)
	return out, nil
}

// CompressStream splits r into parts of the pipeline part size and stores
// every part as an entry named after prefix. It returns the archive
// positioned at its beginning together with the number of entries.
func (p *Pipeline) CompressStream(r io.Reader, prefix string) (*membuf.Buffer, int, error) {
	out, err := membuf.NewWithConfig(p.cfg)
	if err != nil {
		return nil, 0, trace.Wrap(err)
	}
	partCfg := p.cfg
	partCfg.MaxSize = p.partSize
	part, err := membuf.NewWithConfig(partCfg)
	if err != nil {
		return nil, 0, trace.Wrap(err)
	}
	defer part.Close()

	ew, err := NewEntryWriter(out, p.format, prefix)
	if err != nil {
		return nil, 0, trace.Wrap(err)
	}
	for {
		part.Truncate()
		n, err := part.WriteFrom(io.LimitReader(r, p.partSize))
		if err != nil {
			_ = ew.Close()
			return nil, 0, trace.Wrap(err)
		}
		if n == 0 {
			break
		}
		part.Rewind()
		if err = ew.WriteEntry(part, n); err != nil {
			_ = ew.Close()
			return nil, 0, trace.Wrap(err)
		}
		if n < p.partSize {
			break
		}
	}
	if err = ew.Close(); err != nil {
		return nil, 0, trace.Wrap(err)
	}
	out.Rewind()
	p.logger.Debugf("Compressed stream into %v entries, %v of %v.",
		ew.Entries(), humanize.IBytes(uint64(out.Size())), p.format)
	return out, ew.Entries(), nil
}

// Load reads a whole archive from r into a new buffer positioned at its
// beginning
func (p *Pipeline) Load(r io.Reader) (*membuf.Buffer, error) {
	buf, err := membuf.NewWithConfig(p.cfg)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if _, err = buf.WriteFrom(r); err != nil {
		return nil, trace.Wrap(err)
	}
	buf.Rewind()
	return buf, nil
}

// List returns the regular files of the archive in src
func (p *Pipeline) List(src Stream) ([]Entry, error) {
	return List(src, p.format)
}

// Extract calls fn for every regular file of the archive in src
func (p *Pipeline) Extract(src Stream, fn Visitor) error {
	return Extract(src, p.format, fn)
}

// Decompress reads every regular file of the archive in src into its own
// buffer positioned at its beginning
func (p *Pipeline) Decompress(src Stream) ([]File, error) {
	var files []File
	err := Extract(src, p.format, func(e Entry, r io.Reader) error {
		data, err := membuf.NewWithConfig(p.cfg)
		if err != nil {
			return trace.Wrap(err)
		}
		n, err := data.WriteFrom(r)
		if err != nil {
			return trace.Wrap(err, "failed to decompress %v", e.Name)
		}
		if n != e.Size {
			return trace.BadParameter("entry %v declares %v bytes, got %v", e.Name, e.Size, n)
		}
		data.Rewind()
		files = append(files, File{Entry: e, Data: data})
		return nil
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	p.logger.Debugf("Decompressed %v entries from %v of %v.",
		len(files), humanize.IBytes(uint64(src.Size())), p.format)
	return files, nil
}
