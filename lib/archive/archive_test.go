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
	"bytes"
	"io"
	"io/ioutil"
	"math/rand"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gravitational/membuf/lib/membuf"
	"github.com/gravitational/trace"
	"gopkg.in/check.v1"
)

func Test(t *testing.T) { check.TestingT(t) }

type ArchiveSuite struct {
	items    []Item
	contents map[string][]byte
}

var _ = check.Suite(&ArchiveSuite{})

func (s *ArchiveSuite) SetUpSuite(c *check.C) {
	rnd := rand.New(rand.NewSource(1))
	big := make([]byte, 200*1024)
	rnd.Read(big)

	s.contents = map[string][]byte{
		"empty":         {},
		"hello.txt":     []byte("hello, world\n"),
		"logs/big.bin":  big,
		"logs/text.log": bytes.Repeat([]byte("2019-04-19T10:00:00Z INFO line\n"), 1000),
	}
	s.items = nil
	for _, name := range []string{"empty", "hello.txt", "logs/big.bin", "logs/text.log"} {
		s.items = append(s.items, BytesItem(name, s.contents[name]))
	}
}

func (s *ArchiveSuite) TestRoundTrip(c *check.C) {
	for _, f := range Formats {
		p := newTestPipeline(c, f, 0)
		buf, err := p.Compress(s.items)
		c.Assert(err, check.IsNil, check.Commentf("format %v", f))
		c.Assert(buf.Position(), check.Equals, int64(0))

		files, err := p.Decompress(buf)
		c.Assert(err, check.IsNil, check.Commentf("format %v", f))
		c.Assert(files, check.HasLen, len(s.items), check.Commentf("format %v", f))
		for i, file := range files {
			c.Assert(file.Name, check.Equals, s.items[i].Name)
			c.Assert(file.Size, check.Equals, s.items[i].Size)
			c.Assert(file.Mode, check.Equals, int64(defaultMode))
			c.Assert(bytes.Equal(file.Data.Bytes(), s.contents[file.Name]), check.Equals, true,
				check.Commentf("format %v, entry %v", f, file.Name))
		}
	}
}

func (s *ArchiveSuite) TestListDoesNotDependOnCursor(c *check.C) {
	for _, f := range Formats {
		p := newTestPipeline(c, f, 0)
		buf, err := p.Compress(s.items)
		c.Assert(err, check.IsNil)

		_, err = buf.Seek(0, io.SeekEnd)
		c.Assert(err, check.IsNil)
		entries, err := p.List(buf)
		c.Assert(err, check.IsNil, check.Commentf("format %v", f))
		c.Assert(names(entries), check.DeepEquals, []string{"empty", "hello.txt", "logs/big.bin", "logs/text.log"})
	}
}

func (s *ArchiveSuite) TestCompressStreamParts(c *check.C) {
	data := []byte("0123456789abcdefghijKLMNO")
	for _, f := range Formats {
		p := newTestPipeline(c, f, 10)
		buf, n, err := p.CompressStream(bytes.NewReader(data), "messages")
		c.Assert(err, check.IsNil, check.Commentf("format %v", f))
		c.Assert(n, check.Equals, 3)

		files, err := p.Decompress(buf)
		c.Assert(err, check.IsNil)
		c.Assert(files, check.HasLen, 3)
		c.Assert(files[0].Name, check.Equals, "messages")
		c.Assert(string(files[0].Data.Bytes()), check.Equals, "0123456789")
		c.Assert(files[1].Name, check.Equals, "messages.0")
		c.Assert(string(files[1].Data.Bytes()), check.Equals, "abcdefghij")
		c.Assert(files[2].Name, check.Equals, "messages.1")
		c.Assert(string(files[2].Data.Bytes()), check.Equals, "KLMNO")
	}
}

func (s *ArchiveSuite) TestCompressStreamExactParts(c *check.C) {
	p := newTestPipeline(c, FormatTarGzip, 5)
	buf, n, err := p.CompressStream(strings.NewReader("0123456789"), "part")
	c.Assert(err, check.IsNil)
	c.Assert(n, check.Equals, 2)

	entries, err := p.List(buf)
	c.Assert(err, check.IsNil)
	c.Assert(names(entries), check.DeepEquals, []string{"part", "part.0"})
}

func (s *ArchiveSuite) TestCompressEmptyStream(c *check.C) {
	for _, f := range Formats {
		p := newTestPipeline(c, f, 0)
		buf, n, err := p.CompressStream(strings.NewReader(""), "none")
		c.Assert(err, check.IsNil)
		c.Assert(n, check.Equals, 0)

		entries, err := p.List(buf)
		c.Assert(err, check.IsNil, check.Commentf("format %v", f))
		c.Assert(entries, check.HasLen, 0)
	}
}

func (s *ArchiveSuite) TestCapacityExceeded(c *check.C) {
	cfg := membuf.NewDefaultConfig()
	cfg.InitialChunkSize = 64
	cfg.MaxSize = 256
	p, err := NewPipeline(*cfg, FormatTar, 0)
	c.Assert(err, check.IsNil)

	_, err = p.Compress(s.items)
	c.Assert(err, check.NotNil)
	c.Assert(membuf.IsCapacityExceeded(err), check.Equals, true, check.Commentf("%v", err))
	c.Assert(trace.IsLimitExceeded(err), check.Equals, true)
}

func (s *ArchiveSuite) TestLoad(c *check.C) {
	var raw bytes.Buffer
	c.Assert(Pack(&raw, FormatZip, s.items), check.IsNil)

	p := newTestPipeline(c, FormatZip, 0)
	buf, err := p.Load(bytes.NewReader(raw.Bytes()))
	c.Assert(err, check.IsNil)
	c.Assert(buf.Size(), check.Equals, int64(raw.Len()))
	c.Assert(buf.Position(), check.Equals, int64(0))

	entries, err := p.List(buf)
	c.Assert(err, check.IsNil)
	c.Assert(entries, check.HasLen, len(s.items))
}

func (s *ArchiveSuite) TestCorruptedArchive(c *check.C) {
	for _, f := range []Format{FormatTarGzip, FormatTarZstd, FormatZip} {
		p := newTestPipeline(c, f, 0)
		buf, err := p.Load(strings.NewReader("definitely not an archive, just some text"))
		c.Assert(err, check.IsNil)
		_, err = p.List(buf)
		c.Assert(err, check.NotNil, check.Commentf("format %v", f))
	}
}

func (s *ArchiveSuite) TestPackDeclaredSizeMismatch(c *check.C) {
	item := BytesItem("short", []byte("abc"))
	item.Size = 10
	err := Pack(ioutil.Discard, FormatZip, []Item{item})
	c.Assert(trace.IsBadParameter(err), check.Equals, true, check.Commentf("%v", err))
}

func (s *ArchiveSuite) TestPackReportsItemError(c *check.C) {
	for _, f := range Formats {
		item := BytesItem("locked", []byte("abc"))
		item.Open = func() (io.ReadCloser, error) {
			return nil, trace.AccessDenied("locked")
		}
		err := Pack(ioutil.Discard, f, []Item{s.items[1], item})
		c.Assert(trace.IsAccessDenied(err), check.Equals, true, check.Commentf("format %v: %v", f, err))
	}
}

func (s *ArchiveSuite) TestFileItem(c *check.C) {
	dir := c.MkDir()
	path := filepath.Join(dir, "data.txt")
	c.Assert(ioutil.WriteFile(path, []byte("file content"), 0600), check.IsNil)

	item, err := FileItem(path, "stored/data.txt")
	c.Assert(err, check.IsNil)
	c.Assert(item.Size, check.Equals, int64(12))
	c.Assert(item.Mode, check.Equals, int64(0600))

	p := newTestPipeline(c, FormatTarLZ4, 0)
	buf, err := p.Compress([]Item{item})
	c.Assert(err, check.IsNil)
	files, err := p.Decompress(buf)
	c.Assert(err, check.IsNil)
	c.Assert(files, check.HasLen, 1)
	c.Assert(files[0].Name, check.Equals, "stored/data.txt")
	c.Assert(string(files[0].Data.Bytes()), check.Equals, "file content")

	_, err = FileItem(dir, "dir")
	c.Assert(trace.IsBadParameter(err), check.Equals, true)
	_, err = FileItem(filepath.Join(dir, "missing"), "missing")
	c.Assert(trace.IsNotFound(err), check.Equals, true)
}

func (s *ArchiveSuite) TestEntryWriterNaming(c *check.C) {
	var raw bytes.Buffer
	w, err := NewEntryWriter(&raw, FormatTar, "prefix")
	c.Assert(err, check.IsNil)
	for _, part := range []string{"a", "bb", "ccc"} {
		c.Assert(w.WriteEntry(strings.NewReader(part), int64(len(part))), check.IsNil)
	}
	c.Assert(w.Entries(), check.Equals, 3)
	c.Assert(w.Close(), check.IsNil)

	buf, err := membuf.NewFromBytes(raw.Bytes(), false, 0)
	c.Assert(err, check.IsNil)
	entries, err := List(buf, FormatTar)
	c.Assert(err, check.IsNil)
	c.Assert(names(entries), check.DeepEquals, []string{"prefix", "prefix.0", "prefix.1"})
	c.Assert(entries[2].Size, check.Equals, int64(3))
}

func (s *ArchiveSuite) TestEntryWriterSizeMismatch(c *check.C) {
	w, err := NewEntryWriter(ioutil.Discard, FormatZip, "prefix")
	c.Assert(err, check.IsNil)
	err = w.WriteEntry(strings.NewReader("abc"), 5)
	c.Assert(trace.IsBadParameter(err), check.Equals, true)
}

func (s *ArchiveSuite) TestNewPipelineChecks(c *check.C) {
	_, err := NewPipeline(membuf.Config{}, FormatTar, 0)
	c.Assert(trace.IsBadParameter(err), check.Equals, true)
	_, err = NewPipeline(*membuf.NewDefaultConfig(), Format(42), 0)
	c.Assert(trace.IsBadParameter(err), check.Equals, true)
}

func (s *ArchiveSuite) TestJoinRestoresStream(c *check.C) {
	data := bytes.Repeat([]byte("0123456789abcdef"), 7)
	for _, f := range Formats {
		p := newTestPipeline(c, f, 16)
		buf, n, err := p.CompressStream(bytes.NewReader(data), "messages")
		c.Assert(err, check.IsNil)
		c.Assert(n, check.Equals, 7)

		joined, err := p.Join(buf, "messages")
		c.Assert(err, check.IsNil, check.Commentf("format %v", f))
		c.Assert(joined.Position(), check.Equals, int64(0))
		c.Assert(bytes.Equal(joined.Bytes(), data), check.Equals, true, check.Commentf("format %v", f))
	}
}

func (s *ArchiveSuite) TestJoinSortsParts(c *check.C) {
	p := newTestPipeline(c, FormatZip, 0)
	buf, err := p.Compress([]Item{
		BytesItem("p.1", []byte("C")),
		BytesItem("other", []byte("skipped")),
		BytesItem("p.10", []byte("L")),
		BytesItem("p", []byte("A")),
		BytesItem("p.0", []byte("B")),
		BytesItem("p.x", []byte("skipped")),
		BytesItem("p.2", []byte("D")),
		BytesItem("p.3", []byte("E")),
		BytesItem("p.4", []byte("F")),
		BytesItem("p.5", []byte("G")),
		BytesItem("p.6", []byte("H")),
		BytesItem("p.7", []byte("I")),
		BytesItem("p.8", []byte("J")),
		BytesItem("p.9", []byte("K")),
	})
	c.Assert(err, check.IsNil)

	joined, err := p.Join(buf, "p")
	c.Assert(err, check.IsNil)
	c.Assert(string(joined.Bytes()), check.Equals, "ABCDEFGHIJKL")
}

func (s *ArchiveSuite) TestJoinIncompleteSequence(c *check.C) {
	p := newTestPipeline(c, FormatTar, 0)
	buf, err := p.Compress([]Item{BytesItem("p", []byte("A")), BytesItem("p.1", []byte("C"))})
	c.Assert(err, check.IsNil)

	_, err = p.Join(buf, "p")
	c.Assert(trace.IsBadParameter(err), check.Equals, true, check.Commentf("%v", err))

	_, err = p.Join(buf, "q")
	c.Assert(trace.IsNotFound(err), check.Equals, true, check.Commentf("%v", err))
}

func TestPartIndex(t *testing.T) {
	tests := []struct {
		name   string
		want   int
		wantOk bool
	}{
		{name: "messages", want: 0, wantOk: true},
		{name: "messages.0", want: 1, wantOk: true},
		{name: "messages.12", want: 13, wantOk: true},
		{name: "messages.gz", wantOk: false},
		{name: "messages.-1", wantOk: false},
		{name: "messagesX", wantOk: false},
		{name: "other", wantOk: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := partIndex(tt.name, "messages")
			if ok != tt.wantOk || got != tt.want {
				t.Errorf("partIndex() = %v, %v, want %v, %v", got, ok, tt.want, tt.wantOk)
			}
		})
	}
}

func TestParseFormat(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    Format
		wantErr bool
	}{
		{name: "tar", in: "tar", want: FormatTar},
		{name: "gzip alias", in: "tgz", want: FormatTarGzip},
		{name: "leading dot", in: ".tar.zst", want: FormatTarZstd},
		{name: "upper case", in: "TAR.LZ4", want: FormatTarLZ4},
		{name: "zip", in: "zip", want: FormatZip},
		{name: "unknown", in: "rar", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseFormat(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseFormat() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && got != tt.want {
				t.Errorf("ParseFormat() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestFormatFromName(t *testing.T) {
	tests := []struct {
		name    string
		want    Format
		wantErr bool
	}{
		{name: "logs.tar.gz", want: FormatTarGzip},
		{name: "logs.TGZ", want: FormatTarGzip},
		{name: "/tmp/a.b/backup.tar.zst", want: FormatTarZstd},
		{name: "data.tar.lz4", want: FormatTarLZ4},
		{name: "data.tar", want: FormatTar},
		{name: "bundle.zip", want: FormatZip},
		{name: "notes.txt", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := FormatFromName(tt.name)
			if (err != nil) != tt.wantErr {
				t.Fatalf("FormatFromName() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && got != tt.want {
				t.Errorf("FormatFromName() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestFormat_String(t *testing.T) {
	if got := FormatTarZstd.String(); got != "tar.zst" {
		t.Errorf("Format.String() = %v, want tar.zst", got)
	}
	if got := Format(42).String(); got != "unknown(42)" {
		t.Errorf("Format.String() = %v, want unknown(42)", got)
	}
}

func newTestPipeline(c *check.C, f Format, partSize int64) *Pipeline {
	cfg := membuf.NewDefaultConfig()
	cfg.InitialChunkSize = 256
	cfg.MaxChunkSize = 4096
	p, err := NewPipeline(*cfg, f, partSize)
	c.Assert(err, check.IsNil)
	return p
}

func names(entries []Entry) []string {
	var res []string
	for _, e := range entries {
		res = append(res, e.Name)
	}
	return res
}
