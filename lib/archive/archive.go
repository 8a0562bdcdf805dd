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
	"archive/tar"
	"archive/zip"
	"bytes"
	"io"
	"io/ioutil"
	"os"
	"time"

	"github.com/gravitational/trace"
)

type (
	// Entry describes a regular file stored in an archive
	Entry struct {
		Name    string    `json:"name"`
		Size    int64     `json:"size"`
		Mode    int64     `json:"mode"`
		ModTime time.Time `json:"modTime"`
	}

	// Item is an entry to be packed together with its content
	Item struct {
		Entry
		// Open returns the content of the entry, exactly Entry.Size bytes
		Open func() (io.ReadCloser, error)
	}

	// Stream is the read side of the seekable stream contract an archive
	// is decoded from. Zip archives are read through ReadAt, tarballs
	// stream from the beginning.
	Stream interface {
		io.ReadSeeker
		io.ReaderAt
		Size() int64
	}

	// Visitor is called for every regular file of an archive. The reader
	// is valid only until Visitor returns.
	Visitor func(e Entry, r io.Reader) error

	// entrySink writes archive entries one after another
	entrySink interface {
		create(e Entry) (io.Writer, error)
		close() error
	}

	tarSink struct {
		codec io.WriteCloser
		tw    *tar.Writer
	}

	zipSink struct {
		zw *zip.Writer
	}
)

// defaultMode is the permission of entries without an explicit mode
const defaultMode = 0644

func newEntrySink(w io.Writer, f Format) (entrySink, error) {
	if !f.isTar() {
		return &zipSink{zw: zip.NewWriter(w)}, nil
	}
	codec, err := compressor(w, f)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &tarSink{codec: codec, tw: tar.NewWriter(codec)}, nil
}

func (s *tarSink) create(e Entry) (io.Writer, error) {
	err := s.tw.WriteHeader(&tar.Header{
		Name:     e.Name,
		ModTime:  e.ModTime,
		Mode:     e.Mode,
		Typeflag: tar.TypeReg,
		Size:     e.Size,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return s.tw, nil
}

func (s *tarSink) close() error {
	err := s.tw.Close()
	if errC := s.codec.Close(); err == nil {
		err = errC
	}
	return trace.Wrap(err)
}

func (s *zipSink) create(e Entry) (io.Writer, error) {
	hdr := &zip.FileHeader{
		Name:     e.Name,
		Method:   zip.Deflate,
		Modified: e.ModTime,
	}
	hdr.SetMode(os.FileMode(e.Mode))
	w, err := s.zw.CreateHeader(hdr)
	return w, trace.Wrap(err)
}

func (s *zipSink) close() error {
	return trace.Wrap(s.zw.Close())
}

// Pack writes an archive of format f holding items to dst
func Pack(dst io.Writer, f Format, items []Item) error {
	sink, err := newEntrySink(dst, f)
	if err != nil {
		return trace.Wrap(err)
	}
	for _, item := range items {
		if err = packItem(sink, item); err != nil {
			// the archive is abandoned, the item error is the one to report
			_ = sink.close()
			return trace.Wrap(err, "failed to pack %v", item.Name)
		}
	}
	return sink.close()
}

func packItem(sink entrySink, item Item) error {
	e := item.Entry
	if e.Mode == 0 {
		e.Mode = defaultMode
	}
	w, err := sink.create(e)
	if err != nil {
		return trace.Wrap(err)
	}
	rc, err := item.Open()
	if err != nil {
		return trace.Wrap(err)
	}
	defer rc.Close()

	n, err := io.Copy(w, rc)
	if err != nil {
		return trace.Wrap(err)
	}
	if n != e.Size {
		return trace.BadParameter("entry %v declares %v bytes, got %v", e.Name, e.Size, n)
	}
	return nil
}

// Extract calls fn for every regular file of the archive of format f read
// from src
func Extract(src Stream, f Format, fn Visitor) error {
	if f.isTar() {
		return extractTar(src, f, fn)
	}
	return extractZip(src, fn)
}

// List returns the regular files of the archive of format f read from src
func List(src Stream, f Format) ([]Entry, error) {
	var entries []Entry
	err := Extract(src, f, func(e Entry, _ io.Reader) error {
		entries = append(entries, e)
		return nil
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return entries, nil
}

func extractTar(src Stream, f Format, fn Visitor) error {
	if _, err := src.Seek(0, io.SeekStart); err != nil {
		return trace.Wrap(err)
	}
	rc, err := decompressor(src, f)
	if err != nil {
		return trace.Wrap(err)
	}
	defer rc.Close()

	tr := tar.NewReader(rc)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return trace.Wrap(err)
		}
		if hdr.Typeflag != tar.TypeReg && hdr.Typeflag != tar.TypeRegA {
			continue
		}
		e := Entry{Name: hdr.Name, Size: hdr.Size, Mode: hdr.Mode, ModTime: hdr.ModTime}
		if err = fn(e, tr); err != nil {
			return trace.Wrap(err)
		}
	}
}

func extractZip(src Stream, fn Visitor) error {
	zr, err := zip.NewReader(src, src.Size())
	if err != nil {
		return trace.Wrap(err)
	}
	for _, zf := range zr.File {
		info := zf.FileInfo()
		if !info.Mode().IsRegular() {
			continue
		}
		e := Entry{Name: zf.Name, Size: info.Size(), Mode: int64(info.Mode().Perm()), ModTime: zf.Modified}
		if err = visitZipFile(zf, e, fn); err != nil {
			return trace.Wrap(err)
		}
	}
	return nil
}

func visitZipFile(zf *zip.File, e Entry, fn Visitor) error {
	rc, err := zf.Open()
	if err != nil {
		return trace.Wrap(err)
	}
	defer rc.Close()
	return fn(e, rc)
}

// BytesItem returns an item holding data
func BytesItem(name string, data []byte) Item {
	return Item{
		Entry: Entry{Name: name, Size: int64(len(data)), Mode: defaultMode, ModTime: time.Now()},
		Open: func() (io.ReadCloser, error) {
			return ioutil.NopCloser(bytes.NewReader(data)), nil
		},
	}
}

// FileItem returns an item holding the regular file at path stored under name
func FileItem(path, name string) (Item, error) {
	info, err := os.Stat(path)
	if err != nil {
		return Item{}, trace.ConvertSystemError(err)
	}
	if !info.Mode().IsRegular() {
		return Item{}, trace.BadParameter("%v is not a regular file", path)
	}
	return Item{
		Entry: Entry{Name: name, Size: info.Size(), Mode: int64(info.Mode().Perm()), ModTime: info.ModTime()},
		Open: func() (io.ReadCloser, error) {
			f, err := os.Open(path)
			if err != nil {
				return nil, trace.ConvertSystemError(err)
			}
			return f, nil
		},
	}, nil
}
