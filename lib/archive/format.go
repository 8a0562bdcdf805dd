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
	"io/ioutil"
	"strings"

	"github.com/gravitational/trace"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Format identifies an archive container and its compression codec
type Format int

const (
	// FormatTar is an uncompressed tarball
	FormatTar Format = iota
	// FormatTarGzip is a gzip compressed tarball
	FormatTarGzip
	// FormatTarZstd is a zstd compressed tarball
	FormatTarZstd
	// FormatTarLZ4 is a lz4 frame compressed tarball
	FormatTarLZ4
	// FormatZip is a zip archive with deflated entries
	FormatZip
)

var formatNames = map[Format]string{
	FormatTar:     "tar",
	FormatTarGzip: "tar.gz",
	FormatTarZstd: "tar.zst",
	FormatTarLZ4:  "tar.lz4",
	FormatZip:     "zip",
}

// Formats lists all supported formats
var Formats = []Format{FormatTar, FormatTarGzip, FormatTarZstd, FormatTarLZ4, FormatZip}

func (f Format) String() string {
	if name, ok := formatNames[f]; ok {
		return name
	}
	return fmt.Sprintf("unknown(%d)", int(f))
}

// ParseFormat parses a format from its name, e.g. "tar.gz"
func ParseFormat(name string) (Format, error) {
	switch strings.ToLower(strings.TrimPrefix(name, ".")) {
	case "tar":
		return FormatTar, nil
	case "tar.gz", "tgz", "gz", "gzip":
		return FormatTarGzip, nil
	case "tar.zst", "tzst", "zst", "zstd":
		return FormatTarZstd, nil
	case "tar.lz4", "lz4":
		return FormatTarLZ4, nil
	case "zip":
		return FormatZip, nil
	}
	return 0, trace.BadParameter("unknown archive format %q, supported: %v", name, Formats)
}

// FormatFromName guesses the format from a file name extension
func FormatFromName(filename string) (Format, error) {
	lower := strings.ToLower(filename)
	for _, suffix := range []string{".tar.gz", ".tgz", ".tar.zst", ".tzst", ".tar.lz4", ".tar", ".zip"} {
		if strings.HasSuffix(lower, suffix) {
			return ParseFormat(suffix)
		}
	}
	return 0, trace.BadParameter("can not guess archive format of %q", filename)
}

func (f Format) isTar() bool {
	return f != FormatZip
}

type nopWriteCloser struct {
	io.Writer
}

func (nopWriteCloser) Close() error { return nil }

// compressor returns a writer compressing into w with the codec of f.
// Closing it flushes the codec but never closes w.
func compressor(w io.Writer, f Format) (io.WriteCloser, error) {
	switch f {
	case FormatTar:
		return nopWriteCloser{w}, nil
	case FormatTarGzip:
		return gzip.NewWriter(w), nil
	case FormatTarZstd:
		enc, err := zstd.NewWriter(w)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		return enc, nil
	case FormatTarLZ4:
		return lz4.NewWriter(w), nil
	}
	return nil, trace.BadParameter("format %v has no stream codec", f)
}

// decompressor returns a reader decoding r with the codec of f
func decompressor(r io.Reader, f Format) (io.ReadCloser, error) {
	switch f {
	case FormatTar:
		return ioutil.NopCloser(r), nil
	case FormatTarGzip:
		zr, err := gzip.NewReader(r)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		return zr, nil
	case FormatTarZstd:
		dec, err := zstd.NewReader(r)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		return dec.IOReadCloser(), nil
	case FormatTarLZ4:
		return ioutil.NopCloser(lz4.NewReader(r)), nil
	}
	return nil, trace.BadParameter("format %v has no stream codec", f)
}
