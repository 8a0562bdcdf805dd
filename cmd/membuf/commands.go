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

package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/gravitational/membuf/lib/archive"
	"github.com/gravitational/membuf/lib/membuf"
	"github.com/gravitational/trace"
	ucli "gopkg.in/urfave/cli.v2"
)

// stdout is where commands write their output
var stdout io.Writer = os.Stdout

//===================== pack =====================

func runPack(c *ucli.Context) error {
	if err := initCfg(c); err != nil {
		return err
	}
	if c.Args().Len() == 0 {
		return trace.BadParameter("at least one path to pack is expected")
	}
	out := c.String(argOut)
	p, err := newPipeline(c, out)
	if err != nil {
		return trace.Wrap(err)
	}
	items, err := collectItems(c.Args().Slice())
	if err != nil {
		return trace.Wrap(err)
	}
	buf, err := p.Compress(items)
	if err != nil {
		return trace.Wrap(err)
	}
	defer buf.Close()
	logger.Info("Packed ", len(items), " files into ", humanize.IBytes(uint64(buf.Size())), " of ", p.Format())
	return exportBuffer(buf, out)
}

// collectItems turns paths into archive items, directories are walked
// and their files are stored relative to the directory parent
func collectItems(paths []string) ([]archive.Item, error) {
	var items []archive.Item
	for _, path := range paths {
		root := filepath.Dir(filepath.Clean(path))
		err := filepath.Walk(path, func(file string, info os.FileInfo, err error) error {
			if err != nil {
				return trace.ConvertSystemError(err)
			}
			if !info.Mode().IsRegular() {
				return nil
			}
			name, err := filepath.Rel(root, file)
			if err != nil {
				return trace.Wrap(err)
			}
			item, err := archive.FileItem(file, filepath.ToSlash(name))
			if err != nil {
				return trace.Wrap(err)
			}
			items = append(items, item)
			return nil
		})
		if err != nil {
			return nil, trace.Wrap(err)
		}
	}
	return items, nil
}

//===================== split =====================

func runSplit(c *ucli.Context) error {
	if err := initCfg(c); err != nil {
		return err
	}
	out := c.String(argOut)
	p, err := newPipeline(c, out)
	if err != nil {
		return trace.Wrap(err)
	}
	buf, entries, err := p.CompressStream(os.Stdin, c.String(argPrefix))
	if err != nil {
		return trace.Wrap(err)
	}
	defer buf.Close()
	logger.Info("Split stdin into ", entries, " entries, ", humanize.IBytes(uint64(buf.Size())), " of ", p.Format())
	return exportBuffer(buf, out)
}

//===================== join =====================

func runJoin(c *ucli.Context) error {
	if err := initCfg(c); err != nil {
		return err
	}
	buf, p, err := loadArchive(c)
	if err != nil {
		return trace.Wrap(err)
	}
	defer buf.Close()

	joined, err := p.Join(buf, c.String(argPrefix))
	if err != nil {
		return trace.Wrap(err)
	}
	defer joined.Close()
	logger.Info("Joined ", humanize.IBytes(uint64(joined.Size())), " from ", c.Args().First())
	return exportBuffer(joined, c.String(argOut))
}

//===================== list =====================

func runList(c *ucli.Context) error {
	if err := initCfg(c); err != nil {
		return err
	}
	buf, p, err := loadArchive(c)
	if err != nil {
		return trace.Wrap(err)
	}
	defer buf.Close()

	entries, err := p.List(buf)
	if err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(printEntries(stdout, entries))
}

func printEntries(w io.Writer, entries []archive.Entry) error {
	tw := tabwriter.NewWriter(w, 0, 8, 1, ' ', 0)
	for _, e := range entries {
		fmt.Fprintf(tw, "%v\t%v\t%v\t%v\n", os.FileMode(e.Mode), humanize.IBytes(uint64(e.Size)),
			e.ModTime.Format("2006-01-02 15:04"), e.Name)
	}
	return tw.Flush()
}

//===================== extract =====================

func runExtract(c *ucli.Context) error {
	if err := initCfg(c); err != nil {
		return err
	}
	buf, p, err := loadArchive(c)
	if err != nil {
		return trace.Wrap(err)
	}
	defer buf.Close()

	dir := c.String(argDir)
	var files int
	err = p.Extract(buf, func(e archive.Entry, r io.Reader) error {
		files++
		return extractFile(dir, e, r)
	})
	if err != nil {
		return trace.Wrap(err)
	}
	logger.Info("Extracted ", files, " files into ", dir)
	return nil
}

// extractFile writes the entry under dir, refusing names which escape it
func extractFile(dir string, e archive.Entry, r io.Reader) error {
	path := filepath.Join(dir, filepath.FromSlash(e.Name))
	rel, err := filepath.Rel(dir, path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return trace.BadParameter("entry %q escapes the destination directory", e.Name)
	}
	if err = os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return trace.ConvertSystemError(err)
	}
	mode := os.FileMode(e.Mode).Perm()
	if mode == 0 {
		mode = 0644
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, mode)
	if err != nil {
		return trace.ConvertSystemError(err)
	}
	_, err = io.Copy(f, r)
	if errC := f.Close(); err == nil {
		err = errC
	}
	return trace.ConvertSystemError(err)
}

//===================== helpers =====================

// newPipeline creates the pipeline of a command. The format comes from the
// format flag, then from the name of the file the command works with,
// then from the config.
func newPipeline(c *ucli.Context, name string) (*archive.Pipeline, error) {
	f, err := commandFormat(c, name)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	partSize, err := cfg.Archive.partSize()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return archive.NewPipeline(*cfg.Buffer, f, partSize)
}

func commandFormat(c *ucli.Context, name string) (archive.Format, error) {
	if fs := c.String(argFormat); fs != "" {
		return archive.ParseFormat(fs)
	}
	if name != "" && name != "-" {
		if f, err := archive.FormatFromName(name); err == nil {
			return f, nil
		}
	}
	return cfg.Archive.format()
}

// loadArchive reads the archive named by the first command argument into
// memory, "-" stands for stdin
func loadArchive(c *ucli.Context) (*membuf.Buffer, *archive.Pipeline, error) {
	if c.Args().Len() != 1 {
		return nil, nil, trace.BadParameter("exactly one archive file is expected")
	}
	name := c.Args().First()
	p, err := newPipeline(c, name)
	if err != nil {
		return nil, nil, trace.Wrap(err)
	}

	var src io.Reader = os.Stdin
	if name != "-" {
		f, err := os.Open(name)
		if err != nil {
			return nil, nil, trace.ConvertSystemError(err)
		}
		defer f.Close()
		src = f
	}
	buf, err := p.Load(src)
	if err != nil {
		return nil, nil, trace.Wrap(err, "failed to load %v", name)
	}
	return buf, p, nil
}

// exportBuffer writes the whole buffer to the named file, or to stdout
func exportBuffer(buf *membuf.Buffer, name string) error {
	if name == "" || name == "-" {
		_, err := buf.ExportTo(stdout, true)
		return trace.Wrap(err)
	}
	f, err := os.OpenFile(name, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return trace.ConvertSystemError(err)
	}
	_, err = buf.ExportTo(f, true)
	if errC := f.Close(); err == nil {
		err = errC
	}
	return trace.ConvertSystemError(err)
}
