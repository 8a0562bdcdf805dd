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
	"context"
	"encoding/json"
	"fmt"
	"io"
	"io/ioutil"
	"net/http"
	"strings"
	"time"

	"github.com/LK4D4/joincontext"
	"github.com/dustin/go-humanize"
	"github.com/gravitational/membuf/lib/archive"
	"github.com/gravitational/membuf/lib/membuf"
	log "github.com/gravitational/logrus"
	"github.com/gravitational/trace"
	"github.com/julienschmidt/httprouter"
)

type (
	// Config holds the settings of the API server
	Config struct {
		// Buffer is the config of every buffer the server allocates
		Buffer membuf.Config
		// Format is the archive format used when a request names none
		Format archive.Format
		// PartSize is the maximum entry size of archives built from a buffer
		PartSize int64
		// MaxBuffers is the maximum number of named buffers held at once
		MaxBuffers int
	}

	// Http API server holding named in-memory buffers. Buffers are
	// uploaded, downloaded with range support, listed and packed into
	// or inspected as archives without touching the disk.
	Server struct {
		// Http server
		server *http.Server
		cfg    Config
		store  *store

		logger *log.Entry
	}

	// Http request handler but with context support
	handlerWithCtx func(ctx context.Context, w http.ResponseWriter,
		r *http.Request, p httprouter.Params) error

	// Http respose writer but with status exposed
	responseWriterWithStatus struct {
		http.ResponseWriter
		status int
	}

	// Reader which stops as soon as its context is done
	ctxReader struct {
		ctx context.Context
		r   io.Reader
	}
)

const (
	// Archive download entry name prefix
	downloadEntryPrfx = "data"
)

// NewServer creates api server for the given params,
// it has Serve() and Shutdown() lifecycle methods
// it's caller's responsibility to call them appropriately
func NewServer(listenAddr string, cfg Config) *Server {
	return &Server{
		server: &http.Server{Addr: listenAddr},
		cfg:    cfg,
		store:  newStore(cfg.MaxBuffers),
		logger: log.WithField(trace.Component, "membuf.api"),
	}
}

// Starts serving requests on the configured port, blocking, returns error
// if underlying http.Server.Listen() returns err != http.ErrServerClosed
func (s *Server) Serve(ctx context.Context) error {
	s.server.Handler = s.Handler(ctx)
	if err := s.server.ListenAndServe(); err != http.ErrServerClosed {
		return trace.Wrap(err)
	}
	return nil
}

// Handler returns the router serving the API, handlers are interrupted
// when ctx is done
func (s *Server) Handler(ctx context.Context) http.Handler {
	router := httprouter.New()
	router.GET("/v1/buffers", s.makeHandlerWithCtx(ctx, s.listHandler))
	router.PUT("/v1/buffers/:name", s.makeHandlerWithCtx(ctx, s.putHandler))
	router.GET("/v1/buffers/:name", s.makeHandlerWithCtx(ctx, s.getHandler))
	router.DELETE("/v1/buffers/:name", s.makeHandlerWithCtx(ctx, s.deleteHandler))
	router.GET("/v1/buffers/:name/entries", s.makeHandlerWithCtx(ctx, s.entriesHandler))
	router.GET("/v1/buffers/:name/archive", s.makeHandlerWithCtx(ctx, s.downloadHandler))
	router.POST("/v1/archives", s.makeHandlerWithCtx(ctx, s.packHandler))
	return router
}

// Shutdown gracefully shuts down the server and releases all the buffers.
// It blocks until the server has shut down of context has expired.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.server.Shutdown(ctx)
	s.store.clear()
	return trace.Wrap(err)
}

// Buffers returns the description of the held buffers sorted by name
func (s *Server) Buffers() []BufferInfo {
	return s.store.list()
}

// "/v1/buffers" api handler, returns the list of held buffers
func (s *Server) listHandler(ctx context.Context, rw http.ResponseWriter, rq *http.Request, p httprouter.Params) error {
	return writeJSON(rw, http.StatusOK, s.store.list())
}

// PUT "/v1/buffers/:name" api handler, stores the request body under name,
// replacing the buffer held under that name if any.
//
// The body is streamed into the buffer, a body over the buffer maximum
// size is rejected with 413.
func (s *Server) putHandler(ctx context.Context, rw http.ResponseWriter, rq *http.Request, p httprouter.Params) error {
	name := p.ByName("name")
	buf, err := membuf.NewWithConfig(s.cfg.Buffer)
	if err != nil {
		return trace.Wrap(err)
	}

	// join contexts to handle both server interruption (SIGINT) and transport err
	jctx, cancel := joincontext.Join(ctx, rq.Context())
	defer cancel()

	n, err := buf.WriteFrom(&ctxReader{ctx: jctx, r: rq.Body})
	if err != nil {
		return trace.Wrap(err)
	}
	buf.Rewind()
	info, err := s.store.put(name, buf)
	if err != nil {
		return trace.Wrap(err)
	}
	s.logger.Info("put(): Stored ", name, ", size=", humanize.IBytes(uint64(n)))
	return writeJSON(rw, http.StatusCreated, info)
}

// GET "/v1/buffers/:name" api handler, returns the buffer content.
// Range requests are served by seeking a view of the buffer.
func (s *Server) getHandler(ctx context.Context, rw http.ResponseWriter, rq *http.Request, p httprouter.Params) error {
	name := p.ByName("name")
	sb, err := s.store.acquire(name)
	if err != nil {
		return trace.Wrap(err)
	}
	defer sb.done()

	http.ServeContent(rw, rq, name, sb.info.Created, sb.view())
	return nil
}

// DELETE "/v1/buffers/:name" api handler, drops the buffer
func (s *Server) deleteHandler(ctx context.Context, rw http.ResponseWriter, rq *http.Request, p httprouter.Params) error {
	if err := s.store.remove(p.ByName("name")); err != nil {
		return trace.Wrap(err)
	}
	rw.WriteHeader(http.StatusNoContent)
	return nil
}

// "/v1/buffers/:name/entries" api handler, lists entries of the archive
// held in the buffer for the given params:
//
// - 'format':
//      archive format, guessed from the buffer name when omitted
//      example: format=tar.gz
//
func (s *Server) entriesHandler(ctx context.Context, rw http.ResponseWriter, rq *http.Request, p httprouter.Params) error {
	name := p.ByName("name")
	f, err := s.requestFormat(rq, name)
	if err != nil {
		return trace.Wrap(err)
	}
	sb, err := s.store.acquire(name)
	if err != nil {
		return trace.Wrap(err)
	}
	entries, err := archive.List(sb.view(), f)
	sb.done()
	if err != nil {
		return trace.BadParameter("buffer %q is not a valid %v archive: %v", name, f, err)
	}
	if entries == nil {
		entries = []archive.Entry{}
	}
	return writeJSON(rw, http.StatusOK, entries)
}

// "/v1/buffers/:name/archive" api handler, returns the buffer content
// split into entries of the configured part size and packed as archive
// for the given params:
//
// - 'format':
//      archive format, the server default when omitted
//      example: format=tar.zst
// - 'prefix':
//      entry name prefix
//      example: prefix=messages
//
// The archive is built in memory before the first byte is written, so
// build errors are reported with a proper HTTP code. If writing the
// response fails midway the connection is hung up, see connHangUp().
//
func (s *Server) downloadHandler(ctx context.Context, rw http.ResponseWriter, rq *http.Request, p httprouter.Params) error {
	name := p.ByName("name")
	f := s.cfg.Format
	if fp := strings.TrimSpace(rq.URL.Query().Get("format")); fp != "" {
		var err error
		if f, err = archive.ParseFormat(fp); err != nil {
			return trace.Wrap(err)
		}
	}
	prefix := strings.TrimSpace(rq.URL.Query().Get("prefix"))
	if prefix == "" {
		prefix = downloadEntryPrfx
	}

	pipeline, err := archive.NewPipeline(s.cfg.Buffer, f, s.cfg.PartSize)
	if err != nil {
		return trace.Wrap(err)
	}
	sb, err := s.store.acquire(name)
	if err != nil {
		return trace.Wrap(err)
	}
	out, _, err := pipeline.CompressStream(sb.view(), prefix)
	sb.done()
	if err != nil {
		return trace.Wrap(err)
	}
	defer out.Close()

	rw.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%v.%v", name, f))
	rw.Header().Set("Content-Length", fmt.Sprint(out.Size()))
	if _, err = out.ExportTo(rw, true); err != nil {
		s.logger.Error("download(): Response write err=", err)
		s.connHangUp() // the handler aborts here, see connHangUp() comments
	}
	return nil
}

// POST "/v1/archives" api handler, packs the files of a multipart request
// into an archive stored as a buffer for the given params:
//
// - 'name':
//      name of the resulting buffer, required
//      example: name=bundle.tar.gz
// - 'format':
//      archive format, guessed from the name when omitted
//      example: format=zip
//
func (s *Server) packHandler(ctx context.Context, rw http.ResponseWriter, rq *http.Request, p httprouter.Params) error {
	name := strings.TrimSpace(rq.URL.Query().Get("name"))
	if name == "" {
		return trace.BadParameter("missing name parameter")
	}
	f, err := s.requestFormat(rq, name)
	if err != nil {
		return trace.Wrap(err)
	}
	mr, err := rq.MultipartReader()
	if err != nil {
		return trace.BadParameter("expected multipart request: %v", err)
	}

	jctx, cancel := joincontext.Join(ctx, rq.Context())
	defer cancel()

	var items []archive.Item
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return trace.Wrap(err)
		}
		if part.FileName() == "" {
			continue
		}
		item, err := s.bufferItem(jctx, part.FileName(), part)
		if err != nil {
			return trace.Wrap(err)
		}
		items = append(items, item)
	}

	pipeline, err := archive.NewPipeline(s.cfg.Buffer, f, s.cfg.PartSize)
	if err != nil {
		return trace.Wrap(err)
	}
	out, err := pipeline.Compress(items)
	if err != nil {
		return trace.Wrap(err)
	}
	info, err := s.store.put(name, out)
	if err != nil {
		return trace.Wrap(err)
	}
	s.logger.Info("pack(): Stored ", len(items), " files as ", name, ", format=", f)
	return writeJSON(rw, http.StatusCreated, info)
}

// bufferItem reads a multipart file into a buffer of its own and returns
// it as an archive item
func (s *Server) bufferItem(ctx context.Context, name string, r io.Reader) (archive.Item, error) {
	buf, err := membuf.NewWithConfig(s.cfg.Buffer)
	if err != nil {
		return archive.Item{}, trace.Wrap(err)
	}
	size, err := buf.WriteFrom(&ctxReader{ctx: ctx, r: r})
	if err != nil {
		return archive.Item{}, trace.Wrap(err, "failed to read %v", name)
	}
	return archive.Item{
		Entry: archive.Entry{Name: name, Size: size, Mode: 0644, ModTime: time.Now()},
		Open: func() (io.ReadCloser, error) {
			return ioutil.NopCloser(io.NewSectionReader(buf, 0, size)), nil
		},
	}, nil
}

func (s *Server) requestFormat(rq *http.Request, name string) (archive.Format, error) {
	if fp := strings.TrimSpace(rq.URL.Query().Get("format")); fp != "" {
		return archive.ParseFormat(fp)
	}
	if f, err := archive.FormatFromName(name); err == nil {
		return f, nil
	}
	return s.cfg.Format, nil
}

func (s *Server) connHangUp() {
	// To abort a handler so the client sees an interrupted response
	// but the server doesn't log an error, panic with the value ErrAbortHandler.
	panic(http.ErrAbortHandler)
}

// Wrapper for http handler, besides calling the actual handler it
// tries to handle returned errors (if any). In particular,
// it logs the request, error and writes http error
func (s *Server) makeHandlerWithCtx(ctx context.Context, handler handlerWithCtx) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		rw := &responseWriterWithStatus{ResponseWriter: w}
		err := handler(ctx, rw, r, p)
		if err == nil {
			return
		}
		s.logger.Error("Request=", r.Method, " ", r.URL, "; err=", err)
		if rw.status == 0 { // write err/status if there were no writes
			writeError(rw, err)
		}
	}
}

func (w *responseWriterWithStatus) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func (w *responseWriterWithStatus) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	return w.ResponseWriter.Write(b)
}

func (r *ctxReader) Read(p []byte) (int, error) {
	select {
	case <-r.ctx.Done():
		return 0, trace.Wrap(r.ctx.Err())
	default:
	}
	return r.r.Read(p)
}

// writeError replies with 413 to writes over the buffer maximum size, and
// with the code trace assigns to err otherwise
func writeError(rw http.ResponseWriter, err error) {
	if membuf.IsCapacityExceeded(err) {
		http.Error(rw, trace.UserMessage(err), http.StatusRequestEntityTooLarge)
		return
	}
	trace.WriteError(rw, err)
}

func writeJSON(rw http.ResponseWriter, code int, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return trace.Wrap(err)
	}
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(code)
	_, err = rw.Write(data)
	return trace.Wrap(err)
}
