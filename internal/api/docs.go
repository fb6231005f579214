package api

import (
	"bytes"
	"context"
	"errors"
	"io/fs"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// advisoryPage is served for the upload and offline-record clients, which
// need a non-streaming recognizer this server does not run.
const advisoryPage = `<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>Not available</title></head>
<body>
<h3>This page is not available on the streaming server.</h3>
<p>File upload and offline recording need a non-streaming model. Use the
<a href="/streaming_record.html">streaming recorder</a> instead.</p>
</body>
</html>
`

var advisoryPaths = map[string]bool{
	"/upload.html":         true,
	"/offline_record.html": true,
}

func isAdvisoryPath(p string) bool { return advisoryPaths[p] }

type cachedDoc struct {
	data        []byte
	modTime     time.Time
	contentType string
}

// DocumentServer serves the static browser clients from a directory. File
// contents are cached in memory; Watch keeps the cache in step with the disk.
type DocumentServer struct {
	root string
	log  zerolog.Logger

	mu    sync.RWMutex
	cache map[string]*cachedDoc
}

func NewDocumentServer(root string, log zerolog.Logger) *DocumentServer {
	return &DocumentServer{
		root:  root,
		log:   log.With().Str("component", "docs").Logger(),
		cache: make(map[string]*cachedDoc),
	}
}

// Root returns the served directory.
func (d *DocumentServer) Root() string { return d.root }

func (d *DocumentServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	p := r.URL.Path
	if p == "" || p == "/" {
		p = "/index.html"
	}
	if isAdvisoryPath(p) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		if r.Method == http.MethodGet {
			w.Write([]byte(advisoryPage))
		}
		return
	}

	name := strings.TrimPrefix(p, "/")
	if name == "" || !fs.ValidPath(name) {
		http.NotFound(w, r)
		return
	}

	doc, err := d.load(name)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			d.log.Warn().Err(err).Str("path", p).Msg("read document failed")
		}
		http.NotFound(w, r)
		return
	}

	w.Header().Set("Content-Type", doc.contentType)
	http.ServeContent(w, r, name, doc.modTime, bytes.NewReader(doc.data))
}

// load returns name from the cache, reading it from disk on a miss.
// Directories are reported as not existing.
func (d *DocumentServer) load(name string) (*cachedDoc, error) {
	d.mu.RLock()
	doc, ok := d.cache[name]
	d.mu.RUnlock()
	if ok {
		return doc, nil
	}

	full := filepath.Join(d.root, filepath.FromSlash(name))
	st, err := os.Stat(full)
	if err != nil {
		return nil, err
	}
	if st.IsDir() {
		return nil, fs.ErrNotExist
	}
	data, err := os.ReadFile(full)
	if err != nil {
		return nil, err
	}

	ct := mime.TypeByExtension(filepath.Ext(name))
	if ct == "" {
		ct = http.DetectContentType(data)
	}
	doc = &cachedDoc{data: data, modTime: st.ModTime(), contentType: ct}

	d.mu.Lock()
	d.cache[name] = doc
	d.mu.Unlock()
	return doc, nil
}

// invalidate drops name and anything cached below it.
func (d *DocumentServer) invalidate(name string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.cache, name)
	prefix := name + "/"
	for k := range d.cache {
		if strings.HasPrefix(k, prefix) {
			delete(d.cache, k)
		}
	}
}

// Cached returns the number of cached documents.
func (d *DocumentServer) Cached() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.cache)
}

// Watch invalidates cached documents as files under the root change. It
// blocks until ctx is cancelled.
func (d *DocumentServer) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	dirCount := 0
	err = filepath.WalkDir(d.root, func(path string, de fs.DirEntry, err error) error {
		if err != nil {
			d.log.Warn().Err(err).Str("path", path).Msg("error walking document root")
			return nil
		}
		if de.IsDir() {
			if addErr := w.Add(path); addErr != nil {
				d.log.Warn().Err(addErr).Str("path", path).Msg("failed to watch directory")
			} else {
				dirCount++
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	d.log.Info().Int("directories", dirCount).Str("root", d.root).Msg("document watcher started")

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-w.Events:
			if !ok {
				return nil
			}
			rel, err := filepath.Rel(d.root, event.Name)
			if err != nil {
				continue
			}
			d.invalidate(filepath.ToSlash(rel))

			if event.Op&fsnotify.Create != 0 {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					if err := w.Add(event.Name); err != nil {
						d.log.Warn().Err(err).Str("path", event.Name).Msg("failed to watch new directory")
					}
				}
			}
			d.log.Debug().Str("path", rel).Str("op", event.Op.String()).Msg("document changed")

		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			d.log.Error().Err(err).Msg("fsnotify error")
		}
	}
}
