package server

import (
	"bytes"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
)

func (s *DevServer) handleStatic(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	name, info, ok := s.resolve(r.URL.Path)
	if !ok {
		http.NotFound(w, r)
		return
	}

	if s.hub != nil && isHTML(name) {
		s.serveHTML(w, r, name, info)
		return
	}

	f, err := s.fs.Open(name)
	if err != nil {
		s.logger.Warn(r.Context(), err, "Failed to open file", "path", name)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	defer f.Close()

	http.ServeContent(w, r, info.Name(), info.ModTime(), f)
}

// resolve finds urlPath in the first base directory that has it. A
// directory resolves to its index.html.
func (s *DevServer) resolve(urlPath string) (string, os.FileInfo, bool) {
	clean := path.Clean("/" + urlPath)

	for _, base := range s.instance.BaseDirs {
		full := filepath.Join(base, filepath.FromSlash(clean))
		info, err := s.fs.Stat(full)
		if err != nil {
			continue
		}
		if !info.IsDir() {
			return full, info, true
		}

		index := filepath.Join(full, "index.html")
		if indexInfo, err := s.fs.Stat(index); err == nil && !indexInfo.IsDir() {
			return index, indexInfo, true
		}
	}
	return "", nil, false
}

func (s *DevServer) serveHTML(w http.ResponseWriter, r *http.Request, name string, info os.FileInfo) {
	data, err := afero.ReadFile(s.fs, name)
	if err != nil {
		s.logger.Warn(r.Context(), err, "Failed to read page", "path", name)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	page, err := InjectScript(data, ClientPath)
	if err != nil {
		// Serve the page untouched; it just won't reload.
		s.logger.Warn(r.Context(), err, "Failed to inject reload client", "path", name)
		page = data
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	http.ServeContent(w, r, info.Name(), info.ModTime(), bytes.NewReader(page))
}

func isHTML(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".html", ".htm":
		return true
	}
	return false
}
