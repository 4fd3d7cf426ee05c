package api

import (
	"embed"
	"io/fs"
	"net/http"
	"os"
	"path"
	"strings"

	"github.com/rcourtman/quartermaster/internal/utils"
	"github.com/rs/zerolog/log"
)

//go:embed frontend
var embeddedFrontend embed.FS

var assetTypes = map[string]string{
	".html": "text/html; charset=utf-8",
	".css":  "text/css; charset=utf-8",
	".js":   "application/javascript; charset=utf-8",
	".svg":  "image/svg+xml",
}

// panelAssets serves the page shell at / and its scripts under /static/.
// QM_FRONTEND_DIR swaps the embedded copy for a directory on disk.
type panelAssets struct {
	files fs.FS
}

func newPanelAssets() *panelAssets {
	if dir := utils.Getenv("QM_FRONTEND_DIR"); dir != "" {
		log.Warn().Str("frontend_dir", dir).Msg("Serving frontend from filesystem override")
		return &panelAssets{files: os.DirFS(dir)}
	}
	sub, err := fs.Sub(embeddedFrontend, "frontend")
	if err != nil {
		log.Fatal().Err(err).Msg("Embedded frontend missing")
	}
	return &panelAssets{files: sub}
}

func (a *panelAssets) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var name string
	switch p := r.URL.Path; {
	case p == "" || p == "/" || p == "/index.html":
		name = "index.html"
	case strings.HasPrefix(p, "/static/"):
		name = strings.TrimPrefix(path.Clean(p), "/")
	}
	if name == "" || !fs.ValidPath(name) {
		http.NotFound(w, r)
		return
	}

	body, err := fs.ReadFile(a.files, name)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	ctype, ok := assetTypes[path.Ext(name)]
	if !ok {
		ctype = "application/octet-stream"
	}

	h := w.Header()
	h.Set("Content-Type", ctype)
	h.Set("Cache-Control", "no-cache, no-store, must-revalidate")
	if r.Method == http.MethodHead {
		return
	}
	if _, err := w.Write(body); err != nil {
		log.Debug().Err(err).Str("asset", name).Msg("Asset write failed")
	}
}
