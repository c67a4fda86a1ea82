// Package httpd serves static files from a read-only file system.
package httpd

import (
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"path"
	"strconv"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsPath is where metrics are served when a gatherer is configured.
const MetricsPath = "/metrics"

// Config configures a Handler.
type Config struct {

	// Files is the document root. If nil, every GET is answered with the
	// built-in page.
	Files fs.FS

	// Gatherer is exposed at MetricsPath. If nil, MetricsPath is looked up
	// in Files like any other path.
	Gatherer prometheus.Gatherer

	// Registerer receives the handler's own request counter. Optional.
	Registerer prometheus.Registerer

	// Log receives request logs. If nil, slog.Default() is used.
	Log *slog.Logger
}

// Handler is an http.Handler that answers GET requests from Files and
// refuses every other method with a 404.
type Handler struct {
	files    fs.FS
	metrics  http.Handler
	requests *prometheus.CounterVec
	log      *slog.Logger
}

// New creates a Handler.
func New(cfg Config) *Handler {
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}

	h := &Handler{
		files: cfg.Files,
		log:   cfg.Log,
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "barefw",
			Subsystem: "httpd",
			Name:      "requests_total",
			Help:      "HTTP requests by how they were answered.",
		}, []string{"source"}),
	}

	if cfg.Gatherer != nil {
		h.metrics = promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{
			ErrorLog: slog.NewLogLogger(cfg.Log.Handler(), slog.LevelError),
		})
	}

	if cfg.Registerer != nil {
		cfg.Registerer.MustRegister(h.requests)
	}

	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Connection", "close")

	if r.Method != http.MethodGet {
		h.notFound(w)
		return
	}

	h.log.Info("httpd: GET", "path", r.URL.Path)

	if r.URL.Path == MetricsPath && h.metrics != nil {
		h.requests.WithLabelValues("metrics").Inc()
		h.metrics.ServeHTTP(w, r)
		return
	}

	name := fileName(r.URL.Path)
	if h.files != nil && name != "" && h.serveFile(w, name) {
		return
	}

	h.serveFallback(w)
}

// serveFile writes the named file and reports whether it was found.
func (h *Handler) serveFile(w http.ResponseWriter, name string) bool {
	f, err := h.files.Open(name)
	if err != nil {
		return false
	}

	defer f.Close()

	fi, err := f.Stat()
	if err != nil || !fi.Mode().IsRegular() {
		return false
	}

	h.requests.WithLabelValues("disk").Inc()
	h.log.Info("httpd: serving from disk", "path", name, "bytes", fi.Size())

	w.Header().Set("Content-Type", MIMEType(name))
	w.Header().Set("Content-Length", strconv.FormatInt(fi.Size(), 10))
	w.WriteHeader(http.StatusOK)

	if _, err := io.Copy(w, f); err != nil {
		h.log.Warn("httpd: short write", "path", name, "err", err)
	}

	return true
}

func (h *Handler) serveFallback(w http.ResponseWriter) {
	h.requests.WithLabelValues("fallback").Inc()

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Content-Length", strconv.Itoa(len(FallbackPage)))
	w.WriteHeader(http.StatusOK)
	io.WriteString(w, FallbackPage)
}

func (h *Handler) notFound(w http.ResponseWriter) {
	h.requests.WithLabelValues("not_found").Inc()

	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusNotFound)
	io.WriteString(w, "404 Not Found\n")
}

// fileName maps a URL path to a name in the document root. The root maps
// to index.html. It returns "" for paths that cannot name a file.
func fileName(urlPath string) string {
	if urlPath == "" || urlPath == "/" {
		return "index.html"
	}

	name := strings.TrimPrefix(path.Clean("/"+urlPath), "/")
	if !fs.ValidPath(name) || name == "." {
		return ""
	}

	return name
}

var mimeTypes = map[string]string{
	".html": "text/html",
	".htm":  "text/html",
	".css":  "text/css",
	".js":   "application/javascript",
	".json": "application/json",
	".txt":  "text/plain",
	".png":  "image/png",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".gif":  "image/gif",
	".ico":  "image/x-icon",
	".svg":  "image/svg+xml",
	".bmp":  "image/bmp",
}

// MIMEType returns the content type for name by its extension, ignoring
// case. Unknown extensions are application/octet-stream.
func MIMEType(name string) string {
	if t, ok := mimeTypes[strings.ToLower(path.Ext(name))]; ok {
		return t
	}

	return "application/octet-stream"
}

// FallbackPage is served when there is no disk or the file is missing.
const FallbackPage = `<!DOCTYPE html>
<html>
<head>
  <title>barefw</title>
  <style>
    body { font-family: sans-serif; max-width: 800px; margin: 50px auto; padding: 20px; }
    h1 { color: #333; }
    .info { background: #f0f0f0; padding: 15px; border-radius: 5px; }
  </style>
</head>
<body>
  <h1>Hello from barefw!</h1>
  <div class="info">
    <p>This page is served by a bare-metal web server running on:</p>
    <ul>
      <li><strong>Platform:</strong> simulated RISC-V board</li>
      <li><strong>TCP/IP stack:</strong> gVisor netstack</li>
      <li><strong>Network:</strong> virtio FIFO + host gateway</li>
    </ul>
  </div>
  <p>No disk is attached, or the file was not found.</p>
</body>
</html>
`
