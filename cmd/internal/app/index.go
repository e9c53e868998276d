package app

import (
	"bytes"
	"embed"
	"html/template"
	"net/http"
	"time"

	"entangle/cmd/internal/protocol"
	"entangle/cmd/internal/realtime"
)

//go:embed web/index.html
var webFS embed.FS

var indexTmpl = template.Must(template.ParseFS(webFS, "web/index.html"))

type indexNode struct {
	Path string
	Note string
}

type indexPage struct {
	Title       string
	Nodes       []indexNode
	TTLSeconds  int
	WatchPath   string
	Subprotocol string
}

func defaultIndexPage() indexPage {
	return indexPage{
		Title: "Entanglement",
		Nodes: []indexNode{
			{Path: "/agent/alice", Note: "with to and message starts an entanglement."},
			{Path: "/agent/bob", Note: "with to, message and entanglement_id swaps it."},
			{Path: "/agent/charlie", Note: "with response_type, message and entanglement_id collapses it."},
		},
		TTLSeconds:  int(protocol.SessionTTL / time.Second),
		WatchPath:   "GET /ws/watch?entanglement_id={id}",
		Subprotocol: realtime.Subprotocol,
	}
}

// handleIndex renders the protocol description. No phrases or fragments are shown.
func handleIndex(log Logger) http.HandlerFunc {
	page := defaultIndexPage()
	return func(w http.ResponseWriter, r *http.Request) {
		var buf bytes.Buffer
		if err := indexTmpl.Execute(&buf, page); err != nil {
			log.Error("index.render.fail", "err", err)
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = buf.WriteTo(w)
	}
}
