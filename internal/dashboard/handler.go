package dashboard

import (
	"context"
	"time"

	"github.com/steveyegge/kiln/internal/event"
	"github.com/steveyegge/kiln/internal/handler"
)

// HandlerName is the registry name of the broadcaster.
const HandlerName = "dashboard"

// FileEventData is the payload of a file_event message.
type FileEventData struct {
	Kind    string    `json:"kind"`
	Path    string    `json:"path"`
	Size    int64     `json:"size,omitempty"`
	ModTime time.Time `json:"mod_time,omitzero"`
}

// NoteParsedData is the payload of a note_parsed message.
type NoteParsedData struct {
	ID   string             `json:"id"`
	Path string             `json:"path"`
	Note *event.NoteSummary `json:"note"`
}

// Handler forwards pipeline events to the server's clients. Broadcasting
// never blocks, so it is cheap to register for every event.
type Handler struct {
	server *Server
}

var _ handler.EventHandler = (*Handler)(nil)

// NewHandler returns a broadcaster bound to server.
func NewHandler(server *Server) *Handler {
	return &Handler{server: server}
}

// Name returns HandlerName.
func (h *Handler) Name() string { return HandlerName }

// Handles accepts raw changes and note.parsed events.
func (h *Handler) Handles(ev event.FileEvent) bool {
	if ev.Kind == event.KindDerived {
		return ev.IsDerived() && ev.Derived.Type == event.TypeNoteParsed
	}
	return true
}

// Handle broadcasts ev.
func (h *Handler) Handle(_ context.Context, ev event.FileEvent) error {
	if ev.IsDerived() {
		return h.server.BroadcastData(MessageTypeNoteParsed, NoteParsedData{
			ID:   ev.Derived.ID,
			Path: ev.Path,
			Note: ev.Derived.Note,
		})
	}

	data := FileEventData{Kind: ev.Kind.String(), Path: ev.Path}
	if ev.Metadata != nil {
		data.Size = ev.Metadata.Size
		data.ModTime = ev.Metadata.ModTime
	}
	return h.server.BroadcastData(MessageTypeFileEvent, data)
}
