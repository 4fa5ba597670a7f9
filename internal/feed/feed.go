// Package feed streams JSON snapshots of the session to websocket
// clients: the sync status, the room list and, when a room is
// requested, its timeline.
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"

	"github.com/alexjbarnes/matrix-sync/internal/room"
	"github.com/alexjbarnes/matrix-sync/internal/session"
	"github.com/alexjbarnes/matrix-sync/internal/storage"
	"github.com/alexjbarnes/matrix-sync/internal/syncer"
)

const (
	// writeTimeout bounds every frame write to a slow client.
	writeTimeout = 10 * time.Second

	// timelineWindow is the number of entries in a timeline snapshot.
	timelineWindow = 50
)

// Message types.
const (
	TypeStatus   = "status"
	TypeRooms    = "rooms"
	TypeTimeline = "timeline"
)

// Message is one frame of the feed.
type Message struct {
	Type    string                `json:"type"`
	Status  string                `json:"status,omitempty"`
	Rooms   []storage.RoomSummary `json:"rooms,omitempty"`
	Invites []storage.Invite      `json:"invites,omitempty"`
	RoomID  string                `json:"room_id,omitempty"`
	Entries []room.EntryView      `json:"entries,omitempty"`
}

// StatusSource reports the sync status. *syncer.Sync implements it.
type StatusSource interface {
	Status() syncer.Status
	Subscribe() (<-chan syncer.Status, func())
}

// Handler serves the feed. Each connection gets a status frame, a rooms
// frame and, with ?room=<id>, a timeline frame, followed by a new frame
// whenever that part changes.
type Handler struct {
	session *session.Session
	status  StatusSource
	logger  *slog.Logger
}

// NewHandler creates a feed handler.
func NewHandler(s *session.Session, status StatusSource, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}

	return &Handler{session: s, status: status, logger: logger}
}

// ServeHTTP upgrades the request and streams until the client leaves.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	roomID := r.URL.Query().Get("room")

	var rm *room.Room

	if roomID != "" {
		var err error
		if rm, err = h.session.Room(roomID); err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.logger.Debug("feed: upgrade failed", slog.String("error", err.Error()))
		return
	}

	ctx := conn.CloseRead(r.Context())

	err = h.stream(ctx, conn, rm)

	switch {
	case err == nil || ctx.Err() != nil:
		conn.Close(websocket.StatusNormalClosure, "")
	default:
		h.logger.Debug("feed: stream ended", slog.String("error", err.Error()))
		conn.Close(websocket.StatusInternalError, "stream failed")
	}
}

func (h *Handler) stream(ctx context.Context, conn *websocket.Conn, rm *room.Room) error {
	statuses, unsubscribeStatus := h.status.Subscribe()
	defer unsubscribeStatus()

	roomsChanged := make(chan struct{}, 1)
	unsubscribeRooms := h.session.Subscribe(func(session.Change) { signal(roomsChanged) })

	defer unsubscribeRooms()

	var (
		tl              *room.Timeline
		timelineChanged chan struct{}
	)

	if rm != nil {
		timelineChanged = make(chan struct{}, 1)

		var err error

		tl, err = rm.OpenTimeline(ctx, timelineWindow, func() { signal(timelineChanged) })
		if err != nil {
			return err
		}
		defer tl.Close()
	}

	if err := writeJSON(ctx, conn, h.statusMessage(h.status.Status())); err != nil {
		return err
	}

	if err := writeJSON(ctx, conn, h.roomsMessage()); err != nil {
		return err
	}

	if tl != nil {
		if err := writeJSON(ctx, conn, timelineMessage(rm.ID(), tl)); err != nil {
			return err
		}
	}

	for {
		var msg Message

		select {
		case <-ctx.Done():
			return nil
		case status := <-statuses:
			msg = h.statusMessage(status)
		case <-roomsChanged:
			msg = h.roomsMessage()
		case <-timelineChanged:
			msg = timelineMessage(rm.ID(), tl)
		}

		if err := writeJSON(ctx, conn, msg); err != nil {
			return err
		}
	}
}

func (h *Handler) statusMessage(status syncer.Status) Message {
	return Message{Type: TypeStatus, Status: status.String()}
}

func (h *Handler) roomsMessage() Message {
	rooms := h.session.Rooms()
	summaries := make([]storage.RoomSummary, 0, len(rooms))

	for _, r := range rooms {
		summaries = append(summaries, r.Summary())
	}

	return Message{
		Type:    TypeRooms,
		Rooms:   summaries,
		Invites: h.session.Invites(),
	}
}

func timelineMessage(roomID string, tl *room.Timeline) Message {
	return Message{Type: TypeTimeline, RoomID: roomID, Entries: tl.Snapshot()}
}

// signal wakes the stream loop without blocking the notifier. Changes
// that arrive while a wake-up is pending coalesce into one snapshot.
func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// writeJSON marshals v to JSON and writes it as a text frame.
func writeJSON(ctx context.Context, conn *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshalling message: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	return conn.Write(ctx, websocket.MessageText, data)
}
