package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/felixge/httpsnoop"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/astromechza/automerge-notebook/pkg/notebook"
	"github.com/astromechza/automerge-notebook/pkg/transport"
)

var ErrRoomNotFound = errors.New("room not found")

type Settings struct {
	// JWTSecret enables HS256 token checks on every route except metrics.
	JWTSecret      []byte
	Store          *Store
	BackupInterval time.Duration
	Channel        *transport.ChannelSettings
	Logger         *slog.Logger
}

func DefaultSettings() *Settings {
	return &Settings{
		BackupInterval: 5 * time.Second,
		Channel:        transport.DefaultChannelSettings(),
	}
}

// Server relays notebook rooms between clients, speaking the same protocol as the client session.
type Server struct {
	settings  *Settings
	log       *slog.Logger
	metrics   *metrics
	upgrader  websocket.Upgrader
	sessionID string
	router    *mux.Router

	mu    sync.Mutex
	rooms map[string]*room
}

func NewServer(settings *Settings) *Server {
	if settings == nil {
		settings = DefaultSettings()
	}
	if settings.Channel == nil {
		settings.Channel = transport.DefaultChannelSettings()
	}
	log := settings.Logger
	if log == nil {
		log = slog.Default()
	}
	s := &Server{
		settings: settings,
		log:      log.With("component", "relay"),
		metrics:  newMetrics(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		sessionID: uuid.NewString(),
		rooms:     map[string]*room{},
	}

	r := mux.NewRouter()
	r.Use(func(handler http.Handler) http.Handler {
		return http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
			m := httpsnoop.CaptureMetrics(handler, writer, request)
			s.log.Info("handled", "method", request.Method, "url", request.URL.Path, "duration", m.Duration, "status", m.Code)
		})
	})
	r.Methods(http.MethodPut).Path("/api/collaboration/session/{path:.+}").HandlerFunc(s.openSession)
	r.Methods(http.MethodGet).Path("/api/collaboration/room/{room}").HandlerFunc(s.syncRoom)
	r.Methods(http.MethodGet).Path("/api/spacer/v1/documents/{room}").HandlerFunc(s.syncRoom)
	r.Methods(http.MethodGet).Path("/api/collaboration/snapshot/{room}").HandlerFunc(s.getSnapshot)
	r.Methods(http.MethodGet).Path("/metrics").Handler(s.metrics.handler())
	s.router = r
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) authorize(r *http.Request, roomID string) error {
	if len(s.settings.JWTSecret) == 0 {
		return nil
	}
	raw := tokenFromRequest(r)
	if raw == "" {
		return fmt.Errorf("%w: missing token", ErrUnauthorized)
	}
	_, err := verifyToken(s.settings.JWTSecret, raw, roomID)
	return err
}

// room returns the live room, restoring it from the store or seeding it on first use.
func (s *Server) room(ctx context.Context, id string, create bool) (*room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rm, ok := s.rooms[id]; ok {
		return rm, nil
	}
	var saved []byte
	if s.settings.Store != nil {
		raw, ok, err := s.settings.Store.Load(ctx, id)
		if err != nil {
			return nil, err
		}
		if ok {
			saved = raw
		}
	}
	if saved == nil && !create {
		return nil, ErrRoomNotFound
	}
	rm, err := newRoom(id, saved, s.metrics, s.log)
	if err != nil {
		return nil, fmt.Errorf("failed to create room: %w", err)
	}
	s.rooms[id] = rm
	return rm, nil
}

func (s *Server) liveRooms() []*room {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*room, 0, len(s.rooms))
	for _, rm := range s.rooms {
		out = append(out, rm)
	}
	return out
}

type sessionBody struct {
	Format    string `json:"format"`
	Type      string `json:"type"`
	FileID    string `json:"fileId,omitempty"`
	SessionID string `json:"sessionId,omitempty"`
}

func (s *Server) openSession(writer http.ResponseWriter, request *http.Request) {
	if err := s.authorize(request, ""); err != nil {
		http.Error(writer, err.Error(), http.StatusUnauthorized)
		return
	}
	body := sessionBody{Format: "json", Type: "notebook"}
	if request.ContentLength != 0 {
		if err := json.NewDecoder(request.Body).Decode(&body); err != nil {
			http.Error(writer, "invalid session request", http.StatusBadRequest)
			return
		}
	}
	path := mux.Vars(request)["path"]
	body.FileID = uuid.NewSHA1(uuid.NameSpaceURL, []byte(path)).String()
	body.SessionID = s.sessionID
	writer.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(writer).Encode(body); err != nil {
		s.log.Error("failed to write out", "err", err)
	}
}

func (s *Server) getSnapshot(writer http.ResponseWriter, request *http.Request) {
	id := mux.Vars(request)["room"]
	if err := s.authorize(request, id); err != nil {
		http.Error(writer, err.Error(), http.StatusUnauthorized)
		return
	}
	raw, err := s.Snapshot(request.Context(), id)
	if errors.Is(err, ErrRoomNotFound) {
		writer.WriteHeader(http.StatusNotFound)
		return
	} else if err != nil {
		s.log.Error("failed to snapshot", "room", id, "err", err)
		writer.WriteHeader(http.StatusInternalServerError)
		return
	}
	writer.Header().Add("Content-Type", "application/octet-stream")
	if _, err := writer.Write(raw); err != nil {
		s.log.Error("failed to write out", "err", err)
	}
}

func (s *Server) syncRoom(writer http.ResponseWriter, request *http.Request) {
	id := mux.Vars(request)["room"]
	if err := s.authorize(request, id); err != nil {
		http.Error(writer, err.Error(), http.StatusUnauthorized)
		return
	}
	rm, err := s.room(request.Context(), id, true)
	if err != nil {
		s.log.Error("failed to open room", "room", id, "err", err)
		writer.WriteHeader(http.StatusInternalServerError)
		return
	}
	ws, err := s.upgrader.Upgrade(writer, request, nil)
	if err != nil {
		s.log.Error("failed to upgrade", "err", err)
		return
	}
	p := &peer{
		conn:    transport.NewLink(ws, s.settings.Channel, rm.log),
		clients: map[uint64]struct{}{},
	}
	defer p.conn.Close()

	// the request context ends with the handler, the link ends the loop
	ctx := context.Background()
	rm.join(p)
	defer rm.leave(ctx, p)
	if err := rm.serve(ctx, p); err != nil && !errors.Is(err, transport.ErrClosed) {
		rm.log.Debug("peer connection ended", "err", err)
	}
}

// Snapshot saves the current document of a room.
func (s *Server) Snapshot(ctx context.Context, roomID string) ([]byte, error) {
	rm, err := s.room(ctx, roomID, false)
	if err != nil {
		return nil, err
	}
	return rm.replica.Snapshot()
}

// Rooms lists the ids of the rooms loaded in memory.
func (s *Server) Rooms() []string {
	live := s.liveRooms()
	out := make([]string, 0, len(live))
	for _, rm := range live {
		out = append(out, rm.id)
	}
	sort.Strings(out)
	return out
}

// History lists the changes of a loaded room.
func (s *Server) History(roomID string) ([]notebook.HistoryEntry, error) {
	rm, err := s.room(context.Background(), roomID, false)
	if err != nil {
		return nil, err
	}
	return rm.replica.History()
}

// DropConnections closes every open link, clients are expected to reconnect.
func (s *Server) DropConnections() {
	for _, rm := range s.liveRooms() {
		rm.dropAll()
	}
}

// Backup writes every live room to the store.
func (s *Server) Backup(ctx context.Context) {
	if s.settings.Store == nil {
		return
	}
	for _, rm := range s.liveRooms() {
		raw, err := rm.replica.Snapshot()
		if err != nil {
			s.log.Error("failed to snapshot room", "room", rm.id, "err", err)
			continue
		}
		if changed, err := s.settings.Store.Save(ctx, rm.id, raw); err != nil {
			s.log.Error("failed to backup room in database", "room", rm.id, "err", err)
		} else if changed {
			s.metrics.backups.Inc()
			s.log.Info("backed up", "room", rm.id, "heads", len(rm.replica.Heads()))
		}
	}
}

// Run backs rooms up periodically until ctx is done, then once more.
func (s *Server) Run(ctx context.Context) {
	if s.settings.Store == nil {
		<-ctx.Done()
		return
	}
	t := time.NewTicker(s.settings.BackupInterval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			s.Backup(ctx)
		case <-ctx.Done():
			s.Backup(context.Background())
			return
		}
	}
}
