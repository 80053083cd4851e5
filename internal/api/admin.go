package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"sync"

	"github.com/ashureev/evalstream/internal/domain"
	"github.com/ashureev/evalstream/internal/middleware"
	"github.com/ashureev/evalstream/internal/remote"
	"github.com/ashureev/evalstream/internal/roster"
	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
)

// AdminHandler serves the administrator reports and the live roster feed.
type AdminHandler struct {
	store      remote.Store
	dashboards *DashboardRegistry
	adminKey   string
	origins    []string
	logger     *slog.Logger
}

// NewAdminHandler creates the admin handler. An empty adminKey disables
// every admin route. allowedOrigins are the CORS origins; the roster socket
// accepts cross-origin upgrades only from those, same-origin always.
func NewAdminHandler(store remote.Store, dashboards *DashboardRegistry, adminKey string, allowedOrigins []string, logger *slog.Logger) *AdminHandler {
	if logger == nil {
		logger = slog.Default()
	}
	if dashboards == nil {
		dashboards = NewDashboardRegistry()
	}
	return &AdminHandler{
		store:      store,
		dashboards: dashboards,
		adminKey:   adminKey,
		origins:    originPatterns(allowedOrigins),
		logger:     logger,
	}
}

// originPatterns turns origins such as https://admin.example.com into the
// host patterns websocket.Accept matches against.
func originPatterns(origins []string) []string {
	patterns := make([]string, 0, len(origins))
	for _, o := range origins {
		if o == "*" {
			patterns = append(patterns, o)
			continue
		}
		u, err := url.Parse(o)
		if err != nil || u.Host == "" {
			continue
		}
		patterns = append(patterns, u.Host)
	}
	return patterns
}

// ReportsResponse is the admin report listing.
type ReportsResponse struct {
	Items []domain.Record `json:"items"`
	Stats roster.Stats    `json:"stats"`
}

// RosterSnapshot is pushed to dashboards after every roster change.
type RosterSnapshot struct {
	Type    string          `json:"type"`
	Items   []domain.Record `json:"items"`
	Stats   roster.Stats    `json:"stats"`
	Search  string          `json:"search,omitempty"`
	Focused *roster.Detail  `json:"focused,omitempty"`
}

// dashboardCommand is a client message on the roster websocket.
type dashboardCommand struct {
	Type   string        `json:"type"`
	Handle domain.Handle `json:"handle,omitempty"`
	Term   string        `json:"term,omitempty"`
}

// RegisterRoutes registers the admin routes behind the admin key.
func (h *AdminHandler) RegisterRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(middleware.AdminKey(h.adminKey))
		r.Get("/api/admin/reports", h.HandleReports)
		r.Get("/ws/admin/roster", h.HandleRosterSocket)
	})
}

// HandleReports lists records matching ?search= with stats over every record.
func (h *AdminHandler) HandleReports(w http.ResponseWriter, r *http.Request) {
	records, err := h.store.List(r.Context())
	if err != nil {
		h.logger.Error("Failed to list assessment records", "error", err)
		Error(w, http.StatusBadGateway, "failed to list records")
		return
	}
	ros := roster.New()
	ros.Load(records)

	items := ros.Filter(r.URL.Query().Get("search"))
	if items == nil {
		items = []domain.Record{}
	}
	JSON(w, http.StatusOK, ReportsResponse{Items: items, Stats: ros.Stats()})
}

// HandleRosterSocket upgrades to a websocket that streams roster
// snapshots. Each connection owns its own watcher, released on disconnect.
func (h *AdminHandler) HandleRosterSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.origins,
	})
	if err != nil {
		h.logger.Error("Failed to accept WebSocket", "error", err)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "dashboard closed"); closeErr != nil {
			h.logger.Debug("Failed to close websocket", "error", closeErr)
		}
	}()

	connID := h.dashboards.Register(ws)
	defer h.dashboards.Unregister(connID, ws)

	ctx, cancel := context.WithCancel(r.Context())
	var readers sync.WaitGroup
	defer func() {
		cancel()
		readers.Wait()
	}()

	changed := make(chan struct{}, 1)
	ros := roster.New()
	watcher, err := roster.Watch(ctx, h.store, ros, func() {
		select {
		case changed <- struct{}{}:
		default:
		}
	}, h.logger)
	if err != nil {
		h.logger.Error("Failed to start roster watcher", "conn_id", connID, "error", err)
		_ = h.writeJSON(ctx, ws, map[string]string{"type": "error", "error": "roster_unavailable"})
		return
	}
	defer watcher.Close()

	commands := make(chan dashboardCommand)
	readers.Add(1)
	go func() {
		defer readers.Done()
		h.readCommands(ctx, ws, commands)
	}()

	search := ""
	for {
		select {
		case <-ctx.Done():
			return
		case <-changed:
			if err := h.writeJSON(ctx, ws, snapshotOf(ros, search)); err != nil {
				h.logger.Debug("Roster push failed", "conn_id", connID, "error", err)
				return
			}
		case cmd, ok := <-commands:
			if !ok {
				return
			}
			var reply any
			switch cmd.Type {
			case "ping":
				reply = map[string]string{"type": "pong"}
			case "focus":
				if !ros.Focus(cmd.Handle) {
					reply = map[string]string{"type": "error", "error": "unknown_record"}
					break
				}
				reply = snapshotOf(ros, search)
			case "unfocus":
				ros.ClearFocus()
				reply = snapshotOf(ros, search)
			case "search":
				search = cmd.Term
				reply = snapshotOf(ros, search)
			default:
				reply = map[string]string{"type": "error", "error": "unknown_command"}
			}
			if err := h.writeJSON(ctx, ws, reply); err != nil {
				h.logger.Debug("Roster reply failed", "conn_id", connID, "error", err)
				return
			}
		}
	}
}

// readCommands decodes client messages into out until the connection
// closes. out is closed on return.
func (h *AdminHandler) readCommands(ctx context.Context, ws *websocket.Conn, out chan<- dashboardCommand) {
	defer close(out)
	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == -1 && !errors.Is(err, context.Canceled) {
				h.logger.Debug("Dashboard read ended", "error", err)
			}
			return
		}
		var cmd dashboardCommand
		if err := json.Unmarshal(data, &cmd); err != nil {
			cmd = dashboardCommand{Type: "invalid"}
		}
		select {
		case out <- cmd:
		case <-ctx.Done():
			return
		}
	}
}

func (h *AdminHandler) writeJSON(ctx context.Context, ws *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return ws.Write(ctx, websocket.MessageText, data)
}

func snapshotOf(ros *roster.Roster, search string) RosterSnapshot {
	items := ros.Filter(search)
	if items == nil {
		items = []domain.Record{}
	}
	snap := RosterSnapshot{
		Type:   "roster",
		Items:  items,
		Stats:  ros.Stats(),
		Search: search,
	}
	if rec, ok := ros.Focused(); ok {
		detail := roster.DetailFor(rec)
		snap.Focused = &detail
	}
	return snap
}
