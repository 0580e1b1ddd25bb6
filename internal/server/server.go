// Package server exposes the synchronization engine over HTTP: a JSON
// command/query API plus a websocket stream of engine events.
package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"github.com/bryan-buckman/feedsync/internal/couch"
	"github.com/bryan-buckman/feedsync/internal/engine"
	"github.com/bryan-buckman/feedsync/internal/opml"
)

// Server is the main HTTP server.
type Server struct {
	engine   *engine.Engine
	router   chi.Router
	upgrader websocket.Upgrader
}

// New creates a new server over the engine.
func New(eng *engine.Engine) *Server {
	s := &Server{
		engine: eng,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))

	r.Get("/events", s.handleEvents)

	r.Route("/api", func(r chi.Router) {
		r.Get("/feeds", s.handleFeeds)
		r.Get("/summary", s.handleSummary)
		r.Get("/posts", s.handlePosts)
		r.Get("/favicon", s.handleFavicon)

		r.Post("/subscribe", s.handleSubscribe)
		r.Post("/delete-feed", s.handleDeleteFeed)
		r.Post("/mark-read", s.handleMarkRead)
		r.Post("/mark-unread", s.handleMarkUnread)
		r.Post("/toggle-starred", s.handleToggleStarred)
		r.Post("/reject-favicon", s.handleRejectFavicon)
		r.Post("/refresh", s.handleRefresh)

		r.Post("/import-opml", s.handleImportOPML)
		r.Get("/export-opml", s.handleExportOPML)
	})

	s.router = r
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Start starts the engine's housekeeping loop and serves until the
// listener fails.
func (s *Server) Start(addr string) error {
	s.engine.Start()
	log.Printf("Server starting on %s", addr)
	return http.ListenAndServe(addr, s)
}

// Stop stops the engine.
func (s *Server) Stop() {
	s.engine.Stop()
}

// --- Query Handlers ---

func (s *Server) handleFeeds(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]interface{}{"feeds": s.engine.Feeds()})
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.engine.Summary())
}

func (s *Server) handlePosts(w http.ResponseWriter, r *http.Request) {
	feedID := r.URL.Query().Get("feed")
	if feedID == "" {
		http.Error(w, "Missing feed parameter", http.StatusBadRequest)
		return
	}
	posts, err := s.engine.Posts(r.Context(), feedID)
	if err != nil {
		http.Error(w, "Failed to load posts", http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]interface{}{"posts": posts})
}

func (s *Server) handleFavicon(w http.ResponseWriter, r *http.Request) {
	feedID := r.URL.Query().Get("feed")
	if feedID == "" {
		http.Error(w, "Missing feed parameter", http.StatusBadRequest)
		return
	}
	data, contentType, err := s.engine.Favicon(r.Context(), feedID)
	if errors.Is(err, couch.ErrNotFound) {
		http.NotFound(w, r)
		return
	}
	if err != nil {
		http.Error(w, "Failed to load favicon", http.StatusInternalServerError)
		return
	}
	if contentType == "" {
		contentType = "image/x-icon"
	}
	w.Header().Set("Content-Type", contentType)
	w.Write(data)
}

// --- Command Handlers ---

func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	var req struct {
		URI string `json:"uri"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.URI == "" {
		http.Error(w, "Invalid request", http.StatusBadRequest)
		return
	}
	feed, err := s.engine.Subscribe(r.Context(), req.URI)
	if err != nil {
		http.Error(w, fmt.Sprintf("Subscribe failed: %v", err), http.StatusBadGateway)
		return
	}
	writeJSON(w, map[string]interface{}{"status": "ok", "feed_id": feed.ID})
}

func (s *Server) handleDeleteFeed(w http.ResponseWriter, r *http.Request) {
	var req struct {
		FeedID string `json:"feed_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.FeedID == "" {
		http.Error(w, "Invalid request", http.StatusBadRequest)
		return
	}
	if err := s.engine.DeleteFeed(r.Context(), req.FeedID); err != nil {
		if errors.Is(err, couch.ErrNotFound) {
			http.NotFound(w, r)
			return
		}
		http.Error(w, "Delete failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]string{"status": "ok"})
}

func (s *Server) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PostIDs []string `json:"post_ids"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request", http.StatusBadRequest)
		return
	}
	if err := s.engine.MarkRead(r.Context(), req.PostIDs); err != nil {
		http.Error(w, "Failed to mark read", http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]string{"status": "ok"})
}

func (s *Server) handleMarkUnread(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PostIDs []string `json:"post_ids"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request", http.StatusBadRequest)
		return
	}
	if err := s.engine.MarkUnread(r.Context(), req.PostIDs); err != nil {
		http.Error(w, "Failed to mark unread", http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]string{"status": "ok"})
}

func (s *Server) handleToggleStarred(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PostID string `json:"post_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.PostID == "" {
		http.Error(w, "Invalid request", http.StatusBadRequest)
		return
	}
	starred, err := s.engine.ToggleStarred(r.Context(), req.PostID)
	if err != nil {
		if errors.Is(err, couch.ErrNotFound) {
			http.NotFound(w, r)
			return
		}
		http.Error(w, "Failed to toggle starred", http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]interface{}{"status": "ok", "starred": starred})
}

func (s *Server) handleRejectFavicon(w http.ResponseWriter, r *http.Request) {
	var req struct {
		FeedID string `json:"feed_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.FeedID == "" {
		http.Error(w, "Invalid request", http.StatusBadRequest)
		return
	}
	if err := s.engine.RejectFavicon(r.Context(), req.FeedID); err != nil {
		if errors.Is(err, couch.ErrNotFound) {
			http.NotFound(w, r)
			return
		}
		http.Error(w, "Failed to reject favicon", http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]string{"status": "ok"})
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req struct {
		FeedID string `json:"feed_id"`
		Force  bool   `json:"force"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.FeedID == "" {
		http.Error(w, "Invalid request", http.StatusBadRequest)
		return
	}
	if err := s.engine.Refresh(r.Context(), req.FeedID, req.Force); err != nil {
		if errors.Is(err, couch.ErrNotFound) {
			http.NotFound(w, r)
			return
		}
		http.Error(w, fmt.Sprintf("Refresh error: %v", err), http.StatusBadGateway)
		return
	}
	writeJSON(w, map[string]string{"status": "ok"})
}

// --- OPML ---

func (s *Server) handleImportOPML(w http.ResponseWriter, r *http.Request) {
	file, _, err := r.FormFile("opml")
	if err != nil {
		http.Error(w, "No file provided", http.StatusBadRequest)
		return
	}
	defer file.Close()

	entries, err := opml.Parse(file)
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to parse OPML: %v", err), http.StatusBadRequest)
		return
	}

	imported := 0
	for _, entry := range entries {
		if _, err := s.engine.Subscribe(r.Context(), entry.URL); err != nil {
			log.Printf("Error subscribing %s: %v", entry.URL, err)
			continue
		}
		imported++
	}

	writeJSON(w, map[string]interface{}{
		"status":   "ok",
		"imported": imported,
		"total":    len(entries),
	})
}

func (s *Server) handleExportOPML(w http.ResponseWriter, r *http.Request) {
	var entries []opml.FeedEntry
	for _, f := range s.engine.Feeds() {
		entries = append(entries, opml.FeedEntry{
			Title:   f.Title,
			URL:     f.SourceURI,
			SiteURL: f.Link,
		})
	}

	data, err := opml.Export("Feedsync Subscriptions", entries)
	if err != nil {
		http.Error(w, "Failed to export", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/xml")
	w.Header().Set("Content-Disposition", "attachment; filename=feedsync.opml")
	w.Write(data)
}

// --- Events ---

// handleEvents upgrades to a websocket and forwards engine events until
// the client goes away.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("Websocket upgrade: %v", err)
		return
	}
	defer conn.Close()

	events, cancel := s.engine.Events().Subscribe()
	defer cancel()

	// Drain the client's read side so control frames are processed and
	// a closed peer is noticed.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-done:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		}
	}
}

// --- Helpers ---

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("Encode response: %v", err)
	}
}
