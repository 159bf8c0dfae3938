package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"content-moderation-pipeline/internal/config"
	"content-moderation-pipeline/internal/models"
	"content-moderation-pipeline/internal/store"
	"content-moderation-pipeline/internal/telemetry"
)

// VideoStore is the record surface the request layer reads and writes.
type VideoStore interface {
	CreateVideo(ctx context.Context, p store.CreateVideoParams) (models.Video, error)
	GetVideo(ctx context.Context, id string) (models.Video, error)
	ListVideos(ctx context.Context, p store.ListVideosParams) ([]models.Video, error)
	UpdateVideo(ctx context.Context, id string, p store.UpdateVideoParams) (models.Video, error)
	DeleteVideo(ctx context.Context, id string) error
	AuditTrail(ctx context.Context, videoID string) ([]models.AuditLog, error)
}

// MediaStore resolves and removes the stored media behind a video.
type MediaStore interface {
	PlaybackURL(ctx context.Context, mediaURL string, ttl time.Duration) (string, error)
	RemoveMedia(ctx context.Context, mediaURL string) error
}

const playbackTTL = 15 * time.Minute

// Dispatcher hands a video to the moderation pipeline without waiting for it.
type Dispatcher interface {
	Submit(videoID string)
}

// Limiter throttles uploads per owner.
type Limiter interface {
	Allow(ctx context.Context, ownerID string) (bool, int, error)
}

// Subscriber streams status events to observers.
type Subscriber interface {
	Subscribe(ctx context.Context) (<-chan models.StatusEvent, func() error, error)
}

// Server wires HTTP handlers for the video API.
type Server struct {
	cfg        config.Config
	store      VideoStore
	dispatcher Dispatcher
	limiter    Limiter
	events     Subscriber
	media      MediaStore
	logger     *slog.Logger
}

// New constructs the API server. limiter, events and media may be nil.
func New(cfg config.Config, st VideoStore, d Dispatcher, limiter Limiter, events Subscriber, media MediaStore, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:        cfg,
		store:      st,
		dispatcher: d,
		limiter:    limiter,
		events:     events,
		media:      media,
		logger:     logger,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Route("/videos", func(r chi.Router) {
		r.Post("/", s.handleCreate)
		r.Get("/", s.handleList)
		r.Get("/{id}", s.handleGet)
		r.Patch("/{id}", s.handleUpdate)
		r.Put("/{id}", s.handleUpdate)
		r.Delete("/{id}", s.handleDelete)
		r.Get("/{id}/stream", s.handleStream)
		r.Get("/{id}/audit", s.handleAudit)
		r.Post("/{id}/analyze", s.handleAnalyze)
	})
	r.Get("/events", s.handleEvents)
	return r
}

type createVideoRequest struct {
	Title        string `json:"title"`
	Description  string `json:"description"`
	Filename     string `json:"filename"`
	MediaURL     string `json:"media_url"`
	ThumbnailURL string `json:"thumbnail_url"`
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	owner := ownerFromRequest(r)
	if owner == "" {
		http.Error(w, "X-User-ID is required", http.StatusUnauthorized)
		return
	}
	var req createVideoRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Title) == "" {
		http.Error(w, "title is required", http.StatusBadRequest)
		return
	}
	if req.MediaURL == "" {
		http.Error(w, "media_url is required", http.StatusBadRequest)
		return
	}

	if s.limiter != nil {
		allowed, _, err := s.limiter.Allow(r.Context(), owner)
		if err != nil {
			s.logger.Error("rate limiter", "owner_id", owner, "error", err)
			http.Error(w, "rate limit error", http.StatusInternalServerError)
			return
		}
		if !allowed {
			telemetry.UploadRejects.Inc()
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}
	}

	video, err := s.store.CreateVideo(r.Context(), store.CreateVideoParams{
		Title:        req.Title,
		Description:  req.Description,
		Filename:     req.Filename,
		MediaURL:     req.MediaURL,
		ThumbnailURL: req.ThumbnailURL,
		OwnerID:      owner,
	})
	if err != nil {
		s.logger.Error("create video", "owner_id", owner, "error", err)
		http.Error(w, "failed to create video", http.StatusInternalServerError)
		return
	}

	// Moderation runs after the response; its outcome arrives via /events.
	s.dispatcher.Submit(video.ID)
	writeJSON(w, http.StatusCreated, video)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	params := store.ListVideosParams{}
	if !canSeeAll(r) {
		params.OwnerID = ownerFromRequest(r)
		if params.OwnerID == "" {
			http.Error(w, "X-User-ID is required", http.StatusUnauthorized)
			return
		}
	}
	if v := r.URL.Query().Get("sensitivity"); v != "" {
		status := models.SensitivityStatus(v)
		if !status.Valid() {
			http.Error(w, "sensitivity must be pending, safe or flagged", http.StatusBadRequest)
			return
		}
		params.Sensitivity = status
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		params.Limit = n
	}

	videos, err := s.store.ListVideos(r.Context(), params)
	if err != nil {
		s.logger.Error("list videos", "error", err)
		http.Error(w, "failed to list videos", http.StatusInternalServerError)
		return
	}
	if videos == nil {
		videos = []models.Video{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"videos": videos})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	video, ok := s.visibleVideo(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, video)
}

type updateVideoRequest struct {
	Title       string `json:"title"`
	Description string `json:"description"`
}

// handleUpdate edits title and description. Owners, admins and editors may
// edit; empty fields keep their value.
func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	video, ok := s.loadVideo(w, r)
	if !ok {
		return
	}
	if !canSeeAll(r) && video.OwnerID != ownerFromRequest(r) {
		http.Error(w, "not authorized to update this video", http.StatusForbidden)
		return
	}
	var req updateVideoRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	updated, err := s.store.UpdateVideo(r.Context(), video.ID, store.UpdateVideoParams{
		Title:       strings.TrimSpace(req.Title),
		Description: req.Description,
	})
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "video not found", http.StatusNotFound)
		return
	}
	if err != nil {
		s.logger.Error("update video", "video_id", video.ID, "error", err)
		http.Error(w, "failed to update video", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

// handleDelete removes the stored media and then the record. Only admins and
// editors may delete.
func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	video, ok := s.loadVideo(w, r)
	if !ok {
		return
	}
	if !canSeeAll(r) {
		http.Error(w, "only admins and editors can delete videos", http.StatusForbidden)
		return
	}
	if s.media != nil {
		if err := s.media.RemoveMedia(r.Context(), video.MediaURL); err != nil {
			s.logger.Error("remove media", "video_id", video.ID, "error", err)
			http.Error(w, "failed to remove media", http.StatusInternalServerError)
			return
		}
	}
	err := s.store.DeleteVideo(r.Context(), video.ID)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "video not found", http.StatusNotFound)
		return
	}
	if err != nil {
		s.logger.Error("delete video", "video_id", video.ID, "error", err)
		http.Error(w, "failed to delete video", http.StatusInternalServerError)
		return
	}
	s.logger.Info("video deleted", "video_id", video.ID, "by", ownerFromRequest(r))
	writeJSON(w, http.StatusOK, map[string]string{"message": "video removed"})
}

// handleStream redirects the player to the media.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	video, ok := s.loadVideo(w, r)
	if !ok {
		return
	}
	target := video.MediaURL
	if s.media != nil {
		u, err := s.media.PlaybackURL(r.Context(), video.MediaURL, playbackTTL)
		if err != nil {
			s.logger.Error("playback url", "video_id", video.ID, "error", err)
			http.Error(w, "error streaming video", http.StatusInternalServerError)
			return
		}
		target = u
	}
	http.Redirect(w, r, target, http.StatusFound)
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	video, ok := s.visibleVideo(w, r)
	if !ok {
		return
	}
	trail, err := s.store.AuditTrail(r.Context(), video.ID)
	if err != nil {
		s.logger.Error("audit trail", "video_id", video.ID, "error", err)
		http.Error(w, "failed to read audit trail", http.StatusInternalServerError)
		return
	}
	if trail == nil {
		trail = []models.AuditLog{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": trail})
}

// handleAnalyze re-triggers moderation for a record that is still pending,
// e.g. after a provider outage.
func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	video, ok := s.visibleVideo(w, r)
	if !ok {
		return
	}
	if video.SensitivityStatus.IsTerminal() {
		http.Error(w, fmt.Sprintf("video already %s", video.SensitivityStatus), http.StatusConflict)
		return
	}
	s.dispatcher.Submit(video.ID)
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "submitted", "video_id": video.ID})
}

// handleEvents streams status events as Server-Sent Events until the client
// goes away.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		http.Error(w, "event stream unavailable", http.StatusServiceUnavailable)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	events, unsubscribe, err := s.events.Subscribe(r.Context())
	if err != nil {
		s.logger.Error("subscribe to status events", "error", err)
		http.Error(w, "event stream unavailable", http.StatusServiceUnavailable)
		return
	}
	defer func() { _ = unsubscribe() }()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	keepAlive := time.NewTicker(25 * time.Second)
	defer keepAlive.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepAlive.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case ev, ok := <-events:
			if !ok {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", models.StatusEventName, data); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// loadVideo loads the {id} record and writes 404 when it does not exist.
func (s *Server) loadVideo(w http.ResponseWriter, r *http.Request) (models.Video, bool) {
	id := chi.URLParam(r, "id")
	video, err := s.store.GetVideo(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "video not found", http.StatusNotFound)
		return models.Video{}, false
	}
	if err != nil {
		s.logger.Error("get video", "video_id", id, "error", err)
		http.Error(w, "failed to load video", http.StatusInternalServerError)
		return models.Video{}, false
	}
	return video, true
}

// visibleVideo is loadVideo that also answers 404 when the caller may not see
// the record.
func (s *Server) visibleVideo(w http.ResponseWriter, r *http.Request) (models.Video, bool) {
	video, ok := s.loadVideo(w, r)
	if !ok {
		return models.Video{}, false
	}
	if !canSeeAll(r) && video.OwnerID != ownerFromRequest(r) {
		http.Error(w, "video not found", http.StatusNotFound)
		return models.Video{}, false
	}
	return video, true
}

func ownerFromRequest(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get("X-User-ID"))
}

func canSeeAll(r *http.Request) bool {
	switch strings.ToLower(r.Header.Get("X-User-Role")) {
	case "admin", "editor":
		return true
	}
	return false
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
