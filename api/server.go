package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"taskmill/manifest"
	"taskmill/model"
	"taskmill/queue"
)

// Producer is the part of *queue.TaskQueue the API exposes.
type Producer interface {
	Put(ctx context.Context, task *model.Task) error
	PutAll(ctx context.Context, tasks []*model.Task) error
	Size(ctx context.Context) (int, error)
	Name() string
	VisibilityTimeout() time.Duration
}

// ManifestReader looks up manifest items. *manifest.Store satisfies it.
type ManifestReader interface {
	GetItem(ctx context.Context, key model.ManifestKey) (*model.ManifestItem, error)
	Items(ctx context.Context, account, storeID, spaceID string, fn func(model.ManifestItem) error) error
}

type Server struct {
	queue    Producer
	manifest ManifestReader
	log      *slog.Logger
}

type taskRequest struct {
	Kind       string            `json:"kind"`
	Properties map[string]string `json:"properties"`
}

type queueResponse struct {
	Name                     string `json:"name"`
	Size                     int    `json:"size"`
	VisibilityTimeoutSeconds int    `json:"visibilityTimeoutSeconds"`
}

type batchFailure struct {
	Batch int    `json:"batch"`
	Size  int    `json:"size"`
	Error string `json:"error"`
}

// NewServer wires the routes. manifest and gatherer may be nil, in which
// case their routes are not registered.
func NewServer(addr string, q Producer, m ManifestReader, gatherer prometheus.Gatherer, log *slog.Logger) *http.Server {
	if log == nil {
		log = slog.Default()
	}
	srv := &Server{queue: q, manifest: m, log: log.With("component", "api")}

	return &http.Server{
		Addr:    addr,
		Handler: srv.routes(gatherer),
	}
}

func (s *Server) routes(gatherer prometheus.Gatherer) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /tasks", s.postTask)
	mux.HandleFunc("POST /tasks/batch", s.postTasks)
	mux.HandleFunc("GET /queue", s.getQueue)
	if s.manifest != nil {
		mux.HandleFunc("GET /manifest/{account}/{storeId}/{spaceId}", s.listManifestItems)
		mux.HandleFunc("GET /manifest/{account}/{storeId}/{spaceId}/{contentId...}", s.getManifestItem)
	}
	if gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}
	return mux
}

func (s *Server) postTask(w http.ResponseWriter, r *http.Request) {
	var req taskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	task, err := req.task()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := s.queue.Put(r.Context(), task); err != nil {
		s.log.Error("failed to enqueue task", "error", err)
		writeQueueError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, task)
}

func (s *Server) postTasks(w http.ResponseWriter, r *http.Request) {
	var reqs []taskRequest
	if err := json.NewDecoder(r.Body).Decode(&reqs); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	tasks := make([]*model.Task, 0, len(reqs))
	for _, req := range reqs {
		task, err := req.task()
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		tasks = append(tasks, task)
	}

	err := s.queue.PutAll(r.Context(), tasks)
	if err == nil {
		writeJSON(w, http.StatusCreated, map[string]int{"enqueued": len(tasks)})
		return
	}
	if errors.Is(err, queue.ErrInvalidTask) {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.log.Error("batch enqueue failed", "error", err)
	failures := []batchFailure{}
	for _, e := range unwrapAll(err) {
		var be *queue.BatchError
		if errors.As(e, &be) {
			failures = append(failures, batchFailure{Batch: be.Group, Size: be.Size, Error: be.Err.Error()})
		}
	}
	writeJSON(w, http.StatusBadGateway, map[string]any{"failed": failures})
}

func (s *Server) getQueue(w http.ResponseWriter, r *http.Request) {
	size, err := s.queue.Size(r.Context())
	if err != nil {
		s.log.Error("failed to read queue size", "error", err)
		writeQueueError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, queueResponse{
		Name:                     s.queue.Name(),
		Size:                     size,
		VisibilityTimeoutSeconds: int(s.queue.VisibilityTimeout() / time.Second),
	})
}

// listManifestItems returns every item in a space ordered by content id.
// Items flagged deleted are left out unless ?deleted=true.
func (s *Server) listManifestItems(w http.ResponseWriter, r *http.Request) {
	account, storeID, spaceID := r.PathValue("account"), r.PathValue("storeId"), r.PathValue("spaceId")
	withDeleted := r.URL.Query().Get("deleted") == "true"

	items := []model.ManifestItem{}
	err := s.manifest.Items(r.Context(), account, storeID, spaceID, func(item model.ManifestItem) error {
		if item.Deleted && !withDeleted {
			return nil
		}
		items = append(items, item)
		return nil
	})
	if err != nil {
		s.log.Error("manifest listing failed", "account", account, "storeId", storeID, "spaceId", spaceID, "error", err)
		http.Error(w, "[API] Database error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

func (s *Server) getManifestItem(w http.ResponseWriter, r *http.Request) {
	key := model.ManifestKey{
		Account:   r.PathValue("account"),
		StoreID:   r.PathValue("storeId"),
		SpaceID:   r.PathValue("spaceId"),
		ContentID: r.PathValue("contentId"),
	}
	item, err := s.manifest.GetItem(r.Context(), key)
	if errors.Is(err, manifest.ErrNotFound) {
		http.Error(w, "[API] Manifest item not found", http.StatusNotFound)
		return
	}
	if err != nil {
		s.log.Error("manifest lookup failed", "item", key.String(), "error", err)
		http.Error(w, "[API] Database error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

func (req taskRequest) task() (*model.Task, error) {
	kind, err := model.ParseKind(req.Kind)
	if err != nil {
		return nil, err
	}
	return model.NewTask(kind, req.Properties), nil
}

func writeQueueError(w http.ResponseWriter, err error) {
	if errors.Is(err, queue.ErrInvalidTask) {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	http.Error(w, "[API] Queue unavailable", http.StatusBadGateway)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

func unwrapAll(err error) []error {
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		return joined.Unwrap()
	}
	return []error{err}
}
