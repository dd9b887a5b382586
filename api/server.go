package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"

	"tx-taskqueue/model"
	"tx-taskqueue/queue"
)

type Server struct {
	engine *queue.Engine
}

func NewServer(addr string, engine *queue.Engine) *http.Server {
	mux := http.NewServeMux()

	srv := &Server{engine: engine}
	mux.HandleFunc("GET /tasks/{id}", srv.getTask)
	mux.HandleFunc("GET /tasks", srv.getTasks)
	mux.HandleFunc("POST /tasks", srv.postTask)
	mux.HandleFunc("POST /tasks/{id}/replay", srv.replayTask)

	return &http.Server{
		Addr:    addr,
		Handler: mux,
	}
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		http.Error(w, "[API] Invalid task ID", http.StatusBadRequest)
		return
	}

	task, err := s.engine.Get(r.Context(), id)
	if errors.Is(err, model.ErrTaskNotFound) {
		http.Error(w, "[API] Task not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, "[API] Storage error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, task)
}

func (s *Server) getTasks(w http.ResponseWriter, r *http.Request) {
	queueName := r.URL.Query().Get("queue")
	state := model.TaskState(r.URL.Query().Get("state"))
	if state != "" && !state.Valid() {
		http.Error(w, "[API] Invalid state value", http.StatusBadRequest)
		return
	}

	tasks, err := s.engine.List(r.Context(), queueName, state, 0)
	if err != nil {
		http.Error(w, "[API] Storage error", http.StatusInternalServerError)
		return
	}
	if tasks == nil {
		tasks = []model.Task{}
	}

	writeJSON(w, http.StatusOK, tasks)
}

type enqueueBody struct {
	QueueName    string          `json:"queue_name"`
	PartitionKey string          `json:"partition_key"`
	Payload      json.RawMessage `json:"payload"`
	NotBefore    *time.Time      `json:"not_before,omitempty"`
}

func (s *Server) postTask(w http.ResponseWriter, r *http.Request) {
	var body enqueueBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if body.QueueName == "" {
		http.Error(w, "[API] queue_name is required", http.StatusBadRequest)
		return
	}

	req := queue.EnqueueRequest{
		QueueName:    body.QueueName,
		PartitionKey: body.PartitionKey,
		Payload:      body.Payload,
	}
	if body.NotBefore != nil {
		req.NotBefore = *body.NotBefore
	}

	task, err := s.engine.Enqueue(r.Context(), req)
	if err != nil {
		http.Error(w, "[API] Failed to enqueue task", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusCreated, task)
}

func (s *Server) replayTask(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		http.Error(w, "[API] Invalid task ID", http.StatusBadRequest)
		return
	}

	task, err := s.engine.Replay(r.Context(), id)
	if errors.Is(err, model.ErrTaskNotFound) {
		http.Error(w, "[API] Task not found", http.StatusNotFound)
		return
	}
	if errors.Is(err, model.ErrStorageUnavailable) {
		http.Error(w, "[API] Storage error", http.StatusInternalServerError)
		return
	}
	if err != nil {
		// not dead-lettered
		http.Error(w, "[API] "+err.Error(), http.StatusConflict)
		return
	}

	writeJSON(w, http.StatusCreated, task)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, "[API] Encoding error", http.StatusInternalServerError)
	}
}
