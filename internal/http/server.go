package http

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/pkg/errors"

	"github.com/GopiR17/backstage-prod/internal/log"
	"github.com/GopiR17/backstage-prod/pkg/models"
	"github.com/GopiR17/backstage-prod/pkg/service"
	"github.com/GopiR17/backstage-prod/pkg/storage"
)

// NewRouter builds the task queue HTTP API on top of the task service.
func NewRouter(svc *service.TaskService) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)

	r.Get("/health", HealthHandler)
	r.Route("/v1/tasks", func(r chi.Router) {
		r.Post("/", CreateTaskHandler(svc))
		r.Get("/", ListTasksHandler(svc))
		r.Get("/{taskId}", GetTaskHandler(svc))
		r.Get("/{taskId}/events", ListEventsHandler(svc))
		r.Post("/{taskId}/log", EmitLogHandler(svc))
	})
	return r
}

// StartServer runs the HTTP API until the listener fails.
func StartServer(port string, svc *service.TaskService) error {
	log.GetLogger().Infof("Starting task queue server on :%s", port)
	return http.ListenAndServe(":"+port, NewRouter(svc))
}

func HealthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type createTaskRequest struct {
	Spec      json.RawMessage `json:"spec"`
	Secrets   json.RawMessage `json:"secrets,omitempty"`
	CreatedBy string          `json:"created_by,omitempty"`
}

func CreateTaskHandler(svc *service.TaskService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req createTaskRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, errors.Wrap(err, "invalid request body"))
			return
		}
		if len(req.Spec) == 0 {
			writeError(w, http.StatusBadRequest, errors.New("missing 'spec' field"))
			return
		}
		taskID, err := svc.CreateTask(req.Spec, req.Secrets, req.CreatedBy)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]string{"id": taskID})
	}
}

func ListTasksHandler(svc *service.TaskService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tasks, err := svc.ListTasks(r.URL.Query().Get("created_by"))
		if err != nil {
			writeStoreError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string][]models.Task{"tasks": tasks})
	}
}

func GetTaskHandler(svc *service.TaskService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		task, err := svc.GetTask(chi.URLParam(r, "taskId"))
		if err != nil {
			writeStoreError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, task)
	}
}

func ListEventsHandler(svc *service.TaskService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var after *int64
		if v := r.URL.Query().Get("after"); v != "" {
			seq, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				writeError(w, http.StatusBadRequest, errors.New("'after' must be an integer"))
				return
			}
			after = &seq
		}
		events, err := svc.ListEvents(chi.URLParam(r, "taskId"), after)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string][]models.TaskEvent{"events": events})
	}
}

func EmitLogHandler(svc *service.TaskService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		taskID := chi.URLParam(r, "taskId")
		var body json.RawMessage
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, errors.Wrap(err, "invalid request body"))
			return
		}
		// reject log events for unknown tasks up front
		if _, err := svc.GetTask(taskID); err != nil {
			writeStoreError(w, err)
			return
		}
		if err := svc.EmitLogEvent(taskID, body); err != nil {
			writeStoreError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]string{"status": "logged"})
	}
}

// writeStoreError maps storage sentinels onto HTTP statuses: NotFound to 404,
// Conflict to 409, everything else (corruption, storage faults) to 500.
func writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, err)
	case errors.Is(err, storage.ErrConflict):
		writeError(w, http.StatusConflict, err)
	default:
		log.GetLogger().Errorf("Internal error: %v", err)
		writeError(w, http.StatusInternalServerError, err)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.GetLogger().Errorf("Failed to encode response: %v", err)
	}
}
