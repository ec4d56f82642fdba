package http_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	internal_http "github.com/GopiR17/backstage-prod/internal/http"
	"github.com/GopiR17/backstage-prod/internal/log"
	internal_storage "github.com/GopiR17/backstage-prod/internal/storage"
	"github.com/GopiR17/backstage-prod/internal/testutil"
	"github.com/GopiR17/backstage-prod/pkg/models"
	"github.com/GopiR17/backstage-prod/pkg/service"
	"github.com/stretchr/testify/assert"
)

func TestE2EServer(t *testing.T) {
	testDB := testutil.SetupTestDB(t)
	defer testDB.Teardown(t)

	newServer := func(t *testing.T) (*httptest.Server, *service.TaskService) {
		store, err := internal_storage.InitStore(testDB.ConnStr)
		assert.NoError(t, err)
		t.Cleanup(func() {
			_, err := testDB.DB.Exec("TRUNCATE TABLE tasks RESTART IDENTITY CASCADE")
			assert.NoError(t, err)
			store.Close()
		})
		svc := service.NewTaskService(store, log.GetLogger())
		srv := httptest.NewServer(internal_http.NewRouter(svc))
		t.Cleanup(srv.Close)
		return srv, svc
	}

	postJSON := func(t *testing.T, srv *httptest.Server, path, body string) *http.Response {
		t.Helper()
		resp, err := srv.Client().Post(srv.URL+path, "application/json", bytes.NewBufferString(body))
		assert.NoError(t, err)
		t.Cleanup(func() { resp.Body.Close() })
		return resp
	}

	decode := func(t *testing.T, resp *http.Response, dest interface{}) {
		t.Helper()
		assert.NoError(t, json.NewDecoder(resp.Body).Decode(dest))
	}

	t.Run("HealthCheck", func(t *testing.T) {
		srv, _ := newServer(t)
		resp, err := srv.Client().Get(srv.URL + "/health")
		assert.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})

	t.Run("CreateTask", func(t *testing.T) {
		srv, svc := newServer(t)
		resp := postJSON(t, srv, "/v1/tasks",
			`{"spec":{"steps":["fetch"]},"secrets":{"token":"abc"},"created_by":"user:alice"}`)
		assert.Equal(t, http.StatusCreated, resp.StatusCode)

		var created map[string]string
		decode(t, resp, &created)
		assert.NotEmpty(t, created["id"])

		task, err := svc.GetTask(created["id"])
		assert.NoError(t, err)
		assert.Equal(t, models.OpenTaskStatus, task.Status)
		assert.Equal(t, "user:alice", task.CreatedBy)
		assert.JSONEq(t, `{"token":"abc"}`, string(task.Secrets))
	})

	t.Run("CreateTaskMissingSpec", func(t *testing.T) {
		srv, _ := newServer(t)
		resp := postJSON(t, srv, "/v1/tasks", `{"created_by":"user:alice"}`)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("GetTask", func(t *testing.T) {
		srv, svc := newServer(t)
		id, err := svc.CreateTask(json.RawMessage(`{"steps":[]}`), nil, "")
		assert.NoError(t, err)

		resp, err := srv.Client().Get(srv.URL + "/v1/tasks/" + id)
		assert.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)

		var task models.Task
		decode(t, resp, &task)
		assert.Equal(t, id, task.ID)
		assert.Equal(t, models.OpenTaskStatus, task.Status)
	})

	t.Run("GetMissingTask", func(t *testing.T) {
		srv, _ := newServer(t)
		resp, err := srv.Client().Get(srv.URL + "/v1/tasks/4f9a3d3a-0000-4000-8000-000000000000")
		assert.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	t.Run("ListTasksFiltered", func(t *testing.T) {
		srv, svc := newServer(t)
		_, err := svc.CreateTask(json.RawMessage(`{"steps":[]}`), nil, "user:alice")
		assert.NoError(t, err)
		bobID, err := svc.CreateTask(json.RawMessage(`{"steps":[]}`), nil, "user:bob")
		assert.NoError(t, err)

		resp, err := srv.Client().Get(srv.URL + "/v1/tasks/?created_by=user:bob")
		assert.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)

		var body map[string][]models.Task
		decode(t, resp, &body)
		assert.Len(t, body["tasks"], 1)
		assert.Equal(t, bobID, body["tasks"][0].ID)
	})

	t.Run("EmitAndListEvents", func(t *testing.T) {
		srv, svc := newServer(t)
		id, err := svc.CreateTask(json.RawMessage(`{"steps":[]}`), nil, "")
		assert.NoError(t, err)

		resp := postJSON(t, srv, "/v1/tasks/"+id+"/log", `{"message":"step 1 done"}`)
		assert.Equal(t, http.StatusCreated, resp.StatusCode)
		resp = postJSON(t, srv, "/v1/tasks/"+id+"/log", `{"message":"step 2 done"}`)
		assert.Equal(t, http.StatusCreated, resp.StatusCode)

		resp, err = srv.Client().Get(srv.URL + "/v1/tasks/" + id + "/events")
		assert.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)

		var body map[string][]models.TaskEvent
		decode(t, resp, &body)
		assert.Len(t, body["events"], 2)
		assert.JSONEq(t, `{"message":"step 1 done"}`, string(body["events"][0].Body))

		// poll with a cursor
		after := body["events"][0].ID
		resp, err = srv.Client().Get(fmt.Sprintf("%s/v1/tasks/%s/events?after=%d", srv.URL, id, after))
		assert.NoError(t, err)
		defer resp.Body.Close()
		var tail map[string][]models.TaskEvent
		decode(t, resp, &tail)
		assert.Len(t, tail["events"], 1)
		assert.JSONEq(t, `{"message":"step 2 done"}`, string(tail["events"][0].Body))
	})

	t.Run("EmitLogMissingTask", func(t *testing.T) {
		srv, _ := newServer(t)
		resp := postJSON(t, srv, "/v1/tasks/4f9a3d3a-0000-4000-8000-000000000000/log", `{"message":"late"}`)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	t.Run("EventsBadCursor", func(t *testing.T) {
		srv, svc := newServer(t)
		id, err := svc.CreateTask(json.RawMessage(`{"steps":[]}`), nil, "")
		assert.NoError(t, err)

		resp, err := srv.Client().Get(srv.URL + "/v1/tasks/" + id + "/events?after=banana")
		assert.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}
