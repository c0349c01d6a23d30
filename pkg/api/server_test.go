package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentforge/agentforge/pkg/audit"
	"github.com/agentforge/agentforge/pkg/models"
	"github.com/agentforge/agentforge/pkg/store"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newTestServer(t *testing.T) (*Server, *store.Store, *audit.Logger) {
	t.Helper()
	st := store.New(t.TempDir())
	auditor := audit.NewLogger(t.TempDir(), true)
	return NewServer(st, auditor), st, auditor
}

func doGet(t *testing.T, s *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	return w
}

func TestHealth(t *testing.T) {
	s, _, _ := newTestServer(t)
	w := doGet(t, s, "/health")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())
}

func TestListTasks(t *testing.T) {
	s, st, _ := newTestServer(t)
	_, err := st.CreateTask(models.TaskSpec{TaskID: "t1", TaskType: "fix_violation"}, nil)
	require.NoError(t, err)
	_, err = st.CreateTask(models.TaskSpec{TaskID: "t2", TaskType: "fix_violation"}, nil)
	require.NoError(t, err)
	require.NoError(t, st.UpdatePhase("t2", models.PhaseComplete))

	w := doGet(t, s, "/api/tasks")
	assert.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Tasks []string `json:"tasks"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, []string{"t1", "t2"}, body.Tasks)

	w = doGet(t, s, "/api/tasks?status=complete")
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, []string{"t2"}, body.Tasks)
}

func TestGetTask(t *testing.T) {
	s, st, _ := newTestServer(t)
	_, err := st.CreateTask(models.TaskSpec{
		TaskID: "t1", TaskType: "fix_violation", Goal: "Fix complexity in src/m.py",
	}, nil)
	require.NoError(t, err)

	w := doGet(t, s, "/api/tasks/t1")
	assert.Equal(t, http.StatusOK, w.Code)
	var body taskResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "t1", body.TaskID)
	assert.Equal(t, models.PhaseInit, body.Phase)
	assert.Equal(t, "Fix complexity in src/m.py", body.Goal)

	w = doGet(t, s, "/api/tasks/missing")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestGetActions(t *testing.T) {
	s, st, _ := newTestServer(t)
	_, err := st.CreateTask(models.TaskSpec{TaskID: "t1", TaskType: "fix_violation"}, nil)
	require.NoError(t, err)
	require.NoError(t, st.RecordAction("t1", models.ActionRecord{
		Step: 0, ActionName: "read_file", Result: models.ResultSuccess, Summary: "ok",
	}))

	w := doGet(t, s, "/api/tasks/t1/actions")
	assert.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Actions []models.ActionRecord `json:"actions"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Len(t, body.Actions, 1)
	assert.Equal(t, "read_file", body.Actions[0].ActionName)
}

func TestGetSummary(t *testing.T) {
	s, st, auditor := newTestServer(t)
	_, err := st.CreateTask(models.TaskSpec{TaskID: "t1", TaskType: "fix_violation"}, nil)
	require.NoError(t, err)

	w := doGet(t, s, "/api/tasks/t1/summary")
	assert.Equal(t, http.StatusNotFound, w.Code, "no summary before the run ends")

	auditor.WriteSummary("t1", models.StatusCompleted, 4, 1, 230)
	w = doGet(t, s, "/api/tasks/t1/summary")
	assert.Equal(t, http.StatusOK, w.Code)
	var body audit.Summary
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, models.StatusCompleted, body.FinalStatus)
	assert.Equal(t, 4, body.TotalSteps)
}
