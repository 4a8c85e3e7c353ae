package http_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/garyjia/workflow-engine/internal/application/dispatcher"
	"github.com/garyjia/workflow-engine/internal/application/workflow"
	"github.com/garyjia/workflow-engine/internal/config"
	domainwf "github.com/garyjia/workflow-engine/internal/domain/workflow"
	"github.com/garyjia/workflow-engine/internal/export"
	"github.com/garyjia/workflow-engine/internal/infrastructure/external"
	"github.com/garyjia/workflow-engine/internal/infrastructure/persistence/repository"
	"github.com/garyjia/workflow-engine/internal/infrastructure/persistence/sqlite"
	httpapi "github.com/garyjia/workflow-engine/internal/interfaces/http"
	"github.com/garyjia/workflow-engine/pkg/database"
)

func newTestServer(t *testing.T) *httpapi.Server {
	t.Helper()
	logger := zap.NewNop()

	db, err := database.Open(database.Config{
		Path:         filepath.Join(t.TempDir(), "workflow.db"),
		MaxOpenConns: 2,
		MaxIdleConns: 1,
	}, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	migrator := database.NewMigrator(db, logger)
	require.NoError(t, migrator.RunMigrations(filepath.Join("..", "..", "..", "migrations")))

	directory := external.NewStaticDirectory([]config.UserConfig{
		{ID: "admin", Name: "Admin", Superuser: true},
		{ID: "alice", Name: "Alice", Roles: []string{"reviewer"}},
		{ID: "mallory", Name: "Mallory"},
	})
	entities := external.NewRecordResolver(db, logger)

	tasks := dispatcher.New(context.Background(), logger, dispatcher.WithConcurrency(1))
	t.Cleanup(func() { _ = tasks.Close() })

	workflowRepo := repository.NewWorkflowRepository(db, logger)
	instanceRepo := repository.NewInstanceRepository(db, logger)
	stepLogRepo := repository.NewStepLogRepository(db, logger)
	txManager := sqlite.NewDB(db, logger)

	evaluator := domainwf.NewEvaluator(logger)
	ctxBuilder := workflow.NewContextBuilder(entities, logger)
	resolver := workflow.NewResolver(evaluator)
	authorizer := workflow.NewAuthorizer(directory, directory, evaluator, ctxBuilder, logger)
	executor := workflow.NewExecutor(nil, nil, entities, nil, tasks, logger)
	processor := workflow.NewProcessor(instanceRepo, stepLogRepo, txManager, authorizer, executor, resolver, ctxBuilder, logger)
	simulator := workflow.NewSimulator(evaluator, resolver, logger)
	engine := workflow.NewEngine(workflowRepo, instanceRepo, stepLogRepo, txManager,
		entities, processor, authorizer, resolver, ctxBuilder, simulator, logger)

	exporter := export.NewAuditExporter(t.TempDir(), logger)

	return httpapi.NewServer(httpapi.ServerConfig{Host: "127.0.0.1", Port: 0},
		engine, directory, exporter, logger)
}

func doJSON(t *testing.T, server *httpapi.Server, method, path, userID string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if userID != "" {
		req.Header.Set("X-User-ID", userID)
	}
	w := httptest.NewRecorder()
	server.Router().ServeHTTP(w, req)
	return w
}

func decodeResponse(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func definitionPayload() map[string]any {
	return map[string]any{
		"workflow": map[string]any{
			"name":        "document-approval",
			"entity_type": "document",
			"is_active":   true,
		},
		"steps": []map[string]any{
			{"id": 1, "name": "Draft", "order": 1, "is_start": true},
			{"id": 2, "name": "Review", "order": 2},
			{"id": 3, "name": "Approved", "order": 3, "is_end": true},
		},
		"transitions": []map[string]any{
			{"from_step_id": 1, "to_step_id": 2, "name": "submit"},
			{"from_step_id": 2, "to_step_id": 3, "name": "approve",
				"condition": `data.decision == "approve"`, "priority": 10},
		},
		"actors": []map[string]any{
			{"step_id": 1, "actor_type": "USER", "actor_ref": "alice"},
			{"step_id": 2, "actor_type": "ROLE", "actor_ref": "reviewer"},
		},
	}
}

func createWorkflow(t *testing.T, server *httpapi.Server) int64 {
	t.Helper()
	w := doJSON(t, server, http.MethodPost, "/api/v1/workflows", "admin", definitionPayload())
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	body := decodeResponse(t, w)
	data := body["data"].(map[string]any)
	wf := data["workflow"].(map[string]any)
	return int64(wf["id"].(float64))
}

func startInstance(t *testing.T, server *httpapi.Server, workflowID int64, entityID string) string {
	t.Helper()
	w := doJSON(t, server, http.MethodPost, "/api/v1/instances", "admin", map[string]any{
		"workflow_id": workflowID,
		"entity_type": "document",
		"entity_id":   entityID,
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	body := decodeResponse(t, w)
	return body["data"].(map[string]any)["id"].(string)
}

func TestServer_HealthCheck(t *testing.T) {
	server := newTestServer(t)
	w := doJSON(t, server, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	body := decodeResponse(t, w)
	assert.Equal(t, true, body["success"])
}

func TestServer_RequiresKnownUser(t *testing.T) {
	server := newTestServer(t)

	w := doJSON(t, server, http.MethodGet, "/api/v1/workflows", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = doJSON(t, server, http.MethodGet, "/api/v1/workflows", "nobody", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = doJSON(t, server, http.MethodGet, "/api/v1/workflows", "alice", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestServer_WorkflowLifecycle(t *testing.T) {
	server := newTestServer(t)
	id := createWorkflow(t, server)

	w := doJSON(t, server, http.MethodGet, fmt.Sprintf("/api/v1/workflows/%d", id), "alice", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decodeResponse(t, w)
	data := body["data"].(map[string]any)
	assert.Len(t, data["steps"], 3)

	// deactivation is a superuser operation
	w = doJSON(t, server, http.MethodPost, fmt.Sprintf("/api/v1/workflows/%d/deactivate", id), "alice", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = doJSON(t, server, http.MethodPost, fmt.Sprintf("/api/v1/workflows/%d/deactivate", id), "admin", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, server, http.MethodGet, "/api/v1/workflows", "alice", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body = decodeResponse(t, w)
	assert.Nil(t, body["data"])
}

func TestServer_InstanceLifecycle(t *testing.T) {
	server := newTestServer(t)
	id := createWorkflow(t, server)
	instanceID := startInstance(t, server, id, "doc-1")

	// alice submits the draft
	w := doJSON(t, server, http.MethodPost, "/api/v1/instances/"+instanceID+"/steps", "alice",
		map[string]any{"action": "approve", "comment": "ready"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	// mallory is no reviewer
	w = doJSON(t, server, http.MethodPost, "/api/v1/instances/"+instanceID+"/steps", "mallory",
		map[string]any{"action": "approve", "data": map[string]any{"decision": "approve"}})
	assert.Equal(t, http.StatusForbidden, w.Code)

	// alice holds the reviewer role and completes the workflow
	w = doJSON(t, server, http.MethodPost, "/api/v1/instances/"+instanceID+"/steps", "alice",
		map[string]any{"action": "approve", "data": map[string]any{"decision": "approve"}})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	body := decodeResponse(t, w)
	assert.Equal(t, "COMPLETED", body["data"].(map[string]any)["status"])

	// acting on a completed instance conflicts
	w = doJSON(t, server, http.MethodPost, "/api/v1/instances/"+instanceID+"/steps", "alice",
		map[string]any{"action": "approve"})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = doJSON(t, server, http.MethodGet, "/api/v1/instances/"+instanceID+"/logs", "alice", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body = decodeResponse(t, w)
	logs := body["data"].([]any)
	assert.GreaterOrEqual(t, len(logs), 4)
}

func TestServer_SingleActiveInstanceConflict(t *testing.T) {
	server := newTestServer(t)
	id := createWorkflow(t, server)
	startInstance(t, server, id, "doc-1")

	w := doJSON(t, server, http.MethodPost, "/api/v1/instances", "admin", map[string]any{
		"workflow_id": id,
		"entity_type": "document",
		"entity_id":   "doc-1",
	})
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestServer_TerminateAuthorization(t *testing.T) {
	server := newTestServer(t)
	id := createWorkflow(t, server)
	instanceID := startInstance(t, server, id, "doc-1")

	w := doJSON(t, server, http.MethodPost, "/api/v1/instances/"+instanceID+"/terminate", "mallory",
		map[string]any{"reason": "not mine"})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = doJSON(t, server, http.MethodPost, "/api/v1/instances/"+instanceID+"/terminate", "admin",
		map[string]any{"reason": "obsolete"})
	require.Equal(t, http.StatusOK, w.Code)
	body := decodeResponse(t, w)
	assert.Equal(t, "TERMINATED", body["data"].(map[string]any)["status"])
}

func TestServer_NotFoundMapping(t *testing.T) {
	server := newTestServer(t)

	w := doJSON(t, server, http.MethodGet, "/api/v1/instances/missing", "admin", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = doJSON(t, server, http.MethodGet, "/api/v1/workflows/9999", "admin", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestServer_ValidationErrorsMapToUnprocessable(t *testing.T) {
	server := newTestServer(t)

	payload := definitionPayload()
	payload["steps"] = []map[string]any{
		{"id": 1, "name": "Only", "order": 1},
	}
	payload["transitions"] = []map[string]any{}
	payload["actors"] = []map[string]any{}
	w := doJSON(t, server, http.MethodPost, "/api/v1/workflows", "admin", payload)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)

	body := decodeResponse(t, w)
	assert.Equal(t, false, body["success"])
	assert.NotEmpty(t, body["error"])

	// run-time configuration rejections map the same way: starting an
	// instance against a workflow for a different entity type
	id := createWorkflow(t, server)
	w = doJSON(t, server, http.MethodPost, "/api/v1/instances", "admin", map[string]any{
		"workflow_id": id,
		"entity_type": "invoice",
		"entity_id":   "inv-1",
	})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code, w.Body.String())
}

func TestServer_Simulate(t *testing.T) {
	server := newTestServer(t)
	id := createWorkflow(t, server)

	w := doJSON(t, server, http.MethodPost, fmt.Sprintf("/api/v1/workflows/%d/simulate", id), "alice",
		map[string]any{
			"data":    map[string]any{"decision": "approve"},
			"actions": []map[string]any{{"action": "approve"}, {"action": "approve"}},
		})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	body := decodeResponse(t, w)
	paths := body["data"].(map[string]any)["paths"].([]any)
	require.Len(t, paths, 1)
	path := paths[0].(map[string]any)
	assert.Equal(t, true, path["completed"])
	assert.Equal(t, "Approved", path["end_step"])
}

func TestServer_ExportAuditTrail(t *testing.T) {
	server := newTestServer(t)
	id := createWorkflow(t, server)
	instanceID := startInstance(t, server, id, "doc-1")

	w := doJSON(t, server, http.MethodGet, "/api/v1/instances/"+instanceID+"/export", "admin", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Disposition"), "attachment")
	assert.NotZero(t, w.Body.Len())
}
