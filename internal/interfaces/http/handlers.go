package http

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/garyjia/workflow-engine/internal/application/port"
	"github.com/garyjia/workflow-engine/internal/application/workflow"
	"github.com/garyjia/workflow-engine/internal/domain/entity"
	domainwf "github.com/garyjia/workflow-engine/internal/domain/workflow"
	"github.com/garyjia/workflow-engine/internal/export"
)

// userHeader identifies the acting user. The bundled server trusts the
// header; deployments front it with their own authentication.
const userHeader = "X-User-ID"

// Handlers contains all HTTP request handlers
type Handlers struct {
	engine   *workflow.Engine
	users    port.UserProvider
	exporter *export.AuditExporter
	logger   *zap.Logger
}

// NewHandlers creates a new Handlers instance
func NewHandlers(engine *workflow.Engine, users port.UserProvider, exporter *export.AuditExporter, logger *zap.Logger) *Handlers {
	return &Handlers{
		engine:   engine,
		users:    users,
		exporter: exporter,
		logger:   logger,
	}
}

// Response represents a standard JSON response
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// StartInstanceRequest starts a workflow against a target entity
type StartInstanceRequest struct {
	WorkflowID int64          `json:"workflow_id" binding:"required"`
	EntityType string         `json:"entity_type" binding:"required"`
	EntityID   string         `json:"entity_id" binding:"required"`
	Data       map[string]any `json:"data"`
}

// ProcessStepRequest applies one action to an instance's current step
type ProcessStepRequest struct {
	Action  string         `json:"action" binding:"required"`
	Comment string         `json:"comment"`
	Data    map[string]any `json:"data"`
}

// TerminateRequest cancels a running instance
type TerminateRequest struct {
	Reason string `json:"reason"`
}

// HealthCheck handles GET /health
func (h *Handlers) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, Response{
		Success: true,
		Data: gin.H{
			"status":    "healthy",
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		},
	})
}

// CreateWorkflow handles POST /api/v1/workflows
func (h *Handlers) CreateWorkflow(c *gin.Context) {
	user, ok := h.actingUser(c)
	if !ok {
		return
	}
	var def entity.WorkflowDefinition
	if err := c.ShouldBindJSON(&def); err != nil {
		h.badRequest(c, "invalid workflow definition payload")
		return
	}
	created, err := h.engine.CreateDefinition(c.Request.Context(), &def, user)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, Response{Success: true, Data: created})
}

// ListWorkflows handles GET /api/v1/workflows
func (h *Handlers) ListWorkflows(c *gin.Context) {
	if _, ok := h.actingUser(c); !ok {
		return
	}
	activeOnly := c.Query("active") != "false"
	workflows, err := h.engine.ListWorkflows(c.Request.Context(), c.Query("entity_type"), activeOnly)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, Response{Success: true, Data: workflows})
}

// GetWorkflow handles GET /api/v1/workflows/:id
func (h *Handlers) GetWorkflow(c *gin.Context) {
	if _, ok := h.actingUser(c); !ok {
		return
	}
	id, ok := h.pathID(c)
	if !ok {
		return
	}
	def, err := h.engine.GetDefinition(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, Response{Success: true, Data: gin.H{
		"workflow": def.Workflow,
		"steps":    def.Steps(),
		"contexts": def.Contexts,
	}})
}

// DeactivateWorkflow handles POST /api/v1/workflows/:id/deactivate
func (h *Handlers) DeactivateWorkflow(c *gin.Context) {
	user, ok := h.actingUser(c)
	if !ok {
		return
	}
	id, ok := h.pathID(c)
	if !ok {
		return
	}
	if err := h.engine.DeactivateWorkflow(c.Request.Context(), id, user); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, Response{Success: true})
}

// SimulateWorkflow handles POST /api/v1/workflows/:id/simulate
func (h *Handlers) SimulateWorkflow(c *gin.Context) {
	if _, ok := h.actingUser(c); !ok {
		return
	}
	id, ok := h.pathID(c)
	if !ok {
		return
	}
	var req workflow.SimulationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, "invalid simulation payload")
		return
	}
	result, err := h.engine.Simulate(c.Request.Context(), id, req)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, Response{Success: true, Data: result})
}

// StartInstance handles POST /api/v1/instances
func (h *Handlers) StartInstance(c *gin.Context) {
	user, ok := h.actingUser(c)
	if !ok {
		return
	}
	var req StartInstanceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, "workflow_id, entity_type and entity_id are required")
		return
	}
	instance, err := h.engine.StartWorkflow(c.Request.Context(), req.WorkflowID,
		entity.EntityRef{Type: req.EntityType, ID: req.EntityID}, user, req.Data)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, Response{Success: true, Data: instance})
}

// ListInstances handles GET /api/v1/instances
func (h *Handlers) ListInstances(c *gin.Context) {
	if _, ok := h.actingUser(c); !ok {
		return
	}
	var workflowID int64
	if raw := c.Query("workflow_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			h.badRequest(c, "workflow_id must be an integer")
			return
		}
		workflowID = id
	}
	instances, err := h.engine.ListInstances(c.Request.Context(), workflowID, c.Query("entity_type"), c.Query("status"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, Response{Success: true, Data: instances})
}

// GetInstance handles GET /api/v1/instances/:id
func (h *Handlers) GetInstance(c *gin.Context) {
	if _, ok := h.actingUser(c); !ok {
		return
	}
	instance, err := h.engine.GetInstance(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, Response{Success: true, Data: instance})
}

// ProcessStep handles POST /api/v1/instances/:id/steps
func (h *Handlers) ProcessStep(c *gin.Context) {
	user, ok := h.actingUser(c)
	if !ok {
		return
	}
	var req ProcessStepRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, "action is required")
		return
	}
	instance, err := h.engine.ProcessStep(c.Request.Context(), c.Param("id"), req.Action, user, req.Comment, req.Data)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, Response{Success: true, Data: instance})
}

// TerminateInstance handles POST /api/v1/instances/:id/terminate
func (h *Handlers) TerminateInstance(c *gin.Context) {
	user, ok := h.actingUser(c)
	if !ok {
		return
	}
	var req TerminateRequest
	if err := c.ShouldBindJSON(&req); err != nil && err.Error() != "EOF" {
		h.badRequest(c, "invalid terminate payload")
		return
	}
	instance, err := h.engine.TerminateInstance(c.Request.Context(), c.Param("id"), user, req.Reason)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, Response{Success: true, Data: instance})
}

// GetNextSteps handles GET /api/v1/instances/:id/next-steps
func (h *Handlers) GetNextSteps(c *gin.Context) {
	user, ok := h.actingUser(c)
	if !ok {
		return
	}
	steps, err := h.engine.GetNextSteps(c.Request.Context(), c.Param("id"), user)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, Response{Success: true, Data: steps})
}

// GetLogs handles GET /api/v1/instances/:id/logs
func (h *Handlers) GetLogs(c *gin.Context) {
	if _, ok := h.actingUser(c); !ok {
		return
	}
	logs, err := h.engine.GetLogs(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, Response{Success: true, Data: logs})
}

// ExportAuditTrail handles GET /api/v1/instances/:id/export
func (h *Handlers) ExportAuditTrail(c *gin.Context) {
	if _, ok := h.actingUser(c); !ok {
		return
	}
	ctx := c.Request.Context()
	instance, err := h.engine.GetInstance(ctx, c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	logs, err := h.engine.GetLogs(ctx, instance.ID)
	if err != nil {
		h.fail(c, err)
		return
	}
	def, err := h.engine.GetDefinition(ctx, instance.WorkflowID)
	if err != nil {
		h.fail(c, err)
		return
	}
	stepNames := make(map[int64]string)
	for _, s := range def.Steps() {
		stepNames[s.ID] = s.Name
	}
	path, err := h.exporter.Export(instance, logs, stepNames)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.FileAttachment(path, "audit_trail.xlsx")
}

// actingUser resolves the user from the request header. A missing or
// unknown user ends the request with 401.
func (h *Handlers) actingUser(c *gin.Context) (*entity.User, bool) {
	id := c.GetHeader(userHeader)
	if id == "" {
		c.JSON(http.StatusUnauthorized, Response{Success: false, Error: "missing " + userHeader + " header"})
		return nil, false
	}
	user, err := h.users.GetByID(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err)
		return nil, false
	}
	if user == nil {
		c.JSON(http.StatusUnauthorized, Response{Success: false, Error: "unknown user " + id})
		return nil, false
	}
	return user, true
}

func (h *Handlers) pathID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		h.badRequest(c, "id must be an integer")
		return 0, false
	}
	return id, true
}

func (h *Handlers) badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, Response{Success: false, Error: msg})
}

// fail maps domain errors onto HTTP status codes
func (h *Handlers) fail(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domainwf.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, domainwf.ErrPermission):
		status = http.StatusForbidden
	case errors.Is(err, domainwf.ErrConflict):
		status = http.StatusConflict
	case errors.Is(err, domainwf.ErrConfiguration):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, domainwf.ErrEvaluation):
		status = http.StatusBadRequest
	}
	if status == http.StatusInternalServerError {
		h.logger.Error("Request failed", zap.Error(err))
	}
	c.JSON(status, Response{Success: false, Error: err.Error()})
}
