package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/garyjia/workflow-engine/internal/application/dispatcher"
	"github.com/garyjia/workflow-engine/internal/application/port"
	"github.com/garyjia/workflow-engine/internal/domain/entity"
	domainwf "github.com/garyjia/workflow-engine/internal/domain/workflow"
)

// In-memory repositories with the same CAS semantics as the sqlite
// implementations.

type memInstanceRepo struct {
	mu        sync.Mutex
	instances map[string]*entity.WorkflowInstance
}

func newMemInstanceRepo() *memInstanceRepo {
	return &memInstanceRepo{instances: make(map[string]*entity.WorkflowInstance)}
}

func (m *memInstanceRepo) Create(_ context.Context, instance *entity.WorkflowInstance) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.instances[instance.ID]; ok {
		return fmt.Errorf("duplicate instance %s", instance.ID)
	}
	clone := *instance
	m.instances[instance.ID] = &clone
	return nil
}

func (m *memInstanceRepo) GetByID(_ context.Context, id string) (*entity.WorkflowInstance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.instances[id]
	if !ok {
		return nil, nil
	}
	clone := *stored
	return &clone, nil
}

func (m *memInstanceRepo) GetActiveByTarget(_ context.Context, workflowID int64, ref entity.EntityRef) (*entity.WorkflowInstance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, stored := range m.instances {
		if stored.WorkflowID == workflowID && stored.EntityType == ref.Type && stored.EntityID == ref.ID &&
			!entity.IsTerminalStatus(stored.Status) {
			clone := *stored
			return &clone, nil
		}
	}
	return nil, nil
}

func (m *memInstanceRepo) UpdateState(_ context.Context, instance *entity.WorkflowInstance, expectedStatus string, expectedStepID *int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.instances[instance.ID]
	if !ok {
		return false, nil
	}
	if stored.Status != expectedStatus || !stepIDEqual(stored.CurrentStepID, expectedStepID) {
		return false, nil
	}
	clone := *instance
	m.instances[instance.ID] = &clone
	return true, nil
}

func (m *memInstanceRepo) List(_ context.Context, workflowID int64, entityType, status string) ([]*entity.WorkflowInstance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*entity.WorkflowInstance
	for _, stored := range m.instances {
		if workflowID != 0 && stored.WorkflowID != workflowID {
			continue
		}
		if entityType != "" && stored.EntityType != entityType {
			continue
		}
		if status != "" && stored.Status != status {
			continue
		}
		clone := *stored
		out = append(out, &clone)
	}
	return out, nil
}

func stepIDEqual(a, b *int64) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

type memLogRepo struct {
	mu   sync.Mutex
	logs []*entity.StepLog
}

func (m *memLogRepo) Create(_ context.Context, log *entity.StepLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	clone := *log
	clone.ID = int64(len(m.logs) + 1)
	m.logs = append(m.logs, &clone)
	log.ID = clone.ID
	return nil
}

func (m *memLogRepo) GetByInstanceID(_ context.Context, instanceID string) ([]*entity.StepLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*entity.StepLog
	for _, log := range m.logs {
		if log.InstanceID == instanceID {
			out = append(out, log)
		}
	}
	return out, nil
}

func (m *memLogRepo) CountByInstanceID(_ context.Context, instanceID string) (int, error) {
	logs, _ := m.GetByInstanceID(nil, instanceID)
	return len(logs), nil
}

func (m *memLogRepo) actions(instanceID string) []string {
	logs, _ := m.GetByInstanceID(nil, instanceID)
	out := make([]string, 0, len(logs))
	for _, log := range logs {
		out = append(out, log.Action)
	}
	return out
}

// passthroughTx satisfies port.TransactionManager without a database
type passthroughTx struct{}

func (passthroughTx) WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

// Mock host providers in the func-field style.

type mockUsers struct {
	getByIDFunc    func(ctx context.Context, id string) (*entity.User, error)
	superusersFunc func(ctx context.Context) ([]*entity.User, error)
	listFunc       func(ctx context.Context) ([]*entity.User, error)
}

func (m *mockUsers) GetByID(ctx context.Context, id string) (*entity.User, error) {
	if m.getByIDFunc != nil {
		return m.getByIDFunc(ctx, id)
	}
	return &entity.User{ID: id, Name: id}, nil
}

func (m *mockUsers) Superusers(ctx context.Context) ([]*entity.User, error) {
	if m.superusersFunc != nil {
		return m.superusersFunc(ctx)
	}
	return nil, nil
}

func (m *mockUsers) List(ctx context.Context) ([]*entity.User, error) {
	if m.listFunc != nil {
		return m.listFunc(ctx)
	}
	return nil, nil
}

type mockRoles struct {
	userHasRoleFunc   func(ctx context.Context, userID, role string) (bool, error)
	userInGroupFunc   func(ctx context.Context, userID, group string) (bool, error)
	usersWithRoleFunc func(ctx context.Context, role string) ([]string, error)
	usersInGroupFunc  func(ctx context.Context, group string) ([]string, error)
	hasPermissionFunc func(ctx context.Context, userID, permission string) (bool, error)
}

func (m *mockRoles) UserHasRole(ctx context.Context, userID, role string) (bool, error) {
	if m.userHasRoleFunc != nil {
		return m.userHasRoleFunc(ctx, userID, role)
	}
	return false, nil
}

func (m *mockRoles) UserInGroup(ctx context.Context, userID, group string) (bool, error) {
	if m.userInGroupFunc != nil {
		return m.userInGroupFunc(ctx, userID, group)
	}
	return false, nil
}

func (m *mockRoles) UsersWithRole(ctx context.Context, role string) ([]string, error) {
	if m.usersWithRoleFunc != nil {
		return m.usersWithRoleFunc(ctx, role)
	}
	return nil, nil
}

func (m *mockRoles) UsersInGroup(ctx context.Context, group string) ([]string, error) {
	if m.usersInGroupFunc != nil {
		return m.usersInGroupFunc(ctx, group)
	}
	return nil, nil
}

func (m *mockRoles) HasPermission(ctx context.Context, userID, permission string) (bool, error) {
	if m.hasPermissionFunc != nil {
		return m.hasPermissionFunc(ctx, userID, permission)
	}
	return false, nil
}

type mockHandle struct {
	attributes map[string]any
	owner      string
	updates    []map[string]any
}

func (m *mockHandle) Attributes(context.Context) (map[string]any, error) {
	return m.attributes, nil
}

func (m *mockHandle) Update(_ context.Context, fields map[string]any) error {
	m.updates = append(m.updates, fields)
	for k, v := range fields {
		m.attributes[k] = v
	}
	return nil
}

func (m *mockHandle) OwnerID() string { return m.owner }

type mockEntities struct {
	handles map[string]*mockHandle
}

func (m *mockEntities) Resolve(_ context.Context, ref entity.EntityRef) (port.EntityHandle, error) {
	key := ref.Type + "/" + ref.ID
	if h, ok := m.handles[key]; ok {
		return h, nil
	}
	return nil, errors.New("not found")
}

type sentEmail struct {
	to      []string
	subject string
	body    string
}

type mockMailer struct {
	mu   sync.Mutex
	sent []sentEmail
	err  error
}

func (m *mockMailer) Send(_ context.Context, to []string, subject, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.sent = append(m.sent, sentEmail{to: to, subject: subject, body: body})
	return nil
}

type apiCall struct {
	method string
	url    string
	body   map[string]any
}

type mockAPICaller struct {
	mu     sync.Mutex
	calls  []apiCall
	status int
	err    error
}

func (m *mockAPICaller) Call(_ context.Context, method, url string, _ map[string]string, body map[string]any) (int, []byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, apiCall{method: method, url: url, body: body})
	if m.err != nil {
		return 0, nil, m.err
	}
	status := m.status
	if status == 0 {
		status = 200
	}
	return status, []byte(`{}`), nil
}

type mockNotifier struct {
	mu       sync.Mutex
	messages []string
}

func (m *mockNotifier) Notify(_ context.Context, _ []string, message string, _ map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = append(m.messages, message)
	return nil
}

// inlineDispatcher runs async tasks synchronously so tests can assert on
// their effects without sleeping.
type inlineDispatcher struct{}

func (inlineDispatcher) Submit(_ string, task dispatcher.Task) {
	_ = task(context.Background())
}

func (inlineDispatcher) Close() error { return nil }

// engineHarness wires a full engine over the in-memory repositories
type engineHarness struct {
	engine    *Engine
	processor *Processor
	instances *memInstanceRepo
	logs      *memLogRepo
	workflows *memWorkflowRepo
	mailer    *mockMailer
	api       *mockAPICaller
	notifier  *mockNotifier
	entities  *mockEntities
	roles     *mockRoles
	users     *mockUsers
}

type memWorkflowRepo struct {
	mu     sync.Mutex
	nextID int64
	defs   map[int64]*entity.WorkflowDefinition
}

func newMemWorkflowRepo() *memWorkflowRepo {
	return &memWorkflowRepo{nextID: 1, defs: make(map[int64]*entity.WorkflowDefinition)}
}

func (m *memWorkflowRepo) Create(_ context.Context, def *entity.WorkflowDefinition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	def.Workflow.ID = m.nextID
	version := 1
	for _, existing := range m.defs {
		if existing.Workflow.Name == def.Workflow.Name && existing.Workflow.EntityType == def.Workflow.EntityType {
			version++
		}
	}
	def.Workflow.Version = version
	m.nextID++
	m.defs[def.Workflow.ID] = def
	return nil
}

func (m *memWorkflowRepo) GetByID(_ context.Context, id int64) (*entity.WorkflowDefinition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.defs[id], nil
}

func (m *memWorkflowRepo) List(_ context.Context, entityType string, activeOnly bool) ([]*entity.Workflow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*entity.Workflow
	for _, def := range m.defs {
		if entityType != "" && def.Workflow.EntityType != entityType {
			continue
		}
		if activeOnly && !def.Workflow.IsActive {
			continue
		}
		wf := def.Workflow
		out = append(out, &wf)
	}
	return out, nil
}

func (m *memWorkflowRepo) Deactivate(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	def, ok := m.defs[id]
	if !ok {
		return fmt.Errorf("workflow %d not found", id)
	}
	def.Workflow.IsActive = false
	return nil
}

func newEngineHarness() *engineHarness {
	logger := zap.NewNop()
	h := &engineHarness{
		instances: newMemInstanceRepo(),
		logs:      &memLogRepo{},
		workflows: newMemWorkflowRepo(),
		mailer:    &mockMailer{},
		api:       &mockAPICaller{},
		notifier:  &mockNotifier{},
		entities:  &mockEntities{handles: make(map[string]*mockHandle)},
		roles:     &mockRoles{},
		users:     &mockUsers{},
	}

	evaluator := domainwf.NewEvaluator(logger)
	ctxBuilder := NewContextBuilder(h.entities, logger)
	resolver := NewResolver(evaluator)
	authorizer := NewAuthorizer(h.users, h.roles, evaluator, ctxBuilder, logger)
	executor := NewExecutor(h.mailer, h.api, h.entities, h.notifier, inlineDispatcher{}, logger)
	h.processor = NewProcessor(h.instances, h.logs, passthroughTx{}, authorizer, executor, resolver, ctxBuilder, logger)
	simulator := NewSimulator(evaluator, resolver, logger)
	h.engine = NewEngine(h.workflows, h.instances, h.logs, passthroughTx{},
		h.entities, h.processor, authorizer, resolver, ctxBuilder, simulator, logger)
	return h
}

// approvalDefinition is the shared fixture: Draft -> Review -> Approved,
// with a conditional detour Review -> AdditionalInfo -> Review.
//
//	Draft (start) --submit--> Review --approved--> Approved (end)
//	                          Review --needs info--> AdditionalInfo --resubmit--> Review
func approvalDefinition() *entity.WorkflowDefinition {
	return &entity.WorkflowDefinition{
		Workflow: entity.Workflow{
			ID:         1,
			Name:       "document-approval",
			EntityType: "document",
			IsActive:   true,
			Version:    1,
			CreatedBy:  "admin",
		},
		Steps: []*entity.Step{
			{ID: 1, WorkflowID: 1, Name: "Draft", Order: 1, IsStart: true},
			{ID: 2, WorkflowID: 1, Name: "Review", Order: 2},
			{ID: 3, WorkflowID: 1, Name: "AdditionalInfo", Order: 3},
			{ID: 4, WorkflowID: 1, Name: "Approved", Order: 4, IsEnd: true},
		},
		Transitions: []*entity.Transition{
			{ID: 1, WorkflowID: 1, FromStepID: 1, ToStepID: 2, Name: "submit"},
			{ID: 2, WorkflowID: 1, FromStepID: 2, ToStepID: 4, Name: "approved", Condition: `data.decision == "approve"`, Priority: 10},
			{ID: 3, WorkflowID: 1, FromStepID: 2, ToStepID: 3, Name: "needs info", Condition: `data.decision == "more-info"`, Priority: 5},
			{ID: 4, WorkflowID: 1, FromStepID: 3, ToStepID: 2, Name: "resubmit"},
		},
		Actors: []*entity.ActorConfig{
			{ID: 1, StepID: 1, ActorType: entity.ActorTypeUser, ActorRef: "alice"},
			{ID: 2, StepID: 2, ActorType: entity.ActorTypeRole, ActorRef: "reviewer"},
			{ID: 3, StepID: 3, ActorType: entity.ActorTypeUser, ActorRef: "alice"},
		},
	}
}

func mustCompile(def *entity.WorkflowDefinition) *Definition {
	compiled, err := Compile(def)
	if err != nil {
		panic(err)
	}
	return compiled
}
