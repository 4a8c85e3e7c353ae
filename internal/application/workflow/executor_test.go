package workflow

import (
	"context"
	"errors"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/garyjia/workflow-engine/internal/domain/entity"
	domainwf "github.com/garyjia/workflow-engine/internal/domain/workflow"
)

type executorFixture struct {
	executor *Executor
	mailer   *mockMailer
	api      *mockAPICaller
	notifier *mockNotifier
	entities *mockEntities
}

func newExecutorFixture() *executorFixture {
	f := &executorFixture{
		mailer:   &mockMailer{},
		api:      &mockAPICaller{},
		notifier: &mockNotifier{},
		entities: &mockEntities{handles: make(map[string]*mockHandle)},
	}
	f.executor = NewExecutor(f.mailer, f.api, f.entities, f.notifier, inlineDispatcher{}, zap.NewNop())
	return f
}

func testInstance() *entity.WorkflowInstance {
	return &entity.WorkflowInstance{
		ID:         "inst-1",
		WorkflowID: 1,
		EntityType: "document",
		EntityID:   "doc-1",
		Status:     entity.StatusActive,
		CreatedBy:  "alice",
	}
}

func TestExecutor_EmailResolvesTokens(t *testing.T) {
	f := newExecutorFixture()
	action := &entity.Action{
		Name:       "notify-owner",
		ActionType: entity.ActionTypeEmail,
		Config: map[string]any{
			"to":      "{$.target.owner_email}",
			"subject": "Review for {$.data.title}",
			"body":    "Please review.",
		},
	}
	evalCtx := domainwf.EvalContext{
		"target": map[string]any{"owner_email": "alice@example.com"},
		"data":   map[string]any{"title": "Q3 report"},
	}

	res := f.executor.Execute(context.Background(), action, testInstance(), evalCtx)
	if res.Status != "ok" {
		t.Fatalf("result = %+v, want ok", res)
	}
	if len(f.mailer.sent) != 1 {
		t.Fatalf("sent %d emails, want 1", len(f.mailer.sent))
	}
	sent := f.mailer.sent[0]
	if len(sent.to) != 1 || sent.to[0] != "alice@example.com" {
		t.Errorf("to = %v, want the resolved owner address", sent.to)
	}
	if sent.subject != "Review for Q3 report" {
		t.Errorf("subject = %q, token not interpolated", sent.subject)
	}
}

func TestExecutor_EmailWithoutRecipientsFails(t *testing.T) {
	f := newExecutorFixture()
	action := &entity.Action{
		Name:       "notify-nobody",
		ActionType: entity.ActionTypeEmail,
		Config:     map[string]any{"subject": "hello"},
	}
	res := f.executor.Execute(context.Background(), action, testInstance(), domainwf.EvalContext{})
	if res.Status != "failed" {
		t.Errorf("result = %+v, want failed", res)
	}
	if len(f.mailer.sent) != 0 {
		t.Errorf("sent %d emails, want 0", len(f.mailer.sent))
	}
}

func TestExecutor_APICall(t *testing.T) {
	f := newExecutorFixture()
	action := &entity.Action{
		Name:       "sync-crm",
		ActionType: entity.ActionTypeAPICall,
		Config: map[string]any{
			"url":     "https://crm.internal/hooks",
			"payload": map[string]any{"instance": "{$.instance.id}"},
		},
	}
	evalCtx := domainwf.EvalContext{"instance": map[string]any{"id": "inst-1"}}

	res := f.executor.Execute(context.Background(), action, testInstance(), evalCtx)
	if res.Status != "ok" {
		t.Fatalf("result = %+v, want ok", res)
	}
	if len(f.api.calls) != 1 {
		t.Fatalf("calls = %d, want 1", len(f.api.calls))
	}
	call := f.api.calls[0]
	if call.method != "POST" {
		t.Errorf("method = %s, want POST default", call.method)
	}
	if call.body["instance"] != "inst-1" {
		t.Errorf("payload = %v, token not resolved", call.body)
	}
}

func TestExecutor_APICallErrorStatusFails(t *testing.T) {
	f := newExecutorFixture()
	f.api.status = 502
	action := &entity.Action{
		Name:       "sync-crm",
		ActionType: entity.ActionTypeAPICall,
		Config:     map[string]any{"url": "https://crm.internal/hooks"},
	}
	res := f.executor.Execute(context.Background(), action, testInstance(), domainwf.EvalContext{})
	if res.Status != "failed" || !strings.Contains(res.Message, "502") {
		t.Errorf("result = %+v, want failure mentioning the status", res)
	}
}

func TestExecutor_UpdateRecord(t *testing.T) {
	f := newExecutorFixture()
	handle := &mockHandle{attributes: map[string]any{"state": "draft"}}
	f.entities.handles["document/doc-1"] = handle
	action := &entity.Action{
		Name:       "mark-approved",
		ActionType: entity.ActionTypeUpdateRecord,
		Config: map[string]any{
			"fields": map[string]any{"state": "approved", "approved_by": "{$.user.id}"},
		},
	}
	evalCtx := domainwf.EvalContext{"user": map[string]any{"id": "bob"}}

	res := f.executor.Execute(context.Background(), action, testInstance(), evalCtx)
	if res.Status != "ok" {
		t.Fatalf("result = %+v, want ok", res)
	}
	if handle.attributes["state"] != "approved" || handle.attributes["approved_by"] != "bob" {
		t.Errorf("attributes = %v, update not applied", handle.attributes)
	}
}

func TestExecutor_Function(t *testing.T) {
	f := newExecutorFixture()
	var gotInput map[string]any
	f.executor.RegisterFunc("recalculate", func(_ context.Context, _ *entity.WorkflowInstance, input map[string]any) error {
		gotInput = input
		return nil
	})
	action := &entity.Action{
		Name:       "recalc",
		ActionType: entity.ActionTypeFunction,
		Config: map[string]any{
			"function": "recalculate",
			"input":    map[string]any{"mode": "full"},
		},
	}
	res := f.executor.Execute(context.Background(), action, testInstance(), domainwf.EvalContext{})
	if res.Status != "ok" {
		t.Fatalf("result = %+v, want ok", res)
	}
	if gotInput == nil || gotInput["mode"] != "full" {
		t.Errorf("input = %v, want mode=full", gotInput)
	}
}

func TestExecutor_UnregisteredFunctionFails(t *testing.T) {
	f := newExecutorFixture()
	action := &entity.Action{
		Name:       "recalc",
		ActionType: entity.ActionTypeFunction,
		Config:     map[string]any{"function": "missing"},
	}
	res := f.executor.Execute(context.Background(), action, testInstance(), domainwf.EvalContext{})
	if res.Status != "failed" || !strings.Contains(res.Message, "not registered") {
		t.Errorf("result = %+v, want failure for unregistered function", res)
	}
}

func TestExecutor_Notification(t *testing.T) {
	f := newExecutorFixture()
	action := &entity.Action{
		Name:       "ping-team",
		ActionType: entity.ActionTypeNotification,
		Config: map[string]any{
			"users":   []any{"alice", "bob"},
			"message": "Instance {$.instance.id} moved on",
		},
	}
	evalCtx := domainwf.EvalContext{"instance": map[string]any{"id": "inst-1"}}
	res := f.executor.Execute(context.Background(), action, testInstance(), evalCtx)
	if res.Status != "ok" {
		t.Fatalf("result = %+v, want ok", res)
	}
	if len(f.notifier.messages) != 1 || f.notifier.messages[0] != "Instance inst-1 moved on" {
		t.Errorf("messages = %v", f.notifier.messages)
	}
}

func TestExecutor_AsyncDispatch(t *testing.T) {
	f := newExecutorFixture()
	action := &entity.Action{
		Name:       "notify-later",
		ActionType: entity.ActionTypeEmail,
		IsAsync:    true,
		Config: map[string]any{
			"to":      "ops@example.com",
			"subject": "done",
		},
	}
	res := f.executor.Execute(context.Background(), action, testInstance(), domainwf.EvalContext{})
	if res.Status != "dispatched" {
		t.Fatalf("result = %+v, want dispatched", res)
	}
	// inlineDispatcher runs the task synchronously, so the effect is visible
	if len(f.mailer.sent) != 1 {
		t.Errorf("sent %d emails, want 1", len(f.mailer.sent))
	}
}

func TestExecutor_AsyncTaskKeepsOwnDataCopy(t *testing.T) {
	f := newExecutorFixture()
	var captured *entity.WorkflowInstance
	f.executor.RegisterFunc("snapshot", func(_ context.Context, inst *entity.WorkflowInstance, _ map[string]any) error {
		captured = inst
		return nil
	})
	action := &entity.Action{
		Name:       "snapshot-later",
		ActionType: entity.ActionTypeFunction,
		IsAsync:    true,
		Config:     map[string]any{"function": "snapshot"},
	}
	instance := testInstance()
	instance.Data = map[string]any{
		"decision": "approve",
		"review":   map[string]any{"round": 1},
	}

	res := f.executor.Execute(context.Background(), action, instance, domainwf.EvalContext{})
	if res.Status != "dispatched" {
		t.Fatalf("result = %+v, want dispatched", res)
	}
	if captured == nil {
		t.Fatal("handler never ran")
	}
	if captured == instance {
		t.Fatal("handler received the live instance, want a copy")
	}

	// writes after dispatch must not show up in what the task saw
	instance.Data["decision"] = "reject"
	instance.Data["review"].(map[string]any)["round"] = 2

	if captured.Data["decision"] != "approve" {
		t.Errorf("decision = %v, copy shares the live data map", captured.Data["decision"])
	}
	if captured.Data["review"].(map[string]any)["round"] != 1 {
		t.Errorf("nested map shared with the live instance")
	}
}

func TestExecutor_TriggerActionsContinueOnFailure(t *testing.T) {
	f := newExecutorFixture()
	f.mailer.err = errors.New("smtp down")
	def := mustCompile(&entity.WorkflowDefinition{
		Workflow: entity.Workflow{ID: 12, Name: "effects", EntityType: "document", IsActive: true},
		Steps: []*entity.Step{
			{ID: 1, WorkflowID: 12, Name: "Done", Order: 1, IsStart: true, IsEnd: true},
		},
		Actions: []*entity.Action{
			{ID: 1, StepID: 1, Name: "mail", ActionType: entity.ActionTypeEmail,
				TriggerPoint: entity.TriggerOnEnter, IsActive: true, ExecOrder: 1,
				Config: map[string]any{"to": "a@example.com"}},
			{ID: 2, StepID: 1, Name: "ping", ActionType: entity.ActionTypeNotification,
				TriggerPoint: entity.TriggerOnEnter, IsActive: true, ExecOrder: 2,
				Config: map[string]any{"message": "hi"}},
		},
	})

	results := f.executor.ExecuteTriggerActions(context.Background(), def, def.Step(1),
		entity.TriggerOnEnter, testInstance(), domainwf.EvalContext{})
	if len(results) != 2 {
		t.Fatalf("results = %d, want 2", len(results))
	}
	if results[0].Status != "failed" {
		t.Errorf("first result = %+v, want failed", results[0])
	}
	if results[1].Status != "ok" {
		t.Errorf("second result = %+v, want ok despite earlier failure", results[1])
	}
	if len(f.notifier.messages) != 1 {
		t.Errorf("notification not delivered after email failure")
	}
}
