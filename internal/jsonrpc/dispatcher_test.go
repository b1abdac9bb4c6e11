package jsonrpc

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	xerrors "A2A-PayGate/internal/errors"
	"A2A-PayGate/internal/task"
)

func newTestDispatcher(t *testing.T) (*Dispatcher, *task.Manager) {
	t.Helper()
	registry := task.NewRegistry()
	registry.MustRegister("echo", task.HandlerFunc(func(_ context.Context, req task.Request) task.Outcome {
		return task.Completed(task.Artifact{Parts: []task.Part{task.TextPart("echo: " + req.Message.Parts[0].Text)}})
	}))
	registry.MustRegister("trading/execute", task.HandlerFunc(func(_ context.Context, req task.Request) task.Outcome {
		if len(req.History) == 1 {
			return task.InputRequired("amount?")
		}
		return task.Completed(task.Artifact{Name: "order", Parts: []task.Part{task.DataPart(map[string]any{"filled": true})}})
	}))
	registry.MustRegister("broken", func(context.Context, task.Request) (task.Outcome, error) {
		return task.Outcome{}, errors.New("exchange offline")
	})

	mgr := task.NewManager(nil)
	d := NewDispatcher()
	methods := &TaskMethods{
		Manager:  mgr,
		Registry: registry,
		Annotate: func(context.Context) map[string]any { return map[string]any{"payer": "0xabc"} },
	}
	if err := methods.Register(d); err != nil {
		t.Fatalf("register methods: %v", err)
	}
	return d, mgr
}

func decodeTask(t *testing.T, resp *Response) *task.Task {
	t.Helper()
	if resp.Error != nil {
		t.Fatalf("unexpected error response: %+v", resp.Error)
	}
	raw, err := json.Marshal(resp.Result)
	if err != nil {
		t.Fatalf("marshal result: %v", err)
	}
	var out task.Task
	if err := json.Unmarshal(raw, &out); err != nil {
		t.Fatalf("decode task: %v", err)
	}
	return &out
}

func TestDispatcherProtocolErrors(t *testing.T) {
	d, _ := newTestDispatcher(t)
	ctx := context.Background()

	cases := []struct {
		name string
		body string
		code int
		id   string
	}{
		{"parse error", `{"jsonrpc":"2.0",`, CodeParseError, "null"},
		{"empty body", ``, CodeParseError, "null"},
		{"batch", `[{"jsonrpc":"2.0","id":1,"method":"tasks/get"}]`, CodeInvalidRequest, "null"},
		{"not an object", `"hello"`, CodeInvalidRequest, "null"},
		{"wrong version", `{"jsonrpc":"1.0","id":7,"method":"tasks/get"}`, CodeInvalidRequest, "7"},
		{"missing method", `{"jsonrpc":"2.0","id":"abc"}`, CodeInvalidRequest, `"abc"`},
		{"object id", `{"jsonrpc":"2.0","id":{"x":1},"method":"tasks/get"}`, CodeInvalidRequest, "null"},
		{"unknown method", `{"jsonrpc":"2.0","id":3,"method":"tasks/explode"}`, CodeMethodNotFound, "3"},
		{"missing params", `{"jsonrpc":"2.0","id":4,"method":"tasks/get"}`, CodeInvalidParams, "4"},
		{"bad params", `{"jsonrpc":"2.0","id":5,"method":"tasks/send","params":{"message":"nope"}}`, CodeInvalidParams, "5"},
		{"invalid message", `{"jsonrpc":"2.0","id":6,"method":"tasks/send","params":{"skill":"echo","message":{"role":"user","parts":[]}}}`, CodeInvalidParams, "6"},
		{"unknown skill", `{"jsonrpc":"2.0","id":8,"method":"tasks/send","params":{"skill":"nope","message":{"role":"user","parts":[{"type":"text","text":"x"}]}}}`, CodeSkillNotFound, "8"},
		{"unknown task", `{"jsonrpc":"2.0","id":9,"method":"tasks/get","params":{"id":"missing"}}`, CodeTaskNotFound, "9"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := d.Handle(ctx, []byte(tc.body))
			if resp.Error == nil {
				t.Fatalf("expected error, got result %+v", resp.Result)
			}
			if resp.Error.Code != tc.code {
				t.Fatalf("expected code %d, got %d (%s)", tc.code, resp.Error.Code, resp.Error.Message)
			}
			if string(resp.ID) != tc.id {
				t.Fatalf("expected id %s, got %s", tc.id, resp.ID)
			}
			if resp.JSONRPC != Version {
				t.Fatalf("response must carry jsonrpc 2.0")
			}
		})
	}
}

func TestDispatcherSendAndContinue(t *testing.T) {
	d, _ := newTestDispatcher(t)
	ctx := context.Background()

	first := decodeTask(t, d.Handle(ctx, []byte(`{"jsonrpc":"2.0","id":1,"method":"tasks/send","params":{"skill":"Trading/Execute/","message":{"role":"user","parts":[{"type":"text","text":"buy ETH"}]}}}`)))
	if first.Status.State != task.StateInputRequired {
		t.Fatalf("expected input-required, got %s", first.Status.State)
	}
	if first.Metadata["payer"] != "0xabc" {
		t.Fatalf("annotations should be stored on the task: %+v", first.Metadata)
	}

	body := `{"jsonrpc":"2.0","id":2,"method":"tasks/send","params":{"id":"` + first.ID + `","message":{"role":"user","parts":[{"type":"text","text":"1 ETH"}]}}}`
	second := decodeTask(t, d.Handle(ctx, []byte(body)))
	if second.Status.State != task.StateCompleted {
		t.Fatalf("expected completed, got %s", second.Status.State)
	}
	if len(second.Artifacts) != 1 || second.Artifacts[0].Name != "order" {
		t.Fatalf("unexpected artifacts %+v", second.Artifacts)
	}

	again := d.Handle(ctx, []byte(body))
	if again.Error == nil || again.Error.Code != CodeTaskNotModifiable {
		t.Fatalf("expected task not modifiable, got %+v", again.Error)
	}
}

func TestDispatcherHandlerFailureIsResult(t *testing.T) {
	d, _ := newTestDispatcher(t)
	resp := d.Handle(context.Background(), []byte(`{"jsonrpc":"2.0","id":"f","method":"tasks/send","params":{"type":"broken","message":{"role":"user","parts":[{"type":"text","text":"x"}]}}}`))
	failed := decodeTask(t, resp)
	if failed.Status.State != task.StateFailed {
		t.Fatalf("expected failed task, got %s", failed.Status.State)
	}
	if failed.Status.Message.Parts[0].Text != "exchange offline" {
		t.Fatalf("failure reason should be recorded: %+v", failed.Status.Message)
	}
}

func TestDispatcherMaxHistory(t *testing.T) {
	registry := task.NewRegistry()
	registry.MustRegister("chat", task.HandlerFunc(func(_ context.Context, _ task.Request) task.Outcome {
		return task.InputRequired("more?")
	}))
	d := NewDispatcher()
	methods := &TaskMethods{Manager: task.NewManager(nil), Registry: registry, MaxHistory: 1}
	if err := methods.Register(d); err != nil {
		t.Fatalf("register methods: %v", err)
	}
	ctx := context.Background()

	first := decodeTask(t, d.Handle(ctx, []byte(`{"jsonrpc":"2.0","id":1,"method":"tasks/send","params":{"skill":"chat","message":{"role":"user","parts":[{"type":"text","text":"a"}]}}}`)))
	if len(first.History) != 1 {
		t.Fatalf("expected history trimmed to 1, got %d", len(first.History))
	}

	full := decodeTask(t, d.Handle(ctx, []byte(`{"jsonrpc":"2.0","id":2,"method":"tasks/get","params":{"id":"`+first.ID+`","historyLength":5}}`)))
	if len(full.History) < 2 {
		t.Fatalf("explicit historyLength should override the default cap, got %d", len(full.History))
	}

	resp := d.Handle(ctx, []byte(`{"jsonrpc":"2.0","id":3,"method":"tasks/get","params":{"id":"`+first.ID+`","historyLength":-1}}`))
	if resp.Error == nil || resp.Error.Code != CodeInvalidParams {
		t.Fatalf("negative historyLength should be rejected, got %+v", resp.Error)
	}
}

func TestDispatcherGetAndCancel(t *testing.T) {
	d, mgr := newTestDispatcher(t)
	ctx := context.Background()
	created, err := mgr.CreateOrContinue(ctx, "", "echo", task.Message{Role: task.RoleUser, Parts: []task.Part{task.TextPart("hi")}})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	got := decodeTask(t, d.Handle(ctx, []byte(`{"jsonrpc":"2.0","id":1,"method":"tasks/get","params":{"id":"`+created.ID+`"}}`)))
	if got.Status.State != task.StateSubmitted {
		t.Fatalf("expected submitted, got %s", got.Status.State)
	}
	canceled := decodeTask(t, d.Handle(ctx, []byte(`{"jsonrpc":"2.0","id":2,"method":"tasks/cancel","params":{"id":"`+created.ID+`"}}`)))
	if canceled.Status.State != task.StateCanceled {
		t.Fatalf("expected canceled, got %s", canceled.Status.State)
	}
	twice := decodeTask(t, d.Handle(ctx, []byte(`{"jsonrpc":"2.0","id":3,"method":"tasks/cancel","params":{"id":"`+created.ID+`"}}`)))
	if twice.Status.State != task.StateCanceled {
		t.Fatalf("second cancel should be a no-op")
	}
}

func TestDispatcherRecoversPanicsAndHidesInternalErrors(t *testing.T) {
	d := NewDispatcher()
	if err := d.Register("boom", func(context.Context, json.RawMessage) (any, error) {
		panic("nil map")
	}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := d.Register("storage", func(context.Context, json.RawMessage) (any, error) {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, errors.New("connection reset"), "写入失败")
	}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := d.Register("storage", func(context.Context, json.RawMessage) (any, error) { return nil, nil }); err == nil {
		t.Fatalf("duplicate method should be rejected")
	}
	if err := d.Register("", func(context.Context, json.RawMessage) (any, error) { return nil, nil }); err == nil {
		t.Fatalf("empty method should be rejected")
	}

	resp := d.Handle(context.Background(), []byte(`{"jsonrpc":"2.0","id":1,"method":"boom"}`))
	if resp.Error == nil || resp.Error.Code != CodeInternalError {
		t.Fatalf("expected internal error, got %+v", resp.Error)
	}

	resp = d.Handle(context.Background(), []byte(`{"jsonrpc":"2.0","id":2,"method":"storage"}`))
	if resp.Error == nil || resp.Error.Code != CodeServerError {
		t.Fatalf("expected server error, got %+v", resp.Error)
	}
	data, _ := resp.Error.Data.(map[string]any)
	if data["code"] != string(xerrors.CodeStorageFailure) || data["cause"] != "connection reset" {
		t.Fatalf("unexpected error data %+v", resp.Error.Data)
	}
}

func TestDispatcherServeHTTPUsesPathSkill(t *testing.T) {
	d, _ := newTestDispatcher(t)
	mux := http.NewServeMux()
	mux.Handle("POST /rpc/{skill...}", d)
	mux.Handle("/rpc", d)

	body := `{"jsonrpc":"2.0","id":1,"method":"tasks/send","params":{"message":{"role":"user","parts":[{"type":"text","text":"hey"}]}}}`
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/rpc/echo", strings.NewReader(body)))
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", rec.Code)
	}
	var resp Response
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	got := decodeTask(t, &resp)
	if got.Skill != "echo" || got.Status.State != task.StateCompleted {
		t.Fatalf("unexpected task %+v", got)
	}

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/rpc", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
}

func TestPeek(t *testing.T) {
	got := Peek([]byte(`{"jsonrpc":"2.0","method":"tasks/send","params":{"id":"t-1","type":"trading/execute"}}`))
	if got.Method != MethodTasksSend || got.Skill != "trading/execute" || got.TaskID != "t-1" {
		t.Fatalf("unexpected peek %+v", got)
	}
	if got := Peek([]byte(`{"method":"tasks/send","params":{"skill":"a","type":"b"}}`)); got.Skill != "a" {
		t.Fatalf("skill should win over type: %+v", got)
	}
	if got := Peek([]byte(`garbage`)); got != (Preview{}) {
		t.Fatalf("garbage should peek empty")
	}
}
