package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/zhouzirui/z-lab/internal/model/memory"
	"github.com/zhouzirui/z-lab/internal/service/session"
	"github.com/zhouzirui/z-lab/internal/turnstate"
)

type stubStatus struct{ st session.Status }

func (s stubStatus) Status() session.Status { return s.st }

type stubMemory struct {
	exchanges []memory.Exchange
	learned   map[string]memory.LearnedFact
	lastLimit int
}

func (s *stubMemory) RecentContext(limit int) []memory.Exchange {
	s.lastLimit = limit
	if limit > len(s.exchanges) {
		limit = len(s.exchanges)
	}
	return s.exchanges[len(s.exchanges)-limit:]
}

func (s *stubMemory) AllLearned() map[string]memory.LearnedFact { return s.learned }

func (s *stubMemory) Learned(key string) (memory.LearnedFact, bool) {
	f, ok := s.learned[key]
	return f, ok
}

func setupRouter() (*chi.Mux, *stubMemory) {
	mem := &stubMemory{
		exchanges: []memory.Exchange{
			{Time: time.Unix(1, 0).UTC(), OperatorRequest: "q1", ResponderReply: "r1"},
			{Time: time.Unix(2, 0).UTC(), OperatorRequest: "q2", ResponderReply: "r2"},
		},
		learned: map[string]memory.LearnedFact{"editor": {Value: "vim", LearnedAt: time.Unix(3, 0).UTC()}},
	}
	status := stubStatus{st: session.Status{
		Machine: turnstate.Status{State: turnstate.State{Phase: turnstate.OperatorActive, AwaitingOperator: true}},
	}}

	r := chi.NewRouter()
	New(status, mem, nil).RegisterRoutes(r)
	return r, mem
}

func get(r http.Handler, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)
	return resp
}

func TestStatus(t *testing.T) {
	r, _ := setupRouter()
	resp := get(r, "/status")
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}

	var body struct {
		Machine struct {
			Phase            string `json:"phase"`
			AwaitingOperator bool   `json:"awaitingOperator"`
		} `json:"machine"`
	}
	if err := json.Unmarshal(resp.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Machine.Phase != "OPERATOR_ACTIVE" || !body.Machine.AwaitingOperator {
		t.Fatalf("unexpected status body: %s", resp.Body.String())
	}
}

func TestContextLimit(t *testing.T) {
	r, mem := setupRouter()

	resp := get(r, "/context?limit=1")
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	var body struct {
		Exchanges []memory.Exchange `json:"exchanges"`
	}
	if err := json.Unmarshal(resp.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Exchanges) != 1 || body.Exchanges[0].OperatorRequest != "q2" {
		t.Fatalf("unexpected exchanges: %+v", body.Exchanges)
	}

	get(r, "/context?limit=5000")
	if mem.lastLimit != maxContextLimit {
		t.Fatalf("expected limit clamped to %d, got %d", maxContextLimit, mem.lastLimit)
	}

	get(r, "/context")
	if mem.lastLimit != defaultContextLimit {
		t.Fatalf("expected default limit, got %d", mem.lastLimit)
	}
}

func TestContextInvalidLimit(t *testing.T) {
	r, _ := setupRouter()
	for _, q := range []string{"abc", "-1"} {
		if resp := get(r, "/context?limit="+q); resp.Code != http.StatusBadRequest {
			t.Fatalf("limit=%s: expected 400, got %d", q, resp.Code)
		}
	}
}

func TestLearned(t *testing.T) {
	r, _ := setupRouter()

	resp := get(r, "/learned")
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}

	resp = get(r, "/learned/editor")
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	var fact map[string]any
	_ = json.Unmarshal(resp.Body.Bytes(), &fact)
	if fact["value"] != "vim" {
		t.Fatalf("unexpected body: %s", resp.Body.String())
	}

	if resp := get(r, "/learned/missing"); resp.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.Code)
	}
}

func TestEncodeFailureIsLogged(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	h := New(stubStatus{}, &stubMemory{}, zap.New(core))

	resp := httptest.NewRecorder()
	h.respondJSON(resp, http.StatusOK, map[string]any{"bad": make(chan int)})

	entries := logs.FilterMessage("failed to encode response").All()
	if len(entries) != 1 {
		t.Fatalf("expected one encode warning, got %d", len(entries))
	}
	if entries[0].LoggerName != "api" {
		t.Fatalf("expected api logger, got %q", entries[0].LoggerName)
	}
}
