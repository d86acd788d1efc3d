package handler

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/zhouzirui/z-lab/internal/model/memory"
	"github.com/zhouzirui/z-lab/internal/service/session"
)

type stubSource struct{}

func (stubSource) Status() session.Status { return session.Status{} }
func (stubSource) RecentContext(int) []memory.Exchange { return []memory.Exchange{} }
func (stubSource) AllLearned() map[string]memory.LearnedFact { return nil }
func (stubSource) Learned(string) (memory.LearnedFact, bool) { return memory.LearnedFact{}, false }

func TestRouterMountsAPI(t *testing.T) {
	r := NewRouter(stubSource{}, stubSource{}, nil, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/ws/external", nil)
	resp = httptest.NewRecorder()
	r.ServeHTTP(resp, req)
	if resp.Code != http.StatusNotFound {
		t.Fatalf("expected 404 without hub, got %d", resp.Code)
	}
}
