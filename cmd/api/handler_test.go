package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"gmail-bridge/internal/bridge/domain"
	"gmail-bridge/internal/identity"
	"gmail-bridge/internal/testutil"
	"gmail-bridge/pkg/dedup"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const hsToken = "hs-secret"

type recordingQueue struct {
	events []*domain.ChatEvent
	err    error
}

func (q *recordingQueue) Enqueue(_ context.Context, events ...*domain.ChatEvent) error {
	if q.err != nil {
		return q.err
	}
	q.events = append(q.events, events...)
	return nil
}

func newTestRouter(t *testing.T) (*gin.Engine, *recordingQueue, *testutil.FakeChat) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	mapper, err := identity.NewMapper("_bridge_", "hs")
	if err != nil {
		t.Fatalf("NewMapper: %v", err)
	}
	queue := &recordingQueue{}
	chat := testutil.NewFakeChat("@gmail:hs")
	h := NewHandler(queue, chat, mapper, dedup.NewMemoryDeduper(time.Hour), zap.NewNop())
	return NewRouter(h, hsToken, true), queue, chat
}

func do(r http.Handler, method, path, token, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

const txnBody = `{"events":[
	{"type":"m.room.member","event_id":"$1","room_id":"!r:hs","sender":"@alice:hs","state_key":"@gmail:hs","content":{"membership":"invite"}},
	{"type":"m.room.message","event_id":"$2","room_id":"!r:hs","sender":"@alice:hs","content":{"msgtype":"m.text","body":"help"}},
	{"type":"m.typing","room_id":"!r:hs","content":{}}
]}`

func TestHSTokenMiddleware(t *testing.T) {
	r, _, _ := newTestRouter(t)
	tests := []struct {
		name  string
		path  string
		token string
		want  int
	}{
		{name: "missing", path: "/_matrix/app/v1/rooms/x", want: http.StatusUnauthorized},
		{name: "wrong", path: "/_matrix/app/v1/rooms/x", token: "nope", want: http.StatusForbidden},
		{name: "bearer", path: "/_matrix/app/v1/rooms/x", token: hsToken, want: http.StatusNotFound},
		{name: "query parameter", path: "/_matrix/app/v1/rooms/x?access_token=" + hsToken, want: http.StatusNotFound},
		{name: "health is public", path: "/health", want: http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if w := do(r, http.MethodGet, tt.path, tt.token, ""); w.Code != tt.want {
				t.Errorf("status = %d, want %d", w.Code, tt.want)
			}
		})
	}
}

func TestPutTransaction(t *testing.T) {
	r, queue, _ := newTestRouter(t)

	w := do(r, http.MethodPut, "/_matrix/app/v1/transactions/txn1", hsToken, txnBody)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	if len(queue.events) != 2 {
		t.Fatalf("queued %d events, want 2", len(queue.events))
	}
	if queue.events[0].Target != "@gmail:hs" || queue.events[1].Body != "help" {
		t.Errorf("events = %+v %+v", queue.events[0], queue.events[1])
	}

	// a retried transaction is acknowledged without queueing again
	w = do(r, http.MethodPut, "/_matrix/app/v1/transactions/txn1", hsToken, txnBody)
	if w.Code != http.StatusOK || len(queue.events) != 2 {
		t.Errorf("retry: status %d, %d events queued", w.Code, len(queue.events))
	}

	if w := do(r, http.MethodPut, "/transactions/txn2", hsToken, `{"events":`); w.Code != http.StatusBadRequest {
		t.Errorf("malformed body: status %d", w.Code)
	}
}

func TestPutTransactionWhileStopping(t *testing.T) {
	r, queue, _ := newTestRouter(t)
	queue.err = context.Canceled
	if w := do(r, http.MethodPut, "/_matrix/app/v1/transactions/t", hsToken, txnBody); w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d", w.Code)
	}

	// the retry after a 503 is queued, not treated as a duplicate
	queue.err = nil
	if w := do(r, http.MethodPut, "/_matrix/app/v1/transactions/t", hsToken, txnBody); w.Code != http.StatusOK {
		t.Fatalf("retry status = %d", w.Code)
	}
	if len(queue.events) != 2 {
		t.Errorf("queued %d events on retry, want 2", len(queue.events))
	}
}

func TestQueryUser(t *testing.T) {
	r, _, chat := newTestRouter(t)
	tests := []struct {
		user string
		want int
	}{
		{user: "@_bridge_bob_at_example.com:hs", want: http.StatusOK},
		{user: "@gmail:hs", want: http.StatusOK},
		{user: "@_bridge_nobody:hs", want: http.StatusNotFound},
		{user: "@alice:hs", want: http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.user, func(t *testing.T) {
			if w := do(r, http.MethodGet, "/_matrix/app/v1/users/"+tt.user, hsToken, ""); w.Code != tt.want {
				t.Errorf("status = %d, want %d", w.Code, tt.want)
			}
		})
	}
	if chat.Puppets["@_bridge_bob_at_example.com:hs"] != "bob@example.com" {
		t.Errorf("puppets = %v", chat.Puppets)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	r, _, _ := newTestRouter(t)
	w := do(r, http.MethodGet, "/metrics", "", "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "go_goroutines") {
		t.Errorf("status = %d", w.Code)
	}
}
