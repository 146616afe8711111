package ingest

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"alertcore/internal/domain"
)

type testSink struct {
	mu         sync.Mutex
	pushCalls  int
	batchCalls int
	events     []domain.MetricEvent
	err        error
}

func (s *testSink) Push(event domain.MetricEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pushCalls++
	if s.err != nil {
		return s.err
	}
	s.events = append(s.events, event)
	return nil
}

func (s *testSink) PushBatch(events []domain.MetricEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batchCalls++
	if s.err != nil {
		return s.err
	}
	s.events = append(s.events, events...)
	return nil
}

func (s *testSink) snapshot() []domain.MetricEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.MetricEvent(nil), s.events...)
}

func testEventJSON(host string, value float64) string {
	return fmt.Sprintf(`{"metric":"error_rate","dt":1739876543210,"value":%v,"labels":{"service":"api","host":"%s"}}`, value, host)
}

func TestHTTPHandlerAcceptsSingleEvent(t *testing.T) {
	t.Parallel()

	sink := &testSink{}
	handler := NewHTTPHandler(sink, 1<<20, nil)
	request := httptest.NewRequest(http.MethodPost, "/ingest", strings.NewReader(testEventJSON("h1", 0.1)))
	response := httptest.NewRecorder()

	handler.ServeHTTP(response, request)
	if response.Code != http.StatusAccepted {
		t.Fatalf("expected status %d, got %d", http.StatusAccepted, response.Code)
	}
	if sink.pushCalls != 1 || sink.batchCalls != 0 {
		t.Fatalf("unexpected sink calls push=%d batch=%d", sink.pushCalls, sink.batchCalls)
	}
	events := sink.snapshot()
	if len(events) != 1 || events[0].Labels["host"] != "h1" {
		t.Fatalf("unexpected events: %#v", events)
	}
	if f, ok := events[0].Value.Float(); !ok || f != 0.1 {
		t.Fatalf("unexpected value: %#v", events[0].Value)
	}
	if !strings.Contains(response.Body.String(), `"accepted":1`) {
		t.Fatalf("unexpected body: %s", response.Body.String())
	}
}

func TestHTTPHandlerAcceptsBatchEvents(t *testing.T) {
	t.Parallel()

	sink := &testSink{}
	handler := NewHTTPHandler(sink, 1<<20, nil)
	payload := fmt.Sprintf("[%s,%s]", testEventJSON("h1", 1), testEventJSON("h2", 2))
	request := httptest.NewRequest(http.MethodPost, "/ingest", strings.NewReader(payload))
	response := httptest.NewRecorder()

	handler.ServeHTTP(response, request)
	if response.Code != http.StatusAccepted {
		t.Fatalf("expected status %d, got %d", http.StatusAccepted, response.Code)
	}
	if sink.pushCalls != 0 || sink.batchCalls != 1 {
		t.Fatalf("unexpected sink calls push=%d batch=%d", sink.pushCalls, sink.batchCalls)
	}
	if len(sink.snapshot()) != 2 {
		t.Fatalf("expected 2 events, got %d", len(sink.snapshot()))
	}
}

func TestHTTPHandlerRejects(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		method string
		body   string
		limit  int64
		status int
	}{
		{name: "empty batch", method: http.MethodPost, body: "[]", limit: 1 << 20, status: http.StatusBadRequest},
		{name: "missing metric", method: http.MethodPost, body: `{"dt":1,"value":1}`, limit: 1 << 20, status: http.StatusBadRequest},
		{name: "trailing tokens", method: http.MethodPost, body: testEventJSON("h1", 1) + "{}", limit: 1 << 20, status: http.StatusBadRequest},
		{name: "too large", method: http.MethodPost, body: testEventJSON("h1", 1), limit: 8, status: http.StatusRequestEntityTooLarge},
		{name: "wrong method", method: http.MethodGet, body: "", limit: 1 << 20, status: http.StatusMethodNotAllowed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			sink := &testSink{}
			handler := NewHTTPHandler(sink, tt.limit, nil)
			response := httptest.NewRecorder()
			handler.ServeHTTP(response, httptest.NewRequest(tt.method, "/ingest", strings.NewReader(tt.body)))
			if response.Code != tt.status {
				t.Fatalf("expected status %d, got %d", tt.status, response.Code)
			}
			if len(sink.snapshot()) != 0 {
				t.Fatalf("sink must not receive rejected payload")
			}
		})
	}
}

func TestHTTPHandlerReturnsServiceUnavailableOnPushError(t *testing.T) {
	t.Parallel()

	sink := &testSink{err: errors.New("sink unavailable")}
	handler := NewHTTPHandler(sink, 1<<20, nil)
	request := httptest.NewRequest(http.MethodPost, "/ingest", strings.NewReader(testEventJSON("h1", 1)))
	response := httptest.NewRecorder()

	handler.ServeHTTP(response, request)
	if response.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected status %d, got %d", http.StatusServiceUnavailable, response.Code)
	}
}
