package jobqueue

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestHandleSubmitQueuesJobAndRunsBuildFunc(t *testing.T) {
	done := make(chan struct{})
	build := func(ctx context.Context, job *BuildJob, progress func(int, string)) error {
		progress(1, "normalize")
		close(done)
		return nil
	}
	srv := NewServer(nil, build)
	go srv.processQueue()

	req := httptest.NewRequest(http.MethodPost, "/api/builds", jsonBody(t, submitRequest{TileSet: "+47+008"}))
	w := httptest.NewRecorder()
	srv.handleSubmitOrList(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	var resp submitResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.JobID == "" {
		t.Error("expected non-empty job id")
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("build func never ran")
	}
}

func TestHandleSubmitRejectsEmptyTileSet(t *testing.T) {
	srv := NewServer(nil, func(ctx context.Context, job *BuildJob, progress func(int, string)) error { return nil })
	req := httptest.NewRequest(http.MethodPost, "/api/builds", jsonBody(t, submitRequest{TileSet: ""}))
	w := httptest.NewRecorder()
	srv.handleSubmitOrList(w, req)
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestHandleStatusReturnsNotFoundForUnknownJob(t *testing.T) {
	srv := NewServer(nil, nil)
	req := httptest.NewRequest(http.MethodGet, "/api/builds/nonexistent", nil)
	w := httptest.NewRecorder()
	srv.handleStatusOrStream(w, req)
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestHandleHealth(t *testing.T) {
	srv := NewServer(nil, nil)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	srv.handleHealth(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}
}

func jsonBody(t *testing.T, v interface{}) *bytes.Reader {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	return bytes.NewReader(data)
}
