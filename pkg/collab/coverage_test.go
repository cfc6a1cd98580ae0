package collab

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/envmatrix/envmatrix/pkg/config"
)

type capturedUpload struct {
	payload uploadPayload
	report  string
}

// fakeCoverageServer mimics the hosted aggregation endpoints.
type fakeCoverageServer struct {
	mu       sync.Mutex
	uploads  []capturedUpload
	finishes int
	status   int
}

func (s *fakeCoverageServer) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/jobs", func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		var payload uploadPayload
		if err := json.Unmarshal([]byte(r.FormValue("json")), &payload); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		file, _, err := r.FormFile("report")
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		defer file.Close()
		buf := make([]byte, 1024)
		n, _ := file.Read(buf)

		s.mu.Lock()
		s.uploads = append(s.uploads, capturedUpload{payload: payload, report: string(buf[:n])})
		status := s.status
		s.mu.Unlock()

		if status != 0 {
			w.WriteHeader(status)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/webhook", func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.finishes++
		status := s.status
		s.mu.Unlock()

		if status != 0 {
			w.WriteHeader(status)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

func writeReport(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "coverage.xml")
	if err := os.WriteFile(path, []byte(`<coverage line-rate="0.91"/>`), 0o644); err != nil {
		t.Fatalf("failed to write report: %v", err)
	}
	return path
}

func newCoverageClient(t *testing.T, url string) *CoverallsClient {
	t.Helper()
	t.Setenv("ENVMATRIX_COVERAGE_TOKEN", "secret-token")
	return NewCoverallsClient(config.CoverageConfig{
		ServiceURL: url,
		TokenEnv:   "ENVMATRIX_COVERAGE_TOKEN",
		Timeout:    5 * time.Second,
	}, "run-42", testLogger(t))
}

func TestCoverallsUpload(t *testing.T) {
	server := &fakeCoverageServer{}
	ts := httptest.NewServer(server.handler())
	defer ts.Close()

	client := newCoverageClient(t, ts.URL)
	report := writeReport(t)

	if err := client.Upload(context.Background(), report, "ubuntu-latest-py3.11", false); err != nil {
		t.Fatalf("Upload() error = %v", err)
	}

	if len(server.uploads) != 1 {
		t.Fatalf("uploads = %d, want 1", len(server.uploads))
	}
	got := server.uploads[0]
	if got.payload.RepoToken != "secret-token" {
		t.Errorf("RepoToken = %q", got.payload.RepoToken)
	}
	if got.payload.ServiceJobID != "ubuntu-latest-py3.11" {
		t.Errorf("ServiceJobID = %q", got.payload.ServiceJobID)
	}
	if !got.payload.Parallel {
		t.Error("per-shard upload should be marked parallel")
	}
	if got.report != `<coverage line-rate="0.91"/>` {
		t.Errorf("report body = %q", got.report)
	}
}

func TestCoverallsFinish(t *testing.T) {
	server := &fakeCoverageServer{}
	ts := httptest.NewServer(server.handler())
	defer ts.Close()

	client := newCoverageClient(t, ts.URL)
	if err := client.Finish(context.Background()); err != nil {
		t.Fatalf("Finish() error = %v", err)
	}
	if server.finishes != 1 {
		t.Errorf("finishes = %d, want 1", server.finishes)
	}
}

func TestCoverallsRejectedUpload(t *testing.T) {
	server := &fakeCoverageServer{status: http.StatusUnprocessableEntity}
	ts := httptest.NewServer(server.handler())
	defer ts.Close()

	client := newCoverageClient(t, ts.URL)
	report := writeReport(t)

	if err := client.Upload(context.Background(), report, "shard", false); err == nil {
		t.Error("expected error for rejected upload")
	}
	if err := client.Finish(context.Background()); err == nil {
		t.Error("expected error for rejected finish")
	}
}

func TestCoverallsMissingReport(t *testing.T) {
	client := newCoverageClient(t, "http://localhost:0")
	if err := client.Upload(context.Background(), "/nonexistent/report.xml", "shard", false); err == nil {
		t.Error("expected error for missing report file")
	}
}
