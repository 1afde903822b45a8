package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"fieldtracker/internal/config"
	"fieldtracker/internal/geo"
	"fieldtracker/internal/keepalive"
	"fieldtracker/internal/provider"
	"fieldtracker/internal/reporting"
	"fieldtracker/internal/store"
	"fieldtracker/internal/trackstate"
)

type noopSource struct{ name string }

func (s noopSource) Name() string { return s.name }
func (s noopSource) Current(ctx context.Context) (geo.Sample, error) {
	return geo.Sample{Source: s.name}, nil
}
func (s noopSource) Watch(ctx context.Context, interval time.Duration) (<-chan geo.Sample, error) {
	out := make(chan geo.Sample)
	go func() {
		<-ctx.Done()
		close(out)
	}()
	return out, nil
}
func (s noopSource) Close() error { return nil }

type noopUploader struct{}

func (noopUploader) Upload(ctx context.Context, sessionID int64, lat, lon float64) error {
	return nil
}

func setupTest(t *testing.T) (*http.ServeMux, *store.Store, *keepalive.Controller) {
	t.Helper()
	cfg := config.Config{
		BatchLimit:          10,
		UploadTimeoutSec:    5,
		RetryIntervalSec:    1,
		RetryMaxIntervalSec: 2,
		RetentionHours:      24,
		SweepIntervalMin:    60,
	}
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	composite := provider.NewComposite(noopSource{name: "p"}, noopSource{name: "s"}, provider.StrategyAuto)
	ka := keepalive.New(composite, 5*time.Second)
	state := trackstate.New()
	reporter := reporting.New(cfg, st, noopUploader{}, ka, state)
	router := NewRouter(cfg, st, reporter, ka, state, composite)
	mux := http.NewServeMux()
	router.Register(mux)
	return mux, st, ka
}

func TestHealthEndpoint(t *testing.T) {
	mux, _, _ := setupTest(t)
	req := httptest.NewRequest(http.MethodGet, "/ops/health", nil)
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)
	if rr.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rr.Code)
	}
}

func TestTrackingStartStop(t *testing.T) {
	mux, _, ka := setupTest(t)

	body := bytes.NewBufferString(`{"session_id":100}`)
	req := httptest.NewRequest(http.MethodPost, "/ops/tracking/start", body)
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("start: unexpected status %d", rr.Code)
	}
	var snap trackstate.Snapshot
	if err := json.Unmarshal(rr.Body.Bytes(), &snap); err != nil {
		t.Fatal(err)
	}
	if !snap.Tracking || snap.SessionID == nil || *snap.SessionID != 100 {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
	if len(ka.Owners()) != 1 {
		t.Fatalf("expected one keep-alive owner: %v", ka.Owners())
	}

	req = httptest.NewRequest(http.MethodPost, "/ops/tracking/stop", nil)
	rr = httptest.NewRecorder()
	mux.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("stop: unexpected status %d", rr.Code)
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &snap); err != nil {
		t.Fatal(err)
	}
	if snap.Tracking {
		t.Fatal("expected tracking stopped")
	}
}

func TestTrackingStartRejectsBadSession(t *testing.T) {
	mux, _, _ := setupTest(t)
	req := httptest.NewRequest(http.MethodPost, "/ops/tracking/start", bytes.NewBufferString(`{"session_id":0}`))
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
}

func TestKeepaliveEndpoints(t *testing.T) {
	mux, _, ka := setupTest(t)

	req := httptest.NewRequest(http.MethodPost, "/ops/keepalive/acquire", bytes.NewBufferString(`{"owner":"ui-session"}`))
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("acquire: status %d", rr.Code)
	}
	if !ka.Active() {
		t.Fatal("stream not started by acquire")
	}

	req = httptest.NewRequest(http.MethodPost, "/ops/keepalive/release", bytes.NewBufferString(`{"owner":"ui-session"}`))
	rr = httptest.NewRecorder()
	mux.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("release: status %d", rr.Code)
	}
	if ka.Active() {
		t.Fatal("stream not stopped by release")
	}
}

func TestStrategyEndpoint(t *testing.T) {
	mux, _, _ := setupTest(t)

	req := httptest.NewRequest(http.MethodPut, "/ops/provider/strategy", bytes.NewBufferString(`{"strategy":"secondary_only"}`))
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("put: status %d", rr.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/ops/provider/strategy", nil)
	rr = httptest.NewRecorder()
	mux.ServeHTTP(rr, req)
	var got map[string]string
	if err := json.Unmarshal(rr.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if got["strategy"] != "secondary_only" {
		t.Fatalf("strategy not applied: %v", got)
	}

	req = httptest.NewRequest(http.MethodPut, "/ops/provider/strategy", bytes.NewBufferString(`{"strategy":"bogus"}`))
	rr = httptest.NewRecorder()
	mux.ServeHTTP(rr, req)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bogus strategy, got %d", rr.Code)
	}
}

func TestQueueEndpointRequiresSession(t *testing.T) {
	mux, _, _ := setupTest(t)
	req := httptest.NewRequest(http.MethodGet, "/ops/queue", nil)
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
}
