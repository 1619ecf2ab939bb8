package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/driftworks/gantry/internal/artifact"
	"github.com/driftworks/gantry/internal/ledger"
)

// submitTestRun posts a run and returns the accepted record.
func submitTestRun(t *testing.T, ts *httptest.Server, body string) *ledger.RunRecord {
	t.Helper()

	resp, err := http.Post(ts.URL+"/v1/runs", "application/json", bytes.NewBufferString(body))
	if err != nil {
		t.Fatalf("POST /v1/runs: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", resp.StatusCode)
	}

	var rec ledger.RunRecord
	if err := json.NewDecoder(resp.Body).Decode(&rec); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return &rec
}

// waitForRun polls the run until it reaches the wanted status. Reaching a
// different terminal status fails the test.
func waitForRun(t *testing.T, ts *httptest.Server, id, want string) *ledger.RunRecord {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := http.Get(ts.URL + "/v1/runs/" + id)
		if err != nil {
			t.Fatalf("GET /v1/runs/%s: %v", id, err)
		}

		var rec ledger.RunRecord
		err = json.NewDecoder(resp.Body).Decode(&rec)
		resp.Body.Close()
		if err != nil {
			t.Fatalf("decode run: %v", err)
		}

		if rec.Status == want {
			return &rec
		}
		if ledger.TerminalStatus(rec.Status) {
			t.Fatalf("run %s reached %q (error %q), want %q", id, rec.Status, rec.Error, want)
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("run %s did not reach %q within 5s", id, want)
	return nil
}

func TestSubmitRunSucceeds(t *testing.T) {
	srv, _ := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	out := createTestArtifact(t, ts, artifact.KindOutput)

	body := fmt.Sprintf(`{"command":["make","all"],"outputs":{"bin":%q},"resources":{"timeout_s":30}}`, out.ID)
	rec := submitTestRun(t, ts, body)

	if rec.ID == "" {
		t.Fatal("expected run ID in accepted record")
	}
	if rec.Status != ledger.RunPending {
		t.Errorf("Status = %q, want %q", rec.Status, ledger.RunPending)
	}

	final := waitForRun(t, ts, rec.ID, ledger.RunSucceeded)
	if final.ExitCode == nil || *final.ExitCode != 0 {
		t.Errorf("ExitCode = %v, want 0", final.ExitCode)
	}
	if !final.Populated["bin"] {
		t.Errorf("Populated = %v, want bin populated", final.Populated)
	}

	// The declared output is now materialized and downloadable.
	resp, err := http.Get(ts.URL + "/v1/artifacts/" + out.ID + "/content")
	if err != nil {
		t.Fatalf("GET content: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("content status = %d, want 200", resp.StatusCode)
	}
}

func TestSubmitRunConsumesInputs(t *testing.T) {
	srv, _ := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	in := createTestArtifact(t, ts, artifact.KindInput)
	uploadTestContent(t, ts, in.ID, []byte("source"))
	out := createTestArtifact(t, ts, artifact.KindOutput)

	body := fmt.Sprintf(`{"command":["build"],"inputs":{"src":%q},"outputs":{"bin":%q}}`, in.ID, out.ID)
	rec := submitTestRun(t, ts, body)
	waitForRun(t, ts, rec.ID, ledger.RunSucceeded)

	// The run held the only reference, so finishing destroys the input.
	resp, err := http.Get(ts.URL + "/v1/artifacts/" + in.ID)
	if err != nil {
		t.Fatalf("GET artifact: %v", err)
	}
	defer resp.Body.Close()

	var gone artifact.Artifact
	json.NewDecoder(resp.Body).Decode(&gone)
	if gone.State != artifact.StateDestroyed {
		t.Errorf("input State = %q, want %q", gone.State, artifact.StateDestroyed)
	}
}

func TestSubmitRunFailureKeepsInputs(t *testing.T) {
	srv, rt := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	rt.mu.Lock()
	rt.status = "failed"
	rt.exitCode = 2
	rt.mu.Unlock()

	in := createTestArtifact(t, ts, artifact.KindInput)
	uploadTestContent(t, ts, in.ID, []byte("source"))
	out := createTestArtifact(t, ts, artifact.KindOutput)

	body := fmt.Sprintf(`{"command":["build"],"inputs":{"src":%q},"outputs":{"bin":%q}}`, in.ID, out.ID)
	rec := submitTestRun(t, ts, body)
	final := waitForRun(t, ts, rec.ID, ledger.RunFailed)

	if final.ExitCode == nil || *final.ExitCode != 2 {
		t.Errorf("ExitCode = %v, want 2", final.ExitCode)
	}

	// Failed runs leave their inputs retrievable for a retry.
	resp, err := http.Get(ts.URL + "/v1/artifacts/" + in.ID)
	if err != nil {
		t.Fatalf("GET artifact: %v", err)
	}
	defer resp.Body.Close()

	var kept artifact.Artifact
	json.NewDecoder(resp.Body).Decode(&kept)
	if kept.State != artifact.StateMaterialized {
		t.Errorf("input State = %q, want %q", kept.State, artifact.StateMaterialized)
	}

	// The reserved output reverted to unmaterialized.
	outResp, err := http.Get(ts.URL + "/v1/artifacts/" + out.ID)
	if err != nil {
		t.Fatalf("GET artifact: %v", err)
	}
	defer outResp.Body.Close()

	var reverted artifact.Artifact
	json.NewDecoder(outResp.Body).Decode(&reverted)
	if reverted.State != artifact.StateUnmaterialized {
		t.Errorf("output State = %q, want %q", reverted.State, artifact.StateUnmaterialized)
	}
}

func TestSubmitRunInvalidJSON(t *testing.T) {
	srv, _ := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/v1/runs", "application/json", bytes.NewBufferString("not json"))
	if err != nil {
		t.Fatalf("POST /v1/runs: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestSubmitRunMissingCommand(t *testing.T) {
	srv, _ := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/v1/runs", "application/json", bytes.NewBufferString(`{"platform":"local"}`))
	if err != nil {
		t.Fatalf("POST /v1/runs: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}

	var errResp map[string]string
	json.NewDecoder(resp.Body).Decode(&errResp)
	if errResp["error"] == "" {
		t.Error("expected error message in response")
	}
}

func TestSubmitRunUnknownPlatform(t *testing.T) {
	srv, _ := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/v1/runs", "application/json",
		bytes.NewBufferString(`{"platform":"mainframe","command":["true"]}`))
	if err != nil {
		t.Fatalf("POST /v1/runs: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestSubmitRunUnknownInput(t *testing.T) {
	srv, _ := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	body := `{"command":["build"],"inputs":{"src":"01JUNKJUNKJUNKJUNKJUNKJUNK"}}`
	rec := submitTestRun(t, ts, body)

	// The input pin fails inside the engine, after the 202.
	final := waitForRun(t, ts, rec.ID, ledger.RunBackendError)
	if final.Error == "" {
		t.Error("expected error message on run record")
	}
}

func TestGetRunNotFound(t *testing.T) {
	srv, _ := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/runs/nonexistent")
	if err != nil {
		t.Fatalf("GET /v1/runs/nonexistent: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestListRuns(t *testing.T) {
	srv, _ := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	var ids []string
	for range 3 {
		rec := submitTestRun(t, ts, `{"command":["true"]}`)
		ids = append(ids, rec.ID)
	}
	for _, id := range ids {
		waitForRun(t, ts, id, ledger.RunSucceeded)
	}

	resp, err := http.Get(ts.URL + "/v1/runs?limit=2")
	if err != nil {
		t.Fatalf("GET /v1/runs: %v", err)
	}
	defer resp.Body.Close()

	var listResp listRunsResponse
	json.NewDecoder(resp.Body).Decode(&listResp)

	if listResp.Total != 3 {
		t.Errorf("total = %d, want 3", listResp.Total)
	}
	if len(listResp.Runs) != 2 {
		t.Errorf("runs count = %d, want 2", len(listResp.Runs))
	}
	if listResp.Limit != 2 {
		t.Errorf("limit = %d, want 2", listResp.Limit)
	}
}

func TestListRunsEmpty(t *testing.T) {
	srv, _ := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/runs")
	if err != nil {
		t.Fatalf("GET /v1/runs: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}

	var listResp listRunsResponse
	json.NewDecoder(resp.Body).Decode(&listResp)
	if listResp.Total != 0 {
		t.Errorf("total = %d, want 0", listResp.Total)
	}
	if len(listResp.Runs) != 0 {
		t.Errorf("runs count = %d, want 0", len(listResp.Runs))
	}
}

func TestCancelRunningRun(t *testing.T) {
	srv, rt := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	rt.mu.Lock()
	rt.delay = 30 * time.Second
	rt.mu.Unlock()

	rec := submitTestRun(t, ts, `{"command":["sleep"]}`)
	waitForRun(t, ts, rec.ID, ledger.RunRunning)

	req, _ := http.NewRequest("DELETE", ts.URL+"/v1/runs/"+rec.ID, nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE /v1/runs/%s: %v", rec.ID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		t.Errorf("status = %d, want 202", resp.StatusCode)
	}

	waitForRun(t, ts, rec.ID, ledger.RunCancelled)
}

func TestCancelFinishedRun(t *testing.T) {
	srv, _ := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	rec := submitTestRun(t, ts, `{"command":["true"]}`)
	waitForRun(t, ts, rec.ID, ledger.RunSucceeded)

	req, _ := http.NewRequest("DELETE", ts.URL+"/v1/runs/"+rec.ID, nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE /v1/runs/%s: %v", rec.ID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusConflict {
		t.Errorf("status = %d, want 409", resp.StatusCode)
	}
}

func TestCancelRunNotFound(t *testing.T) {
	srv, _ := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	req, _ := http.NewRequest("DELETE", ts.URL+"/v1/runs/nonexistent", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE /v1/runs/nonexistent: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}
