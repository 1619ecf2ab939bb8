package e2e

import (
	"bytes"
	"io"
	"net/http"
	"testing"
	"time"
)

// createArtifact creates an artifact through the API and returns its id.
func createArtifact(t *testing.T, sp *serverProc, kind string) string {
	t.Helper()

	status, body := postJSON(t, sp.url+"/v1/artifacts", map[string]string{"kind": kind})
	if status != 201 {
		t.Fatalf("create artifact status = %d, want 201 (%v)", status, body)
	}
	id, ok := body["id"].(string)
	if !ok || id == "" {
		t.Fatalf("created artifact missing id: %v", body)
	}
	return id
}

// uploadContent stores bytes into an artifact through the API.
func uploadContent(t *testing.T, sp *serverProc, id string, content []byte) {
	t.Helper()

	req, _ := http.NewRequest("PUT", sp.url+"/v1/artifacts/"+id+"/content", bytes.NewReader(content))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("PUT content: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != 200 {
		t.Fatalf("upload status = %d, want 200", resp.StatusCode)
	}
}

// waitForRun polls a run until it reaches the wanted status; any other
// terminal status fails the test.
func waitForRun(t *testing.T, sp *serverProc, id, want string) map[string]any {
	t.Helper()

	deadline := time.Now().Add(15 * time.Second)
	for time.Now().Before(deadline) {
		status, rec := getJSON(t, sp.url+"/v1/runs/"+id)
		if status != 200 {
			t.Fatalf("get run status = %d, want 200", status)
		}
		st, _ := rec["status"].(string)
		if st == want {
			return rec
		}
		switch st {
		case "succeeded", "failed", "backend-error", "cancelled":
			t.Fatalf("run %s reached %q (error %v), want %q", id, st, rec["error"], want)
		}
		time.Sleep(pollInterval)
	}
	t.Fatalf("run %s did not reach %q within 15s", id, want)
	return nil
}

// The full path: upload an input, run a real local process that transforms
// it into a declared output, then download the output.
func TestRunTransformsArtifact(t *testing.T) {
	binary := getBinary(t)
	sp := startServer(t, binary)

	in := createArtifact(t, sp, "input")
	uploadContent(t, sp, in, []byte("gantry end to end\n"))
	out := createArtifact(t, sp, "output")

	status, rec := postJSON(t, sp.url+"/v1/runs", map[string]any{
		"platform": "local",
		"command":  []string{"sh", "-c", `tr a-z A-Z < "$GANTRY_INPUT_SRC" > "$GANTRY_OUTPUT_OUT"`},
		"inputs":   map[string]string{"src": in},
		"outputs":  map[string]string{"out": out},
	})
	if status != 202 {
		t.Fatalf("submit status = %d, want 202 (%v)", status, rec)
	}
	runID, _ := rec["id"].(string)

	final := waitForRun(t, sp, runID, "succeeded")
	if code, ok := final["exit_code"].(float64); !ok || code != 0 {
		t.Errorf("exit_code = %v, want 0", final["exit_code"])
	}
	populated, _ := final["populated"].(map[string]any)
	if populated["out"] != true {
		t.Errorf("populated = %v, want out populated", populated)
	}

	resp, err := http.Get(sp.url + "/v1/artifacts/" + out + "/content")
	if err != nil {
		t.Fatalf("GET output content: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != 200 {
		t.Fatalf("content status = %d, want 200", resp.StatusCode)
	}
	got, _ := io.ReadAll(resp.Body)
	if string(got) != "GANTRY END TO END\n" {
		t.Errorf("output content = %q, want %q", got, "GANTRY END TO END\n")
	}

	// The run held the only reference to the input; consuming it destroyed it.
	_, inArt := getJSON(t, sp.url+"/v1/artifacts/"+in)
	if inArt["state"] != "destroyed" {
		t.Errorf("input state = %v, want destroyed", inArt["state"])
	}
}

func TestFailedRunRevertsOutputs(t *testing.T) {
	binary := getBinary(t)
	sp := startServer(t, binary)

	in := createArtifact(t, sp, "input")
	uploadContent(t, sp, in, []byte("keep me\n"))
	out := createArtifact(t, sp, "output")

	status, rec := postJSON(t, sp.url+"/v1/runs", map[string]any{
		"command": []string{"sh", "-c", "exit 3"},
		"inputs":  map[string]string{"src": in},
		"outputs": map[string]string{"bin": out},
	})
	if status != 202 {
		t.Fatalf("submit status = %d, want 202 (%v)", status, rec)
	}
	runID, _ := rec["id"].(string)

	final := waitForRun(t, sp, runID, "failed")
	if code, ok := final["exit_code"].(float64); !ok || code != 3 {
		t.Errorf("exit_code = %v, want 3", final["exit_code"])
	}

	// The reservation reverted; nothing half-succeeded.
	_, outArt := getJSON(t, sp.url+"/v1/artifacts/"+out)
	if outArt["state"] != "unmaterialized" {
		t.Errorf("output state = %v, want unmaterialized", outArt["state"])
	}

	// Failed runs keep their inputs for a retry.
	_, inArt := getJSON(t, sp.url+"/v1/artifacts/"+in)
	if inArt["state"] != "materialized" {
		t.Errorf("input state = %v, want materialized", inArt["state"])
	}
}

func TestRunLogHistoryCapturesOutput(t *testing.T) {
	binary := getBinary(t)
	sp := startServer(t, binary)

	status, rec := postJSON(t, sp.url+"/v1/runs", map[string]any{
		"command": []string{"sh", "-c", "echo building; echo done"},
	})
	if status != 202 {
		t.Fatalf("submit status = %d, want 202 (%v)", status, rec)
	}
	runID, _ := rec["id"].(string)
	waitForRun(t, sp, runID, "succeeded")

	histStatus, hist := getJSON(t, sp.url+"/v1/runs/"+runID+"/logs/history")
	if histStatus != 200 {
		t.Fatalf("history status = %d, want 200", histStatus)
	}

	lines, _ := hist["lines"].([]any)
	if len(lines) != 2 {
		t.Fatalf("lines = %v, want 2 entries", hist["lines"])
	}
	first, _ := lines[0].(map[string]any)
	second, _ := lines[1].(map[string]any)
	if first["line"] != "building" || second["line"] != "done" {
		t.Errorf("lines = %q, %q; want building, done", first["line"], second["line"])
	}
}

func TestCancelRun(t *testing.T) {
	binary := getBinary(t)
	sp := startServer(t, binary)

	status, rec := postJSON(t, sp.url+"/v1/runs", map[string]any{
		"command":   []string{"sh", "-c", "sleep 30"},
		"resources": map[string]int{"timeout_s": 60},
	})
	if status != 202 {
		t.Fatalf("submit status = %d, want 202 (%v)", status, rec)
	}
	runID, _ := rec["id"].(string)
	waitForRun(t, sp, runID, "running")

	req, _ := http.NewRequest("DELETE", sp.url+"/v1/runs/"+runID, nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE run: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != 202 {
		t.Errorf("cancel status = %d, want 202", resp.StatusCode)
	}

	waitForRun(t, sp, runID, "cancelled")
}
