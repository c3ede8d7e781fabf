package e2e

import (
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestStatus_NotFound(t *testing.T) {
	ta := setupApp(t)

	resp, err := doRequest(ta.app, http.MethodGet, "/status/does-not-exist", "", nil)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}

	assertStatus(t, resp, http.StatusNotFound)
	if code := errorCode(t, parseJSON(t, resp)); code != "NOT_FOUND" {
		t.Errorf("expected NOT_FOUND, got %q", code)
	}
}

func TestStatus_Processing(t *testing.T) {
	ta := setupApp(t)
	taskID := ta.upload(t)

	if err := ta.tracker.UpdateProgress(taskID, 18, "Generating scripts (1/4)"); err != nil {
		t.Fatal(err)
	}

	resp, err := doRequest(ta.app, http.MethodGet, "/status/"+taskID, "", nil)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	assertStatus(t, resp, http.StatusOK)

	body := parseJSON(t, resp)
	if body["task_id"] != taskID || body["status"] != "processing" {
		t.Errorf("unexpected status body: %v", body)
	}
	if body["progress"] != float64(18) || body["current_step"] != "Generating scripts (1/4)" {
		t.Errorf("unexpected progress: %v / %v", body["progress"], body["current_step"])
	}
	if _, ok := body["error_message"]; ok {
		t.Error("processing task must not carry error_message")
	}
	inputs, ok := body["inputs"].(map[string]interface{})
	if !ok || inputs["language"] != "korean" {
		t.Errorf("unexpected inputs: %v", body["inputs"])
	}
}

func TestStatus_Failed(t *testing.T) {
	ta := setupApp(t)
	taskID := ta.upload(t)

	if err := ta.tracker.UpdateProgress(taskID, 5, "Extracting pages"); err != nil {
		t.Fatal(err)
	}
	if err := ta.tracker.MarkFailed(taskID, "extract_pages: no pages could be extracted from the document"); err != nil {
		t.Fatal(err)
	}

	resp, err := doRequest(ta.app, http.MethodGet, "/status/"+taskID, "", nil)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	body := parseJSON(t, resp)
	if body["status"] != "failed" || body["progress"] != float64(5) {
		t.Errorf("unexpected failed body: %v", body)
	}
	if msg, _ := body["error_message"].(string); !strings.Contains(msg, "no pages") {
		t.Errorf("unexpected error_message: %v", body["error_message"])
	}
	if _, ok := body["completed_at"]; !ok {
		t.Error("failed task must carry completed_at")
	}
}

func TestDownload_NotFound(t *testing.T) {
	ta := setupApp(t)

	resp, err := doRequest(ta.app, http.MethodGet, "/download/does-not-exist", "", nil)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	assertStatus(t, resp, http.StatusNotFound)
}

func TestDownload_NotCompleted(t *testing.T) {
	ta := setupApp(t)
	taskID := ta.upload(t)

	resp, err := doRequest(ta.app, http.MethodGet, "/download/"+taskID, "", nil)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}

	assertStatus(t, resp, http.StatusBadRequest)
	if code := errorCode(t, parseJSON(t, resp)); code != "JOB_NOT_COMPLETED" {
		t.Errorf("expected JOB_NOT_COMPLETED, got %q", code)
	}
}

func TestDownload_Completed(t *testing.T) {
	ta := setupApp(t)
	taskID := ta.upload(t)
	ta.complete(t, taskID, "deck_korean.mp4")

	resp, err := doRequest(ta.app, http.MethodGet, "/download/"+taskID, "", nil)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}

	assertStatus(t, resp, http.StatusOK)
	if ct := resp.Header.Get("Content-Type"); ct != "video/mp4" {
		t.Errorf("expected video/mp4, got %q", ct)
	}
	if cd := resp.Header.Get("Content-Disposition"); !strings.Contains(cd, `filename="deck_korean.mp4"`) {
		t.Errorf("unexpected Content-Disposition: %q", cd)
	}
	if body := readBody(t, resp); body != "fake mp4 data" {
		t.Errorf("unexpected body: %q", body)
	}
}

func TestDownload_ArtifactMissing(t *testing.T) {
	ta := setupApp(t)
	taskID := ta.upload(t)
	path := ta.complete(t, taskID, "deck_korean.mp4")
	if err := os.Remove(path); err != nil {
		t.Fatal(err)
	}

	resp, err := doRequest(ta.app, http.MethodGet, "/download/"+taskID, "", nil)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	assertStatus(t, resp, http.StatusNotFound)
}

func TestListTasks(t *testing.T) {
	ta := setupApp(t)

	resp, err := doRequest(ta.app, http.MethodGet, "/tasks", "", nil)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	assertStatus(t, resp, http.StatusOK)
	body := parseJSON(t, resp)
	if tasks, ok := body["tasks"].([]interface{}); !ok || len(tasks) != 0 {
		t.Fatalf("expected empty task list, got %v", body["tasks"])
	}

	first := ta.upload(t)
	second := ta.upload(t)

	resp, err = doRequest(ta.app, http.MethodGet, "/tasks", "", nil)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	body = parseJSON(t, resp)
	tasks, ok := body["tasks"].([]interface{})
	if !ok || len(tasks) != 2 {
		t.Fatalf("expected 2 tasks, got %v", body["tasks"])
	}
	for i, want := range []string{first, second} {
		task := tasks[i].(map[string]interface{})
		if task["task_id"] != want {
			t.Errorf("task %d = %v, want %s", i, task["task_id"], want)
		}
		if task["status"] != "processing" {
			t.Errorf("task %d status = %v", i, task["status"])
		}
	}
}

func TestDeleteTask_NotFound(t *testing.T) {
	ta := setupApp(t)

	resp, err := doRequest(ta.app, http.MethodDelete, "/tasks/does-not-exist", "", nil)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	assertStatus(t, resp, http.StatusNotFound)
}

func TestDeleteTask(t *testing.T) {
	ta := setupApp(t)
	taskID := ta.upload(t)
	ta.complete(t, taskID, "deck_korean.mp4")

	resp, err := doRequest(ta.app, http.MethodDelete, "/tasks/"+taskID, "", nil)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	assertStatus(t, resp, http.StatusOK)
	if body := parseJSON(t, resp); body["message"] == nil {
		t.Error("expected 'message' in response")
	}

	for _, dir := range []string{filepath.Join(ta.workspace, taskID), filepath.Join(ta.outputs, taskID)} {
		if _, err := os.Stat(dir); !errors.Is(err, os.ErrNotExist) {
			t.Errorf("expected %s to be removed, stat err = %v", dir, err)
		}
	}

	resp, err = doRequest(ta.app, http.MethodGet, "/status/"+taskID, "", nil)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	assertStatus(t, resp, http.StatusNotFound)
}
