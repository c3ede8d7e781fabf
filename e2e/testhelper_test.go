package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"github.com/slidevoice/api/internal/handler"
	"github.com/slidevoice/api/internal/logging"
	"github.com/slidevoice/api/internal/middleware"
	"github.com/slidevoice/api/internal/model"
	"github.com/slidevoice/api/internal/service"
	ws "github.com/slidevoice/api/internal/websocket"
)

// recordingDispatcher accepts jobs without running them, so tests drive the
// tracker by hand.
type recordingDispatcher struct {
	mu   sync.Mutex
	ids  []string
	fail bool
}

func (d *recordingDispatcher) Submit(ctx context.Context, jobID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fail {
		return errors.New("queue unavailable")
	}
	d.ids = append(d.ids, jobID)
	return nil
}

// testApp holds all components needed for testing
type testApp struct {
	app        *fiber.App
	tracker    *service.JobTracker
	dispatcher *recordingDispatcher
	workspace  string
	outputs    string
}

// setupApp creates a Fiber app wired like main.go, with a recording
// dispatcher, no redis and every external tool reported as installed.
func setupApp(t *testing.T) *testApp {
	t.Helper()

	root := t.TempDir()
	workspace := filepath.Join(root, "temp")
	outputs := filepath.Join(root, "outputs")
	for _, dir := range []string{workspace, outputs} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			t.Fatal(err)
		}
	}

	logger := logging.Discard()
	tracker := service.NewJobTracker()
	dispatcher := &recordingDispatcher{}

	hub := ws.NewHub(logger)
	go hub.Run()
	t.Cleanup(hub.Stop)

	taskService := service.NewTaskService(tracker, dispatcher, nil, nil, validator.New(), service.TaskOptions{
		WorkspaceDir: workspace,
		OutputDir:    outputs,
	}, logger)
	healthService := service.NewHealthService(service.HealthDeps{
		MutoolPath:  "mutool",
		FFmpegPath:  "ffmpeg",
		FFprobePath: "ffprobe",
		LookPath: func(name string) (string, error) {
			return "/usr/bin/" + name, nil
		},
		VibeVoiceReady: func() bool { return true },
	})

	taskHandler := handler.NewTaskHandler(taskService, hub, logger)
	healthHandler := handler.NewHealthHandler(healthService)
	rateLimiter := middleware.NewRateLimiter(nil, logger)

	app := fiber.New(fiber.Config{
		BodyLimit: 50 * 1024 * 1024,
	})

	app.Get("/", healthHandler.Root)
	app.Get("/health", healthHandler.Health)
	app.Post("/upload", rateLimiter.UploadLimit(20), taskHandler.Upload)
	app.Get("/status/:taskId", taskHandler.Status)
	app.Get("/download/:taskId", taskHandler.Download)
	app.Get("/tasks", taskHandler.List)
	app.Delete("/tasks/:taskId", taskHandler.Delete)

	return &testApp{
		app:        app,
		tracker:    tracker,
		dispatcher: dispatcher,
		workspace:  workspace,
		outputs:    outputs,
	}
}

// uploadForm describes one multipart upload.
type uploadForm struct {
	documentField string
	documentName  string
	voiceName     string
	fields        map[string]string
}

func defaultUpload() uploadForm {
	return uploadForm{
		documentField: "pdf_file",
		documentName:  "deck.pdf",
		voiceName:     "speaker.wav",
		fields:        map[string]string{"language": "korean"},
	}
}

// newUploadRequest builds a multipart/form-data POST /upload request.
func newUploadRequest(t *testing.T, form uploadForm) *http.Request {
	t.Helper()

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	for k, v := range form.fields {
		_ = writer.WriteField(k, v)
	}

	addFile := func(field, name, contentType string, data []byte) {
		if name == "" {
			return
		}
		partHeader := make(textproto.MIMEHeader)
		partHeader.Set("Content-Disposition", fmt.Sprintf(`form-data; name="%s"; filename="%s"`, field, name))
		partHeader.Set("Content-Type", contentType)
		part, err := writer.CreatePart(partHeader)
		if err != nil {
			t.Fatalf("failed to create form file: %v", err)
		}
		_, _ = part.Write(data)
	}
	addFile(form.documentField, form.documentName, "application/pdf", []byte("%PDF-1.4\n%fake\n"))
	addFile("speaker_audio", form.voiceName, "audio/wav", append([]byte("RIFF\x00\x00\x00\x00WAVEfmt "), make([]byte, 256)...))

	writer.Close()

	req, err := http.NewRequest(http.MethodPost, "/upload", &buf)
	if err != nil {
		t.Fatalf("failed to create request: %v", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	return req
}

// upload submits a valid upload and returns the new task id.
func (ta *testApp) upload(t *testing.T) string {
	t.Helper()
	resp, err := ta.app.Test(newUploadRequest(t, defaultUpload()), -1)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	assertStatus(t, resp, http.StatusAccepted)
	body := parseJSON(t, resp)
	id, _ := body["task_id"].(string)
	if id == "" {
		t.Fatalf("upload returned no task_id: %v", body)
	}
	return id
}

// complete finishes a task the way the pipeline would and returns the
// artifact path.
func (ta *testApp) complete(t *testing.T, taskID, filename string) string {
	t.Helper()
	dir := filepath.Join(ta.outputs, taskID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dir, filename)
	if err := os.WriteFile(path, []byte("fake mp4 data"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := ta.tracker.UpdateProgress(taskID, 80, "Finalizing"); err != nil {
		t.Fatal(err)
	}
	if err := ta.tracker.MarkCompleted(taskID, model.JobResult{ArtifactPath: path, DownloadFilename: filename}); err != nil {
		t.Fatal(err)
	}
	return path
}

// doRequest is a helper to perform HTTP requests against the test app.
func doRequest(app *fiber.App, method, path string, body string, headers map[string]string) (*http.Response, error) {
	var bodyReader io.Reader
	if body != "" {
		bodyReader = strings.NewReader(body)
	}

	req, err := http.NewRequest(method, path, bodyReader)
	if err != nil {
		return nil, err
	}

	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	return app.Test(req, -1)
}

// readBody reads and returns the response body as a string.
func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("failed to read response body: %v", err)
	}
	return string(b)
}

// parseJSON parses response body into a map.
func parseJSON(t *testing.T, resp *http.Response) map[string]interface{} {
	t.Helper()
	body := readBody(t, resp)
	var result map[string]interface{}
	if err := json.Unmarshal([]byte(body), &result); err != nil {
		t.Fatalf("failed to parse JSON: %v\nbody: %s", err, body)
	}
	return result
}

// errorCode extracts error.code from an error envelope.
func errorCode(t *testing.T, body map[string]interface{}) string {
	t.Helper()
	errObj, ok := body["error"].(map[string]interface{})
	if !ok {
		t.Fatalf("expected error envelope, got %v", body)
	}
	code, _ := errObj["code"].(string)
	return code
}

// assertStatus checks the HTTP status code.
func assertStatus(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	if resp.StatusCode != expected {
		t.Errorf("expected status %d, got %d", expected, resp.StatusCode)
	}
}
