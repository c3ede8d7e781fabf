package service

import (
	"context"
	"os/exec"
	"time"
)

// ToolStatus describes whether one external tool can be used.
type ToolStatus struct {
	Ready   bool   `json:"ready"`
	Message string `json:"message"`
	Hint    string `json:"hint,omitempty"`
}

// HealthServices summarizes the optional backing services.
type HealthServices struct {
	LLM     bool   `json:"llm"`
	Storage string `json:"storage"`
	Redis   string `json:"redis"`
	NATS    string `json:"nats"`
}

// HealthReport is the body of GET /health.
type HealthReport struct {
	Status    string                `json:"status"`
	Timestamp int64                 `json:"timestamp"`
	Services  HealthServices        `json:"services"`
	Tools     map[string]ToolStatus `json:"tools"`
}

// HealthDeps wires the checks. Nil funcs mean the service is disabled.
type HealthDeps struct {
	MutoolPath  string
	FFmpegPath  string
	FFprobePath string

	LookPath          func(string) (string, error)
	VibeVoiceReady    func() bool
	SilentFallback    bool
	LLMConfigured     bool
	StorageDriver     string
	RedisPing         func(ctx context.Context) error
	EventBusConnected func() bool
}

type HealthService struct {
	deps HealthDeps
}

func NewHealthService(deps HealthDeps) *HealthService {
	if deps.LookPath == nil {
		deps.LookPath = exec.LookPath
	}
	if deps.StorageDriver == "" {
		deps.StorageDriver = "none"
	}
	return &HealthService{deps: deps}
}

// Check reports tool availability and backing service state. Status is
// "degraded" when a tool the pipeline cannot run without is missing;
// VibeVoice counts unless silent narration is enabled.
func (s *HealthService) Check(ctx context.Context) HealthReport {
	tools := map[string]ToolStatus{
		"mutool":  s.binary(s.deps.MutoolPath, "install MuPDF tools (apt install mupdf-tools / brew install mupdf-tools)"),
		"ffmpeg":  s.binary(s.deps.FFmpegPath, "install ffmpeg (apt install ffmpeg / brew install ffmpeg)"),
		"ffprobe": s.binary(s.deps.FFprobePath, "ffprobe ships with ffmpeg"),
	}

	status := "ok"
	for _, t := range tools {
		if !t.Ready {
			status = "degraded"
		}
	}

	if s.deps.VibeVoiceReady != nil && s.deps.VibeVoiceReady() {
		tools["vibevoice"] = ToolStatus{Ready: true, Message: "VibeVoice checkout found"}
	} else if s.deps.SilentFallback {
		tools["vibevoice"] = ToolStatus{
			Ready:   false,
			Message: "VibeVoice not installed, narration will be silent",
			Hint:    "clone VibeVoice and set VIBEVOICE_DIR",
		}
	} else {
		status = "degraded"
		tools["vibevoice"] = ToolStatus{
			Ready:   false,
			Message: "VibeVoice not installed, jobs will fail at voice synthesis",
			Hint:    "clone VibeVoice and set VIBEVOICE_DIR, or set TTS_SILENT_FALLBACK=true",
		}
	}

	return HealthReport{
		Status:    status,
		Timestamp: time.Now().Unix(),
		Services: HealthServices{
			LLM:     s.deps.LLMConfigured,
			Storage: s.deps.StorageDriver,
			Redis:   s.redisState(ctx),
			NATS:    s.natsState(),
		},
		Tools: tools,
	}
}

func (s *HealthService) binary(name, hint string) ToolStatus {
	if name == "" {
		return ToolStatus{Ready: false, Message: "not configured", Hint: hint}
	}
	path, err := s.deps.LookPath(name)
	if err != nil {
		return ToolStatus{Ready: false, Message: name + " not found in PATH", Hint: hint}
	}
	return ToolStatus{Ready: true, Message: path}
}

func (s *HealthService) redisState(ctx context.Context) string {
	if s.deps.RedisPing == nil {
		return "disabled"
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := s.deps.RedisPing(ctx); err != nil {
		return "unavailable"
	}
	return "ok"
}

func (s *HealthService) natsState() string {
	if s.deps.EventBusConnected == nil {
		return "disabled"
	}
	if !s.deps.EventBusConnected() {
		return "disconnected"
	}
	return "ok"
}
