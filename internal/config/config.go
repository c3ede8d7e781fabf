package config

import (
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// readSecret reads a Docker secret from a file path specified by an env var
// with _FILE suffix. If FOO is already set directly, the file is skipped.
// If FOO_FILE is set, reads the file content and sets FOO.
func readSecret(envKey string) {
	if os.Getenv(envKey) != "" {
		return
	}
	filePath := os.Getenv(envKey + "_FILE")
	if filePath == "" {
		return
	}
	data, err := os.ReadFile(filePath)
	if err != nil {
		return
	}
	os.Setenv(envKey, strings.TrimSpace(string(data)))
}

type Config struct {
	Server     ServerConfig
	Paths      PathsConfig
	Queue      QueueConfig
	Redis      RedisConfig
	RateLimit  RateLimitConfig
	LLM        LLMConfig
	Rasterizer RasterizerConfig
	TTS        TTSConfig
	Media      MediaConfig
	Storage    StorageConfig
	NATS       NATSConfig
}

type ServerConfig struct {
	Port        string
	Env         string
	LogLevel    string
	MaxUploadMB int
}

type PathsConfig struct {
	WorkspaceDir string
	OutputDir    string
}

type QueueConfig struct {
	Driver      string // local | asynq
	Concurrency int
}

type RedisConfig struct {
	Enabled  bool
	Addr     string
	Password string
	DB       int
}

type RateLimitConfig struct {
	UploadPerHour int
}

type LLMConfig struct {
	APIKey      string
	BaseURL     string
	Model       string
	MaxTokens   int
	Temperature float64
	TopP        float64
	Timeout     time.Duration
}

type RasterizerConfig struct {
	MutoolPath string
	DPI        int
}

type TTSConfig struct {
	VibeVoiceDir string
	PythonPath   string
	Device       string
	SpeakerName  string
	QualityMode  string
	Timeout      time.Duration

	// SilentFallback narrates with silence when VibeVoice is not installed.
	// Off by default so a missing install fails jobs instead.
	SilentFallback bool
}

type MediaConfig struct {
	FFmpegPath      string
	FFprobePath     string
	Width           int
	Height          int
	MinSlideSeconds int
}

type StorageConfig struct {
	Driver string // none | r2 | minio
	R2     R2Config
	Minio  MinioConfig
}

type R2Config struct {
	AccountID       string
	AccessKeyID     string
	SecretAccessKey string
	BucketName      string
	PublicURL       string
}

type MinioConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
	PublicURL string
}

type NATSConfig struct {
	URL           string
	SubjectPrefix string
}

func Load() (*Config, error) {
	// .env files are optional; values already in the environment win
	_ = godotenv.Load(".env.local")
	_ = godotenv.Load(".env")

	readSecret("LLM_API_KEY")
	readSecret("REDIS_PASSWORD")
	readSecret("R2_ACCOUNT_ID")
	readSecret("R2_ACCESS_KEY_ID")
	readSecret("R2_SECRET_ACCESS_KEY")
	readSecret("MINIO_ACCESS_KEY")
	readSecret("MINIO_SECRET_KEY")

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.AutomaticEnv()

	bindEnv(v)
	setDefaults(v)

	// Try to read config file (optional)
	_ = v.ReadInConfig()

	cfg := &Config{
		Server: ServerConfig{
			Port:        v.GetString("server.port"),
			Env:         v.GetString("server.env"),
			LogLevel:    v.GetString("server.log_level"),
			MaxUploadMB: v.GetInt("server.max_upload_mb"),
		},
		Paths: PathsConfig{
			WorkspaceDir: v.GetString("paths.workspace_dir"),
			OutputDir:    v.GetString("paths.output_dir"),
		},
		Queue: QueueConfig{
			Driver:      strings.ToLower(v.GetString("queue.driver")),
			Concurrency: v.GetInt("queue.concurrency"),
		},
		Redis: RedisConfig{
			Enabled:  v.GetBool("redis.enabled"),
			Addr:     v.GetString("redis.addr"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
		},
		RateLimit: RateLimitConfig{
			UploadPerHour: v.GetInt("ratelimit.upload_per_hour"),
		},
		LLM: LLMConfig{
			APIKey:      v.GetString("llm.api_key"),
			BaseURL:     v.GetString("llm.base_url"),
			Model:       v.GetString("llm.model"),
			MaxTokens:   v.GetInt("llm.max_tokens"),
			Temperature: v.GetFloat64("llm.temperature"),
			TopP:        v.GetFloat64("llm.top_p"),
			Timeout:     v.GetDuration("llm.timeout"),
		},
		Rasterizer: RasterizerConfig{
			MutoolPath: v.GetString("rasterizer.mutool_path"),
			DPI:        v.GetInt("rasterizer.dpi"),
		},
		TTS: TTSConfig{
			VibeVoiceDir: v.GetString("tts.vibevoice_dir"),
			PythonPath:   v.GetString("tts.python_path"),
			Device:       v.GetString("tts.device"),
			SpeakerName:  v.GetString("tts.speaker_name"),
			QualityMode:  v.GetString("tts.quality_mode"),
			Timeout:      v.GetDuration("tts.timeout"),

			SilentFallback: v.GetBool("tts.silent_fallback"),
		},
		Media: MediaConfig{
			FFmpegPath:      v.GetString("media.ffmpeg_path"),
			FFprobePath:     v.GetString("media.ffprobe_path"),
			Width:           v.GetInt("media.width"),
			Height:          v.GetInt("media.height"),
			MinSlideSeconds: v.GetInt("media.min_slide_seconds"),
		},
		Storage: StorageConfig{
			Driver: strings.ToLower(v.GetString("storage.driver")),
			R2: R2Config{
				AccountID:       v.GetString("storage.r2.account_id"),
				AccessKeyID:     v.GetString("storage.r2.access_key_id"),
				SecretAccessKey: v.GetString("storage.r2.secret_access_key"),
				BucketName:      v.GetString("storage.r2.bucket_name"),
				PublicURL:       v.GetString("storage.r2.public_url"),
			},
			Minio: MinioConfig{
				Endpoint:  v.GetString("storage.minio.endpoint"),
				AccessKey: v.GetString("storage.minio.access_key"),
				SecretKey: v.GetString("storage.minio.secret_key"),
				Bucket:    v.GetString("storage.minio.bucket"),
				UseSSL:    v.GetBool("storage.minio.use_ssl"),
				PublicURL: v.GetString("storage.minio.public_url"),
			},
		},
		NATS: NATSConfig{
			URL:           v.GetString("nats.url"),
			SubjectPrefix: v.GetString("nats.subject_prefix"),
		},
	}

	return cfg, nil
}

func bindEnv(v *viper.Viper) {
	_ = v.BindEnv("server.port", "SERVER_PORT")
	_ = v.BindEnv("server.env", "SERVER_ENV")
	_ = v.BindEnv("server.log_level", "LOG_LEVEL")
	_ = v.BindEnv("server.max_upload_mb", "MAX_UPLOAD_MB")
	_ = v.BindEnv("paths.workspace_dir", "WORKSPACE_DIR")
	_ = v.BindEnv("paths.output_dir", "OUTPUT_DIR")
	_ = v.BindEnv("queue.driver", "QUEUE_DRIVER")
	_ = v.BindEnv("queue.concurrency", "QUEUE_CONCURRENCY")
	_ = v.BindEnv("redis.enabled", "REDIS_ENABLED")
	_ = v.BindEnv("redis.addr", "REDIS_ADDR")
	_ = v.BindEnv("redis.password", "REDIS_PASSWORD")
	_ = v.BindEnv("redis.db", "REDIS_DB")
	_ = v.BindEnv("ratelimit.upload_per_hour", "RATELIMIT_UPLOAD_PER_HOUR")
	_ = v.BindEnv("llm.api_key", "LLM_API_KEY")
	_ = v.BindEnv("llm.base_url", "LLM_BASE_URL")
	_ = v.BindEnv("llm.model", "LLM_MODEL")
	_ = v.BindEnv("llm.max_tokens", "LLM_MAX_TOKENS")
	_ = v.BindEnv("llm.temperature", "LLM_TEMPERATURE")
	_ = v.BindEnv("llm.top_p", "LLM_TOP_P")
	_ = v.BindEnv("llm.timeout", "LLM_TIMEOUT")
	_ = v.BindEnv("rasterizer.mutool_path", "MUTOOL_PATH")
	_ = v.BindEnv("rasterizer.dpi", "RASTERIZER_DPI")
	_ = v.BindEnv("tts.vibevoice_dir", "VIBEVOICE_DIR")
	_ = v.BindEnv("tts.python_path", "VIBEVOICE_PYTHON")
	_ = v.BindEnv("tts.device", "VIBEVOICE_DEVICE")
	_ = v.BindEnv("tts.speaker_name", "VIBEVOICE_SPEAKER_NAME")
	_ = v.BindEnv("tts.quality_mode", "TTS_QUALITY_MODE")
	_ = v.BindEnv("tts.timeout", "TTS_TIMEOUT")
	_ = v.BindEnv("tts.silent_fallback", "TTS_SILENT_FALLBACK")
	_ = v.BindEnv("media.ffmpeg_path", "FFMPEG_PATH")
	_ = v.BindEnv("media.ffprobe_path", "FFPROBE_PATH")
	_ = v.BindEnv("media.width", "VIDEO_WIDTH")
	_ = v.BindEnv("media.height", "VIDEO_HEIGHT")
	_ = v.BindEnv("media.min_slide_seconds", "MIN_SLIDE_SECONDS")
	_ = v.BindEnv("storage.driver", "STORAGE_DRIVER")
	_ = v.BindEnv("storage.r2.account_id", "R2_ACCOUNT_ID")
	_ = v.BindEnv("storage.r2.access_key_id", "R2_ACCESS_KEY_ID")
	_ = v.BindEnv("storage.r2.secret_access_key", "R2_SECRET_ACCESS_KEY")
	_ = v.BindEnv("storage.r2.bucket_name", "R2_BUCKET_NAME")
	_ = v.BindEnv("storage.r2.public_url", "R2_PUBLIC_URL")
	_ = v.BindEnv("storage.minio.endpoint", "MINIO_ENDPOINT")
	_ = v.BindEnv("storage.minio.access_key", "MINIO_ACCESS_KEY")
	_ = v.BindEnv("storage.minio.secret_key", "MINIO_SECRET_KEY")
	_ = v.BindEnv("storage.minio.bucket", "MINIO_BUCKET")
	_ = v.BindEnv("storage.minio.use_ssl", "MINIO_USE_SSL")
	_ = v.BindEnv("storage.minio.public_url", "MINIO_PUBLIC_URL")
	_ = v.BindEnv("nats.url", "NATS_URL")
	_ = v.BindEnv("nats.subject_prefix", "NATS_SUBJECT_PREFIX")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "9200")
	v.SetDefault("server.env", "development")
	v.SetDefault("server.log_level", "info")
	v.SetDefault("server.max_upload_mb", 200)

	v.SetDefault("paths.workspace_dir", "temp")
	v.SetDefault("paths.output_dir", "outputs")

	v.SetDefault("queue.driver", "local")
	v.SetDefault("queue.concurrency", 2)

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("ratelimit.upload_per_hour", 20)

	// LLM defaults (any OpenAI-compatible vision endpoint)
	v.SetDefault("llm.base_url", "https://api.groq.com/openai/v1")
	v.SetDefault("llm.model", "meta-llama/llama-4-scout-17b-16e-instruct")
	v.SetDefault("llm.max_tokens", 200)
	v.SetDefault("llm.temperature", 0.7)
	v.SetDefault("llm.top_p", 0.95)
	v.SetDefault("llm.timeout", 60*time.Second)

	v.SetDefault("rasterizer.mutool_path", "mutool")
	v.SetDefault("rasterizer.dpi", 144)

	v.SetDefault("tts.vibevoice_dir", "")
	v.SetDefault("tts.python_path", "python")
	v.SetDefault("tts.device", "cuda")
	v.SetDefault("tts.speaker_name", "Speaker 1")
	v.SetDefault("tts.quality_mode", "stable_korean")
	v.SetDefault("tts.timeout", 10*time.Minute)
	v.SetDefault("tts.silent_fallback", false)

	v.SetDefault("media.ffmpeg_path", "ffmpeg")
	v.SetDefault("media.ffprobe_path", "ffprobe")
	v.SetDefault("media.width", 1920)
	v.SetDefault("media.height", 1080)
	v.SetDefault("media.min_slide_seconds", 5)

	v.SetDefault("storage.driver", "none")
	v.SetDefault("storage.minio.use_ssl", true)

	v.SetDefault("nats.subject_prefix", "slidevoice.tasks")
}
