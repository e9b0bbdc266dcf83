// Package config handles service configuration
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/clipforge/clipd/internal/errors"
)

// Config is loaded once at startup and injected into each component.
type Config struct {
	HTTPAddr string

	// Recorder
	ChunkCadence       time.Duration
	MaxChunkBytes      int
	SampleRate         int
	CaptureSystemAudio bool
	ExcludedDevices    []string
	FrameCaptureRate   float64 // Hz

	// Chunk store
	RetentionWindow time.Duration
	SweepInterval   time.Duration
	MaxBufferBytes  int64
	AdmitTimeout    time.Duration

	// Activity detection
	SilenceThresholdDB  float64
	MotionThreshold     float64
	ActivationThreshold float64
	AudioWeight         float64
	MotionWeight        float64
	KeywordWeight       float64
	ExcitementKeywords  []string
	InactiveDuration    time.Duration

	// AI fusion
	ConfidenceThreshold float64
	ContextPadding      time.Duration
	AITimeout           time.Duration
	AIBaseURL           string
	AIAPIKey            string
	AIModel             string

	// Clip assembly
	ClipPadding     time.Duration
	GapMerge        time.Duration
	MinClipDuration time.Duration
	MaxClipDuration time.Duration

	// Persistence and export
	SQLitePath  string
	S3Endpoint  string
	S3AccessKey string
	S3SecretKey string
	S3Bucket    string
	S3UseSSL    bool
}

func Load() *Config {
	return &Config{
		HTTPAddr: getEnv("HTTP_ADDR", ":8000"),

		ChunkCadence:       getEnvDurationSec("CHUNK_CADENCE_SEC", 30),
		MaxChunkBytes:      getEnvInt("MAX_CHUNK_MB", 50) * 1024 * 1024,
		SampleRate:         getEnvInt("SAMPLE_RATE", 16000),
		CaptureSystemAudio: getEnvBool("CAPTURE_SYSTEM_AUDIO", true),
		ExcludedDevices:    getEnvList("EXCLUDED_DEVICES", nil),
		FrameCaptureRate:   getEnvFloat("FRAME_CAPTURE_RATE", 1.0),

		RetentionWindow: time.Duration(getEnvInt("RETENTION_HOURS", 48)) * time.Hour,
		SweepInterval:   time.Duration(getEnvInt("CLEANUP_INTERVAL_MIN", 60)) * time.Minute,
		MaxBufferBytes:  int64(getEnvInt("MAX_BUFFER_MB", 2048)) * 1024 * 1024,
		AdmitTimeout:    getEnvDurationSec("ADMIT_TIMEOUT_SEC", 10),

		SilenceThresholdDB:  getEnvFloat("SILENCE_THRESHOLD_DB", -50),
		MotionThreshold:     getEnvFloat("MOTION_THRESHOLD", 0.3),
		ActivationThreshold: getEnvFloat("ACTIVATION_THRESHOLD", 0.5),
		AudioWeight:         getEnvFloat("AUDIO_WEIGHT", 0.2),
		MotionWeight:        getEnvFloat("MOTION_WEIGHT", 0.4),
		KeywordWeight:       getEnvFloat("KEYWORD_WEIGHT", 0.4),
		ExcitementKeywords: getEnvList("EXCITEMENT_KEYWORDS", []string{
			"wow", "omg", "insane", "crazy", "unbelievable",
			"lets go", "no way", "gg", "clutch", "epic",
		}),
		InactiveDuration: getEnvDurationSec("INACTIVE_DURATION_SEC", 60),

		ConfidenceThreshold: getEnvFloat("CONFIDENCE_THRESHOLD", 0.7),
		ContextPadding:      getEnvDurationSec("CONTEXT_PADDING_SEC", 10),
		AITimeout:           getEnvDurationSec("AI_TIMEOUT_SEC", 15),
		AIBaseURL:           getEnv("AI_BASE_URL", "https://api.groq.com/openai/v1"),
		AIAPIKey:            getEnv("AI_API_KEY", ""),
		AIModel:             getEnv("AI_MODEL", "llama-3.1-70b-versatile"),

		ClipPadding:     getEnvDurationSec("CLIP_PADDING_SEC", 3),
		GapMerge:        getEnvDurationSec("GAP_MERGE_SEC", 5),
		MinClipDuration: getEnvDurationSec("MIN_CLIP_SEC", 5),
		MaxClipDuration: getEnvDurationSec("MAX_CLIP_SEC", 300),

		SQLitePath:  getEnv("SQLITE_PATH", "clipd.db"),
		S3Endpoint:  getEnv("S3_ENDPOINT", ""),
		S3AccessKey: getEnv("S3_ACCESS_KEY", ""),
		S3SecretKey: getEnv("S3_SECRET_KEY", ""),
		S3Bucket:    getEnv("S3_BUCKET", "clips"),
		S3UseSSL:    getEnvBool("S3_USE_SSL", true),
	}
}

// Validate rejects configurations the pipeline cannot run with.
func (c *Config) Validate() error {
	if c.ChunkCadence <= 0 {
		return errors.New(errors.CodeConfigInvalid, "chunk cadence must be positive")
	}
	if c.MaxChunkBytes <= 0 {
		return errors.New(errors.CodeConfigInvalid, "max chunk size must be positive")
	}
	if c.RetentionWindow <= 0 || c.SweepInterval <= 0 {
		return errors.New(errors.CodeConfigInvalid, "retention window and sweep interval must be positive")
	}
	if c.SilenceThresholdDB >= 0 {
		return errors.Newf(errors.CodeConfigInvalid, "silence threshold %f must be negative dBFS", c.SilenceThresholdDB)
	}
	for name, v := range map[string]float64{
		"MOTION_THRESHOLD":     c.MotionThreshold,
		"ACTIVATION_THRESHOLD": c.ActivationThreshold,
		"CONFIDENCE_THRESHOLD": c.ConfidenceThreshold,
	} {
		if v < 0 || v > 1 {
			return errors.Newf(errors.CodeConfigInvalid, "%s=%f out of [0,1]", name, v)
		}
	}
	if c.AudioWeight < 0 || c.MotionWeight < 0 || c.KeywordWeight < 0 {
		return errors.New(errors.CodeConfigInvalid, "signal weights must be non-negative")
	}
	if c.AudioWeight+c.MotionWeight+c.KeywordWeight == 0 {
		return errors.New(errors.CodeConfigInvalid, "at least one signal weight must be positive")
	}
	if c.FrameCaptureRate <= 0 {
		return errors.New(errors.CodeConfigInvalid, "frame capture rate must be positive")
	}
	if c.MinClipDuration <= 0 || c.MaxClipDuration <= c.MinClipDuration {
		return errors.New(errors.CodeConfigInvalid, "clip duration bounds must satisfy 0 < min < max")
	}
	return nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		return v == "true" || v == "1"
	}
	return def
}

func getEnvDurationSec(key string, defSec float64) time.Duration {
	return time.Duration(getEnvFloat(key, defSec) * float64(time.Second))
}

func getEnvList(key string, def []string) []string {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		result := make([]string, 0, len(parts))
		for _, p := range parts {
			if t := strings.TrimSpace(p); t != "" {
				result = append(result, t)
			}
		}
		return result
	}
	return def
}
