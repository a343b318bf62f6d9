// Package config holds all agent configuration.
package config

import (
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config is the full agent configuration.
type Config struct {
	APIAddr string

	Camera   CameraConfig
	Detector DetectorConfig
	Monitor  MonitorConfig
	Backend  BackendConfig
	Storage  StorageConfig
}

// CameraConfig describes the capture request. Preferred is tried first;
// Fallback should be minimal (zero width/height means "any").
type CameraConfig struct {
	DeviceID        string
	PreferredWidth  int
	PreferredHeight int
	FrameRate       float64
}

// DetectorConfig selects and tunes the landmark detector.
type DetectorConfig struct {
	// Mode is "cascade" (local OpenCV) or "remote" (websocket service).
	Mode string

	FaceCascadeFile string
	EyeCascadeFile  string

	RemoteURL string

	MaxFaces      int
	MinConfidence float64
}

// MonitorConfig tunes the violation heuristics.
type MonitorConfig struct {
	AllowedFaces        int
	YawThresholdDeg     float64
	PitchThresholdDeg   float64
	GazeOffsetThreshold float64
	SustainDuration     time.Duration
	Cooldown            time.Duration
	TabSwitchThreshold  int
}

// BackendConfig points at the assessment backend.
type BackendConfig struct {
	BaseURL   string
	AuthToken string
	Timeout   time.Duration
}

// StorageConfig enables the optional local audit trail and snapshot
// store. Empty values disable the corresponding backend.
type StorageConfig struct {
	PostgresDSN string

	MinIOEndpoint  string
	MinIOAccessKey string
	MinIOSecretKey string
	MinIOBucket    string
	MinIOUseSSL    bool
}

// NewDefaultConfig returns a Config with default values.
func NewDefaultConfig() *Config {
	return &Config{
		APIAddr: "localhost:7600",
		Camera: CameraConfig{
			PreferredWidth:  1280,
			PreferredHeight: 720,
			FrameRate:       15,
		},
		Detector: DetectorConfig{
			Mode:            "cascade",
			FaceCascadeFile: "models/haarcascade_frontalface_default.xml",
			EyeCascadeFile:  "models/haarcascade_eye.xml",
			MaxFaces:        4,
			MinConfidence:   0.5,
		},
		Monitor: MonitorConfig{
			AllowedFaces:        1,
			YawThresholdDeg:     30,
			PitchThresholdDeg:   20,
			GazeOffsetThreshold: 0.45,
			SustainDuration:     time.Second,
			Cooldown:            10 * time.Second,
			TabSwitchThreshold:  2,
		},
		Backend: BackendConfig{
			BaseURL: "http://localhost:8080",
			Timeout: 10 * time.Second,
		},
	}
}

// Load builds the config from defaults, an optional .env file and
// environment variables.
func Load() *Config {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using system environment variables")
	}

	cfg := NewDefaultConfig()

	cfg.APIAddr = getEnv("PROCTOR_API_ADDR", cfg.APIAddr)

	cfg.Camera.DeviceID = getEnv("PROCTOR_CAMERA_DEVICE", cfg.Camera.DeviceID)
	cfg.Camera.PreferredWidth = getEnvInt("PROCTOR_CAMERA_WIDTH", cfg.Camera.PreferredWidth)
	cfg.Camera.PreferredHeight = getEnvInt("PROCTOR_CAMERA_HEIGHT", cfg.Camera.PreferredHeight)

	cfg.Detector.Mode = getEnv("PROCTOR_DETECTOR_MODE", cfg.Detector.Mode)
	cfg.Detector.FaceCascadeFile = getEnv("PROCTOR_FACE_CASCADE", cfg.Detector.FaceCascadeFile)
	cfg.Detector.EyeCascadeFile = getEnv("PROCTOR_EYE_CASCADE", cfg.Detector.EyeCascadeFile)
	cfg.Detector.RemoteURL = getEnv("PROCTOR_DETECTOR_URL", cfg.Detector.RemoteURL)

	cfg.Monitor.AllowedFaces = getEnvInt("PROCTOR_ALLOWED_FACES", cfg.Monitor.AllowedFaces)
	cfg.Monitor.SustainDuration = getEnvDuration("PROCTOR_SUSTAIN_DURATION", cfg.Monitor.SustainDuration)
	cfg.Monitor.Cooldown = getEnvDuration("PROCTOR_COOLDOWN", cfg.Monitor.Cooldown)
	cfg.Monitor.TabSwitchThreshold = getEnvInt("PROCTOR_TAB_SWITCH_THRESHOLD", cfg.Monitor.TabSwitchThreshold)

	cfg.Backend.BaseURL = getEnv("PROCTOR_BACKEND_URL", cfg.Backend.BaseURL)
	cfg.Backend.AuthToken = getEnv("PROCTOR_BACKEND_TOKEN", cfg.Backend.AuthToken)

	cfg.Storage.PostgresDSN = getEnv("PROCTOR_POSTGRES_DSN", cfg.Storage.PostgresDSN)
	cfg.Storage.MinIOEndpoint = getEnv("PROCTOR_MINIO_ENDPOINT", cfg.Storage.MinIOEndpoint)
	cfg.Storage.MinIOAccessKey = getEnv("PROCTOR_MINIO_ACCESS_KEY", cfg.Storage.MinIOAccessKey)
	cfg.Storage.MinIOSecretKey = getEnv("PROCTOR_MINIO_SECRET_KEY", cfg.Storage.MinIOSecretKey)
	cfg.Storage.MinIOBucket = getEnv("PROCTOR_MINIO_BUCKET", cfg.Storage.MinIOBucket)
	cfg.Storage.MinIOUseSSL = getEnvBool("PROCTOR_MINIO_SSL", cfg.Storage.MinIOUseSSL)

	return cfg
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
		log.Printf("Invalid integer for %s: %q, using %d", key, v, fallback)
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
		log.Printf("Invalid boolean for %s: %q, using %v", key, v, fallback)
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
		log.Printf("Invalid duration for %s: %q, using %v", key, v, fallback)
	}
	return fallback
}
