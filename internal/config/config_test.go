package config

import (
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg := NewDefaultConfig()

	if cfg.APIAddr != "localhost:7600" {
		t.Fatalf("api addr = %q", cfg.APIAddr)
	}
	if cfg.Camera.PreferredWidth != 1280 || cfg.Camera.PreferredHeight != 720 {
		t.Fatalf("camera defaults = %dx%d", cfg.Camera.PreferredWidth, cfg.Camera.PreferredHeight)
	}
	if cfg.Detector.Mode != "cascade" {
		t.Fatalf("detector mode = %q", cfg.Detector.Mode)
	}
	if cfg.Monitor.AllowedFaces != 1 {
		t.Fatalf("allowed faces = %d", cfg.Monitor.AllowedFaces)
	}
	if cfg.Monitor.SustainDuration != time.Second || cfg.Monitor.Cooldown != 10*time.Second {
		t.Fatalf("debounce defaults = %v/%v", cfg.Monitor.SustainDuration, cfg.Monitor.Cooldown)
	}
	if cfg.Storage.PostgresDSN != "" || cfg.Storage.MinIOEndpoint != "" {
		t.Fatal("storage backends must default to disabled")
	}
}

func TestLoadReadsEnvironment(t *testing.T) {
	t.Setenv("PROCTOR_API_ADDR", "localhost:9999")
	t.Setenv("PROCTOR_DETECTOR_MODE", "remote")
	t.Setenv("PROCTOR_DETECTOR_URL", "ws://inference.local/detect")
	t.Setenv("PROCTOR_SUSTAIN_DURATION", "2s")
	t.Setenv("PROCTOR_ALLOWED_FACES", "2")
	t.Setenv("PROCTOR_MINIO_SSL", "true")

	cfg := Load()

	if cfg.APIAddr != "localhost:9999" {
		t.Fatalf("api addr = %q", cfg.APIAddr)
	}
	if cfg.Detector.Mode != "remote" || cfg.Detector.RemoteURL != "ws://inference.local/detect" {
		t.Fatalf("detector = %q %q", cfg.Detector.Mode, cfg.Detector.RemoteURL)
	}
	if cfg.Monitor.SustainDuration != 2*time.Second {
		t.Fatalf("sustain = %v", cfg.Monitor.SustainDuration)
	}
	if cfg.Monitor.AllowedFaces != 2 {
		t.Fatalf("allowed faces = %d", cfg.Monitor.AllowedFaces)
	}
	if !cfg.Storage.MinIOUseSSL {
		t.Fatal("minio ssl flag not read")
	}
}

func TestLoadIgnoresInvalidValues(t *testing.T) {
	t.Setenv("PROCTOR_ALLOWED_FACES", "lots")
	t.Setenv("PROCTOR_SUSTAIN_DURATION", "sometime")
	t.Setenv("PROCTOR_MINIO_SSL", "perhaps")

	cfg := Load()

	if cfg.Monitor.AllowedFaces != 1 {
		t.Fatalf("invalid int should keep default, got %d", cfg.Monitor.AllowedFaces)
	}
	if cfg.Monitor.SustainDuration != time.Second {
		t.Fatalf("invalid duration should keep default, got %v", cfg.Monitor.SustainDuration)
	}
	if cfg.Storage.MinIOUseSSL {
		t.Fatal("invalid bool should keep default")
	}
}
