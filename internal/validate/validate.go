// Package validate checks agent configuration before startup.
package validate

import (
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/examwatch/proctor/internal/config"
)

// Validator accumulates configuration problems so a broken config
// reports everything wrong at once.
type Validator struct{ errors []string }

func (v *Validator) AddError(format string, args ...interface{}) {
	v.errors = append(v.errors, fmt.Sprintf(format, args...))
}
func (v *Validator) HasErrors() bool  { return len(v.errors) > 0 }
func (v *Validator) Errors() []string { return v.errors }

// ValidateConfig delegates to per-section validators.
func ValidateConfig(cfg *config.Config) error {
	v := &Validator{}

	validateCameraConfig(v, &cfg.Camera)
	validateDetectorConfig(v, &cfg.Detector)
	validateMonitorConfig(v, &cfg.Monitor)
	validateBackendConfig(v, &cfg.Backend)
	validateStorageConfig(v, &cfg.Storage)

	if v.HasErrors() {
		return fmt.Errorf("configuration validation failed:\n%s", strings.Join(v.Errors(), "\n"))
	}
	return nil
}

func validateCameraConfig(v *Validator, c *config.CameraConfig) {
	if c.PreferredWidth < 0 || c.PreferredHeight < 0 {
		v.AddError("camera: preferred resolution must not be negative (%dx%d)", c.PreferredWidth, c.PreferredHeight)
	}
	if c.FrameRate < 0 || c.FrameRate > 120 {
		v.AddError("camera: frame rate %v out of range", c.FrameRate)
	}
}

func validateDetectorConfig(v *Validator, c *config.DetectorConfig) {
	switch c.Mode {
	case "cascade":
		for _, f := range []string{c.FaceCascadeFile, c.EyeCascadeFile} {
			if f == "" {
				v.AddError("detector: cascade mode requires both cascade files")
				continue
			}
			if _, err := os.Stat(f); err != nil {
				v.AddError("detector: cascade file %q not readable: %v", f, err)
			}
		}
	case "remote":
		if c.RemoteURL == "" {
			v.AddError("detector: remote mode requires a service URL")
		} else if u, err := url.Parse(c.RemoteURL); err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
			v.AddError("detector: remote URL %q must be ws:// or wss://", c.RemoteURL)
		}
	default:
		v.AddError("detector: unknown mode %q (want cascade or remote)", c.Mode)
	}
	if c.MinConfidence < 0 || c.MinConfidence > 1 {
		v.AddError("detector: min confidence %v must be in [0,1]", c.MinConfidence)
	}
}

func validateMonitorConfig(v *Validator, c *config.MonitorConfig) {
	if c.AllowedFaces < 1 {
		v.AddError("monitor: allowed faces must be at least 1, got %d", c.AllowedFaces)
	}
	if c.YawThresholdDeg <= 0 || c.YawThresholdDeg > 90 {
		v.AddError("monitor: yaw threshold %v out of range (0,90]", c.YawThresholdDeg)
	}
	if c.PitchThresholdDeg <= 0 || c.PitchThresholdDeg > 90 {
		v.AddError("monitor: pitch threshold %v out of range (0,90]", c.PitchThresholdDeg)
	}
	if c.GazeOffsetThreshold <= 0 || c.GazeOffsetThreshold > 1 {
		v.AddError("monitor: gaze offset threshold %v out of range (0,1]", c.GazeOffsetThreshold)
	}
	if c.SustainDuration < 0 {
		v.AddError("monitor: sustain duration must not be negative")
	}
	if c.Cooldown < 0 {
		v.AddError("monitor: cooldown must not be negative")
	}
	if c.Cooldown > 0 && c.Cooldown < c.SustainDuration {
		v.AddError("monitor: cooldown %v shorter than sustain duration %v", c.Cooldown, c.SustainDuration)
	}
}

func validateBackendConfig(v *Validator, c *config.BackendConfig) {
	if c.BaseURL == "" {
		v.AddError("backend: base URL is required")
		return
	}
	if u, err := url.Parse(c.BaseURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		v.AddError("backend: base URL %q must be http or https", c.BaseURL)
	}
}

func validateStorageConfig(v *Validator, c *config.StorageConfig) {
	// Both storage backends are optional, but a partially specified
	// MinIO section is a misconfiguration.
	if c.MinIOEndpoint != "" {
		if c.MinIOAccessKey == "" || c.MinIOSecretKey == "" {
			v.AddError("storage: minio endpoint set but credentials missing")
		}
		if c.MinIOBucket == "" {
			v.AddError("storage: minio endpoint set but bucket missing")
		}
	}
}
