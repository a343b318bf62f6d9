package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/examwatch/proctor/internal/api"
	"github.com/examwatch/proctor/internal/camera"
	"github.com/examwatch/proctor/internal/config"
	"github.com/examwatch/proctor/internal/detect"
	"github.com/examwatch/proctor/internal/enroll"
	"github.com/examwatch/proctor/internal/heuristics"
	"github.com/examwatch/proctor/internal/monitor"
	"github.com/examwatch/proctor/internal/report"
	"github.com/examwatch/proctor/internal/validate"
)

// Application holds all wired components.
type Application struct {
	config    *config.Config
	broker    *camera.Broker
	session   *monitor.Session
	apiServer *api.Server
	registrar *enroll.Registrar
	store     *enroll.Store
	logger    *zap.Logger
}

func main() {
	cfg := config.Load()

	var (
		attemptID    = flag.String("attempt", "", "assessment attempt ID")
		assessmentID = flag.String("assessment", "", "assessment ID")
		userID       = flag.String("user", "", "student user ID")
		register     = flag.Bool("register", false, "run face registration and exit")
		verify       = flag.Bool("verify", false, "run face verification and exit")
		samples      = flag.Int("samples", 3, "face samples to capture during registration")
	)
	flag.StringVar(&cfg.APIAddr, "addr", cfg.APIAddr, "control API listen address")
	flag.Parse()

	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()
	zap.ReplaceGlobals(logger)

	if err := validate.ValidateConfig(cfg); err != nil {
		logger.Fatal("invalid configuration", zap.Error(err))
	}

	app, err := NewApplication(cfg, report.Identifiers{
		AttemptID:    *attemptID,
		AssessmentID: *assessmentID,
		UserID:       *userID,
	})
	if err != nil {
		logger.Fatal("failed to create application", zap.Error(err))
	}
	defer app.Cleanup()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch {
	case *register:
		if err := app.runRegistration(ctx, *userID, *samples); err != nil {
			logger.Fatal("registration failed", zap.Error(err))
		}
	case *verify:
		if err := app.runVerification(ctx, *userID); err != nil {
			logger.Fatal("verification failed", zap.Error(err))
		}
	default:
		if err := app.runMonitoring(ctx); err != nil {
			logger.Fatal("monitoring failed", zap.Error(err))
		}
	}
}

func NewApplication(cfg *config.Config, ids report.Identifiers) (*Application, error) {
	broker := camera.NewBroker(camera.NewDeviceOpener(),
		camera.Constraints{
			DeviceID:  cfg.Camera.DeviceID,
			Width:     cfg.Camera.PreferredWidth,
			Height:    cfg.Camera.PreferredHeight,
			FrameRate: cfg.Camera.FrameRate,
		},
		camera.Constraints{DeviceID: cfg.Camera.DeviceID},
	)

	factory := detectorFactory(cfg.Detector)

	httpCfg := report.HTTPClientConfig{
		BaseURL:   cfg.Backend.BaseURL,
		AuthToken: cfg.Backend.AuthToken,
		Timeout:   cfg.Backend.Timeout,
	}

	var opts []report.ReporterOption
	var store *enroll.Store
	var snapshots *enroll.SnapshotStore

	if cfg.Storage.PostgresDSN != "" {
		var err error
		store, err = enroll.NewStore(cfg.Storage.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("audit store: %w", err)
		}
		opts = append(opts, report.WithAudit(store))
	}
	if cfg.Storage.MinIOEndpoint != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		var err error
		snapshots, err = enroll.NewSnapshotStore(ctx, enroll.MinIOConfig{
			Endpoint:        cfg.Storage.MinIOEndpoint,
			AccessKeyID:     cfg.Storage.MinIOAccessKey,
			SecretAccessKey: cfg.Storage.MinIOSecretKey,
			UseSSL:          cfg.Storage.MinIOUseSSL,
			Bucket:          cfg.Storage.MinIOBucket,
		})
		if err != nil {
			return nil, fmt.Errorf("snapshot store: %w", err)
		}
		opts = append(opts, report.WithSnapshots(snapshots))
	}

	logger := zap.L().Named("app")

	reporter := report.NewReporter(ids,
		report.NewAnalyticsClient(httpCfg),
		report.NewStudentClient(httpCfg),
		func(kind string) {
			logger.Warn("violation detected", zap.String("kind", kind))
		},
		opts...)

	session := monitor.NewSession(monitor.Config{
		ConsumerID: "attention-monitor",
		Heuristics: heuristics.Config{
			AllowedFaces:        cfg.Monitor.AllowedFaces,
			YawThresholdDeg:     cfg.Monitor.YawThresholdDeg,
			PitchThresholdDeg:   cfg.Monitor.PitchThresholdDeg,
			GazeOffsetThreshold: cfg.Monitor.GazeOffsetThreshold,
			SustainDuration:     cfg.Monitor.SustainDuration,
			Cooldown:            cfg.Monitor.Cooldown,
			EscalationThresholds: map[heuristics.Kind]int{
				heuristics.KindTabSwitching: cfg.Monitor.TabSwitchThreshold,
			},
		},
		OnExceedThreshold: func(kind string, occurrences int) {
			logger.Error("violation threshold exceeded, escalating",
				zap.String("kind", kind),
				zap.Int("occurrences", occurrences))
		},
	}, broker, factory, reporter)

	// The registration flows reuse the same detector construction but
	// own their instance; stills capture never shares the monitor's.
	regDetector, err := factory()
	if err != nil {
		return nil, fmt.Errorf("registration detector: %w", err)
	}

	identity := enroll.NewIdentityClient(cfg.Backend.BaseURL, cfg.Backend.AuthToken, cfg.Backend.Timeout)
	registrar := enroll.NewRegistrar(broker, regDetector, snapshots, store, identity)

	return &Application{
		config:    cfg,
		broker:    broker,
		session:   session,
		apiServer: api.NewServer(cfg.APIAddr, session),
		registrar: registrar,
		store:     store,
		logger:    logger,
	}, nil
}

// detectorFactory returns the per-session detector constructor for the
// configured mode.
func detectorFactory(cfg config.DetectorConfig) monitor.DetectorFactory {
	base := detect.Config{MaxFaces: cfg.MaxFaces, MinConfidence: cfg.MinConfidence}

	if cfg.Mode == "remote" {
		return func() (detect.FaceLandmarkDetector, error) {
			return detect.NewRemoteDetector(detect.RemoteConfig{
				Config: base,
				URL:    cfg.RemoteURL,
			})
		}
	}
	return func() (detect.FaceLandmarkDetector, error) {
		return detect.NewCascadeDetector(detect.CascadeConfig{
			Config:          base,
			FaceCascadeFile: cfg.FaceCascadeFile,
			EyeCascadeFile:  cfg.EyeCascadeFile,
		})
	}
}

func (app *Application) runMonitoring(ctx context.Context) error {
	if err := app.session.Start(ctx); err != nil {
		// Setup failures are not fatal to the agent: the control API
		// stays up so the user can retry camera access.
		app.logger.Warn("monitoring unavailable, waiting for retry", zap.Error(err))
	}

	errCh := make(chan error, 1)
	go func() { errCh <- app.apiServer.Start() }()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("control API: %w", err)
		}
	}

	app.session.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return app.apiServer.Shutdown(shutdownCtx)
}

func (app *Application) runRegistration(ctx context.Context, userID string, samples int) error {
	if userID == "" {
		return fmt.Errorf("registration requires -user")
	}
	enrollments, err := app.registrar.Register(ctx, userID, samples)
	if err != nil {
		return err
	}
	app.logger.Info("registration complete",
		zap.String("user_id", userID),
		zap.Int("samples", len(enrollments)))
	return nil
}

func (app *Application) runVerification(ctx context.Context, userID string) error {
	if userID == "" {
		return fmt.Errorf("verification requires -user")
	}
	match, err := app.registrar.Verify(ctx, userID)
	if err != nil {
		return err
	}
	if !match {
		return fmt.Errorf("face verification did not match enrolled identity")
	}
	app.logger.Info("verification passed", zap.String("user_id", userID))
	return nil
}

func (app *Application) Cleanup() {
	app.session.Stop()
	if app.store != nil {
		app.store.Close()
	}
}
