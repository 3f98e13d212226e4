package daemonrun

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"

	"astoria/internal/bus"
	"astoria/internal/config"
	"astoria/internal/diskd"
	"astoria/internal/faults"
	"astoria/internal/ipc"
	"astoria/internal/logging"
	"astoria/internal/manager"
	"astoria/internal/metad"
	"astoria/internal/metrics"
	"astoria/internal/procd"
)

// Options configures daemon process runtime behavior.
type Options struct {
	// LogLevel overrides the configured level when set.
	LogLevel string
	// Bus replaces the MQTT client. Used by tests.
	Bus bus.Client
}

// NewImplementation builds the manager registered under name.
func NewImplementation(name string, cfg *config.Config, logger *slog.Logger) (manager.Implementation, error) {
	switch name {
	case ipc.ManagerDisk:
		return diskd.New(diskd.Options{Config: cfg.Astdiskd, Logger: logger}), nil
	case ipc.ManagerMetadata:
		return metad.New(metad.Options{Config: cfg, Logger: logger}), nil
	case ipc.ManagerProcess:
		return procd.New(procd.Options{Config: cfg, Logger: logger}), nil
	default:
		return nil, faults.Wrap(faults.ErrConfiguration, "daemon", "select manager", fmt.Sprintf("unknown manager %q", name), nil)
	}
}

// Run starts the named manager and blocks until a termination signal arrives
// or cmdCtx is canceled. Configuration problems are returned before anything
// touches the bus.
func Run(cmdCtx context.Context, cfg *config.Config, name string, opts Options) error {
	if cfg == nil {
		return faults.Wrap(faults.ErrConfiguration, "daemon", "start", "config is required", nil)
	}
	if !cfg.Enabled(name) {
		return faults.Wrap(faults.ErrConfiguration, "daemon", "start", name+" is disabled in the managers section", nil)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return faults.Wrap(faults.ErrConfiguration, "daemon", "start", "", err)
	}

	signalCtx, cancel := signal.NotifyContext(cmdCtx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	runCfg := *cfg
	if level := strings.TrimSpace(opts.LogLevel); level != "" {
		runCfg.Logging.Level = level
	}
	logger, err := logging.NewFromConfig(&runCfg, name)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}

	lockPath := filepath.Join(cfg.System.LockDir, name+".lock")
	lock := flock.New(lockPath)
	ok, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return fmt.Errorf("another %s instance is already running (lock %s)", name, lockPath)
	}
	defer func() {
		if err := lock.Unlock(); err != nil {
			logger.Warn("failed to release manager lock", logging.Error(err))
		}
	}()

	pidPath := filepath.Join(cfg.System.LockDir, name+".pid")
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	defer os.Remove(pidPath)

	logStartupSnapshot(logger, cfg, name)

	impl, err := NewImplementation(name, cfg, logger)
	if err != nil {
		return err
	}
	client := opts.Bus
	if client == nil {
		client = bus.NewMQTTClient(bus.MQTTOptions{
			Broker:           cfg.BrokerAddress(),
			ClientID:         name + "-" + uuid.NewString()[:8],
			Will:             manager.Will(cfg.MQTT.TopicPrefix, name),
			EnableTLS:        cfg.MQTT.EnableTLS,
			ForceProtocolV31: cfg.MQTT.ForceProtocolVersion31,
			ConnectTimeout:   time.Duration(cfg.MQTT.ConnectTimeoutSeconds) * time.Second,
			KeepAlive:        time.Duration(cfg.MQTT.KeepAliveSeconds) * time.Second,
			BufferSize:       cfg.MQTT.PublishBuffer,
			Logger:           logger,
		})
	}

	rt, err := manager.New(impl, manager.Options{
		Prefix:         cfg.MQTT.TopicPrefix,
		Bus:            client,
		Logger:         logger,
		RequestTimeout: cfg.RequestTimeout(),
	})
	if err != nil {
		return fmt.Errorf("create runtime: %w", err)
	}

	server := metrics.NewServer(cfg.Metrics.Bind, func() any { return rt.Snapshot() }, logger)
	serverDone := make(chan struct{})
	go func() {
		defer close(serverDone)
		if err := server.Run(signalCtx); err != nil {
			logging.WarnWithContext(logger, "metrics listener stopped", "metrics_listener_failed",
				logging.Error(err),
				logging.String("bind", cfg.Metrics.Bind),
				logging.String(logging.FieldImpact, "metrics unavailable; the manager keeps running"),
			)
		}
	}()

	runErr := rt.Run(signalCtx)
	cancel()
	<-serverDone
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		logger.Error("manager exited", logging.Error(runErr))
		return runErr
	}
	logger.Info("manager process exiting")
	return nil
}

func writePIDFile(path string) error {
	if path == "" {
		return nil
	}
	value := strconv.Itoa(os.Getpid()) + "\n"
	return os.WriteFile(path, []byte(value), 0o644)
}

func logStartupSnapshot(logger *slog.Logger, cfg *config.Config, name string) {
	attrs := []logging.Attr{
		logging.String(logging.FieldEventType, "startup_snapshot"),
		logging.String("broker", cfg.BrokerAddress()),
		logging.String("topic_prefix", cfg.MQTT.TopicPrefix),
		logging.String("astoria_version", ipc.AstoriaVersion),
		logging.String("metrics_bind", cfg.Metrics.Bind),
	}
	switch name {
	case ipc.ManagerDisk:
		attrs = append(attrs,
			logging.String("mount_root", cfg.Astdiskd.MountRoot),
			logging.Bool("udev", cfg.Astdiskd.Udev),
		)
	case ipc.ManagerProcess:
		interpreter := ""
		if len(cfg.Astprocd.Interpreter) > 0 {
			interpreter = cfg.Astprocd.Interpreter[0]
		}
		attrs = append(attrs,
			logging.String("default_entrypoint", cfg.Astprocd.DefaultUsercodeEntrypoint),
			logging.String("interpreter", interpreter),
			logging.Bool("interpreter_available", interpreter == "" || binaryAvailable(interpreter)),
		)
	}
	logger.Info("startup snapshot", logging.Args(attrs...)...)
}

func binaryAvailable(name string) bool {
	if strings.TrimSpace(name) == "" {
		return false
	}
	_, err := exec.LookPath(name)
	return err == nil
}
