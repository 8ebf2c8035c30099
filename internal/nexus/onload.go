package nexus

import (
	"sync"

	"github.com/ALEYI17/InfraSight_nexus/internal/config"
	"github.com/ALEYI17/InfraSight_nexus/internal/hsa"
	"github.com/ALEYI17/InfraSight_nexus/pkg/logutil"
	"go.uber.org/zap"
)

var (
	instanceMu sync.Mutex
	instance   *Nexus

	loadConfig = config.LoadConfig
	initLogger = logutil.InitLogger
)

// OnLoad is called by the runtime when the tool is loaded. The first call
// attaches; later calls leave the existing instance in place. Failing to
// attach is fatal to the process.
func OnLoad(table *hsa.ApiTable, runtimeVersion, failedToolCount uint64, failedToolNames []string) bool {
	instanceMu.Lock()
	defer instanceMu.Unlock()

	if instance != nil {
		logutil.GetLogger().Debug("Already attached, ignoring load")
		return true
	}

	cfg := loadConfig()
	if err := initLogger(cfg.LogLevel, cfg.LogFile); err != nil {
		_ = initLogger(cfg.LogLevel, "")
		logutil.GetLogger().Warn("Unable to open log file", zap.String("path", cfg.LogFile), zap.Error(err))
	}
	logger := logutil.GetLogger()
	logger.Info("Loading nexus",
		zap.Uint64("runtime_version", runtimeVersion),
		zap.Uint64("failed_tool_count", failedToolCount),
		zap.Strings("failed_tools", failedToolNames))

	n, err := Attach(table, cfg)
	if err != nil {
		logger.Fatal("Unable to attach to runtime", zap.Error(err))
		return false
	}
	instance = n
	return true
}

// OnUnload is called by the runtime when the tool is unloaded. The hooks
// stay installed until the process exits.
func OnUnload() {
	logger := logutil.GetLogger()
	logger.Info("Unloading nexus")
	_ = logger.Sync()
}

// Instance returns the attached instance, or nil before OnLoad succeeds.
func Instance() *Nexus {
	instanceMu.Lock()
	defer instanceMu.Unlock()
	return instance
}
