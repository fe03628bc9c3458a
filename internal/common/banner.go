package common

import (
	"fmt"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/banner"
)

// PrintBanner displays the application startup banner
func PrintBanner(config *Config, logger arbor.ILogger) {
	version := GetVersion()
	build := GetBuild()

	serviceURL := fmt.Sprintf("http://%s:%d", config.Server.Host, config.Server.Port)

	b := banner.New().
		SetStyle(banner.StyleDouble).
		SetBorderColor(banner.ColorGreen).
		SetTextColor(banner.ColorWhite).
		SetBold(true).
		SetWidth(80)

	fmt.Printf("\n")
	b.PrintTopLine()
	b.PrintCenteredText("TILE SCHEDULER")
	b.PrintCenteredText("Multi-Tenant Image Processing Workflow Engine")
	b.PrintSeparatorLine()
	b.PrintKeyValue("Version", version, 15)
	b.PrintKeyValue("Build", build, 15)
	b.PrintKeyValue("Environment", config.Environment, 15)
	b.PrintKeyValue("Service URL", serviceURL, 15)
	b.PrintBottomLine()
	fmt.Printf("\n")

	logger.Info().
		Str("version", version).
		Str("build", build).
		Str("environment", config.Environment).
		Str("service_url", serviceURL).
		Str("config_file", "scheduler.toml").
		Msg("Application started")

	fmt.Printf("Configuration:\n")
	fmt.Printf("   - Config File: scheduler.toml\n")
	fmt.Printf("   - Service URL: %s\n", serviceURL)

	logFilePath := ""
	if loggerWithPath, ok := interface{}(logger).(interface{ GetLogFilePath() string }); ok {
		logFilePath = loggerWithPath.GetLogFilePath()
		if logFilePath != "" {
			fmt.Printf("   - Log File: %s\n", logFilePath)
		}
	}
	fmt.Printf("\n")

	logger.Info().
		Str("log_file", logFilePath).
		Int("max_workers", config.Scheduler.MaxWorkers).
		Int("max_active_users", config.Scheduler.MaxActiveUsers).
		Int("tile_size", config.Tiling.TileSize).
		Int("tile_overlap", config.Tiling.TileOverlap).
		Bool("real_kernel", config.Tiling.EnableRealKernel).
		Bool("badger_enabled", config.Storage.Badger.Enabled).
		Msg("Configuration loaded")

	printCapabilities(config, logger)
	fmt.Printf("\n")
}

// printCapabilities displays the scheduler's admission and execution settings
func printCapabilities(config *Config, logger arbor.ILogger) {
	fmt.Printf("Admission limits:\n")
	fmt.Printf("   - Worker slots: %d\n", config.Scheduler.MaxWorkers)
	fmt.Printf("   - Active user slots: %d\n", config.Scheduler.MaxActiveUsers)

	kernelMode := "deterministic fallback"
	if config.Tiling.EnableRealKernel {
		kernelMode = "real kernel"
	}
	fmt.Printf("   - Tile kernel: %s (%dpx tiles, %dpx overlap)\n", kernelMode, config.Tiling.TileSize, config.Tiling.TileOverlap)

	storageMode := "in-memory only"
	if config.Storage.Badger.Enabled {
		storageMode = fmt.Sprintf("badger-backed at %s", config.Storage.Badger.Path)
	}
	fmt.Printf("   - Persistence: %s\n", storageMode)

	logger.Info().
		Str("kernel_mode", kernelMode).
		Str("storage_mode", storageMode).
		Msg("Scheduler capabilities")
}

// PrintShutdownBanner displays the application shutdown banner
func PrintShutdownBanner(logger arbor.ILogger) {
	b := banner.New().
		SetStyle(banner.StyleDouble).
		SetBorderColor(banner.ColorGreen).
		SetTextColor(banner.ColorWhite).
		SetBold(true).
		SetWidth(42)

	b.PrintTopLine()
	b.PrintCenteredText("SHUTTING DOWN")
	b.PrintCenteredText("TILE SCHEDULER")
	b.PrintBottomLine()
	fmt.Println()

	logger.Info().Msg("Application shutting down")
}

// PrintColorizedMessage prints a message in the specified color. It does not
// log; the logger argument is unused and callers log separately.
func PrintColorizedMessage(color, message string, logger arbor.ILogger) {
	fmt.Printf("%s%s%s\n", color, message, banner.ColorReset)
}

// PrintSuccess prints a success message in green and logs it
func PrintSuccess(message string) {
	logger := GetLogger()
	PrintColorizedMessage(banner.ColorGreen, fmt.Sprintf("[ok] %s", message), logger)
	logger.Info().Str("type", "success").Msg(message)
}

// PrintError prints an error message in red and logs it
func PrintError(message string) {
	logger := GetLogger()
	PrintColorizedMessage(banner.ColorRed, fmt.Sprintf("[error] %s", message), logger)
	logger.Error().Str("type", "error").Msg(message)
}

// PrintWarning prints a warning message in yellow and logs it
func PrintWarning(message string) {
	logger := GetLogger()
	PrintColorizedMessage(banner.ColorYellow, fmt.Sprintf("[warn] %s", message), logger)
	logger.Warn().Str("type", "warning").Msg(message)
}

// PrintInfo prints an info message in cyan and logs it
func PrintInfo(message string) {
	logger := GetLogger()
	PrintColorizedMessage(banner.ColorCyan, fmt.Sprintf("[info] %s", message), logger)
	logger.Info().Str("type", "info").Msg(message)
}
