package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/wudi/restgate/internal/config"
	"github.com/wudi/restgate/internal/gateway"
	"github.com/wudi/restgate/internal/logging"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	configDir := flag.String("config", "", "Config directory (overrides CONFIG_DIR)")
	showVersion := flag.Bool("version", false, "Show version information")
	validateOnly := flag.Bool("validate", false, "Validate configuration and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("restgate %s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	settings := config.FromEnv()
	if *configDir != "" {
		settings.ConfigDir = *configDir
	}

	logger, err := logging.New(settings.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()
	logging.SetGlobal(logger)

	gateway.Version = version

	g, err := gateway.New(settings)
	if err != nil {
		logging.Error("Failed to build gateway", zap.Error(err))
		os.Exit(1)
	}

	if *validateOnly {
		if err := g.ValidateConfig(); err != nil {
			fmt.Fprintf(os.Stderr, "Configuration invalid: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("Configuration is valid")
		os.Exit(0)
	}

	logging.Info("Starting restgate",
		zap.String("version", version),
		zap.String("config_dir", settings.ConfigDir),
		zap.String("admin_addr", settings.AdminAddr),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// SIGHUP reloads configuration, SIGUSR2 reloads plugins and
	// SIGINT/SIGTERM drain and exit. Descriptor edits also reload through
	// the directory watcher.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGHUP, syscall.SIGUSR2, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		for sig := range sigCh {
			switch sig {
			case syscall.SIGHUP:
				logging.Info("SIGHUP received, reloading configuration")
				if err := g.Reload(); err != nil {
					logging.Error("Reload failed, previous config stays active", zap.Error(err))
				}
			case syscall.SIGUSR2:
				logging.Info("SIGUSR2 received, reloading plugins")
				if err := g.PluginManager().ReloadAll(); err != nil {
					logging.Error("Plugin reload failed", zap.Error(err))
				}
			default:
				logging.Info("Shutdown signal received", zap.String("signal", sig.String()))
				g.Shutdown()
				return
			}
		}
	}()

	watcher := config.NewWatcher(settings.ConfigDir, func() {
		if err := g.Reload(); err != nil {
			logging.Error("Reload failed, previous config stays active", zap.Error(err))
		}
	})
	go func() {
		if err := watcher.Watch(ctx); err != nil {
			logging.Warn("Config watcher stopped", zap.Error(err))
		}
	}()

	if err := g.Run(ctx); err != nil {
		logging.Error("Gateway exited with error", zap.Error(err))
		os.Exit(1)
	}
}
