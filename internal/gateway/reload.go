package gateway

import (
	"go.uber.org/zap"

	"github.com/wudi/restgate/internal/config"
	"github.com/wudi/restgate/internal/logging"
	"github.com/wudi/restgate/internal/rules"
)

// Reload loads descriptors and rules from the config directory and swaps
// them in atomically. Any failure leaves the previous config, router and
// ruleset untouched.
func (g *Gateway) Reload() error {
	cfg, rs, err := g.loadAll()
	if err != nil {
		return err
	}
	rt, err := g.buildRouter(cfg)
	if err != nil {
		return err
	}

	g.cfg.Store(cfg)
	g.engine.Swap(rs)
	g.active.Store(rt)

	// The new router starts empty of plugin routes; put the loaded ones
	// back, then load anything the new config names.
	g.plugins.Reattach()
	g.ensurePlugins(cfg)
	g.startSchedules()

	logging.Info("configuration active",
		zap.Int("endpoints", len(cfg.Endpoints)),
		zap.Int("rules", len(rs.Infos())),
		zap.Int("schedules", len(rs.Schedules())))
	return nil
}

// ValidateConfig dry-runs a load: descriptors, rules and route synthesis,
// with nothing swapped in.
func (g *Gateway) ValidateConfig() error {
	cfg, _, err := g.loadAll()
	if err != nil {
		return err
	}
	_, err = g.buildRouter(cfg)
	return err
}

func (g *Gateway) loadAll() (*config.Config, *rules.Ruleset, error) {
	cfg, err := g.loader.LoadDir(g.settings.ConfigDir)
	if err != nil {
		return nil, nil, err
	}
	rs, err := g.parser.ParseDir(g.settings.ConfigDir)
	if err != nil {
		return nil, nil, err
	}
	return cfg, rs, nil
}
