package main

import (
	"log/slog"
	"strings"

	"github.com/videokall/videokall/internal/config"
)

func logStartupSecurityWarnings(logger *slog.Logger, cfg config.Config) {
	if logger == nil {
		logger = slog.Default()
	}

	if cfg.Mode == config.ModeProd && cfg.AdminCode == config.DefaultAdminCode {
		logger.Warn("startup security warning: admin code is the built-in default; anyone who reads the source can manage rooms",
			"warning_code", "default_admin_code_in_prod",
			"mode", cfg.Mode,
		)
	}

	if containsString(cfg.AllowedOrigins, "*") {
		logger.Warn("startup security warning: ALLOWED_ORIGINS contains '*' (allows any origin)",
			"warning_code", "allowed_origins_wildcard",
			"allowed_origins", cfg.AllowedOrigins,
			"mode", cfg.Mode,
		)
	}

	if err := cfg.ICEConfigError(); err != nil {
		logger.Warn("startup warning: ICE server configuration is invalid; joins will advertise no servers and /readyz reports not ready",
			"warning_code", "invalid_ice_config",
			"err", err,
			"mode", cfg.Mode,
		)
	} else if cfg.Mode == config.ModeProd && !hasTURN(cfg.ICEServers) {
		logger.Warn("startup warning: no TURN server configured; calls across symmetric NATs will fail to connect",
			"warning_code", "no_turn_in_prod",
			"mode", cfg.Mode,
		)
	}
}

func hasTURN(servers []config.ICEServer) bool {
	for _, s := range servers {
		for _, u := range s.URLs {
			if strings.HasPrefix(u, "turn:") || strings.HasPrefix(u, "turns:") {
				return true
			}
		}
	}
	return false
}

func containsString(xs []string, v string) bool {
	for _, s := range xs {
		if s == v {
			return true
		}
	}
	return false
}
