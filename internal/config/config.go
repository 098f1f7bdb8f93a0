package config

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	envVarListenAddr      = "VIDEOKALL_LISTEN_ADDR"
	envVarPublicBaseURL   = "VIDEOKALL_PUBLIC_BASE_URL"
	envVarAllowedOrigins  = "VIDEOKALL_ALLOWED_ORIGINS"
	envVarLogFormat       = "VIDEOKALL_LOG_FORMAT"
	envVarLogLevel        = "VIDEOKALL_LOG_LEVEL"
	envVarShutdownTimeout = "VIDEOKALL_SHUTDOWN_TIMEOUT"
	envVarMode            = "VIDEOKALL_MODE"

	envVarDBPath    = "VIDEOKALL_DB_PATH"
	envVarAdminCode = "VIDEOKALL_ADMIN_CODE"

	// Signaling WebSocket hardening.
	envVarSignalingPingInterval         = "VIDEOKALL_SIGNALING_PING_INTERVAL"
	envVarSignalingPongTimeout          = "VIDEOKALL_SIGNALING_PONG_TIMEOUT"
	envVarSignalingWriteTimeout         = "VIDEOKALL_SIGNALING_WRITE_TIMEOUT"
	envVarMaxSignalingMessageBytes      = "VIDEOKALL_MAX_SIGNALING_MESSAGE_BYTES"
	envVarMaxSignalingMessagesPerSecond = "VIDEOKALL_MAX_SIGNALING_MESSAGES_PER_SECOND"
	envVarSignalingSendBuffer           = "VIDEOKALL_SIGNALING_SEND_BUFFER"

	DefaultListenAddr      = "127.0.0.1:8080"
	DefaultShutdown        = 15 * time.Second
	DefaultDBPath          = "data/rooms.db"
	DefaultMode       Mode = ModeDev

	// DefaultAdminCode matches the historical deployment default. Production
	// deployments must override it; startup warnings flag the default in prod.
	DefaultAdminCode = "FAMILY2024"

	DefaultSignalingPingInterval = 30 * time.Second
	DefaultSignalingPongTimeout  = 60 * time.Second
	DefaultSignalingWriteTimeout = 10 * time.Second
	// 64KB is enough for any SDP payload seen in practice.
	DefaultMaxSignalingMessageBytes      = int64(64 * 1024)
	DefaultMaxSignalingMessagesPerSecond = 50
	DefaultSignalingSendBuffer           = 32
)

type Mode string

const (
	ModeDev  Mode = "dev"
	ModeProd Mode = "prod"
)

type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

type Config struct {
	ListenAddr      string
	PublicBaseURL   string
	AllowedOrigins  []string
	LogFormat       LogFormat
	LogLevel        slog.Level
	ShutdownTimeout time.Duration
	Mode            Mode

	// DBPath is the SQLite file backing the room registry.
	DBPath string

	// AdminCode is the shared secret for the administrative room API
	// (X-Admin-Code header).
	AdminCode string

	// Signaling WebSocket keepalive + hardening.
	SignalingPingInterval time.Duration
	SignalingPongTimeout  time.Duration
	SignalingWriteTimeout time.Duration

	MaxSignalingMessageBytes      int64
	MaxSignalingMessagesPerSecond int

	// SignalingSendBuffer is the per-participant outbound message buffer. A
	// participant whose buffer fills is treated as dead and disconnected.
	SignalingSendBuffer int

	// ICEServers is the relay-assist (STUN/TURN) list handed to every client
	// at join time. The core configures these servers; it never implements
	// them.
	ICEServers []ICEServer

	iceConfigErr error
}

func (c Config) ICEConfigError() error {
	return c.iceConfigErr
}

func Load(args []string) (Config, error) {
	return load(os.LookupEnv, args)
}

func load(lookup func(string) (string, bool), args []string) (Config, error) {
	envMode, _ := lookup(envVarMode)
	modeDefault := string(DefaultMode)
	if envMode != "" {
		modeDefault = envMode
	}

	envLogFormat, envLogFormatOK := lookup(envVarLogFormat)
	envLogFormatSet := envLogFormatOK && envLogFormat != ""
	logFormatDefault := envLogFormat
	if !envLogFormatSet {
		logFormatDefault = defaultLogFormatForMode(modeDefault)
	}

	envLogLevel, envLogLevelOK := lookup(envVarLogLevel)
	envLogLevelSet := envLogLevelOK && envLogLevel != ""
	logLevelDefault := envLogLevel
	if !envLogLevelSet {
		logLevelDefault = defaultLogLevelForMode(modeDefault)
	}

	listenAddr := envOrDefault(lookup, envVarListenAddr, DefaultListenAddr)
	publicBaseURL := envOrDefault(lookup, envVarPublicBaseURL, "")
	allowedOriginsStr := envOrDefault(lookup, envVarAllowedOrigins, "")
	dbPath := envOrDefault(lookup, envVarDBPath, DefaultDBPath)
	adminCode := envOrDefault(lookup, envVarAdminCode, DefaultAdminCode)

	iceServersJSON := envOrDefault(lookup, envICEServersJSON, "")
	stunURLs := envOrDefault(lookup, envStunURLs, "")
	turnURLs := envOrDefault(lookup, envTurnURLs, "")
	turnUsername := envOrDefault(lookup, envTurnUsername, "")
	turnCredential := envOrDefault(lookup, envTurnCredential, "")
	turnTLSEnabled := false
	if raw, ok := lookup(envTurnTLSEnabled); ok && strings.TrimSpace(raw) != "" {
		v, err := strconv.ParseBool(strings.TrimSpace(raw))
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envTurnTLSEnabled, raw, err)
		}
		turnTLSEnabled = v
	}

	shutdownTimeout := DefaultShutdown
	if raw, ok := lookup(envVarShutdownTimeout); ok && raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarShutdownTimeout, raw, err)
		}
		shutdownTimeout = d
	}

	pingInterval, err := envDurationOrDefault(lookup, envVarSignalingPingInterval, DefaultSignalingPingInterval)
	if err != nil {
		return Config{}, err
	}
	pongTimeout, err := envDurationOrDefault(lookup, envVarSignalingPongTimeout, DefaultSignalingPongTimeout)
	if err != nil {
		return Config{}, err
	}
	writeTimeout, err := envDurationOrDefault(lookup, envVarSignalingWriteTimeout, DefaultSignalingWriteTimeout)
	if err != nil {
		return Config{}, err
	}

	maxSignalingMessageBytes := DefaultMaxSignalingMessageBytes
	if raw, ok := lookup(envVarMaxSignalingMessageBytes); ok && strings.TrimSpace(raw) != "" {
		n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarMaxSignalingMessageBytes, raw, err)
		}
		maxSignalingMessageBytes = n
	}

	maxSignalingMessagesPerSecond, err := envIntOrDefault(lookup, envVarMaxSignalingMessagesPerSecond, DefaultMaxSignalingMessagesPerSecond)
	if err != nil {
		return Config{}, err
	}
	sendBuffer, err := envIntOrDefault(lookup, envVarSignalingSendBuffer, DefaultSignalingSendBuffer)
	if err != nil {
		return Config{}, err
	}

	fs := flag.NewFlagSet("videokall", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var (
		modeStr      string
		logFormatStr string
		logLevelStr  string
	)

	fs.StringVar(&listenAddr, "listen-addr", listenAddr, "HTTP listen address (host:port)")
	fs.StringVar(&publicBaseURL, "public-base-url", publicBaseURL, "Public base URL (optional; used for logging)")
	fs.StringVar(&allowedOriginsStr, "allowed-origins", allowedOriginsStr, "Comma-separated list of allowed browser origins (env "+envVarAllowedOrigins+")")
	fs.StringVar(&modeStr, "mode", modeDefault, "Run mode: dev or prod")
	fs.StringVar(&logFormatStr, "log-format", logFormatDefault, "Log format: text or json")
	fs.StringVar(&logLevelStr, "log-level", logLevelDefault, "Log level: debug, info, warn, error")
	fs.DurationVar(&shutdownTimeout, "shutdown-timeout", shutdownTimeout, "Graceful shutdown timeout (e.g. 15s)")
	fs.StringVar(&dbPath, "db-path", dbPath, "SQLite database file for the room registry (env "+envVarDBPath+")")
	fs.StringVar(&adminCode, "admin-code", adminCode, "Shared secret for the admin room API (env "+envVarAdminCode+")")
	fs.StringVar(&iceServersJSON, "ice-servers-json", iceServersJSON, "ICE server JSON config ("+envICEServersJSON+")")
	fs.StringVar(&stunURLs, "stun-urls", stunURLs, "comma-separated STUN URLs ("+envStunURLs+")")
	fs.StringVar(&turnURLs, "turn-urls", turnURLs, "comma-separated TURN URLs ("+envTurnURLs+")")
	fs.StringVar(&turnUsername, "turn-username", turnUsername, "TURN username ("+envTurnUsername+")")
	fs.StringVar(&turnCredential, "turn-credential", turnCredential, "TURN credential ("+envTurnCredential+")")
	fs.BoolVar(&turnTLSEnabled, "turn-tls-enabled", turnTLSEnabled, "Also advertise turns: variants of configured TURN URLs ("+envTurnTLSEnabled+")")
	fs.DurationVar(&pingInterval, "signaling-ping-interval", pingInterval, "Heartbeat ping interval on signaling connections (must be < --signaling-pong-timeout; env "+envVarSignalingPingInterval+")")
	fs.DurationVar(&pongTimeout, "signaling-pong-timeout", pongTimeout, "Disconnect signaling connections that miss pongs for this duration (env "+envVarSignalingPongTimeout+")")
	fs.DurationVar(&writeTimeout, "signaling-write-timeout", writeTimeout, "Per-message write deadline on signaling connections (env "+envVarSignalingWriteTimeout+")")
	fs.Int64Var(&maxSignalingMessageBytes, "max-signaling-message-bytes", maxSignalingMessageBytes, "Max inbound signaling message size in bytes (env "+envVarMaxSignalingMessageBytes+")")
	fs.IntVar(&maxSignalingMessagesPerSecond, "max-signaling-messages-per-second", maxSignalingMessagesPerSecond, "Max inbound signaling messages per second per connection (env "+envVarMaxSignalingMessagesPerSecond+")")
	fs.IntVar(&sendBuffer, "signaling-send-buffer", sendBuffer, "Outbound message buffer per participant (env "+envVarSignalingSendBuffer+")")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	setFlags := map[string]bool{}
	fs.Visit(func(f *flag.Flag) {
		setFlags[f.Name] = true
	})

	mode, err := parseMode(modeStr)
	if err != nil {
		return Config{}, err
	}

	if !envLogFormatSet && !setFlags["log-format"] {
		logFormatStr = defaultLogFormatForMode(string(mode))
	}
	if !envLogLevelSet && !setFlags["log-level"] {
		logLevelStr = defaultLogLevelForMode(string(mode))
	}

	logFormat, err := parseLogFormat(logFormatStr)
	if err != nil {
		return Config{}, err
	}

	level, err := parseLogLevel(logLevelStr)
	if err != nil {
		return Config{}, err
	}

	if listenAddr == "" {
		return Config{}, fmt.Errorf("listen address must not be empty")
	}
	if shutdownTimeout <= 0 {
		return Config{}, fmt.Errorf("shutdown timeout must be > 0")
	}
	if strings.TrimSpace(dbPath) == "" {
		return Config{}, fmt.Errorf("%s/--db-path must not be empty", envVarDBPath)
	}
	if strings.TrimSpace(adminCode) == "" {
		return Config{}, fmt.Errorf("%s/--admin-code must not be empty", envVarAdminCode)
	}
	if pingInterval <= 0 {
		return Config{}, fmt.Errorf("%s/--signaling-ping-interval must be > 0", envVarSignalingPingInterval)
	}
	if pongTimeout <= 0 {
		return Config{}, fmt.Errorf("%s/--signaling-pong-timeout must be > 0", envVarSignalingPongTimeout)
	}
	if pingInterval >= pongTimeout {
		return Config{}, fmt.Errorf("%s/--signaling-ping-interval must be < %s/--signaling-pong-timeout", envVarSignalingPingInterval, envVarSignalingPongTimeout)
	}
	if writeTimeout <= 0 {
		return Config{}, fmt.Errorf("%s/--signaling-write-timeout must be > 0", envVarSignalingWriteTimeout)
	}
	if maxSignalingMessageBytes <= 0 {
		return Config{}, fmt.Errorf("%s/--max-signaling-message-bytes must be > 0", envVarMaxSignalingMessageBytes)
	}
	if maxSignalingMessagesPerSecond <= 0 {
		return Config{}, fmt.Errorf("%s/--max-signaling-messages-per-second must be > 0", envVarMaxSignalingMessagesPerSecond)
	}
	if sendBuffer <= 0 {
		return Config{}, fmt.Errorf("%s/--signaling-send-buffer must be > 0", envVarSignalingSendBuffer)
	}

	cfg := Config{
		ListenAddr:      listenAddr,
		PublicBaseURL:   publicBaseURL,
		AllowedOrigins:  splitCommaSeparated(allowedOriginsStr),
		LogFormat:       logFormat,
		LogLevel:        level,
		ShutdownTimeout: shutdownTimeout,
		Mode:            mode,

		DBPath:    dbPath,
		AdminCode: adminCode,

		SignalingPingInterval: pingInterval,
		SignalingPongTimeout:  pongTimeout,
		SignalingWriteTimeout: writeTimeout,

		MaxSignalingMessageBytes:      maxSignalingMessageBytes,
		MaxSignalingMessagesPerSecond: maxSignalingMessagesPerSecond,
		SignalingSendBuffer:           sendBuffer,
	}

	iceServers, err := parseICEServersFromValues(iceServersJSON, stunURLs, turnURLs, turnUsername, turnCredential, turnTLSEnabled)
	if err != nil {
		cfg.iceConfigErr = err
	} else {
		cfg.ICEServers = iceServers
	}

	return cfg, nil
}

func NewLogger(cfg Config) (*slog.Logger, error) {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var handler slog.Handler
	switch cfg.LogFormat {
	case LogFormatText:
		handler = slog.NewTextHandler(os.Stdout, opts)
	case LogFormatJSON:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		return nil, fmt.Errorf("unsupported log format %q", cfg.LogFormat)
	}

	return slog.New(handler), nil
}

func envOrDefault(lookup func(string) (string, bool), key, fallback string) string {
	if v, ok := lookup(key); ok && v != "" {
		return v
	}
	return fallback
}

func envIntOrDefault(lookup func(string) (string, bool), key string, fallback int) (int, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return n, nil
}

func envDurationOrDefault(lookup func(string) (string, bool), key string, fallback time.Duration) (time.Duration, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return d, nil
}

func defaultLogFormatForMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case string(ModeProd), "production":
		return string(LogFormatJSON)
	default:
		return string(LogFormatText)
	}
}

func defaultLogLevelForMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case string(ModeProd), "production":
		return "info"
	default:
		return "debug"
	}
}

func parseMode(raw string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(ModeDev), "development":
		return ModeDev, nil
	case string(ModeProd), "production":
		return ModeProd, nil
	default:
		return "", fmt.Errorf("invalid mode %q (expected dev or prod)", raw)
	}
}

func parseLogFormat(raw string) (LogFormat, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(LogFormatText):
		return LogFormatText, nil
	case string(LogFormatJSON):
		return LogFormatJSON, nil
	default:
		return "", fmt.Errorf("invalid log format %q (expected text or json)", raw)
	}
}

func parseLogLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level %q (expected debug, info, warn, error)", raw)
	}
}
