package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel       string `yaml:"log_level"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
	PrometheusBind string `yaml:"prometheus_bind"`
	SentryDSN      string `yaml:"sentry_dsn"`

	// TraceSampleRatio is the fraction of root spans kept, 0..1.
	TraceSampleRatio float64 `yaml:"trace_sample_ratio"`
}

type HTTPConfig struct {
	Bind   string `yaml:"bind"`
	Port   int    `yaml:"port"`
	WSPath string `yaml:"ws_path"`
}

type Config struct {
	RuntimeName string           `yaml:"runtime_name"`
	Environment string           `yaml:"environment"`
	HTTP        HTTPConfig       `yaml:"http"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	Node        NodeConfig       `yaml:"node"`
	Bus         BusConfig        `yaml:"bus"`
	EventStore  EventStoreConfig `yaml:"event_store"`
	Audio       AudioConfig      `yaml:"audio"`
	Trigger     TriggerConfig    `yaml:"trigger"`
	STT         STTConfig        `yaml:"stt"`
	Vocabulary  VocabularyConfig `yaml:"vocabulary"`
	Session     SessionConfig    `yaml:"session"`
}

type BusConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	StoreDir       string   `yaml:"store_dir"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

// NodeConfig identifies this cockpit on the bus. Edge audio devices announce
// themselves on the same subjects.
type NodeConfig struct {
	ID                string `yaml:"id"`
	Role              string `yaml:"role"`
	HeartbeatInterval int    `yaml:"heartbeat_interval_ms"`
	HeartbeatTimeout  int    `yaml:"heartbeat_timeout_ms"`
}

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

// AudioConfig describes where session audio comes from and how it is framed.
type AudioConfig struct {
	Source          string `yaml:"source"` // microphone, portaudio, websocket, bus
	SampleRate      int    `yaml:"sample_rate"`
	Channels        int    `yaml:"channels"`
	ChunkSize       int    `yaml:"chunk_size"` // samples per chunk
	QueueDepth      int    `yaml:"queue_depth"`
	RecorderCommand string `yaml:"recorder_command"`
	InputFormat     string `yaml:"input_format"`
	InputDevice     string `yaml:"input_device"`
}

type TriggerConfig struct {
	Mode         string   `yaml:"mode"` // transcribe, exec
	Words        []string `yaml:"words"`
	Command      string   `yaml:"command"`
	WindowChunks int      `yaml:"window_chunks"`
	StrideChunks int      `yaml:"stride_chunks"`
}

type STTConfig struct {
	Mode      string `yaml:"mode"` // mock, exec, whisper
	Command   string `yaml:"command"`
	ModelPath string `yaml:"model_path"`
	Language  string `yaml:"language"`
	TimeoutMS int    `yaml:"timeout_ms"`
}

type VocabularyConfig struct {
	Path        string  `yaml:"path"`
	FuzzyCutoff float64 `yaml:"fuzzy_cutoff"`
}

type SessionConfig struct {
	SilenceThresholdChunks int    `yaml:"silence_threshold_chunks"`
	SettleDelayMS          int    `yaml:"settle_delay_ms"`
	ConfirmDurationMS      int    `yaml:"confirm_duration_ms"`
	MaxAttempts            int    `yaml:"max_attempts"`
	PollIntervalMS         int    `yaml:"poll_interval_ms"`
	MessageFormat          string `yaml:"message_format"` // text, json
	ConfirmWord            string `yaml:"confirm_word"`
	CancelWord             string `yaml:"cancel_word"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-cockpit",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind:   "0.0.0.0",
			Port:   8000,
			WSPath: "/ws",
		},
		Telemetry: TelemetryConfig{
			LogLevel:         "info",
			OTLPInsecure:     true,
			PrometheusBind:   ":9091",
			TraceSampleRatio: 1,
		},
		Node: NodeConfig{
			ID:                "cockpit-1",
			Role:              "cockpit",
			HeartbeatInterval: 2000,
			HeartbeatTimeout:  6000,
		},
		Bus: BusConfig{
			Enabled:        true,
			Embedded:       true,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		EventStore: EventStoreConfig{
			Path:          "./data/cockpit-events.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxSessions:   10000,
		},
		Audio: AudioConfig{
			Source:          "microphone",
			SampleRate:      16000,
			Channels:        1,
			ChunkSize:       1024,
			QueueDepth:      256,
			RecorderCommand: "ffmpeg",
			InputFormat:     "pulse",
			InputDevice:     "default",
		},
		Trigger: TriggerConfig{
			Mode:         "transcribe",
			Words:        []string{"system"},
			WindowChunks: 32,
			StrideChunks: 8,
		},
		STT: STTConfig{
			Mode:      "mock",
			Language:  "en",
			TimeoutMS: 45000,
		},
		Vocabulary: VocabularyConfig{
			Path:        "./commands.json",
			FuzzyCutoff: 0.4,
		},
		Session: SessionConfig{
			SilenceThresholdChunks: 100,
			SettleDelayMS:          2000,
			ConfirmDurationMS:      3500,
			MaxAttempts:            2,
			PollIntervalMS:         50,
			MessageFormat:          "text",
			ConfirmWord:            "confirm",
			CancelWord:             "cancel",
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "COCKPIT_RUNTIME_NAME")
	overrideString(&cfg.Environment, "COCKPIT_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "COCKPIT_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "COCKPIT_HTTP_PORT")
	overrideString(&cfg.HTTP.WSPath, "COCKPIT_HTTP_WS_PATH")
	overrideString(&cfg.Telemetry.LogLevel, "COCKPIT_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "COCKPIT_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "COCKPIT_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "COCKPIT_TELEMETRY_PROMETHEUS_BIND")
	overrideString(&cfg.Telemetry.SentryDSN, "COCKPIT_TELEMETRY_SENTRY_DSN")
	overrideFloat(&cfg.Telemetry.TraceSampleRatio, "COCKPIT_TELEMETRY_TRACE_SAMPLE_RATIO")
	overrideString(&cfg.Node.ID, "COCKPIT_NODE_ID")
	overrideString(&cfg.Node.Role, "COCKPIT_NODE_ROLE")
	overrideInt(&cfg.Node.HeartbeatInterval, "COCKPIT_NODE_HEARTBEAT_INTERVAL_MS")
	overrideInt(&cfg.Node.HeartbeatTimeout, "COCKPIT_NODE_HEARTBEAT_TIMEOUT_MS")
	overrideBool(&cfg.Bus.Enabled, "COCKPIT_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "COCKPIT_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "COCKPIT_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "COCKPIT_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "COCKPIT_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "COCKPIT_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "COCKPIT_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "COCKPIT_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "COCKPIT_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "COCKPIT_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.EventStore.Path, "COCKPIT_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "COCKPIT_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "COCKPIT_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxSessions, "COCKPIT_EVENT_STORE_MAX_SESSIONS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "COCKPIT_EVENT_STORE_VACUUM_ON_START")
	overrideString(&cfg.Audio.Source, "COCKPIT_AUDIO_SOURCE")
	overrideInt(&cfg.Audio.SampleRate, "COCKPIT_AUDIO_SAMPLE_RATE")
	overrideInt(&cfg.Audio.Channels, "COCKPIT_AUDIO_CHANNELS")
	overrideInt(&cfg.Audio.ChunkSize, "COCKPIT_AUDIO_CHUNK_SIZE")
	overrideInt(&cfg.Audio.QueueDepth, "COCKPIT_AUDIO_QUEUE_DEPTH")
	overrideString(&cfg.Audio.RecorderCommand, "COCKPIT_AUDIO_RECORDER_COMMAND")
	overrideString(&cfg.Audio.InputFormat, "COCKPIT_AUDIO_INPUT_FORMAT")
	overrideString(&cfg.Audio.InputDevice, "COCKPIT_AUDIO_INPUT_DEVICE")
	overrideString(&cfg.Trigger.Mode, "COCKPIT_TRIGGER_MODE")
	overrideStringSlice(&cfg.Trigger.Words, "COCKPIT_TRIGGER_WORDS")
	overrideString(&cfg.Trigger.Command, "COCKPIT_TRIGGER_COMMAND")
	overrideInt(&cfg.Trigger.WindowChunks, "COCKPIT_TRIGGER_WINDOW_CHUNKS")
	overrideInt(&cfg.Trigger.StrideChunks, "COCKPIT_TRIGGER_STRIDE_CHUNKS")
	overrideString(&cfg.STT.Mode, "COCKPIT_STT_MODE")
	overrideString(&cfg.STT.Command, "COCKPIT_STT_COMMAND")
	overrideString(&cfg.STT.ModelPath, "COCKPIT_STT_MODEL_PATH")
	overrideString(&cfg.STT.Language, "COCKPIT_STT_LANGUAGE")
	overrideInt(&cfg.STT.TimeoutMS, "COCKPIT_STT_TIMEOUT_MS")
	overrideString(&cfg.Vocabulary.Path, "COCKPIT_VOCABULARY_PATH")
	overrideFloat(&cfg.Vocabulary.FuzzyCutoff, "COCKPIT_VOCABULARY_FUZZY_CUTOFF")
	overrideInt(&cfg.Session.SilenceThresholdChunks, "COCKPIT_SESSION_SILENCE_THRESHOLD_CHUNKS")
	overrideInt(&cfg.Session.SettleDelayMS, "COCKPIT_SESSION_SETTLE_DELAY_MS")
	overrideInt(&cfg.Session.ConfirmDurationMS, "COCKPIT_SESSION_CONFIRM_DURATION_MS")
	overrideInt(&cfg.Session.MaxAttempts, "COCKPIT_SESSION_MAX_ATTEMPTS")
	overrideInt(&cfg.Session.PollIntervalMS, "COCKPIT_SESSION_POLL_INTERVAL_MS")
	overrideString(&cfg.Session.MessageFormat, "COCKPIT_SESSION_MESSAGE_FORMAT")
	overrideString(&cfg.Session.ConfirmWord, "COCKPIT_SESSION_CONFIRM_WORD")
	overrideString(&cfg.Session.CancelWord, "COCKPIT_SESSION_CANCEL_WORD")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		parts := strings.Split(value, ",")
		var trimmed []string
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

func overrideFloat(target *float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			*target = parsed
		}
	}
}

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if !strings.HasPrefix(cfg.HTTP.WSPath, "/") {
		return errors.New("http.ws_path must start with /")
	}
	switch strings.ToLower(cfg.Telemetry.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return errors.New("telemetry.log_level must be one of debug|info|warn|error")
	}
	if cfg.Telemetry.TraceSampleRatio < 0 || cfg.Telemetry.TraceSampleRatio > 1 {
		return errors.New("telemetry.trace_sample_ratio must be between 0 and 1")
	}
	if cfg.Node.ID == "" {
		return errors.New("node.id must not be empty")
	}
	if cfg.Node.HeartbeatInterval <= 0 {
		return errors.New("node.heartbeat_interval_ms must be > 0")
	}
	if cfg.Node.HeartbeatTimeout <= cfg.Node.HeartbeatInterval {
		return errors.New("node.heartbeat_timeout_ms must be greater than heartbeat_interval_ms")
	}
	if cfg.Bus.Enabled {
		if cfg.Bus.Embedded {
			if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
				return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
			}
		} else if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	if cfg.EventStore.Path == "" {
		return errors.New("event_store.path must not be empty")
	}
	switch cfg.EventStore.RetentionMode {
	case "ephemeral", "session", "persistent":
		// ok
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.EventStore.RetentionDays < 0 {
		return errors.New("event_store.retention_days must be >= 0")
	}
	switch cfg.Audio.Source {
	case "microphone", "portaudio", "websocket":
	case "bus":
		if !cfg.Bus.Enabled {
			return errors.New("audio.source=bus requires bus.enabled")
		}
	default:
		return errors.New("audio.source must be one of microphone|portaudio|websocket|bus")
	}
	if cfg.Audio.SampleRate <= 0 {
		return errors.New("audio.sample_rate must be positive")
	}
	if cfg.Audio.Channels <= 0 {
		return errors.New("audio.channels must be positive")
	}
	if cfg.Audio.ChunkSize <= 0 {
		return errors.New("audio.chunk_size must be positive")
	}
	if cfg.Audio.QueueDepth <= 0 {
		return errors.New("audio.queue_depth must be positive")
	}
	if len(cfg.Trigger.Words) == 0 {
		return errors.New("trigger.words must not be empty")
	}
	switch cfg.Trigger.Mode {
	case "transcribe":
		if cfg.Trigger.WindowChunks <= 0 || cfg.Trigger.StrideChunks <= 0 {
			return errors.New("trigger.window_chunks and trigger.stride_chunks must be positive")
		}
	case "exec":
		if cfg.Trigger.Command == "" {
			return errors.New("trigger.command must be set when mode=exec")
		}
	default:
		return errors.New("trigger.mode must be one of transcribe|exec")
	}
	switch cfg.STT.Mode {
	case "mock", "whisper":
	case "exec":
		if cfg.STT.Command == "" {
			return errors.New("stt.command must be set when mode=exec")
		}
	default:
		return errors.New("stt.mode must be one of mock|exec|whisper")
	}
	if cfg.STT.Mode == "whisper" && cfg.STT.ModelPath == "" {
		return errors.New("stt.model_path must be set when mode=whisper")
	}
	if cfg.Vocabulary.Path == "" {
		return errors.New("vocabulary.path must not be empty")
	}
	if cfg.Vocabulary.FuzzyCutoff < 0 || cfg.Vocabulary.FuzzyCutoff > 1 {
		return errors.New("vocabulary.fuzzy_cutoff must be between 0 and 1")
	}
	if cfg.Session.SilenceThresholdChunks <= 0 {
		return errors.New("session.silence_threshold_chunks must be positive")
	}
	if cfg.Session.SettleDelayMS < 0 {
		return errors.New("session.settle_delay_ms must be >= 0")
	}
	if cfg.Session.ConfirmDurationMS <= 0 {
		return errors.New("session.confirm_duration_ms must be positive")
	}
	if cfg.Session.MaxAttempts <= 0 {
		return errors.New("session.max_attempts must be >= 1")
	}
	if cfg.Session.PollIntervalMS <= 0 {
		return errors.New("session.poll_interval_ms must be positive")
	}
	switch cfg.Session.MessageFormat {
	case "text", "json":
	default:
		return errors.New("session.message_format must be one of text|json")
	}
	if cfg.Session.ConfirmWord == "" || cfg.Session.CancelWord == "" {
		return errors.New("session.confirm_word and session.cancel_word must not be empty")
	}
	if strings.EqualFold(cfg.Session.ConfirmWord, cfg.Session.CancelWord) {
		return errors.New("session.confirm_word and session.cancel_word must differ")
	}
	return nil
}
