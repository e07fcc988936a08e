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
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	RuntimeName string            `yaml:"runtime_name"`
	Environment string            `yaml:"environment"`
	HTTP        HTTPConfig        `yaml:"http"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
	Bus         BusConfig         `yaml:"bus"`
	EventStore  EventStoreConfig  `yaml:"event_store"`
	Audio       AudioConfig       `yaml:"audio"`
	Token       TokenConfig       `yaml:"token"`
	Recognition RecognitionConfig `yaml:"recognition"`
	Segmenter   SegmenterConfig   `yaml:"segmenter"`
	Enrichment  EnrichmentConfig  `yaml:"enrichment"`
}

type BusConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

// AudioConfig describes microphone capture. Mode is device or synthetic.
type AudioConfig struct {
	Mode         string `yaml:"mode"`
	SampleRate   int    `yaml:"sample_rate"`
	Channels     int    `yaml:"channels"`
	FrameSize    int    `yaml:"frame_size"`
	DeviceBuffer int    `yaml:"device_buffer"`
}

// TokenConfig selects how recognition credentials are minted. Mode is hmac or remote.
type TokenConfig struct {
	Mode      string `yaml:"mode"`
	AppID     string `yaml:"app_id"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Endpoint  string `yaml:"endpoint"`
}

type RecognitionConfig struct {
	Endpoint           string `yaml:"endpoint"`
	HandshakeTimeoutMS int    `yaml:"handshake_timeout_ms"`
	PingIntervalMS     int    `yaml:"ping_interval_ms"`
	EventBuffer        int    `yaml:"event_buffer"`
}

type SegmenterConfig struct {
	Policy string `yaml:"policy"` // final, punctuation, both
}

type EnrichmentConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Mode      string `yaml:"mode"` // mock, openai, http, exec
	Endpoint  string `yaml:"endpoint"`
	APIKey    string `yaml:"api_key"`
	Model     string `yaml:"model"`
	Command   string `yaml:"command"`
	MinChars  int    `yaml:"min_chars"`
	TimeoutMS int    `yaml:"timeout_ms"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-notepad",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "127.0.0.1",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			OTLPEndpoint:   "",
			OTLPInsecure:   true,
			PrometheusBind: ":9091",
		},
		Bus: BusConfig{
			Enabled:        true,
			Embedded:       true,
			Port:           4222,
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		EventStore: EventStoreConfig{
			Path:          "./data/notepad-events.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxSessions:   1000,
		},
		Audio: AudioConfig{
			Mode:         "device",
			SampleRate:   16000,
			Channels:     1,
			FrameSize:    4096,
			DeviceBuffer: 4,
		},
		Token: TokenConfig{
			Mode: "hmac",
		},
		Recognition: RecognitionConfig{
			Endpoint:           "wss://openspeech.bytedance.com/api/v2/asr",
			HandshakeTimeoutMS: 10000,
			PingIntervalMS:     30000,
			EventBuffer:        64,
		},
		Segmenter: SegmenterConfig{
			Policy: "both",
		},
		Enrichment: EnrichmentConfig{
			Enabled:  true,
			Mode:     "mock",
			Endpoint: "https://ark.cn-beijing.volces.com/api/v3",
			MinChars: 2,
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
	overrideString(&cfg.RuntimeName, "NOTEPAD_RUNTIME_NAME")
	overrideString(&cfg.Environment, "NOTEPAD_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "NOTEPAD_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "NOTEPAD_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "NOTEPAD_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "NOTEPAD_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "NOTEPAD_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "NOTEPAD_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Bus.Enabled, "NOTEPAD_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "NOTEPAD_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "NOTEPAD_BUS_PORT")
	overrideStringSlice(&cfg.Bus.Servers, "NOTEPAD_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "NOTEPAD_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "NOTEPAD_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "NOTEPAD_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "NOTEPAD_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "NOTEPAD_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.EventStore.Path, "NOTEPAD_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "NOTEPAD_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "NOTEPAD_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxSessions, "NOTEPAD_EVENT_STORE_MAX_SESSIONS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "NOTEPAD_EVENT_STORE_VACUUM_ON_START")
	overrideString(&cfg.Audio.Mode, "NOTEPAD_AUDIO_MODE")
	overrideInt(&cfg.Audio.SampleRate, "NOTEPAD_AUDIO_SAMPLE_RATE")
	overrideInt(&cfg.Audio.Channels, "NOTEPAD_AUDIO_CHANNELS")
	overrideInt(&cfg.Audio.FrameSize, "NOTEPAD_AUDIO_FRAME_SIZE")
	overrideInt(&cfg.Audio.DeviceBuffer, "NOTEPAD_AUDIO_DEVICE_BUFFER")
	overrideString(&cfg.Token.Mode, "NOTEPAD_TOKEN_MODE")
	overrideString(&cfg.Token.AppID, "NOTEPAD_TOKEN_APP_ID")
	overrideString(&cfg.Token.AccessKey, "NOTEPAD_TOKEN_ACCESS_KEY")
	overrideString(&cfg.Token.SecretKey, "NOTEPAD_TOKEN_SECRET_KEY")
	overrideString(&cfg.Token.Endpoint, "NOTEPAD_TOKEN_ENDPOINT")
	overrideString(&cfg.Recognition.Endpoint, "NOTEPAD_RECOGNITION_ENDPOINT")
	overrideInt(&cfg.Recognition.HandshakeTimeoutMS, "NOTEPAD_RECOGNITION_HANDSHAKE_TIMEOUT_MS")
	overrideInt(&cfg.Recognition.PingIntervalMS, "NOTEPAD_RECOGNITION_PING_INTERVAL_MS")
	overrideInt(&cfg.Recognition.EventBuffer, "NOTEPAD_RECOGNITION_EVENT_BUFFER")
	overrideString(&cfg.Segmenter.Policy, "NOTEPAD_SEGMENTER_POLICY")
	overrideBool(&cfg.Enrichment.Enabled, "NOTEPAD_ENRICHMENT_ENABLED")
	overrideString(&cfg.Enrichment.Mode, "NOTEPAD_ENRICHMENT_MODE")
	overrideString(&cfg.Enrichment.Endpoint, "NOTEPAD_ENRICHMENT_ENDPOINT")
	overrideString(&cfg.Enrichment.APIKey, "NOTEPAD_ENRICHMENT_API_KEY")
	overrideString(&cfg.Enrichment.Model, "NOTEPAD_ENRICHMENT_MODEL")
	overrideString(&cfg.Enrichment.Command, "NOTEPAD_ENRICHMENT_COMMAND")
	overrideInt(&cfg.Enrichment.MinChars, "NOTEPAD_ENRICHMENT_MIN_CHARS")
	overrideInt(&cfg.Enrichment.TimeoutMS, "NOTEPAD_ENRICHMENT_TIMEOUT_MS")
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

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
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
	switch cfg.EventStore.RetentionMode {
	case "ephemeral", "session", "persistent":
		// ok
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.EventStore.RetentionMode != "ephemeral" && cfg.EventStore.Path == "" {
		return errors.New("event_store.path must not be empty")
	}
	if cfg.EventStore.RetentionDays < 0 {
		return errors.New("event_store.retention_days must be >= 0")
	}
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
	}
	switch cfg.Audio.Mode {
	case "device", "synthetic":
	default:
		return errors.New("audio.mode must be one of device|synthetic")
	}
	if cfg.Audio.SampleRate != 16000 {
		return errors.New("audio.sample_rate must be 16000")
	}
	if cfg.Audio.Channels != 1 {
		return errors.New("audio.channels must be 1")
	}
	if cfg.Audio.FrameSize <= 0 {
		return errors.New("audio.frame_size must be positive")
	}
	switch cfg.Token.Mode {
	case "hmac":
		if cfg.Token.AppID == "" {
			return errors.New("token.app_id must be set when mode=hmac")
		}
		if cfg.Token.SecretKey == "" {
			return errors.New("token.secret_key must be set when mode=hmac")
		}
	case "remote":
		if cfg.Token.Endpoint == "" {
			return errors.New("token.endpoint must be set when mode=remote")
		}
	default:
		return errors.New("token.mode must be one of hmac|remote")
	}
	if cfg.Recognition.Endpoint == "" {
		return errors.New("recognition.endpoint must not be empty")
	}
	if cfg.Recognition.HandshakeTimeoutMS < 0 || cfg.Recognition.PingIntervalMS < 0 {
		return errors.New("recognition timeouts must be >= 0")
	}
	switch cfg.Segmenter.Policy {
	case "final", "punctuation", "both":
	default:
		return errors.New("segmenter.policy must be one of final|punctuation|both")
	}
	if cfg.Enrichment.Enabled {
		switch cfg.Enrichment.Mode {
		case "mock", "openai", "http", "exec":
		default:
			return errors.New("enrichment.mode must be one of mock|openai|http|exec")
		}
		if (cfg.Enrichment.Mode == "openai" || cfg.Enrichment.Mode == "http") && cfg.Enrichment.Endpoint == "" {
			return fmt.Errorf("enrichment.endpoint must be set when mode=%s", cfg.Enrichment.Mode)
		}
		if cfg.Enrichment.Mode == "openai" && cfg.Enrichment.Model == "" {
			return errors.New("enrichment.model must be set when mode=openai")
		}
		if cfg.Enrichment.Mode == "exec" && cfg.Enrichment.Command == "" {
			return errors.New("enrichment.command must be set when mode=exec")
		}
		if cfg.Enrichment.MinChars < 0 || cfg.Enrichment.TimeoutMS < 0 {
			return errors.New("enrichment.min_chars and enrichment.timeout_ms must be >= 0")
		}
	}
	return nil
}
