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
	RuntimeName  string             `yaml:"runtime_name"`
	Environment  string             `yaml:"environment"`
	HTTP         HTTPConfig         `yaml:"http"`
	Telemetry    TelemetryConfig    `yaml:"telemetry"`
	Bus          BusConfig          `yaml:"bus"`
	EventStore   EventStoreConfig   `yaml:"event_store"`
	Capture      CaptureConfig      `yaml:"capture"`
	Dispatch     DispatchConfig     `yaml:"dispatch"`
	Transfer     TransferConfig     `yaml:"transfer"`
	Wallet       WalletConfig       `yaml:"wallet"`
	Conversation ConversationConfig `yaml:"conversation"`
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

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

// CaptureConfig is fixed at load time; the capture session never renegotiates it.
type CaptureConfig struct {
	Mode                string  `yaml:"mode"` // mock, exec, bus
	Command             string  `yaml:"command"`
	Language            string  `yaml:"language"`
	Continuous          bool    `yaml:"continuous"`
	InterimResults      bool    `yaml:"interim_results"`
	MaxAlternatives     int     `yaml:"max_alternatives"`
	InactivityTimeoutMS int     `yaml:"inactivity_timeout_ms"`
	DeviceID            string  `yaml:"device_id"`
	MockText            string  `yaml:"mock_text"`
	MockConfidence      float64 `yaml:"mock_confidence"`
}

type DispatchConfig struct {
	Mode          string  `yaml:"mode"` // http, exec, pattern
	Endpoint      string  `yaml:"endpoint"`
	Command       string  `yaml:"command"`
	MinConfidence float64 `yaml:"min_confidence"`
	DebounceMS    int     `yaml:"debounce_ms"`
	TimeoutMS     int     `yaml:"timeout_ms"`
}

type TransferConfig struct {
	Mode        string `yaml:"mode"` // http, mock
	Endpoint    string `yaml:"endpoint"`
	TimeoutMS   int    `yaml:"timeout_ms"`
	ExplorerURL string `yaml:"explorer_url"`
	Network     string `yaml:"network"`
}

type WalletConfig struct {
	Address          string `yaml:"address"`
	RequireConnected bool   `yaml:"require_connected"`
}

type ConversationConfig struct {
	Welcome    string `yaml:"welcome"`
	MaxEntries int    `yaml:"max_entries"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-wallet",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
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
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		EventStore: EventStoreConfig{
			Path:          "./data/loqa-wallet.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxSessions:   10000,
		},
		Capture: CaptureConfig{
			Mode:                "mock",
			Language:            "en-US",
			Continuous:          false,
			InterimResults:      true,
			MaxAlternatives:     3,
			InactivityTimeoutMS: 10000,
			DeviceID:            "default",
			MockText:            "Send 0.005 ETH to annie.base.eth",
			MockConfidence:      0.95,
		},
		Dispatch: DispatchConfig{
			Mode:          "http",
			Endpoint:      "http://localhost:8000/api/voice-command",
			MinConfidence: 0.6,
			TimeoutMS:     30000,
		},
		Transfer: TransferConfig{
			Mode:        "http",
			Endpoint:    "http://localhost:8000/api/send-crypto",
			TimeoutMS:   60000,
			ExplorerURL: "https://sepolia.basescan.org/tx/",
			Network:     "Base Sepolia",
		},
		Conversation: ConversationConfig{
			Welcome:    "Welcome! Try speaking a command like 'Send 0.005 ETH to annie.base.eth'",
			MaxEntries: 500,
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
	overrideString(&cfg.RuntimeName, "LOQA_WALLET_RUNTIME_NAME")
	overrideString(&cfg.Environment, "LOQA_WALLET_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "LOQA_WALLET_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "LOQA_WALLET_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "LOQA_WALLET_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "LOQA_WALLET_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "LOQA_WALLET_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "LOQA_WALLET_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Bus.Enabled, "LOQA_WALLET_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "LOQA_WALLET_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "LOQA_WALLET_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "LOQA_WALLET_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "LOQA_WALLET_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "LOQA_WALLET_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "LOQA_WALLET_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "LOQA_WALLET_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "LOQA_WALLET_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "LOQA_WALLET_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.EventStore.Path, "LOQA_WALLET_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "LOQA_WALLET_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "LOQA_WALLET_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxSessions, "LOQA_WALLET_EVENT_STORE_MAX_SESSIONS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "LOQA_WALLET_EVENT_STORE_VACUUM_ON_START")
	overrideString(&cfg.Capture.Mode, "LOQA_WALLET_CAPTURE_MODE")
	overrideString(&cfg.Capture.Command, "LOQA_WALLET_CAPTURE_COMMAND")
	overrideString(&cfg.Capture.DeviceID, "LOQA_WALLET_CAPTURE_DEVICE_ID")
	overrideString(&cfg.Capture.MockText, "LOQA_WALLET_CAPTURE_MOCK_TEXT")
	overrideFloat(&cfg.Capture.MockConfidence, "LOQA_WALLET_CAPTURE_MOCK_CONFIDENCE")
	overrideString(&cfg.Dispatch.Mode, "LOQA_WALLET_DISPATCH_MODE")
	overrideString(&cfg.Dispatch.Endpoint, "LOQA_WALLET_DISPATCH_ENDPOINT")
	overrideString(&cfg.Dispatch.Command, "LOQA_WALLET_DISPATCH_COMMAND")
	overrideInt(&cfg.Dispatch.DebounceMS, "LOQA_WALLET_DISPATCH_DEBOUNCE_MS")
	overrideInt(&cfg.Dispatch.TimeoutMS, "LOQA_WALLET_DISPATCH_TIMEOUT_MS")
	overrideString(&cfg.Transfer.Mode, "LOQA_WALLET_TRANSFER_MODE")
	overrideString(&cfg.Transfer.Endpoint, "LOQA_WALLET_TRANSFER_ENDPOINT")
	overrideInt(&cfg.Transfer.TimeoutMS, "LOQA_WALLET_TRANSFER_TIMEOUT_MS")
	overrideString(&cfg.Transfer.ExplorerURL, "LOQA_WALLET_TRANSFER_EXPLORER_URL")
	overrideString(&cfg.Transfer.Network, "LOQA_WALLET_TRANSFER_NETWORK")
	overrideString(&cfg.Wallet.Address, "LOQA_WALLET_ADDRESS")
	overrideBool(&cfg.Wallet.RequireConnected, "LOQA_WALLET_REQUIRE_CONNECTED")
	overrideString(&cfg.Conversation.Welcome, "LOQA_WALLET_CONVERSATION_WELCOME")
	overrideInt(&cfg.Conversation.MaxEntries, "LOQA_WALLET_CONVERSATION_MAX_ENTRIES")
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

// Validate reports the first configuration problem found.
func Validate(cfg Config) error {
	return validate(cfg)
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
	if cfg.EventStore.Path == "" && cfg.EventStore.RetentionMode != "ephemeral" {
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
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
	}
	switch cfg.Capture.Mode {
	case "mock", "exec":
	case "bus":
		if !cfg.Bus.Enabled {
			return errors.New("capture.mode=bus requires bus.enabled")
		}
	default:
		return errors.New("capture.mode must be one of mock|exec|bus")
	}
	if cfg.Capture.Mode == "exec" && cfg.Capture.Command == "" {
		return errors.New("capture.command must be set when mode=exec")
	}
	if cfg.Capture.InactivityTimeoutMS <= 0 {
		return errors.New("capture.inactivity_timeout_ms must be positive")
	}
	if cfg.Capture.MaxAlternatives <= 0 {
		return errors.New("capture.max_alternatives must be >= 1")
	}
	switch cfg.Dispatch.Mode {
	case "http", "exec", "pattern":
	default:
		return errors.New("dispatch.mode must be one of http|exec|pattern")
	}
	if cfg.Dispatch.Mode == "http" && cfg.Dispatch.Endpoint == "" {
		return errors.New("dispatch.endpoint must be set when mode=http")
	}
	if cfg.Dispatch.Mode == "exec" && cfg.Dispatch.Command == "" {
		return errors.New("dispatch.command must be set when mode=exec")
	}
	if cfg.Dispatch.MinConfidence < 0 || cfg.Dispatch.MinConfidence >= 1 {
		return errors.New("dispatch.min_confidence must be in [0,1)")
	}
	if cfg.Dispatch.DebounceMS < 0 {
		return errors.New("dispatch.debounce_ms must be >= 0")
	}
	switch cfg.Transfer.Mode {
	case "http", "mock":
	default:
		return errors.New("transfer.mode must be one of http|mock")
	}
	if cfg.Transfer.Mode == "http" && cfg.Transfer.Endpoint == "" {
		return errors.New("transfer.endpoint must be set when mode=http")
	}
	if cfg.Conversation.MaxEntries < 0 {
		return errors.New("conversation.max_entries must be >= 0")
	}
	return nil
}
