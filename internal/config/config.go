package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	envPrefix                  = "COMMUNE"
	defaultHTTPAddress         = "0.0.0.0:8080"
	defaultLogLevel            = "info"
	defaultRoomID              = "main"
	defaultVotesNeeded         = 3
	defaultOutboundBuffer      = 64
	defaultGeneratorProvider   = "openai"
	defaultGeneratorBaseURL    = "https://openrouter.ai/api/v1"
	defaultGeneratorModel      = "z-ai/glm-5"
	defaultGeneratorTimeout    = 120
	defaultGeneratorMaxTokens  = 4096
	defaultCORSAllowedOrigins  = "*"
	defaultClientServerURL     = "http://127.0.0.1:8080"
	defaultIdentityDirectory   = "commune"
	defaultIdentityFileName    = "identity"
	generatorProviderOpenAI    = "openai"
	generatorProviderOllama    = "ollama"
	generatorProviderNone      = "none"
	defaultDotenvFile          = ".env"
	keyHTTPAddress             = "http.address"
	keyDatabasePath            = "database.path"
	keyLogLevel                = "log.level"
	keyLogFile                 = "log.file"
	keyRoomDefaultID           = "room.default_id"
	keyRoomVotesNeeded         = "room.votes_needed"
	keyRoomOutboundBuffer      = "room.outbound_buffer"
	keyGeneratorProvider       = "generator.provider"
	keyGeneratorBaseURL        = "generator.base_url"
	keyGeneratorAPIKey         = "generator.api_key"
	keyGeneratorModel          = "generator.model"
	keyGeneratorTimeoutSeconds = "generator.timeout_seconds"
	keyGeneratorMaxTokens      = "generator.max_tokens"
	keyReceiptsSigningSecret   = "receipts.signing_secret"
	keyCORSAllowedOrigins      = "cors.allowed_origins"
	keyClientServerURL         = "client.server_url"
	keyClientRoom              = "client.room"
	keyClientIdentityPath      = "client.identity_path"
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress        string
	DatabasePath       string
	LogLevel           string
	LogFile            string
	DefaultRoomID      string
	VotesNeeded        int
	OutboundBuffer     int
	GeneratorProvider  string
	GeneratorBaseURL   string
	GeneratorAPIKey    string
	GeneratorModel     string
	GeneratorTimeout   time.Duration
	GeneratorMaxTokens int
	ReceiptsSecret     string
	CORSAllowedOrigins []string
}

// ClientConfig captures configuration for the commune command line client.
type ClientConfig struct {
	ServerURL    string
	Room         string
	IdentityPath string
	LogLevel     string
}

// LoadDotenv loads variables from a .env file into the process environment
// without overriding variables that are already set. A missing file is not an error.
func LoadDotenv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{defaultDotenvFile}
	}
	existing := make([]string, 0, len(paths))
	for _, path := range paths {
		if _, err := os.Stat(path); err == nil {
			existing = append(existing, path)
		}
	}
	if len(existing) == 0 {
		return nil
	}
	if err := godotenv.Load(existing...); err != nil {
		return fmt.Errorf("load dotenv: %w", err)
	}
	return nil
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault(keyHTTPAddress, defaultHTTPAddress)
	configViper.SetDefault(keyDatabasePath, "")
	configViper.SetDefault(keyLogLevel, defaultLogLevel)
	configViper.SetDefault(keyLogFile, "")
	configViper.SetDefault(keyRoomDefaultID, defaultRoomID)
	configViper.SetDefault(keyRoomVotesNeeded, defaultVotesNeeded)
	configViper.SetDefault(keyRoomOutboundBuffer, defaultOutboundBuffer)
	configViper.SetDefault(keyGeneratorProvider, defaultGeneratorProvider)
	configViper.SetDefault(keyGeneratorBaseURL, defaultGeneratorBaseURL)
	configViper.SetDefault(keyGeneratorAPIKey, "")
	configViper.SetDefault(keyGeneratorModel, defaultGeneratorModel)
	configViper.SetDefault(keyGeneratorTimeoutSeconds, defaultGeneratorTimeout)
	configViper.SetDefault(keyGeneratorMaxTokens, defaultGeneratorMaxTokens)
	configViper.SetDefault(keyReceiptsSigningSecret, "")
	configViper.SetDefault(keyCORSAllowedOrigins, defaultCORSAllowedOrigins)
	configViper.SetDefault(keyClientServerURL, defaultClientServerURL)
	configViper.SetDefault(keyClientRoom, defaultRoomID)
	configViper.SetDefault(keyClientIdentityPath, "")
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:        strings.TrimSpace(configViper.GetString(keyHTTPAddress)),
		DatabasePath:       strings.TrimSpace(configViper.GetString(keyDatabasePath)),
		LogLevel:           configViper.GetString(keyLogLevel),
		LogFile:            strings.TrimSpace(configViper.GetString(keyLogFile)),
		DefaultRoomID:      strings.TrimSpace(configViper.GetString(keyRoomDefaultID)),
		VotesNeeded:        configViper.GetInt(keyRoomVotesNeeded),
		OutboundBuffer:     configViper.GetInt(keyRoomOutboundBuffer),
		GeneratorProvider:  strings.ToLower(strings.TrimSpace(configViper.GetString(keyGeneratorProvider))),
		GeneratorBaseURL:   strings.TrimSpace(configViper.GetString(keyGeneratorBaseURL)),
		GeneratorAPIKey:    strings.TrimSpace(configViper.GetString(keyGeneratorAPIKey)),
		GeneratorModel:     strings.TrimSpace(configViper.GetString(keyGeneratorModel)),
		GeneratorTimeout:   time.Duration(configViper.GetInt(keyGeneratorTimeoutSeconds)) * time.Second,
		GeneratorMaxTokens: configViper.GetInt(keyGeneratorMaxTokens),
		ReceiptsSecret:     strings.TrimSpace(configViper.GetString(keyReceiptsSigningSecret)),
		CORSAllowedOrigins: splitList(configViper.GetString(keyCORSAllowedOrigins)),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

// LoadClient parses client configuration from viper.
func LoadClient(configViper *viper.Viper) (ClientConfig, error) {
	cfg := ClientConfig{
		ServerURL:    strings.TrimRight(strings.TrimSpace(configViper.GetString(keyClientServerURL)), "/"),
		Room:         strings.TrimSpace(configViper.GetString(keyClientRoom)),
		IdentityPath: strings.TrimSpace(configViper.GetString(keyClientIdentityPath)),
		LogLevel:     configViper.GetString(keyLogLevel),
	}
	if cfg.IdentityPath == "" {
		path, err := defaultIdentityPath()
		if err != nil {
			return ClientConfig{}, err
		}
		cfg.IdentityPath = path
	}
	if cfg.ServerURL == "" {
		return ClientConfig{}, fmt.Errorf("%s is required", keyClientServerURL)
	}
	if cfg.Room == "" {
		return ClientConfig{}, fmt.Errorf("%s is required", keyClientRoom)
	}
	return cfg, nil
}

func (c AppConfig) validate() error {
	if c.HTTPAddress == "" {
		return fmt.Errorf("%s is required", keyHTTPAddress)
	}
	if c.DefaultRoomID == "" {
		return fmt.Errorf("%s is required", keyRoomDefaultID)
	}
	if c.VotesNeeded < 1 {
		return fmt.Errorf("%s must be at least 1", keyRoomVotesNeeded)
	}
	if c.OutboundBuffer < 1 {
		return fmt.Errorf("%s must be at least 1", keyRoomOutboundBuffer)
	}
	if c.GeneratorTimeout <= 0 {
		return fmt.Errorf("%s must be positive", keyGeneratorTimeoutSeconds)
	}
	switch c.GeneratorProvider {
	case generatorProviderOpenAI:
		if c.GeneratorAPIKey == "" {
			return fmt.Errorf("%s is required for the %s provider", keyGeneratorAPIKey, generatorProviderOpenAI)
		}
	case generatorProviderOllama, generatorProviderNone:
	default:
		return fmt.Errorf("%s must be one of openai, ollama, none", keyGeneratorProvider)
	}
	return nil
}

func defaultIdentityPath() (string, error) {
	configDir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("resolve identity path: %w", err)
	}
	return filepath.Join(configDir, defaultIdentityDirectory, defaultIdentityFileName), nil
}

func splitList(raw string) []string {
	parts := strings.FieldsFunc(raw, func(r rune) bool {
		return r == ',' || r == ' '
	})
	values := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			values = append(values, trimmed)
		}
	}
	return values
}
