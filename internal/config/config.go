package config

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	settingsFile     = "config/setting.ini"
	defaultEnv       = "dev"
	envConfigPattern = "config/%s/proxy.ini"
)

// DefaultBeta is the anthropic-beta list the OAuth credential requires.
const DefaultBeta = "oauth-2025-04-20,claude-code-20250219,interleaved-thinking-2025-05-14,fine-grained-tool-streaming-2025-05-14"

// Settings contains global toggles such as the active environment.
type Settings struct {
	Environment string
	Defaults    map[string]string
}

// ProxyConfig describes runtime options for the proxy daemon. Precedence per
// key is environment variable, then environment config file, then setting.ini
// defaults, then built-in default.
type ProxyConfig struct {
	Environment string

	Port        int
	BindAddress string
	LogLevel    string
	LogFile     string

	AnthropicVersion string
	AnthropicBeta    []string
	APIBase          string

	AuthBaseAuthorize string
	AuthBaseToken     string
	ClientID          string
	RedirectURI       string
	Scope             string
	TokenFile         string

	DefaultModel     string
	DefaultMaxTokens int
	RequestTimeout   time.Duration
	ModelsFile       string

	LedgerPath    string
	LedgerEnabled bool
}

// ListenAddr returns the bind address and port joined for net.Listen.
func (c ProxyConfig) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.BindAddress, c.Port)
}

// LoadProxyConfig reads the current environment and loads the proxy config.
func LoadProxyConfig(root string) (ProxyConfig, error) {
	if root == "" {
		root = "."
	}
	s, err := loadSettings(root)
	if err != nil {
		return ProxyConfig{}, err
	}

	envValues, err := parseINI(filepath.Join(root, fmt.Sprintf(envConfigPattern, s.Environment)))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			envValues = map[string]string{}
		} else {
			return ProxyConfig{}, err
		}
	}

	merged := make(map[string]string)
	for k, v := range s.Defaults {
		merged[k] = v
	}
	for k, v := range envValues {
		merged[k] = v
	}

	cfg := ProxyConfig{
		Environment:       s.Environment,
		Port:              parseOptionalInt(firstNonEmpty(os.Getenv("PORT"), merged["port"]), 8081),
		BindAddress:       firstNonEmpty(os.Getenv("BIND_ADDRESS"), merged["bind_address"], "127.0.0.1"),
		LogLevel:          firstNonEmpty(os.Getenv("LOG_LEVEL"), merged["log_level"], "info"),
		LogFile:           firstNonEmpty(os.Getenv("LOG_FILE"), merged["log_file"]),
		AnthropicVersion:  firstNonEmpty(os.Getenv("ANTHROPIC_VERSION"), merged["anthropic_version"], "2023-06-01"),
		APIBase:           firstNonEmpty(os.Getenv("API_BASE"), merged["api_base"], "https://api.anthropic.com"),
		AuthBaseAuthorize: firstNonEmpty(os.Getenv("AUTH_BASE_AUTHORIZE"), merged["auth_base_authorize"], "https://claude.ai"),
		AuthBaseToken:     firstNonEmpty(os.Getenv("AUTH_BASE_TOKEN"), merged["auth_base_token"], "https://console.anthropic.com"),
		ClientID:          firstNonEmpty(os.Getenv("CLIENT_ID"), merged["client_id"], "9d1c250a-e61b-44d9-88ed-5944d1962f5e"),
		RedirectURI:       firstNonEmpty(os.Getenv("REDIRECT_URI"), merged["redirect_uri"], "https://console.anthropic.com/oauth/code/callback"),
		Scope:             firstNonEmpty(os.Getenv("SCOPE"), merged["scope"], "org:create_api_key user:profile user:inference"),
		TokenFile:         firstNonEmpty(os.Getenv("TOKEN_FILE"), merged["token_file"], DefaultTokenPath()),
		DefaultModel:      firstNonEmpty(os.Getenv("DEFAULT_MODEL"), merged["default_model"], "claude-sonnet-4-0"),
		DefaultMaxTokens:  parseOptionalInt(firstNonEmpty(os.Getenv("DEFAULT_MAX_TOKENS"), merged["default_max_tokens"]), 4096),
		ModelsFile:        firstNonEmpty(os.Getenv("MODELS_FILE"), merged["models_file"]),
		LedgerPath:        firstNonEmpty(os.Getenv("LEDGER_PATH"), merged["ledger_path"], DefaultLedgerPath()),
		LedgerEnabled:     parseOptionalBool(firstNonEmpty(os.Getenv("LEDGER_ENABLED"), merged["ledger_enabled"]), true),
	}
	cfg.AnthropicBeta = parseCSV(firstNonEmpty(os.Getenv("ANTHROPIC_BETA"), merged["anthropic_beta"], DefaultBeta))
	if v := firstNonEmpty(os.Getenv("REQUEST_TIMEOUT"), merged["request_timeout"]); strings.TrimSpace(v) != "" {
		dur, err := parseTimeout(v)
		if err != nil {
			return ProxyConfig{}, fmt.Errorf("invalid request_timeout %q: %w", v, err)
		}
		cfg.RequestTimeout = dur
	} else {
		cfg.RequestTimeout = 120 * time.Second
	}
	return cfg, nil
}

// parseTimeout accepts either a bare number of seconds or a Go duration.
func parseTimeout(v string) (time.Duration, error) {
	v = strings.TrimSpace(v)
	if secs, err := strconv.ParseFloat(v, 64); err == nil {
		return time.Duration(secs * float64(time.Second)), nil
	}
	return time.ParseDuration(v)
}

func loadSettings(root string) (Settings, error) {
	values, err := parseINI(filepath.Join(root, settingsFile))
	if errors.Is(err, os.ErrNotExist) {
		return Settings{Environment: defaultEnv, Defaults: map[string]string{}}, nil
	}
	if err != nil {
		return Settings{}, err
	}
	env := values["environment"]
	if env == "" {
		env = defaultEnv
	}
	defaults := make(map[string]string)
	for k, v := range values {
		if k == "environment" {
			continue
		}
		defaults[k] = v
	}
	return Settings{Environment: env, Defaults: defaults}, nil
}

func parseINI(path string) (map[string]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	values := make(map[string]string)
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, ";") {
			continue
		}
		if strings.HasPrefix(line, "[") {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		val := strings.TrimSpace(parts[1])
		if key == "" {
			continue
		}
		values[strings.ToLower(key)] = val
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return values, nil
}

func parseBool(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

func parseOptionalBool(v string, fallback bool) bool {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return parseBool(v)
}

func parseOptionalInt(v string, fallback int) int {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	if parsed, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
		return parsed
	}
	return fallback
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func parseCSV(input string) []string {
	if strings.TrimSpace(input) == "" {
		return nil
	}
	parts := strings.Split(input, ",")
	var out []string
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// DefaultTokenPath returns the fallback credential file path.
func DefaultTokenPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "tokens.json"
	}
	return filepath.Join(home, ".anthropic-oauth-proxy", "tokens.json")
}

// DefaultLedgerPath returns the fallback usage ledger path.
func DefaultLedgerPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "usage.db"
	}
	return filepath.Join(home, ".anthropic-oauth-proxy", "usage.db")
}
