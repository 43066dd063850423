package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode"

	"github.com/go-viper/mapstructure/v2"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/pkg/errors"
)

const (
	defaultPath = "."
	// EnvPrefix marks environment variables that override the YAML file.
	EnvPrefix = "SENTRY_"

	defaultPort           = 5000
	defaultTokenTTL       = 7 * 24 * time.Hour
	defaultMaxUploadBytes = 25 << 20
	defaultMistralURL     = "https://api.mistral.ai/v1"
	defaultMistralModel   = "mistral-medium"
)

type Config struct {
	Env struct {
		Env         string `json:"env" yaml:"env"`
		ServiceName string `json:"serviceName" yaml:"serviceName"`
		Log         Log    `json:"log" yaml:"log"`
	} `json:"env" yaml:"env"`

	HTTP struct {
		Port     int `json:"port" yaml:"port"`
		Timeouts struct {
			ReadTimeout       time.Duration `json:"readTimeout" yaml:"readTimeout"`
			ReadHeaderTimeout time.Duration `json:"readHeaderTimeout" yaml:"readHeaderTimeout"`
			WriteTimeout      time.Duration `json:"writeTimeout" yaml:"writeTimeout"`
			IdleTimeout       time.Duration `json:"idleTimeout" yaml:"idleTimeout"`
		} `json:"timeouts" yaml:"timeouts"`
	} `json:"http" yaml:"http"`

	Postgres struct {
		DSN string `json:"dsn" yaml:"dsn"`
	} `json:"postgres" yaml:"postgres"`

	SecretKey struct {
		JWT string `json:"jwt" yaml:"jwt"`
	} `json:"secretKey" yaml:"secretKey"`

	Auth *AuthConfig `json:"auth" yaml:"auth"`

	Mistral *MistralConfig `json:"mistral" yaml:"mistral"`

	Evidence *EvidenceConfig `json:"evidence" yaml:"evidence"`

	// Webhooks notify third-party responders of new emergencies.
	Webhooks *WebhookConfig `json:"webhooks" yaml:"webhooks"`
}

type Log struct {
	Pretty bool   `json:"pretty" yaml:"pretty"`
	Level  string `json:"level" yaml:"level"`
}

// AuthConfig defines authentication-related configuration
type AuthConfig struct {
	BcryptCost int           `json:"bcryptCost" yaml:"bcryptCost"`
	TokenTTL   time.Duration `json:"tokenTtl" yaml:"tokenTtl"`
}

// MistralConfig points the assistant at the chat-completions API.
type MistralConfig struct {
	APIKey  string        `json:"apiKey" yaml:"apiKey"`
	BaseURL string        `json:"baseUrl" yaml:"baseUrl"`
	Model   string        `json:"model" yaml:"model"`
	Timeout time.Duration `json:"timeout" yaml:"timeout"`
}

// EvidenceConfig defines where uploaded evidence is stored.
type EvidenceConfig struct {
	// BucketURL is a gocloud.dev blob URL, e.g. file:///var/lib/sentry/evidence or mem://.
	BucketURL      string `json:"bucketUrl" yaml:"bucketUrl"`
	MaxUploadBytes int64  `json:"maxUploadBytes" yaml:"maxUploadBytes"`
}

// WebhookConfig lists responder endpoints and the shared signing secret.
type WebhookConfig struct {
	URLs     []string `json:"urls" yaml:"urls"`
	Secret   string   `json:"secret" yaml:"secret"`
	Attempts int      `json:"attempts" yaml:"attempts"`
}

// LoadWithEnv loads <currEnv>.yaml through koanf and applies SENTRY_* overrides.
func LoadWithEnv[T any](currEnv string, configPath ...string) (*T, error) {
	cfg := new(T)
	koanfInstance := koanf.New(".")

	searchPaths := []string{defaultPath}
	if len(configPath) != 0 {
		pwd, err := os.Getwd()
		if err != nil {
			return nil, errors.Wrap(err, "os.Getwd")
		}
		for _, path := range configPath {
			if filepath.IsAbs(path) {
				searchPaths = append(searchPaths, path)
				continue
			}
			searchPaths = append(searchPaths, filepath.Join(pwd, path))
		}
	}

	var configFile string
	for _, path := range searchPaths {
		candidate := filepath.Join(path, currEnv+".yaml")
		if _, err := os.Stat(candidate); err == nil {
			configFile = candidate
			break
		}
	}
	if configFile == "" {
		return nil, errors.Errorf("config file %s.yaml not found in any search path", currEnv)
	}

	if err := koanfInstance.Load(file.Provider(configFile), yaml.Parser()); err != nil {
		return nil, errors.Wrapf(err, "read %s config failed", currEnv)
	}

	existingConfigMap := koanfInstance.Raw()

	// SENTRY_MISTRAL_APIKEY -> mistral.apiKey
	if err := koanfInstance.Load(env.Provider(".", env.Opt{
		Prefix: EnvPrefix,
		TransformFunc: func(k, v string) (string, any) {
			return canonicalizeEnvKey(strings.TrimPrefix(k, EnvPrefix), existingConfigMap), v
		},
	}), nil); err != nil {
		return nil, errors.Wrap(err, "load env variables failed")
	}

	if err := koanfInstance.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{
		DecoderConfig: &mapstructure.DecoderConfig{
			Result:           cfg,
			WeaklyTypedInput: true,
			DecodeHook: mapstructure.ComposeDecodeHookFunc(
				mapstructure.StringToTimeDurationHookFunc(),
				mapstructure.StringToSliceHookFunc(","),
			),
			MatchName: func(mapKey, fieldName string) bool {
				return strings.EqualFold(mapKey, fieldName)
			},
		},
	}); err != nil {
		return nil, errors.Wrapf(err, "unmarshal %s config failed", currEnv)
	}

	return cfg, nil
}

// New loads sentryd.yaml from the working directory or a config/ directory near it.
func New() (*Config, error) {
	cfg, err := LoadWithEnv[Config]("sentryd", "config", "../config", "../../config")
	if err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.HTTP.Port == 0 {
		c.HTTP.Port = defaultPort
	}
	if c.Env.ServiceName == "" {
		c.Env.ServiceName = "sentryd"
	}
	if c.Auth == nil {
		c.Auth = &AuthConfig{}
	}
	if c.Auth.TokenTTL == 0 {
		c.Auth.TokenTTL = defaultTokenTTL
	}
	if c.Mistral == nil {
		c.Mistral = &MistralConfig{}
	}
	if c.Mistral.BaseURL == "" {
		c.Mistral.BaseURL = defaultMistralURL
	}
	if c.Mistral.Model == "" {
		c.Mistral.Model = defaultMistralModel
	}
	if c.Mistral.Timeout == 0 {
		c.Mistral.Timeout = 10 * time.Second
	}
	if c.Evidence == nil {
		c.Evidence = &EvidenceConfig{}
	}
	if c.Evidence.BucketURL == "" {
		c.Evidence.BucketURL = "mem://"
	}
	if c.Evidence.MaxUploadBytes == 0 {
		c.Evidence.MaxUploadBytes = defaultMaxUploadBytes
	}
	if c.Webhooks == nil {
		c.Webhooks = &WebhookConfig{}
	}
	if c.Webhooks.Attempts == 0 {
		c.Webhooks.Attempts = 3
	}
}

// Validate reports settings the server cannot start without.
func (c *Config) Validate() error {
	if c.SecretKey.JWT == "" {
		return errors.New("secretKey.jwt must be provided")
	}
	if c.Postgres.DSN == "" {
		return errors.New("postgres.dsn must be provided")
	}
	if len(c.Webhooks.URLs) > 0 && c.Webhooks.Secret == "" {
		return errors.New("webhooks.secret is required when webhook urls are configured")
	}
	return nil
}

func canonicalizeEnvKey(rawKey string, existing map[string]any) string {
	segments := strings.Split(strings.ToLower(rawKey), "_")
	canonical := make([]string, 0, len(segments))
	current := existing

	for _, segment := range segments {
		if segment == "" {
			continue
		}

		if matched, next, ok := findExistingSegment(current, segment); ok {
			canonical = append(canonical, matched)
			current = next
		} else {
			canonical = append(canonical, segment)
			current = nil
		}
	}

	return strings.Join(canonical, ".")
}

func findExistingSegment(current map[string]any, segment string) (matched string, next map[string]any, ok bool) {
	if len(current) == 0 {
		return "", nil, false
	}

	needle := normalizeToken(segment)
	for key, value := range current {
		if normalizeToken(key) != needle {
			continue
		}
		child, _ := value.(map[string]any)
		return key, child, true
	}

	return "", nil, false
}

func normalizeToken(s string) string {
	var normalized strings.Builder
	normalized.Grow(len(s))
	for _, r := range s {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) {
			continue
		}
		normalized.WriteRune(unicode.ToLower(r))
	}
	return normalized.String()
}
