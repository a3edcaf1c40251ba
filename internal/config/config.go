package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/tksa/receptionist/internal/directory"
)

// Config contains all runtime settings for the receptionist service.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string

	ARIHost     string
	ARIPort     int
	ARIUser     string
	ARIPassword string
	ARIApp      string

	OpenAIAPIKey string

	CompanyName string
	Greeting    string
	RingTimeout time.Duration
	Services    directory.Directory

	WebhookURL string

	RecordingsDir string
	AudioCacheDir string
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:         envOrDefault("APP_BIND_ADDR", ":8000"),
		MetricsNamespace: envOrDefault("APP_METRICS_NAMESPACE", "receptionist"),
		ShutdownTimeout:  15 * time.Second,

		ARIHost:     envOrDefault("ARI_HOST", "127.0.0.1"),
		ARIPort:     5039,
		ARIUser:     envOrDefault("ARI_USER", "xivo"),
		ARIPassword: os.Getenv("ARI_PASSWORD"),
		ARIApp:      envOrDefault("ARI_APP", "receptionniste"),

		OpenAIAPIKey: strings.TrimSpace(os.Getenv("OPENAI_API_KEY")),

		CompanyName: envOrDefault("COMPANY_NAME", "Toni Küpfer SA"),
		Greeting: envOrDefault("GREETING_MESSAGE",
			"Bonjour et bienvenue chez Toni Küpfer SA. Quel service souhaitez-vous joindre ?"),
		RingTimeout: 3 * time.Second,

		WebhookURL: strings.TrimSpace(os.Getenv("N8N_WEBHOOK_URL")),

		RecordingsDir: envOrDefault("RECORDINGS_DIR", "/var/spool/asterisk/recording"),
		AudioCacheDir: envOrDefault("AUDIO_CACHE_DIR", "/app/audio_cache"),
	}

	var err error
	cfg.ARIPort, err = intFromEnv("ARI_PORT", cfg.ARIPort)
	if err != nil {
		return Config{}, err
	}
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}

	// RING_TIMEOUT is whole seconds, matching the ARI originate timeout param.
	ringSeconds, err := intFromEnv("RING_TIMEOUT", int(cfg.RingTimeout/time.Second))
	if err != nil {
		return Config{}, err
	}
	if ringSeconds <= 0 {
		return Config{}, fmt.Errorf("RING_TIMEOUT must be positive")
	}
	cfg.RingTimeout = time.Duration(ringSeconds) * time.Second

	cfg.Services, err = directory.Parse(os.Getenv("SERVICES"))
	if err != nil {
		return Config{}, fmt.Errorf("SERVICES parse error: %w", err)
	}

	if cfg.OpenAIAPIKey == "" {
		return Config{}, fmt.Errorf("OPENAI_API_KEY must be set")
	}
	if cfg.ARIPort <= 0 || cfg.ARIPort > 65535 {
		return Config{}, fmt.Errorf("ARI_PORT out of range")
	}

	return cfg, nil
}

// ARIBaseURL is the REST endpoint of the call-control bus.
func (c Config) ARIBaseURL() string {
	return fmt.Sprintf("http://%s:%d", c.ARIHost, c.ARIPort)
}

// ARIWebSocketURL is the event stream endpoint, credentials included.
func (c Config) ARIWebSocketURL() string {
	return fmt.Sprintf("ws://%s:%d/ari/events?app=%s&api_key=%s",
		c.ARIHost, c.ARIPort,
		url.QueryEscape(c.ARIApp),
		url.QueryEscape(c.ARIUser+":"+c.ARIPassword))
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func intFromEnv(key string, fallback int) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}
