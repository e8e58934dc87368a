package config

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	pathEnvVariable      = "KALAMCHE_CONFIG"
	awsSecretEnvVariable = "KALAMCHE_AWS_SECRET_ID"
	awsRegionEnvVariable = "KALAMCHE_AWS_REGION"
)

// Path returns the settings file path from the environment, or the fallback.
func Path(fallback string) string {
	if p := strings.TrimSpace(os.Getenv(pathEnvVariable)); p != "" {
		return p
	}
	return fallback
}

// Load builds Settings from defaults, the YAML file at path (if any), a local
// .env file, process environment and, when configured, AWS Secrets Manager.
// The result is validated before it is returned.
func Load(ctx context.Context, path string) (Settings, error) {
	cfg := Default()
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return Settings{}, fmt.Errorf("config: open %s: %w", path, err)
		}
		err = Decode(f, &cfg)
		_ = f.Close()
		if err != nil {
			return Settings{}, fmt.Errorf("config: %s: %w", path, err)
		}
	}

	_ = godotenv.Load()

	secrets := map[string]string{}
	if id := strings.TrimSpace(os.Getenv(awsSecretEnvVariable)); id != "" {
		client, err := newSecretsClient(ctx, os.Getenv(awsRegionEnvVariable))
		if err != nil {
			return Settings{}, err
		}
		secrets, err = FetchSecrets(ctx, client, id)
		if err != nil {
			return Settings{}, err
		}
	}
	ApplyOverrides(&cfg, func(key string) (string, bool) {
		if v, ok := os.LookupEnv(key); ok {
			return v, true
		}
		v, ok := secrets[key]
		return v, ok
	})

	cfg.OAuthProviders.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return Settings{}, err
	}
	return cfg, nil
}

// Decode reads YAML into cfg. Keys that do not map to a settings field are
// rejected; fields absent from the document keep their current values.
func Decode(r io.Reader, cfg *Settings) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("decode: %w", err)
	}
	return nil
}

// ApplyOverrides copies values for the known KALAMCHE_* keys into cfg.
func ApplyOverrides(cfg *Settings, lookup func(string) (string, bool)) {
	targets := map[string]*string{
		"KALAMCHE_DATABASE_URL":            &cfg.Database.Connection,
		"KALAMCHE_JWT_ACCESS_SECRET":       &cfg.JWT.AccessSecret,
		"KALAMCHE_JWT_REFRESH_SECRET":      &cfg.JWT.RefreshSecret,
		"KALAMCHE_JWT_VERIFICATION_SECRET": &cfg.JWT.VerificationSecret,
		"KALAMCHE_PAYMENT_SECRET":          &cfg.Payment.Secret,
		"KALAMCHE_EMAIL_PASSWORD":          &cfg.Email.Password,
		"KALAMCHE_EMAIL_BROKER_URL":        &cfg.Email.BrokerURL,
		"KALAMCHE_REDIS_URL":               &cfg.Redis.URL,
	}
	if cfg.OAuthProviders.GitHub != nil {
		targets["KALAMCHE_GITHUB_CLIENT_SECRET"] = &cfg.OAuthProviders.GitHub.ClientSecret
	}
	if cfg.OAuthProviders.Discord != nil {
		targets["KALAMCHE_DISCORD_CLIENT_SECRET"] = &cfg.OAuthProviders.Discord.ClientSecret
	}
	for key, dst := range targets {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate enforces the settings schema and the cross-field rules the
// gateway depends on.
func (s Settings) Validate() error {
	for _, kind := range []string{"access", "refresh", "verification"} {
		if _, err := s.JWT.Secret(kind); err != nil {
			return err
		}
	}
	if s.JWT.AccessSecret == s.JWT.RefreshSecret ||
		s.JWT.AccessSecret == s.JWT.VerificationSecret ||
		s.JWT.RefreshSecret == s.JWT.VerificationSecret {
		return errors.New("config: jwt secrets must differ per token kind")
	}
	if err := validate.Struct(s); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	general, payment := s.RateLimit.General, s.RateLimit.Payment
	if payment.MaxRequests > general.MaxRequests ||
		(payment.MaxRequests == general.MaxRequests && payment.Window >= general.Window) {
		return errors.New("config: payment rate limit must be stricter than general")
	}
	if s.RateLimit.Backend == "redis" && s.Redis.URL == "" {
		return errors.New("config: rate_limit.backend redis requires redis.url")
	}
	return nil
}

func (c *OAuthConfig) applyDefaults() {
	if c.GitHub != nil {
		fill(c.GitHub, OAuthProviderConfig{
			AuthURL:      "https://github.com/login/oauth/authorize",
			TokenURL:     "https://github.com/login/oauth/access_token",
			UserInfoURL:  "https://api.github.com/user",
			OtherInfoURL: "https://api.github.com/user/emails",
			Scopes:       []string{"read:user", "user:email"},
		})
	}
	if c.Discord != nil {
		fill(c.Discord, OAuthProviderConfig{
			AuthURL:     "https://discord.com/oauth2/authorize",
			TokenURL:    "https://discord.com/api/oauth2/token",
			UserInfoURL: "https://discord.com/api/users/@me",
			Scopes:      []string{"identify", "email"},
		})
	}
}

func fill(dst *OAuthProviderConfig, def OAuthProviderConfig) {
	if dst.AuthURL == "" {
		dst.AuthURL = def.AuthURL
	}
	if dst.TokenURL == "" {
		dst.TokenURL = def.TokenURL
	}
	if dst.UserInfoURL == "" {
		dst.UserInfoURL = def.UserInfoURL
	}
	if dst.OtherInfoURL == "" {
		dst.OtherInfoURL = def.OtherInfoURL
	}
	if len(dst.Scopes) == 0 {
		dst.Scopes = def.Scopes
	}
}
