// Package config loads server and CLI settings from the environment.
//
// Values come from environment variables, optionally preloaded from a
// .env or config.env file in the working directory. Real environment
// variables win over the file.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Identity providers.
const (
	IdentityLocal  = "local"
	IdentityGoTrue = "gotrue"
)

// Profile store backends.
const (
	ProfileSQLite   = "sqlite"
	ProfilePostgres = "postgres"
)

// minSecretLength is the shortest JWT_SECRET accepted (32 bytes, HS256).
const minSecretLength = 32

type Config struct {
	HTTP     HTTPConfig
	Log      LogConfig
	Identity IdentityConfig
	Profile  ProfileConfig
	JWT      JWTConfig
	Signup   SignupConfig
	Sweep    SweepConfig
}

type HTTPConfig struct {
	Port int
	// BaseURL is the public origin of this server. Confirmation links and
	// the post-confirmation redirect are built from it.
	BaseURL string
	// SecureCookies sets the Secure flag on the session cookie.
	SecureCookies bool
}

// Addr returns the listen address.
func (c HTTPConfig) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}

type LogConfig struct {
	Level string
}

// SlogLevel parses Level, falling back to info for unknown names.
func (c LogConfig) SlogLevel() slog.Level {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.Level)); err != nil {
		return slog.LevelInfo
	}
	return lvl
}

type IdentityConfig struct {
	Provider string // IdentityLocal or IdentityGoTrue
	DBPath   string // local provider only

	GoTrueURL      string
	AnonKey        string
	ServiceRoleKey string

	ConfirmationTTL time.Duration // local provider only
}

type ProfileConfig struct {
	Store       string // ProfileSQLite or ProfilePostgres
	DBPath      string
	DatabaseURL string
}

// JWTConfig configures session tokens. With the gotrue provider the secret
// and issuer must match the provider's, since it signs the sessions.
type JWTConfig struct {
	Secret     string
	Issuer     string
	SessionTTL time.Duration
}

type SignupConfig struct {
	InitialDelay   time.Duration
	VerifyAttempts int
	VerifyInterval time.Duration
	// RedirectURL is where the confirmation link sends the user.
	RedirectURL string
}

type SweepConfig struct {
	Interval time.Duration // 0 disables the background sweep
	MaxAge   time.Duration
}

// Load reads the configuration. It does not validate; call Validate.
func Load() (*Config, error) {
	v := viper.New()

	for _, name := range []string{".env", "config"} {
		v.SetConfigName(name)
		v.SetConfigType("env")
		v.AddConfigPath(".")
		if err := v.MergeInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("reading %s: %w", name, err)
			}
		}
	}

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	setDefaults(v)

	baseURL := strings.TrimRight(v.GetString("APP_BASE_URL"), "/")

	cfg := &Config{
		HTTP: HTTPConfig{
			Port:          v.GetInt("HTTP_PORT"),
			BaseURL:       baseURL,
			SecureCookies: v.GetBool("SECURE_COOKIES"),
		},
		Log: LogConfig{Level: v.GetString("LOG_LEVEL")},
		Identity: IdentityConfig{
			Provider:        strings.ToLower(v.GetString("IDENTITY_PROVIDER")),
			DBPath:          v.GetString("IDENTITY_DB_PATH"),
			GoTrueURL:       strings.TrimRight(v.GetString("GOTRUE_URL"), "/"),
			AnonKey:         v.GetString("GOTRUE_ANON_KEY"),
			ServiceRoleKey:  v.GetString("GOTRUE_SERVICE_ROLE_KEY"),
			ConfirmationTTL: v.GetDuration("CONFIRMATION_TTL"),
		},
		Profile: ProfileConfig{
			Store:       strings.ToLower(v.GetString("PROFILE_STORE")),
			DBPath:      v.GetString("PROFILE_DB_PATH"),
			DatabaseURL: v.GetString("DATABASE_URL"),
		},
		JWT: JWTConfig{
			Secret:     v.GetString("JWT_SECRET"),
			Issuer:     v.GetString("JWT_ISSUER"),
			SessionTTL: v.GetDuration("SESSION_TTL"),
		},
		Signup: SignupConfig{
			InitialDelay:   v.GetDuration("SIGNUP_INITIAL_DELAY"),
			VerifyAttempts: v.GetInt("SIGNUP_VERIFY_ATTEMPTS"),
			VerifyInterval: v.GetDuration("SIGNUP_VERIFY_INTERVAL"),
			RedirectURL:    v.GetString("SIGNUP_REDIRECT_URL"),
		},
		Sweep: SweepConfig{
			Interval: v.GetDuration("SWEEP_INTERVAL"),
			MaxAge:   v.GetDuration("SWEEP_MAX_AGE"),
		},
	}
	if cfg.Signup.RedirectURL == "" {
		cfg.Signup.RedirectURL = baseURL + "/login"
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("HTTP_PORT", 8080)
	v.SetDefault("APP_BASE_URL", "http://localhost:8080")
	v.SetDefault("SECURE_COOKIES", false)
	v.SetDefault("LOG_LEVEL", "info")

	v.SetDefault("IDENTITY_PROVIDER", IdentityLocal)
	v.SetDefault("IDENTITY_DB_PATH", "data/identity.db")
	v.SetDefault("CONFIRMATION_TTL", 24*time.Hour)

	v.SetDefault("PROFILE_STORE", ProfileSQLite)
	v.SetDefault("PROFILE_DB_PATH", "data/profiles.db")

	v.SetDefault("JWT_ISSUER", "marketplace-auth")
	v.SetDefault("SESSION_TTL", time.Hour)

	v.SetDefault("SIGNUP_INITIAL_DELAY", 2*time.Second)
	v.SetDefault("SIGNUP_VERIFY_ATTEMPTS", 3)
	v.SetDefault("SIGNUP_VERIFY_INTERVAL", time.Second)

	v.SetDefault("SWEEP_INTERVAL", time.Hour)
	v.SetDefault("SWEEP_MAX_AGE", 24*time.Hour)
}

// Validate rejects settings the server cannot start with. Every problem is
// reported, not just the first.
func (c *Config) Validate() error {
	var errs []error

	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		errs = append(errs, fmt.Errorf("HTTP_PORT %d out of range", c.HTTP.Port))
	}

	switch c.Identity.Provider {
	case IdentityLocal:
		if c.Identity.DBPath == "" {
			errs = append(errs, errors.New("IDENTITY_DB_PATH is required for the local identity provider"))
		}
	case IdentityGoTrue:
		if c.Identity.GoTrueURL == "" {
			errs = append(errs, errors.New("GOTRUE_URL is required for the gotrue identity provider"))
		}
		if c.Identity.AnonKey == "" || c.Identity.ServiceRoleKey == "" {
			errs = append(errs, errors.New("GOTRUE_ANON_KEY and GOTRUE_SERVICE_ROLE_KEY are required for the gotrue identity provider"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown IDENTITY_PROVIDER %q", c.Identity.Provider))
	}

	switch c.Profile.Store {
	case ProfileSQLite:
		if c.Profile.DBPath == "" {
			errs = append(errs, errors.New("PROFILE_DB_PATH is required for the sqlite profile store"))
		}
	case ProfilePostgres:
		if c.Profile.DatabaseURL == "" {
			errs = append(errs, errors.New("DATABASE_URL is required for the postgres profile store"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown PROFILE_STORE %q", c.Profile.Store))
	}

	if len(c.JWT.Secret) < minSecretLength {
		errs = append(errs, fmt.Errorf("JWT_SECRET must be at least %d characters", minSecretLength))
	}
	if c.JWT.SessionTTL <= 0 {
		errs = append(errs, errors.New("SESSION_TTL must be positive"))
	}

	if c.Signup.VerifyAttempts < 1 {
		errs = append(errs, errors.New("SIGNUP_VERIFY_ATTEMPTS must be at least 1"))
	}
	if c.Signup.InitialDelay < 0 || c.Signup.VerifyInterval < 0 {
		errs = append(errs, errors.New("signup delays must not be negative"))
	}
	if c.Sweep.Interval < 0 {
		errs = append(errs, errors.New("SWEEP_INTERVAL must not be negative"))
	}
	if c.Sweep.MaxAge <= 0 {
		errs = append(errs, errors.New("SWEEP_MAX_AGE must be positive"))
	}

	return errors.Join(errs...)
}
