package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"offline-phone/internal/identity"
)

// Config holds all configuration required by the phone agent process.
// All values must come from env (or env-file loaded by the process runner).
// No business logic should depend on raw environment variables.
type Config struct {
	App      AppConfig
	Identity IdentityConfig
	DB       DBConfig
	Redis    RedisConfig
	Auth     AuthConfig
	Storage  StorageConfig
	Audio    AudioConfig
	Probe    ProbeConfig
	Timing   TimingConfig
}

type AppConfig struct {
	Env  string
	Port int

	// CachePath and JournalPath are device-local sqlite files; both are
	// safe to delete between runs.
	CachePath   string
	JournalPath string
}

// IdentityConfig is who this device is on the shared store.
type IdentityConfig struct {
	PhoneNumber string
	Username    string
}

type DBConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Name     string

	// SSLMode is kept explicit. Accepts: disable, require, verify-ca,
	// verify-full.
	SSLMode string
}

type RedisConfig struct {
	Host string
	Port int
}

type AuthConfig struct {
	JWTSecret       string
	JWTIssuer       string
	JWTAudience     string
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration
}

// StorageConfig points at the S3-compatible blob store for audio chunks.
type StorageConfig struct {
	Endpoint        string
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	Bucket          string

	// PublicURL is the base URL stored in chunk rows; counterpart
	// clients fetch blobs through it.
	PublicURL    string
	UsePathStyle bool
}

// AudioConfig selects the capture source and the playback renderer.
type AudioConfig struct {
	// DevicePath is a file or named pipe producing encoded audio.
	DevicePath  string
	ContentType string

	// PlayerCommand renders one chunk from stdin (e.g. ffplay, aplay).
	PlayerCommand string
	PlayerArgs    []string
}

// ProbeConfig tunes the effectively-online signal.
type ProbeConfig struct {
	URL         string
	Interval    time.Duration
	MaxRTT      time.Duration
	MinDownlink float64
}

// TimingConfig carries the call-flow timers.
type TimingConfig struct {
	RecordWindow      time.Duration
	UploadTimeout     time.Duration
	StallTimeout      time.Duration
	RingTimeout       time.Duration
	EndDismiss        time.Duration
	SeekSettle        time.Duration
	HeartbeatInterval time.Duration
}

func Load() (Config, error) {
	c := Config{}
	var parseErrs []error

	c.App.Env = strings.TrimSpace(os.Getenv("APP_ENV"))
	{
		n, err := mustInt("APP_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.App.Port = n
	}
	c.App.CachePath = strings.TrimSpace(os.Getenv("CACHE_PATH"))
	c.App.JournalPath = strings.TrimSpace(os.Getenv("JOURNAL_PATH"))

	c.Identity.PhoneNumber = strings.TrimSpace(os.Getenv("PHONE_NUMBER"))
	c.Identity.Username = strings.TrimSpace(os.Getenv("USERNAME"))

	c.DB.Host = strings.TrimSpace(os.Getenv("DB_HOST"))
	{
		n, err := mustInt("DB_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.DB.Port = n
	}
	c.DB.User = strings.TrimSpace(os.Getenv("DB_USER"))
	c.DB.Password = os.Getenv("DB_PASSWORD")
	c.DB.Name = strings.TrimSpace(os.Getenv("DB_NAME"))
	c.DB.SSLMode = strings.TrimSpace(os.Getenv("DB_SSLMODE"))

	c.Redis.Host = strings.TrimSpace(os.Getenv("REDIS_HOST"))
	{
		n, err := mustInt("REDIS_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.Redis.Port = n
	}

	c.Auth.JWTSecret = os.Getenv("JWT_SECRET")
	c.Auth.JWTIssuer = strings.TrimSpace(os.Getenv("JWT_ISSUER"))
	c.Auth.JWTAudience = strings.TrimSpace(os.Getenv("JWT_AUDIENCE"))
	// Duration env vars are optional; defaults applied in Validate().
	c.Auth.AccessTokenTTL = mustDuration("JWT_ACCESS_TTL")
	c.Auth.RefreshTokenTTL = mustDuration("JWT_REFRESH_TTL")

	c.Storage.Endpoint = strings.TrimSpace(os.Getenv("S3_ENDPOINT"))
	c.Storage.Region = strings.TrimSpace(os.Getenv("S3_REGION"))
	c.Storage.AccessKeyID = strings.TrimSpace(os.Getenv("S3_ACCESS_KEY_ID"))
	c.Storage.SecretAccessKey = os.Getenv("S3_SECRET_ACCESS_KEY")
	c.Storage.Bucket = strings.TrimSpace(os.Getenv("S3_BUCKET"))
	c.Storage.PublicURL = strings.TrimSpace(os.Getenv("S3_PUBLIC_URL"))
	c.Storage.UsePathStyle = boolEnv("S3_USE_PATH_STYLE")

	c.Audio.DevicePath = strings.TrimSpace(os.Getenv("AUDIO_DEVICE"))
	c.Audio.ContentType = strings.TrimSpace(os.Getenv("AUDIO_CONTENT_TYPE"))
	c.Audio.PlayerCommand = strings.TrimSpace(os.Getenv("PLAYER_COMMAND"))
	if raw := strings.TrimSpace(os.Getenv("PLAYER_ARGS")); raw != "" {
		c.Audio.PlayerArgs = strings.Fields(raw)
	}
	if c.Audio.PlayerCommand == "" {
		c.Audio.PlayerCommand = "ffplay"
		c.Audio.PlayerArgs = []string{"-autoexit", "-nodisp", "-loglevel", "quiet", "-"}
	}

	c.Probe.URL = strings.TrimSpace(os.Getenv("PROBE_URL"))
	c.Probe.Interval = mustDuration("PROBE_INTERVAL")
	c.Probe.MaxRTT = mustDuration("PROBE_MAX_RTT")
	if raw := strings.TrimSpace(os.Getenv("PROBE_MIN_DOWNLINK_MBPS")); raw != "" {
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			parseErrs = append(parseErrs, fmt.Errorf("PROBE_MIN_DOWNLINK_MBPS must be a number, got %q", raw))
		}
		c.Probe.MinDownlink = f
	}

	c.Timing.RecordWindow = mustDuration("RECORD_WINDOW")
	c.Timing.UploadTimeout = mustDuration("UPLOAD_TIMEOUT")
	c.Timing.StallTimeout = mustDuration("STALL_TIMEOUT")
	c.Timing.RingTimeout = mustDuration("RING_TIMEOUT")
	c.Timing.EndDismiss = mustDuration("END_DISMISS")
	c.Timing.SeekSettle = mustDuration("SEEK_SETTLE")
	c.Timing.HeartbeatInterval = mustDuration("HEARTBEAT_INTERVAL")

	if err := joinErrors(parseErrs); err != nil {
		return Config{}, err
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

func (c Config) Validate() error {
	var errs []error

	if c.App.Env == "" {
		errs = append(errs, errors.New("APP_ENV is required"))
	} else if !isValidEnv(c.App.Env) {
		errs = append(errs, fmt.Errorf("APP_ENV must be one of local, dev, staging, production, got %q", c.App.Env))
	}
	if c.App.Port <= 0 || c.App.Port > 65535 {
		errs = append(errs, fmt.Errorf("APP_PORT must be a valid port, got %d", c.App.Port))
	}
	if c.App.CachePath == "" {
		errs = append(errs, errors.New("CACHE_PATH is required"))
	}

	if !identity.Valid(c.Identity.PhoneNumber) {
		errs = append(errs, fmt.Errorf("PHONE_NUMBER must contain digits, got %q", c.Identity.PhoneNumber))
	}
	if c.Identity.Username == "" {
		errs = append(errs, errors.New("USERNAME is required"))
	}

	if c.DB.Host == "" {
		errs = append(errs, errors.New("DB_HOST is required"))
	}
	if c.DB.Port <= 0 || c.DB.Port > 65535 {
		errs = append(errs, fmt.Errorf("DB_PORT must be a valid port, got %d", c.DB.Port))
	}
	if c.DB.User == "" {
		errs = append(errs, errors.New("DB_USER is required"))
	}
	if c.DB.Name == "" {
		errs = append(errs, errors.New("DB_NAME is required"))
	}
	if strings.TrimSpace(c.DB.SSLMode) == "" {
		if c.IsProduction() {
			errs = append(errs, errors.New("DB_SSLMODE is required in production"))
		} else {
			// Local-friendly default; production must be explicit.
			c.DB.SSLMode = "disable"
		}
	}
	if c.DB.SSLMode != "" && !isValidSSLMode(c.DB.SSLMode) {
		errs = append(errs, fmt.Errorf("DB_SSLMODE must be one of disable, require, verify-ca, verify-full, got %q", c.DB.SSLMode))
	}

	if c.Redis.Host == "" {
		errs = append(errs, errors.New("REDIS_HOST is required"))
	}
	if c.Redis.Port <= 0 || c.Redis.Port > 65535 {
		errs = append(errs, fmt.Errorf("REDIS_PORT must be a valid port, got %d", c.Redis.Port))
	}

	if c.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required"))
	}
	if c.IsProduction() {
		if c.Auth.JWTIssuer == "" {
			errs = append(errs, errors.New("JWT_ISSUER is required in production"))
		}
		if c.Auth.JWTAudience == "" {
			errs = append(errs, errors.New("JWT_AUDIENCE is required in production"))
		}
	}
	if c.Auth.AccessTokenTTL <= 0 {
		c.Auth.AccessTokenTTL = 15 * time.Minute
	}
	if c.Auth.RefreshTokenTTL <= 0 {
		c.Auth.RefreshTokenTTL = 30 * 24 * time.Hour
	}
	if c.Auth.RefreshTokenTTL <= c.Auth.AccessTokenTTL {
		errs = append(errs, errors.New("JWT_REFRESH_TTL must be greater than JWT_ACCESS_TTL"))
	}

	if c.Storage.Bucket == "" {
		errs = append(errs, errors.New("S3_BUCKET is required"))
	}
	if c.Storage.Region == "" {
		errs = append(errs, errors.New("S3_REGION is required"))
	}
	if c.IsProduction() && c.Storage.PublicURL == "" {
		errs = append(errs, errors.New("S3_PUBLIC_URL is required in production"))
	}

	if c.Audio.DevicePath == "" {
		errs = append(errs, errors.New("AUDIO_DEVICE is required"))
	}
	if c.Probe.URL == "" {
		errs = append(errs, errors.New("PROBE_URL is required"))
	}

	return joinErrors(errs)
}

// WithDefaults returns the timing knobs with unset values filled in.
func (t TimingConfig) WithDefaults() TimingConfig {
	def := func(d *time.Duration, v time.Duration) {
		if *d <= 0 {
			*d = v
		}
	}
	def(&t.RecordWindow, 20*time.Second)
	def(&t.UploadTimeout, 15*time.Second)
	def(&t.StallTimeout, 6*time.Second)
	def(&t.RingTimeout, 30*time.Second)
	def(&t.EndDismiss, 2*time.Second)
	def(&t.SeekSettle, 500*time.Millisecond)
	def(&t.HeartbeatInterval, 30*time.Second)
	return t
}

func (c Config) IsProduction() bool {
	return c.App.Env == "production"
}

func (c Config) HTTPAddr() string {
	return fmt.Sprintf(":%d", c.App.Port)
}

func (c Config) PostgresDSN() string {
	// Avoid logging this string; it contains secrets.
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.DB.Host,
		c.DB.Port,
		c.DB.User,
		c.DB.Password,
		c.DB.Name,
		c.DB.SSLMode,
	)
}

func (c Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

func mustInt(key string) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, fmt.Errorf("%s is required", key)
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer, got %q", key, v)
	}
	return n, nil
}

func mustDuration(key string) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0
	}
	return d
}

func boolEnv(key string) bool {
	v := strings.TrimSpace(os.Getenv(key))
	b, err := strconv.ParseBool(v)
	return err == nil && b
}

func appendParseErr(errs []error, n int, err error) (int, []error) {
	if err != nil {
		errs = append(errs, err)
	}
	return n, errs
}

func isValidEnv(v string) bool {
	switch v {
	case "local", "dev", "staging", "production":
		return true
	default:
		return false
	}
}

func isValidSSLMode(v string) bool {
	switch v {
	case "disable", "require", "verify-ca", "verify-full":
		return true
	default:
		return false
	}
}

func joinErrors(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	if len(errs) == 1 {
		return errs[0]
	}
	var b strings.Builder
	b.WriteString("config errors:\n")
	for _, e := range errs {
		b.WriteString("- ")
		b.WriteString(e.Error())
		b.WriteString("\n")
	}
	return errors.New(strings.TrimSpace(b.String()))
}
