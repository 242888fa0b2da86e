package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const DefaultTimezone = "Asia/Kolkata"

// Delay sources selectable with DELAY_SOURCE.
const (
	DelaySourceNone   = "none"
	DelaySourceStatic = "static"
	DelaySourceHTTP   = "http"
	DelaySourceGTFSRT = "gtfsrt"
)

type Config struct {
	TimetableFile string
	TrainsCSV     string
	Segment       string
	DatabaseURL   string
	Location      *time.Location // nil: take the route file's timezone

	HTTPAddr    string
	MetricsAddr string
	CORSOrigins []string

	NATSURL           string
	NATSSubjectPrefix string
	PublishInterval   time.Duration
	RequestDeadline   time.Duration

	DelaySource      string
	DelayURL         string
	DelayStatic      string
	DelayTimeout     time.Duration
	DelayFeedTTL     time.Duration
	DelayConcurrency int
	DelayRetries     uint64

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	DelayCacheTTL time.Duration

	LogJSON bool
	Debug   bool
}

func Load() (*Config, error) {
	// Load .env into environment (ignore if missing)
	_ = godotenv.Load()

	cfg := &Config{}

	cfg.TimetableFile = os.Getenv("TIMETABLE_FILE")
	cfg.TrainsCSV = os.Getenv("TRAINS_CSV")
	cfg.Segment = getenvDefault("SEGMENT", "default")

	// Database is only needed when the route is not read from a file
	dsn := firstNonEmpty(os.Getenv("DATABASE_URL"), os.Getenv("PG_DSN"))
	if dsn == "" && os.Getenv("PGDATABASE") != "" {
		host := getenvDefault("PGHOST", "127.0.0.1")
		port := getenvDefault("PGPORT", "5432")
		user := getenvDefault("PGUSER", "postgres")
		pass := os.Getenv("PGPASSWORD")
		db := os.Getenv("PGDATABASE")
		sslmode := getenvDefault("PGSSLMODE", "disable")
		if pass != "" {
			dsn = fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", urlEscape(user), urlEscape(pass), host, port, db, sslmode)
		} else {
			dsn = fmt.Sprintf("postgres://%s@%s:%s/%s?sslmode=%s", urlEscape(user), host, port, db, sslmode)
		}
	}
	cfg.DatabaseURL = dsn
	if cfg.TimetableFile == "" && cfg.DatabaseURL == "" {
		return nil, errors.New("TIMETABLE_FILE or DATABASE_URL (or PGDATABASE) must be set")
	}

	// Time zone: explicit, never the host's local zone
	if tzName := os.Getenv("TZ"); tzName != "" {
		loc, err := time.LoadLocation(tzName)
		if err != nil {
			return nil, fmt.Errorf("invalid TZ: %v", err)
		}
		cfg.Location = loc
	}

	cfg.HTTPAddr = getenvDefault("HTTP_ADDR", ":8080")
	// Metrics listen address (e.g., ":9102"). Empty serves /metrics on HTTP_ADDR.
	cfg.MetricsAddr = os.Getenv("METRICS_ADDR")
	for _, o := range strings.Split(getenvDefault("CORS_ORIGINS", "*"), ",") {
		if o = strings.TrimSpace(o); o != "" {
			cfg.CORSOrigins = append(cfg.CORSOrigins, o)
		}
	}

	// Empty NATS_URL disables publishing
	cfg.NATSURL = os.Getenv("NATS_URL")
	cfg.NATSSubjectPrefix = getenvDefault("NATS_SUBJECT_PREFIX", "gates")

	var err error
	if cfg.PublishInterval, err = millisDefault("PUBLISH_INTERVAL_MS", 30*time.Second); err != nil {
		return nil, err
	}
	if cfg.RequestDeadline, err = millisDefault("REQUEST_DEADLINE_MS", 5*time.Second); err != nil {
		return nil, err
	}
	if cfg.DelayTimeout, err = millisDefault("DELAY_TIMEOUT_MS", 2*time.Second); err != nil {
		return nil, err
	}
	if cfg.DelayFeedTTL, err = secondsDefault("DELAY_FEED_TTL_SEC", 30*time.Second); err != nil {
		return nil, err
	}
	if cfg.DelayCacheTTL, err = secondsDefault("DELAY_CACHE_TTL_SEC", 60*time.Second); err != nil {
		return nil, err
	}
	if cfg.DelayTimeout > cfg.RequestDeadline {
		return nil, fmt.Errorf("DELAY_TIMEOUT_MS (%s) must not exceed REQUEST_DEADLINE_MS (%s)", cfg.DelayTimeout, cfg.RequestDeadline)
	}

	cfg.DelaySource = strings.ToLower(getenvDefault("DELAY_SOURCE", DelaySourceNone))
	cfg.DelayURL = os.Getenv("DELAY_URL")
	cfg.DelayStatic = os.Getenv("DELAY_STATIC")
	switch cfg.DelaySource {
	case DelaySourceNone:
	case DelaySourceStatic:
		if cfg.DelayStatic == "" {
			return nil, errors.New("DELAY_STATIC must be set when DELAY_SOURCE=static")
		}
	case DelaySourceHTTP, DelaySourceGTFSRT:
		if cfg.DelayURL == "" {
			return nil, fmt.Errorf("DELAY_URL must be set when DELAY_SOURCE=%s", cfg.DelaySource)
		}
	default:
		return nil, fmt.Errorf("invalid DELAY_SOURCE: %q", cfg.DelaySource)
	}

	cfg.DelayConcurrency = 8
	if v := os.Getenv("DELAY_CONCURRENCY"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("invalid DELAY_CONCURRENCY: %q", v)
		}
		cfg.DelayConcurrency = n
	}
	cfg.DelayRetries = 2
	if v := os.Getenv("DELAY_RETRIES"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid DELAY_RETRIES: %q", v)
		}
		cfg.DelayRetries = n
	}

	cfg.RedisAddr = os.Getenv("REDIS_ADDR")
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	if v := os.Getenv("REDIS_DB"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("invalid REDIS_DB: %q", v)
		}
		cfg.RedisDB = n
	}

	cfg.LogJSON = strings.EqualFold(os.Getenv("LOG_FORMAT"), "JSON")
	cfg.Debug = parseBool(os.Getenv("DEBUG"))

	return cfg, nil
}

// ResolveLocation picks TZ, then the route file's zone, then DefaultTimezone.
func (c *Config) ResolveLocation(routeTimezone string) (*time.Location, error) {
	if c.Location != nil {
		return c.Location, nil
	}
	name := firstNonEmpty(routeTimezone, DefaultTimezone)
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("invalid route timezone %q: %w", name, err)
	}
	return loc, nil
}

func millisDefault(k string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(k)
	if v == "" {
		return def, nil
	}
	ms, err := strconv.Atoi(v)
	if err != nil || ms <= 0 {
		return 0, fmt.Errorf("invalid %s: %q", k, v)
	}
	return time.Duration(ms) * time.Millisecond, nil
}

func secondsDefault(k string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(k)
	if v == "" {
		return def, nil
	}
	sec, err := strconv.Atoi(v)
	if err != nil || sec <= 0 {
		return 0, fmt.Errorf("invalid %s: %q", k, v)
	}
	return time.Duration(sec) * time.Second, nil
}

func parseBool(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "t", "yes", "y", "on":
		return true
	}
	return false
}

func getenvDefault(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func urlEscape(s string) string {
	// Minimal escape for DSN user/pass with special chars
	r := strings.NewReplacer("@", "%40", ":", "%3A", "/", "%2F", "?", "%3F", "#", "%23")
	return r.Replace(s)
}
