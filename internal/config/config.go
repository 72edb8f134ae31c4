package config

import (
	"errors"
	"fmt"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"github.com/example/ride-dispatch/internal/geo"
)

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// GridConfig tunes the spatial grid shared by the API and the consumer.
type GridConfig struct {
	CellSize      float64
	TTL           time.Duration
	Rounding      string
	EvictPrevious bool
}

// ServerConfig captures all tunable parameters for the HTTP API process.
// Values are primarily loaded from environment variables with sane defaults
// so the binary can run locally without excessive setup. An empty RedisAddr,
// PGDSN or MongoURI selects the in-memory implementation of that concern.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	Redis RedisConfig

	PGDSN         string
	MongoURI      string
	MongoDatabase string
	RunMigrations bool

	KafkaBrokers       []string
	KafkaRideTopic     string
	KafkaLocationTopic string

	AMQPURL      string
	AMQPExchange string

	JWTSecret string
	// TrustedProxies are the reverse proxies allowed to name the client in
	// X-Forwarded-For.
	TrustedProxies []netip.Prefix

	RateLimitPermits  int
	RateLimitWindow   time.Duration
	RateLimitIdleTTL  time.Duration
	RateLimitFailOpen bool

	LockWait time.Duration
	LockHold time.Duration

	Grid GridConfig

	StripeAPIKey string
	FareCurrency string

	LogLevel string
}

// ConsumerConfig configures the location consumer process.
type ConsumerConfig struct {
	MetricsAddr        string
	KafkaBrokers       []string
	KafkaLocationTopic string
	KafkaGroup         string
	Redis              RedisConfig
	Grid               GridConfig
	LogLevel           string
}

func defaultGrid() GridConfig {
	return GridConfig{CellSize: 0.01, TTL: 5 * time.Minute, Rounding: "truncate"}
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:           ":8080",
		ReadTimeout:        5 * time.Second,
		WriteTimeout:       10 * time.Second,
		IdleTimeout:        120 * time.Second,
		ShutdownTimeout:    15 * time.Second,
		MongoDatabase:      "ride_dispatch",
		KafkaRideTopic:     "ride-events",
		KafkaLocationTopic: "driver-locations",
		AMQPExchange:       "ride_topic",
		RateLimitPermits:   10,
		RateLimitWindow:    60 * time.Second,
		RateLimitIdleTTL:   time.Hour,
		RateLimitFailOpen:  true,
		LockWait:           5 * time.Second,
		LockHold:           10 * time.Second,
		Grid:               defaultGrid(),
		FareCurrency:       "usd",
		LogLevel:           "info",
	}
}

func defaultConsumerConfig() ConsumerConfig {
	return ConsumerConfig{
		MetricsAddr:        ":2112",
		KafkaBrokers:       []string{"localhost:9092"},
		KafkaLocationTopic: "driver-locations",
		KafkaGroup:         "ride-dispatch-consumer",
		Redis:              RedisConfig{Addr: "localhost:6379"},
		Grid:               defaultGrid(),
		LogLevel:           "info",
	}
}

// LoadServerConfig reads the environment, falling back to the YAML file
// named by CONFIG_FILE for keys the environment does not set.
func LoadServerConfig() (ServerConfig, error) {
	cfg := defaultServerConfig()
	src, err := newSource()
	if err != nil {
		return cfg, err
	}
	var errs []error

	src.setString(&cfg.HTTPAddr, "HTTP_ADDR")
	src.setDuration(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	src.setDuration(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	src.setDuration(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	src.setDuration(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)

	src.loadRedis(&cfg.Redis, &errs)

	cfg.PGDSN = src.get("PG_DSN")
	cfg.MongoURI = src.get("MONGO_URI")
	src.setString(&cfg.MongoDatabase, "MONGO_DATABASE")
	src.setBool(&cfg.RunMigrations, "MIGRATE", &errs)

	if brokers := src.get("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	src.setString(&cfg.KafkaRideTopic, "KAFKA_RIDE_TOPIC")
	src.setString(&cfg.KafkaLocationTopic, "KAFKA_LOCATION_TOPIC")

	cfg.AMQPURL = src.get("AMQP_URL")
	src.setString(&cfg.AMQPExchange, "AMQP_EXCHANGE")

	cfg.JWTSecret = src.get("JWT_SECRET")
	if v := src.get("TRUSTED_PROXIES"); v != "" {
		prefixes, err := parsePrefixes(splitAndTrim(v))
		if err != nil {
			errs = append(errs, fmt.Errorf("invalid TRUSTED_PROXIES: %w", err))
		}
		cfg.TrustedProxies = prefixes
	}

	src.setInt(&cfg.RateLimitPermits, "RATE_LIMIT_PERMITS", &errs)
	src.setDuration(&cfg.RateLimitWindow, "RATE_LIMIT_WINDOW", &errs)
	src.setDuration(&cfg.RateLimitIdleTTL, "RATE_LIMIT_IDLE_TTL", &errs)
	src.setBool(&cfg.RateLimitFailOpen, "RATE_LIMIT_FAIL_OPEN", &errs)

	src.setDuration(&cfg.LockWait, "LOCK_WAIT", &errs)
	src.setDuration(&cfg.LockHold, "LOCK_HOLD", &errs)

	src.loadGrid(&cfg.Grid, &errs)

	cfg.StripeAPIKey = src.get("STRIPE_API_KEY")
	src.setString(&cfg.FareCurrency, "FARE_CURRENCY")
	cfg.FareCurrency = strings.ToLower(cfg.FareCurrency)

	src.setString(&cfg.LogLevel, "LOG_LEVEL")
	cfg.LogLevel = strings.ToLower(cfg.LogLevel)

	if cfg.RateLimitPermits <= 0 {
		errs = append(errs, fmt.Errorf("RATE_LIMIT_PERMITS must be > 0"))
	}
	if cfg.RateLimitWindow <= 0 {
		errs = append(errs, fmt.Errorf("RATE_LIMIT_WINDOW must be > 0"))
	}
	if cfg.RateLimitIdleTTL < cfg.RateLimitWindow {
		errs = append(errs, fmt.Errorf("RATE_LIMIT_IDLE_TTL must be >= RATE_LIMIT_WINDOW"))
	}
	if cfg.LockWait < 0 {
		errs = append(errs, fmt.Errorf("LOCK_WAIT must be >= 0"))
	}
	if cfg.LockHold <= 0 {
		errs = append(errs, fmt.Errorf("LOCK_HOLD must be > 0"))
	}
	if cfg.PGDSN != "" && cfg.MongoURI != "" {
		errs = append(errs, fmt.Errorf("set at most one of PG_DSN and MONGO_URI"))
	}
	// The consumer writes the grid to Redis; an in-process grid would never
	// see the queued updates.
	if len(cfg.KafkaBrokers) > 0 && cfg.Redis.Addr == "" {
		errs = append(errs, fmt.Errorf("KAFKA_BROKERS requires REDIS_ADDR"))
	}
	errs = append(errs, validateGrid(cfg.Grid)...)

	return cfg, errors.Join(errs...)
}

// LoadConsumerConfig reads the consumer's settings the same way as
// LoadServerConfig. KAFKA_BROKER is accepted as a single-broker alias.
func LoadConsumerConfig() (ConsumerConfig, error) {
	cfg := defaultConsumerConfig()
	src, err := newSource()
	if err != nil {
		return cfg, err
	}
	var errs []error

	src.setString(&cfg.MetricsAddr, "METRICS_ADDR")
	brokers := src.get("KAFKA_BROKERS")
	if brokers == "" {
		brokers = src.get("KAFKA_BROKER")
	}
	if brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	src.setString(&cfg.KafkaLocationTopic, "KAFKA_LOCATION_TOPIC")
	src.setString(&cfg.KafkaGroup, "KAFKA_GROUP")
	src.loadRedis(&cfg.Redis, &errs)
	src.loadGrid(&cfg.Grid, &errs)
	src.setString(&cfg.LogLevel, "LOG_LEVEL")
	cfg.LogLevel = strings.ToLower(cfg.LogLevel)

	if len(cfg.KafkaBrokers) == 0 {
		errs = append(errs, fmt.Errorf("KAFKA_BROKERS must name at least one broker"))
	}
	errs = append(errs, validateGrid(cfg.Grid)...)

	return cfg, errors.Join(errs...)
}

func (s source) loadRedis(r *RedisConfig, errs *[]error) {
	s.setString(&r.Addr, "REDIS_ADDR")
	r.Password = s.get("REDIS_PASSWORD")
	s.setInt(&r.DB, "REDIS_DB", errs)
}

func (s source) loadGrid(g *GridConfig, errs *[]error) {
	s.setFloat(&g.CellSize, "GRID_CELL_SIZE", errs)
	s.setDuration(&g.TTL, "GRID_TTL", errs)
	s.setString(&g.Rounding, "GRID_ROUNDING")
	g.Rounding = strings.ToLower(g.Rounding)
	s.setBool(&g.EvictPrevious, "GRID_EVICT_PREVIOUS", errs)
}

func validateGrid(g GridConfig) []error {
	var errs []error
	if g.CellSize <= 0 {
		errs = append(errs, fmt.Errorf("GRID_CELL_SIZE must be > 0"))
	}
	if g.TTL <= 0 {
		errs = append(errs, fmt.Errorf("GRID_TTL must be > 0"))
	}
	if g.Rounding != "truncate" && g.Rounding != "floor" {
		errs = append(errs, fmt.Errorf("GRID_ROUNDING must be truncate or floor, got %q", g.Rounding))
	}
	return errs
}

func (s source) setDuration(target *time.Duration, key string, errs *[]error) {
	if v := s.get(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = d
	}
}

func (s source) setFloat(target *float64, key string, errs *[]error) {
	if v := s.get(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = f
	}
}

func (s source) setInt(target *int, key string, errs *[]error) {
	if v := s.get(key); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
	}
}

func (s source) setBool(target *bool, key string, errs *[]error) {
	if v := s.get(key); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = b
	}
}

func (s source) setString(target *string, key string) {
	if v := s.get(key); v != "" {
		*target = v
	}
}

// parsePrefixes accepts CIDR ranges and bare addresses.
func parsePrefixes(items []string) ([]netip.Prefix, error) {
	out := make([]netip.Prefix, 0, len(items))
	for _, item := range items {
		if strings.Contains(item, "/") {
			p, err := netip.ParsePrefix(item)
			if err != nil {
				return nil, err
			}
			out = append(out, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(item)
		if err != nil {
			return nil, err
		}
		addr = addr.Unmap()
		out = append(out, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return out, nil
}

func splitAndTrim(v string) []string {
	raw := strings.Split(v, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}

// Options converts the grid settings for geo.NewGrid.
func (g GridConfig) Options() (geo.Options, error) {
	rounding, err := geo.ParseRounding(g.Rounding)
	if err != nil {
		return geo.Options{}, err
	}
	return geo.Options{CellSize: g.CellSize, TTL: g.TTL, Rounding: rounding, EvictPrevious: g.EvictPrevious}, nil
}
