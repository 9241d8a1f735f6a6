package store

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	pgxPoolNewWithConfig   = pgxpool.NewWithConfig
	postgresConnectRetries = 30
	postgresRetryDelay     = 2 * time.Second
	postgresPingTimeout    = 2 * time.Second
	postgresSleep          = time.Sleep
)

// NewPostgresPool opens the shared pgx pool. The ledger's appenders hold a
// connection for the whole append transaction, so pool sizing is tunable per
// deployment with DB_MAX_CONNS / DB_MIN_CONNS.
func NewPostgresPool(ctx context.Context) (*pgxpool.Pool, error) {
	cfg, err := poolConfig()
	if err != nil {
		return nil, err
	}
	return connectWithRetry(ctx, cfg)
}

func poolConfig() (*pgxpool.Config, error) {
	dsn := strings.TrimSpace(os.Getenv("DATABASE_URL"))
	if dsn == "" {
		dsn = defaultPostgresURL()
	}
	if requiresSecureTransport("DATABASE_REQUIRE_TLS") {
		if err := validatePostgresTLS(dsn); err != nil {
			return nil, err
		}
	}
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}

	cfg.MaxConns = envInt32("DB_MAX_CONNS", 10)
	cfg.MinConns = envInt32("DB_MIN_CONNS", 1)
	cfg.MaxConnIdleTime = time.Duration(envInt32("DB_CONN_IDLE_SEC", 300)) * time.Second

	if cfg.ConnConfig.RuntimeParams == nil {
		cfg.ConnConfig.RuntimeParams = map[string]string{}
	}
	service := strings.TrimSpace(os.Getenv("SERVICE_NAME"))
	if service == "" {
		service = "pathwell"
	}
	cfg.ConnConfig.RuntimeParams["application_name"] = service
	if ms := envInt32("DB_STATEMENT_TIMEOUT_MS", 0); ms > 0 {
		cfg.ConnConfig.RuntimeParams["statement_timeout"] = strconv.Itoa(int(ms))
	}
	return cfg, nil
}

// connectWithRetry keeps dialing until the database answers a ping. Services
// come up before postgres does in compose setups; the retry budget covers
// that window.
func connectWithRetry(ctx context.Context, cfg *pgxpool.Config) (*pgxpool.Pool, error) {
	var lastErr error
	for i := 0; i < postgresConnectRetries; i++ {
		pool, err := pgxPoolNewWithConfig(ctx, cfg)
		if err != nil {
			lastErr = err
			postgresSleep(postgresRetryDelay)
			continue
		}
		ctxPing, cancel := context.WithTimeout(ctx, postgresPingTimeout)
		err = pool.Ping(ctxPing)
		cancel()
		if err == nil {
			return pool, nil
		}
		lastErr = err
		pool.Close()
		postgresSleep(postgresRetryDelay)
	}
	return nil, fmt.Errorf("db ping retries exhausted: %w", lastErr)
}

// defaultPostgresURL assembles a DSN from the discrete DATABASE_* variables
// for setups that do not pass a full DATABASE_URL.
func defaultPostgresURL() string {
	user := envOr("DATABASE_USER", "pathwell")
	host := envOr("DATABASE_HOST", "localhost")
	port := envOr("DATABASE_PORT", "5432")
	if _, err := strconv.Atoi(port); err != nil {
		port = "5432"
	}
	dbName := envOr("DATABASE_NAME", "pathwell")
	sslmode := envOr("DATABASE_SSLMODE", "disable")

	auth := url.User(user)
	if password := os.Getenv("POSTGRES_PASSWORD"); password != "" {
		auth = url.UserPassword(user, password)
	}
	uri := url.URL{
		Scheme:   "postgres",
		User:     auth,
		Host:     host + ":" + port,
		Path:     "/" + dbName,
		RawQuery: url.Values{"sslmode": []string{sslmode}}.Encode(),
	}
	return uri.String()
}

func validatePostgresTLS(rawURL string) error {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid DATABASE_URL: %w", err)
	}
	sslmode := strings.ToLower(strings.TrimSpace(parsed.Query().Get("sslmode")))
	switch sslmode {
	case "verify-full", "verify-ca", "require":
		return nil
	case "allow", "disable", "prefer":
		return fmt.Errorf("DATABASE_REQUIRE_TLS=true but DATABASE_URL sslmode=%q is insecure", sslmode)
	default:
		return fmt.Errorf("DATABASE_REQUIRE_TLS=true requires explicit sslmode=require|verify-ca|verify-full")
	}
}

func requiresSecureTransport(envKey string) bool {
	raw := strings.TrimSpace(strings.ToLower(os.Getenv(envKey)))
	return raw == "1" || raw == "true" || raw == "yes" || raw == "on"
}

func envOr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func envInt32(key string, def int32) int32 {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			return int32(n)
		}
	}
	return def
}
