package testutil

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"os"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// PostgreSQL test configuration constants
const (
	postgresContainerStartupTimeout   = 90 * time.Second
	postgresContainerTerminateTimeout = 10 * time.Second
	postgresUser                      = "searchsync"
	postgresPassword                  = "searchsync"
	postgresDatabase                  = "searchsync_test"
)

var (
	sharedPostgres     *SharedPostgresContainer
	sharedPostgresOnce sync.Once
	errSharedPostgres  error

	nonIdentChars = regexp.MustCompile(`[^a-z0-9_]`)
)

// SharedPostgresContainer is a PostgreSQL server reused by all tests of a package.
type SharedPostgresContainer struct {
	Container testcontainers.Container
	DSN       string
}

// GetSharedPostgresContainer returns a singleton PostgreSQL container.
func GetSharedPostgresContainer(ctx context.Context) (*SharedPostgresContainer, error) {
	sharedPostgresOnce.Do(func() {
		sharedPostgres, errSharedPostgres = startGuarded(func() (*SharedPostgresContainer, error) {
			return startPostgresContainer(ctx)
		})
	})
	return sharedPostgres, errSharedPostgres
}

func startPostgresContainer(ctx context.Context) (*SharedPostgresContainer, error) {
	startupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), postgresContainerStartupTimeout)
	defer cancel()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:17-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     postgresUser,
			"POSTGRES_PASSWORD": postgresPassword,
			"POSTGRES_DB":       postgresDatabase,
		},
		WaitingFor: wait.ForAll(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(postgresContainerStartupTimeout),
			wait.ForListeningPort("5432/tcp").WithStartupTimeout(postgresContainerStartupTimeout),
		),
	}

	cont, err := testcontainers.GenericContainer(startupCtx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start PostgreSQL container: %w", err)
	}

	host, err := cont.Host(startupCtx)
	if err != nil {
		return nil, fmt.Errorf("failed to get container host: %w", err)
	}

	port, err := cont.MappedPort(startupCtx, "5432")
	if err != nil {
		return nil, fmt.Errorf("failed to get container port: %w", err)
	}

	dsn := fmt.Sprintf("postgres://%s:%s@%s/%s?sslmode=disable",
		postgresUser, postgresPassword, net.JoinHostPort(host, port.Port()), postgresDatabase)

	return &SharedPostgresContainer{Container: cont, DSN: dsn}, nil
}

// OpenPGXPool opens a pool bound to a schema private to the test.
// TEST_DATABASE_URL points the tests at an existing server instead of a
// container.
func OpenPGXPool(t *testing.T, prefix string) *pgxpool.Pool {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping PostgreSQL integration test in short mode")
	}

	ctx, cancel := context.WithTimeout(context.Background(), postgresContainerStartupTimeout)
	defer cancel()

	dsn := strings.TrimSpace(os.Getenv("TEST_DATABASE_URL"))
	if dsn == "" {
		testcontainers.SkipIfProviderIsNotHealthy(t)
		cont, err := GetSharedPostgresContainer(ctx)
		if err != nil {
			t.Skipf("PostgreSQL container not available: %v", err)
		}
		dsn = cont.DSN
	}

	adminPool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("open postgres admin pool: %v", err)
	}
	t.Cleanup(adminPool.Close)

	if err = adminPool.Ping(ctx); err != nil {
		t.Fatalf("ping postgres: %v", err)
	}

	schema := newSchemaName(prefix)
	if _, err = adminPool.Exec(ctx, fmt.Sprintf(`CREATE SCHEMA "%s"`, schema)); err != nil {
		t.Fatalf("create test schema %q: %v", schema, err)
	}
	t.Cleanup(func() {
		_, _ = adminPool.Exec(context.Background(), fmt.Sprintf(`DROP SCHEMA IF EXISTS "%s" CASCADE`, schema))
	})

	schemaDSN, err := dsnWithSearchPath(dsn, schema)
	if err != nil {
		t.Fatalf("build postgres DSN with search_path: %v", err)
	}

	testPool, err := pgxpool.New(ctx, schemaDSN)
	if err != nil {
		t.Fatalf("open postgres test pool: %v", err)
	}
	t.Cleanup(testPool.Close)

	return testPool
}

func dsnWithSearchPath(dsn, schema string) (string, error) {
	if strings.Contains(dsn, "://") {
		u, err := url.Parse(dsn)
		if err != nil {
			return "", fmt.Errorf("parse DSN: %w", err)
		}
		q := u.Query()
		q.Set("search_path", schema)
		u.RawQuery = q.Encode()
		return u.String(), nil
	}

	if strings.Contains(dsn, "search_path=") {
		re := regexp.MustCompile(`search_path=\S+`)
		return re.ReplaceAllString(dsn, "search_path="+schema), nil
	}
	return dsn + " search_path=" + schema, nil
}

func newSchemaName(prefix string) string {
	base := strings.ToLower(prefix)
	base = strings.ReplaceAll(base, "-", "_")
	base = nonIdentChars.ReplaceAllString(base, "_")
	base = strings.Trim(base, "_")
	if base == "" {
		base = "test"
	}
	if len(base) > 40 {
		base = base[:40]
	}
	return fmt.Sprintf("%s_%d", base, time.Now().UnixNano())
}

// CleanupSharedPostgresContainer terminates the shared container.
func CleanupSharedPostgresContainer() {
	if sharedPostgres != nil && sharedPostgres.Container != nil {
		ctx, cancel := context.WithTimeout(context.Background(), postgresContainerTerminateTimeout)
		defer cancel()
		_ = sharedPostgres.Container.Terminate(ctx)
	}
}
