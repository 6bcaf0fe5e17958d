// Package testpg provides a disposable postgres container for integration
// tests.
//
// It starts a postgres:16 container via the Docker API, waits for readiness,
// optionally applies golang-migrate migrations, and removes the container
// when the test finishes.
//
// Usage:
//
//	func TestSomething(t *testing.T) {
//	    pg := testpg.Start(t) // cleanup is registered automatically
//
//	    repo := store.NewPostgresSessionRepo(pg.Pool())
//	    // ...
//	}
//
// With migrations:
//
//	//go:embed migrations/*.sql
//	var migrations embed.FS
//
//	func TestWithMigrations(t *testing.T) {
//	    pg := testpg.Start(t, testpg.WithMigrations(migrations, "migrations"))
//	    // schema is ready
//	}
package testpg

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib" // register "pgx" database/sql driver

	libmigrate "github.com/whale-net/sandman/libs/go/migrate"
)

const (
	defaultImage    = "postgres:16"
	defaultUser     = "test"
	defaultPassword = "test"
	defaultDB       = "testdb"
	readyTimeout    = 30 * time.Second
	readyInterval   = 250 * time.Millisecond
	stopTimeout     = 5
)

// Option configures a Container.
type Option func(*options)

type options struct {
	image      string
	user       string
	password   string
	database   string
	migrations *migrationOpt
}

type migrationOpt struct {
	fs  embed.FS
	dir string
}

// WithImage overrides the default postgres Docker image.
func WithImage(img string) Option {
	return func(o *options) { o.image = img }
}

// WithCredentials sets the postgres user, password, and database name.
func WithCredentials(user, password, database string) Option {
	return func(o *options) {
		o.user = user
		o.password = password
		o.database = database
	}
}

// WithMigrations applies golang-migrate migrations once the container is
// ready. fs is an embedded filesystem of migration files, dir the
// subdirectory within it (e.g. "migrations").
func WithMigrations(fs embed.FS, dir string) Option {
	return func(o *options) {
		o.migrations = &migrationOpt{fs: fs, dir: dir}
	}
}

// Container is a running postgres test container.
type Container struct {
	connString  string
	containerID string
	cli         *client.Client
	pool        *pgxpool.Pool
	closeOnce   sync.Once
}

// ConnString returns the postgres connection string for the container.
func (c *Container) ConnString() string {
	return c.connString
}

// Pool returns a pgxpool.Pool connected to the test database. It is created
// during Start and closed with the container.
func (c *Container) Pool() *pgxpool.Pool {
	return c.pool
}

// Close stops and removes the container. Start registers it as a test
// cleanup; calling it again is a no-op.
func (c *Container) Close() {
	c.closeOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		if c.pool != nil {
			c.pool.Close()
		}
		timeout := stopTimeout
		_ = c.cli.ContainerStop(ctx, c.containerID, container.StopOptions{Timeout: &timeout})
		_ = c.cli.ContainerRemove(ctx, c.containerID, container.RemoveOptions{Force: true})
		_ = c.cli.Close()
	})
}

// Start creates a postgres container, waits for it to accept connections,
// and optionally runs migrations. Cleanup is registered on t; any failure
// is fatal to the test.
func Start(t *testing.T, opts ...Option) *Container {
	t.Helper()

	o := &options{
		image:    defaultImage,
		user:     defaultUser,
		password: defaultPassword,
		database: defaultDB,
	}
	for _, fn := range opts {
		fn(o)
	}

	ctx := context.Background()

	cli, err := client.NewClientWithOpts(
		client.FromEnv,
		client.WithAPIVersionNegotiation(),
	)
	if err != nil {
		t.Fatalf("testpg: docker client: %v", err)
	}

	if err := pullImage(ctx, cli, o.image); err != nil {
		cli.Close()
		t.Fatalf("testpg: pull image %s: %v", o.image, err)
	}

	hostPort, err := freePort()
	if err != nil {
		cli.Close()
		t.Fatalf("testpg: find free port: %v", err)
	}

	pgPort, _ := nat.NewPort("tcp", "5432")

	resp, err := cli.ContainerCreate(ctx,
		&container.Config{
			Image: o.image,
			Env: []string{
				fmt.Sprintf("POSTGRES_USER=%s", o.user),
				fmt.Sprintf("POSTGRES_PASSWORD=%s", o.password),
				fmt.Sprintf("POSTGRES_DB=%s", o.database),
			},
			ExposedPorts: nat.PortSet{pgPort: struct{}{}},
		},
		&container.HostConfig{
			PortBindings: nat.PortMap{
				pgPort: []nat.PortBinding{{
					HostIP:   "127.0.0.1",
					HostPort: fmt.Sprintf("%d", hostPort),
				}},
			},
		},
		nil, nil,
		fmt.Sprintf("testpg-%d", time.Now().UnixNano()),
	)
	if err != nil {
		cli.Close()
		t.Fatalf("testpg: create container: %v", err)
	}

	c := &Container{
		connString: fmt.Sprintf("postgres://%s:%s@127.0.0.1:%d/%s?sslmode=disable",
			o.user, o.password, hostPort, o.database),
		containerID: resp.ID,
		cli:         cli,
	}
	t.Cleanup(c.Close)

	if err := cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		t.Fatalf("testpg: start container: %v", err)
	}

	if err := waitReady(ctx, c.connString); err != nil {
		t.Fatalf("testpg: postgres not ready after %v: %v", readyTimeout, err)
	}

	pool, err := pgxpool.New(ctx, c.connString)
	if err != nil {
		t.Fatalf("testpg: create pool: %v", err)
	}
	c.pool = pool

	if o.migrations != nil {
		if err := runMigrations(c.connString, o.migrations); err != nil {
			t.Fatalf("testpg: migrations: %v", err)
		}
	}

	t.Logf("testpg: postgres ready at %s (container %s)", c.connString, resp.ID[:12])
	return c
}

// pullImage fetches the image, draining the progress stream to completion.
// Already-present images make this a fast no-op.
func pullImage(ctx context.Context, cli *client.Client, img string) error {
	reader, err := cli.ImagePull(ctx, img, image.PullOptions{})
	if err != nil {
		return err
	}
	defer reader.Close()

	buf := make([]byte, 4096)
	for {
		if _, err := reader.Read(buf); err != nil {
			return nil
		}
	}
}

// waitReady polls postgres until it accepts a connection or the timeout
// expires.
func waitReady(ctx context.Context, connStr string) error {
	deadline := time.Now().Add(readyTimeout)
	var lastErr error

	for time.Now().Before(deadline) {
		pool, err := pgxpool.New(ctx, connStr)
		if err != nil {
			lastErr = err
			time.Sleep(readyInterval)
			continue
		}

		err = pool.Ping(ctx)
		pool.Close()
		if err == nil {
			return nil
		}
		lastErr = err
		time.Sleep(readyInterval)
	}

	return fmt.Errorf("timeout waiting for postgres: %w", lastErr)
}

func runMigrations(connStr string, m *migrationOpt) error {
	db, err := sql.Open("pgx", connStr)
	if err != nil {
		return fmt.Errorf("open db for migrations: %w", err)
	}
	defer db.Close()

	runner := libmigrate.NewRunner(db, m.fs, m.dir)
	return runner.Up()
}

// freePort asks the OS for an available TCP port.
func freePort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	port := l.Addr().(*net.TCPAddr).Port
	l.Close()
	return port, nil
}
