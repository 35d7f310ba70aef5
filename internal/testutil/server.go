package testutil

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

const staticRoot = "/usr/share/nginx/html"

// StaticServer is an nginx container serving fixed files over plain HTTP.
type StaticServer struct {
	container testcontainers.Container
	base      string
}

// NewStaticServer starts an nginx container that serves files, keyed by
// their URL path, from its document root. Callers must Close it.
//
// Example usage:
//
//	srv, err := NewStaticServer(ctx, map[string][]byte{"/a.png": PNG(4, 4)})
//	if err != nil {
//	    t.Fatal(err)
//	}
//	defer srv.Close(ctx)
func NewStaticServer(ctx context.Context, files map[string][]byte) (*StaticServer, error) {
	// Allow overriding the server image for mirrors and pinned digests
	image := os.Getenv("TEST_HTTP_IMAGE")
	if image == "" {
		image = "nginx:alpine"
	}

	req := testcontainers.ContainerRequest{
		Image:        image,
		ExposedPorts: []string{"80/tcp"},
		WaitingFor: wait.ForAll(
			wait.ForListeningPort("80/tcp"),
			wait.ForHTTP("/").WithPort("80/tcp"),
		),
	}
	for name, data := range files {
		req.Files = append(req.Files, testcontainers.ContainerFile{
			Reader:            bytes.NewReader(data),
			ContainerFilePath: path.Join(staticRoot, name),
			FileMode:          0o644,
		})
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start http container: %w", err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		_ = container.Terminate(ctx)
		return nil, fmt.Errorf("failed to get container host: %w", err)
	}

	port, err := container.MappedPort(ctx, "80")
	if err != nil {
		_ = container.Terminate(ctx)
		return nil, fmt.Errorf("failed to get container port: %w", err)
	}

	return &StaticServer{
		container: container,
		base:      fmt.Sprintf("http://%s:%d", host, port.Int()),
	}, nil
}

// URL returns the absolute URL for p.
func (s *StaticServer) URL(p string) string {
	return s.base + p
}

// Close terminates the container.
func (s *StaticServer) Close(ctx context.Context) error {
	if s.container != nil {
		if err := s.container.Terminate(ctx); err != nil {
			return fmt.Errorf("failed to terminate http container: %w", err)
		}
	}
	return nil
}
