//go:build integration

// These tests run the loader against a real HTTP server in a container.
// They require Docker. Use the build tag "integration" to run them:
// go test -tags=integration
package imagecache

import (
	"context"
	"os/exec"
	"testing"
	"time"

	"github.com/jmgilman/go/fs/billy"
	"github.com/jmgilman/go/fs/core"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/jmgilman/go/imagecache/internal/testutil"
)

// IntegrationTestSuite loads images from an nginx container.
type IntegrationTestSuite struct {
	suite.Suite
	server *testutil.StaticServer
}

// SetupSuite starts the server once for all tests.
func (suite *IntegrationTestSuite) SetupSuite() {
	if testing.Short() {
		suite.T().Skip("Skipping integration tests in short mode")
	}
	if _, err := exec.LookPath("docker"); err != nil {
		suite.T().Skip("Docker not available, skipping integration tests")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	server, err := testutil.NewStaticServer(ctx, map[string][]byte{
		"/images/a.png":    testutil.PNG(7, 5),
		"/images/b.jpg":    testutil.JPEG(16, 8),
		"/images/page.png": testutil.HTMLPage(),
	})
	require.NoError(suite.T(), err, "Failed to start http server")
	suite.server = server
}

// TearDownSuite stops the server.
func (suite *IntegrationTestSuite) TearDownSuite() {
	if suite.server != nil {
		_ = suite.server.Close(context.Background())
	}
}

func (suite *IntegrationTestSuite) newLoader(fsys core.FS) *Loader {
	ld, err := New(WithFilesystem(fsys), WithCacheDir("/cache"))
	suite.Require().NoError(err)
	suite.T().Cleanup(func() { _ = ld.Close() })
	return ld
}

// TestGetImage tests a blocking load, a listener load and the cache hits
// that follow.
func (suite *IntegrationTestSuite) TestGetImage() {
	ld := suite.newLoader(billy.NewMemory())
	ctx := context.Background()

	img, err := ld.GetImage(ctx, suite.server.URL("/images/a.png"), nil)
	suite.Require().NoError(err)
	suite.Require().NotNil(img)
	suite.Equal(7, img.Width)
	suite.Equal(5, img.Height)
	suite.Equal("png", img.Format)

	r := newRecorder()
	_, err = ld.GetImage(ctx, suite.server.URL("/images/b.jpg"), r)
	suite.Require().NoError(err)
	r.wait(suite.T())

	events, jpg, ferr := r.snapshot()
	suite.Require().NoError(ferr)
	suite.Equal("size", events[0])
	suite.Equal("jpeg", jpg.Format)

	again, err := ld.GetImage(ctx, suite.server.URL("/images/b.jpg"), nil)
	suite.Require().NoError(err)
	suite.Same(jpg, again)

	m := ld.Metrics()
	suite.Equal(int64(2), m.NetworkRequests)
	suite.Equal(int64(1), m.Hits)
}

// TestMarkupRetry tests that an HTML body is retried once and then reported.
func (suite *IntegrationTestSuite) TestMarkupRetry() {
	ld := suite.newLoader(billy.NewMemory())

	img, err := ld.GetImage(context.Background(), suite.server.URL("/images/page.png"), nil)
	suite.Nil(img)
	suite.Require().Error(err)
	suite.ErrorIs(err, ErrContentNotImage)

	m := ld.Metrics()
	suite.Equal(int64(2), m.NetworkRequests)
	suite.Equal(0, ld.Entries())
}

// TestNotFound tests that a 404 is reported and not cached.
func (suite *IntegrationTestSuite) TestNotFound() {
	ld := suite.newLoader(billy.NewMemory())
	src := suite.server.URL("/images/missing.png")

	r := newRecorder()
	_, err := ld.GetImage(context.Background(), src, r)
	suite.Require().NoError(err)
	r.wait(suite.T())

	_, img, ferr := r.snapshot()
	suite.Nil(img)
	suite.ErrorIs(ferr, ErrNotFound)
	suite.Equal("Not Found: "+src, ferr.Error())
	suite.Equal(0, ld.Entries())
}

// TestReload tests that a second loader serves a cached file without the
// network.
func (suite *IntegrationTestSuite) TestReload() {
	fsys := billy.NewMemory()
	ctx := context.Background()
	src := suite.server.URL("/images/a.png")

	first, err := New(WithFilesystem(fsys), WithCacheDir("/cache"))
	suite.Require().NoError(err)
	_, err = first.GetImage(ctx, src, nil)
	suite.Require().NoError(err)
	suite.Require().NoError(first.Close())

	second := suite.newLoader(fsys)
	n, err := second.Reload(ctx)
	suite.Require().NoError(err)
	suite.Equal(1, n)

	img, err := second.GetImage(ctx, src, nil)
	suite.Require().NoError(err)
	suite.Require().NotNil(img)
	suite.Equal(7, img.Width)

	m := second.Metrics()
	suite.Equal(int64(0), m.NetworkRequests)
	suite.Equal(int64(1), m.DiskReads)
}

// TestIntegrationSuite runs the integration test suite.
func TestIntegrationSuite(t *testing.T) {
	suite.Run(t, new(IntegrationTestSuite))
}
