package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// TestStoreIntegration runs a full integration test against a real Postgres container.
// It requires Docker to be running.
func TestStoreIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	ctx := context.Background()

	// We wrap this in a function to recover from panics inside testcontainers (e.g. socket not found)
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("testcontainers panicked: %v", r)
			}
		}()
		_, err = testcontainers.NewDockerClientWithOpts(ctx)
		return
	}()
	if err != nil {
		t.Skipf("Docker not available, cannot run integration test: %v", err)
	}

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("sightline_test"),
		postgres.WithUsername("user"),
		postgres.WithPassword("password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
		testcontainers.WithLogger(noopLogger{}),
	)
	require.NoError(t, err, "Failed to start postgres container")
	defer func() {
		if err := pgContainer.Terminate(ctx); err != nil {
			t.Fatalf("Failed to terminate container: %v", err)
		}
	}()

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	// Initialize Store (runs migrations)
	s, err := New(ctx, connStr)
	require.NoError(t, err)
	defer s.Close()

	// --- Test Scenarios ---

	video := &Analysis{
		MediaType:     "video",
		SourceName:    "street.mp4",
		OutputPath:    "results/abc_out.avi",
		Detections:    []string{"car", "person"},
		PerSecond:     map[int][]string{0: {"person"}, 1: {}, 2: {"car", "person"}},
		FramesWritten: 75,
		CreatedAt:     time.Now().UTC().Add(-time.Minute).Truncate(time.Microsecond),
	}
	require.NoError(t, s.RecordAnalysis(ctx, video))
	assert.NotEqual(t, uuid.Nil, video.ID, "ID is assigned")

	image := &Analysis{
		MediaType:  "image",
		SourceName: "cat.png",
		OutputPath: "results/def.jpg",
	}
	require.NoError(t, s.RecordAnalysis(ctx, image))

	got, err := s.GetAnalysis(ctx, video.ID)
	require.NoError(t, err)
	assert.Equal(t, video.Detections, got.Detections)
	assert.Equal(t, video.PerSecond, got.PerSecond)
	assert.Equal(t, 75, got.FramesWritten)
	assert.True(t, video.CreatedAt.Equal(got.CreatedAt))

	_, err = s.GetAnalysis(ctx, uuid.New())
	assert.True(t, IsNotFound(err))

	list, err := s.ListAnalyses(ctx, 0)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, image.ID, list[0].ID, "newest first")
	assert.Empty(t, list[0].Detections)
	assert.Nil(t, list[0].PerSecond)

	list, err = s.ListAnalyses(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	require.NoError(t, s.Reset(ctx))
	_, err = s.ListAnalyses(ctx, 0)
	assert.Error(t, err, "table is gone after reset")
}

type noopLogger struct{}

func (n noopLogger) Printf(format string, v ...interface{}) {}
