package main

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"engagekit/points"
)

func TestBuildAppWithTestingProfile(t *testing.T) {
	ctx := context.Background()
	app, cleanup, err := BuildApp(ctx, Flags{Profile: "testing"})
	require.NoError(t, err)
	t.Cleanup(cleanup)

	require.NoError(t, app.System.Start(ctx))
	t.Cleanup(func() { _ = app.System.Close(ctx) })
	assert.Len(t, app.Scheduler.Entries(), 2)

	rec := httptest.NewRecorder()
	app.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestFileBackendAndReconcile(t *testing.T) {
	t.Setenv("ENGAGEKIT_STORAGE_ADAPTER", "file")
	t.Setenv("ENGAGEKIT_STORAGE_FILE_PATH", filepath.Join(t.TempDir(), "ledger.json"))
	ctx := context.Background()

	app, cleanup, err := BuildApp(ctx, Flags{})
	require.NoError(t, err)
	require.NoError(t, app.System.Start(ctx))
	_, err = app.System.Points.Award(ctx, points.AwardRequest{UserID: "u", ActionType: "quiz", BaseAmount: 10})
	require.NoError(t, err)
	require.NoError(t, app.System.Close(ctx))
	cleanup()

	var out bytes.Buffer
	require.NoError(t, runReconcile(ctx, Flags{}, &out))
	assert.Contains(t, out.String(), "all ledgers consistent")
}

func TestUnknownProfileFails(t *testing.T) {
	_, _, err := BuildApp(context.Background(), Flags{Profile: "moon"})
	assert.Error(t, err)
}

func TestParseLogLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, parseLogLevel("debug"))
	assert.Equal(t, slog.LevelWarn, parseLogLevel("warn"))
	assert.Equal(t, slog.LevelInfo, parseLogLevel("bogus"))
}
