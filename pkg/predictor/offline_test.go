package predictor

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeScript creates an executable shell script in a temp dir.
func writeScript(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell scripts not supported on windows")
	}
	path := filepath.Join(t.TempDir(), "pred")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755))
	return path
}

func TestOffline_Predict(t *testing.T) {
	t.Parallel()

	argsFile := filepath.Join(t.TempDir(), "args")
	bin := writeScript(t, `echo "$@" > `+argsFile+`
echo "# comment"
echo "1715608800,-34.95,138.52,1000"
echo "1715612400.5,-34.90,139.00,30000"
echo ""
echo "1715614800,-34.85,139.20,40"
`)

	o := NewOffline(OfflineConfig{Binary: bin, DataDir: t.TempDir()})
	pred, err := o.Predict(context.Background(), ascendingRequest())
	require.NoError(t, err)
	require.Len(t, pred.Path, 3)

	assert.Equal(t, time.Unix(1715608800, 0).UTC(), pred.Path[0].Time)
	assert.Equal(t, 500*time.Millisecond, pred.Path[1].Time.Sub(time.Unix(1715612400, 0)))
	assert.InDelta(t, 30000, pred.Path[1].Altitude, 1e-9)
	assert.True(t, pred.Dataset.IsZero(), "no wind data in the data dir")

	args, err := os.ReadFile(argsFile)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(args), "-i "))
	assert.NotContains(t, string(args), "-d")
	assert.Contains(t, string(args), "scenario.ini")
}

func TestOffline_DescendingFlag(t *testing.T) {
	t.Parallel()

	argsFile := filepath.Join(t.TempDir(), "args")
	bin := writeScript(t, `echo "$@" > `+argsFile+`
echo "1715614800,-34.85,139.20,40"
`)
	o := NewOffline(OfflineConfig{Binary: bin, DataDir: "/gfs"})
	req := ascendingRequest()
	req.Descending = true

	_, err := o.Predict(context.Background(), req)
	require.NoError(t, err)

	args, err := os.ReadFile(argsFile)
	require.NoError(t, err)
	assert.Contains(t, string(args), "-i /gfs -d ")
}

func TestOffline_Failures(t *testing.T) {
	t.Parallel()

	t.Run("non-zero exit", func(t *testing.T) {
		bin := writeScript(t, "echo boom >&2\nexit 3\n")
		_, err := NewOffline(OfflineConfig{Binary: bin}).Predict(context.Background(), ascendingRequest())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "boom")
	})

	t.Run("no output", func(t *testing.T) {
		bin := writeScript(t, "exit 0\n")
		_, err := NewOffline(OfflineConfig{Binary: bin}).Predict(context.Background(), ascendingRequest())
		assert.ErrorIs(t, err, ErrNoPrediction)
	})

	t.Run("malformed output", func(t *testing.T) {
		bin := writeScript(t, "echo 1,2\n")
		_, err := NewOffline(OfflineConfig{Binary: bin}).Predict(context.Background(), ascendingRequest())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "expected 4 fields")
	})

	t.Run("timeout", func(t *testing.T) {
		bin := writeScript(t, "exec sleep 5\n")
		o := NewOffline(OfflineConfig{Binary: bin, Timeout: 50 * time.Millisecond})
		_, err := o.Predict(context.Background(), ascendingRequest())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "timed out")
	})
}

func TestScenarioINI(t *testing.T) {
	t.Parallel()

	ini := scenarioINI(ascendingRequest())
	assert.Contains(t, ini, "latitude = -34.950000")
	assert.Contains(t, ini, "burst-altitude = 30000.0")
	assert.Contains(t, ini, "hour = 14")
	assert.Contains(t, ini, "year = 2024")

	req := ascendingRequest()
	req.Descending = true
	assert.Contains(t, scenarioINI(req), "burst-altitude = 1001.0")
}

func TestOffline_CheckModel(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 5, 13, 12, 0, 0, 0, time.UTC)

	t.Run("missing dir", func(t *testing.T) {
		o := NewOffline(OfflineConfig{DataDir: filepath.Join(t.TempDir(), "nope")})
		assert.Equal(t, ModelMissing, o.CheckModel(now).Status)
	})

	t.Run("empty dir", func(t *testing.T) {
		o := NewOffline(OfflineConfig{DataDir: t.TempDir()})
		assert.Equal(t, ModelMissing, o.CheckModel(now).Status)
	})

	dir := t.TempDir()
	for _, name := range []string{"gfs_2024051306.dat", "gfs_2024051318.dat", "README"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), nil, 0o644))
	}
	o := NewOffline(OfflineConfig{DataDir: dir})

	t.Run("covers lookahead", func(t *testing.T) {
		st := o.CheckModel(now)
		assert.True(t, st.OK)
		assert.Equal(t, ModelOK, st.Status)
		assert.Equal(t, time.Date(2024, 5, 13, 6, 0, 0, 0, time.UTC), st.Start)
		assert.Equal(t, time.Date(2024, 5, 13, 18, 0, 0, 0, time.UTC), st.End)
	})

	t.Run("stale", func(t *testing.T) {
		st := o.CheckModel(now.Add(6 * time.Hour))
		assert.False(t, st.OK)
		assert.Equal(t, ModelOld, st.Status)
	})
}

func TestOffline_DownloadModel(t *testing.T) {
	t.Parallel()
	if runtime.GOOS == "windows" {
		t.Skip("requires sh")
	}

	status, err := NewOffline(OfflineConfig{}).DownloadModel(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "No model download cmd.", status)

	status, err = NewOffline(OfflineConfig{DownloadCommand: "true"}).DownloadModel(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "OK", status)

	status, err = NewOffline(OfflineConfig{DownloadCommand: "exit 2"}).DownloadModel(context.Background())
	require.Error(t, err)
	assert.Equal(t, "Error: Ret Code 2", status)
}
