package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func healthy(context.Context) CheckResult { return CheckResult{Status: StatusHealthy} }

func failing(context.Context) error { return errors.New("down") }

func TestOverallStatus(t *testing.T) {
	tests := []struct {
		name     string
		critical bool
		check    Check
		want     Status
	}{
		{"healthy", true, healthy, StatusHealthy},
		{"critical failure", true, ErrorCheck(failing), StatusUnhealthy},
		{"optional failure", false, ErrorCheck(failing), StatusDegraded},
		{"degraded", true, func(context.Context) CheckResult { return CheckResult{Status: StatusDegraded} }, StatusDegraded},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewChecker()
			c.RegisterFunc("db", true, healthy)
			c.RegisterFunc("probe", tt.critical, tt.check)
			c.Check(context.Background())
			assert.Equal(t, tt.want, c.OverallStatus())
		})
	}
}

func TestUnknownBeforeFirstCheck(t *testing.T) {
	c := NewChecker()
	c.RegisterFunc("db", true, healthy)
	c.RegisterFunc("inbox", false, healthy)
	assert.Equal(t, StatusUnknown, c.OverallStatus())

	c.Check(context.Background())
	assert.Equal(t, StatusHealthy, c.OverallStatus())
}

func TestCheckTimeoutAndPanic(t *testing.T) {
	c := NewChecker()
	c.Register(&Component{
		Name:     "slow",
		Critical: true,
		Timeout:  20 * time.Millisecond,
		Check: func(ctx context.Context) CheckResult {
			<-ctx.Done()
			time.Sleep(10 * time.Millisecond)
			return CheckResult{Status: StatusHealthy}
		},
	})
	c.RegisterFunc("panics", false, func(context.Context) CheckResult { panic("boom") })

	results := c.Check(context.Background())
	assert.Equal(t, StatusUnhealthy, results["slow"].Status)
	assert.Equal(t, "check timed out", results["slow"].Message)
	assert.Equal(t, StatusUnhealthy, results["panics"].Status)
	assert.Equal(t, "boom", results["panics"].Error)
	assert.Equal(t, []string{"panics", "slow"}, c.Names())
}

func TestIntervalReusesResult(t *testing.T) {
	var runs atomic.Int32
	c := NewChecker()
	c.Register(&Component{
		Name:     "audit_chain",
		Interval: time.Hour,
		Check: func(context.Context) CheckResult {
			runs.Add(1)
			return CheckResult{Status: StatusHealthy}
		},
	})
	c.RegisterFunc("db", true, func(context.Context) CheckResult {
		runs.Add(10)
		return CheckResult{Status: StatusHealthy}
	})

	c.Check(context.Background())
	c.Check(context.Background())
	assert.Equal(t, int32(1+10+10), runs.Load())
}

func TestDatabaseCheck(t *testing.T) {
	ok := DatabaseCheck(func(context.Context) error { return nil })(context.Background())
	assert.Equal(t, StatusHealthy, ok.Status)

	bad := DatabaseCheck(func(context.Context) error { return errors.New("locked") })(context.Background())
	assert.Equal(t, StatusUnhealthy, bad.Status)
	assert.Equal(t, "locked", bad.Error)
}

func TestSecretFileCheck(t *testing.T) {
	dir := t.TempDir()
	key := filepath.Join(dir, "signing.key")
	require.NoError(t, os.WriteFile(key, []byte("00"), 0o600))
	ctx := context.Background()

	assert.Equal(t, StatusHealthy, SecretFileCheck(key)(ctx).Status)
	assert.Equal(t, StatusUnhealthy, SecretFileCheck(filepath.Join(dir, "missing"))(ctx).Status)
	assert.Equal(t, StatusUnhealthy, SecretFileCheck(dir)(ctx).Status)

	require.NoError(t, os.Chmod(key, 0o644))
	res := SecretFileCheck(key)(ctx)
	assert.Equal(t, StatusDegraded, res.Status)
	assert.Equal(t, "-rw-r--r--", res.Details["mode"])
}

func TestHandlers(t *testing.T) {
	c := NewChecker()
	c.RegisterFunc("db", true, healthy)

	rec := httptest.NewRecorder()
	c.ReadinessHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	c.SetReady(true)
	rec = httptest.NewRecorder()
	c.HealthHandler("1.2.3").ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz?full=true", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, StatusHealthy, resp.Status)
	assert.True(t, resp.Ready)
	assert.Equal(t, "1.2.3", resp.Version)
	assert.Contains(t, resp.Components, "db")

	rec = httptest.NewRecorder()
	c.ReadinessHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	c.LivenessHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/livez", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	c.RegisterFunc("db", true, ErrorCheck(func(context.Context) error { return errors.New("gone") }))
	rec = httptest.NewRecorder()
	c.HealthHandler("").ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
