// Copyright (C) 2025 CardinalHQ, Inc
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, version 3.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <http://www.gnu.org/licenses/>.

package healthcheck

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatus_String(t *testing.T) {
	tests := []struct {
		status Status
		want   string
	}{
		{StatusStarting, "starting"},
		{StatusHealthy, "healthy"},
		{StatusUnhealthy, "unhealthy"},
		{Status(999), "unknown"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.status.String())
		})
	}
}

func TestGetConfigFromEnv(t *testing.T) {
	t.Setenv("HEALTH_CHECK_PORT", "")
	assert.Equal(t, 8090, GetConfigFromEnv().Port)

	t.Setenv("HEALTH_CHECK_PORT", "9090")
	assert.Equal(t, 9090, GetConfigFromEnv().Port)

	t.Setenv("HEALTH_CHECK_PORT", "invalid")
	assert.Equal(t, 8090, GetConfigFromEnv().Port)

	t.Setenv("HEALTH_CHECK_PORT", "70000")
	assert.Equal(t, 8090, GetConfigFromEnv().Port)
}

func get(t *testing.T, s *Server, path string) (int, Response) {
	t.Helper()
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	var resp Response
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	return rec.Code, resp
}

func TestServer_Healthz(t *testing.T) {
	s := NewServer(Config{})

	code, resp := get(t, s, "/healthz")
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.False(t, resp.Healthy)

	s.SetStatus(StatusHealthy)
	code, resp = get(t, s, "/healthz")
	assert.Equal(t, http.StatusOK, code)
	assert.True(t, resp.Healthy)
}

func TestServer_Livez(t *testing.T) {
	s := NewServer(Config{})

	code, _ := get(t, s, "/livez")
	assert.Equal(t, http.StatusOK, code, "starting counts as alive")

	s.SetStatus(StatusUnhealthy)
	code, _ = get(t, s, "/livez")
	assert.Equal(t, http.StatusServiceUnavailable, code)
}

func TestServer_ReadyzConditions(t *testing.T) {
	s := NewServer(Config{})

	code, resp := get(t, s, "/readyz")
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, []string{"ready"}, resp.Failing)

	s.SetReady(true)
	s.TrackActiveWorkers(0)
	code, resp = get(t, s, "/readyz")
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, []string{ConditionActiveAccounts}, resp.Failing)

	s.TrackActiveWorkers(2)
	code, resp = get(t, s, "/readyz")
	assert.Equal(t, http.StatusOK, code)
	assert.True(t, resp.Healthy)
	assert.Empty(t, resp.Failing)
	assert.True(t, s.IsReady())

	s.SetReadyCondition("database", false)
	assert.False(t, s.IsReady())
	s.ClearReadyCondition("database")
	assert.True(t, s.IsReady())
}

func TestServer_StopWithoutStart(t *testing.T) {
	assert.NoError(t, NewServer(Config{Port: 1234}).Stop())
}
