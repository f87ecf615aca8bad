package api

import (
	"net/http"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHealthChecker_Healthy(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM meta_cache`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(3))

	router := newTestRouter(Deps{Cache: &mockCache{}, Health: NewHealthChecker(db, nil, 10)})
	rec := doRequest(t, router, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var status HealthStatus
	decodeBody(t, rec, &status)
	assert.Equal(t, "healthy", status.Status)
	assert.Equal(t, "up", status.Checks["database"].Status)
	assert.Equal(t, notConfigured, status.Checks["redis"].Status)
	assert.Equal(t, "up", status.Checks["cache_backlog"].Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestHealthChecker_BacklogDegrades(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM meta_cache`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(11))

	router := newTestRouter(Deps{Cache: &mockCache{}, Health: NewHealthChecker(db, nil, 10)})
	rec := doRequest(t, router, http.MethodGet, "/health/ready", nil)
	require.Equal(t, http.StatusOK, rec.Code, "degraded is still ready")

	var body struct {
		Ready  bool   `json:"ready"`
		Status string `json:"status"`
	}
	decodeBody(t, rec, &body)
	assert.True(t, body.Ready)
	assert.Equal(t, "degraded", body.Status)
}

func TestDetermineOverallStatus(t *testing.T) {
	tests := []struct {
		name   string
		checks map[string]ComponentCheck
		want   string
	}{
		{"all up", map[string]ComponentCheck{"database": {Status: "up"}, "redis": {Status: "up"}}, "healthy"},
		{"optional missing", map[string]ComponentCheck{"database": {Status: "up"}, "redis": {Status: notConfigured}}, "healthy"},
		{"redis down", map[string]ComponentCheck{"database": {Status: "up"}, "redis": {Status: "down"}}, "degraded"},
		{"database down", map[string]ComponentCheck{"database": {Status: "down"}, "redis": {Status: "up"}}, "unhealthy"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, determineOverallStatus(tt.checks))
		})
	}
}

func TestLiveness(t *testing.T) {
	router := newTestRouter(Deps{Cache: &mockCache{}, Health: NewHealthChecker(nil, nil, 0)})
	rec := doRequest(t, router, http.MethodGet, "/health/live", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "alive")
}
