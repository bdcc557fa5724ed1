package handler

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-gov-certificates/internal/logger"
	"github.com/pesio-ai/be-gov-certificates/internal/workflow"
)

func newTestServer(t *testing.T) (*fixture, *httptest.Server) {
	t.Helper()

	f := newFixture(t)
	h := NewHTTPHandler(f.proc, 5*time.Second, logger.Nop())
	reg := prometheus.NewRegistry()
	srv := httptest.NewServer(NewRouter(h, f.auth, promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))
	t.Cleanup(srv.Close)
	return f, srv
}

func do(t *testing.T, method, url, tok, body string) (*http.Response, map[string]any) {
	t.Helper()

	req, err := http.NewRequest(method, url, strings.NewReader(body))
	require.NoError(t, err)
	if tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp, out
}

func TestHTTP_ActAndHistory(t *testing.T) {
	f, srv := newTestServer(t)
	id := f.seed(t, "clearance", workflow.StatusStaffReview)
	staff := token(t, testSecret, "u-staff", "staff")

	resp, body := do(t, http.MethodPost, srv.URL+"/api/v1/requests/"+id+"/actions", staff,
		`{"action":"approve","comment":"documents complete"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "processing", body["status"])

	entry := body["entry"].(map[string]any)
	require.Equal(t, "Staff Review", entry["step_name"])
	require.Equal(t, "u-staff", entry["performed_by"])
	require.Equal(t, "documents complete", entry["comment"])

	resp, body = do(t, http.MethodGet, srv.URL+"/api/v1/requests/"+id+"/history", staff, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, body["entries"], 1)

	resp, body = do(t, http.MethodGet, srv.URL+"/api/v1/inbox", token(t, testSecret, "u-oic", "oic"), "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, float64(1), body["total"])
}

func TestHTTP_ErrorMapping(t *testing.T) {
	f, srv := newTestServer(t)
	id := f.seed(t, "clearance", workflow.StatusOICReview)
	orphan := f.seed(t, "cohabitation", workflow.StatusStaffReview)
	staff := token(t, testSecret, "u-staff", "staff")
	admin := token(t, testSecret, "u-admin", workflow.RoleAdmin)

	tests := []struct {
		name   string
		url    string
		tok    string
		body   string
		status int
		code   string
	}{
		{"no token", "/api/v1/requests/" + id + "/actions", "", `{"action":"approve"}`, http.StatusUnauthorized, "UNAUTHORIZED"},
		{"bad token", "/api/v1/requests/" + id + "/actions", token(t, "nope", "u-staff", "staff"), `{"action":"approve"}`, http.StatusUnauthorized, "UNAUTHORIZED"},
		{"forbidden", "/api/v1/requests/" + id + "/actions", staff, `{"action":"approve"}`, http.StatusForbidden, "FORBIDDEN"},
		{"unknown action", "/api/v1/requests/" + id + "/actions", admin, `{"action":"escalate"}`, http.StatusUnprocessableEntity, "INVALID_ACTION"},
		{"missing action", "/api/v1/requests/" + id + "/actions", admin, `{}`, http.StatusBadRequest, "INVALID_INPUT"},
		{"bad json", "/api/v1/requests/" + id + "/actions", admin, `{`, http.StatusBadRequest, "INVALID_INPUT"},
		{"not found", "/api/v1/requests/missing/actions", admin, `{"action":"approve"}`, http.StatusNotFound, "NOT_FOUND"},
		{"no workflow", "/api/v1/requests/" + orphan + "/actions", admin, `{"action":"approve"}`, http.StatusConflict, "NO_ACTIVE_STEP"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := do(t, http.MethodPost, srv.URL+tt.url, tt.tok, tt.body)
			require.Equal(t, tt.status, resp.StatusCode)
			require.Equal(t, tt.code, body["code"])
			require.NotEmpty(t, body["message"])
		})
	}

	resp, body := do(t, http.MethodGet, srv.URL+"/api/v1/requests/missing/history", admin, "")
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	require.Equal(t, "NOT_FOUND", body["code"])

	// neither assigned nor an actor on the request
	resp, body = do(t, http.MethodGet, srv.URL+"/api/v1/requests/"+id+"/history", staff, "")
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
	require.Equal(t, "FORBIDDEN", body["code"])
}

func TestHTTP_HealthAndMetrics(t *testing.T) {
	_, srv := newTestServer(t)

	resp, body := do(t, http.MethodGet, srv.URL+"/health", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "healthy", body["status"])

	mresp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	mresp.Body.Close()
	require.Equal(t, http.StatusOK, mresp.StatusCode)
}
