package health

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// TestHTTPCheckerVerdicts tests status-code handling across the default and
// custom expected ranges
func TestHTTPCheckerVerdicts(t *testing.T) {
	tests := []struct {
		name        string
		statusCode  int
		rangeMin    int
		rangeMax    int
		wantHealthy bool
	}{
		{name: "ok in default range", statusCode: http.StatusOK, wantHealthy: true},
		{name: "redirect in default range", statusCode: http.StatusFound, wantHealthy: true},
		{name: "server error", statusCode: http.StatusInternalServerError, wantHealthy: false},
		{name: "created in custom range", statusCode: http.StatusCreated, rangeMin: 200, rangeMax: 299, wantHealthy: true},
		{name: "redirect outside custom range", statusCode: http.StatusFound, rangeMin: 200, rangeMax: 299, wantHealthy: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.statusCode)
			}))
			defer server.Close()

			checker := NewHTTPChecker(server.URL)
			if tt.rangeMin != 0 {
				checker = checker.WithStatusRange(tt.rangeMin, tt.rangeMax)
			}

			result := checker.Check(context.Background())
			assert.Equal(t, tt.wantHealthy, result.Healthy, result.Message)
			assert.False(t, result.CheckedAt.IsZero())
		})
	}
}

// TestHTTPCheckerSendsHeaders tests that configured headers reach the probe
// target
func TestHTTPCheckerSendsHeaders(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer probe-token" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	checker := NewHTTPChecker(server.URL).WithHeader("Authorization", "Bearer probe-token")
	result := checker.Check(context.Background())
	assert.True(t, result.Healthy, result.Message)
}

// TestHTTPCheckerTimeout tests that a slow endpoint fails the probe
func TestHTTPCheckerTimeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	checker := NewHTTPChecker(server.URL).WithTimeout(50 * time.Millisecond)
	result := checker.Check(context.Background())
	assert.False(t, result.Healthy)
}

// TestHTTPCheckerUnreachable tests that a refused connection fails the probe
func TestHTTPCheckerUnreachable(t *testing.T) {
	checker := NewHTTPChecker("http://127.0.0.1:1").WithTimeout(100 * time.Millisecond)
	result := checker.Check(context.Background())
	assert.False(t, result.Healthy)
}

// TestTCPChecker tests the dial-based probe against a live and a closed port
func TestTCPChecker(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	assert.NoError(t, err)
	defer ln.Close()

	up := NewTCPChecker(ln.Addr().String()).Check(context.Background())
	assert.True(t, up.Healthy, up.Message)
	assert.Equal(t, CheckTypeTCP, NewTCPChecker("").Type())

	down := NewTCPChecker("127.0.0.1:1").WithTimeout(100 * time.Millisecond).Check(context.Background())
	assert.False(t, down.Healthy)
}

// TestExecChecker tests the command-based probe on exit codes
func TestExecChecker(t *testing.T) {
	ok := NewExecChecker([]string{"true"}).Check(context.Background())
	assert.True(t, ok.Healthy, ok.Message)

	fail := NewExecChecker([]string{"false"}).Check(context.Background())
	assert.False(t, fail.Healthy)

	empty := NewExecChecker(nil).Check(context.Background())
	assert.False(t, empty.Healthy)
	assert.Equal(t, "no command specified", empty.Message)
}
