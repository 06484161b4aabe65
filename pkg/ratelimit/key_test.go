package ratelimit

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClientKeyPrefersForwardedFor(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	r.Header.Set("X-Forwarded-For", "9.9.9.9")
	r.Header.Set("X-Real-Ip", "8.8.8.8")
	assert.Equal(t, "9.9.9.9", ClientKey(r))
}

func TestClientKeyFallsBackToRealIP(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	r.Header.Set("X-Real-Ip", "8.8.8.8")
	assert.Equal(t, "8.8.8.8", ClientKey(r))
}

func TestClientKeyFallsBackToUnknown(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	assert.Equal(t, "unknown", ClientKey(r))
}
