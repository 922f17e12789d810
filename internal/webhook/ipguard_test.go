package webhook

import (
	"net/http"
	"net/http/httptest"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMaskFor(t *testing.T) {
	assert.Equal(t, uint32(0xFFFFFF00), maskFor(24))
	assert.Equal(t, uint32(0xFFFFFFFF), maskFor(32))
	assert.Equal(t, uint32(0), maskFor(0))
	assert.Equal(t, uint32(0xFFFF0000), maskFor(16))
}

func TestIPGuardAllowAddr(t *testing.T) {
	g, err := NewIPGuard(true, []string{"10.0.0.0/8", "192.168.1.10", "2001:db8::/32"}, false)
	require.NoError(t, err)

	tests := []struct {
		ip   string
		want bool
	}{
		{"10.1.2.3", true},
		{"11.0.0.1", false},
		{"192.168.1.10", true},
		{"192.168.1.11", false},
		{"::ffff:10.9.9.9", true},
		{"2001:db8::1", true},
		{"2001:db9::1", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, g.AllowAddr(netip.MustParseAddr(tt.ip)), tt.ip)
	}
}

func TestIPGuardFailsClosedWithoutEntries(t *testing.T) {
	g, err := NewIPGuard(true, nil, false)
	require.NoError(t, err)
	r := httptest.NewRequest(http.MethodPost, "/webhooks/salla", nil)
	r.RemoteAddr = "10.0.0.1:5555"
	assert.False(t, g.Allow(r))

	off, err := NewIPGuard(false, nil, false)
	require.NoError(t, err)
	assert.True(t, off.Allow(r))
}

func TestIPGuardForwardedForOnlyWhenTrusted(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/webhooks/salla", nil)
	r.RemoteAddr = "172.16.0.5:443"
	r.Header.Set("X-Forwarded-For", "10.0.0.7, 172.16.0.5")

	untrusted, err := NewIPGuard(true, []string{"10.0.0.0/24"}, false)
	require.NoError(t, err)
	assert.False(t, untrusted.Allow(r))

	trusted, err := NewIPGuard(true, []string{"10.0.0.0/24"}, true)
	require.NoError(t, err)
	assert.True(t, trusted.Allow(r))
}

func TestIPGuardRejectsBadEntries(t *testing.T) {
	_, err := NewIPGuard(true, []string{"10.0.0.0/40"}, false)
	assert.Error(t, err)
	_, err = NewIPGuard(true, []string{"not-an-ip"}, false)
	assert.Error(t, err)
}

func TestIPGuardMiddleware(t *testing.T) {
	g, err := NewIPGuard(true, []string{"127.0.0.1"}, false)
	require.NoError(t, err)
	h := g.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	r := httptest.NewRequest(http.MethodPost, "/", nil)
	r.RemoteAddr = "127.0.0.1:1"
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, r)
	assert.Equal(t, http.StatusOK, rec.Code)

	r.RemoteAddr = "8.8.8.8:1"
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, r)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}
