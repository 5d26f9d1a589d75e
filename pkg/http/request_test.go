package http_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	pkghttp "github.com/BradenHooton/bastion/pkg/http"
)

func TestExtractClientIP_RemoteAddrFallback(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/v1/guard/check", nil)
	req.RemoteAddr = "203.0.113.10:54321"

	ip := pkghttp.ExtractClientIP(req, nil)
	assert.Equal(t, "203.0.113.10", ip)
}

func TestExtractClientIP_UntrustedProxyIgnoresHeaders(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/v1/guard/check", nil)
	req.RemoteAddr = "203.0.113.10:54321"
	req.Header.Set("X-Forwarded-For", "198.51.100.7")
	req.Header.Set("X-Real-IP", "198.51.100.8")

	config := &pkghttp.IPConfig{TrustedProxies: []string{"10.0.0.0/8"}}

	ip := pkghttp.ExtractClientIP(req, config)
	assert.Equal(t, "203.0.113.10", ip)
}

func TestExtractClientIP_TrustedProxyHonorsForwardedFor(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/v1/guard/check", nil)
	req.RemoteAddr = "10.1.2.3:443"
	req.Header.Set("X-Forwarded-For", "198.51.100.7, 10.1.2.3")

	config := &pkghttp.IPConfig{TrustedProxies: []string{"10.0.0.0/8"}}

	ip := pkghttp.ExtractClientIP(req, config)
	assert.Equal(t, "198.51.100.7", ip)
}

func TestExtractClientIP_TrustedProxySkipsGarbageForwardedFor(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/v1/guard/check", nil)
	req.RemoteAddr = "10.1.2.3:443"
	req.Header.Set("X-Forwarded-For", "not-an-ip, also-garbage")
	req.Header.Set("X-Real-IP", "198.51.100.9")

	config := &pkghttp.IPConfig{TrustedProxies: []string{"10.0.0.0/8"}}

	ip := pkghttp.ExtractClientIP(req, config)
	assert.Equal(t, "198.51.100.9", ip)
}

func TestExtractClientIP_SingleIPProxyEntry(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/v1/guard/check", nil)
	req.RemoteAddr = "192.168.1.1:8080"
	req.Header.Set("X-Real-IP", "198.51.100.20")

	config := &pkghttp.IPConfig{TrustedProxies: []string{"192.168.1.1"}}

	ip := pkghttp.ExtractClientIP(req, config)
	assert.Equal(t, "198.51.100.20", ip)
}

func TestExtractClientIP_NoProxiesConfigured(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/v1/guard/check", nil)
	req.RemoteAddr = "10.1.2.3:443"
	req.Header.Set("X-Forwarded-For", "198.51.100.7")

	config := &pkghttp.IPConfig{TrustedProxies: nil}

	ip := pkghttp.ExtractClientIP(req, config)
	assert.Equal(t, "10.1.2.3", ip)
}

func TestExtractClientIP_IPv6(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/v1/guard/check", nil)
	req.RemoteAddr = "[2001:db8::1]:54321"

	ip := pkghttp.ExtractClientIP(req, nil)
	assert.Equal(t, "2001:db8::1", ip)
}
