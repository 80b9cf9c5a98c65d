package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewClientIPExtractor(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name           string
		trustedProxies []string
		expectedCIDRs  int
	}{
		{name: "nil proxies", expectedCIDRs: 0},
		{name: "single CIDR", trustedProxies: []string{"10.0.0.0/8"}, expectedCIDRs: 1},
		{name: "single IP", trustedProxies: []string{"192.168.1.1"}, expectedCIDRs: 1},
		{name: "invalid entry is skipped", trustedProxies: []string{"proxy.local", "10.0.0.0/8"}, expectedCIDRs: 1},
		{name: "IPv6", trustedProxies: []string{"fd00::/8", "::1"}, expectedCIDRs: 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Len(t, NewClientIPExtractor(tt.trustedProxies).trustedCIDRs, tt.expectedCIDRs)
		})
	}
}

func TestClientIPExtractor_Extract(t *testing.T) {
	t.Parallel()

	trusting := NewClientIPExtractor([]string{"10.0.0.0/8", "::1"})

	tests := []struct {
		name       string
		extractor  *ClientIPExtractor
		remoteAddr string
		xff        string
		want       string
	}{
		{
			name:       "no proxies ignores header",
			extractor:  NewClientIPExtractor(nil),
			remoteAddr: "203.0.113.7:5555",
			xff:        "198.51.100.1",
			want:       "203.0.113.7",
		},
		{
			name:       "untrusted peer ignores header",
			extractor:  trusting,
			remoteAddr: "203.0.113.7:5555",
			xff:        "198.51.100.1",
			want:       "203.0.113.7",
		},
		{
			name:       "trusted peer uses rightmost untrusted hop",
			extractor:  trusting,
			remoteAddr: "10.1.1.1:5555",
			xff:        "1.1.1.1, 198.51.100.1, 10.2.2.2",
			want:       "198.51.100.1",
		},
		{
			name:       "all hops trusted falls back to peer",
			extractor:  trusting,
			remoteAddr: "10.1.1.1:5555",
			xff:        "10.3.3.3, 10.2.2.2",
			want:       "10.1.1.1",
		},
		{
			name:       "trusted peer without header",
			extractor:  trusting,
			remoteAddr: "10.1.1.1:5555",
			want:       "10.1.1.1",
		},
		{
			name:       "IPv6 peer",
			extractor:  trusting,
			remoteAddr: "[::1]:8080",
			xff:        "2001:db8::1",
			want:       "2001:db8::1",
		},
		{
			name:       "address without port",
			extractor:  NewClientIPExtractor(nil),
			remoteAddr: "203.0.113.7",
			want:       "203.0.113.7",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			r := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
			r.RemoteAddr = tt.remoteAddr
			if tt.xff != "" {
				r.Header.Set(HeaderXForwardedFor, tt.xff)
			}
			assert.Equal(t, tt.want, tt.extractor.Extract(r))
		})
	}
}
