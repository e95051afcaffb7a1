package realtime

import (
	"net/http/httptest"
	"reflect"
	"testing"
)

func TestEnforceOrigin(t *testing.T) {
	t.Parallel()

	g := &Gateway{cfg: GatewayConfig{
		OriginRequired: true,
		AllowedOrigins: []string{"http://localhost", "https://chat.example.com"},
	}}

	cases := []struct {
		origin string
		ok     bool
	}{
		{"", false},
		{"http://localhost", true},
		{"http://localhost:5173", true},
		{"https://chat.example.com", true},
		{"https://evil.example.com", false},
	}
	for _, tc := range cases {
		r := httptest.NewRequest("GET", "/ws", nil)
		if tc.origin != "" {
			r.Header.Set("Origin", tc.origin)
		}
		err := g.enforceOrigin(r)
		if (err == nil) != tc.ok {
			t.Fatalf("origin %q: err=%v want ok=%v", tc.origin, err, tc.ok)
		}
	}

	g.cfg.OriginRequired = false
	if err := g.enforceOrigin(httptest.NewRequest("GET", "/ws", nil)); err != nil {
		t.Fatalf("missing origin must pass when not required: %v", err)
	}
}

func TestDeriveOriginPatterns(t *testing.T) {
	t.Parallel()

	got := deriveOriginPatternsFromAllowedOrigins([]string{"http://LOCALHOST:3000", "*", "https://b.example", "http://localhost"})
	want := []string{"b.example", "localhost"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v want %v", got, want)
	}
}
