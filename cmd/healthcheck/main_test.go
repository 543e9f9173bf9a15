package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestProbeURL(t *testing.T) {
	tests := []struct {
		explicit, addr string
		ready          bool
		want           string
	}{
		{"", "", false, "http://localhost:8080/healthz"},
		{"", ":9090", true, "http://localhost:9090/readyz"},
		{"", "0.0.0.0:7000", false, "http://localhost:7000/healthz"},
		{"http://relay:1/healthz", ":9090", false, "http://relay:1/healthz"},
	}
	for _, tt := range tests {
		if got := probeURL(tt.explicit, tt.addr, tt.ready); got != tt.want {
			t.Errorf("probeURL(%q, %q, %v) = %q, want %q", tt.explicit, tt.addr, tt.ready, got, tt.want)
		}
	}
}

func TestProbe(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/readyz" {
			http.Error(w, `{"status":"not_ready"}`, http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	if err := probe(context.Background(), srv.Client(), srv.URL+"/healthz"); err != nil {
		t.Errorf("healthz probe: %v", err)
	}
	if err := probe(context.Background(), srv.Client(), srv.URL+"/readyz"); err == nil {
		t.Error("expected readyz probe to fail on 503")
	}
}
