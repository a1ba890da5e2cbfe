package tracing

import "testing"

func TestEndpointHost(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"strips http prefix", "http://localhost:4318", "localhost:4318"},
		{"strips https prefix", "https://otel.example.com:4318", "otel.example.com:4318"},
		{"returns unchanged when no scheme", "localhost:4318", "localhost:4318"},
		{"handles empty string", "", ""},
		{"strips trailing slash", "http://localhost:4318/", "localhost:4318"},
		{"strips multiple trailing slashes", "http://localhost:4318///", "localhost:4318"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := endpointHost(tt.input)
			if got != tt.expected {
				t.Errorf("endpointHost(%q) = %q, want %q", tt.input, got, tt.expected)
			}
		})
	}
}

func TestTracerReturnsNonNil(t *testing.T) {
	if Tracer("test-tracer") == nil {
		t.Error("expected non-nil tracer")
	}
}
