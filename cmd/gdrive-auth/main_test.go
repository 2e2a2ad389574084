package main

import (
	"net/http/httptest"
	"testing"
)

func TestCallbackCode(t *testing.T) {
	tests := []struct {
		name    string
		query   string
		want    string
		wantErr bool
	}{
		{"ok", "?state=s1&code=abc", "abc", false},
		{"wrong state", "?state=other&code=abc", "", true},
		{"provider error", "?state=s1&error=access_denied", "", true},
		{"missing code", "?state=s1", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/callback"+tt.query, nil)
			got, err := callbackCode(r, "s1")
			if (err != nil) != tt.wantErr {
				t.Fatalf("callbackCode() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("callbackCode() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRandomStateUnique(t *testing.T) {
	if randomState() == randomState() {
		t.Error("expected distinct states")
	}
}
