package token

import (
	"strings"
	"testing"
	"time"
)

func TestDefaultTTL(t *testing.T) {
	cases := []struct {
		scope Scope
		want  time.Duration
	}{
		{ScopeUploadDocuments, 7 * 24 * time.Hour},
		{ScopeSubmitQuote, 30 * 24 * time.Hour},
		{ScopeUploadContract, 30 * 24 * time.Hour},
		{ScopeSignContract, 72 * time.Hour},
		{ScopeSignWorkOrder, 72 * time.Hour},
	}
	for _, tc := range cases {
		if got := DefaultTTL(tc.scope); got != tc.want {
			t.Errorf("DefaultTTL(%s) = %v, want %v", tc.scope, got, tc.want)
		}
	}
}

func TestGenerateValue_URLSafeAndUnique(t *testing.T) {
	seen := make(map[string]bool, 100)
	for i := 0; i < 100; i++ {
		v := generateValue()
		if v == "" {
			t.Fatal("empty token value")
		}
		if strings.ContainsAny(v, "+/=") {
			t.Fatalf("token value %q is not URL-safe", v)
		}
		if seen[v] {
			t.Fatalf("token value %q generated twice", v)
		}
		seen[v] = true
	}
}
