package server

import (
	"slices"
	"testing"
)

func TestParseScope(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{"", nil},
		{"   ", nil},
		{"read", []string{"read"}},
		{"write read", []string{"write", "read"}},
		{"read  read write", []string{"read", "write"}},
	}
	for _, tt := range tests {
		if got := ParseScope(tt.in); !slices.Equal(got, tt.want) {
			t.Errorf("ParseScope(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}

	if got := FormatScope([]string{"read", "write"}); got != "read write" {
		t.Errorf("FormatScope() = %q", got)
	}
}

func TestScopeValidator_Validate(t *testing.T) {
	v := &ScopeValidator{}
	allowed := []string{"read", "write"}

	tests := []struct {
		name      string
		requested []string
		want      []string
		wantErr   bool
	}{
		{"empty grants full allowed set", nil, []string{"read", "write"}, false},
		{"subset", []string{"write"}, []string{"write"}, false},
		{"keeps request order", []string{"write", "read"}, []string{"write", "read"}, false},
		{"duplicates removed", []string{"read", "read"}, []string{"read"}, false},
		{"superset rejected", []string{"read", "admin"}, nil, true},
		{"unknown rejected", []string{"admin"}, nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := v.Validate(tt.requested, allowed)
			if tt.wantErr {
				requireErrorCode(t, err, ErrorCodeInvalidScope)
				return
			}
			if err != nil {
				t.Fatalf("Validate() error = %v", err)
			}
			if !slices.Equal(got, tt.want) {
				t.Errorf("Validate() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestScopeValidator_ValidateDoesNotAliasAllowed(t *testing.T) {
	v := &ScopeValidator{}
	allowed := []string{"read", "write"}

	got, _ := v.Validate(nil, allowed)
	got[0] = "changed"
	if allowed[0] != "read" {
		t.Error("Validate() returned a slice sharing memory with allowed")
	}
}

func TestScopeValidator_Contains(t *testing.T) {
	v := &ScopeValidator{}
	if !v.Contains([]string{"read", "write"}, []string{"write"}) {
		t.Error("Contains() should accept a subset")
	}
	if !v.Contains([]string{"read"}, nil) {
		t.Error("Contains() should accept an empty requirement")
	}
	if v.Contains([]string{"read"}, []string{"read", "write"}) {
		t.Error("Contains() should reject a missing scope")
	}
}

func TestScopeValidator_CheckSupported(t *testing.T) {
	v := &ScopeValidator{supported: []string{"read", "write"}}
	if err := v.checkSupported([]string{"read"}); err != nil {
		t.Errorf("checkSupported() error = %v", err)
	}
	requireErrorCode(t, v.checkSupported([]string{"admin"}), ErrorCodeInvalidScope)

	open := &ScopeValidator{}
	if err := open.checkSupported([]string{"anything"}); err != nil {
		t.Errorf("checkSupported() with no supported list error = %v", err)
	}
}
