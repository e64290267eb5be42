// Package uuid provides unit tests for identifier generation.
package uuid

import (
	"sync"
	"testing"
)

// TestNew tests that New() generates valid, unique UUID v4 strings.
func TestNew(t *testing.T) {
	ids := make(map[string]bool)

	for i := 0; i < 1000; i++ {
		id := New()
		if Validate(id) != nil {
			t.Fatalf("Generated UUID does not match v4 format: %s", id)
		}
		if ids[id] {
			t.Fatalf("Duplicate UUID generated: %s", id)
		}
		ids[id] = true
	}
}

// TestValidate tests accepted and rejected formats.
func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want bool
	}{
		{"valid v4", "f47ac10b-58cc-4372-a567-0e02b2c3d479", true},
		{"uppercase v4", "F47AC10B-58CC-4372-A567-0E02B2C3D479", true},
		{"v1 uuid", "6ba7b810-9dad-11d1-80b4-00c04fd430c8", false},
		{"no dashes", "f47ac10b58cc4372a5670e02b2c3d479", false},
		{"urn form", "urn:uuid:f47ac10b-58cc-4372-a567-0e02b2c3d479", false},
		{"empty", "", false},
		{"garbage", "not-a-uuid", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Validate(tt.in) == nil; got != tt.want {
				t.Errorf("Validate(%q) ok = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

// TestSequential tests that Sequential ids are ordered and unique under concurrency.
func TestSequential(t *testing.T) {
	gen := Sequential("req")
	if got := gen(); got != "req-1" {
		t.Errorf("first id = %q, want req-1", got)
	}
	if got := gen(); got != "req-2" {
		t.Errorf("second id = %q, want req-2", got)
	}

	var (
		mu   sync.Mutex
		seen = make(map[string]bool)
		wg   sync.WaitGroup
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id := gen()
			mu.Lock()
			defer mu.Unlock()
			if seen[id] {
				t.Errorf("duplicate id %s", id)
			}
			seen[id] = true
		}()
	}
	wg.Wait()
}
