package credcache

import (
	"strings"
	"testing"
)

func TestNewID(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		prefix  string
		wantLen int
	}{
		{
			name:    "with-prefix",
			prefix:  "n",
			wantLen: DefaultIDLength + len("n_"),
		},
		{
			name:    "no-prefix",
			prefix:  "",
			wantLen: DefaultIDLength,
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			got, err := NewID(tt.prefix)
			if err != nil {
				t.Fatalf("NewID() error = %v", err)
			}
			if tt.prefix != "" && !strings.HasPrefix(got, tt.prefix+"_") {
				t.Errorf("NewID() = %v, wanted it to start with %v", got, tt.prefix)
			}
			if len(got) != tt.wantLen {
				t.Errorf("NewID() = %v, with len of %d and wanted len of %v", got, len(got), tt.wantLen)
			}
		})
	}
	t.Run("unique", func(t *testing.T) {
		seen := map[string]bool{}
		for i := 0; i < 100; i++ {
			got, err := NewID("")
			if err != nil {
				t.Fatalf("NewID() error = %v", err)
			}
			if seen[got] {
				t.Fatalf("NewID() returned a duplicate: %v", got)
			}
			seen[got] = true
		}
	})
}
