package core

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestParseFileArg(t *testing.T) {
	tmp := t.TempDir()
	file := filepath.Join(tmp, "notes.txt")
	if err := os.WriteFile(file, []byte("hello world"), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}

	t.Run("regular file", func(t *testing.T) {
		got, err := ParseFileArg([]string{file}, 0)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got.Name != "notes.txt" || got.Size != 11 {
			t.Errorf("got %+v", got)
		}
	})

	tests := []struct {
		name    string
		args    []string
		maxSize int64
	}{
		{"no args", nil, 0},
		{"two files", []string{file, file}, 0},
		{"missing", []string{filepath.Join(tmp, "nope")}, 0},
		{"directory", []string{tmp}, 0},
		{"too large", []string{file}, 5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseFileArg(tt.args, tt.maxSize)
			var ve *ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("expected ValidationError, got %v", err)
			}
		})
	}
}
