package security

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateFilePath(t *testing.T) {
	tests := []struct {
		name    string
		path    string
		wantErr bool
	}{
		{"relative file", "config.json", false},
		{"nested relative", "conf/chatsync.json", false},
		{"absolute", filepath.Join(t.TempDir(), "config.json"), false},
		{"dotted name", "..config.json", false},
		{"empty", "", true},
		{"blank", "   ", true},
		{"traversal", "../etc/passwd", true},
		{"embedded traversal", "conf/../../secret.json", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateFilePath(tt.path)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestRedactToken(t *testing.T) {
	assert.Equal(t, "", RedactToken(""))
	assert.Equal(t, "*****", RedactToken("short"))
	assert.Equal(t, "abcd****mnop", RedactToken("abcdefghmnop"))
}
