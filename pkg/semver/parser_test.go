package semver

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseToolRef(t *testing.T) {
	tests := []struct {
		name         string
		input        string
		wantProvider string
		wantName     string
		wantRange    string
		wantErr      bool
	}{
		{
			name:     "tool only",
			input:    "notify",
			wantName: "notify",
		},
		{
			name:         "provider and tool",
			input:        "app:notify",
			wantProvider: "app",
			wantName:     "notify",
		},
		{
			name:         "major only",
			input:        "app:notify@1",
			wantProvider: "app",
			wantName:     "notify",
			wantRange:    "1",
		},
		{
			name:         "caret range",
			input:        "remote:listConnections@^1.2.0",
			wantProvider: "remote",
			wantName:     "listConnections",
			wantRange:    "^1.2.0",
		},
		{
			name:         "dotted tool name",
			input:        " state:user.profile ",
			wantProvider: "state",
			wantName:     "user.profile",
		},
		{
			name:    "empty",
			input:   "  ",
			wantErr: true,
		},
		{
			name:    "missing tool",
			input:   "app:",
			wantErr: true,
		},
		{
			name:    "invalid provider",
			input:   "9app:notify",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ref, err := ParseToolRef(tt.input)
			if tt.wantErr {
				require.Error(t, err, tt.input)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantProvider, ref.Provider)
			assert.Equal(t, tt.wantName, ref.Name)
			assert.Equal(t, tt.wantRange, ref.Range)
		})
	}
}

func TestToolRef_String(t *testing.T) {
	assert.Equal(t, "app:notify@^1", (&ToolRef{Provider: "app", Name: "notify", Range: "^1"}).String())
	assert.Equal(t, "notify", (&ToolRef{Name: "notify"}).String())
}

func TestIsMajorOnly(t *testing.T) {
	tests := map[string]bool{"3": true, "10": true, "3.2": false, "^3": false, "": false}
	for in, want := range tests {
		assert.Equal(t, want, IsMajorOnly(in), in)
	}
}

func TestIsExactVersion(t *testing.T) {
	tests := map[string]bool{"1.0.0": true, "1.0.0-beta.1": true, "1.0": false, "^1.0.0": false}
	for in, want := range tests {
		assert.Equal(t, want, IsExactVersion(in), in)
	}
}

func TestValidateNames(t *testing.T) {
	for _, name := range []string{"syncState", "user.set-name"} {
		assert.True(t, ValidateToolName(name), name)
	}
	for _, name := range []string{"1bad", "", "a b"} {
		assert.False(t, ValidateToolName(name), name)
	}
	assert.True(t, ValidateProviderName("remote"))
	assert.False(t, ValidateProviderName("re.mote"), "provider names must not contain dots")
}
