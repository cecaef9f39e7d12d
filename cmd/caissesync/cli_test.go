// Package main provides CLI testing for the caissesync agent command-line interface.
package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCLIParsing(t *testing.T) {
	tests := []struct {
		name     string
		args     []string
		wantErr  bool
		errMsg   string
		expected Config
	}{
		{
			name: "server url only, defaults for the rest",
			args: []string{
				"--server-url", "http://central.example.com:8080",
			},
			wantErr: false,
			expected: Config{
				ServerURL:        "http://central.example.com:8080",
				DataDir:          "./data",
				LogLevel:         "info",
				PollInterval:     "30s",
				BatchSize:        50,
				MaxRetries:       3,
				RetryDelay:       "5s",
				ConflictStrategy: "server-wins",
			},
		},
		{
			name: "all flags set",
			args: []string{
				"--server-url", "http://central.example.com:8080",
				"--data-dir", "/var/lib/caissesync",
				"--poll-interval", "10s",
				"--batch-size", "25",
				"--max-retries", "5",
				"--retry-delay", "2s",
				"--conflict-strategy", "client-wins",
				"--log-level", "debug",
			},
			wantErr: false,
			expected: Config{
				ServerURL:        "http://central.example.com:8080",
				DataDir:          "/var/lib/caissesync",
				LogLevel:         "debug",
				PollInterval:     "10s",
				BatchSize:        25,
				MaxRetries:       5,
				RetryDelay:       "2s",
				ConflictStrategy: "client-wins",
			},
		},
		{
			name:    "version flag",
			args:    []string{"--version"},
			wantErr: false,
			expected: Config{
				Version:          true,
				DataDir:          "./data",
				LogLevel:         "info",
				PollInterval:     "30s",
				BatchSize:        50,
				MaxRetries:       3,
				RetryDelay:       "5s",
				ConflictStrategy: "server-wins",
			},
		},
		{
			name: "short flag aliases",
			args: []string{
				"-s", "http://central.example.com:8080",
				"-d", "/tmp/caisse",
				"-l", "warn",
			},
			wantErr: false,
			expected: Config{
				ServerURL:        "http://central.example.com:8080",
				DataDir:          "/tmp/caisse",
				LogLevel:         "warn",
				PollInterval:     "30s",
				BatchSize:        50,
				MaxRetries:       3,
				RetryDelay:       "5s",
				ConflictStrategy: "server-wins",
			},
		},
		{
			name: "unknown flag rejected",
			args: []string{
				"--server-url", "http://central.example.com:8080",
				"--dry-run",
			},
			wantErr: true,
		},
		{
			name: "positional arguments rejected",
			args: []string{
				"--server-url", "http://central.example.com:8080",
				"leftover",
			},
			wantErr: true,
			errMsg:  "unknown argument",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config, err := ParseCLI(tt.args)

			if tt.wantErr {
				require.Error(t, err, "Expected error for test case: %s", tt.name)
				if tt.errMsg != "" {
					assert.Contains(t, err.Error(), tt.errMsg, "Error message should contain expected text")
				}
			} else {
				require.NoError(t, err, "Expected no error for test case: %s", tt.name)
				require.NotNil(t, config, "Config should not be nil")
				assert.Equal(t, tt.expected, *config, "Parsed config should match expected")
			}
		})
	}
}

func TestCLIEnvironmentVariables(t *testing.T) {
	t.Setenv("CAISSESYNC_SERVER_URL", "http://env.example.com:9090")
	t.Setenv("CAISSESYNC_CONFLICT_STRATEGY", "manual")

	config, err := ParseCLI([]string{})

	require.NoError(t, err, "Should parse from environment variables")
	require.NotNil(t, config, "Config should not be nil")
	assert.Equal(t, "http://env.example.com:9090", config.ServerURL)
	assert.Equal(t, "manual", config.ConflictStrategy)
}

func TestCLIFlagPrecedence(t *testing.T) {
	t.Setenv("CAISSESYNC_SERVER_URL", "http://env.example.com:9090")

	args := []string{"--server-url", "http://flag.example.com:8080"}

	config, err := ParseCLI(args)

	require.NoError(t, err, "Should parse with flag precedence")
	require.NotNil(t, config, "Config should not be nil")
	assert.Equal(t, "http://flag.example.com:8080", config.ServerURL)
}
