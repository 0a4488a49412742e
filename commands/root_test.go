package commands

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codestoryhq/codestory/config"
)

func TestParseStepOptions(t *testing.T) {
	tests := []struct {
		name    string
		pairs   []string
		want    map[string]map[string]any
		wantErr string
	}{
		{
			name:  "none",
			pairs: nil,
			want:  nil,
		},
		{
			name:  "integer value",
			pairs: []string{"ast.timeout=120"},
			want:  map[string]map[string]any{"ast": {"timeout": 120}},
		},
		{
			name:  "boolean and string",
			pairs: []string{"filesystem.follow_symlinks=true", "summarizer.model=gpt-4o"},
			want: map[string]map[string]any{
				"filesystem": {"follow_symlinks": true},
				"summarizer": {"model": "gpt-4o"},
			},
		},
		{
			name:  "float value",
			pairs: []string{"summarizer.temperature=0.7"},
			want:  map[string]map[string]any{"summarizer": {"temperature": 0.7}},
		},
		{
			name:  "two options for one step",
			pairs: []string{"ast.timeout=60", "ast.image=analyzer:dev"},
			want:  map[string]map[string]any{"ast": {"timeout": 60, "image": "analyzer:dev"}},
		},
		{
			name:  "value containing equals",
			pairs: []string{"ast.extra=a=b"},
			want:  map[string]map[string]any{"ast": {"extra": "a=b"}},
		},
		{
			name:    "missing value",
			pairs:   []string{"ast.timeout"},
			wantErr: "expected step.key=value",
		},
		{
			name:    "missing step prefix",
			pairs:   []string{"timeout=120"},
			wantErr: "expected step.key=value",
		},
		{
			name:    "empty option name",
			pairs:   []string{"ast.=120"},
			wantErr: "expected step.key=value",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseStepOptions(tt.pairs)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestServerURLResolution(t *testing.T) {
	cfg := config.DefaultConfig()

	t.Run("flag wins", func(t *testing.T) {
		opts := &rootOptions{server: "http://api.example.com:9000/"}
		assert.Equal(t, "http://api.example.com:9000", opts.serverURL(cfg))
	})

	t.Run("environment beats config", func(t *testing.T) {
		t.Setenv("CODESTORY_SERVER", "http://remote:8900")
		opts := &rootOptions{}
		assert.Equal(t, "http://remote:8900", opts.serverURL(cfg))
	})

	t.Run("configured listen port on localhost", func(t *testing.T) {
		t.Setenv("CODESTORY_SERVER", "")
		opts := &rootOptions{}
		local := config.DefaultConfig()
		local.Service.Listen = ":9100"
		assert.Equal(t, "http://localhost:9100", opts.serverURL(local))
	})

	t.Run("wildcard bind maps to localhost", func(t *testing.T) {
		t.Setenv("CODESTORY_SERVER", "")
		opts := &rootOptions{}
		local := config.DefaultConfig()
		local.Service.Listen = "0.0.0.0:8900"
		assert.Equal(t, "http://localhost:8900", opts.serverURL(local))
	})

	t.Run("explicit host preserved", func(t *testing.T) {
		t.Setenv("CODESTORY_SERVER", "")
		opts := &rootOptions{}
		local := config.DefaultConfig()
		local.Service.Listen = "10.1.2.3:8900"
		assert.Equal(t, "http://10.1.2.3:8900", opts.serverURL(local))
	})

	t.Run("unparseable listen falls back", func(t *testing.T) {
		t.Setenv("CODESTORY_SERVER", "")
		opts := &rootOptions{}
		local := config.DefaultConfig()
		local.Service.Listen = "not a listen address"
		assert.Equal(t, "http://localhost:8900", opts.serverURL(local))
	})
}

func TestVersionCommand(t *testing.T) {
	root := Root()
	var buf bytes.Buffer
	root.SetOut(&buf)
	root.SetErr(&buf)
	root.SetArgs([]string{"version"})

	require.NoError(t, root.Execute())
	assert.Contains(t, buf.String(), "codestory version")
	assert.Contains(t, buf.String(), Version)
}

func TestRootCommandTree(t *testing.T) {
	root := Root()

	want := []string{"ingest", "jobs", "status", "cancel", "serve", "worker", "schema", "dev", "version"}
	var got []string
	for _, cmd := range root.Commands() {
		got = append(got, cmd.Name())
	}
	for _, name := range want {
		assert.Contains(t, got, name)
	}
}

func TestLoggerLevels(t *testing.T) {
	for _, level := range []string{"debug", "info", "warn", "error", "DEBUG", "bogus"} {
		opts := &rootOptions{logLevel: level}
		assert.NotNil(t, opts.logger(), level)
	}
}
