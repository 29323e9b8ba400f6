package runtime

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/coderunr/coderunner/internal/config"
	"github.com/coderunr/coderunner/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() *config.Config {
	return &config.Config{
		ProxyAddress:      "127.0.0.1:3003",
		ScriptTimeLimit:   time.Second,
		ScriptMemoryLimit: 64,
		RuntimeCommand:    "deno",
		RuntimeEntrypoint: "./sandbox.ts",
		RuntimeVersion:    ">=1.32.0",
	}
}

func TestParseVersion(t *testing.T) {
	tests := []struct {
		output string
		want   string
	}{
		{"deno 1.32.3 (release, aarch64-apple-darwin)\nv8 11.2.214.9\ntypescript 5.0.3\n", "1.32.3"},
		{"deno 2.0.0-rc.1 (release)\n", "2.0.0-rc.1"},
		{"v1.40.0", "1.40.0"},
	}

	for _, tt := range tests {
		v, err := ParseVersion(tt.output)
		require.NoError(t, err)
		assert.Equal(t, tt.want, v.String())
	}

	_, err := ParseVersion("command not found")
	assert.Error(t, err)
}

func TestArgs(t *testing.T) {
	m := NewManager(testConfig())

	args := m.Args(types.Script{ID: "abc", Path: "/tmp/scripts/abc.js"})
	assert.Equal(t, []string{
		"run",
		"--v8-flags=--max-old-space-size=64",
		"--allow-read=/tmp/scripts/abc.js",
		"--allow-net=127.0.0.1:3003",
		"./sandbox.ts",
		"scriptId=abc",
		"scriptPath=/tmp/scripts/abc.js",
	}, args)
}

// fakeRuntime writes an executable that prints a version banner
func fakeRuntime(t *testing.T, banner string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake-deno")
	script := "#!/bin/sh\necho '" + banner + "'\n"
	require.NoError(t, os.WriteFile(path, []byte(script), 0755))
	return path
}

func TestLoadRuntime(t *testing.T) {
	cfg := testConfig()
	cfg.RuntimeCommand = fakeRuntime(t, "deno 1.36.1 (release, x86_64-unknown-linux-gnu)")

	m := NewManager(cfg)
	assert.Nil(t, m.Version())

	require.NoError(t, m.LoadRuntime(context.Background()))
	require.NotNil(t, m.Version())
	assert.Equal(t, "1.36.1", m.Version().String())

	info := m.Info()
	assert.Equal(t, "1.36.1", info.RuntimeVersion)
	assert.NotEmpty(t, info.Message)
}

func TestLoadRuntimeRejectsOldVersion(t *testing.T) {
	cfg := testConfig()
	cfg.RuntimeCommand = fakeRuntime(t, "deno 1.20.0 (release)")

	m := NewManager(cfg)
	err := m.LoadRuntime(context.Background())
	assert.Error(t, err)
	assert.Nil(t, m.Version())
}

func TestCommand(t *testing.T) {
	cfg := testConfig()
	cfg.RuntimeCommand = fakeRuntime(t, "deno 1.36.1")

	m := NewManager(cfg)
	cmd, err := m.Command(types.Script{ID: "abc", Path: "/tmp/abc.js"})
	require.NoError(t, err)
	assert.Equal(t, cfg.RuntimeCommand, cmd.Path)
	assert.Contains(t, cmd.Args, "scriptId=abc")
	assert.Contains(t, cmd.Env, "HOME=/tmp")

	cfg.RuntimeCommand = "definitely-not-a-runtime-binary"
	_, err = m.Command(types.Script{ID: "abc", Path: "/tmp/abc.js"})
	assert.Error(t, err)
}

func TestCommandAppliesNiceLevel(t *testing.T) {
	if _, err := exec.LookPath("nice"); err != nil {
		t.Skip("nice not available")
	}

	cfg := testConfig()
	cfg.RuntimeCommand = fakeRuntime(t, "deno 1.36.1")
	cfg.NiceLevel = 10

	m := NewManager(cfg)
	script := types.Script{ID: "abc", Path: "/tmp/abc.js"}
	cmd, err := m.Command(script)
	require.NoError(t, err)

	assert.Equal(t, "nice", filepath.Base(cmd.Path))
	assert.Equal(t, []string{"-n", "10", cfg.RuntimeCommand}, cmd.Args[1:4])
	assert.Equal(t, m.Args(script), cmd.Args[4:])
}
