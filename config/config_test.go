package config

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itsharex/SolidUI/errors"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func newTestLoader(env map[string]string) *Loader {
	l := NewLoader()
	l.getenv = func(key string) string { return env[key] }
	return l
}

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "main", cfg.Ident.Main)
	assert.Equal(t, "kernel_manager", cfg.Ident.KernelManager)
	assert.Equal(t, 5010, cfg.HTTP.Port)
	assert.Equal(t, "/solidui/kernel", cfg.HTTP.BasePath)
	assert.Equal(t, "solidui/kernel_pids", cfg.Kernel.PIDDir)
	assert.Equal(t, 5*time.Second, cfg.Kernel.StopTimeout)
	assert.False(t, cfg.Kernel.RestartOnExit)
	assert.Equal(t, "ws://127.0.0.1:5011/link", cfg.LinkURL())
}

func TestSiblingCommand(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("relies on unix permission bits")
	}
	dir := t.TempDir()
	exe := filepath.Join(dir, "kernelbridge")

	assert.Equal(t, "echokernel", siblingCommand(exe, "echokernel"), "falls back to PATH lookup")

	plain := filepath.Join(dir, "echokernel")
	require.NoError(t, os.WriteFile(plain, []byte("#!/bin/sh\n"), 0o600))
	assert.Equal(t, "echokernel", siblingCommand(exe, "echokernel"), "ignores a non-executable file")

	require.NoError(t, os.Chmod(plain, 0o755))
	assert.Equal(t, plain, siblingCommand(exe, "echokernel"))

	require.NoError(t, os.Mkdir(filepath.Join(dir, "kernel.d"), 0o755))
	assert.Equal(t, "kernel.d", siblingCommand(exe, "kernel.d"), "ignores directories")
}

func TestDefault_KernelCommand(t *testing.T) {
	exe, err := os.Executable()
	require.NoError(t, err)
	if resolved, err := filepath.EvalSymlinks(exe); err == nil {
		exe = resolved
	}
	assert.Equal(t, siblingCommand(exe, DefaultKernelName), Default().Kernel.Command)
}

func TestLoader_JSONLayer(t *testing.T) {
	path := writeFile(t, "bridge.json", `{
		"kernel": {"command": "/opt/kernel", "args": ["--fast"], "stop_timeout": "2s"},
		"http": {"port": 6000},
		"shutdown_timeout": "3s"
	}`)

	cfg, err := newTestLoader(nil).LoadFile(path)
	require.NoError(t, err)

	assert.Equal(t, "/opt/kernel", cfg.Kernel.Command)
	assert.Equal(t, []string{"--fast"}, cfg.Kernel.Args)
	assert.Equal(t, 2*time.Second, cfg.Kernel.StopTimeout)
	assert.Equal(t, 6000, cfg.HTTP.Port)
	assert.Equal(t, 3*time.Second, cfg.ShutdownTimeout)

	// Untouched keys keep their defaults
	assert.Equal(t, "solidui/kernel_pids", cfg.Kernel.PIDDir)
	assert.Equal(t, int64(1<<20), cfg.HTTP.MaxRequestSize)
	assert.Equal(t, 100*time.Millisecond, cfg.Link.PollInterval)
}

func TestLoader_YAMLLayersOverride(t *testing.T) {
	base := writeFile(t, "base.yaml", `
kernel:
  command: kernel-a
  pid_dir: /tmp/pids
link:
  transport: nats
  nats:
    url: nats://broker:4222
    connect_timeout: 1s
`)
	override := writeFile(t, "override.yml", `
kernel:
  command: kernel-b
http:
  base_path: /custom/
`)

	l := newTestLoader(nil)
	l.AddLayer(base)
	l.AddLayer(override)
	cfg, err := l.Load()
	require.NoError(t, err)

	assert.Equal(t, "kernel-b", cfg.Kernel.Command)
	assert.Equal(t, "/tmp/pids", cfg.Kernel.PIDDir)
	assert.Equal(t, TransportNATS, cfg.Link.Transport)
	assert.Equal(t, time.Second, cfg.Link.NATS.ConnectTimeout)
	assert.Equal(t, "kernelbridge", cfg.Link.NATS.SubjectPrefix)
	assert.Equal(t, "/custom", cfg.HTTP.BasePath)
	assert.Equal(t, "nats://broker:4222", cfg.LinkURL())
}

func TestLoader_EnvOverrides(t *testing.T) {
	cfg, err := newTestLoader(map[string]string{
		"KERNELBRIDGE_HTTP_PORT":       "7000",
		"KERNELBRIDGE_KERNEL_COMMAND":  "/bin/kernel",
		"KERNELBRIDGE_PID_DIR":         "/var/run/pids",
		"KERNELBRIDGE_RESTART_ON_EXIT": "true",
	}).Load()
	require.NoError(t, err)

	assert.Equal(t, 7000, cfg.HTTP.Port)
	assert.Equal(t, "/bin/kernel", cfg.Kernel.Command)
	assert.Equal(t, "/var/run/pids", cfg.Kernel.PIDDir)
	assert.True(t, cfg.Kernel.RestartOnExit)
}

func TestLoader_InvalidEnv(t *testing.T) {
	_, err := newTestLoader(map[string]string{"KERNELBRIDGE_HTTP_PORT": "abc"}).Load()
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestLoader_Errors(t *testing.T) {
	tests := []struct {
		name string
		file string
		body string
	}{
		{"bad extension", "bridge.toml", "port = 1"},
		{"bad json", "bridge.json", `{"http": `},
		{"bad duration", "bridge.json", `{"kernel": {"stop_timeout": "soon"}}`},
		{"validation", "bridge.json", `{"link": {"transport": "carrier-pigeon"}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := newTestLoader(nil).LoadFile(writeFile(t, tt.file, tt.body))
			require.Error(t, err)
			assert.True(t, errors.IsInvalid(err))
		})
	}
}

func TestLoader_ValidationFailureWrapsSentinel(t *testing.T) {
	path := writeFile(t, "bridge.json", `{"kernel": {"command": ""}}`)
	_, err := newTestLoader(nil).LoadFile(path)
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrInvalidConfig)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults", func(*Config) {}, false},
		{"same idents", func(c *Config) { c.Ident.KernelManager = c.Ident.Main }, true},
		{"empty ident", func(c *Config) { c.Ident.Main = "" }, true},
		{"port zero", func(c *Config) { c.HTTP.Port = 0 }, true},
		{"negative rate", func(c *Config) { c.HTTP.SubmitRate = -1 }, true},
		{"zero stop timeout", func(c *Config) { c.Kernel.StopTimeout = 0 }, true},
		{"restart without backoff", func(c *Config) {
			c.Kernel.RestartOnExit = true
			c.Kernel.RestartBackoff = 0
		}, true},
		{"bad listen addr", func(c *Config) { c.Link.ListenAddr = "nowhere" }, true},
		{"relative link path", func(c *Config) { c.Link.Path = "link" }, true},
		{"nats subject with space", func(c *Config) {
			c.Link.Transport = TransportNATS
			c.Link.NATS.SubjectPrefix = "bad prefix"
		}, true},
		{"nats ok", func(c *Config) { c.Link.Transport = TransportNATS }, false},
		{"tls without cert", func(c *Config) { c.HTTP.TLS.Enabled = true }, true},
		{"tls bad version", func(c *Config) {
			c.HTTP.TLS = TLSConfig{Enabled: true, CertFile: "c.pem", KeyFile: "k.pem", MinVersion: "1.1"}
		}, true},
		{"tls client cert without CA", func(c *Config) {
			c.HTTP.TLS = TLSConfig{Enabled: true, CertFile: "c.pem", KeyFile: "k.pem", RequireClientCert: true}
		}, true},
		{"tls ok", func(c *Config) {
			c.HTTP.TLS = TLSConfig{Enabled: true, CertFile: "c.pem", KeyFile: "k.pem", MinVersion: "1.3"}
		}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestConfig_BasePathNormalized(t *testing.T) {
	for in, want := range map[string]string{
		"solidui/kernel":   "/solidui/kernel",
		"/solidui/kernel/": "/solidui/kernel",
		"/":                "",
		"":                 "",
	} {
		cfg := Default()
		cfg.HTTP.BasePath = in
		require.NoError(t, cfg.Validate())
		assert.Equal(t, want, cfg.HTTP.BasePath, "input %q", in)
	}
}

func TestConfig_Clone(t *testing.T) {
	cfg := Default()
	cfg.Kernel.Env = map[string]string{"A": "1"}

	clone := cfg.Clone()
	clone.Kernel.Env["A"] = "2"
	clone.HTTP.CORSOrigins[0] = "http://example.com"

	assert.Equal(t, "1", cfg.Kernel.Env["A"])
	assert.Equal(t, "*", cfg.HTTP.CORSOrigins[0])
}

func TestValidateJSONDepth(t *testing.T) {
	assert.NoError(t, validateJSONDepth([]byte(`{"a": "{[not nesting]}"}`)))
	assert.Error(t, validateJSONDepth([]byte(`{"a": [`)))
	assert.Error(t, validateJSONDepth([]byte(`]`)))

	deep := ""
	for i := 0; i <= maxJSONDepth; i++ {
		deep += "["
	}
	assert.Error(t, validateJSONDepth([]byte(deep)))
}
