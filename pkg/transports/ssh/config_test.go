package ssh

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"
)

// writeTestKey writes a fresh ED25519 private key in OpenSSH PEM format
// under dir and returns its path.
func writeTestKey(t *testing.T, dir string) string {
	t.Helper()

	_, privKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	pemBlock, err := ssh.MarshalPrivateKey(privKey, "")
	if err != nil {
		t.Fatalf("marshal key: %v", err)
	}

	keyPath := filepath.Join(dir, "test_key")
	if err := os.WriteFile(keyPath, pem.EncodeToMemory(pemBlock), 0o600); err != nil {
		t.Fatalf("write key: %v", err)
	}
	return keyPath
}

// passwordConfig returns a config that validates without touching the
// filesystem.
func passwordConfig() *Config {
	cfg := DefaultConfig("example.com", "deployer")
	cfg.AuthMethod = AuthMethodPassword
	cfg.Password = "secret"
	return cfg
}

func TestDefaultConfigFavorsKeyAuthWithStrictChecking(t *testing.T) {
	cfg := DefaultConfig("example.com", "deployer")

	if cfg.Host != "example.com" || cfg.User != "deployer" {
		t.Errorf("Host/User = %s/%s, want example.com/deployer", cfg.Host, cfg.User)
	}
	if cfg.Port != 22 {
		t.Errorf("Port = %d, want 22", cfg.Port)
	}
	if cfg.AuthMethod != AuthMethodKey {
		t.Errorf("AuthMethod = %s, want %s", cfg.AuthMethod, AuthMethodKey)
	}
	if !cfg.StrictHostKeyChecking {
		t.Error("strict host key checking should be on by default")
	}
	if cfg.ConnectionTimeout != 30*time.Second {
		t.Errorf("ConnectionTimeout = %v, want 30s", cfg.ConnectionTimeout)
	}
	if cfg.CommandTimeout != 5*time.Minute {
		t.Errorf("CommandTimeout = %v, want 5m", cfg.CommandTimeout)
	}
}

func TestValidateAcceptsCompletePasswordConfig(t *testing.T) {
	if err := passwordConfig().Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestValidateRejectsIncompleteConfigs(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"blank host", func(c *Config) { c.Host = "" }, "host is required"},
		{"blank user", func(c *Config) { c.User = "" }, "user is required"},
		{"zero port", func(c *Config) { c.Port = 0 }, "invalid port"},
		{"port out of range", func(c *Config) { c.Port = 70000 }, "invalid port"},
		{"zero connection timeout", func(c *Config) { c.ConnectionTimeout = 0 }, "connection timeout must be positive"},
		{"zero command timeout", func(c *Config) { c.CommandTimeout = 0 }, "command timeout must be positive"},
		{"password auth without password", func(c *Config) { c.Password = "" }, "password is required"},
		{"key auth with missing key file", func(c *Config) {
			c.AuthMethod = AuthMethodKey
			c.PrivateKeyPath = "/nonexistent/key"
		}, "private key file not found"},
		{"agent auth unsupported", func(c *Config) { c.AuthMethod = AuthMethod("agent") }, "unsupported auth method"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := passwordConfig()
			tt.mutate(cfg)

			err := cfg.Validate()
			if err == nil {
				t.Fatalf("Validate accepted the config, want error containing %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate error = %q, want substring %q", err, tt.wantErr)
			}
		})
	}
}

func TestAddressJoinsHostAndPort(t *testing.T) {
	cfg := DefaultConfig("example.com", "deployer")
	cfg.Port = 2222

	if got := cfg.Address(); got != "example.com:2222" {
		t.Errorf("Address = %q, want example.com:2222", got)
	}
}

func TestBuildClientConfigPasswordAuthAnswersChallenges(t *testing.T) {
	cfg := passwordConfig()
	cfg.StrictHostKeyChecking = false

	clientConfig, err := cfg.BuildClientConfig()
	if err != nil {
		t.Fatalf("BuildClientConfig: %v", err)
	}

	if clientConfig.User != "deployer" {
		t.Errorf("User = %q, want deployer", clientConfig.User)
	}
	// Password auth registers both password and keyboard-interactive.
	if len(clientConfig.Auth) != 2 {
		t.Errorf("registered %d auth methods, want 2", len(clientConfig.Auth))
	}
	if clientConfig.Timeout != cfg.ConnectionTimeout {
		t.Errorf("Timeout = %v, want %v", clientConfig.Timeout, cfg.ConnectionTimeout)
	}
}

func TestBuildClientConfigKeyAuthLoadsSigner(t *testing.T) {
	cfg := DefaultConfig("example.com", "deployer")
	cfg.PrivateKeyPath = writeTestKey(t, t.TempDir())
	cfg.StrictHostKeyChecking = false

	clientConfig, err := cfg.BuildClientConfig()
	if err != nil {
		t.Fatalf("BuildClientConfig: %v", err)
	}
	if len(clientConfig.Auth) != 1 {
		t.Errorf("registered %d auth methods, want 1", len(clientConfig.Auth))
	}
}

func TestBuildClientConfigRejectsCorruptKey(t *testing.T) {
	keyPath := filepath.Join(t.TempDir(), "bad_key")
	if err := os.WriteFile(keyPath, []byte("not a private key"), 0o600); err != nil {
		t.Fatalf("write key: %v", err)
	}

	cfg := DefaultConfig("example.com", "deployer")
	cfg.PrivateKeyPath = keyPath
	cfg.StrictHostKeyChecking = false

	if _, err := cfg.BuildClientConfig(); err == nil {
		t.Error("expected error for corrupt key")
	}
}

func TestBuildClientConfigRejectsUnknownAuthMethod(t *testing.T) {
	cfg := DefaultConfig("example.com", "deployer")
	cfg.AuthMethod = AuthMethod("agent")

	if _, err := cfg.BuildClientConfig(); err == nil {
		t.Error("expected error for unsupported auth method")
	}
}

func TestBuildClientConfigRequiresReadableKnownHosts(t *testing.T) {
	tmpDir := t.TempDir()

	cfg := DefaultConfig("example.com", "deployer")
	cfg.PrivateKeyPath = writeTestKey(t, tmpDir)
	cfg.KnownHostsPath = filepath.Join(tmpDir, "missing_known_hosts")

	if _, err := cfg.BuildClientConfig(); err == nil {
		t.Error("expected error for missing known_hosts file")
	}
}
