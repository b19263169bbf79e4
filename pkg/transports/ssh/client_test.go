package ssh

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNewClient(t *testing.T) {
	t.Run("valid config", func(t *testing.T) {
		config := DefaultConfig("example.com", "testuser")
		config.AuthMethod = AuthMethodPassword
		config.Password = "secret"

		client, err := NewClient(config)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		if client.IsConnected() {
			t.Error("expected client to report disconnected before Connect")
		}
	})

	t.Run("invalid config", func(t *testing.T) {
		config := DefaultConfig("", "testuser")

		if _, err := NewClient(config); err == nil {
			t.Error("expected error for invalid config, got nil")
		}
	})
}

func TestClientOperationsRequireConnection(t *testing.T) {
	config := DefaultConfig("example.com", "testuser")
	config.AuthMethod = AuthMethodPassword
	config.Password = "secret"

	client, err := NewClient(config)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ctx := context.Background()

	if _, _, err := client.Run(ctx, "true"); err == nil {
		t.Error("expected error running command without connection")
	}

	if err := client.HealthCheck(ctx); err == nil {
		t.Error("expected error health-checking without connection")
	}

	localPath := filepath.Join(t.TempDir(), "payload.txt")
	if err := os.WriteFile(localPath, []byte("data"), 0o644); err != nil {
		t.Fatalf("failed to write test file: %v", err)
	}

	err = client.Upload(ctx, localPath, "/tmp/remote", 0o644)
	if err == nil {
		t.Error("expected error uploading without connection")
	}

	var terr *TransportError
	if !errors.As(err, &terr) {
		t.Errorf("expected TransportError, got %T", err)
	}

	// Disconnecting an unconnected client is a no-op.
	if err := client.Disconnect(); err != nil {
		t.Errorf("expected nil disconnecting unconnected client, got %v", err)
	}
}

func TestClientInfo(t *testing.T) {
	config := DefaultConfig("example.com", "testuser")
	config.Port = 2222
	config.AuthMethod = AuthMethodPassword
	config.Password = "secret"

	client, err := NewClient(config)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	info := client.Info()
	if info.Host != "example.com" {
		t.Errorf("expected host 'example.com', got '%s'", info.Host)
	}
	if info.Port != 2222 {
		t.Errorf("expected port 2222, got %d", info.Port)
	}
	if info.User != "testuser" {
		t.Errorf("expected user 'testuser', got '%s'", info.User)
	}
}

func TestTransportError(t *testing.T) {
	underlying := fmt.Errorf("connection refused")
	err := &TransportError{
		Op:          "connect",
		Err:         underlying,
		IsTemporary: true,
	}

	if !strings.Contains(err.Error(), "connect") {
		t.Errorf("expected error message to contain operation, got '%s'", err.Error())
	}

	if !strings.Contains(err.Error(), "connection refused") {
		t.Errorf("expected error message to contain cause, got '%s'", err.Error())
	}

	if !errors.Is(err, underlying) {
		t.Error("expected errors.Is to unwrap to the underlying error")
	}

	if !err.Temporary() {
		t.Error("expected temporary error to report Temporary() == true")
	}

	permanent := &TransportError{Op: "exec", Err: fmt.Errorf("exit 1")}
	if permanent.Temporary() {
		t.Error("expected non-temporary error to report Temporary() == false")
	}
}

func TestLocalChecksum(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "data.txt")

	if err := os.WriteFile(path, []byte("hello world\n"), 0o644); err != nil {
		t.Fatalf("failed to write test file: %v", err)
	}

	sum, err := LocalChecksum(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Well-known sha256 of "hello world\n".
	expected := "a948904f2f0f479b8f8197694b30184b0d2ed1c1cd2a1ec0fb85d299a192a447"
	if sum != expected {
		t.Errorf("expected checksum %s, got %s", expected, sum)
	}

	if _, err := LocalChecksum(filepath.Join(tmpDir, "missing.txt")); err == nil {
		t.Error("expected error for missing file, got nil")
	}
}
