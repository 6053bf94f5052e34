package main

import (
	"errors"
	"testing"

	"github.com/HoodyNetwork/hoody-agent-server-sub001/internal/config"
	"github.com/HoodyNetwork/hoody-agent-server-sub001/internal/storage"
)

func TestApplyFlagsOverridesOnlyExplicitValues(t *testing.T) {
	f, fs, err := parseFlags([]string{"--port", "9001", "--token", "secret"})
	if err != nil {
		t.Fatalf("parse flags: %v", err)
	}

	cfg := &config.Config{CredentialGenerated: true}
	cfg.Server.Host = "0.0.0.0"
	cfg.Server.Port = 8080
	cfg.Server.Debug = true
	applyFlags(cfg, f, fs)

	if cfg.Server.Port != 9001 {
		t.Fatalf("expected port 9001, got %d", cfg.Server.Port)
	}
	if cfg.Server.Host != "0.0.0.0" {
		t.Fatalf("host should be untouched, got %q", cfg.Server.Host)
	}
	if !cfg.Server.Debug {
		t.Fatalf("debug should be untouched")
	}
	if cfg.Server.Credential != "secret" || cfg.CredentialGenerated {
		t.Fatalf("unexpected credential state: %q generated=%v", cfg.Server.Credential, cfg.CredentialGenerated)
	}
}

func TestCreateRelayDisabled(t *testing.T) {
	cfg := &config.Config{}
	r, err := createRelay(t.Context(), cfg)
	if err != nil {
		t.Fatalf("create relay: %v", err)
	}
	if r != nil {
		t.Fatalf("expected no relay when driver is empty")
	}

	cfg.Relay.Driver = "kafka"
	if _, err := createRelay(t.Context(), cfg); err == nil {
		t.Fatalf("expected error for unknown driver")
	}
}

func TestCreateLLMClientRejectsUnknownProvider(t *testing.T) {
	cfg := &config.Config{}
	if _, err := createLLMClient(cfg); err != nil {
		t.Fatalf("static provider: %v", err)
	}
	cfg.LLM.Provider = "unknown"
	if _, err := createLLMClient(cfg); err == nil {
		t.Fatalf("expected error for unknown provider")
	}
}

func TestCreateRepository(t *testing.T) {
	cfg := &config.Config{}
	cfg.Runtime.DataDir = t.TempDir()
	repo, err := createRepository(t.Context(), cfg)
	if err != nil {
		t.Fatalf("memory repository: %v", err)
	}
	if _, ok := repo.(*storage.MemoryRepository); !ok {
		t.Fatalf("expected memory repository, got %T", repo)
	}

	cfg.Storage.Driver = "postgres"
	if _, err := createRepository(t.Context(), cfg); !errors.Is(err, storage.ErrUnsupportedDriver) {
		t.Fatalf("expected ErrUnsupportedDriver, got %v", err)
	}
}
