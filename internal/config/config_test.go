package config

import (
	"testing"
	"time"
)

func TestDefaultPopulatesTimeouts(t *testing.T) {
	c := Default()

	if c.ICE.GatherTimeout != 5*time.Second {
		t.Fatalf("ICE.GatherTimeout = %v, want 5s", c.ICE.GatherTimeout)
	}
	if c.Pool.MaxConnections != 100 {
		t.Fatalf("Pool.MaxConnections = %d, want 100", c.Pool.MaxConnections)
	}
	if c.Relay.MaxCircuitsPerPeer != 4 {
		t.Fatalf("Relay.MaxCircuitsPerPeer = %d, want 4", c.Relay.MaxCircuitsPerPeer)
	}
	if len(c.ICE.STUNServers) == 0 {
		t.Fatalf("expected a default STUN server")
	}
}

func TestLoadFromEnvWithoutPathReturnsDefault(t *testing.T) {
	t.Setenv("DARKSWAP_CONFIG_PATH", "")

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv() error = %v", err)
	}
	if cfg.Bitcoin.Network != "Mainnet" {
		t.Fatalf("Bitcoin.Network = %q, want Mainnet", cfg.Bitcoin.Network)
	}
}
