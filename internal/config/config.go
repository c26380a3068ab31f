// Package config provides a reusable loader for darkswap configuration
// files and environment variables, following the same viper-backed,
// versioned-struct shape as the rest of the ambient stack this module was
// built from.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Version is the semantic version of this configuration package.
const Version = "v0.1.0"

// Config is the unified configuration for a darkswap node. Section names
// and keys follow spec §6 exactly.
type Config struct {
	Signaling struct {
		URL                     string        `mapstructure:"url"`
		ReconnectBackoffInitial time.Duration `mapstructure:"reconnect_backoff_initial"`
		ReconnectBackoffMax     time.Duration `mapstructure:"reconnect_backoff_max"`
	} `mapstructure:"signaling"`

	ICE struct {
		STUNServers []string `mapstructure:"stun_servers"`
		TURNServers []struct {
			URL        string `mapstructure:"url"`
			Username   string `mapstructure:"username"`
			Credential string `mapstructure:"credential"`
		} `mapstructure:"turn_servers"`
		GatherTimeout         time.Duration `mapstructure:"gather_timeout"`
		EstablishmentTimeout  time.Duration `mapstructure:"establishment_timeout"`
		DataChannelTimeout    time.Duration `mapstructure:"data_channel_timeout"`
	} `mapstructure:"ice"`

	Pool struct {
		MaxConnections int           `mapstructure:"max_connections"`
		TTL            time.Duration `mapstructure:"ttl"`
		MaxAge         time.Duration `mapstructure:"max_age"`
		EnableReuse    bool          `mapstructure:"enable_reuse"`
	} `mapstructure:"pool"`

	Relay struct {
		BootstrapRelays []struct {
			PeerID    string `mapstructure:"peer_id"`
			Multiaddr string `mapstructure:"multiaddr"`
		} `mapstructure:"bootstrap_relays"`
		DHTQueryInterval           time.Duration `mapstructure:"dht_query_interval"`
		RelayTTL                  time.Duration `mapstructure:"relay_ttl"`
		MaxRelays                 int           `mapstructure:"max_relays"`
		EnableDHTDiscovery        bool          `mapstructure:"enable_dht_discovery"`
		EnableMDNSDiscovery       bool          `mapstructure:"enable_mdns_discovery"`
		ReservationDuration       time.Duration `mapstructure:"reservation_duration"`
		MaxCircuitDuration        time.Duration `mapstructure:"max_circuit_duration"`
		MaxCircuitsPerPeer        int           `mapstructure:"max_circuits_per_peer"`
		MaxCircuitBytes           uint64        `mapstructure:"max_circuit_bytes"`
		ReservationCleanupInterval time.Duration `mapstructure:"reservation_cleanup_interval"`
		CircuitCleanupInterval    time.Duration `mapstructure:"circuit_cleanup_interval"`
		MaxRelayConnections       int           `mapstructure:"max_relay_connections"`
	} `mapstructure:"relay"`

	Auth struct {
		Method           string        `mapstructure:"method"`
		SharedKey        string        `mapstructure:"shared_key"`
		TokenTTL         time.Duration `mapstructure:"token_ttl"`
		ChallengeTTL     time.Duration `mapstructure:"challenge_ttl"`
		TrustedPeers     []string      `mapstructure:"trusted_peers"`
		BannedPeers      []string      `mapstructure:"banned_peers"`
		DefaultAuthLevel string        `mapstructure:"default_auth_level"`
		RequireAuth      bool          `mapstructure:"require_auth"`
	} `mapstructure:"auth"`

	Encryption struct {
		KeyExchange        string        `mapstructure:"key_exchange"`
		AEAD               string        `mapstructure:"aead"`
		KeyRotationInterval time.Duration `mapstructure:"key_rotation_interval"`
		UseForwardSecrecy  bool          `mapstructure:"use_forward_secrecy"`
		UseEphemeralKeys   bool          `mapstructure:"use_ephemeral_keys"`
	} `mapstructure:"encryption"`

	RateLimits struct {
		ConnectionLimit int           `mapstructure:"connection_limit"`
		MessageLimit    int           `mapstructure:"message_limit"`
		BandwidthBytes  uint64        `mapstructure:"bandwidth_bytes"`
		WindowSeconds   time.Duration `mapstructure:"window_seconds"`
		Enabled         bool          `mapstructure:"enabled"`
	} `mapstructure:"rate_limits"`

	Bitcoin struct {
		Network           string  `mapstructure:"network"`
		MinFeeRateSatPerVB float64 `mapstructure:"min_fee_rate_sat_per_vb"`
	} `mapstructure:"bitcoin"`

	Orderbook struct {
		ExpirySweepInterval time.Duration `mapstructure:"expiry_sweep_interval"`
		DedupWindow         time.Duration `mapstructure:"dedup_window"`
	} `mapstructure:"orderbook"`

	Node struct {
		PeerID              string   `mapstructure:"peer_id"`
		ListenAddr          string   `mapstructure:"listen_addr"`
		BootstrapPeers      []string `mapstructure:"bootstrap_peers"`
		MaxRelayConnections int      `mapstructure:"max_relay_connections"`
		DedupCacheSize      int      `mapstructure:"dedup_cache_size"`
	} `mapstructure:"node"`
}

// Default returns a Config populated with the timeout/window defaults
// enumerated in spec §5 and §6.
func Default() Config {
	var c Config
	c.Signaling.ReconnectBackoffInitial = time.Second
	c.Signaling.ReconnectBackoffMax = 60 * time.Second
	c.ICE.STUNServers = []string{"stun:stun.l.google.com:19302"}
	c.ICE.GatherTimeout = 5 * time.Second
	c.ICE.EstablishmentTimeout = 30 * time.Second
	c.ICE.DataChannelTimeout = 10 * time.Second
	c.Pool.MaxConnections = 100
	c.Pool.TTL = 5 * time.Minute
	c.Pool.MaxAge = time.Hour
	c.Pool.EnableReuse = true
	c.Relay.DHTQueryInterval = time.Minute
	c.Relay.RelayTTL = 10 * time.Minute
	c.Relay.MaxRelays = 64
	c.Relay.ReservationDuration = 5 * time.Minute
	c.Relay.MaxCircuitDuration = time.Hour
	c.Relay.MaxCircuitsPerPeer = 4
	c.Relay.MaxCircuitBytes = 16 << 20
	c.Relay.ReservationCleanupInterval = 30 * time.Second
	c.Relay.CircuitCleanupInterval = 30 * time.Second
	c.Relay.MaxRelayConnections = 3
	c.Auth.Method = "None"
	c.Auth.TokenTTL = time.Hour
	c.Auth.ChallengeTTL = time.Minute
	c.Auth.DefaultAuthLevel = "Basic"
	c.Encryption.KeyExchange = "X25519"
	c.Encryption.AEAD = "AesGcm256"
	c.Encryption.KeyRotationInterval = time.Hour
	c.Encryption.UseForwardSecrecy = true
	c.Encryption.UseEphemeralKeys = true
	c.RateLimits.ConnectionLimit = 100
	c.RateLimits.MessageLimit = 1000
	c.RateLimits.BandwidthBytes = 10 << 20
	c.RateLimits.WindowSeconds = 60 * time.Second
	c.RateLimits.Enabled = true
	c.Bitcoin.Network = "Mainnet"
	c.Bitcoin.MinFeeRateSatPerVB = 1.0
	c.Orderbook.ExpirySweepInterval = 30 * time.Second
	c.Orderbook.DedupWindow = 5 * time.Minute
	c.Node.ListenAddr = "/ip4/0.0.0.0/tcp/0"
	c.Node.MaxRelayConnections = 3
	c.Node.DedupCacheSize = 4096
	return c
}

// Load reads a YAML config file at path over top of Default, then applies
// DARKSWAP_-prefixed environment variable overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("DARKSWAP")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("load config %s: %w", path, err)
	}
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}

// LoadFromEnv loads the config file named by DARKSWAP_CONFIG_PATH, or
// returns Default() if unset.
func LoadFromEnv() (*Config, error) {
	path := EnvOrDefault("DARKSWAP_CONFIG_PATH", "")
	if path == "" {
		cfg := Default()
		return &cfg, nil
	}
	return Load(path)
}
