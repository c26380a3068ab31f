package main

import (
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"

	"github.com/darkswapfoundation/darkswap/internal/auth"
	"github.com/darkswapfoundation/darkswap/internal/config"
	"github.com/darkswapfoundation/darkswap/internal/crypto"
	"github.com/darkswapfoundation/darkswap/internal/encryption"
	"github.com/darkswapfoundation/darkswap/internal/overlay"
	"github.com/darkswapfoundation/darkswap/internal/pool"
	"github.com/darkswapfoundation/darkswap/internal/ratelimit"
	"github.com/darkswapfoundation/darkswap/internal/relay"
	"github.com/darkswapfoundation/darkswap/internal/trade"
	"github.com/darkswapfoundation/darkswap/internal/webrtcconn"
)

// authMethod maps spec §6's auth.method string onto auth.Method.
func authMethod(s string) auth.Method {
	switch s {
	case "SharedKey":
		return auth.MethodSharedKey
	case "ChallengeResponse":
		return auth.MethodChallengeResponse
	case "PublicKey":
		return auth.MethodPublicKey
	default:
		return auth.MethodNone
	}
}

func authLevel(s string) auth.Level {
	switch s {
	case "Basic":
		return auth.LevelBasic
	case "Relay":
		return auth.LevelRelay
	case "Admin":
		return auth.LevelAdmin
	default:
		return auth.LevelNone
	}
}

func aeadAlgorithm(s string) crypto.AEADAlgorithm {
	if s == "ChaCha20Poly1305" {
		return crypto.ChaCha20Poly1305
	}
	return crypto.AESGCM256
}

// bitcoinParams maps spec §6's bitcoin.network string onto the chain
// parameters the trade engine needs for address decoding.
func bitcoinParams(network string) *chaincfg.Params {
	switch network {
	case "Testnet":
		return &chaincfg.TestNet3Params
	case "Regtest":
		return &chaincfg.RegressionNetParams
	case "Signet":
		return &chaincfg.SigNetParams
	default:
		return &chaincfg.MainNetParams
	}
}

func authConfig(c *config.Config) auth.Config {
	trusted := make([]auth.PeerID, len(c.Auth.TrustedPeers))
	for i, p := range c.Auth.TrustedPeers {
		trusted[i] = auth.PeerID(p)
	}
	banned := make([]auth.PeerID, len(c.Auth.BannedPeers))
	for i, p := range c.Auth.BannedPeers {
		banned[i] = auth.PeerID(p)
	}
	return auth.Config{
		Method:           authMethod(c.Auth.Method),
		SharedKey:        []byte(c.Auth.SharedKey),
		TokenTTL:         c.Auth.TokenTTL,
		ChallengeTTL:     c.Auth.ChallengeTTL,
		TrustedPeers:     trusted,
		BannedPeers:      banned,
		DefaultAuthLevel: authLevel(c.Auth.DefaultAuthLevel),
		RequireAuth:      c.Auth.RequireAuth,
	}
}

func encryptionConfig(c *config.Config) encryption.Config {
	return encryption.Config{
		AEAD:                aeadAlgorithm(c.Encryption.AEAD),
		KeyRotationInterval: c.Encryption.KeyRotationInterval,
		SessionKeyTTL:       c.Auth.TokenTTL,
		UseEphemeralKeys:    c.Encryption.UseEphemeralKeys,
	}
}

func rateLimitConfig(c *config.Config) ratelimit.ManagerConfig {
	return ratelimit.ManagerConfig{
		ConnectionLimit: uint64(c.RateLimits.ConnectionLimit),
		MessageLimit:    uint64(c.RateLimits.MessageLimit),
		BandwidthBytes:  c.RateLimits.BandwidthBytes,
		WindowSeconds:   c.RateLimits.WindowSeconds,
		Enabled:         c.RateLimits.Enabled,
	}
}

func poolConfig(c *config.Config) pool.Config {
	return pool.Config{
		MaxConnections: c.Pool.MaxConnections,
		TTL:            c.Pool.TTL,
		MaxAge:         c.Pool.MaxAge,
		EnableReuse:    c.Pool.EnableReuse,
	}
}

func discoveryConfig(c *config.Config) relay.DiscoveryConfig {
	bootstrap := make([]relay.BootstrapRelay, 0, len(c.Relay.BootstrapRelays))
	for _, r := range c.Relay.BootstrapRelays {
		id, err := peer.Decode(r.PeerID)
		if err != nil {
			log.Warnf("skipping bootstrap relay with invalid peer id %q: %v", r.PeerID, err)
			continue
		}
		addr, err := multiaddr.NewMultiaddr(r.Multiaddr)
		if err != nil {
			log.Warnf("skipping bootstrap relay with invalid multiaddr %q: %v", r.Multiaddr, err)
			continue
		}
		bootstrap = append(bootstrap, relay.BootstrapRelay{PeerID: id, Address: addr})
	}
	return relay.DiscoveryConfig{
		BootstrapRelays: bootstrap,
		RelayTTL:        c.Relay.RelayTTL,
		MaxRelays:       c.Relay.MaxRelays,
		EnableDHTLookup: c.Relay.EnableDHTDiscovery,
	}
}

func circuitConfig(c *config.Config) relay.CircuitConfig {
	return relay.CircuitConfig{
		ReservationDuration: c.Relay.ReservationDuration,
		MaxCircuitDuration:  c.Relay.MaxCircuitDuration,
		MaxCircuitBytes:     c.Relay.MaxCircuitBytes,
		MaxCircuitsPerPeer:  c.Relay.MaxCircuitsPerPeer,
	}
}

func webrtcConfig(c *config.Config) webrtcconn.Config {
	turn := make([]webrtcconn.TURNServer, len(c.ICE.TURNServers))
	for i, t := range c.ICE.TURNServers {
		turn[i] = webrtcconn.TURNServer{URL: t.URL, Username: t.Username, Credential: t.Credential}
	}
	return webrtcconn.Config{
		STUNServers:          c.ICE.STUNServers,
		TURNServers:          turn,
		GatherTimeout:        c.ICE.GatherTimeout,
		EstablishmentTimeout: c.ICE.EstablishmentTimeout,
		DataChannelTimeout:   c.ICE.DataChannelTimeout,
	}
}

func overlayConfig(c *config.Config) overlay.Config {
	return overlay.Config{
		ListenAddr:          c.Node.ListenAddr,
		BootstrapPeers:      c.Node.BootstrapPeers,
		MaxRelayConnections: c.Node.MaxRelayConnections,
		DedupCacheSize:      c.Node.DedupCacheSize,
		RequestTimeout:      10 * time.Second,
		Auth:                authConfig(c),
		Encryption:          encryptionConfig(c),
		RateLimit:           rateLimitConfig(c),
		Pool:                poolConfig(c),
		Discovery:           discoveryConfig(c),
		Circuit:             circuitConfig(c),
		WebRTC:              webrtcConfig(c),
	}
}

func tradeConfig(c *config.Config) trade.Config {
	return trade.Config{
		MinFeeRateSatPerVB: int64(c.Bitcoin.MinFeeRateSatPerVB),
		NetworkParams:      bitcoinParams(c.Bitcoin.Network),
	}
}

func sweepInterval(c *config.Config) time.Duration {
	if c.Orderbook.ExpirySweepInterval <= 0 {
		return 30 * time.Second
	}
	return c.Orderbook.ExpirySweepInterval
}
