// Package settings defines the configuration surface the engine's
// components are constructed with. Loading it from files, flags or a
// config service is out of scope; this package only defines the struct
// shape and sensible defaults, populated directly by tests and by an
// external wiring layer via viper.
package settings

import (
	"time"

	"github.com/spf13/viper"

	"github.com/mw-labs/mwnode/chaincfg"
)

// ChainSettings configures the block pipeline, txhashset and chain store.
type ChainSettings struct {
	DataDir     string
	Params      *chaincfg.Params
	Archival    bool // archival nodes never compact
}

// PoolSettings configures the transaction pool and Dandelion behaviour.
type PoolSettings struct {
	MaxMempoolSize       int
	MaxStempoolSize      int
	DandelionEpochSecs    time.Duration
	DandelionStemProb     float64 // probability of staying in stem state
	ReorgCacheWindow      time.Duration
	AcceptFeeRateMinimum  uint64
}

// P2PSettings configures outward-facing relay behaviour for Dandelion stem
// forwarding. The transport itself is external (§1); this only names the
// peer-selection and dial parameters.
type P2PSettings struct {
	StemRelayDialTimeout time.Duration
	MaxPeers             int
}

// PIBDSettings configures the segmenter/desegmenter.
type PIBDSettings struct {
	SnapshotTTL         time.Duration
	OutputSegmentHeightMin, OutputSegmentHeightMax         uint8
	RangeProofSegmentHeightMin, RangeProofSegmentHeightMax uint8
	KernelSegmentHeightMin, KernelSegmentHeightMax         uint8
	BitmapSegmentHeightMin, BitmapSegmentHeightMax         uint8
}

// Settings is the top-level configuration object, grouping one sub-struct
// per subsystem the way the teacher's Settings groups per-service configs.
type Settings struct {
	Chain ChainSettings
	Pool  PoolSettings
	P2P   P2PSettings
	PIBD  PIBDSettings
}

// Defaults returns a Settings populated with the values used throughout
// the spec's scenarios and tests.
func Defaults() *Settings {
	return &Settings{
		Chain: ChainSettings{
			DataDir:  ".mwnode",
			Params:   &chaincfg.MainNetParams,
			Archival: false,
		},
		Pool: PoolSettings{
			MaxMempoolSize:       50_000,
			MaxStempoolSize:      5_000,
			DandelionEpochSecs:   10 * time.Minute,
			DandelionStemProb:    0.9,
			ReorgCacheWindow:     30 * time.Minute,
			AcceptFeeRateMinimum: 1,
		},
		P2P: P2PSettings{
			StemRelayDialTimeout: 5 * time.Second,
			MaxPeers:             60,
		},
		PIBD: PIBDSettings{
			SnapshotTTL:                12 * time.Hour,
			OutputSegmentHeightMin:     11,
			OutputSegmentHeightMax:     16,
			RangeProofSegmentHeightMin: 7,
			RangeProofSegmentHeightMax: 12,
			KernelSegmentHeightMin:     9,
			KernelSegmentHeightMax:     14,
			BitmapSegmentHeightMin:     9,
			BitmapSegmentHeightMax:     14,
		},
	}
}

// FromEnv overlays environment-variable overrides onto defaults using
// viper, following the same MWNODE_<SECTION>_<FIELD> convention the
// teacher's services use for env-driven settings.
func FromEnv() *Settings {
	s := Defaults()

	v := viper.New()
	v.SetEnvPrefix("MWNODE")
	v.AutomaticEnv()

	if dir := v.GetString("chain_datadir"); dir != "" {
		s.Chain.DataDir = dir
	}
	if v.IsSet("chain_archival") {
		s.Chain.Archival = v.GetBool("chain_archival")
	}
	if n := v.GetInt("pool_max_mempool_size"); n > 0 {
		s.Pool.MaxMempoolSize = n
	}
	if n := v.GetInt("pool_max_stempool_size"); n > 0 {
		s.Pool.MaxStempoolSize = n
	}
	if n := v.GetInt("p2p_max_peers"); n > 0 {
		s.P2P.MaxPeers = n
	}

	return s
}
