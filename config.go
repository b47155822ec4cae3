package pathoram

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/tailscale/hujson"
)

// EmptyBlockID marks a decoded plaintext block as a dummy slot.
const EmptyBlockID = -1

var (
	ErrInvalidConfig      = errors.New("invalid PathORAM configuration")
	ErrInvalidBlockID     = errors.New("invalid block ID")
	ErrInvalidDataSize    = errors.New("data size exceeds configured block size")
	ErrStashOverflow      = errors.New("stash overflow")
	ErrEncryptionFailed   = errors.New("block encryption failed")
	ErrDecryptionFailed   = errors.New("block decryption failed")
	ErrInvalidLeaf        = errors.New("leaf index out of range")
	ErrInvalidBucketShape = errors.New("bucket has the wrong number of slots")
	ErrInvalidPathShape   = errors.New("path has the wrong number of buckets")
	ErrNotFound           = errors.New("block not found")
	ErrIntegrityViolation = errors.New("block expected in stash after fetch was missing")
)

// EvictionStrategy defines how blocks are evicted from stash to tree.
type EvictionStrategy int

const (
	// EvictLevelByLevel iterates levels from leaf to root, filling slots greedily.
	// This is the original/baseline strategy.
	EvictLevelByLevel EvictionStrategy = iota

	// EvictGreedyByDepth places each block at its deepest possible level first.
	// Reduces stash pressure by maximizing depth utilization.
	EvictGreedyByDepth

	// EvictDeterministicTwoPath evicts along two paths per access.
	// Reduces stash size variance (Path ORAM optimization).
	EvictDeterministicTwoPath
)

// CipherSuite selects the AEAD construction used to seal block ciphertexts.
type CipherSuite int

const (
	// CipherAESGCM is AES-256-GCM, the teacher's original choice.
	CipherAESGCM CipherSuite = iota
	// CipherChaCha20Poly1305 is an alternative AEAD with no AES-NI dependency.
	CipherChaCha20Poly1305
)

// Config holds PathORAM configuration parameters.
type Config struct {
	NumBlocks        int              // Total number of blocks to support (valid IDs: 0 to NumBlocks-1)
	BlockSize        int              // Size of each block in bytes
	BucketSize       int              // Number of blocks per bucket (Z parameter)
	StashLimit       int              // Maximum stash size before error
	EvictionStrategy EvictionStrategy // Eviction strategy to use
	CipherSuite      CipherSuite      // AEAD construction to use
	ConstantTime     bool             // Enable constant-time operations for TEE deployments

	// RNGSeed, if set, switches leaf selection from crypto/rand to a
	// seeded math/rand sequence. Deterministic tests only; never set in
	// production.
	RNGSeed *int64
}

// Validate checks the configuration for errors and applies defaults.
// Returns a copy of the config with defaults applied.
func (c Config) Validate() (Config, error) {
	if c.NumBlocks <= 0 || c.BlockSize <= 0 {
		return c, ErrInvalidConfig
	}
	if c.BucketSize == 0 {
		c.BucketSize = 4
	}
	if c.BucketSize < 4 {
		return c, fmt.Errorf("%w: blocks_per_bucket must be >= 4, got %d", ErrInvalidConfig, c.BucketSize)
	}
	if c.StashLimit == 0 {
		c.StashLimit = 100
	}
	return c, nil
}

// ComputeTreeParams calculates tree dimensions from config: the smallest
// tree whose total bucket count is at least ⌈NumBlocks/BucketSize⌉. Returns
// the tree height L, leaf count 2^L, and total bucket count 2^(L+1)-1.
func (c Config) ComputeTreeParams() (treeHeight, numLeaves, totalBuckets int) {
	numBuckets := (c.NumBlocks + c.BucketSize - 1) / c.BucketSize
	levels := 1
	for (1<<levels)-1 < numBuckets {
		levels++
	}
	treeHeight = levels - 1
	numLeaves = 1 << treeHeight
	totalBuckets = (1 << levels) - 1
	return
}

// fileConfig is the on-disk shape LoadConfig parses, kept separate from
// Config so the wire format's string enums don't leak into the Go API.
type fileConfig struct {
	NumBlocks        int    `json:"num_blocks"`
	BlockSize        int    `json:"block_size"`
	BucketSize       int    `json:"blocks_per_bucket"`
	StashLimit       int    `json:"stash_limit"`
	EvictionStrategy string `json:"eviction_strategy"`
	CipherSuite      string `json:"cipher_suite"`
	ConstantTime     bool   `json:"constant_time"`
}

// LoadConfig reads a HuJSON (JSON with comments and trailing commas)
// configuration file and validates it into a Config.
func LoadConfig(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("pathoram: read config %s: %w", path, err)
	}
	std, err := hujson.Standardize(raw)
	if err != nil {
		return Config{}, fmt.Errorf("pathoram: parse config %s: %w", path, err)
	}
	var fc fileConfig
	if err := json.Unmarshal(std, &fc); err != nil {
		return Config{}, fmt.Errorf("pathoram: decode config %s: %w", path, err)
	}

	cfg := Config{
		NumBlocks:    fc.NumBlocks,
		BlockSize:    fc.BlockSize,
		BucketSize:   fc.BucketSize,
		StashLimit:   fc.StashLimit,
		ConstantTime: fc.ConstantTime,
	}

	switch fc.EvictionStrategy {
	case "", "level_by_level":
		cfg.EvictionStrategy = EvictLevelByLevel
	case "greedy_by_depth":
		cfg.EvictionStrategy = EvictGreedyByDepth
	case "deterministic_two_path":
		cfg.EvictionStrategy = EvictDeterministicTwoPath
	default:
		return Config{}, fmt.Errorf("%w: unknown eviction_strategy %q", ErrInvalidConfig, fc.EvictionStrategy)
	}

	switch fc.CipherSuite {
	case "", "aes256gcm":
		cfg.CipherSuite = CipherAESGCM
	case "chacha20poly1305":
		cfg.CipherSuite = CipherChaCha20Poly1305
	default:
		return Config{}, fmt.Errorf("%w: unknown cipher_suite %q", ErrInvalidConfig, fc.CipherSuite)
	}

	return cfg.Validate()
}