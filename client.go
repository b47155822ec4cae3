package pathoram

import (
	"context"
	"crypto/rand"
	"math/big"
	mrand "math/rand"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// opKind distinguishes the three public operations at the point where they
// share the access state machine.
type opKind int

const (
	opStore opKind = iota
	opRetrieve
	opDelete
)

// randSource abstracts leaf sampling behind an interface so tests can
// inject a deterministic sequence instead of crypto/rand.
type randSource interface {
	Intn(n int) int
}

type cryptoRandSource struct{}

func (cryptoRandSource) Intn(n int) int {
	v, err := rand.Int(rand.Reader, big.NewInt(int64(n)))
	if err != nil {
		panic("pathoram: crypto/rand failed: " + err.Error())
	}
	return int(v.Int64())
}

type seededRandSource struct{ r *mrand.Rand }

func (s *seededRandSource) Intn(n int) int { return s.r.Intn(n) }

// Client implements the Path ORAM protocol: Store/Retrieve/Delete each
// fetch one root-to-leaf path, absorb it into the stash, apply the
// requested operation, rebuild a path from the stash, and write it back.
type Client struct {
	cfg        Config
	treeHeight int // L
	levels     int // L+1: buckets per path
	numLeaves  int

	storage Storage
	posMap  PositionMap
	encrypt Encryptor
	stash   *Stash
	rng     randSource

	lock *semaphore.Weighted
	log  *zap.Logger
}

// New creates a Client with explicit dependencies. Use this constructor
// for custom storage, position map, or encryption backends.
func New(cfg Config, storage Storage, posMap PositionMap, enc Encryptor, log *zap.Logger) (*Client, error) {
	cfg, err := cfg.Validate()
	if err != nil {
		return nil, err
	}
	treeHeight, numLeaves, _ := cfg.ComputeTreeParams()
	if log == nil {
		log = zap.NewNop()
	}

	var rng randSource = cryptoRandSource{}
	if cfg.RNGSeed != nil {
		rng = &seededRandSource{r: mrand.New(mrand.NewSource(*cfg.RNGSeed))}
	}

	return &Client{
		cfg:        cfg,
		treeHeight: treeHeight,
		levels:     treeHeight + 1,
		numLeaves:  numLeaves,
		storage:    storage,
		posMap:     posMap,
		encrypt:    enc,
		stash:      newStash(),
		rng:        rng,
		lock:       semaphore.NewWeighted(1),
		log:        log,
	}, nil
}

// NewInMemory creates a Client backed by an in-memory tree, an in-memory
// position map, and the AEAD suite selected by cfg.CipherSuite. key must
// match keySize(cfg.CipherSuite) in length.
func NewInMemory(cfg Config, key []byte, log *zap.Logger) (*Client, error) {
	cfg, err := cfg.Validate()
	if err != nil {
		return nil, err
	}
	treeHeight, numLeaves, _ := cfg.ComputeTreeParams()

	storage := newTreeStore(treeHeight+1, numLeaves, cfg.BucketSize)
	posMap := NewInMemoryPositionMap()
	enc, err := newEncryptor(cfg.CipherSuite, key)
	if err != nil {
		return nil, err
	}

	c, err := New(cfg, storage, posMap, enc, log)
	if err != nil {
		return nil, err
	}
	if err := c.initializeEmptyTree(); err != nil {
		return nil, err
	}
	return c, nil
}

// initializeEmptyTree populates every bucket in the tree with freshly
// encrypted dummy blocks, so a never-accessed tree already satisfies the
// constant-bucket-shape invariant.
func (c *Client) initializeEmptyTree() error {
	total := c.storage.NumBuckets()
	buckets := make([]Bucket, total)
	for i := range buckets {
		b := make(Bucket, c.cfg.BucketSize)
		for j := range b {
			ct, err := c.encryptBlock(kindDummy, dummyBlock())
			if err != nil {
				return err
			}
			b[j] = ct
		}
		buckets[i] = b
	}
	return c.storage.InitializeTree(buckets)
}

// Capacity returns the number of blocks this client can address.
func (c *Client) Capacity() int { return c.cfg.NumBlocks }

// TreeHeight returns L, the tree height (leaves are 0..2^L-1).
func (c *Client) TreeHeight() int { return c.treeHeight }

// NumLeaves returns the number of leaves in the tree, 2^L.
func (c *Client) NumLeaves() int { return c.numLeaves }

// StashSize returns the current number of blocks held in the stash.
func (c *Client) StashSize() int { return c.stash.Len() }

// Size returns the number of blocks currently assigned a position.
func (c *Client) Size() int { return c.posMap.Size() }

// BlockSize returns the configured block size.
func (c *Client) BlockSize() int { return c.cfg.BlockSize }

func (c *Client) randomLeaf() int { return c.rng.Intn(c.numLeaves) }

func (c *Client) encryptBlock(kind blockKind, b Block) ([]byte, error) {
	pt, err := encodeBlock(kind, b, c.cfg.BlockSize)
	if err != nil {
		return nil, err
	}
	ct, err := c.encrypt.Encrypt(pt)
	if err != nil {
		return nil, ErrEncryptionFailed
	}
	return ct, nil
}

func (c *Client) decryptBlock(ct []byte) (blockKind, Block, error) {
	pt, err := c.encrypt.Decrypt(ct)
	if err != nil {
		return 0, Block{}, err
	}
	return decodeBlock(pt, c.cfg.BlockSize)
}

// Store writes data for id, creating a new entry if id is not currently
// stored (never stored, or deleted). len(data) must not exceed BlockSize.
func (c *Client) Store(ctx context.Context, id int, data []byte) error {
	if id < 0 || id >= c.cfg.NumBlocks {
		return ErrInvalidBlockID
	}
	if len(data) > c.cfg.BlockSize {
		return ErrInvalidDataSize
	}
	_, err := c.access(ctx, opStore, id, data)
	return err
}

// Retrieve returns the data stored for id, or ErrNotFound if id is not
// currently stored (never stored, or deleted).
func (c *Client) Retrieve(ctx context.Context, id int) ([]byte, error) {
	if id < 0 || id >= c.cfg.NumBlocks {
		return nil, ErrInvalidBlockID
	}
	return c.access(ctx, opRetrieve, id, nil)
}

// Delete removes id, or returns ErrNotFound if id is not currently stored
// (never stored, or already deleted).
func (c *Client) Delete(ctx context.Context, id int) error {
	if id < 0 || id >= c.cfg.NumBlocks {
		return ErrInvalidBlockID
	}
	_, err := c.access(ctx, opDelete, id, nil)
	return err
}

// fetchAndAbsorb reads leaf's path, decrypts each slot, and merges every
// real block into the stash. A block already in the stash is left alone
// (by I3 no two copies of the same id can coexist across tree and stash,
// so re-merging the same content is a no-op in practice). Returns the ids
// newly added, for cancellation rollback.
func (c *Client) fetchAndAbsorb(leaf int) ([]int, error) {
	path, err := c.storage.GetPath(leaf)
	if err != nil {
		return nil, err
	}
	var added []int
	for _, bucket := range path {
		for _, ct := range bucket {
			kind, b, err := c.decryptBlock(ct)
			if err != nil {
				return added, err
			}
			if kind == kindDummy {
				continue
			}
			if _, exists := c.stash.Get(b.ID); exists {
				continue
			}
			c.stash.Put(b)
			added = append(added, b.ID)
		}
	}
	return added, nil
}

func (c *Client) undoAbsorb(ids []int) {
	for _, id := range ids {
		c.stash.Remove(id)
	}
}

// access is the shared skeleton behind Store/Retrieve/Delete (§4.7). At
// most one access runs at a time; cancelling ctx between the path fetch and
// the path write rolls the client's local state back to how it was before
// this call, leaving the tree untouched (§5 choice (a)).
func (c *Client) access(ctx context.Context, op opKind, id int, data []byte) ([]byte, error) {
	if err := c.lock.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer c.lock.Release(1)

	leafOld, existed := c.posMap.Get(id)
	if !existed {
		if op != opStore {
			return nil, ErrNotFound
		}
		leafOld = c.randomLeaf()
	}

	leafNew := c.randomLeaf()
	c.posMap.Set(id, leafNew)
	restorePosition := func() {
		if existed {
			c.posMap.Set(id, leafOld)
		} else {
			c.posMap.Remove(id)
		}
	}

	added, err := c.fetchAndAbsorb(leafOld)
	if err != nil {
		restorePosition()
		return nil, err
	}
	c.log.Debug("path fetched", zap.Int("id", id), zap.Int("leaf_old", leafOld), zap.Int("leaf_new", leafNew))

	var result []byte
	var undoOp func()
	switch op {
	case opStore:
		prev, hadPrev := c.stash.Get(id)
		c.stash.Put(Block{ID: id, Leaf: leafNew, Data: append([]byte(nil), data...)})
		undoOp = func() {
			if hadPrev {
				c.stash.Put(prev)
			} else {
				c.stash.Remove(id)
			}
		}
	case opRetrieve:
		var b Block
		var ok bool
		if c.cfg.ConstantTime {
			ok, b = c.findInStashConstantTime(id)
		} else {
			b, ok = c.stash.Get(id)
		}
		if !ok {
			c.undoAbsorb(added)
			restorePosition()
			c.log.Error("block missing from stash after path fetch", zap.Int("id", id))
			return nil, ErrIntegrityViolation
		}
		result = append([]byte(nil), b.Data...)
		undoOp = func() {}
	case opDelete:
		prev, hadPrev := c.stash.Get(id)
		c.stash.Remove(id)
		c.posMap.Remove(id)
		undoOp = func() {
			if hadPrev {
				c.stash.Put(prev)
			}
		}
	}
	c.log.Debug("stash merged", zap.Int("id", id), zap.Int("stash_size", c.stash.Len()))

	var path Path
	var claimed []int
	if c.cfg.ConstantTime {
		path, claimed, err = c.buildEvictionPathConstantTime(leafOld)
	} else {
		path, claimed, err = c.buildEvictionPath(leafOld)
	}
	if err != nil {
		undoOp()
		c.undoAbsorb(added)
		restorePosition()
		return nil, err
	}

	if remaining := c.stash.Len() - len(claimed); remaining > c.cfg.StashLimit {
		undoOp()
		c.undoAbsorb(added)
		restorePosition()
		return nil, ErrStashOverflow
	}

	if err := ctx.Err(); err != nil {
		undoOp()
		c.undoAbsorb(added)
		restorePosition()
		return nil, err
	}

	if err := c.storage.SetPath(path, leafOld); err != nil {
		return nil, err
	}
	for _, cid := range claimed {
		c.stash.Remove(cid)
	}
	c.log.Debug("path written", zap.Int("id", id), zap.Int("leaf", leafOld))

	if c.cfg.EvictionStrategy == EvictDeterministicTwoPath {
		if err := c.performSecondaryEviction(); err != nil {
			c.log.Warn("secondary eviction pass failed", zap.Error(err))
			return result, err
		}
	}

	return result, nil
}

// performSecondaryEviction is the second half of EvictDeterministicTwoPath:
// an extra fetch+evict pass over an independently random path, spending one
// additional round trip to storage to relieve stash pressure.
func (c *Client) performSecondaryEviction() error {
	leaf := c.randomLeaf()
	if _, err := c.fetchAndAbsorb(leaf); err != nil {
		return err
	}
	path, claimed, err := c.buildPathGreedyByDepth(leaf)
	if err != nil {
		return err
	}
	if remaining := c.stash.Len() - len(claimed); remaining > c.cfg.StashLimit {
		return ErrStashOverflow
	}
	if err := c.storage.SetPath(path, leaf); err != nil {
		return err
	}
	for _, id := range claimed {
		c.stash.Remove(id)
	}
	return nil
}
