package pathoram

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

// newTestClient builds an in-memory client with a fixed test key, failing
// the test on any construction error.
func newTestClient(t *testing.T, cfg Config) *Client {
	t.Helper()
	key := bytes.Repeat([]byte{0x42}, keySize(cfg.CipherSuite))
	c, err := NewInMemory(cfg, key, nil)
	if err != nil {
		t.Fatalf("NewInMemory() error = %v", err)
	}
	return c
}

func TestNewInMemory_Defaults(t *testing.T) {
	c := newTestClient(t, Config{NumBlocks: 16, BlockSize: 32})
	if c.cfg.BucketSize != 4 {
		t.Errorf("BucketSize = %d, want 4", c.cfg.BucketSize)
	}
	if c.cfg.StashLimit != 100 {
		t.Errorf("StashLimit = %d, want 100", c.cfg.StashLimit)
	}
	if c.Capacity() != 16 {
		t.Errorf("Capacity() = %d, want 16", c.Capacity())
	}
	if c.BlockSize() != 32 {
		t.Errorf("BlockSize() = %d, want 32", c.BlockSize())
	}
	if c.Size() != 0 || c.StashSize() != 0 {
		t.Errorf("Size()=%d, StashSize()=%d, want 0, 0 on a fresh client", c.Size(), c.StashSize())
	}
}

func TestNewInMemory_RejectsInvalidConfig(t *testing.T) {
	if _, err := NewInMemory(Config{NumBlocks: 0, BlockSize: 8}, bytes.Repeat([]byte{1}, aesKeySize), nil); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("NewInMemory() error = %v, want ErrInvalidConfig", err)
	}
}

func TestClient_TreeHeightAndNumLeaves(t *testing.T) {
	c := newTestClient(t, Config{NumBlocks: 40, BlockSize: 8, BucketSize: 4})
	if c.TreeHeight() != 3 {
		t.Errorf("TreeHeight() = %d, want 3", c.TreeHeight())
	}
	if c.NumLeaves() != 8 {
		t.Errorf("NumLeaves() = %d, want 8", c.NumLeaves())
	}
}

func TestClient_StoreRetrieveRoundTrip(t *testing.T) {
	c := newTestClient(t, Config{NumBlocks: 16, BlockSize: 32})
	ctx := context.Background()

	want := []byte("secret payload")
	if err := c.Store(ctx, 3, want); err != nil {
		t.Fatalf("Store() error = %v", err)
	}

	got, err := c.Retrieve(ctx, 3)
	if err != nil {
		t.Fatalf("Retrieve() error = %v", err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Retrieve() mismatch (-want +got):\n%s", diff)
	}
	if c.Size() != 1 {
		t.Errorf("Size() = %d, want 1", c.Size())
	}
}

func TestClient_StoreOverwrite(t *testing.T) {
	c := newTestClient(t, Config{NumBlocks: 16, BlockSize: 32})
	ctx := context.Background()

	if err := c.Store(ctx, 3, []byte("first")); err != nil {
		t.Fatalf("Store() error = %v", err)
	}
	if err := c.Store(ctx, 3, []byte("second")); err != nil {
		t.Fatalf("Store() overwrite error = %v", err)
	}

	got, err := c.Retrieve(ctx, 3)
	if err != nil {
		t.Fatalf("Retrieve() error = %v", err)
	}
	if string(got) != "second" {
		t.Errorf("Retrieve() = %q, want %q", got, "second")
	}
	if c.Size() != 1 {
		t.Errorf("Size() after overwrite = %d, want 1 (no duplicate entry)", c.Size())
	}
}

func TestClient_RetrieveUnknownID(t *testing.T) {
	c := newTestClient(t, Config{NumBlocks: 16, BlockSize: 32})
	if _, err := c.Retrieve(context.Background(), 5); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Retrieve(unknown) error = %v, want ErrNotFound", err)
	}
}

func TestClient_DeleteUnknownID(t *testing.T) {
	c := newTestClient(t, Config{NumBlocks: 16, BlockSize: 32})
	if err := c.Delete(context.Background(), 5); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Delete(unknown) error = %v, want ErrNotFound", err)
	}
}

func TestClient_DeleteThenRetrieveIsNotFound(t *testing.T) {
	c := newTestClient(t, Config{NumBlocks: 16, BlockSize: 32})
	ctx := context.Background()

	if err := c.Store(ctx, 1, []byte("gone soon")); err != nil {
		t.Fatalf("Store() error = %v", err)
	}
	if err := c.Delete(ctx, 1); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := c.Retrieve(ctx, 1); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Retrieve() after Delete() error = %v, want ErrNotFound", err)
	}
	if c.Size() != 0 {
		t.Errorf("Size() after Delete() = %d, want 0", c.Size())
	}
}

func TestClient_InvalidBlockID(t *testing.T) {
	c := newTestClient(t, Config{NumBlocks: 4, BlockSize: 8})
	ctx := context.Background()

	if err := c.Store(ctx, -1, []byte("x")); !errors.Is(err, ErrInvalidBlockID) {
		t.Errorf("Store(-1) error = %v, want ErrInvalidBlockID", err)
	}
	if err := c.Store(ctx, 4, []byte("x")); !errors.Is(err, ErrInvalidBlockID) {
		t.Errorf("Store(NumBlocks) error = %v, want ErrInvalidBlockID", err)
	}
	if _, err := c.Retrieve(ctx, 99); !errors.Is(err, ErrInvalidBlockID) {
		t.Errorf("Retrieve(99) error = %v, want ErrInvalidBlockID", err)
	}
}

func TestClient_InvalidDataSize(t *testing.T) {
	c := newTestClient(t, Config{NumBlocks: 4, BlockSize: 8})
	if err := c.Store(context.Background(), 0, make([]byte, 9)); !errors.Is(err, ErrInvalidDataSize) {
		t.Fatalf("Store(oversized data) error = %v, want ErrInvalidDataSize", err)
	}
}

func TestClient_MultipleIDsRoundTrip(t *testing.T) {
	c := newTestClient(t, Config{NumBlocks: 32, BlockSize: 16, RNGSeed: int64Ptr(1)})
	ctx := context.Background()

	want := map[int]string{0: "alpha", 5: "bravo", 10: "charlie", 17: "delta", 31: "echo"}
	for id, v := range want {
		if err := c.Store(ctx, id, []byte(v)); err != nil {
			t.Fatalf("Store(%d) error = %v", id, err)
		}
	}
	for id, v := range want {
		got, err := c.Retrieve(ctx, id)
		if err != nil {
			t.Fatalf("Retrieve(%d) error = %v", id, err)
		}
		if string(got) != v {
			t.Errorf("Retrieve(%d) = %q, want %q", id, got, v)
		}
	}
}

func TestClient_EvictionStrategies(t *testing.T) {
	for _, strategy := range []EvictionStrategy{EvictLevelByLevel, EvictGreedyByDepth, EvictDeterministicTwoPath} {
		c := newTestClient(t, Config{NumBlocks: 32, BlockSize: 16, EvictionStrategy: strategy, RNGSeed: int64Ptr(7)})
		ctx := context.Background()
		for id := 0; id < 20; id++ {
			if err := c.Store(ctx, id, []byte{byte(id)}); err != nil {
				t.Fatalf("strategy %v: Store(%d) error = %v", strategy, id, err)
			}
		}
		for id := 0; id < 20; id++ {
			got, err := c.Retrieve(ctx, id)
			if err != nil {
				t.Fatalf("strategy %v: Retrieve(%d) error = %v", strategy, id, err)
			}
			if len(got) != 1 || got[0] != byte(id) {
				t.Errorf("strategy %v: Retrieve(%d) = %v, want [%d]", strategy, id, got, id)
			}
		}
	}
}

func TestClient_ConstantTimeMode(t *testing.T) {
	c := newTestClient(t, Config{NumBlocks: 16, BlockSize: 16, ConstantTime: true})
	ctx := context.Background()

	if err := c.Store(ctx, 2, []byte("ct-data")); err != nil {
		t.Fatalf("Store() error = %v", err)
	}
	got, err := c.Retrieve(ctx, 2)
	if err != nil {
		t.Fatalf("Retrieve() error = %v", err)
	}
	if string(got) != "ct-data" {
		t.Errorf("Retrieve() = %q, want %q", got, "ct-data")
	}
	if _, err := c.Retrieve(ctx, 9); !errors.Is(err, ErrNotFound) {
		t.Errorf("Retrieve(unknown) error = %v, want ErrNotFound", err)
	}
}

func TestClient_Access_CancelledContextLeavesStateUnchanged(t *testing.T) {
	c := newTestClient(t, Config{NumBlocks: 16, BlockSize: 16})

	if err := c.Store(context.Background(), 1, []byte("before")); err != nil {
		t.Fatalf("Store() error = %v", err)
	}

	sizeBefore := c.Size()
	stashBefore := c.StashSize()

	ctx, cancel := context.WithCancel(context.Background())
	cancel() // cancelled up front: access() fails acquiring its lock, before touching the position map or stash

	if err := c.Store(ctx, 2, []byte("never committed")); !errors.Is(err, context.Canceled) {
		t.Fatalf("Store() with cancelled context error = %v, want context.Canceled", err)
	}

	if c.Size() != sizeBefore {
		t.Errorf("Size() after cancelled Store() = %d, want unchanged %d", c.Size(), sizeBefore)
	}
	if c.StashSize() != stashBefore {
		t.Errorf("StashSize() after cancelled Store() = %d, want unchanged %d", c.StashSize(), stashBefore)
	}
	if _, ok := c.posMap.Get(2); ok {
		t.Error("posMap retained an entry for a cancelled Store()")
	}

	got, err := c.Retrieve(context.Background(), 1)
	if err != nil {
		t.Fatalf("Retrieve(1) after cancelled Store(2) error = %v", err)
	}
	if string(got) != "before" {
		t.Errorf("Retrieve(1) = %q, want unaffected %q", got, "before")
	}
}

// TestClient_AccessOverflow_StashLimit directly stuffs the stash with more
// entries, all assigned to the same leaf, than eviction could ever place:
// across a height-3 tree each access writes 4 buckets of BucketSize 4, a
// hard cap of 16 claimable slots regardless of which leaf the access lands
// on. 20 pinned entries plus the one being stored leaves at least 5
// unclaimable no matter how favorably the random leaf falls, which exceeds
// the configured limit of 1.
func TestClient_AccessOverflow_StashLimit(t *testing.T) {
	c := newTestClient(t, Config{NumBlocks: 40, BlockSize: 8, BucketSize: 4, StashLimit: 1})

	for i := 0; i < 20; i++ {
		id := 100 + i
		c.posMap.Set(id, 0)
		c.stash.Put(Block{ID: id, Leaf: 0, Data: make([]byte, c.cfg.BlockSize)})
	}

	sizeBefore := c.Size()
	stashBefore := c.StashSize()

	err := c.Store(context.Background(), 0, make([]byte, c.cfg.BlockSize))
	if !errors.Is(err, ErrStashOverflow) {
		t.Fatalf("Store() error = %v, want ErrStashOverflow", err)
	}

	if c.Size() != sizeBefore {
		t.Errorf("Size() after ErrStashOverflow = %d, want unchanged %d", c.Size(), sizeBefore)
	}
	if c.StashSize() != stashBefore {
		t.Errorf("StashSize() after ErrStashOverflow = %d, want unchanged %d", c.StashSize(), stashBefore)
	}
	if _, ok := c.posMap.Get(0); ok {
		t.Error("posMap retained an entry for id 0 after a failed Store() that never reached SetPath")
	}
	if _, ok := c.stash.Get(0); ok {
		t.Error("stash retained id 0's entry after a failed Store() that never reached SetPath")
	}
}

func int64Ptr(v int64) *int64 { return &v }
