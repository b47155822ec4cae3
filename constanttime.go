package pathoram

import "crypto/subtle"

// findInStashConstantTime searches the stash without leaking, via timing,
// whether id was present: it always walks every entry. The scan itself is
// constant-time; the data copy on a match is a plain assignment, since
// Block.Data isn't a fixed-width array in memory (only its wire encoding
// is), so a true constant-time byte copy isn't meaningful here.
func (c *Client) findInStashConstantTime(id int) (bool, Block) {
	found := 0
	var result Block
	for _, sid := range c.stash.OrderedIDs() {
		b, _ := c.stash.Get(sid)
		match := subtle.ConstantTimeEq(int32(sid), int32(id))
		found = subtle.ConstantTimeSelect(match, 1, found)
		if match == 1 {
			result = b
		}
	}
	return found == 1, result
}

// inReachConstantTime is inReach without early-exit branching on the
// comparison itself.
func inReachConstantTime(leaf, leafOld, level, treeHeight int) bool {
	base, width := reachRange(leafOld, level, treeHeight)
	geBase := subtle.ConstantTimeLessOrEq(base, leaf)
	ltEnd := subtle.ConstantTimeLessOrEq(leaf+1, base+width)
	return geBase&ltEnd == 1
}

// buildEvictionPathConstantTime performs eviction without timing leaks:
// every stash entry is tested against every level, regardless of outcome.
func (c *Client) buildEvictionPathConstantTime(leafOld int) (Path, []int, error) {
	buckets := make([]Bucket, c.levels)
	filled := make([]int, c.levels)
	for l := range buckets {
		buckets[l] = make(Bucket, c.cfg.BucketSize)
	}

	ids := c.stash.OrderedIDs()
	claimed := make(map[int]bool, len(ids))
	for _, id := range ids {
		leaf, ok := c.posMap.Get(id)
		if !ok {
			continue
		}
		b, _ := c.stash.Get(id)
		placed := 0
		for level := c.treeHeight; level >= 0; level-- {
			canPlace := 0
			if inReachConstantTime(leaf, leafOld, level, c.treeHeight) {
				canPlace = 1
			}
			shouldPlace := canPlace & (1 ^ placed)
			if shouldPlace == 1 && filled[level] < c.cfg.BucketSize {
				ct, err := c.encryptBlock(kindReal, b)
				if err != nil {
					return nil, nil, err
				}
				buckets[level][filled[level]] = ct
				filled[level]++
				placed = 1
			}
		}
		if placed == 1 {
			claimed[id] = true
		}
	}

	order := make([]int, 0, len(claimed))
	for _, id := range ids {
		if claimed[id] {
			order = append(order, id)
		}
	}

	path := make(Path, c.levels)
	for level := 0; level <= c.treeHeight; level++ {
		for filled[level] < c.cfg.BucketSize {
			ct, err := c.encryptBlock(kindDummy, dummyBlock())
			if err != nil {
				return nil, nil, err
			}
			buckets[level][filled[level]] = ct
			filled[level]++
		}
		path[level] = buckets[level]
	}
	return path, order, nil
}
