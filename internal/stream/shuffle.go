package stream

import "math/rand"

// epochOrder builds the deterministic sample visit order for one epoch.
//
// With shuffling on, indices are shuffled within fixed-size blocks and the
// blocks themselves are visited in shuffled order. Blocks keep neighboring
// samples together, so consecutive reads mostly stay within a shard instead
// of touching every shard at once. The permutation depends only on (seed,
// epoch), so a run can be reproduced and every sample appears exactly once.
func epochOrder(n int, shuffle bool, seed int64, epoch int, blockSize int) []int {
	order := make([]int, 0, n)

	if !shuffle {
		for i := 0; i < n; i++ {
			order = append(order, i)
		}
		return order
	}

	rng := rand.New(rand.NewSource(seed + int64(epoch)*0x9E3779B9))

	numBlocks := (n + blockSize - 1) / blockSize
	for _, b := range rng.Perm(numBlocks) {
		lo := b * blockSize
		hi := lo + blockSize
		if hi > n {
			hi = n
		}
		for _, p := range rng.Perm(hi - lo) {
			order = append(order, lo+p)
		}
	}

	return order
}
