package chain

import "fmt"

// Pack splits items into batches of at most maxPerBatch items, each
// fitting within MaxTransactionSize together with prefix (compute budget
// and similar per-transaction instructions). An item is a group of
// instructions that must land in the same transaction.
func Pack(payer PublicKey, prefix []Instruction, items [][]Instruction, maxPerBatch int) ([][]Instruction, error) {
	if maxPerBatch < 1 {
		maxPerBatch = 1
	}
	var (
		batches [][]Instruction
		cur     []Instruction
		count   int
	)
	flush := func() {
		if count > 0 {
			batches = append(batches, cur)
		}
		cur, count = nil, 0
	}
	for i, item := range items {
		if count >= maxPerBatch {
			flush()
		}
		candidate := append(append(append([]Instruction{}, prefix...), cur...), item...)
		size, err := EstimateSize(payer, candidate)
		if err != nil {
			return nil, err
		}
		if size > MaxTransactionSize {
			if count == 0 {
				return nil, fmt.Errorf("chain: item %d alone is %d bytes, limit %d", i, size, MaxTransactionSize)
			}
			flush()
			single, err := EstimateSize(payer, append(append([]Instruction{}, prefix...), item...))
			if err != nil {
				return nil, err
			}
			if single > MaxTransactionSize {
				return nil, fmt.Errorf("chain: item %d alone is %d bytes, limit %d", i, single, MaxTransactionSize)
			}
		}
		cur = append(cur, item...)
		count++
	}
	flush()
	return batches, nil
}

// Chunk splits n items into consecutive index ranges of at most size.
func Chunk(n, size int) [][2]int {
	if size < 1 {
		size = 1
	}
	var out [][2]int
	for lo := 0; lo < n; lo += size {
		hi := lo + size
		if hi > n {
			hi = n
		}
		out = append(out, [2]int{lo, hi})
	}
	return out
}
