package chain

import (
	"context"
	"log/slog"
	"sort"
	"sync"
)

// Fleet snapshots every configured treasury in parallel, one goroutine
// per chain (bounded concurrency = chain count).
type Fleet struct {
	readers []*Reader
	logger  *slog.Logger
}

// NewFleet groups per-chain readers.
func NewFleet(readers []*Reader, logger *slog.Logger) *Fleet {
	return &Fleet{readers: readers, logger: logger}
}

// SnapshotAll reads every chain concurrently. Any chain failing after
// RPC-layer retries fails the whole call; partial results are discarded
// so a run never persists a half-read treasury view.
func (f *Fleet) SnapshotAll(ctx context.Context) ([]*Snapshot, error) {
	type result struct {
		snap *Snapshot
		err  error
	}

	results := make([]result, len(f.readers))
	var wg sync.WaitGroup
	for i, r := range f.readers {
		wg.Add(1)
		go func(i int, r *Reader) {
			defer wg.Done()
			snap, err := r.Snapshot(ctx)
			if err != nil {
				f.logger.Error("treasury snapshot failed", "chain_id", r.ChainID(), "error", err)
			}
			results[i] = result{snap: snap, err: err}
		}(i, r)
	}
	wg.Wait()

	snaps := make([]*Snapshot, 0, len(results))
	for _, res := range results {
		if res.err != nil {
			return nil, res.err
		}
		snaps = append(snaps, res.snap)
	}

	// Stable order regardless of goroutine completion.
	sort.Slice(snaps, func(i, j int) bool { return snaps[i].ChainID < snaps[j].ChainID })
	return snaps, nil
}

// Close releases every reader.
func (f *Fleet) Close() {
	for _, r := range f.readers {
		r.Close()
	}
}
