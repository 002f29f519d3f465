package sessionizer

import (
	"context"
	"sync"
	"time"

	"Go2NetSession/internal/model"
)

// Sessionize splits every group into sessions on a pool of numWorkers
// goroutines. Groups share no state, so each worker handles whole groups.
//
// The result is ordered by peer pair key and then chronologically within a
// pair, independent of how the groups were scheduled. If ctx is cancelled no
// further groups are dispatched; the sessions of the groups already finished
// are returned together with ctx.Err().
func Sessionize(ctx context.Context, groups *Groups, idle time.Duration, numWorkers int) ([]model.Session, error) {
	keys := groups.Keys()
	if len(keys) == 0 {
		return nil, ctx.Err()
	}
	if numWorkers <= 0 {
		numWorkers = 1
	}
	if numWorkers > len(keys) {
		numWorkers = len(keys)
	}

	// Each key index owns one result slot, so workers never write to the same slot.
	results := make([][]model.Session, len(keys))
	jobs := make(chan int, numWorkers)

	var wg sync.WaitGroup
	wg.Add(numWorkers)
	for i := 0; i < numWorkers; i++ {
		go func() {
			defer wg.Done()
			for idx := range jobs {
				key := keys[idx]
				results[idx] = Split(key, groups.Timestamps(key), idle)
			}
		}()
	}

dispatch:
	for idx := range keys {
		select {
		case <-ctx.Done():
			break dispatch
		case jobs <- idx:
		}
	}
	close(jobs)
	wg.Wait()

	total := 0
	for _, r := range results {
		total += len(r)
	}
	sessions := make([]model.Session, 0, total)
	for _, r := range results {
		sessions = append(sessions, r...)
	}
	return sessions, ctx.Err()
}
