package fetcher

import (
	"github.com/aleister1102/webtrack/internal/models"
	"github.com/aleister1102/webtrack/internal/urlhandler"
)

// groupBatches slices the source list into fixed-size batches, preserving
// order so shard reruns walk the same sequence.
func groupBatches(sources []models.Source, size int) [][]models.Source {
	if size <= 0 {
		size = 1
	}
	var batches [][]models.Source
	for start := 0; start < len(sources); start += size {
		end := start + size
		if end > len(sources) {
			end = len(sources)
		}
		batches = append(batches, sources[start:end])
	}
	return batches
}

// sameRegisteredDomain reports whether every source in a batch lives under
// one eTLD+1. Hitting the same site from parallel pages trips rate limits,
// so such batches are fetched sequentially instead.
func sameRegisteredDomain(batch []models.Source) bool {
	if len(batch) < 2 {
		return false
	}
	first, err := urlhandler.RegisteredDomain(batch[0].URL)
	if err != nil {
		return false
	}
	for _, src := range batch[1:] {
		domain, err := urlhandler.RegisteredDomain(src.URL)
		if err != nil || domain != first {
			return false
		}
	}
	return true
}
