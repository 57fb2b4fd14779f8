// Package onnx runs a local token-classification model for PII detection.
// The model-backed detector is compiled only with the onnx build tag; the
// chunking helpers here are shared and tested without it.
package onnx

import (
	"sort"

	"github.com/fedrag/privacy-rag/pii/detectors"
)

const (
	maxSeqLen    = 512
	chunkOverlap = 64
)

// tokenOffset is a [start, end) byte range for one token.
type tokenOffset [2]uint

type tokenChunk struct {
	tokenIDs        []uint32
	offsets         []tokenOffset
	startTokenIndex int
	isFirst         bool
	isLast          bool
}

// chunkTokens splits a token sequence into windows of at most maxSeqLen
// tokens, each overlapping the previous by chunkOverlap tokens.
func chunkTokens(tokenIDs []uint32, offsets []tokenOffset) []tokenChunk {
	if len(tokenIDs) <= maxSeqLen {
		return []tokenChunk{{
			tokenIDs: tokenIDs,
			offsets:  offsets,
			isFirst:  true,
			isLast:   true,
		}}
	}

	stride := maxSeqLen - chunkOverlap
	var chunks []tokenChunk
	for start := 0; start < len(tokenIDs); start += stride {
		end := start + maxSeqLen
		if end > len(tokenIDs) {
			end = len(tokenIDs)
		}
		chunks = append(chunks, tokenChunk{
			tokenIDs:        tokenIDs[start:end],
			offsets:         offsets[start:end],
			startTokenIndex: start,
			isFirst:         start == 0,
			isLast:          end == len(tokenIDs),
		})
		if end == len(tokenIDs) {
			break
		}
	}
	return chunks
}

// mergeChunkEntities flattens per-chunk results, keeping the higher-confidence
// entity when two overlap (as happens in the shared window), and returns them
// ordered by position.
func mergeChunkEntities(perChunk [][]detectors.Entity) []detectors.Entity {
	var all []detectors.Entity
	for _, entities := range perChunk {
		all = append(all, entities...)
	}
	sort.SliceStable(all, func(i, j int) bool {
		if all[i].StartPos != all[j].StartPos {
			return all[i].StartPos < all[j].StartPos
		}
		return all[i].Confidence > all[j].Confidence
	})

	merged := make([]detectors.Entity, 0, len(all))
	for _, e := range all {
		if n := len(merged); n > 0 && e.StartPos < merged[n-1].EndPos && merged[n-1].StartPos < e.EndPos {
			if e.Confidence > merged[n-1].Confidence {
				merged[n-1] = e
			}
			continue
		}
		merged = append(merged, e)
	}
	return merged
}

// byteToRuneIndex maps byte offsets in text to rune offsets.
func byteToRuneIndex(text string) []int {
	index := make([]int, len(text)+1)
	r := -1
	for i := 0; i < len(text); i++ {
		if isRuneStart(text[i]) {
			r++
		}
		index[i] = r
	}
	index[len(text)] = r + 1
	return index
}

func isRuneStart(b byte) bool { return b&0xC0 != 0x80 }
