// Package chunker implements the C8 text chunker from spec.md §4.7: split
// an arbitrary text input into a sequence of token-bounded, semantically
// coherent Chunks. Grounded on spec.md §4.7's numbered algorithm directly —
// no pack repo ships a semantic chunker to imitate structurally — using the
// same constructor-injected collaborator style as the rest of the core
// (e.g. internal/embedqueue.Queue taking an EmbeddingService).
package chunker

import (
	"context"
	"math"
	"regexp"
	"strings"

	"github.com/kittclouds/corekit/internal/errs"
)

// EmbeddingService is the subset of the embedding contract the chunker
// needs: one batch call per input text, per spec.md §4.7's "Dependencies
// consumed".
type EmbeddingService interface {
	GenerateBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// Config controls chunk sizing and segmentation.
type Config struct {
	WindowSize          int
	Overlap             int
	MinChunkSize        int
	MaxChunkSize        int
	SimilarityThreshold float64
}

// ParentPreset is the "parent" chunking profile from spec.md §4.7.
var ParentPreset = Config{WindowSize: 200, Overlap: 50, MinChunkSize: 128, MaxChunkSize: 400, SimilarityThreshold: 0.5}

// ChildPreset is the "child" chunking profile from spec.md §4.7.
var ChildPreset = Config{WindowSize: 30, Overlap: 10, MinChunkSize: 10, MaxChunkSize: 60, SimilarityThreshold: 0.5}

// Chunk is one output segment: token-bounded, sequential, non-overlapping.
type Chunk struct {
	Text            string
	StartTokenIndex int
	EndTokenIndex   int
	TokenCount      int
}

// segment is an intermediate unit: a half-open [start, end) token range
// into the shared tokens slice.
type segment struct {
	start, end int
}

func (s segment) tokenCount() int { return s.end - s.start }

var sentenceTerminalRE = regexp.MustCompile(`[.!?]`)
var sentenceRE = regexp.MustCompile(`[^.!?]+[.!?]+`)

func isStructured(text string) bool {
	return sentenceTerminalRE.MatchString(text)
}

// Split runs the full spec.md §4.7 pipeline: segment, embed, boundary
// detection, grouping, undersized-merge, hard-limit split, normalize.
func Split(ctx context.Context, text string, cfg Config, service EmbeddingService) ([]Chunk, error) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil, nil
	}

	tokens := strings.Fields(trimmed)
	if len(tokens) == 0 {
		return nil, nil
	}

	var segs []segment
	if isStructured(trimmed) {
		segs = segmentStructured(trimmed)
	} else {
		segs = segmentUnstructured(len(tokens), cfg.WindowSize, cfg.Overlap)
	}
	if len(segs) == 0 {
		return nil, nil
	}

	if len(segs) == 1 && segs[0].tokenCount() <= cfg.MaxChunkSize {
		return []Chunk{singleChunk(tokens, segs[0])}, nil
	}

	texts := make([]string, len(segs))
	for i, s := range segs {
		texts[i] = strings.Join(tokens[s.start:s.end], " ")
	}

	vectors, err := service.GenerateBatch(ctx, texts)
	if err != nil {
		return nil, err
	}
	if len(vectors) != len(segs) {
		return nil, errs.New(errs.Corrupt, "chunker: embedding service returned a mismatched vector count")
	}

	sims := adjacentSimilarities(vectors)
	groups := groupBySimilarityAndSize(segs, sims, cfg)
	groups = mergeUndersizedGroups(groups, segs, cfg.MinChunkSize)

	chunks := buildChunks(tokens, segs, groups)
	chunks = enforceMaxChunkSize(chunks, cfg.MaxChunkSize)
	normalizeTokenPositions(chunks)
	return chunks, nil
}

func singleChunk(tokens []string, s segment) Chunk {
	return Chunk{
		Text:            strings.Join(tokens[s.start:s.end], " "),
		StartTokenIndex: 0,
		EndTokenIndex:   s.tokenCount(),
		TokenCount:      s.tokenCount(),
	}
}

// segmentStructured splits text on sentence-terminal punctuation; any
// trailing fragment lacking terminal punctuation becomes a final segment.
func segmentStructured(text string) []segment {
	var segs []segment
	matches := sentenceRE.FindAllStringIndex(text, -1)
	cursor := 0
	tokenCursor := 0
	for _, m := range matches {
		sentence := text[m[0]:m[1]]
		segs = append(segs, nextSegment(sentence, &tokenCursor))
		cursor = m[1]
	}
	if cursor < len(text) {
		remainder := strings.TrimSpace(text[cursor:])
		if remainder != "" {
			segs = append(segs, nextSegment(remainder, &tokenCursor))
		}
	}
	return segs
}

func nextSegment(s string, tokenCursor *int) segment {
	n := len(strings.Fields(s))
	start := *tokenCursor
	end := start + n
	*tokenCursor = end
	return segment{start: start, end: end}
}

// segmentUnstructured builds sliding windows of windowSize tokens,
// stepping by windowSize-overlap, covering [0, tokenCount).
func segmentUnstructured(tokenCount, windowSize, overlap int) []segment {
	if tokenCount == 0 {
		return nil
	}
	step := windowSize - overlap
	if step <= 0 {
		step = windowSize
	}
	if step <= 0 {
		step = tokenCount
	}

	var segs []segment
	for i := 0; i < tokenCount; {
		end := i + windowSize
		if end > tokenCount {
			end = tokenCount
		}
		segs = append(segs, segment{start: i, end: end})
		if end == tokenCount {
			break
		}
		i += step
	}
	return segs
}

func adjacentSimilarities(vectors [][]float32) []float64 {
	sims := make([]float64, len(vectors)-1)
	for i := 0; i < len(vectors)-1; i++ {
		sims[i] = cosineSimilarity(vectors[i], vectors[i+1])
	}
	return sims
}

func cosineSimilarity(a, b []float32) float64 {
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
	}
	for _, v := range b {
		normB += float64(v) * float64(v)
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// groupBySimilarityAndSize implements spec.md §4.7 step 6-7: a boundary
// falls after segment i when the similarity to segment i+1 drops below
// threshold, or when including segment i+1 would exceed maxChunkSize.
func groupBySimilarityAndSize(segs []segment, sims []float64, cfg Config) [][]int {
	groups := [][]int{{0}}
	currentSize := segs[0].tokenCount()
	for i := 0; i < len(segs)-1; i++ {
		next := segs[i+1]
		boundary := sims[i] < cfg.SimilarityThreshold || currentSize+next.tokenCount() > cfg.MaxChunkSize
		if boundary {
			groups = append(groups, []int{i + 1})
			currentSize = next.tokenCount()
		} else {
			last := len(groups) - 1
			groups[last] = append(groups[last], i+1)
			currentSize += next.tokenCount()
		}
	}
	return groups
}

// mergeUndersizedGroups repeatedly folds any group under minChunkSize into
// a neighbor (the previous group, or the next if it is the first), per
// spec.md §4.7 step 7. A lone remaining group may stay under minChunkSize
// per the trailing-chunk exception in the output contract.
func mergeUndersizedGroups(groups [][]int, segs []segment, minSize int) [][]int {
	groupSize := func(g []int) int {
		n := 0
		for _, idx := range g {
			n += segs[idx].tokenCount()
		}
		return n
	}

	for {
		if len(groups) <= 1 {
			return groups
		}
		mergeAt := -1
		for i, g := range groups {
			if groupSize(g) < minSize {
				mergeAt = i
				break
			}
		}
		if mergeAt == -1 {
			return groups
		}
		if mergeAt == 0 {
			groups[1] = append(append([]int{}, groups[0]...), groups[1]...)
			groups = groups[1:]
		} else {
			groups[mergeAt-1] = append(groups[mergeAt-1], groups[mergeAt]...)
			groups = append(groups[:mergeAt], groups[mergeAt+1:]...)
		}
	}
}

// buildChunks materializes one Chunk per group. Groups are built from segs
// in ascending order, but segmentUnstructured's sliding windows overlap by
// Overlap tokens, so a group's start may fall before the previous group's
// end; clip it to prevEnd so the shared tokens are not duplicated, per
// spec.md §4.7 step 9 ("sliding-window overlap is erased from the result").
func buildChunks(tokens []string, segs []segment, groups [][]int) []Chunk {
	chunks := make([]Chunk, 0, len(groups))
	prevEnd := 0
	for _, g := range groups {
		start := segs[g[0]].start
		end := segs[g[len(g)-1]].end
		if start < prevEnd {
			start = prevEnd
		}
		if end < start {
			end = start
		}
		if end == start {
			// Entirely absorbed by the previous chunk's overlap; contributes
			// no tokens of its own.
			prevEnd = end
			continue
		}
		chunkTokens := tokens[start:end]
		chunks = append(chunks, Chunk{
			Text:       strings.Join(chunkTokens, " "),
			TokenCount: len(chunkTokens),
		})
		prevEnd = end
	}
	return chunks
}

// enforceMaxChunkSize implements spec.md §4.7 step 8: split any chunk
// still over maxChunkSize into equal windows of maxChunkSize tokens.
func enforceMaxChunkSize(chunks []Chunk, maxSize int) []Chunk {
	var out []Chunk
	for _, c := range chunks {
		if c.TokenCount <= maxSize {
			out = append(out, c)
			continue
		}
		toks := strings.Fields(c.Text)
		for i := 0; i < len(toks); i += maxSize {
			end := i + maxSize
			if end > len(toks) {
				end = len(toks)
			}
			piece := toks[i:end]
			out = append(out, Chunk{Text: strings.Join(piece, " "), TokenCount: len(piece)})
		}
	}
	return out
}

// normalizeTokenPositions implements spec.md §4.7 step 9: chunks become
// strictly sequential and non-overlapping regardless of source overlap.
func normalizeTokenPositions(chunks []Chunk) {
	cursor := 0
	for i := range chunks {
		chunks[i].StartTokenIndex = cursor
		chunks[i].EndTokenIndex = cursor + chunks[i].TokenCount
		cursor = chunks[i].EndTokenIndex
	}
}
