// Package embedding provides local deterministic text embedders used by the
// chunk pipeline and the retrieval engine. The retrieval contract only
// requires a stable vector space with cosine similarity; callers may swap in
// a provider-backed Embedder through SetEmbedder.
package embedding

import (
	"hash/fnv"
	"math"
	"regexp"
	"strings"
	"sync/atomic"
)

type Embedder interface {
	ModelID() string
	Embed(text string) []float32
}

const (
	defaultModel = "recall-chargram-384-v1"
	hashModel    = "recall-hash-256-v1"
)

var tokenPattern = regexp.MustCompile(`[A-Za-z0-9_\-]+`)

type hashEmbedder struct {
	dims    int
	modelID string
}

func (e *hashEmbedder) ModelID() string { return e.modelID }

func (e *hashEmbedder) Embed(text string) []float32 {
	vec := make([]float32, e.dims)
	for _, token := range Tokenize(text) {
		h := fnv.New64a()
		_, _ = h.Write([]byte(token))
		sum := h.Sum64()
		idx := int(sum % uint64(e.dims))
		sign := float32(1)
		if sum&1 == 1 {
			sign = -1
		}
		weight := float32(1 + (len(token) / 8))
		vec[idx] += sign * weight
	}
	Normalize(vec)
	return vec
}

type chargramEmbedder struct {
	dims    int
	modelID string
}

func (e *chargramEmbedder) ModelID() string { return e.modelID }

func (e *chargramEmbedder) Embed(text string) []float32 {
	vec := make([]float32, e.dims)
	normalized := strings.ToLower(strings.TrimSpace(text))
	if normalized == "" {
		return vec
	}
	window := "#" + normalized + "#"
	for i := 0; i+3 <= len(window); i++ {
		gram := window[i : i+3]
		h := fnv.New64a()
		_, _ = h.Write([]byte(gram))
		sum := h.Sum64()
		idx := int(sum % uint64(e.dims))
		vec[idx] += 1
	}
	for _, token := range Tokenize(normalized) {
		h := fnv.New64a()
		_, _ = h.Write([]byte("tok:" + token))
		sum := h.Sum64()
		idx := int(sum % uint64(e.dims))
		vec[idx] += 1.25
	}
	Normalize(vec)
	return vec
}

type embedderState struct {
	embedder Embedder
}

var active atomic.Pointer[embedderState]

func init() {
	SetEmbedderByName(defaultModel)
}

// SetEmbedderByName selects one of the built-in embedders. Unknown names
// fall back to the default chargram model.
func SetEmbedderByName(name string) {
	name = strings.ToLower(strings.TrimSpace(name))
	switch name {
	case "", defaultModel, "chargram", "chargram-384":
		SetEmbedder(&chargramEmbedder{dims: 384, modelID: defaultModel})
	case hashModel, "hash", "hash-256":
		SetEmbedder(&hashEmbedder{dims: 256, modelID: hashModel})
	default:
		SetEmbedder(&chargramEmbedder{dims: 384, modelID: defaultModel})
	}
}

func SetEmbedder(embedder Embedder) {
	if embedder == nil {
		embedder = &chargramEmbedder{dims: 384, modelID: defaultModel}
	}
	active.Store(&embedderState{embedder: embedder})
}

// Current returns the active embedder.
func Current() Embedder {
	st := active.Load()
	if st == nil || st.embedder == nil {
		def := &chargramEmbedder{dims: 384, modelID: defaultModel}
		active.Store(&embedderState{embedder: def})
		return def
	}
	return st.embedder
}

// Embed embeds text with the active embedder.
func Embed(text string) []float32 {
	return Current().Embed(text)
}

func Tokenize(text string) []string {
	text = strings.ToLower(text)
	matches := tokenPattern.FindAllString(text, -1)
	if len(matches) == 0 {
		return []string{text}
	}
	return matches
}

func Norm(vec []float32) float64 {
	if len(vec) == 0 {
		return 0
	}
	var sum float64
	for _, v := range vec {
		sum += float64(v * v)
	}
	return math.Sqrt(sum)
}

func Normalize(vec []float32) {
	n := Norm(vec)
	if n == 0 {
		return
	}
	inv := float32(1.0 / n)
	for i := range vec {
		vec[i] *= inv
	}
}

// Cosine computes the dot product of two normalized vectors.
func Cosine(a, b []float32) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var dot float64
	for i := 0; i < n; i++ {
		dot += float64(a[i] * b[i])
	}
	return dot
}
