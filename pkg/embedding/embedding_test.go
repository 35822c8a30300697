package embedding

import (
	"math"
	"reflect"
	"testing"
)

func TestEmbed_DeterministicAndNormalized(t *testing.T) {
	t.Cleanup(func() { SetEmbedderByName("") })

	for _, name := range []string{"chargram", "hash"} {
		SetEmbedderByName(name)

		a := Embed("the quick brown fox")
		b := Embed("the quick brown fox")
		if !reflect.DeepEqual(a, b) {
			t.Fatalf("%s: same text must embed identically", name)
		}
		if n := Norm(a); math.Abs(n-1) > 1e-5 {
			t.Fatalf("%s: vector norm %v, want 1", name, n)
		}
	}
}

func TestEmbed_SimilarTextScoresHigher(t *testing.T) {
	t.Cleanup(func() { SetEmbedderByName("") })
	SetEmbedderByName("chargram")

	query := Embed("dark roast coffee preference")
	near := Embed("the user prefers dark roast coffee")
	far := Embed("kubernetes cluster autoscaling configuration")

	if Cosine(query, near) <= Cosine(query, far) {
		t.Fatalf("similar text must score higher: near=%v far=%v",
			Cosine(query, near), Cosine(query, far))
	}
}

func TestCosine_Edges(t *testing.T) {
	if got := Cosine(nil, []float32{1}); got != 0 {
		t.Fatalf("empty vector cosine = %v, want 0", got)
	}
	v := []float32{1, 0, 0}
	if got := Cosine(v, v); math.Abs(got-1) > 1e-9 {
		t.Fatalf("self cosine = %v, want 1", got)
	}
}

func TestSetEmbedderByName_UnknownFallsBack(t *testing.T) {
	t.Cleanup(func() { SetEmbedderByName("") })

	SetEmbedderByName("nonexistent-model")
	if got := Current().ModelID(); got != "recall-chargram-384-v1" {
		t.Fatalf("unknown model fell back to %q", got)
	}
}

func TestTokenize(t *testing.T) {
	got := Tokenize("Hello, World! foo_bar-baz 42")
	want := []string{"hello", "world", "foo_bar-baz", "42"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Tokenize = %v, want %v", got, want)
	}
}
