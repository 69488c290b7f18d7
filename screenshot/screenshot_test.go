package screenshot

import (
	"context"
	"testing"
)

func TestLooksLikeGzip(t *testing.T) {
	cases := map[string]bool{
		"H4sIAAAAAAAA//8AAAAAAAAAAAA=": true,
		"H4sICAAAAAAAA/8AAAAAAAAAAAA=": true,
		"not-gzip-at-all":              false,
		"H4s":                          false,
	}
	for in, want := range cases {
		if got := LooksLikeGzip(in); got != want {
			t.Fatalf("LooksLikeGzip(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestPassthrough_NoError(t *testing.T) {
	var p Passthrough
	if err := p.Process(context.Background(), "impl-1", "task-1", "H4sIAAAA=="); err != nil {
		t.Fatal(err)
	}
}
