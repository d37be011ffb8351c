package ids

import (
	"sort"
	"strings"
	"testing"
)

func TestSumDeterministic(t *testing.T) {
	a := Sum(KindFile, []byte("canonical bytes"))
	b := Sum(KindFile, []byte("canonical bytes"))
	if a != b {
		t.Error("Same canonical bytes should produce same ID")
	}

	c := Sum(KindFile, []byte("different bytes"))
	if a == c {
		t.Error("Different canonical bytes should produce different IDs")
	}

	d := Sum(KindDirectory, []byte("canonical bytes"))
	if a == d {
		t.Error("Same bytes under different kinds should produce different IDs")
	}
	if a.Digest() != d.Digest() {
		t.Error("Digest depends only on bytes, not on kind")
	}
}

func TestParseRoundTrip(t *testing.T) {
	for _, kind := range []Kind{
		KindDirectory, KindFile, KindSymlink, KindGraph,
		KindCommand, KindBlob, KindProcess, KindError,
	} {
		id := Sum(kind, []byte("x"))
		s := id.String()
		if !strings.HasPrefix(s, kind.Tag()+"_") {
			t.Errorf("String() = %q, want prefix %q", s, kind.Tag()+"_")
		}

		parsed, err := Parse(s)
		if err != nil {
			t.Fatalf("Parse(%q) failed: %v", s, err)
		}
		if parsed != id {
			t.Errorf("Parse(String()) = %v, want %v", parsed, id)
		}

		classified, err := ClassifyTag(s)
		if err != nil {
			t.Fatalf("ClassifyTag(%q) failed: %v", s, err)
		}
		if classified != kind {
			t.Errorf("ClassifyTag(%q) = %v, want %v", s, classified, kind)
		}
	}
}

func TestParseInvalid(t *testing.T) {
	cases := []string{
		"",
		"dir",
		"dir_",
		"dir_zz",
		"xyz_" + strings.Repeat("00", DigestLen),
		"dir-" + strings.Repeat("00", DigestLen),
		"dir_" + strings.Repeat("0", 2*DigestLen-1),
		"dir_" + strings.Repeat("zz", DigestLen),
	}
	for _, s := range cases {
		if _, err := Parse(s); err == nil {
			t.Errorf("Parse(%q) should fail", s)
		}
	}
}

func TestCompareMatchesTextualOrder(t *testing.T) {
	idSet := []ID{
		Sum(KindBlob, []byte("a")),
		Sum(KindDirectory, []byte("b")),
		Sum(KindProcess, []byte("c")),
		Sum(KindFile, []byte("d")),
	}

	byCompare := append([]ID(nil), idSet...)
	sort.Slice(byCompare, func(i, j int) bool { return Compare(byCompare[i], byCompare[j]) < 0 })

	byText := append([]ID(nil), idSet...)
	sort.Slice(byText, func(i, j int) bool { return byText[i].String() < byText[j].String() })

	for i := range byCompare {
		if byCompare[i] != byText[i] {
			t.Fatalf("Compare order diverges from textual order at %d", i)
		}
	}
}
