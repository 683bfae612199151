package anchor

import (
	"testing"

	"github.com/alfredjeanlab/convgraph/internal/model"
)

func intPtr(v int) *int { return &v }

const sky = "The sky is blue because of Rayleigh scattering."

func TestResolve(t *testing.T) {
	tests := []struct {
		name   string
		source string
		anchor model.TextAnchor
		want   model.Range
		kind   model.ErrorKind
	}{
		{
			name:   "unique occurrence",
			source: sky,
			anchor: model.TextAnchor{Exact: "Rayleigh scattering"},
			want:   model.Range{Start: 27, End: 46},
		},
		{
			name:   "matching offsets win",
			source: "cat cat cat",
			anchor: model.TextAnchor{Exact: "cat", StartOffset: intPtr(4), EndOffset: intPtr(7)},
			want:   model.Range{Start: 4, End: 7},
		},
		{
			name:   "stale offsets fall back to search",
			source: sky,
			anchor: model.TextAnchor{Exact: "blue", StartOffset: intPtr(0), EndOffset: intPtr(4)},
			want:   model.Range{Start: 11, End: 15},
		},
		{
			name:   "offsets spanning the wrong length fall back to search",
			source: sky,
			anchor: model.TextAnchor{Exact: "blue", StartOffset: intPtr(11), EndOffset: intPtr(14)},
			want:   model.Range{Start: 11, End: 15},
		},
		{
			name:   "out of range offsets are ignored",
			source: sky,
			anchor: model.TextAnchor{Exact: "sky", StartOffset: intPtr(90), EndOffset: intPtr(93)},
			want:   model.Range{Start: 4, End: 7},
		},
		{
			name:   "prefix disambiguates",
			source: "red apple, green apple",
			anchor: model.TextAnchor{Exact: "apple", Prefix: "green "},
			want:   model.Range{Start: 17, End: 22},
		},
		{
			name:   "suffix disambiguates",
			source: "go fast. go slow.",
			anchor: model.TextAnchor{Exact: "go", Suffix: "  slow"},
			want:   model.Range{Start: 9, End: 11},
		},
		{
			name:   "utf16 offsets past astral characters",
			source: "😀 hi 😀 there",
			anchor: model.TextAnchor{Exact: "there"},
			want:   model.Range{Start: 9, End: 14},
		},
		{
			name:   "utf16 offset hint past astral characters",
			source: "😀 hi 😀 hi",
			anchor: model.TextAnchor{Exact: "hi", StartOffset: intPtr(9), EndOffset: intPtr(11)},
			want:   model.Range{Start: 9, End: 11},
		},
		{
			name:   "not found",
			source: sky,
			anchor: model.TextAnchor{Exact: "Mie scattering"},
			kind:   model.KindAnchorUnresolved,
		},
		{
			name:   "ambiguous without context",
			source: "cat cat",
			anchor: model.TextAnchor{Exact: "cat"},
			kind:   model.KindAnchorUnresolved,
		},
		{
			name:   "ambiguous after context",
			source: "a cat a cat",
			anchor: model.TextAnchor{Exact: "cat", Prefix: "a"},
			kind:   model.KindAnchorUnresolved,
		},
		{
			name:   "empty exact is malformed",
			source: sky,
			anchor: model.TextAnchor{},
			kind:   model.KindValidation,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Resolve(tt.source, tt.anchor)
			if tt.kind != "" {
				if !model.IsKind(err, tt.kind) {
					t.Fatalf("Resolve() error = %v, want kind %s", err, tt.kind)
				}
				return
			}
			if err != nil {
				t.Fatalf("Resolve() error: %v", err)
			}
			if got != tt.want {
				t.Errorf("Resolve() = %+v, want %+v", got, tt.want)
			}
			if s := Slice(tt.source, got); s != tt.anchor.Exact {
				t.Errorf("Slice() = %q, want %q", s, tt.anchor.Exact)
			}
		})
	}
}

func TestResolve_Idempotent(t *testing.T) {
	a := model.TextAnchor{Exact: "apple", Suffix: ", green"}
	src := "red apple, green apple"
	first, err := Resolve(src, a)
	if err != nil {
		t.Fatalf("Resolve() error: %v", err)
	}
	for i := 0; i < 10; i++ {
		got, err := Resolve(src, a)
		if err != nil || got != first {
			t.Fatalf("iteration %d: Resolve() = %+v, %v; want %+v", i, got, err, first)
		}
	}
}

func TestLen(t *testing.T) {
	if got := Len("😀a"); got != 3 {
		t.Errorf("Len() = %d, want 3", got)
	}
}
