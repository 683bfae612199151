// Package anchor resolves text anchors against the response text of a node.
//
// Offsets are UTF-16 code units, matching what browser selection APIs report,
// so all indexing happens on the UTF-16 encoding of the source.
package anchor

import (
	"slices"
	"strings"
	"unicode"
	"unicode/utf16"

	"github.com/alfredjeanlab/convgraph/internal/model"
)

// Resolve locates a in source. Exact offsets win when they match; otherwise
// the unique occurrence of a.Exact is used, falling back to prefix/suffix
// disambiguation when there are several. Anything else is an
// anchor_unresolved error.
func Resolve(source string, a model.TextAnchor) (model.Range, error) {
	if a.Exact == "" {
		return model.Range{}, &model.Error{Kind: model.KindValidation, Message: "anchor exact text is required"}
	}

	src := encode(source)
	exact := encode(a.Exact)

	if a.HasOffsets() {
		start, end := *a.StartOffset, *a.EndOffset
		if start >= 0 && end <= len(src) && start <= end && slices.Equal(src[start:end], exact) {
			return model.Range{Start: start, End: end}, nil
		}
	}

	hits := occurrences(src, exact)
	switch len(hits) {
	case 0:
		return model.Range{}, model.Errorf(model.KindAnchorUnresolved, "text %q not found", a.Exact)
	case 1:
		return model.Range{Start: hits[0], End: hits[0] + len(exact)}, nil
	}

	prefix := strings.TrimSpace(a.Prefix)
	suffix := strings.TrimSpace(a.Suffix)
	var survivors []int
	for _, start := range hits {
		end := start + len(exact)
		if prefix != "" {
			before := strings.TrimRightFunc(decode(src[:start]), unicode.IsSpace)
			if !strings.HasSuffix(before, prefix) {
				continue
			}
		}
		if suffix != "" {
			after := strings.TrimLeftFunc(decode(src[end:]), unicode.IsSpace)
			if !strings.HasPrefix(after, suffix) {
				continue
			}
		}
		survivors = append(survivors, start)
	}
	if len(survivors) != 1 {
		return model.Range{}, model.Errorf(model.KindAnchorUnresolved,
			"text %q is ambiguous: %d occurrences, %d after prefix/suffix", a.Exact, len(hits), len(survivors))
	}
	return model.Range{Start: survivors[0], End: survivors[0] + len(exact)}, nil
}

// Slice returns the text of source covered by r, or "" if r is out of range.
func Slice(source string, r model.Range) string {
	src := encode(source)
	if r.Start < 0 || r.End > len(src) || r.Start > r.End {
		return ""
	}
	return decode(src[r.Start:r.End])
}

// Len returns the length of s in UTF-16 code units.
func Len(s string) int {
	return len(encode(s))
}

func encode(s string) []uint16 {
	return utf16.Encode([]rune(s))
}

func decode(u []uint16) string {
	return string(utf16.Decode(u))
}

// occurrences returns the start index of every, possibly overlapping, match
// of needle in haystack.
func occurrences(haystack, needle []uint16) []int {
	var out []int
	n := len(needle)
	for i := 0; i+n <= len(haystack); i++ {
		if haystack[i] == needle[0] && slices.Equal(haystack[i:i+n], needle) {
			out = append(out, i)
		}
	}
	return out
}
