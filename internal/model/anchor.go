package model

// TextAnchor references a substring of a node's response text. Exact is the
// ground truth; offsets are UTF-16 code-unit hints and Prefix/Suffix are
// disambiguation context.
type TextAnchor struct {
	Exact       string `json:"exact"`
	StartOffset *int   `json:"start_offset,omitempty"`
	EndOffset   *int   `json:"end_offset,omitempty"`
	Prefix      string `json:"prefix,omitempty"`
	Suffix      string `json:"suffix,omitempty"`
}

// HasOffsets reports whether both offset hints are present.
func (a TextAnchor) HasOffsets() bool {
	return a.StartOffset != nil && a.EndOffset != nil
}

// Clone returns a copy that shares no pointers with a.
func (a TextAnchor) Clone() TextAnchor {
	c := a
	if a.StartOffset != nil {
		v := *a.StartOffset
		c.StartOffset = &v
	}
	if a.EndOffset != nil {
		v := *a.EndOffset
		c.EndOffset = &v
	}
	return c
}

// Range is a half-open [Start, End) span in UTF-16 code units.
type Range struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// Len returns the number of code units covered.
func (r Range) Len() int {
	return r.End - r.Start
}
