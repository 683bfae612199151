// Package idgen provides short, URL-safe unique IDs for graphs, nodes, edges
// and dispatcher jobs, backed by nanoid.
package idgen

import (
	"fmt"

	nanoid "github.com/matoous/go-nanoid/v2"
)

// Kind selects the prefix of a generated ID so ids are self-describing in
// logs and event subjects.
type Kind string

const (
	KindGraph Kind = "g-"
	KindNode  Kind = "n-"
	KindEdge  Kind = "e-"
	KindJob   Kind = "j-"
)

// Alphabet defines the character set used for the random portion of the ID.
// It contains no '.' so ids are safe inside NATS subjects.
var Alphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// Length is the number of random characters generated (excluding the prefix).
var Length = 12

// New returns a new unique ID of the given kind.
func New(kind Kind) (string, error) {
	return GenerateWithPrefix(string(kind))
}

// MustNew is New for callers that cannot meaningfully recover from a broken
// random source.
func MustNew(kind Kind) string {
	id, err := New(kind)
	if err != nil {
		panic(err)
	}
	return id
}

// GenerateWithPrefix returns a new unique ID with the given prefix.
func GenerateWithPrefix(prefix string) (string, error) {
	id, err := nanoid.Generate(Alphabet, Length)
	if err != nil {
		return "", fmt.Errorf("idgen: %w", err)
	}
	return prefix + id, nil
}
