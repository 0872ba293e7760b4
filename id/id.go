// Package id generates prefixed, K-sortable identifiers in the
// "prefix_suffix" TypeID format (e.g. "act_01h2xcejqtf2nbrexx3vqjhp41").
package id

import (
	"fmt"
	"strings"

	"go.jetify.com/typeid/v2"
)

// Prefix identifies the entity type encoded in an id.
type Prefix string

const (
	PrefixActivity   Prefix = "act"   // Activity assigned by the emulated remote
	PrefixRedemption Prefix = "red"   // Redemption assigned by the emulated remote
	PrefixReconcile  Prefix = "recon" // Reconciliation run
)

// New generates a new id with the given prefix.
// It panics if prefix is not a valid TypeID prefix (programming error).
func New(prefix Prefix) string {
	tid, err := typeid.Generate(string(prefix))
	if err != nil {
		panic(fmt.Sprintf("id: invalid prefix %q: %v", prefix, err))
	}
	return tid.String()
}

// HasPrefix reports whether s parses as a TypeID with the given prefix.
func HasPrefix(s string, prefix Prefix) bool {
	if !strings.HasPrefix(s, string(prefix)+"_") {
		return false
	}
	_, err := typeid.Parse(s)
	return err == nil
}
