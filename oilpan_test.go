// ABOUTME: Tests for the root oilpan package
// ABOUTME: Verifies version metadata and package importability

package oilpan_test

import (
	"testing"

	"github.com/prateek/oilpan"
)

func TestVersion(t *testing.T) {
	if oilpan.Version == "" {
		t.Error("Version constant should not be empty")
	}
	expectedPrefix := "0."
	if len(oilpan.Version) < len(expectedPrefix) || oilpan.Version[:len(expectedPrefix)] != expectedPrefix {
		t.Errorf("Version should start with %q, got %q", expectedPrefix, oilpan.Version)
	}
}
