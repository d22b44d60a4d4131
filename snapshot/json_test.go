// ABOUTME: Tests for JSON export and import of snapshots
// ABOUTME: Round trip, determinism, and malformed input handling

package snapshot

import (
	"bytes"
	"reflect"
	"strings"
	"testing"
)

func TestJSONRoundTrip(t *testing.T) {
	s := buildTestSnapshot()

	var buf bytes.Buffer
	if err := Export(&buf, s); err != nil {
		t.Fatalf("Export: %v", err)
	}
	got, err := Import(&buf)
	if err != nil {
		t.Fatalf("Import: %v", err)
	}

	if got.NumObjects() != s.NumObjects() {
		t.Fatalf("imported %d objects, want %d", got.NumObjects(), s.NumObjects())
	}
	if !reflect.DeepEqual(got.Roots(), s.Roots()) {
		t.Errorf("roots = %v, want %v", got.Roots(), s.Roots())
	}
	for _, id := range []ObjectID{1, 2, 3, 4} {
		want := s.Object(id)
		obj := got.Object(id)
		if obj == nil {
			t.Fatalf("object %d missing after round trip", id)
		}
		if obj.Type != want.Type || obj.Size != want.Size || !reflect.DeepEqual(obj.Refs, want.Refs) {
			t.Errorf("object %d = %+v, want %+v", id, obj, want)
		}
	}
}

func TestExportIsDeterministic(t *testing.T) {
	s := buildTestSnapshot()
	var a, b bytes.Buffer
	if err := Export(&a, s); err != nil {
		t.Fatal(err)
	}
	if err := Export(&b, s); err != nil {
		t.Fatal(err)
	}
	if a.String() != b.String() {
		t.Error("two exports of the same snapshot differ")
	}
}

func TestImportRejectsMalformed(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"Not JSON", "not json at all"},
		{"Reserved ID", `{"objects":[{"id":0,"type":"x","size":8}],"roots":[]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Import(strings.NewReader(tt.input)); err == nil {
				t.Error("Import should fail")
			}
		})
	}
}

func TestImportEmptySnapshot(t *testing.T) {
	s, err := Import(strings.NewReader(`{"objects":[],"roots":[]}`))
	if err != nil {
		t.Fatalf("Import: %v", err)
	}
	if s.NumObjects() != 0 || len(s.Roots().IDs) != 0 {
		t.Error("empty dump should import as empty snapshot")
	}
}
