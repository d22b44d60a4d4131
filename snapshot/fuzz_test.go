// ABOUTME: Fuzz tests for snapshot JSON import
// ABOUTME: Import must never panic and accepted input must round-trip

package snapshot

import (
	"bytes"
	"testing"
)

func FuzzImport(f *testing.F) {
	f.Add([]byte(`{"objects":[],"roots":[]}`))
	f.Add([]byte(`{"objects":[{"id":1,"type":"node","size":16,"refs":[2]},{"id":2,"type":"node","size":16}],"roots":[1]}`))
	f.Add([]byte(`{"objects":[{"id":0,"type":"bad","size":1}],"roots":[]}`))
	f.Add([]byte(`{"objects"`))
	f.Add([]byte(`[]`))

	f.Fuzz(func(t *testing.T, data []byte) {
		s, err := Import(bytes.NewReader(data))
		if err != nil {
			return
		}

		// Accepted input must produce a snapshot the analyses can walk
		// and Export can serialize again.
		s.ForEachObject(func(obj *Object) {
			if obj == nil {
				t.Fatal("nil object in imported snapshot")
			}
			if obj.ID == 0 {
				t.Fatal("reserved ID 0 survived import")
			}
			if obj.Refs == nil {
				t.Fatal("nil refs slice after import")
			}
		})
		if s.Roots().IDs == nil {
			t.Fatal("nil roots after import")
		}

		var buf bytes.Buffer
		if err := Export(&buf, s); err != nil {
			t.Fatalf("Export of imported snapshot: %v", err)
		}
		if _, err := Import(&buf); err != nil {
			t.Fatalf("re-Import of exported snapshot: %v", err)
		}
	})
}
