package repos

import (
	"strings"
	"testing"

	"sos-mesh-relay/api/internal/store"
)

func TestBoxWhere(t *testing.T) {
	got := boxWhere(3)
	for _, want := range []string{"latitude BETWEEN $3 AND $4", "longitude BETWEEN $5 AND $6", "$5::float8 > $6::float8", "longitude >= $5 OR longitude <= $6"} {
		if !strings.Contains(got, want) {
			t.Fatalf("%q missing %q", got, want)
		}
	}
	box := store.NewBoundingBox(0, 179.5, 111)
	args := boxArgs(box)
	if len(args) != 4 || args[2].(float64) <= args[3].(float64) {
		t.Fatalf("wrapped box args = %v", args)
	}
}
