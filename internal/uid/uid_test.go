package uid

import "testing"

func TestNewProducesDistinctHexStrings(t *testing.T) {
	a := New()
	b := New()

	if len(a) != 32 || len(b) != 32 {
		t.Errorf("lengths = %d, %d, want 32", len(a), len(b))
	}
	if a == b {
		t.Error("expected two calls to New to produce distinct IDs")
	}
	for _, r := range a {
		if !((r >= '0' && r <= '9') || (r >= 'a' && r <= 'f')) {
			t.Errorf("New() = %q, contains non-hex character %q", a, r)
		}
	}
}
