package ids

import "testing"

func TestValid(t *testing.T) {
	if id := New(); !Valid(id) || !Valid(" "+id+" ") {
		t.Fatalf("fresh id %q rejected", id)
	}
	for _, s := range []string{"", "   ", "user-1", "01ARZ3NDEKTSV4RRFFQ69G5FAVX", "01ARZ3NDEKTSV4RRFFQ69G5FA!"} {
		if Valid(s) {
			t.Fatalf("Valid(%q) = true", s)
		}
	}
}

func TestNewIsMonotonic(t *testing.T) {
	prev := New()
	for i := 0; i < 100; i++ {
		next := New()
		if next <= prev {
			t.Fatalf("ids not increasing: %s then %s", prev, next)
		}
		prev = next
	}
}
