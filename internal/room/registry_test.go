package room

import "testing"

func TestRegisterRejectsDuplicate(t *testing.T) {
	r := NewRegistry()

	if _, err := r.Register("a"); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if _, err := r.Register("a"); err != ErrDuplicateConnection {
		t.Fatalf("second Register = %v, want ErrDuplicateConnection", err)
	}
}

func TestUnregisterReportsRoomAndIsIdempotent(t *testing.T) {
	r := NewRegistry()

	if _, err := r.Register("a"); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if _, ok := r.swapRoom("a", "standup"); !ok {
		t.Fatal("swapRoom failed for registered connection")
	}

	roomID, ok := r.Unregister("a")
	if !ok || roomID != "standup" {
		t.Fatalf("Unregister = (%q, %v), want (standup, true)", roomID, ok)
	}

	if _, ok := r.Unregister("a"); ok {
		t.Error("second Unregister must report ok=false")
	}
	if r.Len() != 0 {
		t.Errorf("Len = %d, want 0", r.Len())
	}
}

func TestClearRoomIsCompareAndSwap(t *testing.T) {
	r := NewRegistry()

	if _, err := r.Register("a"); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if _, ok := r.swapRoom("a", "standup"); !ok {
		t.Fatal("swapRoom failed")
	}

	if r.clearRoom("a", "other") {
		t.Error("clearRoom with stale room id must fail")
	}
	if current, _ := r.CurrentRoom("a"); current != "standup" {
		t.Errorf("CurrentRoom = %q, want standup", current)
	}

	if !r.clearRoom("a", "standup") {
		t.Error("clearRoom with matching room id must succeed")
	}
	if r.clearRoom("a", "standup") {
		t.Error("second clearRoom must fail, reference already cleared")
	}
}
