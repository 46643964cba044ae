package availability

import "testing"

func TestMoveAndFirstNonEmpty(t *testing.T) {
	b := NewBucket(5, 8)

	if a, ok := b.FirstNonEmpty(); !ok || a != 0 {
		t.Fatalf("initial FirstNonEmpty = (%d, %v), want (0, true)", a, ok)
	}

	b.Move(2, 1)
	b.Move(2, 1)
	if got := b.Availability(2); got != 2 {
		t.Fatalf("Availability(2) = %d, want 2", got)
	}

	bucket0 := b.Bucket(0)
	if len(bucket0) != 4 {
		t.Fatalf("bucket 0 has %d items, want 4", len(bucket0))
	}
	bucket2 := b.Bucket(2)
	if len(bucket2) != 1 || bucket2[0] != 2 {
		t.Fatalf("bucket 2 = %v, want [2]", bucket2)
	}
}

func TestMoveClampsToRange(t *testing.T) {
	b := NewBucket(3, 2)

	b.Move(0, -5)
	if got := b.Availability(0); got != 0 {
		t.Fatalf("Availability(0) = %d, want clamped to 0", got)
	}

	for i := 0; i < 10; i++ {
		b.Move(0, 1)
	}
	if got := b.Availability(0); got != 2 {
		t.Fatalf("Availability(0) = %d, want clamped to maxAvail=2", got)
	}
}

func TestFirstNonEmptyAfterDrain(t *testing.T) {
	b := NewBucket(2, 4)

	b.Move(0, 1)
	b.Move(1, 1)
	if a, _ := b.FirstNonEmpty(); a != 1 {
		t.Fatalf("FirstNonEmpty = %d, want 1 (level 0 now empty)", a)
	}

	b.Move(0, -1)
	b.Move(1, -1)
	if a, ok := b.FirstNonEmpty(); !ok || a != 0 {
		t.Fatalf("FirstNonEmpty after drain = (%d, %v), want (0, true)", a, ok)
	}
}
