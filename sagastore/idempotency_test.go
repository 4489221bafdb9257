package sagastore

import "testing"

func TestSeenAndRecordReportsDuplicates(t *testing.T) {
	idem := NewIdempotency(4)

	if idem.SeenAndRecord("s1", "e1") {
		t.Fatalf("first delivery of e1 should not be marked seen")
	}
	if !idem.SeenAndRecord("s1", "e1") {
		t.Fatalf("second delivery of e1 should be marked seen")
	}
	if idem.SeenAndRecord("s1", "e2") {
		t.Fatalf("distinct event e2 should not be marked seen")
	}
}

func TestSeenAndRecordIsScopedPerSaga(t *testing.T) {
	idem := NewIdempotency(4)

	if idem.SeenAndRecord("s1", "e1") {
		t.Fatalf("s1/e1 should be new")
	}
	if idem.SeenAndRecord("s2", "e1") {
		t.Fatalf("s2/e1 should be new even though s1/e1 was seen")
	}
}

func TestWindowEvictsOldestEntries(t *testing.T) {
	idem := NewIdempotency(2)

	idem.SeenAndRecord("s", "e1")
	idem.SeenAndRecord("s", "e2")
	idem.SeenAndRecord("s", "e3") // evicts e1

	if idem.SeenAndRecord("s", "e1") {
		t.Fatalf("e1 should have been evicted and treated as new again")
	}
}
