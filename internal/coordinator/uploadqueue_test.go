package coordinator

import "testing"

func TestUploadQueueEnqueueTracksInFlight(t *testing.T) {
	q := newUploadQueue()
	p := addr(1)

	q.enqueue(0, 0, p)
	q.enqueue(0, 16384, p)

	if q.inFlightCount(p) != 2 {
		t.Fatalf("expected in-flight count 2, got %d", q.inFlightCount(p))
	}
	if q.len() != 2 {
		t.Fatalf("expected queue length 2, got %d", q.len())
	}
}

func TestUploadQueueCompleteFirstMatch(t *testing.T) {
	q := newUploadQueue()
	p1, p2 := addr(1), addr(2)

	q.enqueue(0, 0, p1)
	q.enqueue(0, 0, p2) // same (idx,begin) from a different peer session

	who, ok := q.complete(0, 0)
	if !ok || who != p1 {
		t.Fatalf("expected first match p1, got %v ok=%v", who, ok)
	}
	if q.inFlightCount(p1) != 0 {
		t.Fatalf("expected p1 in-flight decremented to 0")
	}
	if q.inFlightCount(p2) != 1 {
		t.Fatalf("expected p2 in-flight untouched at 1")
	}
	if q.len() != 1 {
		t.Fatalf("expected 1 entry remaining, got %d", q.len())
	}
}

func TestUploadQueueCompleteNoMatch(t *testing.T) {
	q := newUploadQueue()
	if _, ok := q.complete(5, 5); ok {
		t.Fatalf("expected no match on empty queue")
	}
}

func TestUploadQueueRemoveAllForPeer(t *testing.T) {
	q := newUploadQueue()
	p1, p2 := addr(1), addr(2)

	q.enqueue(0, 0, p1)
	q.enqueue(1, 0, p1)
	q.enqueue(2, 0, p2)

	q.removeAllForPeer(p1)

	if q.inFlightCount(p1) != 0 {
		t.Fatalf("expected p1 in-flight cleared")
	}
	if q.len() != 1 {
		t.Fatalf("expected 1 entry left, got %d", q.len())
	}
}
