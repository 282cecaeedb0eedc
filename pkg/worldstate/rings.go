package worldstate

// AppendRing appends items to ring and drops from the front so at most
// capacity elements remain. capacity <= 0 means unbounded.
func AppendRing[T any](ring []T, capacity int, items ...T) []T {
	ring = append(ring, items...)
	if capacity > 0 && len(ring) > capacity {
		ring = ring[len(ring)-capacity:]
	}
	return ring
}

// HasProcessedEvent reports whether eventID is in the processed ring.
func (s *Snapshot) HasProcessedEvent(eventID string) bool {
	for _, id := range s.ProcessedEventIDs {
		if id == eventID {
			return true
		}
	}
	return false
}

// MarkProcessed appends eventID to the processed ring. Duplicates are
// ignored so the ring never holds the same id twice.
func (s *Snapshot) MarkProcessed(eventID string) {
	if eventID == "" || s.HasProcessedEvent(eventID) {
		return
	}
	s.ProcessedEventIDs = AppendRing(s.ProcessedEventIDs, ProcessedEventCap, eventID)
}
