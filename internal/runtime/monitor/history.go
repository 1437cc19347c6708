package monitor

// pathHistory is a fixed-size ring of completed paths.
type pathHistory struct {
	records []PathRecord
	next    int
	filled  int
}

func newPathHistory(size int) *pathHistory {
	if size <= 0 {
		size = 1000
	}
	return &pathHistory{records: make([]PathRecord, size)}
}

func (h *pathHistory) add(rec PathRecord) {
	h.records[h.next] = rec
	h.next = (h.next + 1) % len(h.records)
	if h.filled < len(h.records) {
		h.filled++
	}
}

func (h *pathHistory) len() int { return h.filled }

// at returns the i-th retained record, 0 being the oldest.
func (h *pathHistory) at(i int) PathRecord {
	idx := h.next - h.filled + i
	if idx < 0 {
		idx += len(h.records)
	}
	return h.records[idx]
}

func (h *pathHistory) values() []PathRecord {
	out := make([]PathRecord, h.filled)
	for i := range out {
		out[i] = h.at(i)
	}
	return out
}
