package allocator

import "fmt"

// Candidate is a Ready worker with at least one free slot
type Candidate struct {
	WorkerID string
	Free     int
	Capacity int
}

// Policy orders candidates: it reports whether a should be tried before b.
// Ties must be broken deterministically.
type Policy func(a, b Candidate) bool

// BestFit prefers the worker with the fewest free slots, so partly used
// workers fill up before empty ones are touched.
func BestFit(a, b Candidate) bool {
	if a.Free != b.Free {
		return a.Free < b.Free
	}
	return a.WorkerID < b.WorkerID
}

// Spread prefers the emptiest worker, spreading a job across its fleet.
func Spread(a, b Candidate) bool {
	if a.Free != b.Free {
		return a.Free > b.Free
	}
	return a.WorkerID < b.WorkerID
}

// PolicyByName resolves a configured policy name
func PolicyByName(name string) (Policy, error) {
	switch name {
	case "", "best-fit", "bestfit":
		return BestFit, nil
	case "spread":
		return Spread, nil
	default:
		return nil, fmt.Errorf("unknown packing policy %q", name)
	}
}
