package queue

import (
	"container/heap"
	"sync"
	"time"

	"github.com/google/uuid"
)

// entry is one waiting payload in the priority heap. seq breaks ties in
// enqueue order: lower seq was enqueued earlier.
type entry struct {
	payload Payload
	seq     uint64
	index   int
}

// priorityHeap orders by priority descending, then seq ascending: higher
// priority first, ties broken by enqueue order.
type priorityHeap []*entry

func (h priorityHeap) Len() int { return len(h) }
func (h priorityHeap) Less(i, j int) bool {
	if h[i].payload.Priority != h[j].payload.Priority {
		return h[i].payload.Priority > h[j].payload.Priority
	}
	return h[i].seq < h[j].seq
}
func (h priorityHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index, h[j].index = i, j
}
func (h *priorityHeap) Push(x any) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}
func (h *priorityHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

type leased struct {
	reservationID string
	payload       Payload
	reservation   *Reservation
}

// Memory is the default in-memory Adapter. The bound passed to NewMemory,
// if positive, caps the number of waiting payloads; Enqueue past it
// returns ErrQueueFull.
type Memory struct {
	mu       sync.Mutex
	waiting  priorityHeap
	byJobID  map[string]*entry
	leases   map[string]leased // reservationID -> leased payload
	jobLease map[string]string // jobID -> reservationID, while leased
	timers   map[string]*time.Timer

	seq       uint64
	completed int
	failed    int

	bound int
}

// NewMemory constructs an empty in-memory adapter. bound == 0 means
// unbounded.
func NewMemory(bound int) *Memory {
	return &Memory{
		waiting:  priorityHeap{},
		byJobID:  make(map[string]*entry),
		leases:   make(map[string]leased),
		jobLease: make(map[string]string),
		timers:   make(map[string]*time.Timer),
		bound:    bound,
	}
}

func (m *Memory) Enqueue(payload Payload) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.bound > 0 && len(m.waiting) >= m.bound {
		return ErrQueueFull
	}

	e := &entry{payload: payload, seq: m.seq}
	m.seq++
	heap.Push(&m.waiting, e)
	m.byJobID[payload.JobID] = e
	return nil
}

func (m *Memory) Peek(n int) []Payload {
	m.mu.Lock()
	defer m.mu.Unlock()

	if n <= 0 || n > len(m.waiting) {
		n = len(m.waiting)
	}
	// container/heap only guarantees the root is minimal; sort a copy by
	// the same ordering for a faithful scheduling-order peek.
	ordered := append(priorityHeap(nil), m.waiting...)
	sortHeap(ordered)

	out := make([]Payload, 0, n)
	for i := 0; i < n && i < len(ordered); i++ {
		out = append(out, ordered[i].payload)
	}
	return out
}

func sortHeap(h priorityHeap) {
	// Simple insertion sort: scheduling passes peek at most a few hundred
	// entries, so O(n^2) here is immaterial
	// and keeps this adapter dependency-free.
	for i := 1; i < len(h); i++ {
		for j := i; j > 0 && h.Less(j, j-1); j-- {
			h[j], h[j-1] = h[j-1], h[j]
		}
	}
}

func (m *Memory) ReserveByID(jobID string) (*Reservation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.byJobID[jobID]
	if !ok {
		return nil, nil
	}
	heap.Remove(&m.waiting, e.index)
	delete(m.byJobID, jobID)

	reservationID := uuid.NewString()
	res := &Reservation{ID: reservationID, Payload: e.payload}
	m.leases[reservationID] = leased{reservationID: reservationID, payload: e.payload, reservation: res}
	m.jobLease[jobID] = reservationID

	return res, nil
}

func (m *Memory) Commit(reservationID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.leases[reservationID]
	if !ok {
		return ErrReservationNotFound{ReservationID: reservationID}
	}
	delete(m.leases, reservationID)
	delete(m.jobLease, l.payload.JobID)
	m.completed++
	return nil
}

func (m *Memory) Retry(reservationID string, delay time.Duration) error {
	m.mu.Lock()
	l, ok := m.leases[reservationID]
	if !ok {
		m.mu.Unlock()
		return ErrReservationNotFound{ReservationID: reservationID}
	}
	delete(m.leases, reservationID)
	delete(m.jobLease, l.payload.JobID)
	// Re-admit the reservation's payload, including changes the caller
	// made to it, under the job id it was reserved with.
	payload := l.reservation.Payload
	payload.JobID = l.payload.JobID
	m.mu.Unlock()

	readmit := func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.timers, reservationID)
		e := &entry{payload: payload, seq: m.seq}
		m.seq++
		heap.Push(&m.waiting, e)
		m.byJobID[payload.JobID] = e
	}

	if delay <= 0 {
		readmit()
		return nil
	}

	m.mu.Lock()
	m.timers[reservationID] = time.AfterFunc(delay, readmit)
	m.mu.Unlock()
	return nil
}

func (m *Memory) Discard(reservationID string, _ error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.leases[reservationID]
	if !ok {
		return ErrReservationNotFound{ReservationID: reservationID}
	}
	delete(m.leases, reservationID)
	delete(m.jobLease, l.payload.JobID)
	m.failed++
	return nil
}

func (m *Memory) Remove(jobID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.byJobID[jobID]
	if !ok {
		return false
	}
	heap.Remove(&m.waiting, e.index)
	delete(m.byJobID, jobID)
	return true
}

func (m *Memory) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	return Stats{
		Waiting:   len(m.waiting),
		Leased:    len(m.leases),
		Completed: m.completed,
		Failed:    m.failed,
	}
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, t := range m.timers {
		t.Stop()
	}
	m.timers = make(map[string]*time.Timer)
	return nil
}
