package race

import (
	"context"
	"sort"
	"sync"
	"time"
)

// InMemory implements Store with in-process concurrency safety. It backs
// tests and demo deployments without Postgres; the conditional-update
// semantics match the durable store exactly.
type InMemory struct {
	mu         sync.RWMutex
	rfqs       map[string]*RFQ
	broadcasts map[string][]Broadcast // rfqID -> rows
	responses  map[string][]Response  // rfqID -> rows
}

var _ Store = (*InMemory)(nil)

// NewInMemory creates an empty store.
func NewInMemory() *InMemory {
	return &InMemory{
		rfqs:       make(map[string]*RFQ),
		broadcasts: make(map[string][]Broadcast),
		responses:  make(map[string][]Response),
	}
}

func (s *InMemory) CreateRFQ(ctx context.Context, rfq RFQ) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rfqs[rfq.ID]; ok {
		return ErrAlreadyExists
	}
	cp := rfq
	s.rfqs[rfq.ID] = &cp
	return nil
}

func (s *InMemory) GetRFQ(ctx context.Context, id string) (RFQ, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rfqs[id]
	if !ok {
		return RFQ{}, ErrNotFound
	}
	return *r, nil
}

func (s *InMemory) UpdateRFQ(ctx context.Context, rfq RFQ) (RFQ, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.rfqs[rfq.ID]
	if !ok {
		return RFQ{}, ErrNotFound
	}
	if cur.Version != rfq.Version {
		return RFQ{}, ErrVersionConflict
	}
	rfq.Version++
	cp := rfq
	s.rfqs[rfq.ID] = &cp
	return cp, nil
}

func (s *InMemory) ReplaceBroadcasts(ctx context.Context, rfqID string, rows []Broadcast) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, b := range s.broadcasts[rfqID] {
		if b.DeliveredAt != nil {
			return nil
		}
	}
	cp := make([]Broadcast, len(rows))
	copy(cp, rows)
	s.broadcasts[rfqID] = cp
	return nil
}

func (s *InMemory) ListBroadcasts(ctx context.Context, rfqID string) ([]Broadcast, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows := s.broadcasts[rfqID]
	out := make([]Broadcast, len(rows))
	copy(out, rows)
	return out, nil
}

func (s *InMemory) GetBroadcast(ctx context.Context, rfqID, supplierID string) (Broadcast, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, b := range s.broadcasts[rfqID] {
		if b.SupplierID == supplierID {
			return b, nil
		}
	}
	return Broadcast{}, ErrNotFound
}

func (s *InMemory) MarkDelivered(ctx context.Context, rfqID, supplierID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows := s.broadcasts[rfqID]
	for i := range rows {
		if rows[i].SupplierID == supplierID {
			if rows[i].DeliveredAt == nil {
				t := at
				rows[i].DeliveredAt = &t
			}
			return nil
		}
	}
	return ErrNotFound
}

func (s *InMemory) AppendResponse(ctx context.Context, resp Response) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.responses[resp.RFQID] = append(s.responses[resp.RFQID], resp)
	return nil
}

func (s *InMemory) ListResponses(ctx context.Context, rfqID string) ([]Response, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows := s.responses[rfqID]
	out := make([]Response, len(rows))
	copy(out, rows)
	return out, nil
}

func (s *InMemory) ExpiredHolds(ctx context.Context, now time.Time, limit int) ([]RFQ, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []RFQ
	for _, r := range s.rfqs {
		if r.Status == StatusPriorityHold && r.HoldExpires != nil && !now.Before(*r.HoldExpires) {
			out = append(out, *r)
		}
	}
	sortByID(out)
	return clip(out, limit), nil
}

func (s *InMemory) ExpiredDeadlines(ctx context.Context, now time.Time, limit int) ([]RFQ, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []RFQ
	for _, r := range s.rfqs {
		if r.Deadline == nil || now.Before(*r.Deadline) {
			continue
		}
		switch {
		case r.Status == StatusBidding:
			out = append(out, *r)
		case r.Status == StatusOpen && r.RaceOpensAt != nil && !now.Before(*r.RaceOpensAt):
			// Window reached but nobody ever responded; still due to close.
			out = append(out, *r)
		}
	}
	sortByID(out)
	return clip(out, limit), nil
}

func sortByID(rfqs []RFQ) {
	sort.Slice(rfqs, func(i, j int) bool { return rfqs[i].ID < rfqs[j].ID })
}

func clip(rfqs []RFQ, limit int) []RFQ {
	if limit > 0 && len(rfqs) > limit {
		return rfqs[:limit]
	}
	return rfqs
}
