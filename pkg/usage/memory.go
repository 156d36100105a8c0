package usage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-process Store. It backs local development and tests;
// all operations are serialized by a single mutex.
type MemoryStore struct {
	mu      sync.Mutex
	nextID  int64
	periods map[string][]*Period
}

// NewMemoryStore creates an empty in-memory usage store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{periods: make(map[string][]*Period)}
}

func clonePeriod(p *Period) *Period {
	c := *p
	if p.InvoiceItemID != nil {
		id := *p.InvoiceItemID
		c.InvoiceItemID = &id
	}
	if p.ReconciledAt != nil {
		at := *p.ReconciledAt
		c.ReconciledAt = &at
	}
	if p.InvoiceID != nil {
		id := *p.InvoiceID
		c.InvoiceID = &id
	}
	return &c
}

func (s *MemoryStore) current(userID string, now time.Time) *Period {
	for _, p := range s.periods[userID] {
		if p.Covers(now) {
			return p
		}
	}
	return nil
}

func (s *MemoryStore) insert(userID string, tokens int64, start time.Time) *Period {
	s.nextID++
	p := &Period{
		ID:          s.nextID,
		UserID:      userID,
		TokensUsed:  tokens,
		PeriodStart: start,
		PeriodEnd:   NextPeriodEnd(start),
	}
	s.periods[userID] = append(s.periods[userID], p)
	return p
}

// Increment adds tokens to the current period, creating it if needed
func (s *MemoryStore) Increment(ctx context.Context, userID string, tokens int64, now time.Time) (*Period, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p := s.current(userID, now)
	if p == nil {
		p = s.insert(userID, tokens, now)
		return clonePeriod(p), nil
	}
	p.TokensUsed += tokens
	return clonePeriod(p), nil
}

// Current returns the period covering now
func (s *MemoryStore) Current(ctx context.Context, userID string, now time.Time) (*Period, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p := s.current(userID, now); p != nil {
		return clonePeriod(p), nil
	}
	return nil, nil
}

// History returns the user's most recent periods, newest first
func (s *MemoryStore) History(ctx context.Context, userID string, limit int) ([]*Period, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if limit <= 0 {
		limit = 12
	}

	periods := make([]*Period, 0, len(s.periods[userID]))
	for _, p := range s.periods[userID] {
		periods = append(periods, clonePeriod(p))
	}
	sort.Slice(periods, func(i, j int) bool {
		return periods[i].PeriodStart.After(periods[j].PeriodStart)
	})
	if len(periods) > limit {
		periods = periods[:limit]
	}
	return periods, nil
}

// Unreconciled returns closed, unsettled periods for a user, oldest first
func (s *MemoryStore) Unreconciled(ctx context.Context, userID string, cutoff time.Time) ([]*Period, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var periods []*Period
	for _, p := range s.periods[userID] {
		if p.Closed(cutoff) && !p.Reconciled() {
			periods = append(periods, clonePeriod(p))
		}
	}
	sort.Slice(periods, func(i, j int) bool {
		return periods[i].PeriodStart.Before(periods[j].PeriodStart)
	})
	return periods, nil
}

// UsersWithUnreconciled lists users with closed, unsettled periods
func (s *MemoryStore) UsersWithUnreconciled(ctx context.Context, cutoff time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var users []string
	for userID, periods := range s.periods {
		for _, p := range periods {
			if p.Closed(cutoff) && !p.Reconciled() {
				users = append(users, userID)
				break
			}
		}
	}
	sort.Strings(users)
	return users, nil
}

func (s *MemoryStore) find(periodID int64) *Period {
	for _, periods := range s.periods {
		for _, p := range periods {
			if p.ID == periodID {
				return p
			}
		}
	}
	return nil
}

// SetInvoiceItem records the processor invoice item for a period
func (s *MemoryStore) SetInvoiceItem(ctx context.Context, periodID int64, invoiceItemID string, amountCents int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p := s.find(periodID)
	if p == nil {
		return storageErr("set invoice item", fmt.Errorf("usage period %d not found", periodID))
	}
	p.InvoiceItemID = &invoiceItemID
	p.ChargedCents = amountCents
	return nil
}

// SetInvoice records the processor invoice holding the given periods' items
func (s *MemoryStore) SetInvoice(ctx context.Context, periodIDs []int64, invoiceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range periodIDs {
		p := s.find(id)
		if p == nil || p.ReconciledAt != nil {
			continue
		}
		if invoiceID == "" {
			p.InvoiceID = nil
			continue
		}
		invoice := invoiceID
		p.InvoiceID = &invoice
	}
	return nil
}

// MarkReconciled settles the given periods
func (s *MemoryStore) MarkReconciled(ctx context.Context, periodIDs []int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range periodIDs {
		if p := s.find(id); p != nil && p.ReconciledAt == nil {
			settled := at
			p.ReconciledAt = &settled
		}
	}
	return nil
}

// Rollover closes open periods at cutoff and opens fresh ones
func (s *MemoryStore) Rollover(ctx context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	created := 0
	for userID, periods := range s.periods {
		for _, p := range periods {
			if p.PeriodStart.Before(cutoff) && p.PeriodEnd.After(cutoff) {
				p.PeriodEnd = cutoff
				s.insert(userID, 0, cutoff)
				created++
				break
			}
		}
	}
	return created, nil
}
