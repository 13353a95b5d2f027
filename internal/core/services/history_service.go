package services

import (
	"context"

	"a2a.mesh/internal/core/domain"
	"a2a.mesh/internal/core/ports"
)

const maxPageSize = 100

// HistoryService pages through persisted events and delegation records.
type HistoryService struct {
	repo ports.HistoryRepository
}

func NewHistoryService(repo ports.HistoryRepository) *HistoryService {
	return &HistoryService{repo: repo}
}

type PaginatedEvents struct {
	Events  []*domain.Event `json:"events"`
	Total   int64           `json:"total"`
	Offset  int             `json:"offset"`
	Limit   int             `json:"limit"`
	HasMore bool            `json:"has_more"`
}

type PaginatedDelegations struct {
	Delegations []*domain.DelegationRecord         `json:"delegations"`
	Totals      map[domain.DelegationOutcome]int64 `json:"totals"`
	Offset      int                                `json:"offset"`
	Limit       int                                `json:"limit"`
	HasMore     bool                               `json:"has_more"`
}

func normalizePage(offset, limit int) (int, int) {
	if offset < 0 {
		offset = 0
	}
	if limit <= 0 || limit > maxPageSize {
		limit = maxPageSize
	}
	return offset, limit
}

// Enabled reports whether a history repository is configured.
func (s *HistoryService) Enabled() bool {
	return s != nil && s.repo != nil
}

func (s *HistoryService) ListEvents(ctx context.Context, offset, limit int) (*PaginatedEvents, error) {
	if !s.Enabled() {
		return nil, domain.ErrDependencyUnavailable
	}
	offset, limit = normalizePage(offset, limit)

	events, err := s.repo.ListEvents(ctx, offset, limit)
	if err != nil {
		return nil, err
	}
	total, err := s.repo.CountEvents(ctx)
	if err != nil {
		return nil, err
	}

	return &PaginatedEvents{
		Events:  events,
		Total:   total,
		Offset:  offset,
		Limit:   limit,
		HasMore: offset+len(events) < int(total),
	}, nil
}

func (s *HistoryService) ListDelegations(ctx context.Context, offset, limit int) (*PaginatedDelegations, error) {
	if !s.Enabled() {
		return nil, domain.ErrDependencyUnavailable
	}
	offset, limit = normalizePage(offset, limit)

	records, err := s.repo.ListDelegations(ctx, offset, limit)
	if err != nil {
		return nil, err
	}
	totals, err := s.repo.CountDelegations(ctx)
	if err != nil {
		return nil, err
	}
	var total int64
	for _, n := range totals {
		total += n
	}

	return &PaginatedDelegations{
		Delegations: records,
		Totals:      totals,
		Offset:      offset,
		Limit:       limit,
		HasMore:     offset+len(records) < int(total),
	}, nil
}

// Sink persists every event recorded by the event log.
func (s *HistoryService) Sink() ports.EventSink {
	return ports.EventSinkFunc(func(ctx context.Context, event domain.Event) error {
		return s.repo.SaveEvent(ctx, event)
	})
}
