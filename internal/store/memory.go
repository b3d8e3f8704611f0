package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aalan294/PEC-MediPlus/pkg/types"
)

// MemoryStore is an in-process RecordStore for development and tests.
type MemoryStore struct {
	mu       sync.RWMutex
	entities map[string]*types.Entity
	patients map[string]*types.Patient
	faults   map[string][]error
	now      func() time.Time
}

var _ RecordStore = (*MemoryStore)(nil)

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entities: make(map[string]*types.Entity),
		patients: make(map[string]*types.Patient),
		faults:   make(map[string][]error),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Store operation names accepted by FailNext.
const (
	OpCreate        = "create"
	OpPatch         = "patch"
	OpGet           = "get"
	OpQuery         = "query"
	OpCreatePatient = "create_patient"
	OpGetPatient    = "get_patient"
	OpListPatients  = "list_patients"
	OpAppendHistory = "append_history"
)

// FailNext makes the next len(errs) calls of op fail with errs in order.
func (s *MemoryStore) FailNext(op string, errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults[op] = append(s.faults[op], errs...)
}

// fault pops the next injected failure for op. The caller holds s.mu.
func (s *MemoryStore) fault(op string) error {
	queue := s.faults[op]
	if len(queue) == 0 {
		return nil
	}
	s.faults[op] = queue[1:]
	return queue[0]
}

// Create stores a copy of e under a fresh id
func (s *MemoryStore) Create(ctx context.Context, e *types.Entity) (*types.Entity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault(OpCreate); err != nil {
		return nil, err
	}

	for _, existing := range s.entities {
		if existing.Wallet == e.Wallet || (existing.Role == e.Role && existing.Email == e.Email) {
			return nil, ErrDuplicate
		}
	}

	created := copyEntity(e)
	created.ID = uuid.New().String()
	created.CreatedAt = s.now()
	created.UpdatedAt = created.CreatedAt
	s.entities[created.ID] = created
	return copyEntity(created), nil
}

// Patch applies the non-nil fields of patch
func (s *MemoryStore) Patch(ctx context.Context, id string, patch types.EntityPatch) (*types.Entity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault(OpPatch); err != nil {
		return nil, err
	}

	e, ok := s.entities[id]
	if !ok {
		return nil, ErrNotFound
	}
	if patch.Verified != nil {
		e.Verified = *patch.Verified
	}
	if patch.VerifiedAt != nil {
		t := patch.VerifiedAt.UTC()
		e.VerifiedAt = &t
	}
	if patch.ChainTxHash != nil {
		e.ChainTxHash = *patch.ChainTxHash
	}
	if !patch.Empty() {
		e.UpdatedAt = s.now()
	}
	return copyEntity(e), nil
}

// Get returns a copy of the entity
func (s *MemoryStore) Get(ctx context.Context, id string) (*types.Entity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault(OpGet); err != nil {
		return nil, err
	}

	e, ok := s.entities[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyEntity(e), nil
}

// Query returns the entities matching filter in creation order
func (s *MemoryStore) Query(ctx context.Context, filter types.EntityFilter) ([]*types.Entity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault(OpQuery); err != nil {
		return nil, err
	}

	matched := make([]*types.Entity, 0)
	for _, e := range s.entities {
		if filter.Matches(e) {
			matched = append(matched, copyEntity(e))
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].ID < matched[j].ID
		}
		return matched[i].CreatedAt.Before(matched[j].CreatedAt)
	})
	return paginate(matched, filter.Limit, filter.Offset), nil
}

// CreatePatient stores a copy of p under a fresh id
func (s *MemoryStore) CreatePatient(ctx context.Context, p *types.Patient) (*types.Patient, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault(OpCreatePatient); err != nil {
		return nil, err
	}

	created := copyPatient(p)
	created.ID = uuid.New().String()
	created.History = []types.HistoryRecord{}
	created.CreatedAt = s.now()
	created.UpdatedAt = created.CreatedAt
	s.patients[created.ID] = created
	return copyPatient(created), nil
}

// GetPatient returns a copy of the patient
func (s *MemoryStore) GetPatient(ctx context.Context, id string) (*types.Patient, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault(OpGetPatient); err != nil {
		return nil, err
	}

	p, ok := s.patients[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyPatient(p), nil
}

// ListPatients lists patients by case-insensitive name prefix
func (s *MemoryStore) ListPatients(ctx context.Context, filter types.PatientFilter) ([]*types.Patient, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault(OpListPatients); err != nil {
		return nil, err
	}

	prefix := strings.ToLower(filter.Name)
	matched := make([]*types.Patient, 0)
	for _, p := range s.patients {
		if strings.HasPrefix(strings.ToLower(p.Name), prefix) {
			matched = append(matched, copyPatient(p))
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].ID < matched[j].ID
		}
		return matched[i].CreatedAt.Before(matched[j].CreatedAt)
	})
	return paginate(matched, filter.Limit, filter.Offset), nil
}

// AppendHistory appends rec unless its prescription id is already recorded
func (s *MemoryStore) AppendHistory(ctx context.Context, patientID string, rec types.HistoryRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault(OpAppendHistory); err != nil {
		return err
	}

	p, ok := s.patients[patientID]
	if !ok {
		return ErrNotFound
	}
	if p.HasPrescription(rec.PrescriptionID) {
		return nil
	}
	p.History = append(p.History, rec)
	p.UpdatedAt = s.now()
	return nil
}

func copyEntity(e *types.Entity) *types.Entity {
	c := *e
	if e.VerifiedAt != nil {
		t := *e.VerifiedAt
		c.VerifiedAt = &t
	}
	return &c
}

func copyPatient(p *types.Patient) *types.Patient {
	c := *p
	c.History = append([]types.HistoryRecord{}, p.History...)
	return &c
}

func paginate[T any](items []T, limit, offset int) []T {
	if offset > 0 {
		if offset >= len(items) {
			return items[:0]
		}
		items = items[offset:]
	}
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}
