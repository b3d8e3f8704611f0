// Package store is the off-chain record store for entities and patients.
// Every operation is atomic on a single row or document; nothing here spans
// more than one record.
package store

import (
	"context"
	"errors"

	"github.com/aalan294/PEC-MediPlus/pkg/types"
)

var (
	// ErrNotFound is returned when the addressed record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrDuplicate is returned when a create collides with a unique key
	// (entity email per role, or wallet).
	ErrDuplicate = errors.New("record already exists")
)

// EntityStore holds entity records keyed by their store-generated id.
type EntityStore interface {
	// Create assigns an id, stores e and returns the stored copy.
	Create(ctx context.Context, e *types.Entity) (*types.Entity, error)
	// Patch applies the non-nil fields of patch. Applying the same patch
	// twice leaves the same state.
	Patch(ctx context.Context, id string, patch types.EntityPatch) (*types.Entity, error)
	Get(ctx context.Context, id string) (*types.Entity, error)
	Query(ctx context.Context, filter types.EntityFilter) ([]*types.Entity, error)
}

// PatientStore holds patient records and their prescription history.
type PatientStore interface {
	CreatePatient(ctx context.Context, p *types.Patient) (*types.Patient, error)
	GetPatient(ctx context.Context, id string) (*types.Patient, error)
	ListPatients(ctx context.Context, filter types.PatientFilter) ([]*types.Patient, error)
	// AppendHistory adds rec to the patient's history. A record whose
	// prescription id is already present is not added again.
	AppendHistory(ctx context.Context, patientID string, rec types.HistoryRecord) error
}

// RecordStore is the full store surface used by the coordinators.
type RecordStore interface {
	EntityStore
	PatientStore
}
