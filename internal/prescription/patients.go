package prescription

import (
	"context"
	"errors"
	"strings"

	"github.com/aalan294/PEC-MediPlus/internal/store"
	"github.com/aalan294/PEC-MediPlus/pkg/types"
)

// CreatePatient stores a new patient with an empty history. Patients exist
// only off-chain.
func (c *Coordinator) CreatePatient(ctx context.Context, p *types.Patient) (*types.Patient, error) {
	p.Name = strings.TrimSpace(p.Name)
	p.Email = strings.ToLower(strings.TrimSpace(p.Email))

	details := map[string]interface{}{}
	if p.Name == "" {
		details["name"] = "required"
	}
	if p.Age < 0 || p.Age > 150 {
		details["age"] = "must be between 0 and 150"
	}
	if len(details) > 0 {
		return nil, types.NewValidationError(types.ErrCodeInvalidInput, "invalid patient", details)
	}
	p.History = nil

	created, err := c.patients.CreatePatient(ctx, p)
	if err != nil {
		return nil, types.NewInternalError(types.ErrCodeStoreUnavailable, "failed to store patient", err)
	}
	return created, nil
}

// GetPatient returns one patient.
func (c *Coordinator) GetPatient(ctx context.Context, id string) (*types.Patient, error) {
	return c.loadPatient(ctx, id)
}

// ListPatients returns patients matching filter.
func (c *Coordinator) ListPatients(ctx context.Context, filter types.PatientFilter) ([]*types.Patient, error) {
	patients, err := c.patients.ListPatients(ctx, filter)
	if err != nil {
		return nil, types.NewInternalError(types.ErrCodeStoreUnavailable, "failed to list patients", err)
	}
	return patients, nil
}

func (c *Coordinator) loadPatient(ctx context.Context, id string) (*types.Patient, error) {
	p, err := c.patients.GetPatient(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, types.NewNotFoundError(types.ErrCodePatientNotFound, "patient "+id+" not found")
	}
	if err != nil {
		return nil, types.NewInternalError(types.ErrCodeStoreUnavailable, "failed to load patient", err)
	}
	return p, nil
}
