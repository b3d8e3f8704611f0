package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aalan294/PEC-MediPlus/pkg/types"
)

func TestMemoryStore_EntityLifecycle(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	created, err := s.Create(ctx, &types.Entity{
		Role:   types.RolePharmacy,
		Name:   "City Pharmacy",
		Email:  "ops@pharm.example",
		Wallet: "0x00000000000000000000000000000000000000Bb",
	})
	require.NoError(t, err)
	require.NotEmpty(t, created.ID)

	_, err = s.Create(ctx, &types.Entity{Role: types.RolePharmacy, Email: "ops@pharm.example", Wallet: "0x01"})
	assert.ErrorIs(t, err, ErrDuplicate)

	verified := true
	patched, err := s.Patch(ctx, created.ID, types.EntityPatch{Verified: &verified})
	require.NoError(t, err)
	assert.True(t, patched.Verified)

	// Patching twice leaves the same state.
	again, err := s.Patch(ctx, created.ID, types.EntityPatch{Verified: &verified})
	require.NoError(t, err)
	assert.Equal(t, patched.Verified, again.Verified)

	_, err = s.Patch(ctx, "missing", types.EntityPatch{Verified: &verified})
	assert.ErrorIs(t, err, ErrNotFound)

	role := types.RolePharmacy
	got, err := s.Query(ctx, types.EntityFilter{Role: &role, Verified: &verified})
	require.NoError(t, err)
	require.Len(t, got, 1)

	// Returned copies do not alias stored state.
	got[0].Name = "changed"
	fresh, err := s.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, "City Pharmacy", fresh.Name)
}

func TestMemoryStore_AppendHistoryIdempotent(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	p, err := s.CreatePatient(ctx, &types.Patient{Name: "Asha"})
	require.NoError(t, err)

	rec := types.HistoryRecord{PrescriptionID: 7, Date: time.Now(), Doctor: "sample", Dept: 4}
	require.NoError(t, s.AppendHistory(ctx, p.ID, rec))
	require.NoError(t, s.AppendHistory(ctx, p.ID, rec))

	got, err := s.GetPatient(ctx, p.ID)
	require.NoError(t, err)
	assert.Len(t, got.History, 1)

	assert.ErrorIs(t, s.AppendHistory(ctx, "missing", rec), ErrNotFound)
}

func TestMemoryStore_FailNext(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	p, err := s.CreatePatient(ctx, &types.Patient{Name: "Asha"})
	require.NoError(t, err)

	boom := errors.New("store unavailable")
	s.FailNext(OpAppendHistory, boom, boom)

	rec := types.HistoryRecord{PrescriptionID: 1}
	assert.ErrorIs(t, s.AppendHistory(ctx, p.ID, rec), boom)
	assert.ErrorIs(t, s.AppendHistory(ctx, p.ID, rec), boom)
	assert.NoError(t, s.AppendHistory(ctx, p.ID, rec))
}

func TestMemoryStore_ListPatients(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	for _, name := range []string{"Asha", "Arun", "Bina"} {
		_, err := s.CreatePatient(ctx, &types.Patient{Name: name})
		require.NoError(t, err)
	}

	got, err := s.ListPatients(ctx, types.PatientFilter{Name: "a"})
	require.NoError(t, err)
	assert.Len(t, got, 2)

	got, err = s.ListPatients(ctx, types.PatientFilter{Limit: 1, Offset: 2})
	require.NoError(t, err)
	assert.Len(t, got, 1)
}
