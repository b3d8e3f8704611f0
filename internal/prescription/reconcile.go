package prescription

import (
	"context"
	"errors"

	"github.com/aalan294/PEC-MediPlus/internal/store"
	"github.com/aalan294/PEC-MediPlus/pkg/types"
)

// ReconcileReport summarizes a history rebuild.
type ReconcileReport struct {
	Scanned  uint64   `json:"scanned"`
	Appended []uint64 `json:"appended"`

	// MissingPatients maps prescription ids to patient ids absent from the store.
	MissingPatients map[uint64]string `json:"missing_patients,omitempty"`
	Failed          map[uint64]string `json:"failed,omitempty"`
}

// Reconcile walks every prescription id the ledger has issued and appends
// the ones missing from their patient's history. The ledger does not return
// the doctor label, so rebuilt records carry ReconciledDoctorLabel and the
// block timestamp.
func (c *Coordinator) Reconcile(ctx context.Context) (*ReconcileReport, error) {
	count, err := c.chain.PrescriptionCount(ctx)
	if err != nil {
		return nil, types.NewInternalError(types.ErrCodeChainReadFailed, "failed to read prescription count", err)
	}

	report := &ReconcileReport{
		Scanned:         count,
		Appended:        []uint64{},
		MissingPatients: map[uint64]string{},
		Failed:          map[uint64]string{},
	}
	patients := map[string]*types.Patient{}

	for id := uint64(1); id <= count; id++ {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		p, err := c.chain.GetPrescription(ctx, id)
		if err != nil {
			report.Failed[id] = err.Error()
			continue
		}

		patient, ok := patients[p.PatientID]
		if !ok {
			patient, err = c.patients.GetPatient(ctx, p.PatientID)
			if errors.Is(err, store.ErrNotFound) {
				report.MissingPatients[id] = p.PatientID
				continue
			}
			if err != nil {
				report.Failed[id] = err.Error()
				continue
			}
			patients[p.PatientID] = patient
		}
		if patient.HasPrescription(id) {
			continue
		}

		record := types.HistoryRecord{
			PrescriptionID: id,
			Date:           p.Timestamp,
			Doctor:         ReconciledDoctorLabel,
			Dept:           p.Dept,
		}
		if err := c.appendHistory(ctx, p.PatientID, record); err != nil {
			report.Failed[id] = err.Error()
			continue
		}
		patient.History = append(patient.History, record)
		report.Appended = append(report.Appended, id)
	}

	c.logger.WithComponent("prescription").WithFields(map[string]interface{}{
		"scanned":          report.Scanned,
		"appended":         len(report.Appended),
		"missing_patients": len(report.MissingPatients),
		"failed":           len(report.Failed),
	}).Info("Prescription reconciliation completed")
	return report, nil
}
