package types

import (
	"strings"
	"time"
)

// Patient is the off-chain patient record. History mirrors the prescriptions
// that exist on-chain for this patient.
type Patient struct {
	ID               string          `json:"id"`
	Name             string          `json:"name"`
	Age              int             `json:"age,omitempty"`
	Gender           string          `json:"gender,omitempty"`
	ContactNumber    string          `json:"contact_number,omitempty"`
	Address          string          `json:"address,omitempty"`
	Email            string          `json:"email,omitempty"`
	BloodGroup       string          `json:"blood_group,omitempty"`
	EmergencyContact string          `json:"emergency_contact,omitempty"`
	DateOfBirth      string          `json:"dob,omitempty"`
	History          []HistoryRecord `json:"history"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// HasPrescription reports whether the history already references id.
func (p *Patient) HasPrescription(id uint64) bool {
	for _, h := range p.History {
		if h.PrescriptionID == id {
			return true
		}
	}
	return false
}

// PatientFilter narrows a patient listing.
type PatientFilter struct {
	Name   string
	Limit  int
	Offset int
}

// HistoryRecord is the off-chain pointer to a chain prescription.
type HistoryRecord struct {
	PrescriptionID uint64     `json:"prescriptionId"`
	Date           time.Time  `json:"date"`
	Doctor         string     `json:"doctor"`
	Dept           Department `json:"dept"`
}

// PrescriptionContent is everything written on-chain when a prescription is created.
type PrescriptionContent struct {
	Description  string     `json:"description"`
	Dept         Department `json:"dept"`
	DoctorLabel  string     `json:"doctor"`
	Medicines    []string   `json:"medicines"`
	DocumentRefs []string   `json:"document_refs"`
	Allergies    []string   `json:"allergies"`
}

// Normalize trims whitespace and drops empty list items.
func (c *PrescriptionContent) Normalize() {
	c.Description = strings.TrimSpace(c.Description)
	c.DoctorLabel = strings.TrimSpace(c.DoctorLabel)
	c.Medicines = compact(c.Medicines)
	c.DocumentRefs = compact(c.DocumentRefs)
	c.Allergies = compact(c.Allergies)
}

func compact(items []string) []string {
	out := make([]string, 0, len(items))
	for _, item := range items {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// Prescription is the chain-authoritative prescription as returned by getPrescription.
type Prescription struct {
	ID           uint64     `json:"prescription_id"`
	PatientID    string     `json:"patient_id"`
	Timestamp    time.Time  `json:"timestamp"`
	Description  string     `json:"description"`
	Dept         Department `json:"dept"`
	Medicines    []string   `json:"medicines"`
	DocumentRefs []string   `json:"document_refs"`
	Allergies    []string   `json:"allergies"`
	Fulfilled    bool       `json:"fulfilled"`
}

// PatientPrescription joins a history record with the live chain state.
type PatientPrescription struct {
	HistoryRecord
	Prescription *Prescription `json:"prescription,omitempty"`
	ChainError   string        `json:"chain_error,omitempty"`
}
