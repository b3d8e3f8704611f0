package api

import (
	"errors"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/aalan294/PEC-MediPlus/internal/registrar"
	"github.com/aalan294/PEC-MediPlus/pkg/types"
)

type registerEntityRequest struct {
	Role               *types.Role `json:"role" validate:"required"`
	Name               string      `json:"name" validate:"required,min=2"`
	Owner              string      `json:"owner"`
	Email              string      `json:"email" validate:"required,email"`
	Phone              string      `json:"phone"`
	Address            string      `json:"address"`
	Wallet             string      `json:"wallet" validate:"required,eth_addr"`
	VerificationDocRef string      `json:"verification_doc_ref" validate:"required"`
	HospitalID         string      `json:"hospital_id"`
	Dept               string      `json:"dept"`
	Password           string      `json:"password" validate:"required,min=8"`
	WalletSignature    string      `json:"wallet_signature"`
}

func (r registerEntityRequest) toDomain() registrar.RegistrationRequest {
	return registrar.RegistrationRequest{
		Role:               *r.Role,
		Name:               r.Name,
		Owner:              r.Owner,
		Email:              r.Email,
		Phone:              r.Phone,
		Address:            r.Address,
		Wallet:             r.Wallet,
		VerificationDocRef: r.VerificationDocRef,
		HospitalID:         r.HospitalID,
		Dept:               r.Dept,
		Password:           r.Password,
		WalletSignature:    r.WalletSignature,
	}
}

type createPatientRequest struct {
	Name             string `json:"name" validate:"required"`
	Age              int    `json:"age" validate:"gte=0,lte=150"`
	Gender           string `json:"gender"`
	ContactNumber    string `json:"contact_number"`
	Address          string `json:"address"`
	Email            string `json:"email" validate:"omitempty,email"`
	BloodGroup       string `json:"blood_group"`
	EmergencyContact string `json:"emergency_contact"`
	DateOfBirth      string `json:"dob"`
}

func (r createPatientRequest) toDomain() *types.Patient {
	return &types.Patient{
		Name:             r.Name,
		Age:              r.Age,
		Gender:           r.Gender,
		ContactNumber:    r.ContactNumber,
		Address:          r.Address,
		Email:            r.Email,
		BloodGroup:       r.BloodGroup,
		EmergencyContact: r.EmergencyContact,
		DateOfBirth:      r.DateOfBirth,
	}
}

type createPrescriptionRequest struct {
	Description  string           `json:"description" validate:"required"`
	Dept         types.Department `json:"dept"`
	Doctor       string           `json:"doctor" validate:"required"`
	Medicines    []string         `json:"medicines" validate:"required,min=1,dive,required"`
	DocumentRefs []string         `json:"document_refs"`
	Allergies    []string         `json:"allergies"`
}

func (r createPrescriptionRequest) toDomain() types.PrescriptionContent {
	return types.PrescriptionContent{
		Description:  r.Description,
		Dept:         r.Dept,
		DoctorLabel:  r.Doctor,
		Medicines:    r.Medicines,
		DocumentRefs: r.DocumentRefs,
		Allergies:    r.Allergies,
	}
}

// validationError converts validator output into a validation error keyed
// by JSON field name.
func validationError(err error) error {
	details := map[string]interface{}{}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return types.NewValidationError(types.ErrCodeInvalidInput, err.Error(), nil)
	}

	for _, e := range fieldErrs {
		field := e.Field()
		switch e.Tag() {
		case "required":
			details[field] = "required"
		case "email":
			details[field] = "must be a valid email address"
		case "eth_addr":
			details[field] = "must be a 20-byte hex address"
		case "min":
			details[field] = "must be at least " + e.Param()
		case "gte", "lte":
			details[field] = "out of range"
		default:
			details[field] = "invalid"
		}
	}
	return types.NewValidationError(types.ErrCodeInvalidInput, "invalid request body", details)
}

// newValidator reports fields by their JSON names.
func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}
