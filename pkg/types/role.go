package types

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Role is the identity role of a registered entity. The numeric value is the
// exact integer stored both in the records table and in the registry contract,
// so the constants below must never be reordered.
type Role uint8

const (
	RolePharmacy     Role = 0
	RoleReceptionist Role = 1
	RoleHospital     Role = 2
	RoleDoctor       Role = 3
)

var roleNames = map[Role]string{
	RolePharmacy:     "pharmacy",
	RoleReceptionist: "receptionist",
	RoleHospital:     "hospital",
	RoleDoctor:       "doctor",
}

// AllRoles lists every role in chain order.
func AllRoles() []Role {
	return []Role{RolePharmacy, RoleReceptionist, RoleHospital, RoleDoctor}
}

// String returns the lower-case role name
func (r Role) String() string {
	if name, ok := roleNames[r]; ok {
		return name
	}
	return fmt.Sprintf("role(%d)", uint8(r))
}

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	_, ok := roleNames[r]
	return ok
}

// ChainValue returns the integer passed to the registry contract.
func (r Role) ChainValue() uint8 {
	return uint8(r)
}

// RoleFromChain converts a contract role value back into a Role.
func RoleFromChain(v uint8) (Role, error) {
	r := Role(v)
	if !r.Valid() {
		return 0, fmt.Errorf("unknown chain role value: %d", v)
	}
	return r, nil
}

// ParseRole parses a role name (case-insensitive) or its numeric value.
func ParseRole(s string) (Role, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for r, name := range roleNames {
		if name == s || fmt.Sprintf("%d", uint8(r)) == s {
			return r, nil
		}
	}
	return 0, fmt.Errorf("unknown role: %q", s)
}

// RequiresHospital reports whether entities of this role belong to a hospital.
func (r Role) RequiresHospital() bool {
	return r == RoleDoctor || r == RoleReceptionist
}

// CanIssuePrescriptions reports whether wallets of this role may create prescriptions.
func (r Role) CanIssuePrescriptions() bool {
	return r == RoleReceptionist || r == RoleDoctor || r == RoleHospital
}

// MarshalJSON encodes the role as its name
func (r Role) MarshalJSON() ([]byte, error) {
	if !r.Valid() {
		return nil, fmt.Errorf("cannot marshal invalid role %d", uint8(r))
	}
	return json.Marshal(r.String())
}

// UnmarshalJSON accepts either the role name or its numeric value
func (r *Role) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err == nil {
		parsed, err := ParseRole(name)
		if err != nil {
			return err
		}
		*r = parsed
		return nil
	}

	var v uint8
	if err := json.Unmarshal(data, &v); err != nil {
		return fmt.Errorf("role must be a name or number: %w", err)
	}
	parsed, err := RoleFromChain(v)
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

// Department is the prescription department code recorded on both sides.
type Department uint8
