package types

import "time"

// Entity is a role-bearing participant (hospital, pharmacy, doctor or
// receptionist) as held in the off-chain record store.
type Entity struct {
	ID                 string     `json:"id"`
	Role               Role       `json:"role"`
	Name               string     `json:"name"`
	Owner              string     `json:"owner,omitempty"`
	Email              string     `json:"email"`
	Phone              string     `json:"phone,omitempty"`
	Address            string     `json:"address,omitempty"`
	Wallet             string     `json:"wallet"`
	VerificationDocRef string     `json:"verification_doc_ref"`
	HospitalID         string     `json:"hospital_id,omitempty"`
	Dept               string     `json:"dept,omitempty"`
	PasswordHash       string     `json:"-"`
	Verified           bool       `json:"verified"`
	VerifiedAt         *time.Time `json:"verified_at,omitempty"`
	ChainTxHash        string     `json:"chain_tx_hash,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

// EntityPatch lists the mutable fields of an entity; nil fields are left untouched.
type EntityPatch struct {
	Verified    *bool
	VerifiedAt  *time.Time
	ChainTxHash *string
}

// Empty reports whether the patch changes nothing.
func (p EntityPatch) Empty() bool {
	return p.Verified == nil && p.VerifiedAt == nil && p.ChainTxHash == nil
}

// EntityFilter narrows an entity query. Zero values match everything.
type EntityFilter struct {
	Role       *Role
	Verified   *bool
	HospitalID string
	Email      string
	Wallet     string
	Limit      int
	Offset     int
}

// Matches reports whether e satisfies the filter (pagination is ignored).
func (f EntityFilter) Matches(e *Entity) bool {
	if f.Role != nil && e.Role != *f.Role {
		return false
	}
	if f.Verified != nil && e.Verified != *f.Verified {
		return false
	}
	if f.HospitalID != "" && e.HospitalID != f.HospitalID {
		return false
	}
	if f.Email != "" && e.Email != f.Email {
		return false
	}
	if f.Wallet != "" && e.Wallet != f.Wallet {
		return false
	}
	return true
}

// ChainEntity is the registry contract's view of a registered entity.
type ChainEntity struct {
	Wallet             string `json:"wallet"`
	OffChainID         string `json:"off_chain_id"`
	Name               string `json:"name"`
	VerificationDocRef string `json:"verification_doc_ref"`
	Role               Role   `json:"role"`
}
