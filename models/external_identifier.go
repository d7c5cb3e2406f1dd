package models

import (
	"time"

	"github.com/google/uuid"
)

// IdentifierType is the closed, trust-ranked set of identifier schemes.
type IdentifierType string

const (
	IdentifierOpenAlex IdentifierType = "openalex"
	IdentifierDOI      IdentifierType = "doi"
	IdentifierPMID     IdentifierType = "pmid"
	IdentifierERIC     IdentifierType = "eric"
	IdentifierOther    IdentifierType = "other"
)

// TrustOrder lists identifier types from most to least trustworthy. Shortcut
// matching iterates tiers in this order.
func TrustOrder() []IdentifierType {
	return []IdentifierType{
		IdentifierOpenAlex,
		IdentifierDOI,
		IdentifierPMID,
		IdentifierERIC,
		IdentifierOther,
	}
}

// ExternalIdentifier links a reference to one identifier from an external
// source. Value holds the normalized form; RawValue keeps what the source sent
// so unsafe or mangled identifiers stay traceable.
type ExternalIdentifier struct {
	ID        uint      `json:"id" gorm:"primaryKey"`
	CreatedAt time.Time `json:"created_at"`

	ReferenceID uuid.UUID      `json:"reference_id" gorm:"type:uuid;index;index:idx_identifiers_ref_type_value,unique,priority:1"`
	Type        IdentifierType `json:"type" gorm:"size:32;index:idx_identifiers_ref_type_value,unique,priority:2;index:idx_identifiers_type_value,priority:1"`
	Value       string         `json:"value" gorm:"size:512;index:idx_identifiers_ref_type_value,unique,priority:3;index:idx_identifiers_type_value,priority:2"`

	// OtherName carries the scheme of an "other" identifier, e.g. "isbn".
	OtherName string `json:"other_name,omitempty" gorm:"size:64"`
	RawValue  string `json:"raw_value,omitempty" gorm:"size:512"`

	// Safe marks the identifier as usable for shortcut matching. Funder and
	// template DOIs are stored but never matched on.
	Safe bool `json:"safe" gorm:"index"`
}

func (ExternalIdentifier) TableName() string {
	return "external_identifiers"
}

// Key is the (type, value) pair used for identifier set comparison.
func (e ExternalIdentifier) Key() string {
	return string(e.Type) + ":" + e.Value
}
