package model

import (
	"time"
)

// RejectionKind names why a record was quarantined.
type RejectionKind string

const (
	KindMissingRequired           RejectionKind = "MissingRequired"
	KindTypeMismatch              RejectionKind = "TypeMismatch"
	KindOutOfRange                RejectionKind = "OutOfRange"
	KindDuplicateKeyConflict      RejectionKind = "DuplicateKeyConflict"
	KindMissingDimensionReference RejectionKind = "MissingDimensionReference"
)

// RejectionClass groups kinds into the error taxonomy.
type RejectionClass string

const (
	ClassValidation       RejectionClass = "ValidationError"
	ClassDuplicateKey     RejectionClass = "DuplicateKeyConflict"
	ClassMissingDimension RejectionClass = "MissingDimensionReference"
)

// Class returns the taxonomy class of the kind.
func (k RejectionKind) Class() RejectionClass {
	switch k {
	case KindDuplicateKeyConflict:
		return ClassDuplicateKey
	case KindMissingDimensionReference:
		return ClassMissingDimension
	default:
		return ClassValidation
	}
}

// Rejection is a quarantined record. RawID is zero when the rejection
// applies to a resolved row rather than a single raw row.
type Rejection struct {
	ID         int64         `json:"id,omitempty"`
	RunID      string        `json:"run_id"`
	BatchID    string        `json:"batch_id"`
	Source     Source        `json:"source"`
	NaturalKey string        `json:"natural_key,omitempty"`
	RawID      RawRowID      `json:"raw_id,omitempty"`
	Kind       RejectionKind `json:"kind"`
	Field      string        `json:"field,omitempty"`
	Reason     string        `json:"reason"`
	CreatedAt  time.Time     `json:"created_at"`
}
