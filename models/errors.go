package models

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// InsufficientYardageError is returned when a requested allocation or
// commission sale exceeds a fabric lot's pending yardage. The request is
// never clamped to what is available.
type InsufficientYardageError struct {
	FabricLotId int
	ItemName    string
	Requested   decimal.Decimal
	Pending     decimal.Decimal
}

func (e *InsufficientYardageError) Error() string {
	return fmt.Sprintf("insufficient yardage on fabric lot %d (%s): requested %s, pending %s",
		e.FabricLotId, e.ItemName, e.Requested.String(), e.Pending.String())
}

// RecordLockedError is returned when a mutation is attempted on a record
// whose state no longer allows it (e.g. a stitching record already billed).
type RecordLockedError struct {
	Entity string
	Id     int
	Reason string
}

func (e *RecordLockedError) Error() string {
	return fmt.Sprintf("%s %d is locked: %s", e.Entity, e.Id, e.Reason)
}

// SerialOverflowError signals that a serial bucket's numeric suffix range
// is exhausted. Never wrapped silently into the next bucket.
type SerialOverflowError struct {
	SerialType SerialType
	BucketKey  string
	Max        int
}

func (e *SerialOverflowError) Error() string {
	return fmt.Sprintf("serial bucket %s/%s exhausted (max %d)", e.SerialType, e.BucketKey, e.Max)
}

// ConcurrentModificationError is returned when lock-protected retries are
// exhausted and the caller should re-issue the whole operation.
type ConcurrentModificationError struct {
	Entity string
	Key    string
}

func (e *ConcurrentModificationError) Error() string {
	return fmt.Sprintf("concurrent modification on %s (%s): retries exhausted", e.Entity, e.Key)
}
