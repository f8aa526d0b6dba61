package models

// AllocationRole tags what a consumption allocation reserved fabric for.
// Lining allocations are stitcher-purchased material and carry a free-text
// name instead of a fabric lot reference.
type AllocationRole string

const (
	AllocationRolePrimary   AllocationRole = "primary"
	AllocationRoleSecondary AllocationRole = "secondary"
	AllocationRoleLining    AllocationRole = "lining"
)

func (r AllocationRole) IsFabric() bool {
	return r == AllocationRolePrimary || r == AllocationRoleSecondary
}

// SerialType selects the numbering style of a document serial.
type SerialType string

const (
	SerialTypeFabricInvoice   SerialType = "FI"
	SerialTypeStitchingRecord SerialType = "ST"
	SerialTypePackingList     SerialType = "PL"
	SerialTypeBillingGroup    SerialType = "GB"
	SerialTypeCommissionSale  SerialType = "CS"
)
