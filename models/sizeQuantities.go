package models

import (
	"fmt"
)

// SizeQuantities is the fixed size curve of a stitching record. Quantities
// are stored as flat columns (queryable, no JSON blobs); external input is
// accepted only through SizeQuantitiesFromMap, which rejects unknown keys.
type SizeQuantities struct {
	QtyS    int `gorm:"default:0" json:"qty_s"`
	QtyM    int `gorm:"default:0" json:"qty_m"`
	QtyL    int `gorm:"default:0" json:"qty_l"`
	QtyXl   int `gorm:"default:0" json:"qty_xl"`
	QtyXxl  int `gorm:"default:0" json:"qty_xxl"`
	QtyXxxl int `gorm:"default:0" json:"qty_xxxl"`
}

func (q SizeQuantities) Total() int {
	return q.QtyS + q.QtyM + q.QtyL + q.QtyXl + q.QtyXxl + q.QtyXxxl
}

func (q SizeQuantities) validate() error {
	for key, qty := range q.ToMap() {
		if qty < 0 {
			return fmt.Errorf("size %s quantity must not be negative", key)
		}
	}
	return nil
}

func (q SizeQuantities) ToMap() map[string]int {
	return map[string]int{
		"S":    q.QtyS,
		"M":    q.QtyM,
		"L":    q.QtyL,
		"XL":   q.QtyXl,
		"XXL":  q.QtyXxl,
		"XXXL": q.QtyXxxl,
	}
}

// SizeQuantitiesFromMap converts boundary input (size key -> quantity) into
// the typed curve. Unknown size keys and negative quantities are rejected.
func SizeQuantitiesFromMap(m map[string]int) (SizeQuantities, error) {
	var q SizeQuantities
	for key, qty := range m {
		if qty < 0 {
			return SizeQuantities{}, fmt.Errorf("size %s quantity must not be negative", key)
		}
		switch key {
		case "S":
			q.QtyS = qty
		case "M":
			q.QtyM = qty
		case "L":
			q.QtyL = qty
		case "XL":
			q.QtyXl = qty
		case "XXL":
			q.QtyXxl = qty
		case "XXXL":
			q.QtyXxxl = qty
		default:
			return SizeQuantities{}, fmt.Errorf("unknown size key %q", key)
		}
	}
	return q, nil
}
