package models

import (
	"fmt"
	"strings"

	"github.com/uptrace/bun"
)

type CabinClass string

const (
	CabinEconomy  CabinClass = "economy"
	CabinBusiness CabinClass = "business"
)

func (c CabinClass) Valid() bool {
	return c == CabinEconomy || c == CabinBusiness
}

// ParseCabinClass accepts the cabin name case-insensitively.
func ParseCabinClass(s string) (CabinClass, error) {
	c := CabinClass(strings.ToLower(strings.TrimSpace(s)))
	if !c.Valid() {
		return "", fmt.Errorf("%w: unknown cabin class %q", ErrInvalidRequest, s)
	}
	return c, nil
}

// FlightCabin is the catalog-owned seat capacity of one cabin on one flight.
type FlightCabin struct {
	bun.BaseModel `bun:"table:flight_cabins"`

	FlightID   int64      `bun:"flight_id,pk" json:"flight_id"`
	CabinClass CabinClass `bun:"cabin_class,pk" json:"cabin_class"`
	Capacity   int        `bun:"capacity,notnull" json:"capacity"`
}
