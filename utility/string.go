package utility

import (
	"github.com/google/uuid"
	"strconv"
)

// NewUUID returns a fresh random identifier for OCPP-J message correlation.
func NewUUID() string {
	return uuid.New().String()
}

// ToInt converts a string to an integer, tolerating float formatting
func ToInt(s string) int {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return int(f)
}
