package event

import (
	"fmt"
	"strings"
)

// Side is the outcome exposure within an opportunity
type Side int32

const (
	SideUnknown Side = iota
	SideYes
	SideNo
)

func (s Side) String() string {
	switch s {
	case SideYes:
		return "yes"
	case SideNo:
		return "no"
	default:
		return "unknown"
	}
}

// Valid reports whether s is YES or NO.
func (s Side) Valid() bool {
	return s == SideYes || s == SideNo
}

// Opposite returns the complementary side.
func (s Side) Opposite() Side {
	switch s {
	case SideYes:
		return SideNo
	case SideNo:
		return SideYes
	default:
		return SideUnknown
	}
}

// WinningSide maps a resolution outcome to the side that pays out.
func WinningSide(outcome bool) Side {
	if outcome {
		return SideYes
	}
	return SideNo
}

// ParseSide accepts "yes"/"no" in any case.
func ParseSide(s string) (Side, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "yes":
		return SideYes, nil
	case "no":
		return SideNo, nil
	default:
		return SideUnknown, fmt.Errorf("invalid side %q (want yes or no)", s)
	}
}
