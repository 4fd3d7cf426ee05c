// Package status tracks the system's entitlement status as reported by
// subscription-manager.
package status

import (
	"encoding/json"
	"fmt"
)

// EntitlementStatus is the subscription state of the machine.
type EntitlementStatus int

const (
	Unknown              EntitlementStatus = -1
	Valid                EntitlementStatus = 0
	Expired              EntitlementStatus = 1
	Warning              EntitlementStatus = 2
	RHNClassic           EntitlementStatus = 3
	PartiallyValid       EntitlementStatus = 4
	RegistrationRequired EntitlementStatus = 5
)

var names = map[EntitlementStatus]string{
	Unknown:              "UNKNOWN",
	Valid:                "RHSM_VALID",
	Expired:              "RHSM_EXPIRED",
	Warning:              "RHSM_WARNING",
	RHNClassic:           "RHN_CLASSIC",
	PartiallyValid:       "RHSM_PARTIALLY_VALID",
	RegistrationRequired: "RHSM_REGISTRATION_REQUIRED",
}

// FromCode maps a check_status code. Codes outside the table are Unknown.
func FromCode(code int) EntitlementStatus {
	s := EntitlementStatus(code)
	if _, ok := names[s]; !ok {
		return Unknown
	}
	return s
}

// Parse maps a status name back to its value.
func Parse(name string) (EntitlementStatus, error) {
	for s, n := range names {
		if n == name {
			return s, nil
		}
	}
	return Unknown, fmt.Errorf("unknown entitlement status %q", name)
}

func (s EntitlementStatus) String() string {
	if n, ok := names[s]; ok {
		return n
	}
	return names[Unknown]
}

// Code is the integer check_status reports for s.
func (s EntitlementStatus) Code() int {
	return int(s)
}

// Registered reports whether the system holds a valid registration. Only
// RHSM_VALID counts; the flow controller routes on this.
func (s EntitlementStatus) Registered() bool {
	return s == Valid
}

// MarshalJSON encodes the status by name.
func (s EntitlementStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON accepts a status name.
func (s *EntitlementStatus) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	parsed, err := Parse(name)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}
