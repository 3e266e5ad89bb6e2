// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package searchtree

import "fmt"

// Reason explains why a decision node succeeded or failed.
//
// The set is closed. Presentation (labels, colors) lives in the display
// package, not here.
type Reason uint8

const (
	// ReasonRecursive means the outcome was decided by the node's subtree.
	ReasonRecursive Reason = iota

	// ReasonAC3Fail means arc consistency wiped out a domain after the
	// assignment.
	ReasonAC3Fail

	// ReasonDuplicate means the value was already used elsewhere.
	ReasonDuplicate

	// ReasonSolved means the assignment completed a solution.
	ReasonSolved
)

// Reasons lists every Reason in declaration order.
var Reasons = []Reason{ReasonRecursive, ReasonAC3Fail, ReasonDuplicate, ReasonSolved}

// String returns the wire name used in traces and reports.
func (r Reason) String() string {
	switch r {
	case ReasonRecursive:
		return "recursive"
	case ReasonAC3Fail:
		return "ac3"
	case ReasonDuplicate:
		return "duplicate"
	case ReasonSolved:
		return "solved"
	default:
		return fmt.Sprintf("reason(%d)", uint8(r))
	}
}

// ParseReason parses a wire name.
func ParseReason(s string) (Reason, error) {
	for _, r := range Reasons {
		if r.String() == s {
			return r, nil
		}
	}
	return 0, fmt.Errorf("unknown reason %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (r Reason) MarshalText() ([]byte, error) {
	if int(r) >= len(Reasons) {
		return nil, fmt.Errorf("invalid reason %d", uint8(r))
	}
	return []byte(r.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (r *Reason) UnmarshalText(text []byte) error {
	parsed, err := ParseReason(string(text))
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}
