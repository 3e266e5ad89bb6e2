// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package metrics

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/AleutianAI/csptrace/services/trace/searchtree"
)

// ReasonKey is a (success, reason) pair.
//
// It marshals as "<success>/<reason>", for example "false/ac3", so that
// histograms encode as flat JSON and YAML objects.
type ReasonKey struct {
	Success bool
	Reason  searchtree.Reason
}

// String returns the "<success>/<reason>" form.
func (k ReasonKey) String() string {
	return strconv.FormatBool(k.Success) + "/" + k.Reason.String()
}

// MarshalText implements encoding.TextMarshaler.
func (k ReasonKey) MarshalText() ([]byte, error) {
	reason, err := k.Reason.MarshalText()
	if err != nil {
		return nil, err
	}
	return []byte(strconv.FormatBool(k.Success) + "/" + string(reason)), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *ReasonKey) UnmarshalText(text []byte) error {
	success, reason, ok := strings.Cut(string(text), "/")
	if !ok {
		return fmt.Errorf("reason key %q: want <success>/<reason>", text)
	}
	b, err := strconv.ParseBool(success)
	if err != nil {
		return fmt.Errorf("reason key %q: %w", text, err)
	}
	r, err := searchtree.ParseReason(reason)
	if err != nil {
		return fmt.Errorf("reason key %q: %w", text, err)
	}
	k.Success, k.Reason = b, r
	return nil
}

// ReasonHistogram counts decisions by (success, reason).
//
// The virtual root is not a decision and is excluded.
func ReasonHistogram(t *searchtree.Tree) (map[ReasonKey]int, error) {
	if err := t.RequireVerified("ReasonHistogram"); err != nil {
		return nil, err
	}
	hist := make(map[ReasonKey]int)
	t.Walk(func(id searchtree.NodeID, n *searchtree.Node) bool {
		if id != searchtree.RootID {
			hist[ReasonKey{Success: n.Success, Reason: n.Reason}]++
		}
		return true
	})
	return hist, nil
}

// JumpHeightHistogram counts nodes by jump height. Nodes without one are
// not counted.
func JumpHeightHistogram(t *searchtree.Tree) (map[int]int, error) {
	if err := t.RequireVerified("JumpHeightHistogram"); err != nil {
		return nil, err
	}
	hist := make(map[int]int)
	t.Walk(func(_ searchtree.NodeID, n *searchtree.Node) bool {
		if n.HasJumpHeight() {
			hist[n.JumpHeight]++
		}
		return true
	})
	return hist, nil
}

// Backjumps summarizes the verified backjump relation.
type Backjumps struct {
	// Count is the number of nodes with a jump target.
	Count int `json:"count" yaml:"count"`

	// MaxHeight is the largest jump height, 0 when there are none.
	MaxHeight int `json:"max_height" yaml:"max_height"`

	// Skipped is the number of decisions passed over by multi-level jumps.
	Skipped int `json:"skipped" yaml:"skipped"`
}

// BackjumpSummary reads the jump relation materialized by Verify.
func BackjumpSummary(t *searchtree.Tree) (Backjumps, error) {
	if err := t.RequireVerified("BackjumpSummary"); err != nil {
		return Backjumps{}, err
	}
	var s Backjumps
	t.Walk(func(id searchtree.NodeID, n *searchtree.Node) bool {
		if _, ok := t.JumpTarget(id); ok {
			s.Count++
			s.Skipped += n.JumpHeight - 1
			if n.JumpHeight > s.MaxHeight {
				s.MaxHeight = n.JumpHeight
			}
		}
		return true
	})
	return s, nil
}
