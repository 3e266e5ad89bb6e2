// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package rawtrace

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/AleutianAI/csptrace/services/trace/traceerr"
)

var (
	// ErrNoResult indicates a span without a result object.
	ErrNoResult = errors.New("span has no result")

	// ErrEmptyTrace indicates the input held no JSON value.
	ErrEmptyTrace = errors.New("empty trace")

	// ErrTrailingData indicates bytes after the root JSON value.
	ErrTrailingData = errors.New("trailing data after trace")
)

// Decode reads one trace from r.
//
// Description:
//
//	Decodes a single JSON object into a Node tree. Anything after the
//	object other than whitespace is rejected, so concatenated or truncated
//	files do not decode silently.
//
// Inputs:
//
//	r - Reader positioned at the start of the trace JSON.
//
// Outputs:
//
//	*Node - The root span.
//	error - ErrEmptyTrace, ErrTrailingData, a JSON error, or KindStructural
//	        for a null span.
func Decode(r io.Reader) (*Node, error) {
	dec := json.NewDecoder(r)
	var root Node
	if err := dec.Decode(&root); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, ErrEmptyTrace
		}
		return nil, fmt.Errorf("decode trace: %w", err)
	}
	var extra json.RawMessage
	if err := dec.Decode(&extra); !errors.Is(err, io.EOF) {
		return nil, ErrTrailingData
	}
	if err := Validate(&root); err != nil {
		return nil, err
	}
	return &root, nil
}

// DecodeBytes decodes a trace held in memory.
func DecodeBytes(data []byte) (*Node, error) {
	return Decode(bytes.NewReader(data))
}

// ReadFile decodes the trace stored at path.
func ReadFile(path string) (*Node, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open trace: %w", err)
	}
	defer f.Close()
	return Decode(f)
}

// =============================================================================
// Root Shape
// =============================================================================

// Sections returns the Initialize and Solve spans of a trace root.
//
// Description:
//
//	The root must be tagged CSP (or the legacy Total) and have at least two
//	children, the first tagged Initialize and the second tagged Solve.
//	No span anywhere in the trace may be null.
//
// Outputs:
//
//	init, solve - The two required children.
//	error - *traceerr.Error of KindStructural when the shape is wrong.
func Sections(root *Node) (init, solve *Node, err error) {
	if root == nil {
		return nil, nil, traceerr.Structural("", "trace has no root")
	}
	rootPath := Path{{Tag: root.Type}}
	if !root.Type.IsRoot() {
		return nil, nil, traceerr.Structural(rootPath.String(), "root tag is %q, want %q", root.Type, TagCSP)
	}
	if len(root.Children) < 2 {
		return nil, nil, traceerr.Structural(rootPath.String(), "root has %d children, want at least 2", len(root.Children))
	}
	if err := Validate(root); err != nil {
		return nil, nil, err
	}
	if got := root.Children[0].Type; got != TagInitialize {
		return nil, nil, traceerr.Structural(rootPath.Push(got, 0).String(), "first child is %q, want %q", got, TagInitialize)
	}
	if got := root.Children[1].Type; got != TagSolve {
		return nil, nil, traceerr.Structural(rootPath.Push(got, 1).String(), "second child is %q, want %q", got, TagSolve)
	}
	return root.Children[0], root.Children[1], nil
}

// TrackAC3 reads the root's track_ac3 flag.
//
// Outputs:
//
//	bool  - Whether AC-3 spans were recorded.
//	error - KindStructural if the result or field is missing.
func TrackAC3(root *Node) (bool, error) {
	path := Path{{Tag: root.Type}}.String()
	var res RootResult
	if err := root.DecodeResult(&res); err != nil {
		return false, traceerr.StructuralCause(path, err, "root result")
	}
	if res.TrackAC3 == nil {
		return false, traceerr.Structural(path, "root result missing %q", "track_ac3")
	}
	return *res.TrackAC3, nil
}

// Initialize decodes the Initialize span's result.
//
// Outputs:
//
//	*InitializeResult - Decoded metadata. Maps may be nil if absent.
//	error - KindStructural on a malformed root or result.
func Initialize(root *Node) (*InitializeResult, error) {
	init, _, err := Sections(root)
	if err != nil {
		return nil, err
	}
	path := Path{{Tag: root.Type}}.Push(TagInitialize, 0).String()
	var res InitializeResult
	if err := init.DecodeResult(&res); err != nil {
		return nil, traceerr.StructuralCause(path, err, "initialize result")
	}
	return &res, nil
}
