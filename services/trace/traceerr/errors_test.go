// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package traceerr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestError_Is verifies each kind matches its sentinel and no other.
func TestError_Is(t *testing.T) {
	sentinels := []error{
		ErrStructuralViolation,
		ErrUnsupportedStrategy,
		ErrConsistencyViolation,
		ErrMetricPrecondition,
	}
	kinds := []Kind{KindStructural, KindUnsupportedStrategy, KindConsistency, KindMetricPrecondition}

	for i, kind := range kinds {
		err := &Error{Kind: kind, Msg: "x"}
		for j, s := range sentinels {
			assert.Equal(t, i == j, errors.Is(err, s), "kind %v vs sentinel %v", kind, s)
		}
	}
}

// TestError_Message verifies the formatted message omits empty parts.
func TestError_Message(t *testing.T) {
	err := Structural("Solve/Search Step[0]", "missing %q", "success")
	assert.Equal(t, `structural violation: at Solve/Search Step[0]: missing "success"`, err.Error())

	err.File = "run1.json"
	assert.Equal(t, `structural violation: run1.json: at Solve/Search Step[0]: missing "success"`, err.Error())

	cause := errors.New("unexpected EOF")
	wrapped := StructuralCause("CSP", cause, "decode result")
	assert.Equal(t, "structural violation: at CSP: decode result: unexpected EOF", wrapped.Error())
	assert.ErrorIs(t, wrapped, cause)
	assert.ErrorIs(t, wrapped, ErrStructuralViolation)
}

// TestWithFile verifies file stamping copies and survives wrapping.
func TestWithFile(t *testing.T) {
	assert.NoError(t, WithFile(nil, "a.json"))

	orig := Consistency("search:0/1", "overlap")
	stamped := WithFile(fmt.Errorf("verify: %w", orig), "a.json")

	var te *Error
	require.ErrorAs(t, stamped, &te)
	assert.Equal(t, "a.json", te.File)
	assert.Empty(t, orig.File, "original must not be mutated")
	assert.ErrorIs(t, stamped, ErrConsistencyViolation)

	again := WithFile(stamped, "b.json")
	require.ErrorAs(t, again, &te)
	assert.Equal(t, "a.json", te.File)

	plain := WithFile(errors.New("boom"), "c.json")
	assert.Equal(t, "c.json: boom", plain.Error())
}

// TestKindOf verifies classification through wrapping.
func TestKindOf(t *testing.T) {
	kind, ok := KindOf(fmt.Errorf("build: %w", UnsupportedStrategy("Solve", "RandomRestart")))
	require.True(t, ok)
	assert.Equal(t, KindUnsupportedStrategy, kind)
	assert.Equal(t, "UNSUPPORTED_STRATEGY", kind.Code())

	_, ok = KindOf(errors.New("plain"))
	assert.False(t, ok)
}
