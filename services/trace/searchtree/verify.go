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

import (
	"context"
	"log/slog"
	"slices"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/AleutianAI/csptrace/services/trace/telemetry"
	"github.com/AleutianAI/csptrace/services/trace/traceerr"
)

var verifyTracer = otel.Tracer("csptrace.searchtree.verify")

var (
	verifyDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "csptrace_searchtree_verify_duration_seconds",
		Help:    "Backjump verification duration in seconds",
		Buckets: prometheus.ExponentialBuckets(0.0001, 4, 10),
	})

	verifiedJumps = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "csptrace_searchtree_backjumps",
		Help:    "Verified backjumps per trace",
		Buckets: prometheus.ExponentialBuckets(1, 10, 8),
	})
)

// unclaimed marks a node that no backjump has passed over.
const unclaimed NodeID = NoNode

// verifier holds the scratch state for one Verify call.
type verifier struct {
	t       *Tree
	target  []NodeID
	claimer []NodeID
	walked  []bool
}

// Verify checks the backjump metadata and materializes the jump relation.
//
// Description:
//
//	Jump heights are recorded on the node that performs the unwind. For
//	every failing non-root node n with jump height h, Verify walks h
//	parents up from n:
//
//	  - Every node passed strictly before the h-th must have no jump
//	    height of its own, and may be passed by only one walk.
//	  - The walk must not pass above the root.
//	  - If the landing node failed and has a jump height, the walk
//	    continues from it.
//
//	Walks start in descending ID order, so children are walked before
//	their parents, and each start node is walked once.
//
//	After all walks, every failing non-root node without a jump height
//	must have been passed over by exactly one walk, and no successful
//	node may carry a jump height.
//
// Inputs:
//
//	ctx - Context for tracing.
//	t   - Tree in StateSized. A StateVerified tree is checked again
//	      without being modified.
//
// Outputs:
//
//	error - MetricPrecondition if t is not sized, ConsistencyViolation on
//	        the first bad claim. On success t is in StateVerified and
//	        JumpTarget answers for every node with a jump height.
//
// Thread Safety: Not safe for concurrent use on the same tree.
func Verify(ctx context.Context, t *Tree) error {
	start := time.Now()
	ctx, span := verifyTracer.Start(ctx, "searchtree.Verify")
	defer span.End()

	if t == nil {
		err := traceerr.MetricPrecondition("Verify", "nil tree")
		telemetry.RecordError(span, err)
		return err
	}
	if t.state != StateSized && t.state != StateVerified {
		err := traceerr.MetricPrecondition("Verify", "tree is %s, want %s", t.state, StateSized)
		telemetry.RecordError(span, err)
		return err
	}

	v := &verifier{
		t:       t,
		target:  make([]NodeID, len(t.nodes)),
		claimer: make([]NodeID, len(t.nodes)),
		walked:  make([]bool, len(t.nodes)),
	}
	for i := range v.target {
		v.target[i] = NoNode
		v.claimer[i] = unclaimed
	}

	if err := v.run(); err != nil {
		telemetry.RecordError(span, err)
		return err
	}

	if t.state == StateVerified {
		if !slices.Equal(t.jumpTarget, v.target) {
			err := traceerr.Consistency(t.Path(RootID), "re-verification disagrees with the stored backjump relation")
			telemetry.RecordError(span, err)
			return err
		}
		return nil
	}

	jumps := 0
	for _, target := range v.target {
		if target != NoNode {
			jumps++
		}
	}
	t.jumpTarget = v.target
	t.state = StateVerified

	elapsed := time.Since(start)
	verifyDuration.Observe(elapsed.Seconds())
	verifiedJumps.Observe(float64(jumps))
	span.SetAttributes(attribute.Int("backjumps", jumps))
	telemetry.LoggerWithTrace(ctx, slog.Default()).Debug("backjumps verified",
		slog.Int("backjumps", jumps),
		slog.Duration("elapsed", elapsed),
	)
	return nil
}

func (v *verifier) run() error {
	t := v.t
	for id := NodeID(len(t.nodes) - 1); id > RootID; id-- {
		n := &t.nodes[id]
		if n.Success && n.HasJumpHeight() {
			return traceerr.Consistency(t.Path(id), "successful decision has jump_height %d", n.JumpHeight)
		}
	}

	for id := NodeID(len(t.nodes) - 1); id > RootID; id-- {
		n := &t.nodes[id]
		if n.Success || !n.HasJumpHeight() || v.walked[id] {
			continue
		}
		if err := v.chain(id); err != nil {
			return err
		}
	}

	for id := NodeID(len(t.nodes) - 1); id > RootID; id-- {
		n := &t.nodes[id]
		if !n.Success && !n.HasJumpHeight() && v.claimer[id] == unclaimed {
			return traceerr.Consistency(t.Path(id), "failing decision has no jump_height and no backjump passes over it")
		}
	}
	return nil
}

// chain walks from id and keeps walking from each failing landing node
// that carries its own jump height.
func (v *verifier) chain(id NodeID) error {
	for cur := id; ; {
		landing, err := v.walk(cur)
		if err != nil {
			return err
		}
		next := &v.t.nodes[landing]
		if landing == RootID || next.Success || !next.HasJumpHeight() || v.walked[landing] {
			return nil
		}
		cur = landing
	}
}

// walk performs one backjump from id and returns the landing node.
func (v *verifier) walk(id NodeID) (NodeID, error) {
	t := v.t
	v.walked[id] = true
	h := t.nodes[id].JumpHeight

	cur := id
	for step := 1; step <= h; step++ {
		cur = t.nodes[cur].Parent
		if cur == NoNode {
			return NoNode, traceerr.Consistency(t.Path(id),
				"jump_height %d passes above the root at depth %d", h, t.nodes[id].Depth)
		}
		if step == h {
			break
		}
		inter := &t.nodes[cur]
		if inter.HasJumpHeight() {
			return NoNode, traceerr.Consistency(t.Path(id),
				"jump_height %d passes over %s which has its own jump_height %d", h, t.Path(cur), inter.JumpHeight)
		}
		if cur == RootID {
			return NoNode, traceerr.Consistency(t.Path(id),
				"jump_height %d passes above the root at depth %d", h, t.nodes[id].Depth)
		}
		if prev := v.claimer[cur]; prev != unclaimed {
			return NoNode, traceerr.Consistency(t.Path(id),
				"jump_height %d passes over %s, already passed over by %s", h, t.Path(cur), t.Path(prev))
		}
		v.claimer[cur] = id
	}

	v.target[id] = cur
	return cur, nil
}
