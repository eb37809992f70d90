// Copyright 2026 The jetpointnet Authors. SPDX-License-Identifier: Apache-2.0

package pointnet

import (
	"fmt"
	"math/rand/v2"
	"testing"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/support/xslices"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/jetpointnet/jetpointnet/pkg/pointcloud"
	"github.com/stretchr/testify/require"

	_ "github.com/gomlx/gomlx/backends/default"
)

func TestActivations(t *testing.T) {
	graphtest.RunTestGraphFn(t, "RectifiedTSSR()",
		func(g *Graph) (inputs, outputs []*Node) {
			x := Const(g, []float32{-2, 0, 0.5, 1, 4})
			inputs = []*Node{x}
			outputs = []*Node{RectifiedTSSR(x)}
			return
		}, []any{
			[]float32{-0.02, 0, 0.5, 1, 1.1},
		}, 1e-6)

	graphtest.RunTestGraphFn(t, "CustomSigmoid()",
		func(g *Graph) (inputs, outputs []*Node) {
			x := Const(g, []float64{0, 1})
			inputs = []*Node{x}
			outputs = []*Node{CustomSigmoid(x, 3)}
			return
		}, []any{
			[]float64{0.5, 0.9525741268224334},
		}, xslices.Epsilon)

	graphtest.RunTestGraphFn(t, "HardSigmoid()",
		func(g *Graph) (inputs, outputs []*Node) {
			x := Const(g, []float32{-1, 0, 2})
			inputs = []*Node{x}
			outputs = []*Node{HardSigmoid(x)}
			return
		}, []any{
			[]float32{0, 0, 1},
		}, -1)

	g := NewGraph(graphtest.BuildTestBackend(), "TestActivations")
	x := Parameter(g, "x", shapes.Make(dtypes.Float32, 3))
	require.Panics(t, func() { _ = ApplyOutputActivation("softmax", x) })
}

func TestPointMaskAndMaskInputs(t *testing.T) {
	graphtest.RunTestGraphFn(t, "PointMask()",
		func(g *Graph) (inputs, outputs []*Node) {
			points := Const(g, [][][]float32{{
				{1, 2, 3, 4, 5, 0},
				{1, 2, 3, 4, 5, -1},
				{1, 2, 3, 4, 5, 2},
			}})
			inputs = []*Node{points}
			outputs = []*Node{PointMask(points), MaskInputs(points)}
			return
		}, []any{
			[][]bool{{true, false, true}},
			[][][]float32{{
				{1, 2, 3, 4, 5, 0},
				{0, 0, 0, 0, 0, 0},
				{1, 2, 3, 4, 5, 2},
			}},
		}, -1)
}

func TestGlobalMaxPool(t *testing.T) {
	graphtest.RunTestGraphFn(t, "GlobalMaxPool()",
		func(g *Graph) (inputs, outputs []*Node) {
			x := Const(g, [][][]float32{
				{{1, 5}, {3, 2}, {100, 100}},
				{{3, 2}, {100, 100}, {1, 5}},
				{{7, 7}, {8, 8}, {9, 9}},
			})
			mask := Const(g, [][]bool{
				{true, true, false},
				{true, false, true},
				{false, false, false},
			})
			inputs = []*Node{x, mask}
			outputs = []*Node{GlobalMaxPool(x, mask), GlobalMaxPool(x, nil)}
			return
		}, []any{
			[][]float32{{3, 5}, {3, 5}, {0, 0}},
			[][]float32{{100, 100}, {100, 100}, {9, 9}},
		}, -1)
}

func TestOrthogonalRegularizer(t *testing.T) {
	graphtest.RunTestGraphFn(t, "OrthogonalRegularizer()",
		func(g *Graph) (inputs, outputs []*Node) {
			ctx := context.New()
			transforms := Const(g, [][][]float32{
				{{2, 0}, {0, 1}}, // (AAᵀ-I)² sums to 9.
				{{0, 1}, {1, 0}}, // Orthogonal.
			})
			inputs = []*Node{transforms}
			outputs = []*Node{OrthogonalRegularizer(ctx, transforms, 0.1)}
			return
		}, []any{
			float32(0.45),
		}, 1e-6)

	// Batch size different from the transform size.
	graphtest.RunTestGraphFn(t, "OrthogonalRegularizer() with batch of 3",
		func(g *Graph) (inputs, outputs []*Node) {
			ctx := context.New()
			transforms := Const(g, [][][]float32{
				{{2, 0}, {0, 1}},
				{{1, 0}, {0, 1}},
				{{0, 1}, {1, 0}},
			})
			inputs = []*Node{transforms}
			outputs = []*Node{OrthogonalRegularizer(ctx, transforms, 0.1)}
			return
		}, []any{
			float32(0.3),
		}, 1e-6)
}

// randomEvent returns an event with numValid non-masked points.
func randomEvent(rng *rand.Rand, numValid int) pointcloud.Event {
	e := pointcloud.Event{ID: fmt.Sprintf("random_%d", numValid)}
	for ii := range numValid {
		pointType := pointcloud.Cell
		if ii == 0 {
			pointType = pointcloud.FocusedTrack
		}
		e.Points = append(e.Points, pointcloud.Point{
			X:             float32(rng.NormFloat64()),
			Y:             float32(rng.NormFloat64()),
			Z:             float32(rng.NormFloat64()),
			TrackDistance: float32(rng.Float64()),
			Energy:        float32(1 + 10*rng.Float64()),
			Type:          pointType,
		})
		e.Labels = append(e.Labels, float32(rng.Float64()))
	}
	return e
}

func smallModelContext() *context.Context {
	ctx := context.New()
	ctx.SetParams(map[string]any{
		ParamSizeFactor:       1,
		ParamOutputActivation: ActivationSigmoid,
	})
	return ctx
}

func TestTNetStartsAsIdentity(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	rng := rand.New(rand.NewPCG(42, 0))
	features, _, err := pointcloud.ToTensors(
		[]pointcloud.Event{randomEvent(rng, 5), randomEvent(rng, 8)}, 8)
	require.NoError(t, err)

	ctx := context.New()
	exec := context.MustNewExec(backend, ctx, func(ctx *context.Context, points *Node) *Node {
		return TNet(ctx.In("tnet"), points, PointMask(points), pointcloud.NumFeatures, true)
	})
	transform := exec.MustExec(features)[0]
	require.Equal(t, []int{2, pointcloud.NumFeatures, pointcloud.NumFeatures}, transform.Shape().Dimensions)
	got := tensors.CopyFlatData[float32](transform)
	for ii, v := range got {
		row := (ii / pointcloud.NumFeatures) % pointcloud.NumFeatures
		col := ii % pointcloud.NumFeatures
		want := float32(0)
		if row == col {
			want = 1
		}
		require.InDeltaf(t, want, v, 1e-6, "transform flat element #%d", ii)
	}
}

func TestModelGraph(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	rng := rand.New(rand.NewPCG(7, 0))
	const maxPoints = 10
	events := []pointcloud.Event{randomEvent(rng, 6), randomEvent(rng, 10), randomEvent(rng, 3)}

	// Permuted events: padding is moved in between valid points.
	permutedEvents := make([]pointcloud.Event, len(events))
	perms := make([][]int, len(events))
	for ii, e := range events {
		padded, err := e.Pad(maxPoints)
		require.NoError(t, err)
		perms[ii] = rng.Perm(maxPoints)
		permutedEvents[ii] = padded.Permute(perms[ii])
	}

	features, _, err := pointcloud.ToTensors(events, maxPoints)
	require.NoError(t, err)
	permutedFeatures, _, err := pointcloud.ToTensors(permutedEvents, maxPoints)
	require.NoError(t, err)

	ctx := smallModelContext()
	exec := context.MustNewExec(backend, ctx, func(ctx *context.Context, points *Node) *Node {
		return ModelGraph(ctx, nil, []*Node{points})[0]
	})
	var outputs, permutedOutputs []*tensors.Tensor
	require.NotPanics(t, func() { outputs = exec.MustExec(features) })
	require.NotPanics(t, func() { permutedOutputs = exec.MustExec(permutedFeatures) })
	require.Equal(t, []int{len(events), maxPoints, 1}, outputs[0].Shape().Dimensions)
	fmt.Printf("\tModel with %d parameters\n", ctx.NumParameters())

	predictions := outputs[0].Value().([][][]float32)
	permutedPredictions := permutedOutputs[0].Value().([][][]float32)
	for eventIdx, e := range events {
		for pointIdx := range maxPoints {
			pred := predictions[eventIdx][pointIdx][0]
			if pointIdx >= len(e.Points) {
				require.Equalf(t, float32(0), pred, "event #%d, padding point #%d", eventIdx, pointIdx)
				continue
			}
			// Sigmoid output times the energy.
			require.GreaterOrEqual(t, pred, float32(0))
			require.LessOrEqual(t, pred, e.Points[pointIdx].Energy)
		}
		for newIdx, oldIdx := range perms[eventIdx] {
			require.InDeltaf(t, predictions[eventIdx][oldIdx][0], permutedPredictions[eventIdx][newIdx][0], 1e-4,
				"event #%d: point #%d moved to #%d", eventIdx, oldIdx, newIdx)
		}
	}
}
