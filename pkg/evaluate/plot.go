// Copyright 2026 The jetpointnet Authors. SPDX-License-Identifier: Apache-2.0

package evaluate

import (
	"image/color"

	"github.com/jetpointnet/jetpointnet/pkg/pointcloud"
	"github.com/pkg/errors"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"
)

// PlotTruthVsPrediction saves to path a scatter plot of the predicted energy against the labeled energy of
// every point with a valid label, along with the diagonal of perfect predictions.
//
// The image format is taken from the path extension (e.g. ".png", ".svg" or ".pdf").
func PlotTruthVsPrediction(events []pointcloud.Event, predictions [][]float32, path string) error {
	if len(predictions) != len(events) {
		return errors.Errorf("got %d predictions for %d events", len(predictions), len(events))
	}
	var xys plotter.XYs
	var maxEnergy float64
	for eventIdx, e := range events {
		if len(predictions[eventIdx]) != len(e.Points) {
			return errors.Errorf("event %q has %d points but %d predictions",
				e.ID, len(e.Points), len(predictions[eventIdx]))
		}
		for ii, label := range e.Labels {
			if !e.IsLabelValid(ii) {
				continue
			}
			xy := plotter.XY{X: float64(label), Y: float64(predictions[eventIdx][ii])}
			maxEnergy = max(maxEnergy, xy.X, xy.Y)
			xys = append(xys, xy)
		}
	}
	if len(xys) == 0 {
		return errors.New("no points with valid labels to plot")
	}

	p := plot.New()
	p.Title.Text = "Per-point energy"
	p.X.Label.Text = "label (MeV)"
	p.Y.Label.Text = "prediction (MeV)"
	p.X.Min, p.Y.Min = 0, 0
	p.X.Max, p.Y.Max = maxEnergy, maxEnergy
	p.Add(plotter.NewGrid())

	scatter, err := plotter.NewScatter(xys)
	if err != nil {
		return errors.Wrap(err, "creating scatter plot")
	}
	scatter.GlyphStyle.Shape = draw.CircleGlyph{}
	scatter.GlyphStyle.Radius = vg.Points(1.5)
	scatter.GlyphStyle.Color = color.RGBA{R: 31, G: 119, B: 180, A: 160}

	diagonal := plotter.NewFunction(func(x float64) float64 { return x })
	diagonal.Color = color.RGBA{R: 214, G: 39, B: 40, A: 255}
	diagonal.Dashes = []vg.Length{vg.Points(4), vg.Points(4)}

	p.Add(scatter, diagonal)
	p.Legend.Add("points", scatter)
	p.Legend.Add("label = prediction", diagonal)
	p.Legend.Top = true
	p.Legend.Left = true

	if err := p.Save(8*vg.Inch, 8*vg.Inch, path); err != nil {
		return errors.Wrapf(err, "saving plot to %q", path)
	}
	return nil
}
