// Copyright 2026 The jetpointnet Authors. SPDX-License-Identifier: Apache-2.0

package dataset

import (
	"io"
	"math"
	"os"

	"github.com/go-gota/gota/dataframe"
	"github.com/go-gota/gota/series"
	"github.com/jetpointnet/jetpointnet/pkg/pointcloud"
	"github.com/pkg/errors"
)

// Columns of the long-format CSV files, one point per row.
const (
	ColEvent         = "event"
	ColX             = "x"
	ColY             = "y"
	ColZ             = "z"
	ColTrackDistance = "track_distance"
	ColEnergy        = "energy"
	ColType          = "type"
	ColLabel         = "label"
)

var (
	// CSVColumns in the order they are written.
	CSVColumns = []string{ColEvent, ColX, ColY, ColZ, ColTrackDistance, ColEnergy, ColType, ColLabel}

	csvTypes = map[string]series.Type{
		ColEvent:         series.String,
		ColX:             series.Float,
		ColY:             series.Float,
		ColZ:             series.Float,
		ColTrackDistance: series.Float,
		ColEnergy:        series.Float,
		ColType:          series.Float,
		ColLabel:         series.Float,
	}
)

// LoadCSV reads events from a long-format CSV file with a header and the columns listed in CSVColumns.
// Rows are grouped into events by the "event" column, events ordered by their first appearance.
//
// If maxPoints > 0, events with more points than that fail with pointcloud.ErrTooManyPoints.
func LoadCSV(path string, maxPoints int) ([]pointcloud.Event, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "opening CSV file %q", path)
	}
	defer func() { _ = f.Close() }()
	events, err := ReadCSV(f, maxPoints)
	return events, errors.WithMessagef(err, "reading CSV file %q", path)
}

// ReadCSV is like LoadCSV, but reads from r.
func ReadCSV(r io.Reader, maxPoints int) ([]pointcloud.Event, error) {
	df := dataframe.ReadCSV(r, dataframe.HasHeader(true), dataframe.WithTypes(csvTypes))
	if df.Err != nil {
		return nil, errors.Wrap(df.Err, "parsing CSV")
	}
	for _, col := range CSVColumns {
		if !hasColumn(df, col) {
			return nil, errors.Errorf("CSV is missing column %q, columns required: %v", col, CSVColumns)
		}
	}

	eventIDs := df.Col(ColEvent).Records()
	xs, ys, zs := df.Col(ColX).Float(), df.Col(ColY).Float(), df.Col(ColZ).Float()
	distances, energies := df.Col(ColTrackDistance).Float(), df.Col(ColEnergy).Float()
	types, labels := df.Col(ColType).Float(), df.Col(ColLabel).Float()

	var events []pointcloud.Event
	eventIdx := make(map[string]int)
	for row, id := range eventIDs {
		idx, found := eventIdx[id]
		if !found {
			idx = len(events)
			eventIdx[id] = idx
			events = append(events, pointcloud.Event{ID: id})
		}
		if math.IsNaN(types[row]) || math.IsNaN(energies[row]) {
			return nil, errors.Errorf("CSV row %d (event %q) has missing type or energy", row+1, id)
		}
		e := &events[idx]
		e.Points = append(e.Points, pointcloud.Point{
			X:             float32(xs[row]),
			Y:             float32(ys[row]),
			Z:             float32(zs[row]),
			TrackDistance: float32(distances[row]),
			Energy:        float32(energies[row]),
			Type:          pointcloud.PointType(math.Round(types[row])),
		})
		e.Labels = append(e.Labels, float32(labels[row]))
	}

	for _, e := range events {
		if maxPoints > 0 && len(e.Points) > maxPoints {
			return nil, errors.Wrapf(pointcloud.ErrTooManyPoints, "event %q has %d points, max is %d",
				e.ID, len(e.Points), maxPoints)
		}
		if err := e.Validate(); err != nil {
			return nil, err
		}
	}
	return events, nil
}

// WriteCSV writes the events in the long format read by ReadCSV.
func WriteCSV(w io.Writer, events []pointcloud.Event) error {
	var numRows int
	for _, e := range events {
		numRows += len(e.Points)
	}
	ids := make([]string, 0, numRows)
	columns := make(map[string][]float64, len(CSVColumns)-1)
	for _, col := range CSVColumns[1:] {
		columns[col] = make([]float64, 0, numRows)
	}
	for _, e := range events {
		for ii, p := range e.Points {
			ids = append(ids, e.ID)
			columns[ColX] = append(columns[ColX], float64(p.X))
			columns[ColY] = append(columns[ColY], float64(p.Y))
			columns[ColZ] = append(columns[ColZ], float64(p.Z))
			columns[ColTrackDistance] = append(columns[ColTrackDistance], float64(p.TrackDistance))
			columns[ColEnergy] = append(columns[ColEnergy], float64(p.Energy))
			columns[ColType] = append(columns[ColType], float64(p.Type))
			columns[ColLabel] = append(columns[ColLabel], float64(e.Labels[ii]))
		}
	}
	allSeries := []series.Series{series.New(ids, series.String, ColEvent)}
	for _, col := range CSVColumns[1:] {
		allSeries = append(allSeries, series.New(columns[col], series.Float, col))
	}
	df := dataframe.New(allSeries...)
	if df.Err != nil {
		return errors.Wrap(df.Err, "building data frame")
	}
	return errors.Wrap(df.WriteCSV(w), "writing CSV")
}

func hasColumn(df dataframe.DataFrame, name string) bool {
	for _, col := range df.Names() {
		if col == name {
			return true
		}
	}
	return false
}
