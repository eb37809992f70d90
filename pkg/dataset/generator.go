// Copyright 2026 The jetpointnet Authors. SPDX-License-Identifier: Apache-2.0

package dataset

import (
	"fmt"
	"math"
	"math/rand/v2"

	"github.com/jetpointnet/jetpointnet/internal/workerspool"
	"github.com/jetpointnet/jetpointnet/pkg/pointcloud"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat/distuv"
)

// GeneratorConfig holds the parameters of the synthetic events.
type GeneratorConfig struct {
	// MinCells and MaxCells bound the number of calorimeter cells per event (uniformly sampled).
	MinCells, MaxCells int

	// MeanOtherTracks is the mean (Poisson) number of tracks besides the focused one.
	MeanOtherTracks float64

	// MaxOtherTracks caps the number of other tracks.
	MaxOtherTracks int

	// CaloRadius is the radius (mm) of the cylinder where the tracks hit the calorimeter.
	CaloRadius float64

	// ShowerSpread is the standard deviation (mm) of the cell positions around each energy deposit.
	ShowerSpread float64

	// TrackEnergyLogMean and TrackEnergyLogSigma parametrize the log-normal distribution of the track energies (MeV).
	TrackEnergyLogMean, TrackEnergyLogSigma float64

	// NeutralFraction is the mean energy of the neutral deposit relative to the focused track.
	NeutralFraction float64

	// AngularSpread is the standard deviation (in eta and phi) of the other deposits around the focused track.
	AngularSpread float64
}

// DefaultGeneratorConfig returns the configuration used by NewGenerator.
func DefaultGeneratorConfig() GeneratorConfig {
	return GeneratorConfig{
		MinCells:            20,
		MaxCells:            120,
		MeanOtherTracks:     1.0,
		MaxOtherTracks:      4,
		CaloRadius:          1500,
		ShowerSpread:        60,
		TrackEnergyLogMean:  math.Log(10_000),
		TrackEnergyLogSigma: 0.6,
		NeutralFraction:     0.3,
		AngularSpread:       0.05,
	}
}

// MaxEventPoints returns the largest number of points an event of this configuration can have.
func (c GeneratorConfig) MaxEventPoints() int {
	return c.MaxCells + 1 + c.MaxOtherTracks
}

// Generator of synthetic events: a focused track, other tracks and a neutral deposit each shower into
// calorimeter cells around where they hit the calorimeter.
//
// Each cell's label is the share of its energy coming from the focused track. Track points are labeled
// with pointcloud.LabelSentinel, so they are not predicted on.
//
// A Generator is not safe for concurrent use.
type Generator struct {
	Config GeneratorConfig
	rng    *rand.Rand
}

// NewGenerator returns a Generator with DefaultGeneratorConfig, deterministic for the given seed.
func NewGenerator(seed uint64) *Generator {
	return NewGeneratorWithConfig(DefaultGeneratorConfig(), seed)
}

// NewGeneratorWithConfig returns a Generator with the given config, deterministic for the given seed.
func NewGeneratorWithConfig(config GeneratorConfig, seed uint64) *Generator {
	return &Generator{
		Config: config,
		rng:    rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
	}
}

// deposit is a source of energy in the calorimeter.
type deposit struct {
	center []float64
	energy float64
}

// hitPosition returns the point where a particle with the given pseudo-rapidity and azimuth hits the calorimeter.
func (g *Generator) hitPosition(eta, phi float64) []float64 {
	r := g.Config.CaloRadius
	return []float64{r * math.Cos(phi), r * math.Sin(phi), r * math.Sinh(eta)}
}

// Event generates one event with the given ID.
func (g *Generator) Event(id string) pointcloud.Event {
	cfg := g.Config
	uniform := distuv.Uniform{Min: 0, Max: 1, Src: g.rng}
	angle := distuv.Normal{Mu: 0, Sigma: cfg.AngularSpread, Src: g.rng}
	trackEnergy := distuv.LogNormal{Mu: cfg.TrackEnergyLogMean, Sigma: cfg.TrackEnergyLogSigma, Src: g.rng}
	spread := distuv.Normal{Mu: 0, Sigma: cfg.ShowerSpread, Src: g.rng}
	numOtherTracks := int(distuv.Poisson{Lambda: cfg.MeanOtherTracks, Src: g.rng}.Rand())
	numOtherTracks = min(numOtherTracks, cfg.MaxOtherTracks)

	eta := 5*uniform.Rand() - 2.5
	phi := 2*math.Pi*uniform.Rand() - math.Pi

	// Deposits: focused track first, then other tracks, then a neutral one.
	deposits := make([]deposit, 0, numOtherTracks+2)
	deposits = append(deposits, deposit{center: g.hitPosition(eta, phi), energy: trackEnergy.Rand()})
	for range numOtherTracks {
		deposits = append(deposits, deposit{
			center: g.hitPosition(eta+angle.Rand(), phi+angle.Rand()),
			energy: trackEnergy.Rand(),
		})
	}
	neutralEnergy := distuv.Exponential{Rate: 1 / (cfg.NeutralFraction * deposits[0].energy), Src: g.rng}
	deposits = append(deposits, deposit{
		center: g.hitPosition(eta+angle.Rand(), phi+angle.Rand()),
		energy: neutralEnergy.Rand(),
	})
	focused := deposits[0].center

	e := pointcloud.Event{ID: id}

	// Tracks.
	for ii := range numOtherTracks + 1 {
		pointType := pointcloud.OtherTrack
		if ii == 0 {
			pointType = pointcloud.FocusedTrack
		}
		e.Points = append(e.Points, newPoint(deposits[ii].center, focused, deposits[ii].energy, pointType))
		e.Labels = append(e.Labels, pointcloud.LabelSentinel)
	}

	// Cells: positioned around a deposit chosen proportionally to its energy.
	numCells := cfg.MinCells
	if cfg.MaxCells > cfg.MinCells {
		numCells += g.rng.IntN(cfg.MaxCells - cfg.MinCells + 1)
	}
	depositEnergies := make([]float64, len(deposits))
	for ii, d := range deposits {
		depositEnergies[ii] = d.energy
	}
	sourceDist := distuv.NewCategorical(depositEnergies, g.rng)

	shares := make([]float64, len(deposits))
	position := make([]float64, 3)
	for range numCells {
		source := int(sourceDist.Rand())
		for axis := range position {
			position[axis] = deposits[source].center[axis] + spread.Rand()
		}
		// Energy received from each deposit decays with the distance to its center.
		for ii, d := range deposits {
			dist := floats.Distance(position, d.center, 2) / cfg.ShowerSpread
			shares[ii] = d.energy / float64(numCells) * math.Exp(-0.5*dist*dist)
		}
		cellEnergy := floats.Sum(shares)
		e.Points = append(e.Points, newPoint(position, focused, cellEnergy, pointcloud.Cell))
		e.Labels = append(e.Labels, float32(shares[0]))
	}
	return e.Permute(g.rng.Perm(len(e.Points)))
}

// Events generates n events, with IDs prefixed by prefix.
//
// Each event is generated from its own seed, drawn in order from the Generator, so the result is deterministic
// while the events themselves are generated in parallel.
func (g *Generator) Events(prefix string, n int) []pointcloud.Event {
	seeds := make([][2]uint64, n)
	for ii := range seeds {
		seeds[ii] = [2]uint64{g.rng.Uint64(), g.rng.Uint64()}
	}
	events := make([]pointcloud.Event, n)
	workerspool.New().ForEach(n, func(ii int) {
		eventGen := &Generator{Config: g.Config, rng: rand.New(rand.NewPCG(seeds[ii][0], seeds[ii][1]))}
		events[ii] = eventGen.Event(fmt.Sprintf("%s%d", prefix, ii))
	})
	return events
}

func newPoint(position, focused []float64, energy float64, pointType pointcloud.PointType) pointcloud.Point {
	return pointcloud.Point{
		X:             float32(position[0]),
		Y:             float32(position[1]),
		Z:             float32(position[2]),
		TrackDistance: float32(floats.Distance(position, focused, 2)),
		Energy:        float32(energy),
		Type:          pointType,
	}
}
