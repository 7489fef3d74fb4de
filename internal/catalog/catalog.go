// Package catalog records what a run produced for every processed frame.
package catalog

import (
	"context"
	"errors"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/Brownie44l1/lnr-test/internal/visuals"
)

// Storage defines the interface for storing frame records
type Storage interface {
	// AddFrame records one processed frame
	AddFrame(ctx context.Context, frame Frame) error

	// Flush ensures all pending frames are saved
	Flush(ctx context.Context) error

	Close()
}

// ErrFrameNotFound is returned when a search names a frame the run did not record.
var ErrFrameNotFound = errors.New("frame not in catalog")

// SimilarFrame is one result of a similarity search.
type SimilarFrame struct {
	Index    int
	Path     string
	Distance float64
}

// Searcher finds the recorded frames whose layer statistics are closest to
// those of frame index, nearest first, excluding the frame itself.
type Searcher interface {
	SimilarTo(ctx context.Context, index, limit int) ([]SimilarFrame, error)
}

// Run identifies one invocation of the driver.
type Run struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	Phase     string    `json:"phase"`
	Epoch     string    `json:"epoch"`
	StartedAt time.Time `json:"started_at"`
}

func NewRun(name, phase, epoch string) Run {
	return Run{
		ID:        uuid.New(),
		Name:      name,
		Phase:     phase,
		Epoch:     epoch,
		StartedAt: time.Now().UTC(),
	}
}

// LayerStat summarizes one RGBA layer of a frame.
type LayerStat struct {
	Name string `json:"name"`
	// Coverage is the mean alpha in [0, 1].
	Coverage float32 `json:"coverage"`
	// Luminance is the alpha-weighted mean luma in [0, 1].
	Luminance float32 `json:"luminance"`
}

// Frame is the catalog record of one processed item.
type Frame struct {
	RunID  uuid.UUID   `json:"run_id"`
	Index  int         `json:"index"`
	Path   string      `json:"path"`
	Layers []LayerStat `json:"layers"`
}

// Vector flattens the layer statistics for similarity search.
func (f Frame) Vector() []float32 {
	v := make([]float32, 0, 2*len(f.Layers))
	for _, l := range f.Layers {
		v = append(v, l.Coverage, l.Luminance)
	}
	return v
}

// Describe computes the statistics of every RGBA layer in set. Channels that
// are not 4-channel frames are skipped.
func Describe(set *visuals.Set) []LayerStat {
	var stats []LayerStat
	for _, name := range set.Keys() {
		t, _ := set.Get(name)
		frame := t.FrameShape()
		if len(frame) != 3 || frame[0] != 4 || t.Len() == 0 {
			continue
		}
		plane := frame[1] * frame[2]
		data := t.Frame(0).Data

		var alphaSum, lumaSum float64
		for i := 0; i < plane; i++ {
			a := unit(data[3*plane+i])
			luma := 0.299*unit(data[i]) + 0.587*unit(data[plane+i]) + 0.114*unit(data[2*plane+i])
			alphaSum += a
			lumaSum += a * luma
		}

		stat := LayerStat{Name: name}
		if plane > 0 {
			stat.Coverage = float32(alphaSum / float64(plane))
		}
		if alphaSum > 0 {
			stat.Luminance = float32(lumaSum / alphaSum)
		}
		stats = append(stats, stat)
	}
	return stats
}

// unit maps a network value in [-1, 1] to [0, 1].
func unit(v float32) float64 {
	return math.Min(1, math.Max(0, (float64(v)+1)/2))
}

// Distance is the Euclidean distance between two descriptors. Missing
// trailing components count as zero.
func Distance(a, b []float32) float64 {
	if len(a) < len(b) {
		a, b = b, a
	}
	var sum float64
	for i := range a {
		var y float64
		if i < len(b) {
			y = float64(b[i])
		}
		d := float64(a[i]) - y
		sum += d * d
	}
	return math.Sqrt(sum)
}

// nearest ranks frames by distance to query.
func nearest(frames []Frame, query []float32, index, limit int) []SimilarFrame {
	results := make([]SimilarFrame, 0, len(frames))
	for _, f := range frames {
		results = append(results, SimilarFrame{Index: f.Index, Path: f.Path, Distance: Distance(query, f.Vector())})
	}
	sort.SliceStable(results, func(i, j int) bool { return results[i].Distance < results[j].Distance })
	return withoutFrame(results, index, limit)
}

func withoutFrame(results []SimilarFrame, index, limit int) []SimilarFrame {
	out := make([]SimilarFrame, 0, limit)
	for _, r := range results {
		if r.Index == index {
			continue
		}
		if len(out) == limit {
			break
		}
		out = append(out, r)
	}
	return out
}

// Nop discards every frame.
type Nop struct{}

func (Nop) AddFrame(context.Context, Frame) error { return nil }
func (Nop) Flush(context.Context) error           { return nil }
func (Nop) Close()                                {}
