// Package visuals holds the named output channels produced by one inference
// call and the accumulator that stacks them over a run.
package visuals

import (
	"errors"
	"fmt"
	"slices"
	"strings"
)

// RGBAMarker marks channels holding a transparent image layer.
const RGBAMarker = "rgba"

var (
	ErrChannelMismatch = errors.New("visual channels differ from the first item")
	ErrEmpty           = errors.New("no visuals accumulated")
)

// Tensor is a dense float32 array. Shape[0] is the batch (time) axis.
type Tensor struct {
	Shape []int
	Data  []float32
}

// NewTensor checks that data fills shape exactly.
func NewTensor(shape []int, data []float32) (Tensor, error) {
	if len(shape) == 0 {
		return Tensor{}, errors.New("tensor needs at least one dimension")
	}
	if n := volume(shape); n != len(data) {
		return Tensor{}, fmt.Errorf("shape %v needs %d values, got %d", shape, n, len(data))
	}
	return Tensor{Shape: slices.Clone(shape), Data: data}, nil
}

// Len is the size of the leading axis.
func (t Tensor) Len() int {
	if len(t.Shape) == 0 {
		return 0
	}
	return t.Shape[0]
}

// FrameShape is the shape of one entry along the leading axis.
func (t Tensor) FrameShape() []int {
	if len(t.Shape) == 0 {
		return nil
	}
	return t.Shape[1:]
}

// Frame returns the i-th entry along the leading axis, sharing storage.
func (t Tensor) Frame(i int) Tensor {
	size := volume(t.FrameShape())
	return Tensor{
		Shape: append([]int{1}, t.FrameShape()...),
		Data:  t.Data[i*size : (i+1)*size],
	}
}

// Concat appends o to t along the leading axis.
func Concat(t, o Tensor) (Tensor, error) {
	if !slices.Equal(t.FrameShape(), o.FrameShape()) {
		return Tensor{}, fmt.Errorf("%w: frame shape %v vs %v", ErrChannelMismatch, t.FrameShape(), o.FrameShape())
	}
	data := make([]float32, 0, len(t.Data)+len(o.Data))
	data = append(data, t.Data...)
	data = append(data, o.Data...)
	shape := slices.Clone(t.Shape)
	shape[0] += o.Len()
	return Tensor{Shape: shape, Data: data}, nil
}

func volume(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

// Set maps channel names to tensors, keeping insertion order.
type Set struct {
	keys    []string
	tensors map[string]Tensor
}

func NewSet() *Set {
	return &Set{tensors: make(map[string]Tensor)}
}

// Put adds or replaces a channel.
func (s *Set) Put(key string, t Tensor) {
	if _, ok := s.tensors[key]; !ok {
		s.keys = append(s.keys, key)
	}
	s.tensors[key] = t
}

func (s *Set) Get(key string) (Tensor, bool) {
	t, ok := s.tensors[key]
	return t, ok
}

func (s *Set) Keys() []string {
	return slices.Clone(s.keys)
}

func (s *Set) Len() int {
	return len(s.keys)
}

// Filter returns the channels whose name contains substr.
func (s *Set) Filter(substr string) *Set {
	out := NewSet()
	for _, k := range s.keys {
		if strings.Contains(k, substr) {
			out.Put(k, s.tensors[k])
		}
	}
	return out
}

// RGBA returns the transparent layer channels.
func (s *Set) RGBA() *Set {
	return s.Filter(RGBAMarker)
}

func (s *Set) sameKeys(o *Set) bool {
	if len(s.keys) != len(o.keys) {
		return false
	}
	for _, k := range s.keys {
		if _, ok := o.tensors[k]; !ok {
			return false
		}
	}
	return true
}

// Accumulator stacks every channel of successive sets along the leading axis.
// The first merged set fixes the channel contract.
type Accumulator struct {
	set    *Set
	frames int
}

// Merge appends the set. It fails if the channels or their frame shapes differ
// from the first set, or if the channels of s hold different numbers of
// frames; the accumulator is left unchanged in that case.
func (a *Accumulator) Merge(s *Set) error {
	if s.Len() == 0 {
		return fmt.Errorf("%w: empty result set", ErrChannelMismatch)
	}
	n := s.tensors[s.keys[0]].Len()
	for _, k := range s.keys[1:] {
		if l := s.tensors[k].Len(); l != n {
			return fmt.Errorf("%w: channel %s has %d frames, %s has %d", ErrChannelMismatch, k, l, s.keys[0], n)
		}
	}
	if a.set == nil {
		a.set = NewSet()
		for _, k := range s.keys {
			a.set.Put(k, s.tensors[k])
		}
		a.frames = n
		return nil
	}
	if !a.set.sameKeys(s) {
		return fmt.Errorf("%w: have %v, got %v", ErrChannelMismatch, a.set.keys, s.keys)
	}

	merged := make(map[string]Tensor, len(a.set.keys))
	for _, k := range a.set.keys {
		t, err := Concat(a.set.tensors[k], s.tensors[k])
		if err != nil {
			return fmt.Errorf("channel %s: %w", k, err)
		}
		merged[k] = t
	}
	a.set.tensors = merged
	a.frames += n
	return nil
}

// Frames is the accumulated leading length.
func (a *Accumulator) Frames() int {
	return a.frames
}

// Set returns the accumulated channels.
func (a *Accumulator) Set() (*Set, error) {
	if a.set == nil {
		return nil, ErrEmpty
	}
	return a.set, nil
}
