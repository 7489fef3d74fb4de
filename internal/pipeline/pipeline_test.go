package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"testing"

	"github.com/lmittmann/tint"

	"github.com/Brownie44l1/lnr-test/internal/catalog"
	"github.com/Brownie44l1/lnr-test/internal/dataset"
	"github.com/Brownie44l1/lnr-test/internal/visuals"
)

type fakeDataset struct {
	n     int
	next  int
	pulls int
}

func (d *fakeDataset) Next() (dataset.Item, bool, error) {
	d.pulls++
	if d.next >= d.n {
		return dataset.Item{}, false, nil
	}
	i := d.next
	d.next++
	return dataset.Item{Index: i, Path: fmt.Sprintf("/data/rgb/%04d.png", i), Input: []float32{float32(i)}}, true, nil
}

type fakeModel struct {
	current dataset.Item
	calls   []string
	// channels returns the output names for the i-th call; nil means the
	// default reconstruction/mask/rgba set.
	channels func(i int) []string
	tests    int
}

func (m *fakeModel) SetInput(item dataset.Item) error {
	m.calls = append(m.calls, "set_input")
	m.current = item
	return nil
}

func (m *fakeModel) Test() error {
	m.calls = append(m.calls, "test")
	m.tests++
	return nil
}

func (m *fakeModel) ImagePaths() []string {
	return []string{m.current.Path}
}

func (m *fakeModel) Results() (*visuals.Set, error) {
	names := []string{"reconstruction", "mask_l0", "rgba_l0", "rgba_l1"}
	if m.channels != nil {
		names = m.channels(m.current.Index)
	}
	set := visuals.NewSet()
	for _, name := range names {
		data := make([]float32, 4*2*2)
		for i := range data {
			data[i] = m.current.Input[0]
		}
		t, err := visuals.NewTensor([]int{1, 4, 2, 2}, data)
		if err != nil {
			return nil, err
		}
		set.Put(name, t)
	}
	return set, nil
}

type recorder struct {
	events     []string
	imageKeys  [][]string
	imagePaths []string
	video      *visuals.Set
	saves      int
}

func (r *recorder) Save() error {
	r.events = append(r.events, "save")
	r.saves++
	return nil
}

func (r *recorder) sinks() Sinks {
	return Sinks{
		SaveImages: func(rgba *visuals.Set, paths []string) error {
			r.events = append(r.events, "images")
			r.imageKeys = append(r.imageKeys, rgba.Keys())
			r.imagePaths = append(r.imagePaths, paths...)
			return nil
		},
		SaveVideos: func(all *visuals.Set) error {
			r.events = append(r.events, "videos")
			r.video = all
			return nil
		},
	}
}

type memCatalog struct {
	frames  []catalog.Frame
	flushed int
}

func (c *memCatalog) AddFrame(_ context.Context, f catalog.Frame) error {
	c.frames = append(c.frames, f)
	return nil
}

func (c *memCatalog) Flush(context.Context) error {
	c.flushed++
	return nil
}

func (c *memCatalog) Close() {}

func testLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(tint.NewHandler(buf, &tint.Options{NoColor: true, TimeFormat: "15:04:05"}))
}

var progressLine = regexp.MustCompile(`processing \((\d{4})\)-th image\.\.\.`)

func progressIndexes(log string) []int {
	var out []int
	for _, m := range progressLine.FindAllStringSubmatch(log, -1) {
		n, _ := strconv.Atoi(m[1])
		out = append(out, n)
	}
	return out
}

func TestRunEndToEnd(t *testing.T) {
	var logs bytes.Buffer
	ds := &fakeDataset{n: 7}
	model := &fakeModel{}
	rec := &recorder{}
	cat := &memCatalog{}

	summary, err := Run(context.Background(), Config{NumTest: 5}, Deps{
		Dataset: ds,
		Model:   model,
		Report:  rec,
		Sinks:   rec.sinks(),
		Catalog: cat,
		Run:     catalog.NewRun("reflection", "test", "latest"),
		Logger:  testLogger(&logs),
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if summary.Processed != 5 || summary.Frames != 5 {
		t.Fatalf("summary = %+v, want 5 processed and 5 frames", summary)
	}
	if model.tests != 5 {
		t.Fatalf("model ran %d times, want 5", model.tests)
	}
	if len(rec.imageKeys) != 5 {
		t.Fatalf("saved %d image sets, want 5", len(rec.imageKeys))
	}
	for _, keys := range rec.imageKeys {
		if !slices.Equal(keys, []string{"rgba_l0", "rgba_l1"}) {
			t.Fatalf("image keys = %v, only rgba layers should be saved", keys)
		}
	}
	if rec.imagePaths[4] != "/data/rgb/0004.png" {
		t.Fatalf("image paths = %v", rec.imagePaths)
	}

	if rec.video == nil {
		t.Fatal("videos not saved")
	}
	for _, k := range rec.video.Keys() {
		tn, _ := rec.video.Get(k)
		if tn.Len() != 5 {
			t.Errorf("video channel %s has %d frames, want 5", k, tn.Len())
		}
	}

	if rec.saves != 1 {
		t.Fatalf("report saved %d times, want 1", rec.saves)
	}
	if last := rec.events[len(rec.events)-1]; last != "save" {
		t.Fatalf("report must be saved last, events = %v", rec.events)
	}
	if got := rec.events[len(rec.events)-2]; got != "videos" {
		t.Fatalf("videos must be saved right before the report, events = %v", rec.events)
	}

	if len(cat.frames) != 5 || cat.flushed != 1 {
		t.Fatalf("catalog got %d frames and %d flushes", len(cat.frames), cat.flushed)
	}
	if len(cat.frames[0].Layers) != 2 {
		t.Fatalf("catalog layers = %+v", cat.frames[0].Layers)
	}

	if got := progressIndexes(logs.String()); !slices.Equal(got, []int{0}) {
		t.Fatalf("progress indexes = %v, want [0]", got)
	}
}

func TestRunStopsWhenDatasetIsExhausted(t *testing.T) {
	ds := &fakeDataset{n: 3}
	rec := &recorder{}
	summary, err := Run(context.Background(), Config{NumTest: 10}, Deps{
		Dataset: ds,
		Model:   &fakeModel{},
		Report:  rec,
		Sinks:   rec.sinks(),
		Logger:  testLogger(&bytes.Buffer{}),
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.Processed != 3 {
		t.Fatalf("Processed = %d, want 3", summary.Processed)
	}
	if rec.saves != 1 {
		t.Fatalf("report saved %d times", rec.saves)
	}
}

func TestRunProcessesMinOfDatasetAndCap(t *testing.T) {
	for _, tc := range []struct{ size, cap int }{
		{7, 5}, {5, 5}, {2, 5}, {13, 12}, {1, 1},
	} {
		rec := &recorder{}
		summary, err := Run(context.Background(), Config{NumTest: tc.cap}, Deps{
			Dataset: &fakeDataset{n: tc.size},
			Model:   &fakeModel{},
			Report:  rec,
			Sinks:   rec.sinks(),
			Logger:  testLogger(&bytes.Buffer{}),
		})
		if err != nil {
			t.Fatalf("size %d cap %d: %v", tc.size, tc.cap, err)
		}
		if want := min(tc.size, tc.cap); summary.Processed != want || summary.Frames != want {
			t.Errorf("size %d cap %d: summary %+v, want %d", tc.size, tc.cap, summary, want)
		}
	}
}

func TestRunLogsEveryFifthItem(t *testing.T) {
	var logs bytes.Buffer
	rec := &recorder{}
	_, err := Run(context.Background(), Config{NumTest: 12}, Deps{
		Dataset: &fakeDataset{n: 12},
		Model:   &fakeModel{},
		Report:  rec,
		Sinks:   rec.sinks(),
		Logger:  testLogger(&logs),
	})
	if err != nil {
		t.Fatal(err)
	}
	if got := progressIndexes(logs.String()); !slices.Equal(got, []int{0, 5, 10}) {
		t.Fatalf("progress indexes = %v, want [0 5 10]", got)
	}
	if !strings.Contains(logs.String(), "/data/rgb/0005.png") {
		t.Fatalf("progress line should name the image path:\n%s", logs.String())
	}
}

func TestRunWithoutItems(t *testing.T) {
	rec := &recorder{}
	for _, tc := range []struct{ size, cap int }{{0, 5}, {4, 0}} {
		_, err := Run(context.Background(), Config{NumTest: tc.cap}, Deps{
			Dataset: &fakeDataset{n: tc.size},
			Model:   &fakeModel{},
			Report:  rec,
			Sinks:   rec.sinks(),
			Logger:  testLogger(&bytes.Buffer{}),
		})
		if !errors.Is(err, ErrNoItems) {
			t.Fatalf("size %d cap %d: got %v, want ErrNoItems", tc.size, tc.cap, err)
		}
	}
	if len(rec.events) != 0 {
		t.Fatalf("nothing should be written without items, events = %v", rec.events)
	}
}

func TestRunFailsOnChannelChange(t *testing.T) {
	rec := &recorder{}
	model := &fakeModel{channels: func(i int) []string {
		if i == 3 {
			return []string{"reconstruction", "rgba_l0"}
		}
		return []string{"reconstruction", "rgba_l0", "rgba_l1"}
	}}

	summary, err := Run(context.Background(), Config{NumTest: 6}, Deps{
		Dataset: &fakeDataset{n: 6},
		Model:   model,
		Report:  rec,
		Sinks:   rec.sinks(),
		Logger:  testLogger(&bytes.Buffer{}),
	})
	if !errors.Is(err, visuals.ErrChannelMismatch) {
		t.Fatalf("got %v, want ErrChannelMismatch", err)
	}
	if summary.Processed != 3 {
		t.Fatalf("Processed = %d, want 3", summary.Processed)
	}
	if rec.saves != 0 || rec.video != nil {
		t.Fatal("report and videos must not be written after a failure")
	}
}

func TestRunStopsOnSinkError(t *testing.T) {
	rec := &recorder{}
	sinks := rec.sinks()
	boom := errors.New("disk full")
	sinks.SaveImages = func(*visuals.Set, []string) error { return boom }

	ds := &fakeDataset{n: 4}
	_, err := Run(context.Background(), Config{NumTest: 4}, Deps{
		Dataset: ds,
		Model:   &fakeModel{},
		Report:  rec,
		Sinks:   sinks,
		Logger:  testLogger(&bytes.Buffer{}),
	})
	if !errors.Is(err, boom) {
		t.Fatalf("got %v, want %v", err, boom)
	}
	if ds.pulls != 1 {
		t.Fatalf("dataset pulled %d times after the first failure", ds.pulls)
	}
	if rec.saves != 0 {
		t.Fatal("report saved after a failure")
	}
}
