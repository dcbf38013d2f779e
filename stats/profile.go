package stats

import (
	"io"
	"sort"
	"time"

	"github.com/google/pprof/profile"
)

// Profdump serializes a set of named event counters into the pprof
// wire format, one synthetic call site per counter, so the usual
// tooling (go tool pprof, pprof -top) can rank kernel events the same
// way it ranks CPU samples. The counter names become function names;
// there are no real frames behind them since these are event counts,
// not stack samples.
func Profdump(w io.Writer, counters map[string]int64) error {
	names := make([]string, 0, len(counters))
	for name := range counters {
		names = append(names, name)
	}
	sort.Strings(names)

	p := &profile.Profile{
		SampleType: []*profile.ValueType{{Type: "events", Unit: "count"}},
		TimeNanos:  time.Now().UnixNano(),
	}
	for i, name := range names {
		fn := &profile.Function{
			ID:         uint64(i + 1),
			Name:       name,
			SystemName: name,
		}
		loc := &profile.Location{
			ID:   uint64(i + 1),
			Line: []profile.Line{{Function: fn, Line: 1}},
		}
		p.Function = append(p.Function, fn)
		p.Location = append(p.Location, loc)
		p.Sample = append(p.Sample, &profile.Sample{
			Location: []*profile.Location{loc},
			Value:    []int64{counters[name]},
		})
	}
	if err := p.CheckValid(); err != nil {
		return err
	}
	return p.Write(w)
}
