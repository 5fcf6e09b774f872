// Package kstats implements toggleable counters for scheduler and VM
// events: a const-gated no-op-when-disabled shape, with a pprof export
// for feeding counter snapshots to external profiling tools.
package kstats

import (
	"reflect"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/pprof/profile"
)

// Enabled gates whether counters actually increment. Off by default:
// the hot paths counters track (page faults, context switches) cannot
// afford the atomic add when nobody is reading the numbers.
var Enabled int32

func SetEnabled(v bool) {
	if v {
		atomic.StoreInt32(&Enabled, 1)
	} else {
		atomic.StoreInt32(&Enabled, 0)
	}
}

/// Counter is a statistical counter, a no-op when instrumentation is
/// disabled.
type Counter int64

/// Inc increments the counter.
func (c *Counter) Inc() {
	if atomic.LoadInt32(&Enabled) != 0 {
		atomic.AddInt64((*int64)(c), 1)
	}
}

/// Get reads the counter's current value.
func (c *Counter) Get() int64 {
	return atomic.LoadInt64((*int64)(c))
}

// Sched aggregates the counters the scheduler and VM subsystems
// maintain. A single global instance (Global) is used by default;
// tests may construct their own to avoid cross-test interference.
type Sched struct {
	ContextSwitches Counter
	Wakeups         Counter
	CancelledSleeps Counter
	PageFaults      Counter
	ShadowCollapses Counter
	Forks           Counter
	Reaps           Counter
}

// Global is the default counter set.
var Global = &Sched{}

/// String renders every Counter field of st, zero or not, via
/// reflection.
func String(st interface{}) string {
	v := reflect.ValueOf(st)
	if v.Kind() == reflect.Ptr {
		v = v.Elem()
	}
	var s strings.Builder
	for i := 0; i < v.NumField(); i++ {
		f := v.Field(i)
		if !strings.HasSuffix(f.Type().String(), "Counter") {
			continue
		}
		n := f.Interface().(Counter)
		s.WriteString("\n\t#")
		s.WriteString(v.Type().Field(i).Name)
		s.WriteString(": ")
		s.WriteString(strconv.FormatInt(int64(n), 10))
	}
	return s.String() + "\n"
}

// DumpProfile renders st's counters as a pprof profile.Profile sample
// set, one sample per counter, so this module's google/pprof
// dependency is exercised by real code rather than left implied.
func DumpProfile(st *Sched) *profile.Profile {
	vt := &profile.ValueType{Type: "count", Unit: "count"}
	p := &profile.Profile{
		SampleType:    []*profile.ValueType{vt},
		TimeNanos:     time.Now().UnixNano(),
		DurationNanos: 0,
	}
	add := func(name string, v int64) {
		fn := &profile.Function{ID: uint64(len(p.Function)) + 1, Name: name}
		p.Function = append(p.Function, fn)
		loc := &profile.Location{
			ID:   uint64(len(p.Location)) + 1,
			Line: []profile.Line{{Function: fn}},
		}
		p.Location = append(p.Location, loc)
		p.Sample = append(p.Sample, &profile.Sample{
			Location: []*profile.Location{loc},
			Value:    []int64{v},
		})
	}
	add("context_switches", st.ContextSwitches.Get())
	add("wakeups", st.Wakeups.Get())
	add("cancelled_sleeps", st.CancelledSleeps.Get())
	add("page_faults", st.PageFaults.Get())
	add("shadow_collapses", st.ShadowCollapses.Get())
	add("forks", st.Forks.Get())
	add("reaps", st.Reaps.Get())
	return p
}
