// Package stats holds atomic counters for syscall and scheduling
// accounting, plus a pprof profile export of the accumulated counts.
package stats

import (
	"reflect"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/google/pprof/profile"
)

// Counter_t is a statistical counter, always enabled: syscall_times
// is load-bearing for sys_task_info and must always accumulate.
type Counter_t int64

// Cycles_t holds accumulated wall-clock nanoseconds for a gated timing
// region; a raw cycle counter is unavailable in stock Go, so wall-clock
// duration serves the same accounting role.
type Cycles_t int64

// Inc increments the counter by one.
func (c *Counter_t) Inc() {
	n := (*int64)(unsafe.Pointer(c))
	atomic.AddInt64(n, 1)
}

// Get returns the counter's current value.
func (c *Counter_t) Get() int64 {
	n := (*int64)(unsafe.Pointer(c))
	return atomic.LoadInt64(n)
}

// Add adds the elapsed duration since start to the cycle counter.
func (c *Cycles_t) Add(start time.Time) {
	n := (*int64)(unsafe.Pointer(c))
	atomic.AddInt64(n, int64(time.Since(start)))
}

// Get returns the accumulated duration.
func (c *Cycles_t) Get() time.Duration {
	n := (*int64)(unsafe.Pointer(c))
	return time.Duration(atomic.LoadInt64(n))
}

// Stats2String converts a struct of counters to a printable string.
func Stats2String(st interface{}) string {
	v := reflect.ValueOf(st)
	s := ""
	for i := 0; i < v.NumField(); i++ {
		t := v.Field(i).Type().String()
		if strings.HasSuffix(t, "Counter_t") {
			n := v.Field(i).Interface().(Counter_t)
			s += "\n\t#" + v.Type().Field(i).Name + ": " + strconv.FormatInt(int64(n), 10)
		}
		if strings.HasSuffix(t, "Cycles_t") {
			n := v.Field(i).Interface().(Cycles_t)
			s += "\n\t#" + v.Type().Field(i).Name + ": " + strconv.FormatInt(int64(n), 10)
		}
	}
	return s + "\n"
}

// SyscallProfile builds a pprof profile.Profile summarizing per-syscall
// invocation counts, one Sample per syscall id with a nonzero count. It
// can be written with (*profile.Profile).Write to produce a standard
// pprof-compatible file for offline inspection of syscall traffic.
func SyscallProfile(names map[int]string, counts []Counter_t) *profile.Profile {
	p := &profile.Profile{
		SampleType: []*profile.ValueType{
			{Type: "syscalls", Unit: "count"},
		},
		TimeNanos: 1,
	}
	var fid, lid uint64
	for id, c := range counts {
		n := c.Get()
		if n == 0 {
			continue
		}
		name := names[id]
		if name == "" {
			name = "syscall_" + strconv.Itoa(id)
		}
		fid++
		fn := &profile.Function{ID: fid, Name: name, SystemName: name}
		p.Function = append(p.Function, fn)
		lid++
		loc := &profile.Location{
			ID:   lid,
			Line: []profile.Line{{Function: fn}},
		}
		p.Location = append(p.Location, loc)
		p.Sample = append(p.Sample, &profile.Sample{
			Location: []*profile.Location{loc},
			Value:    []int64{n},
		})
	}
	return p
}
