package num

import (
	"fmt"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/klauspost/cpuid/v2"
)

// Number of calls which are buffered before the queue is flushed
const queueSize = 64

// Device interface type
type Device interface {
	// Setup new worker queue, threads < 1 uses one thread per physical core.
	NewQueue(threads int) Queue
	// Allocate new n dimensional array
	NewArray(dtype DataType, dims ...int) Array
	NewArrayLike(a Array) Array
	// Create new DNN layers
	ConvLayer(nBatch, depth, h, w, nFeats, size, stride, pad int, noBias bool) Layer
	MaxPoolLayer(inShape []int, size, stride int) Layer
	BatchNormLayer(inShape []int, avgFactor, epsilon float64) Layer
}

// Initialise new CPU device
func NewCPUDevice() Device {
	return cpuDevice{}
}

// A Queue processes a series of operations on a Device
type Queue interface {
	Device
	Dev() Device
	// Number of worker threads used by parallel operations
	Threads() int
	// Asyncronous function call
	Call(args ...Function) Queue
	// Wait for any pending requests to complete
	Finish()
	// Shutdown the queue and release any resources
	Shutdown()
	// Enable profiling
	Profiling(on bool)
	Profile() string
}

// Function which may be called via the queue
type Function struct {
	name string
	fn   func(threads int)
}

func args(name string, fn func(threads int)) Function {
	return Function{name: name, fn: fn}
}

// Name of the operation
func (f Function) Name() string { return f.name }

// CPU device computes using pure Go routines and gonum BLAS
type cpuDevice struct{}

type cpuQueue struct {
	cpuDevice
	buffer  []Function
	threads int
	*profile
}

func (d cpuDevice) NewQueue(threads int) Queue {
	if threads < 1 {
		threads = DefaultThreads()
	}
	return &cpuQueue{
		cpuDevice: d,
		buffer:    make([]Function, 0, queueSize),
		threads:   threads,
		profile:   newProfile(),
	}
}

// DefaultThreads returns the number of physical cores, or the logical CPU count if this is unknown.
func DefaultThreads() int {
	if n := cpuid.CPU.PhysicalCores; n > 0 {
		return n
	}
	return runtime.NumCPU()
}

// CPUInfo returns a one line description of the host processor
func CPUInfo() string {
	c := cpuid.CPU
	simd := []string{}
	for _, f := range []cpuid.FeatureID{cpuid.SSE4, cpuid.AVX, cpuid.AVX2, cpuid.FMA3, cpuid.AVX512F} {
		if c.Supports(f) {
			simd = append(simd, f.String())
		}
	}
	return fmt.Sprintf("%s: %d cores %d threads [%s]", c.BrandName, c.PhysicalCores, c.LogicalCores, strings.Join(simd, " "))
}

func (q *cpuQueue) Dev() Device { return q.cpuDevice }

func (q *cpuQueue) Threads() int { return q.threads }

func (q *cpuQueue) exec() {
	for _, f := range q.buffer {
		if q.profile.enabled {
			start := time.Now()
			f.fn(q.threads)
			q.profile.add(f.name, time.Since(start))
		} else {
			f.fn(q.threads)
		}
	}
	q.buffer = q.buffer[:0]
}

func (q *cpuQueue) Call(args ...Function) Queue {
	for _, arg := range args {
		if len(q.buffer) >= queueSize {
			q.exec()
		}
		q.buffer = append(q.buffer, arg)
	}
	return q
}

func (q *cpuQueue) Finish() {
	if len(q.buffer) > 0 {
		q.exec()
	}
}

func (q *cpuQueue) Shutdown() {
	q.Finish()
	if q.profile.enabled {
		fmt.Printf("== Profile ==\n%s\n", q.Profile())
	}
}

// profiling functions
type profile struct {
	prof    map[string]profileRec
	enabled bool
}

type profileRec struct {
	name  string
	calls int64
	msec  float64
}

func newProfile() *profile {
	return &profile{prof: make(map[string]profileRec)}
}

func (p *profile) Profiling(on bool) {
	p.enabled = on
}

func (p *profile) add(name string, elapsed time.Duration) {
	r := p.prof[name]
	r.name = name
	r.calls++
	r.msec += float64(elapsed) / float64(time.Millisecond)
	p.prof[name] = r
}

func (p *profile) Profile() string {
	list := make([]profileRec, 0, len(p.prof))
	for _, v := range p.prof {
		list = append(list, v)
	}
	sort.Slice(list, func(i, j int) bool { return list[j].msec < list[i].msec })
	totalCalls := int64(0)
	totalMsec := 0.0
	s := []string{}
	for _, r := range list {
		s = append(s, fmt.Sprintf("%-25s %8d calls %10.1f msec", r.name, r.calls, r.msec))
		totalCalls += r.calls
		totalMsec += r.msec
	}
	s = append(s, fmt.Sprintf("%-25s %8d calls %10.1f msec", "TOTAL", totalCalls, totalMsec))
	return strings.Join(s, "\n")
}
