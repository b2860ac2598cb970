package num

import "sync"

// minimum number of elements handled by each goroutine for element wise ops
const minChunk = 4096

// parallelFor calls body(thread, i) for i in [0, n) using at most threads goroutines.
// Items are interleaved across threads, so each thread index sees a disjoint subset.
func parallelFor(n, threads int, body func(thread, i int)) {
	if threads > n {
		threads = n
	}
	if threads <= 1 {
		for i := 0; i < n; i++ {
			body(0, i)
		}
		return
	}
	var wg sync.WaitGroup
	wg.Add(threads)
	for t := 0; t < threads; t++ {
		go func(t int) {
			defer wg.Done()
			for i := t; i < n; i += threads {
				body(t, i)
			}
		}(t)
	}
	wg.Wait()
}

// parallelRange splits [0, n) into contiguous chunks and calls body(start, end) for each.
func parallelRange(n, threads int, body func(start, end int)) {
	if max := (n + minChunk - 1) / minChunk; threads > max {
		threads = max
	}
	if threads <= 1 {
		body(0, n)
		return
	}
	chunk := (n + threads - 1) / threads
	var wg sync.WaitGroup
	for start := 0; start < n; start += chunk {
		end := start + chunk
		if end > n {
			end = n
		}
		wg.Add(1)
		go func(start, end int) {
			defer wg.Done()
			body(start, end)
		}(start, end)
	}
	wg.Wait()
}
