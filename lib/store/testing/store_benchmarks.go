package testing

import (
	"fmt"
	"math/rand"
	"sync/atomic"
	"testing"

	"github.com/ValentinKolb/tKV/lib/store"
)

// RunStoreBenchmarks runs all benchmarks against the stores of factory.
func RunStoreBenchmarks(b *testing.B, name string, factory StoreFactory) {
	b.Run(name, func(b *testing.B) {
		b.Run("Put", func(b *testing.B) {
			benchmarkPut(b, factory)
		})

		b.Run("PutExisting", func(b *testing.B) {
			benchmarkPutExisting(b, factory)
		})

		b.Run("PutLargeValue", func(b *testing.B) {
			benchmarkPutLargeValue(b, factory)
		})

		b.Run("GetCached", func(b *testing.B) {
			benchmarkGet(b, factory, 100)
		})

		b.Run("GetFaulted", func(b *testing.B) {
			benchmarkGet(b, factory, 10000)
		})

		b.Run("Remove", func(b *testing.B) {
			benchmarkRemove(b, factory)
		})

		b.Run("Compute", func(b *testing.B) {
			benchmarkCompute(b, factory)
		})

		b.Run("MixedUsage", func(b *testing.B) {
			benchmarkMixedUsage(b, factory)
		})
	})
}

// --------------------------------------------------------------------------
// Benchmark functions
// --------------------------------------------------------------------------

func newBenchStore(b *testing.B, f StoreFactory) store.IStore {
	s := f.NewStore()
	if s == nil {
		b.Skip("store configuration not supported by the factory")
	}
	b.Cleanup(func() { f.Close(s) })
	return s
}

func fill(b *testing.B, s store.IStore, n int) {
	for i := 0; i < n; i++ {
		if err := s.Put(fmt.Sprintf("test-key-%d", i), []byte(fmt.Sprintf("test-value-%d", i))); err != nil {
			b.Fatal(err)
		}
	}
}

// Benchmark for Put with fresh keys
func benchmarkPut(b *testing.B, f StoreFactory) {
	s := newBenchStore(b, f)
	var counter atomic.Int64

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			i := counter.Add(1)
			_ = s.Put(fmt.Sprintf("test-key-%d", i), []byte(fmt.Sprintf("test-value-%d", i)))
		}
	})
}

// Benchmark for Put on existing keys, every put invalidates the caching tier
func benchmarkPutExisting(b *testing.B, f StoreFactory) {
	s := newBenchStore(b, f)
	const numKeys = 1000
	fill(b, s, numKeys)

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		counter := 0
		for pb.Next() {
			_ = s.Put(fmt.Sprintf("test-key-%d", counter%numKeys), []byte(fmt.Sprintf("test-value-%d", counter)))
			counter++
		}
	})
}

// Benchmark for Put with 64 KiB values
func benchmarkPutLargeValue(b *testing.B, f StoreFactory) {
	s := newBenchStore(b, f)
	largeValue := make([]byte, 64*1024)

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		counter := 0
		for pb.Next() {
			_ = s.Put(fmt.Sprintf("test-key-%d", counter%100), largeValue)
			counter++
		}
	})
}

// Benchmark for Get over numKeys keys. With few keys every read is served by
// the caching tier, with many keys most reads fault.
func benchmarkGet(b *testing.B, f StoreFactory, numKeys int) {
	s := newBenchStore(b, f)
	fill(b, s, numKeys)

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		r := rand.New(rand.NewSource(rand.Int63()))
		for pb.Next() {
			_, _, _ = s.Get(fmt.Sprintf("test-key-%d", r.Intn(numKeys)))
		}
	})
}

// Benchmark for Remove
func benchmarkRemove(b *testing.B, f StoreFactory) {
	s := newBenchStore(b, f)

	numKeys := 100000
	if b.N < numKeys {
		numKeys = b.N
	}
	fill(b, s, numKeys)
	var counter atomic.Int64

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			i := counter.Add(1) % int64(numKeys)
			_, _ = s.Remove(fmt.Sprintf("test-key-%d", i))
		}
	})
}

// Benchmark for Compute on a small set of hot keys
func benchmarkCompute(b *testing.B, f StoreFactory) {
	s := newBenchStore(b, f)

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		counter := 0
		for pb.Next() {
			_, _, _ = s.Compute(fmt.Sprintf("counter-%d", counter%16), increment)
			counter++
		}
	})
}

// Benchmark for a read heavy mix (80% get, 15% put, 5% remove)
func benchmarkMixedUsage(b *testing.B, f StoreFactory) {
	s := newBenchStore(b, f)
	const numKeys = 10000
	fill(b, s, numKeys)

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		r := rand.New(rand.NewSource(rand.Int63()))
		for pb.Next() {
			key := fmt.Sprintf("test-key-%d", r.Intn(numKeys))
			switch op := r.Intn(100); {
			case op < 80:
				_, _, _ = s.Get(key)
			case op < 95:
				_ = s.Put(key, []byte("updated-value"))
			default:
				_, _ = s.Remove(key)
			}
		}
	})
}
