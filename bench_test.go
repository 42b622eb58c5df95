// Copyright 2024 The Cockroach Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package flurry

import (
	"strconv"
	"sync"
	"testing"

	"github.com/aclements/go-perfevent/perfbench"
)

func BenchmarkMapIter(b *testing.B) {
	b.Run("impl=syncMap", func(b *testing.B) {
		b.Run("t=Int64", benchSizes(benchmarkSyncMapIter[int64], genKeys[int64]))
	})
	b.Run("impl=flurryMap", func(b *testing.B) {
		b.Run("t=Int64", benchSizes(benchmarkFlurryMapIter[int64], genKeys[int64]))
	})
}

func BenchmarkMapGetHit(b *testing.B) {
	b.Run("impl=syncMap", func(b *testing.B) {
		b.Run("t=Int64", benchSizes(benchmarkSyncMapGetHit[int64], genKeys[int64]))
		b.Run("t=String", benchSizes(benchmarkSyncMapGetHit[string], genKeys[string]))
	})
	b.Run("impl=flurryMap", func(b *testing.B) {
		b.Run("t=Int64", benchSizes(benchmarkFlurryMapGetHit[int64], genKeys[int64]))
		b.Run("t=String", benchSizes(benchmarkFlurryMapGetHit[string], genKeys[string]))
	})
}

func BenchmarkMapPutGrow(b *testing.B) {
	b.Run("impl=syncMap", func(b *testing.B) {
		b.Run("t=Int64", benchSizes(benchmarkSyncMapPutGrow[int64], genKeys[int64]))
	})
	b.Run("impl=flurryMap", func(b *testing.B) {
		b.Run("t=Int64", benchSizes(benchmarkFlurryMapPutGrow[int64], genKeys[int64]))
	})
}

func BenchmarkMapPutDelete(b *testing.B) {
	b.Run("impl=syncMap", func(b *testing.B) {
		b.Run("t=Int64", benchSizes(benchmarkSyncMapPutDelete[int64], genKeys[int64]))
	})
	b.Run("impl=flurryMap", func(b *testing.B) {
		b.Run("t=Int64", benchSizes(benchmarkFlurryMapPutDelete[int64], genKeys[int64]))
	})
}

// BenchmarkMapIterGrow measures iteration of a map that is resized by a
// concurrent writer, which forces the iterator through forwarding markers.
func BenchmarkMapIterGrow(b *testing.B) {
	b.Run("impl=flurryMap", func(b *testing.B) {
		b.Run("t=Int64", benchSizes(benchmarkFlurryMapIterGrow[int64], genKeys[int64]))
	})
}

type benchTypes interface {
	int64 | string
}

func benchSizes[T benchTypes](
	f func(b *testing.B, n int, genKeys func(start, end int) []T), genKeys func(start, end int) []T,
) func(*testing.B) {
	var cases = []int{
		6, 12, 18, 24, 30,
		64,
		128,
		256,
		512,
		1024,
		2048,
		4096,
		8192,
		1 << 16,
	}

	return func(b *testing.B) {
		for _, n := range cases {
			b.Run("len="+strconv.Itoa(n), func(b *testing.B) { f(b, n, genKeys) })
		}
	}
}

func genKeys[T benchTypes](start, end int) []T {
	var t T
	switch any(t).(type) {
	case int64:
		keys := make([]int64, end-start)
		for i := range keys {
			keys[i] = int64(start + i)
		}
		return any(keys).([]T)
	case string:
		keys := make([]string, end-start)
		for i := range keys {
			keys[i] = strconv.Itoa(start + i)
		}
		return any(keys).([]T)
	default:
		panic("not reached")
	}
}

func benchmarkSyncMapIter[T benchTypes](b *testing.B, n int, genKeys func(start, end int) []T) {
	var m sync.Map
	keys := genKeys(0, n)
	for _, k := range keys {
		m.Store(k, k)
	}
	b.ResetTimer()
	perfbench.Open(b)
	var tmp T
	for i := 0; i < b.N; i++ {
		m.Range(func(k, v any) bool {
			tmp += k.(T) + v.(T)
			return true
		})
	}
}

func benchmarkFlurryMapIter[T benchTypes](b *testing.B, n int, genKeys func(start, end int) []T) {
	m := New[T, T](n)
	keys := genKeys(0, n)
	for _, k := range keys {
		m.Put(k, k)
	}
	b.ResetTimer()
	perfbench.Open(b)
	var tmp T
	for i := 0; i < b.N; i++ {
		m.All(func(k, v T) bool {
			tmp += k + v
			return true
		})
	}
}

func benchmarkFlurryMapIterGrow[T benchTypes](b *testing.B, n int, genKeys func(start, end int) []T) {
	keys := genKeys(0, n)
	grow := genKeys(n, 8*n)
	b.ResetTimer()
	perfbench.Open(b)
	var tmp T
	for i := 0; i < b.N; i++ {
		b.StopTimer()
		m := New[T, T](0)
		for _, k := range keys {
			m.Put(k, k)
		}
		var wg sync.WaitGroup
		wg.Add(1)
		b.StartTimer()

		go func() {
			defer wg.Done()
			for _, k := range grow {
				m.Put(k, k)
			}
		}()
		m.All(func(k, v T) bool {
			tmp += k + v
			return true
		})
		wg.Wait()
	}
}

func benchmarkSyncMapGetHit[T benchTypes](b *testing.B, n int, genKeys func(start, end int) []T) {
	var m sync.Map
	keys := genKeys(0, n)
	for _, k := range keys {
		m.Store(k, k)
	}
	b.ResetTimer()
	perfbench.Open(b)
	for i := 0; i < b.N; i++ {
		_, _ = m.Load(keys[i%n])
	}
}

func benchmarkFlurryMapGetHit[T benchTypes](b *testing.B, n int, genKeys func(start, end int) []T) {
	m := New[T, T](n)
	keys := genKeys(0, n)
	for _, k := range keys {
		m.Put(k, k)
	}
	b.ResetTimer()
	perfbench.Open(b)
	for i := 0; i < b.N; i++ {
		_, _ = m.Get(keys[i%n])
	}
}

func benchmarkSyncMapPutGrow[T benchTypes](b *testing.B, n int, genKeys func(start, end int) []T) {
	keys := genKeys(0, n)
	b.ResetTimer()
	perfbench.Open(b)
	for i := 0; i < b.N; i++ {
		var m sync.Map
		for j := 0; j < n; j++ {
			m.Store(keys[j], keys[j])
		}
	}
}

func benchmarkFlurryMapPutGrow[T benchTypes](b *testing.B, n int, genKeys func(start, end int) []T) {
	keys := genKeys(0, n)
	b.ResetTimer()
	perfbench.Open(b)
	for i := 0; i < b.N; i++ {
		m := New[T, T](0)
		for j := 0; j < n; j++ {
			m.Put(keys[j], keys[j])
		}
	}
}

func benchmarkSyncMapPutDelete[T benchTypes](b *testing.B, n int, genKeys func(start, end int) []T) {
	var m sync.Map
	keys := genKeys(0, n)
	for _, k := range keys {
		m.Store(k, k)
	}
	b.ResetTimer()
	perfbench.Open(b)
	for i := 0; i < b.N; i++ {
		j := i % n
		m.Delete(keys[j])
		m.Store(keys[j], keys[j])
	}
}

func benchmarkFlurryMapPutDelete[T benchTypes](b *testing.B, n int, genKeys func(start, end int) []T) {
	m := New[T, T](n)
	keys := genKeys(0, n)
	for _, k := range keys {
		m.Put(k, k)
	}
	b.ResetTimer()
	perfbench.Open(b)
	for i := 0; i < b.N; i++ {
		j := i % n
		m.Delete(keys[j])
		m.Put(keys[j], keys[j])
	}
}
