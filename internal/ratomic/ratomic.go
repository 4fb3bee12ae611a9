// Package ratomic wraps sync/atomic in small typed helpers, mirroring
// aistore's cmn/atomic package (itself stdlib-grounded: aistore's go.mod
// carries no third-party atomics library either).
package ratomic

import "sync/atomic"

type Int32 struct{ v atomic.Int32 }

func (i *Int32) Load() int32         { return i.v.Load() }
func (i *Int32) Store(n int32)       { i.v.Store(n) }
func (i *Int32) Add(n int32) int32   { return i.v.Add(n) }
func (i *Int32) Inc() int32          { return i.v.Add(1) }
func (i *Int32) Swap(n int32) int32  { return i.v.Swap(n) }
func (i *Int32) CAS(old, new int32) bool {
	return i.v.CompareAndSwap(old, new)
}

type Int64 struct{ v atomic.Int64 }

func (i *Int64) Load() int64        { return i.v.Load() }
func (i *Int64) Store(n int64)      { i.v.Store(n) }
func (i *Int64) Add(n int64) int64  { return i.v.Add(n) }
func (i *Int64) Swap(n int64) int64 { return i.v.Swap(n) }
func (i *Int64) CAS(old, new int64) bool {
	return i.v.CompareAndSwap(old, new)
}

type Uint32 struct{ v atomic.Uint32 }

func (u *Uint32) Load() uint32       { return u.v.Load() }
func (u *Uint32) Store(n uint32)     { u.v.Store(n) }
func (u *Uint32) Swap(n uint32) uint32 { return u.v.Swap(n) }
func (u *Uint32) CAS(old, new uint32) bool {
	return u.v.CompareAndSwap(old, new)
}

type Bool struct{ v atomic.Bool }

func (b *Bool) Load() bool     { return b.v.Load() }
func (b *Bool) Store(v bool)   { b.v.Store(v) }
func (b *Bool) Swap(v bool) bool { return b.v.Swap(v) }
func (b *Bool) CAS(old, new bool) bool {
	return b.v.CompareAndSwap(old, new)
}
