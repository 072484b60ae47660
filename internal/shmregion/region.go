/*
 *
 * Copyright 2025 gRPC authors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 *
 */

// Package shmregion defines the shared-memory wire format for the IPC
// request/response fabric and the mmap plumbing that maps it into a
// process's address space.
//
// The region is a single fixed-size file holding a generation counter, a
// monotonic request-id counter, and a fixed array of message slots. Every
// participant maps the same file; the server owns its lifetime.
package shmregion

import (
	"fmt"
	"sync/atomic"
	"unsafe"
)

// MaxSlots is the number of concurrent in-flight requests the region holds.
const MaxSlots = 16

// MaxStringLen is the maximum length of an input string, excluding the NUL.
const MaxStringLen = 16

// MaxResultLen is the maximum length of a concatenation result, including
// the NUL terminator (two MaxStringLen strings plus one byte).
const MaxResultLen = 2*MaxStringLen + 1

// Name is the well-known name of the shared region file.
const Name = "ipc_shm"

// SlotState is the lifecycle state of a MessageSlot.
type SlotState uint32

const (
	SlotFree SlotState = iota
	SlotRequestPending
	SlotProcessing
	SlotResponseReady
)

func (s SlotState) String() string {
	switch s {
	case SlotFree:
		return "free"
	case SlotRequestPending:
		return "pending"
	case SlotProcessing:
		return "processing"
	case SlotResponseReady:
		return "ready"
	default:
		return fmt.Sprintf("SlotState(%d)", uint32(s))
	}
}

// Command identifies the operation requested in a slot.
type Command uint32

const (
	CmdAdd Command = iota
	CmdSub
	CmdMul
	CmdDiv
	CmdConcat
	CmdSearch
)

func (c Command) String() string {
	switch c {
	case CmdAdd:
		return "add"
	case CmdSub:
		return "sub"
	case CmdMul:
		return "mul"
	case CmdDiv:
		return "div"
	case CmdConcat:
		return "concat"
	case CmdSearch:
		return "search"
	default:
		return fmt.Sprintf("Command(%d)", uint32(c))
	}
}

// IsMath reports whether the command belongs to the math worker pool.
func (c Command) IsMath() bool {
	return c == CmdAdd || c == CmdSub || c == CmdMul || c == CmdDiv
}

// IsString reports whether the command belongs to the string worker pool.
func (c Command) IsString() bool {
	return c == CmdConcat || c == CmdSearch
}

// Status is the outcome of a processed request.
type Status uint32

const (
	StatusOK Status = iota
	StatusDivByZero
	StatusNotFound
	StatusStrTooLong
	StatusInvalidInput
	StatusInternalError
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusDivByZero:
		return "div-by-zero"
	case StatusNotFound:
		return "not-found"
	case StatusStrTooLong:
		return "str-too-long"
	case StatusInvalidInput:
		return "invalid-input"
	case StatusInternalError:
		return "internal-error"
	default:
		return fmt.Sprintf("Status(%d)", uint32(s))
	}
}

// MathArgs is the request payload for Add/Sub/Mul/Div.
type MathArgs struct {
	A int32
	B int32
}

// RequestPayload is a fixed-size union of MathArgs and a pair of fixed
// NUL-terminated string buffers. It is large enough to hold either.
type RequestPayload [2 * (MaxStringLen + 1)]byte

// SetMath writes a math request into the union.
func (p *RequestPayload) SetMath(a, b int32) {
	*p = RequestPayload{}
	(*MathArgs)(unsafe.Pointer(p)).A = a
	(*MathArgs)(unsafe.Pointer(p)).B = b
}

// Math reads the union as a math request.
func (p *RequestPayload) Math() MathArgs {
	return *(*MathArgs)(unsafe.Pointer(p))
}

// SetStrings writes a string pair into the union. Callers must validate
// lengths (1..MaxStringLen) before calling; this performs no validation.
func (p *RequestPayload) SetStrings(s1, s2 string) {
	*p = RequestPayload{}
	copy(p[0:MaxStringLen], s1)
	copy(p[MaxStringLen+1:2*MaxStringLen+1], s2)
}

// Strings reads the union as a NUL-terminated string pair.
func (p *RequestPayload) Strings() (string, string) {
	s1 := cString(p[0 : MaxStringLen+1])
	s2 := cString(p[MaxStringLen+1 : 2*MaxStringLen+2])
	return s1, s2
}

// ResponsePayload is a fixed-size union of a math result, a concatenation
// result string, and a search position.
type ResponsePayload [MaxResultLen]byte

// SetMathResult writes an int32 result into the union.
func (p *ResponsePayload) SetMathResult(v int32) {
	*p = ResponsePayload{}
	*(*int32)(unsafe.Pointer(p)) = v
}

// MathResult reads the union as an int32 result.
func (p *ResponsePayload) MathResult() int32 {
	return *(*int32)(unsafe.Pointer(p))
}

// SetPosition writes a search position into the union. Position and
// MathResult share the same representation; the method pair exists for
// call-site clarity.
func (p *ResponsePayload) SetPosition(v int32) {
	p.SetMathResult(v)
}

// Position reads the union as a search position.
func (p *ResponsePayload) Position() int32 {
	return p.MathResult()
}

// SetString writes a NUL-terminated string result into the union.
// Callers must ensure len(s) < MaxResultLen.
func (p *ResponsePayload) SetString(s string) {
	*p = ResponsePayload{}
	copy(p[:MaxResultLen-1], s)
}

// String reads the union as a NUL-terminated string result.
func (p *ResponsePayload) String() string {
	return cString(p[:])
}

func cString(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

// Slot is a single message slot in the shared region. Fields are accessed
// under the region mutex except where noted (see the restart-detection
// exception on ServerGeneration below).
type Slot struct {
	State     uint32
	RequestID uint64
	ClientPID int32
	Command   uint32
	Request   RequestPayload
	Response  ResponsePayload
	Status    uint32
}

// Region is the full shared-memory layout. ServerGeneration is read
// without the mutex during restart-detection probes; all other fields
// are accessed only with the region mutex held.
type Region struct {
	ServerGeneration uint64
	NextRequestID    uint64
	Slots            [MaxSlots]Slot
}

// Size is the fixed byte size of the region, pinned across every
// participant built from this package.
const Size = unsafe.Sizeof(Region{})

func init() {
	// Fail loudly, not silently, if a future field reorder changes the
	// wire format that every participant process depends on.
	if unsafe.Offsetof(Region{}.ServerGeneration) != 0 {
		panic("shmregion: ServerGeneration offset drifted")
	}
	if unsafe.Offsetof(Region{}.NextRequestID) != 8 {
		panic("shmregion: NextRequestID offset drifted")
	}
	if unsafe.Offsetof(Region{}.Slots) != 16 {
		panic("shmregion: Slots offset drifted")
	}
}

// LoadGeneration atomically reads ServerGeneration without requiring the
// region mutex, for use by restart-detection probes.
func (r *Region) LoadGeneration() uint64 {
	return atomic.LoadUint64(&r.ServerGeneration)
}

// StoreGeneration atomically writes ServerGeneration. Only the server
// calls this, at bootstrap, before any client can observe the region.
func (r *Region) StoreGeneration(gen uint64) {
	atomic.StoreUint64(&r.ServerGeneration, gen)
}

// StateCounts returns the number of slots in each of the four states.
// Callers must hold the region mutex.
func (r *Region) StateCounts() (free, pending, processing, ready int) {
	for i := range r.Slots {
		switch SlotState(r.Slots[i].State) {
		case SlotFree:
			free++
		case SlotRequestPending:
			pending++
		case SlotProcessing:
			processing++
		case SlotResponseReady:
			ready++
		}
	}
	return
}
