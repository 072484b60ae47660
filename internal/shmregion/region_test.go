package shmregion_test

import (
	"testing"

	"github.com/shm-ipc/shmipc/internal/shmregion"
)

func TestRequestPayload_MathRoundTrip(t *testing.T) {
	var p shmregion.RequestPayload
	p.SetMath(42, -7)

	got := p.Math()
	if got.A != 42 || got.B != -7 {
		t.Fatalf("Math() = %+v, want {A:42 B:-7}", got)
	}
}

func TestRequestPayload_StringsRoundTrip(t *testing.T) {
	testCases := []struct {
		s1, s2 string
	}{
		{"hello", "world"},
		{"a", "b"},
		{"sixteen_char_str", "x"},
	}

	for _, tc := range testCases {
		var p shmregion.RequestPayload
		p.SetStrings(tc.s1, tc.s2)

		gotS1, gotS2 := p.Strings()
		if gotS1 != tc.s1 || gotS2 != tc.s2 {
			t.Errorf("Strings() = (%q, %q), want (%q, %q)", gotS1, gotS2, tc.s1, tc.s2)
		}
	}
}

func TestRequestPayload_SetMathClearsPriorStrings(t *testing.T) {
	var p shmregion.RequestPayload
	p.SetStrings("leftover", "data")
	p.SetMath(1, 2)

	got := p.Math()
	if got.A != 1 || got.B != 2 {
		t.Fatalf("Math() after SetStrings = %+v, want {A:1 B:2}", got)
	}
	if _, s2 := p.Strings(); s2 != "" {
		t.Fatalf("second string after SetMath = %q, want empty", s2)
	}
}

func TestResponsePayload_MathResultRoundTrip(t *testing.T) {
	var p shmregion.ResponsePayload
	p.SetMathResult(-12345)

	if got := p.MathResult(); got != -12345 {
		t.Fatalf("MathResult() = %d, want -12345", got)
	}
}

func TestResponsePayload_PositionRoundTrip(t *testing.T) {
	var p shmregion.ResponsePayload
	p.SetPosition(-1)

	if got := p.Position(); got != -1 {
		t.Fatalf("Position() = %d, want -1", got)
	}
}

func TestResponsePayload_StringRoundTrip(t *testing.T) {
	var p shmregion.ResponsePayload
	p.SetString("helloworld")

	if got := p.String(); got != "helloworld" {
		t.Fatalf("String() = %q, want %q", got, "helloworld")
	}
}

func TestCommand_Classification(t *testing.T) {
	mathCmds := []shmregion.Command{shmregion.CmdAdd, shmregion.CmdSub, shmregion.CmdMul, shmregion.CmdDiv}
	for _, c := range mathCmds {
		if !c.IsMath() {
			t.Errorf("%s.IsMath() = false, want true", c)
		}
		if c.IsString() {
			t.Errorf("%s.IsString() = true, want false", c)
		}
	}

	stringCmds := []shmregion.Command{shmregion.CmdConcat, shmregion.CmdSearch}
	for _, c := range stringCmds {
		if !c.IsString() {
			t.Errorf("%s.IsString() = false, want true", c)
		}
		if c.IsMath() {
			t.Errorf("%s.IsMath() = true, want false", c)
		}
	}
}

func TestRegion_StateCounts(t *testing.T) {
	var r shmregion.Region
	r.Slots[0].State = uint32(shmregion.SlotRequestPending)
	r.Slots[1].State = uint32(shmregion.SlotRequestPending)
	r.Slots[2].State = uint32(shmregion.SlotProcessing)
	r.Slots[3].State = uint32(shmregion.SlotResponseReady)
	// remaining slots default to SlotFree (zero value)

	free, pending, processing, ready := r.StateCounts()
	if free != shmregion.MaxSlots-4 {
		t.Errorf("free = %d, want %d", free, shmregion.MaxSlots-4)
	}
	if pending != 2 {
		t.Errorf("pending = %d, want 2", pending)
	}
	if processing != 1 {
		t.Errorf("processing = %d, want 1", processing)
	}
	if ready != 1 {
		t.Errorf("ready = %d, want 1", ready)
	}
}

func TestRegion_GenerationRoundTrip(t *testing.T) {
	var r shmregion.Region
	r.StoreGeneration(7)
	if got := r.LoadGeneration(); got != 7 {
		t.Fatalf("LoadGeneration() = %d, want 7", got)
	}
}
