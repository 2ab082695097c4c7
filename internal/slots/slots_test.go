package slots

import (
	"errors"
	"strings"
	"testing"
	"unicode/utf8"
)

func TestAllocatePrefersLowestFreeIndex(t *testing.T) {
	table := NewTable()
	table.Replace([]Slot{{Index: 0, Name: "a"}, {Index: 1, Name: "b"}, {Index: 3, Name: "d"}})

	got, err := table.Allocate()
	if err != nil {
		t.Fatalf("Allocate() error = %v", err)
	}
	if got != 2 {
		t.Fatalf("Allocate() = %d, want 2", got)
	}
}

func TestReplaceSkipsIndexesPastLimit(t *testing.T) {
	table := NewTable()
	dropped := table.Replace([]Slot{{Index: 1, Name: "kept"}, {Index: 42, Name: "far"}, {Index: MaxSlots, Name: "edge"}})

	if len(dropped) != 2 || dropped[0].Index != 42 || dropped[1].Index != MaxSlots {
		t.Fatalf("expected indexes 42 and %d to be dropped, got %+v", MaxSlots, dropped)
	}
	list := table.List()
	if len(list) != 1 || list[0].Index != 1 {
		t.Fatalf("expected only slot 1 in the mirror, got %+v", list)
	}
}

func TestAllocateNeverReturnsUsedOrOutOfRangeIndex(t *testing.T) {
	table := NewTable()
	for i := 0; i < MaxSlots; i++ {
		idx, err := table.Allocate()
		if err != nil {
			t.Fatalf("allocation %d: unexpected error %v", i, err)
		}
		if int(idx) >= MaxSlots {
			t.Fatalf("allocation %d: index %d out of range", i, idx)
		}
		if _, used := table.Get(idx); used {
			t.Fatalf("allocation %d: index %d already in use", i, idx)
		}
		if err := table.Put(Slot{Index: idx, Name: DefaultName(idx)}); err != nil {
			t.Fatalf("put %d: %v", idx, err)
		}
	}

	if _, err := table.Allocate(); !errors.Is(err, ErrFull) {
		t.Fatalf("expected ErrFull once every slot is used, got %v", err)
	}
}

func TestRemoveFreesIndex(t *testing.T) {
	table := NewTable()
	table.Replace([]Slot{{Index: 0}, {Index: 1}, {Index: 2}})
	table.Remove(1)

	got, err := table.Allocate()
	if err != nil || got != 1 {
		t.Fatalf("Allocate() = %d, %v; want 1, nil", got, err)
	}
}

func TestPutRejectsOutOfRangeIndex(t *testing.T) {
	table := NewTable()
	if err := table.Put(Slot{Index: MaxSlots}); !errors.Is(err, ErrInvalidIndex) {
		t.Fatalf("expected ErrInvalidIndex, got %v", err)
	}
}

func TestListSortedByIndex(t *testing.T) {
	table := NewTable()
	table.Replace([]Slot{{Index: 5, Name: "e"}, {Index: 0, Name: "a"}, {Index: 2, Name: "c"}})

	list := table.List()
	if len(list) != 3 || list[0].Index != 0 || list[1].Index != 2 || list[2].Index != 5 {
		t.Fatalf("unexpected order: %+v", list)
	}
}

func TestDefaultName(t *testing.T) {
	if got := DefaultName(0); got != "Finger 1" {
		t.Fatalf("DefaultName(0) = %q", got)
	}
}

func TestValidateName(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		wantErr bool
	}{
		{name: "plain", in: "Right thumb"},
		{name: "blank", in: "   ", wantErr: true},
		{name: "too long", in: strings.Repeat("x", MaxNameLen+1), wantErr: true},
		{name: "exact limit", in: strings.Repeat("x", MaxNameLen)},
	}

	for _, tt := range tests {
		err := ValidateName(tt.in)
		if tt.wantErr && !errors.Is(err, ErrInvalidName) {
			t.Fatalf("%s: expected ErrInvalidName, got %v", tt.name, err)
		}
		if !tt.wantErr && err != nil {
			t.Fatalf("%s: unexpected error %v", tt.name, err)
		}
	}
}

func TestTruncateNameKeepsRunesWhole(t *testing.T) {
	name := strings.Repeat("指", 12) // 36 bytes
	got := TruncateName(name)
	if len(got) > MaxNameLen {
		t.Fatalf("truncated name is %d bytes", len(got))
	}
	if !utf8.ValidString(got) {
		t.Fatalf("truncated name is not valid UTF-8: %q", got)
	}
	if len(got) != 30 {
		t.Fatalf("expected 10 runes (30 bytes), got %d bytes", len(got))
	}
}
