// Package slots mirrors the fingerprint slots stored on the peripheral.
package slots

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"unicode/utf8"
)

const (
	// MaxSlots is the number of fingerprints the host lets a user enroll.
	MaxSlots = 10
	// MaxNameLen is the on-wire size of a slot name in bytes.
	MaxNameLen = 32
)

var (
	ErrFull         = errors.New("all fingerprint slots are in use")
	ErrInvalidIndex = errors.New("invalid fingerprint slot index")
	ErrInvalidName  = errors.New("invalid fingerprint name")
)

// Slot is one enrolled fingerprint.
type Slot struct {
	Index uint8
	Name  string
}

// Table is the local mirror keyed by slot index. A missing key means free.
type Table struct {
	mu    sync.RWMutex
	slots map[uint8]string
}

func NewTable() *Table {
	return &Table{slots: make(map[uint8]string)}
}

// Allocate returns the lowest index that is not present in the table.
func (t *Table) Allocate() (uint8, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	for i := 0; i < MaxSlots; i++ {
		if _, used := t.slots[uint8(i)]; !used {
			return uint8(i), nil
		}
	}

	return 0, ErrFull
}

// Split separates records the host may use from those at or past MaxSlots.
// The firmware itself stores more slots than the host exposes.
func Split(list []Slot) (kept, dropped []Slot) {
	for _, s := range list {
		if int(s.Index) < MaxSlots {
			kept = append(kept, s)
		} else {
			dropped = append(dropped, s)
		}
	}

	return kept, dropped
}

// Replace swaps the whole mirror for a fresh device listing. Records past
// MaxSlots are skipped and returned.
func (t *Table) Replace(list []Slot) []Slot {
	kept, dropped := Split(list)
	next := make(map[uint8]string, len(kept))
	for _, s := range kept {
		next[s.Index] = s.Name
	}

	t.mu.Lock()
	t.slots = next
	t.mu.Unlock()

	return dropped
}

func (t *Table) Put(s Slot) error {
	if int(s.Index) >= MaxSlots {
		return fmt.Errorf("%w: %d", ErrInvalidIndex, s.Index)
	}

	t.mu.Lock()
	t.slots[s.Index] = s.Name
	t.mu.Unlock()

	return nil
}

func (t *Table) Remove(index uint8) {
	t.mu.Lock()
	delete(t.slots, index)
	t.mu.Unlock()
}

func (t *Table) Get(index uint8) (Slot, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	name, ok := t.slots[index]
	if !ok {
		return Slot{}, false
	}

	return Slot{Index: index, Name: name}, true
}

func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.slots)
}

// List returns a snapshot sorted by index.
func (t *Table) List() []Slot {
	t.mu.RLock()
	out := make([]Slot, 0, len(t.slots))
	for idx, name := range t.slots {
		out = append(out, Slot{Index: idx, Name: name})
	}
	t.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out
}

func DefaultName(index uint8) string {
	return fmt.Sprintf("Finger %d", int(index)+1)
}

func ValidateName(name string) error {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return fmt.Errorf("%w: empty", ErrInvalidName)
	}
	if !utf8.ValidString(trimmed) {
		return fmt.Errorf("%w: not valid UTF-8", ErrInvalidName)
	}
	if len(trimmed) > MaxNameLen {
		return fmt.Errorf("%w: %d bytes exceeds %d", ErrInvalidName, len(trimmed), MaxNameLen)
	}

	return nil
}

// TruncateName cuts name to MaxNameLen bytes without splitting a rune.
func TruncateName(name string) string {
	name = strings.TrimSpace(name)
	if len(name) <= MaxNameLen {
		return name
	}
	cut := MaxNameLen
	for cut > 0 && !utf8.RuneStart(name[cut]) {
		cut--
	}

	return name[:cut]
}
