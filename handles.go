package plctag

import (
	"sync"
)

// Handle layout: the low 20 bits hold slot index + 1, the next 11 bits a
// generation that changes every time the slot is reused. A stale handle
// therefore never finds the new occupant of its slot.
const (
	slotBits = 20
	maxSlots = 1<<slotBits - 1
	genMask  = 1<<11 - 1
)

type slot[T any] struct {
	gen  uint32
	used bool
	val  T
}

// handleMap is a generation-checked slot map issuing positive int32 ids.
type handleMap[T any] struct {
	mu    sync.Mutex
	slots []slot[T]
	free  []int
	count int
}

func (m *handleMap[T]) add(v T) (int32, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var idx int
	if n := len(m.free); n > 0 {
		idx = m.free[n-1]
		m.free = m.free[:n-1]
	} else {
		if len(m.slots) >= maxSlots {
			return 0, false
		}
		m.slots = append(m.slots, slot[T]{gen: 1})
		idx = len(m.slots) - 1
	}
	s := &m.slots[idx]
	s.used = true
	s.val = v
	m.count++
	return int32(s.gen&genMask)<<slotBits | int32(idx+1), true
}

func (m *handleMap[T]) decode(id int32) (int, uint32, bool) {
	if id <= 0 {
		return 0, 0, false
	}
	idx := int(id&maxSlots) - 1
	gen := uint32(id>>slotBits) & genMask
	return idx, gen, idx >= 0
}

func (m *handleMap[T]) get(id int32) (T, bool) {
	var zero T
	idx, gen, ok := m.decode(id)
	if !ok {
		return zero, false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if idx >= len(m.slots) {
		return zero, false
	}
	s := &m.slots[idx]
	if !s.used || s.gen&genMask != gen {
		return zero, false
	}
	return s.val, true
}

// remove frees the slot behind id and returns its value.
func (m *handleMap[T]) remove(id int32) (T, bool) {
	var zero T
	idx, gen, ok := m.decode(id)
	if !ok {
		return zero, false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if idx >= len(m.slots) {
		return zero, false
	}
	s := &m.slots[idx]
	if !s.used || s.gen&genMask != gen {
		return zero, false
	}
	v := s.val
	s.val = zero
	s.used = false
	s.gen++
	if s.gen&genMask == 0 {
		s.gen++
	}
	m.free = append(m.free, idx)
	m.count--
	return v, true
}

// ids returns the live handles.
func (m *handleMap[T]) ids() []int32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]int32, 0, m.count)
	for i := range m.slots {
		s := &m.slots[i]
		if s.used {
			out = append(out, int32(s.gen&genMask)<<slotBits|int32(i+1))
		}
	}
	return out
}

func (m *handleMap[T]) size() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.count
}
