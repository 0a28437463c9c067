package scheduling

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/md-rashed-zaman/telehealth/libs/apperr"
)

// MemoryStore is an in-process Store with the same conflict semantics as the
// Postgres repository. A single lock makes Book atomic.
type MemoryStore struct {
	mu    sync.Mutex
	appts map[string]Appointment
	slots []Slot
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{appts: map[string]Appointment{}}
}

func (m *MemoryStore) Book(_ context.Context, a Appointment, mode ConflictMode) (Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.appts {
		if Conflicts(mode, existing, a) {
			return Appointment{}, apperr.Conflict("therapist already has an appointment at that time")
		}
	}
	m.appts[a.ID] = a
	return a, nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.appts[id]
	if !ok {
		return Appointment{}, apperr.NotFound("appointment not found")
	}
	return a, nil
}

func (m *MemoryStore) ListByPatient(_ context.Context, patientID string) ([]Appointment, error) {
	return m.list(func(a Appointment) bool { return a.PatientID == patientID }), nil
}

func (m *MemoryStore) ListByTherapist(_ context.Context, therapistID string) ([]Appointment, error) {
	return m.list(func(a Appointment) bool { return a.TherapistID == therapistID }), nil
}

func (m *MemoryStore) SetStatus(_ context.Context, id string, from []Status, to Status, at time.Time) (Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.appts[id]
	if !ok {
		return Appointment{}, apperr.NotFound("appointment not found")
	}
	for _, s := range from {
		if a.Status == s {
			a.Status = to
			a.UpdatedAt = at
			m.appts[id] = a
			return a, nil
		}
	}
	return Appointment{}, apperr.InvalidTransition("appointment is " + string(a.Status))
}

func (m *MemoryStore) AddSlot(_ context.Context, s Slot) (Slot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.slots {
		if existing.TherapistID == s.TherapistID && existing.StartTime.Before(s.EndTime) && s.StartTime.Before(existing.EndTime) {
			return Slot{}, apperr.Conflict("slot overlaps an existing slot")
		}
	}
	m.slots = append(m.slots, s)
	return s, nil
}

func (m *MemoryStore) ListSlots(_ context.Context, therapistID string, after time.Time) ([]Slot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []Slot{}
	for _, s := range m.slots {
		if s.TherapistID == therapistID && s.StartTime.After(after) {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.Before(out[j].StartTime) })
	return out, nil
}

func (m *MemoryStore) list(keep func(Appointment) bool) []Appointment {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []Appointment{}
	for _, a := range m.appts {
		if keep(a) {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ScheduledTime.Before(out[j].ScheduledTime) })
	return out
}

// MemoryDirectory is a static Directory.
type MemoryDirectory map[string]Person

func (d MemoryDirectory) Lookup(_ context.Context, id string) (Person, error) {
	p, ok := d[id]
	if !ok {
		return Person{}, apperr.NotFound("user not found")
	}
	return p, nil
}
