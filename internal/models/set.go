package models

import (
	"sort"

	"github.com/google/uuid"
)

// UserSet is a set of user ids. The recipient-info calculator hands the
// fan-out path seven of these, so the helper lives next to the models.
type UserSet map[uuid.UUID]struct{}

func NewUserSet(ids ...uuid.UUID) UserSet {
	s := make(UserSet, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}
	return s
}

func (s UserSet) Add(id uuid.UUID) { s[id] = struct{}{} }

func (s UserSet) Remove(id uuid.UUID) { delete(s, id) }

func (s UserSet) Contains(id uuid.UUID) bool {
	_, ok := s[id]
	return ok
}

func (s UserSet) Len() int { return len(s) }

// Sorted returns the members in a stable order — events and bulk
// inserts iterate sets, and deterministic order keeps them testable.
func (s UserSet) Sorted() []uuid.UUID {
	ids := make([]uuid.UUID, 0, len(s))
	for id := range s {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
	return ids
}

// Union returns a new set containing members of both sets.
func (s UserSet) Union(other UserSet) UserSet {
	out := make(UserSet, len(s)+len(other))
	for id := range s {
		out[id] = struct{}{}
	}
	for id := range other {
		out[id] = struct{}{}
	}
	return out
}
