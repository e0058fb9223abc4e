package mask

import (
	"fmt"

	"github.com/google/uuid"
)

// View is one accepted segmentation mask kept for intersection.
type View struct {
	ID   uuid.UUID `json:"id"`
	Name string    `json:"name"`
	Mask *Set      `json:"-"`
}

// ViewList is an ordered list of saved views.
type ViewList struct {
	views []View
}

// Add appends m as a new view named "View N", where N is the list length after adding.
func (l *ViewList) Add(m *Set) View {
	v := View{
		ID:   uuid.New(),
		Name: fmt.Sprintf("View %d", len(l.views)+1),
		Mask: m,
	}
	l.views = append(l.views, v)
	return v
}

// Remove deletes the view with the given id and reports whether it existed.
func (l *ViewList) Remove(id uuid.UUID) bool {
	for i, v := range l.views {
		if v.ID == id {
			l.views = append(l.views[:i], l.views[i+1:]...)
			return true
		}
	}
	return false
}

// Clear removes every view.
func (l *ViewList) Clear() {
	l.views = nil
}

// Len returns the number of views.
func (l *ViewList) Len() int { return len(l.views) }

// Views returns a copy of the list.
func (l *ViewList) Views() []View {
	out := make([]View, len(l.views))
	copy(out, l.views)
	return out
}

// Intersection returns the points shared by all views, or nil when the list is empty.
func (l *ViewList) Intersection() *Set {
	masks := make([]*Set, len(l.views))
	for i, v := range l.views {
		masks[i] = v.Mask
	}
	return Intersect(masks...)
}
