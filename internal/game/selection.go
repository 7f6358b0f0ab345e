package game

import "github.com/zyedidia/generic/mapset"

// selection is a set of coordinates that remembers insertion order for display.
type selection struct {
	members mapset.Set[Coord]
	order   []Coord
}

func newSelection() selection {
	return selection{members: mapset.New[Coord]()}
}

func (s *selection) has(c Coord) bool { return s.members.Has(c) }
func (s *selection) size() int        { return s.members.Size() }

func (s *selection) add(c Coord) {
	if s.members.Has(c) {
		return
	}
	s.members.Put(c)
	s.order = append(s.order, c)
}

func (s *selection) remove(c Coord) {
	if !s.members.Has(c) {
		return
	}
	s.members.Remove(c)
	for i, o := range s.order {
		if o == c {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}

func (s *selection) clear() {
	s.members = mapset.New[Coord]()
	s.order = nil
}

// list returns the members in insertion order. Never nil.
func (s *selection) list() []Coord {
	return append(make([]Coord, 0, len(s.order)), s.order...)
}
