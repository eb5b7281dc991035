package inmemory

import "iter"

// insertionOrder chains the entries of a partition from oldest to newest through their own links.
type insertionOrder struct {
	oldest, newest *entry
	n              int
}

func (o *insertionOrder) len() int {
	return o.n
}

// push appends e as the newest entry.
func (o *insertionOrder) push(e *entry) {
	e.older, e.newer = o.newest, nil
	if o.newest != nil {
		o.newest.newer = e
	} else {
		o.oldest = e
	}
	o.newest = e
	o.n++
}

// unlink takes e out of the chain. Entries not in the chain are ignored.
func (o *insertionOrder) unlink(e *entry) {
	if e.older == nil && e.newer == nil && o.oldest != e {
		return
	}
	if e.older != nil {
		e.older.newer = e.newer
	} else {
		o.oldest = e.newer
	}
	if e.newer != nil {
		e.newer.older = e.older
	} else {
		o.newest = e.older
	}
	e.older, e.newer = nil, nil
	o.n--
}

// front returns the oldest entry, nil when empty.
func (o *insertionOrder) front() *entry {
	return o.oldest
}

// all yields entries oldest first. The yielded entry may be unlinked during the iteration.
func (o *insertionOrder) all() iter.Seq[*entry] {
	return func(yield func(*entry) bool) {
		for e := o.oldest; e != nil; {
			next := e.newer
			if !yield(e) {
				return
			}
			e = next
		}
	}
}
