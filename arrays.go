package courier

import "sync"

type array[T any] struct {
	items []T
	lock  sync.RWMutex
}

type arrayPredicate[T any] func(item T) bool

func newArray[T any]() *array[T] {
	return &array[T]{
		items: make([]T, 0),
	}
}

func (a *array[T]) filter(predicate arrayPredicate[T]) *array[T] {
	a.lock.RLock()
	defer a.lock.RUnlock()

	result := newArray[T]()

	for _, item := range a.items {
		if predicate(item) {
			result.items = append(result.items, item)
		}
	}
	return result
}

func (a *array[T]) push(item T) {
	a.lock.Lock()
	defer a.lock.Unlock()

	a.items = append(a.items, item)
}

func (a *array[T]) some(predicate arrayPredicate[T]) bool {
	a.lock.RLock()
	defer a.lock.RUnlock()

	for _, item := range a.items {
		if predicate(item) {
			return true
		}
	}

	return false
}

func (a *array[T]) removeWhere(predicate arrayPredicate[T]) bool {
	a.lock.Lock()
	defer a.lock.Unlock()

	for i, item := range a.items {
		if predicate(item) {
			a.items = append(a.items[:i], a.items[i+1:]...)
			return true
		}
	}
	return false
}

func (a *array[T]) length() int {
	a.lock.RLock()
	defer a.lock.RUnlock()
	return len(a.items)
}

func (a *array[T]) forEach(fn func(T)) {
	a.lock.RLock()
	defer a.lock.RUnlock()
	for _, item := range a.items {
		fn(item)
	}
}

// snapshot returns a copy of the current items so callers can iterate without
// holding the lock. Mutations made after the snapshot are not reflected.
func (a *array[T]) snapshot() []T {
	a.lock.RLock()
	defer a.lock.RUnlock()

	clone := make([]T, len(a.items))
	copy(clone, a.items)
	return clone
}

func fromSlice[T any](slice []T) *array[T] {
	clone := make([]T, len(slice))
	copy(clone, slice)
	return &array[T]{items: clone}
}
