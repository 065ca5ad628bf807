// priority_queue.go - Min-Heap based priority queue.
// Copyright (C) 2017, 2018  David Anthony Stainton, Yawning Angel
//
// This was inspired by the priority queue example in the godocs:
// https://golang.org/pkg/container/heap/
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package queue implements a priority queue.
package queue

import (
	"container/heap"
	"math/rand"
)

// Entry is a PriorityQueue entry.
type Entry[T any] struct {
	Value    T
	Priority uint64
}

type entryHeap[T any] []*Entry[T]

func (h entryHeap[T]) Len() int { return len(h) }

func (h entryHeap[T]) Less(i, j int) bool { return h[i].Priority < h[j].Priority }

func (h entryHeap[T]) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *entryHeap[T]) Push(x any) { *h = append(*h, x.(*Entry[T])) }

func (h *entryHeap[T]) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// PriorityQueue is a priority queue instance.  It is not safe for
// concurrent use.
type PriorityQueue[T any] struct {
	h entryHeap[T]
}

// Peek returns the entry with the lowest priority if any, leaving the
// PriorityQueue unaltered.  Callers MUST NOT alter the Priority of the
// returned entry.
func (q *PriorityQueue[T]) Peek() *Entry[T] {
	if q.Len() <= 0 {
		return nil
	}
	return q.h[0]
}

// Pop removes and returns the entry with the lowest priority if any.
func (q *PriorityQueue[T]) Pop() *Entry[T] {
	if q.Len() <= 0 {
		return nil
	}
	return heap.Pop(&q.h).(*Entry[T])
}

// Enqueue inserts the provided value, into the queue with the specified
// priority.
func (q *PriorityQueue[T]) Enqueue(priority uint64, value T) {
	heap.Push(&q.h, &Entry[T]{
		Value:    value,
		Priority: priority,
	})
}

// DequeueRandom removes a random entry from the queue.
func (q *PriorityQueue[T]) DequeueRandom(r *rand.Rand) *Entry[T] {
	if q.Len() <= 0 {
		return nil
	}
	return heap.Remove(&q.h, r.Intn(q.Len())).(*Entry[T])
}

// Len returns the current length of the priority queue.
func (q *PriorityQueue[T]) Len() int {
	return len(q.h)
}

// New creates a new PriorityQueue.
func New[T any]() *PriorityQueue[T] {
	q := &PriorityQueue[T]{
		h: make(entryHeap[T], 0),
	}
	heap.Init(&q.h)
	return q
}
