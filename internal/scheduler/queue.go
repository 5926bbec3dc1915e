// Copyright (C) 2025 CardinalHQ, Inc
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, version 3.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <http://www.gnu.org/licenses/>.

package scheduler

import (
	"context"

	mapset "github.com/deckarep/golang-set/v2"
)

// admissionQueue holds waiting records in two tiers. overflow is plain
// arrival order; admitted holds at most one record per requester and is
// what workers pop from. All access is under Scheduler.mu.
type admissionQueue struct {
	overflow []*Record
	admitted []*Record

	// wake is closed and replaced whenever admitted gains entries.
	wake chan struct{}
}

func newAdmissionQueue() *admissionQueue {
	return &admissionQueue{wake: make(chan struct{})}
}

func (q *admissionQueue) depth() int {
	return len(q.overflow) + len(q.admitted)
}

// admit moves the first overflow record of every requester not yet present
// in admitted to the tail of admitted, then recomputes every wait estimate
// from the combined admitted-then-overflow order.
func (q *admissionQueue) admit(activeWorkers int) {
	represented := mapset.NewThreadUnsafeSetWithSize[string](len(q.admitted))
	for _, r := range q.admitted {
		represented.Add(r.RequesterID)
	}

	promoted := false
	kept := q.overflow[:0]
	for _, r := range q.overflow {
		if represented.Add(r.RequesterID) {
			q.admitted = append(q.admitted, r)
			promoted = true
			continue
		}
		kept = append(kept, r)
	}
	for i := len(kept); i < len(q.overflow); i++ {
		q.overflow[i] = nil
	}
	q.overflow = kept

	position := 1
	for _, r := range q.admitted {
		r.setWaiting(StatusAdmitted, estimateFor(position, activeWorkers))
		position++
	}
	for _, r := range q.overflow {
		r.setWaiting(StatusQueued, estimateFor(position, activeWorkers))
		position++
	}

	if promoted {
		close(q.wake)
		q.wake = make(chan struct{})
	}
}

func (q *admissionQueue) push(r *Record) {
	q.overflow = append(q.overflow, r)
}

// popHead removes the oldest admitted record, if any.
func (q *admissionQueue) popHead() *Record {
	if len(q.admitted) == 0 {
		return nil
	}
	r := q.admitted[0]
	q.admitted[0] = nil
	q.admitted = q.admitted[1:]
	return r
}

// pop blocks until an admitted record is available or ctx is done. The
// fairness pass runs right after a successful pop so the next record of the
// same requester can be promoted.
func (s *Scheduler) pop(ctx context.Context) (*Record, error) {
	for {
		s.mu.Lock()
		if r := s.queue.popHead(); r != nil {
			r.setInProgress()
			s.queue.admit(s.activeWorkers)
			s.mu.Unlock()
			return r, nil
		}
		wake := s.queue.wake
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-wake:
		}
	}
}

// enqueue adds a record to the overflow tier and runs the fairness pass.
func (s *Scheduler) enqueue(r *Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue.push(r)
	s.queue.admit(s.activeWorkers)
}
