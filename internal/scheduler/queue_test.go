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
	"fmt"
	"testing"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cardinalhq/skinrunner/internal/fingerprint"
)

func queuedRecord(requester string, seed uint32) *Record {
	img := testSkin(seed)
	return newRecord(fingerprint.Of(img), requester, img)
}

func assertAdmittedUnique(t *testing.T, q *admissionQueue) {
	t.Helper()
	seen := mapset.NewThreadUnsafeSet[string]()
	for _, r := range q.admitted {
		assert.True(t, seen.Add(r.RequesterID), "requester %s admitted twice", r.RequesterID)
	}
}

func TestAdmissionQueue_RoundRobinAcrossRequesters(t *testing.T) {
	q := newAdmissionQueue()
	requesters := []string{"a", "b", "c"}
	const perRequester = 3

	seed := uint32(1)
	for _, req := range requesters {
		for i := 0; i < perRequester; i++ {
			q.push(queuedRecord(req, seed))
			seed++
		}
	}
	q.admit(1)
	assertAdmittedUnique(t, q)

	var order []string
	for {
		r := q.popHead()
		if r == nil {
			break
		}
		order = append(order, r.RequesterID)
		q.admit(1)
		assertAdmittedUnique(t, q)
	}

	assert.Equal(t, []string{"a", "b", "c", "a", "b", "c", "a", "b", "c"}, order)
	assert.Equal(t, 0, q.depth())
}

func TestAdmissionQueue_NoSecondJobBeforeEveryFirstJob(t *testing.T) {
	q := newAdmissionQueue()
	const requesters = 5
	const perRequester = 4

	// Arrival order interleaves repeats ahead of other requesters.
	seed := uint32(1)
	for i := 0; i < perRequester; i++ {
		for r := 0; r < requesters; r++ {
			if r%2 == 0 {
				q.push(queuedRecord(fmt.Sprintf("r%d", r), seed))
				seed++
			}
		}
	}
	for r := 0; r < requesters; r++ {
		for i := 0; i < perRequester; i++ {
			if r%2 == 1 {
				q.push(queuedRecord(fmt.Sprintf("r%d", r), seed))
				seed++
			}
		}
	}
	q.admit(1)

	served := map[string]int{}
	for {
		r := q.popHead()
		if r == nil {
			break
		}
		if served[r.RequesterID] >= 1 {
			for other := 0; other < requesters; other++ {
				name := fmt.Sprintf("r%d", other)
				assert.GreaterOrEqual(t, served[name], served[r.RequesterID],
					"%s served again before %s", r.RequesterID, name)
			}
		}
		served[r.RequesterID]++
		q.admit(1)
	}
	for r := 0; r < requesters; r++ {
		assert.Equal(t, perRequester, served[fmt.Sprintf("r%d", r)])
	}
}

func TestAdmissionQueue_Estimates(t *testing.T) {
	q := newAdmissionQueue()
	recs := []*Record{
		queuedRecord("a", 1),
		queuedRecord("b", 2),
		queuedRecord("a", 3),
		queuedRecord("c", 4),
		queuedRecord("a", 5),
	}
	for _, r := range recs {
		q.push(r)
	}
	q.admit(2)

	// admitted: a1 b2 c4, overflow: a3 a5
	require.Len(t, q.admitted, 3)
	assert.Equal(t, WaitEstimate(1), recs[0].Estimate())
	assert.Equal(t, WaitEstimate(1), recs[1].Estimate())
	assert.Equal(t, WaitEstimate(2), recs[3].Estimate())
	assert.Equal(t, WaitEstimate(2), recs[2].Estimate())
	assert.Equal(t, WaitEstimate(3), recs[4].Estimate())

	assert.Equal(t, StatusAdmitted, recs[3].Status())
	assert.Equal(t, StatusQueued, recs[2].Status())
}

func TestAdmissionQueue_ZeroWorkersIsUnbounded(t *testing.T) {
	q := newAdmissionQueue()
	recs := []*Record{queuedRecord("a", 1), queuedRecord("a", 2), queuedRecord("b", 3)}
	for _, r := range recs {
		q.push(r)
	}
	q.admit(0)

	for _, r := range recs {
		assert.True(t, r.Estimate().IsUnbounded())
	}

	q.admit(1)
	for _, r := range recs {
		assert.False(t, r.Estimate().IsUnbounded())
	}
}

func TestAdmissionQueue_RepeatSubmissionsNeverRaiseEstimates(t *testing.T) {
	q := newAdmissionQueue()
	var recs []*Record
	seed := uint32(1)
	for _, req := range []string{"a", "b", "a", "c", "b", "a", "d"} {
		r := queuedRecord(req, seed)
		seed++
		recs = append(recs, r)
		q.push(r)
	}
	q.admit(2)

	last := map[*Record]WaitEstimate{}
	for _, r := range recs {
		last[r] = r.Estimate()
	}

	for step := 0; ; step++ {
		r := q.popHead()
		if r == nil {
			break
		}
		delete(last, r)

		// Only requesters that are already waiting submit again; a new
		// requester is promoted ahead of overflow and does push it back.
		if step < 3 {
			extra := queuedRecord("a", 100+uint32(step))
			q.push(extra)
			q.admit(2)
			last[extra] = extra.Estimate()
		} else {
			q.admit(2)
		}

		for rec, prev := range last {
			now := rec.Estimate()
			assert.LessOrEqual(t, int(now), int(prev), "estimate increased for %s", rec.RequesterID)
			last[rec] = now
		}
	}
}

func TestAdmissionQueue_AdmitIgnoresTerminalRecords(t *testing.T) {
	q := newAdmissionQueue()
	r := queuedRecord("a", 1)
	r.finish(Texture{Value: "v"})
	q.push(r)
	q.admit(1)
	assert.Equal(t, StatusFinished, r.Status())
	assert.Equal(t, WaitEstimate(0), r.Estimate())
}

func TestEstimateFor(t *testing.T) {
	tests := []struct {
		position int
		active   int
		want     WaitEstimate
	}{
		{1, 1, 1},
		{2, 1, 2},
		{1, 3, 1},
		{3, 3, 1},
		{4, 3, 2},
		{7, 3, 3},
		{1, 0, Unbounded},
		{5, -1, Unbounded},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%d/%d", tt.position, tt.active), func(t *testing.T) {
			assert.Equal(t, tt.want, estimateFor(tt.position, tt.active))
		})
	}
}

func TestAdmissionQueue_NewRequesterOvertakesOverflow(t *testing.T) {
	q := newAdmissionQueue()
	a1 := queuedRecord("a", 1)
	a2 := queuedRecord("a", 2)
	q.push(a1)
	q.push(a2)
	q.admit(1)
	assert.Equal(t, WaitEstimate(1), a1.Estimate())
	assert.Equal(t, WaitEstimate(2), a2.Estimate())

	b1 := queuedRecord("b", 3)
	q.push(b1)
	q.admit(1)
	assert.Equal(t, StatusAdmitted, b1.Status())
	assert.Equal(t, WaitEstimate(2), b1.Estimate())
	assert.Equal(t, StatusQueued, a2.Status())
	assert.Equal(t, WaitEstimate(3), a2.Estimate(), "fairness puts b ahead of a's second job")
}
