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

package idgen

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFlake_Increasing(t *testing.T) {
	f, err := NewFlake()
	if err != nil {
		t.Skipf("sonyflake unavailable on this host: %v", err)
	}
	id := f.Next()
	assert.Greater(t, f.Next(), id)
	assert.Positive(t, id)
}

func TestInstanceID_Stable(t *testing.T) {
	id := InstanceID()
	assert.Equal(t, id, InstanceID())
	assert.GreaterOrEqual(t, id, int64(0))
}
