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

// Package idgen hands out process and instance identifiers.
package idgen

import (
	"errors"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/sony/sonyflake"
)

var epoch = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

// Flake produces positive int64 IDs that increase roughly in time order.
type Flake struct {
	sf *sonyflake.Sonyflake
}

// NewFlake fails when sonyflake cannot derive a machine ID, which happens
// on hosts without a private IPv4 address.
func NewFlake() (*Flake, error) {
	sf, err := sonyflake.New(sonyflake.Settings{StartTime: epoch})
	if err != nil {
		return nil, err
	}
	if sf == nil {
		return nil, errors.New("failed to create sonyflake instance")
	}
	return &Flake{sf: sf}, nil
}

func (f *Flake) Next() int64 {
	v, err := f.sf.NextID()
	if err != nil {
		return rand.Int64()
	}
	return int64(v)
}

// InstanceID identifies this process in logs and metrics. It is stable for
// the life of the process.
var InstanceID = sync.OnceValue(func() int64 {
	f, err := NewFlake()
	if err != nil {
		return rand.Int64()
	}
	return f.Next()
})
