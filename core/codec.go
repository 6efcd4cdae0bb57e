// Copyright 2025 Poiesic Systems
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.


package core

import (
	"time"

	"github.com/mus-format/mus-go/ord"
	"github.com/mus-format/mus-go/varint"
)

// MUS serializers for the values kept in the key-value store. Field order is
// the wire order; append new fields at the end.

var (
	CatalogItemMUS = catalogItemMUS{}
	FlowMUS        = flowMUS{}
	TimeMUS        = timeMUS{}
)

type catalogItemMUS struct{}

func (s catalogItemMUS) Marshal(v CatalogItem, bs []byte) (n int) {
	n = ord.String.Marshal(v.ID, bs)
	n += ord.String.Marshal(v.Title, bs[n:])
	n += ord.String.Marshal(v.Description, bs[n:])
	n += varint.Float64.Marshal(v.Price, bs[n:])
	return n + varint.Int64.Marshal(v.Count, bs[n:])
}

func (s catalogItemMUS) Unmarshal(bs []byte) (v CatalogItem, n int, err error) {
	v.ID, n, err = ord.String.Unmarshal(bs)
	if err != nil {
		return
	}
	var n1 int
	v.Title, n1, err = ord.String.Unmarshal(bs[n:])
	n += n1
	if err != nil {
		return
	}
	v.Description, n1, err = ord.String.Unmarshal(bs[n:])
	n += n1
	if err != nil {
		return
	}
	v.Price, n1, err = varint.Float64.Unmarshal(bs[n:])
	n += n1
	if err != nil {
		return
	}
	v.Count, n1, err = varint.Int64.Unmarshal(bs[n:])
	n += n1
	return
}

func (s catalogItemMUS) Size(v CatalogItem) (size int) {
	size = ord.String.Size(v.ID)
	size += ord.String.Size(v.Title)
	size += ord.String.Size(v.Description)
	size += varint.Float64.Size(v.Price)
	return size + varint.Int64.Size(v.Count)
}

func (s catalogItemMUS) Skip(bs []byte) (n int, err error) {
	n, err = ord.String.Skip(bs)
	if err != nil {
		return
	}
	var n1 int
	n1, err = ord.String.Skip(bs[n:])
	n += n1
	if err != nil {
		return
	}
	n1, err = ord.String.Skip(bs[n:])
	n += n1
	if err != nil {
		return
	}
	n1, err = varint.Float64.Skip(bs[n:])
	n += n1
	if err != nil {
		return
	}
	n1, err = varint.Int64.Skip(bs[n:])
	n += n1
	return
}

// timeMUS encodes instants as Unix microseconds; the zero time round-trips.
type timeMUS struct{}

func (s timeMUS) Marshal(v time.Time, bs []byte) (n int) {
	return varint.Int64.Marshal(timeToMicro(v), bs)
}

func (s timeMUS) Unmarshal(bs []byte) (v time.Time, n int, err error) {
	var us int64
	us, n, err = varint.Int64.Unmarshal(bs)
	if err != nil {
		return
	}
	return microToTime(us), n, nil
}

func (s timeMUS) Size(v time.Time) int {
	return varint.Int64.Size(timeToMicro(v))
}

func (s timeMUS) Skip(bs []byte) (n int, err error) {
	return varint.Int64.Skip(bs)
}

func timeToMicro(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMicro()
}

func microToTime(us int64) time.Time {
	if us == 0 {
		return time.Time{}
	}
	return time.UnixMicro(us).UTC()
}

type flowMUS struct{}

func (s flowMUS) Marshal(v Flow, bs []byte) (n int) {
	n = ord.String.Marshal(v.Key, bs)
	n += varint.Int.Marshal(int(v.State), bs[n:])
	n += TimeMUS.Marshal(v.Expiry, bs[n:])
	n += ord.Bool.Marshal(v.ParseDone, bs[n:])
	n += varint.Int64.Marshal(v.Enqueued, bs[n:])
	n += varint.Int64.Marshal(v.Malformed, bs[n:])
	n += varint.Int64.Marshal(v.Persisted, bs[n:])
	n += varint.Int64.Marshal(v.Rejected, bs[n:])
	n += ord.String.Marshal(v.Reason, bs[n:])
	return n + TimeMUS.Marshal(v.UpdatedAt, bs[n:])
}

func (s flowMUS) Unmarshal(bs []byte) (v Flow, n int, err error) {
	v.Key, n, err = ord.String.Unmarshal(bs)
	if err != nil {
		return
	}
	var (
		n1    int
		state int
	)
	state, n1, err = varint.Int.Unmarshal(bs[n:])
	n += n1
	if err != nil {
		return
	}
	v.State = FlowState(state)
	v.Expiry, n1, err = TimeMUS.Unmarshal(bs[n:])
	n += n1
	if err != nil {
		return
	}
	v.ParseDone, n1, err = ord.Bool.Unmarshal(bs[n:])
	n += n1
	if err != nil {
		return
	}
	for _, counter := range []*int64{&v.Enqueued, &v.Malformed, &v.Persisted, &v.Rejected} {
		*counter, n1, err = varint.Int64.Unmarshal(bs[n:])
		n += n1
		if err != nil {
			return
		}
	}
	v.Reason, n1, err = ord.String.Unmarshal(bs[n:])
	n += n1
	if err != nil {
		return
	}
	v.UpdatedAt, n1, err = TimeMUS.Unmarshal(bs[n:])
	n += n1
	return
}

func (s flowMUS) Size(v Flow) (size int) {
	size = ord.String.Size(v.Key)
	size += varint.Int.Size(int(v.State))
	size += TimeMUS.Size(v.Expiry)
	size += ord.Bool.Size(v.ParseDone)
	size += varint.Int64.Size(v.Enqueued)
	size += varint.Int64.Size(v.Malformed)
	size += varint.Int64.Size(v.Persisted)
	size += varint.Int64.Size(v.Rejected)
	size += ord.String.Size(v.Reason)
	return size + TimeMUS.Size(v.UpdatedAt)
}
