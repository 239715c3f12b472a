// Copyright 2023 Buf Technologies, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package clocktest adapts the clockwork fake clock to the internal.Clock
// interface. Interface compatibility in Go is nominal for methods that return
// other interfaces, so the methods returning Timer or Ticker must be re-boxed
// even though the underlying types are structurally identical.
package clocktest

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/hospitalcore/gateway/internal"
)

// FakeClock is a clock that can be manually advanced through time. It adapts
// *[clockwork.FakeClock] to the internal.Clock interface.
type FakeClock interface {
	internal.Clock
	Advance(d time.Duration)
	BlockUntilContext(ctx context.Context, waiters int) error
}

// NewFakeClock creates a new FakeClock using clockwork.
func NewFakeClock() FakeClock {
	return fakeClock{clockwork.NewFakeClock()}
}

type fakeClock struct {
	*clockwork.FakeClock
}

var _ FakeClock = fakeClock{}

// NewTicker re-boxes the clockwork.Ticker as an internal.Ticker.
func (f fakeClock) NewTicker(d time.Duration) internal.Ticker {
	return f.FakeClock.NewTicker(d)
}

// NewTimer re-boxes the clockwork.Timer as an internal.Timer.
func (f fakeClock) NewTimer(d time.Duration) internal.Timer {
	return f.FakeClock.NewTimer(d)
}

// AfterFunc re-boxes the clockwork.Timer as an internal.Timer.
func (f fakeClock) AfterFunc(d time.Duration, fn func()) internal.Timer {
	return f.FakeClock.AfterFunc(d, fn)
}
