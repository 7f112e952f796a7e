/*
 Copyright (c) tmmp contributors.

 This source code is licensed under the MIT license found in the
 LICENSE file in the root directory of this source tree.
*/

package tmmp

import (
	"sync"
	"sync/atomic"
)

// waitGroup wraps sync.WaitGroup and exposes a live counter of active
// tunnels that can be used in Serve() and reflected in prometheus.
type waitGroup struct {
	sync.WaitGroup
	active atomic.Int32
}

// Add adds to the WaitGroup and increments the count.
func (w *waitGroup) Add(delta int) {
	waitgroupActive.Inc()
	w.WaitGroup.Add(delta)
	w.active.Add(int32(delta))
}

// Done decrements the WaitGroup and the counter.
func (w *waitGroup) Done() {
	waitgroupActive.Dec()
	w.WaitGroup.Done()
	w.active.Add(-1)
}

// Active reports the number of tunnels currently in flight.
func (w *waitGroup) Active() int32 {
	return w.active.Load()
}
