// SSHLog
// Copyright (C) 2024 Open Kilt LLC
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

package plugins

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// workerPool bounds concurrent action execution. All event rules share
// one pool so a misbehaving action cannot starve the process of
// goroutines.
type workerPool struct {
	sem    *semaphore.Weighted
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

func newWorkerPool(size int) *workerPool {
	ctx, cancel := context.WithCancel(context.Background())
	return &workerPool{
		sem:    semaphore.NewWeighted(int64(size)),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Submit runs task on the pool, blocking while the pool is saturated.
// After shutdown begins new tasks are silently dropped.
func (p *workerPool) Submit(task func()) {
	if err := p.sem.Acquire(p.ctx, 1); err != nil {
		return
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer p.sem.Release(1)
		task()
	}()
}

// Shutdown stops accepting tasks and waits for running ones to finish.
func (p *workerPool) Shutdown() {
	p.cancel()
	p.wg.Wait()
}
