// Copyright 2024 Google Inc. All Rights Reserved.
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

package recorder

import (
	"context"
)

// Follower receives a live broadcast of blocks as a Writer flushes them.
// A Follower whose buffered channel fills before it drains is dropped
// rather than allowed to stall the writer; once the blocks already
// buffered have been read, Next returns ErrFollowerLagged.
type Follower struct {
	ch      chan *Block
	dropped chan struct{}
}

func newFollower(bufferSize int) *Follower {
	if bufferSize <= 0 {
		bufferSize = 32
	}
	return &Follower{
		ch:      make(chan *Block, bufferSize),
		dropped: make(chan struct{}),
	}
}

// deliver attempts a non-blocking send of b. It reports false (and marks
// the follower dropped) if the channel is full.
func (f *Follower) deliver(b *Block) bool {
	select {
	case f.ch <- b:
		return true
	default:
		select {
		case <-f.dropped:
		default:
			close(f.dropped)
		}
		return false
	}
}

// Next blocks until the next broadcast block arrives, ctx is done, or the
// follower has been dropped for lagging.
func (f *Follower) Next(ctx context.Context) (*Block, error) {
	select {
	case b := <-f.ch:
		return b, nil
	case <-f.dropped:
		select {
		case b := <-f.ch:
			return b, nil
		default:
			return nil, ErrFollowerLagged
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
