// Copyright 2020-2022 Matt Layher and Michael Stapelberg
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"
)

// A lifecycle fans in the terminal events of every background task. The first
// task to stop decides that the process shuts down; later events are ignored.
type lifecycle struct {
	eg  *errgroup.Group
	ctx context.Context
}

// An event describes why a lifecycle task stopped.
type event struct {
	Source string
	Err    error
}

func (e *event) Error() string {
	if e.Err == nil {
		return e.Source + " stopped"
	}

	return fmt.Sprintf("%s: %v", e.Source, e.Err)
}

func (e *event) Unwrap() error { return e.Err }

// newLifecycle creates a lifecycle. Tasks receive a context which is canceled
// by the first terminal event.
func newLifecycle(ctx context.Context) *lifecycle {
	eg, ctx := errgroup.WithContext(ctx)
	return &lifecycle{eg: eg, ctx: ctx}
}

// Go runs fn in the background. Its return, with or without an error, is a
// terminal event.
func (lc *lifecycle) Go(source string, fn func(ctx context.Context) error) {
	lc.eg.Go(func() error {
		return &event{Source: source, Err: fn(lc.ctx)}
	})
}

// Fail produces a terminal event for err on behalf of source.
func (lc *lifecycle) Fail(source string, err error) {
	lc.Go(source, func(context.Context) error { return err })
}

// Wait blocks until the first terminal event and returns it. It does not wait
// for the remaining tasks, which end when the process exits.
func (lc *lifecycle) Wait() *event {
	<-lc.ctx.Done()

	cause := context.Cause(lc.ctx)

	var ev *event
	if errors.As(cause, &ev) {
		return ev
	}

	// The parent context ended first.
	return &event{Source: "context", Err: cause}
}
