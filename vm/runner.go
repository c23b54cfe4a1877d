// Copyright 2025 Blink Labs Software
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

package vm

import (
	"context"
	"fmt"
	"slices"

	"github.com/blinklabs-io/ledgerd/types"
)

// Runner executes a transaction and then validates its writes
type Runner struct {
	Executor Executor
	VPs      []VP
	Pool     *Pool
}

// Run applies tx to st. An error from the executor is returned as is, a VP
// rejection yields a Result with Accepted unset
func (r *Runner) Run(ctx context.Context, tx *types.Tx, st State) (Result, error) {
	gas, err := r.Executor.Execute(ctx, tx, st)
	if err != nil {
		return Result{Gas: gas}, err
	}
	changed := st.ChangedKeys()
	res := Result{
		Gas:         gas,
		ChangedKeys: changed,
	}
	accepted := make([]bool, len(r.VPs))
	errs := make([]error, len(r.VPs))
	tasks := make([]func(), len(r.VPs))
	for i, vp := range r.VPs {
		tasks[i] = func() {
			accepted[i], errs[i] = vp.Validate(tx, changed, st)
		}
	}
	if r.Pool != nil {
		if err := r.Pool.Run(tasks...); err != nil {
			return res, err
		}
	} else {
		for _, task := range tasks {
			task()
		}
	}
	for i, vp := range r.VPs {
		if errs[i] != nil {
			return res, fmt.Errorf("vp %s: %w", vp.Name(), errs[i])
		}
		if !accepted[i] {
			res.RejectedBy = append(res.RejectedBy, vp.Name())
		}
	}
	slices.Sort(res.RejectedBy)
	res.Accepted = len(res.RejectedBy) == 0
	if !res.Accepted {
		res.Info = fmt.Sprintf("rejected by %v", res.RejectedBy)
	}
	return res, nil
}
