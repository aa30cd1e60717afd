/*
Copyright 2024 Blnk Finance Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package spool

import (
	"errors"
	"fmt"

	"github.com/blnkfinance/spool/internal/gateway"
	"github.com/blnkfinance/spool/internal/lock"
)

// ErrLockContention means another invocation holds the job's lock. Callers
// treat it as a skipped run, never as a failure.
var ErrLockContention = lock.ErrContention

// TransientDispatchError is a failed or never-completed call to an external
// service that may succeed on a later pass.
type TransientDispatchError struct {
	Service string
	Err     error
}

func (e *TransientDispatchError) Error() string {
	return fmt.Sprintf("transient %s dispatch failure: %v", e.Service, e.Err)
}

func (e *TransientDispatchError) Unwrap() error { return e.Err }

// PermanentValidationError means the content itself cannot be processed. The
// item is failed regardless of its retry count.
type PermanentValidationError struct {
	Service string
	Err     error
}

func (e *PermanentValidationError) Error() string {
	if e.Service == "" {
		return fmt.Sprintf("invalid content: %v", e.Err)
	}
	return fmt.Sprintf("invalid content for %s: %v", e.Service, e.Err)
}

func (e *PermanentValidationError) Unwrap() error { return e.Err }

// ReconciliationPollError is a failed poll, or a poll that reported the job as
// failed, missing, or finished without a result.
type ReconciliationPollError struct {
	Service string
	JobID   string
	Reason  string
	Err     error
}

func (e *ReconciliationPollError) Error() string {
	msg := fmt.Sprintf("%s job %s: %s", e.Service, e.JobID, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ReconciliationPollError) Unwrap() error { return e.Err }

type failureClass int

const (
	failureTransient failureClass = iota
	failurePermanent
)

// dispatchError wraps a gateway failure from a start or post call.
func dispatchError(service string, err error) error {
	var gerr *gateway.Error
	if errors.As(err, &gerr) && !gerr.Retryable() {
		return &PermanentValidationError{Service: service, Err: err}
	}
	return &TransientDispatchError{Service: service, Err: err}
}

// classifyFailure decides whether err ends the item or sends it back to the
// queue. Poll errors are transient until the retry ceiling.
func classifyFailure(err error) failureClass {
	var invalid *PermanentValidationError
	if errors.As(err, &invalid) {
		return failurePermanent
	}
	return failureTransient
}

func isRateLimited(err error) bool {
	var gerr *gateway.Error
	return errors.As(err, &gerr) && gerr.Kind == gateway.KindRateLimited
}
