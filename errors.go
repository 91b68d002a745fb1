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

package iostack

import (
	"errors"
	"fmt"
)

// ErrIOStack is the sentinel distinguishing a logic/invariant violation
// (misaligned offset, hole, corruption detected at open, incompatible
// block sizes) from a passed-through OS error. The facade escalates any
// error matching ErrIOStack to a fatal condition; OS errors are returned
// to the caller with errno intact.
var ErrIOStack = errors.New("iostack: invariant violation")

// StackError wraps ErrIOStack (or occasionally a plain OS error, when a
// layer needs to attach which operation failed) with the operation name
// and an underlying cause.
type StackError struct {
	Op  string
	Err error
}

// NewStackError builds a StackError whose Unwrap chain reaches ErrIOStack,
// the constructor every layer uses to report an alignment, hole, or
// integrity violation.
func NewStackError(op string, format string, args ...interface{}) *StackError {
	return &StackError{Op: op, Err: fmt.Errorf("%w: %s", ErrIOStack, fmt.Sprintf(format, args...))}
}

func (e *StackError) Error() string {
	return fmt.Sprintf("iostack: %s: %v", e.Op, e.Err)
}

func (e *StackError) Unwrap() error { return e.Err }

// IsLogic reports whether err is (or wraps) ErrIOStack — a logic/integrity
// violation the facade must escalate, as opposed to an OS error it should
// pass through verbatim.
func IsLogic(err error) bool {
	return errors.Is(err, ErrIOStack)
}
