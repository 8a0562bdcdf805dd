/*
Copyright 2019 Gravitational, Inc.

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

package membuf

import (
	"fmt"

	"github.com/gravitational/trace"
)

type (
	// CapacityExceededError is returned when an operation would grow the
	// buffer logical size beyond its configured maximum
	CapacityExceededError struct {
		// Requested is the logical size the operation needed
		Requested int64
		// Limit is the configured maximum size
		Limit int64
	}

	// InvalidSeekError is returned when a seek resolves to a negative
	// position or uses an unknown origin
	InvalidSeekError struct {
		Offset int64
		Whence int
		// Position is the resolved absolute position
		Position int64
	}

	// StreamSourceError wraps an error returned by a source drained with
	// WriteFrom. Bytes read before the failure stay written.
	StreamSourceError struct {
		Err error
	}
)

func (e *CapacityExceededError) Error() string {
	return fmt.Sprintf("buffer capacity exceeded: size %v is over the limit of %v", e.Requested, e.Limit)
}

// IsLimitExceededError makes the error recognizable by trace.IsLimitExceeded
func (e *CapacityExceededError) IsLimitExceededError() bool {
	return true
}

func (e *InvalidSeekError) Error() string {
	if e.Position < 0 {
		return fmt.Sprintf("invalid seek: offset=%v, whence=%v resolves to negative position %v",
			e.Offset, e.Whence, e.Position)
	}
	return fmt.Sprintf("invalid seek: unknown whence=%v", e.Whence)
}

// IsBadParameterError makes the error recognizable by trace.IsBadParameter
func (e *InvalidSeekError) IsBadParameterError() bool {
	return true
}

func (e *StreamSourceError) Error() string {
	return fmt.Sprintf("stream source failure: %v", e.Err)
}

func (e *StreamSourceError) Unwrap() error {
	return e.Err
}

// IsCapacityExceeded returns true if err reports a write or resize over
// the buffer maximum size
func IsCapacityExceeded(err error) bool {
	_, ok := trace.Unwrap(err).(*CapacityExceededError)
	return ok
}

// IsInvalidSeek returns true if err reports a seek to a negative position
func IsInvalidSeek(err error) bool {
	_, ok := trace.Unwrap(err).(*InvalidSeekError)
	return ok
}

// IsStreamSourceFailure returns true if err was caused by the source
// collaborator of WriteFrom
func IsStreamSourceFailure(err error) bool {
	_, ok := trace.Unwrap(err).(*StreamSourceError)
	return ok
}

func capacityExceeded(requested, limit int64) error {
	return trace.Wrap(&CapacityExceededError{Requested: requested, Limit: limit})
}
