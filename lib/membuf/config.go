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
	"github.com/gravitational/trace"
	"github.com/logrange/logrange/pkg/utils"
)

const (
	// DefaultInitialChunkSize is the capacity of the first chunk
	DefaultInitialChunkSize = 1024

	// DefaultMaxInitialChunkSize caps the capacity of the first chunk
	DefaultMaxInitialChunkSize = 64 * 1024

	// DefaultMaxChunkSize caps the capacity of every chunk allocated by the
	// growth policy. A single write larger than this still gets one chunk
	// big enough to hold it.
	DefaultMaxChunkSize = 1024 * 1024

	// DefaultMaxSize is the default hard limit of the buffer logical size
	DefaultMaxSize = 64 * 1024 * 1024
)

type (
	// Config defines chunk growth and size limits of a Buffer.
	// Fields are exported since this is JSON/YAML (un-)marshaled object.
	Config struct {
		// InitialChunkSize is the capacity of the first allocated chunk
		InitialChunkSize int `json:"initialChunkSize" yaml:"initialChunkSize"`
		// MaxInitialChunkSize caps InitialChunkSize
		MaxInitialChunkSize int `json:"maxInitialChunkSize" yaml:"maxInitialChunkSize"`
		// MaxChunkSize caps the geometric growth of chunk capacities
		MaxChunkSize int `json:"maxChunkSize" yaml:"maxChunkSize"`
		// MaxSize is the hard ceiling of the buffer logical size
		MaxSize int64 `json:"maxSize" yaml:"maxSize"`
	}
)

// NewDefaultConfig creates buffer config with default values
func NewDefaultConfig() *Config {
	return &Config{
		InitialChunkSize:    DefaultInitialChunkSize,
		MaxInitialChunkSize: DefaultMaxInitialChunkSize,
		MaxChunkSize:        DefaultMaxChunkSize,
		MaxSize:             DefaultMaxSize,
	}
}

// Merge overrides the non-zero fields of current config with the ones of other
func (c *Config) Merge(other *Config) {
	if other == nil {
		return
	}

	if other.InitialChunkSize != 0 {
		c.InitialChunkSize = other.InitialChunkSize
	}
	if other.MaxInitialChunkSize != 0 {
		c.MaxInitialChunkSize = other.MaxInitialChunkSize
	}
	if other.MaxChunkSize != 0 {
		c.MaxChunkSize = other.MaxChunkSize
	}
	if other.MaxSize != 0 {
		c.MaxSize = other.MaxSize
	}
}

// Check checks whether current config is valid and safe to use
func (c *Config) Check() error {
	if c.InitialChunkSize <= 0 {
		return trace.BadParameter("invalid InitialChunkSize=%v: must be > 0", c.InitialChunkSize)
	}
	if c.MaxInitialChunkSize <= 0 {
		return trace.BadParameter("invalid MaxInitialChunkSize=%v: must be > 0", c.MaxInitialChunkSize)
	}
	if c.MaxChunkSize < c.firstChunkSize() {
		return trace.BadParameter("invalid MaxChunkSize=%v: must be >= %v (first chunk size)",
			c.MaxChunkSize, c.firstChunkSize())
	}
	if c.MaxSize <= 0 {
		return trace.BadParameter("invalid MaxSize=%v: must be > 0", c.MaxSize)
	}
	return nil
}

func (c *Config) String() string {
	return utils.ToJsonStr(c)
}

// firstChunkSize returns the capacity of the first chunk the growth policy
// allocates, not accounting the size of the write which triggers it.
func (c *Config) firstChunkSize() int {
	if c.InitialChunkSize > c.MaxInitialChunkSize {
		return c.MaxInitialChunkSize
	}
	return c.InitialChunkSize
}

// nextChunkSize returns the capacity of the chunk following one of prev
// capacity. The result is at least need and at most limit, need <= limit.
func (c *Config) nextChunkSize(prev int, need, limit int64) int {
	size := int64(c.firstChunkSize())
	if prev > 0 {
		size = int64(prev) * 2
		if size > int64(c.MaxChunkSize) {
			size = int64(c.MaxChunkSize)
		}
	}
	if size < need {
		size = need
	}
	if size > limit {
		size = limit
	}
	return int(size)
}
