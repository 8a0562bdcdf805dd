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
	"reflect"
	"testing"
)

func TestConfig_Merge(t *testing.T) {
	tests := []struct {
		name  string
		other *Config
		want  *Config
	}{
		{
			name:  "nil keeps defaults",
			other: nil,
			want:  NewDefaultConfig(),
		},
		{
			name:  "zero fields keep defaults",
			other: &Config{MaxSize: 100},
			want: &Config{
				InitialChunkSize:    DefaultInitialChunkSize,
				MaxInitialChunkSize: DefaultMaxInitialChunkSize,
				MaxChunkSize:        DefaultMaxChunkSize,
				MaxSize:             100,
			},
		},
		{
			name:  "all fields",
			other: &Config{InitialChunkSize: 1, MaxInitialChunkSize: 2, MaxChunkSize: 3, MaxSize: 4},
			want:  &Config{InitialChunkSize: 1, MaxInitialChunkSize: 2, MaxChunkSize: 3, MaxSize: 4},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := NewDefaultConfig()
			got.Merge(tt.other)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Config.Merge() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestConfig_Check(t *testing.T) {
	tests := []struct {
		name    string
		cfg     *Config
		wantErr bool
	}{
		{name: "defaults", cfg: NewDefaultConfig(), wantErr: false},
		{name: "zero initial chunk", cfg: &Config{MaxInitialChunkSize: 1, MaxChunkSize: 1, MaxSize: 1}, wantErr: true},
		{name: "zero max initial chunk", cfg: &Config{InitialChunkSize: 1, MaxChunkSize: 1, MaxSize: 1}, wantErr: true},
		{name: "max chunk below first chunk",
			cfg: &Config{InitialChunkSize: 8, MaxInitialChunkSize: 4, MaxChunkSize: 2, MaxSize: 1}, wantErr: true},
		{name: "max chunk equals capped first chunk",
			cfg: &Config{InitialChunkSize: 8, MaxInitialChunkSize: 4, MaxChunkSize: 4, MaxSize: 1}, wantErr: false},
		{name: "zero max size", cfg: &Config{InitialChunkSize: 1, MaxInitialChunkSize: 1, MaxChunkSize: 1}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.cfg.Check(); (err != nil) != tt.wantErr {
				t.Errorf("Config.Check() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestConfig_nextChunkSize(t *testing.T) {
	cfg := &Config{InitialChunkSize: 4, MaxInitialChunkSize: 64, MaxChunkSize: 32, MaxSize: 1000}
	type args struct {
		prev  int
		need  int64
		limit int64
	}
	tests := []struct {
		name string
		args args
		want int
	}{
		{name: "first chunk", args: args{prev: 0, need: 1, limit: 1000}, want: 4},
		{name: "first chunk covers need", args: args{prev: 0, need: 10, limit: 1000}, want: 10},
		{name: "doubles", args: args{prev: 4, need: 1, limit: 1000}, want: 8},
		{name: "capped", args: args{prev: 32, need: 1, limit: 1000}, want: 32},
		{name: "covers need over cap", args: args{prev: 32, need: 100, limit: 1000}, want: 100},
		{name: "limited by max size", args: args{prev: 16, need: 3, limit: 5}, want: 5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := cfg.nextChunkSize(tt.args.prev, tt.args.need, tt.args.limit); got != tt.want {
				t.Errorf("Config.nextChunkSize() = %v, want %v", got, tt.want)
			}
		})
	}
}
