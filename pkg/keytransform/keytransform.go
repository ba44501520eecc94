// Copyright 2024-2025 CardinalHQ, Inc
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

// Package keytransform maps cache keys to names that are safe to use as
// file names.
package keytransform

import (
	"context"
	"crypto/sha256"
	"encoding/hex"

	"github.com/cardinalhq/chqcache/pkg/cachecore"
	"github.com/cardinalhq/chqcache/pkg/scattermap"
)

type KeyTransformer interface {
	Transform(ctx context.Context, key string) (string, error)
}

// Func adapts a plain function to KeyTransformer.
type Func func(ctx context.Context, key string) (string, error)

func (f Func) Transform(ctx context.Context, key string) (string, error) {
	return f(ctx, key)
}

// Identity uses keys unchanged.  Callers must only pass keys that are
// already valid file names.
type Identity struct{}

func (Identity) Transform(_ context.Context, key string) (string, error) {
	return key, nil
}

const DefaultMemoSize = 1000

// SHA256 names keys by the hex SHA-256 of their bytes, remembering
// recent results.
type SHA256 struct {
	memo *cachecore.Cache[string, string]
}

var (
	_ KeyTransformer = (*SHA256)(nil)
	_ KeyTransformer = Identity{}
	_ KeyTransformer = Func(nil)
)

// NewSHA256 returns a transformer that remembers the last memoSize keys.
func NewSHA256(memoSize int) (*SHA256, error) {
	memo, err := cachecore.New(int64(memoSize),
		cachecore.WithHasher[string, string](scattermap.StringHasher),
		cachecore.WithExecutor[string, string](func(fn func()) { fn() }),
		cachecore.WithName[string, string]("keytransform"),
		cachecore.WithInitialCapacity[string, string](memoSize))
	if err != nil {
		return nil, err
	}
	return &SHA256{memo: memo}, nil
}

func (s *SHA256) Transform(ctx context.Context, key string) (string, error) {
	v, _, err := s.memo.GetOrPut(ctx, key, func(context.Context) (string, bool, error) {
		return Hash(key), true, nil
	})
	return v, err
}

// Hash is the hex SHA-256 of key.
func Hash(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}
