// Copyright 2022 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package set

import (
	"sort"
	"testing"

	"gotest.tools/v3/assert"
)

func TestSet(t *testing.T) {
	s := FromSlice([]string{"a", "b"})
	assert.Equal(t, s.Len(), 2)
	assert.Assert(t, s.Contains("a"))
	assert.Assert(t, !s.Contains("c"))

	s.Add("c")
	assert.Assert(t, s.Contains("c"))

	s.Remove("a")
	assert.Assert(t, !s.Contains("a"))

	keys := s.Keys()
	sort.Strings(keys)
	assert.DeepEqual(t, keys, []string{"b", "c"})
}

func TestToSet(t *testing.T) {
	s := ToSet(map[string]int{"x": 1, "y": 2})
	assert.Equal(t, s.Len(), 2)
	assert.Assert(t, s.Contains("x"))
}
