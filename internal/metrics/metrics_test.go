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

package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObserveOpIncrementsCounters(t *testing.T) {
	OpsTotal.Reset()
	ObserveOp("write", "ok", 5*time.Millisecond)

	got := testutil.ToFloat64(OpsTotal.WithLabelValues("write", "ok"))
	assert.Equal(t, float64(1), got)
}

func TestNewRegistryGatherableWithoutPanicking(t *testing.T) {
	r := NewRegistry()
	families, err := r.Gather()
	require.NoError(t, err)
	assert.NotNil(t, families)
}
