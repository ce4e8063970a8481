// Copyright Nexus Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package internaltesting holds helpers shared by tests across the module.
package internaltesting

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// RequireEventuallyNoError polls condition until it returns nil, failing the
// test with the last observed error once waitFor elapses.
func RequireEventuallyNoError(t testing.TB, condition func() error,
	waitFor, tick time.Duration, msgAndArgs ...any,
) {
	t.Helper()
	deadline := time.Now().Add(waitFor)
	for {
		err := condition()
		if err == nil {
			return
		}
		if time.Now().After(deadline) {
			require.NoError(t, err, msgAndArgs...)
			return
		}
		time.Sleep(tick)
	}
}
