// Copyright Nexus Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package main

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func ptrTo[T any](v T) *T { return &v }

func Test_doMain(t *testing.T) {
	tests := []struct {
		name   string
		args   []string
		rf     runFn
		hf     healthcheckFn
		expOut string
		// expOutContains avoids pinning the exact kong help rendering.
		expOutContains []string
		expPanicCode   *int
	}{
		{
			name: "help",
			args: []string{"--help"},
			expOutContains: []string{
				"Usage: nexus",
				"Show version.",
				"Run the gateway for the given configuration.",
				"Docker HEALTHCHECK command.",
			},
			expPanicCode: ptrTo(0),
		},
		{
			name:   "version",
			args:   []string{"version"},
			expOut: "Nexus: dev\n",
		},
		{
			name: "run without path",
			args: []string{"run"},
			rf: func(_ context.Context, c cmdRun, _, _ io.Writer) error {
				require.Empty(t, c.Path)
				require.False(t, c.Debug)
				return nil
			},
		},
		{
			name: "run with path",
			args: []string{"run", "./config.yaml", "--debug"},
			rf: func(_ context.Context, c cmdRun, _, _ io.Writer) error {
				abs, err := filepath.Abs("./config.yaml")
				require.NoError(t, err)
				require.Equal(t, abs, c.Path)
				require.True(t, c.Debug)
				return nil
			},
		},
		{
			name: "healthcheck default port",
			args: []string{"healthcheck"},
			hf: func(_ context.Context, port int, _, _ io.Writer) error {
				require.Equal(t, 8080, port)
				return nil
			},
		},
		{
			name: "healthcheck custom port",
			args: []string{"healthcheck", "--port", "1999"},
			hf: func(_ context.Context, port int, _, _ io.Writer) error {
				require.Equal(t, 1999, port)
				return nil
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := &bytes.Buffer{}
			if tt.expPanicCode != nil {
				require.PanicsWithValue(t, *tt.expPanicCode, func() {
					doMain(t.Context(), out, os.Stderr, tt.args, func(code int) { panic(code) }, tt.rf, tt.hf)
				})
			} else {
				doMain(t.Context(), out, os.Stderr, tt.args, nil, tt.rf, tt.hf)
			}
			if tt.expOut != "" {
				require.Equal(t, tt.expOut, out.String())
			}
			for _, want := range tt.expOutContains {
				require.Contains(t, out.String(), want)
			}
		})
	}
}
