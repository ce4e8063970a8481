// Copyright Nexus Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package agent

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCapabilityHas(t *testing.T) {
	caps := CapabilityEmbeddings | CapabilityCountTokens
	require.True(t, caps.Has(CapabilityEmbeddings))
	require.True(t, caps.Has(CapabilityCountTokens))
	require.True(t, caps.Has(CapabilityEmbeddings|CapabilityCountTokens))
	require.False(t, caps.Has(CapabilityLoadModel))
	require.False(t, caps.Has(CapabilityEmbeddings|CapabilityLoadModel), "every requested bit must be set")
}

func TestCapabilityString(t *testing.T) {
	tests := []struct {
		caps Capability
		exp  string
	}{
		{0, "none"},
		{CapabilityEmbeddings, "embeddings"},
		{CapabilityLoadModel | CapabilityUnloadModel, "load_model|unload_model"},
		{
			CapabilityEmbeddings | CapabilityLoadModel | CapabilityUnloadModel | CapabilityCountTokens | CapabilityResourceUsage,
			"embeddings|load_model|unload_model|count_tokens|resource_usage",
		},
	}
	for _, tc := range tests {
		require.Equal(t, tc.exp, tc.caps.String())
	}
}

func TestParseBackendKind(t *testing.T) {
	for _, s := range []string{"ollama", "vllm", "lmstudio", "llamacpp", "openai", "anthropic", "generic"} {
		k, err := ParseBackendKind(s)
		require.NoError(t, err)
		require.Equal(t, BackendKind(s), k)
	}

	k, err := ParseBackendKind("OLLAMA")
	require.NoError(t, err)
	require.Equal(t, KindOllama, k)

	_, err = ParseBackendKind("triton")
	require.EqualError(t, err, `unknown backend kind "triton"`)
}

func TestBackendKindLocal(t *testing.T) {
	for _, k := range []BackendKind{KindOllama, KindVLLM, KindLMStudio, KindLlamaCpp, KindGeneric} {
		require.True(t, k.Local(), string(k))
	}
	require.False(t, KindOpenAI.Local())
	require.False(t, KindAnthropic.Local())
}

func TestParsePrivacyZone(t *testing.T) {
	z, err := ParsePrivacyZone("restricted")
	require.NoError(t, err)
	require.Equal(t, ZoneRestricted, z)

	z, err = ParsePrivacyZone("Open")
	require.NoError(t, err)
	require.Equal(t, ZoneOpen, z)

	z, err = ParsePrivacyZone("")
	require.NoError(t, err)
	require.Equal(t, ZoneOpen, z, "empty zone defaults to open")

	_, err = ParsePrivacyZone("dmz")
	require.EqualError(t, err, `unknown privacy zone "dmz"`)
}

func TestNewConstructsDialects(t *testing.T) {
	tests := []struct {
		kind BackendKind
		caps Capability
	}{
		{KindOllama, CapabilityEmbeddings | CapabilityLoadModel | CapabilityUnloadModel | CapabilityResourceUsage},
		{KindVLLM, CapabilityEmbeddings | CapabilityCountTokens},
		{KindLMStudio, CapabilityEmbeddings},
		{KindLlamaCpp, CapabilityEmbeddings | CapabilityCountTokens},
		{KindOpenAI, CapabilityEmbeddings},
		{KindGeneric, CapabilityEmbeddings},
		{KindAnthropic, CapabilityCountTokens},
	}
	for _, tc := range tests {
		t.Run(string(tc.kind), func(t *testing.T) {
			a, err := New(tc.kind, "http://localhost:11434", Options{})
			require.NoError(t, err)
			p := a.Profile()
			require.Equal(t, tc.kind, p.Kind)
			require.Equal(t, ZoneOpen, p.Zone, "zone defaults to open")
			require.Equal(t, 1, p.Tier, "tier defaults to 1")
			require.Equal(t, tc.caps, p.Capabilities)
		})
	}
}

func TestNewRejectsUnknownKind(t *testing.T) {
	_, err := New("triton", "http://localhost:8000", Options{})
	require.EqualError(t, err, `unknown backend kind "triton"`)
}

func TestNewAppliesOptions(t *testing.T) {
	a, err := New(KindVLLM, "http://localhost:8000", Options{Zone: ZoneRestricted, Tier: 4})
	require.NoError(t, err)
	p := a.Profile()
	require.Equal(t, ZoneRestricted, p.Zone)
	require.Equal(t, 4, p.Tier)
}
