// Copyright Nexus Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package agent

import "strings"

// Local runtimes list model names but rarely capability metadata, so the
// gateway infers context windows and feature support from well-known naming
// conventions. The inference is deliberately permissive on family prefixes
// and conservative on defaults: an unrecognized model gets a 4k context and
// no feature flags.

const defaultContextLength = 4096

// contextMarkers maps explicit size fragments ("-128k") to context windows.
// They win over family defaults, so they are checked first.
var contextMarkers = []struct {
	fragment string
	tokens   uint32
}{
	{"1m", 1048576},
	{"256k", 262144},
	{"200k", 200000},
	{"128k", 131072},
	{"64k", 65536},
	{"32k", 32768},
	{"16k", 16384},
	{"8k", 8192},
}

var familyContexts = []struct {
	fragment string
	tokens   uint32
}{
	{"llama-3.1", 131072},
	{"llama3.1", 131072},
	{"llama-3.2", 131072},
	{"llama3.2", 131072},
	{"llama3", 8192},
	{"llama-3", 8192},
	{"gpt-4o", 128000},
	{"gpt-4.1", 1047576},
	{"gpt-4-turbo", 128000},
	{"gpt-4", 8192},
	{"gpt-3.5", 16385},
	{"o1", 200000},
	{"o3", 200000},
	{"claude", 200000},
	{"qwen", 32768},
	{"mistral", 32768},
	{"mixtral", 32768},
	{"gemma", 8192},
	{"phi-3", 131072},
	{"phi3", 131072},
	{"deepseek", 65536},
}

var visionFragments = []string{
	"vision", "llava", "bakllava", "moondream", "pixtral", "gpt-4o", "gpt-4.1", "claude", "minicpm-v", "qwen2-vl", "qwen2.5vl",
}

var toolFragments = []string{
	"hermes", "functionary", "firefunction", "command-r", "gpt-4", "gpt-3.5", "o1", "o3",
	"claude", "mistral", "mixtral", "llama3.1", "llama-3.1", "llama3.2", "llama-3.2", "qwen",
}

var jsonModeFragments = []string{
	"gpt-4", "gpt-3.5", "o1", "o3", "claude", "hermes", "functionary", "instruct",
}

// InferModelCapability fills a ModelCapability for a bare model name.
// Dialects that do get real metadata from the backend override it.
func InferModelCapability(id string) ModelCapability {
	name := strings.ToLower(id)
	mc := ModelCapability{
		ID:            id,
		Name:          id,
		ContextLength: defaultContextLength,
	}

	inferred := false
	for _, m := range contextMarkers {
		if strings.Contains(name, m.fragment) {
			mc.ContextLength = m.tokens
			inferred = true
			break
		}
	}
	if !inferred {
		for _, f := range familyContexts {
			if strings.Contains(name, f.fragment) {
				mc.ContextLength = f.tokens
				break
			}
		}
	}

	mc.Vision = containsAny(name, visionFragments)
	mc.Tools = containsAny(name, toolFragments)
	mc.JSONMode = containsAny(name, jsonModeFragments)
	return mc
}

func containsAny(name string, fragments []string) bool {
	for _, f := range fragments {
		if strings.Contains(name, f) {
			return true
		}
	}
	return false
}
