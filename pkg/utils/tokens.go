// Copyright 2025 The Emissia Authors
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

// Package utils holds small shared helpers.
package utils

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// TokenCounter estimates token counts for context budgeting.
// It uses tiktoken when the encoding is available and falls back to a
// len/2 heuristic otherwise (1 CJK char ≈ 1 token, 1 English word ≈ 1 token).
type TokenCounter struct {
	encodingName string

	mu       sync.Mutex
	encoding *tiktoken.Tiktoken
	failed   bool
}

// NewTokenCounter creates a counter for the given encoding, e.g. "cl100k_base".
func NewTokenCounter(encodingName string) *TokenCounter {
	if encodingName == "" {
		encodingName = "cl100k_base"
	}
	return &TokenCounter{encodingName: encodingName}
}

func (c *TokenCounter) getEncoding() *tiktoken.Tiktoken {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.encoding != nil || c.failed {
		return c.encoding
	}

	enc, err := tiktoken.GetEncoding(c.encodingName)
	if err != nil {
		// Offline or unknown encoding; stay on the heuristic.
		c.failed = true
		return nil
	}
	c.encoding = enc
	return enc
}

// Count returns the estimated token count of text.
func (c *TokenCounter) Count(text string) int {
	if text == "" {
		return 0
	}
	if enc := c.getEncoding(); enc != nil {
		return len(enc.Encode(text, nil, nil))
	}
	return len(text) / 2
}

// CountMessages estimates the token count of a message list, adding the
// per-message formatting overhead.
func (c *TokenCounter) CountMessages(contents []string) int {
	total := 0
	for _, content := range contents {
		total += c.Count(content) + 3
	}
	return total
}
