// Copyright 2026 The hearthd Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package embedding

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"unicode"
)

// wordPieceTokenizer is a WordPiece tokenizer for MiniLM-style models. It
// loads a vocab.txt when one is configured and otherwise falls back to a
// minimal built-in vocabulary, which keeps the engine usable for smoke
// tests without model assets.
type wordPieceTokenizer struct {
	vocab    map[string]int64
	clsToken int64
	sepToken int64
	padToken int64
	unkToken int64
}

// tokenizedInput holds the tensors the ONNX model expects.
type tokenizedInput struct {
	InputIDs      []int64
	AttentionMask []int64
	TokenTypeIDs  []int64
}

func newWordPieceTokenizer(vocabPath string) (*wordPieceTokenizer, error) {
	t := &wordPieceTokenizer{
		vocab: make(map[string]int64),
	}

	if vocabPath != "" {
		if err := t.loadVocab(vocabPath); err != nil {
			return nil, fmt.Errorf("failed to load vocabulary: %w", err)
		}
	} else {
		t.initMinimalVocab()
	}

	var ok bool
	if t.clsToken, ok = t.vocab["[CLS]"]; !ok {
		return nil, fmt.Errorf("vocabulary missing [CLS] token")
	}
	if t.sepToken, ok = t.vocab["[SEP]"]; !ok {
		return nil, fmt.Errorf("vocabulary missing [SEP] token")
	}
	if t.padToken, ok = t.vocab["[PAD]"]; !ok {
		return nil, fmt.Errorf("vocabulary missing [PAD] token")
	}
	if t.unkToken, ok = t.vocab["[UNK]"]; !ok {
		return nil, fmt.Errorf("vocabulary missing [UNK] token")
	}

	return t, nil
}

func (t *wordPieceTokenizer) loadVocab(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	var id int64
	for scanner.Scan() {
		token := strings.TrimSpace(scanner.Text())
		if token != "" {
			t.vocab[token] = id
			id++
		}
	}
	return scanner.Err()
}

// initMinimalVocab builds a tiny vocabulary of special tokens, single
// characters and common English words. Quality is poor compared to the
// real MiniLM vocab but output stays deterministic.
func (t *wordPieceTokenizer) initMinimalVocab() {
	specials := []string{"[PAD]", "[UNK]", "[CLS]", "[SEP]", "[MASK]"}
	var id int64
	for _, s := range specials {
		t.vocab[s] = id
		id++
	}
	for c := 'a'; c <= 'z'; c++ {
		t.vocab[string(c)] = id
		id++
	}
	for c := '0'; c <= '9'; c++ {
		t.vocab[string(c)] = id
		id++
	}
	common := []string{
		"the", "of", "and", "a", "to", "in", "is", "you", "that", "it",
		"he", "was", "for", "on", "are", "as", "with", "his", "they", "i",
		"at", "be", "this", "have", "from", "or", "one", "had", "by", "word",
		"what", "all", "were", "we", "when", "your", "can", "said", "there",
		"use", "an", "each", "which", "she", "do", "how", "their", "if",
	}
	for _, w := range common {
		t.vocab[w] = id
		id++
	}
}

// Tokenize converts text into model inputs, truncating to maxLen.
func (t *wordPieceTokenizer) Tokenize(text string, maxLen int) (*tokenizedInput, error) {
	words := strings.Fields(normalizeText(text))

	ids := []int64{t.clsToken}
	for _, word := range words {
		if len(ids) >= maxLen-1 {
			break
		}
		for _, id := range t.tokenizeWord(word) {
			if len(ids) >= maxLen-1 {
				break
			}
			ids = append(ids, id)
		}
	}
	ids = append(ids, t.sepToken)

	mask := make([]int64, len(ids))
	types := make([]int64, len(ids))
	for i := range mask {
		mask[i] = 1
	}

	return &tokenizedInput{
		InputIDs:      ids,
		AttentionMask: mask,
		TokenTypeIDs:  types,
	}, nil
}

// tokenizeWord applies greedy longest-match WordPiece splitting.
func (t *wordPieceTokenizer) tokenizeWord(word string) []int64 {
	if id, ok := t.vocab[word]; ok {
		return []int64{id}
	}

	var ids []int64
	runes := []rune(word)
	start := 0
	for start < len(runes) {
		end := len(runes)
		var match int64 = -1
		for end > start {
			piece := string(runes[start:end])
			if start > 0 {
				piece = "##" + piece
			}
			if id, ok := t.vocab[piece]; ok {
				match = id
				break
			}
			end--
		}
		if match < 0 {
			return []int64{t.unkToken}
		}
		ids = append(ids, match)
		start = end
	}
	return ids
}

// normalizeText lowercases and strips everything but letters, digits and
// whitespace, matching the preprocessing MiniLM was trained with.
func normalizeText(text string) string {
	var b strings.Builder
	b.Grow(len(text))
	for _, r := range strings.ToLower(text) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || unicode.IsSpace(r) {
			b.WriteRune(r)
		} else {
			b.WriteRune(' ')
		}
	}
	return b.String()
}
