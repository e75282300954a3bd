package clipsim

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/m-kichik/CVProj/imagepairs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var _ imagepairs.Tokenizer = (*Tokenizer)(nil)

const (
	testVocab = `{
  "<|startoftext|>": 0,
  "<|endoftext|>": 1,
  "a</w>": 2,
  "c": 3,
  "a": 4,
  "t": 5,
  "t</w>": 6,
  "ca": 7,
  "cat</w>": 8
}`
	testMerges = "#version: 0.2\nc a\nca t</w>\n"
)

func testTokenizer(t *testing.T) *Tokenizer {
	dir := t.TempDir()
	vocabPath := filepath.Join(dir, "vocab.json")
	mergesPath := filepath.Join(dir, "merges.txt")
	require.NoError(t, os.WriteFile(vocabPath, []byte(testVocab), 0666))
	require.NoError(t, os.WriteFile(mergesPath, []byte(testMerges), 0666))
	tok, err := NewTokenizerFromFiles(vocabPath, mergesPath)
	require.NoError(t, err)
	return tok
}

func TestTokenizerEncode(t *testing.T) {
	tok := testTokenizer(t)
	assert.Equal(t, 9, tok.VocabSize())

	// "cat" requires both merges: c+a -> ca, ca+t</w> -> cat</w>.
	assert.Equal(t, []int32{2, 8}, tok.Encode("a cat"))

	// Cleanup: case, whitespace runs and HTML escapes.
	assert.Equal(t, []int32{2, 8}, tok.Encode("A   CAT"))
	assert.Equal(t, []int32{2, 8}, tok.Encode(" a\n\tcat "))

	// Tokens absent from the vocabulary are dropped.
	assert.Equal(t, []int32{8}, tok.Encode("cat!"))
}

func TestTokenizerTokenize(t *testing.T) {
	tok := testTokenizer(t)
	ids := tok.Tokenize("a cat")
	require.Len(t, ids, ContextLen)
	assert.Equal(t, []int32{0, 2, 8, 1}, ids[:4], "sot, caption, eot")
	for ii := 4; ii < ContextLen; ii++ {
		require.Zerof(t, ids[ii], "position %d should be zero padding", ii)
	}
	assert.Equal(t, ContextLen, tok.ContextLen())
}

func TestTokenizerTruncation(t *testing.T) {
	tok := testTokenizer(t)
	long := strings.Repeat("a ", 100)
	ids := tok.Tokenize(long)
	require.Len(t, ids, ContextLen)
	assert.Equal(t, int32(0), ids[0], "sot")
	assert.Equal(t, int32(1), ids[ContextLen-1], "eot survives truncation")
	for ii := 1; ii < ContextLen-1; ii++ {
		require.Equalf(t, int32(2), ids[ii], "position %d", ii)
	}
}

func TestTokenizerDetokenize(t *testing.T) {
	tok := testTokenizer(t)
	assert.Equal(t, "a cat", tok.Detokenize(tok.Tokenize("a CAT")))
	assert.Equal(t, "", tok.Detokenize(tok.Tokenize("")))
}

func TestTokenizerMissingSpecials(t *testing.T) {
	dir := t.TempDir()
	vocabPath := filepath.Join(dir, "vocab.json")
	mergesPath := filepath.Join(dir, "merges.txt")
	require.NoError(t, os.WriteFile(vocabPath, []byte(`{"a</w>": 0}`), 0666))
	require.NoError(t, os.WriteFile(mergesPath, []byte(testMerges), 0666))
	_, err := NewTokenizerFromFiles(vocabPath, mergesPath)
	require.ErrorContains(t, err, sotToken)
}
