package clipsim

import (
	"encoding/json"
	"html"
	"os"
	"regexp"
	"strings"

	"github.com/gomlx/go-huggingface/hub"
	"github.com/pkg/errors"
)

const (
	// ContextLen is CLIP's fixed text length: every caption is framed and
	// padded to exactly this many token ids.
	ContextLen = 77

	sotToken = "<|startoftext|>"
	eotToken = "<|endoftext|>"
	wordEnd  = "</w>"
)

// Tokenizer implements CLIP's byte-pair encoding. It differs from the GPT-2
// flavor in three ways: text is lower-cased and whitespace-collapsed first,
// word-final tokens carry a "</w>" suffix, and outputs are framed with
// <|startoftext|>/<|endoftext|> in a fixed zero-padded context.
//
// It satisfies imagepairs.Tokenizer.
type Tokenizer struct {
	encoder     map[string]int32 // token -> id
	decoder     map[int32]string // id -> token
	bpeRanks    map[string]int   // merge pairs -> rank
	pattern     *regexp.Regexp   // regex pattern for splitting
	byteEncoder map[byte]rune    // byte -> unicode char
	byteDecoder map[rune]byte    // unicode char -> byte

	sotID, eotID int32
}

// NewTokenizer downloads vocab.json and merges.txt from the HuggingFace
// repository and builds the tokenizer.
func NewTokenizer(repo *hub.Repo) (*Tokenizer, error) {
	vocabPath, err := repo.DownloadFile("vocab.json")
	if err != nil {
		return nil, errors.Wrap(err, "failed to download vocab.json")
	}
	mergesPath, err := repo.DownloadFile("merges.txt")
	if err != nil {
		return nil, errors.Wrap(err, "failed to download merges.txt")
	}
	return NewTokenizerFromFiles(vocabPath, mergesPath)
}

// NewTokenizerFromFiles builds the tokenizer from local copies of vocab.json
// and merges.txt.
func NewTokenizerFromFiles(vocabPath, mergesPath string) (*Tokenizer, error) {
	vocabData, err := os.ReadFile(vocabPath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read %q", vocabPath)
	}
	var encoder map[string]int32
	if err := json.Unmarshal(vocabData, &encoder); err != nil {
		return nil, errors.Wrapf(err, "failed to parse %q", vocabPath)
	}
	decoder := make(map[int32]string, len(encoder))
	for token, id := range encoder {
		decoder[id] = token
	}

	mergesData, err := os.ReadFile(mergesPath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read %q", mergesPath)
	}
	bpeRanks := make(map[string]int)
	for i, line := range strings.Split(string(mergesData), "\n") {
		if i == 0 || strings.TrimSpace(line) == "" {
			continue // Skip header and empty lines
		}
		bpeRanks[line] = i - 1
	}

	// CLIP's splitting pattern: it has no leading-space groups (spaces are
	// collapsed away before matching) and digits are split one by one.
	pattern := regexp.MustCompile(`(?i)<\|startoftext\|>|<\|endoftext\|>|'s|'t|'re|'ve|'m|'ll|'d|\p{L}+|\p{N}|[^\s\p{L}\p{N}]+`)

	byteEncoder, byteDecoder := bytesToUnicode()

	tok := &Tokenizer{
		encoder:     encoder,
		decoder:     decoder,
		bpeRanks:    bpeRanks,
		pattern:     pattern,
		byteEncoder: byteEncoder,
		byteDecoder: byteDecoder,
	}
	var found bool
	if tok.sotID, found = encoder[sotToken]; !found {
		return nil, errors.Errorf("vocabulary %q has no %s token", vocabPath, sotToken)
	}
	if tok.eotID, found = encoder[eotToken]; !found {
		return nil, errors.Errorf("vocabulary %q has no %s token", vocabPath, eotToken)
	}
	return tok, nil
}

// bytesToUnicode creates a mapping from bytes to unicode characters:
// printable bytes map to themselves, the rest to 256+offset.
func bytesToUnicode() (map[byte]rune, map[rune]byte) {
	encoder := make(map[byte]rune, 256)
	decoder := make(map[rune]byte, 256)

	isPrintable := func(b byte) bool {
		return (b >= 33 && b <= 126) || (b >= 161 && b <= 172) || (b >= 174)
	}

	offset := 0
	for b := 0; b < 256; b++ {
		var r rune
		if isPrintable(byte(b)) {
			r = rune(b)
		} else {
			r = rune(256 + offset)
			offset++
		}
		encoder[byte(b)] = r
		decoder[r] = byte(b)
	}

	return encoder, decoder
}

// bpe performs byte-pair encoding on a token. The last character carries the
// "</w>" word-end marker before merging starts.
func (t *Tokenizer) bpe(token string) string {
	runes := []rune(token)
	if len(runes) == 0 {
		return wordEnd
	}

	word := make([]string, 0, len(runes))
	for _, r := range runes[:len(runes)-1] {
		word = append(word, string(r))
	}
	word = append(word, string(runes[len(runes)-1])+wordEnd)

	for len(word) > 1 {
		// Find best pair to merge
		bestIdx := -1
		bestRank := int(^uint(0) >> 1)

		for i := 0; i < len(word)-1; i++ {
			pair := word[i] + " " + word[i+1]
			if rank, ok := t.bpeRanks[pair]; ok && rank < bestRank {
				bestRank = rank
				bestIdx = i
			}
		}

		if bestIdx == -1 {
			break
		}

		// Merge the best pair in place
		word[bestIdx] = word[bestIdx] + word[bestIdx+1]
		word = append(word[:bestIdx+1], word[bestIdx+2:]...)
	}

	return strings.Join(word, " ")
}

var collapseWhitespace = regexp.MustCompile(`\s+`)

// clean lower-cases text, resolves HTML escapes and collapses whitespace
// runs, mirroring CLIP's text cleanup.
func clean(text string) string {
	text = html.UnescapeString(html.UnescapeString(text))
	text = collapseWhitespace.ReplaceAllString(text, " ")
	return strings.ToLower(strings.TrimSpace(text))
}

// Encode converts text to its BPE ids, without framing or padding.
func (t *Tokenizer) Encode(text string) []int32 {
	var ids []int32
	for _, match := range t.pattern.FindAllString(clean(text), -1) {
		// Convert to bytes and then to unicode chars
		encoded := ""
		for i := 0; i < len(match); i++ {
			encoded += string(t.byteEncoder[match[i]])
		}

		for _, token := range strings.Split(t.bpe(encoded), " ") {
			if id, ok := t.encoder[token]; ok {
				ids = append(ids, id)
			}
		}
	}
	return ids
}

// Tokenize implements imagepairs.Tokenizer: <|startoftext|>, the BPE ids and
// <|endoftext|>, zero-padded to ContextLen. Longer captions are truncated,
// keeping the end token in the last position.
func (t *Tokenizer) Tokenize(text string) []int32 {
	ids := make([]int32, 0, ContextLen)
	ids = append(ids, t.sotID)
	ids = append(ids, t.Encode(text)...)
	ids = append(ids, t.eotID)
	if len(ids) > ContextLen {
		ids = ids[:ContextLen]
		ids[ContextLen-1] = t.eotID
	}
	for len(ids) < ContextLen {
		ids = append(ids, 0)
	}
	return ids
}

// Detokenize implements imagepairs.Tokenizer: it restores the caption text of
// a Tokenize output, dropping the frame and the zero padding.
func (t *Tokenizer) Detokenize(ids []int32) string {
	var sb strings.Builder
	for _, id := range ids {
		if id == 0 || id == t.sotID || id == t.eotID {
			continue
		}
		sb.WriteString(t.decoder[id])
	}

	// Convert unicode chars back to bytes
	raw := sb.String()
	buf := make([]byte, 0, len(raw))
	for _, r := range raw {
		if b, ok := t.byteDecoder[r]; ok {
			buf = append(buf, b)
		}
	}
	return strings.TrimSpace(strings.ReplaceAll(string(buf), wordEnd, " "))
}

// ContextLen implements imagepairs.Tokenizer.
func (t *Tokenizer) ContextLen() int { return ContextLen }

// VocabSize returns the vocabulary size.
func (t *Tokenizer) VocabSize() int {
	return len(t.encoder)
}
