// Package tokenizer implements the BERT WordPiece tokenizer used by
// sentence-transformers style checkpoints.
package tokenizer

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"

	"github.com/raaihank/text2vec/internal/embeddings"
)

const (
	VocabFile  = "vocab.txt"
	ConfigFile = "tokenizer_config.json"

	defaultMaxLength   = 512
	maxCharsPerWord    = 100
	maxSaneModelLength = 1 << 20
)

// Config mirrors the fields of tokenizer_config.json this tokenizer honours.
type Config struct {
	DoLowerCase          bool
	StripAccents         bool
	TokenizeChineseChars bool
	ModelMaxLength       int
	UnkToken             string
	ClsToken             string
	SepToken             string
	PadToken             string
	MaskToken            string
}

// DefaultConfig returns the settings of bert-base-uncased.
func DefaultConfig() Config {
	return Config{
		DoLowerCase:          true,
		StripAccents:         true,
		TokenizeChineseChars: true,
		ModelMaxLength:       defaultMaxLength,
		UnkToken:             "[UNK]",
		ClsToken:             "[CLS]",
		SepToken:             "[SEP]",
		PadToken:             "[PAD]",
		MaskToken:            "[MASK]",
	}
}

// WordPiece is a BERT tokenizer. It is read-only after Load and safe for
// concurrent use.
type WordPiece struct {
	vocab  map[string]int64
	config Config
	unkID  int64
	clsID  int64
	sepID  int64
	padID  int64

	// whitespace-delimited words matching these are neither lowercased
	// nor split on punctuation
	neverSplit map[string]bool
}

var _ embeddings.Tokenizer = (*WordPiece)(nil)

// Load reads vocab.txt and, if present, tokenizer_config.json from dir.
func Load(dir string) (*WordPiece, error) {
	configPath := filepath.Join(dir, ConfigFile)
	if _, err := os.Stat(configPath); errors.Is(err, os.ErrNotExist) {
		configPath = ""
	}
	return LoadFiles(filepath.Join(dir, VocabFile), configPath)
}

// LoadFiles builds a tokenizer from a vocabulary file and an optional
// tokenizer_config.json. An empty configPath selects DefaultConfig.
func LoadFiles(vocabPath, configPath string) (*WordPiece, error) {
	cfg := DefaultConfig()
	if configPath != "" {
		var err error
		cfg, err = readConfig(configPath)
		if err != nil {
			return nil, err
		}
	}

	vocab, err := readVocab(vocabPath)
	if err != nil {
		return nil, err
	}
	return New(vocab, cfg)
}

// New builds a tokenizer from an in-memory vocabulary.
func New(vocab map[string]int64, cfg Config) (*WordPiece, error) {
	if cfg.ModelMaxLength < 2 {
		return nil, fmt.Errorf("model max length %d leaves no room for special tokens", cfg.ModelMaxLength)
	}

	w := &WordPiece{vocab: vocab, config: cfg}
	for _, special := range []struct {
		token string
		dst   *int64
	}{
		{cfg.UnkToken, &w.unkID},
		{cfg.ClsToken, &w.clsID},
		{cfg.SepToken, &w.sepID},
		{cfg.PadToken, &w.padID},
	} {
		id, ok := vocab[special.token]
		if !ok {
			return nil, fmt.Errorf("special token %q missing from vocabulary", special.token)
		}
		*special.dst = id
	}

	w.neverSplit = make(map[string]bool, 5)
	for _, token := range []string{cfg.UnkToken, cfg.ClsToken, cfg.SepToken, cfg.PadToken, cfg.MaskToken} {
		if _, ok := vocab[token]; ok && token != "" {
			w.neverSplit[token] = true
		}
	}
	return w, nil
}

// Tokenize encodes texts as [CLS] wordpieces [SEP]. Truncation cuts rows to
// the model max length keeping the final [SEP]; Padding pads every row to the
// longest one with [PAD] and a zero attention mask.
func (w *WordPiece) Tokenize(texts []string, opts embeddings.TokenizeOptions) (*embeddings.EncodedBatch, error) {
	batch := &embeddings.EncodedBatch{
		InputIDs:      make([][]int64, len(texts)),
		AttentionMask: make([][]int64, len(texts)),
		TokenTypeIDs:  make([][]int64, len(texts)),
		Truncated:     make([]bool, len(texts)),
	}

	longest := 0
	for i, text := range texts {
		ids := make([]int64, 0, len(text)/3+2)
		ids = append(ids, w.clsID)
		for _, word := range w.basicTokenize(text) {
			ids = append(ids, w.wordPiece(word)...)
		}
		ids = append(ids, w.sepID)

		if opts.Truncation && len(ids) > w.config.ModelMaxLength {
			ids = append(ids[:w.config.ModelMaxLength-1], w.sepID)
			batch.Truncated[i] = true
		}
		if len(ids) > longest {
			longest = len(ids)
		}
		batch.InputIDs[i] = ids
	}

	for i, ids := range batch.InputIDs {
		width := len(ids)
		if opts.Padding {
			width = longest
		}
		mask := make([]int64, width)
		for j := range ids {
			mask[j] = 1
		}
		for len(ids) < width {
			ids = append(ids, w.padID)
		}
		batch.InputIDs[i] = ids
		batch.AttentionMask[i] = mask
		batch.TokenTypeIDs[i] = make([]int64, width)
	}

	return batch, nil
}

// Tokens returns the wordpiece strings for text without special tokens.
func (w *WordPiece) Tokens(text string) []string {
	inverse := make(map[int64]string, len(w.vocab))
	for token, id := range w.vocab {
		inverse[id] = token
	}
	var out []string
	for _, word := range w.basicTokenize(text) {
		for _, id := range w.wordPiece(word) {
			out = append(out, inverse[id])
		}
	}
	return out
}

// VocabSize returns the number of vocabulary entries.
func (w *WordPiece) VocabSize() int {
	return len(w.vocab)
}

// MaxLength returns the truncation length including special tokens.
func (w *WordPiece) MaxLength() int {
	return w.config.ModelMaxLength
}

// basicTokenize cleans text and splits it on whitespace and punctuation.
// Special tokens standing alone between whitespace are kept whole.
func (w *WordPiece) basicTokenize(text string) []string {
	text = cleanText(text)
	if w.config.TokenizeChineseChars {
		text = padChineseChars(text)
	}

	var tokens []string
	for _, word := range strings.Fields(text) {
		if w.neverSplit[word] {
			tokens = append(tokens, word)
			continue
		}
		if w.config.DoLowerCase {
			word = strings.ToLower(word)
		}
		if w.config.StripAccents {
			word = stripAccents(word)
		}
		tokens = append(tokens, splitOnPunctuation(word)...)
	}
	return tokens
}

// wordPiece applies greedy longest-match-first segmentation.
func (w *WordPiece) wordPiece(word string) []int64 {
	runes := []rune(word)
	if len(runes) > maxCharsPerWord {
		return []int64{w.unkID}
	}

	var ids []int64
	for start := 0; start < len(runes); {
		end := len(runes)
		found := false
		var id int64
		for ; start < end; end-- {
			piece := string(runes[start:end])
			if start > 0 {
				piece = "##" + piece
			}
			if id, found = w.vocab[piece]; found {
				break
			}
		}
		if !found {
			return []int64{w.unkID}
		}
		ids = append(ids, id)
		start = end
	}
	return ids
}

func cleanText(text string) string {
	var b strings.Builder
	b.Grow(len(text))
	for _, r := range text {
		switch {
		case r == 0 || r == unicode.ReplacementChar || isControl(r):
			continue
		case isWhitespace(r):
			b.WriteRune(' ')
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

func padChineseChars(text string) string {
	var b strings.Builder
	b.Grow(len(text))
	for _, r := range text {
		if isChineseChar(r) {
			b.WriteRune(' ')
			b.WriteRune(r)
			b.WriteRune(' ')
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func stripAccents(word string) string {
	var b strings.Builder
	b.Grow(len(word))
	for _, r := range norm.NFD.String(word) {
		if unicode.Is(unicode.Mn, r) {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func splitOnPunctuation(word string) []string {
	var out []string
	var current []rune
	for _, r := range word {
		if isPunctuation(r) {
			if len(current) > 0 {
				out = append(out, string(current))
				current = current[:0]
			}
			out = append(out, string(r))
			continue
		}
		current = append(current, r)
	}
	if len(current) > 0 {
		out = append(out, string(current))
	}
	return out
}

func isWhitespace(r rune) bool {
	if r == ' ' || r == '\t' || r == '\n' || r == '\r' {
		return true
	}
	return unicode.Is(unicode.Zs, r)
}

func isControl(r rune) bool {
	if r == '\t' || r == '\n' || r == '\r' {
		return false
	}
	return unicode.In(r, unicode.Cc, unicode.Cf)
}

func isPunctuation(r rune) bool {
	// ASCII symbols such as "$" and "^" count as punctuation for BERT.
	if (r >= 33 && r <= 47) || (r >= 58 && r <= 64) || (r >= 91 && r <= 96) || (r >= 123 && r <= 126) {
		return true
	}
	return unicode.IsPunct(r)
}

func isChineseChar(r rune) bool {
	return (r >= 0x4E00 && r <= 0x9FFF) ||
		(r >= 0x3400 && r <= 0x4DBF) ||
		(r >= 0x20000 && r <= 0x2A6DF) ||
		(r >= 0x2A700 && r <= 0x2B73F) ||
		(r >= 0x2B740 && r <= 0x2B81F) ||
		(r >= 0x2B820 && r <= 0x2CEAF) ||
		(r >= 0xF900 && r <= 0xFAFF) ||
		(r >= 0x2F800 && r <= 0x2FA1F)
}

func readVocab(path string) (map[string]int64, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open vocabulary: %w", err)
	}
	defer file.Close()

	vocab := make(map[string]int64)
	scanner := bufio.NewScanner(file)
	var id int64
	for scanner.Scan() {
		token := strings.TrimRight(scanner.Text(), "\r")
		if _, dup := vocab[token]; !dup {
			vocab[token] = id
		}
		id++
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read vocabulary: %w", err)
	}
	if len(vocab) == 0 {
		return nil, fmt.Errorf("vocabulary %s is empty", path)
	}
	return vocab, nil
}

// rawConfig is the on-disk shape of tokenizer_config.json. Special tokens
// are either plain strings or {"content": "..."} objects.
type rawConfig struct {
	DoLowerCase          *bool           `json:"do_lower_case"`
	StripAccents         *bool           `json:"strip_accents"`
	TokenizeChineseChars *bool           `json:"tokenize_chinese_chars"`
	ModelMaxLength       *float64        `json:"model_max_length"`
	UnkToken             json.RawMessage `json:"unk_token"`
	ClsToken             json.RawMessage `json:"cls_token"`
	SepToken             json.RawMessage `json:"sep_token"`
	PadToken             json.RawMessage `json:"pad_token"`
	MaskToken            json.RawMessage `json:"mask_token"`
}

func readConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read tokenizer config: %w", err)
	}
	var raw rawConfig
	if err := json.Unmarshal(data, &raw); err != nil {
		return cfg, fmt.Errorf("failed to parse tokenizer config: %w", err)
	}

	if raw.DoLowerCase != nil {
		cfg.DoLowerCase = *raw.DoLowerCase
	}
	// strip_accents follows do_lower_case unless set explicitly
	cfg.StripAccents = cfg.DoLowerCase
	if raw.StripAccents != nil {
		cfg.StripAccents = *raw.StripAccents
	}
	if raw.TokenizeChineseChars != nil {
		cfg.TokenizeChineseChars = *raw.TokenizeChineseChars
	}
	// Some checkpoints store a huge sentinel meaning "no limit".
	if raw.ModelMaxLength != nil && *raw.ModelMaxLength >= 2 && *raw.ModelMaxLength <= maxSaneModelLength {
		cfg.ModelMaxLength = int(*raw.ModelMaxLength)
	}

	for _, special := range []struct {
		raw json.RawMessage
		dst *string
	}{
		{raw.UnkToken, &cfg.UnkToken},
		{raw.ClsToken, &cfg.ClsToken},
		{raw.SepToken, &cfg.SepToken},
		{raw.PadToken, &cfg.PadToken},
		{raw.MaskToken, &cfg.MaskToken},
	} {
		if token := specialToken(special.raw); token != "" {
			*special.dst = token
		}
	}
	return cfg, nil
}

func specialToken(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var obj struct {
		Content string `json:"content"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil {
		return obj.Content
	}
	return ""
}
