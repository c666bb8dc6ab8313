package index

import (
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/kljensen/snowball"
)

// Undetermined is the language tag used when no language is known.
const Undetermined = "und"

// snowballLanguages maps language tags to the stemmer names understood by
// the snowball package.
var snowballLanguages = map[string]string{
	"en": "english",
	"es": "spanish",
	"fr": "french",
	"ru": "russian",
	"sv": "swedish",
	"no": "norwegian",
	"nb": "norwegian",
	"hu": "hungarian",
}

// Token is an analyzed term with its byte span in the source text.
type Token struct {
	Term    string
	Surface string
	Start   int
	End     int
}

// AnalyzerConfig controls tokenization.
type AnalyzerConfig struct {
	// Stopwords maps language tags to extra words merged into the builtin lists.
	Stopwords map[string][]string
	// DefaultLanguage applies when a document or query has no language.
	DefaultLanguage string
	// Stemming enables per-language snowball stemming.
	Stemming bool
	// MinDetectTokens is the stopword hit count needed to detect a language.
	MinDetectTokens int
}

// Analyzer lowercases, strips punctuation, removes stopwords and stems.
// It is immutable after construction and safe for concurrent use.
type Analyzer struct {
	stopwords       map[string]map[string]struct{}
	defaultLanguage string
	stemming        bool
	minDetect       int
	languages       []string
}

// NewAnalyzer builds an Analyzer from the builtin lists plus cfg.
func NewAnalyzer(cfg AnalyzerConfig) *Analyzer {
	a := &Analyzer{
		stopwords:       make(map[string]map[string]struct{}),
		defaultLanguage: strings.ToLower(cfg.DefaultLanguage),
		stemming:        cfg.Stemming,
		minDetect:       cfg.MinDetectTokens,
	}
	if a.defaultLanguage == "" {
		a.defaultLanguage = "en"
	}
	if a.minDetect <= 0 {
		a.minDetect = 3
	}
	merge := func(lists map[string][]string) {
		for lang, words := range lists {
			set := a.stopwords[lang]
			if set == nil {
				set = make(map[string]struct{}, len(words))
				a.stopwords[lang] = set
			}
			for _, w := range words {
				set[strings.ToLower(strings.TrimSpace(w))] = struct{}{}
			}
		}
	}
	merge(builtinStopwords)
	merge(cfg.Stopwords)
	for lang := range a.stopwords {
		a.languages = append(a.languages, lang)
	}
	sort.Strings(a.languages)
	return a
}

// Tokens splits text into lowercased word tokens without removing stopwords.
func (a *Analyzer) Tokens(text string) []Token {
	var tokens []Token
	start := -1
	for i, r := range text {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			if start < 0 {
				start = i
			}
			continue
		}
		if start >= 0 {
			tokens = append(tokens, newToken(text[start:i], start, i))
			start = -1
		}
	}
	if start >= 0 {
		tokens = append(tokens, newToken(text[start:], start, len(text)))
	}
	return tokens
}

func newToken(surface string, start, end int) Token {
	return Token{Term: strings.ToLower(surface), Surface: surface, Start: start, End: end}
}

// Analyze tokenizes text for language lang, dropping stopwords and applying
// stemming. Token.Term holds the indexed form.
func (a *Analyzer) Analyze(text, lang string) []Token {
	lang = a.resolve(lang)
	raw := a.Tokens(text)
	out := raw[:0]
	for _, tok := range raw {
		if a.IsStopword(tok.Term, lang) {
			continue
		}
		tok.Term = a.stem(tok.Term, lang)
		out = append(out, tok)
	}
	return out
}

// Terms returns only the analyzed term strings.
func (a *Analyzer) Terms(text, lang string) []string {
	tokens := a.Analyze(text, lang)
	terms := make([]string, len(tokens))
	for i, t := range tokens {
		terms[i] = t.Term
	}
	return terms
}

// QueryVariants returns the distinct index terms a query word may match
// across every stemming language, plus the unstemmed word.
func (a *Analyzer) QueryVariants(word string) []string {
	word = strings.ToLower(word)
	variants := []string{word}
	if !a.stemming {
		return variants
	}
	seen := map[string]struct{}{word: {}}
	for _, lang := range sortedStemLanguages() {
		s := a.stem(word, lang)
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		variants = append(variants, s)
	}
	return variants
}

// IsStopword reports whether word is a stopword in lang.
func (a *Analyzer) IsStopword(word, lang string) bool {
	set := a.stopwords[a.resolve(lang)]
	if set == nil {
		set = a.stopwords[a.defaultLanguage]
	}
	_, ok := set[word]
	return ok
}

// DefaultLanguage returns the configured fallback language.
func (a *Analyzer) DefaultLanguage() string {
	return a.defaultLanguage
}

// DetectLanguage guesses the language of text by stopword overlap. It
// returns Undetermined when no language has enough evidence.
func (a *Analyzer) DetectLanguage(text string) string {
	const sample = 16 << 10
	if len(text) > sample {
		cut := sample
		for cut > 0 && !utf8.RuneStart(text[cut]) {
			cut--
		}
		text = text[:cut]
	}
	tokens := a.Tokens(text)
	if len(tokens) == 0 {
		return Undetermined
	}
	best, bestHits := Undetermined, 0
	for _, lang := range a.languages {
		set := a.stopwords[lang]
		hits := 0
		for _, tok := range tokens {
			if _, ok := set[tok.Term]; ok {
				hits++
			}
		}
		if hits > bestHits {
			best, bestHits = lang, hits
		}
	}
	if bestHits < a.minDetect {
		return Undetermined
	}
	return best
}

func (a *Analyzer) resolve(lang string) string {
	lang = strings.ToLower(strings.TrimSpace(lang))
	if lang == "" || lang == Undetermined {
		return a.defaultLanguage
	}
	if i := strings.IndexAny(lang, "-_"); i > 0 {
		lang = lang[:i]
	}
	return lang
}

func (a *Analyzer) stem(term, lang string) string {
	if !a.stemming {
		return term
	}
	name, ok := snowballLanguages[lang]
	if !ok {
		return term
	}
	stemmed, err := snowball.Stem(term, name, true)
	if err != nil || stemmed == "" {
		return term
	}
	return stemmed
}

func sortedStemLanguages() []string {
	langs := make([]string, 0, len(snowballLanguages))
	for lang := range snowballLanguages {
		langs = append(langs, lang)
	}
	sort.Strings(langs)
	return langs
}
