package index

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// builtinStopwords holds compact stopword lists for the languages the
// analyzer recognizes without an external file.
var builtinStopwords = map[string][]string{
	"en": {
		"a", "about", "after", "all", "also", "an", "and", "any", "are", "as", "at",
		"be", "because", "been", "but", "by", "can", "could", "did", "do", "does",
		"for", "from", "had", "has", "have", "he", "her", "his", "how", "i", "if",
		"in", "into", "is", "it", "its", "just", "me", "more", "my", "no", "not",
		"of", "on", "or", "our", "out", "she", "so", "some", "than", "that", "the",
		"their", "them", "then", "there", "these", "they", "this", "those", "to",
		"up", "us", "was", "we", "were", "what", "when", "where", "which", "who",
		"will", "with", "would", "you", "your",
	},
	"de": {
		"aber", "als", "am", "an", "auch", "auf", "aus", "bei", "bin", "bis", "das",
		"dass", "dem", "den", "der", "des", "die", "doch", "du", "ein", "eine",
		"einem", "einen", "einer", "es", "für", "hat", "ich", "ihr", "im", "in",
		"ist", "mit", "nach", "nicht", "noch", "nur", "oder", "sich", "sie", "sind",
		"so", "über", "um", "und", "uns", "von", "vor", "war", "wie", "wir", "wird",
		"zu", "zum", "zur",
	},
	"fr": {
		"au", "aux", "avec", "ce", "ces", "cette", "dans", "de", "des", "du", "elle",
		"en", "est", "et", "il", "ils", "je", "la", "le", "les", "leur", "lui",
		"mais", "me", "même", "mes", "ne", "nous", "on", "ou", "par", "pas", "pour",
		"qu", "que", "qui", "sa", "se", "ses", "son", "sur", "ta", "te", "tu", "un",
		"une", "vous", "été", "être",
	},
	"es": {
		"al", "como", "con", "de", "del", "el", "ella", "en", "es", "esta", "este",
		"fue", "ha", "la", "las", "le", "les", "lo", "los", "más", "me", "mi", "no",
		"nos", "o", "para", "pero", "por", "que", "se", "si", "sin", "su", "sus",
		"también", "te", "tu", "un", "una", "uno", "y", "ya",
	},
}

// LoadStopwords reads a YAML document mapping language codes to word lists,
// for example:
//
//	en: [a, an, the]
//	it: [il, lo, la]
func LoadStopwords(path string) (map[string][]string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read stopwords: %w", err)
	}
	var lists map[string][]string
	if err := yaml.Unmarshal(raw, &lists); err != nil {
		return nil, fmt.Errorf("parse stopwords: %w", err)
	}
	out := make(map[string][]string, len(lists))
	for lang, words := range lists {
		out[strings.ToLower(strings.TrimSpace(lang))] = words
	}
	return out, nil
}
