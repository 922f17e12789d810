package status

import (
	"fmt"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

const tatweel = 'ـ'

// isNoise matches combining marks (harakat, decomposed hamza leftovers), tatweel and
// format characters (zero-width joiners, bidi controls, BOM, Arabic letter mark).
func isNoise(r rune) bool {
	return r == tatweel || unicode.Is(unicode.Mn, r) || unicode.Is(unicode.Cf, r)
}

// persianLetters folds Persian keyboard letters onto their Arabic counterparts.
var persianLetters = strings.NewReplacer(
	"ی", "ي", // U+06CC
	"ک", "ك", // U+06A9
)

// Clean NFKC-normalizes s (folding presentation forms and composed/decomposed
// spellings), strips diacritics/tatweel/invisible marks, maps Persian letters to
// Arabic, lowercases and collapses whitespace.
func Clean(s string) string {
	t := transform.Chain(norm.NFKC, runes.Remove(runes.Predicate(isNoise)), norm.NFKC)
	out, _, err := transform.String(t, s)
	if err != nil {
		out = s
	}
	out = persianLetters.Replace(out)
	return strings.Join(strings.Fields(strings.ToLower(out)), " ")
}

var letterReplacer = strings.NewReplacer(
	"أ", "ا",
	"إ", "ا",
	"آ", "ا",
	"ٱ", "ا",
	"ؤ", "و",
	"ئ", "ي",
	"ة", "ه",
	"ى", "ي",
)

// NormalizeLetters cleans s and then unifies hamza carriers, taa marbuta/haa and
// alif maqsura/yaa.
func NormalizeLetters(s string) string {
	return letterReplacer.Replace(Clean(s))
}

// Codepoints renders every rune of s as U+XXXX for diagnostics.
func Codepoints(s string) string {
	parts := make([]string, 0, len(s))
	for _, r := range s {
		parts = append(parts, fmt.Sprintf("U+%04X", r))
	}
	return strings.Join(parts, " ")
}
