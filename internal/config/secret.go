package config

import (
	"log/slog"
	"math"
)

// Secret is a string that refuses to print itself. Use Reveal at the single
// point where the value is handed to a client library.
type Secret string

func (s Secret) String() string {
	if s == "" {
		return ""
	}
	return "[redacted]"
}

func (s Secret) LogValue() slog.Value { return slog.StringValue(s.String()) }

func (s Secret) Reveal() string { return string(s) }

func (s Secret) IsSet() bool { return s != "" }

// entropyBitsPerChar is the Shannon entropy of the value in bits per
// character. Used to reject obviously weak encryption keys such as a single
// repeated character.
func entropyBitsPerChar(s string) float64 {
	if len(s) == 0 {
		return 0
	}
	freq := map[rune]int{}
	n := 0
	for _, r := range s {
		freq[r]++
		n++
	}
	var h float64
	for _, c := range freq {
		p := float64(c) / float64(n)
		h -= p * math.Log2(p)
	}
	return h
}
