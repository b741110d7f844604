package memory

import "unicode/utf8"

// bytesPerToken is lower than the ~4 bytes/token of common BPE
// vocabularies so estimates err on the high side.
const bytesPerToken = 3

// tokensPerWideRune covers vocabularies that split one CJK character
// into two tokens
const tokensPerWideRune = 2

// EstimateTokens returns a conservative token estimate for text: the
// larger of a byte count estimate and a per-rune one that charges every
// non-ASCII rune two tokens
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	ascii, wide := 0, 0
	for _, r := range text {
		if r < utf8.RuneSelf {
			ascii++
		} else {
			wide++
		}
	}
	return max(ceilDiv(len(text), bytesPerToken), wide*tokensPerWideRune+ceilDiv(ascii, bytesPerToken))
}

// MaxBytesForTokens is the longest ASCII text, in bytes, whose estimate
// fits tokens
func MaxBytesForTokens(tokens int) int {
	if tokens <= 0 {
		return 0
	}
	return tokens * bytesPerToken
}

func ceilDiv(n, d int) int {
	return (n + d - 1) / d
}
