package domain

import (
	"sort"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// Mentions 返回文本中提及的标签 ID，按首次出现位置排序。
// 关键词按整词匹配（前后不能紧接字母或数字），大小写不敏感；
// 文本与关键词先统一为 NFC，避免组合附加符号导致漏匹配。
func (s *LabelSpace) Mentions(text string) []string {
	lower := Normalize(text)
	type hit struct {
		id  string
		pos int
		idx int
	}
	var hits []hit
	for i, l := range s.Labels {
		keywords := l.Keywords
		if len(keywords) == 0 {
			keywords = []string{l.ID}
		}
		best := -1
		for _, kw := range keywords {
			if p := indexWord(lower, Normalize(kw)); p >= 0 && (best < 0 || p < best) {
				best = p
			}
		}
		if best >= 0 {
			hits = append(hits, hit{id: l.ID, pos: best, idx: i})
		}
	}
	sort.SliceStable(hits, func(a, b int) bool {
		if hits[a].pos != hits[b].pos {
			return hits[a].pos < hits[b].pos
		}
		return hits[a].idx < hits[b].idx
	})
	out := make([]string, len(hits))
	for i, h := range hits {
		out[i] = h.id
	}
	return out
}

func indexWord(text, word string) int {
	if word == "" {
		return -1
	}
	from := 0
	for from <= len(text) {
		p := strings.Index(text[from:], word)
		if p < 0 {
			return -1
		}
		start := from + p
		end := start + len(word)
		if boundaryBefore(text, start) && boundaryAfter(text, end) {
			return start
		}
		from = start + 1
	}
	return -1
}

func boundaryBefore(text string, i int) bool {
	if i == 0 {
		return true
	}
	r := lastRune(text[:i])
	return !unicode.IsLetter(r) && !unicode.IsDigit(r)
}

func boundaryAfter(text string, i int) bool {
	if i >= len(text) {
		return true
	}
	for _, r := range text[i:] {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}
	return true
}

func lastRune(s string) rune {
	var last rune
	for _, r := range s {
		last = r
	}
	return last
}

// Normalize 统一为 NFC 小写形式。
func Normalize(text string) string {
	return strings.ToLower(norm.NFC.String(text))
}

// ContainsWord 判断 text 是否整词包含 word（两者都先 Normalize）。
func ContainsWord(text, word string) bool {
	return indexWord(Normalize(text), Normalize(word)) >= 0
}

// ContainsAny 判断 text 是否整词包含任一 words。
func ContainsAny(text string, words []string) bool {
	lower := Normalize(text)
	for _, w := range words {
		if indexWord(lower, Normalize(w)) >= 0 {
			return true
		}
	}
	return false
}

// IndexAny 返回 words 中任一词在 text 中最早的整词出现位置（字节偏移），都不出现时返回 -1。
func IndexAny(text string, words []string) int {
	lower := Normalize(text)
	best := -1
	for _, w := range words {
		if p := indexWord(lower, Normalize(w)); p >= 0 && (best < 0 || p < best) {
			best = p
		}
	}
	return best
}
