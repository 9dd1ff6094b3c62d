package servitor

import (
	"strings"
)

const (
	// QuizMatchThreshold is the minimum similarity ratio for a quiz answer
	QuizMatchThreshold = 0.90

	// TriviaMatchThreshold is the minimum similarity ratio for a trivia
	// guess against the movie title
	TriviaMatchThreshold = 0.80

	// sequences at least this long have their popular elements ignored
	// when looking for matching blocks
	autojunkMinLength = 200
)

// SimilarityRatio returns 2*M/T, where T is the combined length of a and
// b, and M is the number of characters in the matching blocks found by
// recursively taking the longest common substring (the Ratcliff/Obershelp
// "gestalt" approach). Two empty strings have a ratio of 1.
func SimilarityRatio(a, b string) float64 {
	ra, rb := []rune(a), []rune(b)
	total := len(ra) + len(rb)
	if total == 0 {
		return 1.0
	}
	m := newSequenceMatcher(ra, rb)
	return 2.0 * float64(m.matchingCharacters()) / float64(total)
}

// AnswerMatches reports whether candidate is an acceptable answer: either
// equal to answer ignoring case and surrounding whitespace, or with a
// SimilarityRatio of at least threshold.
func AnswerMatches(answer, candidate string, threshold float64) bool {
	answer = normalizeAnswer(answer)
	candidate = normalizeAnswer(candidate)
	if answer == candidate {
		return true
	}
	return SimilarityRatio(answer, candidate) >= threshold
}

func QuizAnswerMatches(answer, candidate string) bool {
	return AnswerMatches(answer, candidate, QuizMatchThreshold)
}

func TriviaAnswerMatches(title, candidate string) bool {
	return AnswerMatches(title, candidate, TriviaMatchThreshold)
}

// HasReachedThreshold reports whether a punishment vote has enough
// participants to resolve.
func HasReachedThreshold(participantCount, requiredThreshold int) bool {
	return participantCount >= requiredThreshold
}

func normalizeAnswer(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

type sequenceMatcher struct {
	a, b []rune

	// b2j maps each element of b to the (ascending) indexes where it
	// appears, excluding popular elements
	b2j map[rune][]int
}

type matchBlock struct {
	i, j, size int
}

func newSequenceMatcher(a, b []rune) *sequenceMatcher {
	m := &sequenceMatcher{a: a, b: b, b2j: make(map[rune][]int)}
	for i, r := range b {
		m.b2j[r] = append(m.b2j[r], i)
	}
	if n := len(b); n >= autojunkMinLength {
		limit := n/100 + 1
		for r, idx := range m.b2j {
			if len(idx) > limit {
				delete(m.b2j, r)
			}
		}
	}
	return m
}

// longestMatch finds the longest block a[i:i+size] == b[j:j+size] within
// a[alo:ahi] and b[blo:bhi]. Ties go to the block starting earliest in a,
// then earliest in b.
func (m *sequenceMatcher) longestMatch(alo, ahi, blo, bhi int) matchBlock {
	besti, bestj, bestSize := alo, blo, 0

	j2len := map[int]int{}
	for i := alo; i < ahi; i++ {
		newJ2len := map[int]int{}
		for _, j := range m.b2j[m.a[i]] {
			if j < blo {
				continue
			}
			if j >= bhi {
				break
			}
			k := j2len[j-1] + 1
			newJ2len[j] = k
			if k > bestSize {
				besti, bestj, bestSize = i-k+1, j-k+1, k
			}
		}
		j2len = newJ2len
	}

	// popular elements were left out of b2j, so the match may extend
	// further in either direction
	for besti > alo && bestj > blo && m.a[besti-1] == m.b[bestj-1] {
		besti--
		bestj--
		bestSize++
	}
	for besti+bestSize < ahi && bestj+bestSize < bhi &&
		m.a[besti+bestSize] == m.b[bestj+bestSize] {
		bestSize++
	}

	return matchBlock{i: besti, j: bestj, size: bestSize}
}

func (m *sequenceMatcher) matchingBlocks() []matchBlock {
	type span struct{ alo, ahi, blo, bhi int }

	var blocks []matchBlock
	queue := []span{{0, len(m.a), 0, len(m.b)}}
	for len(queue) > 0 {
		s := queue[len(queue)-1]
		queue = queue[:len(queue)-1]

		x := m.longestMatch(s.alo, s.ahi, s.blo, s.bhi)
		if x.size == 0 {
			continue
		}
		blocks = append(blocks, x)
		if s.alo < x.i && s.blo < x.j {
			queue = append(queue, span{s.alo, x.i, s.blo, x.j})
		}
		if x.i+x.size < s.ahi && x.j+x.size < s.bhi {
			queue = append(queue, span{x.i + x.size, s.ahi, x.j + x.size, s.bhi})
		}
	}
	return blocks
}

func (m *sequenceMatcher) matchingCharacters() int {
	var n int
	for _, block := range m.matchingBlocks() {
		n += block.size
	}
	return n
}
