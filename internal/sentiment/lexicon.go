// Package sentiment scores text polarity in [-1, 1] from a word lexicon,
// with negation and intensifier handling in the style of VADER.
package sentiment

import (
	"math"
	"strings"
	"unicode"
)

type Scorer interface {
	Score(text string) float64
}

// normalizeAlpha approximates the maximum expected raw sum.
const normalizeAlpha = 15

const (
	negationScalar = -0.74
	boostIncrement = 0.293
	negationWindow = 3
)

var defaultLexicon = map[string]float64{
	"good": 1.9, "great": 3.1, "excellent": 2.7, "positive": 2.6, "gain": 2.4,
	"gains": 2.4, "growth": 1.6, "rise": 1.0, "rises": 1.0, "success": 2.7,
	"win": 2.8, "wins": 2.7, "strong": 2.3, "record": 0.8, "improve": 1.9,
	"improved": 2.1, "breakthrough": 2.3, "recovery": 1.6, "happy": 2.7,
	"love": 3.2, "safe": 1.9, "hope": 1.9, "boost": 1.7, "profit": 1.9,
	"bad": -2.5, "terrible": -2.1, "awful": -2.0, "negative": -2.7, "loss": -1.3,
	"losses": -1.7, "fall": -1.1, "falls": -1.0, "fell": -1.1, "crash": -1.7,
	"crisis": -3.1, "fail": -2.5, "failed": -2.3, "failure": -2.4, "weak": -1.9,
	"fraud": -2.8, "scandal": -2.6, "war": -2.9, "death": -2.9, "dead": -3.3,
	"killed": -3.5, "attack": -2.1, "fear": -2.2, "panic": -2.3, "collapse": -2.1,
	"bankrupt": -2.6, "bankruptcy": -2.6, "layoffs": -1.8, "decline": -1.5,
	"warning": -1.4, "risk": -1.1, "disaster": -3.1, "worst": -3.1, "sharply": -0.4,
	"增长": 1.8, "成功": 2.5, "突破": 2.2, "利好": 2.4, "上涨": 1.5, "好": 1.9,
	"下跌": -1.5, "暴跌": -2.6, "失败": -2.4, "危机": -3.0, "丑闻": -2.6,
	"亏损": -1.8, "事故": -2.4, "死亡": -3.0, "欺诈": -2.8, "裁员": -1.8,
}

var negations = map[string]bool{
	"not": true, "no": true, "never": true, "none": true, "nobody": true,
	"nothing": true, "neither": true, "nor": true, "without": true,
	"isn't": true, "wasn't": true, "aren't": true, "don't": true, "doesn't": true,
	"didn't": true, "can't": true, "cannot": true, "won't": true,
}

var boosters = map[string]float64{
	"very": boostIncrement, "extremely": boostIncrement, "really": boostIncrement,
	"highly": boostIncrement, "most": boostIncrement, "so": boostIncrement,
	"slightly": -boostIncrement, "somewhat": -boostIncrement, "barely": -boostIncrement,
}

// Lexicon scores whitespace-separated words against a valence table. Entries
// containing CJK characters are matched as substrings since such text has no
// word boundaries.
type Lexicon struct {
	words map[string]float64
	cjk   map[string]float64
}

// NewLexicon builds a scorer from the built-in table merged with extra.
func NewLexicon(extra map[string]float64) *Lexicon {
	l := &Lexicon{words: map[string]float64{}, cjk: map[string]float64{}}
	for w, v := range defaultLexicon {
		l.add(w, v)
	}
	for w, v := range extra {
		l.add(strings.ToLower(w), v)
	}
	return l
}

func (l *Lexicon) add(word string, valence float64) {
	for _, r := range word {
		if unicode.Is(unicode.Han, r) {
			l.cjk[word] = valence
			return
		}
	}
	l.words[word] = valence
}

func (l *Lexicon) Score(text string) float64 {
	if strings.TrimSpace(text) == "" {
		return 0
	}

	tokens := tokenize(text)
	var sum float64
	for i, tok := range tokens {
		valence, ok := l.words[tok]
		if !ok {
			continue
		}

		for back := 1; back <= negationWindow && i-back >= 0; back++ {
			prev := tokens[i-back]
			if boost, ok := boosters[prev]; ok && back == 1 {
				if valence < 0 {
					boost = -boost
				}
				valence += boost
			}
			if negations[prev] {
				valence *= negationScalar
				break
			}
		}
		sum += valence
	}

	for word, valence := range l.cjk {
		sum += valence * float64(strings.Count(text, word))
	}

	return normalize(sum)
}

func normalize(sum float64) float64 {
	if sum == 0 {
		return 0
	}
	score := sum / math.Sqrt(sum*sum+normalizeAlpha)
	return math.Max(-1, math.Min(1, score))
}

func tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '\''
	})
	return fields
}
