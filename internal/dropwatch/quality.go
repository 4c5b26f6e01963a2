package dropwatch

import (
	"container/list"
	"hash/fnv"
	"strings"
	"sync"
)

// QualityScorer rates a dropped label's brandability on a 0-100 scale.
// Implementations must be safe for concurrent use.
type QualityScorer interface {
	Score(label, tld string) int
}

// ScoreBreakdown exposes the per-component scores for one label, used by the
// score subcommand and the read API.
type ScoreBreakdown struct {
	Total   int `json:"total"`
	Length  int `json:"length"`
	Charset int `json:"charset"`
	Pattern int `json:"pattern"`
	TLD     int `json:"tld"`
	Word    int `json:"word"`
}

// brandWords is the dictionary used for the word component: short brandable
// terms, tech and business vocabulary.
var brandWords = map[string]struct{}{}

func init() {
	for _, w := range []string{
		// short
		"app", "web", "net", "dev", "api", "hub", "lab", "box", "bot", "pro",
		"max", "top", "new", "hot", "big", "one", "all", "get", "buy", "pay",
		"run", "fly", "go", "do", "be", "my", "we", "up", "on", "in", "to",
		"ai", "io", "co", "tv", "me", "us", "uk", "eu", "la", "ny",
		// tech
		"cloud", "cyber", "pixel", "smart", "swift", "rapid", "ultra", "micro",
		"super", "hyper", "alpha", "beta", "delta", "gamma", "omega", "prime",
		"elite", "boost", "spark", "flash", "blaze", "storm", "force", "power",
		"logic", "nexus", "pulse", "vibe", "flux", "core", "edge", "sync",
		"tech", "data", "code", "hack", "byte", "link", "node", "mesh",
		// business
		"trade", "market", "store", "shop", "deal", "sale", "stock", "fund",
		"money", "cash", "gold", "bank", "trust", "legal", "audit", "brand",
		"media", "press", "news", "blog", "wiki", "forum", "group", "team",
		// creative
		"design", "style", "trend", "craft", "create", "build", "make", "form",
		"art", "music", "video", "photo", "game", "play", "fun", "cool",
		// action
		"find", "search", "track", "watch", "learn", "teach", "guide", "help",
		"start", "launch", "grow", "scale", "level", "drive", "move",
		// descriptive
		"fast", "quick", "easy", "simple", "clean", "clear", "fresh", "pure",
		"safe", "secure", "free", "open", "direct", "instant", "global", "local",
		// domain-adjacent
		"hosting", "domain", "server", "email", "mail", "inbox", "send", "chat",
		"call", "meet", "zoom", "live", "stream", "cast", "feed", "post",
	} {
		brandWords[w] = struct{}{}
	}
}

// tldWeights maps a TLD to its score component; unlisted TLDs score 3.
var tldWeights = map[string]int{
	"com": 15, "net": 10, "org": 10, "io": 12, "co": 10,
	"dev": 14, "app": 14, "ai": 15, "tech": 8, "pro": 8,
	"me": 7, "tv": 7, "info": 5, "biz": 5, "name": 4,
	"blog": 6, "shop": 7, "store": 7, "site": 5, "online": 5,
	"cloud": 8, "digital": 6, "media": 6, "news": 6, "live": 6,
}

var qualitySuffixes = []string{"ly", "ify", "fy", "er", "io", "ia", "eo", "it", "ix", "ex", "ox"}

var qualityPrefixes = []string{"get", "my", "the", "go", "try", "use", "be", "we", "i"}

// DefaultScorer implements the standard scoring model: five additive
// components (length, charset, pattern, TLD, dictionary word) clamped to
// 0-100. It is stateless; wrap it in a ScoreCache when scoring at drop
// volume.
type DefaultScorer struct{}

func (DefaultScorer) Score(label, tld string) int {
	return ScoreWithBreakdown(label, tld).Total
}

// ScoreWithBreakdown computes the full component breakdown for one label.
func ScoreWithBreakdown(label, tld string) ScoreBreakdown {
	label = strings.ToLower(strings.TrimSpace(label))
	tld = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(tld)), ".")

	b := ScoreBreakdown{
		Length:  lengthScore(len(label)),
		Charset: charsetScore(label),
		Pattern: patternScore(label),
		TLD:     tldScore(tld),
		Word:    wordScore(label),
	}
	total := b.Length + b.Charset + b.Pattern + b.TLD + b.Word
	if total > 100 {
		total = 100
	}
	if total < 0 {
		total = 0
	}
	b.Total = total
	return b
}

// QualityTier maps a score to its human-readable tier label.
func QualityTier(score int) string {
	switch {
	case score >= 85:
		return "Premium"
	case score >= 70:
		return "Excellent"
	case score >= 55:
		return "Good"
	case score >= 40:
		return "Average"
	case score >= 25:
		return "Below Average"
	default:
		return "Low"
	}
}

func lengthScore(n int) int {
	switch {
	case n <= 2:
		return 30
	case n <= 3:
		return 28
	case n <= 4:
		return 25
	case n <= 5:
		return 20
	case n <= 6:
		return 15
	case n <= 8:
		return 10
	case n <= 10:
		return 5
	case n <= 15:
		return 2
	default:
		return 0
	}
}

func charsetScore(label string) int {
	if label == "" {
		return 5
	}
	letters, digits, hyphens := 0, 0, 0
	for i := 0; i < len(label); i++ {
		switch c := label[i]; {
		case c >= 'a' && c <= 'z':
			letters++
		case c >= '0' && c <= '9':
			digits++
		case c == '-':
			hyphens++
		}
	}

	switch {
	case letters == len(label):
		return 20
	case digits == len(label):
		if len(label) <= 4 {
			return 15
		}
		return 8
	case letters+digits == len(label):
		// Trailing digit on a letter stem (web3) reads fine; a leading
		// digit does not.
		if isDigit(label[len(label)-1]) && allLetters(label[:len(label)-1]) {
			return 15
		}
		if isDigit(label[0]) {
			return 8
		}
		return 10
	case hyphens > 0:
		if hyphens == 1 && label[0] != '-' && label[len(label)-1] != '-' {
			return 5
		}
		return 0
	default:
		return 5
	}
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

func allLetters(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < 'a' || s[i] > 'z' {
			return false
		}
	}
	return true
}

func patternScore(label string) int {
	score := 0
	if pronounceable(label) {
		score += 8
	}
	for _, suf := range qualitySuffixes {
		if strings.HasSuffix(label, suf) && len(label) > len(suf)+1 {
			score += 3
			break
		}
	}
	for _, pre := range qualityPrefixes {
		if strings.HasPrefix(label, pre) && len(label) > len(pre)+1 {
			score += 3
			break
		}
	}
	if hasTripleRepeat(label) {
		score -= 5
	}
	if score < 0 {
		return 0
	}
	if score > 15 {
		return 15
	}
	return score
}

// pronounceable requires at least one vowel and no run of more than four
// consonants.
func pronounceable(label string) bool {
	hasVowel := false
	run, maxRun := 0, 0
	for i := 0; i < len(label); i++ {
		c := label[i]
		switch {
		case c == 'a' || c == 'e' || c == 'i' || c == 'o' || c == 'u':
			hasVowel = true
			run = 0
		case c >= 'a' && c <= 'z':
			run++
			if run > maxRun {
				maxRun = run
			}
		default:
			run = 0
		}
	}
	return hasVowel && maxRun <= 4
}

func hasTripleRepeat(label string) bool {
	run := 1
	for i := 1; i < len(label); i++ {
		if label[i] == label[i-1] {
			run++
			if run >= 3 {
				return true
			}
		} else {
			run = 1
		}
	}
	return false
}

func tldScore(tld string) int {
	if w, ok := tldWeights[tld]; ok {
		return w
	}
	return 3
}

func wordScore(label string) int {
	if _, ok := brandWords[label]; ok {
		return 20
	}
	for w := range brandWords {
		if len(w) >= 3 && strings.Contains(label, w) {
			if strings.HasPrefix(label, w) || strings.HasSuffix(label, w) {
				return 12
			}
			return 8
		}
	}
	for w := range brandWords {
		if len(w) >= 2 && strings.HasPrefix(label, w) {
			if _, ok := brandWords[label[len(w):]]; ok {
				return 15
			}
		}
	}
	return 0
}

// scoreCacheShards spreads lock contention across independent LRU shards so
// concurrent detector workers rarely collide.
const scoreCacheShards = 64

// ScoreCache memoizes an underlying scorer behind a sharded, count-bounded
// LRU. Zone churn repeats many labels day over day, so the hit rate is high
// during catch-up runs.
//
// All operations are safe for concurrent use.
type ScoreCache struct {
	inner   QualityScorer
	metrics *Metrics
	shards  []scoreCacheShard
}

type scoreCacheShard struct {
	mu       sync.Mutex
	items    map[string]*list.Element
	lru      *list.List // front = most recently used
	maxItems int
}

type scoreCacheItem struct {
	key   string // label + "\x00" + tld
	score int
}

// NewScoreCache wraps inner with a memo holding at most maxItems entries.
// maxItems <= 0 disables caching and delegates every call.
func NewScoreCache(inner QualityScorer, maxItems int, metrics *Metrics) *ScoreCache {
	perShard := maxItems / scoreCacheShards
	if perShard < 1 && maxItems > 0 {
		perShard = 1
	}
	shards := make([]scoreCacheShard, scoreCacheShards)
	for i := range shards {
		shards[i] = scoreCacheShard{
			items:    make(map[string]*list.Element),
			lru:      list.New(),
			maxItems: perShard,
		}
	}
	return &ScoreCache{inner: inner, metrics: metrics, shards: shards}
}

func (c *ScoreCache) shardFor(key string) *scoreCacheShard {
	h := fnv.New64a()
	_, _ = h.Write([]byte(key))
	return &c.shards[h.Sum64()%scoreCacheShards]
}

func (c *ScoreCache) Score(label, tld string) int {
	key := label + "\x00" + tld
	shard := c.shardFor(key)

	if shard.maxItems <= 0 {
		return c.inner.Score(label, tld)
	}

	shard.mu.Lock()
	if elem, ok := shard.items[key]; ok {
		shard.lru.MoveToFront(elem)
		score := elem.Value.(*scoreCacheItem).score
		shard.mu.Unlock()
		c.metrics.IncScoreCacheHits()
		return score
	}
	shard.mu.Unlock()

	c.metrics.IncScoreCacheMisses()
	score := c.inner.Score(label, tld)

	shard.mu.Lock()
	if elem, ok := shard.items[key]; ok {
		shard.lru.MoveToFront(elem)
	} else {
		for shard.lru.Len() >= shard.maxItems {
			back := shard.lru.Back()
			shard.lru.Remove(back)
			delete(shard.items, back.Value.(*scoreCacheItem).key)
		}
		shard.items[key] = shard.lru.PushFront(&scoreCacheItem{key: key, score: score})
	}
	shard.mu.Unlock()
	return score
}

var (
	_ QualityScorer = DefaultScorer{}
	_ QualityScorer = (*ScoreCache)(nil)
)
