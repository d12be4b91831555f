package protocol

import (
	"slices"
	"strings"
	"unicode"
	"unicode/utf8"
)

const (
	// DefaultMaxMarker bounds how many bytes of an unclosed "[[" block are held
	// back waiting for the closing "]]".
	DefaultMaxMarker = 64

	// DefaultMaxTip bounds how many bytes of an unterminated tip sentence are
	// held back waiting for its terminator.
	DefaultMaxTip = 512

	// maxTipWord bounds the length of the corrected word.
	maxTipWord = 64

	tipPrefix = "tip:"
)

// markerKeys are the accepted bracket marker keys.
var markerKeys = []string{"E", "EMOTION", "I", "INTENT", "B", "BREATH"}

// tipSeparators are the accepted word/correction separators. Order matters
// only for equal positions, which cannot happen between these strings.
var tipSeparators = []string{"—", "–", " - "}

// Result is the outcome of feeding text to a [Parser].
type Result struct {
	// Text is the displayable text with every recognized marker removed.
	Text string

	// Events holds one entry per recognized marker, in text order.
	Events []Event
}

// Option configures a [Parser].
type Option func(*Parser)

// WithMaxMarker sets the hold-back bound for unclosed bracket markers.
func WithMaxMarker(n int) Option {
	return func(p *Parser) {
		if n > 4 {
			p.maxMarker = n
		}
	}
}

// WithMaxTip sets the hold-back bound for unterminated tip sentences.
func WithMaxTip(n int) Option {
	return func(p *Parser) {
		if n > len(tipPrefix) {
			p.maxTip = n
		}
	}
}

// WithTipHistory records every reported tip in h.
func WithTipHistory(h *TipHistory) Option {
	return func(p *Parser) { p.tips = h }
}

// Parser is an incremental marker tokenizer over one session's model text.
//
// Text is appended with [Parser.Feed]; a cursor moves forward over it,
// releasing plain text and stripping complete markers. A suffix that could
// still become a marker is held until more text arrives or the turn ends.
//
// A Parser is not safe for concurrent use; the session event loop owns it.
type Parser struct {
	maxMarker int
	maxTip    int
	tips      *TipHistory

	buf      string
	cursor   int
	boundary bool   // the byte before buf[0] ends a word (or there is none)
	lastTip  string // normalized word of the last reported tip
}

// NewParser creates a Parser.
func NewParser(opts ...Option) *Parser {
	p := &Parser{
		maxMarker: DefaultMaxMarker,
		maxTip:    DefaultMaxTip,
		boundary:  true,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Feed appends chunk to the turn buffer and returns the text and events that
// became final.
func (p *Parser) Feed(chunk string) Result {
	p.buf += chunk
	var r Result
	r.Text = p.scan(&r.Events, false)
	p.compact()
	return r
}

// EndTurn resolves whatever is still held and resets the turn buffer.
//
// Held text is resolved as follows: an unclosed "[[" fragment that could
// still have become a marker is dropped; a tip sentence that already has its
// word and separator is completed with the correction received so far;
// anything else is released as plain text.
func (p *Parser) EndTurn() Result {
	var r Result
	r.Text = p.scan(&r.Events, true)
	p.buf, p.cursor, p.boundary = "", 0, true
	return r
}

// Pending returns the text currently held back.
func (p *Parser) Pending() string {
	return p.buf[p.cursor:]
}

// Reset discards the held text and the tip de-duplication state.
func (p *Parser) Reset() {
	p.buf, p.cursor, p.boundary = "", 0, true
	p.lastTip = ""
}

// scan advances the cursor as far as the buffer allows and returns the text
// before it. Markers are cut out of the buffer as they are found, so the
// released text is always buf[:cursor]. With final set, nothing is held back.
func (p *Parser) scan(events *[]Event, final bool) string {
	hold := -1
	for hold < 0 && p.cursor < len(p.buf) {
		rest := p.buf[p.cursor:]

		switch {
		case strings.HasPrefix(rest, "[["):
			n, ev, st := p.matchBracket(rest, final)
			switch st {
			case matchFound:
				*events = append(*events, ev)
				p.strip(n)
			case matchPartial:
				if !final {
					hold = p.cursor
					break
				}
				p.strip(len(rest)) // unclosed marker at turn end is dropped
			default:
				p.cursor++
			}

		case rest == "[":
			if !final {
				hold = p.cursor
				break
			}
			p.cursor++

		case p.wordStart() && hasPrefixFold(rest, tipPrefix):
			n, tip, st := p.matchTip(rest, final)
			switch st {
			case matchFound:
				if ev, ok := p.reportTip(tip); ok {
					*events = append(*events, ev)
				}
				p.strip(n)
			case matchPartial:
				hold = p.cursor
			default:
				p.cursor++
			}

		case p.wordStart() && len(rest) < len(tipPrefix) && hasPrefixFold(tipPrefix, rest):
			if !final {
				hold = p.cursor
				break
			}
			p.cursor += len(rest)

		default:
			n := nextCandidate(rest)
			if n == len(rest) && !final {
				n -= partialRune(rest)
			}
			if n == 0 {
				hold = p.cursor
				break
			}
			p.cursor += n
		}
	}
	if hold >= 0 {
		p.cursor = p.holdStart(hold)
	}
	return p.buf[:p.cursor]
}

// strip cuts n bytes of marker text at the cursor and steps back far enough
// to re-examine any marker the cut joined together, e.g. "[" + "[[E:A]]" +
// "[E:B]]".
func (p *Parser) strip(n int) {
	p.buf = p.buf[:p.cursor] + p.buf[p.cursor+n:]
	p.cursor = max(0, p.cursor-max(p.maxMarker, p.maxTip))
}

// holdStart moves a hold at h back over text that a later cut could join
// with what follows into a marker: a lone "[" or the start of a "Tip:".
func (p *Parser) holdStart(h int) int {
	limit := max(0, h-p.maxMarker)
	for h > limit {
		if p.buf[h-1] == '[' {
			h--
			continue
		}
		if s := p.tipPrefixBefore(h); s >= limit {
			h = s
			continue
		}
		break
	}
	return h
}

// tipPrefixBefore returns where a proper prefix of "Tip:" ending at h starts,
// or -1.
func (p *Parser) tipPrefixBefore(h int) int {
	for l := len(tipPrefix) - 1; l > 0; l-- {
		s := h - l
		if s >= 0 && hasPrefixFold(tipPrefix, p.buf[s:h]) && p.wordStartAt(s) {
			return s
		}
	}
	return -1
}

type matchState int

const (
	matchNone matchState = iota
	matchFound
	matchPartial
)

// matchBracket inspects a "[[" block at the start of s.
func (p *Parser) matchBracket(s string, final bool) (int, Event, matchState) {
	end := strings.Index(s[2:], "]]")
	if end < 0 {
		if len(s) <= p.maxMarker && !strings.ContainsRune(s, '\n') && couldBeMarker(s[2:]) {
			return 0, nil, matchPartial
		}
		if !final && p.innerPending(s) {
			return 0, nil, matchPartial
		}
		return 0, nil, matchNone
	}
	n := end + 4
	if n > p.maxMarker || strings.ContainsRune(s[2:2+end], '\n') {
		return 0, nil, matchNone
	}

	key, val, ok := strings.Cut(s[2:2+end], ":")
	if !ok {
		return 0, nil, matchNone
	}
	key = strings.ToUpper(strings.TrimSpace(key))
	val = strings.TrimSpace(val)
	if val == "" {
		return 0, nil, matchNone
	}

	switch key {
	case "E", "EMOTION":
		return n, Emotion{Name: val}, matchFound
	case "I", "INTENT":
		return n, Intent{Name: val}, matchFound
	case "B", "BREATH":
		phase := Phase(strings.ToUpper(val))
		if !phase.Valid() {
			return 0, nil, matchNone
		}
		return n, BreathPhase{Phase: phase}, matchFound
	}
	return 0, nil, matchNone
}

// innerPending reports whether the unclosed block s contains, early enough
// to still fit, the start of another marker or tip that is itself pending.
// Cutting that one out later could turn s into a marker.
func (p *Parser) innerPending(s string) bool {
	for k := 1; k < len(s) && k+2 <= p.maxMarker; k++ {
		rest := s[k:]
		atWord := !isWordByte(s[k-1])
		switch {
		case rest == "[":
			return true
		case strings.HasPrefix(rest, "[["):
			if len(rest) <= p.maxMarker && !strings.ContainsRune(rest, '\n') && couldBeMarker(rest[2:]) {
				return true
			}
		case atWord && hasPrefixFold(rest, tipPrefix):
			if _, _, st := p.matchTip(rest, false); st == matchPartial {
				return true
			}
		case atWord && len(rest) < len(tipPrefix) && hasPrefixFold(tipPrefix, rest):
			return true
		}
	}
	return false
}

// couldBeMarker reports whether c, the content of a "[[" block whose "]]"
// has not arrived yet, can still turn into a recognized marker.
func couldBeMarker(c string) bool {
	c = c[:len(c)-partialRune(c)]
	key, val, hasColon := strings.Cut(c, ":")
	key = strings.TrimLeftFunc(key, unicode.IsSpace)
	trimmed := strings.TrimRightFunc(key, unicode.IsSpace)
	name := strings.ToUpper(trimmed)
	if !hasColon {
		if trimmed != key && !slices.Contains(markerKeys, name) {
			return false // "E x" can no longer become a key
		}
		for _, k := range markerKeys {
			if strings.HasPrefix(k, name) {
				return true
			}
		}
		return false
	}
	switch name {
	case "E", "EMOTION", "I", "INTENT":
		return true
	case "B", "BREATH":
		v := strings.TrimLeftFunc(strings.TrimSuffix(val, "]"), unicode.IsSpace)
		t := strings.TrimRightFunc(v, unicode.IsSpace)
		phase := strings.ToUpper(t)
		if t != v {
			return Phase(phase).Valid()
		}
		for _, ph := range []Phase{PhaseIn, PhaseHold, PhaseOut, PhaseEnd} {
			if strings.HasPrefix(string(ph), phase) {
				return true
			}
		}
	}
	return false
}

// matchTip inspects a "Tip:" sentence at the start of s.
func (p *Parser) matchTip(s string, final bool) (int, PronunciationTip, matchState) {
	body := s[len(tipPrefix):]
	term := strings.IndexAny(body, ".!?\n")

	sep, sepLen := findSeparator(body)
	if sep < 0 || (term >= 0 && term < sep) {
		if term >= 0 || len(s) > p.maxTip || final {
			return 0, PronunciationTip{}, matchNone
		}
		return 0, PronunciationTip{}, matchPartial
	}

	word := cleanWord(body[:sep])
	if word == "" || len(word) > maxTipWord {
		return 0, PronunciationTip{}, matchNone
	}

	after := body[sep+sepLen:]
	end := strings.IndexAny(after, ".!?\n")
	if end < 0 {
		if len(s) > p.maxTip {
			return 0, PronunciationTip{}, matchNone
		}
		if !final {
			return 0, PronunciationTip{}, matchPartial
		}
		end = len(after) // completed at turn end without a terminator
	}

	correction := strings.TrimSpace(after[:end])
	if correction == "" {
		return 0, PronunciationTip{}, matchNone
	}
	n := len(tipPrefix) + sep + sepLen + min(end+1, len(after))
	if n > p.maxTip {
		return 0, PronunciationTip{}, matchNone
	}
	return n, PronunciationTip{Word: word, Correction: correction}, matchFound
}

// reportTip applies back-to-back suppression and records the tip.
func (p *Parser) reportTip(tip PronunciationTip) (Event, bool) {
	key := strings.ToLower(tip.Word)
	if key == p.lastTip {
		return nil, false
	}
	p.lastTip = key
	tip.Phonetic = phoneticKey(tip.Word)
	if p.tips != nil {
		p.tips.Add(tip)
	}
	return tip, true
}

// wordStart reports whether the cursor sits at the start of a word.
func (p *Parser) wordStart() bool {
	return p.wordStartAt(p.cursor)
}

func (p *Parser) wordStartAt(i int) bool {
	if i == 0 {
		return p.boundary
	}
	return !isWordByte(p.buf[i-1])
}

// compact drops consumed text so the buffer only holds what is pending.
func (p *Parser) compact() {
	if p.cursor == 0 {
		return
	}
	p.boundary = !isWordByte(p.buf[p.cursor-1])
	p.buf = p.buf[p.cursor:]
	p.cursor = 0
}

// nextCandidate returns the length of the plain-text run at the start of s:
// up to the next byte where a marker could begin, and at least one rune.
func nextCandidate(s string) int {
	_, first := utf8.DecodeRuneInString(s)
	for i := first; i < len(s); i++ {
		switch c := s[i]; {
		case c == '[':
			return i
		case (c == 't' || c == 'T') && !isWordByte(s[i-1]):
			return i
		}
	}
	return len(s)
}

// partialRune returns how many trailing bytes of s form an incomplete UTF-8
// sequence.
func partialRune(s string) int {
	for i := 1; i <= utf8.UTFMax-1 && i <= len(s); i++ {
		if utf8.RuneStart(s[len(s)-i]) {
			if utf8.FullRuneInString(s[len(s)-i:]) {
				return 0
			}
			return i
		}
	}
	return 0
}

// findSeparator returns the byte offset and length of the earliest separator
// in s, or -1.
func findSeparator(s string) (int, int) {
	at, length := -1, 0
	for _, sep := range tipSeparators {
		if i := strings.Index(s, sep); i >= 0 && (at < 0 || i < at) {
			at, length = i, len(sep)
		}
	}
	return at, length
}

// cleanWord trims whitespace, quotes and emphasis from a tip word.
func cleanWord(s string) string {
	return strings.Trim(strings.TrimSpace(s), " \t\"'`*“”‘’«»")
}

func hasPrefixFold(s, prefix string) bool {
	return len(s) >= len(prefix) && strings.EqualFold(s[:len(prefix)], prefix)
}

// isWordByte reports whether b can be part of a word. Bytes of multi-byte
// runes count as word bytes.
func isWordByte(b byte) bool {
	return b >= 0x80 || b == '_' || b == '\'' ||
		('0' <= b && b <= '9') || ('a' <= b && b <= 'z') || ('A' <= b && b <= 'Z')
}
