// Package tokens estimates token counts and plans token-bounded input
// segments. Plans are a pure function of (text, budget): identical inputs
// always produce identical segment boundaries, which cache keys and resumed
// runs both rely on.
package tokens

import "regexp"

// hardSplitMargin fills hard-split pieces to this fraction of the ceiling,
// leaving room for boundary drift between estimated and provider tokens.
const hardSplitMargin = 0.9

// Segment is one token-bounded span of the source text.
type Segment struct {
	Index   int    `json:"index"`
	Start   int    `json:"start"`
	End     int    `json:"end"`
	Tokens  int    `json:"tokens"`
	Overlap int    `json:"overlap"`
	Heading string `json:"heading,omitempty"`
}

// Text returns the segment's span of source.
func (s Segment) Text(source string) string {
	return source[s.Start:s.End]
}

// Plan is an ordered set of segments over one logical document plus the
// coverage they achieve after de-duplicating overlap.
type Plan struct {
	Segments     []Segment `json:"segments"`
	SourceTokens int       `json:"source_tokens"`
	Coverage     float64   `json:"coverage"`
}

// Chunked reports whether the source was split.
func (p Plan) Chunked() bool {
	return len(p.Segments) > 1
}

var (
	unitSeparator = regexp.MustCompile(`\r?\n[ \t]*\r?\n+`)
	headingLine   = regexp.MustCompile(`^(#{1,6}\s+\S.*|(?:[IVXLCDM]+|\d+)[.)]\s+\S.*|[A-Z][A-Z0-9 ,.\-]{3,79})$`)
	sentenceEnd   = regexp.MustCompile(`[.!?]["')\]]?\s+`)
	lineEnd       = regexp.MustCompile(`\r?\n`)
)

type unit struct {
	start   int
	end     int
	tokens  int
	heading string
}

// Split plans token-bounded segments over text. Documents under the ceiling
// yield a single full-coverage segment. Oversized documents are split on
// semantic units (blank-line paragraphs, with section headings carried as
// segment context); consecutive segments share tail units up to the overlap
// budget; a single unit larger than the ceiling is hard-split at sentence
// boundaries. The first and last segments always retain the document's start
// and end unless MaxSegments truncates the plan, in which case coverage
// records the loss.
func Split(text string, budget Budget) Plan {
	total := Estimate(text)
	ceiling := budget.Ceiling()

	if total <= ceiling {
		return Plan{
			Segments:     []Segment{{Index: 0, Start: 0, End: len(text), Tokens: total}},
			SourceTokens: total,
			Coverage:     1.0,
		}
	}

	units := splitUnits(text)
	units = hardSplitOversized(units, text, ceiling)

	segments, covered := pack(units, ceiling, budget.effectiveOverlap(), budget.MaxSegments)

	unitTotal := 0
	for _, u := range units {
		unitTotal += u.tokens
	}

	coverage := 1.0
	if unitTotal > 0 {
		coverage = float64(covered) / float64(unitTotal)
	}

	return Plan{
		Segments:     segments,
		SourceTokens: total,
		Coverage:     coverage,
	}
}

// splitUnits breaks text into blank-line separated units, tracking the most
// recent section heading so each unit carries its context.
func splitUnits(text string) []unit {
	seps := unitSeparator.FindAllStringIndex(text, -1)

	var units []unit
	heading := ""
	pos := 0

	emit := func(start, end int) {
		start, end = trimSpan(text, start, end)
		if start >= end {
			return
		}
		block := text[start:end]
		if h := firstLine(block); headingLine.MatchString(h) {
			heading = h
		}
		units = append(units, unit{
			start:   start,
			end:     end,
			tokens:  Estimate(block),
			heading: heading,
		})
	}

	for _, sep := range seps {
		emit(pos, sep[0])
		pos = sep[1]
	}
	emit(pos, len(text))

	return units
}

// hardSplitOversized replaces any unit above the ceiling with sentence-packed
// pieces filled to the hard-split margin.
func hardSplitOversized(units []unit, text string, ceiling int) []unit {
	margin := int(float64(ceiling) * hardSplitMargin)
	if margin < 1 {
		margin = 1
	}

	out := make([]unit, 0, len(units))
	for _, u := range units {
		if u.tokens <= ceiling {
			out = append(out, u)
			continue
		}
		for _, piece := range splitAtSentences(text, u, margin) {
			out = append(out, piece)
		}
	}
	return out
}

func splitAtSentences(text string, u unit, margin int) []unit {
	block := text[u.start:u.end]
	bounds := sentenceEnd.FindAllStringIndex(block, -1)

	// sentence spans relative to the block
	var spans [][2]int
	prev := 0
	for _, b := range bounds {
		spans = append(spans, [2]int{prev, b[1]})
		prev = b[1]
	}
	if prev < len(block) {
		spans = append(spans, [2]int{prev, len(block)})
	}

	var pieces []unit
	start, used := spans[0][0], 0
	flush := func(end int) {
		s, e := trimSpan(text, u.start+start, u.start+end)
		if s < e {
			pieces = append(pieces, unit{start: s, end: e, tokens: Estimate(text[s:e]), heading: u.heading})
		}
	}

	for _, sp := range spans {
		t := Estimate(block[sp[0]:sp[1]])
		if t > margin {
			// a single runaway sentence: cut at fixed rune strides
			if used > 0 {
				flush(sp[0])
			}
			for _, cut := range strideSpans(block[sp[0]:sp[1]], margin*4) {
				s, e := trimSpan(text, u.start+sp[0]+cut[0], u.start+sp[0]+cut[1])
				if s < e {
					pieces = append(pieces, unit{start: s, end: e, tokens: Estimate(text[s:e]), heading: u.heading})
				}
			}
			start, used = sp[1], 0
			continue
		}
		if used+t > margin && used > 0 {
			flush(sp[0])
			start, used = sp[0], 0
		}
		used += t
	}
	if used > 0 {
		flush(len(block))
	}

	return pieces
}

// strideSpans cuts s into byte spans of at most strideRunes runes, always on
// rune boundaries.
func strideSpans(s string, strideRunes int) [][2]int {
	if strideRunes < 1 {
		strideRunes = 1
	}
	var spans [][2]int
	start, count := 0, 0
	for i := range s {
		if count == strideRunes {
			spans = append(spans, [2]int{start, i})
			start, count = i, 0
		}
		count++
	}
	if start < len(s) {
		spans = append(spans, [2]int{start, len(s)})
	}
	return spans
}

// pack fills segments up to the ceiling and seeds each following segment
// with the previous segment's tail units under the overlap budget. Returns
// the segments and the de-duplicated token count they cover.
func pack(units []unit, ceiling, overlap, maxSegments int) ([]Segment, int) {
	if len(units) == 0 {
		return nil, 0
	}

	var segments []Segment
	begin := 0
	pendingOverlap := 0
	covered := 0
	lastCoveredUnit := 0

	for begin < len(units) {
		used := 0
		end := begin
		for end < len(units) {
			t := units[end].tokens
			if end > begin && used+t > ceiling {
				break
			}
			used += t
			end++
		}

		segments = append(segments, Segment{
			Index:   len(segments),
			Start:   units[begin].start,
			End:     units[end-1].end,
			Tokens:  used,
			Overlap: pendingOverlap,
			Heading: units[begin].heading,
		})

		for i := max(begin, lastCoveredUnit); i < end; i++ {
			covered += units[i].tokens
		}
		if end > lastCoveredUnit {
			lastCoveredUnit = end
		}

		if end >= len(units) {
			break
		}
		if maxSegments > 0 && len(segments) >= maxSegments {
			break
		}

		// walk back from end collecting tail units under the overlap budget
		tail := end
		ov := 0
		for tail > begin+1 {
			t := units[tail-1].tokens
			if ov+t > overlap {
				break
			}
			ov += t
			tail--
		}
		if tail <= begin {
			tail = begin + 1
		}
		begin = tail
		pendingOverlap = ov
	}

	return segments, covered
}

func trimSpan(text string, start, end int) (int, int) {
	for start < end && isSpace(text[start]) {
		start++
	}
	for end > start && isSpace(text[end-1]) {
		end--
	}
	return start, end
}

func isSpace(b byte) bool {
	return b == ' ' || b == '\t' || b == '\n' || b == '\r'
}

func firstLine(s string) string {
	if loc := lineEnd.FindStringIndex(s); loc != nil {
		return s[:loc[0]]
	}
	return s
}
