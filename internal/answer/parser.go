package answer

import "strings"

// Marker syntax the model is instructed to emit.
const (
	citationOpen  = "[TWEET:"
	citationClose = "[/TWEET]"
	followupsSep  = "---FOLLOWUPS---"
)

// citationPlaceholder is the display-text substitute for a resolved
// citation marker. The presentation layer renders it as a compact card.
func citationPlaceholder(id string) string {
	return "<citation:" + id + ">"
}

type parseState int

const (
	statePlain parseState = iota
	stateCitation
	stateFollowups
)

// Parser incrementally extracts citation markers and the follow-up
// section from a growing answer buffer. It is an explicit state
// machine so a marker split across chunk boundaries is held back
// rather than leaked as plain text.
//
// Not safe for concurrent use; one Parser belongs to one stream.
type Parser struct {
	knownIDs  map[string]struct{}
	emitted   map[string]struct{}
	cited     []string // emitted ids, in the order their markers closed
	state     parseState
	pending   string
	followups strings.Builder
}

// NewParser creates a Parser that accepts exactly the given citation
// ids. A marker naming any other id is rendered verbatim as plain
// text instead of a citation.
func NewParser(contextIDs []string) *Parser {
	known := make(map[string]struct{}, len(contextIDs))
	for _, id := range contextIDs {
		known[id] = struct{}{}
	}
	return &Parser{
		knownIDs: known,
		emitted:  make(map[string]struct{}),
	}
}

// Feed consumes the next chunk and returns the display text it
// releases plus any citations whose markers closed inside it. Text
// that might be the start of a marker or separator is withheld until
// disambiguated by later input or Finish.
func (p *Parser) Feed(chunk string) (string, []Citation) {
	p.pending += chunk

	var (
		out   strings.Builder
		cites []Citation
	)
	for {
		switch p.state {
		case statePlain:
			iOpen := strings.Index(p.pending, citationOpen)
			iSep := strings.Index(p.pending, followupsSep)

			switch {
			case iSep >= 0 && (iOpen < 0 || iSep < iOpen):
				out.WriteString(strings.TrimRight(p.pending[:iSep], " \t\r\n"))
				p.pending = p.pending[iSep+len(followupsSep):]
				p.state = stateFollowups

			case iOpen >= 0:
				out.WriteString(p.pending[:iOpen])
				p.pending = p.pending[iOpen:]
				p.state = stateCitation

			default:
				keep := ambiguousSuffix(p.pending)
				out.WriteString(p.pending[:len(p.pending)-keep])
				p.pending = p.pending[len(p.pending)-keep:]
				return out.String(), cites
			}

		case stateCitation:
			iClose := strings.Index(p.pending, citationClose)
			iReopen := strings.Index(p.pending[1:], citationOpen)
			if iReopen >= 0 {
				iReopen++
			}
			if iReopen >= 0 && (iClose < 0 || iReopen < iClose) {
				// The model abandoned this marker and opened another.
				// Release the abandoned span verbatim and reparse from
				// the new open token.
				out.WriteString(p.pending[:iReopen])
				p.pending = p.pending[iReopen:]
				continue
			}
			if iClose < 0 {
				// Marker still open; hold everything.
				return out.String(), cites
			}

			marker := p.pending[:iClose+len(citationClose)]
			p.pending = p.pending[iClose+len(citationClose):]
			p.state = statePlain

			c, ok := p.parseMarker(marker)
			if !ok {
				// Unknown id or malformed shape: degrade to plain text.
				out.WriteString(marker)
				continue
			}
			out.WriteString(citationPlaceholder(c.ID))
			if _, dup := p.emitted[c.ID]; !dup {
				p.emitted[c.ID] = struct{}{}
				p.cited = append(p.cited, c.ID)
				cites = append(cites, c)
			}

		case stateFollowups:
			p.followups.WriteString(p.pending)
			p.pending = ""
			return out.String(), cites
		}
	}
}

// Finish flushes the parser at stream end. Withheld text, including an
// unterminated marker, is released verbatim rather than dropped.
// Follow-ups are produced only when the stream completed; a cancelled
// or failed stream never confirms the section.
func (p *Parser) Finish(completed bool) (string, []string) {
	tail := p.pending
	p.pending = ""

	if p.state != stateFollowups || !completed {
		if p.state == stateFollowups {
			tail = ""
		}
		return tail, nil
	}

	var followUps []string
	for line := range strings.Lines(p.followups.String()) {
		if q := trimFollowUp(line); q != "" {
			followUps = append(followUps, q)
		}
	}
	return "", followUps
}

// CitedIDs returns the citation ids emitted so far, in the order their
// markers closed.
func (p *Parser) CitedIDs() []string {
	return append([]string(nil), p.cited...)
}

// parseMarker validates one complete [TWEET:<id>]@<handle>[/TWEET]
// marker against the offered context ids. A handle containing
// whitespace or a bracket means the open token was abandoned mid
// sentence, not a citation.
func (p *Parser) parseMarker(marker string) (Citation, bool) {
	inner := marker[len(citationOpen) : len(marker)-len(citationClose)]
	id, rest, ok := strings.Cut(inner, "]")
	if !ok || id == "" || !strings.HasPrefix(rest, "@") || len(rest) < 2 {
		return Citation{}, false
	}
	if strings.ContainsAny(rest[1:], " \t\r\n[") {
		return Citation{}, false
	}
	if _, known := p.knownIDs[id]; !known {
		return Citation{}, false
	}
	return Citation{ID: id, Handle: rest[1:]}, true
}

// ambiguousSuffix returns the length of the longest suffix of s that
// is a proper prefix of a marker open token or the follow-up
// separator, plus any blanks directly before it. Trailing blanks are
// held even with no token prefix behind them, since the next chunk may
// open the follow-up section and the blanks would then be trimmed.
func ambiguousSuffix(s string) int {
	longest := 0
	for _, tok := range []string{citationOpen, followupsSep} {
		for n := min(len(s), len(tok)-1); n > longest; n-- {
			if strings.HasSuffix(s, tok[:n]) {
				longest = n
				break
			}
		}
	}
	for longest < len(s) {
		if c := s[len(s)-longest-1]; c != ' ' && c != '\t' {
			break
		}
		longest++
	}
	return longest
}

// trimFollowUp normalizes one follow-up line, stripping whitespace and
// a leading list bullet if the model added one.
func trimFollowUp(line string) string {
	line = strings.TrimSpace(line)
	line = strings.TrimPrefix(line, "- ")
	line = strings.TrimPrefix(line, "* ")
	for i := 0; i < len(line); i++ {
		if line[i] >= '0' && line[i] <= '9' {
			continue
		}
		if line[i] == '.' && i > 0 && i+1 < len(line) && line[i+1] == ' ' {
			line = line[i+2:]
		}
		break
	}
	return strings.TrimSpace(line)
}
