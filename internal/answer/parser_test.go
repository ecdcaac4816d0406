package answer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParserRoundTrip(t *testing.T) {
	p := NewParser([]string{"42"})

	plain, cites := p.Feed("A [TWEET:42]@bob[/TWEET] B ---FOLLOWUPS---\nQ1?\nQ2?")
	tail, followUps := p.Finish(true)

	assert.Equal(t, "A <citation:42> B", plain+tail)
	require.Len(t, cites, 1)
	assert.Equal(t, Citation{ID: "42", Handle: "bob"}, cites[0])
	assert.Equal(t, []string{"Q1?", "Q2?"}, followUps)
	assert.Equal(t, []string{"42"}, p.CitedIDs())
}

func TestParserMarkerSplitAcrossChunks(t *testing.T) {
	p := NewParser([]string{"42"})

	var plain string
	var cites []Citation
	for _, chunk := range []string{"A [TW", "EET:4", "2]@bo", "b[/TWE", "ET] B"} {
		out, c := p.Feed(chunk)
		plain += out
		cites = append(cites, c...)
	}
	tail, _ := p.Finish(true)

	assert.Equal(t, "A <citation:42> B", plain+tail)
	require.Len(t, cites, 1)
	assert.Equal(t, "42", cites[0].ID)
}

func TestParserHoldsPartialMarker(t *testing.T) {
	p := NewParser([]string{"42"})

	plain, _ := p.Feed("see [TWEET:42]@bo")
	assert.Equal(t, "see ", plain, "an open marker must not leak as plain text")
}

func TestParserUnterminatedMarkerAtStreamEnd(t *testing.T) {
	p := NewParser([]string{"5"})

	plain, _ := p.Feed("see [TWEET:5]@al")
	tail, followUps := p.Finish(true)

	assert.Equal(t, "see [TWEET:5]@al", plain+tail)
	assert.Empty(t, p.CitedIDs())
	assert.Nil(t, followUps)
}

func TestParserAbandonedMarkerDegradesToPlainText(t *testing.T) {
	p := NewParser([]string{"5", "6"})

	plain, cites := p.Feed("see [TWEET:5]@al said something [TWEET:6]@bob[/TWEET] end")
	tail, _ := p.Finish(true)

	assert.Equal(t, "see [TWEET:5]@al said something <citation:6> end", plain+tail)
	require.Len(t, cites, 1)
	assert.Equal(t, Citation{ID: "6", Handle: "bob"}, cites[0])
	assert.Equal(t, []string{"6"}, p.CitedIDs())
}

func TestParserAbandonedMarkerAcrossChunks(t *testing.T) {
	p := NewParser([]string{"5", "6"})

	var plain string
	var cites []Citation
	for _, chunk := range []string{"see [TWEET:5]@al said", " something [TWE", "ET:6]@bob[/TW", "EET] end"} {
		out, c := p.Feed(chunk)
		plain += out
		cites = append(cites, c...)
	}
	tail, _ := p.Finish(true)

	assert.Equal(t, "see [TWEET:5]@al said something <citation:6> end", plain+tail)
	require.Len(t, cites, 1)
	assert.Equal(t, "6", cites[0].ID)
}

func TestParserUnknownIDRenderedVerbatim(t *testing.T) {
	p := NewParser([]string{"1"})

	plain, cites := p.Feed("claim [TWEET:99]@eve[/TWEET] end")
	assert.Equal(t, "claim [TWEET:99]@eve[/TWEET] end", plain)
	assert.Empty(t, cites)
}

func TestParserMalformedMarkerRenderedVerbatim(t *testing.T) {
	tests := []struct {
		name string
		in   string
	}{
		{"missing handle", "[TWEET:1][/TWEET]"},
		{"missing id", "[TWEET:]@bob[/TWEET]"},
		{"no at sign", "[TWEET:1]bob[/TWEET]"},
		{"prose as handle", "[TWEET:1]@al wrote this[/TWEET]"},
		{"bracket in handle", "[TWEET:1]@a[b[/TWEET]"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewParser([]string{"1"})
			plain, cites := p.Feed(tt.in)
			assert.Equal(t, tt.in, plain)
			assert.Empty(t, cites)
		})
	}
}

func TestParserRepeatedCitationEmittedOnce(t *testing.T) {
	p := NewParser([]string{"7"})

	plain, cites := p.Feed("[TWEET:7]@a[/TWEET] and again [TWEET:7]@a[/TWEET]")
	assert.Equal(t, "<citation:7> and again <citation:7>", plain)
	assert.Len(t, cites, 1)
	assert.Equal(t, []string{"7"}, p.CitedIDs())
}

func TestParserCitationsOrderedByClose(t *testing.T) {
	p := NewParser([]string{"1", "2", "3"})

	p.Feed("[TWEET:2]@a[/TWEET][TWEET:3]@b[/TWEET][TWEET:1]@c[/TWEET]")
	assert.Equal(t, []string{"2", "3", "1"}, p.CitedIDs())
}

func TestParserSeparatorSplitAcrossChunks(t *testing.T) {
	p := NewParser(nil)

	plain1, _ := p.Feed("answer ---FOLL")
	plain2, _ := p.Feed("OWUPS---\nfirst?\nsecond?")
	tail, followUps := p.Finish(true)

	assert.Equal(t, "answer", plain1+plain2+tail)
	assert.Equal(t, []string{"first?", "second?"}, followUps)
}

func TestParserSpaceBeforeSeparatorAtChunkBoundary(t *testing.T) {
	p := NewParser(nil)

	plain1, _ := p.Feed("answer ")
	plain2, _ := p.Feed("---FOLLOWUPS---\nfirst?")
	tail, followUps := p.Finish(true)

	assert.Equal(t, "answer", plain1+plain2+tail)
	assert.Equal(t, []string{"first?"}, followUps)
}

func TestParserNoFollowUpsWithoutCompletion(t *testing.T) {
	p := NewParser(nil)

	p.Feed("answer ---FOLLOWUPS---\nQ1?")
	tail, followUps := p.Finish(false)

	assert.Empty(t, tail)
	assert.Nil(t, followUps, "an unconfirmed section yields nothing")
}

func TestParserFollowUpsNeverShownAsBody(t *testing.T) {
	p := NewParser(nil)

	plain, _ := p.Feed("body ---FOLLOWUPS---\nhidden?")
	more, _ := p.Feed("\nalso hidden?")
	assert.Equal(t, "body", plain)
	assert.Empty(t, more)
}

func TestParserFollowUpBullets(t *testing.T) {
	p := NewParser(nil)

	p.Feed("x ---FOLLOWUPS---\n- first?\n2. second?\n\n* third?\n")
	_, followUps := p.Finish(true)
	assert.Equal(t, []string{"first?", "second?", "third?"}, followUps)
}

func TestParserDashesNotMistakenForSeparator(t *testing.T) {
	p := NewParser(nil)

	plain1, _ := p.Feed("a -- b ")
	plain2, _ := p.Feed("--- c")
	tail, _ := p.Finish(true)
	assert.Equal(t, "a -- b --- c", plain1+plain2+tail)
}
