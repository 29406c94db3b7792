package crdt

import (
	"strings"
)

// seedClient is the client ID used for server-side seeding of documents
// from legacy plain/HTML content. Clients allocate random 64-bit IDs, so a
// fixed server ID keeps seed operations distinguishable in state vectors.
const seedClient uint64 = 0x5345454431 // "SEED1"

// SeedFromText builds a minimal document containing the given legacy
// content as a single run. HTML markup is stripped lossily; fidelity
// arrives with the first real client edit.
func SeedFromText(content string) *Doc {
	doc := NewDoc()
	text := StripHTML(content)
	if text != "" {
		doc.AppendText(seedClient, text)
	}
	return doc
}

// StripHTML removes tags and collapses entity-free text out of legacy HTML
// content. It is intentionally crude: seeding only needs readable text, not
// structure.
func StripHTML(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	inTag := false
	for _, r := range s {
		switch {
		case r == '<':
			inTag = true
		case r == '>':
			inTag = false
		case !inTag:
			b.WriteRune(r)
		}
	}
	out := b.String()
	for _, ent := range [...][2]string{
		{"&nbsp;", " "},
		{"&amp;", "&"},
		{"&lt;", "<"},
		{"&gt;", ">"},
		{"&quot;", "\""},
		{"&#39;", "'"},
	} {
		out = strings.ReplaceAll(out, ent[0], ent[1])
	}
	return strings.TrimSpace(out)
}
