// Package normalize repairs the punctuation and spacing defects that OCR and
// LLM cleanup leave behind, before the text reaches entity extraction.
//
// The repair is a fixed chain of rewrite rules. Several rules need lookaround,
// which RE2 does not support, so the chain is compiled with regexp2.
package normalize

import (
	"strings"
	"time"

	"github.com/dlclark/regexp2"
)

// matchTimeout bounds a single rewrite so a pathological input cannot stall a
// pipeline run. A rewrite that times out leaves its input unchanged.
const matchTimeout = 250 * time.Millisecond

// Rule is one named rewrite in the chain. Apply is total: it never fails.
type Rule struct {
	Name  string
	Apply func(string) string
}

type rewrite struct {
	re   *regexp2.Regexp
	repl string
}

func sub(pattern, repl string) rewrite {
	re := regexp2.MustCompile(pattern, regexp2.None)
	re.MatchTimeout = matchTimeout
	return rewrite{re: re, repl: repl}
}

func (r rewrite) apply(s string) string {
	out, err := r.re.Replace(s, r.repl, -1, -1)
	if err != nil {
		return s
	}
	return out
}

// steps runs the rewrites in order. When trim is set the result is
// whitespace-collapsed and trimmed.
func steps(trim bool, rws ...rewrite) func(string) string {
	return func(s string) string {
		for _, rw := range rws {
			s = rw.apply(s)
		}
		if trim {
			s = collapse(s)
		}
		return s
	}
}

var multiSpace = sub(`\s{2,}`, " ")

func collapse(s string) string {
	return strings.TrimSpace(multiSpace.apply(s))
}

var chain = []Rule{
	{
		Name: "stray-brackets",
		Apply: steps(false,
			sub(`[\(\{\[](\b\w)`, "$1"),
			sub(`(\w\b)[\)\}\]:]`, "$1"),
		),
	},
	{
		Name:  "numeric-range",
		Apply: steps(false, sub(`(\d)\)-(\d)`, "$1-$2")),
	},
	{
		Name: "isolated-brackets",
		Apply: steps(false,
			sub(`\((?!\w)`, ""),
			sub(`(?<=\s)[\(\[\{]+(?=\s)`, ""),
			sub(`^[\(\[\{]+`, ""),
			sub(`[\(\[\{]+$`, ""),
			sub(`(?<!\S)[\)\]\}]+(?!\S)`, ""),
		),
	},
	{
		Name:  "collapse-whitespace",
		Apply: collapse,
	},
	{
		// A burst glued to the end of a word keeps its leading period or
		// comma so initials such as "J./D." survive as "J. D.".
		Name: "punctuation-bursts",
		Apply: steps(false,
			sub(`(?<=\w)([.,])[^\w\s]+`, "$1 "),
			sub(`[^\w\s]{2,}`, " "),
		),
	},
	{
		Name:  "isolated-symbol",
		Apply: steps(false, sub(`(?<=\s)[^\w\s](?=\s)`, "")),
	},
	{
		Name: "glued-punctuation",
		Apply: steps(false,
			sub(`(?<=\w)[^\w\s'\-\.,]+(?=\s)`, ""),
			sub(`(?<=\s)[^\w\s'\-\.,]+(?=\w)`, ""),
		),
	},
	{
		Name:  "decorative-marks",
		Apply: steps(false, sub("[\\{\\}\\[\\]<>\"“”`´]", "")),
	},
	{
		Name:  "recollapse-whitespace",
		Apply: collapse,
	},
	{
		Name: "equals-separators",
		Apply: steps(true,
			sub(`=+`, " "),
			sub(`(?<=\S)\s*=\s*(?=\S)`, " "),
			sub(`^=+|=+$`, ""),
		),
	},
	{
		Name:  "slash-joins",
		Apply: steps(false, sub(`(?<!\d)\s*[\/_]\s*(?!\d)`, " ")),
	},
	{
		Name:  "case-boundary",
		Apply: steps(false, sub(`(?<=[a-z])(?=[A-Z])`, " ")),
	},
	{
		Name:  "glued-initials",
		Apply: steps(false, sub(`\b([A-Z]\.?)([A-Z][a-z]+)`, "$1 $2")),
	},
	{
		Name:  "final-whitespace",
		Apply: steps(true, sub(`\s+`, " ")),
	},
	{
		Name:  "stray-apostrophes",
		Apply: steps(false, sub(`(?<!\w)'(?!\w)`, "")),
	},
	{
		Name: "stray-quotes",
		Apply: steps(true,
			sub(`(?<=\s)"(?=\s)`, ""),
			sub(`^"|"$`, ""),
			sub(`"(?=\S)`, ""),
		),
	},
}

// Rules returns the rewrite chain in application order.
func Rules() []Rule {
	out := make([]Rule, len(chain))
	copy(out, chain)
	return out
}

// Normalize applies every rule in order. It is deterministic and safe for
// concurrent use.
func Normalize(text string) string {
	for _, r := range chain {
		text = r.Apply(text)
	}
	return text
}
