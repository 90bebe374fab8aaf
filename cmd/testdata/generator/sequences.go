package generator

import (
	"fmt"
	"io"
	"math/rand/v2"
)

// SequenceGenerator writes seq_<n> keys with random sequences
type SequenceGenerator struct {
	Lengths
	rand *rand.Rand
	next int64
}

func (g *SequenceGenerator) Init(r *rand.Rand) {
	g.rand = r
}

func (g *SequenceGenerator) WriteLine(w io.Writer) error {
	_, err := fmt.Fprintf(w, "seq_%d\t%s\n", g.next, g.sequence(g.rand))
	g.next++
	return err
}

func (g *SequenceGenerator) Description() string {
	return "Numbered sequences: seq_<n>\\t<residues>"
}

func (g *SequenceGenerator) DefaultCount() int64 {
	return 1000
}

// UniProtGenerator writes UniProt style identifiers such as
// sp|P69905|HBA_HUMAN, whose '|' must be escaped in output file names.
type UniProtGenerator struct {
	Lengths
	rand *rand.Rand
	seen map[string]bool
}

var (
	databases = []string{"sp", "tr"}
	genes     = []string{"HBA", "HBB", "MYG", "INS", "ALBU", "CYC", "LYSC", "UBIQ", "ACTB", "TNF"}
	species   = []string{"HUMAN", "MOUSE", "BOVIN", "YEAST", "ECOLI", "ARATH"}
)

func (g *UniProtGenerator) Init(r *rand.Rand) {
	g.rand = r
	g.seen = make(map[string]bool)
}

func (g *UniProtGenerator) WriteLine(w io.Writer) error {
	key := g.accessionKey()
	for g.seen[key] {
		key = g.accessionKey()
	}
	g.seen[key] = true

	_, err := fmt.Fprintf(w, "%s\t%s\n", key, g.sequence(g.rand))
	return err
}

func (g *UniProtGenerator) accessionKey() string {
	r := g.rand
	return fmt.Sprintf("%s|%c%d%c%c%c%d|%s_%s",
		databases[r.IntN(len(databases))],
		"OPQ"[r.IntN(3)], r.IntN(10),
		'A'+rune(r.IntN(26)), '0'+rune(r.IntN(10)), '0'+rune(r.IntN(10)), r.IntN(10),
		genes[r.IntN(len(genes))], species[r.IntN(len(species))])
}

func (g *UniProtGenerator) Description() string {
	return "UniProt style records: db|accession|NAME_SPECIES\\t<residues>"
}

func (g *UniProtGenerator) DefaultCount() int64 {
	return 1000
}

// DuplicateGenerator reuses a small pool of keys so that some keys appear
// more than once, in the same batch or across batches.
type DuplicateGenerator struct {
	Lengths
	KeyCount int
	rand     *rand.Rand
}

func (g *DuplicateGenerator) Init(r *rand.Rand) {
	g.rand = r
}

func (g *DuplicateGenerator) WriteLine(w io.Writer) error {
	_, err := fmt.Fprintf(w, "dup_%d\t%s\n", g.rand.IntN(g.KeyCount), g.sequence(g.rand))
	return err
}

func (g *DuplicateGenerator) Description() string {
	return "Sequences drawn from a small key pool: dup_<n>\\t<residues>"
}

func (g *DuplicateGenerator) DefaultCount() int64 {
	return 100
}
