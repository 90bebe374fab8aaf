package generator

import (
	"io"
	"math/rand/v2"
)

// Generator produces protein input records
type Generator interface {
	// Init sets the per-instance random source
	Init(r *rand.Rand)

	// WriteLine writes a single key<TAB>sequence record to the writer
	WriteLine(w io.Writer) error

	// Description returns a human-readable description of the data format
	Description() string

	// DefaultCount returns the suggested default number of records to generate
	DefaultCount() int64
}

// aminoAcids are the 20 standard residues, weighted roughly by their
// frequency in UniProtKB.
const aminoAcids = "LLLLLLLLLAAAAAAAAGGGGGGGVVVVVVVEEEEEEESSSSSSSIIIIIKKKKKKRRRRRDDDDDTTTTTPPPPPNNNNQQQQFFFFYYYMMHHCW"

// Lengths bounds the sequence length of every generator
type Lengths struct {
	Min int
	Max int
}

func (l Lengths) sequence(r *rand.Rand) []byte {
	n := l.Min
	if l.Max > l.Min {
		n += r.IntN(l.Max - l.Min + 1)
	}

	seq := make([]byte, n)
	seq[0] = 'M'
	for i := 1; i < n; i++ {
		seq[i] = aminoAcids[r.IntN(len(aminoAcids))]
	}
	return seq
}
