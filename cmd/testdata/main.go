package main

import (
	"bufio"
	"flag"
	"fmt"
	"log"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"

	"pkg.jsn.cam/protpred/cmd/testdata/generator"
)

/*generates protein input files in the key<TAB>sequence format read by protpred*/

var (
	Generator  = flag.String("generator", "sequences", "Generator: "+strings.Join(generator.List(), ", "))
	TotalCount = flag.Int64("count", 0, "Number of records to generate (default: the generator's suggestion)")
	MinLength  = flag.Int("min_length", 50, "Minimum sequence length")
	MaxLength  = flag.Int("max_length", 400, "Maximum sequence length")
	Seed       = flag.Uint64("seed", 1, "Random seed")
	OutputPath = flag.String("output", "var/proteins.tsv", "Output TSV file path")
)

func main() {
	flag.Parse()

	gen, err := generator.Get(*Generator, generator.Lengths{Min: *MinLength, Max: *MaxLength})
	if err != nil {
		log.Fatal(err)
	}
	gen.Init(rand.New(rand.NewPCG(*Seed, *Seed^0x9e3779b97f4a7c15)))

	count := *TotalCount
	if count <= 0 {
		count = gen.DefaultCount()
	}

	if err := os.MkdirAll(filepath.Dir(*OutputPath), 0755); err != nil {
		log.Fatal(err)
	}
	file, err := os.Create(*OutputPath)
	if err != nil {
		log.Fatal(err)
	}
	defer file.Close()

	w := bufio.NewWriter(file)
	for i := int64(0); i < count; i++ {
		if err := gen.WriteLine(w); err != nil {
			log.Fatal(err)
		}
	}
	if err := w.Flush(); err != nil {
		log.Fatal(err)
	}

	info, err := file.Stat()
	if err != nil {
		log.Fatal(err)
	}
	fmt.Printf("Wrote %s records (%s) to %s\n", humanize.Comma(count), humanize.Bytes(uint64(info.Size())), *OutputPath)
	fmt.Printf("Format: %s\n", gen.Description())
}
