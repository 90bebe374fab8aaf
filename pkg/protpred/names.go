package protpred

import (
	"path/filepath"
	"slices"
	"strings"
)

const upperHex = "0123456789ABCDEF"

// EncodeKey maps an item key to the stem of its per-item output file and
// the FASTA header the predictor sees in directory modes. Bytes outside
// [A-Za-z0-9._-] become %XX, as does a leading dot, and the empty key is
// "%". The mapping is injective, so distinct keys never share a file.
func EncodeKey(key string) string {
	if key == "" {
		return "%"
	}

	var b strings.Builder
	b.Grow(len(key))
	for i := 0; i < len(key); i++ {
		c := key[i]
		if isFileSafe(c) && !(i == 0 && c == '.') {
			b.WriteByte(c)
			continue
		}
		b.WriteByte('%')
		b.WriteByte(upperHex[c>>4])
		b.WriteByte(upperHex[c&0x0f])
	}

	return b.String()
}

// DecodeKey reverses EncodeKey. It reports false for stems EncodeKey
// cannot produce.
func DecodeKey(stem string) (string, bool) {
	if stem == "%" {
		return "", true
	}
	if stem == "" {
		return "", false
	}

	out := make([]byte, 0, len(stem))
	for i := 0; i < len(stem); i++ {
		c := stem[i]
		if c != '%' {
			if !isFileSafe(c) {
				return "", false
			}
			out = append(out, c)
			continue
		}
		if i+2 >= len(stem) {
			return "", false
		}
		hi, lo := strings.IndexByte(upperHex, stem[i+1]), strings.IndexByte(upperHex, stem[i+2])
		if hi < 0 || lo < 0 {
			return "", false
		}
		out = append(out, byte(hi<<4|lo))
		i += 2
	}

	key := string(out)
	return key, EncodeKey(key) == stem
}

func isFileSafe(c byte) bool {
	switch {
	case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		return true
	}
	return c == '.' || c == '-' || c == '_'
}

// KeyFromFilename strips the directory and the last extension.
func KeyFromFilename(name string) string {
	base := filepath.Base(name)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// OutputFile is one per-item output file resolved to its logical key.
type OutputFile struct {
	Name string // file name inside the output directory
	Key  string
}

// ResolveOutputs orders the files of an output directory. Files whose stem
// is EncodeKey of one of keys come first, in key order, and are reported
// under that key. The rest follow in lexical order, keyed by their decoded
// stem (or the raw stem when it is not an encoded key). Repeated keys
// resolve to a single file.
func ResolveOutputs(names []string, keys []string) []OutputFile {
	byStem := make(map[string]string, len(names))
	for _, name := range names {
		byStem[KeyFromFilename(name)] = name
	}

	out := make([]OutputFile, 0, len(names))
	used := make(map[string]bool, len(names))
	for _, key := range keys {
		name, ok := byStem[EncodeKey(key)]
		if !ok || used[name] {
			continue
		}
		used[name] = true
		out = append(out, OutputFile{Name: name, Key: key})
	}

	var rest []string
	for _, name := range names {
		if !used[name] {
			rest = append(rest, name)
		}
	}
	slices.Sort(rest)
	for _, name := range rest {
		stem := KeyFromFilename(name)
		key, ok := DecodeKey(stem)
		if !ok {
			key = stem
		}
		out = append(out, OutputFile{Name: name, Key: key})
	}

	return out
}

// DistinctNames counts the output files a batch should produce: one per
// distinct key.
func DistinctNames(keys []string) int {
	seen := make(map[string]struct{}, len(keys))
	for _, key := range keys {
		seen[key] = struct{}{}
	}

	return len(seen)
}
