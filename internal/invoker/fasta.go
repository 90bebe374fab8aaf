package invoker

import (
	"bufio"
	"fmt"
	"os"

	"pkg.jsn.cam/protpred/pkg/protpred"
)

// writeFASTA writes one `>id` record per item, where id is header(key).
func writeFASTA(path string, items []protpred.Item, header func(string) string) error {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}

	w := bufio.NewWriter(file)
	for _, item := range items {
		if _, err := fmt.Fprintf(w, ">%s\n%s\n", header(item.Key), item.Value); err != nil {
			file.Close()
			return err
		}
	}

	if err := w.Flush(); err != nil {
		file.Close()
		return err
	}

	return file.Close()
}

// rawHeader passes the key through; the predictor echoes it verbatim into
// its stdout blocks.
func rawHeader(key string) string {
	return key
}
