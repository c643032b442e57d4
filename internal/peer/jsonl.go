package peer

import (
	"bufio"
	"encoding/json"
	"os"
)

const maxScanSize = 1 << 20

func appendJSONL(path string, rec diskPeer) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := json.NewEncoder(f).Encode(rec); err != nil {
		return err
	}
	return f.Sync()
}

// readLastN returns the trailing n records of the JSONL file, oldest
// first. Corrupt lines are skipped.
func readLastN(path string, n int) ([]diskPeer, error) {
	if n <= 0 {
		return nil, nil
	}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	out := make([]diskPeer, 0, n)
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), maxScanSize)
	for sc.Scan() {
		var rec diskPeer
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			continue
		}
		if len(out) < n {
			out = append(out, rec)
		} else {
			copy(out, out[1:])
			out[n-1] = rec
		}
	}
	return out, sc.Err()
}
