package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
)

// VerifyResult summarizes a chain verification pass.
type VerifyResult struct {
	Entries  int
	Breaks   []ChainBreak
	Verified bool
}

// ChainBreak describes a single point where the hash chain does not hold.
type ChainBreak struct {
	Line   int
	Reason string
}

// VerifyFile walks a chained log file and checks that every entry's hash is
// correct and links to its predecessor. The first entry may link to
// "genesis", to a prior file's head (rotation sentinel), or to any hash when
// the preceding file is no longer available.
func VerifyFile(filePath string) (*VerifyResult, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, fmt.Errorf("audit: open for verify: %w", err)
	}
	defer f.Close()

	result := &VerifyResult{}
	var prevHash string
	lineNo := 0

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		lineNo++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var entry Entry
		if err := json.Unmarshal(line, &entry); err != nil {
			result.Breaks = append(result.Breaks, ChainBreak{Line: lineNo, Reason: "unparseable entry"})
			continue
		}
		result.Entries++

		want, err := computeHash(entry)
		if err != nil || want != entry.EntryHash {
			result.Breaks = append(result.Breaks, ChainBreak{Line: lineNo, Reason: "entry hash mismatch"})
		}

		// Only the first entry of a file may link outside the file.
		if prevHash != "" && entry.PrevHash != prevHash {
			result.Breaks = append(result.Breaks, ChainBreak{Line: lineNo, Reason: "chain link mismatch"})
		}
		prevHash = entry.EntryHash
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("audit: scan for verify: %w", err)
	}

	result.Verified = len(result.Breaks) == 0
	return result, nil
}
