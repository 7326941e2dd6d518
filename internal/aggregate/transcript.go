package aggregate

import (
	"regexp"

	"github.com/ChuLiYu/litcurate/pkg/types"
)

// paperHeader 對應 worker transcript 的區段標頭 "Paper N: PMID=X"
var paperHeader = regexp.MustCompile(`(?m)^Paper (\d+): PMID=(\S+)`)

// Section transcript 中一篇論文的區段
type Section struct {
	PMID types.RecordID
	Body string // 標頭之後到下一個標頭之前的文字
}

// SplitTranscript 依 "Paper N: PMID=X" 標頭切分 transcript
func SplitTranscript(text string) []Section {
	locs := paperHeader.FindAllStringSubmatchIndex(text, -1)
	out := make([]Section, 0, len(locs))
	for i, loc := range locs {
		end := len(text)
		if i+1 < len(locs) {
			end = locs[i+1][0]
		}
		out = append(out, Section{
			PMID: types.RecordID(text[loc[4]:loc[5]]),
			Body: text[loc[1]:end],
		})
	}
	return out
}
