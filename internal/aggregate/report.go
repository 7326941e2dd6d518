package aggregate

import (
	"github.com/ChuLiYu/litcurate/internal/filter"
	"github.com/ChuLiYu/litcurate/pkg/types"
)

// Decision 單筆 annotation 的事後過濾結果
type Decision struct {
	RecordID types.RecordID `json:"pmid"`
	Kept     bool           `json:"kept"`
	Reason   string         `json:"reason"`
}

// Report 對 annotation 套用參考表排除與 require_gene 規則
type Report struct {
	Kept      []Decision     `json:"kept"`
	Dropped   []Decision     `json:"dropped"`
	ByReason  map[string]int `json:"by_reason"`
	Precision float64        `json:"precision"` // kept / annotations
}

// BuildReport 建立事後過濾報告
func BuildReport(res Result, ref *filter.Reference) Report {
	r := Report{ByReason: map[string]int{}}
	anns := res.Annotations()
	for _, ann := range anns {
		ok, reason := filter.AnnotationVerdict(ann, ref)
		d := Decision{RecordID: ann.RecordID, Kept: ok, Reason: reason}
		if ok {
			r.Kept = append(r.Kept, d)
		} else {
			r.Dropped = append(r.Dropped, d)
		}
		r.ByReason[reason]++
	}
	if len(anns) > 0 {
		r.Precision = float64(len(r.Kept)) / float64(len(anns))
	}
	return r
}
