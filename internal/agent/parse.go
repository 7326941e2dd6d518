package agent

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/ChuLiYu/litcurate/pkg/types"
)

// ErrUnparsable agent 輸出中找不到可用的 annotation
var ErrUnparsable = errors.New("agent: unparsable output")

var (
	solutionRe   = regexp.MustCompile(`(?s)<solution>(.*?)</solution>`)
	resultDictRe = regexp.MustCompile(`result_dict\s*=\s*`)
)

// ParseAnnotation 從單筆 agent 輸出取出 id 的 annotation
//
// 依序嘗試：
//  1. <solution>…</solution> 內的物件（最後一個優先）
//  2. result_dict = {…}
//  3. 任何含 species_gene_list 的物件
//
// 物件可以是 JSON 或 Python dict 字面值；帶有其他 pmid 的物件會被略過。
func ParseAnnotation(id types.RecordID, raw string) (types.StructuredAnnotation, error) {
	if strings.TrimSpace(raw) == "" {
		return types.StructuredAnnotation{}, ErrEmptyOutput
	}
	if ann, ok := parse(id, raw, false); ok {
		return ann, nil
	}
	return types.StructuredAnnotation{}, fmt.Errorf("%w: no annotation object for %s", ErrUnparsable, id)
}

// FindAnnotation 在整份 transcript 中尋找明確標示 pmid 為 id 的 annotation
func FindAnnotation(id types.RecordID, text string) (types.StructuredAnnotation, bool) {
	return parse(id, text, true)
}

func parse(id types.RecordID, text string, requirePMID bool) (types.StructuredAnnotation, bool) {
	for _, c := range candidates(text) {
		fields, ok := decodeObject(c)
		if !ok {
			continue
		}
		ann, ok := toAnnotation(id, fields, requirePMID)
		if ok {
			return ann, true
		}
	}
	return types.StructuredAnnotation{}, false
}

// candidates 回傳可能的物件文字，依優先順序
func candidates(text string) []string {
	var out []string

	blocks := solutionRe.FindAllStringSubmatch(text, -1)
	for i := len(blocks) - 1; i >= 0; i-- {
		objs := objectsIn(blocks[i][1])
		for j := len(objs) - 1; j >= 0; j-- {
			out = append(out, objs[j])
		}
	}

	locs := resultDictRe.FindAllStringIndex(text, -1)
	for i := len(locs) - 1; i >= 0; i-- {
		if objs := objectsIn(text[locs[i][1]:]); len(objs) > 0 {
			out = append(out, objs[0])
		}
	}

	objs := objectsIn(text)
	for j := len(objs) - 1; j >= 0; j-- {
		if strings.Contains(objs[j], "species_gene_list") {
			out = append(out, objs[j])
		}
	}
	return out
}

// objectsIn 回傳 s 中所有最外層的 {…} 片段（略過字串中的括號）
func objectsIn(s string) []string {
	var (
		out   []string
		depth int
		start = -1
		quote byte
	)
	for i := 0; i < len(s); i++ {
		ch := s[i]
		if quote != 0 {
			switch ch {
			case '\\':
				i++
			case quote:
				quote = 0
			}
			continue
		}
		switch ch {
		case '"', '\'':
			if depth > 0 {
				quote = ch
			}
		case '{':
			if depth == 0 {
				start = i
			}
			depth++
		case '}':
			if depth == 0 {
				continue
			}
			depth--
			if depth == 0 && start >= 0 {
				out = append(out, s[start:i+1])
				start = -1
			}
		}
	}
	return out
}

// decodeObject 以 JSON 解析，失敗時先轉換 Python 字面值再試
func decodeObject(s string) (map[string]any, bool) {
	if m, err := decodeJSON(s); err == nil {
		return m, true
	}
	if m, err := decodeJSON(pythonToJSON(s)); err == nil {
		return m, true
	}
	return nil, false
}

func decodeJSON(s string) (map[string]any, error) {
	dec := json.NewDecoder(strings.NewReader(s))
	dec.UseNumber()
	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		return nil, err
	}
	return m, nil
}

// pythonToJSON 將單引號字串與 True/False/None 轉為 JSON
func pythonToJSON(s string) string {
	var b bytes.Buffer
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		ch := s[i]
		switch {
		case ch == '\'' || ch == '"':
			end := i + 1
			var lit strings.Builder
			for ; end < len(s) && s[end] != ch; end++ {
				if s[end] == '\\' && end+1 < len(s) {
					end++
					if s[end] != '\'' {
						lit.WriteByte('\\')
					}
				}
				lit.WriteByte(s[end])
			}
			b.WriteByte('"')
			b.WriteString(strings.ReplaceAll(unescapeQuotes(lit.String(), ch), `"`, `\"`))
			b.WriteByte('"')
			i = end
		case strings.HasPrefix(s[i:], "True") && wordBoundary(s, i, 4):
			b.WriteString("true")
			i += 3
		case strings.HasPrefix(s[i:], "False") && wordBoundary(s, i, 5):
			b.WriteString("false")
			i += 4
		case strings.HasPrefix(s[i:], "None") && wordBoundary(s, i, 4):
			b.WriteString("null")
			i += 3
		default:
			b.WriteByte(ch)
		}
	}
	return b.String()
}

// unescapeQuotes 還原雙引號字串中已跳脫的雙引號，避免重複跳脫
func unescapeQuotes(s string, quote byte) string {
	if quote == '"' {
		return strings.ReplaceAll(s, `\"`, `"`)
	}
	return s
}

func wordBoundary(s string, i, n int) bool {
	isWord := func(c byte) bool {
		return c == '_' || c >= '0' && c <= '9' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z'
	}
	if i > 0 && isWord(s[i-1]) {
		return false
	}
	return i+n >= len(s) || !isWord(s[i+n])
}

func toAnnotation(id types.RecordID, fields map[string]any, requirePMID bool) (types.StructuredAnnotation, bool) {
	norm := make(map[string]any, len(fields))
	for k, v := range fields {
		norm[strings.ToLower(strings.TrimSpace(k))] = v
	}

	list, hasList := norm["species_gene_list"]
	labels, hasLabels := norm["gene_research_types"]
	if !hasList && !hasLabels {
		return types.StructuredAnnotation{}, false
	}

	pmid := scalar(norm["pmid"])
	switch {
	case pmid == "" && requirePMID:
		return types.StructuredAnnotation{}, false
	case pmid != "" && pmid != string(id):
		return types.StructuredAnnotation{}, false
	}

	ann := types.StructuredAnnotation{
		RecordID:      id,
		Labels:        stringList(labels),
		SpeciesGenes:  speciesGenes(list),
		Confidence:    scalar(norm["confidence"]),
		Justification: scalar(norm["justification"]),
	}
	if ann.Labels == nil {
		ann.Labels = []string{}
	}
	if ann.SpeciesGenes == nil {
		ann.SpeciesGenes = []types.SpeciesGene{}
	}
	return ann, true
}

func speciesGenes(v any) []types.SpeciesGene {
	items, ok := v.([]any)
	if !ok {
		if m, isMap := v.(map[string]any); isMap {
			items = []any{m}
		}
	}
	var out []types.SpeciesGene
	for _, item := range items {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		out = append(out, types.SpeciesGene{
			SpeciesName:  scalar(m["species_name"]),
			SpeciesID:    scalar(m["species_id"]),
			SpeciesClass: scalar(m["species_class"]),
			GeneName:     scalar(m["gene_name"]),
			GeneID:       scalar(m["gene_id"]),
		})
	}
	return out
}

// stringList 接受字串陣列或以 ; / , 分隔的字串
func stringList(v any) []string {
	var out []string
	switch t := v.(type) {
	case []any:
		for _, item := range t {
			if s := scalar(item); s != "" {
				out = append(out, s)
			}
		}
	case string:
		for _, part := range strings.FieldsFunc(t, func(r rune) bool { return r == ';' || r == ',' }) {
			if s := strings.TrimSpace(part); s != "" {
				out = append(out, s)
			}
		}
	}
	return out
}

func scalar(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(t)
	case json.Number:
		return t.String()
	case bool:
		if t {
			return "true"
		}
		return "false"
	default:
		return strings.TrimSpace(fmt.Sprint(t))
	}
}
