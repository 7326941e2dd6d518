package filter

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

const (
	colSpeciesName = "species_name"
	colTaxonomyID  = "NCBI_taxonomy_id"
)

var (
	// ErrReferenceMissing 參考表不存在（致命錯誤）
	ErrReferenceMissing = errors.New("filter: reference table not found")
	// ErrReferenceFormat 參考表缺少必要欄位
	ErrReferenceFormat = errors.New("filter: reference table malformed")
)

// Reference 唯讀的模式生物參考表（species_name, NCBI_taxonomy_id）
type Reference struct {
	names map[string]struct{}
	ids   map[string]struct{}
	rows  int
}

// LoadReference 讀取 CSV 參考表
func LoadReference(path string) (*Reference, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrReferenceMissing, path)
		}
		return nil, fmt.Errorf("open reference table: %w", err)
	}
	defer f.Close()
	return ParseReference(f)
}

// ParseReference 從 reader 解析參考表；第一列必須是標頭
func ParseReference(r io.Reader) (*Reference, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("%w: header: %v", ErrReferenceFormat, err)
	}
	nameCol, idCol := -1, -1
	for i, h := range header {
		switch strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")) {
		case colSpeciesName:
			nameCol = i
		case colTaxonomyID:
			idCol = i
		}
	}
	if nameCol < 0 || idCol < 0 {
		return nil, fmt.Errorf("%w: need columns %s,%s", ErrReferenceFormat, colSpeciesName, colTaxonomyID)
	}

	ref := &Reference{names: make(map[string]struct{}), ids: make(map[string]struct{})}
	for {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrReferenceFormat, err)
		}
		if nameCol >= len(row) || idCol >= len(row) {
			continue
		}
		if name := strings.TrimSpace(row[nameCol]); name != "" {
			ref.names[name] = struct{}{}
		}
		if id := strings.TrimSpace(row[idCol]); id != "" {
			ref.ids[id] = struct{}{}
		}
		ref.rows++
	}
	return ref, nil
}

// NewReference 以名稱與 taxonomy id 建立參考表（測試與程式化使用）
func NewReference(names, ids []string) *Reference {
	ref := &Reference{names: make(map[string]struct{}), ids: make(map[string]struct{})}
	for _, n := range names {
		ref.names[strings.TrimSpace(n)] = struct{}{}
	}
	for _, id := range ids {
		ref.ids[strings.TrimSpace(id)] = struct{}{}
	}
	ref.rows = len(names)
	return ref
}

// HasName 物種名稱是否在參考表中（完全比對）
func (r *Reference) HasName(name string) bool {
	_, ok := r.names[strings.TrimSpace(name)]
	return ok && strings.TrimSpace(name) != ""
}

// HasID taxonomy id 是否在參考表中
func (r *Reference) HasID(id string) bool {
	_, ok := r.ids[strings.TrimSpace(id)]
	return ok && strings.TrimSpace(id) != ""
}

// Rows 參考表資料列數
func (r *Reference) Rows() int {
	return r.rows
}
