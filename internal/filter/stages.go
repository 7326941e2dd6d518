package filter

import (
	"fmt"

	"github.com/ChuLiYu/litcurate/pkg/types"
)

// Stage 過濾階段：對每筆紀錄給出保留與否及理由
type Stage interface {
	Name() string
	Decide(rec types.Record, ref *Reference) (keep bool, reason string)
}

// 內建階段名稱
const (
	StageExcludeModelName  = "exclude_model_name"
	StageExcludeModelTaxID = "exclude_model_taxid"
	StageDropEmptySpecies  = "drop_empty_species"
	StageRequireGene       = "require_gene"
)

// DefaultStages 收集流程使用的階段順序：先比名稱，再比 ID，最後移除無物種紀錄
func DefaultStages() []Stage {
	return []Stage{ExcludeModelName{}, ExcludeModelTaxID{}, DropEmptySpecies{}}
}

// StagesByName 依名稱建立階段；未知名稱回傳錯誤
func StagesByName(names []string) ([]Stage, error) {
	all := map[string]Stage{
		StageExcludeModelName:  ExcludeModelName{},
		StageExcludeModelTaxID: ExcludeModelTaxID{},
		StageDropEmptySpecies:  DropEmptySpecies{},
		StageRequireGene:       RequireGene{},
	}
	stages := make([]Stage, 0, len(names))
	for _, n := range names {
		s, ok := all[n]
		if !ok {
			return nil, fmt.Errorf("filter: unknown stage %q", n)
		}
		stages = append(stages, s)
	}
	return stages, nil
}

// ExcludeModelName 移除物種名稱屬於參考表的紀錄
type ExcludeModelName struct{}

func (ExcludeModelName) Name() string { return StageExcludeModelName }

func (ExcludeModelName) Decide(rec types.Record, ref *Reference) (bool, string) {
	if ref.HasName(rec.Payload.SpeciesName) {
		return false, fmt.Sprintf("species name %q is a reference organism", rec.Payload.SpeciesName)
	}
	return true, "species name not in reference table"
}

// ExcludeModelTaxID 移除 taxonomy id 屬於參考表的紀錄
type ExcludeModelTaxID struct{}

func (ExcludeModelTaxID) Name() string { return StageExcludeModelTaxID }

func (ExcludeModelTaxID) Decide(rec types.Record, ref *Reference) (bool, string) {
	if ref.HasID(rec.Payload.SpeciesID) {
		return false, fmt.Sprintf("taxonomy id %s is a reference organism", rec.Payload.SpeciesID)
	}
	return true, "taxonomy id not in reference table"
}

// DropEmptySpecies 移除名稱與 id 皆為空的紀錄
type DropEmptySpecies struct{}

func (DropEmptySpecies) Name() string { return StageDropEmptySpecies }

func (DropEmptySpecies) Decide(rec types.Record, _ *Reference) (bool, string) {
	if rec.Payload.SpeciesName == "" && rec.Payload.SpeciesID == "" {
		return false, "no species annotation"
	}
	return true, "species annotated"
}

// RequireGene 移除沒有基因名稱也沒有基因 id 的紀錄
type RequireGene struct{}

func (RequireGene) Name() string { return StageRequireGene }

func (RequireGene) Decide(rec types.Record, _ *Reference) (bool, string) {
	if rec.Payload.GeneName == "" && rec.Payload.GeneID == "" {
		return false, "no gene annotation"
	}
	return true, "gene annotated"
}
