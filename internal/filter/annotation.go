package filter

import "github.com/ChuLiYu/litcurate/pkg/types"

// AnnotationVerdict 對 agent 的結構化輸出做事後過濾
//
// 任一物種（名稱或 id）屬於參考表即排除；其餘至少一組需有基因名稱或 id。
func AnnotationVerdict(ann types.StructuredAnnotation, ref *Reference) (bool, string) {
	for _, sg := range ann.SpeciesGenes {
		if ref.HasID(sg.SpeciesID) || ref.HasName(sg.SpeciesName) {
			return false, "reference organism in species_gene_list"
		}
	}
	for _, sg := range ann.SpeciesGenes {
		if sg.GeneName != "" || sg.GeneID != "" {
			return true, "non-reference species with gene"
		}
	}
	return false, "no gene in species_gene_list"
}
