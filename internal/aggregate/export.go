package aggregate

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	sq "github.com/Masterminds/squirrel"
	_ "github.com/marcboeker/go-duckdb"

	"github.com/ChuLiYu/litcurate/internal/storage/jsonl"
)

// rowsPerInsert 每個 INSERT 陳述式的列數上限
const rowsPerInsert = 500

var schema = []string{
	`CREATE OR REPLACE TABLE annotations (
		pmid                VARCHAR PRIMARY KEY,
		source              VARCHAR NOT NULL,
		gene_research_types VARCHAR,
		confidence          VARCHAR,
		justification       VARCHAR,
		batch_id            VARCHAR,
		species_gene_list   VARCHAR
	)`,
	`CREATE OR REPLACE TABLE species_genes (
		pmid          VARCHAR NOT NULL,
		position      INTEGER NOT NULL,
		species_name  VARCHAR,
		species_id    VARCHAR,
		species_class VARCHAR,
		gene_name     VARCHAR,
		gene_id       VARCHAR
	)`,
	`CREATE OR REPLACE TABLE failures (
		pmid     VARCHAR PRIMARY KEY,
		kind     VARCHAR NOT NULL,
		reason   VARCHAR,
		batch_id VARCHAR
	)`,
	`CREATE OR REPLACE TABLE unrecovered (
		pmid VARCHAR PRIMARY KEY
	)`,
}

// WriteJSONL 原子寫入所有 annotation（每行一筆）
func WriteJSONL(path string, res Result) error {
	return jsonl.WriteAtomic(path, res.Annotations())
}

// ExportDuckDB 將結果寫入 path 的 DuckDB 資料庫；重複匯出會取代舊表
func ExportDuckDB(ctx context.Context, path string, res Result) error {
	db, err := sql.Open("duckdb", path)
	if err != nil {
		return fmt.Errorf("aggregate: open duckdb %s: %w", path, err)
	}
	defer db.Close()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("aggregate: begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	for _, ddl := range schema {
		if _, err := tx.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("aggregate: create schema: %w", err)
		}
	}

	annRows, sgRows, failRows, lostRows := rows(res)
	inserts := []struct {
		table   string
		columns []string
		rows    [][]any
	}{
		{"annotations", []string{"pmid", "source", "gene_research_types", "confidence", "justification", "batch_id", "species_gene_list"}, annRows},
		{"species_genes", []string{"pmid", "position", "species_name", "species_id", "species_class", "gene_name", "gene_id"}, sgRows},
		{"failures", []string{"pmid", "kind", "reason", "batch_id"}, failRows},
		{"unrecovered", []string{"pmid"}, lostRows},
	}
	for _, ins := range inserts {
		if err := insertRows(ctx, tx, ins.table, ins.columns, ins.rows); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("aggregate: commit: %w", err)
	}
	return nil
}

func rows(res Result) (annRows, sgRows, failRows, lostRows [][]any) {
	for _, e := range res.Entries {
		switch {
		case e.Annotation != nil:
			a := e.Annotation
			list, _ := json.Marshal(a.SpeciesGenes)
			annRows = append(annRows, []any{
				string(e.RecordID), string(e.Source), strings.Join(a.Labels, ";"),
				a.Confidence, a.Justification, a.BatchID, string(list),
			})
			for i, sg := range a.SpeciesGenes {
				sgRows = append(sgRows, []any{
					string(e.RecordID), i, sg.SpeciesName, sg.SpeciesID, sg.SpeciesClass, sg.GeneName, sg.GeneID,
				})
			}
		case e.Failure != nil:
			f := e.Failure
			failRows = append(failRows, []any{string(e.RecordID), string(f.Kind), f.Reason, f.BatchID})
		}
	}
	for _, id := range res.Unrecovered {
		lostRows = append(lostRows, []any{string(id)})
	}
	return annRows, sgRows, failRows, lostRows
}

func insertRows(ctx context.Context, tx *sql.Tx, table string, columns []string, rows [][]any) error {
	for start := 0; start < len(rows); start += rowsPerInsert {
		end := min(start+rowsPerInsert, len(rows))
		b := sq.Insert(table).Columns(columns...)
		for _, r := range rows[start:end] {
			b = b.Values(r...)
		}
		query, args, err := b.ToSql()
		if err != nil {
			return fmt.Errorf("aggregate: build insert %s: %w", table, err)
		}
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("aggregate: insert %s: %w", table, err)
		}
	}
	return nil
}

// CountRows 回傳 DuckDB 中 table 的列數
func CountRows(ctx context.Context, path, table string) (int, error) {
	db, err := sql.Open("duckdb", path)
	if err != nil {
		return 0, err
	}
	defer db.Close()

	query, args, err := sq.Select("count(*)").From(table).ToSql()
	if err != nil {
		return 0, err
	}
	var n int
	if err := db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("aggregate: count %s: %w", table, err)
	}
	return n, nil
}
