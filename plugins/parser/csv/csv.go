// Package csv 将输入 CSV 解析为 Table：保留表头与原始单元格，并按配置列提取 WordRecord。
package csv

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"
	"unicode"

	"surprisal/pkg/contract"
)

// Options 解析配置。
type Options struct {
	// SentenceColumn: 句子分组键列名，默认 "Passage"。
	SentenceColumn string `json:"sentence_column"`
	// WordColumn: 词面列名，默认 "WordWithPunctuation"。
	WordColumn string `json:"word_column"`
	// Comma: 分隔符（单字符），默认 ","。
	Comma string `json:"comma"`
}

type Parser struct {
	sentCol string
	wordCol string
	comma   rune
}

// New 创建解析器；Comma 非单字符时报错。
func New(opts *Options) (*Parser, error) {
	p := &Parser{sentCol: "Passage", wordCol: "WordWithPunctuation", comma: ','}
	if opts == nil {
		return p, nil
	}
	if s := strings.TrimSpace(opts.SentenceColumn); s != "" {
		p.sentCol = s
	}
	if s := strings.TrimSpace(opts.WordColumn); s != "" {
		p.wordCol = s
	}
	if opts.Comma != "" {
		rs := []rune(opts.Comma)
		if len(rs) != 1 || rs[0] == '"' || rs[0] == '\n' || rs[0] == '\r' {
			return nil, fmt.Errorf("csv: invalid comma %q", opts.Comma)
		}
		p.comma = rs[0]
	}
	return p, nil
}

var _ contract.TableParser = (*Parser)(nil)

// Parse 读取全部行。
// - 首行为表头（去除 UTF-8 BOM 与列名首尾空白后匹配列名）；
// - 词面去首尾空白；空词或词内含空白 → ErrMalformedInput（否则句子切分后无法一一对应）；
// - 分组键为空 → ErrMalformedInput。
func (p *Parser) Parse(ctx context.Context, fileID contract.FileID, r io.Reader) (contract.Table, error) {
	tbl := contract.Table{FileID: fileID}
	cr := csv.NewReader(r)
	cr.Comma = p.comma
	cr.FieldsPerRecord = 0
	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return tbl, fmt.Errorf("%w: %s: empty file (no header)", contract.ErrMalformedInput, fileID)
	}
	if err != nil {
		return tbl, fmt.Errorf("%w: %s: %v", contract.ErrMalformedInput, fileID, err)
	}
	if len(header) > 0 {
		header[0] = strings.TrimPrefix(header[0], "\ufeff")
	}
	si, wi := -1, -1
	for i, h := range header {
		switch strings.TrimSpace(h) {
		case p.sentCol:
			if si < 0 {
				si = i
			}
		case p.wordCol:
			if wi < 0 {
				wi = i
			}
		}
	}
	var missing []string
	if si < 0 {
		missing = append(missing, p.sentCol)
	}
	if wi < 0 {
		missing = append(missing, p.wordCol)
	}
	if len(missing) > 0 {
		return tbl, fmt.Errorf("%w: %s: missing column(s) %s", contract.ErrMalformedInput, fileID, strings.Join(missing, ", "))
	}
	tbl.Header = header

	for row := 0; ; row++ {
		if row%1024 == 0 {
			select {
			case <-ctx.Done():
				return tbl, ctx.Err()
			default:
			}
		}
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return tbl, fmt.Errorf("%w: %s: %v", contract.ErrMalformedInput, fileID, err)
		}
		// 行号按文件计（表头为第 1 行）
		line := row + 2
		sid := strings.TrimSpace(rec[si])
		if sid == "" {
			return tbl, fmt.Errorf("%w: %s: line %d: empty %s", contract.ErrMalformedInput, fileID, line, p.sentCol)
		}
		word := strings.TrimSpace(rec[wi])
		if word == "" {
			return tbl, fmt.Errorf("%w: %s: line %d: empty %s", contract.ErrMalformedInput, fileID, line, p.wordCol)
		}
		if strings.IndexFunc(word, unicode.IsSpace) >= 0 {
			return tbl, fmt.Errorf("%w: %s: line %d: %s %q contains whitespace", contract.ErrMalformedInput, fileID, line, p.wordCol, word)
		}
		tbl.Rows = append(tbl.Rows, rec)
		tbl.Words = append(tbl.Words, contract.WordRecord{
			Index:      contract.Index(row),
			FileID:     fileID,
			SentenceID: sid,
			Text:       word,
		})
	}
	return tbl, nil
}
