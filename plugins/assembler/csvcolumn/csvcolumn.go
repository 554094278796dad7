// Package csvcolumn 将 surprisal 作为新列附加到原表并编码为 CSV。
package csvcolumn

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"

	"surprisal/pkg/contract"
)

// Options 装配配置。
type Options struct {
	// Column: 新列名，默认 "surprisal"；表头已有同名列时覆盖该列。
	Column string `json:"column"`
	// Precision: strconv.FormatFloat 的精度，默认 -1（最短可还原表示）。
	Precision *int `json:"precision,omitempty"`
	// Comma: 输出分隔符，默认 ","。
	Comma string `json:"comma"`
	// CRLF: 使用 \r\n 作为行尾。
	CRLF bool `json:"crlf"`
}

type assembler struct {
	column string
	prec   int
	comma  rune
	crlf   bool
}

// New 从原样 JSON Options 创建装配器。
func New(raw json.RawMessage) (contract.Assembler, error) {
	var o Options
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &o); err != nil {
			return nil, err
		}
	}
	a := &assembler{column: "surprisal", prec: -1, comma: ',', crlf: o.CRLF}
	if s := strings.TrimSpace(o.Column); s != "" {
		a.column = s
	}
	if o.Precision != nil {
		if *o.Precision < -1 {
			return nil, fmt.Errorf("csvcolumn: invalid precision %d", *o.Precision)
		}
		a.prec = *o.Precision
	}
	if o.Comma != "" {
		rs := []rune(o.Comma)
		if len(rs) != 1 {
			return nil, fmt.Errorf("csvcolumn: invalid comma %q", o.Comma)
		}
		a.comma = rs[0]
	}
	return a, nil
}

// Assemble 按行位置附加 surprisal；数量不一致时返回 ErrLengthMismatch，不产出任何字节。
func (a *assembler) Assemble(ctx context.Context, tbl contract.Table, vals contract.Surprisal) (io.Reader, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	if len(vals) != len(tbl.Rows) {
		return nil, fmt.Errorf("%w: %s: %d surprisal values for %d rows", contract.ErrLengthMismatch, tbl.FileID, len(vals), len(tbl.Rows))
	}
	col := -1
	for i, h := range tbl.Header {
		if strings.TrimSpace(h) == a.column {
			col = i
			break
		}
	}
	header := tbl.Header
	if col < 0 {
		header = appendCell(tbl.Header, a.column)
	}

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	w.Comma = a.comma
	w.UseCRLF = a.crlf
	if err := w.Write(header); err != nil {
		return nil, err
	}
	for i, row := range tbl.Rows {
		v := strconv.FormatFloat(vals[i], 'g', a.prec, 64)
		var out []string
		if col < 0 {
			out = appendCell(row, v)
		} else {
			out = append([]string(nil), row...)
			out[col] = v
		}
		if err := w.Write(out); err != nil {
			return nil, err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}
	return &buf, nil
}

// appendCell 复制后追加，避免改写调用方持有的行切片。
func appendCell(row []string, v string) []string {
	out := make([]string, len(row), len(row)+1)
	copy(out, row)
	return append(out, v)
}
