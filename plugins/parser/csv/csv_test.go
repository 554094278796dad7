package csv

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"surprisal/pkg/contract"
)

func TestParse_Defaults(t *testing.T) {
	p, err := New(nil)
	require.NoError(t, err)
	in := "\ufeffPassage,WordWithPunctuation,Extra\n1,Hi,x\n1, there. ,y\n2,Bye,z\n"
	tbl, err := p.Parse(context.Background(), "f", strings.NewReader(in))
	require.NoError(t, err)
	assert.Equal(t, []string{"Passage", "WordWithPunctuation", "Extra"}, tbl.Header)
	require.Len(t, tbl.Rows, 3)
	require.Len(t, tbl.Words, 3)
	assert.Equal(t, contract.WordRecord{Index: 1, FileID: "f", SentenceID: "1", Text: "there."}, tbl.Words[1])
	// 原始单元格保持不变
	assert.Equal(t, " there. ", tbl.Rows[1][1])
	assert.Equal(t, contract.Index(2), tbl.Words[2].Index)
}

func TestParse_CustomColumnsAndComma(t *testing.T) {
	p, err := New(&Options{SentenceColumn: "sid", WordColumn: "w", Comma: ";"})
	require.NoError(t, err)
	tbl, err := p.Parse(context.Background(), "f", strings.NewReader("w;sid\nA;s1\n\"b,c\";s1\n"))
	require.NoError(t, err)
	assert.Equal(t, "b,c", tbl.Words[1].Text)
	assert.Equal(t, "s1", tbl.Words[1].SentenceID)
}

func TestParse_HeaderOnly(t *testing.T) {
	p, _ := New(nil)
	tbl, err := p.Parse(context.Background(), "f", strings.NewReader("Passage,WordWithPunctuation\n"))
	require.NoError(t, err)
	assert.Empty(t, tbl.Rows)
	assert.Len(t, tbl.Header, 2)
}

func TestParse_Malformed(t *testing.T) {
	cases := []struct {
		name string
		in   string
		msg  string
	}{
		{"空文件", "", "empty file"},
		{"缺列", "Passage,Word\n1,a\n", "missing column(s) WordWithPunctuation"},
		{"缺两列", "a,b\n", "Passage, WordWithPunctuation"},
		{"空分组键", "Passage,WordWithPunctuation\n1,a\n ,b\n", "line 3: empty Passage"},
		{"空词", "Passage,WordWithPunctuation\n1,\n", "line 2: empty WordWithPunctuation"},
		{"词含空格", "Passage,WordWithPunctuation\n1,a b\n", "contains whitespace"},
		{"列数不一致", "Passage,WordWithPunctuation\n1,a,extra\n", "wrong number of fields"},
	}
	p, _ := New(nil)
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			_, err := p.Parse(context.Background(), "f", strings.NewReader(c.in))
			require.Error(t, err)
			assert.True(t, errors.Is(err, contract.ErrMalformedInput), "%v", err)
			assert.Contains(t, err.Error(), c.msg)
		})
	}
}

func TestNew_InvalidComma(t *testing.T) {
	_, err := New(&Options{Comma: ";;"})
	assert.Error(t, err)
}
