package registry

import (
	"bytes"
	"context"
	"encoding/json"

	"surprisal/pkg/contract"
	acsv "surprisal/plugins/assembler/csvcolumn"
	pcsv "surprisal/plugins/parser/csv"
	rfs "surprisal/plugins/reader/filesystem"
	flaky "surprisal/plugins/scorer/flaky"
	mock "surprisal/plugins/scorer/mock"
	oai "surprisal/plugins/scorer/openai"
	sredis "surprisal/plugins/store/redis"
	ssqlite "surprisal/plugins/store/sqlite"
	wfs "surprisal/plugins/writer/filesystem"
	ws3 "surprisal/plugins/writer/s3"
)

// strictUnmarshal: 使用 DisallowUnknownFields 严格解码，拒绝未知字段。
func strictUnmarshal(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		// 保持零值（默认选项）
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// NewReader 工厂签名：接收原样 JSON Options。
type NewReader func(raw json.RawMessage) (contract.Reader, error)

// NewParser 工厂签名：接收原样 JSON Options。
type NewParser func(raw json.RawMessage) (contract.TableParser, error)

// NewScorer 工厂签名：接收原样 JSON Options。
type NewScorer func(raw json.RawMessage) (contract.Scorer, error)

// NewStore 工厂签名：接收原样 JSON Options。
type NewStore func(raw json.RawMessage) (contract.ScoreStore, error)

// NewAssembler 工厂签名：接收原样 JSON Options。
type NewAssembler func(raw json.RawMessage) (contract.Assembler, error)

// NewWriter 工厂签名：接收原样 JSON Options。
type NewWriter func(raw json.RawMessage) (contract.Writer, error)

// Reader 工厂注册表（显式、零反射）。
var Reader = map[string]NewReader{
	// fs: 按逻辑名读取 <input_dir>/<name>.csv
	"fs": func(raw json.RawMessage) (contract.Reader, error) {
		var opts rfs.Options
		if err := strictUnmarshal(raw, &opts); err != nil {
			return nil, err
		}
		return rfs.New(&opts), nil
	},
}

// Parser 工厂注册表。
var Parser = map[string]NewParser{
	// csv: 表头 + 分组键列 + 词列
	"csv": func(raw json.RawMessage) (contract.TableParser, error) {
		var opts pcsv.Options
		if err := strictUnmarshal(raw, &opts); err != nil {
			return nil, err
		}
		return pcsv.New(&opts)
	},
}

// Scorer 工厂注册表。插件自行补默认值，这里只做未知字段校验。
var Scorer = map[string]NewScorer{
	"openai": func(raw json.RawMessage) (contract.Scorer, error) {
		if err := strictUnmarshal(raw, &oai.Options{}); err != nil {
			return nil, err
		}
		return oai.New(raw)
	},
	"mock": func(raw json.RawMessage) (contract.Scorer, error) {
		if err := strictUnmarshal(raw, &mock.Options{}); err != nil {
			return nil, err
		}
		return mock.New(raw)
	},
	"flaky": func(raw json.RawMessage) (contract.Scorer, error) {
		if err := strictUnmarshal(raw, &flaky.Options{}); err != nil {
			return nil, err
		}
		return flaky.New(raw)
	},
}

// Store 工厂注册表（打分缓存）。
var Store = map[string]NewStore{
	"redis": func(raw json.RawMessage) (contract.ScoreStore, error) {
		var opts sredis.Options
		if err := strictUnmarshal(raw, &opts); err != nil {
			return nil, err
		}
		return sredis.New(&opts)
	},
	"sqlite": func(raw json.RawMessage) (contract.ScoreStore, error) {
		var opts ssqlite.Options
		if err := strictUnmarshal(raw, &opts); err != nil {
			return nil, err
		}
		return ssqlite.Open(context.Background(), &opts)
	},
}

// Assembler 工厂注册表。
var Assembler = map[string]NewAssembler{
	// csvcolumn: 追加/覆盖 surprisal 列
	"csvcolumn": func(raw json.RawMessage) (contract.Assembler, error) {
		if err := strictUnmarshal(raw, &acsv.Options{}); err != nil {
			return nil, err
		}
		return acsv.New(raw)
	},
}

// Writer 工厂注册表。
var Writer = map[string]NewWriter{
	// fs: 文件系统 Writer（覆盖写/原子替换可配置）
	"fs": func(raw json.RawMessage) (contract.Writer, error) {
		var opts wfs.Options
		if err := strictUnmarshal(raw, &opts); err != nil {
			return nil, err
		}
		return wfs.New(&opts)
	},
	// s3: S3 兼容对象存储
	"s3": func(raw json.RawMessage) (contract.Writer, error) {
		var opts ws3.Options
		if err := strictUnmarshal(raw, &opts); err != nil {
			return nil, err
		}
		return ws3.New(context.Background(), &opts)
	},
}
