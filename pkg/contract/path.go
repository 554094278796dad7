package contract

import (
	"path"
	"strings"
)

// NormalizeFileID 将逻辑输入名规范化为跨平台稳定的 FileID。
// 规则：
// - 反斜杠统一为正斜杠；
// - 清理多余分隔符与路径片段（.、..）；
// - 去掉末尾的 ".csv"（大小写不敏感），配置中写 "a" 与 "a.csv" 等价。
func NormalizeFileID(name string) FileID {
	s := path.Clean(strings.ReplaceAll(strings.TrimSpace(name), "\\", "/"))
	if ext := path.Ext(s); strings.EqualFold(ext, ".csv") {
		s = strings.TrimSuffix(s, ext)
	}
	return FileID(s)
}

// ArtifactFor 返回输入对应的输出工件标识：<name><suffix>.csv。
func ArtifactFor(id FileID, suffix string) ArtifactID {
	return ArtifactID(string(id) + suffix + ".csv")
}
