package throttle

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"os"
)

// DeriveKey 从 scorer 标识与其原样 Options JSON 中提取凭据，返回 scorer+sha256(凭据) 形式的分组键。
// 解析键名："api_key"、"api_key_env"；无 key 的自建服务（vLLM、llama.cpp）退回 "base_url"。
// mock/flaky 使用固定调试键。
func DeriveKey(scorer string, raw json.RawMessage) (LimitKey, error) {
	var obj map[string]any
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &obj); err != nil {
			return "", fmt.Errorf("throttle: decode options for scorer %s: %w", scorer, err)
		}
	}
	pick := func(key string) string {
		if s, ok := obj[key].(string); ok {
			return s
		}
		return ""
	}

	key := ""
	switch scorer {
	case "mock", "flaky":
		key = "MOCK_DEBUG_KEY"
	default:
		key = pick("api_key")
		if key == "" {
			if env := pick("api_key_env"); env != "" {
				key = os.Getenv(env)
			}
		}
		if key == "" {
			key = pick("base_url")
		}
	}
	if key == "" {
		return "", fmt.Errorf("throttle: missing api key or base_url for scorer %s", scorer)
	}
	sum := sha256.Sum256([]byte(key))
	return LimitKey(fmt.Sprintf("%s:%x", scorer, sum[:])), nil
}
