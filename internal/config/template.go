package config

// DefaultTemplateConfig 返回一个“可运行”的默认配置模板：
// - 使用 mock scorer 与合理限额（本地/离线调试友好）；
// - 默认输入为 STDIN（"-"），Writer 输出到 ./output_files；
// - 同时给出 openai 兼容服务（vLLM / llama.cpp）与 flaky 的完整选项键；
// - 缓存默认关闭，选项给出 sqlite 的本地路径。
func DefaultTemplateConfig() Config {
	d := Defaults()
	cfg := Config{
		Inputs:         []string{"-"},
		Concurrency:    d.Concurrency,
		BatchSize:      d.BatchSize,
		MaxRetries:     2,
		RetryBackoffMS: d.RetryBackoffMS,
		BytesPerToken:  d.BytesPerToken,
		Logging:        d.Logging,
		Components:     d.Components,
		Scorer:         "mock",
		Provider: map[string]Provider{
			"mock": {
				Client: "mock",
				Options: map[string]any{
					"piece_size":    3,
					"marker":        "<|endoftext|>",
					"marker_repeat": 2,
					"api_key":       "",
				},
				Limits: Limits{RPM: 600, TPM: 100000, MaxTokensPerReq: 4096},
			},
			"openai": {
				Client: "openai",
				Options: map[string]any{
					"base_url":             "http://localhost:8000/v1",
					"model":                "gpt2",
					"api_key_env":          "OPENAI_API_KEY",
					"api_key":              "",
					"timeout_seconds":      60,
					"batch_size":           16,
					"max_tokens":           0,
					"marker":               "<|endoftext|>",
					"marker_repeat":        2,
					"special_tokens":       []string{"<|endoftext|>"},
					"space_markers":        []string{"Ġ", "▁"},
					"endpoint_path":        "",
					"disable_default_auth": false,
					"extra_headers":        map[string]string{},
				},
			},
			"flaky": {
				Client:  "flaky",
				Options: map[string]any{"log_path": ""},
			},
		},
		Cache: Cache{
			Store:   "",
			Options: map[string]any{"path": "cache/scores.db", "busy_timeout_ms": 10000},
		},
	}
	// Options：包含所有键（值可为空/默认），确保键存在。
	cfg.Options.Reader = map[string]any{
		"input_dir": "input_files",
		"buf_size":  65536,
	}
	cfg.Options.Parser = map[string]any{
		"sentence_column": "Passage",
		"word_column":     "WordWithPunctuation",
		"comma":           ",",
	}
	cfg.Options.Assembler = map[string]any{
		"column":    "surprisal",
		"precision": -1,
		"comma":     ",",
		"crlf":      false,
	}
	cfg.Options.Writer = map[string]any{
		"output_dir": "output_files",
		"atomic":     true,
		"flat":       false,
		"buf_size":   65536,
	}
	return cfg
}
