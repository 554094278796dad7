package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix 为环境变量前缀：SURPRISAL_CONCURRENCY、SURPRISAL_LOGGING_LEVEL 等。
const EnvPrefix = "SURPRISAL"

// ConfigFileEnv 指定配置文件路径的环境变量。
const ConfigFileEnv = EnvPrefix + "_CONFIG_FILE"

// Defaults 返回带有安全默认值的 Config 雏形。
// 注意：Scorer 不设默认（必须由文件/ENV/CLI 提供）。
func Defaults() Config {
	return Config{
		Concurrency:    1,
		BatchSize:      16,
		MaxRetries:     0,
		RetryBackoffMS: 200,
		BytesPerToken:  4,
		Logging:        Logging{Level: "info", Dir: "logs"},
		Components: Components{
			Reader:    "fs",
			Parser:    "csv",
			Assembler: "csvcolumn",
			Writer:    "fs",
		},
	}
}

// flagKeys: CLI 标志名 → 配置键。
var flagKeys = map[string]string{
	"scorer":      "scorer",
	"concurrency": "concurrency",
	"batch-size":  "batch_size",
	"max-retries": "max_retries",
	"log-level":   "logging.level",
}

// Load 按优先级合并：默认值 → 配置文件 → 环境变量（SURPRISAL_*）→ CLI 标志。
// path 为空时依次尝试 $SURPRISAL_CONFIG_FILE 与 ./config.{json,yaml,yml}；均不存在不算错误。
// fs 可为 nil；仅显式设置过的标志参与覆盖。
func Load(path string, fs *pflag.FlagSet) (Config, error) {
	v := viper.New()
	setDefaults(v, Defaults())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path == "" {
		path = strings.TrimSpace(os.Getenv(ConfigFileEnv))
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var nf viper.ConfigFileNotFoundError
			if !errors.As(err, &nf) {
				return Config{}, fmt.Errorf("config: read: %w", err)
			}
		}
	}

	if fs != nil {
		for name, key := range flagKeys {
			if f := fs.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return Config{}, fmt.Errorf("config: bind flag %s: %w", name, err)
				}
			}
		}
	}

	var cfg Config
	if err := v.UnmarshalExact(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: decode: %w", err)
	}
	return normalize(cfg), nil
}

// setDefaults 登记标量默认值；登记过的键才会被 AutomaticEnv 覆盖。
func setDefaults(v *viper.Viper, d Config) {
	v.SetDefault("inputs", []string{})
	v.SetDefault("input_file_names", []string{})
	v.SetDefault("concurrency", d.Concurrency)
	v.SetDefault("batch_size", d.BatchSize)
	v.SetDefault("max_retries", d.MaxRetries)
	v.SetDefault("retry_backoff_ms", d.RetryBackoffMS)
	v.SetDefault("bytes_per_token", d.BytesPerToken)
	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.dir", d.Logging.Dir)
	v.SetDefault("scorer", d.Scorer)
	v.SetDefault("components.reader", d.Components.Reader)
	v.SetDefault("components.parser", d.Components.Parser)
	v.SetDefault("components.assembler", d.Components.Assembler)
	v.SetDefault("components.writer", d.Components.Writer)
	v.SetDefault("cache.store", "")
	v.SetDefault("cache.namespace", "")
}

// normalize 处理别名与空白。
func normalize(cfg Config) Config {
	cfg.Inputs = cleanList(cfg.Inputs)
	if len(cfg.Inputs) == 0 {
		cfg.Inputs = cleanList(cfg.InputFileNames)
	}
	cfg.InputFileNames = nil
	cfg.Scorer = strings.TrimSpace(cfg.Scorer)
	cfg.Logging.Level = strings.ToLower(strings.TrimSpace(cfg.Logging.Level))
	cfg.Cache.Store = strings.TrimSpace(cfg.Cache.Store)
	return cfg
}

// cleanList 去除首尾空白；"a, b" 形式的单元素（来自 ENV）按逗号拆分。
func cleanList(in []string) []string {
	var out []string
	for _, s := range in {
		for _, p := range strings.Split(s, ",") {
			if t := strings.TrimSpace(p); t != "" {
				out = append(out, t)
			}
		}
	}
	return out
}
