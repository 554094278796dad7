package config

// Config: 运行期只读配置（一次解析，运行期不变）。
// 键使用 snake_case；未知字段在解析期失败。组件 Options 子树原样交给注册表工厂严格解码。
type Config struct {
	Inputs []string `mapstructure:"inputs" json:"inputs"`
	// InputFileNames: inputs 的别名（兼容旧配置键 INPUT_FILE_NAMES）；inputs 非空时忽略。
	InputFileNames []string `mapstructure:"input_file_names" json:"input_file_names,omitempty"`
	Concurrency    int      `mapstructure:"concurrency" json:"concurrency"`
	// BatchSize: 单次打分调用的句数。
	BatchSize int `mapstructure:"batch_size" json:"batch_size"`
	// MaxRetries: 打分阶段最大重试次数（>=0）。0 表示不重试。
	MaxRetries     int     `mapstructure:"max_retries" json:"max_retries"`
	RetryBackoffMS int     `mapstructure:"retry_backoff_ms" json:"retry_backoff_ms"`
	BytesPerToken  int     `mapstructure:"bytes_per_token" json:"bytes_per_token"`
	Logging        Logging `mapstructure:"logging" json:"logging"`

	// 组件名选择（空则使用默认名）。
	Components Components `mapstructure:"components" json:"components"`

	// Scorer 选择与定义。
	Scorer   string              `mapstructure:"scorer" json:"scorer"`
	Provider map[string]Provider `mapstructure:"provider" json:"provider"`

	// 打分缓存（可选）。
	Cache Cache `mapstructure:"cache" json:"cache"`

	Options Options `mapstructure:"options" json:"options"`
}

// Logging: 日志等级与目录。
type Logging struct {
	Level string `mapstructure:"level" json:"level"`
	Dir   string `mapstructure:"dir" json:"dir"`
}

// Components: 组件名选择（注册表中的实现名）。
type Components struct {
	Reader    string `mapstructure:"reader" json:"reader"`
	Parser    string `mapstructure:"parser" json:"parser"`
	Assembler string `mapstructure:"assembler" json:"assembler"`
	Writer    string `mapstructure:"writer" json:"writer"`
}

// Options: 各组件的 Options 子树。
type Options struct {
	Reader    map[string]any `mapstructure:"reader" json:"reader"`
	Parser    map[string]any `mapstructure:"parser" json:"parser"`
	Assembler map[string]any `mapstructure:"assembler" json:"assembler"`
	Writer    map[string]any `mapstructure:"writer" json:"writer"`
}

// Provider: 命名 scorer 定义（client 实现 + options + 限额）。
type Provider struct {
	Client  string         `mapstructure:"client" json:"client"`
	Options map[string]any `mapstructure:"options" json:"options"`
	Limits  Limits         `mapstructure:"limits" json:"limits"`
}

// Limits: 限流配置（仅承载；执行位于 throttle.Gate）。
type Limits struct {
	RPM             int `mapstructure:"rpm" json:"rpm"`
	TPM             int `mapstructure:"tpm" json:"tpm"`
	MaxTokensPerReq int `mapstructure:"max_tokens_per_req" json:"max_tokens_per_req"`
}

// Cache: 打分缓存。Store 为空表示关闭。
type Cache struct {
	Store     string         `mapstructure:"store" json:"store"`
	Namespace string         `mapstructure:"namespace" json:"namespace"`
	Options   map[string]any `mapstructure:"options" json:"options"`
}
