package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"surprisal/internal/diag"
	"surprisal/internal/pipeline"
	"surprisal/internal/scorecache"
	"surprisal/internal/throttle"
	"surprisal/pkg/registry"
)

// Validate 对最小必要边界做静态校验。
func Validate(cfg Config) error {
	if len(cfg.Inputs) == 0 {
		return errors.New("config: inputs empty")
	}
	// "-" 不能与其他输入混用
	for _, r := range cfg.Inputs {
		if r == "-" && len(cfg.Inputs) > 1 {
			return errors.New("config: '-' cannot be mixed with other inputs")
		}
	}
	if cfg.Concurrency < 1 {
		return errors.New("config: concurrency must be >= 1")
	}
	if cfg.BatchSize < 1 {
		return errors.New("config: batch_size must be >= 1")
	}
	if cfg.MaxRetries < 0 {
		return errors.New("config: max_retries must be >= 0")
	}
	if cfg.RetryBackoffMS < 0 || cfg.BytesPerToken < 0 {
		return errors.New("config: retry_backoff_ms and bytes_per_token must be >= 0")
	}
	switch cfg.Logging.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: unknown logging.level %q", cfg.Logging.Level)
	}
	prov, err := resolveProvider(cfg)
	if err != nil {
		return err
	}
	if prov.Limits.RPM < 0 || prov.Limits.TPM < 0 || prov.Limits.MaxTokensPerReq < 0 {
		return fmt.Errorf("config: provider %q limits must be >= 0", cfg.Scorer)
	}
	// 组件名若为空，使用默认名（由 Defaults() 提供）。此处只要最终有值即可。
	d := Defaults().Components
	if name := effName(cfg.Components.Reader, d.Reader); registry.Reader[name] == nil {
		return fmt.Errorf("config: reader %q not registered", name)
	}
	if name := effName(cfg.Components.Parser, d.Parser); registry.Parser[name] == nil {
		return fmt.Errorf("config: parser %q not registered", name)
	}
	if name := effName(cfg.Components.Assembler, d.Assembler); registry.Assembler[name] == nil {
		return fmt.Errorf("config: assembler %q not registered", name)
	}
	if name := effName(cfg.Components.Writer, d.Writer); registry.Writer[name] == nil {
		return fmt.Errorf("config: writer %q not registered", name)
	}
	if cfg.Cache.Store != "" && registry.Store[cfg.Cache.Store] == nil {
		return fmt.Errorf("config: cache store %q not registered", cfg.Cache.Store)
	}
	return nil
}

// resolveProvider 取 provider.<scorer>；未定义时若 scorer 本身是已注册实现名，则以默认选项使用之。
func resolveProvider(cfg Config) (Provider, error) {
	if cfg.Scorer == "" {
		return Provider{}, errors.New("config: scorer not set")
	}
	prov, ok := cfg.Provider[cfg.Scorer]
	if !ok {
		if registry.Scorer[cfg.Scorer] == nil {
			return Provider{}, fmt.Errorf("config: provider %q not found", cfg.Scorer)
		}
		prov = Provider{Client: cfg.Scorer}
	}
	if prov.Client == "" {
		return Provider{}, fmt.Errorf("config: provider %q missing client", cfg.Scorer)
	}
	if registry.Scorer[prov.Client] == nil {
		return Provider{}, fmt.Errorf("config: scorer client %q not registered", prov.Client)
	}
	return prov, nil
}

// Assemble 构造 Components 与 Settings（含限流 Gate+Key 与可选打分缓存）。
// 严格 Options 解析在 registry（工厂）层进行；此处只传 raw JSON。
// 返回的 cleanup 释放缓存连接等资源，总是非 nil。
func Assemble(cfg Config, logger *diag.Logger) (pipeline.Components, pipeline.Settings, func() error, error) {
	noop := func() error { return nil }
	fail := func(err error) (pipeline.Components, pipeline.Settings, func() error, error) {
		return pipeline.Components{}, pipeline.Settings{}, noop, err
	}
	if err := Validate(cfg); err != nil {
		return fail(err)
	}

	d := Defaults().Components
	build := func(kind, name string, opts map[string]any, mk func(json.RawMessage) error) error {
		raw, err := toRaw(opts)
		if err != nil {
			return fmt.Errorf("config: %s %q options: %w", kind, name, err)
		}
		if err := mk(raw); err != nil {
			return fmt.Errorf("config: %s %q: %w", kind, name, err)
		}
		return nil
	}

	var comp pipeline.Components
	rn := effName(cfg.Components.Reader, d.Reader)
	if err := build("reader", rn, cfg.Options.Reader, func(raw json.RawMessage) (err error) {
		comp.Reader, err = registry.Reader[rn](raw)
		return err
	}); err != nil {
		return fail(err)
	}
	pn := effName(cfg.Components.Parser, d.Parser)
	if err := build("parser", pn, cfg.Options.Parser, func(raw json.RawMessage) (err error) {
		comp.Parser, err = registry.Parser[pn](raw)
		return err
	}); err != nil {
		return fail(err)
	}
	an := effName(cfg.Components.Assembler, d.Assembler)
	if err := build("assembler", an, cfg.Options.Assembler, func(raw json.RawMessage) (err error) {
		comp.Assembler, err = registry.Assembler[an](raw)
		return err
	}); err != nil {
		return fail(err)
	}
	wn := effName(cfg.Components.Writer, d.Writer)
	if err := build("writer", wn, cfg.Options.Writer, func(raw json.RawMessage) (err error) {
		comp.Writer, err = registry.Writer[wn](raw)
		return err
	}); err != nil {
		return fail(err)
	}

	// Scorer
	prov, _ := resolveProvider(cfg)
	provRaw, err := toRaw(prov.Options)
	if err != nil {
		return fail(fmt.Errorf("config: provider %q options: %w", cfg.Scorer, err))
	}
	sc, err := registry.Scorer[prov.Client](provRaw)
	if err != nil {
		return fail(fmt.Errorf("config: scorer %q: %w", cfg.Scorer, err))
	}
	comp.Scorer = sc

	// 打分缓存（可选）：装饰 Scorer
	cleanup := noop
	if cfg.Cache.Store != "" {
		var store interface{ Close() error }
		if err := build("cache store", cfg.Cache.Store, cfg.Cache.Options, func(raw json.RawMessage) error {
			st, err := registry.Store[cfg.Cache.Store](raw)
			if err != nil {
				return err
			}
			store = st
			comp.Scorer = scorecache.New(sc, st, cfg.Cache.Namespace, logger)
			return nil
		}); err != nil {
			return fail(err)
		}
		cleanup = store.Close
	}

	// 限流 Gate（按 provider 限额构造；分组键从 options 中派生凭据）
	// 默认使用凭据派生分组键（更稳定）；若失败则退化为 scorer 名称。
	key, derr := throttle.DeriveKey(prov.Client, provRaw)
	if derr != nil {
		key = throttle.LimitKey(cfg.Scorer)
	}
	gate := throttle.NewGate(map[throttle.LimitKey]throttle.Limits{
		key: {RPM: prov.Limits.RPM, TPM: prov.Limits.TPM, MaxTokensPerReq: prov.Limits.MaxTokensPerReq},
	}, nil)

	set := pipeline.Settings{
		Inputs:        cloneStrings(cfg.Inputs),
		Concurrency:   cfg.Concurrency,
		BatchSize:     cfg.BatchSize,
		MaxRetries:    cfg.MaxRetries,
		RetryBackoff:  time.Duration(cfg.RetryBackoffMS) * time.Millisecond,
		BytesPerToken: cfg.BytesPerToken,
		Gate:          gate,
		GateKey:       key,
		ScorerName:    cfg.Scorer,
	}
	return comp, set, cleanup, nil
}

func toRaw(m map[string]any) (json.RawMessage, error) {
	if len(m) == 0 {
		return nil, nil
	}
	return json.Marshal(m)
}

func effName(got, def string) string {
	if got == "" {
		return def
	}
	return got
}

func cloneStrings(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}
