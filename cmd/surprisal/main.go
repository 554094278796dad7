package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/spf13/pflag"

	cfgpkg "surprisal/internal/config"
	"surprisal/internal/diag"
	"surprisal/internal/pipeline"
)

var pipelineRun = pipeline.Run

// 退出码：0 成功；1 运行期失败（任一文件）；3 配置/装配失败。
const (
	exitOK     = 0
	exitRun    = 1
	exitConfig = 3
)

// 简化的 CLI：位置参数为输入逻辑名（覆盖配置 inputs；"-" 表示 STDIN，不能与其他输入混用）。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func newFlagSet() *pflag.FlagSet {
	fs := pflag.NewFlagSet("surprisal", pflag.ContinueOnError)
	fs.String("config", "", "配置文件路径（JSON/YAML）；缺省读取 $SURPRISAL_CONFIG_FILE 或 ./config.{json,yaml}（若存在）")
	fs.String("scorer", "", "scorer/provider 名称（覆盖配置）")
	fs.Int("concurrency", 0, "文件级并发度（覆盖配置）")
	fs.Int("batch-size", 0, "单次打分调用的句数（覆盖配置）")
	fs.Int("max-retries", 0, "打分阶段最大重试次数（覆盖配置；0 表示不重试）")
	fs.String("log-level", "", "日志等级 debug|info|warn|error（覆盖配置）")
	fs.String("init-config", "", "在指定目录生成默认配置 config.json 和 .env 模板（已存在则跳过）；不带值时为当前目录")
	fs.Lookup("init-config").NoOptDefVal = "."
	fs.Bool("status", true, "终端状态提示（stderr）。TTY 动态刷新；非 TTY 打点输出")
	return fs
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	start := time.Now()
	corrID := uuid.NewString()
	// 在任何 ENV 读取前，尝试加载工作目录下的 .env（不覆盖已有 ENV）。
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fprintf(stderr, "提示：.env 解析失败（已跳过）：%v\n", err)
	}

	fs := newFlagSet()
	fs.SetOutput(stderr)
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return exitOK
		}
		return exitConfig
	}

	// --init-config: 生成模板并退出
	if initDir, _ := fs.GetString("init-config"); strings.TrimSpace(initDir) != "" {
		if err := initConfig(strings.TrimSpace(initDir), stdout); err != nil {
			fprintf(stderr, "生成默认配置失败: %v\n", err)
			return exitConfig
		}
		return exitOK
	}

	// 先以默认等级记录配置阶段错误，稍后按最终配置重建
	logger := diag.NewLogger(corrID, "info")
	configFail := func(prefix string, err error) int {
		fprintf(stderr, "%s: %v\n", prefix, err)
		logger.Error("config", string(diag.Classify(err)), prefix, &start)
		_ = logger.Close()
		return exitConfig
	}

	path, _ := fs.GetString("config")
	cfg, err := cfgpkg.Load(path, fs)
	if err != nil {
		return configFail("配置解析失败", err)
	}
	if rest := fs.Args(); len(rest) > 0 {
		cfg.Inputs = rest
	}
	if err := cfgpkg.Validate(cfg); err != nil {
		// 提示打印有效配置，便于诊断
		_ = dumpConfig(stderr, cfg)
		return configFail("配置校验失败", err)
	}

	// 使用最终配置中的日志级别与目录重建 logger
	_ = logger.Close()
	logger = diag.NewLoggerWith(corrID, cfg.Logging.Level, diag.Options{Dir: cfg.Logging.Dir})
	defer logger.Close()

	// 预检：若使用文件系统 Writer，检查输出目录的可写性
	if err := preflightCheckOutputDir(cfg); err != nil {
		return configFail("输出目录不可写或无法创建", err)
	}

	comp, set, cleanup, err := cfgpkg.Assemble(cfg, logger)
	if err != nil {
		return configFail("装配失败", err)
	}
	defer func() {
		if cerr := cleanup(); cerr != nil {
			logger.Warn("cache", string(diag.Classify(cerr)), "close failed", map[string]string{"err": cerr.Error()})
		}
	}()

	// 终端信息提示（非日志）：按 CLI 启用，默认开启
	status, _ := fs.GetBool("status")
	diag.SetTerminal(diag.NewTerminal(stderr, status))
	defer diag.SetTerminal(nil)

	logger.DebugStart("config", "effective", "", "", effectiveKV(cfg))

	t := logger.Start("pipeline", "run")
	runErr := pipelineRun(ctx, comp, set, logger)
	logger.InfoKV("metrics", "snapshot", diag.SnapshotKV())
	if runErr != nil {
		code := string(diag.Classify(runErr))
		logger.Error("pipeline", code, "run failed", &start)
		diag.IncOp("pipeline", "error", "error")
		if code != string(diag.CodeUnknown) {
			diag.IncError("pipeline", code)
		}
		if !errors.Is(runErr, context.Canceled) {
			fprintf(stderr, "运行失败: %v\n", runErr)
		}
		return exitRun
	}
	t.Finish("run", int64(len(set.Inputs)))
	diag.IncOp("pipeline", "finish", "success")
	return exitOK
}

// effectiveKV: 运行时配置摘要（不含密钥）。
func effectiveKV(cfg cfgpkg.Config) map[string]string {
	kv := map[string]string{
		"inputs_count": strconv.Itoa(len(cfg.Inputs)),
		"concurrency":  strconv.Itoa(cfg.Concurrency),
		"batch_size":   strconv.Itoa(cfg.BatchSize),
		"max_retries":  strconv.Itoa(cfg.MaxRetries),
		"scorer":       cfg.Scorer,
		"reader":       cfg.Components.Reader,
		"parser":       cfg.Components.Parser,
		"assembler":    cfg.Components.Assembler,
		"writer":       cfg.Components.Writer,
		"cache":        cfg.Cache.Store,
	}
	if p, ok := cfg.Provider[cfg.Scorer]; ok {
		kv["provider_client"] = p.Client
		for _, k := range []string{"base_url", "model", "endpoint_path"} {
			if s, ok := p.Options[k].(string); ok && s != "" {
				kv[k] = s
			}
		}
	}
	return kv
}

func fprintf(w io.Writer, format string, a ...any) { _, _ = fmt.Fprintf(w, format, a...) }

func dumpConfig(w io.Writer, c cfgpkg.Config) error {
	b, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	fprintf(w, "有效配置:\n%s\n", b)
	return nil
}

// initConfig 在 dir 下生成 config.json 与 .env 模板；dir 为 "-" 时把配置打印到 stdout。
func initConfig(dir string, stdout io.Writer) error {
	cfg := cfgpkg.DefaultTemplateConfig()
	if dir == "-" {
		return writeConfig(stdout, cfg)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	// 不覆盖已存在文件
	f, err := os.OpenFile(filepath.Join(dir, "config.json"), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil && !os.IsExist(err) {
		return err
	}
	if err == nil {
		werr := writeConfig(f, cfg)
		if cerr := f.Close(); werr == nil {
			werr = cerr
		}
		if werr != nil {
			return werr
		}
	}
	return writeDotEnv(filepath.Join(dir, ".env"))
}

func writeConfig(w io.Writer, c cfgpkg.Config) error {
	b, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	_, err = w.Write(append(b, '\n'))
	return err
}

// writeDotEnv 生成 .env 模板（若文件已存在则跳过）。
func writeDotEnv(path string) error {
	env := map[string]string{
		cfgpkg.ConfigFileEnv:      "",
		"SURPRISAL_INPUTS":        "",
		"SURPRISAL_SCORER":        "",
		"SURPRISAL_CONCURRENCY":   "",
		"SURPRISAL_BATCH_SIZE":    "",
		"SURPRISAL_MAX_RETRIES":   "",
		"SURPRISAL_LOGGING_LEVEL": "",
		"SURPRISAL_CACHE_STORE":   "",
		"OPENAI_API_KEY":          "",
	}
	body, err := godotenv.Marshal(env)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()
	header := "# surprisal .env 模板（由 --init-config 生成）\n# 优先级：CLI > ENV(.env) > 配置文件；空值表示未设置。\n"
	_, err = f.WriteString(header + body + "\n")
	return err
}

// preflightCheckOutputDir: 当 Writer 使用文件系统实现(fs)时，启动前检查输出目录可写性。
// - 若目录已存在：尝试创建并删除临时文件；失败则判为不可写。
// - 若目录不存在：检查父目录是否可写（尝试在父目录创建并删除临时目录）。
func preflightCheckOutputDir(cfg cfgpkg.Config) error {
	writerName := strings.TrimSpace(cfg.Components.Writer)
	if writerName == "" {
		writerName = cfgpkg.Defaults().Components.Writer
	}
	if writerName != "fs" {
		return nil
	}
	dir, _ := cfg.Options.Writer["output_dir"].(string)
	dir = strings.TrimSpace(dir)
	if dir == "" {
		dir = "output_files"
	}
	st, err := os.Stat(dir)
	switch {
	case err == nil && st.IsDir():
		f, err := os.CreateTemp(dir, ".wcheck-*")
		if err != nil {
			return err
		}
		name := f.Name()
		_ = f.Close()
		_ = os.Remove(name)
		return nil
	case err == nil:
		return fmt.Errorf("路径存在但不是目录: %s", dir)
	case !os.IsNotExist(err):
		return err
	}
	// 目录不存在：向上找到第一个存在的祖先并检查可写性
	parent := filepath.Dir(dir)
	for {
		pst, err := os.Stat(parent)
		if err == nil {
			if !pst.IsDir() {
				return fmt.Errorf("父路径不是目录: %s", parent)
			}
			break
		}
		if !os.IsNotExist(err) {
			return err
		}
		next := filepath.Dir(parent)
		if next == parent {
			return fmt.Errorf("无法确定父目录: %s", dir)
		}
		parent = next
	}
	tmpd, err := os.MkdirTemp(parent, ".wcheck-*")
	if err != nil {
		return err
	}
	_ = os.RemoveAll(tmpd)
	return nil
}
