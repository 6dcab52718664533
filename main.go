package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/hath-node/hath-node/internal/config"
	"github.com/hath-node/hath-node/internal/logging"
	"github.com/hath-node/hath-node/internal/version"
)

// cliOptions 汇总 CLI 标志解析后的结果，便于在测试中注入。
type cliOptions struct {
	configPath    string
	checkOnly     bool
	showVersion   bool
	validateCache bool
}

var (
	stdOut io.Writer = os.Stdout
	stdErr io.Writer = os.Stderr
)

func main() {
	opts, err := parseCLIFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintln(stdErr, err.Error())
		os.Exit(2)
	}
	os.Exit(run(opts))
}

// run 根据解析到的 CLI 选项执行业务流程，并返回退出码，方便测试。
func run(opts cliOptions) int {
	if opts.showVersion {
		printVersion()
		return 0
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		fmt.Fprintf(stdErr, "加载配置失败: %v\n", err)
		return 1
	}

	logger, err := logging.InitLogger(cfg.Global, cfg.Client)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化日志失败: %v\n", err)
		return 1
	}

	if opts.checkOnly {
		fields := logging.BaseFields("check_config", opts.configPath)
		fields["client_id"] = cfg.Client.ID
		fields["proxy_mode"] = cfg.Download.ProxyMode()
		fields["result"] = "ok"
		logger.WithFields(fields).Info("config_valid")
		return 0
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if opts.validateCache {
		report, err := validateCache(ctx, cfg, logger)
		if err != nil {
			fmt.Fprintf(stdErr, "缓存校验失败: %v\n", err)
			return 1
		}
		enc := json.NewEncoder(stdOut)
		enc.SetIndent("", "  ")
		_ = enc.Encode(report)
		if report.Bad > 0 {
			return 1
		}
		return 0
	}

	fields := logging.BaseFields("startup", opts.configPath)
	fields["client_id"] = cfg.Client.ID
	fields["listen_port"] = cfg.Global.ListenPort
	fields["proxy_mode"] = cfg.Download.ProxyMode()
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("config_loaded")

	n, err := newNode(cfg, logger)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化节点失败: %v\n", err)
		return 1
	}
	if err := n.run(ctx); err != nil {
		fmt.Fprintf(stdErr, "节点运行失败: %v\n", err)
		return 1
	}
	return 0
}

// parseCLIFlags 解析 CLI 参数，并结合环境变量计算最终的配置路径。
func parseCLIFlags(args []string) (cliOptions, error) {
	fs := flag.NewFlagSet("hath-node", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var (
		configFlag    string
		checkOnly     bool
		showVer       bool
		validateCache bool
	)

	fs.StringVar(&configFlag, "config", "", "配置文件路径（默认 ./config.toml，可被 HATH_NODE_CONFIG 覆盖）")
	fs.BoolVar(&checkOnly, "check-config", false, "仅校验配置后退出")
	fs.BoolVar(&showVer, "version", false, "显示版本信息")
	fs.BoolVar(&validateCache, "validate-cache", false, "校验缓存目录中全部文件的哈希后退出")

	if err := fs.Parse(args); err != nil {
		return cliOptions{}, fmt.Errorf("解析参数失败: %w", err)
	}

	path := os.Getenv("HATH_NODE_CONFIG")
	if configFlag != "" {
		path = configFlag
	}
	if path == "" {
		path = "config.toml"
	}

	return cliOptions{
		configPath:    path,
		checkOnly:     checkOnly,
		showVersion:   showVer,
		validateCache: validateCache,
	}, nil
}
