package coremain

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"

	"github.com/fsnotify/fsnotify"
	"github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/kardianos/service"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"github.com/pmkol/tiercache/mlog"
)

// envPrefix prefixes environment variables that override config keys,
// e.g. TIERCACHE_L2_REDIS_ADDR overrides l2.redis.addr.
const envPrefix = "TIERCACHE"

type serverFlags struct {
	c         string
	dir       string
	cpu       int
	asService bool
}

var rootCmd = &cobra.Command{
	Use:   "tiercache",
	Short: "A three tier cache with pluggable eviction and write policies.",
}

func init() {
	sf := new(serverFlags)
	startCmd := &cobra.Command{
		Use:   "start [-c config_file] [-d working_dir]",
		Short: "Start tiercache main program.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if sf.asService {
				svc, err := service.New(&serverService{f: sf}, svcCfg)
				if err != nil {
					return fmt.Errorf("failed to init service, %w", err)
				}
				return svc.Run()
			}
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return StartServer(ctx, sf)
		},
		DisableFlagsInUseLine: true,
		SilenceUsage:          true,
	}
	rootCmd.AddCommand(startCmd)
	flags := startCmd.Flags()
	flags.StringVarP(&sf.c, "config", "c", "", "config file")
	flags.StringVarP(&sf.dir, "dir", "d", "", "working dir")
	flags.IntVar(&sf.cpu, "cpu", 0, "set runtime.GOMAXPROCS")
	flags.BoolVar(&sf.asService, "as-service", false, "start as a service")
	flags.MarkHidden("as-service")

	serviceCmd := &cobra.Command{
		Use:   "service",
		Short: "Manage tiercache as a system service.",
	}
	serviceCmd.PersistentPreRunE = initService
	serviceCmd.AddCommand(
		newSvcInstallCmd(),
		newSvcUninstallCmd(),
		newSvcStartCmd(),
		newSvcStopCmd(),
		newSvcRestartCmd(),
		newSvcStatusCmd(),
	)
	rootCmd.AddCommand(serviceCmd)

	rootCmd.AddCommand(newConfigCmd(), newGetCmd(), newPutCmd(), newDelCmd())
}

func AddSubCmd(c *cobra.Command) {
	rootCmd.AddCommand(c)
}

func Run() error {
	return rootCmd.Execute()
}

func StartServer(ctx context.Context, sf *serverFlags) error {
	if sf.cpu > 0 {
		runtime.GOMAXPROCS(sf.cpu)
	}

	if len(sf.dir) > 0 {
		err := os.Chdir(sf.dir)
		if err != nil {
			return fmt.Errorf("failed to change the current working directory, %w", err)
		}
		mlog.L().Info("working directory changed", zap.String("path", sf.dir))
	}

	cfg, v, err := loadConfig(sf.c)
	if err != nil {
		return fmt.Errorf("fail to load config, %w", err)
	}

	lg, err := mlog.NewLogger(&cfg.Log)
	if err != nil {
		return fmt.Errorf("failed to init logger: %w", err)
	}
	watchLogLevel(v, cfg.Log.Level, lg)

	t, err := NewTiercache(ctx, cfg, lg)
	if err != nil {
		return fmt.Errorf("failed to init tiercache, %w", err)
	}
	if err := t.Start(ctx); err != nil {
		return fmt.Errorf("tiercache exited, %w", err)
	}
	return nil
}

// loadConfig load a config from a file. If filePath is empty, it will
// automatically search and load a file which name start with "config".
// A .env file in the working directory is loaded first, then environment
// variables with envPrefix override the file.
func loadConfig(filePath string) (*Config, *viper.Viper, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, nil, fmt.Errorf("failed to load .env: %w", err)
	}

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if len(filePath) > 0 {
		v.SetConfigFile(filePath)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if len(filePath) > 0 || !errors.As(err, &notFound) {
			return nil, nil, fmt.Errorf("failed to read config: %w", err)
		}
		mlog.L().Info("no config file found, using defaults and environment")
	}

	cfg, err := decodeConfig(v)
	if err != nil {
		return nil, nil, err
	}
	return cfg, v, nil
}

func decodeConfig(v *viper.Viper) (*Config, error) {
	decoderOpt := func(cfg *mapstructure.DecoderConfig) {
		cfg.ErrorUnused = true
		cfg.TagName = "yaml"
		cfg.WeaklyTypedInput = true
	}

	cfg := new(Config)
	if err := v.Unmarshal(cfg, decoderOpt); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return cfg, nil
}

// setDefaults registers every key so that environment variables can
// override keys absent from the file.
func setDefaults(v *viper.Viper) {
	defaults := map[string]any{
		"log.level":                "info",
		"log.file":                 "",
		"log.production":           false,
		"l1.capacity":              4096,
		"l1.eviction":              "lru",
		"l2.driver":                "redis",
		"l2.ttl":                   300,
		"l2.timeout_ms":            1000,
		"l2.compress":              false,
		"l2.key_prefix":            "",
		"l2.redis.addr":            "localhost:6379",
		"l2.redis.password":        "",
		"l2.redis.db":              0,
		"l2.redis.pool_size":       10,
		"l3.driver":                "bolt",
		"l3.path":                  "tiercache.db",
		"l3.dsn":                   "",
		"l3.table":                 "",
		"l3.timeout_ms":            1000,
		"l3.compress":              false,
		"write.policy":             "through",
		"write.retries":            2,
		"write.backoff_ms":         10,
		"write.workers":            1,
		"write.queue_size":         1024,
		"write.max_attempts":       5,
		"write.initial_backoff_ms": 100,
		"write.max_backoff_ms":     30000,
		"write.write_l2":           false,
		"write.reconcile_cron":     "",
		"api.http":                 "",
		"api.cert":                 "",
		"api.key":                  "",
		"api.proxy_protocol":       false,
		"api.src_ip_header":        "",
		"api.allow":                []string{},
		"api.max_value_size":       1 << 20,
		"api.idle_timeout":         60,
		"api.pprof":                false,
	}
	for k, d := range defaults {
		v.SetDefault(k, d)
	}
}

// watchLogLevel reloads the log level when the config file changes.
// Other changes need a restart.
func watchLogLevel(v *viper.Viper, level string, lg *zap.Logger) {
	if len(v.ConfigFileUsed()) == 0 {
		return
	}
	v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		cfg, err := decodeConfig(v)
		if err != nil {
			lg.Warn("invalid config change ignored", zap.String("file", e.Name), zap.Error(err))
			return
		}
		if cfg.Log.Level == level {
			return
		}
		l, err := zapcore.ParseLevel(cfg.Log.Level)
		if err != nil {
			lg.Warn("invalid log level ignored", zap.String("level", cfg.Log.Level), zap.Error(err))
			return
		}
		level = cfg.Log.Level
		mlog.SetLevel(l)
		lg.Info("log level changed", zap.Stringer("level", l))
	})
	v.WatchConfig()
}

func newConfigCmd() *cobra.Command {
	var c string
	cmd := &cobra.Command{
		Use:   "config [-c config_file]",
		Short: "Print the effective config, including defaults and environment overrides.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig(c)
			if err != nil {
				return err
			}
			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			defer enc.Close()
			return enc.Encode(cfg)
		},
		SilenceUsage: true,
	}
	cmd.Flags().StringVarP(&c, "config", "c", "", "config file")
	return cmd
}
