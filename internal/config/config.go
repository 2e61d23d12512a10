package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"

	mapstructure "github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	defaultConfigPath = "configs/config.yaml"
	defaultEnvFile    = ".env"
	envPrefix         = "locates"
)

// Load 读取配置文件并结合环境变量返回 Config。
// 若工作目录下存在 .env，会先加载到进程环境中，已存在的环境变量不会被覆盖。
func Load(path string) (*Config, error) {
	if err := loadEnvFile(defaultEnvFile); err != nil {
		return nil, err
	}

	v := viper.New()

	if path == "" {
		path = defaultConfigPath
	}

	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.SetEnvPrefix(envPrefix)
	replacer := strings.NewReplacer(".", "_")
	v.SetEnvKeyReplacer(replacer)
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil, fmt.Errorf("未找到配置文件 %q: %w", path, err)
		}
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func loadEnvFile(path string) error {
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("加载 %s 失败: %w", path, err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.environment", "development")

	v.SetDefault("venue.base_url", "https://metro.dttw.com")
	v.SetDefault("venue.landing_path", "/metro/")
	v.SetDefault("venue.login_path", "/metro/node?destination=node")
	v.SetDefault("venue.order_path", "/metro/create-pay-for-short-request")
	v.SetDefault("venue.username", "")
	v.SetDefault("venue.password", "")
	v.SetDefault("venue.user_agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/114.0.0.0 Safari/537.36")
	v.SetDefault("venue.request_timeout", "15s")
	v.SetDefault("venue.bootstrap_cookie", "has_js=1")
	v.SetDefault("venue.office_id", "")
	v.SetDefault("venue.symbol_suffix", ".NQ")
	v.SetDefault("venue.markers.authenticated", "logged-in")
	v.SetDefault("venue.markers.login_form", "user-login")
	v.SetDefault("venue.markers.accepted", "Accepted")

	v.SetDefault("session.cookie_file", "data/cookies.json")
	v.SetDefault("session.probe_timeout", "20s")
	v.SetDefault("session.challenge_timeout", "45s")
	v.SetDefault("session.challenge_ttl", "5m")
	v.SetDefault("session.challenge_type", "email")
	v.SetDefault("session.code_length", 6)

	v.SetDefault("desk.request_timeout", "60s")
	v.SetDefault("desk.pipeline_timeout", "50s")
	v.SetDefault("desk.context_ttl", "60s")
	v.SetDefault("desk.eviction_timeout", "25s")
	v.SetDefault("desk.login_on_start", true)

	v.SetDefault("register.reset_hour", 0)

	v.SetDefault("server.port", 3000)
	v.SetDefault("server.allowed_origins", []string{"http://localhost:3000"})
	v.SetDefault("server.read_timeout", "10s")
	v.SetDefault("server.write_timeout", "75s")

	v.SetDefault("database.path", "data/locates.db")
	v.SetDefault("database.max_open_conns", 4)
	v.SetDefault("database.max_idle_conns", 4)
	v.SetDefault("database.conn_max_lifetime", "1h")
	v.SetDefault("database.in_memory", false)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.encoding", "console")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.output_paths", []string{"stdout"})
	v.SetDefault("logging.error_output_paths", []string{"stderr"})
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}
