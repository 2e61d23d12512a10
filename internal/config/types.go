package config

import (
	"errors"
	"fmt"
	"net/url"
	"time"

	"go.uber.org/multierr"
)

// Config 聚合了系统运行所需的全部配置项。
type Config struct {
	App      AppConfig      `mapstructure:"app"`
	Venue    VenueConfig    `mapstructure:"venue"`
	Session  SessionConfig  `mapstructure:"session"`
	Desk     DeskConfig     `mapstructure:"desk"`
	Register RegisterConfig `mapstructure:"register"`
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// AppConfig 控制应用级参数。
type AppConfig struct {
	Environment string `mapstructure:"environment"`
}

// VenueConfig 描述下单站点的连接信息。账号密码只应通过环境变量或 .env 注入。
type VenueConfig struct {
	BaseURL         string        `mapstructure:"base_url"`
	LandingPath     string        `mapstructure:"landing_path"`
	LoginPath       string        `mapstructure:"login_path"`
	OrderPath       string        `mapstructure:"order_path"`
	Username        string        `mapstructure:"username"`
	Password        string        `mapstructure:"password"`
	UserAgent       string        `mapstructure:"user_agent"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	BootstrapCookie string        `mapstructure:"bootstrap_cookie"`
	OfficeID        string        `mapstructure:"office_id"`
	SymbolSuffix    string        `mapstructure:"symbol_suffix"`
	Markers         MarkerConfig  `mapstructure:"markers"`
}

// MarkerConfig 定义用于识别页面状态的标记文本。
type MarkerConfig struct {
	Authenticated string `mapstructure:"authenticated"`
	LoginForm     string `mapstructure:"login_form"`
	Accepted      string `mapstructure:"accepted"`
}

// SessionConfig 控制登录与一次性验证码流程。
type SessionConfig struct {
	CookieFile       string        `mapstructure:"cookie_file"`
	ProbeTimeout     time.Duration `mapstructure:"probe_timeout"`
	ChallengeTimeout time.Duration `mapstructure:"challenge_timeout"`
	ChallengeTTL     time.Duration `mapstructure:"challenge_ttl"`
	ChallengeType    string        `mapstructure:"challenge_type"`
	CodeLength       int           `mapstructure:"code_length"`
}

// DeskConfig 控制串行执行队列与交易上下文。
type DeskConfig struct {
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	PipelineTimeout time.Duration `mapstructure:"pipeline_timeout"`
	ContextTTL      time.Duration `mapstructure:"context_ttl"`
	EvictionTimeout time.Duration `mapstructure:"eviction_timeout"`
	LoginOnStart    bool          `mapstructure:"login_on_start"`
}

// RegisterConfig 控制每日购买记录。
type RegisterConfig struct {
	ResetHour int `mapstructure:"reset_hour"`
}

// ServerConfig 控制 HTTP 接口。
type ServerConfig struct {
	Port           int           `mapstructure:"port"`
	AllowedOrigins []string      `mapstructure:"allowed_origins"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
}

// DatabaseConfig 管理数据库连接。
type DatabaseConfig struct {
	Path            string        `mapstructure:"path"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	InMemory        bool          `mapstructure:"in_memory"`
}

// LoggingConfig 控制日志输出。
type LoggingConfig struct {
	Level            string   `mapstructure:"level"`
	Encoding         string   `mapstructure:"encoding"`
	Development      bool     `mapstructure:"development"`
	OutputPaths      []string `mapstructure:"output_paths"`
	ErrorOutputPaths []string `mapstructure:"error_output_paths"`
}

// Validate 对配置进行基本校验。
func (c *Config) Validate() error {
	var err error

	if c.App.Environment == "" {
		err = multierr.Append(err, errors.New("app.environment 不能为空"))
	}
	if c.Venue.BaseURL == "" {
		err = multierr.Append(err, errors.New("venue.base_url 不能为空"))
	} else if u, parseErr := url.Parse(c.Venue.BaseURL); parseErr != nil || u.Scheme == "" || u.Host == "" {
		err = multierr.Append(err, fmt.Errorf("venue.base_url 非法: %q", c.Venue.BaseURL))
	}
	if c.Venue.OrderPath == "" {
		err = multierr.Append(err, errors.New("venue.order_path 不能为空"))
	}
	if c.Venue.Username == "" || c.Venue.Password == "" {
		err = multierr.Append(err, errors.New("venue.username 与 venue.password 必须通过环境变量配置"))
	}
	if c.Venue.RequestTimeout <= 0 {
		err = multierr.Append(err, errors.New("venue.request_timeout 必须大于0"))
	}
	if c.Venue.BootstrapCookie == "" {
		err = multierr.Append(err, errors.New("venue.bootstrap_cookie 不能为空"))
	}
	if c.Venue.Markers.Authenticated == "" || c.Venue.Markers.LoginForm == "" || c.Venue.Markers.Accepted == "" {
		err = multierr.Append(err, errors.New("venue.markers 均不能为空"))
	}
	if c.Session.CookieFile == "" {
		err = multierr.Append(err, errors.New("session.cookie_file 不能为空"))
	}
	if c.Session.ProbeTimeout <= 0 {
		err = multierr.Append(err, errors.New("session.probe_timeout 必须大于0"))
	}
	if c.Session.ChallengeTimeout <= 0 {
		err = multierr.Append(err, errors.New("session.challenge_timeout 必须大于0"))
	}
	if c.Session.ChallengeTTL < c.Session.ChallengeTimeout {
		err = multierr.Append(err, errors.New("session.challenge_ttl 不能小于 challenge_timeout"))
	}
	if c.Session.CodeLength <= 0 {
		err = multierr.Append(err, errors.New("session.code_length 必须大于0"))
	}
	if c.Desk.RequestTimeout <= 0 {
		err = multierr.Append(err, errors.New("desk.request_timeout 必须大于0"))
	}
	if c.Session.ProbeTimeout >= c.Desk.RequestTimeout {
		err = multierr.Append(err, errors.New("session.probe_timeout 必须小于 desk.request_timeout"))
	}
	if c.Session.ChallengeTimeout >= c.Desk.RequestTimeout {
		err = multierr.Append(err, errors.New("session.challenge_timeout 必须小于 desk.request_timeout"))
	}
	if c.Desk.PipelineTimeout <= 0 {
		err = multierr.Append(err, errors.New("desk.pipeline_timeout 必须大于0"))
	}
	if c.Desk.ContextTTL <= 0 {
		err = multierr.Append(err, errors.New("desk.context_ttl 必须大于0"))
	}
	if c.Desk.EvictionTimeout <= 0 {
		err = multierr.Append(err, errors.New("desk.eviction_timeout 必须大于0"))
	}
	if c.Register.ResetHour < 0 || c.Register.ResetHour > 23 {
		err = multierr.Append(err, errors.New("register.reset_hour 必须位于[0,23]"))
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		err = multierr.Append(err, errors.New("server.port 非法"))
	}
	if c.Database.Path == "" && !c.Database.InMemory {
		err = multierr.Append(err, errors.New("database.path 不能为空"))
	}
	if c.Database.MaxOpenConns <= 0 {
		err = multierr.Append(err, errors.New("database.max_open_conns 必须大于0"))
	}
	if c.Database.MaxIdleConns < 0 {
		err = multierr.Append(err, errors.New("database.max_idle_conns 不能为负"))
	}
	if c.Database.ConnMaxLifetime < 0 {
		err = multierr.Append(err, errors.New("database.conn_max_lifetime 不能为负"))
	}
	if c.Logging.Level == "" {
		err = multierr.Append(err, errors.New("logging.level 不能为空"))
	}
	if c.Logging.Encoding == "" {
		err = multierr.Append(err, errors.New("logging.encoding 不能为空"))
	}
	if len(c.Logging.OutputPaths) == 0 {
		err = multierr.Append(err, errors.New("logging.output_paths 至少包含一个输出目标"))
	}
	if len(c.Logging.ErrorOutputPaths) == 0 {
		err = multierr.Append(err, errors.New("logging.error_output_paths 至少包含一个输出目标"))
	}

	if err != nil {
		return fmt.Errorf("配置校验失败: %w", err)
	}

	return nil
}
