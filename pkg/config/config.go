package config

import (
	"errors"
	"log"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

type options struct {
	paths    []string
	defaults map[string]interface{}
	onChange func()
	watch    bool
}

type Option func(*options)

// WithPaths 追加配置文件搜索目录（默认 ./config 和 .）
func WithPaths(paths ...string) Option {
	return func(o *options) { o.paths = append(o.paths, paths...) }
}

// WithDefaults 默认值，同时让这些 key 能被环境变量覆盖
func WithDefaults(d map[string]interface{}) Option {
	return func(o *options) { o.defaults = d }
}

// WithOnChange 热更新成功后的回调
func WithOnChange(fn func()) Option {
	return func(o *options) { o.onChange = fn }
}

// WithoutWatch 关闭文件监听（单测、一次性命令）
func WithoutWatch() Option {
	return func(o *options) { o.watch = false }
}

func LoadAndWatch(service string, out interface{}, opts ...Option) (*viper.Viper, error) {
	o := &options{paths: []string{"./config", "."}, watch: true}
	for _, opt := range opts {
		opt(o)
	}

	v := viper.New()
	// 约定：config/{service}.yaml
	v.SetConfigName(service)
	v.SetConfigType("yaml")
	for _, p := range o.paths {
		v.AddConfigPath(p)
	}
	for k, val := range o.defaults {
		v.SetDefault(k, val)
	}

	// 环境变量覆盖，例如：
	//   PAYMENT_ENGINE_HTTP_ADDR 覆盖 http.addr
	//   PAYMENT_ENGINE_WALLET_MASTERPUBKEY 覆盖 wallet.masterPubKey
	v.SetEnvPrefix(strings.ToUpper(strings.ReplaceAll(service, "-", "_")))
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// 读取配置文件；只有默认值 + 环境变量也能跑
	fileFound := true
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) || len(o.defaults) == 0 {
			return nil, err
		}
		fileFound = false
		log.Printf("[%s] config file not found, using defaults + env", service)
	}

	if err := v.Unmarshal(out); err != nil {
		return nil, err
	}

	if !fileFound || !o.watch {
		return v, nil
	}
	log.Printf("[%s] config loaded from %s", service, v.ConfigFileUsed())

	// 监听文件变更，热更新到 out
	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		log.Printf("[%s] config file changed: %s", service, e.Name)

		if err := v.Unmarshal(out); err != nil {
			log.Printf("[%s] reload config error: %v", service, err)
			return
		}
		log.Printf("[%s] config reloaded OK", service)
		if o.onChange != nil {
			o.onChange()
		}
	})

	return v, nil
}
