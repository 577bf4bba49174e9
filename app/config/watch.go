package config

import (
	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// WatchLogLevel 监听配置文件变化，仅热更新日志级别，其余配置需要重启生效
func WatchLogLevel(onChange func(level string)) {
	viper.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		onChange(viper.GetString("log.level"))
	})
	viper.WatchConfig()
}
