package config

import (
	"fmt"
	"strconv"
	"time"
)

// EnvPrefix 是所有环境变量覆盖项的前缀。
const EnvPrefix = "AGENTSERVER_"

// applyEnv 使用环境变量覆盖配置文件中的值。
func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(EnvPrefix + key); ok && v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) error {
		v, ok := lookup(EnvPrefix + key)
		if !ok || v == "" {
			return nil
		}
		parsed, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("环境变量 %s%s 不是合法整数: %w", EnvPrefix, key, err)
		}
		*dst = parsed
		return nil
	}
	dur := func(key string, dst *Duration) error {
		v, ok := lookup(EnvPrefix + key)
		if !ok || v == "" {
			return nil
		}
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("环境变量 %s%s 不是合法时长: %w", EnvPrefix, key, err)
		}
		*dst = Duration(parsed)
		return nil
	}

	str("HOST", &c.Server.Host)
	str("TOKEN", &c.Server.Credential)
	str("DOMAIN", &c.Server.Domain)
	str("TLS_CERT", &c.Server.TLS.CertFile)
	str("TLS_KEY", &c.Server.TLS.KeyFile)
	str("LOG_LEVEL", &c.Logging.Level)
	str("STORAGE_DRIVER", &c.Storage.Driver)
	str("STORAGE_DSN", &c.Storage.DSN)
	str("OPENAI_API_KEY", &c.LLM.OpenAI.APIKey)
	if v, ok := lookup(EnvPrefix + "DEBUG"); ok && v != "" {
		debug, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("环境变量 %sDEBUG 不是合法布尔值: %w", EnvPrefix, err)
		}
		c.Server.Debug = debug
	}
	if err := num("PORT", &c.Server.Port); err != nil {
		return err
	}
	if err := num("POOL_MAX", &c.Server.PoolMax); err != nil {
		return err
	}
	if err := dur("IDLE_TIMEOUT", &c.Server.IdleTimeout); err != nil {
		return err
	}
	return dur("HEARTBEAT_INTERVAL", &c.Server.HeartbeatInterval)
}
