package config

import (
	"fmt"
	"strconv"
	"strings"
)

// applyEnv 使用 PAYGATE_* 环境变量覆盖文件中的配置。
func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	var errs []string
	boolean := func(key string, dst *bool) {
		if v, ok := lookup(key); ok && v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s=%q 不是合法的布尔值", key, v))
				return
			}
			*dst = b
		}
	}
	integer := func(key string, dst *int64) {
		if v, ok := lookup(key); ok && v != "" {
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s=%q 不是合法的整数", key, v))
				return
			}
			*dst = n
		}
	}

	str("PAYGATE_ADDRESS", &c.Server.Address)
	str("PAYGATE_LOG_LEVEL", &c.Logging.Level)
	str("PAYGATE_LOG_FORMAT", &c.Logging.Format)
	str("PAYGATE_PAYEE", &c.Payment.Payee)
	integer("PAYGATE_CHAIN_ID", &c.Payment.ChainID)
	boolean("PAYGATE_DEV_MODE", &c.Payment.DevMode)
	str("PAYGATE_PRICING_FILE", &c.Payment.PricingFile)
	str("PAYGATE_MYSQL_DSN", &c.Storage.Receipts.DSN)
	if c.Storage.Receipts.DSN != "" && c.Storage.Receipts.Driver == "" {
		c.Storage.Receipts.Driver = "mysql"
	}
	str("PAYGATE_REDIS_ADDR", &c.Storage.Redis.Address)
	str("PAYGATE_REDIS_PASSWORD", &c.Storage.Redis.Password)
	str("PAYGATE_RABBITMQ_URL", &c.Events.RabbitMQ.URL)
	str("PAYGATE_JWT_SECRET", &c.Auth.JWT.Secret)
	str("PAYGATE_CHAIN_CONFIG", &c.Web3.ChainConfig)
	str("PAYGATE_PLUGIN_CONFIG", &c.Task.PluginConfig)
	str("PAYGATE_ALERT_WEBHOOK", &c.Observability.AlertWebhook)

	if len(errs) > 0 {
		return fmt.Errorf("环境变量无效: %s", strings.Join(errs, "; "))
	}
	return nil
}
