package config

import (
	"errors"
	"fmt"
	"net/url"
)

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return newFieldError("Global.ListenPort", "必须在 1-65535")
	}
	if g.AttemptTimeout.DurationValue() <= 0 {
		return newFieldError("Global.AttemptTimeout", "必须大于 0")
	}
	if g.ResolveTimeout.DurationValue() <= 0 {
		return newFieldError("Global.ResolveTimeout", "必须大于 0")
	}
	if g.ResolveTimeout.DurationValue() < g.AttemptTimeout.DurationValue() {
		return newFieldError("Global.ResolveTimeout", "不能小于 AttemptTimeout")
	}
	if g.NegativeTTL.DurationValue() < 0 {
		return newFieldError("Global.NegativeTTL", "不能为负数")
	}
	if g.TeeWindowBytes <= 0 {
		return newFieldError("Global.TeeWindowBytes", "必须大于 0")
	}
	if g.MaxUploads < 0 {
		return newFieldError("Global.MaxUploads", "不能为负数")
	}

	if len(c.Origins) == 0 {
		return errors.New("至少需要配置一个 Origin")
	}

	for i, mirror := range c.Mirrors {
		if err := validateSourceURL(mirror.URL); err != nil {
			return fmt.Errorf("%s: %w", sourceField("Mirror", i, "URL"), err)
		}
	}
	for i, origin := range c.Origins {
		if err := validateSourceURL(origin.URL); err != nil {
			return fmt.Errorf("%s: %w", sourceField("Origin", i, "URL"), err)
		}
	}

	if c.StoreEnabled() {
		if c.S3.Region == "" {
			return newFieldError("S3.Region", "不能为空")
		}
		if (c.S3.AccessKeyID == "") != (c.S3.SecretAccessKey == "") {
			return newFieldError("S3.AccessKeyID/SecretAccessKey", "必须同时提供或同时留空")
		}
		if c.S3.Endpoint != "" {
			if err := validateSourceURL(c.S3.Endpoint); err != nil {
				return fmt.Errorf("S3.Endpoint: %w", err)
			}
		}
	}

	return nil
}

func validateSourceURL(raw string) error {
	if raw == "" {
		return errors.New("缺少上游地址")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("仅支持 http/https，上游: %s", raw)
	}
	if parsed.Host == "" {
		return fmt.Errorf("上游缺少 Host: %s", raw)
	}
	return nil
}
