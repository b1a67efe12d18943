// Package provider 根据配置创建数据源和各端点的获取器。
package provider

import (
	"taskforge/pkg/config"
	apperr "taskforge/pkg/error"
	"taskforge/pkg/provider/core"
	"taskforge/pkg/provider/fireflies"
	"taskforge/pkg/provider/gemini"
	"taskforge/pkg/provider/monday"
	"taskforge/pkg/timing"

	"github.com/sirupsen/logrus"
)

// NewSource 按端点类型创建数据源
func NewSource(name string, e config.EndpointConfig, clock timing.TimeService, log *logrus.Entry) (core.Source, error) {
	auth := core.AuthConfig{Header: e.AuthHeader, Scheme: e.AuthScheme}
	if log != nil {
		log = log.WithField("endpoint", name)
	}

	switch e.Kind {
	case config.KindFireflies:
		return fireflies.New(fireflies.Config{
			BaseURL:   e.BaseURL,
			Timeout:   e.RequestTimeout,
			UserAgent: e.UserAgent,
			Headers:   e.ExtraHeaders,
			Auth:      auth,
		}, clock, log), nil
	case config.KindMonday:
		src, err := monday.New(monday.Config{
			BaseURL:    e.BaseURL,
			BoardID:    e.BoardID,
			APIVersion: e.APIVersion,
			Timeout:    e.RequestTimeout,
			UserAgent:  e.UserAgent,
			Headers:    e.ExtraHeaders,
			Auth:       auth,
		}, clock, log)
		if err != nil {
			return nil, apperr.WrapError(apperr.ErrConfigInvalid, "endpoint "+name, err)
		}
		return src, nil
	case config.KindGemini:
		return gemini.New(gemini.Config{
			BaseURL:   e.BaseURL,
			Timeout:   e.RequestTimeout,
			UserAgent: e.UserAgent,
			Headers:   e.ExtraHeaders,
			Auth:      auth,
		}, clock, log), nil
	default:
		return nil, apperr.NewConfigError("endpoint %s: unknown kind %q", name, e.Kind)
	}
}
