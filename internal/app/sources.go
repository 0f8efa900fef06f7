package app

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/afero"

	"legendalf/internal/config"
	"legendalf/internal/content"
	"legendalf/internal/films"
	"legendalf/internal/holidays"
	logx "legendalf/pkg/logx"
)

// buildHolidays returns nil for source "none"; next_holiday rules then
// report the calendar as unavailable.
func buildHolidays(cfg *config.Config, fsys afero.Fs, log logx.Logger) (holidays.Source, error) {
	hc := config.HolidaysConfig{}
	if cfg.Holidays != nil {
		hc = *cfg.Holidays
	}
	switch src := strings.ToLower(strings.TrimSpace(hc.Source)); src {
	case "none":
		log.Info("holiday source disabled")
		return nil, nil
	case "static":
		st, err := holidays.LoadStatic(fsys, strings.TrimSpace(hc.StaticPath))
		if err != nil {
			return nil, fmt.Errorf("holidays: %w", err)
		}
		log.Info("holiday source: static file", logx.String("path", hc.StaticPath), logx.Int("days", len(st.Days())))
		return st, nil
	case "", "calendru":
		timeout, err := config.ParseDurationOrDefault("holidays.timeout", hc.Timeout, 15*time.Second)
		if err != nil {
			return nil, err
		}
		return holidays.NewCalendRu(holidays.CalendRuOptions{
			BaseURL:   hc.BaseURL,
			Timeout:   timeout,
			CacheSize: hc.CacheSize,
			Logger:    log,
		}), nil
	default:
		return nil, fmt.Errorf("holidays.source: unsupported %q", hc.Source)
	}
}

func buildFilms(cfg *config.Config, log logx.Logger) (films.Source, error) {
	if cfg.Films == nil || !cfg.Films.Enabled {
		return nil, nil
	}
	timeout, err := config.ParseDurationOrDefault("films.timeout", cfg.Films.Timeout, 15*time.Second)
	if err != nil {
		return nil, err
	}
	return films.NewKinopoisk(films.Options{BaseURL: cfg.Films.BaseURL, Timeout: timeout, Logger: log}), nil
}

func buildContent(cfg *config.Config, fsys afero.Fs) *content.Library {
	quotes, media := defaultQuotesPath, defaultMediaDir
	if c := cfg.Content; c != nil {
		if p := strings.TrimSpace(c.QuotesPath); p != "" {
			quotes = p
		}
		if d := strings.TrimSpace(c.MediaDir); d != "" {
			media = d
		}
	}
	return content.NewLibrary(fsys, quotes, media)
}

func legacyPath(cfg *config.Config) (string, bool) {
	if cfg.Legacy == nil || !cfg.Legacy.Enabled {
		return "", false
	}
	if p := strings.TrimSpace(cfg.Legacy.Path); p != "" {
		return p, true
	}
	return defaultLegacyPath, true
}
