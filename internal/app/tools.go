package app

import (
	"context"
	"strings"

	"github.com/spf13/afero"

	"legendalf/internal/config"
	"legendalf/internal/schedule"
	"legendalf/internal/storage"
	logx "legendalf/pkg/logx"
)

// openStore loads the config at cfgPath and opens its store without
// touching the chat transport.
func openStore(cfgPath string, log logx.Logger) (*config.Config, storage.Store, error) {
	cfg, err := config.NewConfigManager(cfgPath).Parse()
	if err != nil {
		return nil, nil, err
	}
	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, nil, err
	}
	st, err := storage.Open(sc, log)
	if err != nil {
		return nil, nil, err
	}
	return cfg, st, nil
}

// Migrate runs the one-shot legacy import. An empty legacy path falls back
// to legacy.path from the config.
func Migrate(ctx context.Context, cfgPath, legacy string, force bool, log logx.Logger) (storage.MigrationResult, error) {
	cfg, st, err := openStore(cfgPath, log)
	if err != nil {
		return storage.MigrationResult{}, err
	}
	defer func() { _ = st.Close() }()

	loc, err := cfg.Location()
	if err != nil {
		return storage.MigrationResult{}, err
	}
	path := strings.TrimSpace(legacy)
	if path == "" {
		path = defaultLegacyPath
		if cfg.Legacy != nil && strings.TrimSpace(cfg.Legacy.Path) != "" {
			path = strings.TrimSpace(cfg.Legacy.Path)
		}
	}
	return storage.MigrateFromLegacy(ctx, st, afero.NewOsFs(), path, storage.MigrateOptions{
		Location: loc,
		Logger:   log,
		Force:    force,
	})
}

// ListSchedules returns the schedules of chatID, or every schedule when
// chatID is 0.
func ListSchedules(ctx context.Context, cfgPath string, chatID int64, log logx.Logger) ([]schedule.Schedule, error) {
	_, st, err := openStore(cfgPath, log)
	if err != nil {
		return nil, err
	}
	defer func() { _ = st.Close() }()
	if chatID == 0 {
		return st.Load(ctx)
	}
	return st.ListByChat(ctx, chatID)
}
