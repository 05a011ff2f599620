package database

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/vesselhq/vessel/internal/config"
	"github.com/vesselhq/vessel/internal/templates"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var DB *gorm.DB

func Init() error {
	dbPath := config.Cfg.DatabasePath
	dbDir := filepath.Dir(dbPath)
	if dbDir != "" {
		if err := os.MkdirAll(dbDir, 0755); err != nil {
			return fmt.Errorf("create db directory: %w", err)
		}
	}

	var err error
	DB, err = gorm.Open(sqlite.Open(dbPath), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}

	sqlDB, err := DB.DB()
	if err != nil {
		return fmt.Errorf("get sql.DB: %w", err)
	}
	if _, err := sqlDB.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return fmt.Errorf("set WAL mode: %w", err)
	}

	if err := DB.AutoMigrate(&Host{}, &DeploymentTemplate{}, &DeploymentTask{}, &DeploymentLog{}, &CommandAudit{}, &Setting{}); err != nil {
		return fmt.Errorf("auto-migrate: %w", err)
	}

	if err := seedDefaults(); err != nil {
		return fmt.Errorf("seed defaults: %w", err)
	}

	if err := seedBuiltinTemplates(); err != nil {
		return fmt.Errorf("seed templates: %w", err)
	}

	if err := migrateTaskEpochs(); err != nil {
		return fmt.Errorf("migrate task epochs: %w", err)
	}

	return nil
}

func seedDefaults() error {
	defaults := map[string]string{
		"planner_backend": "auto",
		"planner_model":   "",
	}

	for key, value := range defaults {
		var count int64
		DB.Model(&Setting{}).Where("key = ?", key).Count(&count)
		if count == 0 {
			if err := DB.Create(&Setting{Key: key, Value: value}).Error; err != nil {
				return fmt.Errorf("seed setting %s: %w", key, err)
			}
		}
	}

	return nil
}

// seedBuiltinTemplates inserts the embedded template catalog. Rows are only
// created when missing, so operator edits survive restarts. Idempotent.
func seedBuiltinTemplates() error {
	catalog, err := templates.Builtin()
	if err != nil {
		return err
	}
	for i := range catalog {
		tmpl := &catalog[i]
		var count int64
		DB.Model(&DeploymentTemplate{}).Where("name = ?", tmpl.Name).Count(&count)
		if count > 0 {
			continue
		}
		spec, err := EncodeTemplateSpec(tmpl)
		if err != nil {
			return err
		}
		row := DeploymentTemplate{
			Name:        tmpl.Name,
			DisplayName: tmpl.DisplayName,
			Description: tmpl.Description,
			ServiceType: tmpl.ServiceType,
			BuiltIn:     true,
			Spec:        spec,
		}
		if err := DB.Create(&row).Error; err != nil {
			return fmt.Errorf("seed template %s: %w", tmpl.Name, err)
		}
	}
	return nil
}

// migrateTaskEpochs sets epoch = 1 on rows that predate the epoch column.
func migrateTaskEpochs() error {
	if err := DB.Model(&DeploymentTask{}).Where("epoch = 0").Update("epoch", 1).Error; err != nil {
		return err
	}
	return DB.Model(&DeploymentLog{}).Where("epoch = 0").Update("epoch", 1).Error
}

func Close() error {
	if DB != nil {
		sqlDB, err := DB.DB()
		if err != nil {
			return err
		}
		return sqlDB.Close()
	}
	return nil
}

func GetSetting(key string) (string, error) {
	var s Setting
	if err := DB.Where("key = ?", key).First(&s).Error; err != nil {
		return "", err
	}
	return s.Value, nil
}

func SetSetting(key, value string) error {
	return DB.Where("key = ?", key).Assign(Setting{Value: value}).FirstOrCreate(&Setting{Key: key}).Error
}

func DeleteSetting(key string) error {
	return DB.Where("key = ?", key).Delete(&Setting{}).Error
}
