package database

import (
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationNormalizeTenantHosts   = "2026-07-14_normalize_tenant_hosts"
	migrationNormalizeProfileEmails = "2026-07-21_normalize_profile_emails"
)

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationNormalizeTenantHosts, apply: normalizeTenantHosts},
		{name: migrationNormalizeProfileEmails, apply: normalizeProfileEmails},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := migration.apply(db); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// Host lookups are case-insensitive at the resolver; stored hosts from
// before that change may carry mixed case.
func normalizeTenantHosts(db *gorm.DB) error {
	return db.Exec("UPDATE tenants SET host = lower(trim(host)) WHERE host <> lower(trim(host));").Error
}

// Link-by-email compares lowercase addresses; normalize rows imported
// before the comparison was tightened.
func normalizeProfileEmails(db *gorm.DB) error {
	if err := db.Exec("UPDATE client_profiles SET email = lower(trim(email)) WHERE email <> lower(trim(email));").Error; err != nil {
		return err
	}
	return db.Exec("UPDATE admin_profiles SET email = lower(trim(email)) WHERE email <> lower(trim(email));").Error
}
