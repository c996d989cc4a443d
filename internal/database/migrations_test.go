package database

import (
	"path/filepath"
	"testing"

	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/helioworks/syncore/internal/platform"
)

func openMigrationDatabase(testContext *testing.T) *gorm.DB {
	testContext.Helper()
	databasePath := filepath.Join(testContext.TempDir(), "migration.db")

	database, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}
	if err := database.AutoMigrate(&platform.Tenant{}, &platform.AdminProfile{}, &platform.ClientProfile{}, &migrationRecord{}); err != nil {
		testContext.Fatalf("failed to migrate schema: %v", err)
	}
	return database
}

func TestApplyMigrationsNormalizesTenantHosts(testContext *testing.T) {
	database := openMigrationDatabase(testContext)

	tenant := platform.Tenant{ID: "tenant-1", Host: "  Shop.Example.COM "}
	if err := database.Create(&tenant).Error; err != nil {
		testContext.Fatalf("failed to insert tenant: %v", err)
	}

	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("failed to apply migrations: %v", err)
	}

	var stored platform.Tenant
	if err := database.Where("tenant_id = ?", tenant.ID).Take(&stored).Error; err != nil {
		testContext.Fatalf("failed to reload tenant: %v", err)
	}
	if stored.Host != "shop.example.com" {
		testContext.Fatalf("expected normalized host, got %q", stored.Host)
	}

	var record migrationRecord
	if err := database.Where("name = ?", migrationNormalizeTenantHosts).Take(&record).Error; err != nil {
		testContext.Fatalf("expected migration record to be created: %v", err)
	}
	if record.AppliedAtSeconds == 0 {
		testContext.Fatalf("expected migration timestamp to be set")
	}
}

func TestApplyMigrationsNormalizesProfileEmails(testContext *testing.T) {
	database := openMigrationDatabase(testContext)

	client := platform.ClientProfile{ID: "client-1", TenantID: "tenant-1", Email: " Buyer@Example.com "}
	if err := database.Create(&client).Error; err != nil {
		testContext.Fatalf("failed to insert client profile: %v", err)
	}
	admin := platform.AdminProfile{ID: "admin-1", UserID: "user-1", Email: "STAFF@example.com"}
	if err := database.Create(&admin).Error; err != nil {
		testContext.Fatalf("failed to insert admin profile: %v", err)
	}

	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("failed to apply migrations: %v", err)
	}

	var storedClient platform.ClientProfile
	if err := database.Where("profile_id = ?", client.ID).Take(&storedClient).Error; err != nil {
		testContext.Fatalf("failed to reload client profile: %v", err)
	}
	if storedClient.Email != "buyer@example.com" {
		testContext.Fatalf("expected normalized client email, got %q", storedClient.Email)
	}

	var storedAdmin platform.AdminProfile
	if err := database.Where("profile_id = ?", admin.ID).Take(&storedAdmin).Error; err != nil {
		testContext.Fatalf("failed to reload admin profile: %v", err)
	}
	if storedAdmin.Email != "staff@example.com" {
		testContext.Fatalf("expected normalized admin email, got %q", storedAdmin.Email)
	}
}

func TestApplyMigrationsIsIdempotent(testContext *testing.T) {
	database := openMigrationDatabase(testContext)

	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("first application failed: %v", err)
	}
	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("second application failed: %v", err)
	}

	var count int64
	if err := database.Model(&migrationRecord{}).Count(&count).Error; err != nil {
		testContext.Fatalf("failed to count migration records: %v", err)
	}
	if count != 2 {
		testContext.Fatalf("expected one ledger row per migration, got %d", count)
	}
}
