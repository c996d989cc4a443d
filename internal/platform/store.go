package platform

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingDispatcher = errors.New("dispatcher is required")
	errMissingIDProvider = errors.New("id provider is required")
	noOpLogger           = zap.NewNop()

	// ErrTenantNotFound indicates no tenant matched the lookup.
	ErrTenantNotFound = errors.New("platform: tenant not found")
	// ErrRecordNotFound indicates the targeted record does not exist.
	ErrRecordNotFound = errors.New("platform: record not found")
)

const (
	opStoreNew        = "platform.store.new"
	opResolveHost     = "platform.resolve_tenant_from_host"
	opPlatformTenant  = "platform.platform_tenant"
	opQueryAdmin      = "platform.query_admin_profile"
	opQueryClient     = "platform.query_client_profile"
	opLinkClient      = "platform.link_client_profile_by_email"
	opFetchRecords    = "platform.fetch_records"
	opWriteRecord     = "platform.write_record"
	fieldCollection   = "collection"
	fieldRecordID     = "record_id"
	fieldTenantID     = "tenant_id"
	queryHost         = "host = ?"
	queryIsPlatform   = "is_platform = ?"
	queryUserID       = "user_id = ?"
	queryCollectionID = "collection = ? AND record_id = ?"
)

// StoreError carries the failing operation and reason alongside the cause.
type StoreError struct {
	code string
	err  error
}

func (e *StoreError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *StoreError) Unwrap() error {
	return e.err
}

func (e *StoreError) Code() string {
	return e.code
}

func newStoreError(operation, reason string, cause error) error {
	return &StoreError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// IDProvider issues identifiers for records created without one.
type IDProvider interface {
	NewID() (string, error)
}

// StoreConfig describes the dependencies of the platform store.
type StoreConfig struct {
	Database   *gorm.DB
	Dispatcher *Dispatcher
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
}

// Store is the hosted-platform capability surface: tenant resolution by
// host, profile lookups, snapshot reads, change-feed subscriptions, and
// writes that publish their own feed events.
type Store struct {
	db         *gorm.DB
	dispatcher *Dispatcher
	clock      func() time.Time
	idProvider IDProvider
	logger     *zap.Logger
}

// NewStore constructs the platform store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, newStoreError(opStoreNew, "missing_database", errMissingDatabase)
	}
	if cfg.Dispatcher == nil {
		return nil, newStoreError(opStoreNew, "missing_dispatcher", errMissingDispatcher)
	}
	if cfg.IDProvider == nil {
		return nil, newStoreError(opStoreNew, "missing_id_provider", errMissingIDProvider)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Store{
		db:         cfg.Database,
		dispatcher: cfg.Dispatcher,
		clock:      clock,
		idProvider: cfg.IDProvider,
		logger:     logger,
	}, nil
}

// ResolveTenantFromHost maps a request host to its tenant id.
func (s *Store) ResolveTenantFromHost(ctx context.Context, host string) (string, error) {
	normalized := normalizeHost(host)
	if normalized == "" {
		return "", ErrTenantNotFound
	}
	var tenant Tenant
	err := s.db.WithContext(ctx).Where(queryHost, normalized).First(&tenant).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", ErrTenantNotFound
	}
	if err != nil {
		s.logError(opResolveHost, "query_failed", err, zap.String("host", normalized))
		return "", newStoreError(opResolveHost, "query_failed", err)
	}
	return tenant.ID, nil
}

// PlatformTenant returns the id of the designated platform fallback tenant.
func (s *Store) PlatformTenant(ctx context.Context) (string, error) {
	var tenant Tenant
	err := s.db.WithContext(ctx).Where(queryIsPlatform, true).First(&tenant).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", ErrTenantNotFound
	}
	if err != nil {
		s.logError(opPlatformTenant, "query_failed", err)
		return "", newStoreError(opPlatformTenant, "query_failed", err)
	}
	return tenant.ID, nil
}

// AdminProfileFilter narrows an admin profile point lookup.
type AdminProfileFilter struct {
	UserID string
}

// QueryAdminProfile returns the admin profile for the filter, or nil when
// no profile matches.
func (s *Store) QueryAdminProfile(ctx context.Context, filter AdminProfileFilter) (*AdminProfile, error) {
	if strings.TrimSpace(filter.UserID) == "" {
		return nil, nil
	}
	var profile AdminProfile
	err := s.db.WithContext(ctx).Where(queryUserID, filter.UserID).First(&profile).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		s.logError(opQueryAdmin, "query_failed", err, zap.String("user_id", filter.UserID))
		return nil, newStoreError(opQueryAdmin, "query_failed", err)
	}
	return &profile, nil
}

// ClientProfileFilter narrows a client profile point lookup. Zero-valued
// fields are not applied.
type ClientProfileFilter struct {
	UserID   string
	TenantID string
	Email    string
}

// QueryClientProfile returns the first client profile matching the filter,
// or nil when no profile matches.
func (s *Store) QueryClientProfile(ctx context.Context, filter ClientProfileFilter) (*ClientProfile, error) {
	query := s.db.WithContext(ctx)
	applied := false
	if strings.TrimSpace(filter.UserID) != "" {
		query = query.Where(queryUserID, filter.UserID)
		applied = true
	}
	if strings.TrimSpace(filter.TenantID) != "" {
		query = query.Where("tenant_id = ?", filter.TenantID)
		applied = true
	}
	if strings.TrimSpace(filter.Email) != "" {
		query = query.Where("email = ?", normalizeEmail(filter.Email))
		applied = true
	}
	if !applied {
		return nil, nil
	}
	var profile ClientProfile
	err := query.First(&profile).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		s.logError(opQueryClient, "query_failed", err)
		return nil, newStoreError(opQueryClient, "query_failed", err)
	}
	return &profile, nil
}

// LinkClientProfileByEmail binds the unlinked client profile carrying the
// email inside the tenant to the user id. Re-linking an already-bound
// profile for the same user is a no-op; the profile id is returned either
// way. Returns an empty id when no profile matches.
func (s *Store) LinkClientProfileByEmail(ctx context.Context, userID, email, tenantID string) (string, error) {
	normalized := normalizeEmail(email)
	if strings.TrimSpace(userID) == "" || normalized == "" || strings.TrimSpace(tenantID) == "" {
		return "", nil
	}
	var profile ClientProfile
	err := s.db.WithContext(ctx).
		Where("tenant_id = ? AND email = ?", tenantID, normalized).
		First(&profile).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil
	}
	if err != nil {
		s.logError(opLinkClient, "query_failed", err, zap.String(fieldTenantID, tenantID))
		return "", newStoreError(opLinkClient, "query_failed", err)
	}
	if profile.UserID == userID {
		return profile.ID, nil
	}
	if profile.UserID != "" {
		// Bound to a different user; linking must not steal the profile.
		return "", nil
	}
	updateErr := s.db.WithContext(ctx).Model(&ClientProfile{}).
		Where("profile_id = ?", profile.ID).
		Update("user_id", userID).Error
	if updateErr != nil {
		s.logError(opLinkClient, "update_failed", updateErr, zap.String(fieldTenantID, tenantID))
		return "", newStoreError(opLinkClient, "update_failed", updateErr)
	}
	return profile.ID, nil
}

// FetchRecords returns the full snapshot of a collection inside the scope.
func (s *Store) FetchRecords(ctx context.Context, collection string, scope Scope) ([]Record, error) {
	if strings.TrimSpace(collection) == "" {
		return nil, newStoreError(opFetchRecords, "missing_collection", ErrInvalidRecord)
	}
	query := s.db.WithContext(ctx).Where("collection = ?", collection)
	if scope.TenantID != "" {
		query = query.Where("tenant_id = ?", scope.TenantID)
	}
	if scope.SubjectID != "" {
		query = query.Where("subject_id = ?", scope.SubjectID)
	}
	var records []Record
	if err := query.Order("updated_at_s ASC, record_id ASC").Find(&records).Error; err != nil {
		s.logError(opFetchRecords, "query_failed", err, zap.String(fieldCollection, collection))
		return nil, newStoreError(opFetchRecords, "query_failed", err)
	}
	return records, nil
}

// Subscribe registers a change-feed handler scoped like a fetch.
func (s *Store) Subscribe(collection string, scope Scope, handler EventHandler) func() {
	return s.dispatcher.Subscribe(collection, scope, handler)
}

// WriteRecord applies an insert, update, or delete and publishes the
// matching feed event tagged with the caller's correlation id. The
// authoritative row, with store-assigned id and timestamp, is returned.
func (s *Store) WriteRecord(ctx context.Context, op Operation, record Record, correlationID string) (Record, error) {
	if err := record.Validate(); err != nil {
		return Record{}, newStoreError(opWriteRecord, "invalid_record", err)
	}
	record.UpdatedAtSeconds = s.clock().UTC().Unix()

	switch op {
	case OperationInsert:
		if record.ID == "" {
			assigned, err := s.idProvider.NewID()
			if err != nil {
				s.logError(opWriteRecord, "id_assignment_failed", err, zap.String(fieldCollection, record.Collection))
				return Record{}, newStoreError(opWriteRecord, "id_assignment_failed", err)
			}
			record.ID = assigned
		}
		if err := s.db.WithContext(ctx).Create(&record).Error; err != nil {
			s.logError(opWriteRecord, "insert_failed", err, zap.String(fieldCollection, record.Collection))
			return Record{}, newStoreError(opWriteRecord, "insert_failed", err)
		}
	case OperationUpdate:
		if record.ID == "" {
			return Record{}, newStoreError(opWriteRecord, "missing_record_id", ErrInvalidRecord)
		}
		result := s.db.WithContext(ctx).Model(&Record{}).
			Where(queryCollectionID, record.Collection, record.ID).
			Updates(map[string]interface{}{
				"tenant_id":    record.TenantID,
				"subject_id":   record.SubjectID,
				"payload_json": record.PayloadJSON,
				"updated_at_s": record.UpdatedAtSeconds,
			})
		if result.Error != nil {
			s.logError(opWriteRecord, "update_failed", result.Error, zap.String(fieldRecordID, record.ID))
			return Record{}, newStoreError(opWriteRecord, "update_failed", result.Error)
		}
		if result.RowsAffected == 0 {
			return Record{}, newStoreError(opWriteRecord, "record_not_found", ErrRecordNotFound)
		}
	case OperationDelete:
		if record.ID == "" {
			return Record{}, newStoreError(opWriteRecord, "missing_record_id", ErrInvalidRecord)
		}
		if err := s.db.WithContext(ctx).
			Where(queryCollectionID, record.Collection, record.ID).
			Delete(&Record{}).Error; err != nil {
			s.logError(opWriteRecord, "delete_failed", err, zap.String(fieldRecordID, record.ID))
			return Record{}, newStoreError(opWriteRecord, "delete_failed", err)
		}
	default:
		return Record{}, newStoreError(opWriteRecord, "invalid_operation", ErrInvalidOperation)
	}

	s.dispatcher.Publish(Event{Op: op, Record: record, CorrelationID: correlationID})
	return record, nil
}

func (s *Store) logError(operation, reason string, err error, fields ...zap.Field) {
	entries := append([]zap.Field{zap.String("operation", operation), zap.String("reason", reason), zap.Error(err)}, fields...)
	s.logger.Error("platform store operation failed", entries...)
}

func normalizeHost(host string) string {
	return strings.ToLower(strings.TrimSpace(host))
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
