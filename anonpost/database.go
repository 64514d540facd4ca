package anonpost

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/lmittmann/tint"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	sqliteMaxOpenConns    = 1
	sqliteMaxIdleConns    = 1
	sqliteMaxConnLifetime = 5 * time.Minute
	sqliteExecPragma      = []string{
		"pragma journal_mode=WAL;",
		"pragma synchronous = normal;",
		"pragma temp_store = memory;",
		"pragma foreign_keys = ON;",
	}
	dbOperationTimeout = 30 * time.Second
)

// Store is the durable state of the bot: opted-in channels, bans,
// post mappings, plus the interaction log and admin token.
// Every write commits before returning. Failures are returned as
// ErrStoreFailure.
type Store interface {
	// AddChannel opts the channel in to anonymous posts. Adding a
	// channel that's already opted in is a no-op.
	AddChannel(ctx context.Context, channelID string) error

	// RemoveChannel opts the channel out, returning false if it
	// wasn't opted in
	RemoveChannel(ctx context.Context, channelID string) (bool, error)

	// IsChannel returns true if the channel is opted in
	IsChannel(ctx context.Context, channelID string) (bool, error)

	ListChannels(ctx context.Context) ([]AnonChannel, error)

	// UpsertBan creates or overwrites the ban for Ban.UserID
	UpsertBan(ctx context.Context, ban Ban) error

	// DeleteBan removes any ban for the user, returning false if
	// there wasn't one
	DeleteBan(ctx context.Context, userID string) (bool, error)

	// LoadBans returns every ban in the store
	LoadBans(ctx context.Context) ([]Ban, error)

	// SavePostMapping writes the mapping, overwriting any existing
	// mapping with the same post ID
	SavePostMapping(ctx context.Context, m PostMapping) error

	// GetPostMapping returns the mapping for the post ID, or nil if
	// there isn't one
	GetPostMapping(ctx context.Context, postID string) (*PostMapping, error)

	CreateInteractionLog(ctx context.Context, l *InteractionLog) error

	// SetAdminToken stores a new admin API token hash
	SetAdminToken(ctx context.Context, hash string) error

	// AdminTokenHash returns the current admin API token hash, or an
	// empty string if none has been set
	AdminTokenHash(ctx context.Context) (string, error)

	DB() *gorm.DB
}

// database implements Store with gorm. SQLite only allows a single
// writer, so writes are serialized with mu.
type database struct {
	db     *gorm.DB
	mu     sync.Mutex
	logger *slog.Logger
}

// NewStore returns a Store backed by the given gorm connection
func NewStore(db *gorm.DB, log *slog.Logger) Store {
	if log == nil {
		log = slog.Default()
	}
	return &database{
		db:     db,
		logger: log.With(loggerNameKey, "store"),
	}
}

func (d *database) DB() *gorm.DB {
	return d.db
}

// withTimeout applies dbOperationTimeout if ctx doesn't already
// have a deadline
func withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, dbOperationTimeout)
}

func (d *database) AddChannel(ctx context.Context, channelID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	err := d.db.WithContext(ctx).Clauses(
		clause.OnConflict{DoNothing: true},
	).Create(&AnonChannel{ChannelID: channelID}).Error
	if err != nil {
		return storeError("add channel", err)
	}
	d.logger.InfoContext(ctx, "channel added", columnChannelID, channelID)
	return nil
}

func (d *database) RemoveChannel(ctx context.Context, channelID string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	rv := d.db.WithContext(ctx).Delete(&AnonChannel{ChannelID: channelID})
	if rv.Error != nil {
		return false, storeError("remove channel", rv.Error)
	}
	d.logger.InfoContext(
		ctx,
		"channel removed",
		columnChannelID, channelID,
		"rows", rv.RowsAffected,
	)
	return rv.RowsAffected > 0, nil
}

func (d *database) IsChannel(ctx context.Context, channelID string) (bool, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	var count int64
	err := d.db.WithContext(ctx).Model(&AnonChannel{}).Where(
		columnChannelID+" = ?",
		channelID,
	).Count(&count).Error
	if err != nil {
		return false, storeError("check channel", err)
	}
	return count > 0, nil
}

func (d *database) ListChannels(ctx context.Context) ([]AnonChannel, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	var channels []AnonChannel
	if err := d.db.WithContext(ctx).Order(columnChannelID).Find(&channels).Error; err != nil {
		return nil, storeError("list channels", err)
	}
	return channels, nil
}

func (d *database) UpsertBan(ctx context.Context, ban Ban) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	err := d.db.WithContext(ctx).Clauses(
		clause.OnConflict{
			Columns:   []clause.Column{{Name: columnUserID}},
			DoUpdates: clause.AssignmentColumns([]string{columnExpiresAt}),
		},
	).Create(&ban).Error
	if err != nil {
		return storeError("upsert ban", err)
	}
	d.logger.InfoContext(ctx, "ban saved", "ban", ban)
	return nil
}

func (d *database) DeleteBan(ctx context.Context, userID string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	rv := d.db.WithContext(ctx).Delete(&Ban{UserID: userID})
	if rv.Error != nil {
		return false, storeError("delete ban", rv.Error)
	}
	d.logger.InfoContext(ctx, "ban deleted", columnUserID, userID, "rows", rv.RowsAffected)
	return rv.RowsAffected > 0, nil
}

func (d *database) LoadBans(ctx context.Context) ([]Ban, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	var bans []Ban
	if err := d.db.WithContext(ctx).Find(&bans).Error; err != nil {
		return nil, storeError("load bans", err)
	}
	return bans, nil
}

func (d *database) SavePostMapping(ctx context.Context, m PostMapping) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	err := d.db.WithContext(ctx).Clauses(
		clause.OnConflict{
			Columns: []clause.Column{{Name: columnPostID}},
			DoUpdates: clause.AssignmentColumns(
				[]string{columnMessageID, columnChannelID},
			),
		},
	).Create(&m).Error
	if err != nil {
		return storeError("save post mapping", err)
	}
	d.logger.InfoContext(ctx, "post mapping saved", "mapping", m)
	return nil
}

func (d *database) GetPostMapping(ctx context.Context, postID string) (*PostMapping, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	var m PostMapping
	err := d.db.WithContext(ctx).Where(columnPostID+" = ?", postID).Take(&m).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, storeError("get post mapping", err)
	}
	return &m, nil
}

func (d *database) CreateInteractionLog(ctx context.Context, l *InteractionLog) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	if err := d.db.WithContext(ctx).Create(l).Error; err != nil {
		return storeError("create interaction log", err)
	}
	return nil
}

func (d *database) SetAdminToken(ctx context.Context, hash string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	if err := d.db.WithContext(ctx).Create(&AdminToken{Hash: hash}).Error; err != nil {
		return storeError("set admin token", err)
	}
	return nil
}

func (d *database) AdminTokenHash(ctx context.Context) (string, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	var token AdminToken
	err := d.db.WithContext(ctx).Last(&token).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", nil
		}
		return "", storeError("get admin token", err)
	}
	return token.Hash, nil
}

// CreateDB opens (creating, if necessary) the SQLite database at the
// given path and migrates it, logging via a warn-level tint handler.
func CreateDB(ctx context.Context, database string) (*gorm.DB, error) {
	handler := tint.NewHandler(
		defaultLogWriter,
		&tint.Options{
			Level:     slog.LevelWarn,
			AddSource: true,
		},
	)
	return openDB(ctx, database, newGORMLogger(handler, DefaultDatabaseSlowThreshold))
}

// openDB opens the SQLite database at the given path, applies
// connection limits and pragmas, and migrates all models.
func openDB(
	ctx context.Context,
	database string,
	gormLogger *gormStructuredLogger,
) (*gorm.DB, error) {
	dbLogger := gormLogger.logger
	dbLogger.InfoContext(ctx, "initializing database", "database", database)

	db, err := getDB(database, gormLogger)
	if err != nil {
		return nil, fmt.Errorf("error opening database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("error getting database connection: %w", err)
	}
	sqlDB.SetMaxOpenConns(sqliteMaxOpenConns)
	sqlDB.SetMaxIdleConns(sqliteMaxIdleConns)
	sqlDB.SetConnMaxLifetime(sqliteMaxConnLifetime)

	pragmaErrors := make([]error, 0, len(sqliteExecPragma))
	for _, p := range sqliteExecPragma {
		pragmaErrors = append(pragmaErrors, db.WithContext(ctx).Exec(p).Error)
	}
	if pragmaErr := errors.Join(pragmaErrors...); pragmaErr != nil {
		return nil, pragmaErr
	}

	if err = db.WithContext(ctx).AutoMigrate(
		&AnonChannel{},
		&Ban{},
		&PostMapping{},
		&InteractionLog{},
		&AdminToken{},
	); err != nil {
		dbLogger.ErrorContext(ctx, "error migrating database", tint.Err(err))
		return nil, fmt.Errorf("error migrating database: %w", err)
	}
	return db, nil
}

// getDB returns a gorm connection to the SQLite file at the given path,
// creating its parent directory if needed.
func getDB(database string, gormLogger *gormStructuredLogger) (*gorm.DB, error) {
	parentDir := filepath.Dir(database)
	if parentDir != "" {
		if err := os.MkdirAll(parentDir, 0755); err != nil {
			if !errors.Is(err, os.ErrExist) {
				return nil, err
			}
		}
	}
	return gorm.Open(
		sqlite.Open(database),
		&gorm.Config{
			Logger: gormLogger,
			NowFunc: func() time.Time {
				return time.Now().UTC()
			},
		},
	)
}
