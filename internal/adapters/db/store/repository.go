package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Ahm3tJ4f/song-pal-bot/internal/domain"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
	_ "modernc.org/sqlite"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

type Repository struct {
	db *gorm.DB
}

var _ domain.Store = (*Repository)(nil)

// Open connects to the database. SQLite uses the pure-Go modernc driver and a single pooled
// connection, which serializes writers the same way the database file would.
func Open(driver, dsn string) (*gorm.DB, error) {
	cfg := &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)}

	switch driver {
	case DriverSQLite, "":
		db, err := gorm.Open(sqlite.Dialector{
			DriverName: "sqlite",
			DSN:        sqliteDSN(dsn),
		}, cfg)
		if err != nil {
			return nil, err
		}
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(1)
		return db, nil
	case DriverPostgres:
		return gorm.Open(postgres.Open(dsn), cfg)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
}

func sqliteDSN(path string) string {
	if strings.Contains(path, "?") {
		return path
	}
	return path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
}

func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

// InTx runs fn in one transaction. A transaction the database aborted to break a deadlock or a
// serialization conflict is reported as domain.ErrConflict; nothing from it was committed.
func (r *Repository) InTx(ctx context.Context, fn func(tx domain.Repository) error) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&Repository{db: tx})
	})
	if isTxConflict(err) {
		return fmt.Errorf("%w: %v", domain.ErrConflict, err)
	}
	return err
}

func (r *Repository) Ping(ctx context.Context) error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// forUpdate adds row locking where the dialect supports it.
func (r *Repository) forUpdate(q *gorm.DB) *gorm.DB {
	if r.db.Dialector.Name() == DriverPostgres {
		return q.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	return q
}

func (r *Repository) GetOrCreateIdentity(ctx context.Context, value domain.Identity) (domain.Identity, error) {
	existing, err := r.GetIdentityByExternalID(ctx, value.ExternalID)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return domain.Identity{}, err
	}

	m := IdentityModel{
		ExternalID: value.ExternalID,
		FirstName:  value.FirstName,
		LastName:   optionalString(value.LastName),
		CreatedAt:  value.CreatedAt,
	}
	if err := r.db.WithContext(ctx).Create(&m).Error; err != nil {
		if isUniqueViolation(err) {
			return r.GetIdentityByExternalID(ctx, value.ExternalID)
		}
		return domain.Identity{}, err
	}
	return identityFromModel(m), nil
}

func (r *Repository) GetIdentityByID(ctx context.Context, id uint) (domain.Identity, error) {
	var m IdentityModel
	if err := r.db.WithContext(ctx).First(&m, id).Error; err != nil {
		return domain.Identity{}, notFound(err)
	}
	return identityFromModel(m), nil
}

func (r *Repository) GetIdentityByExternalID(ctx context.Context, externalID int64) (domain.Identity, error) {
	var m IdentityModel
	if err := r.db.WithContext(ctx).Where("external_id = ?", externalID).First(&m).Error; err != nil {
		return domain.Identity{}, notFound(err)
	}
	return identityFromModel(m), nil
}

func (r *Repository) LockIdentity(ctx context.Context, id uint) (domain.Identity, error) {
	var m IdentityModel
	if err := r.forUpdate(r.db.WithContext(ctx)).First(&m, id).Error; err != nil {
		return domain.Identity{}, notFound(err)
	}
	return identityFromModel(m), nil
}

func (r *Repository) ClaimActiveConnection(ctx context.Context, identityID, connectionID uint) (bool, error) {
	res := r.db.WithContext(ctx).Model(&IdentityModel{}).
		Where("id = ? AND active_connection_id IS NULL", identityID).
		Update("active_connection_id", connectionID)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *Repository) ReleaseActiveConnection(ctx context.Context, identityID, connectionID uint) error {
	return r.db.WithContext(ctx).Model(&IdentityModel{}).
		Where("id = ? AND active_connection_id = ?", identityID, connectionID).
		Update("active_connection_id", gorm.Expr("NULL")).Error
}

func (r *Repository) CreateConnection(ctx context.Context, value domain.Connection) (domain.Connection, error) {
	m := ConnectionModel{
		InitiatorID:   value.InitiatorID,
		CounterpartID: value.CounterpartID,
		PairCode:      strings.ToLower(value.PairCode),
		State:         string(defaultState(value.State)),
		CreatedAt:     value.CreatedAt,
	}
	if err := r.db.WithContext(ctx).Create(&m).Error; err != nil {
		if isUniqueViolation(err) {
			if strings.Contains(err.Error(), "pair_code") {
				return domain.Connection{}, domain.ErrPairCodeTaken
			}
			return domain.Connection{}, domain.ErrConflict
		}
		return domain.Connection{}, err
	}
	return connectionFromModel(m), nil
}

func (r *Repository) GetConnectionByID(ctx context.Context, id uint) (domain.Connection, error) {
	var m ConnectionModel
	if err := r.db.WithContext(ctx).First(&m, id).Error; err != nil {
		return domain.Connection{}, notFound(err)
	}
	return connectionFromModel(m), nil
}

func (r *Repository) FindPendingByCode(ctx context.Context, code string) (domain.Connection, error) {
	var m ConnectionModel
	q := r.forUpdate(r.db.WithContext(ctx)).
		Where("pair_code = ? AND state = ?", strings.ToLower(strings.TrimSpace(code)), string(domain.ConnectionPending))
	if err := q.First(&m).Error; err != nil {
		return domain.Connection{}, notFound(err)
	}
	return connectionFromModel(m), nil
}

func (r *Repository) ListPendingByInitiator(ctx context.Context, initiatorID uint) ([]domain.Connection, error) {
	rows := make([]ConnectionModel, 0)
	err := r.db.WithContext(ctx).
		Where("initiator_id = ? AND state = ?", initiatorID, string(domain.ConnectionPending)).
		Order("id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return connectionsFromModels(rows), nil
}

func (r *Repository) LatestConnection(ctx context.Context, identityID uint, state *domain.ConnectionState) (domain.Connection, error) {
	q := r.db.WithContext(ctx).Where("(initiator_id = ? OR counterpart_id = ?)", identityID, identityID)
	if state != nil {
		q = q.Where("state = ?", string(*state))
	}

	var m ConnectionModel
	if err := q.Order("created_at DESC").Order("id DESC").First(&m).Error; err != nil {
		return domain.Connection{}, notFound(err)
	}
	return connectionFromModel(m), nil
}

func (r *Repository) MarkConnected(ctx context.Context, connectionID, counterpartID uint, at time.Time) (bool, error) {
	res := r.db.WithContext(ctx).Model(&ConnectionModel{}).
		Where("id = ? AND state = ? AND initiator_id <> ?", connectionID, string(domain.ConnectionPending), counterpartID).
		Updates(map[string]any{
			"state":          string(domain.ConnectionConnected),
			"counterpart_id": counterpartID,
			"connected_at":   at,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *Repository) MarkDisconnected(ctx context.Context, connectionID uint, from domain.ConnectionState, at time.Time) (bool, error) {
	res := r.db.WithContext(ctx).Model(&ConnectionModel{}).
		Where("id = ? AND state = ?", connectionID, string(from)).
		Updates(map[string]any{
			"state":           string(domain.ConnectionDisconnected),
			"disconnected_at": at,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *Repository) ListConnections(ctx context.Context, filter domain.ConnectionFilter) ([]domain.Connection, error) {
	q := r.db.WithContext(ctx).Model(&ConnectionModel{})
	if filter.State != nil {
		q = q.Where("state = ?", string(*filter.State))
	}
	if filter.IdentityID != nil {
		q = q.Where("(initiator_id = ? OR counterpart_id = ?)", *filter.IdentityID, *filter.IdentityID)
	}

	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}

	rows := make([]ConnectionModel, 0)
	if err := q.Order("id DESC").Find(&rows).Error; err != nil {
		return nil, err
	}
	return connectionsFromModels(rows), nil
}

func (r *Repository) CreateExchange(ctx context.Context, value domain.Exchange) (domain.Exchange, error) {
	m := ExchangeModel{
		SenderID:     value.SenderID,
		ReceiverID:   value.ReceiverID,
		ConnectionID: value.ConnectionID,
		Link:         value.Link,
		AccessToken:  value.AccessToken,
		CreatedAt:    value.CreatedAt,
	}
	if err := r.db.WithContext(ctx).Create(&m).Error; err != nil {
		if isUniqueViolation(err) {
			return domain.Exchange{}, domain.ErrConflict
		}
		return domain.Exchange{}, err
	}
	return exchangeFromModel(m), nil
}

func (r *Repository) GetExchangeByToken(ctx context.Context, token string) (domain.Exchange, error) {
	var m ExchangeModel
	if err := r.db.WithContext(ctx).Where("access_token = ?", token).First(&m).Error; err != nil {
		return domain.Exchange{}, notFound(err)
	}
	return exchangeFromModel(m), nil
}

// MarkExchangeOpened stamps first-open timestamps. COALESCE keeps the earliest click when
// several resolutions race; listened_at is only written while still NULL, and firstListen
// reports whether this call wrote it.
func (r *Repository) MarkExchangeOpened(ctx context.Context, exchangeID uint, at time.Time, listened bool) (domain.Exchange, bool, error) {
	db := r.db.WithContext(ctx)
	res := db.Model(&ExchangeModel{}).Where("id = ?", exchangeID).
		Update("clicked_at", gorm.Expr("COALESCE(clicked_at, ?)", at))
	if res.Error != nil {
		return domain.Exchange{}, false, res.Error
	}
	if res.RowsAffected == 0 {
		return domain.Exchange{}, false, domain.ErrNotFound
	}

	firstListen := false
	if listened {
		res = db.Model(&ExchangeModel{}).Where("id = ? AND listened_at IS NULL", exchangeID).
			Update("listened_at", at)
		if res.Error != nil {
			return domain.Exchange{}, false, res.Error
		}
		firstListen = res.RowsAffected == 1
	}

	var m ExchangeModel
	if err := db.First(&m, exchangeID).Error; err != nil {
		return domain.Exchange{}, false, notFound(err)
	}
	return exchangeFromModel(m), firstListen, nil
}

func (r *Repository) ListExchanges(ctx context.Context, filter domain.ExchangeFilter) ([]domain.Exchange, error) {
	q := r.db.WithContext(ctx).Model(&ExchangeModel{})
	if filter.ConnectionID != nil {
		q = q.Where("connection_id = ?", *filter.ConnectionID)
	}

	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}

	rows := make([]ExchangeModel, 0)
	if err := q.Order("id DESC").Find(&rows).Error; err != nil {
		return nil, err
	}
	result := make([]domain.Exchange, 0, len(rows))
	for _, m := range rows {
		result = append(result, exchangeFromModel(m))
	}
	return result, nil
}

func (r *Repository) ListPendingListens(ctx context.Context) ([]domain.PendingListen, error) {
	type row struct {
		ExchangeID         uint
		AccessToken        string
		ReceiverID         uint
		ReceiverExternalID int64
		CreatedAt          time.Time
	}

	rows := make([]row, 0)
	err := r.db.WithContext(ctx).Raw(`
SELECT e.id AS exchange_id,
       e.access_token,
       e.receiver_id,
       i.external_id AS receiver_external_id,
       e.created_at
FROM song_exchanges e
JOIN connections c ON c.id = e.connection_id
JOIN identities i ON i.id = e.receiver_id
WHERE c.state = ?
  AND e.listened_at IS NULL
ORDER BY i.external_id ASC, e.id ASC
`, string(domain.ConnectionConnected)).Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	result := make([]domain.PendingListen, 0, len(rows))
	for _, m := range rows {
		result = append(result, domain.PendingListen{
			ExchangeID:         m.ExchangeID,
			AccessToken:        m.AccessToken,
			ReceiverID:         m.ReceiverID,
			ReceiverExternalID: m.ReceiverExternalID,
			CreatedAt:          m.CreatedAt,
		})
	}
	return result, nil
}

func (r *Repository) Stats(ctx context.Context) (domain.Stats, error) {
	stats := domain.Stats{ConnectionsByState: make(map[domain.ConnectionState]int64)}
	db := r.db.WithContext(ctx)

	if err := db.Model(&IdentityModel{}).Count(&stats.Identities).Error; err != nil {
		return domain.Stats{}, err
	}

	type stateRow struct {
		State string
		Total int64
	}
	rows := make([]stateRow, 0)
	if err := db.Model(&ConnectionModel{}).Select("state, COUNT(*) AS total").Group("state").Scan(&rows).Error; err != nil {
		return domain.Stats{}, err
	}
	for _, row := range rows {
		stats.ConnectionsByState[domain.ConnectionState(row.State)] = row.Total
	}

	if err := db.Model(&ExchangeModel{}).Count(&stats.Exchanges).Error; err != nil {
		return domain.Stats{}, err
	}
	if err := db.Model(&ExchangeModel{}).Where("clicked_at IS NOT NULL").Count(&stats.ClickedExchanges).Error; err != nil {
		return domain.Stats{}, err
	}
	if err := db.Model(&ExchangeModel{}).Where("listened_at IS NOT NULL").Count(&stats.ListenedExchanges).Error; err != nil {
		return domain.Stats{}, err
	}
	return stats, nil
}

func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func isTxConflict(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// deadlock_detected, serialization_failure
		return pgErr.Code == "40P01" || pgErr.Code == "40001"
	}
	return false
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.ErrNotFound
	}
	return err
}

func defaultState(state domain.ConnectionState) domain.ConnectionState {
	if state == "" {
		return domain.ConnectionPending
	}
	return state
}

func optionalString(value string) *string {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	return &value
}

func identityFromModel(m IdentityModel) domain.Identity {
	var lastName string
	if m.LastName != nil {
		lastName = *m.LastName
	}
	return domain.Identity{
		ID:                 m.ID,
		ExternalID:         m.ExternalID,
		FirstName:          m.FirstName,
		LastName:           lastName,
		ActiveConnectionID: m.ActiveConnectionID,
		CreatedAt:          m.CreatedAt,
	}
}

func connectionFromModel(m ConnectionModel) domain.Connection {
	return domain.Connection{
		ID:             m.ID,
		InitiatorID:    m.InitiatorID,
		CounterpartID:  m.CounterpartID,
		PairCode:       m.PairCode,
		State:          domain.ConnectionState(m.State),
		CreatedAt:      m.CreatedAt,
		ConnectedAt:    m.ConnectedAt,
		DisconnectedAt: m.DisconnectedAt,
	}
}

func connectionsFromModels(rows []ConnectionModel) []domain.Connection {
	result := make([]domain.Connection, 0, len(rows))
	for _, m := range rows {
		result = append(result, connectionFromModel(m))
	}
	return result
}

func exchangeFromModel(m ExchangeModel) domain.Exchange {
	return domain.Exchange{
		ID:           m.ID,
		SenderID:     m.SenderID,
		ReceiverID:   m.ReceiverID,
		ConnectionID: m.ConnectionID,
		Link:         m.Link,
		AccessToken:  m.AccessToken,
		CreatedAt:    m.CreatedAt,
		ClickedAt:    m.ClickedAt,
		ListenedAt:   m.ListenedAt,
	}
}
