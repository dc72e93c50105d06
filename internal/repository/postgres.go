// Package repository содержит реализацию доступа к данным в PostgreSQL.
package repository

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/akozyrev/citypass-system/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrUserExists возвращается при попытке создать пользователя с уже существующим логином.
var (
	ErrUserExists = errors.New("user already exists")
	// ErrUserNotFound возвращается, если пользователь не найден.
	ErrUserNotFound = errors.New("user not found")
	// ErrOfferNotFound возвращается, если предложение не найдено.
	ErrOfferNotFound = errors.New("offer not found")
	// ErrOfferNotActive возвращается, если предложение не допущено к использованию.
	ErrOfferNotActive = errors.New("offer is not active")
	// ErrCodeNotFound возвращается, если активный код не найден у данного поставщика.
	ErrCodeNotFound = errors.New("discount code not found")
	// ErrCodeExists возвращается при коллизии значения кода; вызывающий может повторить с новым кодом.
	ErrCodeExists = errors.New("discount code value already exists")
	// ErrCodeAlreadyClaimed возвращается, если у пользователя уже есть код на это предложение.
	ErrCodeAlreadyClaimed = errors.New("discount code already claimed for this offer")
	// ErrCodeLimitReached возвращается, если лимит выданных кодов предложения исчерпан.
	ErrCodeLimitReached = errors.New("offer code limit reached")
)

// PostgresRepository предоставляет доступ к хранилищу данных в PostgreSQL.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository создаёт новый репозиторий и инициализирует схему БД через миграции.
func NewPostgresRepository(dsn string) (*PostgresRepository, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	r := &PostgresRepository{pool: pool}

	if err := r.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return r, nil
}

func (r *PostgresRepository) runMigrations(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(r.pool)
	defer db.Close()

	goose.SetBaseFS(migrationsFS)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

func (r *PostgresRepository) withRetry(ctx context.Context, fn func() error) error {
	var err error
	delays := []time.Duration{1 * time.Second, 3 * time.Second, 5 * time.Second}

	for i := 0; i <= len(delays); i++ {
		err = fn()
		if err == nil {
			return nil
		}

		// Если ошибка контекста — выходим сразу
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		// Ретраи полезны для Serialization Failure и Deadlocks.
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			if pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected {
				if i < len(delays) {
					time.Sleep(delays[i])
					continue
				}
			}
		}

		// Если это не pg-ошибка, но сетевая
		if isConnectionError(err) {
			if i < len(delays) {
				time.Sleep(delays[i])
				continue
			}
		}

		break
	}
	return err
}

func isConnectionError(err error) bool {
	// Упрощенная проверка на ошибки соединения
	return strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "broken pipe") ||
		strings.Contains(err.Error(), "connection reset by peer")
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

// CreateUser создаёт нового пользователя с указанной ролью.
func (r *PostgresRepository) CreateUser(ctx context.Context, login string, passwordHash []byte, role model.Role) (int64, error) {
	var id int64
	err := r.pool.QueryRow(ctx,
		`INSERT INTO users (login, password_hash, role) VALUES ($1, $2, $3) RETURNING id`,
		login, passwordHash, string(role),
	).Scan(&id)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return 0, fmt.Errorf("%w: %s", ErrUserExists, login)
		}
		return 0, fmt.Errorf("create user: %w", err)
	}
	return id, nil
}

// GetUserByLogin возвращает пользователя по логину.
func (r *PostgresRepository) GetUserByLogin(ctx context.Context, login string) (*model.User, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, login, password_hash, role, created_at FROM users WHERE login = $1`,
		login,
	)

	var u model.User
	var role string
	err := row.Scan(&u.ID, &u.Login, &u.PasswordHash, &role, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("get user: %w", err)
	}
	u.Role = model.Role(role)

	return &u, nil
}

// CreateOffer сохраняет новое предложение поставщика вместе с его ограничением, если оно задано.
func (r *PostgresRepository) CreateOffer(ctx context.Context, offer *model.Offer) (int64, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var id int64
	err = tx.QueryRow(ctx,
		`INSERT INTO offers (supplier_id, title, description, amount, offer_type, status, active, starts_at, expires_at, code_limit)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 RETURNING id`,
		offer.SupplierID, offer.Title, offer.Description, offer.Amount, int16(offer.Type),
		string(offer.Status), offer.Active, offer.StartsAt, offer.ExpiresAt, offer.CodeLimit,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert offer: %w", err)
	}

	if offer.Restriction != nil {
		res := offer.Restriction
		var freq *string
		if res.Frequency != nil {
			v := string(*res.Frequency)
			freq = &v
		}
		_, err = tx.Exec(ctx,
			`INSERT INTO restrictions (offer_id, age_restriction, frequency, min_price, max_price, time_from, time_to)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			id, res.AgeRestriction, freq, res.MinPriceCents, res.MaxPriceCents, res.TimeFrom, res.TimeTo,
		)
		if err != nil {
			return 0, fmt.Errorf("insert restriction: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit tx: %w", err)
	}

	return id, nil
}

const offerColumns = `o.id, o.supplier_id, o.title, o.description, o.amount, o.offer_type, o.status, o.active,
	 o.starts_at, o.expires_at, o.code_limit, o.created_at,
	 r.id, r.age_restriction, r.frequency, r.min_price, r.max_price, r.time_from, r.time_to`

func scanOffer(row pgx.Row) (*model.Offer, error) {
	var (
		o      model.Offer
		otype  int16
		status string
		rID    *int64
		rAge   *int16
		rFreq  *string
		rMin   *int64
		rMax   *int64
		rFrom  *int16
		rTo    *int16
	)

	err := row.Scan(
		&o.ID, &o.SupplierID, &o.Title, &o.Description, &o.Amount, &otype, &status, &o.Active,
		&o.StartsAt, &o.ExpiresAt, &o.CodeLimit, &o.CreatedAt,
		&rID, &rAge, &rFreq, &rMin, &rMax, &rFrom, &rTo,
	)
	if err != nil {
		return nil, err
	}
	o.Type = model.OfferType(otype)
	o.Status = model.OfferStatus(status)

	if rID != nil {
		res := &model.Restriction{
			ID:             *rID,
			OfferID:        o.ID,
			AgeRestriction: rAge,
			MinPriceCents:  rMin,
			MaxPriceCents:  rMax,
			TimeFrom:       rFrom,
			TimeTo:         rTo,
		}
		if rFreq != nil {
			f := model.UsageFrequency(*rFreq)
			res.Frequency = &f
		}
		o.Restriction = res
	}

	return &o, nil
}

// GetOfferByID возвращает предложение вместе с ограничением по идентификатору.
func (r *PostgresRepository) GetOfferByID(ctx context.Context, offerID int64) (*model.Offer, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+offerColumns+`
		 FROM offers o
		 LEFT JOIN restrictions r ON r.offer_id = o.id
		 WHERE o.id = $1`,
		offerID,
	)

	offer, err := scanOffer(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrOfferNotFound
		}
		return nil, fmt.Errorf("get offer: %w", err)
	}

	return offer, nil
}

// ListActiveOffers возвращает предложения, доступные горожанам на указанный момент.
func (r *PostgresRepository) ListActiveOffers(ctx context.Context, at time.Time) ([]model.Offer, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+offerColumns+`
		 FROM offers o
		 LEFT JOIN restrictions r ON r.offer_id = o.id
		 WHERE o.status = $1 AND o.active AND o.starts_at <= $2 AND o.expires_at >= $2
		 ORDER BY o.created_at DESC`,
		string(model.OfferStatusActive), at,
	)
	if err != nil {
		return nil, fmt.Errorf("select offers: %w", err)
	}
	defer rows.Close()

	var offers []model.Offer
	for rows.Next() {
		offer, err := scanOffer(rows)
		if err != nil {
			return nil, fmt.Errorf("scan offer: %w", err)
		}
		offers = append(offers, *offer)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return offers, nil
}

// ExpireOffers переводит просроченные активные предложения в статус EXPIRED
// и возвращает количество затронутых строк.
func (r *PostgresRepository) ExpireOffers(ctx context.Context, at time.Time) (int64, error) {
	var affected int64
	err := r.withRetry(ctx, func() error {
		tag, err := r.pool.Exec(ctx,
			`UPDATE offers SET status = $1 WHERE status = $2 AND expires_at < $3`,
			string(model.OfferStatusExpired), string(model.OfferStatusActive), at,
		)
		if err != nil {
			return fmt.Errorf("expire offers: %w", err)
		}
		affected = tag.RowsAffected()
		return nil
	})
	return affected, err
}

// ClaimCode выдаёт пользователю код на предложение. Строка предложения
// блокируется на время транзакции, чтобы лимит выданных кодов не был
// превышен параллельными заявками.
func (r *PostgresRepository) ClaimCode(ctx context.Context, userID, offerID int64, code string, at time.Time) (*model.DiscountCode, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var (
		status    string
		active    bool
		startsAt  time.Time
		expiresAt time.Time
		codeLimit *int64
	)
	err = tx.QueryRow(ctx,
		`SELECT status, active, starts_at, expires_at, code_limit FROM offers WHERE id = $1 FOR UPDATE`,
		offerID,
	).Scan(&status, &active, &startsAt, &expiresAt, &codeLimit)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrOfferNotFound
		}
		return nil, fmt.Errorf("lock offer: %w", err)
	}

	if model.OfferStatus(status) != model.OfferStatusActive || !active || at.Before(startsAt) || at.After(expiresAt) {
		return nil, ErrOfferNotActive
	}

	if codeLimit != nil {
		var issued int64
		err = tx.QueryRow(ctx,
			`SELECT COUNT(*) FROM discount_codes WHERE offer_id = $1`,
			offerID,
		).Scan(&issued)
		if err != nil {
			return nil, fmt.Errorf("count codes: %w", err)
		}
		if issued >= *codeLimit {
			return nil, ErrCodeLimitReached
		}
	}

	dc := &model.DiscountCode{
		OfferID: offerID,
		UserID:  userID,
		Code:    code,
		Active:  true,
	}
	err = tx.QueryRow(ctx,
		`INSERT INTO discount_codes (offer_id, user_id, code) VALUES ($1, $2, $3) RETURNING id, created_at`,
		offerID, userID, code,
	).Scan(&dc.ID, &dc.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			if pgErr.ConstraintName == "discount_codes_user_offer_key" {
				return nil, ErrCodeAlreadyClaimed
			}
			return nil, fmt.Errorf("%w: %s", ErrCodeExists, code)
		}
		return nil, fmt.Errorf("insert code: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}

	return dc, nil
}

// GetActiveCodeBySupplier возвращает активный код по значению без учёта
// регистра, если предложение кода принадлежит указанному поставщику.
// Статус самого предложения не фильтруется: его проверяет бизнес-логика,
// чтобы отличать неизвестный код от неактивного предложения.
func (r *PostgresRepository) GetActiveCodeBySupplier(ctx context.Context, code string, supplierID int64) (*model.DiscountCode, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT dc.id, dc.offer_id, dc.user_id, dc.code, dc.active, dc.created_at, `+offerColumns+`
		 FROM discount_codes dc
		 JOIN offers o ON o.id = dc.offer_id
		 LEFT JOIN restrictions r ON r.offer_id = o.id
		 WHERE upper(dc.code) = upper($1) AND dc.active AND o.supplier_id = $2`,
		code, supplierID,
	)

	dc, err := scanCodeWithOffer(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrCodeNotFound
		}
		return nil, fmt.Errorf("get code: %w", err)
	}

	return dc, nil
}

func scanCodeWithOffer(row pgx.Row) (*model.DiscountCode, error) {
	var (
		dc     model.DiscountCode
		o      model.Offer
		otype  int16
		status string
		rID    *int64
		rAge   *int16
		rFreq  *string
		rMin   *int64
		rMax   *int64
		rFrom  *int16
		rTo    *int16
	)

	err := row.Scan(
		&dc.ID, &dc.OfferID, &dc.UserID, &dc.Code, &dc.Active, &dc.CreatedAt,
		&o.ID, &o.SupplierID, &o.Title, &o.Description, &o.Amount, &otype, &status, &o.Active,
		&o.StartsAt, &o.ExpiresAt, &o.CodeLimit, &o.CreatedAt,
		&rID, &rAge, &rFreq, &rMin, &rMax, &rFrom, &rTo,
	)
	if err != nil {
		return nil, err
	}
	o.Type = model.OfferType(otype)
	o.Status = model.OfferStatus(status)

	if rID != nil {
		res := &model.Restriction{
			ID:             *rID,
			OfferID:        o.ID,
			AgeRestriction: rAge,
			MinPriceCents:  rMin,
			MaxPriceCents:  rMax,
			TimeFrom:       rFrom,
			TimeTo:         rTo,
		}
		if rFreq != nil {
			f := model.UsageFrequency(*rFreq)
			res.Frequency = &f
		}
		o.Restriction = res
	}

	dc.Offer = &o
	return &dc, nil
}

// GetCodeByUserAndOffer возвращает код пользователя на предложение.
func (r *PostgresRepository) GetCodeByUserAndOffer(ctx context.Context, userID, offerID int64) (*model.DiscountCode, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, offer_id, user_id, code, active, created_at
		 FROM discount_codes
		 WHERE user_id = $1 AND offer_id = $2`,
		userID, offerID,
	)

	var dc model.DiscountCode
	err := row.Scan(&dc.ID, &dc.OfferID, &dc.UserID, &dc.Code, &dc.Active, &dc.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrCodeNotFound
		}
		return nil, fmt.Errorf("get code by user and offer: %w", err)
	}

	return &dc, nil
}

// GetCodesByUser возвращает коды пользователя вместе с предложениями.
func (r *PostgresRepository) GetCodesByUser(ctx context.Context, userID int64) ([]model.DiscountCode, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT dc.id, dc.offer_id, dc.user_id, dc.code, dc.active, dc.created_at, `+offerColumns+`
		 FROM discount_codes dc
		 JOIN offers o ON o.id = dc.offer_id
		 LEFT JOIN restrictions r ON r.offer_id = o.id
		 WHERE dc.user_id = $1
		 ORDER BY dc.created_at DESC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("select codes: %w", err)
	}
	defer rows.Close()

	var codes []model.DiscountCode
	for rows.Next() {
		dc, err := scanCodeWithOffer(rows)
		if err != nil {
			return nil, fmt.Errorf("scan code: %w", err)
		}
		codes = append(codes, *dc)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return codes, nil
}

// DeactivateCode атомарно переводит код в неактивное состояние и сообщает,
// была ли изменена строка. Условие active в WHERE закрывает гонку двух
// параллельных погашений одного кода.
func (r *PostgresRepository) DeactivateCode(ctx context.Context, codeID int64) (bool, error) {
	tag, err := r.pool.Exec(ctx,
		`UPDATE discount_codes SET active = false WHERE id = $1 AND active`,
		codeID,
	)
	if err != nil {
		return false, fmt.Errorf("deactivate code: %w", err)
	}

	return tag.RowsAffected() == 1, nil
}

// GetLastTransaction возвращает последнюю транзакцию пользователя по
// предложению или nil, если погашений ещё не было.
func (r *PostgresRepository) GetLastTransaction(ctx context.Context, userID, offerID int64) (*model.OfferTransaction, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT t.id, t.code_id, t.amount, t.created_at
		 FROM offer_transactions t
		 JOIN discount_codes dc ON dc.id = t.code_id
		 WHERE dc.user_id = $1 AND dc.offer_id = $2
		 ORDER BY t.created_at DESC
		 LIMIT 1`,
		userID, offerID,
	)

	var tr model.OfferTransaction
	err := row.Scan(&tr.ID, &tr.CodeID, &tr.AmountCents, &tr.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get last transaction: %w", err)
	}

	return &tr, nil
}

// CreateTransaction добавляет запись о погашении кода. Записи неизменяемы,
// каждый вызов добавляет новую строку.
func (r *PostgresRepository) CreateTransaction(ctx context.Context, codeID, amountCents int64, at time.Time) (int64, error) {
	var id int64
	err := r.pool.QueryRow(ctx,
		`INSERT INTO offer_transactions (code_id, amount, created_at) VALUES ($1, $2, $3) RETURNING id`,
		codeID, amountCents, at,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert transaction: %w", err)
	}
	return id, nil
}

// TransactionRecord описывает погашение кода в истории поставщика.
type TransactionRecord struct {
	ID          int64
	Code        string
	OfferTitle  string
	AmountCents int64
	CreatedAt   time.Time
}

// ListTransactionsBySupplier возвращает историю погашений по предложениям поставщика.
func (r *PostgresRepository) ListTransactionsBySupplier(ctx context.Context, supplierID int64) ([]TransactionRecord, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT t.id, dc.code, o.title, t.amount, t.created_at
		 FROM offer_transactions t
		 JOIN discount_codes dc ON dc.id = t.code_id
		 JOIN offers o ON o.id = dc.offer_id
		 WHERE o.supplier_id = $1
		 ORDER BY t.created_at DESC`,
		supplierID,
	)
	if err != nil {
		return nil, fmt.Errorf("select transactions: %w", err)
	}
	defer rows.Close()

	var res []TransactionRecord
	for rows.Next() {
		var rec TransactionRecord
		if err := rows.Scan(&rec.ID, &rec.Code, &rec.OfferTitle, &rec.AmountCents, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		res = append(res, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}
