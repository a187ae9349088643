package repository

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/pressly/goose/v3"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/Dan9191/card-ledger/internal/apperr"
	"github.com/Dan9191/card-ledger/internal/models"
)

// Store is the account store behind the card registry and the transfer engine.
// Not-found lookups return apperr.ErrCardNotFound / apperr.ErrUserNotFound;
// every other failure that is not a business outcome is an apperr infrastructure error.
type Store interface {
	GetCard(ctx context.Context, id int64) (*models.Card, error)
	GetCardByPAN(ctx context.Context, encryptedPAN string) (*models.Card, error)
	ExistsByEncryptedPAN(ctx context.Context, encryptedPAN string) (bool, error)
	CreateCard(ctx context.Context, card *models.Card) error
	// SaveCard persists status and expiry date. Balance is never written here.
	SaveCard(ctx context.Context, card *models.Card) error
	// DeleteCard removes the card only while its stored balance is zero,
	// otherwise it fails with apperr.ErrCardHasBalance.
	DeleteCard(ctx context.Context, card *models.Card) error
	QueryCards(ctx context.Context, filter models.CardFilter, page models.PageRequest) (models.Page[models.Card], error)
	ListCardsByOwner(ctx context.Context, ownerID int64) ([]models.Card, error)
	ListExpiredCards(ctx context.Context, today time.Time) ([]models.Card, error)
	// ExpireCard sets the card to EXPIRED only while it is still ACTIVE and
	// reports whether it changed. A missing card reports false.
	ExpireCard(ctx context.Context, card *models.Card) (bool, error)

	// UpdateCardPair is the atomic unit of a transfer: see PairFunc.
	UpdateCardPair(ctx context.Context, fromID, toID int64, fn PairFunc) (*models.Transaction, error)
	ListTransactions(ctx context.Context, cardID int64, limit int) ([]models.Transaction, error)

	GetUser(ctx context.Context, id int64) (*models.User, error)
	GetUserByUsername(ctx context.Context, username string) (*models.User, error)
	ExistsByUsername(ctx context.Context, username string) (bool, error)
	ExistsByEmail(ctx context.Context, email string) (bool, error)
	CreateUser(ctx context.Context, user *models.User) error

	Close() error
}

// PairFunc receives both cards of a transfer while the store holds them
// exclusively, in argument order. It may change only the balances and
// returns the ledger record to append. A returned error aborts the unit
// and nothing is written. Missing cards are reported before fn runs,
// source first.
type PairFunc func(from, to *models.Card) (*models.Transaction, error)

// Options tune a store
type Options struct {
	Logger      *logrus.Logger
	MaxRetries  int
	LockTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.Logger == nil {
		o.Logger = logrus.StandardLogger()
	}
	if o.MaxRetries < 1 {
		o.MaxRetries = 3
	}
	if o.LockTimeout <= 0 {
		o.LockTimeout = 5 * time.Second
	}
	return o
}

// Open connects to the backend named by driver and applies migrations
func Open(ctx context.Context, driverName, dsn string, opts Options) (Store, error) {
	switch driverName {
	case "postgres":
		db, err := sql.Open("postgres", dsn)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		if err := db.PingContext(ctx); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to ping database: %w", err)
		}
		if err := Migrate(ctx, db, goose.DialectPostgres, opts.withDefaults().Logger); err != nil {
			db.Close()
			return nil, err
		}
		return NewRepository(db, opts), nil
	case "sqlite":
		return OpenSQLite(ctx, dsn, opts)
	default:
		return nil, fmt.Errorf("unsupported database driver: %q", driverName)
	}
}

// Compile-time check: *Repository must satisfy Store.
var _ Store = (*Repository)(nil)

// Repository is the PostgreSQL store. Transfers lock both card rows with
// SELECT ... FOR UPDATE in ascending id order.
type Repository struct {
	db          *sql.DB
	log         *logrus.Logger
	retry       retrier
	lockTimeout time.Duration
}

// NewRepository initializes a new repository
func NewRepository(db *sql.DB, opts Options) *Repository {
	opts = opts.withDefaults()
	return &Repository{
		db:          db,
		log:         opts.Logger,
		retry:       newRetrier(opts.MaxRetries, classifyPostgres, opts.Logger),
		lockTimeout: opts.LockTimeout,
	}
}

// Close closes the database handle
func (r *Repository) Close() error {
	return r.db.Close()
}

const cardColumns = `id, encrypted_card_number, owner_id, expiry_date, status, balance, version, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCard(row rowScanner) (*models.Card, error) {
	card := &models.Card{}
	err := row.Scan(&card.ID, &card.EncryptedPAN, &card.OwnerID, &card.ExpiryDate, &card.Status,
		&card.Balance, &card.Version, &card.CreatedAt, &card.UpdatedAt)
	if err != nil {
		return nil, err
	}
	card.ExpiryDate = models.Date(card.ExpiryDate)
	return card, nil
}

// GetCard retrieves a card by id
func (r *Repository) GetCard(ctx context.Context, id int64) (*models.Card, error) {
	var card *models.Card
	err := r.retry.do(ctx, "get card", func() error {
		c, err := scanCard(r.db.QueryRowContext(ctx,
			`SELECT `+cardColumns+` FROM bank.cards WHERE id = $1`, id))
		if errors.Is(err, sql.ErrNoRows) {
			return apperr.CardNotFound(id)
		}
		card = c
		return err
	})
	return card, err
}

// GetCardByPAN retrieves a card by its encrypted number
func (r *Repository) GetCardByPAN(ctx context.Context, encryptedPAN string) (*models.Card, error) {
	var card *models.Card
	err := r.retry.do(ctx, "get card by number", func() error {
		c, err := scanCard(r.db.QueryRowContext(ctx,
			`SELECT `+cardColumns+` FROM bank.cards WHERE encrypted_card_number = $1`, encryptedPAN))
		if errors.Is(err, sql.ErrNoRows) {
			return apperr.ErrCardNotFound
		}
		card = c
		return err
	})
	return card, err
}

// ExistsByEncryptedPAN reports whether a card with this ciphertext exists
func (r *Repository) ExistsByEncryptedPAN(ctx context.Context, encryptedPAN string) (bool, error) {
	return r.exists(ctx, "check card number", `SELECT EXISTS (SELECT 1 FROM bank.cards WHERE encrypted_card_number = $1)`, encryptedPAN)
}

// CreateCard inserts a new card and fills its generated fields
func (r *Repository) CreateCard(ctx context.Context, card *models.Card) error {
	query := `
		INSERT INTO bank.cards (encrypted_card_number, owner_id, expiry_date, status, balance, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, 1, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
		RETURNING id, version, created_at, updated_at`
	return r.retry.do(ctx, "create card", func() error {
		err := r.db.QueryRowContext(ctx, query, card.EncryptedPAN, card.OwnerID, dateString(card.ExpiryDate),
			card.Status, card.Balance.StringFixed(2)).
			Scan(&card.ID, &card.Version, &card.CreatedAt, &card.UpdatedAt)
		return mapPostgresError(err)
	})
}

// SaveCard persists status and expiry date
func (r *Repository) SaveCard(ctx context.Context, card *models.Card) error {
	query := `
		UPDATE bank.cards
		SET status = $2, expiry_date = $3, version = version + 1, updated_at = CURRENT_TIMESTAMP
		WHERE id = $1
		RETURNING version, updated_at`
	return r.retry.do(ctx, "save card", func() error {
		err := r.db.QueryRowContext(ctx, query, card.ID, card.Status, dateString(card.ExpiryDate)).
			Scan(&card.Version, &card.UpdatedAt)
		if errors.Is(err, sql.ErrNoRows) {
			return apperr.CardNotFound(card.ID)
		}
		return mapPostgresError(err)
	})
}

// DeleteCard removes a card whose stored balance is zero
func (r *Repository) DeleteCard(ctx context.Context, card *models.Card) error {
	return r.retry.do(ctx, "delete card", func() error {
		res, err := r.db.ExecContext(ctx, `DELETE FROM bank.cards WHERE id = $1 AND balance = 0`, card.ID)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 1 {
			return nil
		}
		var exists bool
		if err := r.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM bank.cards WHERE id = $1)`, card.ID).Scan(&exists); err != nil {
			return err
		}
		if exists {
			return apperr.ErrCardHasBalance
		}
		return apperr.CardNotFound(card.ID)
	})
}

// QueryCards returns one page of cards matching filter
func (r *Repository) QueryCards(ctx context.Context, filter models.CardFilter, page models.PageRequest) (models.Page[models.Card], error) {
	page = page.Normalize()
	var (
		conds []string
		args  []any
	)
	if filter.OwnerID != nil {
		args = append(args, *filter.OwnerID)
		conds = append(conds, fmt.Sprintf("owner_id = $%d", len(args)))
	}
	if filter.Status != nil {
		args = append(args, string(*filter.Status))
		conds = append(conds, fmt.Sprintf("status = $%d", len(args)))
	}
	where := ""
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}

	result := models.Page[models.Card]{Page: page.Page, Size: page.Size}
	err := r.retry.do(ctx, "query cards", func() error {
		if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM bank.cards`+where, args...).Scan(&result.Total); err != nil {
			return err
		}
		query := fmt.Sprintf(`SELECT %s FROM bank.cards%s ORDER BY %s LIMIT $%d OFFSET $%d`,
			cardColumns, where, page.OrderBy(), len(args)+1, len(args)+2)
		cards, err := r.queryCards(ctx, query, append(args, page.Size, page.Offset())...)
		result.Items = cards
		return err
	})
	return result, err
}

// ListCardsByOwner returns every card of a user
func (r *Repository) ListCardsByOwner(ctx context.Context, ownerID int64) ([]models.Card, error) {
	var cards []models.Card
	err := r.retry.do(ctx, "list cards", func() error {
		var err error
		cards, err = r.queryCards(ctx, `SELECT `+cardColumns+` FROM bank.cards WHERE owner_id = $1 ORDER BY id`, ownerID)
		return err
	})
	return cards, err
}

// ListExpiredCards returns active cards whose expiry date is before today
func (r *Repository) ListExpiredCards(ctx context.Context, today time.Time) ([]models.Card, error) {
	var cards []models.Card
	err := r.retry.do(ctx, "list expired cards", func() error {
		var err error
		cards, err = r.queryCards(ctx, `SELECT `+cardColumns+` FROM bank.cards WHERE status = $1 AND expiry_date < $2 ORDER BY id`,
			models.CardStatusActive, dateString(today))
		return err
	})
	return cards, err
}

// ExpireCard moves an ACTIVE card to EXPIRED
func (r *Repository) ExpireCard(ctx context.Context, card *models.Card) (bool, error) {
	query := `
		UPDATE bank.cards
		SET status = $2, version = version + 1, updated_at = CURRENT_TIMESTAMP
		WHERE id = $1 AND status = $3
		RETURNING version, updated_at`
	var changed bool
	err := r.retry.do(ctx, "expire card", func() error {
		err := r.db.QueryRowContext(ctx, query, card.ID, models.CardStatusExpired, models.CardStatusActive).
			Scan(&card.Version, &card.UpdatedAt)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		changed = err == nil
		return err
	})
	if changed {
		card.Status = models.CardStatusExpired
	}
	return changed, err
}

func (r *Repository) queryCards(ctx context.Context, query string, args ...any) ([]models.Card, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cards := []models.Card{}
	for rows.Next() {
		card, err := scanCard(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan card: %w", err)
		}
		cards = append(cards, *card)
	}
	return cards, rows.Err()
}

// UpdateCardPair locks both cards in ascending id order, runs fn and
// writes both balances plus the ledger record in one transaction.
func (r *Repository) UpdateCardPair(ctx context.Context, fromID, toID int64, fn PairFunc) (*models.Transaction, error) {
	var record *models.Transaction
	err := r.retry.do(ctx, "transfer", func() error {
		record = nil
		return runInTx(ctx, r.db, r.log, func(tx *sql.Tx) error {
			// SET cannot take parameters; the value is an integer we format ourselves
			if _, err := tx.ExecContext(ctx, fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", r.lockTimeout.Milliseconds())); err != nil {
				return err
			}

			locked := make(map[int64]*models.Card, 2)
			for _, id := range lockOrder(fromID, toID) {
				card, err := scanCard(tx.QueryRowContext(ctx,
					`SELECT `+cardColumns+` FROM bank.cards WHERE id = $1 FOR UPDATE`, id))
				if errors.Is(err, sql.ErrNoRows) {
					continue
				}
				if err != nil {
					return err
				}
				locked[id] = card
			}
			from, to, err := pairFromLocked(locked, fromID, toID)
			if err != nil {
				return err
			}

			out, err := fn(from, to)
			if err != nil {
				return err
			}
			if fromID == toID {
				return apperr.ErrSelfTransfer
			}

			for _, c := range []*models.Card{from, to} {
				err := tx.QueryRowContext(ctx, `
					UPDATE bank.cards SET balance = $2, version = version + 1, updated_at = CURRENT_TIMESTAMP
					WHERE id = $1 RETURNING version, updated_at`, c.ID, c.Balance.StringFixed(2)).
					Scan(&c.Version, &c.UpdatedAt)
				if err != nil {
					return mapPostgresError(err)
				}
			}

			out.FromCardID, out.ToCardID = fromID, toID
			err = tx.QueryRowContext(ctx, `
				INSERT INTO bank.transactions (from_card_id, to_card_id, amount, transaction_date, status, description)
				VALUES ($1, $2, $3, CURRENT_TIMESTAMP, $4, $5)
				RETURNING id, transaction_date`,
				out.FromCardID, out.ToCardID, out.Amount.StringFixed(2), out.Status, out.Description).
				Scan(&out.ID, &out.Timestamp)
			if err != nil {
				return mapPostgresError(err)
			}
			record = out
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return record, nil
}

// ListTransactions returns the newest ledger records touching a card
func (r *Repository) ListTransactions(ctx context.Context, cardID int64, limit int) ([]models.Transaction, error) {
	var out []models.Transaction
	err := r.retry.do(ctx, "list transactions", func() error {
		rows, err := r.db.QueryContext(ctx, `
			SELECT id, from_card_id, to_card_id, amount, transaction_date, status, description
			FROM bank.transactions
			WHERE from_card_id = $1 OR to_card_id = $1
			ORDER BY transaction_date DESC, id DESC
			LIMIT $2`, cardID, limit)
		if err != nil {
			return err
		}
		defer rows.Close()

		out = []models.Transaction{}
		for rows.Next() {
			var t models.Transaction
			if err := rows.Scan(&t.ID, &t.FromCardID, &t.ToCardID, &t.Amount, &t.Timestamp, &t.Status, &t.Description); err != nil {
				return fmt.Errorf("failed to scan transaction: %w", err)
			}
			out = append(out, t)
		}
		return rows.Err()
	})
	return out, err
}

const userColumns = `id, username, email, password_hash, role, enabled, created_at, updated_at`

func scanUser(row rowScanner) (*models.User, error) {
	user := &models.User{}
	err := row.Scan(&user.ID, &user.Username, &user.Email, &user.PasswordHash, &user.Role,
		&user.Enabled, &user.CreatedAt, &user.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return user, nil
}

// GetUser retrieves a user by id
func (r *Repository) GetUser(ctx context.Context, id int64) (*models.User, error) {
	var user *models.User
	err := r.retry.do(ctx, "get user", func() error {
		u, err := scanUser(r.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM bank.users WHERE id = $1`, id))
		if errors.Is(err, sql.ErrNoRows) {
			return apperr.UserNotFound(id)
		}
		user = u
		return err
	})
	return user, err
}

// GetUserByUsername retrieves a user by username
func (r *Repository) GetUserByUsername(ctx context.Context, username string) (*models.User, error) {
	var user *models.User
	err := r.retry.do(ctx, "get user", func() error {
		u, err := scanUser(r.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM bank.users WHERE username = $1`, username))
		if errors.Is(err, sql.ErrNoRows) {
			return apperr.UserNotFoundByName(username)
		}
		user = u
		return err
	})
	return user, err
}

// ExistsByUsername reports whether the username is taken
func (r *Repository) ExistsByUsername(ctx context.Context, username string) (bool, error) {
	return r.exists(ctx, "check username", `SELECT EXISTS (SELECT 1 FROM bank.users WHERE username = $1)`, username)
}

// ExistsByEmail reports whether the email is taken
func (r *Repository) ExistsByEmail(ctx context.Context, email string) (bool, error) {
	return r.exists(ctx, "check email", `SELECT EXISTS (SELECT 1 FROM bank.users WHERE email = $1)`, email)
}

// CreateUser creates a new user in the database
func (r *Repository) CreateUser(ctx context.Context, user *models.User) error {
	query := `
		INSERT INTO bank.users (username, email, password_hash, role, enabled, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
		RETURNING id, created_at, updated_at`
	return r.retry.do(ctx, "create user", func() error {
		err := r.db.QueryRowContext(ctx, query, user.Username, user.Email, user.PasswordHash, user.Role, user.Enabled).
			Scan(&user.ID, &user.CreatedAt, &user.UpdatedAt)
		return mapPostgresError(err)
	})
}

func (r *Repository) exists(ctx context.Context, op, query string, arg any) (bool, error) {
	var exists bool
	err := r.retry.do(ctx, op, func() error {
		return r.db.QueryRowContext(ctx, query, arg).Scan(&exists)
	})
	return exists, err
}

// PostgreSQL error codes
const (
	uniqueViolationCode      = "23505"
	checkViolationCode       = "23514"
	numericOutOfRangeCode    = "22003"
	serializationFailureCode = "40001"
	deadlockDetectedCode     = "40P01"
	lockNotAvailableCode     = "55P03"
	queryCanceledCode        = "57014"
)

// mapPostgresError turns constraint violations into domain errors and
// leaves everything else for the retrier to classify
func mapPostgresError(err error) error {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return err
	}
	switch pqErr.Code {
	case uniqueViolationCode:
		switch pqErr.Constraint {
		case "cards_encrypted_card_number_key":
			return apperr.ErrDuplicatePAN
		case "users_username_key":
			return apperr.ErrDuplicateUsername
		case "users_email_key":
			return apperr.ErrDuplicateEmail
		}
	case checkViolationCode:
		if pqErr.Constraint == "cards_balance_non_negative" {
			return apperr.ErrInsufficientFunds
		}
		return apperr.InvalidInput("constraint %s violated", pqErr.Constraint)
	case numericOutOfRangeCode:
		return apperr.InvalidInput("amount exceeds the maximum of %s", models.MaxAmount.StringFixed(2))
	}
	return err
}

func classifyPostgres(err error) transience {
	if errors.Is(err, sql.ErrConnDone) || errors.Is(err, driver.ErrBadConn) {
		return transient
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case serializationFailureCode, deadlockDetectedCode, lockNotAvailableCode:
			return conflict
		case queryCanceledCode:
			return permanent
		}
		if pqErr.Code.Class() == "08" { // connection exception
			return transient
		}
	}
	return permanent
}

// lockOrder returns the distinct card ids in the global lock order
func lockOrder(a, b int64) []int64 {
	switch {
	case a == b:
		return []int64{a}
	case a < b:
		return []int64{a, b}
	default:
		return []int64{b, a}
	}
}

func pairFromLocked(locked map[int64]*models.Card, fromID, toID int64) (*models.Card, *models.Card, error) {
	from, ok := locked[fromID]
	if !ok {
		return nil, nil, apperr.CardNotFound(fromID)
	}
	to, ok := locked[toID]
	if !ok {
		return nil, nil, apperr.CardNotFound(toID)
	}
	return from, to, nil
}

func dateString(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// cents converts scale-2 money to the integer cents SQLite stores.
// Values beyond models.MaxAmount in either direction are rejected.
func cents(d decimal.Decimal) (int64, error) {
	if d.Abs().GreaterThan(models.MaxAmount) {
		return 0, apperr.InvalidInput("amount %s exceeds the maximum of %s", d.String(), models.MaxAmount.StringFixed(2))
	}
	return d.Shift(2).Round(0).IntPart(), nil
}

func fromCents(c int64) decimal.Decimal {
	return decimal.New(c, -2)
}
