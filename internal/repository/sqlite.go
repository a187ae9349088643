package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pressly/goose/v3"
	"github.com/sirupsen/logrus"
	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"

	"github.com/Dan9191/card-ledger/internal/apperr"
	"github.com/Dan9191/card-ledger/internal/models"
)

const (
	sqliteTimeLayout = "2006-01-02 15:04:05.000000"
	sqliteDateLayout = "2006-01-02"
)

// Compile-time check: *SQLiteRepository must satisfy Store.
var _ Store = (*SQLiteRepository)(nil)

// SQLiteRepository is the embedded store used for local runs and tests.
// SQLite has no row locks, so transfers use version-stamped updates:
// both cards are read with their version and written back only if the
// version is unchanged; a lost race is retried with fresh rows.
type SQLiteRepository struct {
	db    *sql.DB
	log   *logrus.Logger
	retry retrier
	now   func() time.Time
}

// OpenSQLite opens dsn (a file path or ":memory:") and applies migrations
func OpenSQLite(ctx context.Context, dsn string, opts Options) (*SQLiteRepository, error) {
	opts = opts.withDefaults()
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("sqlite dsn is required")
	}
	db, err := sql.Open("sqlite", sqliteDSN(dsn, opts.LockTimeout))
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// one writer at a time; an in-memory database also lives only as long as its connection
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := Migrate(ctx, db, goose.DialectSQLite3, opts.Logger); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLiteRepository{
		db:    db,
		log:   opts.Logger,
		retry: newRetrier(opts.MaxRetries, classifySQLite, opts.Logger),
		now:   func() time.Time { return time.Now().UTC() },
	}, nil
}

// sqliteDSN appends the connection pragmas every store connection needs,
// keeping any query parameters the caller already set
func sqliteDSN(dsn string, busyTimeout time.Duration) string {
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + fmt.Sprintf("_pragma=foreign_keys(1)&_pragma=busy_timeout(%d)", busyTimeout.Milliseconds())
}

// Close closes the SQLite handle
func (r *SQLiteRepository) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	return r.db.Close()
}

func (r *SQLiteRepository) stamp() string {
	return r.now().UTC().Format(sqliteTimeLayout)
}

func scanSQLiteCard(row rowScanner) (*models.Card, error) {
	var (
		card                          models.Card
		expiry, createdAt, updatedAt string
		balance                       int64
	)
	err := row.Scan(&card.ID, &card.EncryptedPAN, &card.OwnerID, &expiry, &card.Status,
		&balance, &card.Version, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	card.Balance = fromCents(balance)
	if card.ExpiryDate, err = time.Parse(sqliteDateLayout, expiry); err != nil {
		return nil, fmt.Errorf("failed to parse expiry date %q: %w", expiry, err)
	}
	if card.CreatedAt, err = time.Parse(sqliteTimeLayout, createdAt); err != nil {
		return nil, fmt.Errorf("failed to parse created_at %q: %w", createdAt, err)
	}
	if card.UpdatedAt, err = time.Parse(sqliteTimeLayout, updatedAt); err != nil {
		return nil, fmt.Errorf("failed to parse updated_at %q: %w", updatedAt, err)
	}
	return &card, nil
}

// GetCard retrieves a card by id
func (r *SQLiteRepository) GetCard(ctx context.Context, id int64) (*models.Card, error) {
	var card *models.Card
	err := r.retry.do(ctx, "get card", func() error {
		var err error
		card, err = getSQLiteCard(ctx, r.db, id)
		return err
	})
	return card, err
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getSQLiteCard(ctx context.Context, q queryRower, id int64) (*models.Card, error) {
	card, err := scanSQLiteCard(q.QueryRowContext(ctx, `SELECT `+cardColumns+` FROM cards WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.CardNotFound(id)
	}
	return card, err
}

// GetCardByPAN retrieves a card by its encrypted number
func (r *SQLiteRepository) GetCardByPAN(ctx context.Context, encryptedPAN string) (*models.Card, error) {
	var card *models.Card
	err := r.retry.do(ctx, "get card by number", func() error {
		c, err := scanSQLiteCard(r.db.QueryRowContext(ctx,
			`SELECT `+cardColumns+` FROM cards WHERE encrypted_card_number = ?`, encryptedPAN))
		if errors.Is(err, sql.ErrNoRows) {
			return apperr.ErrCardNotFound
		}
		card = c
		return err
	})
	return card, err
}

// ExistsByEncryptedPAN reports whether a card with this ciphertext exists
func (r *SQLiteRepository) ExistsByEncryptedPAN(ctx context.Context, encryptedPAN string) (bool, error) {
	return r.exists(ctx, "check card number", `SELECT EXISTS (SELECT 1 FROM cards WHERE encrypted_card_number = ?)`, encryptedPAN)
}

// CreateCard inserts a new card and fills its generated fields
func (r *SQLiteRepository) CreateCard(ctx context.Context, card *models.Card) error {
	balance, err := cents(card.Balance)
	if err != nil {
		return err
	}
	return r.retry.do(ctx, "create card", func() error {
		now := r.now()
		res, err := r.db.ExecContext(ctx, `
			INSERT INTO cards (encrypted_card_number, owner_id, expiry_date, status, balance, version, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, 1, ?, ?)`,
			card.EncryptedPAN, card.OwnerID, card.ExpiryDate.UTC().Format(sqliteDateLayout), string(card.Status),
			balance, now.Format(sqliteTimeLayout), now.Format(sqliteTimeLayout))
		if err != nil {
			return mapSQLiteError(err)
		}
		if card.ID, err = res.LastInsertId(); err != nil {
			return err
		}
		card.Version = 1
		card.CreatedAt = truncateStamp(now)
		card.UpdatedAt = card.CreatedAt
		return nil
	})
}

// SaveCard persists status and expiry date
func (r *SQLiteRepository) SaveCard(ctx context.Context, card *models.Card) error {
	return r.retry.do(ctx, "save card", func() error {
		now := r.now()
		res, err := r.db.ExecContext(ctx, `
			UPDATE cards SET status = ?, expiry_date = ?, version = version + 1, updated_at = ?
			WHERE id = ?`,
			string(card.Status), card.ExpiryDate.UTC().Format(sqliteDateLayout), now.Format(sqliteTimeLayout), card.ID)
		if err != nil {
			return mapSQLiteError(err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return apperr.CardNotFound(card.ID)
		}
		card.Version++
		card.UpdatedAt = truncateStamp(now)
		return nil
	})
}

// DeleteCard removes a card whose stored balance is zero
func (r *SQLiteRepository) DeleteCard(ctx context.Context, card *models.Card) error {
	return r.retry.do(ctx, "delete card", func() error {
		return runInTx(ctx, r.db, r.log, func(tx *sql.Tx) error {
			res, err := tx.ExecContext(ctx, `DELETE FROM cards WHERE id = ? AND balance = 0`, card.ID)
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
			if _, err := getSQLiteCard(ctx, tx, card.ID); err != nil {
				return err
			}
			return apperr.ErrCardHasBalance
		})
	})
}

// QueryCards returns one page of cards matching filter
func (r *SQLiteRepository) QueryCards(ctx context.Context, filter models.CardFilter, page models.PageRequest) (models.Page[models.Card], error) {
	page = page.Normalize()
	var (
		conds []string
		args  []any
	)
	if filter.OwnerID != nil {
		conds = append(conds, "owner_id = ?")
		args = append(args, *filter.OwnerID)
	}
	if filter.Status != nil {
		conds = append(conds, "status = ?")
		args = append(args, string(*filter.Status))
	}
	where := ""
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}

	result := models.Page[models.Card]{Page: page.Page, Size: page.Size}
	err := r.retry.do(ctx, "query cards", func() error {
		if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM cards`+where, args...).Scan(&result.Total); err != nil {
			return err
		}
		query := fmt.Sprintf(`SELECT %s FROM cards%s ORDER BY %s LIMIT ? OFFSET ?`, cardColumns, where, page.OrderBy())
		cards, err := r.queryCards(ctx, query, append(args, page.Size, page.Offset())...)
		result.Items = cards
		return err
	})
	return result, err
}

// ListCardsByOwner returns every card of a user
func (r *SQLiteRepository) ListCardsByOwner(ctx context.Context, ownerID int64) ([]models.Card, error) {
	var cards []models.Card
	err := r.retry.do(ctx, "list cards", func() error {
		var err error
		cards, err = r.queryCards(ctx, `SELECT `+cardColumns+` FROM cards WHERE owner_id = ? ORDER BY id`, ownerID)
		return err
	})
	return cards, err
}

// ListExpiredCards returns active cards whose expiry date is before today
func (r *SQLiteRepository) ListExpiredCards(ctx context.Context, today time.Time) ([]models.Card, error) {
	var cards []models.Card
	err := r.retry.do(ctx, "list expired cards", func() error {
		var err error
		cards, err = r.queryCards(ctx, `SELECT `+cardColumns+` FROM cards WHERE status = ? AND expiry_date < ? ORDER BY id`,
			string(models.CardStatusActive), today.UTC().Format(sqliteDateLayout))
		return err
	})
	return cards, err
}

// ExpireCard moves an ACTIVE card to EXPIRED
func (r *SQLiteRepository) ExpireCard(ctx context.Context, card *models.Card) (bool, error) {
	var changed bool
	err := r.retry.do(ctx, "expire card", func() error {
		now := r.now()
		res, err := r.db.ExecContext(ctx, `
			UPDATE cards SET status = ?, version = version + 1, updated_at = ?
			WHERE id = ? AND status = ?`,
			string(models.CardStatusExpired), now.Format(sqliteTimeLayout), card.ID, string(models.CardStatusActive))
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		changed = n == 1
		if changed {
			card.Status = models.CardStatusExpired
			card.Version++
			card.UpdatedAt = truncateStamp(now)
		}
		return nil
	})
	return changed, err
}

func (r *SQLiteRepository) queryCards(ctx context.Context, query string, args ...any) ([]models.Card, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cards := []models.Card{}
	for rows.Next() {
		card, err := scanSQLiteCard(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan card: %w", err)
		}
		cards = append(cards, *card)
	}
	return cards, rows.Err()
}

// UpdateCardPair reads both cards with their versions, runs fn and writes
// both balances plus the ledger record in one transaction. A version
// mismatch on write rolls everything back and the unit is retried.
func (r *SQLiteRepository) UpdateCardPair(ctx context.Context, fromID, toID int64, fn PairFunc) (*models.Transaction, error) {
	var record *models.Transaction
	err := r.retry.do(ctx, "transfer", func() error {
		record = nil
		return runInTx(ctx, r.db, r.log, func(tx *sql.Tx) error {
			loaded := make(map[int64]*models.Card, 2)
			for _, id := range lockOrder(fromID, toID) {
				card, err := getSQLiteCard(ctx, tx, id)
				if errors.Is(err, apperr.ErrCardNotFound) {
					continue
				}
				if err != nil {
					return err
				}
				loaded[id] = card
			}
			from, to, err := pairFromLocked(loaded, fromID, toID)
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

			now := r.now()
			for _, c := range []*models.Card{from, to} {
				balance, err := cents(c.Balance)
				if err != nil {
					return err
				}
				res, err := tx.ExecContext(ctx, `
					UPDATE cards SET balance = ?, version = version + 1, updated_at = ?
					WHERE id = ? AND version = ?`,
					balance, now.Format(sqliteTimeLayout), c.ID, c.Version)
				if err != nil {
					return mapSQLiteError(err)
				}
				n, err := res.RowsAffected()
				if err != nil {
					return err
				}
				if n == 0 {
					return errVersionConflict
				}
				c.Version++
				c.UpdatedAt = truncateStamp(now)
			}

			amount, err := cents(out.Amount)
			if err != nil {
				return err
			}
			out.FromCardID, out.ToCardID = fromID, toID
			out.Timestamp = truncateStamp(now)
			res, err := tx.ExecContext(ctx, `
				INSERT INTO transactions (from_card_id, to_card_id, amount, transaction_date, status, description)
				VALUES (?, ?, ?, ?, ?, ?)`,
				out.FromCardID, out.ToCardID, amount, now.Format(sqliteTimeLayout), string(out.Status), out.Description)
			if err != nil {
				return mapSQLiteError(err)
			}
			if out.ID, err = res.LastInsertId(); err != nil {
				return err
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
func (r *SQLiteRepository) ListTransactions(ctx context.Context, cardID int64, limit int) ([]models.Transaction, error) {
	var out []models.Transaction
	err := r.retry.do(ctx, "list transactions", func() error {
		rows, err := r.db.QueryContext(ctx, `
			SELECT id, from_card_id, to_card_id, amount, transaction_date, status, description
			FROM transactions
			WHERE from_card_id = ? OR to_card_id = ?
			ORDER BY transaction_date DESC, id DESC
			LIMIT ?`, cardID, cardID, limit)
		if err != nil {
			return err
		}
		defer rows.Close()

		out = []models.Transaction{}
		for rows.Next() {
			var (
				t      models.Transaction
				amount int64
				ts     string
			)
			if err := rows.Scan(&t.ID, &t.FromCardID, &t.ToCardID, &amount, &ts, &t.Status, &t.Description); err != nil {
				return fmt.Errorf("failed to scan transaction: %w", err)
			}
			t.Amount = fromCents(amount)
			if t.Timestamp, err = time.Parse(sqliteTimeLayout, ts); err != nil {
				return fmt.Errorf("failed to parse transaction date %q: %w", ts, err)
			}
			out = append(out, t)
		}
		return rows.Err()
	})
	return out, err
}

func scanSQLiteUser(row rowScanner) (*models.User, error) {
	var (
		user                 models.User
		createdAt, updatedAt string
	)
	err := row.Scan(&user.ID, &user.Username, &user.Email, &user.PasswordHash, &user.Role,
		&user.Enabled, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	if user.CreatedAt, err = time.Parse(sqliteTimeLayout, createdAt); err != nil {
		return nil, fmt.Errorf("failed to parse created_at %q: %w", createdAt, err)
	}
	if user.UpdatedAt, err = time.Parse(sqliteTimeLayout, updatedAt); err != nil {
		return nil, fmt.Errorf("failed to parse updated_at %q: %w", updatedAt, err)
	}
	return &user, nil
}

// GetUser retrieves a user by id
func (r *SQLiteRepository) GetUser(ctx context.Context, id int64) (*models.User, error) {
	var user *models.User
	err := r.retry.do(ctx, "get user", func() error {
		u, err := scanSQLiteUser(r.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = ?`, id))
		if errors.Is(err, sql.ErrNoRows) {
			return apperr.UserNotFound(id)
		}
		user = u
		return err
	})
	return user, err
}

// GetUserByUsername retrieves a user by username
func (r *SQLiteRepository) GetUserByUsername(ctx context.Context, username string) (*models.User, error) {
	var user *models.User
	err := r.retry.do(ctx, "get user", func() error {
		u, err := scanSQLiteUser(r.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE username = ?`, username))
		if errors.Is(err, sql.ErrNoRows) {
			return apperr.UserNotFoundByName(username)
		}
		user = u
		return err
	})
	return user, err
}

// ExistsByUsername reports whether the username is taken
func (r *SQLiteRepository) ExistsByUsername(ctx context.Context, username string) (bool, error) {
	return r.exists(ctx, "check username", `SELECT EXISTS (SELECT 1 FROM users WHERE username = ?)`, username)
}

// ExistsByEmail reports whether the email is taken
func (r *SQLiteRepository) ExistsByEmail(ctx context.Context, email string) (bool, error) {
	return r.exists(ctx, "check email", `SELECT EXISTS (SELECT 1 FROM users WHERE email = ?)`, email)
}

// CreateUser creates a new user
func (r *SQLiteRepository) CreateUser(ctx context.Context, user *models.User) error {
	return r.retry.do(ctx, "create user", func() error {
		now := r.now()
		res, err := r.db.ExecContext(ctx, `
			INSERT INTO users (username, email, password_hash, role, enabled, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			user.Username, user.Email, user.PasswordHash, string(user.Role), user.Enabled,
			now.Format(sqliteTimeLayout), now.Format(sqliteTimeLayout))
		if err != nil {
			return mapSQLiteError(err)
		}
		if user.ID, err = res.LastInsertId(); err != nil {
			return err
		}
		user.CreatedAt = truncateStamp(now)
		user.UpdatedAt = user.CreatedAt
		return nil
	})
}

func (r *SQLiteRepository) exists(ctx context.Context, op, query string, arg any) (bool, error) {
	var exists bool
	err := r.retry.do(ctx, op, func() error {
		return r.db.QueryRowContext(ctx, query, arg).Scan(&exists)
	})
	return exists, err
}

func truncateStamp(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

func mapSQLiteError(err error) error {
	var sqliteErr *msqlite.Error
	if !errors.As(err, &sqliteErr) || sqliteErr.Code()&0xff != sqlite3lib.SQLITE_CONSTRAINT {
		return err
	}
	message := err.Error()
	switch {
	case strings.Contains(message, "UNIQUE constraint failed: cards.encrypted_card_number"):
		return apperr.ErrDuplicatePAN
	case strings.Contains(message, "UNIQUE constraint failed: users.username"):
		return apperr.ErrDuplicateUsername
	case strings.Contains(message, "UNIQUE constraint failed: users.email"):
		return apperr.ErrDuplicateEmail
	case strings.Contains(message, "CHECK constraint failed") && strings.Contains(message, "balance"):
		return apperr.ErrInsufficientFunds
	case strings.Contains(message, "FOREIGN KEY constraint failed"):
		return apperr.InvalidInput("referenced record does not exist")
	}
	return apperr.InvalidInput("constraint violated")
}

func classifySQLite(err error) transience {
	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() & 0xff {
		case sqlite3lib.SQLITE_BUSY, sqlite3lib.SQLITE_LOCKED:
			return conflict
		}
	}
	return permanent
}
