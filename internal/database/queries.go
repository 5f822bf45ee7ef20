package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"

	"github.com/custodia/depositd/internal/models"
)

const depositColumns = `
	id, tx_hash, address, chain, token, contract_address, user_id, amount,
	status, balance_credited, retry_count, last_retry_at, error_message, source,
	gas_tx_ref, sweep_tx_ref, dust_tx_ref, created_at, updated_at`

const userColumns = `
	id, deposit_address, encrypted_private_key, deposit_status, balances,
	transactions, unswept_funds, total_swept, last_sweep_at, created_at`

// userRow flattens the user aggregate and its wallet sub-document
type userRow struct {
	ID                  string                     `db:"id"`
	DepositAddress      *string                    `db:"deposit_address"`
	EncryptedPrivateKey *string                    `db:"encrypted_private_key"`
	DepositStatus       models.WalletDepositStatus `db:"deposit_status"`
	Balances            models.Balances            `db:"balances"`
	Transactions        models.LedgerEntries       `db:"transactions"`
	UnsweptFunds        decimal.Decimal            `db:"unswept_funds"`
	TotalSwept          decimal.Decimal            `db:"total_swept"`
	LastSweepAt         *time.Time                 `db:"last_sweep_at"`
	CreatedAt           time.Time                  `db:"created_at"`
}

func (r *userRow) toModel() *models.User {
	return &models.User{
		ID:                  r.ID,
		DepositAddress:      r.DepositAddress,
		EncryptedPrivateKey: r.EncryptedPrivateKey,
		CreatedAt:           r.CreatedAt,
		Wallet: models.WalletState{
			DepositStatus: r.DepositStatus,
			Balances:      r.Balances,
			Transactions:  r.Transactions,
			UnsweptFunds:  r.UnsweptFunds,
			TotalSwept:    r.TotalSwept,
			LastSweepAt:   r.LastSweepAt,
		},
	}
}

// ==================== Deposit Queries ====================

// CreateDepositIfAbsent inserts the record unless its tx hash is already known.
// It returns the stored record and whether this call created it.
func (db *DB) CreateDepositIfAbsent(ctx context.Context, rec *models.DepositRecord) (*models.DepositRecord, bool, error) {
	query := `
		INSERT INTO deposits (
			tx_hash, address, chain, token, contract_address, user_id, amount,
			status, balance_credited, retry_count, source
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, false, 0, $9)
		ON CONFLICT (tx_hash) DO NOTHING
		RETURNING ` + depositColumns

	var stored models.DepositRecord
	err := db.GetContext(
		ctx, &stored, query,
		rec.TxHash,
		rec.Address,
		rec.Chain,
		rec.Token,
		rec.ContractAddress,
		rec.UserID,
		rec.Amount,
		models.DepositStatusDetected,
		rec.Source,
	)
	if err == nil {
		return &stored, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, false, fmt.Errorf("failed to insert deposit: %w", err)
	}

	// Lost the race: return the winner
	existing, err := db.GetDeposit(ctx, rec.TxHash)
	if err != nil {
		return nil, false, err
	}
	if existing == nil {
		return nil, false, fmt.Errorf("deposit %s vanished after conflict", rec.TxHash)
	}
	return existing, false, nil
}

// GetDeposit retrieves a deposit by transaction hash
func (db *DB) GetDeposit(ctx context.Context, txHash string) (*models.DepositRecord, error) {
	var rec models.DepositRecord
	query := `SELECT ` + depositColumns + ` FROM deposits WHERE tx_hash = $1`
	err := db.GetContext(ctx, &rec, query, txHash)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// TransitionDeposit moves rec to status `to`, applying mutate to the mutable
// fields in the same statement. The update only succeeds while the stored
// status still equals rec.Status; rec is refreshed on success.
func (db *DB) TransitionDeposit(ctx context.Context, rec *models.DepositRecord, to models.DepositStatus, mutate func(*models.DepositRecord)) error {
	if err := models.ValidateTransition(rec.Status, to); err != nil {
		return err
	}

	next := rec.Clone()
	if mutate != nil {
		mutate(next)
	}
	next.Status = to

	query := `
		UPDATE deposits
		SET status = $1, error_message = $2, retry_count = $3, last_retry_at = $4,
		    gas_tx_ref = $5, sweep_tx_ref = $6, dust_tx_ref = $7, updated_at = NOW()
		WHERE tx_hash = $8 AND status = $9
		RETURNING updated_at, balance_credited
	`
	err := db.QueryRowContext(
		ctx, query,
		next.Status,
		next.Error,
		next.RetryCount,
		next.LastRetryAt,
		next.GasTxRef,
		next.SweepTxRef,
		next.DustTxRef,
		rec.TxHash,
		rec.Status,
	).Scan(&next.UpdatedAt, &next.BalanceCredited)
	if err == sql.ErrNoRows {
		return fmt.Errorf("%w: %s expected %s", ErrStatusConflict, models.ShortHash(rec.TxHash), rec.Status)
	}
	if err != nil {
		return fmt.Errorf("failed to update deposit status: %w", err)
	}

	*rec = *next
	return nil
}

// CreditDeposit atomically flips balance_credited and applies the ledger entry
// to the user's wallet. Funds never swept are added to unswept_funds in the
// same transaction. Returns false when the deposit was already credited.
func (db *DB) CreditDeposit(ctx context.Context, txHash, userID string, entry models.LedgerEntry, unswept bool) (bool, error) {
	credited := false
	err := db.InTransaction(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE deposits
			SET balance_credited = true, updated_at = NOW()
			WHERE tx_hash = $1 AND balance_credited = false
		`, txHash)
		if err != nil {
			return fmt.Errorf("failed to flag deposit: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}

		var row userRow
		err = tx.GetContext(ctx, &row, `SELECT `+userColumns+` FROM users WHERE id = $1 FOR UPDATE`, userID)
		if err == sql.ErrNoRows {
			return fmt.Errorf("user %s: %w", userID, ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("failed to lock user: %w", err)
		}

		user := row.toModel()
		user.Wallet.ApplyCredit(entry)
		if unswept {
			user.Wallet.UnsweptFunds = user.Wallet.UnsweptFunds.Add(entry.Amount)
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE users
			SET balances = $2, transactions = $3, deposit_status = $4, unswept_funds = $5
			WHERE id = $1
		`, userID, user.Wallet.Balances, user.Wallet.Transactions, user.Wallet.DepositStatus, user.Wallet.UnsweptFunds); err != nil {
			return fmt.Errorf("failed to update wallet: %w", err)
		}

		credited = true
		return nil
	})
	return credited, err
}

// MarkDepositCredited sets the credited flag without touching any balance
func (db *DB) MarkDepositCredited(ctx context.Context, txHash string) error {
	res, err := db.ExecContext(ctx, `
		UPDATE deposits SET balance_credited = true, updated_at = NOW() WHERE tx_hash = $1
	`, txHash)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetDustTxRef stores the dust reclaim reference as soon as it is broadcast,
// ahead of the status change that follows
func (db *DB) SetDustTxRef(ctx context.Context, txHash, ref string) error {
	res, err := db.ExecContext(ctx, `
		UPDATE deposits SET dust_tx_ref = $2, updated_at = NOW() WHERE tx_hash = $1
	`, txHash, ref)
	if err != nil {
		return fmt.Errorf("failed to store dust reference: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListRetryCandidates returns uncredited failed deposits and stale detected
// deposits that still have retry budget, oldest first
func (db *DB) ListRetryCandidates(ctx context.Context, staleBefore time.Time, maxRetries, limit int) ([]models.DepositRecord, error) {
	var recs []models.DepositRecord
	query := `
		SELECT ` + depositColumns + `
		FROM deposits
		WHERE balance_credited = false
		  AND retry_count < $1
		  AND (status = $2 OR (status = $3 AND created_at < $4))
		ORDER BY created_at ASC
		LIMIT $5
	`
	err := db.SelectContext(
		ctx, &recs, query,
		maxRetries,
		models.DepositStatusFailed,
		models.DepositStatusDetected,
		staleBefore,
		limit,
	)
	return recs, err
}

// ListOpenDeposits returns a user's deposits that have not reached completed,
// including records credited just before a crash
func (db *DB) ListOpenDeposits(ctx context.Context, userID string) ([]models.DepositRecord, error) {
	var recs []models.DepositRecord
	query := `
		SELECT ` + depositColumns + `
		FROM deposits
		WHERE user_id = $1 AND status <> $2
		ORDER BY created_at ASC
	`
	err := db.SelectContext(ctx, &recs, query, userID, models.DepositStatusCompleted)
	return recs, err
}

// ListDepositsByUser retrieves a page of a user's deposits, newest first
func (db *DB) ListDepositsByUser(ctx context.Context, userID string, limit, offset int) ([]models.DepositRecord, error) {
	var recs []models.DepositRecord
	query := `
		SELECT ` + depositColumns + `
		FROM deposits
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`
	err := db.SelectContext(ctx, &recs, query, userID, limit, offset)
	return recs, err
}

// ==================== User Queries ====================

// CreateUser creates a new user with an empty wallet
func (db *DB) CreateUser(ctx context.Context, userID string) error {
	query := `
		INSERT INTO users (id, created_at)
		VALUES ($1, NOW())
		ON CONFLICT (id) DO NOTHING
	`
	_, err := db.ExecContext(ctx, query, userID)
	return err
}

// GetUser retrieves a user by ID
func (db *DB) GetUser(ctx context.Context, userID string) (*models.User, error) {
	var row userRow
	query := `SELECT ` + userColumns + ` FROM users WHERE id = $1`
	err := db.GetContext(ctx, &row, query, userID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return row.toModel(), nil
}

// GetUserByDepositAddress resolves the owner of a deposit address
func (db *DB) GetUserByDepositAddress(ctx context.Context, address string) (*models.User, error) {
	var row userRow
	query := `SELECT ` + userColumns + ` FROM users WHERE lower(deposit_address) = $1`
	err := db.GetContext(ctx, &row, query, strings.ToLower(address))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return row.toModel(), nil
}

// ListUsersWithDepositAddress returns every user with an assigned address
func (db *DB) ListUsersWithDepositAddress(ctx context.Context) ([]models.User, error) {
	var rows []userRow
	query := `
		SELECT ` + userColumns + `
		FROM users
		WHERE deposit_address IS NOT NULL AND deposit_address <> ''
		ORDER BY created_at ASC
	`
	if err := db.SelectContext(ctx, &rows, query); err != nil {
		return nil, err
	}
	users := make([]models.User, 0, len(rows))
	for i := range rows {
		users = append(users, *rows[i].toModel())
	}
	return users, nil
}

// SetDepositAddress assigns an address once. Returns false if one was already set.
func (db *DB) SetDepositAddress(ctx context.Context, userID, address, encryptedKey string) (bool, error) {
	res, err := db.ExecContext(ctx, `
		UPDATE users
		SET deposit_address = $2, encrypted_private_key = $3
		WHERE id = $1 AND deposit_address IS NULL
	`, userID, address, encryptedKey)
	if err != nil {
		return false, fmt.Errorf("failed to set deposit address: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return true, nil
	}

	user, err := db.GetUser(ctx, userID)
	if err != nil {
		return false, err
	}
	if user == nil {
		return false, ErrNotFound
	}
	return false, nil
}

// SetWalletDepositStatus updates the user-facing deposit flag
func (db *DB) SetWalletDepositStatus(ctx context.Context, userID string, status models.WalletDepositStatus) error {
	return db.execUser(ctx, `UPDATE users SET deposit_status = $2 WHERE id = $1`, userID, status)
}

// RecordSweep adds a completed sweep to the wallet totals
func (db *DB) RecordSweep(ctx context.Context, userID string, amount decimal.Decimal, at time.Time) error {
	return db.execUser(ctx, `
		UPDATE users
		SET total_swept = total_swept + $2, last_sweep_at = $3
		WHERE id = $1
	`, userID, amount, at)
}

func (db *DB) execUser(ctx context.Context, query string, userID string, args ...interface{}) error {
	res, err := db.ExecContext(ctx, query, append([]interface{}{userID}, args...)...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("user %s: %w", userID, ErrNotFound)
	}
	return nil
}
