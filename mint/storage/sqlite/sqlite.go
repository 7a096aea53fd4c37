package sqlite

import (
	"database/sql"
	"embed"
	"encoding/hex"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/cashmint/cashmint/cashu"
	"github.com/cashmint/cashmint/cashu/nuts/nut04"
	"github.com/cashmint/cashmint/cashu/nuts/nut05"
	"github.com/cashmint/cashmint/cashu/nuts/nut07"
	"github.com/cashmint/cashmint/crypto"
	"github.com/cashmint/cashmint/mint/storage"
	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/mattn/go-sqlite3"
)

//go:embed migrations/*.sql
var migrations embed.FS

type SQLiteDB struct {
	db *sql.DB
}

func InitSQLite(path string) (*SQLiteDB, error) {
	dbpath := filepath.Join(path, "mint.sqlite.db")
	db, err := sql.Open("sqlite3", dbpath)
	if err != nil {
		return nil, err
	}

	source, err := iofs.New(migrations, "migrations")
	if err != nil {
		return nil, err
	}
	m, err := migrate.NewWithSourceInstance("iofs", source, fmt.Sprintf("sqlite3://%s", dbpath))
	if err != nil {
		return nil, err
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return nil, err
	}

	if err := db.Ping(); err != nil {
		return nil, err
	}

	return &SQLiteDB{db: db}, nil
}

func (sqlite *SQLiteDB) Close() error {
	return sqlite.db.Close()
}

func (sqlite *SQLiteDB) GetBalance() (uint64, error) {
	var balance uint64
	row := sqlite.db.QueryRow("SELECT balance FROM balance")
	err := row.Scan(&balance)
	if err != nil {
		return 0, err
	}
	return balance, nil
}

func (sqlite *SQLiteDB) GetIssuedTotal() (uint64, error) {
	var issued uint64
	row := sqlite.db.QueryRow("SELECT issued FROM issued")
	err := row.Scan(&issued)
	if err != nil {
		return 0, err
	}
	return issued, nil
}

func (sqlite *SQLiteDB) GetRedeemedTotal() (uint64, error) {
	var redeemed uint64
	row := sqlite.db.QueryRow("SELECT redeemed FROM redeemed")
	err := row.Scan(&redeemed)
	if err != nil {
		return 0, err
	}
	return redeemed, nil
}

func (sqlite *SQLiteDB) GetProofsCount() (uint64, error) {
	var count uint64
	row := sqlite.db.QueryRow("SELECT COUNT(*) FROM proofs")
	err := row.Scan(&count)
	if err != nil {
		return 0, err
	}
	return count, nil
}

func (sqlite *SQLiteDB) SaveSeed(seed []byte) error {
	hexSeed := hex.EncodeToString(seed)

	_, err := sqlite.db.Exec(`
	INSERT INTO seed (id, seed) VALUES (?, ?)
	`, "id", hexSeed)

	return err
}

func (sqlite *SQLiteDB) GetSeed() ([]byte, error) {
	var hexSeed string
	row := sqlite.db.QueryRow("SELECT seed FROM seed WHERE id = 'id'")
	err := row.Scan(&hexSeed)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrNotFound
		}
		return nil, err
	}

	seed, err := hex.DecodeString(hexSeed)
	if err != nil {
		return nil, err
	}

	return seed, nil
}

func (sqlite *SQLiteDB) SaveKeyset(keyset storage.DBKeyset) error {
	_, err := sqlite.db.Exec(`
		INSERT INTO keysets (id, unit, active, derivation_path_idx, input_fee_ppk) VALUES (?, ?, ?, ?, ?)
	`, keyset.Id, keyset.Unit, keyset.Active, keyset.DerivationPathIdx, keyset.InputFeePpk)

	return err
}

func (sqlite *SQLiteDB) GetKeysets() ([]storage.DBKeyset, error) {
	keysets := []storage.DBKeyset{}

	rows, err := sqlite.db.Query("SELECT * FROM keysets")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var keyset storage.DBKeyset
		err := rows.Scan(
			&keyset.Id,
			&keyset.Unit,
			&keyset.Active,
			&keyset.DerivationPathIdx,
			&keyset.InputFeePpk,
		)
		if err != nil {
			return nil, err
		}
		keysets = append(keysets, keyset)
	}

	return keysets, nil
}

func (sqlite *SQLiteDB) UpdateKeysetActive(id string, active bool) error {
	result, err := sqlite.db.Exec("UPDATE keysets SET active = ? WHERE id = ?", active, id)
	if err != nil {
		return err
	}

	count, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if count != 1 {
		return errors.New("keyset was not updated")
	}
	return nil
}

// RotateKeyset deactivates the previous keyset and saves the new one
// in a single transaction.
func (sqlite *SQLiteDB) RotateKeyset(newKeyset storage.DBKeyset, previousId string) error {
	tx, err := sqlite.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	result, err := tx.Exec("UPDATE keysets SET active = ? WHERE id = ?", false, previousId)
	if err != nil {
		return err
	}
	count, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if count != 1 {
		return storage.ErrNotFound
	}

	_, err = tx.Exec(`
		INSERT INTO keysets (id, unit, active, derivation_path_idx, input_fee_ppk) VALUES (?, ?, ?, ?, ?)
	`, newKeyset.Id, newKeyset.Unit, newKeyset.Active, newKeyset.DerivationPathIdx, newKeyset.InputFeePpk)
	if err != nil {
		return err
	}

	return tx.Commit()
}

func (sqlite *SQLiteDB) AddProofs(proofs cashu.Proofs, meltQuoteId string, state nut07.State) error {
	if len(proofs) == 0 {
		return nil
	}

	Ys := make([]string, len(proofs))
	for i, proof := range proofs {
		Y, err := crypto.HashToCurve([]byte(proof.Secret))
		if err != nil {
			return err
		}
		Ys[i] = hex.EncodeToString(Y.SerializeCompressed())
	}

	tx, err := sqlite.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	// check for collisions inside the same transaction so the
	// check-and-mark is atomic
	query := `SELECT * FROM proofs WHERE y in (?` + strings.Repeat(",?", len(Ys)-1) + `)`
	args := make([]any, len(Ys))
	for i, y := range Ys {
		args[i] = y
	}
	rows, err := tx.Query(query, args...)
	if err != nil {
		return err
	}
	existing, err := scanProofs(rows)
	if err != nil {
		return err
	}
	if len(existing) > 0 {
		return storage.ProofsExistError{Proofs: existing}
	}

	stmt, err := tx.Prepare("INSERT INTO proofs (y, amount, keyset_id, secret, c, state, melt_quote_id) VALUES (?, ?, ?, ?, ?, ?, ?)")
	if err != nil {
		return err
	}
	defer stmt.Close()

	for i, proof := range proofs {
		if _, err := stmt.Exec(Ys[i], proof.Amount, proof.Id, proof.Secret, proof.C, state.String(), meltQuoteId); err != nil {
			return err
		}
	}

	return tx.Commit()
}

func scanProofs(rows *sql.Rows) ([]storage.DBProof, error) {
	defer rows.Close()

	proofs := []storage.DBProof{}
	for rows.Next() {
		var proof storage.DBProof
		var state string
		var meltQuoteId sql.NullString
		err := rows.Scan(
			&proof.Y,
			&proof.Amount,
			&proof.Id,
			&proof.Secret,
			&proof.C,
			&state,
			&meltQuoteId,
		)
		if err != nil {
			return nil, err
		}
		proof.State = nut07.StringToState(state)
		proof.MeltQuoteId = meltQuoteId.String
		proofs = append(proofs, proof)
	}
	return proofs, rows.Err()
}

func (sqlite *SQLiteDB) GetProofsByQuote(meltQuoteId string) ([]storage.DBProof, error) {
	rows, err := sqlite.db.Query("SELECT * FROM proofs WHERE melt_quote_id = ?", meltQuoteId)
	if err != nil {
		return nil, err
	}
	return scanProofs(rows)
}

func (sqlite *SQLiteDB) GetProofs(Ys []string) ([]storage.DBProof, error) {
	if len(Ys) == 0 {
		return []storage.DBProof{}, nil
	}

	query := `SELECT * FROM proofs WHERE y in (?` + strings.Repeat(",?", len(Ys)-1) + `)`
	args := make([]any, len(Ys))
	for i, y := range Ys {
		args[i] = y
	}

	rows, err := sqlite.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	return scanProofs(rows)
}

func (sqlite *SQLiteDB) UpdateProofsState(Ys []string, state nut07.State) error {
	if len(Ys) == 0 {
		return nil
	}

	query := `UPDATE proofs SET state = ? WHERE y in (?` + strings.Repeat(",?", len(Ys)-1) + `)`
	args := make([]any, len(Ys)+1)
	args[0] = state.String()
	for i, y := range Ys {
		args[i+1] = y
	}

	_, err := sqlite.db.Exec(query, args...)
	return err
}

func (sqlite *SQLiteDB) DeleteProofs(Ys []string) error {
	if len(Ys) == 0 {
		return nil
	}

	query := `DELETE FROM proofs WHERE y in (?` + strings.Repeat(",?", len(Ys)-1) + `)`
	args := make([]any, len(Ys))
	for i, y := range Ys {
		args[i] = y
	}

	_, err := sqlite.db.Exec(query, args...)
	return err
}

func (sqlite *SQLiteDB) SaveMintQuote(mintQuote storage.MintQuote) error {
	_, err := sqlite.db.Exec(
		`INSERT INTO mint_quotes (id, payment_request, payment_hash, amount, state, expiry)
		VALUES (?, ?, ?, ?, ?, ?)`,
		mintQuote.Id,
		mintQuote.PaymentRequest,
		mintQuote.PaymentHash,
		mintQuote.Amount,
		mintQuote.State.String(),
		mintQuote.Expiry,
	)

	return err
}

func (sqlite *SQLiteDB) GetMintQuote(quoteId string) (storage.MintQuote, error) {
	row := sqlite.db.QueryRow("SELECT * FROM mint_quotes WHERE id = ?", quoteId)

	var mintQuote storage.MintQuote
	var state string

	err := row.Scan(
		&mintQuote.Id,
		&mintQuote.PaymentRequest,
		&mintQuote.PaymentHash,
		&mintQuote.Amount,
		&state,
		&mintQuote.Expiry,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.MintQuote{}, storage.ErrNotFound
		}
		return storage.MintQuote{}, err
	}
	mintQuote.State = nut04.StringToState(state)

	return mintQuote, nil
}

func (sqlite *SQLiteDB) UpdateMintQuoteState(quoteId string, from, to nut04.State) error {
	result, err := sqlite.db.Exec(
		"UPDATE mint_quotes SET state = ? WHERE id = ? AND state = ?",
		to.String(), quoteId, from.String(),
	)
	if err != nil {
		return err
	}

	count, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if count != 1 {
		if _, err := sqlite.GetMintQuote(quoteId); err != nil {
			return err
		}
		return storage.ErrQuoteConflict
	}
	return nil
}

func (sqlite *SQLiteDB) SaveMeltQuote(meltQuote storage.MeltQuote) error {
	_, err := sqlite.db.Exec(`
		INSERT INTO melt_quotes
		(id, request, payment_hash, amount, fee_reserve, state, expiry, preimage)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		meltQuote.Id,
		meltQuote.InvoiceRequest,
		meltQuote.PaymentHash,
		meltQuote.Amount,
		meltQuote.FeeReserve,
		meltQuote.State.String(),
		meltQuote.Expiry,
		meltQuote.Preimage,
	)

	return err
}

func scanMeltQuote(row interface{ Scan(...any) error }) (storage.MeltQuote, error) {
	var meltQuote storage.MeltQuote
	var state string

	err := row.Scan(
		&meltQuote.Id,
		&meltQuote.InvoiceRequest,
		&meltQuote.PaymentHash,
		&meltQuote.Amount,
		&meltQuote.FeeReserve,
		&state,
		&meltQuote.Expiry,
		&meltQuote.Preimage,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.MeltQuote{}, storage.ErrNotFound
		}
		return storage.MeltQuote{}, err
	}
	meltQuote.State = nut05.StringToState(state)

	return meltQuote, nil
}

func (sqlite *SQLiteDB) GetMeltQuote(quoteId string) (storage.MeltQuote, error) {
	row := sqlite.db.QueryRow("SELECT * FROM melt_quotes WHERE id = ?", quoteId)
	return scanMeltQuote(row)
}

func (sqlite *SQLiteDB) GetMeltQuoteByPaymentRequest(request string) (storage.MeltQuote, error) {
	row := sqlite.db.QueryRow("SELECT * FROM melt_quotes WHERE request = ?", request)
	return scanMeltQuote(row)
}

func (sqlite *SQLiteDB) GetMeltQuotesByState(state nut05.State) ([]storage.MeltQuote, error) {
	rows, err := sqlite.db.Query("SELECT * FROM melt_quotes WHERE state = ?", state.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	quotes := []storage.MeltQuote{}
	for rows.Next() {
		quote, err := scanMeltQuote(rows)
		if err != nil {
			return nil, err
		}
		quotes = append(quotes, quote)
	}

	return quotes, rows.Err()
}

func (sqlite *SQLiteDB) UpdateMeltQuote(quoteId, preimage string, from, to nut05.State) error {
	result, err := sqlite.db.Exec(
		"UPDATE melt_quotes SET state = ?, preimage = ? WHERE id = ? AND state = ?",
		to.String(), preimage, quoteId, from.String(),
	)
	if err != nil {
		return err
	}

	count, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if count != 1 {
		if _, err := sqlite.GetMeltQuote(quoteId); err != nil {
			return err
		}
		return storage.ErrQuoteConflict
	}
	return nil
}

func (sqlite *SQLiteDB) SaveBlindSignature(B_ string, blindSignature cashu.BlindedSignature) error {
	var e, s sql.NullString
	if blindSignature.DLEQ != nil {
		e = sql.NullString{String: blindSignature.DLEQ.E, Valid: true}
		s = sql.NullString{String: blindSignature.DLEQ.S, Valid: true}
	}

	_, err := sqlite.db.Exec(`
		INSERT INTO blind_signatures (b_, c_, keyset_id, amount, e, s) VALUES (?, ?, ?, ?, ?, ?)`,
		B_,
		blindSignature.C_,
		blindSignature.Id,
		blindSignature.Amount,
		e,
		s,
	)
	return err
}

func (sqlite *SQLiteDB) GetBlindSignature(B_ string) (cashu.BlindedSignature, error) {
	row := sqlite.db.QueryRow("SELECT amount, c_, keyset_id, e, s FROM blind_signatures WHERE b_ = ?", B_)

	var signature cashu.BlindedSignature
	var e sql.NullString
	var s sql.NullString

	err := row.Scan(
		&signature.Amount,
		&signature.C_,
		&signature.Id,
		&e,
		&s,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return cashu.BlindedSignature{}, storage.ErrNotFound
		}
		return cashu.BlindedSignature{}, err
	}

	if e.Valid && s.Valid {
		signature.DLEQ = &cashu.DLEQProof{
			E: e.String,
			S: s.String,
		}
	}

	return signature, nil
}

func (sqlite *SQLiteDB) GetBlindSignatures(B_s []string) (cashu.BlindedSignatures, error) {
	if len(B_s) == 0 {
		return cashu.BlindedSignatures{}, nil
	}

	signatures := cashu.BlindedSignatures{}
	query := `SELECT amount, c_, keyset_id, e, s FROM blind_signatures WHERE b_ in (?` + strings.Repeat(",?", len(B_s)-1) + `)`

	args := make([]any, len(B_s))
	for i, B_ := range B_s {
		args[i] = B_
	}

	rows, err := sqlite.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var signature cashu.BlindedSignature
		var e sql.NullString
		var s sql.NullString

		err := rows.Scan(
			&signature.Amount,
			&signature.C_,
			&signature.Id,
			&e,
			&s,
		)
		if err != nil {
			return nil, err
		}

		if e.Valid && s.Valid {
			signature.DLEQ = &cashu.DLEQProof{
				E: e.String,
				S: s.String,
			}
		}

		signatures = append(signatures, signature)
	}

	return signatures, rows.Err()
}
