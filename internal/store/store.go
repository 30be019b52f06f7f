package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// ErrNotFound indicates that a requested row does not exist. Callers in
// internal/walletcore translate this into the NotFound RPC error.
var ErrNotFound = errors.New("resource not found")

// ErrAlreadyExists indicates a UNIQUE constraint rejected an insert,
// translated by callers into the AlreadyBound RPC error.
var ErrAlreadyExists = errors.New("resource already exists")

// Store is the sole owner of the SQLite connection backing the service.
// Every exported method is safe to call concurrently only insofar as
// database/sql's own connection pool is; callers needing atomicity across
// multiple Store calls (internal/service.Engine) serialize with their own
// mutex, per the coarse concurrency model the façade implements.
type Store struct {
	conn *sql.DB
}

// Open opens (creating if necessary) the SQLite database at dbPath and
// ensures the schema exists.
func Open(dbPath string) (*Store, error) {
	conn, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s := &Store{conn: conn}
	if err := s.initSchema(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.conn.Close()
}

func (s *Store) initSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS wallet (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			uuid TEXT UNIQUE NOT NULL,
			address_type INTEGER NOT NULL,
			network INTEGER NOT NULL,
			required_signatures INTEGER NOT NULL,
			receive_descriptor TEXT NOT NULL,
			receive_descriptor_watch_only TEXT NOT NULL,
			receive_address_index INTEGER NOT NULL DEFAULT 0,
			change_descriptor TEXT NOT NULL,
			change_descriptor_watch_only TEXT NOT NULL,
			change_address_index INTEGER NOT NULL DEFAULT 0,
			balance TEXT NOT NULL DEFAULT '0',
			created_at DATETIME NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_wallet_uuid ON wallet(uuid);`,
		`CREATE INDEX IF NOT EXISTS idx_wallet_receive_descriptor ON wallet(receive_descriptor_watch_only);`,

		`CREATE TABLE IF NOT EXISTS cosigner (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			uuid TEXT UNIQUE NOT NULL,
			cosigner_type INTEGER NOT NULL,
			email_address TEXT NOT NULL,
			public_key TEXT NOT NULL,
			wallet_uuid TEXT,
			created_at DATETIME NOT NULL,
			FOREIGN KEY(wallet_uuid) REFERENCES wallet(uuid) ON DELETE CASCADE
		);`,
		`CREATE INDEX IF NOT EXISTS idx_cosigner_uuid ON cosigner(uuid);`,
		`CREATE INDEX IF NOT EXISTS idx_cosigner_wallet_uuid ON cosigner(wallet_uuid);`,
		`CREATE INDEX IF NOT EXISTS idx_cosigner_email ON cosigner(email_address);`,

		`CREATE TABLE IF NOT EXISTS xpub (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			wallet_id INTEGER NOT NULL,
			cosigner_id INTEGER NOT NULL,
			key_order INTEGER NOT NULL,
			FOREIGN KEY(wallet_id) REFERENCES wallet(id) ON DELETE CASCADE,
			FOREIGN KEY(cosigner_id) REFERENCES cosigner(id) ON DELETE CASCADE
		);`,
		`CREATE INDEX IF NOT EXISTS idx_xpub_wallet_id ON xpub(wallet_id);`,

		`CREATE TABLE IF NOT EXISTS xprv (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			cosigner_id INTEGER UNIQUE NOT NULL,
			mnemonic TEXT NOT NULL,
			xprv TEXT NOT NULL,
			created_at DATETIME NOT NULL,
			FOREIGN KEY(cosigner_id) REFERENCES cosigner(id) ON DELETE CASCADE
		);`,

		`CREATE TABLE IF NOT EXISTS psbt (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			uuid TEXT UNIQUE NOT NULL,
			wallet_uuid TEXT NOT NULL,
			data TEXT NOT NULL,
			created_at DATETIME NOT NULL,
			FOREIGN KEY(wallet_uuid) REFERENCES wallet(uuid) ON DELETE CASCADE
		);`,
		`CREATE INDEX IF NOT EXISTS idx_psbt_uuid ON psbt(uuid);`,
		`CREATE INDEX IF NOT EXISTS idx_psbt_wallet_uuid ON psbt(wallet_uuid);`,
	}

	for _, stmt := range statements {
		if _, err := s.conn.Exec(stmt); err != nil {
			return fmt.Errorf("exec schema statement: %w", err)
		}
	}
	return nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// --- Cosigner ---------------------------------------------------------

// UpsertCosigner inserts c, or updates the row matching c.UUID if it
// already has one, and sets c.ID to that row's ID.
func (s *Store) UpsertCosigner(c *Cosigner) error {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}

	var walletUUID interface{}
	if c.WalletUUID != "" {
		walletUUID = c.WalletUUID
	}

	_, err := s.conn.Exec(`
		INSERT INTO cosigner (uuid, cosigner_type, email_address, public_key, wallet_uuid, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(uuid) DO UPDATE SET
			cosigner_type = excluded.cosigner_type,
			email_address = excluded.email_address,
			public_key = excluded.public_key,
			wallet_uuid = excluded.wallet_uuid
	`, c.UUID, c.Kind, c.Email, c.Xpub, walletUUID, c.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: cosigner", ErrAlreadyExists)
		}
		return fmt.Errorf("upsert cosigner: %w", err)
	}

	// LastInsertId is not refreshed when the upsert takes its UPDATE
	// branch, so the ID is always read back by UUID.
	row := s.conn.QueryRow(`SELECT id FROM cosigner WHERE uuid = ?`, c.UUID)
	if err := row.Scan(&c.ID); err != nil {
		return fmt.Errorf("reload cosigner id: %w", err)
	}
	return nil
}

// FindCosigners returns cosigners matching every non-zero field of f.
func (s *Store) FindCosigners(f CosignerFilter) ([]Cosigner, error) {
	query := `SELECT id, uuid, cosigner_type, email_address, public_key, wallet_uuid, created_at FROM cosigner WHERE 1=1`
	var args []interface{}

	if f.UUID != "" {
		query += ` AND uuid = ?`
		args = append(args, f.UUID)
	}
	if f.Email != "" {
		query += ` AND email_address = ?`
		args = append(args, f.Email)
	}
	if f.Xpub != "" {
		query += ` AND public_key = ?`
		args = append(args, f.Xpub)
	}
	if f.WalletUUID != "" {
		query += ` AND wallet_uuid = ?`
		args = append(args, f.WalletUUID)
	}
	query += ` ORDER BY id ASC`

	rows, err := s.conn.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("find cosigners: %w", err)
	}
	defer rows.Close()

	var out []Cosigner
	for rows.Next() {
		var c Cosigner
		var walletUUID sql.NullString
		if err := rows.Scan(&c.ID, &c.UUID, &c.Kind, &c.Email, &c.Xpub, &walletUUID, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan cosigner: %w", err)
		}
		c.WalletUUID = walletUUID.String
		out = append(out, c)
	}
	return out, rows.Err()
}

// GetCosignerByID returns the cosigner with the given internal row ID,
// used to resolve xpub key-pool slots back to their owning cosigner.
func (s *Store) GetCosignerByID(id int64) (*Cosigner, error) {
	var c Cosigner
	var walletUUID sql.NullString
	row := s.conn.QueryRow(`SELECT id, uuid, cosigner_type, email_address, public_key, wallet_uuid, created_at FROM cosigner WHERE id = ?`, id)
	if err := row.Scan(&c.ID, &c.UUID, &c.Kind, &c.Email, &c.Xpub, &walletUUID, &c.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get cosigner by id: %w", err)
	}
	c.WalletUUID = walletUUID.String
	return &c, nil
}

// RemoveCosigner deletes the cosigner with the given UUID and its xprv
// row, if any. Returns ErrNotFound if no such cosigner exists.
func (s *Store) RemoveCosigner(uuid string) error {
	res, err := s.conn.Exec(`DELETE FROM cosigner WHERE uuid = ?`, uuid)
	if err != nil {
		return fmt.Errorf("remove cosigner: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Xprv ---------------------------------------------------------

// UpsertXprv stores the mnemonic/xprv pair for an Internal cosigner.
func (s *Store) UpsertXprv(x *Xprv) error {
	if x.CreatedAt.IsZero() {
		x.CreatedAt = time.Now()
	}
	_, err := s.conn.Exec(`
		INSERT INTO xprv (cosigner_id, mnemonic, xprv, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(cosigner_id) DO UPDATE SET mnemonic = excluded.mnemonic, xprv = excluded.xprv
	`, x.CosignerID, x.Mnemonic, x.Xprv, x.CreatedAt)
	if err != nil {
		return fmt.Errorf("upsert xprv: %w", err)
	}
	return nil
}

// GetXprvByCosignerID returns the xprv row owned by the given cosigner.
func (s *Store) GetXprvByCosignerID(cosignerID int64) (*Xprv, error) {
	var x Xprv
	row := s.conn.QueryRow(`SELECT id, cosigner_id, mnemonic, xprv, created_at FROM xprv WHERE cosigner_id = ?`, cosignerID)
	if err := row.Scan(&x.ID, &x.CosignerID, &x.Mnemonic, &x.Xprv, &x.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get xprv: %w", err)
	}
	return &x, nil
}

// --- Wallet ---------------------------------------------------------

// UpsertWallet inserts w, or updates the row matching w.UUID if it
// already has one.
func (s *Store) UpsertWallet(w *Wallet) error {
	if w.CreatedAt.IsZero() {
		w.CreatedAt = time.Now()
	}
	if w.Balance == "" {
		w.Balance = "0"
	}

	res, err := s.conn.Exec(`
		INSERT INTO wallet (
			uuid, address_type, network, required_signatures,
			receive_descriptor, receive_descriptor_watch_only, receive_address_index,
			change_descriptor, change_descriptor_watch_only, change_address_index,
			balance, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(uuid) DO UPDATE SET
			address_type = excluded.address_type,
			network = excluded.network,
			required_signatures = excluded.required_signatures,
			receive_descriptor = excluded.receive_descriptor,
			receive_descriptor_watch_only = excluded.receive_descriptor_watch_only,
			receive_address_index = excluded.receive_address_index,
			change_descriptor = excluded.change_descriptor,
			change_descriptor_watch_only = excluded.change_descriptor_watch_only,
			change_address_index = excluded.change_address_index,
			balance = excluded.balance
	`,
		w.UUID, w.AddressType, w.Network, w.RequiredSignatures,
		w.ReceiveDescriptor, w.ReceiveDescriptorWatchOnly, w.ReceiveAddressIndex,
		w.ChangeDescriptor, w.ChangeDescriptorWatchOnly, w.ChangeAddressIndex,
		w.Balance, w.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: wallet", ErrAlreadyExists)
		}
		return fmt.Errorf("upsert wallet: %w", err)
	}

	if id, err := res.LastInsertId(); err == nil && id != 0 {
		w.ID = id
	} else {
		row := s.conn.QueryRow(`SELECT id FROM wallet WHERE uuid = ?`, w.UUID)
		if err := row.Scan(&w.ID); err != nil {
			return fmt.Errorf("reload wallet id: %w", err)
		}
	}
	return nil
}

// FindWallets returns wallets matching every non-zero field of f.
func (s *Store) FindWallets(f WalletFilter) ([]Wallet, error) {
	query := `SELECT id, uuid, address_type, network, required_signatures,
		receive_descriptor, receive_descriptor_watch_only, receive_address_index,
		change_descriptor, change_descriptor_watch_only, change_address_index,
		balance, created_at FROM wallet WHERE 1=1`
	var args []interface{}

	if f.UUID != "" {
		query += ` AND uuid = ?`
		args = append(args, f.UUID)
	}
	if f.AddressType != 0 {
		query += ` AND address_type = ?`
		args = append(args, f.AddressType)
	}
	if f.Network != 0 {
		query += ` AND network = ?`
		args = append(args, f.Network)
	}
	if f.ReceiveDescriptor != "" {
		query += ` AND receive_descriptor_watch_only = ?`
		args = append(args, f.ReceiveDescriptor)
	}
	query += ` ORDER BY id ASC`

	rows, err := s.conn.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("find wallets: %w", err)
	}
	defer rows.Close()

	var out []Wallet
	for rows.Next() {
		var w Wallet
		if err := rows.Scan(
			&w.ID, &w.UUID, &w.AddressType, &w.Network, &w.RequiredSignatures,
			&w.ReceiveDescriptor, &w.ReceiveDescriptorWatchOnly, &w.ReceiveAddressIndex,
			&w.ChangeDescriptor, &w.ChangeDescriptorWatchOnly, &w.ChangeAddressIndex,
			&w.Balance, &w.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan wallet: %w", err)
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// RemoveWallet deletes the wallet with the given UUID along with every
// cosigner, xprv, xpub slot and psbt that belongs to it, atomically.
func (s *Store) RemoveWallet(uuid string) error {
	tx, err := s.conn.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM psbt WHERE wallet_uuid = ?`, uuid); err != nil {
		return fmt.Errorf("remove wallet psbts: %w", err)
	}
	if _, err := tx.Exec(`
		DELETE FROM xprv WHERE cosigner_id IN (SELECT id FROM cosigner WHERE wallet_uuid = ?)
	`, uuid); err != nil {
		return fmt.Errorf("remove wallet xprv: %w", err)
	}
	if _, err := tx.Exec(`
		DELETE FROM xpub WHERE wallet_id IN (SELECT id FROM wallet WHERE uuid = ?)
	`, uuid); err != nil {
		return fmt.Errorf("remove wallet xpub slots: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM cosigner WHERE wallet_uuid = ?`, uuid); err != nil {
		return fmt.Errorf("remove wallet cosigners: %w", err)
	}

	res, err := tx.Exec(`DELETE FROM wallet WHERE uuid = ?`, uuid)
	if err != nil {
		return fmt.Errorf("remove wallet: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}

	return tx.Commit()
}

// --- Xpub slots ---------------------------------------------------------

// ReplaceXpubSlots atomically replaces the ordered key pool recorded for
// a wallet.
func (s *Store) ReplaceXpubSlots(walletID int64, slots []XpubSlot) error {
	tx, err := s.conn.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM xpub WHERE wallet_id = ?`, walletID); err != nil {
		return fmt.Errorf("clear xpub slots: %w", err)
	}
	for _, slot := range slots {
		if _, err := tx.Exec(`
			INSERT INTO xpub (wallet_id, cosigner_id, key_order) VALUES (?, ?, ?)
		`, walletID, slot.CosignerID, slot.KeyOrder); err != nil {
			return fmt.Errorf("insert xpub slot: %w", err)
		}
	}
	return tx.Commit()
}

// CountXpubSlotsByCosigner reports how many wallet key pools a cosigner
// occupies a slot in.
func (s *Store) CountXpubSlotsByCosigner(cosignerID int64) (int, error) {
	var n int
	row := s.conn.QueryRow(`SELECT COUNT(*) FROM xpub WHERE cosigner_id = ?`, cosignerID)
	if err := row.Scan(&n); err != nil {
		return 0, fmt.Errorf("count xpub slots: %w", err)
	}
	return n, nil
}

// XpubSlotsByWallet returns a wallet's key pool ordered by key_order.
func (s *Store) XpubSlotsByWallet(walletID int64) ([]XpubSlot, error) {
	rows, err := s.conn.Query(`
		SELECT id, wallet_id, cosigner_id, key_order FROM xpub WHERE wallet_id = ? ORDER BY key_order ASC
	`, walletID)
	if err != nil {
		return nil, fmt.Errorf("list xpub slots: %w", err)
	}
	defer rows.Close()

	var out []XpubSlot
	for rows.Next() {
		var slot XpubSlot
		if err := rows.Scan(&slot.ID, &slot.WalletID, &slot.CosignerID, &slot.KeyOrder); err != nil {
			return nil, fmt.Errorf("scan xpub slot: %w", err)
		}
		out = append(out, slot)
	}
	return out, rows.Err()
}

// --- Psbt ---------------------------------------------------------

// UpsertPsbt inserts p, or updates the row matching p.UUID if it already
// has one.
func (s *Store) UpsertPsbt(p *Psbt) error {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	res, err := s.conn.Exec(`
		INSERT INTO psbt (uuid, wallet_uuid, data, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(uuid) DO UPDATE SET data = excluded.data
	`, p.UUID, p.WalletUUID, p.Data, p.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: psbt", ErrAlreadyExists)
		}
		return fmt.Errorf("upsert psbt: %w", err)
	}

	if id, err := res.LastInsertId(); err == nil && id != 0 {
		p.ID = id
	} else {
		row := s.conn.QueryRow(`SELECT id FROM psbt WHERE uuid = ?`, p.UUID)
		if err := row.Scan(&p.ID); err != nil {
			return fmt.Errorf("reload psbt id: %w", err)
		}
	}
	return nil
}

// FindPsbts returns PSBTs matching every non-zero field of f.
func (s *Store) FindPsbts(f PsbtFilter) ([]Psbt, error) {
	query := `SELECT id, uuid, wallet_uuid, data, created_at FROM psbt WHERE 1=1`
	var args []interface{}

	if f.UUID != "" {
		query += ` AND uuid = ?`
		args = append(args, f.UUID)
	}
	if f.WalletUUID != "" {
		query += ` AND wallet_uuid = ?`
		args = append(args, f.WalletUUID)
	}
	query += ` ORDER BY id ASC`

	rows, err := s.conn.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("find psbts: %w", err)
	}
	defer rows.Close()

	var out []Psbt
	for rows.Next() {
		var p Psbt
		if err := rows.Scan(&p.ID, &p.UUID, &p.WalletUUID, &p.Data, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan psbt: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// RemovePsbt deletes the PSBT with the given UUID.
func (s *Store) RemovePsbt(uuid string) error {
	res, err := s.conn.Exec(`DELETE FROM psbt WHERE uuid = ?`, uuid)
	if err != nil {
		return fmt.Errorf("remove psbt: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
