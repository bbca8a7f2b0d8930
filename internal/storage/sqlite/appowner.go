package sqlite

import (
	"database/sql"

	"github.com/evolu-sh/evolu-core/internal/evoluerr"
	"github.com/evolu-sh/evolu-core/internal/owner"
)

// AppOwner loads the device's single AppOwner row, if one has been
// created yet. found is false on first launch, before pkg/evolu
// creates and saves one.
func (s *Store) AppOwner() (owner.Owner, bool, error) {
	o, err := s.ownerByType(owner.TypeApp)
	if err == sql.ErrNoRows {
		return owner.Owner{}, false, nil
	}
	if err != nil {
		return owner.Owner{}, false, evoluerr.Wrap(evoluerr.KindStorage, "load app owner", err)
	}
	return o, true, nil
}

// Owner loads a previously saved owner (app or shared) by id, for
// starting a sync engine against a SharedOwner identity.
func (s *Store) Owner(ownerID string) (owner.Owner, error) {
	var o owner.Owner
	var typ string
	var encKey, writeKey []byte
	var mnemonic sql.NullString
	err := s.db.QueryRow(
		`SELECT owner_id, type, encryption_key, write_key, mnemonic FROM evolu_owner WHERE owner_id = ?`,
		ownerID,
	).Scan(&o.ID, &typ, &encKey, &writeKey, &mnemonic)
	if err != nil {
		return owner.Owner{}, evoluerr.Wrap(evoluerr.KindStorage, "load owner", err)
	}
	o.Type = owner.Type(typ)
	copy(o.EncryptionKey[:], encKey)
	copy(o.WriteKey[:], writeKey)
	o.Mnemonic = mnemonic.String
	return o, nil
}

func (s *Store) ownerByType(t owner.Type) (owner.Owner, error) {
	var o owner.Owner
	var typ string
	var encKey, writeKey []byte
	var mnemonic sql.NullString
	err := s.db.QueryRow(
		`SELECT owner_id, type, encryption_key, write_key, mnemonic FROM evolu_owner WHERE type = ? LIMIT 1`,
		string(t),
	).Scan(&o.ID, &typ, &encKey, &writeKey, &mnemonic)
	if err != nil {
		return owner.Owner{}, err
	}
	o.Type = owner.Type(typ)
	copy(o.EncryptionKey[:], encKey)
	copy(o.WriteKey[:], writeKey)
	o.Mnemonic = mnemonic.String
	return o, nil
}

// SaveOwner persists o's key material, idempotently.
func (s *Store) SaveOwner(o owner.Owner) error {
	return s.RegisterOwner(o.ID, string(o.Type), o.EncryptionKey[:], o.WriteKey[:], o.Mnemonic)
}
