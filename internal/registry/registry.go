// mcpgateway - MCP Reverse Proxy & Process Supervisor
// SPDX-License-Identifier: AGPL-3.0-or-later

package registry

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/tomtom215/mcpgateway/internal/gwerrors"
)

const (
	serviceKeyPrefix   = "service:"
	proxyPathKeyPrefix = "proxypath:"
	apiKeyKeyPrefix    = "apikey:"
)

// Registry is the durable store of service definitions and API keys,
// backed by an embedded Badger database. All lifecycle-changing
// writes go through a single Badger transaction so that a proxyPath
// collision or a concurrent create can never leave the store
// inconsistent.
type Registry struct {
	db *badger.DB
}

// Open opens (creating if absent) the Badger database at dir.
func Open(dir string) (*Registry, error) {
	opts := badger.DefaultOptions(dir)
	opts.Logger = nil // Badger's own logger is noisy; the gateway logs at its own boundaries.

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open registry at %s: %w", dir, err)
	}
	return &Registry{db: db}, nil
}

// Close closes the underlying database.
func (r *Registry) Close() error {
	return r.db.Close()
}

// CreateService persists a new service definition. Fails with
// gwerrors.ErrAlreadyExists if the id is already in use or the proxyPath
// collides with an existing service.
func (r *Registry) CreateService(ctx context.Context, def ServiceDefinition) (ServiceDefinition, error) {
	if def.ID == "" {
		def.ID = uuid.New().String()
	}
	if err := def.Validate(); err != nil {
		return ServiceDefinition{}, fmt.Errorf("%w: %v", gwerrors.ErrInvalidParams, err)
	}
	now := time.Now().UTC()
	def.CreatedAt = now
	def.UpdatedAt = now
	if def.DesiredStatus == "" {
		def.DesiredStatus = DesiredStopped
	}

	err := r.db.Update(func(txn *badger.Txn) error {
		serviceKey := []byte(serviceKeyPrefix + def.ID)
		if _, err := txn.Get(serviceKey); err == nil {
			return gwerrors.ErrAlreadyExists
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}

		proxyKey := []byte(proxyPathKeyPrefix + def.ProxyPath)
		if _, err := txn.Get(proxyKey); err == nil {
			return fmt.Errorf("%w: proxyPath %q already in use", gwerrors.ErrAlreadyExists, def.ProxyPath)
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}

		data, err := json.Marshal(def)
		if err != nil {
			return err
		}
		if err := txn.Set(serviceKey, data); err != nil {
			return err
		}
		return txn.Set(proxyKey, []byte(def.ID))
	})
	if err != nil {
		return ServiceDefinition{}, err
	}
	return def, nil
}

// GetService returns the definition for id, or gwerrors.ErrNotFound.
func (r *Registry) GetService(ctx context.Context, id string) (ServiceDefinition, error) {
	var def ServiceDefinition
	err := r.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(serviceKeyPrefix + id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return gwerrors.ErrNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &def)
		})
	})
	if err != nil {
		return ServiceDefinition{}, err
	}
	return def, nil
}

// ListServices returns every persisted service definition.
func (r *Registry) ListServices(ctx context.Context) ([]ServiceDefinition, error) {
	var defs []ServiceDefinition
	err := r.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = true
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(serviceKeyPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var def ServiceDefinition
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &def)
			}); err != nil {
				return err
			}
			defs = append(defs, def)
		}
		return nil
	})
	return defs, err
}

// UpdateService overwrites the stored definition for def.ID, re-enforcing
// proxyPath uniqueness against every other service.
func (r *Registry) UpdateService(ctx context.Context, def ServiceDefinition) (ServiceDefinition, error) {
	if err := def.Validate(); err != nil {
		return ServiceDefinition{}, fmt.Errorf("%w: %v", gwerrors.ErrInvalidParams, err)
	}

	err := r.db.Update(func(txn *badger.Txn) error {
		serviceKey := []byte(serviceKeyPrefix + def.ID)
		item, err := txn.Get(serviceKey)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return gwerrors.ErrNotFound
		}
		if err != nil {
			return err
		}

		var existing ServiceDefinition
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &existing)
		}); err != nil {
			return err
		}

		if existing.ProxyPath != def.ProxyPath {
			newProxyKey := []byte(proxyPathKeyPrefix + def.ProxyPath)
			if _, err := txn.Get(newProxyKey); err == nil {
				return fmt.Errorf("%w: proxyPath %q already in use", gwerrors.ErrAlreadyExists, def.ProxyPath)
			} else if !errors.Is(err, badger.ErrKeyNotFound) {
				return err
			}
			if err := txn.Delete([]byte(proxyPathKeyPrefix + existing.ProxyPath)); err != nil {
				return err
			}
			if err := txn.Set(newProxyKey, []byte(def.ID)); err != nil {
				return err
			}
		}

		def.CreatedAt = existing.CreatedAt
		def.UpdatedAt = time.Now().UTC()

		data, err := json.Marshal(def)
		if err != nil {
			return err
		}
		return txn.Set(serviceKey, data)
	})
	if err != nil {
		return ServiceDefinition{}, err
	}
	return def, nil
}

// SetDesiredStatus updates only the desiredStatus field — the write path
// used by start/stop lifecycle actions. The management action is the sole
// authority over desiredStatus; the supervisor's own runtime-state events
// stay purely in-memory and never write back to the registry, so there is
// exactly one writer of this field.
func (r *Registry) SetDesiredStatus(ctx context.Context, id string, status DesiredStatus) error {
	return r.db.Update(func(txn *badger.Txn) error {
		key := []byte(serviceKeyPrefix + id)
		item, err := txn.Get(key)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return gwerrors.ErrNotFound
		}
		if err != nil {
			return err
		}
		var def ServiceDefinition
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &def)
		}); err != nil {
			return err
		}
		def.DesiredStatus = status
		def.UpdatedAt = time.Now().UTC()
		data, err := json.Marshal(def)
		if err != nil {
			return err
		}
		return txn.Set(key, data)
	})
}

// DeleteService removes a service definition and frees its proxyPath.
func (r *Registry) DeleteService(ctx context.Context, id string) error {
	return r.db.Update(func(txn *badger.Txn) error {
		key := []byte(serviceKeyPrefix + id)
		item, err := txn.Get(key)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return gwerrors.ErrNotFound
		}
		if err != nil {
			return err
		}
		var def ServiceDefinition
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &def)
		}); err != nil {
			return err
		}
		if err := txn.Delete([]byte(proxyPathKeyPrefix + def.ProxyPath)); err != nil {
			return err
		}
		return txn.Delete(key)
	})
}

// IssueAPIKey generates a new random secret, persists only its SHA-256
// digest, and returns the plaintext once (it can never be recovered
// afterward).
func (r *Registry) IssueAPIKey(ctx context.Context, name string) (plaintext string, rec APIKeyRecord, err error) {
	secretBytes := make([]byte, 32)
	if _, err = rand.Read(secretBytes); err != nil {
		return "", APIKeyRecord{}, fmt.Errorf("generate api key: %w", err)
	}
	plaintext = "mcpgw_" + base64.RawURLEncoding.EncodeToString(secretBytes)
	hash := HashAPIKey(plaintext)

	rec = APIKeyRecord{
		Hash:      hash,
		Name:      name,
		Active:    true,
		CreatedAt: time.Now().UTC(),
	}
	data, merr := json.Marshal(rec)
	if merr != nil {
		return "", APIKeyRecord{}, merr
	}
	err = r.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(apiKeyKeyPrefix+hash), data)
	})
	if err != nil {
		return "", APIKeyRecord{}, err
	}
	return plaintext, rec, nil
}

// HashAPIKey computes the irreversible digest stored for an API key
// secret.
func HashAPIKey(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

// ValidateAPIKey looks up the key by its SHA-256 digest and, if active,
// touches its last-used timestamp and returns the record.
func (r *Registry) ValidateAPIKey(ctx context.Context, secret string) (APIKeyRecord, error) {
	hash := HashAPIKey(secret)
	var rec APIKeyRecord

	err := r.db.Update(func(txn *badger.Txn) error {
		key := []byte(apiKeyKeyPrefix + hash)
		item, err := txn.Get(key)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return gwerrors.ErrUnauthorized
		}
		if err != nil {
			return err
		}
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &rec)
		}); err != nil {
			return err
		}
		if !rec.Active {
			return gwerrors.ErrUnauthorized
		}
		rec.LastUsedAt = time.Now().UTC()
		data, merr := json.Marshal(rec)
		if merr != nil {
			return merr
		}
		return txn.Set(key, data)
	})
	if err != nil {
		return APIKeyRecord{}, err
	}
	return rec, nil
}

// RevokeAPIKey deactivates a key by its plaintext hash (as returned from
// a prior listing) so it can no longer authenticate requests.
func (r *Registry) RevokeAPIKey(ctx context.Context, hash string) error {
	return r.db.Update(func(txn *badger.Txn) error {
		key := []byte(apiKeyKeyPrefix + hash)
		item, err := txn.Get(key)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return gwerrors.ErrNotFound
		}
		if err != nil {
			return err
		}
		var rec APIKeyRecord
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &rec)
		}); err != nil {
			return err
		}
		rec.Active = false
		data, merr := json.Marshal(rec)
		if merr != nil {
			return merr
		}
		return txn.Set(key, data)
	})
}

// ListAPIKeys returns every issued API key record (without plaintext,
// which is never stored).
func (r *Registry) ListAPIKeys(ctx context.Context) ([]APIKeyRecord, error) {
	var recs []APIKeyRecord
	err := r.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = true
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(apiKeyKeyPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var rec APIKeyRecord
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			}); err != nil {
				return err
			}
			recs = append(recs, rec)
		}
		return nil
	})
	return recs, err
}
