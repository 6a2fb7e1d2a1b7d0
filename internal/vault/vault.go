package vault

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"edgeruntime/internal/logger"
	"edgeruntime/internal/model"
)

// RefreshResult is the outcome of exchanging a refresh token for a new
// access token.
type RefreshResult struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    *time.Time
}

// RefreshFunc exchanges a refresh token for a new access token; supplied by
// the caller (typically an HTTP client against the hub's token endpoint).
type RefreshFunc func(ctx context.Context, vehicleID string) (RefreshResult, error)

// record is the on-disk shape of one credential; AccessToken/RefreshToken
// are encrypted at rest via Encryptor.
type record struct {
	VehicleID    string     `json:"vehicle_id"`
	Kind         string     `json:"kind"`
	AccessToken  string     `json:"access_token"`
	RefreshToken string     `json:"refresh_token,omitempty"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
	RefreshedAt  time.Time  `json:"refreshed_at"`
	CreatedAt    time.Time  `json:"created_at"`
}

// Vault is the Credential Vault (C6): per-vehicle token storage with
// envelope encryption at rest and a periodic refresh loop.
type Vault struct {
	mu      sync.RWMutex
	path    string
	enc     *Encryptor
	records map[string]record

	refresh     RefreshFunc
	refreshOnce sync.Once
	stopRefresh context.CancelFunc
}

// Open loads (or creates) the credential store at path, using enc for
// at-rest encryption of token fields. If enc is nil, tokens are stored in
// plaintext (development mode only).
func Open(path string, enc *Encryptor) (*Vault, error) {
	v := &Vault{path: path, enc: enc, records: make(map[string]record)}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return v, nil
	}
	if err != nil {
		return nil, fmt.Errorf("vault: reading %s: %w", path, err)
	}

	var recs []record
	if err := json.Unmarshal(data, &recs); err != nil {
		return nil, fmt.Errorf("vault: parsing %s: %w", path, err)
	}
	for _, r := range recs {
		v.records[r.VehicleID] = r
	}
	return v, nil
}

// Put stores or replaces a credential, encrypting its tokens if an
// Encryptor is configured, then persists atomically.
func (v *Vault) Put(ctx context.Context, vehicleID string, cred model.VehicleCredential, accessToken, refreshToken string) error {
	at, rt := accessToken, refreshToken
	var err error
	if v.enc != nil {
		if at != "" {
			at, err = v.enc.Encrypt(at)
			if err != nil {
				return fmt.Errorf("vault: encrypting access token: %w", err)
			}
		}
		if rt != "" {
			rt, err = v.enc.Encrypt(rt)
			if err != nil {
				return fmt.Errorf("vault: encrypting refresh token: %w", err)
			}
		}
	}

	now := time.Now().UTC()
	rec := record{
		VehicleID:    vehicleID,
		Kind:         cred.Kind,
		AccessToken:  at,
		RefreshToken: rt,
		ExpiresAt:    cred.ExpiresAt,
		RefreshedAt:  now,
		CreatedAt:    now,
	}

	v.mu.Lock()
	if existing, ok := v.records[vehicleID]; ok {
		rec.CreatedAt = existing.CreatedAt
	}
	v.records[vehicleID] = rec
	v.mu.Unlock()

	return v.persist()
}

// Get returns the decrypted access token for vehicleID.
func (v *Vault) Get(vehicleID string) (string, error) {
	v.mu.RLock()
	rec, ok := v.records[vehicleID]
	v.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("vault: no credential for vehicle %s", vehicleID)
	}

	if v.enc == nil || !IsEncrypted(rec.AccessToken) {
		return rec.AccessToken, nil
	}
	return v.enc.Decrypt(rec.AccessToken)
}

// Delete removes a vehicle's stored credential.
func (v *Vault) Delete(vehicleID string) error {
	v.mu.Lock()
	delete(v.records, vehicleID)
	v.mu.Unlock()
	return v.persist()
}

// persist writes every record to disk via write-temp-fsync-rename, the same
// atomic-state-file pattern used for reconnect state in agent-style bridge
// clients across the pack.
func (v *Vault) persist() error {
	v.mu.RLock()
	recs := make([]record, 0, len(v.records))
	for _, r := range v.records {
		recs = append(recs, r)
	}
	v.mu.RUnlock()

	data, err := json.MarshalIndent(recs, "", "  ")
	if err != nil {
		return fmt.Errorf("vault: marshaling records: %w", err)
	}

	dir := filepath.Dir(v.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("vault: creating %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".vault-*.tmp")
	if err != nil {
		return fmt.Errorf("vault: creating temp file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("vault: writing temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("vault: syncing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("vault: closing temp file: %w", err)
	}

	if err := os.Rename(tmpPath, v.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("vault: renaming temp file: %w", err)
	}
	return nil
}

// StartRefreshLoop runs refresh at the given interval for every stored
// credential whose ExpiresAt is within one interval of now, until ctx is
// cancelled. It is a no-op if already running.
func (v *Vault) StartRefreshLoop(ctx context.Context, refresh RefreshFunc, interval time.Duration) {
	v.refreshOnce.Do(func() {
		v.refresh = refresh
		ctx, cancel := context.WithCancel(ctx)
		v.stopRefresh = cancel

		go func() {
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					v.refreshDue(ctx, interval)
				}
			}
		}()
	})
}

// Stop cancels the refresh loop, if running.
func (v *Vault) Stop() {
	if v.stopRefresh != nil {
		v.stopRefresh()
	}
}

func (v *Vault) refreshDue(ctx context.Context, interval time.Duration) {
	log := logger.GetLogger(ctx)

	v.mu.RLock()
	due := make([]string, 0)
	now := time.Now().UTC()
	for id, rec := range v.records {
		if rec.ExpiresAt != nil && rec.ExpiresAt.Before(now.Add(interval)) {
			due = append(due, id)
		}
	}
	v.mu.RUnlock()

	for _, id := range due {
		v.mu.RLock()
		rec := v.records[id]
		v.mu.RUnlock()

		result, err := v.refresh(ctx, id)
		if err != nil {
			log.Sugar().Warnw("vault: credential refresh failed", "vehicle_id", id, "error", err)
			continue
		}

		cred := model.VehicleCredential{VehicleID: id, Kind: rec.Kind, ExpiresAt: result.ExpiresAt}
		if err := v.Put(ctx, id, cred, result.AccessToken, result.RefreshToken); err != nil {
			log.Sugar().Warnw("vault: persisting refreshed credential failed", "vehicle_id", id, "error", err)
		}
	}
}
