// Package credentials manages the CAPTCHA-solving credential pool:
// round-robin rotation, single-holder checkout, and failure cooldowns.
package credentials

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/localgrid/scraper-cluster/internal/cluster"
	"github.com/localgrid/scraper-cluster/internal/store"
)

const (
	credentialKeyPrefix = "credential:"
	cursorKey           = "credential:cursor"
)

// Config controls cooldown policy. A credential enters cooling-down after
// FailureThreshold consecutive failures, for CooldownBase doubled per
// failure and capped at CooldownMax.
type Config struct {
	FailureThreshold int
	CooldownBase     time.Duration
	CooldownMax      time.Duration
}

// Pool hands out credentials round-robin so no single key absorbs the
// whole request rate. Checkout is a CAS so a credential can never be held
// by two workers at once.
type Pool struct {
	store store.Store
	clock cluster.Clock
	cfg   Config
}

// New constructs a Pool.
func New(st store.Store, clock cluster.Clock, cfg Config) *Pool {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 3
	}
	if cfg.CooldownBase <= 0 {
		cfg.CooldownBase = 30 * time.Second
	}
	if cfg.CooldownMax <= 0 {
		cfg.CooldownMax = 30 * time.Minute
	}
	return &Pool{store: st, clock: clock, cfg: cfg}
}

// Seed registers the given solving keys, preserving any existing rotation
// state for keys already present.
func (p *Pool) Seed(ctx context.Context, keys []string) error {
	for i, key := range keys {
		id := fmt.Sprintf("key-%02d", i)
		if _, err := p.get(ctx, id); err == nil {
			continue
		} else if !errors.Is(err, store.ErrNotFound) {
			return err
		}
		cred := cluster.Credential{ID: id, Key: key, Status: cluster.CredentialAvailable}
		data, err := json.Marshal(cred)
		if err != nil {
			return fmt.Errorf("marshal credential: %w", err)
		}
		if _, err := p.store.CompareAndSwap(ctx, credentialKeyPrefix+id, 0, data, 0); err != nil {
			if errors.Is(err, store.ErrConflict) {
				continue
			}
			return fmt.Errorf("seed credential %s: %w", id, err)
		}
	}
	return nil
}

// Acquire checks out the next available credential for holder, advancing
// the round-robin cursor. Returns ErrPoolExhausted when every credential
// is checked out or cooling down.
func (p *Pool) Acquire(ctx context.Context, holder string) (cluster.Credential, error) {
	if err := p.Tick(ctx); err != nil {
		return cluster.Credential{}, err
	}
	creds, err := p.listVersioned(ctx)
	if err != nil {
		return cluster.Credential{}, err
	}
	if len(creds) == 0 {
		return cluster.Credential{}, cluster.ErrPoolExhausted
	}
	start := p.cursor(ctx) % len(creds)
	now := p.clock.Now()
	for i := 0; i < len(creds); i++ {
		vc := creds[(start+i)%len(creds)]
		if vc.cred.Status != cluster.CredentialAvailable {
			continue
		}
		cred := vc.cred
		cred.Status = cluster.CredentialInUse
		cred.Holder = holder
		cred.LastUsedAt = now
		if err := p.swap(ctx, cred, vc.version); err != nil {
			if errors.Is(err, store.ErrConflict) {
				// Another worker won this credential; keep rotating.
				continue
			}
			return cluster.Credential{}, err
		}
		p.advanceCursor(ctx, (start+i+1)%len(creds))
		return cred, nil
	}
	return cluster.Credential{}, cluster.ErrPoolExhausted
}

// Release returns a checked-out credential. Success resets the failure
// streak; failure extends it and trips the cooldown at the threshold with
// an exponentially growing window.
func (p *Pool) Release(ctx context.Context, id string, ok bool) error {
	for {
		vc, err := p.getVersioned(ctx, id)
		if err != nil {
			return err
		}
		cred := vc.cred
		if cred.Status != cluster.CredentialInUse {
			return fmt.Errorf("credential %s released while not in use", id)
		}
		cred.Holder = ""
		if ok {
			cred.Failures = 0
			cred.Status = cluster.CredentialAvailable
		} else {
			cred.Failures++
			if cred.Failures >= p.cfg.FailureThreshold {
				cred.Status = cluster.CredentialCoolingDown
				cred.CooldownUntil = p.clock.Now().Add(p.cooldownWindow(cred.Failures))
			} else {
				cred.Status = cluster.CredentialAvailable
			}
		}
		err = p.swap(ctx, cred, vc.version)
		if err == nil {
			return nil
		}
		if !errors.Is(err, store.ErrConflict) {
			return err
		}
	}
}

// Tick returns cooled-down credentials whose window elapsed to the
// available set. Safe to run on every coordinator tick.
func (p *Pool) Tick(ctx context.Context) error {
	creds, err := p.listVersioned(ctx)
	if err != nil {
		return err
	}
	now := p.clock.Now()
	for _, vc := range creds {
		if vc.cred.Status != cluster.CredentialCoolingDown || now.Before(vc.cred.CooldownUntil) {
			continue
		}
		cred := vc.cred
		cred.Status = cluster.CredentialAvailable
		if err := p.swap(ctx, cred, vc.version); err != nil && !errors.Is(err, store.ErrConflict) {
			return err
		}
	}
	return nil
}

// List returns all credentials sorted by id, for the monitor and stats.
func (p *Pool) List(ctx context.Context) ([]cluster.Credential, error) {
	creds, err := p.listVersioned(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]cluster.Credential, len(creds))
	for i, vc := range creds {
		out[i] = vc.cred
	}
	return out, nil
}

// cooldownWindow is base doubled per consecutive failure, capped.
func (p *Pool) cooldownWindow(failures int) time.Duration {
	window := p.cfg.CooldownBase
	for i := 0; i < failures; i++ {
		window *= 2
		if window >= p.cfg.CooldownMax {
			return p.cfg.CooldownMax
		}
	}
	return window
}

type versionedCredential struct {
	cred    cluster.Credential
	version int64
}

func (p *Pool) get(ctx context.Context, id string) (cluster.Credential, error) {
	vc, err := p.getVersioned(ctx, id)
	if err != nil {
		return cluster.Credential{}, err
	}
	return vc.cred, nil
}

func (p *Pool) getVersioned(ctx context.Context, id string) (versionedCredential, error) {
	v, err := p.store.Get(ctx, credentialKeyPrefix+id)
	if err != nil {
		return versionedCredential{}, err
	}
	var cred cluster.Credential
	if err := json.Unmarshal(v.Data, &cred); err != nil {
		return versionedCredential{}, fmt.Errorf("unmarshal credential %s: %w", id, err)
	}
	return versionedCredential{cred: cred, version: v.Version}, nil
}

func (p *Pool) listVersioned(ctx context.Context) ([]versionedCredential, error) {
	keys, err := p.store.Keys(ctx, credentialKeyPrefix)
	if err != nil {
		return nil, fmt.Errorf("list credentials: %w", err)
	}
	creds := make([]versionedCredential, 0, len(keys))
	for _, key := range keys {
		if key == cursorKey {
			continue
		}
		vc, err := p.getVersioned(ctx, key[len(credentialKeyPrefix):])
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			return nil, err
		}
		creds = append(creds, vc)
	}
	sort.Slice(creds, func(i, j int) bool { return creds[i].cred.ID < creds[j].cred.ID })
	return creds, nil
}

func (p *Pool) swap(ctx context.Context, cred cluster.Credential, version int64) error {
	data, err := json.Marshal(cred)
	if err != nil {
		return fmt.Errorf("marshal credential: %w", err)
	}
	if _, err := p.store.CompareAndSwap(ctx, credentialKeyPrefix+cred.ID, version, data, 0); err != nil {
		return err
	}
	return nil
}

// cursor reads the rotation pointer; a missing or garbled cursor starts
// the rotation at zero.
func (p *Pool) cursor(ctx context.Context) int {
	v, err := p.store.Get(ctx, cursorKey)
	if err != nil {
		return 0
	}
	var idx int
	if err := json.Unmarshal(v.Data, &idx); err != nil || idx < 0 {
		return 0
	}
	return idx
}

// advanceCursor is best-effort: a lost update only skews fairness, never
// correctness, so conflicts are ignored.
func (p *Pool) advanceCursor(ctx context.Context, next int) {
	data, _ := json.Marshal(next)
	_, _ = p.store.Put(ctx, cursorKey, data, 0)
}
