// Package registry bootstraps a referral registry: it binds an issuer
// authority, a store and a notifier into a ready gateway.
//
// Every deployment is independent. The issuer is a Deploy parameter rather than
// ambient configuration, so two deployments with different issuers never share
// state unless they are explicitly given the same store.
//
//	reg, err := registry.Deploy(issuerAddr, registry.WithStore(pgStore), registry.WithAdmin(admin))
//	rec, err := reg.Submit(ctx, att)
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/peerproof/referral-registry/gateway"
	"github.com/peerproof/referral-registry/interfaces"
	"github.com/peerproof/referral-registry/issuer"
	"github.com/peerproof/referral-registry/metrics"
	"github.com/peerproof/referral-registry/store"
)

type config struct {
	deployment        string
	store             interfaces.RegistryStore
	notifier          interfaces.Notifier
	log               *slog.Logger
	metrics           *metrics.RegistryMetrics
	admin             interfaces.Address
	retroactiveWindow time.Duration
	maxClockSkew      time.Duration
	validFrom         time.Time
	now               func() time.Time
}

type Option func(*config)

// WithStore sets the record store. The default is a fresh in-memory store.
func WithStore(s interfaces.RegistryStore) Option {
	return func(c *config) { c.store = s }
}

func WithNotifier(n interfaces.Notifier) Option {
	return func(c *config) { c.notifier = n }
}

func WithLogger(log *slog.Logger) Option {
	return func(c *config) { c.log = log }
}

func WithMetrics(m *metrics.RegistryMetrics) Option {
	return func(c *config) { c.metrics = m }
}

// WithAdmin sets an address that may rotate the issuer and revoke records.
func WithAdmin(admin interfaces.Address) Option {
	return func(c *config) { c.admin = admin }
}

func WithRetroactiveWindow(d time.Duration) Option {
	return func(c *config) { c.retroactiveWindow = d }
}

func WithMaxClockSkew(d time.Duration) Option {
	return func(c *config) { c.maxClockSkew = d }
}

// WithValidFrom sets the start of the initial issuer's grant. The default is
// the zero Unix time, so the initial issuer covers every past attestation.
func WithValidFrom(t time.Time) Option {
	return func(c *config) { c.validFrom = t }
}

func WithClock(now func() time.Time) Option {
	return func(c *config) { c.now = now }
}

// WithDeployment names the deployment in signed admin messages. Deployments
// sharing an issuer or admin key must use different identifiers. The default
// is a random UUID.
func WithDeployment(id string) Option {
	return func(c *config) { c.deployment = id }
}

// Registry is a deployed referral registry.
type Registry struct {
	authority *issuer.Authority
	store     interfaces.RegistryStore
	gateway   *gateway.Gateway
	log       *slog.Logger
}

// Deploy creates a registry trusting issuerAddr. A zero address fails with ErrMissingIssuer.
func Deploy(issuerAddr interfaces.Address, opts ...Option) (*Registry, error) {
	if issuerAddr.IsZero() {
		return nil, interfaces.ErrMissingIssuer
	}

	cfg := config{
		log:          slog.Default(),
		maxClockSkew: issuer.DefaultMaxClockSkew,
		validFrom:    time.Unix(0, 0),
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.store == nil {
		cfg.store = store.NewMemoryStore()
	}
	if cfg.deployment == "" {
		cfg.deployment = uuid.NewString()
	}

	authority, err := issuer.New(issuerAddr, cfg.validFrom,
		issuer.WithAdmin(cfg.admin),
		issuer.WithRetroactiveWindow(cfg.retroactiveWindow),
		issuer.WithMaxClockSkew(cfg.maxClockSkew),
		issuer.WithClock(cfg.now),
		issuer.WithLogger(cfg.log),
	)
	if err != nil {
		return nil, err
	}

	gw := gateway.New(authority, cfg.store, cfg.notifier, cfg.log).
		WithMetrics(cfg.metrics).
		WithClock(cfg.now).
		WithDeployment(cfg.deployment)

	cfg.log.Info("registry deployed", "deployment", cfg.deployment, "issuer", issuerAddr, "admin", cfg.admin)
	return &Registry{
		authority: authority,
		store:     cfg.store,
		gateway:   gw,
		log:       cfg.log,
	}, nil
}

// ParseIssuer parses an issuer address from configuration. Empty, malformed
// and zero addresses all fail with ErrMissingIssuer.
func ParseIssuer(s string) (interfaces.Address, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return interfaces.Address{}, fmt.Errorf("%w: no issuer address configured", interfaces.ErrMissingIssuer)
	}
	addr, err := interfaces.NewAddressFromHex(s)
	if err != nil {
		return interfaces.Address{}, fmt.Errorf("%w: %v", interfaces.ErrMissingIssuer, err)
	}
	if addr.IsZero() {
		return interfaces.Address{}, fmt.Errorf("%w: zero issuer address", interfaces.ErrMissingIssuer)
	}
	return addr, nil
}

func (r *Registry) Submit(ctx context.Context, att interfaces.Attestation) (interfaces.RegistryRecord, error) {
	return r.gateway.Submit(ctx, att)
}

func (r *Registry) SubmitEnvelope(ctx context.Context, envelope []byte) (interfaces.RegistryRecord, error) {
	return r.gateway.SubmitEnvelope(ctx, envelope)
}

func (r *Registry) Get(ctx context.Context, id interfaces.RecordID) (interfaces.RegistryRecord, error) {
	return r.store.Get(ctx, id)
}

func (r *Registry) ListByReferrer(ctx context.Context, referrer interfaces.Address, page interfaces.Page) (interfaces.PageResult, error) {
	return r.store.ListByReferrer(ctx, referrer, page)
}

// Records iterates over all records of referrer.
func (r *Registry) Records(referrer interfaces.Address) *store.Iterator {
	return store.NewIterator(r.store, referrer, interfaces.DefaultPageLimit)
}

func (r *Registry) Revoke(ctx context.Context, caller interfaces.Address, id interfaces.RecordID, reason string) (interfaces.RegistryRecord, error) {
	return r.gateway.Revoke(ctx, caller, id, reason)
}

func (r *Registry) RevokeSigned(ctx context.Context, id interfaces.RecordID, reason string, sig []byte) (interfaces.RegistryRecord, error) {
	return r.gateway.RevokeSigned(ctx, id, reason, sig)
}

func (r *Registry) Rotate(caller, newIssuer interfaces.Address, effectiveAt time.Time) error {
	return r.gateway.Rotate(caller, newIssuer, effectiveAt)
}

func (r *Registry) RotateSigned(newIssuer interfaces.Address, effectiveAt time.Time, epoch uint64, sig []byte) error {
	return r.gateway.RotateSigned(newIssuer, effectiveAt, epoch, sig)
}

// Deployment is the identifier signed admin messages must name.
func (r *Registry) Deployment() string {
	return r.gateway.Deployment()
}

func (r *Registry) Authority() *issuer.Authority {
	return r.authority
}

func (r *Registry) Store() interfaces.RegistryStore {
	return r.store
}

func (r *Registry) Gateway() *gateway.Gateway {
	return r.gateway
}
