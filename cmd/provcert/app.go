package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"provcert/internal/accessgate"
	"provcert/internal/certificate"
	"provcert/internal/config"
	"provcert/internal/logging"
	"provcert/internal/metrics"
	"provcert/internal/security"
	"provcert/internal/signer"
	"provcert/internal/store"
)

// auditKeyLabel derives the audit-trail HMAC key from the signing secret.
const auditKeyLabel = "audit-chain"

// app holds the components shared by every command.
type app struct {
	cfg     *config.Config
	log     *logging.Logger
	store   *store.Store
	signer  *signer.Signer
	gate    *accessgate.Gate
	audit   *logging.AuditLogger
	metrics *metrics.ServiceMetrics
	service *certificate.Service
}

func newLogger(cfg *config.Config) (*logging.Logger, error) {
	level, err := logging.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return nil, err
	}
	if verbose {
		level = logging.LevelDebug
	}
	format, err := logging.ParseFormat(cfg.Logging.Format)
	if err != nil {
		return nil, err
	}
	return logging.New(&logging.Config{
		Level:      level,
		Format:     format,
		Output:     cfg.Logging.Output,
		FilePath:   cfg.Logging.FilePath,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		Component:  "provcert",
	})
}

// loadSecret returns the signing secret named by the configuration.
func loadSecret(s config.SigningConfig) ([]byte, error) {
	var (
		secret []byte
		err    error
	)
	if s.SecretHex != "" {
		secret, err = signer.ParseSecret([]byte(s.SecretHex))
	} else {
		secret, err = signer.LoadSecret(s.SecretPath)
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("no signing secret at %s (run 'provcert keygen'): %w", s.SecretPath, err)
		}
	}
	if err != nil {
		return nil, err
	}

	if s.DeriveLabel == "" {
		return secret, nil
	}
	derived, err := signer.DeriveSecret(secret, s.DeriveLabel)
	security.Wipe(secret)
	return derived, err
}

func openAudit(cfg *config.Config) (*logging.AuditLogger, error) {
	if cfg.Logging.AuditPath == "" {
		return nil, nil
	}
	return logging.OpenAuditLog(cfg.Logging.AuditPath, cfg.Logging.MaxSizeMB, cfg.Logging.MaxBackups)
}

// loadApp loads the configuration and opens every component.
func loadApp() (*app, error) {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return nil, err
	}
	return openApp(cfg)
}

func openApp(cfg *config.Config) (*app, error) {
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, err
	}

	log, err := newLogger(cfg)
	if err != nil {
		return nil, fmt.Errorf("logging: %w", err)
	}
	a := &app{cfg: cfg, log: log}

	secret, err := loadSecret(cfg.Signing)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("signing secret: %w", err)
	}
	defer security.Wipe(secret)

	auditKey, err := security.DeriveKeyWithLabel(secret, auditKeyLabel, 32)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("derive audit key: %w", err)
	}

	a.signer, err = signer.New(signer.Config{Secret: secret, Issuer: cfg.Signing.Issuer})
	if err != nil {
		a.Close()
		return nil, err
	}

	a.gate, err = accessgate.New(cfg.AccessGate.Gate())
	if err != nil {
		a.Close()
		return nil, err
	}

	a.store, err = store.OpenWithOptions(cfg.Storage.Path, store.Options{
		BusyTimeout:    cfg.BusyTimeout(),
		MaxConnections: cfg.Storage.MaxConnections,
		AuditKey:       auditKey,
	})
	if err != nil {
		a.Close()
		return nil, err
	}

	a.audit, err = openAudit(cfg)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.metrics = metrics.NewServiceMetrics(metrics.NewRegistry("provcert", ""))

	a.service, err = certificate.NewService(certificate.ServiceConfig{
		Documents:     a.store,
		Events:        a.store,
		Repository:    a.store,
		Signer:        a.signer,
		Gate:          a.gate,
		Reconstructor: certificate.NewReconstructor(cfg.Reconstruction.Window),
		Logger:        log,
		Audit:         a.audit,
		Metrics:       a.metrics,
	})
	if err != nil {
		a.Close()
		return nil, err
	}

	log.Debug("provcert opened",
		"storage", cfg.Storage.Path,
		"issuer", cfg.Signing.Issuer,
		"bcrypt_cost", a.gate.Cost(),
	)
	return a, nil
}

// Close releases everything opened by openApp.
func (a *app) Close() error {
	var errs []error
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	if a.audit != nil {
		errs = append(errs, a.audit.Close())
	}
	if a.log != nil {
		errs = append(errs, a.log.Close())
	}
	return errors.Join(errs...)
}

// signerSelfTest signs and verifies a throwaway payload.
func (a *app) signerSelfTest(context.Context) error {
	p := signer.Payload{CertificateID: "self-test", IssuedAt: time.Now().UTC().Truncate(time.Second)}
	tok, err := a.signer.Sign(p)
	if err != nil {
		return err
	}
	got, err := a.signer.Verify(tok)
	if err != nil {
		return err
	}
	if got.CertificateID != p.CertificateID {
		return errors.New("signer round trip mismatch")
	}
	return nil
}
