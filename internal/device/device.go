package device

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/user"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/blake2b"
)

// FallbackFile is the name of the persisted random identifier inside the
// state directory.
const FallbackFile = "device_id"

// DefaultTimeout bounds the fingerprint computation.
const DefaultTimeout = 2 * time.Second

// ErrNoSignal is returned by HostFingerprint when the host exposes nothing
// stable enough to hash.
var ErrNoSignal = errors.New("no stable host signal")

var machineIDPaths = []string{"/etc/machine-id", "/var/lib/dbus/machine-id"}

// Fingerprinter computes the primary device signal.
type Fingerprinter func(ctx context.Context) (string, error)

// Provider resolves the identifier used for trial accounting. It never fails:
// a broken fingerprint degrades to a random id persisted in the state dir.
type Provider struct {
	mu       sync.Mutex
	id       string
	stateDir string
	timeout  time.Duration
	finger   Fingerprinter
	now      func() time.Time
	logger   *slog.Logger
}

type Option func(*Provider)

func WithFingerprinter(f Fingerprinter) Option {
	return func(p *Provider) { p.finger = f }
}

func WithTimeout(d time.Duration) Option {
	return func(p *Provider) { p.timeout = d }
}

func WithClock(now func() time.Time) Option {
	return func(p *Provider) { p.now = now }
}

func WithLogger(l *slog.Logger) Option {
	return func(p *Provider) { p.logger = l }
}

// NewProvider creates a provider that keeps its fallback id under stateDir.
// An empty stateDir keeps the fallback in memory only.
func NewProvider(stateDir string, opts ...Option) *Provider {
	p := &Provider{
		stateDir: stateDir,
		timeout:  DefaultTimeout,
		finger:   HostFingerprint,
		now:      time.Now,
		logger:   slog.Default(),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// ID returns the device identifier, computing it on first use.
func (p *Provider) ID(ctx context.Context) string {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.id != "" {
		return p.id
	}

	id, err := p.fingerprint(ctx)
	if err != nil || id == "" {
		p.logger.Debug("device fingerprint unavailable, using fallback", "error", err)
		id = p.fallback()
	}
	p.id = id
	return id
}

func (p *Provider) fingerprint(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	type result struct {
		id  string
		err error
	}
	ch := make(chan result, 1)
	go func() {
		id, err := p.finger(ctx)
		ch <- result{id, err}
	}()

	select {
	case r := <-ch:
		return r.id, r.err
	case <-ctx.Done():
		return "", fmt.Errorf("fingerprint: %w", ctx.Err())
	}
}

func (p *Provider) fallback() string {
	if p.stateDir != "" {
		data, err := os.ReadFile(filepath.Join(p.stateDir, FallbackFile))
		if err == nil {
			if id := strings.TrimSpace(string(data)); id != "" {
				return id
			}
		}
	}

	id := fmt.Sprintf("fallback-%d-%s", p.now().UnixMilli(), uuid.NewString())
	if p.stateDir == "" {
		return id
	}
	if err := persist(p.stateDir, id); err != nil {
		p.logger.Warn("persist fallback device id", "error", err)
	}
	return id
}

func persist(dir, id string) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, FallbackFile), []byte(id+"\n"), 0o600); err != nil {
		return fmt.Errorf("write device id: %w", err)
	}
	return nil
}

// HostFingerprint hashes stable host traits with BLAKE2b-256. It needs at
// least a machine id or a hostname.
func HostFingerprint(ctx context.Context) (string, error) {
	machineID := readMachineID()
	hostname, _ := os.Hostname()
	if machineID == "" && hostname == "" {
		return "", ErrNoSignal
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	traits := []string{machineID, hostname, runtime.GOOS, runtime.GOARCH}
	if u, err := user.Current(); err == nil {
		traits = append(traits, u.Username, u.HomeDir)
	}
	return hashTraits(traits), nil
}

func hashTraits(traits []string) string {
	sum := blake2b.Sum256([]byte(strings.Join(traits, "\x00")))
	return hex.EncodeToString(sum[:])
}

func readMachineID() string {
	for _, path := range machineIDPaths {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		if id := strings.TrimSpace(string(data)); id != "" {
			return id
		}
	}
	return ""
}
