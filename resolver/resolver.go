// Package resolver maps human-readable service and method names to the wire
// identifiers sent in request and stream_start frames, and back.
//
// Both ends of a connection must hold the same mapping. Either generate it from
// the same descriptors with a deterministic strategy (hash, sequential over the
// same registration order) or generate it once and share it through Export and
// Import (see LoadTable, SaveTable and registry.MappingStore).
//
// A disabled resolver is a passthrough: the wire id equals the name.
package resolver

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/big"
	"strconv"
	"sync"

	"go.uber.org/zap"

	"wsrpc/rpcerr"
)

// Strategy selects how wire identifiers are derived.
type Strategy string

const (
	StrategyRandom     Strategy = "random"     // Random alphanumerics, regenerated on collision
	StrategyHash       Strategy = "hash"       // Truncated SHA-256 of the name, random suffix on collision
	StrategySequential Strategy = "sequential" // Prefix followed by a counter
)

const (
	DefaultLength        = 8
	DefaultPrefix        = "m"
	DefaultServicePrefix = "s"
)

// Options configures a Resolver. Zero values take the defaults above; the
// zero Strategy is hash.
type Options struct {
	Enabled           bool
	Strategy          Strategy
	Length            int    // Identifier length for random and hash
	Prefix            string // Method id prefix for sequential
	ServicePrefix     string // Service id prefix for sequential
	ObfuscateServices bool   // When false service ids equal service names
	Logger            *zap.Logger
}

func (o *Options) setDefaults() {
	if o.Strategy == "" {
		o.Strategy = StrategyHash
	}
	if o.Length <= 0 {
		o.Length = DefaultLength
	}
	if o.Prefix == "" {
		o.Prefix = DefaultPrefix
	}
	if o.ServicePrefix == "" {
		o.ServicePrefix = DefaultServicePrefix
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
}

// Validate reports unusable options.
func (o Options) Validate() error {
	switch o.Strategy {
	case "", StrategyRandom, StrategyHash, StrategySequential:
	default:
		return fmt.Errorf("resolver: unknown strategy %q", o.Strategy)
	}
	if o.Length < 0 || o.Length > sha256.Size*2 {
		return fmt.Errorf("resolver: identifier length %d out of range 1..%d", o.Length, sha256.Size*2)
	}
	return nil
}

// MethodDescriptor names one method of a service.
type MethodDescriptor struct {
	Name      string
	Streaming bool
}

// ServiceDescriptor names a service and its methods.
type ServiceDescriptor struct {
	Name    string
	Methods []MethodDescriptor
}

// WireID is the identifier pair carried in a frame.
type WireID struct {
	Service string
	Method  string
}

type name struct {
	service string
	method  string
}

type methodEntry struct {
	id        string
	streaming bool
}

type serviceEntry struct {
	id      string
	methods map[string]methodEntry
	order   []string
}

// Resolver holds one identifier mapping. Safe for concurrent use; the mapping
// only grows after creation, except through Import.
type Resolver struct {
	opts Options

	mu         sync.RWMutex
	services   map[string]*serviceEntry // service name -> entry
	order      []string                 // service names in registration order
	serviceIDs map[string]string        // service id -> service name
	wire       map[WireID]name
	methodIDs  map[string]struct{} // every method id in use
	methodSeq  int
	serviceSeq int
}

// New returns an empty resolver.
func New(opts Options) *Resolver {
	opts.setDefaults()
	r := &Resolver{opts: opts}
	r.reset()
	return r
}

func (r *Resolver) reset() {
	r.services = make(map[string]*serviceEntry)
	r.order = nil
	r.serviceIDs = make(map[string]string)
	r.wire = make(map[WireID]name)
	r.methodIDs = make(map[string]struct{})
	r.methodSeq = 0
	r.serviceSeq = 0
}

// Enabled reports whether names are obfuscated.
func (r *Resolver) Enabled() bool { return r.opts.Enabled }

// Generate adds wire identifiers for every method not yet mapped. Existing
// entries keep their identifiers.
func (r *Resolver) Generate(services ...ServiceDescriptor) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, svc := range services {
		if svc.Name == "" {
			return fmt.Errorf("resolver: service with empty name")
		}
		entry, ok := r.services[svc.Name]
		if !ok {
			id, err := r.serviceID(svc.Name)
			if err != nil {
				return err
			}
			entry = &serviceEntry{id: id, methods: make(map[string]methodEntry)}
			r.services[svc.Name] = entry
			r.order = append(r.order, svc.Name)
			r.serviceIDs[id] = svc.Name
		}
		for _, m := range svc.Methods {
			if m.Name == "" {
				return fmt.Errorf("resolver: service %s has a method with empty name", svc.Name)
			}
			if _, ok := entry.methods[m.Name]; ok {
				continue
			}
			id, err := r.methodID(svc.Name, m.Name)
			if err != nil {
				return err
			}
			entry.methods[m.Name] = methodEntry{id: id, streaming: m.Streaming}
			entry.order = append(entry.order, m.Name)
			r.methodIDs[id] = struct{}{}
			r.wire[WireID{Service: entry.id, Method: id}] = name{service: svc.Name, method: m.Name}
			r.opts.Logger.Debug("method mapped",
				zap.String("service", svc.Name),
				zap.String("method", m.Name),
				zap.String("wire_method", id),
			)
		}
	}
	return nil
}

func (r *Resolver) serviceID(svc string) (string, error) {
	if !r.opts.Enabled || !r.opts.ObfuscateServices {
		if _, taken := r.serviceIDs[svc]; taken {
			return "", fmt.Errorf("resolver: service id %q already in use", svc)
		}
		return svc, nil
	}
	return r.derive(svc, &r.serviceSeq, r.opts.ServicePrefix, func(id string) bool {
		_, taken := r.serviceIDs[id]
		return taken
	})
}

func (r *Resolver) methodID(svc, method string) (string, error) {
	if !r.opts.Enabled {
		return method, nil
	}
	return r.derive(svc+"."+method, &r.methodSeq, r.opts.Prefix, func(id string) bool {
		_, taken := r.methodIDs[id]
		return taken
	})
}

// derive produces an unused identifier for key with the configured strategy.
func (r *Resolver) derive(key string, seq *int, prefix string, taken func(string) bool) (string, error) {
	switch r.opts.Strategy {
	case StrategySequential:
		for {
			*seq++
			if id := prefix + strconv.Itoa(*seq); !taken(id) {
				return id, nil
			}
		}

	case StrategyRandom:
		for {
			id, err := randomAlphanumeric(r.opts.Length)
			if err != nil {
				return "", err
			}
			if !taken(id) {
				return id, nil
			}
		}

	case StrategyHash:
		sum := sha256.Sum256([]byte(key))
		id := hex.EncodeToString(sum[:])
		if r.opts.Length < len(id) {
			id = id[:r.opts.Length]
		}
		for taken(id) {
			suffix, err := randomAlphanumeric(4)
			if err != nil {
				return "", err
			}
			r.opts.Logger.Debug("hash identifier collision", zap.String("key", key), zap.String("id", id))
			id += suffix
		}
		return id, nil
	}
	return "", fmt.Errorf("resolver: unknown strategy %q", r.opts.Strategy)
}

const alphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

func randomAlphanumeric(n int) (string, error) {
	limit := big.NewInt(int64(len(alphabet)))
	b := make([]byte, n)
	for i := range b {
		k, err := rand.Int(rand.Reader, limit)
		if err != nil {
			return "", fmt.Errorf("resolver: read random: %w", err)
		}
		b[i] = alphabet[k.Int64()]
	}
	return string(b), nil
}

// Resolve maps wire identifiers back to names. A disabled resolver returns
// its arguments unchanged.
func (r *Resolver) Resolve(wireService, wireMethod string) (service, method string, err error) {
	if !r.opts.Enabled {
		return wireService, wireMethod, nil
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	service, ok := r.serviceIDs[wireService]
	if !ok {
		return "", "", rpcerr.Newf(rpcerr.CodeServiceNotFound, "unknown service id %q", wireService)
	}
	n, ok := r.wire[WireID{Service: wireService, Method: wireMethod}]
	if !ok {
		return "", "", rpcerr.Newf(rpcerr.CodeMethodNotFound, "unknown method id %q for service %s", wireMethod, service)
	}
	return n.service, n.method, nil
}

// Lookup returns the wire identifiers for a method. A disabled resolver
// returns the names unchanged.
func (r *Resolver) Lookup(service, method string) (WireID, error) {
	if !r.opts.Enabled {
		return WireID{Service: service, Method: method}, nil
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.services[service]
	if !ok {
		return WireID{}, rpcerr.Newf(rpcerr.CodeServiceNotFound, "service %s is not mapped", service)
	}
	m, ok := entry.methods[method]
	if !ok {
		return WireID{}, rpcerr.Newf(rpcerr.CodeMethodNotFound, "method %s.%s is not mapped", service, method)
	}
	return WireID{Service: entry.id, Method: m.id}, nil
}

// Len returns the number of mapped methods.
func (r *Resolver) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.wire)
}
