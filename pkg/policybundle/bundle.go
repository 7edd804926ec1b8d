// Package policybundle implements the signed, versioned YAML policy bundle
// store (spec component C1): loading from disk, SHA-256 + Ed25519 signature
// verification, compilation into a match-ready structure, and per-tenant
// rollout resolution (explicit pin -> canary -> active).
package policybundle

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/amacisaac222/toolgate/pkg/models"
)

var (
	ErrMalformed        = errors.New("policybundle: malformed bundle")
	ErrSignatureInvalid = errors.New("policybundle: invalid signature")
	ErrVersionConflict  = errors.New("policybundle: version conflict")
)

// CompiledRule is a Rule plus its precomputed match strategy.
type CompiledRule struct {
	models.Rule
	IsGlob     bool
	GlobPrefix string // for a trailing-* glob, the literal prefix before '*'
}

// Compiled is a Bundle compiled into tool-name-indexed lookup structures.
// Exact-match rules are tried before glob rules, preserving file order
// within each tier (Open Question 1: exact before glob).
type Compiled struct {
	Bundle        models.Bundle
	ExactByTool   map[string][]CompiledRule
	Glob          []CompiledRule
	DefaultDecision string
}

// Load reads a YAML bundle and its companion .sig file from disk, verifies
// the signature when requireSignature is set, and compiles it.
func Load(bundlePath, sigPath string, publicKey ed25519.PublicKey, requireSignature bool) (*Compiled, error) {
	raw, err := os.ReadFile(bundlePath)
	if err != nil {
		return nil, fmt.Errorf("policybundle: read bundle: %w", err)
	}
	var sig *models.BundleSignature
	if sigPath != "" {
		sigRaw, err := os.ReadFile(sigPath)
		if err != nil {
			if requireSignature {
				return nil, fmt.Errorf("%w: read signature: %v", ErrSignatureInvalid, err)
			}
		} else {
			var s models.BundleSignature
			if err := json.Unmarshal(sigRaw, &s); err != nil {
				return nil, fmt.Errorf("%w: decode signature: %v", ErrSignatureInvalid, err)
			}
			sig = &s
		}
	}
	return FromBytes(raw, sig, publicKey, requireSignature)
}

// KeyResolver looks up a bundle signer's public key by the fingerprint
// (kid) carried in its signature, allowing bundle verification against
// externally-managed, rotatable keys instead of one fixed configured key.
// auth.BundleKeyResolver adapts an auth.KeyStore to this interface.
type KeyResolver interface {
	GetKey(ctx context.Context, kid string) (publicKey []byte, err error)
}

// FromBytesWithResolver is FromBytes but resolves the verification key from
// a KeyResolver using the signature's PubkeyFingerprint as the lookup kid,
// for deployments that rotate signing keys through an external store
// (e.g. Vault Transit) rather than a single pinned public key.
func FromBytesWithResolver(ctx context.Context, raw []byte, sig *models.BundleSignature, resolver KeyResolver, requireSignature bool) (*Compiled, error) {
	var pub ed25519.PublicKey
	if sig != nil && resolver != nil {
		keyBytes, err := resolver.GetKey(ctx, sig.PubkeyFingerprint)
		if err != nil {
			return nil, fmt.Errorf("%w: resolve signer key: %v", ErrSignatureInvalid, err)
		}
		pub = ed25519.PublicKey(keyBytes)
	}
	return FromBytes(raw, sig, pub, requireSignature)
}

// FromBytes verifies and compiles a bundle already read into memory
// (shared by Load and the admin apply endpoint, which receives bytes over
// HTTP rather than from disk).
func FromBytes(raw []byte, sig *models.BundleSignature, publicKey ed25519.PublicKey, requireSignature bool) (*Compiled, error) {
	sum := sha256.Sum256(raw)
	digestHex := hex.EncodeToString(sum[:])

	if sig != nil {
		if err := verifySignature(raw, sum[:], sig, publicKey); err != nil {
			return nil, err
		}
	} else if requireSignature {
		return nil, fmt.Errorf("%w: signature required but absent", ErrSignatureInvalid)
	}

	var doc models.BundleDoc
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if doc.Version == "" {
		return nil, fmt.Errorf("%w: missing version", ErrMalformed)
	}
	if doc.Defaults.Decision == "" {
		doc.Defaults.Decision = models.DecisionDeny
	}
	if doc.Defaults.Decision != models.DecisionAllow && doc.Defaults.Decision != models.DecisionDeny {
		return nil, fmt.Errorf("%w: defaults.decision must be allow or deny", ErrMalformed)
	}

	compiled := &Compiled{
		Bundle: models.Bundle{
			Version:  doc.Version,
			SHA256:   digestHex,
			SignedAt: signedAtOf(sig),
			Doc:      doc,
		},
		ExactByTool:     map[string][]CompiledRule{},
		DefaultDecision: doc.Defaults.Decision,
	}
	if sig != nil {
		compiled.Bundle.Signature = sig.Sig
	}

	for _, r := range doc.Rules {
		if r.Action != models.DecisionAllow && r.Action != models.DecisionDeny && r.Action != models.DecisionApproval {
			return nil, fmt.Errorf("%w: rule %q has unknown action %q", ErrMalformed, r.Name, r.Action)
		}
		if r.RequiredApprovals <= 0 {
			r.RequiredApprovals = 1
		}
		if err := validatePredicates(r.Where); err != nil {
			return nil, fmt.Errorf("%w: rule %q: %v", ErrMalformed, r.Name, err)
		}
		cr := CompiledRule{Rule: r}
		if strings.HasSuffix(r.Match, "*") {
			cr.IsGlob = true
			cr.GlobPrefix = strings.TrimSuffix(r.Match, "*")
			compiled.Glob = append(compiled.Glob, cr)
		} else {
			compiled.ExactByTool[r.Match] = append(compiled.ExactByTool[r.Match], cr)
		}
	}
	return compiled, nil
}

func signedAtOf(sig *models.BundleSignature) time.Time {
	if sig == nil || sig.Created == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, sig.Created)
	if err != nil {
		return time.Time{}
	}
	return t
}

// validatePredicates rejects unknown predicate keys at load time (§9: a
// closed DSL, unknown predicates are PolicyInvalid at load time not at
// evaluation time).
func validatePredicates(where map[string]any) error {
	for k := range where {
		switch k {
		case "host_in", "host_not_in", "method", "body_bytes_over",
			"path_under", "path_not_under", "estimated_cost_usd_over",
			"provider", "resource", "action":
			continue
		default:
			return fmt.Errorf("unknown predicate %q", k)
		}
	}
	return nil
}

func verifySignature(raw, digest []byte, sig *models.BundleSignature, publicKey ed25519.PublicKey) error {
	if sig.Alg != "Ed25519" && sig.Alg != "ed25519" {
		return fmt.Errorf("%w: unsupported algorithm %q", ErrSignatureInvalid, sig.Alg)
	}
	claimedDigest, err := base64.StdEncoding.DecodeString(sig.SHA256)
	if err != nil {
		return fmt.Errorf("%w: decode sha256: %v", ErrSignatureInvalid, err)
	}
	if string(claimedDigest) != string(digest) {
		return fmt.Errorf("%w: sha256 mismatch", ErrSignatureInvalid)
	}
	sigBytes, err := base64.StdEncoding.DecodeString(sig.Sig)
	if err != nil {
		return fmt.Errorf("%w: decode signature: %v", ErrSignatureInvalid, err)
	}
	if len(publicKey) != ed25519.PublicKeySize {
		return fmt.Errorf("%w: no public key configured", ErrSignatureInvalid)
	}
	if !ed25519.Verify(publicKey, digest, sigBytes) {
		return fmt.Errorf("%w: signature does not verify", ErrSignatureInvalid)
	}
	return nil
}

// Sign produces the companion .sig metadata for a bundle's raw bytes. Used
// by the signing CLI and by round-trip tests (spec §8: re-signing a
// verified bundle with the known key produces a byte-identical .sig).
func Sign(raw []byte, priv ed25519.PrivateKey, pubkeyFingerprint string, now time.Time) models.BundleSignature {
	digest := sha256.Sum256(raw)
	sig := ed25519.Sign(priv, digest[:])
	return models.BundleSignature{
		Alg:               "Ed25519",
		SHA256:            base64.StdEncoding.EncodeToString(digest[:]),
		Sig:               base64.StdEncoding.EncodeToString(sig),
		PubkeyFingerprint: pubkeyFingerprint,
		Created:           now.UTC().Format(time.RFC3339),
	}
}

// Fingerprint derives the "toolgate:v1:<8-hex>" style fingerprint from a
// public key, grounded in the original's "canopyiq:v1:<8-hex>" convention.
func Fingerprint(pub ed25519.PublicKey) string {
	sum := sha256.Sum256(pub)
	return "toolgate:v1:" + hex.EncodeToString(sum[:4])
}
