package main

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/amacisaac222/toolgate/pkg/policybundle"
)

// Testable variable for main()
var osExit = os.Exit

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		log.Print(err)
		osExit(1)
	}
}

func run(args []string, out io.Writer) error {
	if len(args) == 0 {
		usage(out)
		return errors.New("command required")
	}
	switch args[0] {
	case "gen-key":
		return genKey(args[1:], out)
	case "sign-bundle":
		return signBundle(args[1:], out)
	case "fingerprint":
		return fingerprint(args[1:], out)
	default:
		usage(out)
		return fmt.Errorf("unknown command: %s", args[0])
	}
}

func usage(out io.Writer) {
	fmt.Fprintln(out, "policysign commands:")
	fmt.Fprintln(out, "  gen-key --out-private private.key --out-public public.key")
	fmt.Fprintln(out, "  sign-bundle --bundle policy.yaml --private private.key --out policy.yaml.sig")
	fmt.Fprintln(out, "  fingerprint --public public.key")
}

func newFlagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return fs
}

func genKey(args []string, out io.Writer) error {
	fs := newFlagSet("gen-key")
	outPriv := fs.String("out-private", "private.key", "private key output")
	outPub := fs.String("out-public", "public.key", "public key output")
	if err := fs.Parse(args); err != nil {
		return err
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return fmt.Errorf("generate key: %w", err)
	}
	if err := os.WriteFile(*outPriv, []byte(base64.StdEncoding.EncodeToString(priv)), 0o600); err != nil {
		return fmt.Errorf("write private key: %w", err)
	}
	if err := os.WriteFile(*outPub, []byte(base64.StdEncoding.EncodeToString(pub)), 0o600); err != nil {
		return fmt.Errorf("write public key: %w", err)
	}
	fmt.Fprintf(out, "wrote %s and %s\n", *outPriv, *outPub)
	return nil
}

func readPrivateKey(path string) (ed25519.PrivateKey, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read private key: %w", err)
	}
	decoded, err := base64.StdEncoding.DecodeString(string(raw))
	if err != nil {
		return nil, fmt.Errorf("decode private key: %w", err)
	}
	if len(decoded) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("decode private key: invalid size %d", len(decoded))
	}
	return ed25519.PrivateKey(decoded), nil
}

func readPublicKey(path string) (ed25519.PublicKey, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read public key: %w", err)
	}
	decoded, err := base64.StdEncoding.DecodeString(string(raw))
	if err != nil {
		return nil, fmt.Errorf("decode public key: %w", err)
	}
	if len(decoded) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("decode public key: invalid size %d", len(decoded))
	}
	return ed25519.PublicKey(decoded), nil
}

// signBundle signs a YAML policy bundle with an Ed25519 private key and
// writes the companion .sig file as JSON, matching the layout Load expects.
func signBundle(args []string, out io.Writer) error {
	fs := newFlagSet("sign-bundle")
	bundlePath := fs.String("bundle", "", "bundle yaml path")
	privatePath := fs.String("private", "", "base64 private key path")
	pubkeyFingerprintKey := fs.String("public", "", "base64 public key path, used to derive the fingerprint")
	outPath := fs.String("out", "", "signature output path (defaults to <bundle>.sig)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *bundlePath == "" || *privatePath == "" {
		return errors.New("bundle and private required")
	}
	if *outPath == "" {
		*outPath = *bundlePath + ".sig"
	}

	raw, err := os.ReadFile(*bundlePath)
	if err != nil {
		return fmt.Errorf("read bundle: %w", err)
	}
	priv, err := readPrivateKey(*privatePath)
	if err != nil {
		return err
	}

	var fp string
	if *pubkeyFingerprintKey != "" {
		pub, err := readPublicKey(*pubkeyFingerprintKey)
		if err != nil {
			return err
		}
		fp = policybundle.Fingerprint(pub)
	} else {
		fp = policybundle.Fingerprint(priv.Public().(ed25519.PublicKey))
	}

	sig := policybundle.Sign(raw, priv, fp, time.Now().UTC())
	encoded, err := json.MarshalIndent(sig, "", "  ")
	if err != nil {
		return fmt.Errorf("encode signature: %w", err)
	}
	if err := os.WriteFile(*outPath, encoded, 0o644); err != nil {
		return fmt.Errorf("write signature: %w", err)
	}
	fmt.Fprintf(out, "wrote %s\n", *outPath)
	return nil
}

func fingerprint(args []string, out io.Writer) error {
	fs := newFlagSet("fingerprint")
	publicPath := fs.String("public", "", "base64 public key path")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *publicPath == "" {
		return errors.New("public required")
	}
	pub, err := readPublicKey(*publicPath)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, policybundle.Fingerprint(pub))
	return nil
}
