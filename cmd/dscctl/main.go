package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"stablevault/config"
	"stablevault/gateway/middleware"
	"stablevault/native/token"
)

const (
	tokenCommand  = "token"
	unitsCommand  = "units"
	defaultConfig = "services/dscd/config.toml"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case tokenCommand:
		err = runToken(os.Args[2:], os.Stdout)
	case unitsCommand:
		err = runUnits(os.Args[2:], os.Stdout)
	default:
		usage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

type tokenOptions struct {
	configPath string
	secret     string
	issuer     string
	subject    string
	scopes     string
	audience   string
	ttl        time.Duration
}

func runToken(args []string, out io.Writer) error {
	fs := flag.NewFlagSet(tokenCommand, flag.ContinueOnError)
	var opts tokenOptions
	fs.StringVar(&opts.configPath, "config", "", "dscd config to take the secret and issuer from")
	fs.StringVar(&opts.secret, "secret", "", "HMAC secret (overrides -config)")
	fs.StringVar(&opts.issuer, "issuer", "", "token issuer (overrides -config)")
	fs.StringVar(&opts.subject, "subject", "", "account address the token acts for")
	fs.StringVar(&opts.scopes, "scopes", middleware.ScopeAccount, "comma separated scopes: account, oracle")
	fs.StringVar(&opts.audience, "audience", "", "comma separated audience")
	fs.DurationVar(&opts.ttl, "ttl", time.Hour, "token lifetime")
	if err := fs.Parse(args); err != nil {
		return err
	}
	signed, err := issueToken(opts, time.Now())
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(out, signed)
	return err
}

func issueToken(opts tokenOptions, now time.Time) (string, error) {
	secret, issuer := opts.secret, opts.issuer
	if opts.configPath != "" {
		cfg, err := config.Load(opts.configPath)
		if err != nil {
			return "", err
		}
		if secret == "" {
			secret = cfg.Auth.HMACSecret
		}
		if issuer == "" {
			issuer = cfg.Auth.Issuer
		}
	}
	subject := strings.TrimSpace(opts.subject)
	scopes := splitList(opts.scopes)
	for _, scope := range scopes {
		if scope == middleware.ScopeAccount && !common.IsHexAddress(subject) {
			return "", fmt.Errorf("account tokens need a hex address subject, got %q", subject)
		}
	}
	if subject == "" {
		return "", fmt.Errorf("subject required")
	}
	return middleware.SignToken(secret, issuer, subject, splitList(opts.audience), scopes, opts.ttl, now)
}

func runUnits(args []string, out io.Writer) error {
	fs := flag.NewFlagSet(unitsCommand, flag.ContinueOnError)
	decimals := fs.Uint("decimals", 18, "token decimals")
	reverse := fs.Bool("format", false, "convert base units back to a decimal amount")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: dscctl units [-decimals n] [-format] <amount>")
	}
	converted, err := convertUnits(fs.Arg(0), *decimals, *reverse)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(out, converted)
	return err
}

func convertUnits(value string, decimals uint, reverse bool) (string, error) {
	if decimals > 36 {
		return "", fmt.Errorf("decimals %d out of range", decimals)
	}
	if reverse {
		amount, err := uint256.FromDecimal(strings.TrimSpace(value))
		if err != nil {
			return "", fmt.Errorf("parse base units: %w", err)
		}
		return token.FormatUnits(amount, uint8(decimals)), nil
	}
	amount, err := token.ParseUnits(value, uint8(decimals))
	if err != nil {
		return "", err
	}
	return amount.Dec(), nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: dscctl <command> [flags]\n\n")
	fmt.Fprintf(os.Stderr, "Commands:\n")
	fmt.Fprintf(os.Stderr, "  %s\tIssue a bearer token for the dscd API\n", tokenCommand)
	fmt.Fprintf(os.Stderr, "  %s\tConvert between decimal amounts and base units\n", unitsCommand)
}
