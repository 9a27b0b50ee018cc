package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/Mindburn-Labs/lockchain/pkg/archive"
	"github.com/Mindburn-Labs/lockchain/pkg/config"
	"github.com/Mindburn-Labs/lockchain/pkg/crypto"
	"github.com/Mindburn-Labs/lockchain/pkg/store"
)

func runKeygenCmd(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("keygen", flag.ContinueOnError)
	fs.SetOutput(stderr)
	id := fs.String("id", "node-0", "committee member ID")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	s, err := crypto.NewEd25519Signer(*id)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "keygen: %v\n", err)
		return 1
	}
	out := struct {
		ID        string `json:"id"`
		Seed      string `json:"seed"`
		PublicKey string `json:"public_key"`
	}{*id, hex.EncodeToString(s.Seed()), s.PublicKey()}

	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		return 1
	}
	return 0
}

func rangeFlags(name string, stderr io.Writer) (*flag.FlagSet, *uint64, *uint64) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	start := fs.Uint64("start", 0, "first cycle")
	end := fs.Uint64("end", 0, "last cycle (inclusive)")
	return fs, start, end
}

func openConfiguredStore(ctx context.Context) (store.Store, *config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	st, err := store.Open(ctx, cfg.StoreConfig())
	if err != nil {
		return nil, nil, err
	}
	return st, cfg, nil
}

func runVerifyCmd(args []string, stdout, stderr io.Writer) int {
	fs, start, end := rangeFlags("verify", stderr)
	if err := fs.Parse(args); err != nil {
		return 2
	}
	ctx := context.Background()
	st, _, err := openConfiguredStore(ctx)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "verify: %v\n", err)
		return 1
	}
	defer func() { _ = st.Close() }()

	err = st.VerifyContinuity(ctx, *start, *end)
	var gap *store.GapError
	switch {
	case err == nil:
		_, _ = fmt.Fprintf(stdout, "continuous: cycles %d..%d\n", *start, *end)
		return 0
	case errors.As(err, &gap):
		_, _ = fmt.Fprintf(stdout, "gap: cycle %d missing\n", gap.Missing)
		return 1
	default:
		_, _ = fmt.Fprintf(stderr, "verify: %v\n", err)
		return 1
	}
}

func runExportCmd(args []string, stdout, stderr io.Writer) int {
	fs, start, end := rangeFlags("export", stderr)
	if err := fs.Parse(args); err != nil {
		return 2
	}
	ctx := context.Background()
	st, cfg, err := openConfiguredStore(ctx)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "export: %v\n", err)
		return 1
	}
	defer func() { _ = st.Close() }()

	sink, err := archive.NewSinkFromConfig(ctx, cfg.ArchiveConfig())
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "export: %v\n", err)
		return 1
	}
	if sink == nil {
		_, _ = fmt.Fprintln(stderr, "export: ARCHIVE_STORAGE_TYPE is not set")
		return 2
	}
	n, err := archive.NewArchiver(sink).Export(ctx, st, *start, *end)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "export: %v\n", err)
		return 1
	}
	_, _ = fmt.Fprintf(stdout, "exported %d entries\n", n)
	return 0
}

func runHealthCmd(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("health", flag.ContinueOnError)
	fs.SetOutput(stderr)
	url := fs.String("url", "http://localhost:8080", "node base URL")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	client := &http.Client{Timeout: 3 * time.Second}
	resp, err := client.Get(*url + "/health")
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Health check failed: %v\n", err)
		return 1
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		_, _ = fmt.Fprintf(stderr, "Health check failed: status %d\n", resp.StatusCode)
		return 1
	}
	_, _ = io.Copy(stdout, resp.Body)
	return 0
}
