package main

import (
	"context"
	"fmt"
	"os"
	"strings"
)

// envSecretsProvider resolves "env:NAME" references against the process
// environment, the simplest collab.SecretsProvider implementation and the
// only one this entrypoint needs — a real deployment would swap in a vault
// or KMS-backed provider behind the same interface.
type envSecretsProvider struct{}

func (envSecretsProvider) Resolve(ctx context.Context, ref string) (string, error) {
	name, ok := strings.CutPrefix(ref, "env:")
	if !ok {
		return "", fmt.Errorf("secrets: unsupported reference scheme %q", ref)
	}
	v, ok := os.LookupEnv(name)
	if !ok {
		return "", fmt.Errorf("secrets: environment variable %q not set", name)
	}
	return v, nil
}
